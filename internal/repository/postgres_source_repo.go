package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/feedpulse/internal/model"
)

// PostgresSourceRepo はPostgreSQLを使用したソースリポジトリ。
type PostgresSourceRepo struct {
	db *sql.DB
}

// NewPostgresSourceRepo はPostgresSourceRepoを生成する。
func NewPostgresSourceRepo(db *sql.DB) *PostgresSourceRepo {
	return &PostgresSourceRepo{db: db}
}

const sourceColumns = `url, title, link, hub, etag, modified, muted, error,
       backoff_factor, last_update, subscribers, created_at, updated_at`

// scanSource は1行分のソースを読み取る。
func scanSource(scan func(dest ...any) error) (*model.Source, error) {
	source := &model.Source{}
	var etag, modified, fetchError sql.NullString

	if err := scan(
		&source.URL, &source.Title, &source.Link, &source.Hub,
		&etag, &modified, &source.Muted, &fetchError,
		&source.BackoffFactor, &source.LastUpdate, &source.Subscribers,
		&source.CreatedAt, &source.UpdatedAt,
	); err != nil {
		return nil, err
	}

	source.ETag = nullStringValue(etag)
	source.Modified = nullStringValue(modified)
	source.Error = model.FetchError(nullStringValue(fetchError))

	return source, nil
}

// FindByURL は指定URLのソースを取得する。見つからない場合はnilを返す。
func (r *PostgresSourceRepo) FindByURL(ctx context.Context, url string) (*model.Source, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE url = $1`, url)

	source, err := scanSource(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ソースの取得に失敗しました: %w", err)
	}
	return source, nil
}

// GetOrCreate は指定URLのソースを取得し、存在しなければ作成する。
func (r *PostgresSourceRepo) GetOrCreate(ctx context.Context, url string, subscribers int) (*model.Source, bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO sources (url, subscribers, last_update)
		 VALUES ($1, $2, now())
		 ON CONFLICT (url) DO NOTHING`,
		url, subscribers,
	)
	if err != nil {
		return nil, false, fmt.Errorf("ソースの作成に失敗しました: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("ソース作成結果の確認に失敗しました: %w", err)
	}

	source, err := r.FindByURL(ctx, url)
	if err != nil {
		return nil, false, err
	}
	if source == nil {
		return nil, false, fmt.Errorf("作成直後のソースが見つかりません: %s", url)
	}

	return source, inserted > 0, nil
}

// UpdateState はソースの適応的状態を書き戻す。
func (r *PostgresSourceRepo) UpdateState(ctx context.Context, source *model.Source) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sources SET
		    title = $2, link = $3, hub = $4,
		    etag = $5, modified = $6,
		    muted = $7, error = $8, backoff_factor = $9,
		    last_update = $10, updated_at = now()
		 WHERE url = $1`,
		source.URL, source.Title, source.Link, source.Hub,
		nullString(source.ETag), nullString(source.Modified),
		source.Muted, nullString(string(source.Error)), source.BackoffFactor,
		source.LastUpdate,
	)
	if err != nil {
		return fmt.Errorf("ソース状態の更新に失敗しました: %w", err)
	}
	return nil
}

// UpdateSubscribers はソースの購読者数を更新する。
func (r *PostgresSourceRepo) UpdateSubscribers(ctx context.Context, url string, subscribers int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sources SET subscribers = $2, updated_at = now() WHERE url = $1`,
		url, subscribers,
	)
	if err != nil {
		return fmt.Errorf("購読者数の更新に失敗しました: %w", err)
	}
	return nil
}

// ClearMute はミュートを手動解除する。
func (r *PostgresSourceRepo) ClearMute(ctx context.Context, url string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sources SET muted = FALSE, error = NULL, backoff_factor = 1, updated_at = now()
		 WHERE url = $1`,
		url,
	)
	if err != nil {
		return fmt.Errorf("ミュート解除に失敗しました: %w", err)
	}
	return nil
}

// Delete は指定URLのソースを削除する。
func (r *PostgresSourceRepo) Delete(ctx context.Context, url string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sources WHERE url = $1`, url)
	if err != nil {
		return fmt.Errorf("ソースの削除に失敗しました: %w", err)
	}
	return nil
}

// ListDue はポーリング期限が到来したソースを取得する。
// 期限はlast_update + basePeriod × backoff_factorで計算する。
// ミュート済みソースはこのコアからは再スケジュールされない。
func (r *PostgresSourceRepo) ListDue(ctx context.Context, basePeriod time.Duration, limit int) ([]*model.Source, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sourceColumns+`
		 FROM sources
		 WHERE muted = FALSE
		   AND last_update <= now() - ($1 * backoff_factor) * interval '1 second'
		 ORDER BY last_update ASC
		 LIMIT $2`,
		int64(basePeriod.Seconds()), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ポーリング対象ソースの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var sources []*model.Source
	for rows.Next() {
		source, err := scanSource(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("ポーリング対象ソースの読み取りに失敗しました: %w", err)
		}
		sources = append(sources, source)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ポーリング対象ソースの走査に失敗しました: %w", err)
	}

	return sources, nil
}

// nullString は空文字列をsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// compile-time interface check
var _ SourceRepository = (*PostgresSourceRepo)(nil)
