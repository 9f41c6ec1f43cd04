package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/feedpulse/internal/model"
)

// PostgresSubscriptionRepo はPostgreSQLを使用した購読リポジトリ。
type PostgresSubscriptionRepo struct {
	db *sql.DB
}

// NewPostgresSubscriptionRepo はPostgresSubscriptionRepoを生成する。
func NewPostgresSubscriptionRepo(db *sql.DB) *PostgresSubscriptionRepo {
	return &PostgresSubscriptionRepo{db: db}
}

const subscriptionColumns = `id, owner_id, source_url, title, unread_count, favicon, created_at, updated_at`

// scanSubscription は1行分の購読を読み取る。
func scanSubscription(scan func(dest ...any) error) (*model.Subscription, error) {
	sub := &model.Subscription{}
	if err := scan(
		&sub.ID, &sub.OwnerID, &sub.SourceURL, &sub.Title,
		&sub.UnreadCount, &sub.Favicon, &sub.CreatedAt, &sub.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return sub, nil
}

// FindByID は指定IDの購読を取得する。見つからない場合はnilを返す。
func (r *PostgresSubscriptionRepo) FindByID(ctx context.Context, id string) (*model.Subscription, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)

	sub, err := scanSubscription(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("購読の取得に失敗しました: %w", err)
	}
	return sub, nil
}

// FindByOwnerAndSource はオーナーIDとソースURLで購読を検索する。見つからない場合はnilを返す。
func (r *PostgresSubscriptionRepo) FindByOwnerAndSource(ctx context.Context, ownerID, sourceURL string) (*model.Subscription, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE owner_id = $1 AND source_url = $2`,
		ownerID, sourceURL)

	sub, err := scanSubscription(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("購読の検索に失敗しました: %w", err)
	}
	return sub, nil
}

// Create は購読を作成する。
func (r *PostgresSubscriptionRepo) Create(ctx context.Context, sub *model.Subscription) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO subscriptions (id, owner_id, source_url, title, unread_count, favicon, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sub.ID, sub.OwnerID, sub.SourceURL, sub.Title,
		sub.UnreadCount, sub.Favicon, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("購読の作成に失敗しました: %w", err)
	}
	return nil
}

// ListByOwner はオーナーの購読一覧を返す。
func (r *PostgresSubscriptionRepo) ListByOwner(ctx context.Context, ownerID string) ([]*model.Subscription, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE owner_id = $1 ORDER BY title, created_at`,
		ownerID)
	if err != nil {
		return nil, fmt.Errorf("購読一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectSubscriptions(rows)
}

// ListBySourceURL は指定ソースURLの全購読を返す。
func (r *PostgresSubscriptionRepo) ListBySourceURL(ctx context.Context, sourceURL string) ([]*model.Subscription, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE source_url = $1`,
		sourceURL)
	if err != nil {
		return nil, fmt.Errorf("ソースURLによる購読検索に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectSubscriptions(rows)
}

// collectSubscriptions は結果セットから購読のスライスを組み立てる。
func collectSubscriptions(rows *sql.Rows) ([]*model.Subscription, error) {
	var subs []*model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("購読の読み取りに失敗しました: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("購読の走査に失敗しました: %w", err)
	}
	return subs, nil
}

// CountBySourceURL は指定ソースURLの購読数を返す。
func (r *PostgresSubscriptionRepo) CountBySourceURL(ctx context.Context, sourceURL string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscriptions WHERE source_url = $1`, sourceURL,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("購読数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// MigrateSourceURL は旧URLを参照する全購読を新URLへ付け替える。
// 同一オーナーが両方のURLを購読している場合、付け替えは(owner_id, source_url)の
// 一意制約に衝突するため、旧URL側の購読を先に削除して新URL側へ統合する。
func (r *PostgresSubscriptionRepo) MigrateSourceURL(ctx context.Context, oldURL, newURL string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("購読のソースURL移行の開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM subscriptions a
		 USING subscriptions b
		 WHERE a.source_url = $1 AND b.source_url = $2 AND a.owner_id = b.owner_id`,
		oldURL, newURL,
	)
	if err != nil {
		return fmt.Errorf("移行先と重複する購読の統合に失敗しました: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE subscriptions SET source_url = $2, updated_at = now() WHERE source_url = $1`,
		oldURL, newURL,
	)
	if err != nil {
		return fmt.Errorf("購読のソースURL移行に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("購読のソースURL移行の確定に失敗しました: %w", err)
	}
	return nil
}

// SetFaviconWhereMissing は指定サイトリンクのソースを購読していて
// faviconが未設定の購読にファイル名を設定する。
func (r *PostgresSubscriptionRepo) SetFaviconWhereMissing(ctx context.Context, link, filename string) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE subscriptions SET favicon = $2, updated_at = now()
		 WHERE favicon = ''
		   AND source_url IN (SELECT url FROM sources WHERE link = $1)`,
		link, filename,
	)
	if err != nil {
		return 0, fmt.Errorf("faviconの設定に失敗しました: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("favicon設定件数の確認に失敗しました: %w", err)
	}
	return affected, nil
}

// AddUnread は購読の未読数キャッシュをdelta分加算する。
func (r *PostgresSubscriptionRepo) AddUnread(ctx context.Context, id string, delta int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE subscriptions SET unread_count = unread_count + $2, updated_at = now() WHERE id = $1`,
		id, delta,
	)
	if err != nil {
		return fmt.Errorf("未読数の更新に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ SubscriptionRepository = (*PostgresSubscriptionRepo)(nil)
