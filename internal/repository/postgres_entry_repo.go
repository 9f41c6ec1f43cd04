package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/feedpulse/internal/model"
)

// PostgresEntryRepo はPostgreSQLを使用した記事リポジトリ。
// 記事は追記専用で、(subscription_id, guid)の一意制約により
// 同一バッチの再投入は冪等になる。
type PostgresEntryRepo struct {
	db *sql.DB
}

// NewPostgresEntryRepo はPostgresEntryRepoを生成する。
func NewPostgresEntryRepo(db *sql.DB) *PostgresEntryRepo {
	return &PostgresEntryRepo{db: db}
}

// InsertBatch は正規化済みエントリを購読に追記する。
// guidが既存の行と衝突するエントリはON CONFLICT DO NOTHINGでスキップし、
// 実際に挿入した件数を返す。既存記事を上書きすることはない。
func (r *PostgresEntryRepo) InsertBatch(ctx context.Context, subscriptionID string, entries []model.NormalizedEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("記事挿入トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO entries (id, subscription_id, title, body, link, author, date, guid, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (subscription_id, guid) DO NOTHING`,
	)
	if err != nil {
		return 0, fmt.Errorf("記事挿入ステートメントの準備に失敗しました: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	inserted := 0
	for _, entry := range entries {
		result, err := stmt.ExecContext(ctx,
			uuid.NewString(), subscriptionID,
			entry.Title, entry.Body, entry.Link, entry.Author,
			entry.Date, entry.GUID, now,
		)
		if err != nil {
			return 0, fmt.Errorf("記事の挿入に失敗しました: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("記事挿入結果の確認に失敗しました: %w", err)
		}
		inserted += int(affected)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("記事挿入トランザクションのコミットに失敗しました: %w", err)
	}

	return inserted, nil
}

// ListBySubscription は購読の記事一覧をdate降順で最大limit件返す。
func (r *PostgresEntryRepo) ListBySubscription(ctx context.Context, subscriptionID string, limit int) ([]*model.Entry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, subscription_id, title, body, link, author, date, guid, read, starred, created_at
		 FROM entries
		 WHERE subscription_id = $1
		 ORDER BY date DESC, id DESC
		 LIMIT $2`,
		subscriptionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("記事一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var entries []*model.Entry
	for rows.Next() {
		entry := &model.Entry{}
		if err := rows.Scan(
			&entry.ID, &entry.SubscriptionID, &entry.Title, &entry.Body,
			&entry.Link, &entry.Author, &entry.Date, &entry.GUID,
			&entry.Read, &entry.Starred, &entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("記事の読み取りに失敗しました: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("記事の走査に失敗しました: %w", err)
	}

	return entries, nil
}

// compile-time interface check
var _ EntryRepository = (*PostgresEntryRepo)(nil)
