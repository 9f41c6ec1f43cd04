package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/feedpulse/internal/model"
)

// PostgresFaviconRepo はPostgreSQLを使用したfaviconリポジトリ。
type PostgresFaviconRepo struct {
	db *sql.DB
}

// NewPostgresFaviconRepo はPostgresFaviconRepoを生成する。
func NewPostgresFaviconRepo(db *sql.DB) *PostgresFaviconRepo {
	return &PostgresFaviconRepo{db: db}
}

// FindByLink は指定サイトリンクのfaviconを取得する。見つからない場合はnilを返す。
func (r *PostgresFaviconRepo) FindByLink(ctx context.Context, link string) (*model.Favicon, error) {
	favicon := &model.Favicon{}
	var image []byte

	err := r.db.QueryRowContext(ctx,
		`SELECT link, image, filename, resolved_from, created_at, updated_at
		 FROM favicons WHERE link = $1`,
		link,
	).Scan(
		&favicon.Link, &image, &favicon.Filename, &favicon.ResolvedFrom,
		&favicon.CreatedAt, &favicon.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("faviconの取得に失敗しました: %w", err)
	}

	favicon.Image = image
	return favicon, nil
}

// GetOrCreate は指定サイトリンクのfaviconを取得し、存在しなければ空レコードを作成する。
func (r *PostgresFaviconRepo) GetOrCreate(ctx context.Context, link string) (*model.Favicon, bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO favicons (link) VALUES ($1) ON CONFLICT (link) DO NOTHING`,
		link,
	)
	if err != nil {
		return nil, false, fmt.Errorf("faviconレコードの作成に失敗しました: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("faviconレコード作成結果の確認に失敗しました: %w", err)
	}

	favicon, err := r.FindByLink(ctx, link)
	if err != nil {
		return nil, false, err
	}
	if favicon == nil {
		return nil, false, fmt.Errorf("作成直後のfaviconレコードが見つかりません: %s", link)
	}

	return favicon, inserted > 0, nil
}

// UpdateImage はfaviconのイメージを上書きする。
func (r *PostgresFaviconRepo) UpdateImage(ctx context.Context, link, filename string, image []byte, resolvedFrom string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE favicons SET image = $2, filename = $3, resolved_from = $4, updated_at = now()
		 WHERE link = $1`,
		link, image, filename, resolvedFrom,
	)
	if err != nil {
		return fmt.Errorf("faviconイメージの更新に失敗しました: %w", err)
	}
	return nil
}

// Delete は指定サイトリンクのfaviconレコードを削除する。
func (r *PostgresFaviconRepo) Delete(ctx context.Context, link string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM favicons WHERE link = $1`, link)
	if err != nil {
		return fmt.Errorf("faviconレコードの削除に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ FaviconRepository = (*PostgresFaviconRepo)(nil)
