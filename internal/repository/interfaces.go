// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/feedpulse/internal/model"
)

// SourceRepository はソース（ポーリング対象）の永続化インターフェース。
// ソースの適応的状態の書き込みはURLごとに単一のライターに限定される。
// その排他制御はディスパッチャが保証し、リポジトリは関与しない。
type SourceRepository interface {
	// FindByURL は指定URLのソースを取得する。見つからない場合はnilを返す。
	FindByURL(ctx context.Context, url string) (*model.Source, error)

	// GetOrCreate は指定URLのソースを取得し、存在しなければ作成する。
	// 2番目の戻り値は新規作成されたかどうかを示す。
	GetOrCreate(ctx context.Context, url string, subscribers int) (*model.Source, bool, error)

	// UpdateState はソースの適応的状態（バックオフ係数、ミュート、エラー、
	// バリデータ、発見メタデータ、最終試行時刻）を書き戻す。
	UpdateState(ctx context.Context, source *model.Source) error

	// UpdateSubscribers はソースの購読者数を更新する。
	UpdateSubscribers(ctx context.Context, url string, subscribers int) error

	// ClearMute はミュートを手動解除する。エラー理由も同時にクリアされる。
	ClearMute(ctx context.Context, url string) error

	// Delete は指定URLのソースを削除する。
	Delete(ctx context.Context, url string) error

	// ListDue はポーリング期限が到来したソースを取得する。
	// last_update <= now() - basePeriod × backoff_factor かつ非ミュートのソースを
	// last_updateの古い順に最大limit件返す。
	ListDue(ctx context.Context, basePeriod time.Duration, limit int) ([]*model.Source, error)
}

// SubscriptionRepository は購読データの永続化インターフェース。
type SubscriptionRepository interface {
	// FindByID は指定IDの購読を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Subscription, error)

	// FindByOwnerAndSource はオーナーIDとソースURLで購読を検索する。見つからない場合はnilを返す。
	FindByOwnerAndSource(ctx context.Context, ownerID, sourceURL string) (*model.Subscription, error)

	// Create は購読を作成する。
	Create(ctx context.Context, subscription *model.Subscription) error

	// ListByOwner はオーナーの購読一覧を返す。
	ListByOwner(ctx context.Context, ownerID string) ([]*model.Subscription, error)

	// ListBySourceURL は指定ソースURLの全購読を返す。
	ListBySourceURL(ctx context.Context, sourceURL string) ([]*model.Subscription, error)

	// CountBySourceURL は指定ソースURLの購読数を返す。
	CountBySourceURL(ctx context.Context, sourceURL string) (int, error)

	// MigrateSourceURL は旧URLを参照する全購読を新URLへ付け替える。
	// 恒久リダイレクトによるソース移行で使用する。
	MigrateSourceURL(ctx context.Context, oldURL, newURL string) error

	// SetFaviconWhereMissing は指定サイトリンクのソースを購読していて
	// faviconが未設定の購読にファイル名を設定する。設定した件数を返す。
	SetFaviconWhereMissing(ctx context.Context, link, filename string) (int64, error)

	// AddUnread は購読の未読数キャッシュをdelta分加算する。
	AddUnread(ctx context.Context, id string, delta int) error
}

// EntryRepository は記事データの永続化インターフェース。
// 重複排除は(subscription_id, guid)の一意制約で行われ、
// 同一バッチの再投入は冪等になる。
type EntryRepository interface {
	// InsertBatch は正規化済みエントリを購読に追記する。
	// 既存のguidと衝突する行は黙ってスキップし、挿入した件数を返す。
	InsertBatch(ctx context.Context, subscriptionID string, entries []model.NormalizedEntry) (int, error)

	// ListBySubscription は購読の記事一覧をdate降順で最大limit件返す。
	ListBySubscription(ctx context.Context, subscriptionID string, limit int) ([]*model.Entry, error)
}

// FaviconRepository はfaviconレコードの永続化インターフェース。
// レコードはサイトリンクで一意であり、Favicon Resolverのみが書き込む。
type FaviconRepository interface {
	// FindByLink は指定サイトリンクのfaviconを取得する。見つからない場合はnilを返す。
	FindByLink(ctx context.Context, link string) (*model.Favicon, error)

	// GetOrCreate は指定サイトリンクのfaviconを取得し、存在しなければ空レコードを作成する。
	// 2番目の戻り値は新規作成されたかどうかを示す。
	GetOrCreate(ctx context.Context, link string) (*model.Favicon, bool, error)

	// UpdateImage はfaviconのイメージを上書きする。上書きが許されるのはこの経路のみ。
	UpdateImage(ctx context.Context, link, filename string, image []byte, resolvedFrom string) error

	// Delete は指定サイトリンクのfaviconレコードを削除する。
	Delete(ctx context.Context, link string) error
}
