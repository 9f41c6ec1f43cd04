// Package model はドメインモデルを定義する。
package model

import "time"

const (
	// MaxBackoff はバックオフ係数の上限。ベース周期60分で実効ポーリング間隔は約24時間になる。
	MaxBackoff = 10
	// UpdatePeriodMinutes はバックオフ係数1のときのベースポーリング周期（分）。
	UpdatePeriodMinutes = 60
	// TimeoutBaseSeconds はリクエストタイムアウトの基準秒数。実際のタイムアウトはバックオフ係数倍になる。
	TimeoutBaseSeconds = 10
)

// Source はフィードURLごとに1件存在するポーリング対象を表す。
// URLがグローバルに一意なキーであり、適応的ポーリング状態
// （バックオフ係数、ミュート、条件付きGET用バリデータ）を保持する。
type Source struct {
	URL           string
	Title         string
	Link          string // フィードが宣言するサイトリンク（favicon解決のキー）
	Hub           string // PubSubHubbubハブURL（発見時のみ設定）
	ETag          string
	Modified      string // Last-Modifiedヘッダーの生文字列
	Muted         bool
	Error         FetchError // 直近の失敗理由。成功時に空文字へクリアされる
	BackoffFactor int
	LastUpdate    time.Time // 最終試行のスタンプ
	Subscribers   int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RequestTimeout はこのソースへの次回リクエストのタイムアウトを返す。
// バックオフ係数に比例して伸びる（10秒 × 係数）。
func (s *Source) RequestTimeout() time.Duration {
	factor := s.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	return time.Duration(factor*TimeoutBaseSeconds) * time.Second
}

// Subscription はユーザーとSourceの購読関係を表す。
// 同一SourceURLに対して複数存在し、未読数キャッシュと表示設定を各自が持つ。
type Subscription struct {
	ID          string
	OwnerID     string
	SourceURL   string
	Title       string
	UnreadCount int
	Favicon     string // 保存済みfaviconのファイル名。未設定は空文字
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Favicon はサイトリンクごとに1件存在するfaviconレコードを表す。
// Imageは解決失敗時にはnilのまま保持される。
type Favicon struct {
	Link         string
	Image        []byte
	Filename     string // {ホスト名}.{拡張子}
	ResolvedFrom string // 実際にアイコンを取得したURL
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
