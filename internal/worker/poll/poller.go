// Package poll はフィードソースの適応的ポーリングを実装する。
//
// ポーリングの1回分（条件付きGET、失敗分類、バックオフ適用、リダイレクト移行、
// エントリ正規化と保存引き渡し）はPollerが担い、対象ソースの選定と
// 並行度の制御はDispatcherが担う。
package poll

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/feedpulse/internal/metrics"
	"github.com/hitoshi/feedpulse/internal/model"
	"github.com/hitoshi/feedpulse/internal/repository"
	"github.com/hitoshi/feedpulse/internal/security"
)

// acceptHeader はフィード取得時のAcceptヘッダー。XML系フィードを優先する。
const acceptHeader = "application/atom+xml,application/rdf+xml,application/rss+xml," +
	"application/xml;q=0.9,text/xml;q=0.2,*/*;q=0.1"

// UpdateJob はソース1件のポーリングに必要な状態のスナップショット。
// ディスパッチャがソース行から組み立ててポーラーへ渡す。
type UpdateJob struct {
	URL           string
	Title         string
	Link          string
	Hub           string
	ETag          string
	Modified      string
	Error         model.FetchError
	BackoffFactor int
	Subscribers   int
	LastUpdate    time.Time
}

// NewUpdateJob はソース行からジョブのスナップショットを組み立てる。
func NewUpdateJob(source *model.Source) UpdateJob {
	return UpdateJob{
		URL:           source.URL,
		Title:         source.Title,
		Link:          source.Link,
		Hub:           source.Hub,
		ETag:          source.ETag,
		Modified:      source.Modified,
		Error:         source.Error,
		BackoffFactor: source.BackoffFactor,
		Subscribers:   source.Subscribers,
		LastUpdate:    source.LastUpdate,
	}
}

// source はスナップショットから書き戻し用のソースを復元する。
func (j UpdateJob) source() *model.Source {
	return &model.Source{
		URL:           j.URL,
		Title:         j.Title,
		Link:          j.Link,
		Hub:           j.Hub,
		ETag:          j.ETag,
		Modified:      j.Modified,
		Error:         j.Error,
		BackoffFactor: j.BackoffFactor,
		Subscribers:   j.Subscribers,
		LastUpdate:    j.LastUpdate,
	}
}

// FaviconTrigger はfavicon解決ジョブの発火インターフェース。
// 発火は投げっぱなしであり、結果を待たない。
type FaviconTrigger interface {
	TriggerFavicon(link string, force bool)
}

// Poller はソース1件のポーリングを実行する。
type Poller struct {
	sourceRepo       repository.SourceRepository
	subscriptionRepo repository.SubscriptionRepository
	handoff          EntryHandoff
	faviconTrigger   FaviconTrigger
	ssrfGuard        security.SSRFGuardService
	collector        metrics.MetricsCollector
	logger           *slog.Logger
	maxBodySize      int64
	userAgentBase    string
}

// NewPoller は新しいPollerを生成する。
// maxBodySizeはレスポンス本文の最大読み取りバイト数。
func NewPoller(
	sourceRepo repository.SourceRepository,
	subscriptionRepo repository.SubscriptionRepository,
	handoff EntryHandoff,
	faviconTrigger FaviconTrigger,
	ssrfGuard security.SSRFGuardService,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	maxBodySize int64,
) *Poller {
	return &Poller{
		sourceRepo:       sourceRepo,
		subscriptionRepo: subscriptionRepo,
		handoff:          handoff,
		faviconTrigger:   faviconTrigger,
		ssrfGuard:        ssrfGuard,
		collector:        collector,
		logger:           logger,
		maxBodySize:      maxBodySize,
		userAgentBase:    "FeedPulse/1.0 (+https://github.com/hitoshi/feedpulse",
	}
}

// userAgent は購読者数を含むUser-Agentヘッダーを返す。
// 配信元がこのソースの読者規模を把握できるようにする。
func (p *Poller) userAgent(subscribers int) string {
	plural := "s"
	if subscribers == 1 {
		plural = ""
	}
	return fmt.Sprintf("%s; %d subscriber%s)", p.userAgentBase, subscribers, plural)
}

// Update はソース1件のポーリングを実行する。
// フェッチ失敗とHTTPの失敗系ステータスはソース状態（バックオフ、ミュート、
// エラー理由）への書き戻しで表現され、エラーとしては返さない。
// エラーを返すのは永続化層の失敗のみ。
func (p *Poller) Update(ctx context.Context, job UpdateJob) error {
	source := job.source()

	if err := p.validateJobURL(job.URL); err != nil {
		p.logger.Warn("ソースURLが不正なためミュートします",
			slog.String("url", job.URL),
			slog.String("error", err.Error()),
		)
		ApplyMute(source, model.FetchErrorParse)
		p.collector.RecordPollMute(string(model.FetchErrorParse))
		return p.sourceRepo.UpdateState(ctx, source)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.URL, nil)
	if err != nil {
		ApplyMute(source, model.FetchErrorParse)
		p.collector.RecordPollMute(string(model.FetchErrorParse))
		return p.sourceRepo.UpdateState(ctx, source)
	}
	req.Header.Set("User-Agent", p.userAgent(job.Subscribers))
	req.Header.Set("Accept", acceptHeader)
	if job.ETag != "" {
		req.Header.Set("If-None-Match", job.ETag)
	}
	if job.Modified != "" {
		req.Header.Set("If-Modified-Since", job.Modified)
	}

	// タイムアウトはバックオフ係数に比例して伸ばす。
	// 遅いソースほど試行間隔も長いため、余裕を与えても全体への影響は小さい。
	client := p.ssrfGuard.NewSafeClient(source.RequestTimeout())

	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		reason := ClassifyRequestError(err)
		p.logger.Warn("ソースのフェッチに失敗しました",
			slog.String("url", job.URL),
			slog.String("reason", string(reason)),
			slog.String("error", err.Error()),
		)
		ApplyBackoff(source, reason)
		p.collector.RecordPollBackoff(string(reason))
		return p.sourceRepo.UpdateState(ctx, source)
	}
	defer resp.Body.Close()

	p.collector.RecordPollLatency(elapsed)
	p.collector.RecordHTTPStatus(resp.StatusCode)

	// 301のみで構成されたリダイレクトチェーンは恒久移転として扱い、
	// ソースと購読を新URLへ移行する。行き先がフィードらしくない場合は移行しない。
	storeURL := job.URL
	finalURL := job.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	if finalURL != job.URL && isFeedContentType(resp.Header.Get("Content-Type")) {
		if target := permanentRedirectTarget(job.URL, redirectHops(resp)); target != "" {
			if err := p.handleRedirection(ctx, job.URL, target, job.Subscribers); err != nil {
				return err
			}
			storeURL = target
		}
	}

	switch {
	case resp.StatusCode == http.StatusGone:
		p.logger.Info("ソースが消滅したためミュートします", slog.String("url", job.URL))
		ApplyMute(source, model.FetchErrorGone)
		p.collector.RecordPollMute(string(model.FetchErrorGone))
		return p.sourceRepo.UpdateState(ctx, source)

	case resp.StatusCode == http.StatusNotModified:
		ApplyRecover(source, elapsed)
		p.collector.RecordPollSuccess()
		return p.sourceRepo.UpdateState(ctx, source)
	}

	if reason, ok := model.HTTPFetchError(resp.StatusCode); ok {
		p.logger.Warn("ソースが失敗ステータスを返しました",
			slog.String("url", job.URL),
			slog.Int("status_code", resp.StatusCode),
		)
		ApplyBackoff(source, reason)
		p.collector.RecordPollBackoff(string(reason))
		return p.sourceRepo.UpdateState(ctx, source)
	}

	if IsCleanStatus(resp.StatusCode) {
		ApplyRecover(source, elapsed)
	} else {
		// 許可リスト外の未知のステータスは成功パスとして続行する。
		// 回復は行わず、本文の処理のみ試みる。
		p.logger.Info("ソースが想定外のステータスを返しました",
			slog.String("url", job.URL),
			slog.Int("status_code", resp.StatusCode),
		)
		source.LastUpdate = time.Now()
	}

	// バリデータはレスポンスの値で常に上書きする。ヘッダーが消えた場合は
	// クリアしないと古いバリデータで誤った304を受け続ける。
	source.ETag = resp.Header.Get("ETag")
	source.Modified = resp.Header.Get("Last-Modified")

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBodySize))
	if err != nil {
		reason := ClassifyRequestError(err)
		p.logger.Warn("レスポンス本文の読み取りに失敗しました",
			slog.String("url", job.URL),
			slog.String("error", err.Error()),
		)
		ApplyBackoff(source, reason)
		p.collector.RecordPollBackoff(string(reason))
		return p.sourceRepo.UpdateState(ctx, source)
	}
	// 空の本文はパーサーが入力なしとして扱うため空白1文字に置き換える
	if len(body) == 0 {
		body = []byte(" ")
	}

	parsed, parseErr := gofeed.NewParser().ParseString(string(body))
	if parseErr != nil {
		p.logger.Warn("フィードのパースに失敗しました",
			slog.String("url", job.URL),
			slog.String("error", parseErr.Error()),
		)
		return p.sourceRepo.UpdateState(ctx, source)
	}

	if parsed.Link != "" && parsed.Link != source.Link {
		// サイトリンクの初回発見および変更時にfavicon解決を発火する。
		// 解決対象はフィードURLではなくサイトリンクであり、ここより前には判明しない。
		source.Link = parsed.Link
		if p.faviconTrigger != nil {
			p.faviconTrigger.TriggerFavicon(source.Link, false)
		}
	}
	if parsed.Title != "" && parsed.Title != source.Title {
		source.Title = parsed.Title
	}
	if hub := discoverHub(body); hub != "" && hub != source.Hub {
		source.Hub = hub
	}

	if err := p.sourceRepo.UpdateState(ctx, source); err != nil {
		return err
	}

	entries := NormalizeItems(parsed)
	if len(entries) > 0 {
		p.handoff.Enqueue(ctx, storeURL, entries)
	}

	p.collector.RecordPollSuccess()
	return nil
}

// validateJobURL はリクエスト前の静的なURL検証を行う。
func (p *Poller) validateJobURL(rawURL string) error {
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return err
	}
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return fmt.Errorf("unsupported scheme in %s", rawURL)
	}
	return p.ssrfGuard.ValidateURL(rawURL)
}

// handleRedirection は恒久移転したソースを新URLへ移行する。
// 旧URLを参照する購読を付け替え、新URLのソースを購読者数を引き継いで
// 取得または作成し、旧ソースを削除する。移行先がサイトリンク判明済みの
// 既存ソースであればfavicon解決を発火して付け替え後の購読にも行き渡らせる
// （新規作成されたソースのリンクは次回ポーリングの発見時に発火される）。
// 移行済みのURLに対する再実行は各ステップが空振りするだけで冪等に収束する。
func (p *Poller) handleRedirection(ctx context.Context, oldURL, newURL string, subscribers int) error {
	p.logger.Info("ソースが恒久移転しました",
		slog.String("old_url", oldURL),
		slog.String("new_url", newURL),
	)

	if err := p.subscriptionRepo.MigrateSourceURL(ctx, oldURL, newURL); err != nil {
		return fmt.Errorf("failed to migrate subscriptions from %s to %s: %w", oldURL, newURL, err)
	}

	newSource, _, err := p.sourceRepo.GetOrCreate(ctx, newURL, subscribers)
	if err != nil {
		return fmt.Errorf("failed to get or create source %s: %w", newURL, err)
	}
	if p.faviconTrigger != nil && newSource.Link != "" {
		p.faviconTrigger.TriggerFavicon(newSource.Link, false)
	}

	if err := p.sourceRepo.Delete(ctx, oldURL); err != nil {
		return fmt.Errorf("failed to delete migrated source %s: %w", oldURL, err)
	}

	p.collector.RecordRedirectMigration()
	return nil
}
