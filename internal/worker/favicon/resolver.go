// Package favicon はサイトリンクからのfavicon解決を実装する。
//
// 解決はポーリング本体から切り離された低優先度の処理であり、
// 失敗してもソースの更新には影響しない。
package favicon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/hitoshi/feedpulse/internal/metrics"
	"github.com/hitoshi/feedpulse/internal/repository"
	"github.com/hitoshi/feedpulse/internal/security"
)

// userAgent はfavicon取得時のUser-Agentヘッダー。
const userAgent = "FeedPulse/1.0 (+https://github.com/hitoshi/feedpulse)"

// Resolver はサイトリンク1件のfavicon解決を実行する。
type Resolver struct {
	faviconRepo      repository.FaviconRepository
	subscriptionRepo repository.SubscriptionRepository
	ssrfGuard        security.SSRFGuardService
	collector        metrics.MetricsCollector
	logger           *slog.Logger
	timeout          time.Duration
	maxSize          int64
}

// NewResolver は新しいResolverを生成する。
// maxSizeはアイコンおよびページ本文の最大読み取りバイト数。
func NewResolver(
	faviconRepo repository.FaviconRepository,
	subscriptionRepo repository.SubscriptionRepository,
	ssrfGuard security.SSRFGuardService,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	timeout time.Duration,
	maxSize int64,
) *Resolver {
	return &Resolver{
		faviconRepo:      faviconRepo,
		subscriptionRepo: subscriptionRepo,
		ssrfGuard:        ssrfGuard,
		collector:        collector,
		logger:           logger,
		timeout:          timeout,
		maxSize:          maxSize,
	}
}

// Resolve はサイトリンクのfaviconを解決する。
// 解決済みのレコードが存在する場合はネットワークアクセスを行わず、
// faviconが未設定の購読への付与だけを行う（forceで再取得を強制できる）。
// ページが<link rel="icon">を宣言していればその候補だけを試し、
// 宣言がない場合に限り/favicon.icoへフォールバックする。
// テキスト系の応答は一時的な異常とみなし、既存レコードを残して打ち切る。
func (r *Resolver) Resolve(ctx context.Context, link string, force bool) error {
	if link == "" {
		return nil
	}
	if !strings.HasPrefix(link, "http://") && !strings.HasPrefix(link, "https://") {
		return nil
	}
	if err := r.ssrfGuard.ValidateURL(link); err != nil {
		r.logger.Warn("faviconの解決対象リンクが検証に失敗しました",
			slog.String("link", link),
			slog.String("error", err.Error()),
		)
		return nil
	}

	record, created, err := r.faviconRepo.GetOrCreate(ctx, link)
	if err != nil {
		return fmt.Errorf("failed to get or create favicon record for %s: %w", link, err)
	}

	if !force && !created && record.Filename != "" {
		r.collector.RecordFaviconResult("cached")
		return r.attach(ctx, link, record.Filename)
	}

	client := r.ssrfGuard.NewSafeClient(r.timeout)

	candidates, pageURL := r.discoverCandidates(ctx, client, link)
	if len(candidates) == 0 {
		if fallback := resolveRef(pageURL, "/favicon.ico"); fallback != "" {
			candidates = append(candidates, fallback)
		}
	}

	for _, candidate := range candidates {
		data, ok := r.fetchIcon(ctx, client, candidate)
		if !ok {
			continue
		}

		verdict, ext := Sniff(data)
		switch verdict {
		case VerdictStore:
			filename := iconFilename(link, ext)
			if err := r.faviconRepo.UpdateImage(ctx, link, filename, data, candidate); err != nil {
				return fmt.Errorf("failed to store favicon for %s: %w", link, err)
			}
			r.collector.RecordFaviconResult("stored")
			r.logger.Info("faviconを保存しました",
				slog.String("link", link),
				slog.String("resolved_from", candidate),
				slog.Int("bytes", len(data)),
			)
			return r.attach(ctx, link, filename)

		case VerdictDelete:
			r.collector.RecordFaviconResult("deleted")
			r.logger.Warn("faviconのURLが非画像バイナリを返したためレコードを削除します",
				slog.String("link", link),
				slog.String("candidate", candidate),
			)
			return r.faviconRepo.Delete(ctx, link)

		case VerdictLeave:
			// テキスト系はエラーページ等の一時的な異常として扱い、
			// レコードを残したまま解決を打ち切る
			r.collector.RecordFaviconResult("none")
			return nil
		}
	}

	r.collector.RecordFaviconResult("none")
	return nil
}

// attach はこのサイトリンクのソースを購読していてfavicon未設定の購読へ
// ファイル名を付与する。
func (r *Resolver) attach(ctx context.Context, link, filename string) error {
	updated, err := r.subscriptionRepo.SetFaviconWhereMissing(ctx, link, filename)
	if err != nil {
		return fmt.Errorf("failed to attach favicon %s: %w", filename, err)
	}
	if updated > 0 {
		r.logger.Info("faviconを購読へ付与しました",
			slog.String("link", link),
			slog.Int64("subscriptions", updated),
		)
	}
	return nil
}

// discoverCandidates はサイトのトップページから<link rel="icon">の候補を集める。
// ページの取得に失敗しても空の候補とリンク自身を返すだけでエラーにはしない。
// 戻り値の2番目はリダイレクト追跡後のページURLで、相対参照の解決基準になる。
func (r *Resolver) discoverCandidates(ctx context.Context, client *http.Client, link string) ([]string, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, link
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		r.logger.Debug("faviconの解決対象ページの取得に失敗しました",
			slog.String("link", link),
			slog.String("error", err.Error()),
		)
		return nil, link
	}
	defer resp.Body.Close()

	pageURL := link
	if resp.Request != nil && resp.Request.URL != nil {
		pageURL = resp.Request.URL.String()
	}
	if resp.StatusCode != http.StatusOK {
		return nil, pageURL
	}

	refs := extractIconRefs(io.LimitReader(resp.Body, r.maxSize))
	candidates := make([]string, 0, len(refs))
	for _, ref := range refs {
		if resolved := resolveRef(pageURL, ref); resolved != "" {
			candidates = append(candidates, resolved)
		}
	}
	return candidates, pageURL
}

// fetchIcon は候補URLからアイコンデータを取得する。200以外は失敗として扱う。
func (r *Resolver) fetchIcon(ctx context.Context, client *http.Client, candidate string) ([]byte, bool) {
	if err := r.ssrfGuard.ValidateURL(candidate); err != nil {
		return nil, false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, candidate, nil)
	if err != nil {
		return nil, false
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		r.logger.Debug("faviconの取得に失敗しました",
			slog.String("candidate", candidate),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, false
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, r.maxSize))
	if err != nil {
		return nil, false
	}
	return data, true
}

// extractIconRefs はHTMLからrel="icon"およびrel="shortcut icon"の
// link要素のhref属性を文書順で返す。
func extractIconRefs(body io.Reader) []string {
	tokenizer := html.NewTokenizer(body)

	var refs []string
	for {
		tokenType := tokenizer.Next()
		if tokenType == html.ErrorToken {
			return refs
		}
		if tokenType != html.StartTagToken && tokenType != html.SelfClosingTagToken {
			continue
		}

		name, hasAttr := tokenizer.TagName()
		if string(name) != "link" || !hasAttr {
			continue
		}

		var rel, href string
		for {
			key, value, more := tokenizer.TagAttr()
			switch string(key) {
			case "rel":
				rel = strings.ToLower(strings.TrimSpace(string(value)))
			case "href":
				href = string(value)
			}
			if !more {
				break
			}
		}
		if (rel == "icon" || rel == "shortcut icon") && href != "" {
			refs = append(refs, href)
		}
	}
}

// resolveRef は参照をページURLを基準に絶対URLへ解決する。フラグメントは落とす。
func resolveRef(pageURL, ref string) string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	target, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	resolved := base.ResolveReference(target)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}
	resolved.Fragment = ""
	return resolved.String()
}

// iconFilename は保存用のファイル名（ホスト名.拡張子）を返す。
func iconFilename(link, ext string) string {
	parsed, err := url.Parse(link)
	if err != nil || parsed.Hostname() == "" {
		return "favicon." + ext
	}
	return parsed.Hostname() + "." + ext
}
