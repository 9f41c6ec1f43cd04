package poll

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/feedpulse/internal/metrics"
	"github.com/hitoshi/feedpulse/internal/model"
)

// newTestLogger はテスト用のJSONロガーを生成する。
func newTestLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, nil))
}

// mockSourceRepo はSourceRepositoryのテスト用モック。
type mockSourceRepo struct {
	mu      sync.Mutex
	sources map[string]*model.Source
	updated []*model.Source
	created []string
	deleted []string
	due     []*model.Source
}

func newMockSourceRepo() *mockSourceRepo {
	return &mockSourceRepo{sources: make(map[string]*model.Source)}
}

func (m *mockSourceRepo) FindByURL(_ context.Context, url string) (*model.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sources[url], nil
}

func (m *mockSourceRepo) GetOrCreate(_ context.Context, url string, subscribers int) (*model.Source, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sources[url]; ok {
		return s, false, nil
	}
	s := &model.Source{URL: url, BackoffFactor: 1, Subscribers: subscribers}
	m.sources[url] = s
	m.created = append(m.created, url)
	return s, true, nil
}

func (m *mockSourceRepo) UpdateState(_ context.Context, source *model.Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updated = append(m.updated, source)
	m.sources[source.URL] = source
	return nil
}

func (m *mockSourceRepo) UpdateSubscribers(_ context.Context, url string, subscribers int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sources[url]; ok {
		s.Subscribers = subscribers
	}
	return nil
}

func (m *mockSourceRepo) ClearMute(_ context.Context, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sources[url]; ok {
		s.Muted = false
		s.Error = ""
	}
	return nil
}

func (m *mockSourceRepo) Delete(_ context.Context, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sources, url)
	m.deleted = append(m.deleted, url)
	return nil
}

func (m *mockSourceRepo) ListDue(_ context.Context, _ time.Duration, _ int) ([]*model.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.due, nil
}

func (m *mockSourceRepo) lastUpdated() *model.Source {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.updated) == 0 {
		return nil
	}
	return m.updated[len(m.updated)-1]
}

// mockSubscriptionRepo はSubscriptionRepositoryのテスト用モック。
type mockSubscriptionRepo struct {
	mu            sync.Mutex
	subscriptions []*model.Subscription
	migrations    [][2]string
	unread        map[string]int
}

func newMockSubscriptionRepo() *mockSubscriptionRepo {
	return &mockSubscriptionRepo{unread: make(map[string]int)}
}

func (m *mockSubscriptionRepo) FindByID(_ context.Context, id string) (*model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subscriptions {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, nil
}

func (m *mockSubscriptionRepo) FindByOwnerAndSource(_ context.Context, ownerID, sourceURL string) (*model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subscriptions {
		if s.OwnerID == ownerID && s.SourceURL == sourceURL {
			return s, nil
		}
	}
	return nil, nil
}

func (m *mockSubscriptionRepo) Create(_ context.Context, subscription *model.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions = append(m.subscriptions, subscription)
	return nil
}

func (m *mockSubscriptionRepo) ListByOwner(_ context.Context, ownerID string) ([]*model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Subscription
	for _, s := range m.subscriptions {
		if s.OwnerID == ownerID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *mockSubscriptionRepo) ListBySourceURL(_ context.Context, sourceURL string) ([]*model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Subscription
	for _, s := range m.subscriptions {
		if s.SourceURL == sourceURL {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *mockSubscriptionRepo) CountBySourceURL(_ context.Context, sourceURL string) (int, error) {
	subs, _ := m.ListBySourceURL(context.Background(), sourceURL)
	return len(subs), nil
}

func (m *mockSubscriptionRepo) MigrateSourceURL(_ context.Context, oldURL, newURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.migrations = append(m.migrations, [2]string{oldURL, newURL})
	for _, s := range m.subscriptions {
		if s.SourceURL == oldURL {
			s.SourceURL = newURL
		}
	}
	return nil
}

func (m *mockSubscriptionRepo) SetFaviconWhereMissing(_ context.Context, _, _ string) (int64, error) {
	return 0, nil
}

func (m *mockSubscriptionRepo) AddUnread(_ context.Context, id string, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unread[id] += delta
	return nil
}

// mockHandoff はEntryHandoffのテスト用モック。
type mockHandoff struct {
	mu      sync.Mutex
	batches []storeBatch
}

func (m *mockHandoff) Enqueue(_ context.Context, sourceURL string, entries []model.NormalizedEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, storeBatch{sourceURL: sourceURL, entries: entries})
}

// mockFaviconTrigger はFaviconTriggerのテスト用モック。
type mockFaviconTrigger struct {
	mu    sync.Mutex
	links []string
}

func (m *mockFaviconTrigger) TriggerFavicon(link string, _ bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links = append(m.links, link)
}

// mockSSRFGuard はSSRFGuardServiceのテスト用モック。
type mockSSRFGuard struct {
	validateErr error
}

func (m *mockSSRFGuard) NewSafeClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

func (m *mockSSRFGuard) ValidateURL(_ string) error {
	return m.validateErr
}

func newTestPoller(sourceRepo *mockSourceRepo, subRepo *mockSubscriptionRepo, handoff *mockHandoff, favicon *mockFaviconTrigger) *Poller {
	var buf bytes.Buffer
	return NewPoller(
		sourceRepo, subRepo, handoff, favicon,
		&mockSSRFGuard{}, metrics.NopCollector{}, newTestLogger(&buf),
		5*1024*1024,
	)
}

const testFeedXML = `<?xml version="1.0"?>
<rss version="2.0">
  <channel>
    <title>Test Feed</title>
    <link>https://example.com/</link>
    <item>
      <title>Article 1</title>
      <link>https://example.com/article1</link>
      <guid>guid-1</guid>
      <description>Summary 1</description>
    </item>
    <item>
      <title>Article 2</title>
      <link>https://example.com/article2</link>
      <guid>guid-2</guid>
      <description>Summary 2</description>
    </item>
  </channel>
</rss>`

func TestPoller_Update_Success200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("User-Agent"); !strings.Contains(got, "3 subscribers") {
			t.Errorf("User-Agentに購読者数が含まれていない: %s", got)
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Header().Set("ETag", `"abc123"`)
		w.Header().Set("Last-Modified", "Wed, 01 Jan 2025 00:00:00 GMT")
		fmt.Fprint(w, testFeedXML)
	}))
	defer server.Close()

	sourceRepo := newMockSourceRepo()
	handoff := &mockHandoff{}
	poller := newTestPoller(sourceRepo, newMockSubscriptionRepo(), handoff, &mockFaviconTrigger{})

	job := UpdateJob{URL: server.URL, BackoffFactor: 1, Subscribers: 3}
	if err := poller.Update(context.Background(), job); err != nil {
		t.Fatalf("Update がエラーを返した: %v", err)
	}

	updated := sourceRepo.lastUpdated()
	if updated == nil {
		t.Fatal("UpdateState が呼ばれていない")
	}
	if updated.ETag != `"abc123"` {
		t.Errorf("ETag が記録されていない: %s", updated.ETag)
	}
	if updated.Modified != "Wed, 01 Jan 2025 00:00:00 GMT" {
		t.Errorf("Last-Modified が記録されていない: %s", updated.Modified)
	}
	if updated.Title != "Test Feed" {
		t.Errorf("タイトルが発見されていない: %s", updated.Title)
	}
	if updated.Link != "https://example.com/" {
		t.Errorf("サイトリンクが発見されていない: %s", updated.Link)
	}
	if updated.BackoffFactor != 1 {
		t.Errorf("バックオフ係数が変化している: %d", updated.BackoffFactor)
	}
	if updated.Error != "" {
		t.Errorf("エラー理由が残っている: %s", updated.Error)
	}

	if len(handoff.batches) != 1 {
		t.Fatalf("保存引き渡しの回数が想定外: %d", len(handoff.batches))
	}
	if len(handoff.batches[0].entries) != 2 {
		t.Errorf("エントリ数が想定外: %d", len(handoff.batches[0].entries))
	}
	if handoff.batches[0].sourceURL != server.URL {
		t.Errorf("引き渡し先のソースURLが想定外: %s", handoff.batches[0].sourceURL)
	}
}

func TestPoller_Update_FaviconTriggerOnLinkDiscovery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, testFeedXML)
	}))
	defer server.Close()

	sourceRepo := newMockSourceRepo()
	favicon := &mockFaviconTrigger{}
	poller := newTestPoller(sourceRepo, newMockSubscriptionRepo(), &mockHandoff{}, favicon)

	// サイトリンク未発見のソースの初回フェッチで、発見したリンクが発火される
	job := UpdateJob{URL: server.URL, BackoffFactor: 1, Subscribers: 1}
	if err := poller.Update(context.Background(), job); err != nil {
		t.Fatalf("Update がエラーを返した: %v", err)
	}

	if len(favicon.links) != 1 {
		t.Fatalf("favicon解決の発火回数が想定外: %d", len(favicon.links))
	}
	if favicon.links[0] != "https://example.com/" {
		t.Errorf("発見したサイトリンクで発火されていない: %s", favicon.links[0])
	}

	// リンク発見済みのソースの再フェッチでは発火しない
	job = UpdateJob{URL: server.URL, Link: "https://example.com/", BackoffFactor: 1, Subscribers: 1}
	if err := poller.Update(context.Background(), job); err != nil {
		t.Fatalf("Update がエラーを返した: %v", err)
	}

	if len(favicon.links) != 1 {
		t.Errorf("リンクが変化していないのに再発火している: %v", favicon.links)
	}
}

func TestPoller_Update_NotModified304(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("If-None-Match"); got != `"abc123"` {
			t.Errorf("If-None-Match が送信されていない: %s", got)
		}
		w.WriteHeader(http.StatusNotModified)
	}))
	defer server.Close()

	sourceRepo := newMockSourceRepo()
	handoff := &mockHandoff{}
	poller := newTestPoller(sourceRepo, newMockSubscriptionRepo(), handoff, &mockFaviconTrigger{})

	before := time.Now()
	job := UpdateJob{
		URL:           server.URL,
		ETag:          `"abc123"`,
		Error:         model.FetchErrorHTTP503,
		BackoffFactor: 5,
		Subscribers:   1,
	}
	if err := poller.Update(context.Background(), job); err != nil {
		t.Fatalf("Update がエラーを返した: %v", err)
	}

	updated := sourceRepo.lastUpdated()
	if updated == nil {
		t.Fatal("UpdateState が呼ばれていない")
	}
	if updated.Error != "" {
		t.Errorf("エラー理由がクリアされていない: %s", updated.Error)
	}
	if updated.BackoffFactor != 1 {
		t.Errorf("バックオフ係数が回復していない: %d", updated.BackoffFactor)
	}
	if updated.ETag != `"abc123"` {
		t.Errorf("304でバリデータが書き換わっている: %s", updated.ETag)
	}
	if updated.LastUpdate.Before(before) {
		t.Error("最終試行時刻がスタンプされていない")
	}
	if len(handoff.batches) != 0 {
		t.Errorf("304で保存引き渡しが発生している: %d", len(handoff.batches))
	}
}

func TestPoller_Update_Gone410(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer server.Close()

	sourceRepo := newMockSourceRepo()
	poller := newTestPoller(sourceRepo, newMockSubscriptionRepo(), &mockHandoff{}, &mockFaviconTrigger{})

	job := UpdateJob{URL: server.URL, BackoffFactor: 1, Subscribers: 1}
	if err := poller.Update(context.Background(), job); err != nil {
		t.Fatalf("Update がエラーを返した: %v", err)
	}

	updated := sourceRepo.lastUpdated()
	if updated == nil {
		t.Fatal("UpdateState が呼ばれていない")
	}
	if !updated.Muted {
		t.Error("410でミュートされていない")
	}
	if updated.Error != model.FetchErrorGone {
		t.Errorf("エラー理由が想定外: %s", updated.Error)
	}
}

func TestPoller_Update_Backoff503(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	sourceRepo := newMockSourceRepo()
	poller := newTestPoller(sourceRepo, newMockSubscriptionRepo(), &mockHandoff{}, &mockFaviconTrigger{})

	job := UpdateJob{URL: server.URL, BackoffFactor: 2, Subscribers: 1}
	if err := poller.Update(context.Background(), job); err != nil {
		t.Fatalf("Update がエラーを返した: %v", err)
	}

	updated := sourceRepo.lastUpdated()
	if updated.BackoffFactor != 3 {
		t.Errorf("バックオフ係数が増えていない: %d", updated.BackoffFactor)
	}
	if updated.Error != model.FetchErrorHTTP503 {
		t.Errorf("エラー理由が想定外: %s", updated.Error)
	}
	if updated.Muted {
		t.Error("503でミュートされてはならない")
	}
}

func TestPoller_Update_UnknownStatusContinues(t *testing.T) {
	// 418は許可リスト外かつ成功でもない。バックオフせず本文処理を続行する。
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		fmt.Fprint(w, testFeedXML)
	}))
	defer server.Close()

	sourceRepo := newMockSourceRepo()
	handoff := &mockHandoff{}
	poller := newTestPoller(sourceRepo, newMockSubscriptionRepo(), handoff, &mockFaviconTrigger{})

	job := UpdateJob{URL: server.URL, BackoffFactor: 4, Subscribers: 1}
	if err := poller.Update(context.Background(), job); err != nil {
		t.Fatalf("Update がエラーを返した: %v", err)
	}

	updated := sourceRepo.lastUpdated()
	if updated.BackoffFactor != 4 {
		t.Errorf("未知のステータスでバックオフ係数が変化している: %d", updated.BackoffFactor)
	}
	if len(handoff.batches) != 1 {
		t.Errorf("未知のステータスでエントリが処理されていない: %d", len(handoff.batches))
	}
}

func TestPoller_Update_ParseFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><body>not a feed</body></html>")
	}))
	defer server.Close()

	sourceRepo := newMockSourceRepo()
	handoff := &mockHandoff{}
	poller := newTestPoller(sourceRepo, newMockSubscriptionRepo(), handoff, &mockFaviconTrigger{})

	job := UpdateJob{URL: server.URL, BackoffFactor: 1, Subscribers: 1}
	if err := poller.Update(context.Background(), job); err != nil {
		t.Fatalf("Update がエラーを返した: %v", err)
	}

	if sourceRepo.lastUpdated() == nil {
		t.Error("パース失敗でも状態は書き戻されるべき")
	}
	if len(handoff.batches) != 0 {
		t.Errorf("パース失敗で保存引き渡しが発生している: %d", len(handoff.batches))
	}
}

func TestPoller_Update_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	url := server.URL
	server.Close()

	sourceRepo := newMockSourceRepo()
	poller := newTestPoller(sourceRepo, newMockSubscriptionRepo(), &mockHandoff{}, &mockFaviconTrigger{})

	job := UpdateJob{URL: url, BackoffFactor: 1, Subscribers: 1}
	if err := poller.Update(context.Background(), job); err != nil {
		t.Fatalf("Update がエラーを返した: %v", err)
	}

	updated := sourceRepo.lastUpdated()
	if updated.BackoffFactor != 2 {
		t.Errorf("接続失敗でバックオフ係数が増えていない: %d", updated.BackoffFactor)
	}
	if updated.Error != model.FetchErrorTimeout {
		t.Errorf("エラー理由が想定外: %s", updated.Error)
	}
}

func TestPoller_Update_InvalidURLMutes(t *testing.T) {
	sourceRepo := newMockSourceRepo()
	poller := newTestPoller(sourceRepo, newMockSubscriptionRepo(), &mockHandoff{}, &mockFaviconTrigger{})

	job := UpdateJob{URL: "not-a-valid-url", BackoffFactor: 1, Subscribers: 1}
	if err := poller.Update(context.Background(), job); err != nil {
		t.Fatalf("Update がエラーを返した: %v", err)
	}

	updated := sourceRepo.lastUpdated()
	if updated == nil {
		t.Fatal("UpdateState が呼ばれていない")
	}
	if !updated.Muted {
		t.Error("パース不能URLでミュートされていない")
	}
	if updated.Error != model.FetchErrorParse {
		t.Errorf("エラー理由が想定外: %s", updated.Error)
	}
}

func TestPoller_Update_PermanentRedirectMigrates(t *testing.T) {
	mux := http.NewServeMux()
	var server *httptest.Server
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, server.URL+"/new", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, testFeedXML)
	})
	server = httptest.NewServer(mux)
	defer server.Close()

	oldURL := server.URL + "/old"
	newURL := server.URL + "/new"

	sourceRepo := newMockSourceRepo()
	subRepo := newMockSubscriptionRepo()
	subRepo.subscriptions = append(subRepo.subscriptions, &model.Subscription{
		ID: "sub-1", OwnerID: "owner-1", SourceURL: oldURL,
	})
	handoff := &mockHandoff{}
	poller := newTestPoller(sourceRepo, subRepo, handoff, &mockFaviconTrigger{})

	job := UpdateJob{URL: oldURL, BackoffFactor: 1, Subscribers: 1}
	if err := poller.Update(context.Background(), job); err != nil {
		t.Fatalf("Update がエラーを返した: %v", err)
	}

	if len(subRepo.migrations) != 1 {
		t.Fatalf("購読の付け替え回数が想定外: %d", len(subRepo.migrations))
	}
	if subRepo.migrations[0] != [2]string{oldURL, newURL} {
		t.Errorf("付け替え先が想定外: %v", subRepo.migrations[0])
	}
	if len(sourceRepo.created) != 1 || sourceRepo.created[0] != newURL {
		t.Errorf("新URLのソースが作成されていない: %v", sourceRepo.created)
	}
	if len(sourceRepo.deleted) != 1 || sourceRepo.deleted[0] != oldURL {
		t.Errorf("旧URLのソースが削除されていない: %v", sourceRepo.deleted)
	}
	if len(handoff.batches) != 1 || handoff.batches[0].sourceURL != newURL {
		t.Errorf("エントリが移行後のURLで引き渡されていない: %+v", handoff.batches)
	}
}

func TestPoller_Update_TemporaryRedirectDoesNotMigrate(t *testing.T) {
	mux := http.NewServeMux()
	var server *httptest.Server
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, server.URL+"/new", http.StatusFound)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, testFeedXML)
	})
	server = httptest.NewServer(mux)
	defer server.Close()

	oldURL := server.URL + "/old"

	sourceRepo := newMockSourceRepo()
	subRepo := newMockSubscriptionRepo()
	handoff := &mockHandoff{}
	poller := newTestPoller(sourceRepo, subRepo, handoff, &mockFaviconTrigger{})

	job := UpdateJob{URL: oldURL, BackoffFactor: 1, Subscribers: 1}
	if err := poller.Update(context.Background(), job); err != nil {
		t.Fatalf("Update がエラーを返した: %v", err)
	}

	if len(subRepo.migrations) != 0 {
		t.Errorf("一時リダイレクトで購読が付け替えられている: %v", subRepo.migrations)
	}
	if len(handoff.batches) != 1 || handoff.batches[0].sourceURL != oldURL {
		t.Errorf("エントリは元のURLで引き渡されるべき: %+v", handoff.batches)
	}
}

func TestPoller_UserAgent(t *testing.T) {
	poller := newTestPoller(newMockSourceRepo(), newMockSubscriptionRepo(), &mockHandoff{}, &mockFaviconTrigger{})

	if got := poller.userAgent(1); !strings.Contains(got, "1 subscriber)") {
		t.Errorf("単数形のUser-Agentが想定外: %s", got)
	}
	if got := poller.userAgent(5); !strings.Contains(got, "5 subscribers)") {
		t.Errorf("複数形のUser-Agentが想定外: %s", got)
	}
}
