package poll

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/feedpulse/internal/metrics"
	"github.com/hitoshi/feedpulse/internal/model"
	"github.com/hitoshi/feedpulse/internal/repository"
	"github.com/hitoshi/feedpulse/internal/security"
)

// EntryHandoff は正規化済みエントリをストレージへ引き渡すインターフェース。
// ポーラーとプッシュ配信ハンドラーから利用する。
type EntryHandoff interface {
	// Enqueue はエントリのバッチを非同期保存キューへ投入する。
	// キューが満杯の場合はバッチを捨てずに同期保存へフォールバックする。
	Enqueue(ctx context.Context, sourceURL string, entries []model.NormalizedEntry)
}

type storeBatch struct {
	sourceURL string
	entries   []model.NormalizedEntry
}

// EntryStore は正規化済みエントリを購読ごとに展開して保存する。
// 本文はここでサニタイズされ、重複排除はリポジトリの一意制約に委ねる。
type EntryStore struct {
	subscriptionRepo repository.SubscriptionRepository
	entryRepo        repository.EntryRepository
	sanitizer        security.ContentSanitizerService
	collector        metrics.MetricsCollector
	logger           *slog.Logger
	queue            chan storeBatch
}

// NewEntryStore は新しいEntryStoreを生成する。
// queueSizeは非同期保存キューの容量。
func NewEntryStore(
	subscriptionRepo repository.SubscriptionRepository,
	entryRepo repository.EntryRepository,
	sanitizer security.ContentSanitizerService,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	queueSize int,
) *EntryStore {
	if queueSize < 1 {
		queueSize = 1
	}
	return &EntryStore{
		subscriptionRepo: subscriptionRepo,
		entryRepo:        entryRepo,
		sanitizer:        sanitizer,
		collector:        collector,
		logger:           logger,
		queue:            make(chan storeBatch, queueSize),
	}
}

// Start は保存キューの消費ループを開始する。ブロックするため通常はgoroutineで呼ぶ。
// コンテキストのキャンセルで停止する。
func (s *EntryStore) Start(ctx context.Context) {
	s.logger.Info("エントリ保存ワーカーを開始します", slog.Int("queue_capacity", cap(s.queue)))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("エントリ保存ワーカーを停止します")
			return
		case batch := <-s.queue:
			if err := s.Store(ctx, batch.sourceURL, batch.entries); err != nil {
				s.logger.Error("エントリの保存に失敗しました",
					slog.String("source_url", batch.sourceURL),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Enqueue はエントリのバッチを保存キューへ投入する。
// キューが満杯でも取得済みコンテンツを失わないよう、呼び出し元の
// goroutineで同期保存にフォールバックする。
func (s *EntryStore) Enqueue(ctx context.Context, sourceURL string, entries []model.NormalizedEntry) {
	if len(entries) == 0 {
		return
	}
	select {
	case s.queue <- storeBatch{sourceURL: sourceURL, entries: entries}:
	default:
		s.collector.RecordStoreFallback()
		s.logger.Warn("保存キューが満杯のため同期保存にフォールバックします",
			slog.String("source_url", sourceURL),
			slog.Int("entries", len(entries)),
		)
		if err := s.Store(ctx, sourceURL, entries); err != nil {
			s.logger.Error("エントリの同期保存に失敗しました",
				slog.String("source_url", sourceURL),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Store はエントリのバッチをソースの全購読へ展開して保存する。
// 本文をサニタイズし、購読ごとに挿入して未読数キャッシュを加算する。
// 既存GUIDと衝突するエントリは黙ってスキップされる。
func (s *EntryStore) Store(ctx context.Context, sourceURL string, entries []model.NormalizedEntry) error {
	subscriptions, err := s.subscriptionRepo.ListBySourceURL(ctx, sourceURL)
	if err != nil {
		return fmt.Errorf("failed to list subscriptions for %s: %w", sourceURL, err)
	}
	if len(subscriptions) == 0 {
		s.logger.Debug("購読のないソースのエントリを破棄します",
			slog.String("source_url", sourceURL),
			slog.Int("entries", len(entries)),
		)
		return nil
	}

	sanitized := make([]model.NormalizedEntry, len(entries))
	copy(sanitized, entries)
	for i := range sanitized {
		if sanitized[i].Body != "" {
			sanitized[i].Body = s.sanitizer.Sanitize(sanitized[i].Body)
		}
	}

	total := 0
	for _, subscription := range subscriptions {
		inserted, err := s.entryRepo.InsertBatch(ctx, subscription.ID, sanitized)
		if err != nil {
			return fmt.Errorf("failed to insert entries for subscription %s: %w", subscription.ID, err)
		}
		if inserted > 0 {
			if err := s.subscriptionRepo.AddUnread(ctx, subscription.ID, inserted); err != nil {
				return fmt.Errorf("failed to bump unread count for subscription %s: %w", subscription.ID, err)
			}
		}
		total += inserted
	}

	if total > 0 {
		s.collector.RecordEntriesStored(total)
		s.logger.Info("エントリを保存しました",
			slog.String("source_url", sourceURL),
			slog.Int("inserted", total),
			slog.Int("subscriptions", len(subscriptions)),
		)
	}
	return nil
}

// compile-time interface check
var _ EntryHandoff = (*EntryStore)(nil)
