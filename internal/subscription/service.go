// Package subscription は購読管理のビジネスロジックを提供する。
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/hitoshi/feedpulse/internal/model"
	"github.com/hitoshi/feedpulse/internal/repository"
	"github.com/hitoshi/feedpulse/internal/security"
	"github.com/hitoshi/feedpulse/internal/worker/poll"
)

var (
	// ErrInvalidURL は購読対象のURLが検証に失敗したことを示す。
	ErrInvalidURL = errors.New("invalid feed URL")
	// ErrAlreadySubscribed は同一オーナーが同一ソースをすでに購読していることを示す。
	ErrAlreadySubscribed = errors.New("already subscribed")
	// ErrNotFound は対象が見つからないことを示す。
	ErrNotFound = errors.New("not found")
)

// SubscriptionView は購読一覧の1行。表示用の色名を含む。
type SubscriptionView struct {
	model.Subscription
	Color string
}

// Service は購読管理のビジネスロジックを提供する。
type Service struct {
	sourceRepo       repository.SourceRepository
	subscriptionRepo repository.SubscriptionRepository
	entryRepo        repository.EntryRepository
	ssrfGuard        security.SSRFGuardService
	updateTrigger    poll.UpdateTrigger
	faviconTrigger   poll.FaviconTrigger
	logger           *slog.Logger
}

// NewService は新しいServiceを生成する。
// updateTriggerとfaviconTriggerはnilを許容する（サーバー単体構成など、
// ワーカーを併走させないプロセスではトリガーなしで動作する）。
func NewService(
	sourceRepo repository.SourceRepository,
	subscriptionRepo repository.SubscriptionRepository,
	entryRepo repository.EntryRepository,
	ssrfGuard security.SSRFGuardService,
	updateTrigger poll.UpdateTrigger,
	faviconTrigger poll.FaviconTrigger,
	logger *slog.Logger,
) *Service {
	return &Service{
		sourceRepo:       sourceRepo,
		subscriptionRepo: subscriptionRepo,
		entryRepo:        entryRepo,
		ssrfGuard:        ssrfGuard,
		updateTrigger:    updateTrigger,
		faviconTrigger:   faviconTrigger,
		logger:           logger,
	}
}

// Subscribe はオーナーのフィード購読を登録する。
// ソースが存在しなければ作成し、その場合のみ初回フェッチを発火する。
// ソースのサイトリンクが判明している場合はfavicon解決も発火する
// （新規ソースのリンクは初回フェッチの発見時に発火される）。
// ソースの購読者数は登録後の実数に合わせて更新される。
func (s *Service) Subscribe(ctx context.Context, ownerID, feedURL, title string) (*model.Subscription, error) {
	if err := s.ssrfGuard.ValidateURL(feedURL); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidURL, err.Error())
	}

	existing, err := s.subscriptionRepo.FindByOwnerAndSource(ctx, ownerID, feedURL)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing subscription: %w", err)
	}
	if existing != nil {
		return nil, ErrAlreadySubscribed
	}

	source, created, err := s.sourceRepo.GetOrCreate(ctx, feedURL, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to get or create source: %w", err)
	}

	if title == "" {
		title = source.Title
	}
	if title == "" {
		title = feedURL
	}

	sub := &model.Subscription{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		SourceURL: feedURL,
		Title:     title,
	}
	if err := s.subscriptionRepo.Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	count, err := s.subscriptionRepo.CountBySourceURL(ctx, feedURL)
	if err != nil {
		return nil, fmt.Errorf("failed to count subscriptions: %w", err)
	}
	if err := s.sourceRepo.UpdateSubscribers(ctx, feedURL, count); err != nil {
		return nil, fmt.Errorf("failed to update subscriber count: %w", err)
	}
	source.Subscribers = count

	s.logger.Info("購読を登録しました",
		slog.String("owner_id", ownerID),
		slog.String("source_url", feedURL),
		slog.Bool("source_created", created),
	)

	if created && s.updateTrigger != nil {
		s.updateTrigger.TriggerUpdate(poll.NewUpdateJob(source))
	}
	if s.faviconTrigger != nil && source.Link != "" {
		s.faviconTrigger.TriggerFavicon(source.Link, false)
	}

	return sub, nil
}

// List はオーナーの購読一覧を表示用の色名付きで返す。
// 色はソースURLから決定的に導出され、保存はされない。
func (s *Service) List(ctx context.Context, ownerID string) ([]SubscriptionView, error) {
	subs, err := s.subscriptionRepo.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	views := make([]SubscriptionView, 0, len(subs))
	for _, sub := range subs {
		views = append(views, SubscriptionView{
			Subscription: *sub,
			Color:        model.ColorForURL(sub.SourceURL),
		})
	}
	return views, nil
}

// Entries は購読の記事一覧を返す。購読の所有者チェックを行う。
func (s *Service) Entries(ctx context.Context, ownerID, subscriptionID string, limit int) ([]*model.Entry, error) {
	sub, err := s.subscriptionRepo.FindByID(ctx, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find subscription: %w", err)
	}
	if sub == nil || sub.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return s.entryRepo.ListBySubscription(ctx, subscriptionID, limit)
}

// ResumeSource はミュートされたソースを手動で復帰させ、即時フェッチを発火する。
func (s *Service) ResumeSource(ctx context.Context, sourceURL string) error {
	source, err := s.sourceRepo.FindByURL(ctx, sourceURL)
	if err != nil {
		return fmt.Errorf("failed to find source: %w", err)
	}
	if source == nil {
		return ErrNotFound
	}

	if err := s.sourceRepo.ClearMute(ctx, sourceURL); err != nil {
		return fmt.Errorf("failed to clear mute: %w", err)
	}
	source.Muted = false
	source.Error = ""

	s.logger.Info("ソースのミュートを解除しました", slog.String("url", sourceURL))

	if s.updateTrigger != nil {
		s.updateTrigger.TriggerUpdate(poll.NewUpdateJob(source))
	}
	return nil
}
