package poll

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/feedpulse/internal/repository"
)

// dispatchBatchLimit は1回のスキャンでディスパッチするソースの最大件数。
const dispatchBatchLimit = 500

// UpdaterService はソース1件の更新を実行するインターフェース。
type UpdaterService interface {
	Update(ctx context.Context, job UpdateJob) error
}

// UpdateTrigger は更新ジョブの即時発火インターフェース。
// 購読登録時の初回フェッチなど、スケジュール外の更新に使用する。
type UpdateTrigger interface {
	TriggerUpdate(job UpdateJob)
}

// Dispatcher はポーリング期限が到来したソースを定期的にスキャンし、
// ポーラーへディスパッチする。
//
// 同一URLのジョブは同時に1つしか実行されない。これによりソース状態の
// 読み書きがURLごとに単一ライターとなり、リポジトリ側での排他制御が不要になる。
// 全体の並行度はセマフォで制限する。
type Dispatcher struct {
	sourceRepo     repository.SourceRepository
	updater        UpdaterService
	logger         *slog.Logger
	basePeriod     time.Duration
	maxConcurrency int

	mu       sync.Mutex
	inflight map[string]struct{}
	runCtx   context.Context
	sem      chan struct{}
	wg       sync.WaitGroup
}

// NewDispatcher は新しいDispatcherを生成する。
// basePeriodはバックオフ係数1のソースのポーリング周期。
func NewDispatcher(
	sourceRepo repository.SourceRepository,
	updater UpdaterService,
	logger *slog.Logger,
	basePeriod time.Duration,
	maxConcurrency int,
) *Dispatcher {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &Dispatcher{
		sourceRepo:     sourceRepo,
		updater:        updater,
		logger:         logger,
		basePeriod:     basePeriod,
		maxConcurrency: maxConcurrency,
		inflight:       make(map[string]struct{}),
		sem:            make(chan struct{}, maxConcurrency),
		runCtx:         context.Background(),
	}
}

// Start は定期スキャンのループを開始する。ブロックするため通常はgoroutineで呼ぶ。
// コンテキストのキャンセルで停止し、実行中のジョブの完了を待つ。
func (d *Dispatcher) Start(ctx context.Context, interval time.Duration) {
	d.mu.Lock()
	d.runCtx = ctx
	d.mu.Unlock()
	d.logger.Info("ポーリングディスパッチャを開始します",
		slog.Duration("interval", interval),
		slog.Duration("base_period", d.basePeriod),
		slog.Int("max_concurrency", d.maxConcurrency),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("ポーリングディスパッチャを停止します")
			d.wg.Wait()
			return
		case <-ticker.C:
			if err := d.RunOnce(ctx); err != nil {
				d.logger.Error("ディスパッチスキャンに失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は期限到来ソースの1回分のスキャンとディスパッチを行う。
func (d *Dispatcher) RunOnce(ctx context.Context) error {
	sources, err := d.sourceRepo.ListDue(ctx, d.basePeriod, dispatchBatchLimit)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return nil
	}

	dispatched := 0
	for _, source := range sources {
		if d.dispatch(ctx, NewUpdateJob(source)) {
			dispatched++
		}
	}
	d.logger.Debug("期限到来ソースをディスパッチしました",
		slog.Int("due", len(sources)),
		slog.Int("dispatched", dispatched),
	)
	return nil
}

// TriggerUpdate はスケジュール外の更新ジョブを即時発火する。
// 同一URLのジョブが実行中の場合は黙って捨てる。結果は待たない。
func (d *Dispatcher) TriggerUpdate(job UpdateJob) {
	d.mu.Lock()
	ctx := d.runCtx
	d.mu.Unlock()
	d.dispatch(ctx, job)
}

// dispatch はジョブを実行用goroutineへ引き渡す。
// 同一URLのジョブが実行中の場合はfalseを返して何もしない。
func (d *Dispatcher) dispatch(ctx context.Context, job UpdateJob) bool {
	d.mu.Lock()
	if _, running := d.inflight[job.URL]; running {
		d.mu.Unlock()
		return false
	}
	d.inflight[job.URL] = struct{}{}
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.inflight, job.URL)
			d.mu.Unlock()
		}()

		select {
		case d.sem <- struct{}{}:
			defer func() { <-d.sem }()
		case <-ctx.Done():
			return
		}

		if err := d.updater.Update(ctx, job); err != nil {
			d.logger.Error("ソースの更新に失敗しました",
				slog.String("url", job.URL),
				slog.String("error", err.Error()),
			)
		}
	}()
	return true
}

// compile-time interface check
var _ UpdateTrigger = (*Dispatcher)(nil)
var _ UpdaterService = (*Poller)(nil)
