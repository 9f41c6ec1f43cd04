package favicon

import (
	"context"
	"log/slog"
)

type resolveJob struct {
	link  string
	force bool
}

// Worker はfavicon解決ジョブをキュー経由で直列に処理する。
// 発火は投げっぱなしであり、キューが満杯の場合はジョブを捨てる。
// faviconは次回の解決機会（購読登録、ソース移行）で再試行されるため、
// 取りこぼしても失われるものはない。
type Worker struct {
	resolver *Resolver
	logger   *slog.Logger
	queue    chan resolveJob
}

// NewWorker は新しいWorkerを生成する。
func NewWorker(resolver *Resolver, logger *slog.Logger, queueSize int) *Worker {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Worker{
		resolver: resolver,
		logger:   logger,
		queue:    make(chan resolveJob, queueSize),
	}
}

// Start はジョブの消費ループを開始する。ブロックするため通常はgoroutineで呼ぶ。
// コンテキストのキャンセルで停止する。
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("faviconワーカーを開始します", slog.Int("queue_capacity", cap(w.queue)))
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("faviconワーカーを停止します")
			return
		case job := <-w.queue:
			if err := w.resolver.Resolve(ctx, job.link, job.force); err != nil {
				w.logger.Error("faviconの解決に失敗しました",
					slog.String("link", job.link),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// TriggerFavicon はfavicon解決ジョブを発火する。ブロックしない。
func (w *Worker) TriggerFavicon(link string, force bool) {
	select {
	case w.queue <- resolveJob{link: link, force: force}:
	default:
		w.logger.Warn("faviconキューが満杯のためジョブを捨てます", slog.String("link", link))
	}
}
