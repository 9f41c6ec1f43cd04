package poll

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/feedpulse/internal/model"
)

// blockingUpdater は指示があるまでUpdateをブロックするテスト用のUpdaterService。
type blockingUpdater struct {
	mu      sync.Mutex
	calls   int
	started chan struct{}
	release chan struct{}
}

func newBlockingUpdater() *blockingUpdater {
	return &blockingUpdater{
		started: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

func (u *blockingUpdater) Update(_ context.Context, _ UpdateJob) error {
	u.mu.Lock()
	u.calls++
	u.mu.Unlock()
	u.started <- struct{}{}
	<-u.release
	return nil
}

func (u *blockingUpdater) callCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

func TestDispatcher_SameURLRunsAtMostOnce(t *testing.T) {
	updater := newBlockingUpdater()
	var buf bytes.Buffer
	d := NewDispatcher(newMockSourceRepo(), updater, newTestLogger(&buf), time.Hour, 4)

	job := UpdateJob{URL: "https://example.com/feed", BackoffFactor: 1}

	// 1件目は実行され、同一URLの2件目は実行中のため捨てられる
	d.TriggerUpdate(job)
	<-updater.started
	d.TriggerUpdate(job)

	time.Sleep(50 * time.Millisecond)
	if got := updater.callCount(); got != 1 {
		t.Errorf("同一URLのジョブが並行実行されている: %d回", got)
	}

	close(updater.release)
	d.wg.Wait()

	// 完了後は同じURLを再ディスパッチできる
	updater.release = make(chan struct{})
	close(updater.release)
	d.TriggerUpdate(job)
	d.wg.Wait()
	if got := updater.callCount(); got != 2 {
		t.Errorf("完了後の再ディスパッチができていない: %d回", got)
	}
}

func TestDispatcher_DifferentURLsRunConcurrently(t *testing.T) {
	updater := newBlockingUpdater()
	var buf bytes.Buffer
	d := NewDispatcher(newMockSourceRepo(), updater, newTestLogger(&buf), time.Hour, 4)

	d.TriggerUpdate(UpdateJob{URL: "https://a.example.com/feed", BackoffFactor: 1})
	d.TriggerUpdate(UpdateJob{URL: "https://b.example.com/feed", BackoffFactor: 1})

	<-updater.started
	<-updater.started

	if got := updater.callCount(); got != 2 {
		t.Errorf("異なるURLが並行実行されていない: %d回", got)
	}

	close(updater.release)
	d.wg.Wait()
}

func TestDispatcher_TriggerDuringStartIsSafe(t *testing.T) {
	// Startによる実行コンテキストの差し替えとTriggerUpdateが競合しても
	// データ競合にならないこと（-race検出用）。
	updater := newBlockingUpdater()
	updater.started = make(chan struct{}, 128)
	close(updater.release)
	var buf bytes.Buffer
	d := NewDispatcher(newMockSourceRepo(), updater, newTestLogger(&buf), time.Hour, 4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Start(ctx, time.Hour)
		close(done)
	}()

	for i := 0; i < 100; i++ {
		d.TriggerUpdate(UpdateJob{URL: "https://a.example.com/feed", BackoffFactor: 1})
	}

	cancel()
	<-done
	d.wg.Wait()
}

func TestDispatcher_RunOnce_DispatchesDueSources(t *testing.T) {
	sourceRepo := newMockSourceRepo()
	sourceRepo.due = []*model.Source{
		{URL: "https://a.example.com/feed", BackoffFactor: 1},
		{URL: "https://b.example.com/feed", BackoffFactor: 3},
	}

	updater := newBlockingUpdater()
	var buf bytes.Buffer
	d := NewDispatcher(sourceRepo, updater, newTestLogger(&buf), time.Hour, 4)

	if err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce がエラーを返した: %v", err)
	}

	<-updater.started
	<-updater.started
	close(updater.release)
	d.wg.Wait()

	if got := updater.callCount(); got != 2 {
		t.Errorf("期限到来ソースのディスパッチ数が想定外: %d", got)
	}
}
