package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/feedrelay/internal/delivery"
	"github.com/hitoshi/feedrelay/internal/metrics"
	"github.com/hitoshi/feedrelay/internal/model"
)

// --- モック定義 ---

// mockSubscriptionLister はSubscriptionListerのテスト用モック。
type mockSubscriptionLister struct {
	listAllFunc func(ctx context.Context) ([]model.Subscription, error)
}

func (m *mockSubscriptionLister) ListAll(ctx context.Context) ([]model.Subscription, error) {
	if m.listAllFunc != nil {
		return m.listAllFunc(ctx)
	}
	return nil, nil
}

// mockProcessor はSourceProcessorのテスト用モック。
type mockProcessor struct {
	processFunc func(ctx context.Context, task SourceTask) SourceResult
	mu          sync.Mutex
	tasks       []SourceTask
}

func (m *mockProcessor) Process(ctx context.Context, task SourceTask) SourceResult {
	m.mu.Lock()
	m.tasks = append(m.tasks, task)
	m.mu.Unlock()
	if m.processFunc != nil {
		return m.processFunc(ctx, task)
	}
	return SourceResult{SourceURL: task.SourceURL, Outcome: OutcomeSkipped}
}

// mockCleaner はReceiptCleanerのテスト用モック。
type mockCleaner struct {
	calls  atomic.Int32
	pruned int64
	err    error
}

func (m *mockCleaner) Run(context.Context) (int64, error) {
	m.calls.Add(1)
	return m.pruned, m.err
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func subscriptionsFor(n int) []model.Subscription {
	subs := make([]model.Subscription, n)
	for i := range subs {
		subs[i] = model.Subscription{OwnerID: "owner", SourceURL: fmt.Sprintf("https://example.com/%d.xml", i)}
	}
	return subs
}

type schedulerFixture struct {
	scheduler *Scheduler
	subs      *mockSubscriptionLister
	processor *mockProcessor
	cleaner   *mockCleaner
	sleeps    *[]time.Duration
	logs      *bytes.Buffer
}

func newSchedulerFixture(t *testing.T, opts SchedulerOptions) *schedulerFixture {
	t.Helper()
	var buf bytes.Buffer
	f := &schedulerFixture{
		subs:      &mockSubscriptionLister{},
		processor: &mockProcessor{},
		cleaner:   &mockCleaner{},
		logs:      &buf,
	}
	f.scheduler = NewScheduler(f.subs, f.processor, f.cleaner, metrics.Nop{}, newTestLogger(&buf), opts)
	var mu sync.Mutex
	var sleeps []time.Duration
	f.sleeps = &sleeps
	f.scheduler.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		sleeps = append(sleeps, d)
		mu.Unlock()
		return ctx.Err()
	}
	f.scheduler.newID = func() string { return "cycle-0001" }
	return f
}

func TestNewScheduler_DefaultBatchSize(t *testing.T) {
	var buf bytes.Buffer
	s := NewScheduler(&mockSubscriptionLister{}, &mockProcessor{}, nil, metrics.Nop{}, newTestLogger(&buf), SchedulerOptions{})
	if s.opts.BatchSize != 15 {
		t.Errorf("BatchSize = %d, want 15", s.opts.BatchSize)
	}
}

func TestGroupBySource(t *testing.T) {
	subs := []model.Subscription{
		{OwnerID: "a", SourceURL: "https://x.example.com/feed"},
		{OwnerID: "b", SourceURL: "https://y.example.com/feed"},
		{OwnerID: "c", SourceURL: "https://x.example.com/feed"},
	}

	tasks := groupBySource(subs)

	if len(tasks) != 2 {
		t.Fatalf("Source数 = %d, want 2", len(tasks))
	}
	if tasks[0].SourceURL != "https://x.example.com/feed" || len(tasks[0].Subscriptions) != 2 {
		t.Errorf("tasks[0] = %+v", tasks[0])
	}
	if tasks[0].Subscriptions[1].OwnerID != "c" {
		t.Errorf("購読者は元の順序を保つべき: %+v", tasks[0].Subscriptions)
	}
	if tasks[1].SourceURL != "https://y.example.com/feed" || len(tasks[1].Subscriptions) != 1 {
		t.Errorf("tasks[1] = %+v", tasks[1])
	}
}

func TestPartition(t *testing.T) {
	tasks := groupBySource(subscriptionsFor(5))

	batches := partition(tasks, 2)

	if len(batches) != 3 {
		t.Fatalf("バッチ数 = %d, want 3", len(batches))
	}
	if len(batches[0]) != 2 || len(batches[1]) != 2 || len(batches[2]) != 1 {
		t.Errorf("バッチサイズ = %d/%d/%d, want 2/2/1", len(batches[0]), len(batches[1]), len(batches[2]))
	}
	if partition(nil, 2) != nil {
		t.Error("空の場合はバッチなし")
	}
}

func TestScheduler_RunOnce_FetchesEachSourceOnce(t *testing.T) {
	f := newSchedulerFixture(t, SchedulerOptions{BatchSize: 15})
	f.subs.listAllFunc = func(context.Context) ([]model.Subscription, error) {
		return []model.Subscription{
			{OwnerID: "owner1", SourceURL: "https://example.com/feed.xml"},
			{OwnerID: "owner2", SourceURL: "https://example.com/feed.xml"},
			{OwnerID: "owner1", SourceURL: "https://other.example.com/rss"},
		}, nil
	}

	report, err := f.scheduler.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.Sources != 2 || len(f.processor.tasks) != 2 {
		t.Errorf("同じSourceは1回だけ処理されるべき: report=%+v tasks=%d", report, len(f.processor.tasks))
	}
	for _, task := range f.processor.tasks {
		if task.SourceURL == "https://example.com/feed.xml" && len(task.Subscriptions) != 2 {
			t.Errorf("購読者がまとめられるべき: %+v", task)
		}
	}
}

func TestScheduler_RunOnce_BatchDelayBetweenBatchesOnly(t *testing.T) {
	f := newSchedulerFixture(t, SchedulerOptions{BatchSize: 2, BatchDelay: 3 * time.Second})
	f.subs.listAllFunc = func(context.Context) ([]model.Subscription, error) {
		return subscriptionsFor(5), nil
	}

	report, err := f.scheduler.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.Batches != 3 {
		t.Errorf("Batches = %d, want 3", report.Batches)
	}
	if len(*f.sleeps) != 2 {
		t.Errorf("待機はバッチ間の2回だけであるべき: %v", *f.sleeps)
	}
	for _, d := range *f.sleeps {
		if d != 3*time.Second {
			t.Errorf("待機時間 = %v, want 3s", d)
		}
	}
}

func TestScheduler_RunOnce_ConcurrencyBoundedByBatch(t *testing.T) {
	f := newSchedulerFixture(t, SchedulerOptions{BatchSize: 3})
	f.subs.listAllFunc = func(context.Context) ([]model.Subscription, error) {
		return subscriptionsFor(7), nil
	}

	var current, peak atomic.Int32
	f.processor.processFunc = func(_ context.Context, task SourceTask) SourceResult {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		current.Add(-1)
		return SourceResult{SourceURL: task.SourceURL, Outcome: OutcomeSkipped}
	}

	if _, err := f.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if peak.Load() > 3 {
		t.Errorf("同時実行数はバッチサイズ以下であるべき: peak = %d", peak.Load())
	}
	if peak.Load() < 2 {
		t.Errorf("バッチ内は並行に処理されるべき: peak = %d", peak.Load())
	}
	if len(f.processor.tasks) != 7 {
		t.Errorf("全Sourceが処理されるべき: %d", len(f.processor.tasks))
	}
}

func TestScheduler_RunOnce_AggregatesOutcomes(t *testing.T) {
	f := newSchedulerFixture(t, SchedulerOptions{BatchSize: 2})
	f.subs.listAllFunc = func(context.Context) ([]model.Subscription, error) {
		return subscriptionsFor(4), nil
	}
	f.processor.processFunc = func(_ context.Context, task SourceTask) SourceResult {
		switch task.SourceURL {
		case "https://example.com/0.xml":
			return SourceResult{SourceURL: task.SourceURL, Outcome: OutcomeDelivered, Delivery: delivery.Report{Delivered: 3}}
		case "https://example.com/1.xml":
			return SourceResult{SourceURL: task.SourceURL, Outcome: OutcomeDelivered, Delivery: delivery.Report{Delivered: 2}}
		case "https://example.com/2.xml":
			return SourceResult{SourceURL: task.SourceURL, Outcome: OutcomeErrored, Err: errors.New("x")}
		default:
			return SourceResult{SourceURL: task.SourceURL, Outcome: OutcomeSkipped}
		}
	}

	report, err := f.scheduler.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.Delivered != 2 || report.Errored != 1 || report.Skipped != 1 || report.Messages != 5 {
		t.Errorf("report = %+v", report)
	}
	if report.CycleID != "cycle-0001" {
		t.Errorf("CycleID = %q", report.CycleID)
	}
	logs := f.logs.String()
	if !strings.Contains(logs, "バッチが完了しました") || !strings.Contains(logs, `"cycle_id":"cycle-0001"`) {
		t.Errorf("バッチごとの集計がcycle_id付きでログに出力されるべき: %s", logs)
	}
}

func TestScheduler_RunOnce_PanicIsIsolated(t *testing.T) {
	f := newSchedulerFixture(t, SchedulerOptions{BatchSize: 3})
	f.subs.listAllFunc = func(context.Context) ([]model.Subscription, error) {
		return subscriptionsFor(3), nil
	}
	f.processor.processFunc = func(_ context.Context, task SourceTask) SourceResult {
		if task.SourceURL == "https://example.com/1.xml" {
			panic("unexpected nil")
		}
		return SourceResult{SourceURL: task.SourceURL, Outcome: OutcomeDelivered, Delivery: delivery.Report{Delivered: 1}}
	}

	report, err := f.scheduler.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.Delivered != 2 || report.Errored != 1 {
		t.Errorf("panicしたSourceだけがerroredになるべき: %+v", report)
	}
	if !strings.Contains(f.logs.String(), "panicが発生しました") {
		t.Errorf("panicがログに記録されるべき: %s", f.logs.String())
	}
}

func TestScheduler_RunOnce_RunsCleanupAfterBatches(t *testing.T) {
	f := newSchedulerFixture(t, SchedulerOptions{BatchSize: 2})
	f.cleaner.pruned = 42
	f.subs.listAllFunc = func(context.Context) ([]model.Subscription, error) {
		return subscriptionsFor(3), nil
	}
	f.processor.processFunc = func(_ context.Context, task SourceTask) SourceResult {
		if f.cleaner.calls.Load() != 0 {
			t.Error("削除は全バッチの完了後に行うべき")
		}
		return SourceResult{SourceURL: task.SourceURL, Outcome: OutcomeSkipped}
	}

	report, err := f.scheduler.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if f.cleaner.calls.Load() != 1 || report.Pruned != 42 {
		t.Errorf("削除が1回実行されるべき: calls=%d pruned=%d", f.cleaner.calls.Load(), report.Pruned)
	}
}

func TestScheduler_RunOnce_CleanupErrorIsLogged(t *testing.T) {
	f := newSchedulerFixture(t, SchedulerOptions{})
	f.cleaner.err = errors.New("deadlock detected")

	if _, err := f.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("削除の失敗でサイクルを失敗にしないべき: %v", err)
	}
	if !strings.Contains(f.logs.String(), "配信レシートの削除に失敗しました") {
		t.Errorf("削除の失敗がログに記録されるべき: %s", f.logs.String())
	}
}

func TestScheduler_RunOnce_ListError(t *testing.T) {
	f := newSchedulerFixture(t, SchedulerOptions{})
	f.subs.listAllFunc = func(context.Context) ([]model.Subscription, error) {
		return nil, errors.New("connection refused")
	}

	if _, err := f.scheduler.RunOnce(context.Background()); err == nil {
		t.Error("購読一覧を取得できない場合はエラーを返すべき")
	}
	if len(f.processor.tasks) != 0 {
		t.Errorf("Sourceは処理されないべき: %d", len(f.processor.tasks))
	}
}

func TestScheduler_RunOnce_CancelledDuringDelay(t *testing.T) {
	f := newSchedulerFixture(t, SchedulerOptions{BatchSize: 1, BatchDelay: time.Second})
	f.subs.listAllFunc = func(context.Context) ([]model.Subscription, error) {
		return subscriptionsFor(3), nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.processor.processFunc = func(_ context.Context, task SourceTask) SourceResult {
		cancel()
		return SourceResult{SourceURL: task.SourceURL, Outcome: OutcomeSkipped}
	}

	_, err := f.scheduler.RunOnce(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("キャンセル時はcontext.Canceledを返すべき: %v", err)
	}
	if len(f.processor.tasks) != 1 {
		t.Errorf("キャンセル後のバッチは処理しないべき: %d", len(f.processor.tasks))
	}
	if f.cleaner.calls.Load() != 0 {
		t.Error("キャンセル時は削除を行わないべき")
	}
}

func TestScheduler_InFlightGuard(t *testing.T) {
	f := newSchedulerFixture(t, SchedulerOptions{})
	f.subs.listAllFunc = func(context.Context) ([]model.Subscription, error) {
		return subscriptionsFor(1), nil
	}
	started := make(chan struct{})
	release := make(chan struct{})
	f.processor.processFunc = func(_ context.Context, task SourceTask) SourceResult {
		close(started)
		<-release
		return SourceResult{SourceURL: task.SourceURL, Outcome: OutcomeSkipped}
	}

	if err := f.scheduler.Trigger(context.Background()); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	<-started

	if !f.scheduler.Running() {
		t.Error("実行中であるべき")
	}
	if _, err := f.scheduler.RunOnce(context.Background()); !errors.Is(err, ErrCycleInProgress) {
		t.Errorf("実行中のRunOnceはErrCycleInProgressを返すべき: %v", err)
	}
	if err := f.scheduler.Trigger(context.Background()); !errors.Is(err, ErrCycleInProgress) {
		t.Errorf("実行中のTriggerはErrCycleInProgressを返すべき: %v", err)
	}

	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for f.scheduler.Running() {
		if time.Now().After(deadline) {
			t.Fatal("サイクルが終了しない")
		}
		time.Sleep(5 * time.Millisecond)
	}

	f.processor.processFunc = nil
	if _, err := f.scheduler.RunOnce(context.Background()); err != nil {
		t.Errorf("完了後は再実行できるべき: %v", err)
	}
}

func TestScheduler_WaitBlocksUntilTriggeredCycleEnds(t *testing.T) {
	f := newSchedulerFixture(t, SchedulerOptions{})
	f.subs.listAllFunc = func(context.Context) ([]model.Subscription, error) {
		return subscriptionsFor(1), nil
	}
	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	f.processor.processFunc = func(_ context.Context, task SourceTask) SourceResult {
		close(started)
		<-release
		finished.Store(true)
		return SourceResult{SourceURL: task.SourceURL, Outcome: OutcomeSkipped}
	}

	if err := f.scheduler.Trigger(context.Background()); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	<-started

	waited := make(chan struct{})
	go func() {
		f.scheduler.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		t.Fatal("サイクルの完了前にWaitが戻ってはいけない")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatal("サイクル完了後はWaitが戻るべき")
	}
	if !finished.Load() {
		t.Error("Waitはサイクルの処理完了後に戻るべき")
	}
	if f.cleaner.calls.Load() != 1 {
		t.Errorf("cleaner calls = %d, want 1", f.cleaner.calls.Load())
	}
}

func TestScheduler_WaitWithoutTriggerReturns(t *testing.T) {
	f := newSchedulerFixture(t, SchedulerOptions{})

	done := make(chan struct{})
	go func() {
		f.scheduler.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Triggerしていない場合Waitは即座に戻るべき")
	}
}

func TestScheduler_Start_StopsOnCancel(t *testing.T) {
	f := newSchedulerFixture(t, SchedulerOptions{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		f.scheduler.Start(ctx, time.Hour)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for f.cleaner.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("起動直後のサイクルが実行されない")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("キャンセル後に停止するべき")
	}
}
