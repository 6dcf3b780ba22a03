// Package fetch はフィード取り込みのバックグラウンド処理を提供する。
// スケジューラ、Source単位の処理、プロファイルを切り替えるフェッチャー、
// アクセス健全性とバックオフ戦略を含む。
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/feedrelay/internal/metrics"
	"github.com/hitoshi/feedrelay/internal/model"
)

// ErrCycleInProgress は前回の取り込みサイクルが実行中のため開始できなかったことを表す。
var ErrCycleInProgress = errors.New("取り込みサイクルが実行中です")

// SubscriptionLister は全購読を返すインターフェース。
type SubscriptionLister interface {
	ListAll(ctx context.Context) ([]model.Subscription, error)
}

// SourceProcessor はSource1件を処理するインターフェース。
type SourceProcessor interface {
	Process(ctx context.Context, task SourceTask) SourceResult
}

// ReceiptCleaner は保持期間を過ぎた配信レシートを削除するインターフェース。
type ReceiptCleaner interface {
	Run(ctx context.Context) (int64, error)
}

// SchedulerOptions はSchedulerの動作パラメータ。
type SchedulerOptions struct {
	BatchSize  int
	BatchDelay time.Duration
}

// CycleReport は取り込みサイクル1回分の集計。
// Delivered/Skipped/ErroredはSource数、Messagesは実際に配信したメッセージ数。
type CycleReport struct {
	CycleID   string
	Sources   int
	Batches   int
	Delivered int
	Skipped   int
	Errored   int
	Messages  int
	Pruned    int64
	Duration  time.Duration
}

func (r *CycleReport) add(res SourceResult) {
	switch res.Outcome {
	case OutcomeDelivered:
		r.Delivered++
	case OutcomeSkipped:
		r.Skipped++
	default:
		r.Errored++
	}
	r.Messages += res.Delivery.Delivered
}

// Scheduler は購読をSource単位にまとめ、一定数ずつのバッチで並行に処理する。
// バッチ間には待機を挟み、全バッチの完了後に古い配信レシートを削除する。
// 同時に実行できるサイクルは1つだけ。
type Scheduler struct {
	subs      SubscriptionLister
	processor SourceProcessor
	cleaner   ReceiptCleaner
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	opts      SchedulerOptions

	running   atomic.Bool
	triggered sync.WaitGroup
	sleep     func(ctx context.Context, d time.Duration) error
	newID     func() string
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// BatchSizeが0以下の場合はデフォルト値15を使用する。cleanerはnilでもよい。
func NewScheduler(
	subs SubscriptionLister,
	processor SourceProcessor,
	cleaner ReceiptCleaner,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	opts SchedulerOptions,
) *Scheduler {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 15
	}
	return &Scheduler{
		subs:      subs,
		processor: processor,
		cleaner:   cleaner,
		metrics:   collector,
		logger:    logger,
		opts:      opts,
		sleep:     sleepContext,
		newID:     uuid.NewString,
	}
}

// Start はinterval間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("取り込みスケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("batch_size", s.opts.BatchSize),
		slog.Duration("batch_delay", s.opts.BatchDelay),
	)

	// 起動直後に1回実行
	s.runAndLog(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("取り込みスケジューラを停止しました")
			return
		case <-ticker.C:
			s.runAndLog(ctx)
		}
	}
}

func (s *Scheduler) runAndLog(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil {
		if errors.Is(err, ErrCycleInProgress) {
			s.logger.Warn("前回の取り込みサイクルが実行中のため今回はスキップします")
			return
		}
		s.logger.Error("取り込みサイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce は取り込みサイクルを1回同期的に実行する。
// 別のサイクルが実行中の場合はErrCycleInProgressを返す。
func (s *Scheduler) RunOnce(ctx context.Context) (CycleReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		return CycleReport{}, ErrCycleInProgress
	}
	defer s.running.Store(false)
	return s.runCycle(ctx)
}

// Trigger は取り込みサイクルをバックグラウンドで開始する。
// 別のサイクルが実行中の場合はErrCycleInProgressを返し、何もしない。
// 開始したサイクルの完了はWaitで待てる。
func (s *Scheduler) Trigger(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrCycleInProgress
	}
	s.triggered.Add(1)
	go func() {
		defer s.triggered.Done()
		defer s.running.Store(false)
		if _, err := s.runCycle(ctx); err != nil {
			s.logger.Error("手動トリガーの取り込みサイクルに失敗しました",
				slog.String("error", err.Error()),
			)
		}
	}()
	return nil
}

// Wait はTriggerで開始した全サイクルの完了を待つ。
// Triggerの呼び出し元（HTTPサーバーなど）を止めた後に呼ぶこと。
func (s *Scheduler) Wait() {
	s.triggered.Wait()
}

// Running はサイクルが実行中かを返す。
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

func (s *Scheduler) runCycle(ctx context.Context) (CycleReport, error) {
	start := time.Now()
	report := CycleReport{CycleID: s.newID()}
	logger := s.logger.With(slog.String("cycle_id", report.CycleID))
	defer func() {
		report.Duration = time.Since(start)
		s.metrics.RecordCycle(report.Duration)
	}()

	subs, err := s.subs.ListAll(ctx)
	if err != nil {
		return report, fmt.Errorf("購読一覧の取得に失敗しました: %w", err)
	}

	tasks := groupBySource(subs)
	batches := partition(tasks, s.opts.BatchSize)
	report.Sources = len(tasks)
	report.Batches = len(batches)

	logger.Info("取り込みサイクルを開始します",
		slog.Int("subscriptions", len(subs)),
		slog.Int("sources", len(tasks)),
		slog.Int("batches", len(batches)),
	)

	var cycleErr error
	for i, batch := range batches {
		if i > 0 && s.opts.BatchDelay > 0 {
			if err := s.sleep(ctx, s.opts.BatchDelay); err != nil {
				cycleErr = err
				break
			}
		}

		results := s.runBatch(ctx, logger, batch)
		var batchReport CycleReport
		for _, res := range results {
			batchReport.add(res)
			report.add(res)
		}
		logger.Info("バッチが完了しました",
			slog.Int("batch", i+1),
			slog.Int("sources", len(batch)),
			slog.Int("delivered", batchReport.Delivered),
			slog.Int("skipped", batchReport.Skipped),
			slog.Int("errored", batchReport.Errored),
			slog.Int("messages", batchReport.Messages),
		)

		if err := ctx.Err(); err != nil {
			cycleErr = err
			break
		}
	}

	if s.cleaner != nil && cycleErr == nil {
		pruned, err := s.cleaner.Run(ctx)
		if err != nil {
			logger.Error("配信レシートの削除に失敗しました",
				slog.String("error", err.Error()),
			)
		}
		report.Pruned = pruned
	}

	logger.Info("取り込みサイクルが完了しました",
		slog.Int("sources", report.Sources),
		slog.Int("delivered", report.Delivered),
		slog.Int("skipped", report.Skipped),
		slog.Int("errored", report.Errored),
		slog.Int("messages", report.Messages),
		slog.Int64("pruned", report.Pruned),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return report, cycleErr
}

// runBatch はバッチ内の全Sourceを並行に処理する。
// 1つのSourceでpanicが起きても他のSourceの処理は継続する。
func (s *Scheduler) runBatch(ctx context.Context, logger *slog.Logger, batch []SourceTask) []SourceResult {
	results := make([]SourceResult, len(batch))
	var g errgroup.Group
	for i, task := range batch {
		g.Go(func() error {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("Sourceの処理中にpanicが発生しました",
						slog.String("source_url", task.SourceURL),
						slog.Any("panic", rec),
					)
					results[i] = SourceResult{
						SourceURL: task.SourceURL,
						Outcome:   OutcomeErrored,
						Err:       fmt.Errorf("panic: %v", rec),
					}
				}
			}()
			results[i] = s.processor.Process(ctx, task)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// groupBySource は購読をSourceURLごとにまとめる。Sourceの順序は最初に現れた順。
func groupBySource(subs []model.Subscription) []SourceTask {
	index := make(map[string]int)
	var tasks []SourceTask
	for _, sub := range subs {
		i, ok := index[sub.SourceURL]
		if !ok {
			i = len(tasks)
			index[sub.SourceURL] = i
			tasks = append(tasks, SourceTask{SourceURL: sub.SourceURL})
		}
		tasks[i].Subscriptions = append(tasks[i].Subscriptions, sub)
	}
	return tasks
}

// partition はtasksをsize件ずつのバッチに分割する。
func partition(tasks []SourceTask, size int) [][]SourceTask {
	var batches [][]SourceTask
	for start := 0; start < len(tasks); start += size {
		end := min(start+size, len(tasks))
		batches = append(batches, tasks[start:end])
	}
	return batches
}
