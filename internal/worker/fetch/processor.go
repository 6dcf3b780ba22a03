package fetch

import (
	"context"
	"log/slog"

	"github.com/hitoshi/feedrelay/internal/delivery"
	"github.com/hitoshi/feedrelay/internal/feedparse"
	"github.com/hitoshi/feedrelay/internal/metrics"
	"github.com/hitoshi/feedrelay/internal/model"
)

// Outcome は1つのSourceの処理結果の分類。
type Outcome string

// 処理結果
const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeErrored   Outcome = "errored"
)

// SourceTask は1つのSourceとそのSourceを購読しているオーナーの購読一覧。
type SourceTask struct {
	SourceURL     string
	Subscriptions []model.Subscription
}

// SourceResult はSource1件分の処理結果。
type SourceResult struct {
	SourceURL  string
	Outcome    Outcome
	NewEntries int
	Delivery   delivery.Report
	Err        error
}

// SourceFetcher はSourceの本文を取得するインターフェース。
type SourceFetcher interface {
	Fetch(ctx context.Context, sourceURL string) (*RawResponse, error)
}

// FeedParser は本文から記事一覧を抽出するインターフェース。
type FeedParser interface {
	Parse(body []byte, sourceURL string) feedparse.Result
}

// HealthReporter はSourceのクールダウン判定と結果記録のインターフェース。
type HealthReporter interface {
	ShouldSkip(ctx context.Context, sourceURL string) bool
	RecordSuccess(ctx context.Context, sourceURL string) error
	RecordFailure(ctx context.Context, sourceURL string) error
}

// EntryStore は新着判定と既読ウィンドウの更新を行うインターフェース。
type EntryStore interface {
	FilterNew(ctx context.Context, sourceURL string, entries []model.FeedEntry) ([]model.FeedEntry, error)
	RecordSeen(ctx context.Context, sourceURL string, entries []model.FeedEntry) error
}

// EntryRouter は購読1件分の新着記事を配信するインターフェース。
type EntryRouter interface {
	RouteAll(ctx context.Context, sub model.Subscription, entries []model.FeedEntry) (delivery.Report, error)
}

// Processor は1つのSourceについて、クールダウン判定・取得・解析・新着判定・配信を順に行う。
// どの段階で失敗してもエラーを呼び出し元へは伝播せず、SourceResultに記録する。
type Processor struct {
	fetcher SourceFetcher
	parser  FeedParser
	health  HealthReporter
	store   EntryStore
	router  EntryRouter
	metrics metrics.MetricsCollector
	logger  *slog.Logger
}

// NewProcessor はProcessorの新しいインスタンスを生成する。
func NewProcessor(
	fetcher SourceFetcher,
	parser FeedParser,
	health HealthReporter,
	store EntryStore,
	router EntryRouter,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Processor {
	return &Processor{
		fetcher: fetcher,
		parser:  parser,
		health:  health,
		store:   store,
		router:  router,
		metrics: collector,
		logger:  logger,
	}
}

// Process はSourceを1回処理する。
func (p *Processor) Process(ctx context.Context, task SourceTask) SourceResult {
	res := SourceResult{SourceURL: task.SourceURL}
	logger := p.logger.With(slog.String("source_url", task.SourceURL))

	if p.health.ShouldSkip(ctx, task.SourceURL) {
		p.metrics.RecordCooldownSkip(task.SourceURL)
		logger.Info("クールダウン中のためスキップします")
		res.Outcome = OutcomeSkipped
		return res
	}

	raw, err := p.fetcher.Fetch(ctx, task.SourceURL)
	if err != nil {
		return p.errored(res, err)
	}

	parsed := p.parser.Parse(raw.Body, task.SourceURL)
	if len(parsed.Entries) == 0 {
		if !feedparse.LooksLikeFeed(raw.Body) {
			p.metrics.RecordParseFailure(task.SourceURL)
			p.recordHealth(ctx, logger, task.SourceURL, p.health.RecordFailure)
			logger.Warn("記事を抽出できませんでした",
				slog.Int("bytes", len(raw.Body)),
			)
			return p.errored(res, model.NewContentFormatError("フィードとして解析できる記事がありません"))
		}
		p.metrics.RecordFetchSuccess(task.SourceURL)
		p.recordHealth(ctx, logger, task.SourceURL, p.health.RecordSuccess)
		logger.Info("フィードに記事がありません")
		res.Outcome = OutcomeSkipped
		return res
	}

	p.metrics.RecordFetchSuccess(task.SourceURL)
	p.recordHealth(ctx, logger, task.SourceURL, p.health.RecordSuccess)

	fresh, err := p.store.FilterNew(ctx, task.SourceURL, parsed.Entries)
	if err != nil {
		return p.errored(res, err)
	}
	res.NewEntries = len(fresh)
	if len(fresh) == 0 {
		logger.Debug("新着記事はありません",
			slog.String("format", parsed.Format),
			slog.Int("entries", len(parsed.Entries)),
		)
		res.Outcome = OutcomeSkipped
		return res
	}

	logger.Info("新着記事を検出しました",
		slog.String("format", parsed.Format),
		slog.Int("new_entries", len(fresh)),
		slog.Int("subscribers", len(task.Subscriptions)),
	)

	// 配信先を決められなかった購読者がいる場合は既読にせず、次回サイクルで再試行する。
	// 配信済みの組み合わせはレシートで除外される。
	var routeErr error
	for _, sub := range task.Subscriptions {
		report, err := p.router.RouteAll(ctx, sub, fresh)
		res.Delivery.Add(report)
		if err != nil {
			logger.Error("配信先の解決に失敗しました",
				slog.String("owner_id", sub.OwnerID),
				slog.String("error", err.Error()),
			)
			routeErr = err
		}
	}

	if routeErr == nil {
		if err := p.store.RecordSeen(ctx, task.SourceURL, fresh); err != nil {
			logger.Error("既読ウィンドウの更新に失敗しました",
				slog.String("error", err.Error()),
			)
			routeErr = err
		}
	}

	switch {
	case res.Delivery.Delivered > 0:
		res.Outcome = OutcomeDelivered
		res.Err = routeErr
	case routeErr != nil:
		res.Outcome = OutcomeErrored
		res.Err = routeErr
	default:
		res.Outcome = OutcomeSkipped
	}
	return res
}

func (p *Processor) errored(res SourceResult, err error) SourceResult {
	p.logger.Warn("Sourceの処理に失敗しました",
		slog.String("source_url", res.SourceURL),
		slog.String("kind", string(model.KindOf(err))),
		slog.String("error", err.Error()),
	)
	res.Outcome = OutcomeErrored
	res.Err = err
	return res
}

func (p *Processor) recordHealth(ctx context.Context, logger *slog.Logger, sourceURL string, record func(context.Context, string) error) {
	if err := record(ctx, sourceURL); err != nil {
		logger.Error("アクセス健全性の記録に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}
