// Package delivery はオーナーの配信ポリシーと紐付けに従って新着記事を配信先へ振り分ける。
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/hitoshi/feedrelay/internal/metrics"
	"github.com/hitoshi/feedrelay/internal/model"
	"github.com/hitoshi/feedrelay/internal/notify"
)

// Deliverer は1件のメッセージを1つの配信先へ送る配信プリミティブ。
type Deliverer interface {
	Deliver(ctx context.Context, destinationID, text string) error
}

// DestinationLister は (オーナー, Source) に紐付いた配信先を返す。
type DestinationLister interface {
	ListBound(ctx context.Context, ownerID, sourceURL string) ([]model.Destination, error)
}

// PolicyReader はオーナーの配信ポリシーを返す。
type PolicyReader interface {
	GetDeliveryPolicy(ctx context.Context, ownerID string) (model.DeliveryPolicy, error)
}

// ReceiptTracker は (Source, GUID, 配信先) 単位の配信済み記録を扱う。
type ReceiptTracker interface {
	HasDelivered(ctx context.Context, sourceURL, guid, destinationID string) (bool, error)
	RecordDelivered(ctx context.Context, sourceURL, guid, destinationID string) error
}

// Report は配信結果の集計。
type Report struct {
	Delivered int
	Skipped   int
	Failed    int
}

// Add は別の集計を加算する。
func (r *Report) Add(o Report) {
	r.Delivered += o.Delivered
	r.Skipped += o.Skipped
	r.Failed += o.Failed
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeSkipped
	outcomeFailed
)

// Router は配信ポリシーに従って記事を受信箱と紐付け先へ配信する。
// オーナーの受信箱は配信先ID=オーナーIDとして扱い、紐付け先と同じくレシートで重複を防ぐ。
type Router struct {
	deliverer    Deliverer
	destinations DestinationLister
	policies     PolicyReader
	receipts     ReceiptTracker
	pacer        *Pacer
	metrics      metrics.MetricsCollector
	logger       *slog.Logger
}

// NewRouter はRouterの新しいインスタンスを生成する。
func NewRouter(
	deliverer Deliverer,
	destinations DestinationLister,
	policies PolicyReader,
	receipts ReceiptTracker,
	pacer *Pacer,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Router {
	return &Router{
		deliverer:    deliverer,
		destinations: destinations,
		policies:     policies,
		receipts:     receipts,
		pacer:        pacer,
		metrics:      collector,
		logger:       logger,
	}
}

// route は1オーナー・1Sourceについて解決済みの配信対象。
type route struct {
	ownerID   string
	sourceURL string
	siteName  string
	policy    model.DeliveryPolicy
	targets   []string
}

// Route は1件の記事をオーナーの配信ポリシーに従って配信し、実際に配信した配信先IDを返す。
func (r *Router) Route(ctx context.Context, ownerID, sourceURL string, entry model.FeedEntry) ([]string, error) {
	rt, err := r.resolve(ctx, model.Subscription{OwnerID: ownerID, SourceURL: sourceURL})
	if err != nil {
		return nil, err
	}
	delivered, _ := r.deliverEntry(ctx, rt, entry)
	return delivered, nil
}

// RouteAll は購読1件分の新着記事をまとめて配信する。
// ポリシーと紐付けは最初に1回だけ読み込み、記事はentriesの順に配信する。
func (r *Router) RouteAll(ctx context.Context, sub model.Subscription, entries []model.FeedEntry) (Report, error) {
	var report Report
	if len(entries) == 0 {
		return report, nil
	}

	rt, err := r.resolve(ctx, sub)
	if err != nil {
		return report, err
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		_, rep := r.deliverEntry(ctx, rt, entry)
		report.Add(rep)
	}

	r.logger.Info("配信が完了しました",
		slog.String("owner_id", sub.OwnerID),
		slog.String("source_url", sub.SourceURL),
		slog.String("policy", string(rt.policy)),
		slog.Int("entries", len(entries)),
		slog.Int("targets", len(rt.targets)),
		slog.Int("delivered", report.Delivered),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", report.Failed),
	)
	return report, nil
}

// resolve はポリシーと紐付けから配信対象の配信先IDを決める。
// ポリシーの読み込みに失敗した場合はsmartとして扱う。
func (r *Router) resolve(ctx context.Context, sub model.Subscription) (route, error) {
	policy, err := r.policies.GetDeliveryPolicy(ctx, sub.OwnerID)
	if err != nil {
		r.logger.Warn("配信ポリシーを取得できないためsmartとして扱います",
			slog.String("owner_id", sub.OwnerID),
			slog.String("error", err.Error()),
		)
		policy = model.DeliveryPolicySmart
	}

	bound, err := r.destinations.ListBound(ctx, sub.OwnerID, sub.SourceURL)
	if err != nil {
		return route{}, model.NewPersistenceError(
			fmt.Sprintf("紐付け先の取得に失敗しました (owner=%s)", sub.OwnerID), err)
	}

	active := make([]model.Destination, 0, len(bound))
	for _, d := range bound {
		if !d.IsActive() {
			r.logger.Debug("停止中の配信先をスキップします",
				slog.String("destination_id", d.ID),
				slog.String("owner_id", sub.OwnerID),
			)
			continue
		}
		active = append(active, d)
	}
	if len(bound) > 0 && len(active) == 0 {
		r.logger.Info("紐付け先が全て停止中のため紐付け無しとして扱います",
			slog.String("owner_id", sub.OwnerID),
			slog.String("source_url", sub.SourceURL),
			slog.Int("bindings", len(bound)),
		)
	}

	rt := route{
		ownerID:   sub.OwnerID,
		sourceURL: sub.SourceURL,
		siteName:  siteName(sub),
		policy:    policy,
	}
	inbox := policy.IncludesInbox(len(active))
	if inbox {
		rt.targets = append(rt.targets, sub.OwnerID)
	}
	if policy.IncludesDestinations() {
		for _, d := range active {
			if d.ID == sub.OwnerID && inbox {
				continue
			}
			rt.targets = append(rt.targets, d.ID)
		}
	}
	return rt, nil
}

func (r *Router) deliverEntry(ctx context.Context, rt route, entry model.FeedEntry) ([]string, Report) {
	var (
		delivered []string
		report    Report
	)
	text := notify.Format(entry, rt.siteName)
	for _, destID := range rt.targets {
		switch r.deliverTo(ctx, rt.sourceURL, entry.Key(), destID, text) {
		case outcomeSent:
			delivered = append(delivered, destID)
			report.Delivered++
		case outcomeSkipped:
			report.Skipped++
		case outcomeFailed:
			report.Failed++
		}
	}
	return delivered, report
}

// deliverTo は1つの配信先へ配信する。失敗しても呼び出し元の残りの配信は継続する。
func (r *Router) deliverTo(ctx context.Context, sourceURL, guid, destID, text string) outcome {
	already, err := r.receipts.HasDelivered(ctx, sourceURL, guid, destID)
	if err != nil {
		r.logger.Error("配信レシートを確認できないため配信を見送ります",
			slog.String("source_url", sourceURL),
			slog.String("destination_id", destID),
			slog.String("error", err.Error()),
		)
		r.metrics.RecordDelivery(metrics.DeliveryResultFailed)
		return outcomeFailed
	}
	if already {
		r.logger.Debug("配信済みのためスキップします",
			slog.String("source_url", sourceURL),
			slog.String("entry_guid", guid),
			slog.String("destination_id", destID),
		)
		r.metrics.RecordDelivery(metrics.DeliveryResultSkipped)
		return outcomeSkipped
	}

	if err := r.send(ctx, destID, text); err != nil {
		r.logger.Warn("配信に失敗しました",
			slog.String("source_url", sourceURL),
			slog.String("entry_guid", guid),
			slog.String("destination_id", destID),
			slog.String("error", err.Error()),
		)
		r.metrics.RecordDelivery(metrics.DeliveryResultFailed)
		return outcomeFailed
	}

	if err := r.receipts.RecordDelivered(ctx, sourceURL, guid, destID); err != nil {
		r.logger.Error("配信レシートの記録に失敗しました。次回重複配信される可能性があります",
			slog.String("source_url", sourceURL),
			slog.String("entry_guid", guid),
			slog.String("destination_id", destID),
			slog.String("error", err.Error()),
		)
	}
	r.metrics.RecordDelivery(metrics.DeliveryResultSent)
	return outcomeSent
}

// send はPacerの枠を待ってから配信する。429を受けた場合はPacerを一時停止し、1回だけ再送する。
func (r *Router) send(ctx context.Context, destID, text string) error {
	if err := r.pacer.Wait(ctx); err != nil {
		return err
	}
	err := r.deliverer.Deliver(ctx, destID, text)
	if !model.IsDeliveryRateLimited(err) {
		return err
	}

	var de *model.DeliveryError
	errors.As(err, &de)
	paused := r.pacer.Pause(de.RetryAfter)
	r.logger.Warn("配信APIのレート制限により配信を一時停止します",
		slog.String("destination_id", destID),
		slog.Duration("pause", paused),
	)
	if err := r.pacer.Wait(ctx); err != nil {
		return err
	}
	return r.deliverer.Deliver(ctx, destID, text)
}

// siteName はメッセージに表示する配信元名を返す。表示名がなければホスト名を使う。
func siteName(sub model.Subscription) string {
	if sub.DisplayName != "" {
		return sub.DisplayName
	}
	if u, err := url.Parse(sub.SourceURL); err == nil && u.Host != "" {
		return u.Host
	}
	return sub.SourceURL
}
