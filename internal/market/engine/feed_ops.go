package engine

import (
	"go.uber.org/zap"

	"github.com/ecolom-kz/kreel-core/internal/market/event"
	"github.com/ecolom-kz/kreel-core/internal/market/model"
	"github.com/ecolom-kz/kreel-core/internal/market/rules"
	"github.com/ecolom-kz/kreel-core/pkg/errors"
	"github.com/ecolom-kz/kreel-core/pkg/metrics"
)

// PublishFeed records a producer's price feed, recomputes the median and,
// when the median moved, runs the margin call pass. Black swan detection
// on this path is gated behind its revision; before it a swan caused by a
// feed move goes unnoticed until the next order or adjustment.
func (e *Engine) PublishFeed(producer model.AccountID, asset model.AssetID, f model.PriceFeed) error {
	if producer == "" {
		return errors.Validation("feed without producer")
	}
	a, ok := e.assets[asset]
	if !ok {
		return errors.NotFound("asset %d is not registered", asset)
	}
	ba := a.Bitasset
	if ba == nil {
		return errors.Validation("asset %s is not collateralized", a.Symbol)
	}
	agg := e.aggs[asset]
	if err := agg.Publish(producer, f, e.now); err != nil {
		return err
	}

	e.emit(event.KindFeedAccepted, event.FeedPayload{
		Asset:    asset,
		Producer: producer,
		Price:    event.ViewPrice(f.SettlementPrice),
		MCR:      f.MaintenanceCollateralRatio,
		MSSR:     f.MaxShortSqueezeRatio,
	})
	metrics.FeedUpdates.WithLabelValues(a.Symbol).Inc()
	metrics.OperationsTotal.WithLabelValues("publish_feed", "ok").Inc()

	e.refreshMedian(a)
	return nil
}

// refreshMedian recomputes a bitasset's median feed and reacts to a move:
// emit, then run the margin pass under the active revision set.
func (e *Engine) refreshMedian(a *model.Asset) {
	ba := a.Bitasset
	agg := e.aggs[a.ID]
	med := agg.Median(e.now, ba.Options.FeedLifetime, ba.Options.MinimumFeeds)

	if !medianChanged(ba.CurrentFeed, med) {
		return
	}
	ba.CurrentFeed = med
	if med == nil {
		e.log.Warn("median feed lost", zap.String("asset", a.Symbol))
		return
	}
	e.emit(event.KindMedianChanged, event.FeedPayload{
		Asset: a.ID,
		Price: event.ViewPrice(med.SettlementPrice),
		MCR:   med.MaintenanceCollateralRatio,
		MSSR:  med.MaxShortSqueezeRatio,
	})

	if ba.HasSettlement {
		return
	}
	rs := e.ruleset()
	e.marginDirty[a.ID] = true
	e.checkCallOrders(a, rs, rs.Has(rules.R649))
}

func medianChanged(old, next *model.PriceFeed) bool {
	if (old == nil) != (next == nil) {
		return true
	}
	if old == nil {
		return false
	}
	return *old != *next
}
