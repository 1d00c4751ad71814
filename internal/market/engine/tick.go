package engine

import (
	"time"

	"github.com/ecolom-kz/kreel-core/internal/market/event"
	"github.com/ecolom-kz/kreel-core/internal/market/rules"
	"github.com/ecolom-kz/kreel-core/pkg/metrics"
)

// OnBlockEnd advances chain time and runs the per-block maintenance:
// expire resting orders, refresh medians whose feeds aged out, execute due
// force settlements, and re-run the margin pass for every market an
// operation touched since the last block.
func (e *Engine) OnBlockEnd(now time.Time) {
	e.SetTime(now)
	rs := e.ruleset()

	e.expireOrders()

	// Due settlements execute against the feed that was current while
	// they waited; only afterwards do aged-out feeds drop the median.
	e.executeDueSettlements(rs)

	for _, id := range e.assetIDs {
		a := e.assets[id]
		if a.Bitasset != nil {
			e.refreshMedian(a)
		}
	}

	for _, id := range e.assetIDs {
		if !e.marginDirty[id] {
			continue
		}
		delete(e.marginDirty, id)
		a := e.assets[id]
		if a.Bitasset == nil || a.Bitasset.HasSettlement {
			continue
		}
		e.checkCallOrders(a, rs, rs.Has(rules.R649))
	}

	for _, key := range e.sortedPairs() {
		metrics.OpenOrders.WithLabelValues(e.assets[key.sell].Symbol).Set(float64(e.books[key].Len()))
	}
}

func (e *Engine) expireOrders() {
	for _, key := range e.sortedPairs() {
		bk := e.books[key]
		for _, o := range bk.ExpireDue(e.now) {
			delete(e.orderHome, o.ID)
			e.mustAdjust(o.Owner, o.AmountForSale())
			e.emit(event.KindOrderExpired, event.OrderPayload{
				OrderID: o.ID,
				Owner:   o.Owner,
				Sell:    event.ViewAmount(o.AmountForSale(), e.assets[o.SellAsset()].Precision),
				Price:   event.ViewPrice(o.SellPrice),
			})
		}
	}
}
