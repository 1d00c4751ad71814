package engine

import (
	"go.uber.org/zap"

	"github.com/ecolom-kz/kreel-core/internal/market/event"
	"github.com/ecolom-kz/kreel-core/internal/market/model"
	"github.com/ecolom-kz/kreel-core/internal/market/rules"
	"github.com/ecolom-kz/kreel-core/pkg/metrics"
)

// checkForBlackSwan detects an undercollateralized market and triggers
// global settlement. The trigger compares the least-collateralized
// position against the short squeeze price; before the strict revision a
// resting bid good enough to absorb the call postpones the swan.
func (e *Engine) checkForBlackSwan(a *model.Asset, rs rules.Ruleset) bool {
	ba := a.Bitasset
	if ba == nil || !ba.MarginCallParamsValid() {
		return false
	}
	tbl := e.tables[a.ID]
	// Detection walked the stored call price index before its fetch fix,
	// which could miss a sinking position hiding behind a stale key.
	var least *model.CallPosition
	if rs.Has(rules.R649) {
		least = tbl.Least()
	} else {
		least = tbl.LeastLegacy()
	}
	if least == nil {
		return false
	}
	feedv := *ba.CurrentFeed
	mssp, err := feedv.MaxShortSqueezePrice()
	if err != nil {
		return false
	}

	// Debt per collateral of the weakest position, same orientation as
	// the squeeze price.
	breakeven := least.Collateralization().Invert()

	if rs.Has(rules.R2481) {
		if !breakeven.Greater(mssp) {
			return false
		}
	} else {
		threshold := mssp
		if best := e.bookFor(a.ID, ba.Backing).Best(); best != nil {
			bid := best.SellPrice
			if mcfr := e.eraMCFR(ba, rs); mcfr > 0 {
				if adj, err := bid.MulRatio(model.PercentDenom, model.PercentDenom+uint64(mcfr)); err == nil {
					bid = adj
				}
			}
			threshold = model.MaxPrice(threshold, bid)
		}
		if breakeven.Less(threshold) {
			return false
		}
	}

	e.log.Warn("black swan detected",
		zap.String("asset", a.Symbol),
		zap.Stringer("breakeven", breakeven),
		zap.Stringer("mssp", mssp))
	e.globalSettle(a, rs)
	return true
}

// globalSettle closes every position into a settlement fund and freezes
// the asset at the realized fund-per-debt price. Holders redeem against
// the fund afterwards; margin machinery stays off until then.
func (e *Engine) globalSettle(a *model.Asset, rs rules.Ruleset) {
	ba := a.Bitasset
	feedv := *ba.CurrentFeed
	tbl := e.tables[a.ID]
	positions := tbl.Snapshot()
	if len(positions) == 0 {
		return
	}

	invFeed := feedv.SettlementPrice.Invert()
	leastColl := positions[0].Collateralization()

	var gsPrice model.Price
	switch {
	case rs.Has(rules.R2481):
		gsPrice = leastColl
	case rs.Has(rules.RBSIP74):
		gsPrice = invFeed
	case rs.Has(rules.R338):
		gsPrice = model.MinPrice(invFeed, leastColl)
	default:
		gsPrice = invFeed
	}

	maintenance, merr := feedv.MaintenanceCollateralization()
	mssr := uint64(feedv.MaxShortSqueezeRatio)

	var totalDebt, fund, fees model.Amount
	for _, c := range positions {
		tbl.Remove(c.ID)

		pay, err := c.Debt.MulUp(gsPrice)
		if err != nil || pay.Amount > c.Collateral.Amount {
			pay = c.Collateral
		}

		toFund := pay.Amount
		if rs.Has(rules.R2481) {
			// The fund takes the discounted credit; the squeeze premium of
			// positions that were actually margin called stays as fee.
			credit := model.Amount((uint64(pay.Amount)*model.RatioDenom + mssr - 1) / mssr)
			if merr == nil && c.MarginCalled(maintenance) {
				fees += pay.Amount - credit
			} else {
				pay.Amount = credit
			}
			toFund = credit
		}

		totalDebt += c.Debt.Amount
		fund += toFund
		if refund := c.Collateral.Amount - pay.Amount; refund > 0 {
			e.mustAdjust(c.Owner, model.AssetAmount{Asset: c.Collateral.Asset, Amount: refund})
		}
		e.emit(event.KindPositionClosed, event.PositionPayload{
			PositionID: c.ID,
			Owner:      c.Owner,
			Debt:       event.ViewAmount(model.AssetAmount{Asset: c.Debt.Asset}, a.Precision),
			Collateral: event.ViewAmount(model.AssetAmount{Asset: c.Collateral.Asset}, e.assets[ba.Backing].Precision),
		})
	}

	ba.HasSettlement = true
	ba.SettlementFund = fund
	ba.SettlementPrice = model.Price{
		Base:  model.AssetAmount{Asset: a.ID, Amount: totalDebt},
		Quote: model.AssetAmount{Asset: ba.Backing, Amount: fund},
	}
	if fees > 0 {
		ba.AccumulatedCollateralFees += fees
		metrics.CollateralFees.WithLabelValues(a.Symbol).Set(float64(ba.AccumulatedCollateralFees))
	}

	e.emit(event.KindGlobalSettle, event.GlobalSettlePayload{
		Asset:           a.ID,
		SettlementPrice: event.ViewPrice(ba.SettlementPrice),
		Fund:            fund,
		Positions:       len(positions),
		CollateralFees:  fees,
	})
	metrics.GlobalSettlements.Inc()
	metrics.SettlementFund.WithLabelValues(a.Symbol).Set(float64(fund))
	metrics.OpenPositions.WithLabelValues(a.Symbol).Set(0)
	e.log.Warn("global settlement executed",
		zap.String("asset", a.Symbol),
		zap.Int64("fund", fund),
		zap.Int("positions", len(positions)),
		zap.Stringer("price", ba.SettlementPrice))

	// Queued settle requests no longer have positions to match; they are
	// paid out of the fund at the frozen price right away.
	var queued []*model.SettleRequest
	e.settleQueue.Scan(func(r *model.SettleRequest) bool {
		if r.Amount.Asset == a.ID {
			queued = append(queued, r)
		}
		return true
	})
	for _, r := range queued {
		e.settleQueue.Delete(r)
		e.settleFromFund(a, r.Owner, r.Amount, r.Receipt, r.ID)
	}
}
