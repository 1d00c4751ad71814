package engine

import (
	"math/big"

	"go.uber.org/zap"

	"github.com/ecolom-kz/kreel-core/internal/market/calls"
	"github.com/ecolom-kz/kreel-core/internal/market/event"
	"github.com/ecolom-kz/kreel-core/internal/market/model"
	"github.com/ecolom-kz/kreel-core/internal/market/rules"
	"github.com/ecolom-kz/kreel-core/pkg/metrics"
)

// eraMCFR is the margin call fee ratio in effect: zero before its
// introducing revision.
func (e *Engine) eraMCFR(ba *model.Bitasset, rs rules.Ruleset) uint16 {
	if !rs.Has(rules.RBSIP74) {
		return 0
	}
	return ba.Options.MarginCallFeeRatio
}

// eraLeastCall picks the first position of the era's selection index:
// the stored call price order before live collateralization took over.
func (e *Engine) eraLeastCall(tbl *calls.Table, rs rules.Ruleset) *model.CallPosition {
	if rs.Has(rules.R1270) {
		return tbl.Least()
	}
	return tbl.LeastLegacy()
}

// eraMarginCalled is the era's margin call detection: the stored call
// price against the inverted feed before the live-collateralization
// revision, live collateralization against maintenance after.
func eraMarginCalled(c *model.CallPosition, feedv model.PriceFeed, maintenance model.Price, rs rules.Ruleset) bool {
	if rs.Has(rules.R1270) {
		return c.MarginCalled(maintenance)
	}
	return c.LegacyCallPrice.Less(feedv.SettlementPrice.Invert())
}

// takerMatchCalls fills a taker order selling the collateralized asset
// against margin-called positions at the call match price. Returns true
// when the taker is done.
func (e *Engine) takerMatchCalls(o *model.LimitOrder, ba *model.Bitasset, callMatch model.Price,
	rs rules.Ruleset) bool {
	feedv := *ba.CurrentFeed
	maintenance, err := feedv.MaintenanceCollateralization()
	if err != nil {
		return false
	}
	if o.SellPrice.Less(callMatch) {
		// The order asks more collateral per unit than a margin call pays.
		return false
	}
	tbl := e.tables[ba.Asset]
	for o.ForSale > 0 {
		call := e.eraLeastCall(tbl, rs)
		if call == nil || !eraMarginCalled(call, feedv, maintenance, rs) {
			return false
		}
		filledLimit, filledCall := e.matchLimitCall(o, call, callMatch, ba, feedv, rs)
		if filledLimit {
			return true
		}
		if !filledCall {
			// No movement is possible against this position.
			return false
		}
	}
	return true
}

// checkCallOrders runs one margin call pass: walk the era's call index
// riskiest-first and fill against eligible resting orders. Black swan
// detection interleaves with the loop when enabled; the feed-publish path
// disables it before its gating revision.
func (e *Engine) checkCallOrders(a *model.Asset, rs rules.Ruleset, swanEnabled bool) bool {
	ba := a.Bitasset
	if ba == nil || !ba.MarginCallParamsValid() {
		return false
	}
	if swanEnabled && e.checkForBlackSwan(a, rs) {
		return false
	}
	feedv := *ba.CurrentFeed
	mssp, err := feedv.MaxShortSqueezePrice()
	if err != nil {
		return false
	}
	mcop, err := feedv.MarginCallOrderPrice(e.eraMCFR(ba, rs))
	if err != nil {
		return false
	}
	maintenance, err := feedv.MaintenanceCollateralization()
	if err != nil {
		return false
	}

	tbl := e.tables[a.ID]
	bk := e.bookFor(a.ID, ba.Backing)

	// The pre-continuation revisions advanced past a limit order even
	// when it was only partially filled; skipped tracks that replay.
	var skipped map[uint64]bool
	bestLimit := func() *model.LimitOrder {
		var best *model.LimitOrder
		bk.Ascend(func(cand *model.LimitOrder) bool {
			if skipped[cand.ID] {
				return true
			}
			best = cand
			return false
		})
		return best
	}

	marginCalled := false
	for {
		if swanEnabled && e.checkForBlackSwan(a, rs) {
			return marginCalled
		}
		call := e.eraLeastCall(tbl, rs)
		if call == nil || !eraMarginCalled(call, feedv, maintenance, rs) {
			return marginCalled
		}
		limit := bestLimit()
		if limit == nil {
			return marginCalled
		}

		var matchPrice model.Price
		if !rs.Has(rules.R338) {
			// A best order priced above the stored call price freezes the
			// whole pass, even when cheaper eligible orders rest behind it.
			if limit.SellPrice.Greater(call.LegacyCallPrice.Invert()) {
				return marginCalled
			}
			if limit.SellPrice.Less(mssp) {
				return marginCalled
			}
			matchPrice = limit.SellPrice
		} else {
			if limit.SellPrice.Less(mcop) {
				return marginCalled
			}
			if rs.Has(rules.R834) {
				matchPrice = limit.SellPrice
			} else {
				// Squeeze-priced fills overpay orders asking less.
				matchPrice = mssp
			}
		}

		filledLimit, filledCall := e.matchLimitCall(limit, call, matchPrice, ba, feedv, rs)
		if !filledLimit && !filledCall {
			return marginCalled
		}
		marginCalled = true
		if _, open := e.orderHome[limit.ID]; !filledLimit && !rs.Has(rules.R453) && open {
			if skipped == nil {
				skipped = make(map[uint64]bool)
			}
			skipped[limit.ID] = true
		}
	}
}

// matchLimitCall fills a limit order against a margin-called position at
// matchPrice. The position surrenders collateral at the fee-scaled pays
// price; the spread accrues as margin call fee. The cover amount is
// bounded by the position's target collateral ratio.
func (e *Engine) matchLimitCall(limit *model.LimitOrder, call *model.CallPosition,
	matchPrice model.Price, ba *model.Bitasset, feedv model.PriceFeed,
	rs rules.Ruleset) (filledLimit, filledCall bool) {

	paysPrice := matchPrice
	if mcfr := e.eraMCFR(ba, rs); mcfr > 0 {
		p, err := model.MarginCallPaysPrice(matchPrice, mcfr)
		if err != nil {
			return false, false
		}
		paysPrice = p
	}

	debtToBuy := call.Debt.Amount
	if rs.Has(rules.R343) && call.TargetCollateralRatio > 0 {
		debtToBuy = e.maxDebtToCover(call, paysPrice, feedv)
		if debtToBuy == 0 {
			return false, false
		}
	}

	debtAsset := call.Debt.Asset
	var callReceives, orderReceives, callPays model.AssetAmount
	var err error

	if debtToBuy < limit.ForSale {
		filledCall = true
		callReceives = model.AssetAmount{Asset: debtAsset, Amount: debtToBuy}
		if rs.Has(rules.R615) {
			orderReceives, err = callReceives.MulUp(matchPrice)
		} else {
			orderReceives, err = callReceives.MulDown(matchPrice)
		}
		if err != nil || orderReceives.Amount == 0 {
			return false, false
		}
	} else {
		filledLimit = true
		forSale := limit.AmountForSale()
		orderReceives, err = forSale.MulDown(matchPrice)
		if err != nil {
			return false, false
		}
		if orderReceives.Amount == 0 {
			e.cullOrder(limit)
			return true, false
		}
		if rs.Has(rules.R615) {
			// Recompute the cover up from the rounded-down collateral so
			// the remainder stays priceable.
			callReceives, err = orderReceives.MulUp(matchPrice)
		} else {
			callReceives = forSale
		}
		if err != nil {
			return false, false
		}
		if callReceives.Amount >= call.Debt.Amount {
			callReceives.Amount = call.Debt.Amount
			filledCall = true
		}
	}

	if rs.Has(rules.RBSIP74) {
		// Rounding alone can open a small gap between the two sides even
		// with a zero fee ratio; the gap accrues as fee either way.
		callPays, err = callReceives.MulUp(paysPrice)
		if err != nil {
			return false, false
		}
	} else {
		callPays = orderReceives
	}
	if callReceives.Amount == call.Debt.Amount && callPays.Amount > call.Collateral.Amount {
		callPays.Amount = call.Collateral.Amount
	}
	if callPays.Amount < orderReceives.Amount {
		orderReceives.Amount = callPays.Amount
	}
	fee := callPays.Amount - orderReceives.Amount

	// Position side.
	e.fillCall(call, ba, callPays, callReceives, rs)
	if fee > 0 {
		ba.AccumulatedCollateralFees += fee
		metrics.CollateralFees.WithLabelValues(e.assets[ba.Asset].Symbol).Set(float64(ba.AccumulatedCollateralFees))
	}

	// Limit side: pays the cover, receives collateral minus market fee.
	marketFee := e.chargeMarketFee(orderReceives)
	limit.ForSale -= callReceives.Amount
	e.mustAdjust(limit.Owner, model.AssetAmount{Asset: orderReceives.Asset, Amount: orderReceives.Amount - marketFee})
	if _, open := e.orderHome[limit.ID]; open {
		if limit.ForSale == 0 {
			e.removeOrder(limit)
		} else {
			e.maybeCullSmall(limit)
		}
	}

	e.emit(event.KindFill, event.FillPayload{
		TakerSide:      event.SideLimit,
		MakerSide:      event.SideCall,
		TakerID:        limit.ID,
		MakerID:        call.ID,
		TakerOwner:     limit.Owner,
		MakerOwner:     call.Owner,
		TakerPays:      event.ViewAmount(callReceives, e.assets[callReceives.Asset].Precision),
		TakerReceives:  event.ViewAmount(orderReceives, e.assets[orderReceives.Asset].Precision),
		Price:          event.ViewPrice(matchPrice),
		MarginCallFee:  fee,
		TakerMarketFee: marketFee,
	})
	metrics.FillsTotal.WithLabelValues("limit_call").Inc()
	return filledLimit, filledCall
}

// fillCall applies a cover to a position: burns the received debt,
// releases the paid collateral, refreshes indices or closes the position.
func (e *Engine) fillCall(call *model.CallPosition, ba *model.Bitasset,
	pays, receives model.AssetAmount, rs rules.Ruleset) {
	a := e.assets[ba.Asset]
	tbl := e.tables[ba.Asset]
	tbl.Remove(call.ID)

	call.Debt.Amount -= receives.Amount
	call.Collateral.Amount -= pays.Amount
	a.CurrentSupply -= receives.Amount

	if call.Debt.Amount == 0 {
		if call.Collateral.Amount > 0 {
			e.mustAdjust(call.Owner, call.Collateral)
		}
		e.emit(event.KindPositionClosed, event.PositionPayload{
			PositionID: call.ID,
			Owner:      call.Owner,
			Debt:       event.ViewAmount(model.AssetAmount{Asset: call.Debt.Asset}, a.Precision),
			Collateral: event.ViewAmount(model.AssetAmount{Asset: call.Collateral.Asset}, e.assets[ba.Backing].Precision),
		})
		return
	}

	if rs.Has(rules.R343) {
		// Partial fills refresh the stored call price; the stale-key
		// selection bug predates this.
		if key, err := model.CallPrice(call.Debt, call.Collateral, ba.CurrentFeed.MaintenanceCollateralRatio); err == nil {
			call.LegacyCallPrice = key
		}
	}
	if err := tbl.Insert(call); err != nil {
		e.log.Error("position re-index failed", zap.Uint64("position", call.ID), zap.Error(err))
	}
	e.emit(event.KindPositionUpdate, event.PositionPayload{
		PositionID: call.ID,
		Owner:      call.Owner,
		Debt:       event.ViewAmount(call.Debt, a.Precision),
		Collateral: event.ViewAmount(call.Collateral, e.assets[ba.Backing].Precision),
	})
}

// maxDebtToCover is the smallest cover that lifts the position back to its
// target collateral ratio (at least the maintenance ratio) at the feed
// price, assuming collateral is surrendered at paysPrice. Full debt when
// no partial cover can reach the target.
func (e *Engine) maxDebtToCover(call *model.CallPosition, paysPrice model.Price,
	feedv model.PriceFeed) model.Amount {
	maintenance, err := feedv.MaintenanceCollateralization()
	if err != nil {
		return call.Debt.Amount
	}
	if !call.MarginCalled(maintenance) {
		return 0
	}
	tcr := call.TargetCollateralRatio
	if tcr < feedv.MaintenanceCollateralRatio {
		tcr = feedv.MaintenanceCollateralRatio
	}

	// Solve (C - x*mc/md) >= tcr/1000 * fc/fd * (D - x) for the smallest
	// integer x, with the feed quoted fd debt / fc collateral and the pays
	// price md debt / mc collateral.
	debt := big.NewInt(call.Debt.Amount)
	coll := big.NewInt(call.Collateral.Amount)
	fd := big.NewInt(feedv.SettlementPrice.Base.Amount)
	fc := big.NewInt(feedv.SettlementPrice.Quote.Amount)
	md := big.NewInt(paysPrice.Base.Amount)
	mc := big.NewInt(paysPrice.Quote.Amount)
	ratio := big.NewInt(int64(tcr))
	denomScale := big.NewInt(model.RatioDenom)

	tfm := new(big.Int).Mul(ratio, new(big.Int).Mul(fc, md)) // tcr*fc*md
	sfm := new(big.Int).Mul(denomScale, new(big.Int).Mul(fd, mc))

	denom := new(big.Int).Sub(tfm, sfm)
	if denom.Sign() <= 0 {
		return call.Debt.Amount
	}
	numer := new(big.Int).Sub(
		new(big.Int).Mul(tfm, debt),
		new(big.Int).Mul(new(big.Int).Mul(denomScale, new(big.Int).Mul(fd, md)), coll),
	)
	if numer.Sign() <= 0 {
		return 0
	}
	x := new(big.Int).Div(new(big.Int).Sub(new(big.Int).Add(numer, denom), big.NewInt(1)), denom)

	// The closed form ignores that the collateral payment rounds up;
	// verify and nudge.
	target := func(cover *big.Int) bool {
		pay := new(big.Int).Mul(cover, mc)
		pay.Add(pay, new(big.Int).Sub(md, big.NewInt(1)))
		pay.Div(pay, md) // ceil(cover*mc/md)
		lhs := new(big.Int).Sub(coll, pay)
		lhs.Mul(lhs, denomScale)
		lhs.Mul(lhs, fd)
		rhs := new(big.Int).Sub(debt, cover)
		rhs.Mul(rhs, ratio)
		rhs.Mul(rhs, fc)
		return lhs.Cmp(rhs) >= 0
	}
	for i := 0; i < 16 && x.Cmp(debt) < 0 && !target(x); i++ {
		x.Add(x, big.NewInt(1))
	}
	if x.Cmp(debt) >= 0 {
		return call.Debt.Amount
	}
	return x.Int64()
}
