package engine

import (
	"time"

	"go.uber.org/zap"

	"github.com/ecolom-kz/kreel-core/internal/market/book"
	"github.com/ecolom-kz/kreel-core/internal/market/event"
	"github.com/ecolom-kz/kreel-core/internal/market/model"
	"github.com/ecolom-kz/kreel-core/internal/market/rules"
	"github.com/ecolom-kz/kreel-core/pkg/errors"
	"github.com/ecolom-kz/kreel-core/pkg/metrics"
)

// PlaceLimitOrder escrows the sell amount and matches the order: against
// better-priced opposite limits, then margin calls, then the rest of the
// opposite book, per the active revision set. Whatever remains rests in
// the book unless it is dust, in which case it is refunded.
func (e *Engine) PlaceLimitOrder(owner model.AccountID, sell, minReceive model.AssetAmount,
	expiration time.Time) (uint64, error) {
	if owner == "" {
		return 0, errors.Validation("order without owner")
	}
	if _, ok := e.assets[sell.Asset]; !ok {
		return 0, errors.NotFound("sell asset %d is not registered", sell.Asset)
	}
	if _, ok := e.assets[minReceive.Asset]; !ok {
		return 0, errors.NotFound("receive asset %d is not registered", minReceive.Asset)
	}
	if sell.Amount <= 0 || minReceive.Amount <= 0 {
		return 0, errors.Validation("order amounts must be positive")
	}
	if sell.Amount > model.MaxShareSupply || minReceive.Amount > model.MaxShareSupply {
		return 0, errors.Validation("order amounts exceed the maximum share supply")
	}
	sellPrice, err := model.NewPrice(sell, minReceive)
	if err != nil {
		return 0, err
	}
	if !expiration.IsZero() && !expiration.After(e.now) {
		return 0, errors.Validation("order expiration is not in the future")
	}
	if e.ledger.Balance(owner, sell.Asset) < sell.Amount {
		return 0, errors.Insufficient("account %s cannot fund order of %d", owner, sell.Amount)
	}

	rs := e.ruleset()
	e.mustAdjust(owner, model.AssetAmount{Asset: sell.Asset, Amount: -sell.Amount})

	o := &model.LimitOrder{
		ID:         e.nextOrderID,
		Owner:      owner,
		SellPrice:  sellPrice,
		ForSale:    sell.Amount,
		Expiration: expiration,
		Created:    e.now,
	}
	e.nextOrderID++

	e.emit(event.KindOrderPlaced, event.OrderPayload{
		OrderID: o.ID,
		Owner:   owner,
		Sell:    event.ViewAmount(sell, e.assets[sell.Asset].Precision),
		Price:   event.ViewPrice(sellPrice),
	})

	e.applyOrder(o, rs)
	metrics.OperationsTotal.WithLabelValues("place_order", "ok").Inc()
	return o.ID, nil
}

// CancelLimitOrder removes an open order and refunds its escrow.
func (e *Engine) CancelLimitOrder(owner model.AccountID, id uint64) error {
	home, ok := e.orderHome[id]
	if !ok {
		return errors.NotFound("order %d is not open", id)
	}
	o := e.books[home].Find(id)
	if o.Owner != owner {
		return errors.Authorization("order %d belongs to %s", id, o.Owner)
	}
	e.removeOrder(o)
	e.mustAdjust(owner, o.AmountForSale())
	e.emit(event.KindOrderCancelled, event.OrderPayload{
		OrderID: o.ID,
		Owner:   o.Owner,
		Sell:    event.ViewAmount(o.AmountForSale(), e.assets[o.SellAsset()].Precision),
		Price:   event.ViewPrice(o.SellPrice),
	})
	metrics.OperationsTotal.WithLabelValues("cancel_order", "ok").Inc()
	return nil
}

func (e *Engine) restOrder(o *model.LimitOrder) {
	key := pairKey{o.SellAsset(), o.ReceiveAsset()}
	bk := e.bookFor(key.sell, key.receive)
	if err := bk.Insert(o); err != nil {
		panic(err)
	}
	e.orderHome[o.ID] = key
}

func (e *Engine) removeOrder(o *model.LimitOrder) {
	if home, ok := e.orderHome[o.ID]; ok {
		e.books[home].Remove(o.ID)
		delete(e.orderHome, o.ID)
	}
}

// cullOrder refunds and drops an order whose remainder is worthless.
func (e *Engine) cullOrder(o *model.LimitOrder) {
	e.removeOrder(o)
	refund := o.AmountForSale()
	if refund.Amount > 0 {
		e.mustAdjust(o.Owner, refund)
		o.ForSale = 0
	}
	e.emit(event.KindOrderCulled, event.OrderPayload{
		OrderID: o.ID,
		Owner:   o.Owner,
		Sell:    event.ViewAmount(refund, e.assets[o.SellAsset()].Precision),
		Price:   event.ViewPrice(o.SellPrice),
	})
}

// maybeCullSmall drops a resting order whose remainder no longer buys a
// single unit at its own price. Reports whether the order was culled.
func (e *Engine) maybeCullSmall(o *model.LimitOrder) bool {
	if o.ForSale == 0 {
		return false
	}
	recv, err := o.AmountToReceive()
	if err != nil || recv.Amount > 0 {
		return false
	}
	e.cullOrder(o)
	return true
}

// marginInteraction reports whether a sell of asset a engages margin
// machinery: a is a live collateralized asset and the order wants its
// backing asset.
func (e *Engine) marginInteraction(o *model.LimitOrder) *model.Bitasset {
	a := e.assets[o.SellAsset()]
	ba := a.Bitasset
	if ba == nil || ba.Backing != o.ReceiveAsset() || !ba.MarginCallParamsValid() {
		return nil
	}
	if e.tables[a.ID].Len() == 0 {
		return nil
	}
	return ba
}

// applyOrder runs the taker flow for a freshly escrowed order.
func (e *Engine) applyOrder(o *model.LimitOrder, rs rules.Ruleset) {
	ba := e.marginInteraction(o)
	if ba != nil {
		e.marginDirty[ba.Asset] = true
	}
	if ba != nil && !rs.Has(rules.R338) {
		e.applyOrderLegacy(o, rs)
		return
	}

	opp := e.bookFor(o.ReceiveAsset(), o.SellAsset())
	finished := false

	if ba != nil {
		feedv := *ba.CurrentFeed
		mcfr := e.eraMCFR(ba, rs)
		callMatch, err := feedv.MarginCallOrderPrice(mcfr)
		if err == nil {
			// Opposite limits giving strictly more than the margin call
			// price fill first.
			callMatchOpp := callMatch.Invert()
			finished = e.matchAgainstBook(o, opp, rs, func(maker *model.LimitOrder) bool {
				return maker.SellPrice.Greater(callMatchOpp)
			})
			if !finished {
				finished = e.takerMatchCalls(o, ba, callMatch, rs)
			}
		} else {
			e.log.Error("margin call price unavailable", zap.Error(err))
		}
	}

	if !finished {
		finished = e.matchAgainstBook(o, opp, rs, nil)
	}
	e.finishOrder(o, finished)
}

// applyOrderLegacy is the pre-revision taker flow: margin calls engage the
// new order before any book matching, then the remainder trades normally.
func (e *Engine) applyOrderLegacy(o *model.LimitOrder, rs rules.Ruleset) {
	e.restOrder(o)
	e.checkCallOrders(e.assets[o.SellAsset()], rs, true)
	if _, open := e.orderHome[o.ID]; !open {
		return // consumed or culled by the margin pass
	}
	e.removeOrder(o)
	opp := e.bookFor(o.ReceiveAsset(), o.SellAsset())
	finished := e.matchAgainstBook(o, opp, rs, nil)
	e.finishOrder(o, finished)
}

// finishOrder rests or culls whatever the matching loops left.
func (e *Engine) finishOrder(o *model.LimitOrder, finished bool) {
	if finished || o.ForSale == 0 {
		if o.ForSale > 0 {
			// Taker pays were rounded below its escrow; the remainder is
			// refunded rather than rested.
			e.mustAdjust(o.Owner, o.AmountForSale())
			e.emit(event.KindOrderCulled, event.OrderPayload{
				OrderID: o.ID,
				Owner:   o.Owner,
				Sell:    event.ViewAmount(o.AmountForSale(), e.assets[o.SellAsset()].Precision),
				Price:   event.ViewPrice(o.SellPrice),
			})
		}
		return
	}
	recv, err := o.AmountToReceive()
	if err != nil || recv.Amount == 0 {
		e.cullOrder(o)
		return
	}
	e.restOrder(o)
}

// matchAgainstBook fills the taker against the opposite book while the
// best maker crosses it and satisfies the gate (nil gate = any crossing
// maker). Returns true when the taker is done.
func (e *Engine) matchAgainstBook(o *model.LimitOrder, opp *book.Book, rs rules.Ruleset,
	gate func(maker *model.LimitOrder) bool) bool {
	threshold := o.SellPrice.Invert()
	for o.ForSale > 0 {
		maker := opp.Best()
		if maker == nil || maker.SellPrice.Less(threshold) {
			return false
		}
		if gate != nil && !gate(maker) {
			return false
		}
		done, err := e.matchLimitLimit(o, maker, rs)
		if err != nil {
			e.log.Error("limit match failed", zap.Uint64("taker", o.ID),
				zap.Uint64("maker", maker.ID), zap.Error(err))
			return true
		}
		if done {
			return true
		}
	}
	return true
}

// matchLimitLimit fills taker and maker at the maker's price. The maker is
// never underpaid once the rounding revision is active: when the taker
// side exhausts, its receive rounds down and its pay is recomputed up.
// Returns true when the taker cannot continue.
func (e *Engine) matchLimitLimit(taker, maker *model.LimitOrder, rs rules.Ruleset) (bool, error) {
	matchPrice := maker.SellPrice

	takerForSale := taker.AmountForSale()
	makerWorth, err := maker.AmountForSale().MulDown(matchPrice)
	if err != nil {
		return true, err
	}

	var takerPays, takerReceives model.AssetAmount
	takerDone := false
	if takerForSale.Amount <= makerWorth.Amount {
		takerReceives, err = takerForSale.MulDown(matchPrice)
		if err != nil {
			return true, err
		}
		if takerReceives.Amount == 0 {
			// The whole remainder is worth less than one unit at the
			// maker's price.
			e.cullOrder(taker)
			return true, nil
		}
		if rs.Has(rules.R615) {
			takerPays, err = takerReceives.MulUp(matchPrice)
			if err != nil {
				return true, err
			}
		} else {
			takerPays = takerForSale
		}
		takerDone = true
	} else {
		takerReceives = maker.AmountForSale()
		if rs.Has(rules.R615) {
			takerPays, err = takerReceives.MulUp(matchPrice)
		} else {
			takerPays, err = takerReceives.MulDown(matchPrice)
		}
		if err != nil {
			return true, err
		}
	}

	e.settleLimitFill(taker, takerPays, takerReceives, maker, takerReceives, takerPays, matchPrice)
	return takerDone, nil
}

// settleLimitFill applies one limit-vs-limit fill: moves escrow, charges
// market fees, culls exhausted or dusty remainders, emits one fill event.
func (e *Engine) settleLimitFill(taker *model.LimitOrder, takerPays, takerReceives model.AssetAmount,
	maker *model.LimitOrder, makerPays, makerReceives model.AssetAmount, matchPrice model.Price) {
	takerFee := e.chargeMarketFee(takerReceives)
	makerFee := e.chargeMarketFee(makerReceives)

	taker.ForSale -= takerPays.Amount
	maker.ForSale -= makerPays.Amount

	e.mustAdjust(taker.Owner, model.AssetAmount{Asset: takerReceives.Asset, Amount: takerReceives.Amount - takerFee})
	e.mustAdjust(maker.Owner, model.AssetAmount{Asset: makerReceives.Asset, Amount: makerReceives.Amount - makerFee})

	if maker.ForSale == 0 {
		e.removeOrder(maker)
	} else {
		e.maybeCullSmall(maker)
	}

	e.emit(event.KindFill, event.FillPayload{
		TakerSide:      event.SideLimit,
		MakerSide:      event.SideLimit,
		TakerID:        taker.ID,
		MakerID:        maker.ID,
		TakerOwner:     taker.Owner,
		MakerOwner:     maker.Owner,
		TakerPays:      event.ViewAmount(takerPays, e.assets[takerPays.Asset].Precision),
		TakerReceives:  event.ViewAmount(takerReceives, e.assets[takerReceives.Asset].Precision),
		Price:          event.ViewPrice(matchPrice),
		TakerMarketFee: takerFee,
		MakerMarketFee: makerFee,
	})
	metrics.FillsTotal.WithLabelValues("limit_limit").Inc()
}

// chargeMarketFee accrues the receive-side issuer fee and returns it.
func (e *Engine) chargeMarketFee(receives model.AssetAmount) model.Amount {
	a := e.assets[receives.Asset]
	if a.MarketFeePercent == 0 || receives.Amount == 0 {
		return 0
	}
	// floor(amount * pct / 10000) without overflowing the product.
	pct := int64(a.MarketFeePercent)
	fee := receives.Amount/model.PercentDenom*pct + receives.Amount%model.PercentDenom*pct/model.PercentDenom
	a.AccumulatedMarketFees += fee
	return fee
}
