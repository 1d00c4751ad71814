package engine

import (
	"fmt"
	"time"

	"github.com/ecolom-kz/kreel-core/internal/market/event"
	"github.com/ecolom-kz/kreel-core/internal/market/model"
	"github.com/ecolom-kz/kreel-core/internal/market/rules"
	"github.com/ecolom-kz/kreel-core/pkg/errors"
	"github.com/ecolom-kz/kreel-core/pkg/metrics"
)

// settleWindow is the interval after which the force settle volume
// counter resets.
const settleWindow = 24 * time.Hour

// ForceSettle redeems stable for collateral. On a settled asset it pays
// instantly from the fund at the frozen price. On a live asset the newest
// revision first matches margin-called positions on the spot; whatever is
// left (or, before that revision, everything) is escrowed and queued for
// execution after the settle delay.
func (e *Engine) ForceSettle(owner model.AccountID, amount model.AssetAmount) (string, error) {
	if owner == "" {
		return "", errors.Validation("settle without owner")
	}
	a, ok := e.assets[amount.Asset]
	if !ok {
		return "", errors.NotFound("asset %d is not registered", amount.Asset)
	}
	ba := a.Bitasset
	if ba == nil {
		return "", errors.Validation("asset %s is not collateralized", a.Symbol)
	}
	if amount.Amount <= 0 || amount.Amount > model.MaxShareSupply {
		return "", errors.Validation("settle amount %d out of range", amount.Amount)
	}
	if e.ledger.Balance(owner, amount.Asset) < amount.Amount {
		return "", errors.Insufficient("account %s cannot fund settlement of %d", owner, amount.Amount)
	}

	// Receipts are consensus state, so they derive from the id counter
	// rather than anything random.
	id := e.nextSettleID
	e.nextSettleID++
	receipt := fmt.Sprintf("stl-%d", id)

	if ba.HasSettlement {
		e.mustAdjust(owner, model.AssetAmount{Asset: amount.Asset, Amount: -amount.Amount})
		e.settleFromFund(a, owner, amount, receipt, id)
		metrics.OperationsTotal.WithLabelValues("force_settle", "ok").Inc()
		return receipt, nil
	}

	if ba.CurrentFeed == nil {
		return "", errors.StaleFeed("asset %s has no valid price feed", a.Symbol)
	}

	rs := e.ruleset()
	remaining := amount
	if rs.Has(rules.R2481) {
		settled, err := e.settleAgainstCalls(a, owner, remaining, receipt, rs)
		if err != nil {
			return "", err
		}
		remaining.Amount -= settled
	}
	if remaining.Amount > 0 {
		e.mustAdjust(owner, model.AssetAmount{Asset: remaining.Asset, Amount: -remaining.Amount})
		r := &model.SettleRequest{
			ID:       id,
			Receipt:  receipt,
			Owner:    owner,
			Amount:   remaining,
			SettleAt: e.now.Add(ba.Options.ForceSettleDelay),
			Created:  e.now,
		}
		e.settleQueue.Set(r)
		e.emit(event.KindSettleQueued, event.SettlePayload{
			RequestID: r.ID,
			Receipt:   receipt,
			Owner:     owner,
			Settled:   event.ViewAmount(remaining, a.Precision),
		})
	}
	metrics.OperationsTotal.WithLabelValues("force_settle", "ok").Inc()
	return receipt, nil
}

// settleFromFund redeems already-collected stable against the settlement
// fund at the frozen price. Payout rounds down and is capped by what the
// fund still holds.
func (e *Engine) settleFromFund(a *model.Asset, owner model.AccountID,
	amount model.AssetAmount, receipt string, requestID uint64) {
	ba := a.Bitasset
	var payout model.AssetAmount
	if ba.SettlementPrice.IsValid() {
		if out, err := amount.MulDown(ba.SettlementPrice); err == nil {
			payout = out
		}
	}
	payout.Asset = ba.Backing
	if payout.Amount > ba.SettlementFund {
		payout.Amount = ba.SettlementFund
	}
	ba.SettlementFund -= payout.Amount
	a.CurrentSupply -= amount.Amount
	if payout.Amount > 0 {
		e.mustAdjust(owner, payout)
	}
	e.emit(event.KindSettleExecuted, event.SettlePayload{
		RequestID: requestID,
		Receipt:   receipt,
		Owner:     owner,
		Settled:   event.ViewAmount(amount, a.Precision),
		Received:  event.ViewAmount(payout, e.assets[ba.Backing].Precision),
	})
	metrics.FillsTotal.WithLabelValues("settle_fund").Inc()
	metrics.SettlementFund.WithLabelValues(a.Symbol).Set(float64(ba.SettlementFund))
}

// settleAgainstCalls instantly matches a settle against margin-called
// positions: the settler receives at the margin call order price, the
// position pays at the squeeze price, the spread accrues as fee. Stops at
// the first position that is not margin called or when the window volume
// cap is hit. Returns how much stable was settled.
func (e *Engine) settleAgainstCalls(a *model.Asset, owner model.AccountID,
	amount model.AssetAmount, receipt string, rs rules.Ruleset) (model.Amount, error) {
	ba := a.Bitasset
	feedv := *ba.CurrentFeed
	mcop, err := feedv.MarginCallOrderPrice(e.eraMCFR(ba, rs))
	if err != nil {
		return 0, err
	}
	mssp, err := feedv.MaxShortSqueezePrice()
	if err != nil {
		return 0, err
	}
	maintenance, err := feedv.MaintenanceCollateralization()
	if err != nil {
		return 0, err
	}

	e.rollSettleWindow(ba)
	capLeft := e.settleVolumeLeft(a, ba)

	tbl := e.tables[a.ID]
	var settled model.Amount
	for amount.Amount > 0 && capLeft > 0 {
		call := e.eraLeastCall(tbl, rs)
		if call == nil || !call.MarginCalled(maintenance) {
			break
		}
		cover := amount.Amount
		if cover > capLeft {
			cover = capLeft
		}
		if cover > call.Debt.Amount {
			cover = call.Debt.Amount
		}
		coverAA := model.AssetAmount{Asset: a.ID, Amount: cover}
		receives, err := coverAA.MulDown(mcop)
		if err != nil || receives.Amount == 0 {
			break
		}
		callPays, err := coverAA.MulUp(mssp)
		if err != nil {
			break
		}
		if cover == call.Debt.Amount && callPays.Amount > call.Collateral.Amount {
			callPays.Amount = call.Collateral.Amount
		}
		if callPays.Amount < receives.Amount {
			receives.Amount = callPays.Amount
		}
		fee := callPays.Amount - receives.Amount

		e.mustAdjust(owner, model.AssetAmount{Asset: a.ID, Amount: -cover})
		e.fillCall(call, ba, callPays, coverAA, rs)
		if fee > 0 {
			ba.AccumulatedCollateralFees += fee
			metrics.CollateralFees.WithLabelValues(a.Symbol).Set(float64(ba.AccumulatedCollateralFees))
		}
		e.mustAdjust(owner, receives)

		amount.Amount -= cover
		settled += cover
		capLeft -= cover
		ba.ForceSettledVolume += cover

		e.emit(event.KindSettleExecuted, event.SettlePayload{
			Receipt:  receipt,
			Owner:    owner,
			Settled:  event.ViewAmount(coverAA, a.Precision),
			Received: event.ViewAmount(receives, e.assets[ba.Backing].Precision),
		})
		metrics.FillsTotal.WithLabelValues("settle_call").Inc()
	}
	return settled, nil
}

// rollSettleWindow resets the settle volume counter when the window lapsed.
func (e *Engine) rollSettleWindow(ba *model.Bitasset) {
	if e.now.Sub(ba.VolumeWindowStart) >= settleWindow {
		ba.ForceSettledVolume = 0
		ba.VolumeWindowStart = e.now
	}
}

// settleVolumeLeft is the stable still settleable in the current window,
// per the per-10000-of-supply cap.
func (e *Engine) settleVolumeLeft(a *model.Asset, ba *model.Bitasset) model.Amount {
	maxVol := a.CurrentSupply/model.PercentDenom*int64(ba.Options.MaxForceSettleVolume) +
		a.CurrentSupply%model.PercentDenom*int64(ba.Options.MaxForceSettleVolume)/model.PercentDenom
	left := maxVol - ba.ForceSettledVolume
	if left < 0 {
		return 0
	}
	return left
}

// executeDueSettlements runs queued settle requests whose delay elapsed:
// each executes against the least collateralized live position at the feed
// price less the settlement offset, subject to the window volume cap.
// Requests hitting the cap are postponed to the end of the window.
func (e *Engine) executeDueSettlements(rs rules.Ruleset) {
	var due []*model.SettleRequest
	e.settleQueue.Scan(func(r *model.SettleRequest) bool {
		if r.SettleAt.After(e.now) {
			return false
		}
		due = append(due, r)
		return true
	})

	for _, r := range due {
		e.settleQueue.Delete(r)
		a := e.assets[r.Amount.Asset]
		ba := a.Bitasset

		if ba.HasSettlement {
			e.settleFromFund(a, r.Owner, r.Amount, r.Receipt, r.ID)
			continue
		}
		if ba.CurrentFeed == nil || e.tables[a.ID].Len() == 0 {
			// Nothing to settle against; give the stable back.
			e.mustAdjust(r.Owner, r.Amount)
			e.emit(event.KindSettleExecuted, event.SettlePayload{
				RequestID: r.ID,
				Receipt:   r.Receipt,
				Owner:     r.Owner,
				Settled:   event.ViewAmount(model.AssetAmount{Asset: r.Amount.Asset}, a.Precision),
				Received:  event.ViewAmount(model.AssetAmount{Asset: r.Amount.Asset, Amount: r.Amount.Amount}, a.Precision),
			})
			continue
		}

		e.rollSettleWindow(ba)
		capLeft := e.settleVolumeLeft(a, ba)
		if capLeft == 0 {
			r.SettleAt = ba.VolumeWindowStart.Add(settleWindow)
			e.settleQueue.Set(r)
			continue
		}

		take := r.Amount.Amount
		if take > capLeft {
			take = capLeft
		}
		settled := e.executeSettleAgainstLive(a, r, take, rs)
		r.Amount.Amount -= settled
		if r.Amount.Amount > 0 {
			if settled == 0 {
				// No live position could absorb anything; try next window.
				r.SettleAt = ba.VolumeWindowStart.Add(settleWindow)
			}
			e.settleQueue.Set(r)
		}
	}
}

// executeSettleAgainstLive fills up to take units of a due request against
// live positions, least collateralized first. Returns the settled amount.
func (e *Engine) executeSettleAgainstLive(a *model.Asset, r *model.SettleRequest,
	take model.Amount, rs rules.Ruleset) model.Amount {
	ba := a.Bitasset
	feedv := *ba.CurrentFeed
	execPrice := feedv.SettlementPrice
	if off := ba.Options.ForceSettleOffset; off > 0 {
		p, err := execPrice.MulRatio(model.PercentDenom, model.PercentDenom-uint64(off))
		if err != nil {
			return 0
		}
		execPrice = p
	}

	tbl := e.tables[a.ID]
	var settled model.Amount
	for take > 0 {
		call := tbl.Least()
		if call == nil {
			break
		}
		cover := take
		if cover > call.Debt.Amount {
			cover = call.Debt.Amount
		}
		coverAA := model.AssetAmount{Asset: a.ID, Amount: cover}
		receives, err := coverAA.MulDown(execPrice)
		if err != nil || receives.Amount == 0 {
			break
		}
		if cover == call.Debt.Amount && receives.Amount > call.Collateral.Amount {
			receives.Amount = call.Collateral.Amount
		}
		e.fillCall(call, ba, receives, coverAA, rs)
		e.mustAdjust(r.Owner, receives)

		take -= cover
		settled += cover
		ba.ForceSettledVolume += cover

		e.emit(event.KindSettleExecuted, event.SettlePayload{
			RequestID: r.ID,
			Receipt:   r.Receipt,
			Owner:     r.Owner,
			Settled:   event.ViewAmount(coverAA, a.Precision),
			Received:  event.ViewAmount(receives, e.assets[ba.Backing].Precision),
		})
		metrics.FillsTotal.WithLabelValues("settle_call").Inc()
	}
	return settled
}
