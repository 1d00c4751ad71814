package engine

import (
	"go.uber.org/zap"

	"github.com/ecolom-kz/kreel-core/internal/market/event"
	"github.com/ecolom-kz/kreel-core/internal/market/model"
	"github.com/ecolom-kz/kreel-core/pkg/errors"
	"github.com/ecolom-kz/kreel-core/pkg/metrics"
)

// AdjustDebtPosition creates, updates or closes the owner's debt position
// in a collateralized asset. Deltas are signed: positive debt mints stable
// to the owner, positive collateral locks backing from the owner. A nil
// tcr leaves the target collateral ratio unchanged.
//
// A position may not end up margin called unless it already was and the
// adjustment strictly improved its collateralization; closing is always
// allowed but must zero both sides together.
func (e *Engine) AdjustDebtPosition(owner model.AccountID, asset model.AssetID,
	debtDelta, collDelta model.Amount, tcr *uint16) (uint64, error) {
	if owner == "" {
		return 0, errors.Validation("position without owner")
	}
	a, ok := e.assets[asset]
	if !ok {
		return 0, errors.NotFound("asset %d is not registered", asset)
	}
	ba := a.Bitasset
	if ba == nil {
		return 0, errors.Validation("asset %s is not collateralized", a.Symbol)
	}
	if ba.HasSettlement {
		return 0, errors.Settled("asset %s is globally settled", a.Symbol)
	}
	if debtDelta == 0 && collDelta == 0 && tcr == nil {
		return 0, errors.Validation("position adjustment changes nothing")
	}

	tbl := e.tables[asset]
	existing := tbl.ByOwner(owner)
	var oldDebt, oldColl model.Amount
	if existing != nil {
		oldDebt, oldColl = existing.Debt.Amount, existing.Collateral.Amount
	} else if debtDelta == 0 && collDelta == 0 {
		return 0, errors.NotFound("account %s has no position in %s", owner, a.Symbol)
	}

	newDebt := oldDebt + debtDelta
	newColl := oldColl + collDelta
	if newDebt < 0 || newColl < 0 {
		return 0, errors.Validation("adjustment below zero: debt %d collateral %d", newDebt, newColl)
	}
	if (newDebt == 0) != (newColl == 0) {
		return 0, errors.Validation("debt and collateral must close together")
	}
	if newDebt > model.MaxShareSupply || newColl > model.MaxShareSupply ||
		a.CurrentSupply+debtDelta > model.MaxShareSupply {
		return 0, errors.Validation("adjustment exceeds the maximum share supply")
	}
	newTCR := uint16(0)
	if existing != nil {
		newTCR = existing.TargetCollateralRatio
	}
	if tcr != nil {
		if *tcr != 0 && *tcr > model.MaxCollateralRatio {
			return 0, errors.Validation("target collateral ratio %d out of range", *tcr)
		}
		newTCR = *tcr
	}
	if debtDelta < 0 && e.ledger.Balance(owner, asset) < -debtDelta {
		return 0, errors.Insufficient("account %s cannot repay %d %s", owner, -debtDelta, a.Symbol)
	}
	if collDelta > 0 && e.ledger.Balance(owner, ba.Backing) < collDelta {
		return 0, errors.Insufficient("account %s cannot lock %d collateral", owner, collDelta)
	}

	var legacyKey model.Price
	if newDebt > 0 {
		feedv := ba.CurrentFeed
		if feedv == nil {
			return 0, errors.StaleFeed("asset %s has no valid price feed", a.Symbol)
		}
		maintenance, err := feedv.MaintenanceCollateralization()
		if err != nil {
			return 0, err
		}
		newCR := model.Price{
			Base:  model.AssetAmount{Asset: ba.Backing, Amount: newColl},
			Quote: model.AssetAmount{Asset: asset, Amount: newDebt},
		}
		if newCR.Less(maintenance) {
			if existing == nil {
				return 0, errors.Precondition("new position would be margin called immediately")
			}
			if !newCR.Greater(existing.Collateralization()) {
				return 0, errors.Precondition("position stays margin called without improving collateralization")
			}
		}
		legacyKey, err = model.CallPrice(
			model.AssetAmount{Asset: asset, Amount: newDebt},
			model.AssetAmount{Asset: ba.Backing, Amount: newColl},
			feedv.MaintenanceCollateralRatio)
		if err != nil {
			return 0, err
		}
	}

	// Validation done; apply ledger flows and re-index.
	if debtDelta != 0 {
		e.mustAdjust(owner, model.AssetAmount{Asset: asset, Amount: debtDelta})
		a.CurrentSupply += debtDelta
	}
	if collDelta != 0 {
		e.mustAdjust(owner, model.AssetAmount{Asset: ba.Backing, Amount: -collDelta})
	}

	if existing != nil {
		tbl.Remove(existing.ID)
	}
	if newDebt == 0 {
		e.emit(event.KindPositionClosed, event.PositionPayload{
			PositionID: existing.ID,
			Owner:      owner,
			Debt:       event.ViewAmount(model.AssetAmount{Asset: asset}, a.Precision),
			Collateral: event.ViewAmount(model.AssetAmount{Asset: ba.Backing}, e.assets[ba.Backing].Precision),
		})
		metrics.OpenPositions.WithLabelValues(a.Symbol).Set(float64(tbl.Len()))
		metrics.OperationsTotal.WithLabelValues("adjust_position", "ok").Inc()
		return existing.ID, nil
	}

	pos := existing
	if pos == nil {
		pos = &model.CallPosition{ID: e.nextPositionID, Owner: owner}
		e.nextPositionID++
	}
	pos.Debt = model.AssetAmount{Asset: asset, Amount: newDebt}
	pos.Collateral = model.AssetAmount{Asset: ba.Backing, Amount: newColl}
	pos.TargetCollateralRatio = newTCR
	pos.LegacyCallPrice = legacyKey
	if err := tbl.Insert(pos); err != nil {
		e.log.Error("position index failed", zap.Uint64("position", pos.ID), zap.Error(err))
		return 0, err
	}

	e.emit(event.KindPositionUpdate, event.PositionPayload{
		PositionID: pos.ID,
		Owner:      owner,
		Debt:       event.ViewAmount(pos.Debt, a.Precision),
		Collateral: event.ViewAmount(pos.Collateral, e.assets[ba.Backing].Precision),
	})
	metrics.OpenPositions.WithLabelValues(a.Symbol).Set(float64(tbl.Len()))
	metrics.OperationsTotal.WithLabelValues("adjust_position", "ok").Inc()

	rs := e.ruleset()
	e.marginDirty[asset] = true
	e.checkCallOrders(a, rs, true)
	return pos.ID, nil
}
