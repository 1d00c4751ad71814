package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// StateDump renders the full engine state as canonical sorted text. Two
// engines that processed the same operations in the same order produce
// byte-identical dumps.
func (e *Engine) StateDump() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "time=%d\n", e.now.Unix())
	fmt.Fprintf(&sb, "next asset=%d order=%d position=%d settle=%d\n",
		e.nextAssetID, e.nextOrderID, e.nextPositionID, e.nextSettleID)

	for _, id := range e.assetIDs {
		a := e.assets[id]
		fmt.Fprintf(&sb, "asset %d %s prec=%d supply=%d mfee=%d/%d\n",
			a.ID, a.Symbol, a.Precision, a.CurrentSupply, a.MarketFeePercent, a.AccumulatedMarketFees)
		ba := a.Bitasset
		if ba == nil {
			continue
		}
		fmt.Fprintf(&sb, "  bitasset backing=%d cfees=%d svol=%d\n",
			ba.Backing, ba.AccumulatedCollateralFees, ba.ForceSettledVolume)
		if f := ba.CurrentFeed; f != nil {
			fmt.Fprintf(&sb, "  feed %s mcr=%d mssr=%d\n",
				f.SettlementPrice, f.MaintenanceCollateralRatio, f.MaxShortSqueezeRatio)
		}
		if ba.HasSettlement {
			fmt.Fprintf(&sb, "  settled fund=%d price=%s\n", ba.SettlementFund, ba.SettlementPrice)
		}
		for _, c := range e.tables[id].Snapshot() {
			fmt.Fprintf(&sb, "  call %d %s debt=%d coll=%d tcr=%d key=%s\n",
				c.ID, c.Owner, c.Debt.Amount, c.Collateral.Amount,
				c.TargetCollateralRatio, c.LegacyCallPrice)
		}
	}

	for _, key := range e.sortedPairs() {
		bk := e.books[key]
		if bk.Len() == 0 {
			continue
		}
		fmt.Fprintf(&sb, "book %d->%d\n", key.sell, key.receive)
		for _, o := range bk.Snapshot() {
			fmt.Fprintf(&sb, "  order %d %s price=%s sale=%d exp=%d\n",
				o.ID, o.Owner, o.SellPrice, o.ForSale, o.Expiration.Unix())
		}
	}

	for _, r := range e.SettleRequests() {
		fmt.Fprintf(&sb, "settle %d %s owner=%s amount=%d/%d at=%d\n",
			r.ID, r.Receipt, r.Owner, r.Amount.Amount, r.Amount.Asset, r.SettleAt.Unix())
	}

	if d, ok := e.ledger.(interface{ Dump() string }); ok {
		sb.WriteString("ledger\n")
		sb.WriteString(d.Dump())
	}
	return sb.String()
}

// StateDigest is the sha256 of the canonical dump, hex encoded.
func (e *Engine) StateDigest() string {
	sum := sha256.Sum256([]byte(e.StateDump()))
	return hex.EncodeToString(sum[:])
}
