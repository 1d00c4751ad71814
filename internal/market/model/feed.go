package model

import (
	"github.com/ecolom-kz/kreel-core/pkg/errors"
)

// MaxShareSupply bounds any single asset amount accepted from the outside,
// keeping all derived ratio math far from the 64-bit edge.
const MaxShareSupply Amount = 1_000_000_000_000_000

// Collateral ratio bounds (per-mille).
const (
	MinCollateralRatio uint16 = 1001
	MaxCollateralRatio uint16 = 32000
)

// PriceFeed is one producer's view of a collateralized asset: the
// settlement price (debt per collateral) plus the two per-mille ratios
// driving margin calls.
type PriceFeed struct {
	SettlementPrice Price `json:"settlement_price"`
	// MaintenanceCollateralRatio (MCR): minimum collateral/debt, per-mille.
	MaintenanceCollateralRatio uint16 `json:"maintenance_collateral_ratio"`
	// MaxShortSqueezeRatio (MSSR): caps the margin call premium, per-mille.
	MaxShortSqueezeRatio uint16 `json:"max_short_squeeze_ratio"`
}

// Validate rejects feeds the aggregator must not accept.
func (f PriceFeed) Validate(debtAsset, backingAsset AssetID) error {
	p := f.SettlementPrice
	if !p.IsValid() {
		return errors.Validation("feed settlement price is invalid")
	}
	if p.Base.Asset != debtAsset || p.Quote.Asset != backingAsset {
		return errors.Validation("feed price quoted over wrong pair %d/%d", p.Base.Asset, p.Quote.Asset)
	}
	if p.Base.Amount > MaxShareSupply || p.Quote.Amount > MaxShareSupply {
		return errors.Validation("feed price amounts exceed max supply")
	}
	if f.MaintenanceCollateralRatio < MinCollateralRatio || f.MaintenanceCollateralRatio > MaxCollateralRatio {
		return errors.Validation("MCR %d out of range", f.MaintenanceCollateralRatio)
	}
	if f.MaxShortSqueezeRatio < RatioDenom || f.MaxShortSqueezeRatio > MaxCollateralRatio {
		return errors.Validation("MSSR %d out of range", f.MaxShortSqueezeRatio)
	}
	return nil
}

// MaxShortSqueezePrice (MSSP) is the floor price for margin call fills:
// the settlement price discounted by MSSR. Quoted debt per collateral,
// like the settlement price itself.
func (f PriceFeed) MaxShortSqueezePrice() (Price, error) {
	return f.SettlementPrice.MulRatio(RatioDenom, uint64(f.MaxShortSqueezeRatio))
}

// MarginCallOrderPrice is what the taker side actually receives when the
// margin call fee ratio is nonzero: MSSP shaved by MCFR (per-10000). With
// mcfr == 0 it equals MSSP.
func (f PriceFeed) MarginCallOrderPrice(mcfr uint16) (Price, error) {
	mssp, err := f.MaxShortSqueezePrice()
	if err != nil {
		return Price{}, err
	}
	if mcfr == 0 {
		return mssp, nil
	}
	// Receiving less collateral per debt means a larger rational. Matched
	// at this price, the position pays exactly MSSP after the fee markup.
	return mssp.MulRatio(PercentDenom+uint64(mcfr), PercentDenom)
}

// MarginCallPaysPrice scales a match price up by MCFR: the collateral the
// position actually surrenders per unit of covered debt. The difference
// against what the taker receives is the margin call fee.
func MarginCallPaysPrice(matchPrice Price, mcfr uint16) (Price, error) {
	if mcfr == 0 {
		return matchPrice, nil
	}
	// matchPrice is debt/collateral; paying more collateral per debt means
	// a smaller rational, so scale the collateral side up.
	return matchPrice.MulRatio(PercentDenom, PercentDenom+uint64(mcfr))
}

// MaintenanceCollateralization converts the feed into the margin call
// boundary: the collateral per debt below which a position is called.
func (f PriceFeed) MaintenanceCollateralization() (Price, error) {
	return f.SettlementPrice.Invert().MulRatio(uint64(f.MaintenanceCollateralRatio), RatioDenom)
}
