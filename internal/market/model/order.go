package model

import (
	"time"
)

// LimitOrder is a resting offer to sell ForSale units of the sell asset at
// SellPrice or better. IDs are assigned monotonically by the engine; price
// ties resolve toward the lower id.
type LimitOrder struct {
	ID    uint64    `json:"id"`
	Owner AccountID `json:"owner"`

	// SellPrice is quoted sell-asset over receive-asset: base is what the
	// order gives, quote is the minimum it takes in return.
	SellPrice Price  `json:"sell_price"`
	ForSale   Amount `json:"for_sale"`

	Expiration time.Time `json:"expiration"`
	Created    time.Time `json:"created"`
}

// SellAsset is the asset the order pays out.
func (o *LimitOrder) SellAsset() AssetID { return o.SellPrice.Base.Asset }

// ReceiveAsset is the asset the order collects.
func (o *LimitOrder) ReceiveAsset() AssetID { return o.SellPrice.Quote.Asset }

// AmountForSale is the remaining escrowed quantity.
func (o *LimitOrder) AmountForSale() AssetAmount {
	return AssetAmount{Asset: o.SellAsset(), Amount: o.ForSale}
}

// AmountToReceive is what the remainder is worth at the order's own price,
// rounded down. A zero here marks the order as dust.
func (o *LimitOrder) AmountToReceive() (AssetAmount, error) {
	return o.AmountForSale().MulDown(o.SellPrice)
}

// CallPosition is a collateralized debt position: Collateral of the backing
// asset locked against Debt units of issued stable.
type CallPosition struct {
	ID    uint64    `json:"id"`
	Owner AccountID `json:"owner"`

	Debt       AssetAmount `json:"debt"`
	Collateral AssetAmount `json:"collateral"`

	// TargetCollateralRatio, per-mille, bounds how much a margin call fill
	// may cover. Zero means unset: cover as much as the taker allows.
	TargetCollateralRatio uint16 `json:"target_collateral_ratio,omitempty"`

	// LegacyCallPrice is the stored margin trigger computed from the MCR
	// current at the last position update. Older revisions sort and detect
	// margin calls on it; it goes stale when MCR moves.
	LegacyCallPrice Price `json:"legacy_call_price"`
}

// Collateralization is the live collateral-per-debt rate of the position.
func (c *CallPosition) Collateralization() Price {
	return Price{Base: c.Collateral, Quote: c.Debt}
}

// MarginCalled reports whether the position sits below the maintenance
// boundary derived from the feed.
func (c *CallPosition) MarginCalled(maintenance Price) bool {
	return c.Collateralization().Less(maintenance)
}

// SettleRequest is a queued force settlement: Amount of the stable escrowed
// until SettleAt, then executed against the least-collateralized positions.
type SettleRequest struct {
	ID      uint64      `json:"id"`
	Receipt string      `json:"receipt"`
	Owner   AccountID   `json:"owner"`
	Amount  AssetAmount `json:"amount"`

	SettleAt time.Time `json:"settle_at"`
	Created  time.Time `json:"created"`
}
