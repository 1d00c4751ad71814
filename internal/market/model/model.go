// Package model holds the market primitives: assets, amounts, exact
// rational prices, price feeds, limit orders and collateralized debt
// positions. Matching never touches floating point; every conversion in
// this package is integer-exact with an explicit rounding direction.
package model

import (
	"time"
)

// AssetID identifies a registered asset.
type AssetID uint32

// AccountID is an opaque handle to an external account.
type AccountID string

// Amount is a raw integer quantity of some asset.
type Amount = int64

// MaxAmount is the largest representable asset amount.
const MaxAmount Amount = 1<<63 - 1

// PercentDenom is the denominator for per-10000 ratios (market fees,
// margin call fees, settlement offsets).
const PercentDenom = 10000

// RatioDenom is the denominator for per-mille collateral ratios (MCR, MSSR).
const RatioDenom = 1000

// AssetAmount pairs an amount with the asset it is denominated in.
type AssetAmount struct {
	Asset  AssetID `json:"asset"`
	Amount Amount  `json:"amount"`
}

// Asset describes a registered asset. Bitasset is nil for plain assets.
type Asset struct {
	ID        AssetID
	Symbol    string
	Precision uint8

	// MarketFeePercent is charged per-10000 on limit order receives.
	MarketFeePercent      uint16
	AccumulatedMarketFees Amount

	// CurrentSupply tracks issuance for the conservation invariant. For
	// collateralized assets it changes only through debt adjustment,
	// fills against calls, and settlements.
	CurrentSupply Amount

	Bitasset *Bitasset
}

// BitassetOptions are the owner-set parameters of a collateralized asset.
type BitassetOptions struct {
	// FeedLifetime bounds how long a producer feed stays current.
	FeedLifetime time.Duration
	// MinimumFeeds is the producer quorum below which the median is void.
	MinimumFeeds int
	// ForceSettleDelay is the queue time between a settle request and its
	// execution at feed price.
	ForceSettleDelay time.Duration
	// ForceSettleOffset is a per-10000 haircut applied at execution.
	ForceSettleOffset uint16
	// MaxForceSettleVolume caps settled volume per window, per-10000 of
	// current supply.
	MaxForceSettleVolume uint16
	// MarginCallFeeRatio (MCFR) is the per-10000 skim on margin call
	// collateral payouts. Zero disables the fee.
	MarginCallFeeRatio uint16
}

// DefaultBitassetOptions mirror the chain defaults used in tests.
func DefaultBitassetOptions() BitassetOptions {
	return BitassetOptions{
		FeedLifetime:         24 * time.Hour,
		MinimumFeeds:         1,
		ForceSettleDelay:     24 * time.Hour,
		ForceSettleOffset:    0,
		MaxForceSettleVolume: 2000,
		MarginCallFeeRatio:   0,
	}
}

// Bitasset is the live state of a collateralized stable asset.
type Bitasset struct {
	Asset   AssetID
	Backing AssetID
	Options BitassetOptions

	// CurrentFeed is the median over unexpired producer feeds, nil when
	// the quorum is not met. Margin machinery is suspended while nil.
	CurrentFeed *PriceFeed

	// Global settlement state. While HasSettlement is true the asset
	// trades but no margin positions exist; SettlementPrice is frozen at
	// the realized fund-per-debt ratio.
	HasSettlement   bool
	SettlementPrice Price
	SettlementFund  Amount

	// AccumulatedCollateralFees holds margin call fee skim (backing asset).
	AccumulatedCollateralFees Amount

	// ForceSettledVolume counts stable settled in the current window.
	ForceSettledVolume Amount
	VolumeWindowStart  time.Time
}

// MarginCallParamsValid reports whether margin machinery can run: a live
// feed and no global settlement.
func (b *Bitasset) MarginCallParamsValid() bool {
	return b != nil && !b.HasSettlement && b.CurrentFeed != nil
}
