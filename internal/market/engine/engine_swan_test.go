package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecolom-kz/kreel-core/internal/market/model"
	"github.com/ecolom-kz/kreel-core/internal/market/rules"
)

// TestSwanDetectionUsesLiveCollateralization: a partial cover in the
// stale-key era leaves the covered position hiding the truly sinking one
// behind it in the stored call price index. Once detection fetches by
// live collateralization the crash is caught and settles at the least
// collateralized position, below the crashed feed.
func TestSwanDetectionUsesLiveCollateralization(t *testing.T) {
	t1 := genesisTime.Add(time.Hour)
	sched := rules.Schedule{
		rules.R1270:   rules.Never,
		rules.RBSIP74: rules.Never,
		rules.R2481:   rules.Never,
	}
	for _, r := range []rules.Revision{
		rules.R338, rules.R343, rules.R453, rules.R606,
		rules.R615, rules.R625, rules.R649, rules.R834,
	} {
		sched[r] = t1
	}

	f := newMarket(t, sched, 0, model.DefaultBitassetOptions())
	f.fundCore(borrower, borrower2, borrower3)
	f.publishPrice(1, 5)
	f.borrow(borrower, 1000, 15000)
	f.borrow(borrower2, 1000, 15500)
	f.borrow(borrower3, 1000, 16000)
	f.transferStable(borrower, seller, 1000)
	f.publishPrice(1, 10)

	// Legacy fill at the order's own price; the stored call price of the
	// covered position is not refreshed in this era.
	assert.Nil(t, f.eng.FindOrder(f.sellStable(seller, 707, 6464)))
	f.requirePosition(borrower, 293, 8536)
	assert.Equal(t, model.Amount(6464), f.bal(seller, f.core))

	// Crash before the activation boundary: the publish path does not run
	// swan detection yet.
	f.publishPrice(1, 20)
	require.False(t, f.bitasset().HasSettlement)

	// First block past the boundary re-runs the margin pass. The stored
	// index would offer the comfortable covered position first and see no
	// swan; fetching by live ratio finds the sinking one and settles.
	f.eng.OnBlockEnd(t1.Add(time.Second))
	ba := f.bitasset()
	require.True(t, ba.HasSettlement)

	assert.Equal(t, model.Amount(35542), ba.SettlementFund)
	assert.Equal(t, model.Amount(2293), ba.SettlementPrice.Base.Amount)
	assert.Equal(t, model.Amount(35542), ba.SettlementPrice.Quote.Amount)
	assert.Equal(t, initBalance-15000+3994, f.bal(borrower, f.core))
	assert.Equal(t, initBalance-15500, f.bal(borrower2, f.core))
	assert.Equal(t, initBalance-16000+500, f.bal(borrower3, f.core))

	// Redeeming against the fund pays at the frozen price.
	f.transferStable(borrower2, seller, 1000)
	f.settle(seller, 1000)
	assert.Equal(t, model.Amount(6464+15500), f.bal(seller, f.core))
	assert.Equal(t, model.Amount(20042), ba.SettlementFund)
	assert.Equal(t, model.Amount(1293), f.stableAsset().CurrentSupply)
}

// TestSwanThresholdAccountsForMarginCallFee: a resting bid that would
// just barely absorb the least call stops being good enough once its
// price is shaved by the margin call fee ratio, tipping the market into
// global settlement that a fee-free market avoids.
func TestSwanThresholdAccountsForMarginCallFee(t *testing.T) {
	run := func(mcfr uint16) *marketFix {
		opts := model.DefaultBitassetOptions()
		opts.MarginCallFeeRatio = mcfr
		f := newMarket(t, scheduleWithout(rules.R2481), 0, opts)
		f.fundCore(borrower, borrower2)
		f.publishPrice(1, 5)
		f.borrow(borrower, 1000, 15000)
		f.borrow(borrower2, 1000, 20000)
		f.transferStable(borrower, seller, 1000)
		f.transferStable(borrower2, seller, 1000)
		id := f.sellStable(seller, 1000, 14900)
		require.NotNil(t, f.eng.FindOrder(id))
		f.publishPrice(1, 18)
		return f
	}

	// With the fee the bid nets 14900/1.008 per unit, short of the least
	// position's breakeven: swan. Settlement prices at the crashed feed,
	// capped per position, with no fee skim in this era.
	withFee := run(80)
	ba := withFee.bitasset()
	require.True(t, ba.HasSettlement)
	assert.Equal(t, model.Amount(33000), ba.SettlementFund)
	assert.Equal(t, model.Amount(0), ba.AccumulatedCollateralFees)
	assert.Equal(t, model.Amount(2000), ba.SettlementPrice.Base.Amount)
	assert.Equal(t, initBalance-15000, withFee.bal(borrower, withFee.core))
	assert.Equal(t, initBalance-20000+2000, withFee.bal(borrower2, withFee.core))
	orders := withFee.eng.Orders(withFee.usd, withFee.core)
	require.Len(t, orders, 1, "the bid survives settlement untouched")
	assert.Equal(t, model.Amount(1000), orders[0].ForSale)

	// Fee-free, the same bid holds the line: it closes the first position
	// outright and the second stays just above its own breakeven.
	noFee := run(0)
	require.False(t, noFee.bitasset().HasSettlement)
	noFee.requireNoPosition(borrower)
	noFee.requirePosition(borrower2, 1000, 20000)
	assert.Equal(t, initBalance-15000+100, noFee.bal(borrower, noFee.core))
	assert.Equal(t, model.Amount(14900), noFee.bal(seller, noFee.core))
	assert.Empty(t, noFee.eng.Orders(noFee.usd, noFee.core))
}

// TestGlobalSettlementSharesSqueezePremium: under the strict revision the
// fund is priced at the least collateralized position; positions that
// were margin called forfeit the squeeze premium as collateral fee,
// healthy ones only contribute the discounted credit.
func TestGlobalSettlementSharesSqueezePremium(t *testing.T) {
	opts := model.DefaultBitassetOptions()
	opts.MarginCallFeeRatio = 80
	f := newMarket(t, scheduleAll(), 0, opts)
	f.fundCore(borrower, borrower2, borrower3)
	f.publishPrice(1, 5)
	f.borrow(borrower, 1000, 15000)
	f.borrow(borrower2, 1000, 20000)
	f.borrow(borrower3, 1000, 40000)
	f.transferStable(borrower, seller, 1000)
	f.transferStable(borrower2, seller, 1000)
	f.transferStable(borrower3, seller, 1000)

	id := f.sellStable(seller, 1000, 14900)
	require.NotNil(t, f.eng.FindOrder(id))

	// Strict detection ignores the resting bid entirely.
	f.publishPrice(1, 18)
	ba := f.bitasset()
	require.True(t, ba.HasSettlement)
	require.NotNil(t, f.eng.FindOrder(id))

	// Each position owes 15 core per unit at the least-collateralized
	// price; the fund books the 1/1.1 credit of 13637 per position. The
	// two called positions lose the premium as fee, the healthy third
	// pays only the credit.
	assert.Equal(t, model.Amount(3*13637), ba.SettlementFund)
	assert.Equal(t, model.Amount(2*1363), ba.AccumulatedCollateralFees)
	assert.Equal(t, model.Amount(3000), ba.SettlementPrice.Base.Amount)
	assert.Equal(t, initBalance-15000, f.bal(borrower, f.core))
	assert.Equal(t, initBalance-20000+5000, f.bal(borrower2, f.core))
	assert.Equal(t, initBalance-40000+26363, f.bal(borrower3, f.core))

	f.settle(seller, 1000)
	assert.Equal(t, model.Amount(13637), f.bal(seller, f.core))
}
