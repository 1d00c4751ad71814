package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ecolom-kz/kreel-core/internal/market/model"
	"github.com/ecolom-kz/kreel-core/internal/market/rules"
	"github.com/ecolom-kz/kreel-core/pkg/errors"
)

var genesisTime = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

const (
	feeder    = model.AccountID("feeder")
	seller    = model.AccountID("seller")
	buyer     = model.AccountID("buyer")
	buyer2    = model.AccountID("buyer2")
	buyer3    = model.AccountID("buyer3")
	borrower  = model.AccountID("borrower")
	borrower2 = model.AccountID("borrower2")
	borrower3 = model.AccountID("borrower3")
)

const initBalance model.Amount = 1_000_000

// scheduleNone keeps every revision off: the earliest historical behavior.
func scheduleNone() rules.Schedule {
	s := rules.Schedule{}
	for _, r := range rules.Revisions() {
		s[r] = rules.Never
	}
	return s
}

// scheduleWithout activates everything from genesis except the given
// revisions.
func scheduleWithout(revs ...rules.Revision) rules.Schedule {
	s := rules.Schedule{}
	for _, r := range revs {
		s[r] = rules.Never
	}
	return s
}

func scheduleAll() rules.Schedule { return rules.Schedule{} }

// marketFix is one engine with a core asset and one collateralized stable,
// mirroring the fixtures the scenario tests replay.
type marketFix struct {
	t    *testing.T
	eng  *Engine
	led  *MemLedger
	core model.AssetID
	usd  model.AssetID
}

func newMarket(t *testing.T, sched rules.Schedule, stableFee uint16, opts model.BitassetOptions) *marketFix {
	t.Helper()
	led := NewMemLedger()
	eng := New(zap.NewNop(), led, sched, nil)
	eng.SetTime(genesisTime)

	core, err := eng.RegisterAsset("CORE", 5, 0)
	require.NoError(t, err)
	usd, err := eng.CreateBitasset("USDK", 4, stableFee, core, opts)
	require.NoError(t, err)
	require.NoError(t, eng.UpdateFeedProducers(usd, []model.AccountID{feeder}))

	return &marketFix{t: t, eng: eng, led: led, core: core, usd: usd}
}

func (f *marketFix) fundCore(owners ...model.AccountID) {
	for _, o := range owners {
		f.led.Credit(o, f.core, initBalance)
	}
}

func (f *marketFix) publish(debt, coll model.Amount, mcr, mssr uint16) {
	f.t.Helper()
	require.NoError(f.t, f.eng.PublishFeed(feeder, f.usd, model.PriceFeed{
		SettlementPrice: model.Price{
			Base:  model.AssetAmount{Asset: f.usd, Amount: debt},
			Quote: model.AssetAmount{Asset: f.core, Amount: coll},
		},
		MaintenanceCollateralRatio: mcr,
		MaxShortSqueezeRatio:       mssr,
	}))
}

func (f *marketFix) publishPrice(debt, coll model.Amount) {
	f.t.Helper()
	f.publish(debt, coll, 1750, 1100)
}

func (f *marketFix) borrow(owner model.AccountID, debt, coll model.Amount) {
	f.t.Helper()
	_, err := f.eng.AdjustDebtPosition(owner, f.usd, debt, coll, nil)
	require.NoError(f.t, err)
}

func (f *marketFix) borrowTCR(owner model.AccountID, debt, coll model.Amount, tcr uint16) {
	f.t.Helper()
	_, err := f.eng.AdjustDebtPosition(owner, f.usd, debt, coll, &tcr)
	require.NoError(f.t, err)
}

func (f *marketFix) transferStable(from, to model.AccountID, amount model.Amount) {
	f.t.Helper()
	require.NoError(f.t, f.led.Adjust(from, model.AssetAmount{Asset: f.usd, Amount: -amount}))
	f.led.Credit(to, f.usd, amount)
}

func (f *marketFix) sellStable(owner model.AccountID, stable, core model.Amount) uint64 {
	f.t.Helper()
	id, err := f.eng.PlaceLimitOrder(owner,
		model.AssetAmount{Asset: f.usd, Amount: stable},
		model.AssetAmount{Asset: f.core, Amount: core}, time.Time{})
	require.NoError(f.t, err)
	return id
}

func (f *marketFix) sellStableExp(owner model.AccountID, stable, core model.Amount, exp time.Time) uint64 {
	f.t.Helper()
	id, err := f.eng.PlaceLimitOrder(owner,
		model.AssetAmount{Asset: f.usd, Amount: stable},
		model.AssetAmount{Asset: f.core, Amount: core}, exp)
	require.NoError(f.t, err)
	return id
}

func (f *marketFix) sellCore(owner model.AccountID, core, stable model.Amount) uint64 {
	f.t.Helper()
	id, err := f.eng.PlaceLimitOrder(owner,
		model.AssetAmount{Asset: f.core, Amount: core},
		model.AssetAmount{Asset: f.usd, Amount: stable}, time.Time{})
	require.NoError(f.t, err)
	return id
}

func (f *marketFix) settle(owner model.AccountID, amount model.Amount) string {
	f.t.Helper()
	receipt, err := f.eng.ForceSettle(owner, model.AssetAmount{Asset: f.usd, Amount: amount})
	require.NoError(f.t, err)
	return receipt
}

func (f *marketFix) cancel(owner model.AccountID, id uint64) {
	f.t.Helper()
	require.NoError(f.t, f.eng.CancelLimitOrder(owner, id))
}

func (f *marketFix) bal(owner model.AccountID, asset model.AssetID) model.Amount {
	return f.led.Balance(owner, asset)
}

func (f *marketFix) bitasset() *model.Bitasset {
	a, err := f.eng.AssetByID(f.usd)
	require.NoError(f.t, err)
	return a.Bitasset
}

func (f *marketFix) stableAsset() *model.Asset {
	a, err := f.eng.AssetByID(f.usd)
	require.NoError(f.t, err)
	return a
}

func (f *marketFix) requirePosition(owner model.AccountID, debt, coll model.Amount) {
	f.t.Helper()
	pos := f.eng.PositionByOwner(f.usd, owner)
	require.NotNil(f.t, pos, "expected %s to hold a position", owner)
	assert.Equal(f.t, debt, pos.Debt.Amount, "%s debt", owner)
	assert.Equal(f.t, coll, pos.Collateral.Amount, "%s collateral", owner)
}

func (f *marketFix) requireNoPosition(owner model.AccountID) {
	f.t.Helper()
	require.Nil(f.t, f.eng.PositionByOwner(f.usd, owner), "expected %s position closed", owner)
}

func TestRegisterAssetValidation(t *testing.T) {
	f := newMarket(t, scheduleAll(), 0, model.DefaultBitassetOptions())

	_, err := f.eng.RegisterAsset("", 5, 0)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))

	_, err = f.eng.RegisterAsset("CORE", 5, 0)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err), "duplicate symbol")

	_, err = f.eng.RegisterAsset("GLD", 5, 10001)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err), "fee above 100%")

	_, err = f.eng.CreateBitasset("EURK", 4, 0, 999, model.DefaultBitassetOptions())
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err), "unknown backing asset")

	bad := model.DefaultBitassetOptions()
	bad.MinimumFeeds = 0
	_, err = f.eng.CreateBitasset("EURK", 4, 0, f.core, bad)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
}

func TestPublishFeedAuthorization(t *testing.T) {
	f := newMarket(t, scheduleAll(), 0, model.DefaultBitassetOptions())

	err := f.eng.PublishFeed("intruder", f.usd, model.PriceFeed{
		SettlementPrice: model.Price{
			Base:  model.AssetAmount{Asset: f.usd, Amount: 1},
			Quote: model.AssetAmount{Asset: f.core, Amount: 5},
		},
		MaintenanceCollateralRatio: 1750,
		MaxShortSqueezeRatio:       1100,
	})
	assert.Equal(t, errors.KindAuthorization, errors.KindOf(err))

	err = f.eng.PublishFeed(feeder, f.core, model.PriceFeed{})
	assert.Equal(t, errors.KindValidation, errors.KindOf(err), "core asset has no feeds")
}

func TestAdjustDebtPositionValidation(t *testing.T) {
	f := newMarket(t, scheduleAll(), 0, model.DefaultBitassetOptions())
	f.fundCore(borrower)

	// No feed yet: nothing to price a new position against.
	_, err := f.eng.AdjustDebtPosition(borrower, f.usd, 1000, 15000, nil)
	assert.Equal(t, errors.KindStaleFeed, errors.KindOf(err))

	f.publishPrice(1, 5)

	// Undercollateralized from the start: maintenance is 5 * 1.75 = 8.75.
	_, err = f.eng.AdjustDebtPosition(borrower, f.usd, 1000, 8000, nil)
	assert.Equal(t, errors.KindPrecondition, errors.KindOf(err))

	bad := uint16(60000)
	_, err = f.eng.AdjustDebtPosition(borrower, f.usd, 1000, 15000, &bad)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err), "tcr above the ratio ceiling")

	f.borrow(borrower, 1000, 15000)
	f.requirePosition(borrower, 1000, 15000)
	assert.Equal(t, model.Amount(1000), f.bal(borrower, f.usd))
	assert.Equal(t, initBalance-15000, f.bal(borrower, f.core))
	assert.Equal(t, model.Amount(1000), f.stableAsset().CurrentSupply)

	// Debt and collateral must reach zero together.
	_, err = f.eng.AdjustDebtPosition(borrower, f.usd, -1000, 0, nil)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))

	_, err = f.eng.AdjustDebtPosition(borrower, f.usd, 0, -16000, nil)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err), "collateral below zero")

	_, err = f.eng.AdjustDebtPosition(seller, f.usd, 0, 0, nil)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err), "no-op adjustment")

	// Closing returns all collateral and burns the debt.
	_, err = f.eng.AdjustDebtPosition(borrower, f.usd, -1000, -15000, nil)
	require.NoError(t, err)
	f.requireNoPosition(borrower)
	assert.Equal(t, model.Amount(0), f.bal(borrower, f.usd))
	assert.Equal(t, initBalance, f.bal(borrower, f.core))
	assert.Equal(t, model.Amount(0), f.stableAsset().CurrentSupply)
}

func TestMarginCalledPositionMustImprove(t *testing.T) {
	f := newMarket(t, scheduleAll(), 0, model.DefaultBitassetOptions())
	f.fundCore(borrower)
	f.publishPrice(1, 5)
	f.borrow(borrower, 1000, 15000)

	// Price drop puts the position under maintenance (17.5) with no orders
	// to fill against.
	f.publishPrice(1, 10)
	f.requirePosition(borrower, 1000, 15000)

	// Withdrawing collateral while called is forbidden.
	_, err := f.eng.AdjustDebtPosition(borrower, f.usd, 0, -1000, nil)
	assert.Equal(t, errors.KindPrecondition, errors.KindOf(err))

	// So is any update that does not strictly improve collateralization.
	_, err = f.eng.AdjustDebtPosition(borrower, f.usd, 0, 0, func() *uint16 { v := uint16(2000); return &v }())
	assert.Equal(t, errors.KindPrecondition, errors.KindOf(err))

	// Adding collateral is always allowed, even while still called.
	_, err = f.eng.AdjustDebtPosition(borrower, f.usd, 0, 1000, nil)
	require.NoError(t, err)
	f.requirePosition(borrower, 1000, 16000)
}

func TestPlaceLimitOrderValidation(t *testing.T) {
	f := newMarket(t, scheduleAll(), 0, model.DefaultBitassetOptions())

	_, err := f.eng.PlaceLimitOrder(seller,
		model.AssetAmount{Asset: f.usd, Amount: 0},
		model.AssetAmount{Asset: f.core, Amount: 10}, time.Time{})
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))

	_, err = f.eng.PlaceLimitOrder(seller,
		model.AssetAmount{Asset: f.usd, Amount: 10},
		model.AssetAmount{Asset: f.core, Amount: 10}, genesisTime.Add(-time.Hour))
	assert.Equal(t, errors.KindValidation, errors.KindOf(err), "expiration in the past")

	_, err = f.eng.PlaceLimitOrder(seller,
		model.AssetAmount{Asset: f.usd, Amount: 10},
		model.AssetAmount{Asset: f.core, Amount: 10}, time.Time{})
	assert.Equal(t, errors.KindInsufficient, errors.KindOf(err), "unfunded order")
}

func TestCancelLimitOrderOwnership(t *testing.T) {
	f := newMarket(t, scheduleAll(), 0, model.DefaultBitassetOptions())
	f.led.Credit(seller, f.usd, 100)

	id := f.sellStable(seller, 100, 1000)
	require.NotNil(t, f.eng.FindOrder(id))
	assert.Equal(t, model.Amount(0), f.bal(seller, f.usd), "escrowed")

	err := f.eng.CancelLimitOrder(buyer, id)
	assert.Equal(t, errors.KindAuthorization, errors.KindOf(err))

	f.cancel(seller, id)
	assert.Nil(t, f.eng.FindOrder(id))
	assert.Equal(t, model.Amount(100), f.bal(seller, f.usd), "escrow refunded")

	err = f.eng.CancelLimitOrder(seller, id)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestLimitOrdersMatchAtMakerPrice(t *testing.T) {
	f := newMarket(t, scheduleAll(), 0, model.DefaultBitassetOptions())
	f.fundCore(buyer)
	f.led.Credit(seller, f.usd, 1000)

	// Maker asks 9 core per stable; the taker would settle for 8.
	maker := f.sellCore(buyer, 900, 100)
	taker := f.sellStable(seller, 50, 400)

	assert.Nil(t, f.eng.FindOrder(taker), "taker fully filled")
	assert.Equal(t, model.Amount(450), f.bal(seller, f.core), "filled at the maker's 9:1")
	assert.Equal(t, model.Amount(50), f.bal(buyer, f.usd))
	require.NotNil(t, f.eng.FindOrder(maker))
	assert.Equal(t, model.Amount(450), f.eng.FindOrder(maker).ForSale)
}

func TestOrderExpiryRefundsEscrow(t *testing.T) {
	f := newMarket(t, scheduleAll(), 0, model.DefaultBitassetOptions())
	f.led.Credit(seller, f.usd, 100)

	id := f.sellStableExp(seller, 100, 1000, genesisTime.Add(time.Minute))
	require.NotNil(t, f.eng.FindOrder(id))

	f.eng.OnBlockEnd(genesisTime.Add(2 * time.Minute))
	assert.Nil(t, f.eng.FindOrder(id))
	assert.Equal(t, model.Amount(100), f.bal(seller, f.usd))
}
