package book

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecolom-kz/kreel-core/internal/market/model"
)

const (
	usd  model.AssetID = 1
	core model.AssetID = 0
)

func sellPrice(t *testing.T, forSale, toReceive model.Amount) model.Price {
	t.Helper()
	p, err := model.NewPrice(
		model.AssetAmount{Asset: usd, Amount: forSale},
		model.AssetAmount{Asset: core, Amount: toReceive},
	)
	require.NoError(t, err)
	return p
}

func order(t *testing.T, id uint64, forSale, toReceive model.Amount) *model.LimitOrder {
	t.Helper()
	return &model.LimitOrder{
		ID:        id,
		Owner:     "seller",
		SellPrice: sellPrice(t, forSale, toReceive),
		ForSale:   forSale,
	}
}

func TestOrdering(t *testing.T) {
	b := New(usd, core)

	// 100 usd for 1000 core asks 10 core each; asking 9 each is the more
	// generous offer and ranks first.
	require.NoError(t, b.Insert(order(t, 3, 100, 1000)))
	require.NoError(t, b.Insert(order(t, 1, 100, 900)))
	require.NoError(t, b.Insert(order(t, 2, 100, 1100)))

	assert.Equal(t, uint64(1), b.Best().ID)

	var ids []uint64
	b.Ascend(func(o *model.LimitOrder) bool {
		ids = append(ids, o.ID)
		return true
	})
	assert.Equal(t, []uint64{1, 3, 2}, ids)
}

func TestPriceTieBreaksByID(t *testing.T) {
	b := New(usd, core)
	require.NoError(t, b.Insert(order(t, 9, 100, 1000)))
	require.NoError(t, b.Insert(order(t, 4, 200, 2000)))

	assert.Equal(t, uint64(4), b.Best().ID, "equal price, older order first")
}

func TestInsertValidation(t *testing.T) {
	b := New(usd, core)

	wrongPair := &model.LimitOrder{
		ID:        1,
		SellPrice: sellPrice(t, 10, 100).Invert(),
		ForSale:   100,
	}
	assert.Error(t, b.Insert(wrongPair))

	empty := order(t, 2, 10, 100)
	empty.ForSale = 0
	assert.Error(t, b.Insert(empty))
}

func TestRemoveAndFind(t *testing.T) {
	b := New(usd, core)
	require.NoError(t, b.Insert(order(t, 1, 100, 900)))
	require.NoError(t, b.Insert(order(t, 2, 100, 800)))

	assert.NotNil(t, b.Find(1))
	removed := b.Remove(1)
	require.NotNil(t, removed)
	assert.Equal(t, uint64(1), removed.ID)
	assert.Nil(t, b.Find(1))
	assert.Nil(t, b.Remove(1), "second removal is a no-op")

	assert.Equal(t, uint64(2), b.Best().ID)
	assert.Equal(t, 1, b.Len())
}

func TestExpireDue(t *testing.T) {
	b := New(usd, core)
	t0 := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)

	keeper := order(t, 1, 100, 900)
	keeper.Expiration = t0.Add(time.Hour)
	stale := order(t, 2, 100, 800)
	stale.Expiration = t0.Add(-time.Minute)
	forever := order(t, 3, 100, 700)

	require.NoError(t, b.Insert(keeper))
	require.NoError(t, b.Insert(stale))
	require.NoError(t, b.Insert(forever))

	due := b.ExpireDue(t0)
	require.Len(t, due, 1)
	assert.Equal(t, uint64(2), due[0].ID)
	assert.Equal(t, 2, b.Len())

	// Expiration exactly at now counts as expired.
	due = b.ExpireDue(t0.Add(time.Hour))
	require.Len(t, due, 1)
	assert.Equal(t, uint64(1), due[0].ID)

	assert.Empty(t, b.ExpireDue(t0.Add(48*time.Hour)), "zero expiration never expires")
	assert.Len(t, b.Snapshot(), 1)
}
