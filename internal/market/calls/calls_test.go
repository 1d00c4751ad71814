package calls

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecolom-kz/kreel-core/internal/market/model"
)

const (
	usd  model.AssetID = 1
	core model.AssetID = 0
)

func position(t *testing.T, id uint64, owner model.AccountID, debt, coll model.Amount, mcr uint16) *model.CallPosition {
	t.Helper()
	c := &model.CallPosition{
		ID:         id,
		Owner:      owner,
		Debt:       model.AssetAmount{Asset: usd, Amount: debt},
		Collateral: model.AssetAmount{Asset: core, Amount: coll},
	}
	key, err := model.CallPrice(c.Debt, c.Collateral, mcr)
	require.NoError(t, err)
	c.LegacyCallPrice = key
	return c
}

func TestCollateralizationOrdering(t *testing.T) {
	tbl := NewTable(usd, core)
	require.NoError(t, tbl.Insert(position(t, 1, "a", 1000, 15000, 1750)))
	require.NoError(t, tbl.Insert(position(t, 2, "b", 1000, 15500, 1750)))
	require.NoError(t, tbl.Insert(position(t, 3, "c", 1000, 16000, 1750)))

	assert.Equal(t, uint64(1), tbl.Least().ID)

	var ids []uint64
	tbl.AscendCollateralization(func(c *model.CallPosition) bool {
		ids = append(ids, c.ID)
		return true
	})
	assert.Equal(t, []uint64{1, 2, 3}, ids)
}

func TestLegacyIndexStalenessAcrossMCRChange(t *testing.T) {
	tbl := NewTable(usd, core)
	// Position 1 was last touched under MCR 2000 (key 16000/2 = 8),
	// position 2 under MCR 1750 (key 15500/1.75 = 8.857): the stored keys
	// disagree with the live collateralization order.
	require.NoError(t, tbl.Insert(position(t, 1, "a", 1000, 16000, 2000)))
	require.NoError(t, tbl.Insert(position(t, 2, "b", 1000, 15500, 1750)))

	// Live order: position 2 is riskier. Legacy order says position 1.
	assert.Equal(t, uint64(2), tbl.Least().ID)
	assert.Equal(t, uint64(1), tbl.LeastLegacy().ID)

	// Re-keying position 1 under the same MCR brings the orders back in
	// agreement: 16000/1.75 = 9.142 > 8.857.
	c := tbl.Remove(1)
	require.NotNil(t, c)
	key, err := model.CallPrice(c.Debt, c.Collateral, 1750)
	require.NoError(t, err)
	c.LegacyCallPrice = key
	require.NoError(t, tbl.Insert(c))
	assert.Equal(t, uint64(2), tbl.LeastLegacy().ID)
	assert.Equal(t, uint64(2), tbl.Least().ID)
}

func TestOwnerUniqueness(t *testing.T) {
	tbl := NewTable(usd, core)
	require.NoError(t, tbl.Insert(position(t, 1, "a", 1000, 15000, 1750)))
	assert.Error(t, tbl.Insert(position(t, 2, "a", 500, 9000, 1750)))

	// Re-inserting the same position after a key update is fine.
	c := tbl.Remove(1)
	require.NotNil(t, c)
	c.Debt.Amount = 900
	require.NoError(t, tbl.Insert(c))
	assert.Equal(t, c, tbl.ByOwner("a"))
	assert.Equal(t, c, tbl.ByID(1))
}

func TestRemove(t *testing.T) {
	tbl := NewTable(usd, core)
	require.NoError(t, tbl.Insert(position(t, 1, "a", 1000, 15000, 1750)))
	require.NoError(t, tbl.Insert(position(t, 2, "b", 1000, 15500, 1750)))

	removed := tbl.Remove(1)
	require.NotNil(t, removed)
	assert.Nil(t, tbl.ByOwner("a"))
	assert.Nil(t, tbl.Remove(1))
	assert.Equal(t, 1, tbl.Len())
	assert.Equal(t, uint64(2), tbl.Least().ID)
	assert.Len(t, tbl.Snapshot(), 1)
}

func TestInsertValidation(t *testing.T) {
	tbl := NewTable(usd, core)
	bad := position(t, 1, "a", 1000, 15000, 1750)
	bad.Debt.Amount = 0
	assert.Error(t, tbl.Insert(bad))

	swapped := &model.CallPosition{
		ID:         2,
		Owner:      "b",
		Debt:       model.AssetAmount{Asset: core, Amount: 1000},
		Collateral: model.AssetAmount{Asset: usd, Amount: 15000},
	}
	assert.Error(t, tbl.Insert(swapped))
}
