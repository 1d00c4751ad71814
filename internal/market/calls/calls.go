// Package calls indexes the open debt positions of one collateralized
// asset. Two orderings coexist: live collateralization (current selection
// and detection) and the stored legacy call price older rule revisions
// sort and trigger on.
package calls

import (
	"github.com/tidwall/btree"

	"github.com/ecolom-kz/kreel-core/internal/market/model"
	"github.com/ecolom-kz/kreel-core/pkg/errors"
)

// Table holds the positions borrowing Debt against Backing collateral.
type Table struct {
	Debt    model.AssetID
	Backing model.AssetID

	// byCollateral sorts ascending collateral-per-debt: riskiest first.
	byCollateral *btree.BTreeG[*model.CallPosition]
	// byLegacy sorts ascending stored call price; stale when MCR moved
	// since the position was last touched.
	byLegacy *btree.BTreeG[*model.CallPosition]

	byID    map[uint64]*model.CallPosition
	byOwner map[model.AccountID]*model.CallPosition
}

func lessCollateral(a, b *model.CallPosition) bool {
	switch a.Collateralization().Cmp(b.Collateralization()) {
	case -1:
		return true
	case 1:
		return false
	default:
		return a.ID < b.ID
	}
}

func lessLegacy(a, b *model.CallPosition) bool {
	switch a.LegacyCallPrice.Cmp(b.LegacyCallPrice) {
	case -1:
		return true
	case 1:
		return false
	default:
		return a.ID < b.ID
	}
}

// NewTable builds an empty position table for the pair.
func NewTable(debt, backing model.AssetID) *Table {
	return &Table{
		Debt:         debt,
		Backing:      backing,
		byCollateral: btree.NewBTreeGOptions(lessCollateral, btree.Options{NoLocks: true}),
		byLegacy:     btree.NewBTreeGOptions(lessLegacy, btree.Options{NoLocks: true}),
		byID:         make(map[uint64]*model.CallPosition),
		byOwner:      make(map[model.AccountID]*model.CallPosition),
	}
}

// Len is the number of open positions.
func (t *Table) Len() int { return t.byCollateral.Len() }

// Insert indexes a position. One position per owner; the position must be
// removed before its debt, collateral or legacy key change, since both
// trees key on them.
func (t *Table) Insert(c *model.CallPosition) error {
	if c.Debt.Asset != t.Debt || c.Collateral.Asset != t.Backing {
		return errors.Internal("position %d pair %d/%d does not match table %d/%d",
			c.ID, c.Debt.Asset, c.Collateral.Asset, t.Debt, t.Backing)
	}
	if c.Debt.Amount <= 0 || c.Collateral.Amount <= 0 {
		return errors.Internal("position %d indexed with empty side", c.ID)
	}
	if prev, ok := t.byOwner[c.Owner]; ok && prev.ID != c.ID {
		return errors.Internal("owner %s already has position %d", c.Owner, prev.ID)
	}
	t.byCollateral.Set(c)
	t.byLegacy.Set(c)
	t.byID[c.ID] = c
	t.byOwner[c.Owner] = c
	return nil
}

// Remove unindexes a position and returns it, nil when absent.
func (t *Table) Remove(id uint64) *model.CallPosition {
	c, ok := t.byID[id]
	if !ok {
		return nil
	}
	t.byCollateral.Delete(c)
	t.byLegacy.Delete(c)
	delete(t.byID, id)
	delete(t.byOwner, c.Owner)
	return c
}

// ByID returns the position with the given id, nil when absent.
func (t *Table) ByID(id uint64) *model.CallPosition { return t.byID[id] }

// ByOwner returns the owner's position, nil when absent.
func (t *Table) ByOwner(owner model.AccountID) *model.CallPosition {
	return t.byOwner[owner]
}

// Least returns the least-collateralized position, nil when empty.
func (t *Table) Least() *model.CallPosition {
	c, ok := t.byCollateral.Min()
	if !ok {
		return nil
	}
	return c
}

// LeastLegacy returns the position with the lowest stored call price.
func (t *Table) LeastLegacy() *model.CallPosition {
	c, ok := t.byLegacy.Min()
	if !ok {
		return nil
	}
	return c
}

// AscendCollateralization walks positions riskiest-first until fn returns
// false.
func (t *Table) AscendCollateralization(fn func(c *model.CallPosition) bool) {
	t.byCollateral.Scan(fn)
}

// AscendLegacy walks positions by ascending stored call price.
func (t *Table) AscendLegacy(fn func(c *model.CallPosition) bool) {
	t.byLegacy.Scan(fn)
}

// Snapshot lists positions riskiest-first.
func (t *Table) Snapshot() []*model.CallPosition {
	out := make([]*model.CallPosition, 0, t.byCollateral.Len())
	t.byCollateral.Scan(func(c *model.CallPosition) bool {
		out = append(out, c)
		return true
	})
	return out
}
