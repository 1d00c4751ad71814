package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ecolom-kz/kreel-core/internal/market/model"
	"github.com/ecolom-kz/kreel-core/pkg/errors"
)

// Ledger is the engine's view of external account balances. The engine
// debits escrow before matching and credits proceeds as fills happen; it
// never overdraws because every operation validates balances first.
type Ledger interface {
	Balance(owner model.AccountID, asset model.AssetID) model.Amount
	Adjust(owner model.AccountID, delta model.AssetAmount) error
}

// MemLedger is the in-memory ledger used by the daemon and tests.
type MemLedger struct {
	balances map[model.AccountID]map[model.AssetID]model.Amount
}

// NewMemLedger builds an empty ledger.
func NewMemLedger() *MemLedger {
	return &MemLedger{balances: make(map[model.AccountID]map[model.AssetID]model.Amount)}
}

// Balance returns the owner's balance in the asset.
func (l *MemLedger) Balance(owner model.AccountID, asset model.AssetID) model.Amount {
	return l.balances[owner][asset]
}

// Adjust applies a signed delta, rejecting overdrafts.
func (l *MemLedger) Adjust(owner model.AccountID, delta model.AssetAmount) error {
	cur := l.balances[owner][delta.Asset]
	next := cur + delta.Amount
	if next < 0 {
		return errors.Insufficient("account %s has %d of asset %d, needs %d",
			owner, cur, delta.Asset, -delta.Amount)
	}
	if l.balances[owner] == nil {
		l.balances[owner] = make(map[model.AssetID]model.Amount)
	}
	l.balances[owner][delta.Asset] = next
	return nil
}

// Credit is Adjust with a positive amount, for seeding tests and genesis.
func (l *MemLedger) Credit(owner model.AccountID, asset model.AssetID, amount model.Amount) {
	_ = l.Adjust(owner, model.AssetAmount{Asset: asset, Amount: amount})
}

// Dump renders balances canonically sorted, for digests and debugging.
func (l *MemLedger) Dump() string {
	owners := make([]model.AccountID, 0, len(l.balances))
	for o := range l.balances {
		owners = append(owners, o)
	}
	sort.Slice(owners, func(i, j int) bool { return owners[i] < owners[j] })
	var sb strings.Builder
	for _, o := range owners {
		assets := make([]model.AssetID, 0, len(l.balances[o]))
		for a := range l.balances[o] {
			assets = append(assets, a)
		}
		sort.Slice(assets, func(i, j int) bool { return assets[i] < assets[j] })
		for _, a := range assets {
			if l.balances[o][a] != 0 {
				fmt.Fprintf(&sb, "%s/%d=%d\n", o, a, l.balances[o][a])
			}
		}
	}
	return sb.String()
}
