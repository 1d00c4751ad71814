// Package book keeps one side of a market: the resting limit orders
// selling a given asset for another, ordered best-first.
package book

import (
	"time"

	"github.com/tidwall/btree"

	"github.com/ecolom-kz/kreel-core/internal/market/model"
	"github.com/ecolom-kz/kreel-core/pkg/errors"
)

// Book holds the resting orders selling Sell for Receive. Orders sort by
// sell price descending (most generous first), ties by ascending id so the
// older order fills first.
type Book struct {
	Sell    model.AssetID
	Receive model.AssetID

	orders *btree.BTreeG[*model.LimitOrder]
	byID   map[uint64]*model.LimitOrder
}

func lessOrder(a, b *model.LimitOrder) bool {
	switch a.SellPrice.Cmp(b.SellPrice) {
	case 1:
		return true
	case -1:
		return false
	default:
		return a.ID < b.ID
	}
}

// New builds an empty book for the directed pair.
func New(sell, receive model.AssetID) *Book {
	return &Book{
		Sell:    sell,
		Receive: receive,
		orders:  btree.NewBTreeGOptions(lessOrder, btree.Options{NoLocks: true}),
		byID:    make(map[uint64]*model.LimitOrder),
	}
}

// Len is the number of resting orders.
func (b *Book) Len() int { return b.orders.Len() }

// Insert rests an order. The order's pair must match the book's.
func (b *Book) Insert(o *model.LimitOrder) error {
	if o.SellAsset() != b.Sell || o.ReceiveAsset() != b.Receive {
		return errors.Internal("order %d pair %d/%d does not match book %d/%d",
			o.ID, o.SellAsset(), o.ReceiveAsset(), b.Sell, b.Receive)
	}
	if o.ForSale <= 0 {
		return errors.Internal("order %d rested with nothing for sale", o.ID)
	}
	b.orders.Set(o)
	b.byID[o.ID] = o
	return nil
}

// Find returns the resting order with the given id, nil when absent.
func (b *Book) Find(id uint64) *model.LimitOrder { return b.byID[id] }

// Remove deletes an order and returns it, nil when absent.
func (b *Book) Remove(id uint64) *model.LimitOrder {
	o, ok := b.byID[id]
	if !ok {
		return nil
	}
	b.orders.Delete(o)
	delete(b.byID, id)
	return o
}

// Best returns the top of the book, nil when empty.
func (b *Book) Best() *model.LimitOrder {
	o, ok := b.orders.Min()
	if !ok {
		return nil
	}
	return o
}

// Ascend walks orders best-first until fn returns false.
func (b *Book) Ascend(fn func(o *model.LimitOrder) bool) {
	b.orders.Scan(fn)
}

// ExpireDue removes and returns all orders expired at now, best-first.
// Zero expirations never expire.
func (b *Book) ExpireDue(now time.Time) []*model.LimitOrder {
	var due []*model.LimitOrder
	b.orders.Scan(func(o *model.LimitOrder) bool {
		if !o.Expiration.IsZero() && !o.Expiration.After(now) {
			due = append(due, o)
		}
		return true
	})
	for _, o := range due {
		b.orders.Delete(o)
		delete(b.byID, o.ID)
	}
	return due
}

// Snapshot lists resting orders best-first.
func (b *Book) Snapshot() []*model.LimitOrder {
	out := make([]*model.LimitOrder, 0, b.orders.Len())
	b.orders.Scan(func(o *model.LimitOrder) bool {
		out = append(out, o)
		return true
	})
	return out
}
