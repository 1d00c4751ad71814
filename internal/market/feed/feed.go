// Package feed aggregates per-producer price feeds into the median feed
// driving margin call machinery. One Aggregator serves one collateralized
// asset.
package feed

import (
	"sort"
	"time"

	"github.com/ecolom-kz/kreel-core/internal/market/model"
	"github.com/ecolom-kz/kreel-core/pkg/errors"
)

type entry struct {
	producer  model.AccountID
	published time.Time
	feed      model.PriceFeed
}

// Aggregator holds the authorized producer set and their latest feeds.
type Aggregator struct {
	debtAsset model.AssetID
	backing   model.AssetID

	producers map[model.AccountID]struct{}
	entries   map[model.AccountID]entry
}

// NewAggregator builds an aggregator for the given pair with an initial
// producer set.
func NewAggregator(debtAsset, backing model.AssetID, producers []model.AccountID) *Aggregator {
	a := &Aggregator{
		debtAsset: debtAsset,
		backing:   backing,
		producers: make(map[model.AccountID]struct{}, len(producers)),
		entries:   make(map[model.AccountID]entry),
	}
	for _, p := range producers {
		a.producers[p] = struct{}{}
	}
	return a
}

// SetProducers replaces the authorized set. Feeds from producers no longer
// authorized are dropped immediately.
func (a *Aggregator) SetProducers(producers []model.AccountID) {
	next := make(map[model.AccountID]struct{}, len(producers))
	for _, p := range producers {
		next[p] = struct{}{}
	}
	for p := range a.entries {
		if _, ok := next[p]; !ok {
			delete(a.entries, p)
		}
	}
	a.producers = next
}

// Authorized reports whether the account may publish.
func (a *Aggregator) Authorized(producer model.AccountID) bool {
	_, ok := a.producers[producer]
	return ok
}

// Publish records a producer's feed, replacing any previous one.
func (a *Aggregator) Publish(producer model.AccountID, f model.PriceFeed, now time.Time) error {
	if !a.Authorized(producer) {
		return errors.Authorization("account %s is not a feed producer for asset %d", producer, a.debtAsset)
	}
	if err := f.Validate(a.debtAsset, a.backing); err != nil {
		return err
	}
	a.entries[producer] = entry{producer: producer, published: now, feed: f}
	return nil
}

// Median recomputes the median feed over unexpired entries. It returns nil
// when fewer than minimumFeeds producers are fresh; margin machinery is
// suspended while the median is nil.
//
// Each component is taken independently: the settlement price by rational
// order, the two ratios numerically, picking the element at index n/2 of
// the ascending sort.
func (a *Aggregator) Median(now time.Time, lifetime time.Duration, minimumFeeds int) *model.PriceFeed {
	fresh := make([]entry, 0, len(a.entries))
	for _, e := range a.entries {
		if now.Sub(e.published) < lifetime {
			fresh = append(fresh, e)
		}
	}
	if len(fresh) < minimumFeeds || len(fresh) == 0 {
		return nil
	}
	if len(fresh) == 1 {
		f := fresh[0].feed
		return &f
	}

	mid := len(fresh) / 2

	prices := make([]model.Price, len(fresh))
	mcrs := make([]uint16, len(fresh))
	mssrs := make([]uint16, len(fresh))
	for i, e := range fresh {
		prices[i] = e.feed.SettlementPrice
		mcrs[i] = e.feed.MaintenanceCollateralRatio
		mssrs[i] = e.feed.MaxShortSqueezeRatio
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i].Less(prices[j]) })
	sort.Slice(mcrs, func(i, j int) bool { return mcrs[i] < mcrs[j] })
	sort.Slice(mssrs, func(i, j int) bool { return mssrs[i] < mssrs[j] })

	return &model.PriceFeed{
		SettlementPrice:            prices[mid],
		MaintenanceCollateralRatio: mcrs[mid],
		MaxShortSqueezeRatio:       mssrs[mid],
	}
}

// Feeds returns the current entries sorted by producer, for inspection.
func (a *Aggregator) Feeds() []model.PriceFeed {
	keys := make([]model.AccountID, 0, len(a.entries))
	for p := range a.entries {
		keys = append(keys, p)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	out := make([]model.PriceFeed, 0, len(keys))
	for _, p := range keys {
		out = append(out, a.entries[p].feed)
	}
	return out
}
