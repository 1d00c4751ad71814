// Package engine is the deterministic matching core: limit orders, margin
// calls, price feeds, force settlements and global settlement, with every
// behavior change gated behind a rule revision schedule.
//
// The engine is single-owner: no internal goroutines, no map iteration on
// any consensus path, chain time advances only through operations and
// OnBlockEnd. Callers serialize access (see internal/node).
package engine

import (
	"sort"
	"time"

	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/ecolom-kz/kreel-core/internal/market/book"
	"github.com/ecolom-kz/kreel-core/internal/market/calls"
	"github.com/ecolom-kz/kreel-core/internal/market/event"
	"github.com/ecolom-kz/kreel-core/internal/market/feed"
	"github.com/ecolom-kz/kreel-core/internal/market/model"
	"github.com/ecolom-kz/kreel-core/internal/market/rules"
	"github.com/ecolom-kz/kreel-core/pkg/errors"
)

type pairKey struct {
	sell    model.AssetID
	receive model.AssetID
}

func lessSettle(a, b *model.SettleRequest) bool {
	if !a.SettleAt.Equal(b.SettleAt) {
		return a.SettleAt.Before(b.SettleAt)
	}
	return a.ID < b.ID
}

// Engine owns the complete market state.
type Engine struct {
	log      *zap.Logger
	sink     event.Sink
	ledger   Ledger
	schedule rules.Schedule

	now time.Time

	assets   map[model.AssetID]*model.Asset
	symbols  map[string]model.AssetID
	assetIDs []model.AssetID

	books     map[pairKey]*book.Book
	orderHome map[uint64]pairKey

	tables map[model.AssetID]*calls.Table
	aggs   map[model.AssetID]*feed.Aggregator

	settleQueue *btree.BTreeG[*model.SettleRequest]

	// marginDirty marks bitassets whose margin state changed during the
	// block; OnBlockEnd re-runs the margin pass for them.
	marginDirty map[model.AssetID]bool

	nextAssetID    model.AssetID
	nextOrderID    uint64
	nextPositionID uint64
	nextSettleID   uint64
}

// New builds an empty engine. A nil sink discards events.
func New(log *zap.Logger, ledger Ledger, schedule rules.Schedule, sink event.Sink) *Engine {
	if sink == nil {
		sink = event.Discard
	}
	if schedule == nil {
		schedule = rules.Schedule{}
	}
	return &Engine{
		log:         log,
		sink:        sink,
		ledger:      ledger,
		schedule:    schedule,
		assets:      make(map[model.AssetID]*model.Asset),
		symbols:     make(map[string]model.AssetID),
		books:       make(map[pairKey]*book.Book),
		orderHome:   make(map[uint64]pairKey),
		tables:      make(map[model.AssetID]*calls.Table),
		aggs:        make(map[model.AssetID]*feed.Aggregator),
		settleQueue: btree.NewBTreeGOptions(lessSettle, btree.Options{NoLocks: true}),
		marginDirty: make(map[model.AssetID]bool),
		nextOrderID: 1, nextPositionID: 1, nextSettleID: 1,
	}
}

// Now is the current chain time.
func (e *Engine) Now() time.Time { return e.now }

// SetTime initializes chain time before the first block. It never moves
// time backwards.
func (e *Engine) SetTime(t time.Time) {
	if t.After(e.now) {
		e.now = t
	}
}

func (e *Engine) ruleset() rules.Ruleset { return e.schedule.At(e.now) }

// Ruleset exposes the active revision snapshot for inspection.
func (e *Engine) Ruleset() rules.Ruleset { return e.ruleset() }

func (e *Engine) emit(kind event.Kind, payload interface{}) {
	e.sink.Push(event.New(kind, e.now, payload))
}

// RegisterAsset registers a plain asset and returns its id. Symbols are
// unique; the first registered asset conventionally is the core asset.
func (e *Engine) RegisterAsset(symbol string, precision uint8, marketFeePercent uint16) (model.AssetID, error) {
	if symbol == "" {
		return 0, errors.Validation("empty asset symbol")
	}
	if _, ok := e.symbols[symbol]; ok {
		return 0, errors.Validation("asset symbol %q already registered", symbol)
	}
	if marketFeePercent > model.PercentDenom {
		return 0, errors.Validation("market fee %d exceeds 100%%", marketFeePercent)
	}
	id := e.nextAssetID
	e.nextAssetID++
	a := &model.Asset{
		ID:               id,
		Symbol:           symbol,
		Precision:        precision,
		MarketFeePercent: marketFeePercent,
	}
	e.assets[id] = a
	e.symbols[symbol] = id
	e.assetIDs = append(e.assetIDs, id)
	return id, nil
}

// CreateBitasset registers a collateralized asset backed by an existing
// asset, with its position table and feed aggregator.
func (e *Engine) CreateBitasset(symbol string, precision uint8, marketFeePercent uint16,
	backing model.AssetID, opts model.BitassetOptions) (model.AssetID, error) {
	if _, ok := e.assets[backing]; !ok {
		return 0, errors.NotFound("backing asset %d is not registered", backing)
	}
	if opts.FeedLifetime <= 0 || opts.MinimumFeeds <= 0 {
		return 0, errors.Validation("feed lifetime and minimum feeds must be positive")
	}
	if opts.MaxForceSettleVolume > model.PercentDenom || opts.ForceSettleOffset > model.PercentDenom ||
		opts.MarginCallFeeRatio > model.PercentDenom {
		return 0, errors.Validation("bitasset per-10000 option out of range")
	}
	id, err := e.RegisterAsset(symbol, precision, marketFeePercent)
	if err != nil {
		return 0, err
	}
	e.assets[id].Bitasset = &model.Bitasset{
		Asset:             id,
		Backing:           backing,
		Options:           opts,
		VolumeWindowStart: e.now,
	}
	e.tables[id] = calls.NewTable(id, backing)
	e.aggs[id] = feed.NewAggregator(id, backing, nil)
	return id, nil
}

// UpdateFeedProducers replaces the authorized producer set of a bitasset.
func (e *Engine) UpdateFeedProducers(asset model.AssetID, producers []model.AccountID) error {
	agg, ok := e.aggs[asset]
	if !ok {
		return errors.NotFound("asset %d is not a collateralized asset", asset)
	}
	agg.SetProducers(producers)
	return nil
}

// AssetByID returns a registered asset.
func (e *Engine) AssetByID(id model.AssetID) (*model.Asset, error) {
	a, ok := e.assets[id]
	if !ok {
		return nil, errors.NotFound("asset %d is not registered", id)
	}
	return a, nil
}

// AssetBySymbol resolves a symbol.
func (e *Engine) AssetBySymbol(symbol string) (*model.Asset, error) {
	id, ok := e.symbols[symbol]
	if !ok {
		return nil, errors.NotFound("asset %q is not registered", symbol)
	}
	return e.assets[id], nil
}

// Symbols lists registered symbols in registration order.
func (e *Engine) Symbols() []string {
	out := make([]string, 0, len(e.assetIDs))
	for _, id := range e.assetIDs {
		out = append(out, e.assets[id].Symbol)
	}
	return out
}

// Positions snapshots a bitasset's open positions, riskiest first.
func (e *Engine) Positions(asset model.AssetID) ([]*model.CallPosition, error) {
	tbl, ok := e.tables[asset]
	if !ok {
		return nil, errors.NotFound("asset %d is not a collateralized asset", asset)
	}
	return tbl.Snapshot(), nil
}

// PositionByOwner returns the owner's open position, nil when none.
func (e *Engine) PositionByOwner(asset model.AssetID, owner model.AccountID) *model.CallPosition {
	tbl, ok := e.tables[asset]
	if !ok {
		return nil
	}
	return tbl.ByOwner(owner)
}

// Orders snapshots one directed book, best-first.
func (e *Engine) Orders(sell, receive model.AssetID) []*model.LimitOrder {
	bk, ok := e.books[pairKey{sell, receive}]
	if !ok {
		return nil
	}
	return bk.Snapshot()
}

// FindOrder locates an open order anywhere.
func (e *Engine) FindOrder(id uint64) *model.LimitOrder {
	home, ok := e.orderHome[id]
	if !ok {
		return nil
	}
	return e.books[home].Find(id)
}

// SettleRequests snapshots the pending force settlement queue.
func (e *Engine) SettleRequests() []*model.SettleRequest {
	out := make([]*model.SettleRequest, 0, e.settleQueue.Len())
	e.settleQueue.Scan(func(r *model.SettleRequest) bool {
		out = append(out, r)
		return true
	})
	return out
}

// CurrentFeeds lists a bitasset's producer feeds.
func (e *Engine) CurrentFeeds(asset model.AssetID) ([]model.PriceFeed, error) {
	agg, ok := e.aggs[asset]
	if !ok {
		return nil, errors.NotFound("asset %d is not a collateralized asset", asset)
	}
	return agg.Feeds(), nil
}

func (e *Engine) bookFor(sell, receive model.AssetID) *book.Book {
	key := pairKey{sell, receive}
	bk, ok := e.books[key]
	if !ok {
		bk = book.New(sell, receive)
		e.books[key] = bk
	}
	return bk
}

func (e *Engine) sortedPairs() []pairKey {
	keys := make([]pairKey, 0, len(e.books))
	for k := range e.books {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].sell != keys[j].sell {
			return keys[i].sell < keys[j].sell
		}
		return keys[i].receive < keys[j].receive
	})
	return keys
}

// mustAdjust applies a ledger movement that was validated upfront; a
// failure here is an accounting invariant violation.
func (e *Engine) mustAdjust(owner model.AccountID, delta model.AssetAmount) {
	if err := e.ledger.Adjust(owner, delta); err != nil {
		e.log.Error("ledger adjustment failed after validation",
			zap.String("owner", string(owner)),
			zap.Uint32("asset", uint32(delta.Asset)),
			zap.Int64("amount", delta.Amount),
			zap.Error(err))
		panic(errors.Wrap(errors.KindInternal, err, "unbalanced ledger adjustment"))
	}
}
