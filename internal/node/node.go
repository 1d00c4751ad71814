// Package node assembles the running daemon: one match engine behind a
// mutex, bootstrapped from configuration, advanced by a wall-clock block
// ticker. Every caller, HTTP handlers included, goes through Apply/View
// so engine state only ever changes under the lock.
package node

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ecolom-kz/kreel-core/internal/config"
	"github.com/ecolom-kz/kreel-core/internal/market/engine"
	"github.com/ecolom-kz/kreel-core/internal/market/event"
	"github.com/ecolom-kz/kreel-core/internal/market/model"
	"github.com/ecolom-kz/kreel-core/pkg/errors"
)

// Node owns the engine and serializes access to it.
type Node struct {
	log      *zap.Logger
	interval time.Duration

	mu     sync.Mutex
	eng    *engine.Engine
	ledger *engine.MemLedger

	ready atomic.Bool
}

// Bootstrap builds an engine from configuration: assets first, then the
// collateralized ones against their backing, feed producers, and seeded
// account balances.
func Bootstrap(log *zap.Logger, cfg *config.Config, sink event.Sink) (*Node, error) {
	sched, err := cfg.Schedule()
	if err != nil {
		return nil, err
	}

	ledger := engine.NewMemLedger()
	eng := engine.New(log, ledger, sched, sink)
	eng.SetTime(time.Now().UTC())

	ids := make(map[string]model.AssetID, len(cfg.Assets))
	for _, a := range cfg.Assets {
		if a.Bitasset != nil {
			continue
		}
		id, err := eng.RegisterAsset(a.Symbol, a.Precision, a.MarketFeePercent)
		if err != nil {
			return nil, err
		}
		ids[a.Symbol] = id
	}
	for _, a := range cfg.Assets {
		if a.Bitasset == nil {
			continue
		}
		backing, ok := ids[a.Bitasset.Backing]
		if !ok {
			return nil, errors.Validation("bitasset %s backed by another bitasset %q",
				a.Symbol, a.Bitasset.Backing)
		}
		id, err := eng.CreateBitasset(a.Symbol, a.Precision, a.MarketFeePercent,
			backing, model.BitassetOptions{
				FeedLifetime:         a.Bitasset.FeedLifetime,
				MinimumFeeds:         a.Bitasset.MinimumFeeds,
				ForceSettleDelay:     a.Bitasset.ForceSettleDelay,
				ForceSettleOffset:    a.Bitasset.ForceSettleOffset,
				MaxForceSettleVolume: a.Bitasset.MaxForceSettleVolume,
				MarginCallFeeRatio:   a.Bitasset.MarginCallFeeRatio,
			})
		if err != nil {
			return nil, err
		}
		ids[a.Symbol] = id

		producers := make([]model.AccountID, 0, len(a.Bitasset.FeedProducers))
		for _, p := range a.Bitasset.FeedProducers {
			producers = append(producers, model.AccountID(p))
		}
		if err := eng.UpdateFeedProducers(id, producers); err != nil {
			return nil, err
		}
	}

	for _, acct := range cfg.Accounts {
		for sym, amount := range acct.Balances {
			ledger.Credit(model.AccountID(acct.ID), ids[sym], amount)
		}
	}

	n := &Node{
		log:      log,
		interval: cfg.Chain.BlockInterval,
		eng:      eng,
		ledger:   ledger,
	}
	n.ready.Store(true)
	return n, nil
}

// Apply runs a mutating operation under the engine lock.
func (n *Node) Apply(fn func(*engine.Engine) error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return fn(n.eng)
}

// View runs a read under the engine lock. The engine has no internal
// synchronization, so reads serialize with writes too.
func (n *Node) View(fn func(*engine.Engine)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fn(n.eng)
}

// Balance reads one ledger balance.
func (n *Node) Balance(owner model.AccountID, asset model.AssetID) model.Amount {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ledger.Balance(owner, asset)
}

// Credit funds an account outside the matching path.
func (n *Node) Credit(owner model.AccountID, asset model.AssetID, amount model.Amount) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ledger.Credit(owner, asset, amount)
}

// Ready reports whether the node can serve operations.
func (n *Node) Ready() bool { return n.ready.Load() }

// Run drives block ends at the configured interval until ctx ends.
func (n *Node) Run(ctx context.Context) {
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()
	n.log.Info("block ticker started", zap.Duration("interval", n.interval))

	for {
		select {
		case <-ctx.Done():
			n.ready.Store(false)
			n.log.Info("block ticker stopped")
			return
		case now := <-ticker.C:
			n.mu.Lock()
			n.eng.OnBlockEnd(now.UTC())
			n.mu.Unlock()
		}
	}
}
