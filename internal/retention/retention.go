// Package retention runs the periodic compaction pass: age-based
// cleanup in the durable store and size-based eviction in the
// fast-path cache.
package retention

import (
	"context"
	"errors"
	"time"

	"github.com/rsc-chain/mining-ledger/internal/cache"
	"github.com/rsc-chain/mining-ledger/internal/clock"
	"github.com/rsc-chain/mining-ledger/internal/logger"
	"github.com/rsc-chain/mining-ledger/internal/records"
	"github.com/rsc-chain/mining-ledger/internal/store"
)

// Options bounds what compaction may remove.
type Options struct {
	Interval             time.Duration
	SessionRetention     time.Duration
	TransactionRetention time.Duration
}

// Compactor owns the compaction schedule.
type Compactor struct {
	durable store.Store
	mirror  *cache.Cache
	clk     clock.Clock
	opts    Options
	sched   *clock.Scheduler
}

func New(durable store.Store, mirror *cache.Cache, clk clock.Clock, opts Options) *Compactor {
	c := &Compactor{durable: durable, mirror: mirror, clk: clk, opts: opts}
	c.sched = clock.NewScheduler(clk, opts.Interval, c.runOnce)
	return c
}

func (c *Compactor) Start() { c.sched.Start() }
func (c *Compactor) Stop()  { c.sched.Stop() }

// RunOnce triggers an immediate compaction pass.
func (c *Compactor) RunOnce() { c.runOnce() }

func (c *Compactor) runOnce() {
	now := c.clk.Now()

	err := c.durable.Compact(context.Background(), now, c.opts.SessionRetention, c.opts.TransactionRetention)
	if err != nil && !errors.Is(err, store.ErrUnavailable) {
		logger.Warn("Store compaction failed:", err)
	}

	// Cache eviction only touches rewards already reflected in the
	// balance; a pending record is the sole durable copy of a credit
	// the balance has not absorbed yet.
	evicted, err := c.mirror.Trim(func(r records.RewardRecord) bool {
		return r.Status != records.RewardStatusPending
	})
	if err != nil {
		logger.Warn("Cache trim failed:", err)
		return
	}
	if evicted > 0 {
		logger.Info("Evicted", evicted, "settled rewards from cache")
	}
}
