// Package recovery reconciles the durable store and the fast-path
// cache into one consistent balance. It runs exactly once at startup,
// before the mining engine may emit its first reward.
package recovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/rsc-chain/mining-ledger/internal/cache"
	"github.com/rsc-chain/mining-ledger/internal/ledger"
	"github.com/rsc-chain/mining-ledger/internal/logger"
	"github.com/rsc-chain/mining-ledger/internal/records"
	"github.com/rsc-chain/mining-ledger/internal/store"
)

// Result summarizes one recovery pass.
type Result struct {
	Candidates int // deduplicated records considered
	Credited   int // rewards applied to the balance
	Duplicates int // rewards already in the applied set
	Dropped    int // structurally invalid records discarded
}

// Coordinator replays rewards that were persisted but never credited.
type Coordinator struct {
	durable store.Store
	mirror  *cache.Cache
	ledger  *ledger.Ledger
}

func New(durable store.Store, mirror *cache.Cache, ldg *ledger.Ledger) *Coordinator {
	return &Coordinator{durable: durable, mirror: mirror, ledger: ldg}
}

// Run executes the recovery pass:
//
//  1. Load pending rewards from the durable store and every entry from
//     the cache.
//  2. Consolidate by content hash; the durable copy is authoritative
//     when both stores hold the same hash.
//  3. A hash that any store marks completed, synced or failed was
//     already credited; its stale pending twin is settled, never
//     re-credited. The cache commits the completed copy and the
//     balance together, so the copy is proof the balance includes it.
//  4. Credit each remaining candidate whose hash is not in the applied
//     set; a record counts as applied only when a store says so, never
//     by comparing aggregate totals.
//  5. Mark credited rewards completed so the sync scheduler picks
//     them up.
//
// Empty or unavailable stores make recovery a no-op.
func (c *Coordinator) Run(ctx context.Context) (Result, error) {
	var res Result

	durableRewards, err := c.durable.RewardsByStatus(ctx, records.RewardStatusPending)
	if err != nil {
		if !errors.Is(err, store.ErrUnavailable) {
			return res, fmt.Errorf("failed to load pending rewards: %v", err)
		}
		logger.Warn("Durable store unavailable during recovery, using cache only")
	}

	cachedRewards, err := c.mirror.Rewards()
	if err != nil {
		logger.Warn("Could not read fast-path cache during recovery:", err)
	}

	credits, settled := consolidate(durableRewards, cachedRewards)
	res.Candidates = len(credits) + len(settled)
	if res.Candidates == 0 {
		logger.Info("Recovery found no unapplied rewards")
		return res, nil
	}

	logger.Info("Recovery considering", res.Candidates, "reward candidates")

	for _, reward := range settled {
		res.Duplicates++
		c.markCompleted(ctx, reward)
	}

	for _, reward := range credits {
		if err := reward.Validate(); err != nil {
			logger.Warn("Dropping invalid recovered reward:", err)
			res.Dropped++
			continue
		}

		_, err := c.ledger.Credit(ctx, reward)
		switch {
		case errors.Is(err, ledger.ErrAlreadyApplied):
			res.Duplicates++
			c.markCompleted(ctx, reward)
		case err != nil:
			// Leave the record pending; a later restart retries it.
			logger.Error("Failed to credit recovered reward", reward.ID, ":", err)
		default:
			res.Credited++
			logger.Info("Recovered reward", reward.ID, "credited", reward.Amount)
		}
	}

	return res, nil
}

// consolidate merges both stores keyed by content hash and splits the
// pending records into credit candidates and rows that only need their
// status settled. Any non-pending copy of a hash is evidence its
// credit landed.
func consolidate(durableRewards, cachedRewards []records.RewardRecord) (credits, settled []records.RewardRecord) {
	applied := make(map[string]bool)
	for _, r := range cachedRewards {
		if r.Status != records.RewardStatusPending {
			applied[r.ContentHash] = true
		}
	}

	seen := make(map[string]bool)
	split := func(r records.RewardRecord) {
		if seen[r.ContentHash] {
			// durable copy is authoritative
			return
		}
		seen[r.ContentHash] = true
		if applied[r.ContentHash] {
			settled = append(settled, r)
			return
		}
		credits = append(credits, r)
	}

	for _, r := range durableRewards {
		split(r)
	}
	for _, r := range cachedRewards {
		if r.Status == records.RewardStatusPending {
			split(r)
		}
	}
	return credits, settled
}

// markCompleted settles a record that was already credited but whose
// status update never landed.
func (c *Coordinator) markCompleted(ctx context.Context, reward records.RewardRecord) {
	status := records.RewardStatusCompleted
	err := c.durable.UpdateReward(ctx, reward.ID, store.RewardPatch{Status: &status})
	if err != nil && !errors.Is(err, store.ErrUnavailable) && !errors.Is(err, store.ErrNotFound) {
		logger.Warn("Failed to settle already-applied reward", reward.ID, ":", err)
	}
	reward.Status = status
	if err := c.mirror.UpdateReward(reward); err != nil {
		logger.Warn("Failed to settle mirrored reward", reward.ID, ":", err)
	}
}
