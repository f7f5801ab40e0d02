// Package syncer pushes completed rewards to the backend on a fixed
// interval, with per-record retry accounting and bounded backoff.
// Backend unavailability never blocks local crediting; records wait in
// the durable store until a drain pass succeeds.
package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rsc-chain/mining-ledger/internal/cache"
	"github.com/rsc-chain/mining-ledger/internal/clock"
	"github.com/rsc-chain/mining-ledger/internal/logger"
	"github.com/rsc-chain/mining-ledger/internal/records"
	"github.com/rsc-chain/mining-ledger/internal/store"
)

const (
	backoffBase = 10 * time.Second
	backoffMax  = 5 * time.Minute
)

// Options configures a Syncer.
type Options struct {
	Interval    time.Duration // drain cadence
	Timeout     time.Duration // per-submission deadline
	QueueCap    int
	MaxAttempts int

	// OnPermanentFailure fires exactly once per reward when it
	// exhausts its attempts. The record stays in the store with
	// status failed.
	OnPermanentFailure func(records.RewardRecord)

	// OnSyncError feeds transport failures to the risk monitor.
	OnSyncError func(error)
}

// Syncer owns the retry queue and the drain scheduler.
type Syncer struct {
	durable   store.Store
	mirror    *cache.Cache
	submitter Submitter
	clk       clock.Clock
	opts      Options

	pending *queue
	sched   *clock.Scheduler

	mu           sync.Mutex
	lastAttempt  map[string]time.Time
	notified     map[string]bool
	disconnected bool
}

func New(durable store.Store, mirror *cache.Cache, submitter Submitter, clk clock.Clock, opts Options) *Syncer {
	if opts.OnPermanentFailure == nil {
		opts.OnPermanentFailure = func(records.RewardRecord) {}
	}
	if opts.OnSyncError == nil {
		opts.OnSyncError = func(error) {}
	}

	s := &Syncer{
		durable:     durable,
		mirror:      mirror,
		submitter:   submitter,
		clk:         clk,
		opts:        opts,
		pending:     newQueue(opts.QueueCap),
		lastAttempt: make(map[string]time.Time),
		notified:    make(map[string]bool),
	}
	s.sched = clock.NewScheduler(clk, opts.Interval, s.drainPass)
	return s
}

// Start launches the periodic drain loop.
func (s *Syncer) Start() { s.sched.Start() }

// Stop halts the drain loop. Queued records remain in the durable
// store for the next session.
func (s *Syncer) Stop() { s.sched.Stop() }

// Enqueue schedules a reward for submission and triggers an early
// drain pass.
func (s *Syncer) Enqueue(r records.RewardRecord) {
	s.mu.Lock()
	disconnected := s.disconnected
	s.mu.Unlock()
	if disconnected {
		return
	}
	s.pending.push(r)
	s.sched.Kick()
}

// Kick requests an early drain pass.
func (s *Syncer) Kick() { s.sched.Kick() }

// QueueLen reports how many rewards are waiting in memory.
func (s *Syncer) QueueLen() int { return s.pending.len() }

// Disconnect stops all backend traffic permanently. Part of the
// lockdown path.
func (s *Syncer) Disconnect() {
	s.mu.Lock()
	s.disconnected = true
	s.mu.Unlock()
	s.pending.clear()
	logger.Warn("Sync disconnected; no further backend submissions this session")
}

// drainPass submits every due reward once. Records under backoff are
// requeued untouched; the pass never retries a record twice.
func (s *Syncer) drainPass() {
	s.mu.Lock()
	if s.disconnected {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	batch := s.collect()
	if len(batch) == 0 {
		return
	}

	now := s.clk.Now()
	for _, reward := range batch {
		if !s.due(reward, now) {
			s.pending.push(reward)
			continue
		}
		s.submitOne(reward)
	}
}

// collect merges the in-memory queue with completed records from the
// durable store, so rewards queued before a crash are not stranded.
func (s *Syncer) collect() []records.RewardRecord {
	batch := s.pending.drain()
	seen := make(map[string]bool, len(batch))
	for _, r := range batch {
		seen[r.ID] = true
	}

	stored, err := s.durable.RewardsByStatus(context.Background(), records.RewardStatusCompleted)
	if err != nil {
		if !errors.Is(err, store.ErrUnavailable) {
			logger.Warn("Could not load completed rewards for sync:", err)
		}
		return batch
	}
	for _, r := range stored {
		if !seen[r.ID] && r.Attempts < s.opts.MaxAttempts {
			batch = append(batch, r)
		}
	}
	return batch
}

// due reports whether the reward's backoff window has elapsed. The
// delay grows with the attempt count and never shrinks.
func (s *Syncer) due(r records.RewardRecord, now time.Time) bool {
	s.mu.Lock()
	last, tried := s.lastAttempt[r.ID]
	s.mu.Unlock()
	if !tried {
		return true
	}
	return !now.Before(last.Add(backoffDelay(r.Attempts)))
}

func backoffDelay(attempts int) time.Duration {
	d := backoffBase * time.Duration(attempts)
	if d > backoffMax {
		return backoffMax
	}
	return d
}

func (s *Syncer) submitOne(reward records.RewardRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.Timeout)
	defer cancel()

	remoteID, err := s.submitter.Submit(ctx, reward)
	now := s.clk.Now()
	if err != nil {
		s.recordFailure(reward, now, err)
		return
	}

	s.mu.Lock()
	delete(s.lastAttempt, reward.ID)
	delete(s.notified, reward.ID)
	s.mu.Unlock()

	reward.Status = records.RewardStatusSynced
	reward.SyncedAt = &now
	patch := store.RewardPatch{Status: &reward.Status, SyncedAt: &now}
	if err := s.durable.UpdateReward(context.Background(), reward.ID, patch); err != nil &&
		!errors.Is(err, store.ErrUnavailable) && !errors.Is(err, store.ErrNotFound) {
		logger.Warn("Failed to mark reward synced in store:", err)
	}
	if err := s.mirror.UpdateReward(reward); err != nil {
		logger.Warn("Failed to mark mirrored reward synced:", err)
	}
	logger.Info("Reward", reward.ID, "synced to backend as", remoteID)
}

func (s *Syncer) recordFailure(reward records.RewardRecord, now time.Time, cause error) {
	reward.Attempts++
	s.mu.Lock()
	s.lastAttempt[reward.ID] = now
	s.mu.Unlock()
	s.opts.OnSyncError(cause)

	patch := store.RewardPatch{Attempts: &reward.Attempts}
	exhausted := reward.Attempts >= s.opts.MaxAttempts
	if exhausted {
		reward.Status = records.RewardStatusFailed
		patch.Status = &reward.Status
	}

	if err := s.durable.UpdateReward(context.Background(), reward.ID, patch); err != nil &&
		!errors.Is(err, store.ErrUnavailable) && !errors.Is(err, store.ErrNotFound) {
		logger.Warn("Failed to record sync attempt for reward", reward.ID, ":", err)
	}
	if err := s.mirror.UpdateReward(reward); err != nil {
		logger.Warn("Failed to record sync attempt in cache for reward", reward.ID, ":", err)
	}

	if !exhausted {
		logger.Warn("Sync attempt", reward.Attempts, "failed for reward", reward.ID, ":", cause)
		s.pending.push(reward)
		return
	}

	logger.Error("Reward", reward.ID, "failed to sync after", reward.Attempts, "attempts:", cause)
	s.mu.Lock()
	alreadyNotified := s.notified[reward.ID]
	s.notified[reward.ID] = true
	s.mu.Unlock()
	if !alreadyNotified {
		s.opts.OnPermanentFailure(reward)
	}
}
