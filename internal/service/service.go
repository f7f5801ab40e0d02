// Package service assembles the ledger subsystems and exposes the
// operations the CLI and HTTP API call. All dependencies are built
// here and passed down explicitly.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rsc-chain/mining-ledger/internal/cache"
	"github.com/rsc-chain/mining-ledger/internal/clock"
	"github.com/rsc-chain/mining-ledger/internal/engine"
	"github.com/rsc-chain/mining-ledger/internal/ledger"
	"github.com/rsc-chain/mining-ledger/internal/logger"
	"github.com/rsc-chain/mining-ledger/internal/records"
	"github.com/rsc-chain/mining-ledger/internal/recovery"
	"github.com/rsc-chain/mining-ledger/internal/retention"
	"github.com/rsc-chain/mining-ledger/internal/risk"
	"github.com/rsc-chain/mining-ledger/internal/store"
	"github.com/rsc-chain/mining-ledger/internal/syncer"
)

// A failed durable write is retried in the background before it
// counts against the risk score.
const (
	durableRetryAttempts = 3
	durableRetryBase     = 5 * time.Second
	durableRetryMax      = time.Minute
)

// Options carries every tunable the service needs. The CLI fills it
// from the config file.
type Options struct {
	BackendURL   string
	APIKey       string
	LedgerDBPath string
	CacheDBPath  string
	KeyFilePath  string
	DeviceSecret string

	SyncInterval    time.Duration
	SyncTimeout     time.Duration
	SyncQueueCap    int
	MaxSyncAttempts int

	CompactionInterval   time.Duration
	CacheCap             int
	SessionRetention     time.Duration
	TransactionRetention time.Duration

	SessionDuration time.Duration
	MiningPower     float64
	MiningBaseRate  float64
	MiningTick      time.Duration

	RiskThreshold   float64
	RiskDecayWindow time.Duration
}

// Notification is a user-facing message, the kind a UI would render
// as a toast.
type Notification struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// MiningStats is the aggregate view served by the stats endpoint.
type MiningStats struct {
	TotalMined     float64    `json:"totalMined"`
	TotalSessions  int64      `json:"totalSessions"`
	CurrentBalance float64    `json:"currentBalance"`
	PendingRewards int        `json:"pendingRewards"`
	LastMiningTime *time.Time `json:"lastMiningTime,omitempty"`
	LockedDown     bool       `json:"lockedDown"`
}

// Service owns the subsystem lifecycle.
type Service struct {
	opts Options
	clk  clock.Clock

	durable store.Store
	cryptor *cache.Cryptor
	mirror  *cache.Cache
	ledger  *ledger.Ledger
	syncer  *syncer.Syncer
	compact *retention.Compactor
	monitor *risk.Monitor
	miner   *engine.Engine

	notifications chan Notification
	quit          chan struct{}

	mu        sync.Mutex
	recovered bool
	closed    bool
}

// New builds every subsystem and runs the startup recovery pass. The
// mining engine stays idle until recovery has finished, so no fresh
// reward can interleave with a replayed one.
func New(opts Options, clk clock.Clock) (*Service, error) {
	s := &Service{
		opts:          opts,
		clk:           clk,
		notifications: make(chan Notification, 32),
		quit:          make(chan struct{}),
	}

	if err := s.openStores(); err != nil {
		return nil, err
	}

	var err error
	s.ledger, err = ledger.New(s.durable, s.mirror, clk, func(cause error) {
		s.monitor.Record(risk.EventWriteFailure, cause.Error())
	})
	if err != nil {
		s.closeStores()
		return nil, err
	}

	s.monitor = risk.NewMonitor(s.durable, clk, opts.RiskThreshold, opts.RiskDecayWindow, s.lockdown)

	submitter := syncer.NewHTTPSubmitter(opts.BackendURL, opts.APIKey,
		&http.Client{Timeout: opts.SyncTimeout})
	s.syncer = syncer.New(s.durable, s.mirror, submitter, clk, syncer.Options{
		Interval:    opts.SyncInterval,
		Timeout:     opts.SyncTimeout,
		QueueCap:    opts.SyncQueueCap,
		MaxAttempts: opts.MaxSyncAttempts,
		OnPermanentFailure: func(r records.RewardRecord) {
			s.notify("error", fmt.Sprintf("Reward of %.6f could not be synced and was marked failed", r.Amount))
		},
		OnSyncError: func(cause error) {
			s.monitor.Record(risk.EventSyncAnomaly, cause.Error())
		},
	})

	s.compact = retention.New(s.durable, s.mirror, clk, retention.Options{
		Interval:             opts.CompactionInterval,
		SessionRetention:     opts.SessionRetention,
		TransactionRetention: opts.TransactionRetention,
	})

	s.miner = engine.New(clk, engine.Options{
		BaseRate:        opts.MiningBaseRate,
		MiningPower:     opts.MiningPower,
		Tick:            opts.MiningTick,
		SessionDuration: opts.SessionDuration,
		Emit:            s.absorbReward,
		OnSessionChange: s.persistSession,
	})

	if err := s.runRecovery(); err != nil {
		logger.Error("Startup recovery failed:", err)
		s.monitor.Record(risk.EventStorageError, err.Error())
	}

	s.syncer.Start()
	s.compact.Start()
	s.miner.Start()
	return s, nil
}

// openStores opens the durable database and the encrypted cache. A
// broken database degrades to cache-only operation instead of
// refusing to start; a broken cache is fatal because the fast path
// has no substitute.
func (s *Service) openStores() error {
	var durable store.Store
	durable, err := store.Open(s.opts.LedgerDBPath)
	if err != nil {
		logger.Error("Durable store unavailable, running cache-only:", err)
		durable = store.Unavailable()
	}
	s.durable = durable

	key, err := cache.LoadOrCreateKey(s.opts.KeyFilePath, s.opts.DeviceSecret)
	if err != nil {
		s.durable.Close()
		return fmt.Errorf("failed to load storage key: %v", err)
	}
	s.cryptor, err = cache.NewCryptor(key)
	if err != nil {
		s.durable.Close()
		return err
	}
	s.mirror, err = cache.Open(s.opts.CacheDBPath, s.cryptor, s.opts.CacheCap)
	if err != nil {
		s.durable.Close()
		return fmt.Errorf("failed to open reward cache: %v", err)
	}
	return nil
}

func (s *Service) closeStores() {
	if s.durable != nil {
		s.durable.Close()
	}
}

func (s *Service) runRecovery() error {
	coordinator := recovery.New(s.durable, s.mirror, s.ledger)
	res, err := coordinator.Run(context.Background())
	s.mu.Lock()
	s.recovered = true
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if res.Credited > 0 {
		s.notify("info", fmt.Sprintf("Recovered %d unsaved rewards from a previous session", res.Credited))
		s.syncer.Kick()
	}
	return nil
}

// ProcessMiningReward persists a reward to both stores and credits the
// balance exactly once. Safe to call concurrently; the ledger
// serializes the balance mutation.
func (s *Service) ProcessMiningReward(ctx context.Context, amount float64, sessionID string, metadata map[string]string) (records.RewardRecord, error) {
	if amount <= 0 {
		return records.RewardRecord{}, fmt.Errorf("reward amount must be positive")
	}
	reward := records.NewRewardRecord(amount, sessionID, metadata, s.clk.Now())
	return reward, s.processReward(ctx, reward)
}

func (s *Service) processReward(ctx context.Context, reward records.RewardRecord) error {
	// Fast path first: the cache write is the one that must land
	// before this call returns.
	if err := s.mirror.PutReward(reward); err != nil {
		s.monitor.Record(risk.EventWriteFailure, err.Error())
		return fmt.Errorf("failed to persist reward: %v", err)
	}
	if err := s.durable.AppendReward(ctx, reward); err != nil {
		switch {
		case errors.Is(err, store.ErrDuplicate):
			// the hash is already on file; dedup, not damage
		case errors.Is(err, store.ErrUnavailable):
			logger.Warn("Durable store unavailable, cache copy holds reward", reward.ID)
		default:
			logger.Warn("Durable reward write failed, retrying with backoff:", err)
			s.retryAppend(reward)
		}
	}

	if _, err := s.ledger.Credit(ctx, reward); err != nil {
		if errors.Is(err, ledger.ErrAlreadyApplied) {
			return nil
		}
		return fmt.Errorf("failed to credit reward: %v", err)
	}

	reward.Status = records.RewardStatusCompleted
	s.syncer.Enqueue(reward)
	return nil
}

// retryAppend re-attempts a failed durable write in the background.
// Only exhausted retries reach the risk monitor; the cache copy keeps
// the reward recoverable the whole time.
func (s *Service) retryAppend(reward records.RewardRecord) {
	go func() {
		err := clock.Retry(s.clk, s.quit, durableRetryAttempts, durableRetryBase, durableRetryMax, func() error {
			err := s.durable.AppendReward(context.Background(), reward)
			if errors.Is(err, store.ErrDuplicate) {
				return nil
			}
			return err
		})
		switch {
		case err == nil:
			logger.Info("Durable write for reward", reward.ID, "landed on retry")
		case errors.Is(err, store.ErrUnavailable):
			logger.Warn("Durable store unavailable, cache copy holds reward", reward.ID)
		default:
			select {
			case <-s.quit:
				return
			default:
			}
			logger.Error("Durable write retries exhausted for reward", reward.ID, ":", err)
			s.monitor.Record(risk.EventStorageError, err.Error())
		}
	}()
}

// absorbReward is the engine's emit hook.
func (s *Service) absorbReward(reward records.RewardRecord) {
	if err := s.processReward(context.Background(), reward); err != nil {
		logger.Error("Failed to process mined reward:", err)
	}
}

func (s *Service) persistSession(session records.SessionRecord) {
	ctx := context.Background()
	var err error
	if session.Status == records.SessionStatusActive {
		err = s.durable.SaveSession(ctx, session)
	} else {
		err = s.durable.UpdateSession(ctx, session)
	}
	if err != nil && !errors.Is(err, store.ErrUnavailable) {
		logger.Warn("Failed to persist session", session.ID, ":", err)
		s.monitor.Record(risk.EventStorageError, err.Error())
	}
}

// StartMining opens a mining session.
func (s *Service) StartMining() (records.SessionRecord, error) {
	if s.monitor.Locked() {
		return records.SessionRecord{}, fmt.Errorf("service is locked down")
	}
	return s.miner.StartSession()
}

// StopMining ends the active session.
func (s *Service) StopMining() (records.SessionRecord, bool) {
	return s.miner.EndSession()
}

// Claim deducts amount from the balance.
func (s *Service) Claim(ctx context.Context, amount float64) (float64, error) {
	if s.monitor.Locked() {
		return s.ledger.Balance(), fmt.Errorf("service is locked down")
	}
	balance, err := s.ledger.Claim(ctx, amount)
	if err != nil {
		return balance, err
	}
	s.notify("info", fmt.Sprintf("Claimed %.6f tokens", amount))
	return balance, nil
}

// Balance returns the current total.
func (s *Service) Balance() float64 { return s.ledger.Balance() }

// BalanceUpdates exposes the ledger's balance stream.
func (s *Service) BalanceUpdates() <-chan float64 { return s.ledger.Subscribe() }

// Notifications exposes the user-facing message stream.
func (s *Service) Notifications() <-chan Notification { return s.notifications }

// FailedRewards lists rewards that exhausted their sync attempts.
func (s *Service) FailedRewards(ctx context.Context) ([]records.RewardRecord, error) {
	rewards, err := s.durable.RewardsByStatus(ctx, records.RewardStatusFailed)
	if err != nil && errors.Is(err, store.ErrUnavailable) {
		// Fall back to whatever the cache still mirrors.
		cached, cacheErr := s.mirror.Rewards()
		if cacheErr != nil {
			return nil, cacheErr
		}
		var failed []records.RewardRecord
		for _, r := range cached {
			if r.Status == records.RewardStatusFailed {
				failed = append(failed, r)
			}
		}
		return failed, nil
	}
	return rewards, err
}

// Stats aggregates the mining history.
func (s *Service) Stats(ctx context.Context) (MiningStats, error) {
	stats := MiningStats{
		CurrentBalance: s.ledger.Balance(),
		LockedDown:     s.monitor.Locked(),
	}

	totalMined, err := s.durable.TotalMined(ctx)
	if err != nil && !errors.Is(err, store.ErrUnavailable) {
		return stats, err
	}
	stats.TotalMined = totalMined

	sessions, last, err := s.durable.SessionStats(ctx)
	if err != nil && !errors.Is(err, store.ErrUnavailable) {
		return stats, err
	}
	stats.TotalSessions = sessions
	stats.LastMiningTime = last

	pending, err := s.durable.RewardsByStatus(ctx, records.RewardStatusCompleted)
	if err == nil {
		stats.PendingRewards = len(pending)
	}
	stats.PendingRewards += s.syncer.QueueLen()

	return stats, nil
}

// RecordSecurityEvent feeds an externally observed event into the risk
// monitor. The API layer uses it for auth failures.
func (s *Service) RecordSecurityEvent(eventType, details string) {
	s.monitor.Record(eventType, details)
}

// lockdown is the one-shot protective response: stop producing and
// transmitting, then destroy local encrypted state and its key.
func (s *Service) lockdown(score float64) {
	logger.Error("LOCKDOWN: risk score", score, "- wiping local encrypted state")
	s.notify("error", "Protective lockdown engaged; local mining halted")

	// The miner is stopped asynchronously: a lockdown triggered from
	// inside a tick would otherwise wait on its own loop.
	go s.miner.Stop()
	s.syncer.Disconnect()

	if err := s.mirror.Clear(); err != nil {
		logger.Error("Failed to clear cache during lockdown:", err)
	}
	s.cryptor.Wipe()
	if err := cache.RemoveKeyFile(s.opts.KeyFilePath); err != nil {
		logger.Error("Failed to remove key file during lockdown:", err)
	}
}

func (s *Service) notify(level, message string) {
	n := Notification{Level: level, Message: message, Time: s.clk.Now()}
	select {
	case s.notifications <- n:
	default:
		logger.Warn("Notification channel full, dropping:", message)
	}
}

// Close shuts every subsystem down in reverse dependency order.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.quit)
	s.miner.Stop()
	s.compact.Stop()
	s.syncer.Stop()
	s.ledger.Stop()
	return s.durable.Close()
}
