// Package ledger holds the single authoritative balance. Every
// mutation flows through one apply goroutine fed by a request channel,
// so two in-flight reward events can never interleave their
// read-modify-write of the scalar.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rsc-chain/mining-ledger/internal/cache"
	"github.com/rsc-chain/mining-ledger/internal/clock"
	"github.com/rsc-chain/mining-ledger/internal/logger"
	"github.com/rsc-chain/mining-ledger/internal/records"
	"github.com/rsc-chain/mining-ledger/internal/store"
)

// ErrAlreadyApplied reports a credit whose content hash is in the
// applied set. The caller treats it as success without a balance
// change.
var ErrAlreadyApplied = errors.New("reward already applied to balance")

// ErrInsufficientBalance rejects a claim larger than the balance.
var ErrInsufficientBalance = errors.New("insufficient balance")

// A failed durable write is retried in the background before it
// counts against the risk score.
const (
	durableRetryAttempts = 3
	durableRetryBase     = 5 * time.Second
	durableRetryMax      = time.Minute
)

// Ledger serializes all balance mutations and mirrors the result to
// both stores before acknowledging.
type Ledger struct {
	durable store.Store
	mirror  *cache.Cache
	clk     clock.Clock

	// onDurableError lets the owner feed persistent write failures
	// into the risk monitor without a package cycle.
	onDurableError func(error)

	requests chan request
	quit     chan struct{}
	done     chan struct{}

	mu      sync.Mutex
	balance float64
	applied map[string]bool
	subs    []chan float64
}

type request struct {
	ctx    context.Context
	reward *records.RewardRecord
	claim  float64
	resp   chan response
}

type response struct {
	balance float64
	err     error
}

// New builds the ledger, seeding the balance from the mirror (the
// synchronously written copy wins when the durable mirror lags).
func New(durable store.Store, mirror *cache.Cache, clk clock.Clock, onDurableError func(error)) (*Ledger, error) {
	if onDurableError == nil {
		onDurableError = func(error) {}
	}

	l := &Ledger{
		durable:        durable,
		mirror:         mirror,
		clk:            clk,
		onDurableError: onDurableError,
		requests:       make(chan request),
		quit:           make(chan struct{}),
		done:           make(chan struct{}),
		applied:        make(map[string]bool),
	}

	balance, err := mirror.Balance()
	if err != nil {
		logger.Warn("Could not read mirrored balance, falling back to durable copy:", err)
		balance, err = durable.LoadBalance(context.Background())
		if err != nil && !errors.Is(err, store.ErrUnavailable) {
			return nil, fmt.Errorf("failed to load balance: %v", err)
		}
	}
	l.balance = balance

	go l.applyLoop()
	return l, nil
}

// Stop shuts the apply loop down. Pending requests finish first.
func (l *Ledger) Stop() {
	close(l.quit)
	<-l.done
}

// Balance returns the current total.
func (l *Ledger) Balance() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance
}

// Subscribe returns a channel receiving every new balance. Slow
// consumers miss intermediate values, never the latest.
func (l *Ledger) Subscribe() <-chan float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch := make(chan float64, 16)
	l.subs = append(l.subs, ch)
	return ch
}

// Credit applies a reward to the balance exactly once per content
// hash. On success the reward is marked completed in both stores and
// the new balance has been persisted to both before returning.
func (l *Ledger) Credit(ctx context.Context, r records.RewardRecord) (float64, error) {
	return l.submit(request{ctx: ctx, reward: &r})
}

// Claim deducts amount from the balance, recording a claim
// transaction. The only permitted balance decrease.
func (l *Ledger) Claim(ctx context.Context, amount float64) (float64, error) {
	if amount <= 0 {
		return l.Balance(), fmt.Errorf("claim amount must be positive")
	}
	return l.submit(request{ctx: ctx, claim: amount})
}

func (l *Ledger) submit(req request) (float64, error) {
	req.resp = make(chan response, 1)
	if err := req.ctx.Err(); err != nil {
		return l.Balance(), err
	}
	select {
	case l.requests <- req:
	case <-req.ctx.Done():
		return l.Balance(), req.ctx.Err()
	case <-l.quit:
		return l.Balance(), fmt.Errorf("ledger stopped")
	}

	select {
	case resp := <-req.resp:
		return resp.balance, resp.err
	case <-req.ctx.Done():
		return l.Balance(), req.ctx.Err()
	}
}

func (l *Ledger) applyLoop() {
	defer close(l.done)
	for {
		select {
		case req := <-l.requests:
			var resp response
			if req.reward != nil {
				resp = l.applyCredit(req.ctx, *req.reward)
			} else {
				resp = l.applyClaim(req.ctx, req.claim)
			}
			req.resp <- resp
		case <-l.quit:
			return
		}
	}
}

func (l *Ledger) applyCredit(ctx context.Context, r records.RewardRecord) response {
	applied, err := l.isApplied(ctx, r.ContentHash)
	if err != nil {
		return response{balance: l.Balance(), err: err}
	}
	if applied {
		return response{balance: l.Balance(), err: ErrAlreadyApplied}
	}

	newBalance := l.Balance() + r.Amount
	now := l.clk.Now()
	r.Status = records.RewardStatusCompleted
	r.CompletedAt = &now
	walletTx := records.NewWalletTransaction(r.Amount, records.TransactionTypeMiningReward, now)

	// The mirror write is the fast, synchronous one; if it fails the
	// credit is not acknowledged at all. The completed record and the
	// balance land in one commit, so a crash can never leave a balance
	// that counts a reward still marked pending: recovery reads the
	// completed copy as proof the credit was applied.
	if err := l.mirror.CommitCredit(r, newBalance); err != nil {
		return response{balance: l.Balance(), err: fmt.Errorf("failed to persist credit to cache: %v", err)}
	}

	if err := l.durable.ApplyCredit(ctx, r, walletTx, newBalance); err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			logger.Warn("Durable store unavailable, credit held by cache only:", r.ID)
		} else {
			// The cache copy plus the recovery pass guarantee the
			// reward is not lost; retry before risk scoring sees it.
			logger.Error("Durable credit failed for reward", r.ID, ":", err)
			l.retryDurableCredit(r, walletTx)
		}
	}

	l.commitBalance(newBalance, r.ContentHash)
	return response{balance: newBalance}
}

// retryDurableCredit re-attempts a failed durable credit in the
// background with growing delays. Only exhausted retries are surfaced
// to the risk monitor.
func (l *Ledger) retryDurableCredit(r records.RewardRecord, walletTx records.WalletTransaction) {
	go func() {
		err := clock.Retry(l.clk, l.quit, durableRetryAttempts, durableRetryBase, durableRetryMax, func() error {
			ctx := context.Background()
			if applied, err := l.durable.IsApplied(ctx, r.ContentHash); err == nil && applied {
				return nil
			}
			return l.durable.ApplyCredit(ctx, r, walletTx, l.Balance())
		})
		if err == nil {
			logger.Info("Durable credit for reward", r.ID, "landed on retry")
			return
		}
		select {
		case <-l.quit:
			// shutdown aborted the retries; recovery settles the rest
			return
		default:
		}
		logger.Error("Durable credit retries exhausted for reward", r.ID, ":", err)
		l.onDurableError(err)
	}()
}

func (l *Ledger) applyClaim(ctx context.Context, amount float64) response {
	current := l.Balance()
	if amount > current {
		return response{balance: current, err: ErrInsufficientBalance}
	}

	newBalance := current - amount
	if err := l.mirror.SetBalance(newBalance); err != nil {
		return response{balance: current, err: fmt.Errorf("failed to persist balance to cache: %v", err)}
	}

	now := l.clk.Now()
	walletTx := records.NewWalletTransaction(amount, records.TransactionTypeClaim, now)
	if err := l.durable.AppendTransaction(ctx, walletTx); err != nil && !errors.Is(err, store.ErrUnavailable) {
		logger.Error("Failed to record claim transaction:", err)
		l.onDurableError(err)
	}
	if err := l.durable.SaveBalance(ctx, newBalance); err != nil && !errors.Is(err, store.ErrUnavailable) {
		logger.Error("Failed to mirror claimed balance:", err)
		l.onDurableError(err)
	}

	l.commitBalance(newBalance, "")
	return response{balance: newBalance}
}

func (l *Ledger) isApplied(ctx context.Context, hash string) (bool, error) {
	l.mu.Lock()
	inMemory := l.applied[hash]
	l.mu.Unlock()
	if inMemory {
		return true, nil
	}

	applied, err := l.durable.IsApplied(ctx, hash)
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			return false, nil
		}
		return false, err
	}
	return applied, nil
}

func (l *Ledger) commitBalance(balance float64, appliedHash string) {
	l.mu.Lock()
	l.balance = balance
	if appliedHash != "" {
		l.applied[appliedHash] = true
	}
	subs := make([]chan float64, len(l.subs))
	copy(subs, l.subs)
	l.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- balance:
		default:
			// drop the stale value so the latest one can land
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- balance:
			default:
			}
		}
	}
}
