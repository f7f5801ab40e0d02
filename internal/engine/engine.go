// Package engine simulates mining: while a session is active it emits
// a reward per tick, scaled by the configured mining power. The engine
// only produces records; persistence and crediting belong to the
// owning service.
package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/rsc-chain/mining-ledger/internal/clock"
	"github.com/rsc-chain/mining-ledger/internal/logger"
	"github.com/rsc-chain/mining-ledger/internal/records"
)

const referencePower = 5.0

// Options configures an Engine.
type Options struct {
	BaseRate        float64 // tokens per tick at reference power
	MiningPower     float64
	Tick            time.Duration
	SessionDuration time.Duration // hard cap; sessions auto-complete past it

	// Emit receives each freshly minted reward. Called from the tick
	// goroutine; must not block for long.
	Emit func(records.RewardRecord)

	// OnSessionChange observes session starts and ends.
	OnSessionChange func(records.SessionRecord)
}

// Engine drives reward emission for at most one active session.
type Engine struct {
	clk  clock.Clock
	opts Options

	sched *clock.Scheduler

	mu      sync.Mutex
	session *records.SessionRecord
}

func New(clk clock.Clock, opts Options) *Engine {
	if opts.Emit == nil {
		opts.Emit = func(records.RewardRecord) {}
	}
	if opts.OnSessionChange == nil {
		opts.OnSessionChange = func(records.SessionRecord) {}
	}
	e := &Engine{clk: clk, opts: opts}
	e.sched = clock.NewScheduler(clk, opts.Tick, e.tick)
	return e
}

// Start launches the tick loop. No rewards are produced until a
// session begins.
func (e *Engine) Start() { e.sched.Start() }

// Stop halts the tick loop and completes any active session.
func (e *Engine) Stop() {
	e.sched.Stop()
	e.EndSession()
}

// StartSession opens a new mining session. Only one may be active.
func (e *Engine) StartSession() (records.SessionRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		return *e.session, fmt.Errorf("a mining session is already active")
	}

	s := records.NewSessionRecord(e.opts.MiningPower, e.clk.Now())
	e.session = &s
	logger.Info("Mining session", s.ID, "started at power", s.MiningPower)
	e.opts.OnSessionChange(s)
	return s, nil
}

// EndSession completes the active session, if any, and returns it.
func (e *Engine) EndSession() (records.SessionRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.endSessionLocked()
}

// ActiveSession returns a copy of the running session.
func (e *Engine) ActiveSession() (records.SessionRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return records.SessionRecord{}, false
	}
	return *e.session, true
}

func (e *Engine) endSessionLocked() (records.SessionRecord, bool) {
	if e.session == nil {
		return records.SessionRecord{}, false
	}
	now := e.clk.Now()
	e.session.EndTime = &now
	e.session.Status = records.SessionStatusCompleted
	done := *e.session
	e.session = nil
	logger.Info("Mining session", done.ID, "ended with", done.TotalTokens, "tokens")
	e.opts.OnSessionChange(done)
	return done, true
}

func (e *Engine) tick() {
	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return
	}

	now := e.clk.Now()
	if now.Sub(e.session.StartTime) >= e.opts.SessionDuration {
		e.endSessionLocked()
		e.mu.Unlock()
		return
	}

	amount := e.opts.BaseRate * (e.session.MiningPower / referencePower)
	e.session.TotalTokens += amount
	reward := records.NewRewardRecord(amount, e.session.ID, map[string]string{
		"source": "mining",
		"power":  fmt.Sprintf("%.2f", e.session.MiningPower),
	}, now)
	e.mu.Unlock()

	e.opts.Emit(reward)
}
