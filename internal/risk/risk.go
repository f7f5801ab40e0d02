// Package risk scores security-relevant events and triggers a
// one-shot protective lockdown when the rolling score crosses the
// threshold.
package risk

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rsc-chain/mining-ledger/internal/clock"
	"github.com/rsc-chain/mining-ledger/internal/logger"
	"github.com/rsc-chain/mining-ledger/internal/store"
)

// Event types and their score weights.
const (
	EventStorageError     = "storage_error"
	EventWriteFailure     = "write_failure"
	EventIntegrityFailure = "integrity_failure"
	EventAuthFailure      = "auth_failure"
	EventSyncAnomaly      = "sync_anomaly"
)

var eventWeights = map[string]float64{
	EventStorageError:     10,
	EventWriteFailure:     15,
	EventIntegrityFailure: 25,
	EventAuthFailure:      30,
	EventSyncAnomaly:      15,
}

type scoredEvent struct {
	weight float64
	at     time.Time
}

// Monitor accumulates weighted events. Each event stops counting
// toward the score once it ages past the decay window, so isolated
// glitches spread over time never trip the lockdown.
type Monitor struct {
	durable   store.Store
	clk       clock.Clock
	threshold float64
	window    time.Duration

	// onLockdown fires at most once per process lifetime.
	onLockdown func(score float64)

	mu       sync.Mutex
	events   []scoredEvent
	locked   bool
	lockOnce sync.Once
}

func NewMonitor(durable store.Store, clk clock.Clock, threshold float64, window time.Duration, onLockdown func(score float64)) *Monitor {
	if onLockdown == nil {
		onLockdown = func(float64) {}
	}
	return &Monitor{
		durable:    durable,
		clk:        clk,
		threshold:  threshold,
		window:     window,
		onLockdown: onLockdown,
	}
}

// Record scores an event, persists it to the security log, and runs
// the threshold check.
func (m *Monitor) Record(eventType, details string) {
	weight, known := eventWeights[eventType]
	if !known {
		logger.Warn("Ignoring unknown security event type:", eventType)
		return
	}
	now := m.clk.Now()

	err := m.durable.AppendSecurityEvent(context.Background(), eventType, weight, details, now)
	if err != nil && !errors.Is(err, store.ErrUnavailable) {
		logger.Warn("Failed to persist security event:", err)
	}

	m.mu.Lock()
	if m.locked {
		m.mu.Unlock()
		return
	}
	m.events = append(m.events, scoredEvent{weight: weight, at: now})
	score := m.scoreLocked(now)
	tripped := score >= m.threshold
	if tripped {
		m.locked = true
	}
	m.mu.Unlock()

	logger.Warn("Security event", eventType, "recorded, score now", score)
	if tripped {
		m.lockOnce.Do(func() {
			logger.Error("Risk score", score, "crossed threshold", m.threshold, "- entering lockdown")
			m.onLockdown(score)
		})
	}
}

// Score returns the current rolling score.
func (m *Monitor) Score() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scoreLocked(m.clk.Now())
}

// Locked reports whether the lockdown has fired.
func (m *Monitor) Locked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked
}

// scoreLocked sums unexpired events and prunes the rest. Caller holds
// the mutex.
func (m *Monitor) scoreLocked(now time.Time) float64 {
	cutoff := now.Add(-m.window)
	var live []scoredEvent
	var score float64
	for _, e := range m.events {
		if e.at.Before(cutoff) {
			continue
		}
		live = append(live, e)
		score += e.weight
	}
	m.events = live
	return score
}
