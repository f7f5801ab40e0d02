package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsc-chain/mining-ledger/internal/clock"
	"github.com/rsc-chain/mining-ledger/internal/records"
)

type collector struct {
	mu       sync.Mutex
	rewards  []records.RewardRecord
	sessions []records.SessionRecord
}

func (c *collector) emit(r records.RewardRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rewards = append(c.rewards, r)
}

func (c *collector) sessionChange(s records.SessionRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = append(c.sessions, s)
}

func (c *collector) emitted() []records.RewardRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]records.RewardRecord(nil), c.rewards...)
}

func newEngine(t *testing.T, power float64) (*Engine, *clock.Fake, *collector) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	col := &collector{}
	e := New(clk, Options{
		BaseRate:        0.001,
		MiningPower:     power,
		Tick:            time.Second,
		SessionDuration: 24 * time.Hour,
		Emit:            col.emit,
		OnSessionChange: col.sessionChange,
	})
	return e, clk, col
}

func TestNoRewardsWithoutSession(t *testing.T) {
	e, clk, col := newEngine(t, 5)

	clk.Advance(time.Second)
	e.tick()

	assert.Empty(t, col.emitted())
}

func TestTickEmitsScaledReward(t *testing.T) {
	e, clk, col := newEngine(t, 10)
	session, err := e.StartSession()
	require.NoError(t, err)

	clk.Advance(time.Second)
	e.tick()

	emitted := col.emitted()
	require.Len(t, emitted, 1)
	// base rate 0.001 at reference power 5, doubled at power 10
	assert.Equal(t, 0.002, emitted[0].Amount)
	assert.Equal(t, session.ID, emitted[0].SessionID)
	assert.Equal(t, records.RewardStatusPending, emitted[0].Status)
	assert.NoError(t, emitted[0].Validate())
}

func TestSessionAccumulatesTokens(t *testing.T) {
	e, clk, _ := newEngine(t, 5)
	_, err := e.StartSession()
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		clk.Advance(time.Second)
		e.tick()
	}

	session, active := e.ActiveSession()
	require.True(t, active)
	assert.InDelta(t, 0.01, session.TotalTokens, 1e-9)
}

func TestOnlyOneActiveSession(t *testing.T) {
	e, _, _ := newEngine(t, 5)
	_, err := e.StartSession()
	require.NoError(t, err)

	_, err = e.StartSession()
	assert.Error(t, err)
}

func TestSessionAutoCompletesAtDurationCap(t *testing.T) {
	e, clk, col := newEngine(t, 5)
	_, err := e.StartSession()
	require.NoError(t, err)

	clk.Advance(25 * time.Hour)
	e.tick()

	_, active := e.ActiveSession()
	assert.False(t, active, "session past its cap auto-completes")
	assert.Empty(t, col.emitted(), "no reward on the closing tick")

	col.mu.Lock()
	last := col.sessions[len(col.sessions)-1]
	col.mu.Unlock()
	assert.Equal(t, records.SessionStatusCompleted, last.Status)
	require.NotNil(t, last.EndTime)
}

func TestEndSessionReportsTotals(t *testing.T) {
	e, clk, _ := newEngine(t, 5)
	_, err := e.StartSession()
	require.NoError(t, err)

	clk.Advance(time.Second)
	e.tick()

	done, ok := e.EndSession()
	require.True(t, ok)
	assert.Equal(t, records.SessionStatusCompleted, done.Status)
	assert.InDelta(t, 0.001, done.TotalTokens, 1e-9)

	_, ok = e.EndSession()
	assert.False(t, ok)
}

func TestRewardTimestampsFollowClock(t *testing.T) {
	e, clk, col := newEngine(t, 5)
	_, err := e.StartSession()
	require.NoError(t, err)

	clk.Advance(time.Second)
	e.tick()
	clk.Advance(time.Second)
	e.tick()

	emitted := col.emitted()
	require.Len(t, emitted, 2)
	assert.True(t, emitted[1].Timestamp.After(emitted[0].Timestamp))
	assert.NotEqual(t, emitted[0].ContentHash, emitted[1].ContentHash)
}
