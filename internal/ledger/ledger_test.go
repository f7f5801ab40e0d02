package ledger

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsc-chain/mining-ledger/internal/cache"
	"github.com/rsc-chain/mining-ledger/internal/clock"
	"github.com/rsc-chain/mining-ledger/internal/records"
	"github.com/rsc-chain/mining-ledger/internal/store"
)

func testMirror(t *testing.T) *cache.Cache {
	t.Helper()
	cryptor, err := cache.NewCryptor(bytes.Repeat([]byte{0x42}, 32))
	require.NoError(t, err)
	mirror, err := cache.OpenInMemory(cryptor, 100)
	require.NoError(t, err)
	return mirror
}

func testLedger(t *testing.T) (*Ledger, store.Store, *cache.Cache) {
	t.Helper()
	durable, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { durable.Close() })

	mirror := testMirror(t)
	l, err := New(durable, mirror, clock.NewSystem(), nil)
	require.NoError(t, err)
	t.Cleanup(l.Stop)
	return l, durable, mirror
}

func TestCreditIncreasesBalance(t *testing.T) {
	l, durable, mirror := testLedger(t)
	r := records.NewRewardRecord(1.5, "s1", nil, time.Now())

	balance, err := l.Credit(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, 1.5, balance)
	assert.Equal(t, 1.5, l.Balance())

	// both stores hold the new balance before Credit returned
	mirrored, err := mirror.Balance()
	require.NoError(t, err)
	assert.Equal(t, 1.5, mirrored)
	stored, err := durable.LoadBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.5, stored)
}

func TestCreditSameHashOnlyOnce(t *testing.T) {
	l, _, _ := testLedger(t)
	r := records.NewRewardRecord(2, "s1", nil, time.Now())

	_, err := l.Credit(context.Background(), r)
	require.NoError(t, err)

	_, err = l.Credit(context.Background(), r)
	require.ErrorIs(t, err, ErrAlreadyApplied)
	assert.Equal(t, 2.0, l.Balance())
}

func TestCreditDedupSurvivesRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	durable, err := store.Open(dbPath)
	require.NoError(t, err)
	mirror := testMirror(t)

	l, err := New(durable, mirror, clock.NewSystem(), nil)
	require.NoError(t, err)
	r := records.NewRewardRecord(3, "s1", nil, time.Now())
	_, err = l.Credit(context.Background(), r)
	require.NoError(t, err)
	l.Stop()
	require.NoError(t, durable.Close())

	// new process: fresh ledger over the same stores
	durable, err = store.Open(dbPath)
	require.NoError(t, err)
	defer durable.Close()
	l, err = New(durable, mirror, clock.NewSystem(), nil)
	require.NoError(t, err)
	defer l.Stop()

	assert.Equal(t, 3.0, l.Balance(), "balance seeded from the mirror")
	_, err = l.Credit(context.Background(), r)
	require.ErrorIs(t, err, ErrAlreadyApplied, "applied set survives restart")
}

func TestConcurrentCreditsSerialize(t *testing.T) {
	l, _, _ := testLedger(t)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := records.NewRewardRecord(1, "s1", map[string]string{"i": string(rune('a' + i))}, time.Now().Add(time.Duration(i)))
			_, err := l.Credit(context.Background(), r)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, float64(n), l.Balance())
}

func TestClaimDeductsBalance(t *testing.T) {
	l, durable, _ := testLedger(t)
	r := records.NewRewardRecord(10, "s1", nil, time.Now())
	_, err := l.Credit(context.Background(), r)
	require.NoError(t, err)

	balance, err := l.Claim(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, 6.0, balance)

	stored, err := durable.LoadBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6.0, stored)
}

func TestClaimRejectsOverdraw(t *testing.T) {
	l, _, _ := testLedger(t)
	r := records.NewRewardRecord(1, "s1", nil, time.Now())
	_, err := l.Credit(context.Background(), r)
	require.NoError(t, err)

	_, err = l.Claim(context.Background(), 2)
	require.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, 1.0, l.Balance())
}

func TestClaimRejectsNonPositiveAmount(t *testing.T) {
	l, _, _ := testLedger(t)
	_, err := l.Claim(context.Background(), 0)
	assert.Error(t, err)
	_, err = l.Claim(context.Background(), -1)
	assert.Error(t, err)
}

func TestCreditWithDurableUnavailable(t *testing.T) {
	mirror := testMirror(t)
	l, err := New(store.Unavailable(), mirror, clock.NewSystem(), nil)
	require.NoError(t, err)
	defer l.Stop()

	r := records.NewRewardRecord(2, "s1", nil, time.Now())
	balance, err := l.Credit(context.Background(), r)
	require.NoError(t, err, "cache-only degradation still credits")
	assert.Equal(t, 2.0, balance)

	mirrored, err := mirror.Balance()
	require.NoError(t, err)
	assert.Equal(t, 2.0, mirrored)
}

func TestSubscribeSeesLatestBalance(t *testing.T) {
	l, _, _ := testLedger(t)
	updates := l.Subscribe()

	r := records.NewRewardRecord(5, "s1", nil, time.Now())
	_, err := l.Credit(context.Background(), r)
	require.NoError(t, err)

	select {
	case balance := <-updates:
		assert.Equal(t, 5.0, balance)
	case <-time.After(time.Second):
		t.Fatal("no balance update received")
	}
}

func TestCanceledContextAborts(t *testing.T) {
	l, _, _ := testLedger(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := records.NewRewardRecord(1, "s1", nil, time.Now())
	_, err := l.Credit(ctx, r)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCreditCommitsMirrorRecordAndBalanceTogether(t *testing.T) {
	l, _, mirror := testLedger(t)
	r := records.NewRewardRecord(0.75, "s1", nil, time.Now())
	require.NoError(t, mirror.PutReward(r))

	_, err := l.Credit(context.Background(), r)
	require.NoError(t, err)

	mirrored, found, err := mirror.GetReward(r.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, records.RewardStatusCompleted, mirrored.Status,
		"the mirrored copy is upgraded in the same commit as the balance")

	balance, err := mirror.Balance()
	require.NoError(t, err)
	assert.Equal(t, 0.75, balance)
}

// flakyStore fails ApplyCredit a set number of times before delegating
// to the real store.
type flakyStore struct {
	store.Store
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) ApplyCredit(ctx context.Context, r records.RewardRecord, walletTx records.WalletTransaction, balance float64) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return store.ErrTransactionFailed
	}
	f.mu.Unlock()
	return f.Store.ApplyCredit(ctx, r, walletTx, balance)
}

func TestDurableCreditRetriesWithBackoff(t *testing.T) {
	durable, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { durable.Close() })
	flaky := &flakyStore{Store: durable, failures: 2}

	mirror := testMirror(t)
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	var escalations atomic.Int32
	l, err := New(flaky, mirror, clk, func(error) { escalations.Add(1) })
	require.NoError(t, err)
	defer l.Stop()

	r := records.NewRewardRecord(1, "s1", nil, clk.Now())
	balance, err := l.Credit(context.Background(), r)
	require.NoError(t, err, "the cache commit acknowledges the credit")
	assert.Equal(t, 1.0, balance)

	require.Eventually(t, func() bool {
		clk.Advance(time.Minute)
		applied, err := durable.IsApplied(context.Background(), r.ContentHash)
		return err == nil && applied
	}, 2*time.Second, 10*time.Millisecond, "the durable credit lands on a later attempt")
	assert.Zero(t, escalations.Load(), "a recovered write never reaches the risk monitor")
}

func TestDurableCreditEscalatesAfterRetriesExhausted(t *testing.T) {
	durable, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { durable.Close() })
	flaky := &flakyStore{Store: durable, failures: 1000}

	mirror := testMirror(t)
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	var escalations atomic.Int32
	l, err := New(flaky, mirror, clk, func(error) { escalations.Add(1) })
	require.NoError(t, err)
	defer l.Stop()

	r := records.NewRewardRecord(1, "s1", nil, clk.Now())
	_, err = l.Credit(context.Background(), r)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		clk.Advance(time.Minute)
		return escalations.Load() == 1
	}, 2*time.Second, 10*time.Millisecond, "exhausted retries surface exactly once")
}
