package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsc-chain/mining-ledger/internal/records"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func pendingReward(amount float64, ts time.Time) records.RewardRecord {
	return records.NewRewardRecord(amount, "session-1", map[string]string{"source": "mining"}, ts)
}

func TestAppendAndQueryRewards(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	older := pendingReward(1, time.Now().Add(-time.Hour))
	newer := pendingReward(2, time.Now())
	require.NoError(t, s.AppendReward(ctx, newer))
	require.NoError(t, s.AppendReward(ctx, older))

	pending, err := s.RewardsByStatus(ctx, records.RewardStatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, older.ID, pending[0].ID, "oldest first")
	assert.Equal(t, older.Metadata, pending[0].Metadata)

	synced, err := s.RewardsByStatus(ctx, records.RewardStatusSynced)
	require.NoError(t, err)
	assert.Empty(t, synced)
}

func TestUpdateRewardPatchesFields(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	r := pendingReward(1, time.Now())
	require.NoError(t, s.AppendReward(ctx, r))

	status := records.RewardStatusFailed
	attempts := 5
	require.NoError(t, s.UpdateReward(ctx, r.ID, RewardPatch{Status: &status, Attempts: &attempts}))

	failed, err := s.RewardsByStatus(ctx, records.RewardStatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 5, failed[0].Attempts)
}

func TestUpdateRewardMissing(t *testing.T) {
	s := testStore(t)
	status := records.RewardStatusFailed
	err := s.UpdateReward(context.Background(), "no-such-id", RewardPatch{Status: &status})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestApplyCreditIsAtomicAndRecordsHash(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	r := pendingReward(2.5, time.Now())
	now := time.Now()
	r.Status = records.RewardStatusCompleted
	r.CompletedAt = &now
	tx := records.NewWalletTransaction(r.Amount, records.TransactionTypeMiningReward, now)

	applied, err := s.IsApplied(ctx, r.ContentHash)
	require.NoError(t, err)
	require.False(t, applied)

	require.NoError(t, s.ApplyCredit(ctx, r, tx, 2.5))

	applied, err = s.IsApplied(ctx, r.ContentHash)
	require.NoError(t, err)
	assert.True(t, applied)

	balance, err := s.LoadBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2.5, balance)

	completed, err := s.RewardsByStatus(ctx, records.RewardStatusCompleted)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, r.ID, completed[0].ID)
}

func TestApplyCreditUpsertsExistingRow(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	r := pendingReward(1, time.Now())
	require.NoError(t, s.AppendReward(ctx, r))

	now := time.Now()
	r.Status = records.RewardStatusCompleted
	r.CompletedAt = &now
	tx := records.NewWalletTransaction(r.Amount, records.TransactionTypeMiningReward, now)
	require.NoError(t, s.ApplyCredit(ctx, r, tx, 1))

	pending, err := s.RewardsByStatus(ctx, records.RewardStatusPending)
	require.NoError(t, err)
	assert.Empty(t, pending, "the pending row was upgraded, not duplicated")

	total, err := s.TotalMined(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.0, total)
}

func TestBalanceRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	balance, err := s.LoadBalance(ctx)
	require.NoError(t, err)
	assert.Zero(t, balance)

	require.NoError(t, s.SaveBalance(ctx, 7.25))
	require.NoError(t, s.SaveBalance(ctx, 9.5))

	balance, err = s.LoadBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 9.5, balance)
}

func TestSessionLifecycleAndStats(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	count, last, err := s.SessionStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Nil(t, last)

	session := records.NewSessionRecord(5, time.Now().Add(-time.Hour))
	require.NoError(t, s.SaveSession(ctx, session))

	end := time.Now()
	session.EndTime = &end
	session.Status = records.SessionStatusCompleted
	session.TotalTokens = 3.5
	require.NoError(t, s.UpdateSession(ctx, session))

	count, last, err = s.SessionStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	require.NotNil(t, last)
	assert.WithinDuration(t, end, *last, time.Second)
}

func TestCompactRespectsRetentionAndStatus(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	// old completed session goes, recent one stays
	oldSession := records.NewSessionRecord(5, now.Add(-40*24*time.Hour))
	oldSession.Status = records.SessionStatusCompleted
	require.NoError(t, s.SaveSession(ctx, oldSession))
	recentSession := records.NewSessionRecord(5, now.Add(-time.Hour))
	require.NoError(t, s.SaveSession(ctx, recentSession))

	// old synced reward goes, old failed reward stays
	oldSynced := pendingReward(1, now.Add(-40*24*time.Hour))
	oldSynced.Status = records.RewardStatusSynced
	require.NoError(t, s.AppendReward(ctx, oldSynced))
	oldFailed := pendingReward(2, now.Add(-40*24*time.Hour))
	oldFailed.Status = records.RewardStatusFailed
	require.NoError(t, s.AppendReward(ctx, oldFailed))

	// transaction retention is longer than session retention
	oldTx := records.NewWalletTransaction(1, records.TransactionTypeMiningReward, now.Add(-100*24*time.Hour))
	require.NoError(t, s.AppendTransaction(ctx, oldTx))

	require.NoError(t, s.Compact(ctx, now, 30*24*time.Hour, 90*24*time.Hour))

	count, _, err := s.SessionStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	synced, err := s.RewardsByStatus(ctx, records.RewardStatusSynced)
	require.NoError(t, err)
	assert.Empty(t, synced)

	failed, err := s.RewardsByStatus(ctx, records.RewardStatusFailed)
	require.NoError(t, err)
	assert.Len(t, failed, 1, "unresolved rewards survive compaction")
}

func TestUnavailableStoreErrors(t *testing.T) {
	s := Unavailable()
	ctx := context.Background()

	assert.False(t, s.Available())
	assert.True(t, errors.Is(s.AppendReward(ctx, records.RewardRecord{}), ErrUnavailable))
	_, err := s.LoadBalance(ctx)
	assert.True(t, errors.Is(err, ErrUnavailable))
	_, err = s.RewardsByStatus(ctx, records.RewardStatusPending)
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.NoError(t, s.Close())
}

func TestOpenSurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")

	s, err := Open(dbPath)
	require.NoError(t, err)
	r := pendingReward(3, time.Now())
	require.NoError(t, s.AppendReward(context.Background(), r))
	require.NoError(t, s.Close())

	s, err = Open(dbPath)
	require.NoError(t, err)
	defer s.Close()

	pending, err := s.RewardsByStatus(context.Background(), records.RewardStatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, r.ID, pending[0].ID)
}

func TestAppendRewardDetectsDuplicateHash(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ts := time.Now()
	first := pendingReward(1, ts)
	require.NoError(t, s.AppendReward(ctx, first))

	// a resubmission carries a fresh id but the same content hash
	duplicate := pendingReward(1, ts)
	require.Equal(t, first.ContentHash, duplicate.ContentHash)

	err := s.AppendReward(ctx, duplicate)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicate), "unique-index hit maps to ErrDuplicate")

	pending, qerr := s.RewardsByStatus(ctx, records.RewardStatusPending)
	require.NoError(t, qerr)
	assert.Len(t, pending, 1)
}
