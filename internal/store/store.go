package store

import (
	"context"
	"time"

	"github.com/rsc-chain/mining-ledger/internal/records"
)

// RewardPatch carries the mutable fields of a reward row. Nil fields
// are left untouched.
type RewardPatch struct {
	Status      *string
	Attempts    *int
	CompletedAt *time.Time
	SyncedAt    *time.Time
}

// Store is the durable record store contract. The SQLite
// implementation is the primary backend; Unavailable() provides the
// degraded cache-only stand-in when the database cannot be opened.
type Store interface {
	Available() bool

	// Reward operations
	AppendReward(ctx context.Context, r records.RewardRecord) error
	RewardsByStatus(ctx context.Context, status string) ([]records.RewardRecord, error)
	UpdateReward(ctx context.Context, id string, patch RewardPatch) error
	RemoveReward(ctx context.Context, id string) error

	// Applied-set operations (dedup index for crash recovery)
	IsApplied(ctx context.Context, hash string) (bool, error)
	ApplyCredit(ctx context.Context, r records.RewardRecord, tx records.WalletTransaction, newBalance float64) error

	// Balance mirror
	SaveBalance(ctx context.Context, balance float64) error
	LoadBalance(ctx context.Context) (float64, error)

	// Session operations
	SaveSession(ctx context.Context, s records.SessionRecord) error
	UpdateSession(ctx context.Context, s records.SessionRecord) error
	SessionStats(ctx context.Context) (count int64, last *time.Time, err error)

	// Audit trail and security log
	AppendTransaction(ctx context.Context, t records.WalletTransaction) error
	AppendSecurityEvent(ctx context.Context, eventType string, weight float64, details string, ts time.Time) error

	// Aggregates
	TotalMined(ctx context.Context) (float64, error)

	// Retention
	Compact(ctx context.Context, now time.Time, sessionRetention, txRetention time.Duration) error

	Close() error
}

// Unavailable returns the degraded stand-in used when the primary
// store cannot be opened. Every operation reports ErrUnavailable so
// callers fall back to the fast-path cache.
func Unavailable() Store { return unavailableStore{} }

type unavailableStore struct{}

func (unavailableStore) Available() bool { return false }

func (unavailableStore) AppendReward(context.Context, records.RewardRecord) error {
	return ErrUnavailable
}

func (unavailableStore) RewardsByStatus(context.Context, string) ([]records.RewardRecord, error) {
	return nil, ErrUnavailable
}

func (unavailableStore) UpdateReward(context.Context, string, RewardPatch) error {
	return ErrUnavailable
}

func (unavailableStore) RemoveReward(context.Context, string) error { return ErrUnavailable }

func (unavailableStore) IsApplied(context.Context, string) (bool, error) {
	return false, ErrUnavailable
}

func (unavailableStore) ApplyCredit(context.Context, records.RewardRecord, records.WalletTransaction, float64) error {
	return ErrUnavailable
}

func (unavailableStore) SaveBalance(context.Context, float64) error { return ErrUnavailable }

func (unavailableStore) LoadBalance(context.Context) (float64, error) { return 0, ErrUnavailable }

func (unavailableStore) SaveSession(context.Context, records.SessionRecord) error {
	return ErrUnavailable
}

func (unavailableStore) UpdateSession(context.Context, records.SessionRecord) error {
	return ErrUnavailable
}

func (unavailableStore) SessionStats(context.Context) (int64, *time.Time, error) {
	return 0, nil, ErrUnavailable
}

func (unavailableStore) AppendTransaction(context.Context, records.WalletTransaction) error {
	return ErrUnavailable
}

func (unavailableStore) AppendSecurityEvent(context.Context, string, float64, string, time.Time) error {
	return ErrUnavailable
}

func (unavailableStore) TotalMined(context.Context) (float64, error) { return 0, ErrUnavailable }

func (unavailableStore) Compact(context.Context, time.Time, time.Duration, time.Duration) error {
	return ErrUnavailable
}

func (unavailableStore) Close() error { return nil }
