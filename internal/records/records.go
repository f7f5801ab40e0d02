package records

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Reward lifecycle statuses. A reward is created pending, becomes
// completed once the balance ledger has absorbed it, synced once the
// remote backend acknowledges it, and failed when sync attempts are
// exhausted.
const (
	RewardStatusPending   = "pending"
	RewardStatusCompleted = "completed"
	RewardStatusSynced    = "synced"
	RewardStatusFailed    = "failed"
)

const (
	SessionStatusActive    = "active"
	SessionStatusCompleted = "completed"
)

const (
	TransactionTypeMiningReward = "mining_reward"
	TransactionTypeClaim        = "claim"
)

// RewardRecord is a single unit of earned value. ContentHash is the
// dedup key and never changes after creation.
type RewardRecord struct {
	ID          string            `json:"id"`
	Amount      float64           `json:"amount"`
	Timestamp   time.Time         `json:"timestamp"`
	SessionID   string            `json:"sessionId"`
	Status      string            `json:"status"`
	ContentHash string            `json:"contentHash"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Attempts    int               `json:"attempts"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
	SyncedAt    *time.Time        `json:"syncedAt,omitempty"`
}

// SessionRecord tracks one mining session. Mutated only by the owning
// session until it is closed.
type SessionRecord struct {
	ID          string     `json:"id"`
	StartTime   time.Time  `json:"startTime"`
	EndTime     *time.Time `json:"endTime,omitempty"`
	Status      string     `json:"status"`
	TotalTokens float64    `json:"totalTokens"`
	MiningPower float64    `json:"miningPower"`
}

// WalletTransaction is one entry in the append-only balance audit trail.
type WalletTransaction struct {
	ID        string    `json:"id"`
	Amount    float64   `json:"amount"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
}

// NewRewardRecord builds a pending reward with its content hash fixed
// at creation time.
func NewRewardRecord(amount float64, sessionID string, metadata map[string]string, ts time.Time) RewardRecord {
	return RewardRecord{
		ID:          uuid.NewString(),
		Amount:      amount,
		Timestamp:   ts,
		SessionID:   sessionID,
		Status:      RewardStatusPending,
		ContentHash: ContentHash(amount, metadata, ts),
		Metadata:    metadata,
	}
}

// ContentHash computes the deterministic digest over a reward's
// defining fields. Metadata keys are sorted so the digest does not
// depend on map iteration order.
func ContentHash(amount float64, metadata map[string]string, ts time.Time) string {
	var sb strings.Builder
	sb.WriteString(strconv.FormatFloat(amount, 'f', -1, 64))
	sb.WriteByte('|')

	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(metadata[k])
		sb.WriteByte('|')
	}

	sb.WriteString(strconv.FormatInt(ts.UnixNano(), 10))

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// Validate reports whether a recovered record carries the fields the
// ledger requires before it may be credited.
func (r RewardRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("reward record missing id")
	}
	if r.Amount <= 0 {
		return fmt.Errorf("reward record %s has non-positive amount %f", r.ID, r.Amount)
	}
	if r.ContentHash == "" {
		return fmt.Errorf("reward record %s missing content hash", r.ID)
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("reward record %s missing timestamp", r.ID)
	}
	return nil
}

// NewSessionRecord starts an active session.
func NewSessionRecord(miningPower float64, start time.Time) SessionRecord {
	return SessionRecord{
		ID:          uuid.NewString(),
		StartTime:   start,
		Status:      SessionStatusActive,
		MiningPower: miningPower,
	}
}

// NewWalletTransaction records one balance mutation.
func NewWalletTransaction(amount float64, txType string, ts time.Time) WalletTransaction {
	return WalletTransaction{
		ID:        uuid.NewString(),
		Amount:    amount,
		Type:      txType,
		Timestamp: ts,
		Status:    "completed",
	}
}
