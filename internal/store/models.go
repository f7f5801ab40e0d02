package store

import (
	"time"

	"gorm.io/gorm"
)

// SQLiteReward represents a mining reward record
type SQLiteReward struct {
	gorm.Model
	RewardID    string `gorm:"uniqueIndex"`
	Amount      float64
	Timestamp   time.Time `gorm:"index"`
	SessionID   string    `gorm:"index"`
	Status      string    `gorm:"index"` // pending, completed, synced, failed
	ContentHash string    `gorm:"uniqueIndex"`
	Metadata    string    // JSON-encoded metadata map
	Attempts    int
	CompletedAt *time.Time
	SyncedAt    *time.Time
}

// SQLiteSession represents a mining session
type SQLiteSession struct {
	gorm.Model
	SessionID   string    `gorm:"uniqueIndex"`
	StartTime   time.Time `gorm:"index"`
	EndTime     *time.Time
	Status      string `gorm:"index"` // active, completed
	TotalTokens float64
	MiningPower float64
}

// SQLiteWalletTransaction is one entry in the balance audit trail
type SQLiteWalletTransaction struct {
	gorm.Model
	TransactionID string `gorm:"uniqueIndex"`
	Amount        float64
	Type          string    `gorm:"index"` // mining_reward, claim
	Timestamp     time.Time `gorm:"index"`
	Status        string
}

// SQLiteAppliedHash records a content hash already credited to the
// balance, so recovery never credits the same reward twice
type SQLiteAppliedHash struct {
	gorm.Model
	Hash string `gorm:"uniqueIndex"`
}

// SQLiteMetadata stores miscellaneous scalar state, including the
// mirrored balance
type SQLiteMetadata struct {
	gorm.Model
	Key   string `gorm:"uniqueIndex"`
	Value string
}

// SQLiteSecurityEvent is one entry in the append-only risk event log
type SQLiteSecurityEvent struct {
	gorm.Model
	EventType string `gorm:"index"`
	Weight    float64
	Details   string
	Timestamp time.Time `gorm:"index"`
}
