package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/rsc-chain/mining-ledger/internal/logger"
	"github.com/rsc-chain/mining-ledger/internal/records"
)

const balanceKey = "wallet_balance"

// SQLiteStore is the primary durable store backed by gorm + SQLite.
type SQLiteStore struct {
	db     *gorm.DB
	dbPath string
}

// Open initializes the SQLite database and migrates the schema.
// Migration is idempotent and safe to run on every startup. A failed
// open wraps ErrUnavailable so the caller can degrade to cache-only
// mode; a failed integrity check triggers a destructive repair.
func Open(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("%w: failed to create directory: %v", ErrUnavailable, err)
		}
	}

	// Configure GORM to be less verbose and to map unique-index
	// violations to gorm.ErrDuplicatedKey
	config := &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Error),
		TranslateError: true,
	}

	db, err := gorm.Open(sqlite.Open(dbPath), config)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", ErrUnavailable, err)
	}

	s := &SQLiteStore{db: db, dbPath: dbPath}

	if err := s.checkIntegrity(); err != nil {
		logger.Error("Ledger database integrity check failed, running destructive repair:", err)
		if err := s.repair(); err != nil {
			return nil, fmt.Errorf("%w: repair failed: %v", ErrUnavailable, err)
		}
	}

	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("%w: failed to migrate database: %v", ErrUnavailable, err)
	}

	logger.Info("Ledger database initialized at", dbPath)
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	return s.db.AutoMigrate(
		&SQLiteReward{},
		&SQLiteSession{},
		&SQLiteWalletTransaction{},
		&SQLiteAppliedHash{},
		&SQLiteMetadata{},
		&SQLiteSecurityEvent{},
	)
}

// checkIntegrity runs SQLite's own integrity check. Any result other
// than "ok" maps to ErrCorrupt.
func (s *SQLiteStore) checkIntegrity() error {
	var result string
	if err := s.db.Raw("PRAGMA integrity_check").Scan(&result).Error; err != nil {
		return fmt.Errorf("%w: integrity check could not run: %v", ErrCorrupt, err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: integrity check reported %q", ErrCorrupt, result)
	}
	return nil
}

// repair drops and recreates every table. The data loss is accepted
// and logged explicitly, never silently.
func (s *SQLiteStore) repair() error {
	tables := []interface{}{
		&SQLiteReward{},
		&SQLiteSession{},
		&SQLiteWalletTransaction{},
		&SQLiteAppliedHash{},
		&SQLiteMetadata{},
		&SQLiteSecurityEvent{},
	}
	for _, table := range tables {
		if s.db.Migrator().HasTable(table) {
			if err := s.db.Migrator().DropTable(table); err != nil {
				return fmt.Errorf("failed to drop table: %v", err)
			}
		}
	}
	if err := s.migrate(); err != nil {
		return err
	}
	logger.Error("Ledger database was corrupt and has been recreated; local history before this point is lost")
	return nil
}

func (s *SQLiteStore) Available() bool { return true }

func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// AppendReward persists a reward row. The single-row insert is atomic:
// it either fully persists or has no observable effect. A content hash
// already on file maps to ErrDuplicate so the caller can treat the
// resubmission as a no-op.
func (s *SQLiteStore) AppendReward(ctx context.Context, r records.RewardRecord) error {
	row, err := rewardToRow(r)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransactionFailed, err)
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: reward %s", ErrDuplicate, r.ID)
		}
		return fmt.Errorf("%w: failed to append reward %s: %v", ErrTransactionFailed, r.ID, err)
	}
	return nil
}

// RewardsByStatus retrieves rewards with the given status, oldest first.
func (s *SQLiteStore) RewardsByStatus(ctx context.Context, status string) ([]records.RewardRecord, error) {
	var rows []SQLiteReward
	result := s.db.WithContext(ctx).Where("status = ?", status).Order("timestamp asc").Find(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("%w: failed to query rewards: %v", ErrTransactionFailed, result.Error)
	}

	rewards := make([]records.RewardRecord, 0, len(rows))
	for _, row := range rows {
		rewards = append(rewards, rowToReward(row))
	}
	return rewards, nil
}

// UpdateReward applies a patch to the reward with the given id.
func (s *SQLiteStore) UpdateReward(ctx context.Context, id string, patch RewardPatch) error {
	updates := map[string]interface{}{}
	if patch.Status != nil {
		updates["status"] = *patch.Status
	}
	if patch.Attempts != nil {
		updates["attempts"] = *patch.Attempts
	}
	if patch.CompletedAt != nil {
		updates["completed_at"] = *patch.CompletedAt
	}
	if patch.SyncedAt != nil {
		updates["synced_at"] = *patch.SyncedAt
	}
	if len(updates) == 0 {
		return nil
	}

	result := s.db.WithContext(ctx).Model(&SQLiteReward{}).
		Where("reward_id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("%w: failed to update reward %s: %v", ErrTransactionFailed, id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: reward %s", ErrNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) RemoveReward(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Where("reward_id = ?", id).Delete(&SQLiteReward{})
	if result.Error != nil {
		return fmt.Errorf("%w: failed to remove reward %s: %v", ErrTransactionFailed, id, result.Error)
	}
	return nil
}

// IsApplied reports whether a content hash has already been credited
// to the balance.
func (s *SQLiteStore) IsApplied(ctx context.Context, hash string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&SQLiteAppliedHash{}).
		Where("hash = ?", hash).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("%w: failed to check applied hash: %v", ErrTransactionFailed, err)
	}
	return count > 0, nil
}

// ApplyCredit records a balance credit in a single database
// transaction: the reward row is upserted as completed, the content
// hash joins the applied set, the audit trail gets its entry and the
// balance mirror is updated. Either all of it lands or none of it does.
func (s *SQLiteStore) ApplyCredit(ctx context.Context, r records.RewardRecord, walletTx records.WalletTransaction, newBalance float64) error {
	row, err := rewardToRow(r)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransactionFailed, err)
	}

	dbTx := s.db.WithContext(ctx).Begin()
	if dbTx.Error != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", ErrTransactionFailed, dbTx.Error)
	}

	// Upsert the reward row: a reward recovered from the cache may not
	// have a durable copy yet.
	var existing SQLiteReward
	err = dbTx.Where("reward_id = ?", r.ID).First(&existing).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		if err := dbTx.Create(&row).Error; err != nil {
			dbTx.Rollback()
			return fmt.Errorf("%w: failed to save reward: %v", ErrTransactionFailed, err)
		}
	case err != nil:
		dbTx.Rollback()
		return fmt.Errorf("%w: failed to look up reward: %v", ErrTransactionFailed, err)
	default:
		if err := dbTx.Model(&existing).Updates(map[string]interface{}{
			"status":       r.Status,
			"completed_at": r.CompletedAt,
		}).Error; err != nil {
			dbTx.Rollback()
			return fmt.Errorf("%w: failed to update reward: %v", ErrTransactionFailed, err)
		}
	}

	if err := dbTx.Create(&SQLiteAppliedHash{Hash: r.ContentHash}).Error; err != nil {
		dbTx.Rollback()
		return fmt.Errorf("%w: failed to record applied hash: %v", ErrTransactionFailed, err)
	}

	if err := dbTx.Create(&SQLiteWalletTransaction{
		TransactionID: walletTx.ID,
		Amount:        walletTx.Amount,
		Type:          walletTx.Type,
		Timestamp:     walletTx.Timestamp,
		Status:        walletTx.Status,
	}).Error; err != nil {
		dbTx.Rollback()
		return fmt.Errorf("%w: failed to record wallet transaction: %v", ErrTransactionFailed, err)
	}

	if err := saveMetadata(dbTx, balanceKey, strconv.FormatFloat(newBalance, 'f', -1, 64)); err != nil {
		dbTx.Rollback()
		return fmt.Errorf("%w: failed to save balance: %v", ErrTransactionFailed, err)
	}

	if err := dbTx.Commit().Error; err != nil {
		return fmt.Errorf("%w: failed to commit credit: %v", ErrTransactionFailed, err)
	}
	return nil
}

func (s *SQLiteStore) SaveBalance(ctx context.Context, balance float64) error {
	if err := saveMetadata(s.db.WithContext(ctx), balanceKey, strconv.FormatFloat(balance, 'f', -1, 64)); err != nil {
		return fmt.Errorf("%w: failed to save balance: %v", ErrTransactionFailed, err)
	}
	return nil
}

func (s *SQLiteStore) LoadBalance(ctx context.Context) (float64, error) {
	var metadata SQLiteMetadata
	result := s.db.WithContext(ctx).Where("key = ?", balanceKey).First(&metadata)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: failed to load balance: %v", ErrTransactionFailed, result.Error)
	}

	balance, err := strconv.ParseFloat(metadata.Value, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to parse stored balance: %v", ErrCorrupt, err)
	}
	return balance, nil
}

func (s *SQLiteStore) SaveSession(ctx context.Context, session records.SessionRecord) error {
	row := SQLiteSession{
		SessionID:   session.ID,
		StartTime:   session.StartTime,
		EndTime:     session.EndTime,
		Status:      session.Status,
		TotalTokens: session.TotalTokens,
		MiningPower: session.MiningPower,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("%w: failed to save session %s: %v", ErrTransactionFailed, session.ID, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, session records.SessionRecord) error {
	result := s.db.WithContext(ctx).Model(&SQLiteSession{}).
		Where("session_id = ?", session.ID).
		Updates(map[string]interface{}{
			"end_time":     session.EndTime,
			"status":       session.Status,
			"total_tokens": session.TotalTokens,
		})
	if result.Error != nil {
		return fmt.Errorf("%w: failed to update session %s: %v", ErrTransactionFailed, session.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: session %s", ErrNotFound, session.ID)
	}
	return nil
}

// SessionStats returns the session count and the time of the most
// recent mining activity.
func (s *SQLiteStore) SessionStats(ctx context.Context) (int64, *time.Time, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&SQLiteSession{}).Count(&count).Error; err != nil {
		return 0, nil, fmt.Errorf("%w: failed to count sessions: %v", ErrTransactionFailed, err)
	}

	var last SQLiteSession
	err := s.db.WithContext(ctx).Order("start_time desc").First(&last).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return count, nil, nil
		}
		return 0, nil, fmt.Errorf("%w: failed to load last session: %v", ErrTransactionFailed, err)
	}

	lastTime := last.StartTime
	if last.EndTime != nil {
		lastTime = *last.EndTime
	}
	return count, &lastTime, nil
}

func (s *SQLiteStore) AppendTransaction(ctx context.Context, t records.WalletTransaction) error {
	row := SQLiteWalletTransaction{
		TransactionID: t.ID,
		Amount:        t.Amount,
		Type:          t.Type,
		Timestamp:     t.Timestamp,
		Status:        t.Status,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("%w: failed to append wallet transaction: %v", ErrTransactionFailed, err)
	}
	return nil
}

func (s *SQLiteStore) AppendSecurityEvent(ctx context.Context, eventType string, weight float64, details string, ts time.Time) error {
	row := SQLiteSecurityEvent{
		EventType: eventType,
		Weight:    weight,
		Details:   details,
		Timestamp: ts,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("%w: failed to append security event: %v", ErrTransactionFailed, err)
	}
	return nil
}

// TotalMined sums every reward ever recorded, regardless of sync state.
func (s *SQLiteStore) TotalMined(ctx context.Context) (float64, error) {
	var total *float64
	if err := s.db.WithContext(ctx).Model(&SQLiteReward{}).
		Select("SUM(amount)").
		Scan(&total).Error; err != nil {
		return 0, fmt.Errorf("%w: failed to sum rewards: %v", ErrTransactionFailed, err)
	}
	if total == nil {
		return 0, nil
	}
	return *total, nil
}

// Compact removes sessions and wallet transactions older than their
// retention windows, and synced rewards past the session window.
// Pending, completed and failed rewards are never touched here: a
// record with unresolved sync attempts must survive compaction.
func (s *SQLiteStore) Compact(ctx context.Context, now time.Time, sessionRetention, txRetention time.Duration) error {
	sessionCutoff := now.Add(-sessionRetention)
	txCutoff := now.Add(-txRetention)

	db := s.db.WithContext(ctx)

	result := db.Where("start_time < ? AND status = ?", sessionCutoff, records.SessionStatusCompleted).
		Delete(&SQLiteSession{})
	if result.Error != nil {
		return fmt.Errorf("%w: failed to compact sessions: %v", ErrTransactionFailed, result.Error)
	}
	if result.RowsAffected > 0 {
		logger.Info("Compaction removed", result.RowsAffected, "old sessions")
	}

	result = db.Where("timestamp < ?", txCutoff).Delete(&SQLiteWalletTransaction{})
	if result.Error != nil {
		return fmt.Errorf("%w: failed to compact wallet transactions: %v", ErrTransactionFailed, result.Error)
	}
	if result.RowsAffected > 0 {
		logger.Info("Compaction removed", result.RowsAffected, "old wallet transactions")
	}

	result = db.Where("timestamp < ? AND status = ?", sessionCutoff, records.RewardStatusSynced).
		Delete(&SQLiteReward{})
	if result.Error != nil {
		return fmt.Errorf("%w: failed to compact synced rewards: %v", ErrTransactionFailed, result.Error)
	}
	if result.RowsAffected > 0 {
		logger.Info("Compaction removed", result.RowsAffected, "synced rewards")
	}

	return nil
}

func saveMetadata(db *gorm.DB, key, value string) error {
	var metadata SQLiteMetadata
	result := db.Where("key = ?", key).First(&metadata)
	if result.Error == nil {
		return db.Model(&metadata).Update("value", value).Error
	}
	if result.Error != gorm.ErrRecordNotFound {
		return result.Error
	}
	metadata = SQLiteMetadata{Key: key, Value: value}
	return db.Create(&metadata).Error
}

func rewardToRow(r records.RewardRecord) (SQLiteReward, error) {
	metadata, err := json.Marshal(r.Metadata)
	if err != nil {
		return SQLiteReward{}, fmt.Errorf("failed to encode reward metadata: %v", err)
	}
	return SQLiteReward{
		RewardID:    r.ID,
		Amount:      r.Amount,
		Timestamp:   r.Timestamp,
		SessionID:   r.SessionID,
		Status:      r.Status,
		ContentHash: r.ContentHash,
		Metadata:    string(metadata),
		Attempts:    r.Attempts,
		CompletedAt: r.CompletedAt,
		SyncedAt:    r.SyncedAt,
	}, nil
}

func rowToReward(row SQLiteReward) records.RewardRecord {
	var metadata map[string]string
	if row.Metadata != "" {
		// A damaged metadata blob is not fatal; the defining fields
		// live in their own columns.
		_ = json.Unmarshal([]byte(row.Metadata), &metadata)
	}
	return records.RewardRecord{
		ID:          row.RewardID,
		Amount:      row.Amount,
		Timestamp:   row.Timestamp,
		SessionID:   row.SessionID,
		Status:      row.Status,
		ContentHash: row.ContentHash,
		Metadata:    metadata,
		Attempts:    row.Attempts,
		CompletedAt: row.CompletedAt,
		SyncedAt:    row.SyncedAt,
	}
}
