package main

import (
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/rsc-chain/mining-ledger/internal/service"
)

// serviceOptions assembles the service configuration from viper,
// deriving store paths from data_dir when they are not set explicitly.
func serviceOptions() service.Options {
	dataDir := viper.GetString("data_dir")

	ledgerDB := viper.GetString("ledger_db_path")
	if ledgerDB == "" {
		ledgerDB = filepath.Join(dataDir, "ledger.db")
	}
	cacheDB := viper.GetString("cache_db_path")
	if cacheDB == "" {
		cacheDB = filepath.Join(dataDir, "reward_cache")
	}
	keyFile := viper.GetString("key_file_path")
	if keyFile == "" {
		keyFile = filepath.Join(dataDir, "storage.key")
	}

	return service.Options{
		BackendURL:   viper.GetString("backend_url"),
		APIKey:       viper.GetString("wallet_api_key"),
		LedgerDBPath: ledgerDB,
		CacheDBPath:  cacheDB,
		KeyFilePath:  keyFile,
		DeviceSecret: viper.GetString("device_secret"),

		SyncInterval:    viper.GetDuration("sync_interval"),
		SyncTimeout:     viper.GetDuration("sync_timeout"),
		SyncQueueCap:    viper.GetInt("sync_queue_cap"),
		MaxSyncAttempts: viper.GetInt("max_sync_attempts"),

		CompactionInterval:   viper.GetDuration("compaction_interval"),
		CacheCap:             viper.GetInt("cache_cap"),
		SessionRetention:     viper.GetDuration("session_retention"),
		TransactionRetention: viper.GetDuration("transaction_retention"),

		SessionDuration: viper.GetDuration("session_duration"),
		MiningPower:     viper.GetFloat64("mining_power"),
		MiningBaseRate:  viper.GetFloat64("mining_base_rate"),
		MiningTick:      viper.GetDuration("mining_tick"),

		RiskThreshold:   viper.GetFloat64("risk_threshold"),
		RiskDecayWindow: viper.GetDuration("risk_decay_window"),
	}
}
