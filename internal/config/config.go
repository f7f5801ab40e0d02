package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// LoadConfig loads the configuration and sets default values for development/production
func LoadConfig() error {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; create a default one
			return createDefaultConfig()
		}
		return fmt.Errorf("error reading config file: %w", err)
	}

	// Ensure we have sensible defaults in case they are not in the config file
	setDefaults()

	return nil
}

// setDefaults sets default configuration values based on the environment
func setDefaults() {
	env := viper.GetString("ENV")
	if env == "" {
		env = "development"
		viper.Set("ENV", env)
	}

	if env == "development" {
		viper.SetDefault("backend_url", "http://localhost:9002/api/mining/rewards")
		viper.SetDefault("data_dir", "./dev_ledger")
		viper.SetDefault("log_level", "debug")
	} else if env == "production" {
		viper.SetDefault("backend_url", "https://backend.rsc-chain.com/api/mining/rewards")
		viper.SetDefault("data_dir", "/var/lib/rsc-mining-ledger")
		viper.SetDefault("log_level", "info")
	}

	// Common defaults for both environments
	viper.SetDefault("ledger_db_path", "") // derived from data_dir when empty
	viper.SetDefault("cache_db_path", "")  // derived from data_dir when empty
	viper.SetDefault("key_file_path", "")  // derived from data_dir when empty
	viper.SetDefault("log_file_path", "ledger.log")
	viper.SetDefault("api_port", 9004)
	viper.SetDefault("wallet_api_key", "")
	viper.SetDefault("jwt_keys_dir", "./jwtkeys")
	viper.SetDefault("allowed_origin", "*")
	viper.SetDefault("sync_interval", "30s")
	viper.SetDefault("sync_timeout", "15s")
	viper.SetDefault("sync_queue_cap", 100)
	viper.SetDefault("max_sync_attempts", 5)
	viper.SetDefault("compaction_interval", "1h")
	viper.SetDefault("cache_cap", 50)
	viper.SetDefault("session_retention", "720h")      // 30 days
	viper.SetDefault("transaction_retention", "2160h") // 90 days
	viper.SetDefault("session_duration", "24h")
	viper.SetDefault("mining_power", 5.0)
	viper.SetDefault("mining_base_rate", 0.001) // tokens per tick at power 5
	viper.SetDefault("mining_tick", "1s")
	viper.SetDefault("risk_threshold", 80.0)
	viper.SetDefault("risk_decay_window", "5m")
	viper.SetDefault("device_secret", "")
}

// createDefaultConfig creates a new configuration file if it doesn't exist
func createDefaultConfig() error {
	setDefaults()

	err := viper.SafeWriteConfig()
	if err != nil {
		if os.IsExist(err) {
			// If the config already exists, attempt to overwrite it
			err = viper.WriteConfig()
			if err != nil {
				return fmt.Errorf("error writing config file: %w", err)
			}
		} else {
			return fmt.Errorf("error creating config file: %w", err)
		}
	}

	fmt.Println("Created default configuration file")
	return nil
}
