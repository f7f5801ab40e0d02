package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rsc-chain/mining-ledger/internal/api"
	"github.com/rsc-chain/mining-ledger/internal/clock"
	"github.com/rsc-chain/mining-ledger/internal/config"
	"github.com/rsc-chain/mining-ledger/internal/logger"
	"github.com/rsc-chain/mining-ledger/internal/service"
)

var rootCmd = &cobra.Command{
	Use:   "mining-ledger",
	Short: "RSC mining reward ledger",
	Long:  `Local reward ledger for simulated mining: durable storage, crash recovery, and backend synchronization.`,
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(claimCmd)
	rootCmd.AddCommand(failedRewardsCmd)
}

func initConfig() {
	if err := config.LoadConfig(); err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}

	if err := logger.Init(viper.GetString("log_file_path")); err != nil {
		log.Fatalf("Error initializing logger: %v", err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	logger.Cleanup()
}

func buildService() (*service.Service, error) {
	return service.New(serviceOptions(), clock.NewSystem())
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the ledger service with its HTTP API",
	Run: func(cmd *cobra.Command, args []string) {
		svc, err := buildService()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error starting ledger service: %v\n", err)
			os.Exit(1)
		}
		defer svc.Close()

		// Surface notifications on stderr; a desktop UI would render
		// these as toasts.
		go func() {
			for n := range svc.Notifications() {
				logger.Info("Notification:", n.Level, n.Message)
			}
		}()

		if _, err := svc.StartMining(); err != nil {
			logger.Warn("Could not start mining session:", err)
		}

		jwtKey, err := api.EnsureJWTKey(viper.GetString("jwt_keys_dir"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error preparing JWT key: %v\n", err)
			os.Exit(1)
		}

		srv := api.NewAPI(svc, viper.GetString("wallet_api_key"), jwtKey, viper.GetString("allowed_origin"))
		go func() {
			if err := srv.StartServer(viper.GetInt("api_port")); err != nil {
				logger.Error("HTTP server stopped:", err)
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		logger.Info("Shutting down")
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print aggregate mining statistics",
	Run: func(cmd *cobra.Command, args []string) {
		svc, err := buildService()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening ledger: %v\n", err)
			os.Exit(1)
		}
		defer svc.Close()

		stats, err := svc.Stats(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading stats: %v\n", err)
			os.Exit(1)
		}
		json.NewEncoder(os.Stdout).Encode(stats)
	},
}

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Print the current balance",
	Run: func(cmd *cobra.Command, args []string) {
		svc, err := buildService()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening ledger: %v\n", err)
			os.Exit(1)
		}
		defer svc.Close()

		json.NewEncoder(os.Stdout).Encode(map[string]float64{"balance": svc.Balance()})
	},
}

var claimCmd = &cobra.Command{
	Use:   "claim [amount]",
	Short: "Claim tokens from the balance",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		amount, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid amount %q: %v\n", args[0], err)
			os.Exit(1)
		}

		svc, err := buildService()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening ledger: %v\n", err)
			os.Exit(1)
		}
		defer svc.Close()

		balance, err := svc.Claim(context.Background(), amount)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error claiming: %v\n", err)
			os.Exit(1)
		}
		json.NewEncoder(os.Stdout).Encode(map[string]float64{"claimed": amount, "balance": balance})
	},
}

var failedRewardsCmd = &cobra.Command{
	Use:   "failed-rewards",
	Short: "List rewards that could not be synced",
	Run: func(cmd *cobra.Command, args []string) {
		svc, err := buildService()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening ledger: %v\n", err)
			os.Exit(1)
		}
		defer svc.Close()

		failed, err := svc.FailedRewards(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading failed rewards: %v\n", err)
			os.Exit(1)
		}
		json.NewEncoder(os.Stdout).Encode(failed)
	},
}
