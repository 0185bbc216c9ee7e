package main

import (
	"fmt"
	"os"

	"github.com/meterline/backend/internal/config"
	"github.com/meterline/backend/internal/database"
	"github.com/meterline/backend/internal/services"
	"github.com/meterline/backend/internal/telemetry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Global flags
	envFile     string
	catalogPath string
)

var rootCmd = &cobra.Command{
	Use:   "billingctl",
	Short: "Operate the usage metering and billing engine",
	Long: `billingctl runs maintenance tasks against the billing database.

Connection settings are read from the same DATABASE_* and REDIS_* variables
as the server, optionally loaded from an .env file.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "env file with connection settings")
	rootCmd.PersistentFlags().StringVar(&catalogPath, "catalog", "", "tier catalog YAML (defaults to TIER_CATALOG_PATH)")
}

func loadConfig() {
	viper.SetConfigFile(envFile)
	viper.SetConfigType("env")
	viper.AutomaticEnv()

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")
	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")
	viper.BindEnv("catalog.path", "TIER_CATALOG_PATH")

	// A missing env file is fine; the environment still applies.
	_ = viper.ReadInConfig()
}

// engine holds the services a command needs. Audit events go to stderr so
// command output stays machine readable.
type engine struct {
	subs         *services.SubscriptionTracker
	reservations *services.ReservationService
	events       *services.EventService
	sweeps       *services.SweepService
	close        func()
}

func openEngine(cmd *cobra.Command) (*engine, error) {
	db, err := database.InitDB()
	if err != nil {
		return nil, err
	}

	path := catalogPath
	if path == "" {
		path = viper.GetString("catalog.path")
	}
	catalog, err := config.LoadCatalog(path)
	if err != nil {
		db.Close()
		return nil, err
	}

	engineCfg := config.LoadEngineConfig()
	audit := telemetry.NewAuditLoggerWithOutput(cmd.ErrOrStderr(), nil)

	closers := []func(){func() { db.Close() }}
	pgGuard := services.NewPostgresGuardStore(db)
	var guardStore services.GuardStore = pgGuard
	if rdb := database.InitRedis(); rdb != nil {
		guardStore = services.NewRedisGuardStore(rdb)
		closers = append(closers, func() { rdb.Close() })
	}

	ledger := services.NewLedgerService(db, audit, engineCfg)
	subs := services.NewSubscriptionTracker(audit, engineCfg)
	credits := services.NewCreditPackService(db, ledger, audit)
	events := services.NewEventService(db, subs, ledger, credits, catalog, audit, engineCfg)

	return &engine{
		subs:         subs,
		reservations: services.NewReservationService(db, services.NewDailyGuard(guardStore, audit, engineCfg), subs, ledger, credits, audit, engineCfg),
		events:       events,
		sweeps:       services.NewSweepService(db, subs, ledger, events, pgGuard, engineCfg),
		close: func() {
			for _, c := range closers {
				c()
			}
		},
	}, nil
}
