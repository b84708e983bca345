package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/crmbridge/crmsync/pkg/config"
	"github.com/crmbridge/crmsync/pkg/destination"
	"github.com/crmbridge/crmsync/pkg/engine"
	"github.com/crmbridge/crmsync/pkg/logger"
	"github.com/crmbridge/crmsync/pkg/ratelimit"
	"github.com/crmbridge/crmsync/pkg/source"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "crmsync",
		Short: "crmsync - CRM to analytic store replication engine",
		Long: `crmsync replicates customer-relationship records (managers, companies,
contacts, leads, deals, activities) from a rate-limited CRM API into a
relational analytic store, idempotently and in dependency order, and signals
per-deal aggregate recomputation after each load.`,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("crmsync v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	var mode string
	var lookbackHours int
	var logLevel string

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run one sync of all entity kinds",
		Long: `Run one synchronization pass. Configuration comes from the environment
(SOURCE_ENDPOINT, DESTINATION_CONNECTION, SYNC_MODE, LOOKBACK_HOURS); flags
override the mode, lookback and log level for this invocation.

The exit status reflects fatal vs non-fatal completion only; per-entity
failures are recorded in the sync_log table.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, mode, lookbackHours, logLevel)
		},
	}
	runCmd.Flags().StringVar(&mode, "mode", "", "Sync mode: full or incremental (overrides SYNC_MODE)")
	runCmd.Flags().IntVar(&lookbackHours, "lookback-hours", -1, "Incremental safety overlap in hours (overrides LOOKBACK_HOURS)")
	runCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")
	root.AddCommand(runCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runSync(cmd *cobra.Command, mode string, lookbackHours int, logLevel string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if mode != "" {
		cfg.Sync.Mode = config.SyncMode(mode)
	}
	if lookbackHours >= 0 {
		cfg.Sync.LookbackHours = lookbackHours
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		Encoding:    cfg.Logging.Encoding,
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Get()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	limiter := ratelimit.New(cfg.Source.RateLimitPerSec, cfg.Source.RateBurst)
	client, err := source.NewClient(cfg.Source, cfg.Reliability, limiter, log)
	if err != nil {
		return err
	}

	store, err := destination.NewPostgres(ctx, cfg.Destination, log)
	if err != nil {
		return err
	}
	defer store.Close()

	orch := engine.New(client, store, store, cfg.Sync.Mode, cfg.Lookback(), log)

	report, err := orch.Run(ctx)
	if err != nil {
		return err
	}

	for _, unit := range report.Units {
		log.Info("unit summary",
			zap.String("entity", string(unit.Kind)),
			zap.String("status", string(unit.Status)),
			zap.Int64("processed", unit.Counts.Processed),
			zap.Int64("inserted", unit.Counts.Inserted),
			zap.Int64("updated", unit.Counts.Updated),
			zap.Int64("failed", unit.Counts.Failed))
	}

	if !report.Succeeded {
		log.Warn("run finished with failed units; see sync_log for details",
			zap.String("run_id", report.RunID))
	}
	return nil
}
