// Package main is the CLI entry point for ccbench.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eliteGoblin/ccbench/internal/config"
	"github.com/eliteGoblin/ccbench/internal/infra"
	"github.com/eliteGoblin/ccbench/internal/plan"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// cfg is populated from defaults, then .env and CCBENCH_* variables, then
// flags. Flags bind directly to its fields.
var cfg = config.Default()

var (
	envFile    string
	jsonOutput bool
	trialLimit int
	showReqs   bool
)

var rootCmd = &cobra.Command{
	Use:   "ccbench",
	Short: "Congestion-control benchmark coordinator and requester",
	Long: `ccbench runs paired congestion-control trials between two hosts.

The coordinator listens for one request at a time, starts a packet capture
and the sending transfer binary, and reports completion once the transfer
has exited and the capture is torn down. The requester walks a cycle plan
of (algorithm, size) trials, runs the receiving binary for each one and
records the outcome.`,
	Version:           Version,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

var plansCmd = &cobra.Command{
	Use:   "plans",
	Short: "List cycle plans",
	RunE:  runPlans,
}

var trialsCmd = &cobra.Command{
	Use:   "trials",
	Short: "Show recent trials from the trial store",
	Long:  `Lists served trials (coordinator) or request records (requester, --requests) newest first.`,
	RunE:  runTrials,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&envFile, "env-file", ".env", "Environment file loaded before CCBENCH_* variables")
	pf.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Write logs to this file instead of stderr")
	pf.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Enable development logging")

	trialsCmd.Flags().StringVar(&cfg.Coordinator.Store.Dir, "store-dir", cfg.Coordinator.Store.Dir, "Trial store directory")
	trialsCmd.Flags().StringVar(&cfg.Coordinator.Store.KeyFile, "store-key-file", cfg.Coordinator.Store.KeyFile, "Trial store key file")
	trialsCmd.Flags().IntVar(&trialLimit, "limit", 20, "Number of rows to show")
	trialsCmd.Flags().BoolVar(&showReqs, "requests", false, "Show requester records instead of served trials")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(coordinatorCmd)
	rootCmd.AddCommand(requesterCmd)
	rootCmd.AddCommand(plansCmd)
	rootCmd.AddCommand(trialsCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig rebuilds cfg from the environment and reapplies explicitly set
// flags on top, so flags win over CCBENCH_* variables.
func loadConfig(cmd *cobra.Command, args []string) error {
	changed := map[string]string{}
	cmd.Flags().Visit(func(f *pflag.Flag) {
		changed[f.Name] = f.Value.String()
	})

	loaded, err := config.LoadEnv(envFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg = loaded

	for name, value := range changed {
		if err := cmd.Flags().Set(name, value); err != nil {
			return fmt.Errorf("invalid --%s: %w", name, err)
		}
	}
	return nil
}

func createLogger(logFile string, debug bool) *zap.Logger {
	logCfg := zap.NewProductionConfig()
	if debug {
		logCfg = zap.NewDevelopmentConfig()
	}
	if logFile != "" {
		logCfg.OutputPaths = []string{logFile}
		logCfg.ErrorOutputPaths = []string{logFile}
	}
	logCfg.EncoderConfig.TimeKey = "time"
	logCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := logCfg.Build()
	if err != nil {
		// Fallback to stderr if file logging fails
		logger, _ = zap.NewProduction()
		logger.Warn("failed to open log file, logging to stderr", zap.String("path", logFile), zap.Error(err))
	}
	return logger
}

// signalContext is cancelled on SIGINT or SIGTERM. Teardown runs on the
// cancelled context, so a second signal is not needed.
func signalContext(logger *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

// exitErr maps a clean interrupt to success.
func exitErr(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// openStore opens the trial store, or returns nil when none is configured.
func openStore(sc config.StoreConfig) (*infra.TrialStore, error) {
	if sc.Dir == "" {
		return nil, nil
	}
	var key []byte
	if sc.KeyFile != "" {
		var err error
		key, err = infra.NewStoreKeyFile(sc.KeyFile).LoadOrCreate()
		if err != nil {
			return nil, err
		}
	}
	return infra.OpenTrialStore(sc.Dir, key)
}

func runPlans(cmd *cobra.Command, args []string) error {
	registry := plan.NewRegistry()

	fmt.Println("\n=== Cycle Plans ===")
	for _, id := range registry.List() {
		p, _ := registry.Get(id)
		marker := ""
		if id == plan.DefaultPlanID {
			marker = " (default)"
		}
		fmt.Printf("\n[%s]%s %s\n", p.ID(), marker, p.Description())
		fmt.Printf("  Server algorithms: %s\n", strings.Join(p.Algorithms(), ", "))
		fmt.Printf("  Client algorithm:  %s\n", p.ClientAlgorithm())
		if sizes := p.Sizes(); len(sizes) > 0 {
			kb := make([]string, len(sizes))
			for i, s := range sizes {
				kb[i] = fmt.Sprintf("%dKB", s/1024)
			}
			fmt.Printf("  Sizes:             %s\n", strings.Join(kb, ", "))
		} else {
			fmt.Println("  Sizes:             set by the transfer binary")
		}
		fmt.Printf("  Trials per cycle:  %d\n", len(plan.Trials(p)))
	}
	fmt.Println("\n===================")
	return nil
}

func runTrials(cmd *cobra.Command, args []string) error {
	sc := cfg.Coordinator.Store
	if showReqs && !cmd.Flags().Changed("store-dir") && cfg.Requester.Store.Dir != "" {
		sc = cfg.Requester.Store
	}
	store, err := openStore(sc)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("no trial store configured (use --store-dir or CCBENCH_STORE_DIR)")
	}
	defer store.Close()

	ctx := cmd.Context()
	if showReqs {
		recs, err := store.RecentRequests(ctx, trialLimit)
		if err != nil {
			return err
		}
		fmt.Printf("\n=== Requests (%s) ===\n", store.GetDBPath())
		for _, r := range recs {
			tput := "-"
			if r.ThroughputKbps != nil {
				tput = fmt.Sprintf("%.1f", *r.ThroughputKbps)
			}
			fmt.Printf("%s  cycle %d #%d  %s/%s  %dKB  %.2fs  success=%t  notice=%t  skipped=%t  kbps=%s\n",
				r.StartTime.Format(infra.CSVTimeLayout), r.Cycle, r.RequestNumber,
				r.ServerAlgorithm, r.ClientAlgorithm, r.RequestSizeKB(),
				r.DurationSeconds, r.Success, r.CompletionNotice, r.Skipped, tput)
		}
		return nil
	}

	trials, err := store.RecentServed(ctx, trialLimit)
	if err != nil {
		return err
	}
	fmt.Printf("\n=== Served trials (%s) ===\n", store.GetDBPath())
	for _, t := range trials {
		fmt.Printf("%s  %s  %s/%d  exit=%d  success=%t  %s\n",
			t.StartedAt.Format(infra.CSVTimeLayout), t.ID, t.Algorithm, t.Size,
			t.ExitCode, t.Success, t.EndedAt.Sub(t.StartedAt).Round(time.Millisecond))
		if t.CapturePath != "" {
			fmt.Printf("    capture: %s\n", t.CapturePath)
		}
		if t.Error != "" {
			fmt.Printf("    error:   %s\n", t.Error)
		}
	}
	return nil
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("ccbench %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
