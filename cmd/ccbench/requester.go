package main

import (
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eliteGoblin/ccbench/internal/config"
	"github.com/eliteGoblin/ccbench/internal/daemon"
	"github.com/eliteGoblin/ccbench/internal/domain"
	"github.com/eliteGoblin/ccbench/internal/infra"
	"github.com/eliteGoblin/ccbench/internal/plan"
	"github.com/eliteGoblin/ccbench/internal/protocol"
	"github.com/eliteGoblin/ccbench/internal/usecase"
)

var requesterCmd = &cobra.Command{
	Use:   "requester",
	Short: "Run the client side of the benchmark",
}

var requesterRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a cycle plan against a coordinator",
	Long: `For each (algorithm, size) trial of the plan: send a request, wait for
ready, run the receiving binary, wait for completed and record the result.
A trial whose negotiation fails is recorded as skipped and the loop moves on.`,
	RunE: runRequester,
}

var requesterNocommCmd = &cobra.Command{
	Use:   "nocomm",
	Short: "Run a cycle plan without a coordination channel",
	Long:  `Runs the receiving binary directly against the data port for each trial.`,
	RunE:  runRequester,
}

var (
	requesterAlgsFlag  string
	requesterSizesFlag string
	receiverArgsFlag   string
	readyTimeout       time.Duration
	recoveryTimeout    time.Duration
)

func init() {
	for _, cmd := range []*cobra.Command{requesterRunCmd, requesterNocommCmd} {
		rq := &cfg.Requester
		f := cmd.Flags()
		f.StringVar(&rq.ServerHost, "server", rq.ServerHost, "Coordinator host")
		f.IntVar(&rq.DataPort, "data-port", rq.DataPort, "Data port on the coordinator host")
		f.StringVar(&rq.Plan, "plan", rq.Plan, "Cycle plan ID (see `ccbench plans`)")
		f.StringVar(&requesterAlgsFlag, "algorithms", "", "Comma-separated server algorithms overriding the plan")
		f.StringVar(&requesterSizesFlag, "sizes-kb", "", "Comma-separated sizes in KB overriding the plan")
		f.StringVar(&rq.ClientAlg, "client-algorithm", rq.ClientAlg, "Receiver congestion-control algorithm overriding the plan")
		f.StringVar(&rq.OutputDir, "output-dir", rq.OutputDir, "Directory for the request log and perf logs")
		f.StringVar(&rq.LogFile, "request-log", rq.LogFile, "CSV request log (default: requests_<time>.csv in the output directory)")
		f.StringVar(&rq.Receiver.Binary, "receiver", rq.Receiver.Binary, "Receiving transfer binary")
		f.StringVar(&receiverArgsFlag, "receiver-args", "", "Comma-separated extra receiver arguments")
		f.StringVar(&rq.Receiver.WorkDir, "receiver-workdir", rq.Receiver.WorkDir, "Working directory of the receiver")
		f.BoolVar(&rq.Receiver.PerfLog, "perf-log", rq.Receiver.PerfLog, "Write a per-trial client perf log")
		f.DurationVar(&rq.Receiver.StopTimeout, "stop-timeout", rq.Receiver.StopTimeout, "Grace period before killing the receiver")
		f.DurationVar(&rq.Pacing.InterTrial, "inter-trial", rq.Pacing.InterTrial, "Delay between trials, including skipped ones")
		f.DurationVar(&rq.Pacing.InterCycle, "inter-cycle", rq.Pacing.InterCycle, "Delay between cycles")
		f.IntVar(&rq.Pacing.MaxCycles, "max-cycles", rq.Pacing.MaxCycles, "Stop after this many cycles (0 runs until interrupted)")
		f.StringVar(&rq.Store.Dir, "store-dir", rq.Store.Dir, "Also record requests in the trial store in this directory")
		f.StringVar(&rq.Store.KeyFile, "store-key-file", rq.Store.KeyFile, "Encrypt the trial store with the key in this file")
	}

	rf := requesterRunCmd.Flags()
	rf.IntVar(&cfg.Requester.CoordPort, "coord-port", cfg.Requester.CoordPort, "Coordination port")
	rf.DurationVar(&cfg.Requester.Pacing.PostReady, "post-ready", cfg.Requester.Pacing.PostReady, "Delay after ready before starting the receiver")
	rf.DurationVar(&readyTimeout, "ready-timeout", 0, "Give up waiting for ready after this long (0 waits behind a busy coordinator)")
	rf.DurationVar(&recoveryTimeout, "recovery-ready-timeout", daemon.DefaultRequesterConfig().RecoveryReadyTimeout,
		"Ready timeout for the request after a receiver failed to start (0 waits indefinitely)")

	requesterCmd.AddCommand(requesterRunCmd)
	requesterCmd.AddCommand(requesterNocommCmd)
}

func runRequester(cmd *cobra.Command, args []string) error {
	logger := createLogger(cfg.LogFile, cfg.Debug)
	defer func() { _ = logger.Sync() }()

	rq := cfg.Requester
	nocomm := cmd.Name() == "nocomm"

	if requesterAlgsFlag != "" {
		rq.Algorithms = config.SplitList(requesterAlgsFlag)
	}
	if requesterSizesFlag != "" {
		sizes, err := config.ParseInt64List(requesterSizesFlag)
		if err != nil {
			return fmt.Errorf("invalid --sizes-kb: %w", err)
		}
		rq.SizesKB = sizes
	}
	if receiverArgsFlag != "" {
		rq.Receiver.ExtraArgs = config.SplitList(receiverArgsFlag)
	}

	p, err := plan.NewRegistry().Resolve(rq.Plan, rq.Algorithms, rq.SizesKB, rq.ClientAlg)
	if err != nil {
		return err
	}

	artifacts := infra.NewArtifactDir(rq.OutputDir)
	if err := artifacts.Ensure(); err != nil {
		return err
	}
	logPath := rq.LogFile
	if logPath == "" {
		logPath = filepath.Join(artifacts.Root(), "requests_"+time.Now().Format("20060102_150405")+".csv")
	}
	csvLog := infra.NewCSVRequestLog(logPath)
	recorders := infra.MultiRecorder{csvLog}

	store, err := openStore(rq.Store)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
		recorders = append(recorders, store)
	}

	var clientOpts []protocol.ClientOption
	if readyTimeout > 0 {
		clientOpts = append(clientOpts, protocol.WithReadyTimeout(readyTimeout))
	}

	requester := daemon.NewRequester(
		daemon.RequesterConfig{
			CoordAddr: net.JoinHostPort(rq.ServerHost, strconv.Itoa(rq.CoordPort)),
			DataHost:  rq.ServerHost,
			DataPort:  rq.DataPort,
			Receiver: domain.TransferSpec{
				Binary:    rq.Receiver.Binary,
				ExtraArgs: rq.Receiver.ExtraArgs,
				WorkDir:   rq.Receiver.WorkDir,
			},
			PerfLog:         rq.Receiver.PerfLog,
			Nocomm:          nocomm,
			PostReadyDelay:  rq.Pacing.PostReady,
			InterTrialDelay: rq.Pacing.InterTrial,
			InterCycleDelay: rq.Pacing.InterCycle,
			MaxCycles:       rq.Pacing.MaxCycles,

			RecoveryReadyTimeout: recoveryTimeout,
		},
		protocol.NewClient(clientOpts...),
		usecase.NewTransferRunner(infra.NewSupervisorWithTimeout(rq.Receiver.StopTimeout, logger), logger),
		recorders,
		artifacts,
		logger,
	)

	ctx, cancel := signalContext(logger)
	defer cancel()

	logger.Info("request log", zap.String("path", csvLog.Path()))
	return exitErr(requester.Run(ctx, p))
}
