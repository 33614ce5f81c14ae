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
	"github.com/eliteGoblin/ccbench/internal/status"
	"github.com/eliteGoblin/ccbench/internal/usecase"
)

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Run the server side of the benchmark",
}

var coordinatorServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve coordination requests one at a time",
	Long: `Listens for coordination requests. Each request is answered with ready,
then the capture and the sending binary are started. Once the sender exits
and the capture is torn down, completed is sent and the next request is
accepted. Requests that arrive meanwhile wait in the accept queue.`,
	RunE: runCoordinatorServe,
}

var coordinatorCycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run a cycle plan without a coordination channel (nocomm)",
	Long: `Iterates the cycle plan on the coordinator itself, running each trial
with capture and kernel log but without waiting for requests.`,
	RunE: runCoordinatorCycle,
}

var (
	senderArgsFlag string
	cycleAlgsFlag  string
	cycleSizesFlag string
)

func init() {
	for _, cmd := range []*cobra.Command{coordinatorServeCmd, coordinatorCycleCmd} {
		co := &cfg.Coordinator
		f := cmd.Flags()
		f.IntVar(&co.DataPort, "data-port", co.DataPort, "Data port passed to the sender and used as the capture filter")
		f.BoolVar(&co.SizeAware, "size-aware", co.SizeAware, "Pass the requested size to the sender")
		f.StringVar(&co.OutputDir, "output-dir", co.OutputDir, "Directory for captures, kernel logs and perf logs")
		f.StringVar(&co.Capture.Tool, "capture-tool", co.Capture.Tool, "Packet capture binary")
		f.StringVar(&co.Capture.Interface, "interface", co.Capture.Interface, "Capture interface")
		f.IntVar(&co.Capture.SnapLen, "snaplen", co.Capture.SnapLen, "Capture snap length")
		f.DurationVar(&co.Capture.Settle, "capture-settle", co.Capture.Settle, "Wait after starting the capture")
		f.BoolVar(&co.Capture.NameSweep, "name-sweep", co.Capture.NameSweep, "Also signal every process named like the capture tool on teardown")
		f.StringVar(&co.Capture.Privilege, "privilege", co.Capture.Privilege, "How to elevate helpers: auto, sudo or none")
		f.BoolVar(&co.Capture.Disabled, "no-telemetry", co.Capture.Disabled, "Disable capture and kernel log")
		f.StringVar(&co.Sender.Binary, "sender", co.Sender.Binary, "Sending transfer binary")
		f.StringVar(&senderArgsFlag, "sender-args", "", "Comma-separated extra sender arguments (replaces the defaults)")
		f.StringVar(&co.Sender.WorkDir, "sender-workdir", co.Sender.WorkDir, "Working directory of the sender")
		f.BoolVar(&co.Sender.PerfLog, "perf-log", co.Sender.PerfLog, "Write a per-trial server perf log")
		f.BoolVar(&co.Sender.RunAsInvoker, "run-as-invoker", co.Sender.RunAsInvoker, "Under sudo, run the sender as SUDO_USER")
		f.DurationVar(&co.Sender.StopTimeout, "stop-timeout", co.Sender.StopTimeout, "Grace period before killing the sender")
		f.DurationVar(&co.Pacing.Drain, "drain", co.Pacing.Drain, "Wait after the sender exits before stopping the capture")
		f.StringVar(&co.Store.Dir, "store-dir", co.Store.Dir, "Record served trials in this directory")
		f.StringVar(&co.Store.KeyFile, "store-key-file", co.Store.KeyFile, "Encrypt the trial store with the key in this file")
	}

	coordinatorServeCmd.Flags().StringVar(&cfg.Coordinator.ListenAddr, "listen", cfg.Coordinator.ListenAddr, "Coordination listen address")
	coordinatorServeCmd.Flags().StringVar(&cfg.Coordinator.StatusAddr, "status-addr", cfg.Coordinator.StatusAddr, "Serve GET /status and /trials on this address")

	cf := coordinatorCycleCmd.Flags()
	cf.StringVar(&cfg.Coordinator.Plan, "plan", cfg.Coordinator.Plan, "Cycle plan ID (see `ccbench plans`)")
	cf.StringVar(&cycleAlgsFlag, "algorithms", "", "Comma-separated algorithms overriding the plan")
	cf.StringVar(&cycleSizesFlag, "sizes-kb", "", "Comma-separated sizes in KB overriding the plan")
	cf.DurationVar(&cfg.Coordinator.Pacing.InterTrial, "inter-trial", cfg.Coordinator.Pacing.InterTrial, "Delay between trials")
	cf.DurationVar(&cfg.Coordinator.Pacing.InterCycle, "inter-cycle", cfg.Coordinator.Pacing.InterCycle, "Delay between cycles")
	cf.IntVar(&cfg.Coordinator.Pacing.MaxCycles, "max-cycles", cfg.Coordinator.Pacing.MaxCycles, "Stop after this many cycles (0 runs until interrupted)")

	coordinatorCmd.AddCommand(coordinatorServeCmd)
	coordinatorCmd.AddCommand(coordinatorCycleCmd)
}

// coordinatorStack is everything a coordinator command needs.
type coordinatorStack struct {
	service     *usecase.TrialService
	telemetry   domain.Telemetry
	store       *infra.TrialStore
	coordinator *daemon.Coordinator
}

func (s *coordinatorStack) Close() {
	if s.store != nil {
		s.store.Close()
	}
}

func buildCoordinator(co config.CoordinatorConfig, logger *zap.Logger) (*coordinatorStack, error) {
	if senderArgsFlag != "" {
		co.Sender.ExtraArgs = config.SplitList(senderArgsFlag)
	}

	mode, err := infra.ParsePrivilegeMode(co.Capture.Privilege)
	if err != nil {
		return nil, err
	}
	execMode := infra.DetectExecMode(mode)
	runner := infra.NewCommandRunner(execMode)
	pm := infra.NewProcessManager()

	coordPort := 0
	if _, port, err := net.SplitHostPort(co.ListenAddr); err == nil {
		coordPort, _ = strconv.Atoi(port)
	}

	var capture domain.CaptureManager
	var kernelLog domain.KernelLog
	if !co.Capture.Disabled {
		opts := infra.DefaultCaptureOptions()
		opts.ToolName = filepath.Base(co.Capture.Tool)
		opts.ToolPath = co.Capture.Tool
		opts.Settle = co.Capture.Settle
		opts.NameSweep = co.Capture.NameSweep
		capture = infra.NewCaptureManager(opts, runner, pm, infra.NewFileSessionRegistry(coordPort), logger)
		kernelLog = infra.NewDmesgKernelLog(runner)
	}
	telemetry := infra.NewPrivilegedTelemetry(capture, kernelLog, logger)

	sender := domain.TransferSpec{
		Binary:    co.Sender.Binary,
		ExtraArgs: co.Sender.ExtraArgs,
		WorkDir:   co.Sender.WorkDir,
		Port:      co.DataPort,
	}
	if co.Sender.RunAsInvoker {
		sender.RunAsUser = execMode.TransferUser()
	}

	service := usecase.NewTrialService(
		usecase.TrialServiceConfig{
			Sender:     sender,
			SizeAware:  co.SizeAware,
			PerfLog:    co.Sender.PerfLog,
			Interface:  co.Capture.Interface,
			SnapLen:    co.Capture.SnapLen,
			DataPort:   co.DataPort,
			DrainDelay: co.Pacing.Drain,
		},
		infra.NewSupervisorWithTimeout(co.Sender.StopTimeout, logger),
		telemetry,
		infra.NewArtifactDir(co.OutputDir),
		logger,
	)

	store, err := openStore(co.Store)
	if err != nil {
		return nil, err
	}
	var servedStore domain.ServedTrialStore
	if store != nil {
		servedStore = store
	}

	coordinator := daemon.NewCoordinator(
		daemon.CoordinatorConfig{
			InterTrialDelay: co.Pacing.InterTrial,
			InterCycleDelay: co.Pacing.InterCycle,
			MaxCycles:       co.Pacing.MaxCycles,
			AcceptRetry:     time.Second,
		},
		service,
		telemetry,
		servedStore,
		logger,
	)

	logger.Info("coordinator configured",
		zap.String("exec_mode", string(execMode.Mode)),
		zap.Bool("root", execMode.IsRoot),
		zap.String("sender_user", sender.RunAsUser),
		zap.String("sender", sender.Binary),
		zap.Int("data_port", co.DataPort),
		zap.Bool("telemetry", !co.Capture.Disabled))

	return &coordinatorStack{
		service:     service,
		telemetry:   telemetry,
		store:       store,
		coordinator: coordinator,
	}, nil
}

func runCoordinatorServe(cmd *cobra.Command, args []string) error {
	logger := createLogger(cfg.LogFile, cfg.Debug)
	defer func() { _ = logger.Sync() }()

	stack, err := buildCoordinator(cfg.Coordinator, logger)
	if err != nil {
		return err
	}
	defer stack.Close()

	ctx, cancel := signalContext(logger)
	defer cancel()

	ln, err := protocol.Listen(ctx, cfg.Coordinator.ListenAddr, logger)
	if err != nil {
		return err
	}

	if addr := cfg.Coordinator.StatusAddr; addr != "" {
		var servedStore domain.ServedTrialStore
		if stack.store != nil {
			servedStore = stack.store
		}
		srv := status.NewServer(stack.service, servedStore, logger)
		go func() {
			if err := srv.ListenAndServe(ctx, addr); exitErr(err) != nil {
				logger.Error("status server failed", zap.String("step", "status"), zap.Error(err))
			}
		}()
	}

	return exitErr(stack.coordinator.Serve(ctx, ln))
}

func runCoordinatorCycle(cmd *cobra.Command, args []string) error {
	logger := createLogger(cfg.LogFile, cfg.Debug)
	defer func() { _ = logger.Sync() }()

	sizes, err := config.ParseInt64List(cycleSizesFlag)
	if err != nil {
		return fmt.Errorf("invalid --sizes-kb: %w", err)
	}
	p, err := plan.NewRegistry().Resolve(cfg.Coordinator.Plan, config.SplitList(cycleAlgsFlag), sizes, "")
	if err != nil {
		return err
	}

	stack, err := buildCoordinator(cfg.Coordinator, logger)
	if err != nil {
		return err
	}
	defer stack.Close()

	ctx, cancel := signalContext(logger)
	defer cancel()

	logger.Info("running cycle plan", zap.String("plan", p.ID()), zap.Int("trials", len(plan.Trials(p))))
	return exitErr(stack.coordinator.Cycle(ctx, plan.Trials(p)))
}
