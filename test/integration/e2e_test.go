//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/ccbench/internal/daemon"
	"github.com/eliteGoblin/ccbench/internal/domain"
	"github.com/eliteGoblin/ccbench/internal/infra"
	"github.com/eliteGoblin/ccbench/internal/plan"
	"github.com/eliteGoblin/ccbench/internal/protocol"
	"github.com/eliteGoblin/ccbench/internal/usecase"
	"github.com/eliteGoblin/ccbench/test/fixtures"
)

const dataPort = 9000

var senderSeq atomic.Int64

// collectingRecorder keeps request records in memory.
type collectingRecorder struct {
	mu   sync.Mutex
	recs []domain.RequestLogRecord
}

func (r *collectingRecorder) Record(rec domain.RequestLogRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

func (r *collectingRecorder) all() []domain.RequestLogRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.RequestLogRecord(nil), r.recs...)
}

// coordinatorHarness runs a real coordinator against fake transfer and
// capture tools on a loopback listener.
type coordinatorHarness struct {
	dir         string
	tools       *fixtures.FakeTools
	logger      *zap.Logger
	pm          domain.ProcessManager
	senderName  string
	senderPath  string
	captureName string
	service     *usecase.TrialService
	store       *infra.TrialStore
	addr        string

	cancel   context.CancelFunc
	done     chan error
	stopOnce sync.Once
	stopErr  error
}

func startCoordinator(senderRuns time.Duration, senderExit int) *coordinatorHarness {
	dir, err := os.MkdirTemp("", "ccbench-integration-*")
	Expect(err).NotTo(HaveOccurred())

	h := &coordinatorHarness{
		dir:    dir,
		tools:  fixtures.NewFakeTools(dir),
		logger: zap.NewNop(),
		pm:     infra.NewProcessManager(),
		done:   make(chan error, 1),
	}

	h.senderName = fmt.Sprintf("fsnd%d_%d", os.Getpid()%100000, senderSeq.Add(1))
	h.senderPath, err = h.tools.Transfer(h.senderName, senderRuns, senderExit)
	Expect(err).NotTo(HaveOccurred())

	var capturePath string
	h.captureName, capturePath, err = h.tools.Capture()
	Expect(err).NotTo(HaveOccurred())
	dmesgPath, err := h.tools.Dmesg()
	Expect(err).NotTo(HaveOccurred())

	runner := infra.NewCommandRunner(&infra.ExecModeConfig{Mode: infra.PrivilegeNone})
	opts := infra.DefaultCaptureOptions()
	opts.ToolName = h.captureName
	opts.ToolPath = capturePath
	opts.Settle = 200 * time.Millisecond
	opts.PollInterval = 50 * time.Millisecond
	opts.PollAttempts = 20
	capture := infra.NewCaptureManager(opts, runner, h.pm,
		infra.NewFileSessionRegistryWithPath(filepath.Join(dir, "capture.json")), h.logger)
	telemetry := infra.NewPrivilegedTelemetry(capture,
		infra.NewDmesgKernelLogWithBinary(runner, dmesgPath), h.logger)

	h.service = usecase.NewTrialService(
		usecase.TrialServiceConfig{
			Sender:     domain.TransferSpec{Binary: h.senderPath, Port: dataPort},
			SizeAware:  true,
			PerfLog:    true,
			Interface:  "lo",
			SnapLen:    100,
			DrainDelay: 100 * time.Millisecond,
		},
		infra.NewSupervisorWithTimeout(time.Second, h.logger),
		telemetry,
		infra.NewArtifactDir(filepath.Join(dir, "out")),
		h.logger,
	)

	h.store, err = infra.OpenTrialStore(filepath.Join(dir, "store"), nil)
	Expect(err).NotTo(HaveOccurred())

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	ln, err := protocol.Listen(ctx, "127.0.0.1:0", h.logger)
	Expect(err).NotTo(HaveOccurred())
	h.addr = ln.Addr().String()

	coordinator := daemon.NewCoordinator(
		daemon.CoordinatorConfig{AcceptRetry: 100 * time.Millisecond},
		h.service, telemetry, h.store, h.logger)
	go func() { h.done <- coordinator.Serve(ctx, ln) }()
	return h
}

// stop cancels the coordinator, waits for its loop to return and cleans up.
// It returns what the loop returned.
func (h *coordinatorHarness) stop() error {
	h.stopOnce.Do(func() {
		h.cancel()
		select {
		case h.stopErr = <-h.done:
		case <-time.After(15 * time.Second):
			Fail("coordinator did not stop")
		}
		h.store.Close()
		os.RemoveAll(h.dir)
	})
	return h.stopErr
}

func (h *coordinatorHarness) served() []domain.ServedTrial {
	trials, err := h.store.RecentServed(context.Background(), 100)
	Expect(err).NotTo(HaveOccurred())
	sort.Slice(trials, func(i, j int) bool { return trials[i].StartedAt.Before(trials[j].StartedAt) })
	return trials
}

func (h *coordinatorHarness) running(name string) []int {
	pids, err := h.pm.FindByName(name)
	Expect(err).NotTo(HaveOccurred())
	return pids
}

func (h *coordinatorHarness) runRequester(receiverExit int, p plan.CyclePlan) (*collectingRecorder, string) {
	receiverPath, err := h.tools.Transfer("receiver", 300*time.Millisecond, receiverExit)
	Expect(err).NotTo(HaveOccurred())

	rec := &collectingRecorder{}
	requester := daemon.NewRequester(
		daemon.RequesterConfig{
			CoordAddr:      h.addr,
			DataHost:       "127.0.0.1",
			DataPort:       dataPort,
			Receiver:       domain.TransferSpec{Binary: receiverPath},
			PostReadyDelay: 50 * time.Millisecond,
			MaxCycles:      1,
		},
		protocol.NewClient(protocol.WithDialTimeout(2*time.Second)),
		usecase.NewTransferRunner(infra.NewSupervisorWithTimeout(time.Second, h.logger), h.logger),
		rec,
		nil,
		h.logger,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	Expect(requester.Run(ctx, p)).To(Succeed())
	return rec, receiverPath
}

func singleTrial(alg string, size int64) plan.CyclePlan {
	return &plan.Static{PlanID: "it", Algs: []string{alg}, SizesBytes: []int64{size}, ClientAlg: "bbr"}
}

var _ = Describe("Coordinated trial", func() {
	var h *coordinatorHarness

	AfterEach(func() {
		if h != nil {
			_ = h.stop()
		}
	})

	Context("when the sender succeeds", func() {
		BeforeEach(func() {
			h = startCoordinator(time.Second, 0)
		})

		It("should run capture and sender and notify completion", func() {
			rec, receiverPath := h.runRequester(0, singleTrial("astraea", 1048576))

			recs := rec.all()
			Expect(recs).To(HaveLen(1))
			Expect(recs[0].Skipped).To(BeFalse())
			Expect(recs[0].Success).To(BeTrue())
			Expect(recs[0].CompletionNotice).To(BeTrue())
			Expect(recs[0].ThroughputKbps).NotTo(BeNil())

			senderArgs, err := fixtures.ReadArgs(h.senderPath)
			Expect(err).NotTo(HaveOccurred())
			Expect(senderArgs).To(HaveLen(1))
			Expect(senderArgs[0]).To(HavePrefix("--port=9000 --cong=astraea --size=1048576 --perf-log="))

			receiverArgs, err := fixtures.ReadArgs(receiverPath)
			Expect(err).NotTo(HaveOccurred())
			Expect(receiverArgs).To(Equal([]string{"--ip=127.0.0.1 --port=9000 --size=1048576 --cong=bbr"}))

			Eventually(h.served).Should(HaveLen(1))
			trial := h.served()[0]
			Expect(trial.Role).To(Equal(daemon.RoleCoordinator))
			Expect(trial.Algorithm).To(Equal("astraea"))
			Expect(trial.Size).To(Equal(int64(1048576)))
			Expect(trial.Success).To(BeTrue())
			Expect(trial.CapturePath).To(BeAnExistingFile())
			Expect(trial.KernelLog).To(BeAnExistingFile())

			kernelLog, err := os.ReadFile(trial.KernelLog)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(kernelLog)).To(ContainSubstring("fake kernel log"))

			Expect(h.running(h.captureName)).To(BeEmpty())
			Eventually(h.service.State).Should(Equal(domain.StateAwaitRequest))
		})
	})

	Context("when the sender exits with an error", func() {
		BeforeEach(func() {
			h = startCoordinator(200*time.Millisecond, 1)
		})

		It("should still send completed and record the failure", func() {
			rec, _ := h.runRequester(1, singleTrial("cubic", 65536))

			recs := rec.all()
			Expect(recs).To(HaveLen(1))
			Expect(recs[0].Success).To(BeFalse())
			Expect(recs[0].CompletionNotice).To(BeTrue())

			Eventually(h.served).Should(HaveLen(1))
			trial := h.served()[0]
			Expect(trial.Success).To(BeFalse())
			Expect(trial.ExitCode).To(Equal(1))
			Expect(h.service.Snapshot().Failed).To(Equal(int64(1)))
			Expect(h.running(h.captureName)).To(BeEmpty())
		})
	})

	Context("when requests arrive while a trial is running", func() {
		BeforeEach(func() {
			h = startCoordinator(500*time.Millisecond, 0)
		})

		It("should serve them one at a time in arrival order", func() {
			algs := []string{"astraea", "cubic", "bbr"}
			client := protocol.NewClient()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			var wg sync.WaitGroup
			errs := make([]error, len(algs))
			for i, alg := range algs {
				wg.Add(1)
				go func(i int, alg string) {
					defer GinkgoRecover()
					defer wg.Done()
					time.Sleep(time.Duration(i) * 150 * time.Millisecond)
					sess, err := client.Negotiate(ctx, h.addr, alg, 1024)
					if err != nil {
						errs[i] = err
						return
					}
					errs[i] = sess.AwaitCompletion(ctx)
				}(i, alg)
			}
			wg.Wait()

			for _, err := range errs {
				Expect(err).NotTo(HaveOccurred())
			}

			Eventually(h.served).Should(HaveLen(len(algs)))
			trials := h.served()
			for i, trial := range trials {
				Expect(trial.Algorithm).To(Equal(algs[i]))
				if i > 0 {
					Expect(trial.StartedAt).NotTo(BeTemporally("<", trials[i-1].EndedAt))
				}
			}
		})
	})

	Context("when the coordinator is interrupted mid-transfer", func() {
		BeforeEach(func() {
			h = startCoordinator(30*time.Second, 0)
		})

		It("should tear down capture and sender before exiting", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			sess, err := protocol.NewClient().Negotiate(ctx, h.addr, "astraea", 1024)
			Expect(err).NotTo(HaveOccurred())

			Eventually(h.service.State).WithTimeout(5 * time.Second).Should(Equal(domain.StateCapturingAndRunning))
			Eventually(func() []int { return h.running(h.senderName) }).ShouldNot(BeEmpty())
			Expect(h.running(h.captureName)).NotTo(BeEmpty())

			Expect(h.stop()).To(MatchError(context.Canceled))

			Expect(h.running(h.captureName)).To(BeEmpty())
			Expect(h.running(h.senderName)).To(BeEmpty())
			Expect(sess.AwaitCompletion(ctx)).To(HaveOccurred())
		})
	})
})
