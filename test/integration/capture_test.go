//go:build integration

package integration

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/ccbench/internal/domain"
	"github.com/eliteGoblin/ccbench/internal/infra"
	"github.com/eliteGoblin/ccbench/test/fixtures"
)

var _ = Describe("Capture Manager", func() {
	var (
		tmpDir   string
		tools    *fixtures.FakeTools
		pm       domain.ProcessManager
		runner   *infra.CommandRunnerImpl
		registry *infra.FileSessionRegistry
	)

	newManager := func(name, path string, nameSweep bool) *infra.CaptureManagerImpl {
		opts := infra.DefaultCaptureOptions()
		opts.ToolName = name
		opts.ToolPath = path
		opts.Settle = 100 * time.Millisecond
		opts.PollInterval = 50 * time.Millisecond
		opts.PollAttempts = 10
		opts.NameSweep = nameSweep
		return infra.NewCaptureManager(opts, runner, pm, registry, zap.NewNop())
	}

	captureConfig := func() domain.CaptureConfig {
		return domain.CaptureConfig{
			Interface:  "lo",
			OutputPath: filepath.Join(tmpDir, "trial.pcap"),
			Port:       dataPort,
		}
	}

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "ccbench-capture-*")
		Expect(err).NotTo(HaveOccurred())

		tools = fixtures.NewFakeTools(tmpDir)
		pm = infra.NewProcessManager()
		runner = infra.NewCommandRunner(&infra.ExecModeConfig{Mode: infra.PrivilegeNone})
		registry = infra.NewFileSessionRegistryWithPath(filepath.Join(tmpDir, "capture.json"))
	})

	AfterEach(func() {
		os.RemoveAll(tmpDir)
	})

	Describe("Start", func() {
		It("should record the session in its own process group", func() {
			name, path, err := tools.Capture()
			Expect(err).NotTo(HaveOccurred())
			cm := newManager(name, path, true)

			Expect(cm.Start(context.Background(), captureConfig())).To(Succeed())
			defer cm.Stop(context.Background())

			session := cm.Active()
			Expect(session).NotTo(BeNil())
			Expect(session.PGID).To(Equal(session.PID))
			Expect(session.ToolName).To(Equal(name))
			Expect(captureConfig().OutputPath).To(BeAnExistingFile())

			saved, err := registry.Load()
			Expect(err).NotTo(HaveOccurred())
			Expect(saved).NotTo(BeNil())
			Expect(saved.PGID).To(Equal(session.PGID))
		})

		It("should fail when the tool exits during the settle time", func() {
			path := filepath.Join(tmpDir, "fcapfail")
			Expect(os.WriteFile(path, []byte("#!/bin/sh\nexit 1\n"), 0755)).To(Succeed())
			cm := newManager("fcapfail", path, true)

			Expect(cm.Start(context.Background(), captureConfig())).To(HaveOccurred())
			Expect(cm.Active()).To(BeNil())
		})
	})

	Describe("Stop", func() {
		Context("when the capture ignores SIGINT and SIGTERM", func() {
			It("should escalate to SIGKILL and leave no capture process", func() {
				name, path, err := tools.StubbornCapture()
				Expect(err).NotTo(HaveOccurred())
				cm := newManager(name, path, true)

				Expect(cm.Start(context.Background(), captureConfig())).To(Succeed())
				Expect(pm.FindByName(name)).NotTo(BeEmpty())

				survivors, err := cm.Stop(context.Background())
				Expect(err).NotTo(HaveOccurred())
				Expect(survivors).To(BeEmpty())
				Expect(pm.FindByName(name)).To(BeEmpty())
				Expect(cm.Active()).To(BeNil())
			})
		})

		Context("when called twice", func() {
			It("should be a no-op the second time", func() {
				name, path, err := tools.Capture()
				Expect(err).NotTo(HaveOccurred())
				cm := newManager(name, path, true)
				Expect(cm.Start(context.Background(), captureConfig())).To(Succeed())

				_, err = cm.Stop(context.Background())
				Expect(err).NotTo(HaveOccurred())
				survivors, err := cm.Stop(context.Background())
				Expect(err).NotTo(HaveOccurred())
				Expect(survivors).To(BeEmpty())
			})
		})

		Context("when the context is already cancelled", func() {
			It("should still tear the capture down", func() {
				name, path, err := tools.Capture()
				Expect(err).NotTo(HaveOccurred())
				cm := newManager(name, path, true)
				Expect(cm.Start(context.Background(), captureConfig())).To(Succeed())

				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				_, err = cm.Stop(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(pm.FindByName(name)).To(BeEmpty())
			})
		})

		Context("when a previous run left a capture group behind", func() {
			It("should stop the recorded group without a name sweep", func() {
				name, path, err := tools.Capture()
				Expect(err).NotTo(HaveOccurred())

				// A capture started outside this manager, as a crashed run would leave it.
				orphan := exec.Command(path, "-w", filepath.Join(tmpDir, "stale.pcap"))
				orphan.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
				Expect(orphan.Start()).To(Succeed())
				exited := make(chan struct{})
				go func() {
					_ = orphan.Wait()
					close(exited)
				}()
				Eventually(func() ([]int, error) { return pm.FindByName(name) }).ShouldNot(BeEmpty())

				Expect(registry.Save(domain.CaptureSession{
					PID:       orphan.Process.Pid,
					PGID:      orphan.Process.Pid,
					ToolName:  name,
					StartedAt: time.Now(),
				})).To(Succeed())

				cm := newManager(name, path, false)
				_, err = cm.Stop(context.Background())
				Expect(err).NotTo(HaveOccurred())

				Eventually(exited).WithTimeout(5 * time.Second).Should(BeClosed())
				Expect(pm.FindByName(name)).To(BeEmpty())

				saved, err := registry.Load()
				Expect(err).NotTo(HaveOccurred())
				Expect(saved).To(BeNil())
			})
		})
	})
})
