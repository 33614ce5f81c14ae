package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eliteGoblin/ccbench/internal/domain"
	"github.com/eliteGoblin/ccbench/internal/plan"
	"github.com/eliteGoblin/ccbench/internal/protocol"
	"github.com/eliteGoblin/ccbench/internal/usecase"
)

// DefaultClientAlgorithm is used when a plan leaves the receiver algorithm unset.
const DefaultClientAlgorithm = "cubic"

// RequesterConfig holds requester loop configuration.
type RequesterConfig struct {
	CoordAddr string // host:port of the coordination listener
	DataHost  string
	DataPort  int

	// Receiver is the template for the receiving binary; Host, Port,
	// Algorithm, Size and PerfLog are filled per trial.
	Receiver domain.TransferSpec
	PerfLog  bool

	// Nocomm skips negotiation and runs the receiver directly.
	Nocomm bool

	PostReadyDelay  time.Duration
	InterTrialDelay time.Duration
	InterCycleDelay time.Duration
	MaxCycles       int // 0 runs until cancelled

	// RecoveryReadyTimeout bounds the wait for ready after the receiver failed
	// to start. The coordinator keeps serving that trial until its sender
	// gives up, so an unbounded wait could block forever. Zero disables it.
	RecoveryReadyTimeout time.Duration
}

// DefaultRequesterConfig returns default requester configuration.
func DefaultRequesterConfig() RequesterConfig {
	return RequesterConfig{
		CoordAddr:       "127.0.0.1:8889",
		DataHost:        "127.0.0.1",
		DataPort:        8888,
		PerfLog:         true,
		PostReadyDelay:  5 * time.Second,
		InterTrialDelay: 10 * time.Second,
		InterCycleDelay: 2 * time.Second,

		RecoveryReadyTimeout: 30 * time.Second,
	}
}

// Requester drives a cycle plan against a coordinator.
type Requester struct {
	config    RequesterConfig
	client    *protocol.Client
	runner    *usecase.TransferRunner
	recorder  domain.TrialRecorder
	artifacts domain.ArtifactLayout
	logger    *zap.Logger

	// stranded is set when the coordinator may still be serving a trial whose
	// receiver never started.
	stranded bool
}

// NewRequester creates a requester. artifacts may be nil when no perf logs are written.
func NewRequester(
	config RequesterConfig,
	client *protocol.Client,
	runner *usecase.TransferRunner,
	recorder domain.TrialRecorder,
	artifacts domain.ArtifactLayout,
	logger *zap.Logger,
) *Requester {
	return &Requester{
		config:    config,
		client:    client,
		runner:    runner,
		recorder:  recorder,
		artifacts: artifacts,
		logger:    logger,
	}
}

// Run iterates p until MaxCycles is reached or ctx is cancelled. A failed trial
// never ends the loop; the inter-trial delay applies to skipped trials too.
func (r *Requester) Run(ctx context.Context, p plan.CyclePlan) error {
	if err := plan.Validate(p); err != nil {
		return err
	}
	trials := plan.Trials(p)
	if !r.config.Nocomm {
		for _, t := range trials {
			if t.Size <= 0 {
				return fmt.Errorf("plan %s: coordinated trials need a size, got %s", p.ID(), t)
			}
		}
	}
	clientAlg := p.ClientAlgorithm()
	if clientAlg == "" {
		clientAlg = DefaultClientAlgorithm
	}

	r.logger.Info("requester started",
		zap.String("plan", p.ID()),
		zap.Int("trials_per_cycle", len(trials)),
		zap.Bool("nocomm", r.config.Nocomm),
		zap.String("coordinator", r.config.CoordAddr))

	requestNumber := 0
	for cycle := 1; r.config.MaxCycles == 0 || cycle <= r.config.MaxCycles; cycle++ {
		var ok, failed, skipped int
		r.logger.Info("cycle started", zap.Int("cycle", cycle))

		for _, trial := range trials {
			requestNumber++
			rec, err := r.runTrial(ctx, trial, clientAlg, cycle, requestNumber)
			r.record(rec)
			switch {
			case rec.Skipped:
				skipped++
			case rec.Success:
				ok++
			default:
				failed++
			}
			if err != nil {
				return err
			}
			if err := sleepCtx(ctx, r.config.InterTrialDelay); err != nil {
				return err
			}
		}

		r.logger.Info("cycle completed",
			zap.Int("cycle", cycle),
			zap.Int("succeeded", ok),
			zap.Int("failed", failed),
			zap.Int("skipped", skipped))
		if err := sleepCtx(ctx, r.config.InterCycleDelay); err != nil {
			return err
		}
	}
	return nil
}

// runTrial runs one trial. The returned error is non-nil only when ctx ended
// the trial; every other failure is reported in the record.
func (r *Requester) runTrial(ctx context.Context, trial domain.TrialSpec, clientAlg string, cycle, n int) (domain.RequestLogRecord, error) {
	rec := domain.RequestLogRecord{
		ID:               uuid.NewString(),
		Timestamp:        time.Now(),
		StartTime:        time.Now(),
		ServerAlgorithm:  trial.Algorithm,
		ClientAlgorithm:  clientAlg,
		RequestSizeBytes: trial.Size,
		Cycle:            cycle,
		RequestNumber:    n,
	}
	log := r.logger.With(
		zap.String("trial_id", rec.ID),
		zap.String("algorithm", trial.Algorithm),
		zap.Int64("size", trial.Size),
		zap.Int("request", n))

	var sess *protocol.Session
	if !r.config.Nocomm {
		nctx := ctx
		if r.stranded && r.config.RecoveryReadyTimeout > 0 {
			var cancel context.CancelFunc
			nctx, cancel = context.WithTimeout(ctx, r.config.RecoveryReadyTimeout)
			defer cancel()
		}
		var err error
		sess, err = r.client.Negotiate(nctx, r.config.CoordAddr, trial.Algorithm, trial.Size)
		if err != nil {
			rec.Skipped = true
			if ctx.Err() != nil {
				return rec, ctx.Err()
			}
			if r.stranded {
				log.Warn("coordinator still busy after a receiver start failure, skipping trial",
					zap.String("step", "negotiate"),
					zap.Duration("ready_timeout", r.config.RecoveryReadyTimeout),
					zap.Error(err))
				return rec, nil
			}
			log.Warn("negotiation failed, skipping trial", zap.String("step", "negotiate"), zap.Error(err))
			return rec, nil
		}
		defer sess.Close()
		r.stranded = false
		log.Info("coordinator ready")

		if err := sleepCtx(ctx, r.config.PostReadyDelay); err != nil {
			rec.Skipped = true
			return rec, err
		}
	}

	spec := r.config.Receiver
	spec.Host = r.config.DataHost
	spec.Port = r.config.DataPort
	spec.Algorithm = clientAlg
	spec.Size = trial.Size
	if r.config.PerfLog && r.artifacts != nil {
		if err := r.artifacts.Ensure(); err != nil {
			log.Warn("artifact directory unavailable", zap.String("step", "artifacts"), zap.Error(err))
		} else {
			spec.PerfLog = r.artifacts.ClientPerfLogPath(trial, n, time.Now())
		}
	}

	res, err := r.runner.Run(ctx, spec)
	rec.StartTime = res.StartedAt
	rec.DurationSeconds = res.Duration.Seconds()
	rec.Success = res.Success
	rec.ThroughputKbps = res.ThroughputKbps
	if err != nil {
		if ctx.Err() != nil {
			return rec, ctx.Err()
		}
		if sess != nil {
			r.stranded = true
			log.Error("transfer did not run; the coordinator's sender may wait for a peer until it times out",
				zap.String("step", "transfer"),
				zap.Duration("next_ready_timeout", r.config.RecoveryReadyTimeout),
				zap.Error(err))
			return rec, nil
		}
		log.Error("transfer did not run", zap.String("step", "transfer"), zap.Error(err))
		return rec, nil
	}

	if sess != nil {
		if err := sess.AwaitCompletion(ctx); err != nil {
			if ctx.Err() != nil {
				return rec, ctx.Err()
			}
			level := log.Warn
			if errors.Is(err, protocol.ErrUnexpectedStatus) {
				level = log.Error
			}
			level("completion notice not received", zap.String("step", "await_completion"), zap.Error(err))
		} else {
			rec.CompletionNotice = true
		}
	}
	return rec, nil
}

func (r *Requester) record(rec domain.RequestLogRecord) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.Record(rec); err != nil {
		r.logger.Warn("failed to record trial", zap.String("step", "record"), zap.String("trial_id", rec.ID), zap.Error(err))
	}
}
