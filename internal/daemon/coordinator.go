// Package daemon implements the long-running coordinator and requester loops.
package daemon

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/ccbench/internal/domain"
	"github.com/eliteGoblin/ccbench/internal/protocol"
	"github.com/eliteGoblin/ccbench/internal/usecase"
)

// RoleCoordinator tags coordinator records in the trial store.
const RoleCoordinator = "coordinator"

// CoordinatorConfig holds coordinator loop configuration.
type CoordinatorConfig struct {
	InterTrialDelay time.Duration // nocomm cycle only
	InterCycleDelay time.Duration // nocomm cycle only
	MaxCycles       int           // nocomm cycle only; 0 runs until cancelled
	AcceptRetry     time.Duration // pause after an unexpected accept error
}

// DefaultCoordinatorConfig returns default coordinator configuration.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		InterTrialDelay: 10 * time.Second,
		InterCycleDelay: 2 * time.Second,
		AcceptRetry:     1 * time.Second,
	}
}

// TrialServer is the request-service state machine as seen by the loop.
type TrialServer interface {
	Serve(ctx context.Context, trial domain.TrialSpec, notifier domain.CompletionNotifier) domain.TrialOutcome
	MarkAwaiting()
}

// Coordinator serves coordination requests one at a time, or cycles a plan
// without a coordination channel.
type Coordinator struct {
	config    CoordinatorConfig
	service   TrialServer
	telemetry domain.Telemetry
	store     domain.ServedTrialStore
	logger    *zap.Logger
}

// NewCoordinator creates a coordinator. store may be nil.
func NewCoordinator(
	config CoordinatorConfig,
	service TrialServer,
	telemetry domain.Telemetry,
	store domain.ServedTrialStore,
	logger *zap.Logger,
) *Coordinator {
	return &Coordinator{
		config:    config,
		service:   service,
		telemetry: telemetry,
		store:     store,
		logger:    logger,
	}
}

// Sweep stops any capture left running by a previous coordinator.
func (c *Coordinator) Sweep(ctx context.Context) {
	if err := c.telemetry.StopCapture(context.WithoutCancel(ctx)); err != nil {
		c.logger.Warn("startup capture sweep failed", zap.String("step", "sweep"), zap.Error(err))
	}
}

// Serve accepts and serves requests until ctx is cancelled. Each accepted
// request is served to completion before the next accept. Errors inside a
// trial never end the loop.
func (c *Coordinator) Serve(ctx context.Context, ln *protocol.Listener) error {
	defer c.shutdown(ctx, ln)

	c.Sweep(ctx)
	c.logger.Info("coordinator started", zap.String("address", ln.Addr().String()))

	for {
		c.service.MarkAwaiting()
		sess, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("coordinator stopping")
				return ctx.Err()
			}
			if isRequestError(err) {
				c.logger.Warn("request rejected", zap.String("step", "accept"), zap.Error(err))
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			c.logger.Error("accept failed", zap.String("step", "accept"), zap.Error(err))
			if err := sleepCtx(ctx, c.config.AcceptRetry); err != nil {
				return err
			}
			continue
		}

		req := sess.Request()
		c.logger.Info("request accepted",
			zap.String("peer", sess.RemoteAddr()),
			zap.String("algorithm", req.Algorithm),
			zap.Int64("size", req.Size))

		out := c.service.Serve(ctx, domain.TrialSpec{Algorithm: req.Algorithm, Size: req.Size}, sess)
		c.record(ctx, out)

		if ctx.Err() != nil {
			c.logger.Info("coordinator stopping")
			return ctx.Err()
		}
	}
}

// Cycle runs trials repeatedly without a coordination channel (nocomm).
func (c *Coordinator) Cycle(ctx context.Context, trials []domain.TrialSpec) error {
	defer c.shutdown(ctx, nil)

	if len(trials) == 0 {
		return errors.New("cycle plan has no trials")
	}
	c.Sweep(ctx)

	for cycle := 1; c.config.MaxCycles == 0 || cycle <= c.config.MaxCycles; cycle++ {
		c.logger.Info("cycle started", zap.Int("cycle", cycle), zap.Int("trials", len(trials)))

		for _, trial := range trials {
			c.service.MarkAwaiting()
			out := c.service.Serve(ctx, trial, nil)
			c.record(ctx, out)
			if err := sleepCtx(ctx, c.config.InterTrialDelay); err != nil {
				return err
			}
		}

		c.logger.Info("cycle completed", zap.Int("cycle", cycle))
		if err := sleepCtx(ctx, c.config.InterCycleDelay); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) record(ctx context.Context, out domain.TrialOutcome) {
	if out.Err != nil {
		c.logger.Warn("trial failed",
			zap.String("trial_id", out.ID),
			zap.String("trial", out.Trial.String()),
			zap.Error(out.Err))
	}
	if c.store == nil {
		return
	}
	if err := c.store.SaveServed(context.WithoutCancel(ctx), usecase.ServedTrialFrom(out, RoleCoordinator)); err != nil {
		c.logger.Warn("failed to record served trial", zap.String("step", "record"), zap.Error(err))
	}
}

// shutdown runs one final teardown pass. Every step is attempted.
func (c *Coordinator) shutdown(ctx context.Context, ln *protocol.Listener) {
	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.logger.Warn("failed to close listener", zap.Error(err))
		}
	}
	if ctx.Err() != nil {
		c.Sweep(ctx)
	}
}

func isRequestError(err error) bool {
	return errors.Is(err, protocol.ErrMalformed) ||
		errors.Is(err, protocol.ErrBadMagic) ||
		errors.Is(err, protocol.ErrFrameTooLarge) ||
		errors.Is(err, protocol.ErrUnexpectedType)
}

// sleepCtx waits d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
