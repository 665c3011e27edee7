// Package verify schedules the confirmations that are not caused directly
// by a user: payment verification, fund release and the automatic start of
// work once funds are released.
//
// In manual mode a verifier confirms payments and releases through the
// regular API; only the start of work is automatic. In simulated mode every
// confirmation fires on its own after the configured delay. Either way the
// confirmation goes through the engine's normal transition path.
package verify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"phaseline/internal/config"
	"phaseline/internal/logging"
	"phaseline/internal/telemetry"
)

// Confirmer applies deferred transitions. The engine implements it.
type Confirmer interface {
	ConfirmPayment(ctx context.Context, phaseID string) error
	ConfirmRelease(ctx context.Context, phaseID string) error
	StartWork(ctx context.Context, phaseID string) error
}

const (
	KindPayment = "payment"
	KindRelease = "release"
	KindStart   = "start"
)

type Scheduler struct {
	cfg     config.VerificationConfig
	log     *zap.Logger
	metrics *telemetry.Metrics

	mu        sync.Mutex
	confirmer Confirmer
	closed    bool
	pending   int
	wg        sync.WaitGroup
}

// New returns a scheduler for cfg. Bind must be called before use.
func New(cfg config.VerificationConfig, log *zap.Logger, metrics *telemetry.Metrics) *Scheduler {
	if cfg.Mode == "" {
		cfg.Mode = config.ModeManual
	}
	return &Scheduler{cfg: cfg, log: logging.OrNop(log).Named("verify"), metrics: metrics}
}

// Bind sets the confirmer deferred transitions are routed to.
func (s *Scheduler) Bind(c Confirmer) {
	s.mu.Lock()
	s.confirmer = c
	s.mu.Unlock()
}

// Simulated reports whether confirmations fire without a verifier.
func (s *Scheduler) Simulated() bool {
	return s.cfg.Mode == config.ModeSimulated
}

// PaymentSent is called after a phase reached payment_sent.
func (s *Scheduler) PaymentSent(phaseID string) {
	if !s.Simulated() {
		return
	}
	s.after(KindPayment, phaseID, s.cfg.PaymentDelay, func(c Confirmer, ctx context.Context) error {
		return c.ConfirmPayment(ctx, phaseID)
	})
}

// FundsRequested is called after a phase reached funds_requested.
func (s *Scheduler) FundsRequested(phaseID string) {
	if !s.Simulated() {
		return
	}
	s.after(KindRelease, phaseID, s.cfg.ReleaseDelay, func(c Confirmer, ctx context.Context) error {
		return c.ConfirmRelease(ctx, phaseID)
	})
}

// FundsReleased starts work on the phase. With no start delay the start is
// applied before FundsReleased returns.
func (s *Scheduler) FundsReleased(phaseID string) {
	start := func(c Confirmer, ctx context.Context) error {
		return c.StartWork(ctx, phaseID)
	}
	if s.cfg.StartDelay <= 0 {
		s.metrics.ObserveScheduled(KindStart)
		s.run(KindStart, phaseID, start)
		return
	}
	s.after(KindStart, phaseID, s.cfg.StartDelay, start)
}

// after schedules fn. A closed scheduler still accepts confirmations while
// others are pending, so one scheduled by a draining confirmation (a release
// followed by the start of work) is part of the drain.
func (s *Scheduler) after(kind, phaseID string, delay time.Duration, fn func(Confirmer, context.Context) error) {
	s.mu.Lock()
	if s.closed && s.pending == 0 {
		s.mu.Unlock()
		s.log.Warn("scheduler closed; confirmation dropped", zap.String("kind", kind), zap.String("phase_id", phaseID))
		return
	}
	s.pending++
	s.wg.Add(1)
	s.mu.Unlock()

	s.metrics.ObserveScheduled(kind)
	s.log.Debug("confirmation scheduled", zap.String("kind", kind), zap.String("phase_id", phaseID), zap.Duration("delay", delay))
	time.AfterFunc(delay, func() {
		defer s.done()
		s.run(kind, phaseID, fn)
	})
}

func (s *Scheduler) done() {
	s.mu.Lock()
	s.pending--
	s.mu.Unlock()
	s.wg.Done()
}

// run applies one confirmation. Failures are logged and never retried.
func (s *Scheduler) run(kind, phaseID string, fn func(Confirmer, context.Context) error) {
	s.mu.Lock()
	c := s.confirmer
	s.mu.Unlock()
	if c == nil {
		s.log.Error("no confirmer bound", zap.String("kind", kind), zap.String("phase_id", phaseID))
		return
	}
	if err := fn(c, context.Background()); err != nil {
		s.log.Error("confirmation failed", zap.String("kind", kind), zap.String("phase_id", phaseID), zap.Error(err))
		return
	}
	s.log.Debug("confirmation applied", zap.String("kind", kind), zap.String("phase_id", phaseID))
}

// Wait blocks until every scheduled confirmation has run.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Close stops accepting new confirmations and waits for scheduled ones, and
// whatever they chain, to run. In-flight confirmations are never cancelled.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}
