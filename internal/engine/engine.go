package engine

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"phaseline/internal/config"
	"phaseline/internal/domain"
	"phaseline/internal/engine/auth"
	"phaseline/internal/events"
	"phaseline/internal/ledger"
	"phaseline/internal/logging"
	"phaseline/internal/repo"
	"phaseline/internal/telemetry"
	"phaseline/internal/verify"
)

// Engine applies actions to project executions. Mutations on one execution
// are serialized; reads run against a consistent snapshot.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Config    *config.Config
	Gate      auth.Gate
	Scheduler *verify.Scheduler
	Log       *zap.Logger
	Metrics   *telemetry.Metrics
	Now       func() time.Time

	locks sync.Map
}

// New wires an engine with a scheduler for cfg.Verification bound to it.
func New(db *sql.DB, cfg *config.Config, log *zap.Logger, metrics *telemetry.Metrics) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	log = logging.OrNop(log)
	e := &Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Config:  cfg,
		Gate:    auth.Gate{Verifiers: cfg.Verifiers},
		Log:     log.Named("engine"),
		Metrics: metrics,
		Now:     time.Now,
	}
	e.Scheduler = verify.New(cfg.Verification, log, metrics)
	e.Scheduler.Bind(e)
	return e
}

// Close drains scheduled confirmations.
func (e *Engine) Close() {
	if e.Scheduler != nil {
		e.Scheduler.Close()
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Engine) events() events.Writer {
	return events.Writer{Repo: e.Repo, Now: e.now}
}

func (e *Engine) log() *zap.Logger {
	return logging.OrNop(e.Log)
}

// lock serializes mutations of one execution within this process. Writes
// are additionally guarded by conditional updates in the repo.
func (e *Engine) lock(executionID string) func() {
	v, _ := e.locks.LoadOrStore(executionID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// reject audits a refused attempt and returns cause unchanged.
func (e *Engine) reject(ctx context.Context, action domain.Action, target events.Target, actor domain.Actor, cause error, details events.Payload) error {
	kind := domain.KindOf(cause)
	e.Metrics.ObserveAction(string(action), string(domain.OutcomeRejected))
	e.log().Warn("action rejected",
		zap.String("action", string(action)),
		zap.String("execution_id", target.ExecutionID),
		zap.String("phase_id", target.PhaseID),
		zap.String("role", string(actor.Role)),
		zap.String("actor_id", actor.ID),
		zap.String("error_kind", kind),
		zap.Error(cause))
	if _, err := e.events().Rejected(context.WithoutCancel(ctx), action, target, actor, cause, details); err != nil {
		e.log().Error("audit rejected action", zap.String("action", string(action)), zap.Error(err))
	}
	return cause
}

func (e *Engine) applied(action domain.Action, target events.Target, actor domain.Actor, from, to domain.PhaseStatus) {
	e.Metrics.ObserveAction(string(action), string(domain.OutcomeApplied))
	e.log().Info("action applied",
		zap.String("action", string(action)),
		zap.String("execution_id", target.ExecutionID),
		zap.String("phase_id", target.PhaseID),
		zap.String("role", string(actor.Role)),
		zap.String("actor_id", actor.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
}

// readExecution loads an execution inside a read transaction so phases,
// reports and requests come from the same snapshot.
func (e *Engine) readExecution(ctx context.Context, executionID string) (domain.Execution, error) {
	tx, err := e.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return domain.Execution{}, err
	}
	defer tx.Rollback()
	exec, err := e.Repo.GetExecution(ctx, tx, executionID)
	if err != nil {
		return exec, err
	}
	return exec, tx.Commit()
}

// Snapshot is an execution as presented to readers.
type Snapshot struct {
	domain.Execution
	Progress domain.Progress `json:"progress"`
}

// GetExecutionSnapshot returns the execution with reconciled report requests
// and progress figures. It never mutates state.
func (e *Engine) GetExecutionSnapshot(ctx context.Context, executionID string) (Snapshot, error) {
	exec, err := e.readExecution(ctx, executionID)
	if err != nil {
		return Snapshot{}, err
	}
	for i := range exec.Phases {
		exec.Phases[i].ReportRequests = ledger.Reconcile(exec.Phases[i])
	}
	return Snapshot{Execution: exec, Progress: domain.ComputeProgress(exec)}, nil
}

// GetPhase returns one phase with its reports and reconciled requests.
func (e *Engine) GetPhase(ctx context.Context, phaseID string) (domain.Phase, error) {
	_, ph, err := e.GetPhaseWithExecution(ctx, phaseID)
	return ph, err
}

// GetPhaseWithExecution is GetPhase plus the execution the phase belongs to,
// read in one pass.
func (e *Engine) GetPhaseWithExecution(ctx context.Context, phaseID string) (domain.Execution, domain.Phase, error) {
	exec, idx, err := e.locatePhase(ctx, phaseID)
	if err != nil {
		return domain.Execution{}, domain.Phase{}, err
	}
	ph := exec.Phases[idx]
	ph.ReportRequests = ledger.Reconcile(ph)
	return exec, ph, nil
}

// GetPermissions derives what role may do on the phase right now, using the
// same checks an attempt would run.
func (e *Engine) GetPermissions(ctx context.Context, phaseID string, role domain.Role) (domain.Permissions, error) {
	if !role.Valid() {
		return domain.Permissions{}, domain.Validation("get permissions", "unknown role %q", role)
	}
	exec, idx, err := e.locatePhase(ctx, phaseID)
	if err != nil {
		return domain.Permissions{}, err
	}
	return e.Gate.Permissions(exec, idx, role), nil
}

func (e *Engine) locatePhase(ctx context.Context, phaseID string) (domain.Execution, int, error) {
	executionID, err := e.Repo.ExecutionIDForPhase(ctx, nil, phaseID)
	if err != nil {
		return domain.Execution{}, -1, err
	}
	exec, err := e.readExecution(ctx, executionID)
	if err != nil {
		return exec, -1, err
	}
	idx := exec.PhaseIndex(phaseID)
	if idx < 0 {
		return exec, -1, domain.NotFound("resolve phase", "phase %s not found", phaseID)
	}
	return exec, idx, nil
}

// ListActions returns audit records for an execution, newest first.
func (e *Engine) ListActions(ctx context.Context, f repo.ActionFilters) ([]domain.ActionRecord, error) {
	if f.ExecutionID != "" {
		if _, err := e.readExecution(ctx, f.ExecutionID); err != nil {
			return nil, err
		}
	}
	return e.Repo.ListActions(ctx, f)
}
