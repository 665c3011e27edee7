package engine

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"phaseline/internal/domain"
	"phaseline/internal/events"
)

// PhasePlan is one phase of an accepted offer.
type PhasePlan struct {
	Name         string `json:"name" yaml:"name"`
	Description  string `json:"description,omitempty" yaml:"description"`
	Budget       int64  `json:"budget" yaml:"budget"`
	DurationDays int    `json:"duration_days" yaml:"duration_days"`
}

// CreateExecutionOptions describe a project at kickoff.
type CreateExecutionOptions struct {
	ID              string      `json:"id,omitempty" yaml:"id"`
	ProjectTitle    string      `json:"project_title" yaml:"project_title"`
	ClientID        string      `json:"client_id" yaml:"client_id"`
	ContractorID    string      `json:"contractor_id" yaml:"contractor_id"`
	TotalBudget     int64       `json:"total_budget" yaml:"total_budget"`
	StartDate       time.Time   `json:"start_date,omitempty" yaml:"start_date"`
	ExpectedEndDate time.Time   `json:"expected_end_date,omitempty" yaml:"expected_end_date"`
	Phases          []PhasePlan `json:"phases" yaml:"phases"`
}

func (o CreateExecutionOptions) validate() error {
	const op = "create execution"
	if strings.TrimSpace(o.ProjectTitle) == "" {
		return domain.Validation(op, "project_title is required")
	}
	if strings.TrimSpace(o.ClientID) == "" || strings.TrimSpace(o.ContractorID) == "" {
		return domain.Validation(op, "client_id and contractor_id are required")
	}
	if o.TotalBudget <= 0 {
		return domain.Validation(op, "total_budget must be positive")
	}
	if len(o.Phases) == 0 {
		return domain.Validation(op, "at least one phase is required")
	}
	var sum int64
	for i, p := range o.Phases {
		if strings.TrimSpace(p.Name) == "" {
			return domain.Validation(op, "phases[%d].name is required", i)
		}
		if p.Budget < 0 {
			return domain.Validation(op, "phases[%d].budget must not be negative", i)
		}
		if p.DurationDays < 0 {
			return domain.Validation(op, "phases[%d].duration_days must not be negative", i)
		}
		sum += p.Budget
	}
	if sum > o.TotalBudget {
		return domain.Validation(op, "phase budgets sum to %d, above total_budget %d", sum, o.TotalBudget)
	}
	if !o.StartDate.IsZero() && !o.ExpectedEndDate.IsZero() && o.ExpectedEndDate.Before(o.StartDate) {
		return domain.Validation(op, "expected_end_date is before start_date")
	}
	return nil
}

// CreateExecution starts tracking a project from its phase breakdown. The
// first phase is current and every phase is pending.
func (e *Engine) CreateExecution(ctx context.Context, opts CreateExecutionOptions, actor domain.Actor) (domain.Execution, error) {
	action := domain.ActionCreateExecution
	target := events.Target{ExecutionID: opts.ID}
	details := events.Payload{"project_title": opts.ProjectTitle, "total_budget": opts.TotalBudget, "phases": len(opts.Phases)}
	if actor.Role == domain.RoleSystem {
		return domain.Execution{}, e.reject(ctx, action, target, actor,
			domain.PermissionDenied("create execution", "the system role is reserved for automatic transitions"), details)
	}
	if err := opts.validate(); err != nil {
		return domain.Execution{}, e.reject(ctx, action, target, actor, err, details)
	}

	now := e.now()
	exec := domain.Execution{
		ID:                opts.ID,
		ProjectTitle:      strings.TrimSpace(opts.ProjectTitle),
		ClientID:          strings.TrimSpace(opts.ClientID),
		ContractorID:      strings.TrimSpace(opts.ContractorID),
		TotalBudget:       opts.TotalBudget,
		CurrentPhaseIndex: 0,
		Status:            domain.ExecutionActive,
		StartDate:         opts.StartDate.UTC(),
		ExpectedEndDate:   opts.ExpectedEndDate.UTC(),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	target.ExecutionID = exec.ID
	if opts.StartDate.IsZero() {
		exec.StartDate = now
	}
	days := 0
	for i, p := range opts.Phases {
		days += p.DurationDays
		exec.Phases = append(exec.Phases, domain.Phase{
			ID:             uuid.NewString(),
			ExecutionID:    exec.ID,
			Number:         i + 1,
			Name:           strings.TrimSpace(p.Name),
			Description:    strings.TrimSpace(p.Description),
			Budget:         p.Budget,
			DurationDays:   p.DurationDays,
			Status:         domain.PhasePending,
			Reports:        []domain.WorkReport{},
			ReportRequests: []domain.ReportRequest{},
		})
	}
	if opts.ExpectedEndDate.IsZero() {
		exec.ExpectedEndDate = exec.StartDate.AddDate(0, 0, days)
	}

	var err error
	if actor, err = e.Gate.Authorize(exec, actor); err != nil {
		return domain.Execution{}, e.reject(ctx, action, target, actor, err, details)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Execution{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertExecution(ctx, tx, exec); err != nil {
		return domain.Execution{}, e.reject(ctx, action, target, actor, err, details)
	}
	if _, err := e.events().Applied(ctx, tx, action, target, actor, details); err != nil {
		return domain.Execution{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Execution{}, err
	}
	e.Metrics.ObserveAction(string(action), string(domain.OutcomeApplied))
	e.log().Info("execution created", zap.String("execution_id", exec.ID), zap.Int("phases", len(exec.Phases)), zap.String("actor_id", actor.ID))
	return exec, nil
}

func ensureExecutionTransition(from, to domain.ExecutionStatus) error {
	if from.Terminal() {
		return domain.InvalidTransition("set execution status", "execution is %s", from)
	}
	switch from {
	case domain.ExecutionActive:
		if to == domain.ExecutionPaused || to == domain.ExecutionCancelled {
			return nil
		}
	case domain.ExecutionPaused:
		if to == domain.ExecutionActive || to == domain.ExecutionCancelled {
			return nil
		}
	}
	return domain.InvalidTransition("set execution status", "execution cannot move from %s to %s", from, to)
}

// PauseExecution suspends all phase actions. Verifier only.
func (e *Engine) PauseExecution(ctx context.Context, executionID string, actor domain.Actor, reason string) (domain.Execution, error) {
	return e.setExecutionStatus(ctx, executionID, actor, domain.ActionPauseExecution, domain.ExecutionPaused, reason, domain.RoleVerifier)
}

// ResumeExecution reactivates a paused execution. Verifier only. A current
// phase whose start of work was refused during the pause is started again.
func (e *Engine) ResumeExecution(ctx context.Context, executionID string, actor domain.Actor, reason string) (domain.Execution, error) {
	exec, err := e.setExecutionStatus(ctx, executionID, actor, domain.ActionResumeExecution, domain.ExecutionActive, reason, domain.RoleVerifier)
	if err != nil {
		return exec, err
	}
	ph := exec.CurrentPhase()
	if ph == nil || ph.Status != domain.PhaseFundsReleased {
		return exec, nil
	}
	e.Scheduler.FundsReleased(ph.ID)
	if reloaded, err := e.readExecution(ctx, executionID); err == nil {
		exec = reloaded
	}
	return exec, nil
}

// CancelExecution ends the execution for good. Client or verifier.
func (e *Engine) CancelExecution(ctx context.Context, executionID string, actor domain.Actor, reason string) (domain.Execution, error) {
	return e.setExecutionStatus(ctx, executionID, actor, domain.ActionCancelExecution, domain.ExecutionCancelled, reason, domain.RoleClient, domain.RoleVerifier)
}

func (e *Engine) setExecutionStatus(ctx context.Context, executionID string, actor domain.Actor, action domain.Action, to domain.ExecutionStatus, reason string, allowed ...domain.Role) (domain.Execution, error) {
	target := events.Target{ExecutionID: executionID}
	details := events.Payload{"to": to}
	if reason != "" {
		details["reason"] = reason
	}
	unlock := e.lock(executionID)
	exec, from, err := e.setExecutionStatusLocked(ctx, executionID, &actor, action, to, details, allowed)
	unlock()
	if err != nil {
		return domain.Execution{}, e.reject(ctx, action, target, actor, err, details)
	}
	e.Metrics.ObserveAction(string(action), string(domain.OutcomeApplied))
	e.log().Info("execution status changed",
		zap.String("execution_id", executionID),
		zap.String("action", string(action)),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("actor_id", actor.ID))
	return exec, nil
}

func (e *Engine) setExecutionStatusLocked(ctx context.Context, executionID string, actor *domain.Actor, action domain.Action, to domain.ExecutionStatus, details events.Payload, allowed []domain.Role) (domain.Execution, domain.ExecutionStatus, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Execution{}, "", err
	}
	defer tx.Rollback()

	exec, err := e.Repo.GetExecution(ctx, tx, executionID)
	if err != nil {
		return exec, "", err
	}
	resolved, err := e.Gate.Authorize(exec, *actor)
	if err != nil {
		return exec, "", err
	}
	*actor = resolved
	permitted := false
	for _, r := range allowed {
		if r == actor.Role {
			permitted = true
		}
	}
	if !permitted {
		return exec, "", domain.PermissionDenied(string(action), "%s may not %s", actor.Role, action)
	}
	from := exec.Status
	if err := ensureExecutionTransition(from, to); err != nil {
		return exec, from, err
	}
	exec.Status = to
	exec.UpdatedAt = e.now()
	if err := e.Repo.UpdateExecution(ctx, tx, exec, from, exec.CurrentPhaseIndex); err != nil {
		return exec, from, err
	}
	details["from"] = from
	if _, err := e.events().Applied(ctx, tx, action, events.Target{ExecutionID: executionID}, *actor, details); err != nil {
		return exec, from, err
	}
	return exec, from, tx.Commit()
}
