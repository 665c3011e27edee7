package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"phaseline/internal/domain"
	"phaseline/internal/engine/fsm"
	"phaseline/internal/events"
	"phaseline/internal/ledger"
	"phaseline/internal/repo"
)

// Request is one actor intent on a phase.
type Request interface {
	Action() domain.Action
	details() events.Payload
}

type SendPayment struct {
	Amount int64 `json:"amount"`
}

type VerifyPayment struct{}

type RequestFunds struct{}

type ReleaseFunds struct{}

type StartWork struct{}

type UploadReport struct {
	Report ledger.ReportInput `json:"report"`
}

type RequestReport struct {
	Message string `json:"message"`
}

type RequestCompletion struct{}

type ApproveCompletion struct{}

func (SendPayment) Action() domain.Action       { return domain.ActionSendPayment }
func (VerifyPayment) Action() domain.Action     { return domain.ActionVerifyPayment }
func (RequestFunds) Action() domain.Action      { return domain.ActionRequestFunds }
func (ReleaseFunds) Action() domain.Action      { return domain.ActionReleaseFunds }
func (StartWork) Action() domain.Action         { return domain.ActionStartWork }
func (UploadReport) Action() domain.Action      { return domain.ActionUploadReport }
func (RequestReport) Action() domain.Action     { return domain.ActionRequestReport }
func (RequestCompletion) Action() domain.Action { return domain.ActionRequestCompletion }
func (ApproveCompletion) Action() domain.Action { return domain.ActionApproveCompletion }

func (r SendPayment) details() events.Payload { return events.Payload{"amount": r.Amount} }
func (VerifyPayment) details() events.Payload { return nil }
func (RequestFunds) details() events.Payload  { return nil }
func (ReleaseFunds) details() events.Payload  { return nil }
func (StartWork) details() events.Payload     { return nil }
func (r UploadReport) details() events.Payload {
	p := events.Payload{"type": r.Report.Type, "title": r.Report.Title}
	if len(r.Report.FileRefs) > 0 {
		p["file_refs"] = r.Report.FileRefs
	}
	if r.Report.RequestID != "" {
		p["request_id"] = r.Report.RequestID
	}
	return p
}
func (r RequestReport) details() events.Payload   { return events.Payload{"message": r.Message} }
func (RequestCompletion) details() events.Payload { return nil }
func (ApproveCompletion) details() events.Payload { return nil }

// Result is the state after an applied action.
type Result struct {
	Execution domain.Execution
	Phase     domain.Phase
	Report    *domain.WorkReport
	Request   *domain.ReportRequest
	Record    domain.ActionRecord
}

// simulatorActor confirms payments and releases in simulated mode.
var simulatorActor = domain.Actor{Role: domain.RoleVerifier, ID: "simulator"}

var systemActor = domain.Actor{Role: domain.RoleSystem, ID: "system"}

// Apply performs req on the phase as actor. On any error nothing is changed
// and the refused attempt is written to the audit log.
func (e *Engine) Apply(ctx context.Context, phaseID string, actor domain.Actor, req Request) (Result, error) {
	return e.apply(ctx, phaseID, actor, req, false)
}

// apply runs req. trusted callers are the scheduler's confirmations, which
// skip identity checks and may act as system.
func (e *Engine) apply(ctx context.Context, phaseID string, actor domain.Actor, req Request, trusted bool) (Result, error) {
	action := req.Action()
	target := events.Target{PhaseID: phaseID}
	if !trusted && actor.Role == domain.RoleSystem {
		return Result{}, e.reject(ctx, action, target, actor,
			domain.PermissionDenied("attempt transition", "the system role is reserved for automatic transitions"), req.details())
	}
	executionID, err := e.Repo.ExecutionIDForPhase(ctx, nil, phaseID)
	if err != nil {
		return Result{}, e.reject(ctx, action, target, actor, err, req.details())
	}
	target.ExecutionID = executionID

	unlock := e.lock(executionID)
	res, from, err := e.applyLocked(ctx, target, actor, req, trusted)
	unlock()
	if err != nil {
		return Result{}, e.reject(ctx, action, target, actor, err, req.details())
	}
	e.applied(action, target, domain.Actor{Role: res.Record.ActorRole, ID: res.Record.ActorID}, from, res.Phase.Status)
	return e.afterApply(ctx, action, res)
}

func (e *Engine) applyLocked(ctx context.Context, target events.Target, actor domain.Actor, req Request, trusted bool) (Result, domain.PhaseStatus, error) {
	action := req.Action()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, "", err
	}
	defer tx.Rollback()

	exec, err := e.Repo.GetExecution(ctx, tx, target.ExecutionID)
	if err != nil {
		return Result{}, "", err
	}
	idx := exec.PhaseIndex(target.PhaseID)
	if idx < 0 {
		return Result{}, "", domain.NotFound("attempt transition", "phase %s not found", target.PhaseID)
	}
	if !trusted {
		if actor, err = e.Gate.Authorize(exec, actor); err != nil {
			return Result{}, "", err
		}
	}
	if err := e.Gate.Check(exec, idx, action, actor.Role); err != nil {
		return Result{}, "", err
	}

	now := e.now()
	ph := exec.Phases[idx]
	from := ph.Status
	details := req.details()
	res := Result{}

	switch r := req.(type) {
	case SendPayment:
		if err := e.validatePayment(ph, r.Amount); err != nil {
			return Result{}, from, err
		}
		ph.PaidAmount = r.Amount
	case UploadReport:
		rep, fulfilled, err := ledger.NewReport(ph, r.Report, actor.ID, now)
		if err != nil {
			return Result{}, from, err
		}
		if err := e.Repo.InsertReport(ctx, tx, rep); err != nil {
			return Result{}, from, err
		}
		if fulfilled != nil {
			if err := e.Repo.FulfillReportRequest(ctx, tx, fulfilled.ID); err != nil {
				return Result{}, from, err
			}
			for i := range ph.ReportRequests {
				if ph.ReportRequests[i].ID == fulfilled.ID {
					ph.ReportRequests[i].Status = domain.RequestFulfilled
				}
			}
		}
		ph.Reports = append(ph.Reports, rep)
		details["report_id"] = rep.ID
		res.Report = &rep
	case RequestReport:
		rr, err := ledger.NewRequest(ph, r.Message, actor.ID, now)
		if err != nil {
			return Result{}, from, err
		}
		if err := e.Repo.InsertReportRequest(ctx, tx, rr); err != nil {
			return Result{}, from, err
		}
		ph.ReportRequests = append(ph.ReportRequests, rr)
		details["request_id"] = rr.ID
		res.Request = &rr
	}

	next, err := fsm.Attempt(ph.Status, action, actor.Role, len(ph.Reports))
	if err != nil {
		return Result{}, from, err
	}
	if next != from {
		ph.Status = next
		stamp(&ph, next, now)
		if err := e.Repo.UpdatePhase(ctx, tx, ph, from); err != nil {
			return Result{}, from, err
		}
	}
	exec.Phases[idx] = ph

	if action == domain.ActionApproveCompletion {
		if err := e.advance(ctx, tx, &exec, idx, now); err != nil {
			return Result{}, from, err
		}
	}
	if next != from {
		if details == nil {
			details = events.Payload{}
		}
		details["from"] = from
		details["to"] = next
	}
	rec, err := e.events().Applied(ctx, tx, action, target, actor, details)
	if err != nil {
		return Result{}, from, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, from, err
	}
	res.Execution = exec
	res.Phase = ph
	res.Record = rec
	return res, from, nil
}

// advance moves the pointer past the completed phase, or completes the
// execution when it was the last one. Both happen in the caller's transaction.
func (e *Engine) advance(ctx context.Context, q repo.Querier, exec *domain.Execution, idx int, now time.Time) error {
	prevStatus, prevIndex := exec.Status, exec.CurrentPhaseIndex
	if idx == len(exec.Phases)-1 {
		exec.Status = domain.ExecutionCompleted
		exec.ActualEndDate = &now
	} else {
		exec.CurrentPhaseIndex = idx + 1
	}
	exec.UpdatedAt = now
	return e.Repo.UpdateExecution(ctx, q, *exec, prevStatus, prevIndex)
}

func (e *Engine) validatePayment(ph domain.Phase, amount int64) error {
	const op = "send payment"
	if amount <= 0 {
		return domain.Validation(op, "amount must be positive, got %d", amount)
	}
	if e.Config != nil && e.Config.Payments.AllowPartial {
		if amount > ph.Budget {
			return domain.Validation(op, "amount %d exceeds phase budget %d", amount, ph.Budget)
		}
		return nil
	}
	if amount != ph.Budget {
		return domain.Validation(op, "amount %d must equal phase budget %d", amount, ph.Budget)
	}
	return nil
}

// stamp records when the phase entered status. Existing stamps are kept.
func stamp(ph *domain.Phase, status domain.PhaseStatus, now time.Time) {
	var slot **time.Time
	switch status {
	case domain.PhasePaymentSent:
		slot = &ph.PaymentSentAt
	case domain.PhasePaymentVerified:
		slot = &ph.PaymentVerifiedAt
	case domain.PhaseFundsRequested:
		slot = &ph.FundsRequestedAt
	case domain.PhaseFundsReleased:
		slot = &ph.FundsReleasedAt
	case domain.PhaseInProgress:
		slot = &ph.StartedAt
	case domain.PhaseCompletionRequested:
		slot = &ph.CompletionRequestedAt
	case domain.PhaseCompleted:
		slot = &ph.CompletedAt
	default:
		return
	}
	if *slot == nil {
		t := now
		*slot = &t
	}
}

// afterApply hands confirmations to the scheduler once the lock is released.
func (e *Engine) afterApply(ctx context.Context, action domain.Action, res Result) (Result, error) {
	phaseID := res.Phase.ID
	switch action {
	case domain.ActionSendPayment:
		e.Scheduler.PaymentSent(phaseID)
	case domain.ActionRequestFunds:
		e.Scheduler.FundsRequested(phaseID)
	case domain.ActionReleaseFunds:
		e.Scheduler.FundsReleased(phaseID)
		// the start of work may already have been applied
		exec, err := e.readExecution(ctx, res.Execution.ID)
		if err != nil {
			e.log().Error("reload after release", zap.String("phase_id", phaseID), zap.Error(err))
			return res, nil
		}
		if idx := exec.PhaseIndex(phaseID); idx >= 0 {
			res.Execution = exec
			res.Phase = exec.Phases[idx]
		}
	case domain.ActionApproveCompletion:
		e.Metrics.ObservePhaseCompleted()
		if res.Execution.Status == domain.ExecutionCompleted {
			e.log().Info("execution completed", zap.String("execution_id", res.Execution.ID))
		}
	}
	return res, nil
}

// ConfirmPayment is the simulated verifier confirming a sent payment.
func (e *Engine) ConfirmPayment(ctx context.Context, phaseID string) error {
	_, err := e.apply(ctx, phaseID, simulatorActor, VerifyPayment{}, true)
	return err
}

// ConfirmRelease is the simulated verifier releasing requested funds.
func (e *Engine) ConfirmRelease(ctx context.Context, phaseID string) error {
	_, err := e.apply(ctx, phaseID, simulatorActor, ReleaseFunds{}, true)
	return err
}

// StartWork moves a phase with released funds into progress. A phase that
// already left funds_released is left alone, so a start issued twice (timer
// and resume) records one transition.
func (e *Engine) StartWork(ctx context.Context, phaseID string) error {
	exec, idx, err := e.locatePhase(ctx, phaseID)
	if err != nil {
		return err
	}
	if exec.Phases[idx].Status != domain.PhaseFundsReleased {
		return nil
	}
	_, err = e.apply(ctx, phaseID, systemActor, StartWork{}, true)
	return err
}

// ResumeStalledStarts re-issues the start of work for every current phase
// left in funds_released, for instance after a restart or when the start
// fired while its execution was paused. It returns the phases handed over.
func (e *Engine) ResumeStalledStarts(ctx context.Context) ([]string, error) {
	ids, err := e.Repo.PhasesAwaitingStart(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		e.Scheduler.FundsReleased(id)
	}
	return ids, nil
}
