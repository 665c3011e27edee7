package engine

import (
	"context"

	"phaseline/internal/domain"
	"phaseline/internal/ledger"
)

func (e *Engine) SendPayment(ctx context.Context, phaseID string, actor domain.Actor, amount int64) (domain.Phase, error) {
	res, err := e.Apply(ctx, phaseID, actor, SendPayment{Amount: amount})
	return res.Phase, err
}

// VerifyPayment confirms a sent payment. Verifier only.
func (e *Engine) VerifyPayment(ctx context.Context, phaseID string, actor domain.Actor) (domain.Phase, error) {
	res, err := e.Apply(ctx, phaseID, actor, VerifyPayment{})
	return res.Phase, err
}

func (e *Engine) RequestFundsRelease(ctx context.Context, phaseID string, actor domain.Actor) (domain.Phase, error) {
	res, err := e.Apply(ctx, phaseID, actor, RequestFunds{})
	return res.Phase, err
}

// ReleaseFunds releases requested funds. Verifier only. The returned phase
// is already in progress unless a start delay is configured.
func (e *Engine) ReleaseFunds(ctx context.Context, phaseID string, actor domain.Actor) (domain.Phase, error) {
	res, err := e.Apply(ctx, phaseID, actor, ReleaseFunds{})
	return res.Phase, err
}

func (e *Engine) UploadReport(ctx context.Context, phaseID string, actor domain.Actor, in ledger.ReportInput) (domain.WorkReport, error) {
	res, err := e.Apply(ctx, phaseID, actor, UploadReport{Report: in})
	if err != nil {
		return domain.WorkReport{}, err
	}
	return *res.Report, nil
}

func (e *Engine) RequestAdditionalReport(ctx context.Context, phaseID string, actor domain.Actor, message string) (domain.ReportRequest, error) {
	res, err := e.Apply(ctx, phaseID, actor, RequestReport{Message: message})
	if err != nil {
		return domain.ReportRequest{}, err
	}
	return *res.Request, nil
}

func (e *Engine) RequestCompletion(ctx context.Context, phaseID string, actor domain.Actor) (domain.Phase, error) {
	res, err := e.Apply(ctx, phaseID, actor, RequestCompletion{})
	return res.Phase, err
}

// ApproveCompletion completes the phase and advances the execution.
func (e *Engine) ApproveCompletion(ctx context.Context, phaseID string, actor domain.Actor) (domain.Phase, error) {
	res, err := e.Apply(ctx, phaseID, actor, ApproveCompletion{})
	return res.Phase, err
}
