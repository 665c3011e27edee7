package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"phaseline/internal/domain"
	"phaseline/internal/engine"
)

type phasePath struct {
	PhaseID string `path:"phase_id"`
}

type phaseBody struct {
	Body domain.Phase `json:"body"`
}

// loadPhase returns the reconciled phase after checking the caller may read it.
func loadPhase(ctx context.Context, e *engine.Engine, phaseID string) (domain.Phase, error) {
	exec, ph, err := e.GetPhaseWithExecution(ctx, phaseID)
	if err != nil {
		return domain.Phase{}, handleError(err)
	}
	if authErr := authorizeRead(ctx, e, exec); authErr != nil {
		return domain.Phase{}, authErr
	}
	return ph, nil
}

// registerPhaseAction wires a body-less phase transition.
func registerPhaseAction(api huma.API, id, route, summary string, fn func(context.Context, string, domain.Actor) (domain.Phase, error)) {
	huma.Register(api, huma.Operation{
		OperationID: id,
		Method:      http.MethodPost,
		Path:        route,
		Summary:     summary,
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *phasePath) (*phaseBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ph, err := fn(ctx, input.PhaseID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &phaseBody{Body: ph}, nil
	})
}

func registerPhases(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-phase",
		Method:      http.MethodGet,
		Path:        "/phases/{phase_id}",
		Summary:     "Phase with reports and report requests",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *phasePath) (*phaseBody, error) {
		ph, err := loadPhase(ctx, e, input.PhaseID)
		if err != nil {
			return nil, err
		}
		return &phaseBody{Body: ph}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "send-payment",
		Method:      http.MethodPost,
		Path:        "/phases/{phase_id}/payment",
		Summary:     "Client declares the phase payment sent",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *struct {
		PhaseID string             `path:"phase_id"`
		Body    SendPaymentRequest `json:"body"`
	}) (*phaseBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ph, err := e.SendPayment(ctx, input.PhaseID, actor, input.Body.Amount)
		if err != nil {
			return nil, handleError(err)
		}
		return &phaseBody{Body: ph}, nil
	})

	registerPhaseAction(api, "verify-payment", "/phases/{phase_id}/payment/verify", "Verifier confirms the payment", e.VerifyPayment)
	registerPhaseAction(api, "request-funds", "/phases/{phase_id}/funds/request", "Contractor requests fund release", e.RequestFundsRelease)
	registerPhaseAction(api, "release-funds", "/phases/{phase_id}/funds/release", "Verifier releases the funds", e.ReleaseFunds)
	registerPhaseAction(api, "request-completion", "/phases/{phase_id}/completion/request", "Contractor requests completion", e.RequestCompletion)
	registerPhaseAction(api, "approve-completion", "/phases/{phase_id}/completion/approve", "Client approves completion", e.ApproveCompletion)

	huma.Register(api, huma.Operation{
		OperationID:   "upload-report",
		Method:        http.MethodPost,
		Path:          "/phases/{phase_id}/reports",
		Summary:       "Contractor uploads a work report",
		DefaultStatus: http.StatusCreated,
		Errors:        errorStatuses,
	}, func(ctx context.Context, input *struct {
		PhaseID string              `path:"phase_id"`
		Body    UploadReportRequest `json:"body"`
	}) (*struct {
		Body domain.WorkReport `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rep, err := e.UploadReport(ctx, input.PhaseID, actor, input.Body.input())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkReport `json:"body"`
		}{Body: rep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "request-report",
		Method:        http.MethodPost,
		Path:          "/phases/{phase_id}/report-requests",
		Summary:       "Client asks for an additional report",
		DefaultStatus: http.StatusCreated,
		Errors:        errorStatuses,
	}, func(ctx context.Context, input *struct {
		PhaseID string               `path:"phase_id"`
		Body    RequestReportRequest `json:"body"`
	}) (*struct {
		Body domain.ReportRequest `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.RequestAdditionalReport(ctx, input.PhaseID, actor, input.Body.Message)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReportRequest `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-permissions",
		Method:      http.MethodGet,
		Path:        "/phases/{phase_id}/permissions",
		Summary:     "What a role may do on the phase right now",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *struct {
		PhaseID string `path:"phase_id"`
		Role    string `query:"role" enum:"client,contractor,verifier"`
	}) (*struct {
		Body PermissionsResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := loadPhase(ctx, e, input.PhaseID); err != nil {
			return nil, err
		}
		role := actor.Role
		if input.Role != "" {
			role = domain.Role(input.Role)
		}
		perms, err := e.GetPermissions(ctx, input.PhaseID, role)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PermissionsResponse `json:"body"`
		}{Body: PermissionsResponse{PhaseID: input.PhaseID, Role: role, Permissions: perms}}, nil
	})
}
