package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"phaseline/internal/domain"
	"phaseline/internal/engine"
	"phaseline/internal/repo"
)

type executionPath struct {
	ExecutionID string `path:"execution_id"`
}

// authorizeRead lets participants and verifiers see an execution.
func authorizeRead(ctx context.Context, e *engine.Engine, exec domain.Execution) huma.StatusError {
	actor, authErr := actorFromContext(ctx)
	if authErr != nil {
		return authErr
	}
	if _, err := e.Gate.Authorize(exec, actor); err != nil {
		return handleError(err)
	}
	return nil
}

func registerExecutions(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-execution",
		Method:        http.MethodPost,
		Path:          "/executions",
		Summary:       "Start tracking a project",
		DefaultStatus: http.StatusCreated,
		Errors:        errorStatuses,
	}, func(ctx context.Context, input *struct {
		Body CreateExecutionRequest `json:"body"`
	}) (*struct {
		Body domain.Execution `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		exec, err := e.CreateExecution(ctx, input.Body.options(), actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Execution `json:"body"`
		}{Body: exec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-executions",
		Method:      http.MethodGet,
		Path:        "/executions",
		Summary:     "List executions visible to the caller",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"active,completed,paused,cancelled"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body ExecutionList `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f := repo.ExecutionFilters{Status: domain.ExecutionStatus(input.Status), Limit: normalizeLimit(input.Limit)}
		switch actor.Role {
		case domain.RoleClient:
			f.ClientID = actor.ID
		case domain.RoleContractor:
			f.ContractorID = actor.ID
		}
		if actor.Role != domain.RoleVerifier && actor.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "validation_error", "an actor id is required to list executions", nil)
		}
		items, err := e.Repo.ListExecutions(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		resp := ExecutionList{Items: []ExecutionSummary{}}
		for _, item := range items {
			resp.Items = append(resp.Items, executionSummary(item))
		}
		return &struct {
			Body ExecutionList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-execution",
		Method:      http.MethodGet,
		Path:        "/executions/{execution_id}",
		Summary:     "Execution snapshot with phases and progress",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *executionPath) (*struct {
		Body engine.Snapshot `json:"body"`
	}, error) {
		snap, err := e.GetExecutionSnapshot(ctx, input.ExecutionID)
		if err != nil {
			return nil, handleError(err)
		}
		if authErr := authorizeRead(ctx, e, snap.Execution); authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body engine.Snapshot `json:"body"`
		}{Body: snap}, nil
	})

	statusOps := []struct {
		id, path, summary string
		fn                func(context.Context, string, domain.Actor, string) (domain.Execution, error)
	}{
		{"pause-execution", "/executions/{execution_id}/pause", "Pause an execution", e.PauseExecution},
		{"resume-execution", "/executions/{execution_id}/resume", "Resume a paused execution", e.ResumeExecution},
		{"cancel-execution", "/executions/{execution_id}/cancel", "Cancel an execution", e.CancelExecution},
	}
	for _, op := range statusOps {
		fn := op.fn
		huma.Register(api, huma.Operation{
			OperationID: op.id,
			Method:      http.MethodPost,
			Path:        op.path,
			Summary:     op.summary,
			Errors:      errorStatuses,
		}, func(ctx context.Context, input *struct {
			ExecutionID string               `path:"execution_id"`
			Body        *StatusChangeRequest `json:"body" required:"false"`
		}) (*struct {
			Body domain.Execution `json:"body"`
		}, error) {
			actor, authErr := actorFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			reason := ""
			if input.Body != nil {
				reason = input.Body.Reason
			}
			exec, err := fn(ctx, input.ExecutionID, actor, reason)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.Execution `json:"body"`
			}{Body: exec}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-execution-actions",
		Method:      http.MethodGet,
		Path:        "/executions/{execution_id}/actions",
		Summary:     "Audit log of applied and rejected actions",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *struct {
		ExecutionID string `path:"execution_id"`
		PhaseID     string `query:"phase_id"`
		Outcome     string `query:"outcome" enum:"applied,rejected"`
		Limit       int    `query:"limit" default:"50"`
		Cursor      string `query:"cursor"`
	}) (*struct {
		Body PaginatedActions `json:"body"`
	}, error) {
		snap, err := e.GetExecutionSnapshot(ctx, input.ExecutionID)
		if err != nil {
			return nil, handleError(err)
		}
		if authErr := authorizeRead(ctx, e, snap.Execution); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var cursor int64
		if input.Cursor != "" {
			cursor, err = strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
		}
		items, err := e.ListActions(ctx, repo.ActionFilters{
			ExecutionID: input.ExecutionID,
			PhaseID:     input.PhaseID,
			Outcome:     domain.Outcome(input.Outcome),
			Limit:       limit + 1,
			Cursor:      cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := PaginatedActions{Items: []domain.ActionRecord{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body PaginatedActions `json:"body"`
		}{Body: resp}, nil
	})
}
