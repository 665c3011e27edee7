package server

import (
	"time"

	"phaseline/internal/domain"
	"phaseline/internal/engine"
	"phaseline/internal/ledger"
)

// Request payloads

type PhasePlanRequest struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	Budget       int64  `json:"budget"`
	DurationDays int    `json:"duration_days,omitempty"`
}

type CreateExecutionRequest struct {
	ID              string             `json:"id,omitempty"`
	ProjectTitle    string             `json:"project_title"`
	ClientID        string             `json:"client_id"`
	ContractorID    string             `json:"contractor_id"`
	TotalBudget     int64              `json:"total_budget"`
	StartDate       *time.Time         `json:"start_date,omitempty" format:"date-time"`
	ExpectedEndDate *time.Time         `json:"expected_end_date,omitempty" format:"date-time"`
	Phases          []PhasePlanRequest `json:"phases"`
}

func (r CreateExecutionRequest) options() engine.CreateExecutionOptions {
	opts := engine.CreateExecutionOptions{
		ID:           r.ID,
		ProjectTitle: r.ProjectTitle,
		ClientID:     r.ClientID,
		ContractorID: r.ContractorID,
		TotalBudget:  r.TotalBudget,
	}
	if r.StartDate != nil {
		opts.StartDate = *r.StartDate
	}
	if r.ExpectedEndDate != nil {
		opts.ExpectedEndDate = *r.ExpectedEndDate
	}
	for _, p := range r.Phases {
		opts.Phases = append(opts.Phases, engine.PhasePlan{
			Name:         p.Name,
			Description:  p.Description,
			Budget:       p.Budget,
			DurationDays: p.DurationDays,
		})
	}
	return opts
}

type StatusChangeRequest struct {
	Reason string `json:"reason,omitempty"`
}

type SendPaymentRequest struct {
	Amount int64 `json:"amount" example:"30000"`
}

type UploadReportRequest struct {
	Type        string   `json:"type,omitempty" enum:"progress,milestone,issue,additional"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	FileRefs    []string `json:"file_refs,omitempty"`
	RequestID   string   `json:"request_id,omitempty"`
}

func (r UploadReportRequest) input() ledger.ReportInput {
	return ledger.ReportInput{
		Type:        domain.ReportType(r.Type),
		Title:       r.Title,
		Description: r.Description,
		FileRefs:    r.FileRefs,
		RequestID:   r.RequestID,
	}
}

type RequestReportRequest struct {
	Message string `json:"message"`
}

type DevLoginRequest struct {
	ActorID    string `json:"actor_id"`
	Role       string `json:"role" enum:"client,contractor,verifier"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

// Responses

type DevLoginResponse struct {
	Token string `json:"token"`
}

type ExecutionSummary struct {
	ID                string                 `json:"id"`
	ProjectTitle      string                 `json:"project_title"`
	ClientID          string                 `json:"client_id"`
	ContractorID      string                 `json:"contractor_id"`
	TotalBudget       int64                  `json:"total_budget"`
	Status            domain.ExecutionStatus `json:"status"`
	CurrentPhaseIndex int                    `json:"current_phase_index"`
	CreatedAt         time.Time              `json:"created_at" format:"date-time"`
}

func executionSummary(e domain.Execution) ExecutionSummary {
	return ExecutionSummary{
		ID:                e.ID,
		ProjectTitle:      e.ProjectTitle,
		ClientID:          e.ClientID,
		ContractorID:      e.ContractorID,
		TotalBudget:       e.TotalBudget,
		Status:            e.Status,
		CurrentPhaseIndex: e.CurrentPhaseIndex,
		CreatedAt:         e.CreatedAt,
	}
}

type ExecutionList struct {
	Items []ExecutionSummary `json:"items"`
}

type PaginatedActions struct {
	Items      []domain.ActionRecord `json:"items"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

type PermissionsResponse struct {
	PhaseID     string             `json:"phase_id"`
	Role        domain.Role        `json:"role"`
	Permissions domain.Permissions `json:"permissions"`
}

type WhoAmIResponse struct {
	ActorID string      `json:"actor_id"`
	Role    domain.Role `json:"role"`
	Source  string      `json:"source"`
}
