// Package ledger builds work reports and report requests for a phase and
// reconciles outstanding requests against uploaded evidence. Entries are
// append-only: nothing here edits or removes an existing report.
package ledger

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"phaseline/internal/domain"
)

// ReportInput is what a contractor submits.
type ReportInput struct {
	Type        domain.ReportType `json:"type"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	FileRefs    []string          `json:"file_refs,omitempty"`
	// RequestID optionally answers a pending ReportRequest of the same phase.
	RequestID string `json:"request_id,omitempty"`
}

// NewReport validates in and builds the report for ph. If the input answers
// a request, that request is returned so the caller can mark it fulfilled
// in the same transaction.
func NewReport(ph domain.Phase, in ReportInput, uploadedBy string, at time.Time) (domain.WorkReport, *domain.ReportRequest, error) {
	const op = "upload report"
	if in.Type == "" {
		in.Type = domain.ReportProgress
	}
	if !in.Type.Valid() {
		return domain.WorkReport{}, nil, domain.Validation(op, "unknown report type %q", in.Type)
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return domain.WorkReport{}, nil, domain.Validation(op, "title is required")
	}
	refs := make([]string, 0, len(in.FileRefs))
	for i, ref := range in.FileRefs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			return domain.WorkReport{}, nil, domain.Validation(op, "file_refs[%d] is empty", i)
		}
		refs = append(refs, ref)
	}
	rep := domain.WorkReport{
		ID:          uuid.NewString(),
		PhaseID:     ph.ID,
		Type:        in.Type,
		Title:       title,
		Description: strings.TrimSpace(in.Description),
		FileRefs:    refs,
		UploadedBy:  uploadedBy,
		UploadedAt:  at,
	}
	reqID := strings.TrimSpace(in.RequestID)
	if reqID == "" {
		return rep, nil, nil
	}
	for i := range ph.ReportRequests {
		req := ph.ReportRequests[i]
		if req.ID != reqID {
			continue
		}
		if req.Status != domain.RequestPending {
			return domain.WorkReport{}, nil, domain.PreconditionFailed(op, "report request %s is already %s", reqID, req.Status)
		}
		rep.RequestID = &reqID
		req.Status = domain.RequestFulfilled
		return rep, &req, nil
	}
	return domain.WorkReport{}, nil, domain.Validation(op, "report request %s does not belong to phase %s", reqID, ph.ID)
}

// NewRequest validates message and builds a pending request for ph.
func NewRequest(ph domain.Phase, message, requestedBy string, at time.Time) (domain.ReportRequest, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return domain.ReportRequest{}, domain.Validation("request report", "message is required")
	}
	return domain.ReportRequest{
		ID:          uuid.NewString(),
		PhaseID:     ph.ID,
		Message:     message,
		RequestedBy: requestedBy,
		RequestedAt: at,
		Status:      domain.RequestPending,
	}, nil
}

// Reconcile returns ph's requests with their display status. A stored
// pending request reads as fulfilled once any report was uploaded after it.
// Stored data is not changed.
func Reconcile(ph domain.Phase) []domain.ReportRequest {
	out := make([]domain.ReportRequest, len(ph.ReportRequests))
	copy(out, ph.ReportRequests)
	for i := range out {
		if out[i].Status != domain.RequestPending {
			continue
		}
		for _, rep := range ph.Reports {
			if rep.UploadedAt.After(out[i].RequestedAt) {
				out[i].Status = domain.RequestFulfilled
				break
			}
		}
	}
	return out
}

// Outstanding lists requests still pending after reconciliation.
func Outstanding(ph domain.Phase) []domain.ReportRequest {
	var res []domain.ReportRequest
	for _, req := range Reconcile(ph) {
		if req.Status == domain.RequestPending {
			res = append(res, req)
		}
	}
	return res
}
