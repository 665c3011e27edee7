package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaseline/internal/domain"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func TestNewReportDefaultsAndTrims(t *testing.T) {
	ph := domain.Phase{ID: "ph-1", Status: domain.PhaseInProgress}
	rep, req, err := NewReport(ph, ReportInput{Title: "  50% done ", FileRefs: []string{" a.pdf "}}, "bob", t0)
	require.NoError(t, err)
	assert.Nil(t, req)
	assert.NotEmpty(t, rep.ID)
	assert.Equal(t, domain.ReportProgress, rep.Type)
	assert.Equal(t, "50% done", rep.Title)
	assert.Equal(t, []string{"a.pdf"}, rep.FileRefs)
	assert.Equal(t, "ph-1", rep.PhaseID)
	assert.Nil(t, rep.RequestID)
}

func TestNewReportValidation(t *testing.T) {
	ph := domain.Phase{ID: "ph-1"}
	_, _, err := NewReport(ph, ReportInput{Type: "rant", Title: "x"}, "bob", t0)
	assert.True(t, errors.Is(err, domain.ErrValidation))
	_, _, err = NewReport(ph, ReportInput{Title: "   "}, "bob", t0)
	assert.True(t, errors.Is(err, domain.ErrValidation))
	_, _, err = NewReport(ph, ReportInput{Title: "x", FileRefs: []string{""}}, "bob", t0)
	assert.True(t, errors.Is(err, domain.ErrValidation))
	_, _, err = NewReport(ph, ReportInput{Title: "x", RequestID: "nope"}, "bob", t0)
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestNewReportLinksPendingRequest(t *testing.T) {
	ph := domain.Phase{ID: "ph-1", ReportRequests: []domain.ReportRequest{
		{ID: "rq-1", PhaseID: "ph-1", Status: domain.RequestPending, RequestedAt: t0},
		{ID: "rq-2", PhaseID: "ph-1", Status: domain.RequestFulfilled, RequestedAt: t0},
	}}
	rep, req, err := NewReport(ph, ReportInput{Type: domain.ReportAdditional, Title: "photos", RequestID: "rq-1"}, "bob", t0.Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, domain.RequestFulfilled, req.Status)
	require.NotNil(t, rep.RequestID)
	assert.Equal(t, "rq-1", *rep.RequestID)
	assert.Equal(t, domain.RequestPending, ph.ReportRequests[0].Status, "input phase must not be modified")

	_, _, err = NewReport(ph, ReportInput{Title: "again", RequestID: "rq-2"}, "bob", t0)
	assert.True(t, errors.Is(err, domain.ErrPreconditionFailed))
}

func TestNewRequest(t *testing.T) {
	_, err := NewRequest(domain.Phase{ID: "ph-1"}, " ", "alice", t0)
	assert.True(t, errors.Is(err, domain.ErrValidation))

	req, err := NewRequest(domain.Phase{ID: "ph-1"}, "site photos please", "alice", t0)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestPending, req.Status)
	assert.Equal(t, "alice", req.RequestedBy)
}

func TestReconcileUsesLaterReports(t *testing.T) {
	ph := domain.Phase{
		ReportRequests: []domain.ReportRequest{
			{ID: "early", Status: domain.RequestPending, RequestedAt: t0},
			{ID: "late", Status: domain.RequestPending, RequestedAt: t0.Add(2 * time.Hour)},
		},
		Reports: []domain.WorkReport{{ID: "r1", UploadedAt: t0.Add(time.Hour)}},
	}
	got := Reconcile(ph)
	assert.Equal(t, domain.RequestFulfilled, got[0].Status)
	assert.Equal(t, domain.RequestPending, got[1].Status)
	assert.Equal(t, domain.RequestPending, ph.ReportRequests[0].Status)

	out := Outstanding(ph)
	require.Len(t, out, 1)
	assert.Equal(t, "late", out[0].ID)
}
