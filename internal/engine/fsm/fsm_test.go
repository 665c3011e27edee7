package fsm_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaseline/internal/domain"
	"phaseline/internal/engine/fsm"
)

func TestAttemptHappyPath(t *testing.T) {
	steps := []struct {
		action  domain.Action
		role    domain.Role
		reports int
		want    domain.PhaseStatus
	}{
		{domain.ActionSendPayment, domain.RoleClient, 0, domain.PhasePaymentSent},
		{domain.ActionVerifyPayment, domain.RoleVerifier, 0, domain.PhasePaymentVerified},
		{domain.ActionRequestFunds, domain.RoleContractor, 0, domain.PhaseFundsRequested},
		{domain.ActionReleaseFunds, domain.RoleVerifier, 0, domain.PhaseFundsReleased},
		{domain.ActionStartWork, domain.RoleSystem, 0, domain.PhaseInProgress},
		{domain.ActionRequestCompletion, domain.RoleContractor, 1, domain.PhaseCompletionRequested},
		{domain.ActionApproveCompletion, domain.RoleClient, 1, domain.PhaseCompleted},
	}
	status := domain.PhasePending
	for _, s := range steps {
		next, err := fsm.Attempt(status, s.action, s.role, s.reports)
		require.NoError(t, err, "action %s from %s", s.action, status)
		require.Equal(t, s.want, next)
		require.Greater(t, next.Rank(), status.Rank(), "status must move forward")
		status = next
	}
}

func TestAttemptRejections(t *testing.T) {
	tests := []struct {
		name    string
		status  domain.PhaseStatus
		action  domain.Action
		role    domain.Role
		reports int
		want    error
	}{
		{"contractor cannot pay", domain.PhasePending, domain.ActionSendPayment, domain.RoleContractor, 0, domain.ErrPermissionDenied},
		{"client cannot verify", domain.PhasePaymentSent, domain.ActionVerifyPayment, domain.RoleClient, 0, domain.ErrPermissionDenied},
		{"approve while in progress", domain.PhaseInProgress, domain.ActionApproveCompletion, domain.RoleClient, 3, domain.ErrInvalidTransition},
		{"double payment", domain.PhasePaymentSent, domain.ActionSendPayment, domain.RoleClient, 0, domain.ErrInvalidTransition},
		{"double funds request", domain.PhaseFundsRequested, domain.ActionRequestFunds, domain.RoleContractor, 0, domain.ErrInvalidTransition},
		{"completion without reports", domain.PhaseInProgress, domain.ActionRequestCompletion, domain.RoleContractor, 0, domain.ErrPreconditionFailed},
		{"completion without reports as client", domain.PhaseInProgress, domain.ActionRequestCompletion, domain.RoleClient, 0, domain.ErrPreconditionFailed},
		{"completion without reports as verifier", domain.PhasePending, domain.ActionRequestCompletion, domain.RoleVerifier, 0, domain.ErrPreconditionFailed},
		{"completed is terminal", domain.PhaseCompleted, domain.ActionApproveCompletion, domain.RoleClient, 1, domain.ErrInvalidTransition},
		{"report before funds release", domain.PhasePaymentVerified, domain.ActionUploadReport, domain.RoleContractor, 0, domain.ErrInvalidTransition},
		{"client cannot upload", domain.PhaseInProgress, domain.ActionUploadReport, domain.RoleClient, 0, domain.ErrPermissionDenied},
		{"request report only in progress", domain.PhaseFundsReleased, domain.ActionRequestReport, domain.RoleClient, 0, domain.ErrInvalidTransition},
		{"unknown action", domain.PhasePending, domain.Action("teleport"), domain.RoleClient, 0, domain.ErrValidation},
		{"unknown role", domain.PhasePending, domain.ActionSendPayment, domain.Role("auditor"), 0, domain.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := fsm.Attempt(tt.status, tt.action, tt.role, tt.reports)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v, want kind %v", err, tt.want)
			assert.Equal(t, tt.status, got, "rejected attempt must not change status")
		})
	}
}

func TestSideChannelKeepsStatus(t *testing.T) {
	for _, status := range []domain.PhaseStatus{domain.PhaseFundsReleased, domain.PhaseInProgress} {
		got, err := fsm.Attempt(status, domain.ActionUploadReport, domain.RoleContractor, 0)
		require.NoError(t, err)
		assert.Equal(t, status, got)
	}
	got, err := fsm.Attempt(domain.PhaseInProgress, domain.ActionRequestReport, domain.RoleClient, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseInProgress, got)
}

func TestRulesNeverMoveBackwards(t *testing.T) {
	for _, r := range fsm.Rules() {
		if !r.ChangesStatus() {
			continue
		}
		for _, from := range r.From {
			assert.Greater(t, r.To.Rank(), from.Rank(), "rule %s", r.Action)
		}
	}
}

func TestCheckAgreesWithAttempt(t *testing.T) {
	roles := []domain.Role{domain.RoleClient, domain.RoleContractor, domain.RoleVerifier, domain.RoleSystem}
	for _, status := range domain.PhaseStatuses() {
		for _, r := range fsm.Rules() {
			for _, role := range roles {
				for _, reports := range []int{0, 1} {
					checkErr := fsm.Check(status, r.Action, role, reports)
					_, attemptErr := fsm.Attempt(status, r.Action, role, reports)
					assert.Equal(t, checkErr == nil, attemptErr == nil,
						"status=%s action=%s role=%s reports=%d", status, r.Action, role, reports)
				}
			}
		}
	}
}

func TestMachineFollowsRuleTable(t *testing.T) {
	for _, r := range fsm.Rules() {
		if !r.ChangesStatus() {
			continue
		}
		for _, from := range r.From {
			got, err := fsm.Attempt(from, r.Action, r.Actor, 1)
			require.NoError(t, err, "rule %s from %s", r.Action, from)
			assert.Equal(t, r.To, got, "rule %s from %s", r.Action, from)
		}
	}
}
