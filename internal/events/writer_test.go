package events_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaseline/internal/db"
	"phaseline/internal/domain"
	"phaseline/internal/events"
	"phaseline/internal/migrate"
	"phaseline/internal/repo"
)

func newWriter(t *testing.T) (events.Writer, repo.Repo) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	r := repo.Repo{DB: conn}
	fixed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return events.Writer{Repo: r, Now: func() time.Time { return fixed }}, r
}

func TestAppliedRecordCommitsWithTransaction(t *testing.T) {
	ctx := context.Background()
	w, r := newWriter(t)
	actor := domain.Actor{Role: domain.RoleClient, ID: "alice"}
	target := events.Target{ExecutionID: "exec-1", PhaseID: "ph-1"}

	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = w.Applied(ctx, tx, domain.ActionSendPayment, target, actor, events.Payload{"amount": 100})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	recs, err := r.ListActions(ctx, repo.ActionFilters{ExecutionID: "exec-1"})
	require.NoError(t, err)
	assert.Empty(t, recs, "rolled back record must not persist")

	tx, err = r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	rec, err := w.Applied(ctx, tx, domain.ActionSendPayment, target, actor, events.Payload{"amount": 100})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.NotZero(t, rec.ID)

	recs, err = r.ListActions(ctx, repo.ActionFilters{ExecutionID: "exec-1"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.OutcomeApplied, recs[0].Outcome)
	assert.Equal(t, "alice", recs[0].ActorID)
	assert.EqualValues(t, 100, recs[0].Details["amount"])
}

func TestRejectedRecordCarriesErrorKind(t *testing.T) {
	ctx := context.Background()
	w, r := newWriter(t)
	cause := domain.PermissionDenied("attempt transition", "sendPayment may only be performed by client")

	rec, err := w.Rejected(ctx, domain.ActionSendPayment, events.Target{ExecutionID: "missing"}, domain.Actor{Role: domain.RoleContractor, ID: "bob"}, cause, nil)
	require.NoError(t, err)
	assert.Equal(t, "PermissionDenied", rec.ErrorKind)

	recs, err := r.ListActions(ctx, repo.ActionFilters{Outcome: domain.OutcomeRejected})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "PermissionDenied", recs[0].ErrorKind)
	assert.Contains(t, recs[0].Error, "may only be performed by client")

	applied, err := r.ActionsAfter(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, applied)
}
