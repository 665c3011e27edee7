// Package events appends attempted actions to the audit log. Records are
// only ever inserted.
package events

import (
	"context"
	"time"

	"phaseline/internal/domain"
	"phaseline/internal/repo"
)

type Writer struct {
	Repo repo.Repo
	Now  func() time.Time
}

type Payload map[string]any

// Target names what an action was attempted on.
type Target struct {
	ExecutionID string
	PhaseID     string
}

func (w Writer) now() time.Time {
	if w.Now == nil {
		return time.Now().UTC()
	}
	return w.Now().UTC()
}

// Applied records a successful action. Pass the mutation's transaction so
// the record commits or rolls back together with the state change.
func (w Writer) Applied(ctx context.Context, q repo.Querier, action domain.Action, target Target, actor domain.Actor, details Payload) (domain.ActionRecord, error) {
	rec := domain.ActionRecord{
		TS:          w.now(),
		Action:      action,
		ExecutionID: target.ExecutionID,
		PhaseID:     target.PhaseID,
		ActorRole:   actor.Role,
		ActorID:     actor.ID,
		Outcome:     domain.OutcomeApplied,
		Details:     details,
	}
	id, err := w.Repo.InsertAction(ctx, q, rec)
	if err != nil {
		return rec, err
	}
	rec.ID = id
	return rec, nil
}

// Rejected records a refused attempt with the error kind and message. It
// writes outside any transaction since the attempt's own work was rolled back.
func (w Writer) Rejected(ctx context.Context, action domain.Action, target Target, actor domain.Actor, cause error, details Payload) (domain.ActionRecord, error) {
	rec := domain.ActionRecord{
		TS:          w.now(),
		Action:      action,
		ExecutionID: target.ExecutionID,
		PhaseID:     target.PhaseID,
		ActorRole:   actor.Role,
		ActorID:     actor.ID,
		Outcome:     domain.OutcomeRejected,
		ErrorKind:   domain.KindOf(cause),
		Details:     details,
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	id, err := w.Repo.InsertAction(ctx, nil, rec)
	if err != nil {
		return rec, err
	}
	rec.ID = id
	return rec, nil
}
