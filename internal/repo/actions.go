package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"phaseline/internal/domain"
)

const actionColumns = `id,ts,action,execution_id,phase_id,actor_role,actor_id,outcome,error_kind,error,details_json`

// InsertAction appends one audit record and returns its id.
func (r Repo) InsertAction(ctx context.Context, q Querier, rec domain.ActionRecord) (int64, error) {
	var details any
	if len(rec.Details) > 0 {
		data, err := json.Marshal(rec.Details)
		if err != nil {
			return 0, fmt.Errorf("marshal action details: %w", err)
		}
		details = string(data)
	}
	res, err := r.q(q).ExecContext(ctx, `INSERT INTO action_log(ts,action,execution_id,phase_id,actor_role,actor_id,outcome,error_kind,error,details_json) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		formatTime(rec.TS), rec.Action, nullable(rec.ExecutionID), nullable(rec.PhaseID), rec.ActorRole, rec.ActorID, rec.Outcome,
		nullable(rec.ErrorKind), nullable(rec.Error), details)
	if err != nil {
		return 0, fmt.Errorf("insert action: %w", err)
	}
	return res.LastInsertId()
}

func scanAction(scan func(dest ...any) error) (domain.ActionRecord, error) {
	var (
		rec                                           domain.ActionRecord
		ts                                            string
		executionID, phaseID, kind, errText, details sql.NullString
	)
	if err := scan(&rec.ID, &ts, &rec.Action, &executionID, &phaseID, &rec.ActorRole, &rec.ActorID, &rec.Outcome, &kind, &errText, &details); err != nil {
		return rec, err
	}
	var err error
	if rec.TS, err = parseTime(ts); err != nil {
		return rec, err
	}
	rec.ExecutionID = executionID.String
	rec.PhaseID = phaseID.String
	rec.ErrorKind = kind.String
	rec.Error = errText.String
	if details.Valid && details.String != "" {
		if err := json.Unmarshal([]byte(details.String), &rec.Details); err != nil {
			return rec, fmt.Errorf("decode action details: %w", err)
		}
	}
	return rec, nil
}

type ActionFilters struct {
	ExecutionID string
	PhaseID     string
	Outcome     domain.Outcome
	Limit       int
	// Cursor returns records with ids strictly below it.
	Cursor int64
}

// ListActions returns audit records newest first.
func (r Repo) ListActions(ctx context.Context, f ActionFilters) ([]domain.ActionRecord, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ExecutionID != "" {
		clauses = append(clauses, "execution_id=?")
		args = append(args, f.ExecutionID)
	}
	if f.PhaseID != "" {
		clauses = append(clauses, "phase_id=?")
		args = append(args, f.PhaseID)
	}
	if f.Outcome != "" {
		clauses = append(clauses, "outcome=?")
		args = append(args, f.Outcome)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM action_log WHERE %s ORDER BY id DESC LIMIT ?`, actionColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryActions(ctx, query, args...)
}

// ActionsAfter returns applied records with ids greater than the cursor in
// ascending order.
func (r Repo) ActionsAfter(ctx context.Context, limit int, cursor int64) ([]domain.ActionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + actionColumns + ` FROM action_log WHERE outcome=? AND id>? ORDER BY id ASC LIMIT ?`
	return r.queryActions(ctx, query, domain.OutcomeApplied, cursor, limit)
}

func (r Repo) queryActions(ctx context.Context, query string, args ...any) ([]domain.ActionRecord, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActionRecord
	for rows.Next() {
		rec, err := scanAction(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// LatestActionID returns the most recent audit record id.
func (r Repo) LatestActionID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM action_log`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// WebhookCursor returns the last delivered action id for url.
func (r Repo) WebhookCursor(ctx context.Context, url string) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT last_id FROM webhook_cursors WHERE url=?`, url).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return id, err
}

func (r Repo) SetWebhookCursor(ctx context.Context, url string, id int64) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO webhook_cursors(url,last_id,updated_at) VALUES (?,?,?)
ON CONFLICT(url) DO UPDATE SET last_id=excluded.last_id, updated_at=excluded.updated_at`, url, id, formatTime(time.Now()))
	return err
}
