package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"phaseline/internal/domain"
)

const executionColumns = `id,project_title,client_id,contractor_id,total_budget,current_phase_index,status,start_date,expected_end_date,actual_end_date,created_at,updated_at`

const phaseColumns = `id,execution_id,number,name,description,budget,duration_days,status,paid_amount,payment_sent_at,payment_verified_at,funds_requested_at,funds_released_at,started_at,completion_requested_at,completed_at`

// InsertExecution stores the execution row and all of its phases.
func (r Repo) InsertExecution(ctx context.Context, q Querier, e domain.Execution) error {
	q = r.q(q)
	_, err := q.ExecContext(ctx, `INSERT INTO executions(`+executionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.ProjectTitle, e.ClientID, e.ContractorID, e.TotalBudget, e.CurrentPhaseIndex, e.Status,
		formatTime(e.StartDate), formatTime(e.ExpectedEndDate), formatTimePtr(e.ActualEndDate),
		formatTime(e.CreatedAt), formatTime(e.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	for _, ph := range e.Phases {
		if err := r.insertPhase(ctx, q, ph); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) insertPhase(ctx context.Context, q Querier, ph domain.Phase) error {
	_, err := q.ExecContext(ctx, `INSERT INTO phases(`+phaseColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		ph.ID, ph.ExecutionID, ph.Number, ph.Name, nullable(ph.Description), ph.Budget, ph.DurationDays, ph.Status, ph.PaidAmount,
		formatTimePtr(ph.PaymentSentAt), formatTimePtr(ph.PaymentVerifiedAt), formatTimePtr(ph.FundsRequestedAt),
		formatTimePtr(ph.FundsReleasedAt), formatTimePtr(ph.StartedAt), formatTimePtr(ph.CompletionRequestedAt), formatTimePtr(ph.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert phase %d: %w", ph.Number, err)
	}
	return nil
}

func scanExecution(scan func(dest ...any) error) (domain.Execution, error) {
	var (
		e                                 domain.Execution
		start, expected, created, updated string
		actual                            sql.NullString
	)
	if err := scan(&e.ID, &e.ProjectTitle, &e.ClientID, &e.ContractorID, &e.TotalBudget, &e.CurrentPhaseIndex, &e.Status,
		&start, &expected, &actual, &created, &updated); err != nil {
		return e, err
	}
	var err error
	if e.StartDate, err = parseTime(start); err != nil {
		return e, err
	}
	if e.ExpectedEndDate, err = parseTime(expected); err != nil {
		return e, err
	}
	if e.ActualEndDate, err = parseTimePtr(actual); err != nil {
		return e, err
	}
	if e.CreatedAt, err = parseTime(created); err != nil {
		return e, err
	}
	if e.UpdatedAt, err = parseTime(updated); err != nil {
		return e, err
	}
	return e, nil
}

func scanPhase(scan func(dest ...any) error) (domain.Phase, error) {
	var (
		ph                                                  domain.Phase
		desc                                                sql.NullString
		sent, verified, requested, released, started, compl sql.NullString
		completed                                           sql.NullString
	)
	if err := scan(&ph.ID, &ph.ExecutionID, &ph.Number, &ph.Name, &desc, &ph.Budget, &ph.DurationDays, &ph.Status, &ph.PaidAmount,
		&sent, &verified, &requested, &released, &started, &compl, &completed); err != nil {
		return ph, err
	}
	if desc.Valid {
		ph.Description = desc.String
	}
	for _, f := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{sent, &ph.PaymentSentAt},
		{verified, &ph.PaymentVerifiedAt},
		{requested, &ph.FundsRequestedAt},
		{released, &ph.FundsReleasedAt},
		{started, &ph.StartedAt},
		{compl, &ph.CompletionRequestedAt},
		{completed, &ph.CompletedAt},
	} {
		t, err := parseTimePtr(f.src)
		if err != nil {
			return ph, err
		}
		*f.dst = t
	}
	return ph, nil
}

// GetExecution loads an execution with its phases, reports and requests.
func (r Repo) GetExecution(ctx context.Context, q Querier, id string) (domain.Execution, error) {
	q = r.q(q)
	e, err := scanExecution(q.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id=?`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return e, domain.NotFound("get execution", "execution %s not found", id)
	}
	if err != nil {
		return e, fmt.Errorf("get execution: %w", err)
	}
	phases, err := r.listPhases(ctx, q, id)
	if err != nil {
		return e, err
	}
	reports, err := r.listReportsByExecution(ctx, q, id)
	if err != nil {
		return e, err
	}
	requests, err := r.listRequestsByExecution(ctx, q, id)
	if err != nil {
		return e, err
	}
	for i := range phases {
		phases[i].Reports = reports[phases[i].ID]
		phases[i].ReportRequests = requests[phases[i].ID]
		if phases[i].Reports == nil {
			phases[i].Reports = []domain.WorkReport{}
		}
		if phases[i].ReportRequests == nil {
			phases[i].ReportRequests = []domain.ReportRequest{}
		}
	}
	e.Phases = phases
	return e, nil
}

func (r Repo) listPhases(ctx context.Context, q Querier, executionID string) ([]domain.Phase, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+phaseColumns+` FROM phases WHERE execution_id=? ORDER BY number ASC`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list phases: %w", err)
	}
	defer rows.Close()
	var res []domain.Phase
	for rows.Next() {
		ph, err := scanPhase(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ph)
	}
	return res, rows.Err()
}

// ExecutionIDForPhase resolves the execution a phase belongs to.
func (r Repo) ExecutionIDForPhase(ctx context.Context, q Querier, phaseID string) (string, error) {
	var id string
	err := r.q(q).QueryRowContext(ctx, `SELECT execution_id FROM phases WHERE id=?`, phaseID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.NotFound("resolve phase", "phase %s not found", phaseID)
	}
	return id, err
}

// PhasesAwaitingStart returns current phases of active executions whose funds
// are released but whose work has not started.
func (r Repo) PhasesAwaitingStart(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT p.id FROM phases p
JOIN executions e ON e.id = p.execution_id
WHERE e.status = ? AND p.status = ? AND p.number = e.current_phase_index + 1
ORDER BY e.created_at, p.id`, domain.ExecutionActive, domain.PhaseFundsReleased)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ExecutionFilters narrows ListExecutions.
type ExecutionFilters struct {
	Status       domain.ExecutionStatus
	ClientID     string
	ContractorID string
	Limit        int
}

// ListExecutions returns execution headers without phases, newest first.
func (r Repo) ListExecutions(ctx context.Context, f ExecutionFilters) ([]domain.Execution, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ClientID != "" {
		clauses = append(clauses, "client_id=?")
		args = append(args, f.ClientID)
	}
	if f.ContractorID != "" {
		clauses = append(clauses, "contractor_id=?")
		args = append(args, f.ContractorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + executionColumns + ` FROM executions ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// UpdatePhase writes the phase's mutable columns if its stored status still
// equals expected. Timestamps already set are never overwritten.
func (r Repo) UpdatePhase(ctx context.Context, q Querier, ph domain.Phase, expected domain.PhaseStatus) error {
	res, err := r.q(q).ExecContext(ctx, `UPDATE phases SET status=?, paid_amount=?,
  payment_sent_at=COALESCE(payment_sent_at,?),
  payment_verified_at=COALESCE(payment_verified_at,?),
  funds_requested_at=COALESCE(funds_requested_at,?),
  funds_released_at=COALESCE(funds_released_at,?),
  started_at=COALESCE(started_at,?),
  completion_requested_at=COALESCE(completion_requested_at,?),
  completed_at=COALESCE(completed_at,?)
WHERE id=? AND status=?`,
		ph.Status, ph.PaidAmount,
		formatTimePtr(ph.PaymentSentAt), formatTimePtr(ph.PaymentVerifiedAt), formatTimePtr(ph.FundsRequestedAt),
		formatTimePtr(ph.FundsReleasedAt), formatTimePtr(ph.StartedAt), formatTimePtr(ph.CompletionRequestedAt), formatTimePtr(ph.CompletedAt),
		ph.ID, expected)
	if err != nil {
		return fmt.Errorf("update phase: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.InvalidTransition("update phase", "phase %s is no longer %s", ph.ID, expected)
	}
	return nil
}

// UpdateExecution writes pointer, status and end date if the stored status
// and pointer still match the expected values.
func (r Repo) UpdateExecution(ctx context.Context, q Querier, e domain.Execution, expectedStatus domain.ExecutionStatus, expectedIndex int) error {
	res, err := r.q(q).ExecContext(ctx, `UPDATE executions SET current_phase_index=?, status=?, actual_end_date=COALESCE(actual_end_date,?), updated_at=?
WHERE id=? AND status=? AND current_phase_index=?`,
		e.CurrentPhaseIndex, e.Status, formatTimePtr(e.ActualEndDate), formatTime(e.UpdatedAt),
		e.ID, expectedStatus, expectedIndex)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.InvalidTransition("update execution", "execution %s changed concurrently", e.ID)
	}
	return nil
}
