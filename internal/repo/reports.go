package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"phaseline/internal/domain"
)

func (r Repo) InsertReport(ctx context.Context, q Querier, rep domain.WorkReport) error {
	var refs any
	if len(rep.FileRefs) > 0 {
		data, err := json.Marshal(rep.FileRefs)
		if err != nil {
			return fmt.Errorf("marshal file refs: %w", err)
		}
		refs = string(data)
	}
	_, err := r.q(q).ExecContext(ctx, `INSERT INTO work_reports(id,phase_id,type,title,description,file_refs_json,uploaded_by,uploaded_at,request_id) VALUES (?,?,?,?,?,?,?,?,?)`,
		rep.ID, rep.PhaseID, rep.Type, rep.Title, nullable(rep.Description), refs, rep.UploadedBy, formatTime(rep.UploadedAt), nullableStringPtr(rep.RequestID))
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

func (r Repo) InsertReportRequest(ctx context.Context, q Querier, req domain.ReportRequest) error {
	_, err := r.q(q).ExecContext(ctx, `INSERT INTO report_requests(id,phase_id,message,requested_by,requested_at,status) VALUES (?,?,?,?,?,?)`,
		req.ID, req.PhaseID, req.Message, req.RequestedBy, formatTime(req.RequestedAt), req.Status)
	if err != nil {
		return fmt.Errorf("insert report request: %w", err)
	}
	return nil
}

// FulfillReportRequest marks a pending request fulfilled. It fails with
// PreconditionFailed when the request is no longer pending.
func (r Repo) FulfillReportRequest(ctx context.Context, q Querier, id string) error {
	res, err := r.q(q).ExecContext(ctx, `UPDATE report_requests SET status=? WHERE id=? AND status=?`,
		domain.RequestFulfilled, id, domain.RequestPending)
	if err != nil {
		return fmt.Errorf("fulfill report request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.PreconditionFailed("fulfill report request", "request %s is not pending", id)
	}
	return nil
}

func (r Repo) listReportsByExecution(ctx context.Context, q Querier, executionID string) (map[string][]domain.WorkReport, error) {
	rows, err := q.QueryContext(ctx, `SELECT w.id,w.phase_id,w.type,w.title,w.description,w.file_refs_json,w.uploaded_by,w.uploaded_at,w.request_id
FROM work_reports w JOIN phases p ON p.id=w.phase_id
WHERE p.execution_id=? ORDER BY w.uploaded_at ASC, w.rowid ASC`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()
	res := map[string][]domain.WorkReport{}
	for rows.Next() {
		var (
			rep                   domain.WorkReport
			desc, refs, requestID sql.NullString
			uploaded              string
		)
		if err := rows.Scan(&rep.ID, &rep.PhaseID, &rep.Type, &rep.Title, &desc, &refs, &rep.UploadedBy, &uploaded, &requestID); err != nil {
			return nil, err
		}
		if desc.Valid {
			rep.Description = desc.String
		}
		if refs.Valid && refs.String != "" {
			if err := json.Unmarshal([]byte(refs.String), &rep.FileRefs); err != nil {
				return nil, fmt.Errorf("decode file refs of %s: %w", rep.ID, err)
			}
		}
		if requestID.Valid {
			id := requestID.String
			rep.RequestID = &id
		}
		if rep.UploadedAt, err = parseTime(uploaded); err != nil {
			return nil, err
		}
		res[rep.PhaseID] = append(res[rep.PhaseID], rep)
	}
	return res, rows.Err()
}

func (r Repo) listRequestsByExecution(ctx context.Context, q Querier, executionID string) (map[string][]domain.ReportRequest, error) {
	rows, err := q.QueryContext(ctx, `SELECT rr.id,rr.phase_id,rr.message,rr.requested_by,rr.requested_at,rr.status
FROM report_requests rr JOIN phases p ON p.id=rr.phase_id
WHERE p.execution_id=? ORDER BY rr.requested_at ASC, rr.rowid ASC`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list report requests: %w", err)
	}
	defer rows.Close()
	res := map[string][]domain.ReportRequest{}
	for rows.Next() {
		var (
			req       domain.ReportRequest
			requested string
		)
		if err := rows.Scan(&req.ID, &req.PhaseID, &req.Message, &req.RequestedBy, &requested, &req.Status); err != nil {
			return nil, err
		}
		if req.RequestedAt, err = parseTime(requested); err != nil {
			return nil, err
		}
		res[req.PhaseID] = append(res[req.PhaseID], req)
	}
	return res, rows.Err()
}
