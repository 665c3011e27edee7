package phaselinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal phaseline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	// ActorID and Role are sent as legacy actor headers when no credential is set.
	ActorID    string
	Role       string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type PhasePlan struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	Budget       int64  `json:"budget"`
	DurationDays int    `json:"duration_days,omitempty"`
}

type CreateExecution struct {
	ID           string      `json:"id,omitempty"`
	ProjectTitle string      `json:"project_title"`
	ClientID     string      `json:"client_id"`
	ContractorID string      `json:"contractor_id"`
	TotalBudget  int64       `json:"total_budget"`
	Phases       []PhasePlan `json:"phases"`
}

// Execution represents the API execution model (partial).
type Execution struct {
	ID                string   `json:"id"`
	ProjectTitle      string   `json:"project_title"`
	ClientID          string   `json:"client_id"`
	ContractorID      string   `json:"contractor_id"`
	TotalBudget       int64    `json:"total_budget"`
	Status            string   `json:"status"`
	CurrentPhaseIndex int      `json:"current_phase_index"`
	Phases            []Phase  `json:"phases"`
	ActualEndDate     string   `json:"actual_end_date,omitempty"`
	Progress          Progress `json:"progress"`
}

type Progress struct {
	CompletedPhases int     `json:"completed_phases"`
	TotalPhases     int     `json:"total_phases"`
	Percent         float64 `json:"percent"`
}

type Phase struct {
	ID             string          `json:"id"`
	ExecutionID    string          `json:"execution_id"`
	Number         int             `json:"number"`
	Name           string          `json:"name"`
	Budget         int64           `json:"budget"`
	Status         string          `json:"status"`
	PaidAmount     int64           `json:"paid_amount"`
	Reports        []Report        `json:"reports"`
	ReportRequests []ReportRequest `json:"report_requests"`
}

type Report struct {
	ID         string   `json:"id"`
	PhaseID    string   `json:"phase_id"`
	Type       string   `json:"type"`
	Title      string   `json:"title"`
	FileRefs   []string `json:"file_refs,omitempty"`
	UploadedBy string   `json:"uploaded_by"`
	RequestID  string   `json:"request_id,omitempty"`
}

type NewReport struct {
	Type        string   `json:"type,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	FileRefs    []string `json:"file_refs,omitempty"`
	RequestID   string   `json:"request_id,omitempty"`
}

type ReportRequest struct {
	ID          string `json:"id"`
	PhaseID     string `json:"phase_id"`
	Message     string `json:"message"`
	RequestedBy string `json:"requested_by"`
	Status      string `json:"status"`
}

type Permissions struct {
	CanSendPayment       bool `json:"can_send_payment"`
	CanRequestFunds      bool `json:"can_request_funds"`
	CanUploadReport      bool `json:"can_upload_report"`
	CanRequestReport     bool `json:"can_request_report"`
	CanRequestCompletion bool `json:"can_request_completion"`
	CanApproveCompletion bool `json:"can_approve_completion"`
}

// Action represents an audit log entry.
type Action struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts"`
	Action      string         `json:"action"`
	ExecutionID string         `json:"execution_id"`
	PhaseID     string         `json:"phase_id"`
	ActorRole   string         `json:"actor_role"`
	ActorID     string         `json:"actor_id"`
	Outcome     string         `json:"outcome"`
	ErrorKind   string         `json:"error_kind,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// PaginatedActions wraps list responses with cursors.
type PaginatedActions struct {
	Items      []Action `json:"items"`
	NextCursor string   `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

func (c *Client) CreateExecution(ctx context.Context, in CreateExecution) (Execution, error) {
	var resp Execution
	err := c.do(ctx, http.MethodPost, "executions", in, &resp)
	return resp, err
}

// Execution returns the snapshot with progress.
func (c *Client) Execution(ctx context.Context, id string) (Execution, error) {
	var resp Execution
	err := c.do(ctx, http.MethodGet, "executions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) PauseExecution(ctx context.Context, id, reason string) (Execution, error) {
	return c.setStatus(ctx, id, "pause", reason)
}

func (c *Client) ResumeExecution(ctx context.Context, id, reason string) (Execution, error) {
	return c.setStatus(ctx, id, "resume", reason)
}

func (c *Client) CancelExecution(ctx context.Context, id, reason string) (Execution, error) {
	return c.setStatus(ctx, id, "cancel", reason)
}

func (c *Client) setStatus(ctx context.Context, id, verb, reason string) (Execution, error) {
	var resp Execution
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("executions/%s/%s", url.PathEscape(id), verb), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// ActionsPage returns a page of the execution's audit log, newest first.
func (c *Client) ActionsPage(ctx context.Context, executionID string, limit int, cursor string) (PaginatedActions, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := fmt.Sprintf("executions/%s/actions", url.PathEscape(executionID))
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedActions
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Phase(ctx context.Context, phaseID string) (Phase, error) {
	var resp Phase
	err := c.do(ctx, http.MethodGet, phasePath(phaseID, ""), nil, &resp)
	return resp, err
}

func (c *Client) SendPayment(ctx context.Context, phaseID string, amount int64) (Phase, error) {
	var resp Phase
	err := c.do(ctx, http.MethodPost, phasePath(phaseID, "payment"), map[string]any{"amount": amount}, &resp)
	return resp, err
}

func (c *Client) VerifyPayment(ctx context.Context, phaseID string) (Phase, error) {
	return c.phaseAction(ctx, phaseID, "payment/verify")
}

func (c *Client) RequestFunds(ctx context.Context, phaseID string) (Phase, error) {
	return c.phaseAction(ctx, phaseID, "funds/request")
}

func (c *Client) ReleaseFunds(ctx context.Context, phaseID string) (Phase, error) {
	return c.phaseAction(ctx, phaseID, "funds/release")
}

func (c *Client) RequestCompletion(ctx context.Context, phaseID string) (Phase, error) {
	return c.phaseAction(ctx, phaseID, "completion/request")
}

func (c *Client) ApproveCompletion(ctx context.Context, phaseID string) (Phase, error) {
	return c.phaseAction(ctx, phaseID, "completion/approve")
}

func (c *Client) UploadReport(ctx context.Context, phaseID string, in NewReport) (Report, error) {
	var resp Report
	err := c.do(ctx, http.MethodPost, phasePath(phaseID, "reports"), in, &resp)
	return resp, err
}

func (c *Client) RequestReport(ctx context.Context, phaseID, message string) (ReportRequest, error) {
	var resp ReportRequest
	err := c.do(ctx, http.MethodPost, phasePath(phaseID, "report-requests"), map[string]any{"message": message}, &resp)
	return resp, err
}

// Permissions returns what role may do on the phase. An empty role means the caller's own.
func (c *Client) Permissions(ctx context.Context, phaseID, role string) (Permissions, error) {
	endpoint := phasePath(phaseID, "permissions")
	if role != "" {
		endpoint += "?role=" + url.QueryEscape(role)
	}
	var resp struct {
		Permissions Permissions `json:"permissions"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Permissions, err
}

func (c *Client) phaseAction(ctx context.Context, phaseID, verb string) (Phase, error) {
	var resp Phase
	err := c.do(ctx, http.MethodPost, phasePath(phaseID, verb), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.Role != "":
		req.Header.Set("X-Actor-Role", c.Role)
		if c.ActorID != "" {
			req.Header.Set("X-Actor-Id", c.ActorID)
		}
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func phasePath(phaseID, verb string) string {
	p := "phases/" + url.PathEscape(phaseID)
	if verb != "" {
		p += "/" + verb
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
