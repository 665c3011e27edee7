package domain

import "time"

type Role string

const (
	RoleClient     Role = "client"
	RoleContractor Role = "contractor"
	RoleVerifier   Role = "verifier"
	RoleSystem     Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleClient, RoleContractor, RoleVerifier, RoleSystem:
		return true
	}
	return false
}

// PhaseStatus values are listed in lifecycle order; Rank compares them.
type PhaseStatus string

const (
	PhasePending             PhaseStatus = "pending"
	PhasePaymentSent         PhaseStatus = "payment_sent"
	PhasePaymentVerified     PhaseStatus = "payment_verified"
	PhaseFundsRequested      PhaseStatus = "funds_requested"
	PhaseFundsReleased       PhaseStatus = "funds_released"
	PhaseInProgress          PhaseStatus = "in_progress"
	PhaseCompletionRequested PhaseStatus = "completion_requested"
	PhaseCompleted           PhaseStatus = "completed"
)

var phaseOrder = []PhaseStatus{
	PhasePending,
	PhasePaymentSent,
	PhasePaymentVerified,
	PhaseFundsRequested,
	PhaseFundsReleased,
	PhaseInProgress,
	PhaseCompletionRequested,
	PhaseCompleted,
}

// PhaseStatuses returns every phase status in forward order.
func PhaseStatuses() []PhaseStatus {
	out := make([]PhaseStatus, len(phaseOrder))
	copy(out, phaseOrder)
	return out
}

// Rank is the position of s in the lifecycle, or -1 for unknown values.
func (s PhaseStatus) Rank() int {
	for i, v := range phaseOrder {
		if v == s {
			return i
		}
	}
	return -1
}

type ExecutionStatus string

const (
	ExecutionActive    ExecutionStatus = "active"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionCancelled
}

type Action string

const (
	ActionSendPayment       Action = "sendPayment"
	ActionVerifyPayment     Action = "verifyPayment"
	ActionRequestFunds      Action = "requestFunds"
	ActionReleaseFunds      Action = "releaseFunds"
	ActionStartWork         Action = "startWork"
	ActionUploadReport      Action = "uploadReport"
	ActionRequestReport     Action = "requestAdditionalReport"
	ActionRequestCompletion Action = "requestCompletion"
	ActionApproveCompletion Action = "approveCompletion"

	ActionCreateExecution Action = "createExecution"
	ActionPauseExecution  Action = "pauseExecution"
	ActionResumeExecution Action = "resumeExecution"
	ActionCancelExecution Action = "cancelExecution"
)

type ReportType string

const (
	ReportProgress   ReportType = "progress"
	ReportMilestone  ReportType = "milestone"
	ReportIssue      ReportType = "issue"
	ReportAdditional ReportType = "additional"
)

func (t ReportType) Valid() bool {
	switch t {
	case ReportProgress, ReportMilestone, ReportIssue, ReportAdditional:
		return true
	}
	return false
}

type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestFulfilled RequestStatus = "fulfilled"
)

// Actor is the role and identity behind a mutating call.
type Actor struct {
	Role Role   `json:"role"`
	ID   string `json:"id"`
}

func (a Actor) String() string {
	if a.ID == "" {
		return string(a.Role)
	}
	return string(a.Role) + ":" + a.ID
}

type Execution struct {
	ID                string          `json:"id"`
	ProjectTitle      string          `json:"project_title"`
	ClientID          string          `json:"client_id"`
	ContractorID      string          `json:"contractor_id"`
	TotalBudget       int64           `json:"total_budget"`
	Phases            []Phase         `json:"phases"`
	CurrentPhaseIndex int             `json:"current_phase_index"`
	Status            ExecutionStatus `json:"status" enum:"active,completed,paused,cancelled"`
	StartDate         time.Time       `json:"start_date" format:"date-time"`
	ExpectedEndDate   time.Time       `json:"expected_end_date" format:"date-time"`
	ActualEndDate     *time.Time      `json:"actual_end_date,omitempty" format:"date-time"`
	CreatedAt         time.Time       `json:"created_at" format:"date-time"`
	UpdatedAt         time.Time       `json:"updated_at" format:"date-time"`
}

// CurrentPhase returns the phase under the pointer, or nil once no phase is active.
func (e Execution) CurrentPhase() *Phase {
	if e.CurrentPhaseIndex < 0 || e.CurrentPhaseIndex >= len(e.Phases) {
		return nil
	}
	return &e.Phases[e.CurrentPhaseIndex]
}

// PhaseIndex returns the index of phaseID, or -1.
func (e Execution) PhaseIndex(phaseID string) int {
	for i := range e.Phases {
		if e.Phases[i].ID == phaseID {
			return i
		}
	}
	return -1
}

type Phase struct {
	ID                    string          `json:"id"`
	ExecutionID           string          `json:"execution_id"`
	Number                int             `json:"number"`
	Name                  string          `json:"name"`
	Description           string          `json:"description,omitempty"`
	Budget                int64           `json:"budget"`
	DurationDays          int             `json:"duration_days"`
	Status                PhaseStatus     `json:"status" enum:"pending,payment_sent,payment_verified,funds_requested,funds_released,in_progress,completion_requested,completed"`
	PaidAmount            int64           `json:"paid_amount"`
	PaymentSentAt         *time.Time      `json:"payment_sent_at,omitempty" format:"date-time"`
	PaymentVerifiedAt     *time.Time      `json:"payment_verified_at,omitempty" format:"date-time"`
	FundsRequestedAt      *time.Time      `json:"funds_requested_at,omitempty" format:"date-time"`
	FundsReleasedAt       *time.Time      `json:"funds_released_at,omitempty" format:"date-time"`
	StartedAt             *time.Time      `json:"started_at,omitempty" format:"date-time"`
	CompletionRequestedAt *time.Time      `json:"completion_requested_at,omitempty" format:"date-time"`
	CompletedAt           *time.Time      `json:"completed_at,omitempty" format:"date-time"`
	Reports               []WorkReport    `json:"reports"`
	ReportRequests        []ReportRequest `json:"report_requests"`
}

type WorkReport struct {
	ID          string     `json:"id"`
	PhaseID     string     `json:"phase_id"`
	Type        ReportType `json:"type" enum:"progress,milestone,issue,additional"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	FileRefs    []string   `json:"file_refs,omitempty"`
	UploadedBy  string     `json:"uploaded_by"`
	UploadedAt  time.Time  `json:"uploaded_at" format:"date-time"`
	RequestID   *string    `json:"request_id,omitempty"`
}

type ReportRequest struct {
	ID          string        `json:"id"`
	PhaseID     string        `json:"phase_id"`
	Message     string        `json:"message"`
	RequestedBy string        `json:"requested_by"`
	RequestedAt time.Time     `json:"requested_at" format:"date-time"`
	Status      RequestStatus `json:"status" enum:"pending,fulfilled"`
}

type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeRejected Outcome = "rejected"
)

// ActionRecord is one audit log entry. Records are never updated.
type ActionRecord struct {
	ID          int64          `json:"id"`
	TS          time.Time      `json:"ts" format:"date-time"`
	Action      Action         `json:"action"`
	ExecutionID string         `json:"execution_id,omitempty"`
	PhaseID     string         `json:"phase_id,omitempty"`
	ActorRole   Role           `json:"actor_role"`
	ActorID     string         `json:"actor_id"`
	Outcome     Outcome        `json:"outcome" enum:"applied,rejected"`
	ErrorKind   string         `json:"error_kind,omitempty"`
	Error       string         `json:"error,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// Permissions mirrors which phase actions a role may attempt right now.
type Permissions struct {
	CanSendPayment       bool `json:"can_send_payment"`
	CanRequestFunds      bool `json:"can_request_funds"`
	CanUploadReport      bool `json:"can_upload_report"`
	CanRequestReport     bool `json:"can_request_report"`
	CanRequestCompletion bool `json:"can_request_completion"`
	CanApproveCompletion bool `json:"can_approve_completion"`
}

type Progress struct {
	CompletedPhases int     `json:"completed_phases"`
	TotalPhases     int     `json:"total_phases"`
	Percent         float64 `json:"percent"`
	PaidAmount      int64   `json:"paid_amount"`
	ReleasedBudget  int64   `json:"released_budget"`
}

// ComputeProgress aggregates phase state into project level figures.
func ComputeProgress(e Execution) Progress {
	p := Progress{TotalPhases: len(e.Phases)}
	for _, ph := range e.Phases {
		if ph.Status == PhaseCompleted {
			p.CompletedPhases++
		}
		p.PaidAmount += ph.PaidAmount
		if ph.FundsReleasedAt != nil {
			p.ReleasedBudget += ph.Budget
		}
	}
	if p.TotalPhases > 0 {
		p.Percent = float64(p.CompletedPhases) * 100 / float64(p.TotalPhases)
	}
	return p
}

type APIKey struct {
	ID        string    `json:"id"`
	ActorID   string    `json:"actor_id"`
	Role      Role      `json:"role"`
	Name      string    `json:"name,omitempty"`
	KeyHash   string    `json:"key_hash"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}
