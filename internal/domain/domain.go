package domain

type Organization struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Project struct {
	ID          string  `json:"id"`
	OrgID       string  `json:"org_id"`
	Title       string  `json:"title"`
	Status      string  `json:"status" enum:"active,closed"`
	TotalValue  float64 `json:"total_value"`
	Spent       float64 `json:"spent"`
	PMBonus     float64 `json:"pm_bonus"`
	PMID        *string `json:"pm_id,omitempty"`
	SalesRepID  *string `json:"sales_rep_id,omitempty"`
	Description string  `json:"description,omitempty"`
	SignedAt    *string `json:"signed_at,omitempty" format:"date-time"`
	PickedUpAt  *string `json:"picked_up_at,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type Task struct {
	ID                string  `json:"id"`
	OrgID             string  `json:"org_id"`
	ProjectID         string  `json:"project_id"`
	Title             string  `json:"title"`
	Description       string  `json:"description,omitempty"`
	Status            string  `json:"status" enum:"open,assigned,in_progress,completed,under_review,approved,rejected,paid"`
	DollarValue       float64 `json:"dollar_value"`
	UrgencyMultiplier float64 `json:"urgency_multiplier"`
	RequiredLevel     int     `json:"required_level"`
	AssigneeID        *string `json:"assignee_id,omitempty"`
	SubmissionJSON    *string `json:"submission_json,omitempty"`
	AssignedAt        *string `json:"assigned_at,omitempty" format:"date-time"`
	CompletedAt       *string `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
	UpdatedAt         string  `json:"updated_at" format:"date-time"`
}

// Value is the task budget V fed into valuation: dollar value scaled by urgency.
func (t Task) Value() float64 {
	m := t.UrgencyMultiplier
	if m < 1 {
		m = 1
	}
	return t.DollarValue * m
}

// QCReview is immutable once written; corrections are new rows.
type QCReview struct {
	ID         string   `json:"id"`
	TaskID     string   `json:"task_id"`
	ReviewerID string   `json:"reviewer_id,omitempty"`
	ReviewType string   `json:"review_type" enum:"ai,peer,independent"`
	Passed     *bool    `json:"passed,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	PassNumber int      `json:"pass_number"`
	Weight     float64  `json:"weight"`
	V0         float64  `json:"v0"`
	DK         float64  `json:"d_k"`
	Summary    string   `json:"summary,omitempty"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
}

type Payout struct {
	ID              string  `json:"id"`
	OrgID           string  `json:"org_id"`
	SourceType      string  `json:"source_type" enum:"task,qc,pm_bonus,sales_commission"`
	SourceID        string  `json:"source_id"`
	UserID          string  `json:"user_id"`
	GrossAmount     float64 `json:"gross_amount"`
	Deductions      float64 `json:"deductions"`
	NetAmount       float64 `json:"net_amount"`
	Status          string  `json:"status" enum:"pending,approved,paid"`
	DetailsJSON     string  `json:"calculation_details,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	StatusChangedAt string  `json:"status_changed_at,omitempty" format:"date-time"`
}

type Actor struct {
	ID            string  `json:"id"`
	OrgID         string  `json:"org_id"`
	Name          string  `json:"name,omitempty"`
	Role          string  `json:"role" enum:"worker,qc,pm,sales,admin"`
	TrainingLevel int     `json:"training_level"`
	BaseSalary    float64 `json:"base_salary"`
	SalaryMixR    float64 `json:"salary_mix_r"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	OrgID      string `json:"org_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Task statuses.
const (
	StatusOpen        = "open"
	StatusAssigned    = "assigned"
	StatusInProgress  = "in_progress"
	StatusCompleted   = "completed"
	StatusUnderReview = "under_review"
	StatusApproved    = "approved"
	StatusRejected    = "rejected"
	StatusPaid        = "paid"
)

// Payout statuses.
const (
	PayoutPending  = "pending"
	PayoutApproved = "approved"
	PayoutPaid     = "paid"
)

// Payout source types.
const (
	SourceTask            = "task"
	SourceQC              = "qc"
	SourcePMBonus         = "pm_bonus"
	SourceSalesCommission = "sales_commission"
)

// Review types.
const (
	ReviewAI          = "ai"
	ReviewPeer        = "peer"
	ReviewIndependent = "independent"
)

// ReviewWeight maps a review type to its fixed weight.
func ReviewWeight(reviewType string) float64 {
	switch reviewType {
	case ReviewPeer:
		return 1.0
	case ReviewIndependent:
		return 2.0
	default:
		return 0
	}
}
