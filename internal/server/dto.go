package server

import (
	"encoding/json"

	"payline/internal/config"
	"payline/internal/domain"
)

// Request payloads

type CreateOrgRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type UpsertActorRequest struct {
	ID            string  `json:"id"`
	Name          string  `json:"name,omitempty"`
	Role          string  `json:"role" enum:"worker,qc,pm,sales,admin"`
	TrainingLevel int     `json:"training_level"`
	BaseSalary    float64 `json:"base_salary"`
	SalaryMixR    float64 `json:"salary_mix_r,omitempty"`
}

type CreateProjectRequest struct {
	ID          *string `json:"id,omitempty"`
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	TotalValue  float64 `json:"total_value"`
	PMBonus     float64 `json:"pm_bonus,omitempty"`
	PMID        *string `json:"pm_id,omitempty"`
	SalesRepID  *string `json:"sales_rep_id,omitempty"`
	SignedAt    *string `json:"signed_at,omitempty" format:"date-time"`
}

type CreateTaskRequest struct {
	ID                *string `json:"id,omitempty"`
	Title             string  `json:"title"`
	Description       *string `json:"description,omitempty"`
	DollarValue       float64 `json:"dollar_value"`
	UrgencyMultiplier float64 `json:"urgency_multiplier,omitempty"`
	RequiredLevel     int     `json:"required_level,omitempty"`
}

type SubmitTaskRequest struct {
	Submission map[string]any `json:"submission"`
}

type RecordReviewRequest struct {
	ReviewType string `json:"review_type" enum:"peer,independent"`
	Passed     bool   `json:"passed"`
	Summary    string `json:"summary,omitempty"`
}

type SalesCommissionRequest struct {
	Base float64 `json:"base"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	OrgID   string   `json:"org_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type OrgResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ActorResponse struct {
	ID            string  `json:"id"`
	OrgID         string  `json:"org_id"`
	Name          string  `json:"name,omitempty"`
	Role          string  `json:"role"`
	TrainingLevel int     `json:"training_level"`
	BaseSalary    float64 `json:"base_salary"`
	SalaryMixR    float64 `json:"salary_mix_r"`
}

type ProjectResponse struct {
	ID          string  `json:"id"`
	OrgID       string  `json:"org_id"`
	Title       string  `json:"title"`
	Status      string  `json:"status"`
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

type TaskResponse struct {
	ID                string         `json:"id"`
	OrgID             string         `json:"org_id"`
	ProjectID         string         `json:"project_id"`
	Title             string         `json:"title"`
	Description       string         `json:"description,omitempty"`
	Status            string         `json:"status" enum:"open,assigned,in_progress,completed,under_review,approved,rejected,paid"`
	DollarValue       float64        `json:"dollar_value"`
	UrgencyMultiplier float64        `json:"urgency_multiplier"`
	RequiredLevel     int            `json:"required_level"`
	AssigneeID        *string        `json:"assignee_id,omitempty"`
	Submission        map[string]any `json:"submission,omitempty"`
	AssignedAt        *string        `json:"assigned_at,omitempty" format:"date-time"`
	CompletedAt       *string        `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt         string         `json:"created_at" format:"date-time"`
	UpdatedAt         string         `json:"updated_at" format:"date-time"`
}

type ReviewResponse struct {
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

type PayoutResponse struct {
	ID              string         `json:"id"`
	OrgID           string         `json:"org_id"`
	SourceType      string         `json:"source_type" enum:"task,qc,pm_bonus,sales_commission"`
	SourceID        string         `json:"source_id"`
	UserID          string         `json:"user_id"`
	GrossAmount     float64        `json:"gross_amount"`
	Deductions      float64        `json:"deductions"`
	NetAmount       float64        `json:"net_amount"`
	Status          string         `json:"status" enum:"pending,approved,paid"`
	Details         map[string]any `json:"details,omitempty"`
	CreatedAt       string         `json:"created_at" format:"date-time"`
	StatusChangedAt string         `json:"status_changed_at,omitempty" format:"date-time"`
}

type QCPreviewResponse struct {
	TaskID   string  `json:"task_id"`
	PRe      float64 `json:"p_re"`
	Expected float64 `json:"expected"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	OrgID      string         `json:"org_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type OrgConfigResponse struct {
	Config *config.Config `json:"config"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	OrgID   string   `json:"org_id,omitempty"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Mapping helpers

func orgResponse(o domain.Organization) OrgResponse {
	return OrgResponse{ID: o.ID, Name: o.Name, CreatedAt: o.CreatedAt}
}

func actorResponse(a domain.Actor) ActorResponse {
	return ActorResponse{
		ID:            a.ID,
		OrgID:         a.OrgID,
		Name:          a.Name,
		Role:          a.Role,
		TrainingLevel: a.TrainingLevel,
		BaseSalary:    a.BaseSalary,
		SalaryMixR:    a.SalaryMixR,
	}
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		OrgID:       p.OrgID,
		Title:       p.Title,
		Status:      p.Status,
		TotalValue:  p.TotalValue,
		Spent:       p.Spent,
		PMBonus:     p.PMBonus,
		PMID:        p.PMID,
		SalesRepID:  p.SalesRepID,
		Description: p.Description,
		SignedAt:    p.SignedAt,
		PickedUpAt:  p.PickedUpAt,
		CreatedAt:   p.CreatedAt,
	}
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:                t.ID,
		OrgID:             t.OrgID,
		ProjectID:         t.ProjectID,
		Title:             t.Title,
		Description:       t.Description,
		Status:            t.Status,
		DollarValue:       t.DollarValue,
		UrgencyMultiplier: t.UrgencyMultiplier,
		RequiredLevel:     t.RequiredLevel,
		AssigneeID:        t.AssigneeID,
		Submission:        decodeJSONMap(t.SubmissionJSON),
		AssignedAt:        t.AssignedAt,
		CompletedAt:       t.CompletedAt,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
	}
}

func reviewResponse(rev domain.QCReview) ReviewResponse {
	return ReviewResponse{
		ID:         rev.ID,
		TaskID:     rev.TaskID,
		ReviewerID: rev.ReviewerID,
		ReviewType: rev.ReviewType,
		Passed:     rev.Passed,
		Confidence: rev.Confidence,
		PassNumber: rev.PassNumber,
		Weight:     rev.Weight,
		V0:         rev.V0,
		DK:         rev.DK,
		Summary:    rev.Summary,
		CreatedAt:  rev.CreatedAt,
	}
}

func payoutResponse(p domain.Payout) PayoutResponse {
	return PayoutResponse{
		ID:              p.ID,
		OrgID:           p.OrgID,
		SourceType:      p.SourceType,
		SourceID:        p.SourceID,
		UserID:          p.UserID,
		GrossAmount:     p.GrossAmount,
		Deductions:      p.Deductions,
		NetAmount:       p.NetAmount,
		Status:          p.Status,
		Details:         decodeJSONMapString(p.DetailsJSON),
		CreatedAt:       p.CreatedAt,
		StatusChangedAt: p.StatusChangedAt,
	}
}

func eventResponse(evt domain.Event) EventResponse {
	payload := map[string]any{}
	if evt.Payload != "" {
		_ = json.Unmarshal([]byte(evt.Payload), &payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		OrgID:      evt.OrgID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}

func mapActors(items []domain.Actor) []ActorResponse {
	res := make([]ActorResponse, 0, len(items))
	for _, a := range items {
		res = append(res, actorResponse(a))
	}
	return res
}

func mapReviews(items []domain.QCReview) []ReviewResponse {
	res := make([]ReviewResponse, 0, len(items))
	for _, rev := range items {
		res = append(res, reviewResponse(rev))
	}
	return res
}

func mapPayouts(items []domain.Payout) []PayoutResponse {
	res := make([]PayoutResponse, 0, len(items))
	for _, p := range items {
		res = append(res, payoutResponse(p))
	}
	return res
}

func decodeJSONMap(raw *string) map[string]any {
	if raw == nil {
		return nil
	}
	return decodeJSONMapString(*raw)
}

func decodeJSONMapString(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func nonNilSlice(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
