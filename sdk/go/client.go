package paylinesdk

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

// Client is a minimal Payline HTTP API client.
type Client struct {
	BaseURL     string
	OrgID       string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, orgID string) *Client {
	return &Client{
		BaseURL: baseURL,
		OrgID:   orgID,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model.
type Task struct {
	ID                string         `json:"id"`
	ProjectID         string         `json:"project_id"`
	Title             string         `json:"title"`
	Status            string         `json:"status"`
	DollarValue       float64        `json:"dollar_value"`
	UrgencyMultiplier float64        `json:"urgency_multiplier"`
	RequiredLevel     int            `json:"required_level"`
	AssigneeID        *string        `json:"assignee_id,omitempty"`
	Submission        map[string]any `json:"submission,omitempty"`
}

// Project represents the API project model.
type Project struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Status     string  `json:"status"`
	TotalValue float64 `json:"total_value"`
	Spent      float64 `json:"spent"`
	PMBonus    float64 `json:"pm_bonus"`
}

// Review represents a QC review pass.
type Review struct {
	ID         string   `json:"id"`
	TaskID     string   `json:"task_id"`
	ReviewerID string   `json:"reviewer_id,omitempty"`
	ReviewType string   `json:"review_type"`
	Passed     *bool    `json:"passed,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	PassNumber int      `json:"pass_number"`
	DK         float64  `json:"d_k"`
}

// Payout represents a ledger entry.
type Payout struct {
	ID          string         `json:"id"`
	SourceType  string         `json:"source_type"`
	SourceID    string         `json:"source_id"`
	UserID      string         `json:"user_id"`
	GrossAmount float64        `json:"gross_amount"`
	Deductions  float64        `json:"deductions"`
	NetAmount   float64        `json:"net_amount"`
	Status      string         `json:"status"`
	Details     map[string]any `json:"details,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// QCPreview is the expected-earnings estimate for a reviewer.
type QCPreview struct {
	TaskID   string  `json:"task_id"`
	PRe      float64 `json:"p_re"`
	Expected float64 `json:"expected"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateTask creates a task under a project.
func (c *Client) CreateTask(ctx context.Context, projectID, title string, dollarValue float64, requiredLevel int) (Task, error) {
	body := map[string]any{
		"title":          title,
		"dollar_value":   dollarValue,
		"required_level": requiredLevel,
	}
	var resp Task
	endpoint := fmt.Sprintf("v1/projects/%s/tasks", url.PathEscape(projectID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, c.taskPath(taskID, ""), nil, &resp)
	return resp, err
}

// AcceptTask claims an open task for the authenticated actor.
func (c *Client) AcceptTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "accept"), nil, &resp)
	return resp, err
}

// StartTask moves an assigned task to in_progress.
func (c *Client) StartTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "start"), nil, &resp)
	return resp, err
}

// SubmitTask submits completed work.
func (c *Client) SubmitTask(ctx context.Context, taskID string, submission map[string]any) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "submit"), map[string]any{"submission": submission}, &resp)
	return resp, err
}

// RecordReview records a QC verdict for a task.
func (c *Client) RecordReview(ctx context.Context, taskID, reviewType string, passed bool, summary string) (Review, error) {
	body := map[string]any{
		"review_type": reviewType,
		"passed":      passed,
		"summary":     summary,
	}
	var resp Review
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "reviews"), body, &resp)
	return resp, err
}

// ListReviews returns all review passes for a task.
func (c *Client) ListReviews(ctx context.Context, taskID string) ([]Review, error) {
	var resp []Review
	err := c.do(ctx, http.MethodGet, c.taskPath(taskID, "reviews"), nil, &resp)
	return resp, err
}

// QCPreview returns the expected total QC earnings for a task.
func (c *Client) QCPreview(ctx context.Context, taskID string, pRe float64) (QCPreview, error) {
	var resp QCPreview
	endpoint := fmt.Sprintf("%s?p_re=%g", c.taskPath(taskID, "qc-preview"), pRe)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListPayouts returns payouts, optionally filtered by user and status.
func (c *Client) ListPayouts(ctx context.Context, userID, status string) ([]Payout, error) {
	q := url.Values{}
	if userID != "" {
		q.Set("user_id", userID)
	}
	if status != "" {
		q.Set("status", status)
	}
	endpoint := "v1/payouts"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Payout
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ApprovePayout moves a pending payout to approved.
func (c *Client) ApprovePayout(ctx context.Context, payoutID string) (Payout, error) {
	var resp Payout
	endpoint := fmt.Sprintf("v1/payouts/%s/approve", url.PathEscape(payoutID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// SettlePayout marks an approved payout as paid.
func (c *Client) SettlePayout(ctx context.Context, payoutID string) (Payout, error) {
	var resp Payout
	endpoint := fmt.Sprintf("v1/payouts/%s/settle", url.PathEscape(payoutID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events for the client's org.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.orgPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
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
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) taskPath(taskID, sub string) string {
	p := fmt.Sprintf("v1/tasks/%s", url.PathEscape(taskID))
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) orgPath(p string) string {
	org := url.PathEscape(c.OrgID)
	return fmt.Sprintf("v1/orgs/%s/%s", org, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
