// Package confidence talks to the external ML scoring service. A score
// request must never block task submission: the engine calls Score from a
// goroutine with a bounded timeout and falls back to the org-configured
// probability when the provider errors or times out.
package confidence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Request carries the submission context scored by the provider.
type Request struct {
	TaskID          string  `json:"task_id"`
	TaskTitle       string  `json:"task_title"`
	TaskDescription string  `json:"task_description"`
	SubmissionNotes string  `json:"submission_notes"`
	ArtifactSummary string  `json:"artifact_summary"`
	StoryPoints     float64 `json:"story_points"`
}

// Result is the provider's verdict. PassProbability is in [0,1].
type Result struct {
	PassProbability float64  `json:"pass_probability"`
	Summary         string   `json:"summary"`
	Issues          []string `json:"issues,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

type Provider interface {
	Score(ctx context.Context, req Request) (Result, error)
}

// HTTPProvider posts score requests to a remote endpoint.
type HTTPProvider struct {
	URL    string
	Client *http.Client
	Logger zerolog.Logger
}

func NewHTTPProvider(url string, timeout time.Duration, logger zerolog.Logger) *HTTPProvider {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProvider{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
		Logger: logger,
	}
}

func (p *HTTPProvider) Score(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	res, err := p.Client.Do(httpReq)
	if err != nil {
		p.Logger.Warn().Err(err).Str("task_id", req.TaskID).Msg("confidence request failed")
		return Result{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		p.Logger.Warn().Int("status", res.StatusCode).Str("task_id", req.TaskID).Msg("confidence request rejected")
		return Result{}, fmt.Errorf("confidence provider status %d", res.StatusCode)
	}
	var out Result
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("decode confidence response: %w", err)
	}
	if out.PassProbability < 0 || out.PassProbability > 1 {
		return Result{}, fmt.Errorf("confidence %v outside [0,1]", out.PassProbability)
	}
	return out, nil
}

// Static always returns the same result; used in tests and when no provider
// is configured.
type Static struct {
	Result Result
	Err    error
}

func (s Static) Score(_ context.Context, _ Request) (Result, error) {
	return s.Result, s.Err
}
