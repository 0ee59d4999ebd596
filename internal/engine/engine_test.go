package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"payline/internal/confidence"
	"payline/internal/config"
	"payline/internal/db"
	"payline/internal/domain"
	"payline/internal/engine"
	"payline/internal/migrate"
	"payline/internal/repo"
)

type env struct {
	eng engine.Engine
	ctx context.Context
}

func newTestEnv(t *testing.T) env {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default("acme")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	eng.Ledger.Now = eng.Now
	return env{eng: eng, ctx: context.Background()}
}

func (e env) seedOrg(t *testing.T) {
	t.Helper()
	_, err := e.eng.InitOrg(e.ctx, "acme", "Acme Corp", "admin")
	require.NoError(t, err)
}

func (e env) seedActor(t *testing.T, id, role string, level int) {
	t.Helper()
	_, err := e.eng.UpsertActor(e.ctx, domain.Actor{
		ID:            id,
		OrgID:         "acme",
		Name:          id,
		Role:          role,
		TrainingLevel: level,
		BaseSalary:    3000,
		SalaryMixR:    0.7,
	}, "admin")
	require.NoError(t, err)
}

func (e env) seedProject(t *testing.T, totalValue float64) domain.Project {
	t.Helper()
	p, err := e.eng.CreateProject(e.ctx, engine.ProjectCreateOptions{
		ID:         "proj-1",
		OrgID:      "acme",
		Title:      "Rollout",
		TotalValue: totalValue,
		PMBonus:    200,
		PMID:       "pm-1",
		SalesRepID: "sales-1",
		SignedAt:   "2024-02-01T00:00:00Z",
		ActorID:    "admin",
	})
	require.NoError(t, err)
	return p
}

func (e env) seedTask(t *testing.T, value float64, level int) domain.Task {
	t.Helper()
	task, err := e.eng.CreateTask(e.ctx, engine.TaskCreateOptions{
		ID:            "task-1",
		ProjectID:     "proj-1",
		Title:         "Wire the endpoint",
		DollarValue:   value,
		RequiredLevel: level,
		ActorID:       "admin",
	})
	require.NoError(t, err)
	return task
}

// seedWorld builds an org with a worker, a reviewer and a 100-dollar task.
func seedWorld(t *testing.T) env {
	e := newTestEnv(t)
	e.seedOrg(t)
	e.seedActor(t, "worker-1", "worker", 2)
	e.seedActor(t, "reviewer-1", "qc", 3)
	e.seedProject(t, 1000)
	e.seedTask(t, 100, 2)
	return e
}

func TestAcceptRequiresTrainingLevel(t *testing.T) {
	e := seedWorld(t)
	e.seedActor(t, "novice", "worker", 1)

	_, err := e.eng.AcceptTask(e.ctx, "task-1", "novice")
	var lvlErr engine.LevelTooLowError
	require.ErrorAs(t, err, &lvlErr)
	require.Equal(t, 2, lvlErr.Required)
	require.Equal(t, 1, lvlErr.Actual)

	task, err := e.eng.Repo.GetTask(e.ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusOpen, task.Status)
}

func TestSecondAcceptLoses(t *testing.T) {
	e := seedWorld(t)
	e.seedActor(t, "worker-2", "worker", 2)

	_, err := e.eng.AcceptTask(e.ctx, "task-1", "worker-1")
	require.NoError(t, err)

	_, err = e.eng.AcceptTask(e.ctx, "task-1", "worker-2")
	var dupErr engine.AlreadyAssignedError
	require.ErrorAs(t, err, &dupErr)
}

func TestAcceptPastAssignmentIsInvalidTransition(t *testing.T) {
	e := seedWorld(t)
	e.seedActor(t, "worker-2", "worker", 2)

	_, err := e.eng.AcceptTask(e.ctx, "task-1", "worker-1")
	require.NoError(t, err)
	_, err = e.eng.StartTask(e.ctx, "task-1", "worker-1")
	require.NoError(t, err)

	// In progress still reads as taken by someone else.
	_, err = e.eng.AcceptTask(e.ctx, "task-1", "worker-2")
	var dupErr engine.AlreadyAssignedError
	require.ErrorAs(t, err, &dupErr)

	_, err = e.eng.SubmitTask(e.ctx, "task-1", `{"notes":"done"}`, "worker-1")
	require.NoError(t, err)

	// A completed task is not assignable, and the error says why.
	_, err = e.eng.AcceptTask(e.ctx, "task-1", "worker-2")
	var trErr engine.InvalidTransitionError
	require.ErrorAs(t, err, &trErr)
	require.Equal(t, domain.StatusCompleted, trErr.From)
	require.Equal(t, domain.StatusAssigned, trErr.To)
}

func TestConcurrentAcceptsHaveOneWinner(t *testing.T) {
	e := seedWorld(t)
	e.seedActor(t, "worker-2", "worker", 2)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{"worker-1", "worker-2"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = e.eng.AcceptTask(e.ctx, "task-1", id)
		}(i, id)
	}
	wg.Wait()

	var wins, losses int
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		var dupErr engine.AlreadyAssignedError
		require.ErrorAs(t, err, &dupErr)
		losses++
	}
	require.Equal(t, 1, wins)
	require.Equal(t, 1, losses)
}

func TestOnlyAssigneeMayStartAndSubmit(t *testing.T) {
	e := seedWorld(t)
	e.seedActor(t, "worker-2", "worker", 2)
	_, err := e.eng.AcceptTask(e.ctx, "task-1", "worker-1")
	require.NoError(t, err)

	var ownErr engine.NotOwnerError
	_, err = e.eng.StartTask(e.ctx, "task-1", "worker-2")
	require.ErrorAs(t, err, &ownErr)

	_, err = e.eng.SubmitTask(e.ctx, "task-1", `{"notes":"done"}`, "worker-2")
	require.ErrorAs(t, err, &ownErr)
}

func TestSubmitRejectsEmptyPayload(t *testing.T) {
	e := seedWorld(t)
	_, err := e.eng.AcceptTask(e.ctx, "task-1", "worker-1")
	require.NoError(t, err)

	_, err = e.eng.SubmitTask(e.ctx, "task-1", "", "worker-1")
	require.Error(t, err)
	_, err = e.eng.SubmitTask(e.ctx, "task-1", "{not json", "worker-1")
	require.Error(t, err)
	_, err = e.eng.SubmitTask(e.ctx, "task-1", "null", "worker-1")
	require.Error(t, err)
}

func TestSubmitFromAssignedSkipsStart(t *testing.T) {
	e := seedWorld(t)
	_, err := e.eng.AcceptTask(e.ctx, "task-1", "worker-1")
	require.NoError(t, err)

	task, err := e.eng.SubmitTask(e.ctx, "task-1", `{"notes":"done"}`, "worker-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, task.Status)
	require.NotNil(t, task.CompletedAt)
}

func TestLowConfidenceRoutesToHumanReview(t *testing.T) {
	e := seedWorld(t)
	_, err := e.eng.AcceptTask(e.ctx, "task-1", "worker-1")
	require.NoError(t, err)
	_, err = e.eng.SubmitTask(e.ctx, "task-1", `{"notes":"done"}`, "worker-1")
	require.NoError(t, err)

	e.eng.Confidence = confidence.Static{Result: confidence.Result{
		PassProbability: 0.4,
		Summary:         "missing tests",
	}}
	rev, err := e.eng.ScoreTask(e.ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, domain.ReviewAI, rev.ReviewType)
	require.NotNil(t, rev.Confidence)
	require.InDelta(t, 0.4, *rev.Confidence, 1e-9)
	require.Zero(t, rev.Weight)

	task, err := e.eng.Repo.GetTask(e.ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusUnderReview, task.Status)
}

func TestScoringFallsBackOnProviderError(t *testing.T) {
	e := seedWorld(t)
	_, err := e.eng.AcceptTask(e.ctx, "task-1", "worker-1")
	require.NoError(t, err)
	_, err = e.eng.SubmitTask(e.ctx, "task-1", `{"notes":"done"}`, "worker-1")
	require.NoError(t, err)

	e.eng.Confidence = confidence.Static{Err: errors.New("timeout")}
	rev, err := e.eng.ScoreTask(e.ctx, "task-1")
	require.NoError(t, err)
	require.InDelta(t, 0.8, *rev.Confidence, 1e-9)

	// 0.8 clears the default 0.75 threshold, so the task stays completed.
	task, err := e.eng.Repo.GetTask(e.ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, task.Status)
}

func submitted(t *testing.T, e env) {
	t.Helper()
	_, err := e.eng.AcceptTask(e.ctx, "task-1", "worker-1")
	require.NoError(t, err)
	_, err = e.eng.StartTask(e.ctx, "task-1", "worker-1")
	require.NoError(t, err)
	_, err = e.eng.SubmitTask(e.ctx, "task-1", `{"notes":"done"}`, "worker-1")
	require.NoError(t, err)
	e.eng.Confidence = confidence.Static{Result: confidence.Result{PassProbability: 0.8}}
	_, err = e.eng.ScoreTask(e.ctx, "task-1")
	require.NoError(t, err)
}

func TestApprovalPaysWorkerAndReviewer(t *testing.T) {
	e := seedWorld(t)
	submitted(t, e)

	rev, err := e.eng.RecordReview(e.ctx, engine.ReviewOptions{
		TaskID:     "task-1",
		ReviewerID: "reviewer-1",
		ReviewType: domain.ReviewPeer,
		Passed:     true,
	})
	require.NoError(t, err)
	require.Equal(t, 1, rev.PassNumber)
	// d1 = beta * p0 * V = 0.25 * 0.8 * 100
	require.InDelta(t, 20, rev.DK, 1e-9)
	require.InDelta(t, 70, rev.V0, 1e-9)

	task, err := e.eng.Repo.GetTask(e.ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusApproved, task.Status)

	workerPayouts, err := e.eng.Repo.ListPayouts(e.ctx, repo.PayoutFilters{UserID: "worker-1"})
	require.NoError(t, err)
	require.Len(t, workerPayouts, 1)
	// task portion of the blend: V * (1 - r) with r = 0.7
	require.InDelta(t, 30, workerPayouts[0].GrossAmount, 1e-9)
	require.Equal(t, domain.SourceTask, workerPayouts[0].SourceType)

	qcPayouts, err := e.eng.Repo.ListPayouts(e.ctx, repo.PayoutFilters{UserID: "reviewer-1"})
	require.NoError(t, err)
	require.Len(t, qcPayouts, 1)
	require.InDelta(t, 20, qcPayouts[0].GrossAmount, 1e-9)
	require.Equal(t, domain.SourceQC, qcPayouts[0].SourceType)

	proj, err := e.eng.Repo.GetProject(e.ctx, "proj-1")
	require.NoError(t, err)
	require.InDelta(t, 100, proj.Spent, 1e-9)
}

func TestRejectionSendsBackAndSecondPassDecays(t *testing.T) {
	e := seedWorld(t)
	submitted(t, e)

	first, err := e.eng.RecordReview(e.ctx, engine.ReviewOptions{
		TaskID:     "task-1",
		ReviewerID: "reviewer-1",
		ReviewType: domain.ReviewPeer,
		Passed:     false,
	})
	require.NoError(t, err)
	require.Equal(t, 1, first.PassNumber)

	task, err := e.eng.Repo.GetTask(e.ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusInProgress, task.Status)

	// Rework and resubmit.
	_, err = e.eng.SubmitTask(e.ctx, "task-1", `{"notes":"fixed"}`, "worker-1")
	require.NoError(t, err)

	second, err := e.eng.RecordReview(e.ctx, engine.ReviewOptions{
		TaskID:     "task-1",
		ReviewerID: "reviewer-1",
		ReviewType: domain.ReviewPeer,
		Passed:     true,
	})
	require.NoError(t, err)
	require.Equal(t, 2, second.PassNumber)
	// d2 = d1 * gamma = 20 * 0.4
	require.InDelta(t, 8, second.DK, 1e-9)

	// Each pass paid its own marginal when it happened: 20 then 8.
	qcPayouts, err := e.eng.Repo.ListPayouts(e.ctx, repo.PayoutFilters{UserID: "reviewer-1"})
	require.NoError(t, err)
	require.Len(t, qcPayouts, 2)
	var total float64
	for _, p := range qcPayouts {
		total += p.GrossAmount
	}
	require.InDelta(t, 28, total, 1e-9)
}

// Walks the full loop: accept, submit, ai score, reject, rework, resubmit,
// approve. Both verdicts land while the stored ai confidence is read inside
// the review transaction, so the whole cycle must run to completion with
// payouts priced off the scored p0 rather than the fallback.
func TestFullReviewCycleUsesScoredConfidence(t *testing.T) {
	e := seedWorld(t)
	_, err := e.eng.AcceptTask(e.ctx, "task-1", "worker-1")
	require.NoError(t, err)
	_, err = e.eng.StartTask(e.ctx, "task-1", "worker-1")
	require.NoError(t, err)
	_, err = e.eng.SubmitTask(e.ctx, "task-1", `{"notes":"done"}`, "worker-1")
	require.NoError(t, err)

	e.eng.Confidence = confidence.Static{Result: confidence.Result{PassProbability: 0.5}}
	_, err = e.eng.ScoreTask(e.ctx, "task-1")
	require.NoError(t, err)

	first, err := e.eng.RecordReview(e.ctx, engine.ReviewOptions{
		TaskID:     "task-1",
		ReviewerID: "reviewer-1",
		ReviewType: domain.ReviewPeer,
		Passed:     false,
	})
	require.NoError(t, err)
	require.Equal(t, 1, first.PassNumber)
	// d1 = beta * p0 * V = 0.25 * 0.5 * 100
	require.InDelta(t, 12.5, first.DK, 1e-9)

	// Resubmit without rescoring; the pass-1 score stays the latest.
	e.eng.Confidence = nil
	_, err = e.eng.SubmitTask(e.ctx, "task-1", `{"notes":"fixed"}`, "worker-1")
	require.NoError(t, err)

	second, err := e.eng.RecordReview(e.ctx, engine.ReviewOptions{
		TaskID:     "task-1",
		ReviewerID: "reviewer-1",
		ReviewType: domain.ReviewPeer,
		Passed:     true,
	})
	require.NoError(t, err)
	require.Equal(t, 2, second.PassNumber)
	// d2 = d1 * gamma = 12.5 * 0.4
	require.InDelta(t, 5, second.DK, 1e-9)

	task, err := e.eng.Repo.GetTask(e.ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusApproved, task.Status)
}

func TestAssigneeCannotReviewOwnTask(t *testing.T) {
	e := seedWorld(t)
	submitted(t, e)

	_, err := e.eng.RecordReview(e.ctx, engine.ReviewOptions{
		TaskID:     "task-1",
		ReviewerID: "worker-1",
		ReviewType: domain.ReviewPeer,
		Passed:     true,
	})
	require.Error(t, err)
}

func TestReviewRejectsUnknownType(t *testing.T) {
	e := seedWorld(t)
	submitted(t, e)

	_, err := e.eng.RecordReview(e.ctx, engine.ReviewOptions{
		TaskID:     "task-1",
		ReviewerID: "reviewer-1",
		ReviewType: domain.ReviewAI,
		Passed:     true,
	})
	require.Error(t, err)
}

func TestReviewOnOpenTaskIsInvalid(t *testing.T) {
	e := seedWorld(t)

	_, err := e.eng.RecordReview(e.ctx, engine.ReviewOptions{
		TaskID:     "task-1",
		ReviewerID: "reviewer-1",
		ReviewType: domain.ReviewPeer,
		Passed:     true,
	})
	var trErr engine.InvalidTransitionError
	require.ErrorAs(t, err, &trErr)
	require.Equal(t, domain.StatusOpen, trErr.From)
}

func TestMaxPassesBoundsRework(t *testing.T) {
	e := seedWorld(t)
	e.eng.Config.Review.MaxPasses = 1
	submitted(t, e)

	_, err := e.eng.RecordReview(e.ctx, engine.ReviewOptions{
		TaskID:     "task-1",
		ReviewerID: "reviewer-1",
		ReviewType: domain.ReviewPeer,
		Passed:     false,
	})
	require.NoError(t, err)
	_, err = e.eng.SubmitTask(e.ctx, "task-1", `{"notes":"again"}`, "worker-1")
	require.NoError(t, err)

	_, err = e.eng.RecordReview(e.ctx, engine.ReviewOptions{
		TaskID:     "task-1",
		ReviewerID: "reviewer-1",
		ReviewType: domain.ReviewPeer,
		Passed:     true,
	})
	require.ErrorContains(t, err, "exceeds org limit")
}

func TestSettlementFlipsTaskToPaid(t *testing.T) {
	e := seedWorld(t)
	submitted(t, e)
	_, err := e.eng.RecordReview(e.ctx, engine.ReviewOptions{
		TaskID:     "task-1",
		ReviewerID: "reviewer-1",
		ReviewType: domain.ReviewPeer,
		Passed:     true,
	})
	require.NoError(t, err)

	payouts, err := e.eng.Repo.ListPayouts(e.ctx, repo.PayoutFilters{UserID: "worker-1"})
	require.NoError(t, err)
	require.Len(t, payouts, 1)

	_, err = e.eng.Ledger.Approve(e.ctx, payouts[0].ID, "admin")
	require.NoError(t, err)
	settled, err := e.eng.SettlePayout(e.ctx, payouts[0].ID, "admin")
	require.NoError(t, err)
	require.Equal(t, domain.PayoutPaid, settled.Status)

	task, err := e.eng.Repo.GetTask(e.ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusPaid, task.Status)
}

func TestPMBonusWithinBudget(t *testing.T) {
	e := seedWorld(t)
	e.seedActor(t, "pm-1", "pm", 3)
	submitted(t, e)
	_, err := e.eng.RecordReview(e.ctx, engine.ReviewOptions{
		TaskID:     "task-1",
		ReviewerID: "reviewer-1",
		ReviewType: domain.ReviewPeer,
		Passed:     true,
	})
	require.NoError(t, err)

	payout, err := e.eng.PayPMBonus(e.ctx, "proj-1", "admin")
	require.NoError(t, err)
	// (1000 - 100) * 0.5 + 200
	require.InDelta(t, 650, payout.GrossAmount, 1e-9)
	require.Equal(t, "pm-1", payout.UserID)
	require.Equal(t, domain.SourcePMBonus, payout.SourceType)

	// Idempotent retry.
	again, err := e.eng.PayPMBonus(e.ctx, "proj-1", "admin")
	require.NoError(t, err)
	require.Equal(t, payout.ID, again.ID)
}

func TestSalesCommissionDecaysWithPickupDelay(t *testing.T) {
	e := seedWorld(t)
	e.seedActor(t, "sales-1", "sales", 1)

	// Signed 2024-02-01, Now fixed at 2024-03-01 12:00: 29.5 days out on a
	// 14-day half-life.
	payout, err := e.eng.PaySalesCommission(e.ctx, "proj-1", 1000, nil, "admin")
	require.NoError(t, err)
	require.Equal(t, "sales-1", payout.UserID)
	require.Greater(t, payout.GrossAmount, 0.0)
	require.Less(t, payout.GrossAmount, 250.0)
}

func TestPreviewQCEarnings(t *testing.T) {
	e := seedWorld(t)
	submitted(t, e)

	// d1 = 20 with p0 = 0.8
	got, err := e.eng.PreviewQCEarnings(e.ctx, "task-1", 0.2)
	require.NoError(t, err)
	want := 20 * (1 - 0.8) / (1 - (1-0.2)*0.4)
	require.InDelta(t, want, got, 1e-9)
}
