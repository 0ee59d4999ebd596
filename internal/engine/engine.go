package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"payline/internal/compensation"
	"payline/internal/confidence"
	"payline/internal/config"
	"payline/internal/domain"
	"payline/internal/events"
	"payline/internal/ledger"
	"payline/internal/repo"
	"payline/internal/valuation"
)

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Ledger     ledger.Ledger
	Config     *config.Config
	Confidence confidence.Provider
	Logger     zerolog.Logger
	Now        func() time.Time
	// ScoreTimeout bounds the async confidence call after submission.
	ScoreTimeout time.Duration
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:           db,
		Repo:         repo.Repo{DB: db},
		Events:       events.Writer{DB: db},
		Ledger:       ledger.New(db),
		Config:       cfg,
		Logger:       zerolog.Nop(),
		Now:          time.Now,
		ScoreTimeout: 5 * time.Second,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// InitOrg initializes an organization with its default payout config.
func (e Engine) InitOrg(ctx context.Context, orgID, name, actorID string) (domain.Organization, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Organization{}, err
	}
	defer tx.Rollback()

	o := domain.Organization{
		ID:        orgID,
		Name:      name,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertOrg(ctx, tx, o); err != nil {
		return domain.Organization{}, fmt.Errorf("insert org: %w", err)
	}
	if err := e.Repo.UpsertOrgConfigTx(ctx, tx, o.ID, config.Default(o.ID)); err != nil {
		return domain.Organization{}, fmt.Errorf("insert org config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "org.init", o.ID, "org", o.ID, actorID, nil); err != nil {
		return domain.Organization{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Organization{}, err
	}
	return o, nil
}

// ProjectCreateOptions are parameters for creating a funded project.
type ProjectCreateOptions struct {
	ID          string
	OrgID       string
	Title       string
	Description string
	TotalValue  float64
	PMBonus     float64
	PMID        string
	SalesRepID  string
	SignedAt    string
	ActorID     string
}

func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if opts.Title == "" {
		return domain.Project{}, errors.New("title is required")
	}
	if opts.OrgID == "" {
		return domain.Project{}, errors.New("org is required")
	}
	if opts.TotalValue < 0 {
		return domain.Project{}, errors.New("total value must be non-negative")
	}
	if _, err := e.Repo.GetOrg(ctx, opts.OrgID); err != nil {
		return domain.Project{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.OrgID+"|"+opts.Title+"|"+now)).String()
	}
	p := domain.Project{
		ID:          id,
		OrgID:       opts.OrgID,
		Title:       opts.Title,
		Status:      "active",
		TotalValue:  opts.TotalValue,
		PMBonus:     opts.PMBonus,
		PMID:        optionalString(opts.PMID),
		SalesRepID:  optionalString(opts.SalesRepID),
		Description: opts.Description,
		SignedAt:    optionalString(opts.SignedAt),
		CreatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, "project.created", p.OrgID, "project", p.ID, opts.ActorID, events.EventPayload{
		"title":       p.Title,
		"total_value": p.TotalValue,
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// TaskCreateOptions are parameters for creating a priced task.
type TaskCreateOptions struct {
	ID                string
	ProjectID         string
	Title             string
	Description       string
	DollarValue       float64
	UrgencyMultiplier float64
	RequiredLevel     int
	ActorID           string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Title == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if opts.ProjectID == "" {
		return domain.Task{}, errors.New("project is required")
	}
	if opts.DollarValue < 0 {
		return domain.Task{}, errors.New("dollar value must be non-negative")
	}
	if opts.UrgencyMultiplier == 0 {
		opts.UrgencyMultiplier = 1.0
	}
	if opts.UrgencyMultiplier < 1.0 {
		return domain.Task{}, errors.New("urgency multiplier must be >= 1.0")
	}
	if opts.RequiredLevel < 1 {
		opts.RequiredLevel = 1
	}
	p, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		return domain.Task{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.ProjectID+"|"+opts.Title+"|"+now)).String()
	}
	t := domain.Task{
		ID:                id,
		OrgID:             p.OrgID,
		ProjectID:         p.ID,
		Title:             opts.Title,
		Description:       opts.Description,
		Status:            domain.StatusOpen,
		DollarValue:       opts.DollarValue,
		UrgencyMultiplier: opts.UrgencyMultiplier,
		RequiredLevel:     opts.RequiredLevel,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.created", t.OrgID, "task", t.ID, opts.ActorID, events.EventPayload{
		"title":        t.Title,
		"dollar_value": t.DollarValue,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// AcceptTask assigns an open task to the actor. The assignment is a
// compare-and-swap on the persisted status: two simultaneous accepts yield
// exactly one winner; the loser gets AlreadyAssignedError.
func (e Engine) AcceptTask(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	actor, err := e.Repo.GetActor(ctx, actorID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return t, fmt.Errorf("actor %s unknown: %w", actorID, err)
		}
		return t, err
	}
	if actor.TrainingLevel < t.RequiredLevel {
		return t, LevelTooLowError{Required: t.RequiredLevel, Actual: actor.TrainingLevel}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	affected, err := e.Repo.ClaimTask(ctx, tx, taskID, actorID, now)
	if err != nil {
		return t, err
	}
	if affected == 0 {
		// Zero rows means the persisted status was not open. Re-read to
		// tell a lost claim race from a task already past assignment.
		cur, err := e.Repo.GetTaskTx(ctx, tx, taskID)
		if err != nil {
			return t, err
		}
		if cur.Status == domain.StatusAssigned || cur.Status == domain.StatusInProgress {
			return t, AlreadyAssignedError{TaskID: taskID}
		}
		return t, InvalidTransitionError{TaskID: taskID, From: cur.Status, To: domain.StatusAssigned}
	}
	// First accept on a project starts the sales commission decay clock.
	if err := e.Repo.SetProjectPickedUp(ctx, tx, t.ProjectID, now); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.accepted", t.OrgID, "task", t.ID, actorID, events.EventPayload{
		"assignee_id": actorID,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	t.Status = domain.StatusAssigned
	t.AssigneeID = &actorID
	t.AssignedAt = &now
	t.UpdatedAt = now
	return t, nil
}

// StartTask moves assigned -> in_progress; only the assignee may start.
func (e Engine) StartTask(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.AssigneeID == nil || *t.AssigneeID != actorID {
		return t, NotOwnerError{TaskID: taskID, ActorID: actorID}
	}
	if err := ensureTaskTransition(t.ID, t.Status, domain.StatusInProgress); err != nil {
		return t, err
	}
	return e.applyStatus(ctx, t, t.Status, domain.StatusInProgress, actorID, "task.started", nil)
}

// SubmitTask records the submission payload, moves the task to completed and
// kicks off the asynchronous AI confidence scoring. Only the assignee may
// submit, and the payload must be non-empty valid JSON.
func (e Engine) SubmitTask(ctx context.Context, taskID, submissionJSON, actorID string) (domain.Task, error) {
	if err := validateSubmission(submissionJSON); err != nil {
		return domain.Task{}, err
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.AssigneeID == nil || *t.AssigneeID != actorID {
		return t, NotOwnerError{TaskID: taskID, ActorID: actorID}
	}
	if err := ensureTaskTransition(t.ID, t.Status, domain.StatusCompleted); err != nil {
		return t, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	affected, err := e.Repo.SubmitTask(ctx, tx, t.ID, t.Status, submissionJSON, now)
	if err != nil {
		return t, err
	}
	if affected == 0 {
		return t, InvalidTransitionError{TaskID: t.ID, From: t.Status, To: domain.StatusCompleted}
	}
	if err := e.Events.Append(ctx, tx, "task.submitted", t.OrgID, "task", t.ID, actorID, nil); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	t.Status = domain.StatusCompleted
	t.SubmissionJSON = &submissionJSON
	t.CompletedAt = &now
	t.UpdatedAt = now

	// Fire and forget: the score lands later as an ai QCReview. Submission
	// never waits on the provider. With no provider configured the review
	// path falls back to the org default confidence.
	if e.Confidence != nil {
		go e.scoreSubmission(t)
	}
	return t, nil
}

func validateSubmission(in string) error {
	if in == "" {
		return errors.New("submission payload required")
	}
	var tmp any
	if err := json.Unmarshal([]byte(in), &tmp); err != nil {
		return fmt.Errorf("submission payload JSON: %w", err)
	}
	if tmp == nil {
		return errors.New("submission payload required")
	}
	return nil
}

func (e Engine) scoreSubmission(t domain.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), e.ScoreTimeout)
	defer cancel()
	if _, err := e.ScoreTask(ctx, t.ID); err != nil {
		e.Logger.Warn().Err(err).Str("task_id", t.ID).Msg("ai scoring failed")
	}
}

// ScoreTask runs the confidence provider for a submitted task and records
// the result as an ai QCReview. On provider error or timeout the
// org-configured fallback probability is used; scoring never fails the task.
func (e Engine) ScoreTask(ctx context.Context, taskID string) (domain.QCReview, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.QCReview{}, err
	}
	p0 := e.Config.Review.FallbackConfidence
	summary := "fallback confidence applied"
	if e.Confidence != nil {
		res, err := e.Confidence.Score(ctx, confidence.Request{
			TaskID:          t.ID,
			TaskTitle:       t.Title,
			TaskDescription: t.Description,
			SubmissionNotes: stringOrEmpty(t.SubmissionJSON),
		})
		if err == nil {
			p0 = res.PassProbability
			summary = res.Summary
		} else {
			e.Logger.Warn().Err(err).Str("task_id", t.ID).Msg("confidence provider unavailable, using fallback")
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.QCReview{}, err
	}
	defer tx.Rollback()

	pass, err := e.Repo.NextPassNumber(ctx, tx, t.ID)
	if err != nil {
		return domain.QCReview{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	rev := domain.QCReview{
		ID:         uuid.New().String(),
		TaskID:     t.ID,
		ReviewType: domain.ReviewAI,
		Confidence: &p0,
		PassNumber: pass,
		Weight:     domain.ReviewWeight(domain.ReviewAI),
		V0:         valuation.WorkerBaseline * t.Value(),
		Summary:    summary,
		CreatedAt:  now,
	}
	if err := e.Repo.InsertReview(ctx, tx, rev); err != nil {
		return domain.QCReview{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.scored", t.OrgID, "qc_review", rev.ID, "system", events.EventPayload{
		"task_id":    t.ID,
		"confidence": p0,
	}); err != nil {
		return domain.QCReview{}, err
	}
	// Low confidence routes the task to human review immediately.
	if p0 < e.Config.Review.AIThreshold && t.Status == domain.StatusCompleted {
		if _, err := e.Repo.UpdateTaskStatus(ctx, tx, t.ID, domain.StatusCompleted, domain.StatusUnderReview, now); err != nil {
			return domain.QCReview{}, err
		}
		if err := e.Events.Append(ctx, tx, "task.review_required", t.OrgID, "task", t.ID, "system", events.EventPayload{
			"confidence": p0,
			"threshold":  e.Config.Review.AIThreshold,
		}); err != nil {
			return domain.QCReview{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.QCReview{}, err
	}
	return rev, nil
}

// ReviewOptions are parameters for recording a human QC verdict.
type ReviewOptions struct {
	TaskID     string
	ReviewerID string
	ReviewType string
	Passed     bool
	Summary    string
}

// RecordReview applies a human QC verdict. The pass number is assigned inside
// the transaction, so concurrent submissions are serialized. A pass approves
// the task and writes the worker and QC payouts through the ledger; a fail
// sends the task back to in_progress for rework and the next pass costs less.
func (e Engine) RecordReview(ctx context.Context, opts ReviewOptions) (domain.QCReview, error) {
	if opts.ReviewType != domain.ReviewPeer && opts.ReviewType != domain.ReviewIndependent {
		return domain.QCReview{}, fmt.Errorf("review type must be peer or independent, got %q", opts.ReviewType)
	}
	t, err := e.Repo.GetTask(ctx, opts.TaskID)
	if err != nil {
		return domain.QCReview{}, err
	}
	if t.AssigneeID != nil && *t.AssigneeID == opts.ReviewerID {
		return domain.QCReview{}, fmt.Errorf("assignee cannot review their own task")
	}
	if t.Status != domain.StatusCompleted && t.Status != domain.StatusUnderReview {
		to := domain.StatusApproved
		if !opts.Passed {
			to = domain.StatusRejected
		}
		return domain.QCReview{}, InvalidTransitionError{TaskID: t.ID, From: t.Status, To: to}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.QCReview{}, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	// A verdict on a freshly completed task implies review started.
	if t.Status == domain.StatusCompleted {
		affected, err := e.Repo.UpdateTaskStatus(ctx, tx, t.ID, domain.StatusCompleted, domain.StatusUnderReview, now)
		if err != nil {
			return domain.QCReview{}, err
		}
		if affected == 0 {
			return domain.QCReview{}, InvalidTransitionError{TaskID: t.ID, From: t.Status, To: domain.StatusUnderReview}
		}
		t.Status = domain.StatusUnderReview
	}

	pass, err := e.Repo.NextPassNumber(ctx, tx, t.ID)
	if err != nil {
		return domain.QCReview{}, err
	}
	if max := e.Config.Review.MaxPasses; max > 0 && pass > max {
		return domain.QCReview{}, fmt.Errorf("review pass %d exceeds org limit of %d", pass, max)
	}

	p0, ok, err := e.Repo.LatestAIConfidenceTx(ctx, tx, t.ID)
	if err != nil {
		return domain.QCReview{}, err
	}
	if !ok {
		p0 = e.Config.Review.FallbackConfidence
	}
	params := valuation.Params{
		V:     t.Value(),
		P0:    p0,
		Beta:  e.Config.Payout.QCBeta,
		Gamma: e.Config.Payout.QCGamma,
	}
	breakdown, err := compensation.QCPayout(params, pass)
	if err != nil {
		return domain.QCReview{}, err
	}

	rev := domain.QCReview{
		ID:         uuid.New().String(),
		TaskID:     t.ID,
		ReviewerID: opts.ReviewerID,
		ReviewType: opts.ReviewType,
		Passed:     &opts.Passed,
		PassNumber: pass,
		Weight:     domain.ReviewWeight(opts.ReviewType),
		V0:         valuation.WorkerBaseline * t.Value(),
		DK:         breakdown.Amount,
		Summary:    opts.Summary,
		CreatedAt:  now,
	}
	if err := e.Repo.InsertReview(ctx, tx, rev); err != nil {
		return domain.QCReview{}, err
	}

	// The reviewer earns the marginal for this specific pass, pass or fail,
	// never the cumulative sum. Prior passes were paid when they happened.
	if rev.DK > 0 {
		if _, _, err := e.Ledger.RecordTx(ctx, tx, ledger.RecordInput{
			OrgID:      t.OrgID,
			SourceType: domain.SourceQC,
			SourceID:   rev.ID,
			UserID:     rev.ReviewerID,
			Gross:      rev.DK,
			Details:    breakdown,
			ActorID:    rev.ReviewerID,
		}); err != nil {
			return domain.QCReview{}, err
		}
	}

	if opts.Passed {
		if err := e.approveTask(ctx, tx, t, rev, now); err != nil {
			return domain.QCReview{}, err
		}
	} else {
		if err := e.rejectTask(ctx, tx, t, rev, now); err != nil {
			return domain.QCReview{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.QCReview{}, err
	}
	return rev, nil
}

func (e Engine) approveTask(ctx context.Context, tx *sql.Tx, t domain.Task, rev domain.QCReview, now string) error {
	affected, err := e.Repo.UpdateTaskStatus(ctx, tx, t.ID, domain.StatusUnderReview, domain.StatusApproved, now)
	if err != nil {
		return err
	}
	if affected == 0 {
		return InvalidTransitionError{TaskID: t.ID, From: t.Status, To: domain.StatusApproved}
	}
	if err := e.Repo.AddProjectSpend(ctx, tx, t.ProjectID, t.DollarValue); err != nil {
		return fmt.Errorf("bump project spend: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "task.approved", t.OrgID, "task", t.ID, rev.ReviewerID, events.EventPayload{
		"pass_number": rev.PassNumber,
	}); err != nil {
		return err
	}

	// Worker payout: the task portion of the salary blend.
	if t.AssigneeID != nil {
		worker, err := e.Repo.GetActorTx(ctx, tx, *t.AssigneeID)
		if err != nil {
			return fmt.Errorf("load assignee: %w", err)
		}
		r := worker.SalaryMixR
		if r == 0 {
			r = e.Config.Payout.DefaultR
		}
		blend, err := compensation.EmployeePayout(worker.BaseSalary, r, t.Value(), compensation.RBounds{
			Min: e.Config.Payout.RBounds.Min,
			Max: e.Config.Payout.RBounds.Max,
		})
		if err != nil {
			return err
		}
		if _, _, err := e.Ledger.RecordTx(ctx, tx, ledger.RecordInput{
			OrgID:      t.OrgID,
			SourceType: domain.SourceTask,
			SourceID:   t.ID,
			UserID:     worker.ID,
			Gross:      blend.TaskPortion,
			Details:    blend,
			ActorID:    rev.ReviewerID,
		}); err != nil {
			return err
		}
	}

	return nil
}

func (e Engine) rejectTask(ctx context.Context, tx *sql.Tx, t domain.Task, rev domain.QCReview, now string) error {
	affected, err := e.Repo.UpdateTaskStatus(ctx, tx, t.ID, domain.StatusUnderReview, domain.StatusRejected, now)
	if err != nil {
		return err
	}
	if affected == 0 {
		return InvalidTransitionError{TaskID: t.ID, From: t.Status, To: domain.StatusRejected}
	}
	// The task goes straight back to rework; the next verdict is pass k+1.
	if _, err := e.Repo.UpdateTaskStatus(ctx, tx, t.ID, domain.StatusRejected, domain.StatusInProgress, now); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, "task.rejected", t.OrgID, "task", t.ID, rev.ReviewerID, events.EventPayload{
		"pass_number": rev.PassNumber,
		"next_pass":   rev.PassNumber + 1,
	})
}

// SettlePayout marks a payout paid on settlement confirmation. When the
// worker's task payout settles, the task itself flips approved -> paid.
func (e Engine) SettlePayout(ctx context.Context, payoutID, actorID string) (domain.Payout, error) {
	p, err := e.Ledger.MarkPaid(ctx, payoutID, actorID)
	if err != nil {
		return p, err
	}
	if p.SourceType != domain.SourceTask {
		return p, nil
	}
	t, err := e.Repo.GetTask(ctx, p.SourceID)
	if err != nil {
		return p, err
	}
	if t.Status != domain.StatusApproved {
		return p, nil
	}
	_, err = e.applyStatus(ctx, t, domain.StatusApproved, domain.StatusPaid, actorID, "task.paid", events.EventPayload{
		"payout_id": p.ID,
	})
	return p, err
}

// PayPMBonus computes and records the PM profit share for a project.
func (e Engine) PayPMBonus(ctx context.Context, projectID, actorID string) (domain.Payout, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Payout{}, err
	}
	if p.PMID == nil {
		return domain.Payout{}, fmt.Errorf("project %s has no PM", projectID)
	}
	breakdown := compensation.PMPayout(p.TotalValue, p.Spent,
		e.Config.Payout.PMX, e.Config.Payout.PMOverdraftPenalty, p.PMBonus)
	payout, _, err := e.Ledger.Record(ctx, ledger.RecordInput{
		OrgID:      p.OrgID,
		SourceType: domain.SourcePMBonus,
		SourceID:   p.ID,
		UserID:     *p.PMID,
		Gross:      breakdown.Amount,
		Details:    breakdown,
		ActorID:    actorID,
	})
	return payout, err
}

// PaySalesCommission computes and records the decayed commission for the
// project's sales rep. decay defaults to the org exponential curve.
func (e Engine) PaySalesCommission(ctx context.Context, projectID string, base float64, decay compensation.DecayFunc, actorID string) (domain.Payout, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Payout{}, err
	}
	if p.SalesRepID == nil {
		return domain.Payout{}, fmt.Errorf("project %s has no sales rep", projectID)
	}
	if decay == nil {
		decay = compensation.ExponentialDecay(e.Config.Sales.DecayHalfLifeDays)
	}
	days, err := e.daysToPickup(p)
	if err != nil {
		return domain.Payout{}, err
	}
	breakdown, err := compensation.SalesCommission(base, days, decay)
	if err != nil {
		return domain.Payout{}, err
	}
	payout, _, err := e.Ledger.Record(ctx, ledger.RecordInput{
		OrgID:      p.OrgID,
		SourceType: domain.SourceSalesCommission,
		SourceID:   p.ID,
		UserID:     *p.SalesRepID,
		Gross:      breakdown.Amount,
		Details:    breakdown,
		ActorID:    actorID,
	})
	return payout, err
}

func (e Engine) daysToPickup(p domain.Project) (float64, error) {
	if p.SignedAt == nil {
		return 0, nil
	}
	signed, err := time.Parse(time.RFC3339, *p.SignedAt)
	if err != nil {
		return 0, fmt.Errorf("parse signed_at: %w", err)
	}
	end := e.now().UTC()
	if p.PickedUpAt != nil {
		if parsed, err := time.Parse(time.RFC3339, *p.PickedUpAt); err == nil {
			end = parsed
		}
	}
	days := end.Sub(signed).Hours() / 24
	if days < 0 {
		days = 0
	}
	return days, nil
}

// PreviewQCEarnings estimates total QC earnings for a task across an
// indefinite number of rejection cycles. Preview only; nothing is written.
func (e Engine) PreviewQCEarnings(ctx context.Context, taskID string, pRe float64) (float64, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return 0, err
	}
	p0, ok, err := e.Repo.LatestAIConfidence(ctx, t.ID)
	if err != nil {
		return 0, err
	}
	if !ok {
		p0 = e.Config.Review.FallbackConfidence
	}
	return valuation.ExpectedQCPayout(valuation.Params{
		V:     t.Value(),
		P0:    p0,
		Beta:  e.Config.Payout.QCBeta,
		Gamma: e.Config.Payout.QCGamma,
		K:     1,
	}, pRe)
}

// UpsertActor registers or updates an actor profile.
func (e Engine) UpsertActor(ctx context.Context, a domain.Actor, actorID string) (domain.Actor, error) {
	if a.OrgID == "" {
		return a, errors.New("org is required")
	}
	now := e.now().UTC().Format(time.RFC3339)
	if a.CreatedAt == "" {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertActor(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "actor.upserted", a.OrgID, "actor", a.ID, actorID, events.EventPayload{
		"role":           a.Role,
		"training_level": a.TrainingLevel,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

func (e Engine) applyStatus(ctx context.Context, t domain.Task, from, to, actorID, evtType string, payload events.EventPayload) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	affected, err := e.Repo.UpdateTaskStatus(ctx, tx, t.ID, from, to, now)
	if err != nil {
		return t, err
	}
	if affected == 0 {
		return t, InvalidTransitionError{TaskID: t.ID, From: from, To: to}
	}
	if err := e.Events.Append(ctx, tx, evtType, t.OrgID, "task", t.ID, actorID, payload); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	t.Status = to
	t.UpdatedAt = now
	return t, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
