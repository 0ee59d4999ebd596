// Package ledger is the append-only payout ledger. A payout is keyed by
// (source_type, source_id, user_id); recording the same key twice returns the
// existing row, so retried calls can never double-pay. Status only ever moves
// forward: pending -> approved -> paid.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"payline/internal/domain"
	"payline/internal/events"
	"payline/internal/repo"
)

// ErrDuplicatePayout is returned by RecordStrict when the key already exists.
// Well-behaved callers treat it as success.
var ErrDuplicatePayout = errors.New("payout already recorded for source and user")

// InvalidTransitionError reports a backward payout status move.
type InvalidTransitionError struct {
	From, To string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid payout transition %s -> %s", e.From, e.To)
}

type Ledger struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func New(db *sql.DB) Ledger {
	return Ledger{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Now:    time.Now,
	}
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// RecordInput describes one payout to write.
type RecordInput struct {
	OrgID      string
	SourceType string
	SourceID   string
	UserID     string
	Gross      float64
	Deductions float64
	// Details holds the calculation inputs for audit replay; stored as JSON.
	Details any
	ActorID string
}

func (in RecordInput) validate() error {
	switch in.SourceType {
	case domain.SourceTask, domain.SourceQC, domain.SourcePMBonus, domain.SourceSalesCommission:
	default:
		return fmt.Errorf("unknown payout source type %q", in.SourceType)
	}
	if in.SourceID == "" || in.UserID == "" {
		return errors.New("source id and user id required")
	}
	if in.Gross < 0 || in.Deductions < 0 {
		return fmt.Errorf("amounts must be non-negative (gross=%v deductions=%v)", in.Gross, in.Deductions)
	}
	if in.Gross-in.Deductions < 0 {
		return fmt.Errorf("deductions %v exceed gross %v", in.Deductions, in.Gross)
	}
	return nil
}

// RecordTx writes the payout inside the caller's transaction. When the key
// already exists the stored row is returned unchanged and created is false.
func (l Ledger) RecordTx(ctx context.Context, tx *sql.Tx, in RecordInput) (domain.Payout, bool, error) {
	if err := in.validate(); err != nil {
		return domain.Payout{}, false, err
	}
	var details string
	if in.Details != nil {
		b, err := json.Marshal(in.Details)
		if err != nil {
			return domain.Payout{}, false, fmt.Errorf("marshal payout details: %w", err)
		}
		details = string(b)
	}
	now := l.now().UTC().Format(time.RFC3339)
	p := domain.Payout{
		ID:              uuid.New().String(),
		OrgID:           in.OrgID,
		SourceType:      in.SourceType,
		SourceID:        in.SourceID,
		UserID:          in.UserID,
		GrossAmount:     in.Gross,
		Deductions:      in.Deductions,
		NetAmount:       in.Gross - in.Deductions,
		Status:          domain.PayoutPending,
		DetailsJSON:     details,
		CreatedAt:       now,
		StatusChangedAt: now,
	}
	affected, err := l.Repo.InsertPayoutIgnoreDuplicate(ctx, tx, p)
	if err != nil {
		return domain.Payout{}, false, err
	}
	if affected == 0 {
		existing, err := l.Repo.GetPayoutByKey(ctx, tx, in.SourceType, in.SourceID, in.UserID)
		if err != nil {
			return domain.Payout{}, false, err
		}
		return existing, false, nil
	}
	actorID := in.ActorID
	if actorID == "" {
		actorID = "system"
	}
	if err := l.Events.Append(ctx, tx, "payout.recorded", in.OrgID, "payout", p.ID, actorID, events.EventPayload{
		"source_type": p.SourceType,
		"source_id":   p.SourceID,
		"user_id":     p.UserID,
		"net_amount":  p.NetAmount,
	}); err != nil {
		return domain.Payout{}, false, err
	}
	return p, true, nil
}

// Record opens its own transaction around RecordTx.
func (l Ledger) Record(ctx context.Context, in RecordInput) (domain.Payout, bool, error) {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Payout{}, false, err
	}
	defer tx.Rollback()
	p, created, err := l.RecordTx(ctx, tx, in)
	if err != nil {
		return domain.Payout{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Payout{}, false, err
	}
	return p, created, nil
}

// RecordStrict surfaces a duplicate as ErrDuplicatePayout instead of the
// existing row, for callers that must distinguish.
func (l Ledger) RecordStrict(ctx context.Context, in RecordInput) (domain.Payout, error) {
	p, created, err := l.Record(ctx, in)
	if err != nil {
		return domain.Payout{}, err
	}
	if !created {
		return p, ErrDuplicatePayout
	}
	return p, nil
}

// Approve moves pending -> approved.
func (l Ledger) Approve(ctx context.Context, payoutID, actorID string) (domain.Payout, error) {
	return l.transition(ctx, payoutID, actorID, domain.PayoutPending, domain.PayoutApproved, "payout.approved")
}

// MarkPaid moves approved -> paid. The settlement rail calls this back once
// money has actually moved.
func (l Ledger) MarkPaid(ctx context.Context, payoutID, actorID string) (domain.Payout, error) {
	return l.transition(ctx, payoutID, actorID, domain.PayoutApproved, domain.PayoutPaid, "payout.paid")
}

func (l Ledger) transition(ctx context.Context, payoutID, actorID, from, to, evtType string) (domain.Payout, error) {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Payout{}, err
	}
	defer tx.Rollback()

	p, err := l.Repo.GetPayoutTx(ctx, tx, payoutID)
	if err != nil {
		return domain.Payout{}, err
	}
	if p.Status != from {
		return p, InvalidTransitionError{From: p.Status, To: to}
	}
	now := l.now().UTC().Format(time.RFC3339)
	affected, err := l.Repo.SetPayoutStatus(ctx, tx, payoutID, from, to, now)
	if err != nil {
		return domain.Payout{}, err
	}
	if affected == 0 {
		// Lost a race with a concurrent transition.
		return p, InvalidTransitionError{From: p.Status, To: to}
	}
	if err := l.Events.Append(ctx, tx, evtType, p.OrgID, "payout", p.ID, actorID, events.EventPayload{
		"from": from,
		"to":   to,
	}); err != nil {
		return domain.Payout{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Payout{}, err
	}
	p.Status = to
	p.StatusChangedAt = now
	return p, nil
}
