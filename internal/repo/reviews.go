package repo

import (
	"context"
	"database/sql"

	"payline/internal/domain"
)

const reviewColumns = `id,task_id,reviewer_id,review_type,passed,confidence,pass_number,weight,v0,d_k,summary,created_at`

// NextPassNumber returns MAX(pass_number)+1 for the task inside tx. Running
// it in the same transaction as the insert serializes pass assignment, so
// concurrent review submissions cannot claim the same pass.
//
// pass_number indexes the QC cycle, and only human verdicts close a cycle:
// ai rows are excluded from the MAX so the decay index k counts human
// passes. An ai score and the human verdict of the same cycle share the
// cycle's number, distinguished by review_type in the unique key, and the
// number still only moves forward.
func (r Repo) NextPassNumber(ctx context.Context, tx *sql.Tx, taskID string) (int, error) {
	var maxPass int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(pass_number),0) FROM qc_reviews WHERE task_id=? AND review_type != ?`,
		taskID, domain.ReviewAI).Scan(&maxPass)
	if err != nil {
		return 0, err
	}
	return maxPass + 1, nil
}

func (r Repo) InsertReview(ctx context.Context, tx *sql.Tx, rev domain.QCReview) error {
	var passed any
	if rev.Passed != nil {
		if *rev.Passed {
			passed = 1
		} else {
			passed = 0
		}
	}
	var confidence any
	if rev.Confidence != nil {
		confidence = *rev.Confidence
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO qc_reviews(`+reviewColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		rev.ID, rev.TaskID, nullable(rev.ReviewerID), rev.ReviewType, passed, confidence,
		rev.PassNumber, rev.Weight, rev.V0, rev.DK, nullable(rev.Summary), rev.CreatedAt)
	return err
}

func scanReview(scan func(dest ...any) error) (domain.QCReview, error) {
	var rev domain.QCReview
	var reviewerID, summary sql.NullString
	var passed sql.NullInt64
	var confidence sql.NullFloat64
	err := scan(&rev.ID, &rev.TaskID, &reviewerID, &rev.ReviewType, &passed, &confidence,
		&rev.PassNumber, &rev.Weight, &rev.V0, &rev.DK, &summary, &rev.CreatedAt)
	if err == sql.ErrNoRows {
		return rev, ErrNotFound
	}
	if err != nil {
		return rev, err
	}
	if reviewerID.Valid {
		rev.ReviewerID = reviewerID.String
	}
	if summary.Valid {
		rev.Summary = summary.String
	}
	if passed.Valid {
		b := passed.Int64 != 0
		rev.Passed = &b
	}
	if confidence.Valid {
		rev.Confidence = &confidence.Float64
	}
	return rev, nil
}

func (r Repo) ListReviews(ctx context.Context, taskID string) ([]domain.QCReview, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+reviewColumns+` FROM qc_reviews WHERE task_id=? ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.QCReview
	for rows.Next() {
		rev, err := scanReview(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rev)
	}
	return res, rows.Err()
}

const latestAIConfidenceQuery = `SELECT confidence FROM qc_reviews WHERE task_id=? AND review_type=? ORDER BY created_at DESC, id DESC LIMIT 1`

// LatestAIConfidence returns the most recent ai-review confidence for a task,
// or ok=false when no ai review exists yet.
func (r Repo) LatestAIConfidence(ctx context.Context, taskID string) (float64, bool, error) {
	row := r.DB.QueryRowContext(ctx, latestAIConfidenceQuery, taskID, domain.ReviewAI)
	return scanAIConfidence(row)
}

// LatestAIConfidenceTx is LatestAIConfidence through an open transaction.
// The pool is capped at one connection, so a read from inside a transaction
// must go through tx or it waits on itself.
func (r Repo) LatestAIConfidenceTx(ctx context.Context, tx *sql.Tx, taskID string) (float64, bool, error) {
	row := tx.QueryRowContext(ctx, latestAIConfidenceQuery, taskID, domain.ReviewAI)
	return scanAIConfidence(row)
}

func scanAIConfidence(row *sql.Row) (float64, bool, error) {
	var confidence sql.NullFloat64
	err := row.Scan(&confidence)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if !confidence.Valid {
		return 0, false, nil
	}
	return confidence.Float64, true, nil
}
