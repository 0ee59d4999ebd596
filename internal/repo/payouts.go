package repo

import (
	"context"
	"database/sql"
	"strings"

	"payline/internal/domain"
)

const payoutColumns = `id,org_id,source_type,source_id,user_id,gross_amount,deductions,net_amount,status,details_json,created_at,status_changed_at`

// InsertPayoutIgnoreDuplicate inserts a payout row; the unique index on
// (source_type, source_id, user_id) makes a retry a no-op. Returns rows
// affected so the caller can tell insert from duplicate.
func (r Repo) InsertPayoutIgnoreDuplicate(ctx context.Context, tx *sql.Tx, p domain.Payout) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO payouts(`+payoutColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(source_type, source_id, user_id) DO NOTHING`,
		p.ID, p.OrgID, p.SourceType, p.SourceID, p.UserID,
		p.GrossAmount, p.Deductions, p.NetAmount, p.Status,
		nullable(p.DetailsJSON), p.CreatedAt, p.StatusChangedAt)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanPayout(scan func(dest ...any) error) (domain.Payout, error) {
	var p domain.Payout
	var details sql.NullString
	err := scan(&p.ID, &p.OrgID, &p.SourceType, &p.SourceID, &p.UserID,
		&p.GrossAmount, &p.Deductions, &p.NetAmount, &p.Status, &details,
		&p.CreatedAt, &p.StatusChangedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if details.Valid {
		p.DetailsJSON = details.String
	}
	return p, nil
}

func (r Repo) GetPayout(ctx context.Context, id string) (domain.Payout, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id=?`, id)
	return scanPayout(row.Scan)
}

func (r Repo) GetPayoutTx(ctx context.Context, tx *sql.Tx, id string) (domain.Payout, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id=?`, id)
	return scanPayout(row.Scan)
}

// GetPayoutByKey fetches the unique payout for an idempotency key.
func (r Repo) GetPayoutByKey(ctx context.Context, tx *sql.Tx, sourceType, sourceID, userID string) (domain.Payout, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+payoutColumns+` FROM payouts WHERE source_type=? AND source_id=? AND user_id=?`,
		sourceType, sourceID, userID)
	return scanPayout(row.Scan)
}

type PayoutFilters struct {
	OrgID      string
	UserID     string
	SourceType string
	Status     string
	Limit      int
}

func (r Repo) ListPayouts(ctx context.Context, f PayoutFilters) ([]domain.Payout, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.OrgID != "" {
		clauses = append(clauses, "org_id=?")
		args = append(args, f.OrgID)
	}
	if f.UserID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, f.UserID)
	}
	if f.SourceType != "" {
		clauses = append(clauses, "source_type=?")
		args = append(args, f.SourceType)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + payoutColumns + ` FROM payouts WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Payout
	for rows.Next() {
		p, err := scanPayout(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// SetPayoutStatus flips the payout status guarded on the current value.
func (r Repo) SetPayoutStatus(ctx context.Context, tx *sql.Tx, id, fromStatus, toStatus, now string) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE payouts SET status=?, status_changed_at=? WHERE id=? AND status=?`,
		toStatus, now, id, fromStatus)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
