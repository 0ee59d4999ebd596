package repo

import (
	"context"
	"database/sql"
	"strings"

	"payline/internal/domain"
)

const taskColumns = `id,org_id,project_id,title,description,status,dollar_value,urgency_multiplier,required_level,assignee_id,submission_json,assigned_at,completed_at,created_at,updated_at`

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.OrgID, t.ProjectID, t.Title, nullable(t.Description), t.Status,
		t.DollarValue, t.UrgencyMultiplier, t.RequiredLevel,
		nullableStringPtr(t.AssigneeID), nullableStringPtr(t.SubmissionJSON),
		nullableStringPtr(t.AssignedAt), nullableStringPtr(t.CompletedAt),
		t.CreatedAt, t.UpdatedAt)
	return err
}

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var description, assigneeID, submission, assignedAt, completedAt sql.NullString
	err := scan(&t.ID, &t.OrgID, &t.ProjectID, &t.Title, &description, &t.Status,
		&t.DollarValue, &t.UrgencyMultiplier, &t.RequiredLevel,
		&assigneeID, &submission, &assignedAt, &completedAt, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if description.Valid {
		t.Description = description.String
	}
	if assigneeID.Valid {
		t.AssigneeID = &assigneeID.String
	}
	if submission.Valid {
		t.SubmissionJSON = &submission.String
	}
	if assignedAt.Valid {
		t.AssignedAt = &assignedAt.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}


type TaskFilters struct {
	OrgID      string
	ProjectID  string
	Status     string
	AssigneeID string
	Limit      int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.OrgID != "" {
		clauses = append(clauses, "org_id=?")
		args = append(args, f.OrgID)
	}
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ClaimTask assigns the task only if its persisted status is still open.
// Returns the number of rows changed: 0 means the claim lost the race (or the
// task never existed) and the caller must re-read to tell which.
func (r Repo) ClaimTask(ctx context.Context, tx *sql.Tx, taskID, assigneeID, now string) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status=?, assignee_id=?, assigned_at=?, updated_at=? WHERE id=? AND status=?`,
		domain.StatusAssigned, assigneeID, now, now, taskID, domain.StatusOpen)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpdateTaskStatus moves status only when the persisted status still matches
// fromStatus (compare-and-swap). Returns rows affected.
func (r Repo) UpdateTaskStatus(ctx context.Context, tx *sql.Tx, taskID, fromStatus, toStatus, now string) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status=?, updated_at=? WHERE id=? AND status=?`,
		toStatus, now, taskID, fromStatus)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SubmitTask records the submission and flips to completed, guarded on the
// current status.
func (r Repo) SubmitTask(ctx context.Context, tx *sql.Tx, taskID, fromStatus, submissionJSON, now string) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status=?, submission_json=?, completed_at=?, updated_at=? WHERE id=? AND status=?`,
		domain.StatusCompleted, submissionJSON, now, now, taskID, fromStatus)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
