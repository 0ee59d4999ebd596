package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"payline/internal/domain"
)

const actorColumns = `id,org_id,name,role,training_level,base_salary,salary_mix_r,created_at,updated_at`

func (r Repo) UpsertActor(ctx context.Context, tx *sql.Tx, a domain.Actor) error {
	if strings.TrimSpace(a.ID) == "" {
		return errors.New("actor id required")
	}
	if a.Role == "" {
		a.Role = "worker"
	}
	if a.TrainingLevel < 1 {
		a.TrainingLevel = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO actors(`+actorColumns+`) VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, role=excluded.role, training_level=excluded.training_level,
base_salary=excluded.base_salary, salary_mix_r=excluded.salary_mix_r, updated_at=excluded.updated_at`,
		a.ID, a.OrgID, nullable(a.Name), a.Role, a.TrainingLevel, a.BaseSalary, a.SalaryMixR, a.CreatedAt, a.UpdatedAt)
	return err
}

// EnsureActor inserts a minimal worker row if the actor is unknown.
func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, orgID, actorID, now string) error {
	if strings.TrimSpace(actorID) == "" {
		return errors.New("actor id required")
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO actors(id,org_id,role,training_level,created_at,updated_at) VALUES (?,?,'worker',1,?,?)
ON CONFLICT(id) DO NOTHING`, actorID, orgID, now, now)
	return err
}

func scanActor(scan func(dest ...any) error) (domain.Actor, error) {
	var a domain.Actor
	var name sql.NullString
	err := scan(&a.ID, &a.OrgID, &name, &a.Role, &a.TrainingLevel, &a.BaseSalary, &a.SalaryMixR, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if name.Valid {
		a.Name = name.String
	}
	return a, err
}

func (r Repo) GetActor(ctx context.Context, id string) (domain.Actor, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+actorColumns+` FROM actors WHERE id=?`, id)
	return scanActor(row.Scan)
}

func (r Repo) GetActorTx(ctx context.Context, tx *sql.Tx, id string) (domain.Actor, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+actorColumns+` FROM actors WHERE id=?`, id)
	return scanActor(row.Scan)
}

func (r Repo) ListActors(ctx context.Context, orgID string) ([]domain.Actor, error) {
	clauses := []string{"1=1"}
	var args []any
	if orgID != "" {
		clauses = append(clauses, "org_id=?")
		args = append(args, orgID)
	}
	query := `SELECT ` + actorColumns + ` FROM actors WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Actor
	for rows.Next() {
		a, err := scanActor(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
