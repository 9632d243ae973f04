package repo

import (
	"context"
	"database/sql"
	"strings"

	"corehub/internal/domain"
)

func (r Repo) InsertRun(ctx context.Context, run domain.Run) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO runs(agent,task_id,status,cost_usd,duration_sec,created_at) VALUES (?,?,?,?,?,?)`,
		run.Agent, nullableStringPtr(run.TaskID), run.Status, run.CostUSD, run.DurationSec, run.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetRun(ctx context.Context, id int64) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT id,agent,task_id,status,cost_usd,duration_sec,created_at FROM runs WHERE id=?`, id))
}

func scanRun(row interface{ Scan(...any) error }) (domain.Run, error) {
	var run domain.Run
	var taskID sql.NullString
	err := row.Scan(&run.ID, &run.Agent, &taskID, &run.Status, &run.CostUSD, &run.DurationSec, &run.CreatedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	if taskID.Valid {
		run.TaskID = &taskID.String
	}
	return run, nil
}

type RunFilters struct {
	Agent  string
	TaskID string
	Limit  int
}

func (r Repo) ListRuns(ctx context.Context, f RunFilters) ([]domain.Run, error) {
	var clauses []string
	var args []any
	if f.Agent != "" {
		clauses = append(clauses, "agent=?")
		args = append(args, f.Agent)
	}
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,agent,task_id,status,cost_usd,duration_sec,created_at FROM runs ` + where + ` ORDER BY id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// RunsBetween returns runs created within [from, to).
func (r Repo) RunsBetween(ctx context.Context, from, to string) ([]domain.Run, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,agent,task_id,status,cost_usd,duration_sec,created_at FROM runs WHERE created_at >= ? AND created_at < ? ORDER BY id ASC`,
		from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}
