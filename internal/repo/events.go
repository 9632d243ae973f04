package repo

import (
	"context"
	"database/sql"
	"strings"

	"corehub/internal/domain"
)

func scanEvent(row interface{ Scan(...any) error }) (domain.Event, error) {
	var e domain.Event
	var agent sql.NullString
	err := row.Scan(&e.ID, &agent, &e.Type, &e.Payload, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if agent.Valid {
		e.Agent = &agent.String
	}
	return e, nil
}

func (r Repo) GetEvent(ctx context.Context, id int64) (domain.Event, error) {
	return scanEvent(r.DB.QueryRowContext(ctx, `SELECT id,agent,type,payload_json,created_at FROM events WHERE id=?`, id))
}

type EventFilters struct {
	Agent  string
	Type   string
	TaskID string
	Limit  int
	Offset int
}

func (f EventFilters) where() (string, []any) {
	var clauses []string
	var args []any
	if f.Agent != "" {
		clauses = append(clauses, "agent=?")
		args = append(args, f.Agent)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.TaskID != "" {
		clauses = append(clauses, "json_extract(payload_json,'$.task_id')=?")
		args = append(args, f.TaskID)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

// ListEvents returns events in id order; ids are monotonic so this is also
// creation order.
func (r Repo) ListEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	where, args := f.where()
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,agent,type,payload_json,created_at FROM events ` + where + ` ORDER BY id ASC LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) CountEvents(ctx context.Context, f EventFilters) (int, error) {
	where, args := f.where()
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM events `+where, args...).Scan(&n)
	return n, err
}

// EventsBetween returns events created within [from, to).
func (r Repo) EventsBetween(ctx context.Context, from, to string) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,agent,type,payload_json,created_at FROM events WHERE created_at >= ? AND created_at < ? ORDER BY id ASC`,
		from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
