package repo

import (
	"context"
	"database/sql"

	"corehub/internal/domain"
)

func (r Repo) GetFlag(ctx context.Context, key string) (domain.Flag, error) {
	var f domain.Flag
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT key,value,description,updated_at FROM flags WHERE key=?`, key).
		Scan(&f.Key, &f.Value, &desc, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	if desc.Valid {
		f.Description = desc.String
	}
	return f, err
}

// UpsertFlag writes a flag with last-write-wins semantics.
func (r Repo) UpsertFlag(ctx context.Context, f domain.Flag) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO flags(key,value,description,updated_at) VALUES (?,?,?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, description=COALESCE(excluded.description, flags.description), updated_at=excluded.updated_at`,
		f.Key, f.Value, nullable(f.Description), f.UpdatedAt)
	return err
}

// UpdateFlag changes an existing flag; unlike UpsertFlag it fails with
// ErrNotFound when the key is unknown.
func (r Repo) UpdateFlag(ctx context.Context, key, value, description, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE flags SET value=?, description=COALESCE(?, description), updated_at=? WHERE key=?`,
		value, nullable(description), updatedAt, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListFlags(ctx context.Context) ([]domain.Flag, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT key,value,description,updated_at FROM flags ORDER BY key ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Flag
	for rows.Next() {
		var f domain.Flag
		var desc sql.NullString
		if err := rows.Scan(&f.Key, &f.Value, &desc, &f.UpdatedAt); err != nil {
			return nil, err
		}
		if desc.Valid {
			f.Description = desc.String
		}
		res = append(res, f)
	}
	return res, rows.Err()
}
