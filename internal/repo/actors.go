package repo

import (
	"context"
	"database/sql"

	"onecost/internal/domain"
)

func scanActor(row requestScanner) (domain.Actor, error) {
	var a domain.Actor
	var passwordHash sql.NullString
	err := row.Scan(&a.ID, &a.DisplayName, &a.Role, &passwordHash, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if passwordHash.Valid {
		a.PasswordHash = passwordHash.String
	}
	return a, nil
}

const insertActorSQL = `INSERT INTO actors(id,display_name,role,password_hash,created_at) VALUES (?,?,?,?,?)`

func (r Repo) InsertActor(ctx context.Context, a domain.Actor) error {
	_, err := r.DB.ExecContext(ctx, insertActorSQL,
		a.ID, a.DisplayName, a.Role, nullable(a.PasswordHash), a.CreatedAt)
	return err
}

// InsertActorTx creates an actor inside a mutation's transaction, so the
// insert commits together with its audit event.
func (r Repo) InsertActorTx(ctx context.Context, tx *sql.Tx, a domain.Actor) error {
	_, err := tx.ExecContext(ctx, insertActorSQL,
		a.ID, a.DisplayName, a.Role, nullable(a.PasswordHash), a.CreatedAt)
	return err
}

func (r Repo) GetActor(ctx context.Context, id string) (domain.Actor, error) {
	return scanActor(r.DB.QueryRowContext(ctx,
		`SELECT id,display_name,role,password_hash,created_at FROM actors WHERE id=?`, id))
}

func (r Repo) ListActors(ctx context.Context) ([]domain.Actor, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,display_name,role,password_hash,created_at FROM actors ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Actor
	for rows.Next() {
		a, err := scanActor(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) CountActors(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM actors`).Scan(&n)
	return n, err
}

func (r Repo) UpdateActorPassword(ctx context.Context, id, passwordHash string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE actors SET password_hash=? WHERE id=?`, passwordHash, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
