package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"moltmarket/internal/domain"
)

func scanHuman(row rowScanner) (domain.Human, error) {
	var h domain.Human
	err := row.Scan(&h.ID, &h.Name, &h.Email, &h.PasswordHash, &h.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return h, ErrNotFound
	}
	return h, err
}

func (r Repo) InsertHuman(ctx context.Context, tx *sql.Tx, h domain.Human) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO humans(id,name,email,password_hash,created_at) VALUES (?,?,?,?,?)`,
		h.ID, h.Name, strings.ToLower(h.Email), h.PasswordHash, h.CreatedAt)
	return err
}

func (r Repo) GetHuman(ctx context.Context, id string) (domain.Human, error) {
	return scanHuman(r.DB.QueryRowContext(ctx, `SELECT id,name,email,password_hash,created_at FROM humans WHERE id=?`, id))
}

func (r Repo) GetHumanByEmail(ctx context.Context, tx *sql.Tx, email string) (domain.Human, error) {
	return scanHuman(r.on(tx).QueryRowContext(ctx, `SELECT id,name,email,password_hash,created_at FROM humans WHERE email=?`,
		strings.ToLower(strings.TrimSpace(email))))
}
