package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"vaultline/internal/domain"
)

func (r Repo) InsertEntity(ctx context.Context, e domain.Entity) error {
	if e.IEID == "" {
		return errors.New("ieid required")
	}
	if e.AccountCode == "" {
		return errors.New("account required")
	}
	if e.CreatedAt == "" {
		e.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO entities(ieid,account_code,project,created_at) VALUES (?,?,?,?)`,
		e.IEID, e.AccountCode, nullable(e.Project), e.CreatedAt)
	return err
}

// GetEntity resolves an ieid to its owning account and project.
func (r Repo) GetEntity(ctx context.Context, ieid string) (domain.Entity, error) {
	var e domain.Entity
	err := r.DB.QueryRowContext(ctx, `SELECT ieid,account_code,COALESCE(project,''),created_at FROM entities WHERE ieid=?`, ieid).
		Scan(&e.IEID, &e.AccountCode, &e.Project, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

func (r Repo) ListEntities(ctx context.Context, account string) ([]domain.Entity, error) {
	query := `SELECT ieid,account_code,COALESCE(project,''),created_at FROM entities`
	var args []any
	if account != "" {
		query += ` WHERE account_code=?`
		args = append(args, account)
	}
	query += ` ORDER BY ieid`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Entity
	for rows.Next() {
		var e domain.Entity
		if err := rows.Scan(&e.IEID, &e.AccountCode, &e.Project, &e.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
