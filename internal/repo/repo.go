package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"vaultline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert collides with the partial unique
// index on (ieid, request_type) for enqueued requests.
var ErrDuplicate = errors.New("request already enqueued")

const requestColumns = `id,ieid,account_code,agent_identifier,request_type,is_authorized,status,created_at`

func scanRequest(row *sql.Row) (domain.Request, error) {
	var req domain.Request
	err := row.Scan(&req.ID, &req.IEID, &req.AccountCode, &req.AgentID, &req.Type, &req.IsAuthorized, &req.Status, &req.CreatedAt)
	if err == sql.ErrNoRows {
		return req, ErrNotFound
	}
	return req, err
}

// InsertRequest inserts a request and returns its assigned id. The unique
// index on pending (ieid, type) pairs makes the second of two concurrent
// submissions fail with ErrDuplicate rather than overwrite.
func (r Repo) InsertRequest(ctx context.Context, tx *sql.Tx, req domain.Request) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO requests(ieid,account_code,agent_identifier,request_type,is_authorized,status,created_at) VALUES (?,?,?,?,?,?,?)`,
		req.IEID, req.AccountCode, req.AgentID, req.Type, req.IsAuthorized, req.Status, req.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: requests") {
			return 0, ErrDuplicate
		}
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetRequest(ctx context.Context, id int64) (domain.Request, error) {
	return scanRequest(r.DB.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=?`, id))
}

// FindPending returns the enqueued request for (ieid, type), if any.
func (r Repo) FindPending(ctx context.Context, ieid, reqType string) (domain.Request, error) {
	return scanRequest(r.DB.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE ieid=? AND request_type=? AND status=?`,
		ieid, reqType, domain.StatusEnqueued))
}

func (r Repo) listRequests(ctx context.Context, query string, args ...any) ([]domain.Request, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Request
	for rows.Next() {
		var req domain.Request
		if err := rows.Scan(&req.ID, &req.IEID, &req.AccountCode, &req.AgentID, &req.Type, &req.IsAuthorized, &req.Status, &req.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

// ListByAccount returns all requests, pending and released, for an account.
func (r Repo) ListByAccount(ctx context.Context, account string) ([]domain.Request, error) {
	return r.listRequests(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE account_code=? ORDER BY created_at DESC, id DESC`, account)
}

// ListByIEID returns all requests, pending and released, for an entity.
func (r Repo) ListByIEID(ctx context.Context, ieid string) ([]domain.Request, error) {
	return r.listRequests(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE ieid=? ORDER BY created_at DESC, id DESC`, ieid)
}

// ListDispatchable returns authorized enqueued requests, oldest first.
func (r Repo) ListDispatchable(ctx context.Context) ([]domain.Request, error) {
	return r.listRequests(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE is_authorized=1 AND status=? ORDER BY created_at ASC, id ASC`,
		domain.StatusEnqueued)
}

// SetAuthorized flips is_authorized to true. It never moves back.
func (r Repo) SetAuthorized(ctx context.Context, tx *sql.Tx, id int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE requests SET is_authorized=1 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetReleased moves a request from enqueued to released_to_workspace, the only
// status transition there is.
func (r Repo) SetReleased(ctx context.Context, tx *sql.Tx, id int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE requests SET status=? WHERE id=? AND status=?`,
		domain.StatusReleased, id, domain.StatusEnqueued)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRequest destroys a pending request row; its events persist. The
// status guard holds even when the caller's read raced a release: a released
// request belongs to the workspace and stays put.
func (r Repo) DeleteRequest(ctx context.Context, tx *sql.Tx, id int64) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM requests WHERE id=? AND status=?`, id, domain.StatusEnqueued)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LatestEvents returns recent audit events, optionally filtered.
func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, ieid string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if ieid != "" {
		clauses = append(clauses, "ieid=?")
		args = append(args, ieid)
	}
	query := `SELECT id,ts,type,COALESCE(ieid,''),agent_identifier,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.IEID, &e.AgentID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
