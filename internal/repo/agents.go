package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"vaultline/internal/domain"
)

// HashSecret returns a stable SHA-256 hex digest of an agent credential.
// Credentials are only ever compared by hash.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(secret)))
	return hex.EncodeToString(sum[:])
}

// VerifySecret checks a presented credential against the agent's stored hash
// and the agent's active window.
func VerifySecret(agent domain.Agent, secret string, now time.Time) bool {
	if HashSecret(secret) != agent.KeyHash {
		return false
	}
	if agent.ActiveFrom != nil {
		from, err := time.Parse(time.RFC3339, *agent.ActiveFrom)
		if err != nil || now.Before(from) {
			return false
		}
	}
	if agent.ActiveTo != nil {
		to, err := time.Parse(time.RFC3339, *agent.ActiveTo)
		if err != nil || now.After(to) {
			return false
		}
	}
	return true
}

func (r Repo) InsertAccount(ctx context.Context, a domain.Account) error {
	if a.Code == "" {
		return errors.New("account code required")
	}
	if a.CreatedAt == "" {
		a.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO accounts(code,name,created_at) VALUES (?,?,?)`,
		a.Code, nullable(a.Name), a.CreatedAt)
	return err
}

func (r Repo) GetAccount(ctx context.Context, code string) (domain.Account, error) {
	var a domain.Account
	err := r.DB.QueryRowContext(ctx, `SELECT code,COALESCE(name,''),created_at FROM accounts WHERE code=?`, code).
		Scan(&a.Code, &a.Name, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT code,COALESCE(name,''),created_at FROM accounts ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Account
	for rows.Next() {
		var a domain.Account
		if err := rows.Scan(&a.Code, &a.Name, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// InsertAgent stores an agent and its permission set in one transaction.
// KeyHash must already contain the hashed credential.
func (r Repo) InsertAgent(ctx context.Context, a domain.Agent) error {
	if a.Identifier == "" {
		return errors.New("identifier required")
	}
	if a.KeyHash == "" {
		return errors.New("key_hash required")
	}
	if !domain.ValidRole(a.Role) {
		return errors.New("unknown role " + a.Role)
	}
	if a.CreatedAt == "" {
		a.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO agents(identifier,account_code,role,key_hash,active_from,active_to,created_at) VALUES (?,?,?,?,?,?,?)`,
		a.Identifier, a.AccountCode, a.Role, a.KeyHash, nullableStringPtr(a.ActiveFrom), nullableStringPtr(a.ActiveTo), a.CreatedAt); err != nil {
		return err
	}
	for _, p := range a.Permissions {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO agent_permissions(agent_identifier,permission) VALUES (?,?)`,
			a.Identifier, p); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetAgent resolves an identifier to an agent, permission set included.
func (r Repo) GetAgent(ctx context.Context, identifier string) (domain.Agent, error) {
	var a domain.Agent
	var activeFrom, activeTo sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT identifier,account_code,role,key_hash,active_from,active_to,created_at FROM agents WHERE identifier=?`, identifier).
		Scan(&a.Identifier, &a.AccountCode, &a.Role, &a.KeyHash, &activeFrom, &activeTo, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if activeFrom.Valid {
		a.ActiveFrom = &activeFrom.String
	}
	if activeTo.Valid {
		a.ActiveTo = &activeTo.String
	}
	perms, err := r.agentPermissions(ctx, identifier)
	if err != nil {
		return a, err
	}
	a.Permissions = perms
	return a, nil
}

func (r Repo) agentPermissions(ctx context.Context, identifier string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT permission FROM agent_permissions WHERE agent_identifier=? ORDER BY permission`, identifier)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// ListAgents returns agents, optionally filtered by account.
func (r Repo) ListAgents(ctx context.Context, account string) ([]domain.Agent, error) {
	query := `SELECT identifier,account_code,role,key_hash,active_from,active_to,created_at FROM agents`
	var args []any
	if account != "" {
		query += ` WHERE account_code=?`
		args = append(args, account)
	}
	query += ` ORDER BY identifier`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		var a domain.Agent
		var activeFrom, activeTo sql.NullString
		if err := rows.Scan(&a.Identifier, &a.AccountCode, &a.Role, &a.KeyHash, &activeFrom, &activeTo, &a.CreatedAt); err != nil {
			return nil, err
		}
		if activeFrom.Valid {
			a.ActiveFrom = &activeFrom.String
		}
		if activeTo.Valid {
			a.ActiveTo = &activeTo.String
		}
		res = append(res, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		perms, err := r.agentPermissions(ctx, res[i].Identifier)
		if err != nil {
			return nil, err
		}
		res[i].Permissions = perms
	}
	return res, nil
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
