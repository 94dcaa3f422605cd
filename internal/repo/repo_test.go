package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"vaultline/internal/db"
	"vaultline/internal/domain"
	"vaultline/internal/migrate"
	"vaultline/internal/repo"
)

func newTestRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	if err := r.InsertAccount(ctx, domain.Account{Code: "ACT-A"}); err != nil {
		t.Fatal(err)
	}
	if err := r.InsertAgent(ctx, domain.Agent{
		Identifier: "op1", AccountCode: "ACT-A", Role: domain.RoleOperator, KeyHash: repo.HashSecret("s"),
	}); err != nil {
		t.Fatal(err)
	}
	if err := r.InsertEntity(ctx, domain.Entity{IEID: "E00000001_AAAAAA", AccountCode: "ACT-A"}); err != nil {
		t.Fatal(err)
	}
	return r, ctx
}

func insert(t *testing.T, r repo.Repo, ctx context.Context, req domain.Request) (int64, error) {
	t.Helper()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	id, err := r.InsertRequest(ctx, tx, req)
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

func pendingRequest(reqType string) domain.Request {
	return domain.Request{
		IEID:         "E00000001_AAAAAA",
		AccountCode:  "ACT-A",
		AgentID:      "op1",
		Type:         reqType,
		IsAuthorized: true,
		Status:       domain.StatusEnqueued,
		CreatedAt:    "2024-01-01T00:00:00Z",
	}
}

func TestPendingUniqueIndex(t *testing.T) {
	r, ctx := newTestRepo(t)
	if _, err := insert(t, r, ctx, pendingRequest(domain.TypePeek)); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	_, err := insert(t, r, ctx, pendingRequest(domain.TypePeek))
	if !errors.Is(err, repo.ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	// a different type is a different slot
	if _, err := insert(t, r, ctx, pendingRequest(domain.TypeDisseminate)); err != nil {
		t.Fatalf("other type: %v", err)
	}
}

func TestReleasedFreesTheSlot(t *testing.T) {
	r, ctx := newTestRepo(t)
	id, err := insert(t, r, ctx, pendingRequest(domain.TypePeek))
	if err != nil {
		t.Fatal(err)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.SetReleased(ctx, tx, id); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if _, err := r.FindPending(ctx, "E00000001_AAAAAA", domain.TypePeek); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("released must not be pending, got %v", err)
	}
	// the unique index only guards enqueued rows
	if _, err := insert(t, r, ctx, pendingRequest(domain.TypePeek)); err != nil {
		t.Fatalf("resubmit after release: %v", err)
	}
	// releasing a released request is refused
	tx, _ = r.DB.BeginTx(ctx, nil)
	defer tx.Rollback()
	if err := r.SetReleased(ctx, tx, id); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected second release refused, got %v", err)
	}
}

func TestDeleteOnlyTouchesPending(t *testing.T) {
	r, ctx := newTestRepo(t)
	id, err := insert(t, r, ctx, pendingRequest(domain.TypePeek))
	if err != nil {
		t.Fatal(err)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.SetReleased(ctx, tx, id); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	// a release that slipped in between the caller's read and the delete
	// must leave the row untouched
	tx, err = r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := r.DeleteRequest(ctx, tx, id); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected released request undeletable, got %v", err)
	}
	// release the transaction's lock so the read below doesn't block on the
	// shared-cache connection
	tx.Rollback()
	req, err := r.GetRequest(ctx, id)
	if err != nil || req.Status != domain.StatusReleased {
		t.Fatalf("released row should survive: %+v (%v)", req, err)
	}
}

func TestGetAgentPermissions(t *testing.T) {
	r, ctx := newTestRepo(t)
	if err := r.InsertAgent(ctx, domain.Agent{
		Identifier:  "carol",
		AccountCode: "ACT-A",
		Role:        domain.RoleContact,
		KeyHash:     repo.HashSecret("carol-secret"),
		Permissions: []string{domain.PermPeek, domain.PermDisseminate},
	}); err != nil {
		t.Fatal(err)
	}
	a, err := r.GetAgent(ctx, "carol")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(a.Permissions) != 2 || !a.HasPermission(domain.PermPeek) {
		t.Fatalf("unexpected permissions %v", a.Permissions)
	}
	if _, err := r.GetAgent(ctx, "nobody"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestVerifySecret(t *testing.T) {
	from := "2024-01-01T00:00:00Z"
	to := "2024-12-31T00:00:00Z"
	agent := domain.Agent{
		Identifier: "carol",
		KeyHash:    repo.HashSecret("carol-secret"),
		ActiveFrom: &from,
		ActiveTo:   &to,
	}
	in := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	if !repo.VerifySecret(agent, "carol-secret", in) {
		t.Fatalf("expected match inside window")
	}
	if repo.VerifySecret(agent, "wrong", in) {
		t.Fatalf("wrong secret accepted")
	}
	if repo.VerifySecret(agent, "carol-secret", time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("accepted before active window")
	}
	if repo.VerifySecret(agent, "carol-secret", time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("accepted after active window")
	}
}
