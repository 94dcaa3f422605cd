package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vaultline/internal/config"
	"vaultline/internal/db"
	"vaultline/internal/dispatch"
	"vaultline/internal/domain"
	"vaultline/internal/engine"
	"vaultline/internal/migrate"
	"vaultline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default(dir))
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if err := eng.Repo.InsertAccount(ctx, domain.Account{Code: "ACT-A"}); err != nil {
		t.Fatal(err)
	}
	if err := eng.Repo.InsertAgent(ctx, domain.Agent{
		Identifier: "op1", AccountCode: "ACT-A", Role: domain.RoleOperator, KeyHash: repo.HashSecret("s"),
	}); err != nil {
		t.Fatal(err)
	}
	if err := eng.Repo.InsertAgent(ctx, domain.Agent{
		Identifier: "op2", AccountCode: "ACT-A", Role: domain.RoleOperator, KeyHash: repo.HashSecret("s"),
	}); err != nil {
		t.Fatal(err)
	}
	for _, ieid := range []string{"E00000001_AAAAAA", "E00000002_AAAAAA", "E00000003_AAAAAA"} {
		if err := eng.Repo.InsertEntity(ctx, domain.Entity{IEID: ieid, AccountCode: "ACT-A"}); err != nil {
			t.Fatal(err)
		}
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func newReconciler(t *testing.T, env testEnv) (dispatch.Reconciler, dispatch.Workspace) {
	t.Helper()
	ws := dispatch.Workspace{Root: t.TempDir(), DropPath: "/tmp/drops/"}
	return dispatch.Reconciler{Engine: env.Engine, Sink: ws, AgentID: "dispatch"}, ws
}

func TestRunDispatchesAuthorizedOnly(t *testing.T) {
	env := newTestEnv(t)
	rec, ws := newReconciler(t, env)
	if _, err := env.Engine.Enqueue(env.Ctx, "op1", domain.TypeDisseminate, "E00000001_AAAAAA"); err != nil {
		t.Fatal(err)
	}
	// withdrawal is unapproved and must stay behind
	if _, err := env.Engine.Enqueue(env.Ctx, "op1", domain.TypeWithdraw, "E00000002_AAAAAA"); err != nil {
		t.Fatal(err)
	}
	result, err := rec.Run(env.Ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Dispatched) != 1 || result.Dispatched[0] != "E00000001_AAAAAA" {
		t.Fatalf("unexpected dispatched %v", result.Dispatched)
	}
	if len(result.Skipped) != 0 || len(result.Failed) != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	exists, err := ws.Exists("E00000001_AAAAAA")
	if err != nil || !exists {
		t.Fatalf("work item missing: %v", err)
	}
	req, err := env.Engine.Query(env.Ctx, "op1", "E00000002_AAAAAA", domain.TypeWithdraw)
	if err != nil || req.Status != domain.StatusEnqueued {
		t.Fatalf("withdrawal should stay enqueued: %+v (%v)", req, err)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	rec, _ := newReconciler(t, env)
	if _, err := env.Engine.Enqueue(env.Ctx, "op1", domain.TypePeek, "E00000001_AAAAAA"); err != nil {
		t.Fatal(err)
	}
	if _, err := rec.Run(env.Ctx); err != nil {
		t.Fatal(err)
	}
	result, err := rec.Run(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Dispatched) != 0 || len(result.Skipped) != 0 {
		t.Fatalf("second run must be a no-op, got %+v", result)
	}
}

func TestRunSkipsExistingWorkItem(t *testing.T) {
	env := newTestEnv(t)
	rec, ws := newReconciler(t, env)
	if _, err := env.Engine.Enqueue(env.Ctx, "op1", domain.TypePeek, "E00000001_AAAAAA"); err != nil {
		t.Fatal(err)
	}
	// something is already being worked on for this entity
	if err := os.MkdirAll(filepath.Join(ws.Root, "E00000001_AAAAAA"), 0o755); err != nil {
		t.Fatal(err)
	}
	result, err := rec.Run(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Skipped) != 1 || result.Skipped[0] != "E00000001_AAAAAA" {
		t.Fatalf("expected skip, got %+v", result)
	}
	req, err := env.Engine.Query(env.Ctx, "op1", "E00000001_AAAAAA", domain.TypePeek)
	if err != nil || req.Status != domain.StatusEnqueued {
		t.Fatalf("skipped request should stay enqueued: %v", err)
	}
	// once the work item clears, the request is revisited
	if err := os.RemoveAll(filepath.Join(ws.Root, "E00000001_AAAAAA")); err != nil {
		t.Fatal(err)
	}
	result, err = rec.Run(env.Ctx)
	if err != nil || len(result.Dispatched) != 1 {
		t.Fatalf("expected dispatch after clear, got %+v (%v)", result, err)
	}
}

func TestRunOneWorkItemPerEntityPerCycle(t *testing.T) {
	env := newTestEnv(t)
	rec, ws := newReconciler(t, env)
	if _, err := env.Engine.Enqueue(env.Ctx, "op1", domain.TypeDisseminate, "E00000001_AAAAAA"); err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.Enqueue(env.Ctx, "op1", domain.TypeWithdraw, "E00000001_AAAAAA")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Approve(env.Ctx, res.RequestID, "op2"); err != nil {
		t.Fatal(err)
	}
	// both requests are authorized, but only the oldest gets a work item;
	// the other waits until downstream clears the entity's work item
	result, err := rec.Run(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Dispatched) != 1 || result.Dispatched[0] != "E00000001_AAAAAA" {
		t.Fatalf("unexpected dispatched %v", result.Dispatched)
	}
	if len(result.Skipped) != 1 || result.Skipped[0] != "E00000001_AAAAAA" {
		t.Fatalf("expected the second request skipped, got %+v", result)
	}
	req, err := env.Engine.Query(env.Ctx, "op1", "E00000001_AAAAAA", domain.TypeWithdraw)
	if err != nil || req.Status != domain.StatusEnqueued {
		t.Fatalf("withdrawal should still be enqueued: %v", err)
	}
	// the dissemination was released and tagged
	if _, err := os.Stat(filepath.Join(ws.Root, "E00000001_AAAAAA", "tags", "dissemination-request")); err != nil {
		t.Fatalf("work item tag missing: %v", err)
	}
}

type flakySink struct {
	inner   dispatch.WorkItemSink
	failFor string
}

func (s flakySink) Exists(ieid string) (bool, error) { return s.inner.Exists(ieid) }

func (s flakySink) Create(ieid, reqType string, now time.Time) (string, error) {
	if ieid == s.failFor {
		return "", fmt.Errorf("disk full")
	}
	return s.inner.Create(ieid, reqType, now)
}

func TestRunContinuesPastFailure(t *testing.T) {
	env := newTestEnv(t)
	rec, ws := newReconciler(t, env)
	rec.Sink = flakySink{inner: ws, failFor: "E00000001_AAAAAA"}
	if _, err := env.Engine.Enqueue(env.Ctx, "op1", domain.TypePeek, "E00000001_AAAAAA"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Enqueue(env.Ctx, "op1", domain.TypePeek, "E00000002_AAAAAA"); err != nil {
		t.Fatal(err)
	}
	result, err := rec.Run(env.Ctx)
	if err != nil {
		t.Fatalf("a per-entity failure must not abort the run: %v", err)
	}
	if len(result.Failed) != 1 || result.Failed[0] != "E00000001_AAAAAA" {
		t.Fatalf("expected one failure, got %+v", result)
	}
	if len(result.Dispatched) != 1 || result.Dispatched[0] != "E00000002_AAAAAA" {
		t.Fatalf("expected the other entity dispatched, got %+v", result)
	}
	// the failed request is untouched and picked up next run
	rec.Sink = ws
	result, err = rec.Run(env.Ctx)
	if err != nil || len(result.Dispatched) != 1 {
		t.Fatalf("expected retry to dispatch, got %+v (%v)", result, err)
	}
}

type badTypeSink struct{}

func (badTypeSink) Exists(string) (bool, error) { return false, nil }

func (badTypeSink) Create(ieid, reqType string, now time.Time) (string, error) {
	return "", fmt.Errorf("%w: %s", dispatch.ErrUnknownType, reqType)
}

func TestRunAbortsOnUnknownType(t *testing.T) {
	env := newTestEnv(t)
	rec, _ := newReconciler(t, env)
	rec.Sink = badTypeSink{}
	if _, err := env.Engine.Enqueue(env.Ctx, "op1", domain.TypePeek, "E00000001_AAAAAA"); err != nil {
		t.Fatal(err)
	}
	_, err := rec.Run(env.Ctx)
	if !errors.Is(err, dispatch.ErrUnknownType) {
		t.Fatalf("expected run aborted, got %v", err)
	}
	// the request must not have been dequeued
	req, qerr := env.Engine.Query(env.Ctx, "op1", "E00000001_AAAAAA", domain.TypePeek)
	if qerr != nil || req.Status != domain.StatusEnqueued {
		t.Fatalf("request should stay enqueued: %v", qerr)
	}
}

func TestWorkspaceTags(t *testing.T) {
	ws := dispatch.Workspace{Root: t.TempDir(), DropPath: "/tmp/drops/"}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	path, err := ws.Create("E00000001_AAAAAA", domain.TypeDisseminate, now)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	drop, err := os.ReadFile(filepath.Join(path, "tags", "drop-path"))
	if err != nil || strings.TrimSpace(string(drop)) != "/tmp/drops/" {
		t.Fatalf("drop-path tag: %q (%v)", drop, err)
	}
	stamp, err := os.ReadFile(filepath.Join(path, "tags", "dissemination-request"))
	if err != nil || strings.TrimSpace(string(stamp)) != "2024-01-01T00:00:00Z" {
		t.Fatalf("dissemination-request tag: %q (%v)", stamp, err)
	}

	path, err = ws.Create("E00000002_AAAAAA", domain.TypeWithdraw, now)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(path, "tags", "withdrawal-request")); err != nil {
		t.Fatalf("withdrawal-request tag: %v", err)
	}

	path, err = ws.Create("E00000003_AAAAAA", domain.TypePeek, now)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(path, "tags", "peek-request")); err != nil {
		t.Fatalf("peek-request tag: %v", err)
	}

	if _, err := ws.Create("E00000004_AAAAAA", "shred", now); !errors.Is(err, dispatch.ErrUnknownType) {
		t.Fatalf("expected unknown type, got %v", err)
	}
}
