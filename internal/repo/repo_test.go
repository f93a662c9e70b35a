package repo_test

import (
	"context"
	"errors"
	"testing"

	"onecost/internal/db"
	"onecost/internal/domain"
	"onecost/internal/migrate"
	"onecost/internal/repo"
)

func newTestRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	r := repo.Repo{DB: conn}
	if err := r.InsertActor(ctx, domain.Actor{
		ID: "bob", DisplayName: "Bob", Role: domain.RoleUser,
		PasswordHash: "old-hash", CreatedAt: "2024-01-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("seed actor: %v", err)
	}
	return r, ctx
}

type requestFixture struct {
	npj      string
	status   domain.RobotStatus
	archived bool
}

func (f requestFixture) insert(t *testing.T, r repo.Repo, ctx context.Context) int64 {
	t.Helper()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	id, err := r.InsertRequest(ctx, tx, domain.CostRequest{
		CaseReference: f.npj,
		RequestNumber: "REQ-1",
		Amount:        "10.00",
		RequestedDate: "2024-01-15",
		RobotStatus:   f.status,
		CreatedBy:     "bob",
		CreatedAt:     "2024-01-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("insert request: %v", err)
	}
	if f.archived {
		by := "bob"
		at := "2024-01-02T00:00:00Z"
		if err := r.UpdateArchiveTx(ctx, tx, id, true, &by, &at); err != nil {
			t.Fatalf("archive: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return id
}

func TestUpdateActorPassword(t *testing.T) {
	r, ctx := newTestRepo(t)

	if err := r.UpdateActorPassword(ctx, "bob", "new-hash"); err != nil {
		t.Fatalf("update password: %v", err)
	}
	a, err := r.GetActor(ctx, "bob")
	if err != nil {
		t.Fatalf("get actor: %v", err)
	}
	if a.PasswordHash != "new-hash" {
		t.Fatalf("password hash = %q, want new-hash", a.PasswordHash)
	}

	err = r.UpdateActorPassword(ctx, "nobody", "x")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown actor, got %v", err)
	}
}

func TestCountRequestsByStatus(t *testing.T) {
	r, ctx := newTestRepo(t)
	fixtures := []requestFixture{
		{"NPJ-1", domain.StatusPending, false},
		{"NPJ-2", domain.StatusPending, false},
		{"NPJ-3", domain.StatusError, false},
		{"NPJ-4", domain.StatusFinalized, true},
	}
	for _, f := range fixtures {
		f.insert(t, r, ctx)
	}

	counts, err := r.CountRequestsByStatus(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts["pending"] != 2 || counts["error"] != 1 {
		t.Fatalf("counts = %v", counts)
	}
	// archived requests are parked; they don't show up on the dashboard
	if _, ok := counts["finalized"]; ok {
		t.Fatalf("archived request counted: %v", counts)
	}
}
