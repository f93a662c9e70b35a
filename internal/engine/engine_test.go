package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"onecost/internal/config"
	"onecost/internal/db"
	"onecost/internal/domain"
	"onecost/internal/engine"
	"onecost/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Admin  domain.Actor
	User   domain.Actor
	Robot  domain.Actor
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	env := testEnv{
		Engine: eng,
		Ctx:    ctx,
		Admin:  domain.Actor{ID: "alice", DisplayName: "Alice", Role: domain.RoleAdmin},
		User:   domain.Actor{ID: "bob", DisplayName: "Bob", Role: domain.RoleUser},
		Robot:  domain.Actor{ID: "portal-robot", DisplayName: "Portal Robot", Role: domain.RoleRobot},
	}
	for _, a := range []domain.Actor{env.Admin, env.User, env.Robot} {
		a.CreatedAt = "2024-01-01T00:00:00Z"
		if err := eng.Repo.InsertActor(ctx, a); err != nil {
			t.Fatalf("seed actor %s: %v", a.ID, err)
		}
	}
	return env
}

func (env testEnv) create(t *testing.T, amount string) domain.CostRequest {
	t.Helper()
	req, err := env.Engine.Create(env.Ctx, engine.CreateOptions{
		CaseReference: "NPJ-001",
		RequestNumber: "REQ-42",
		Amount:        amount,
		RequestedDate: "2024-01-15",
		Actor:         env.User,
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	return req
}

func TestCreateDefaults(t *testing.T) {
	env := newTestEnv(t)
	req, err := env.Engine.Create(env.Ctx, engine.CreateOptions{
		CaseReference:             "NPJ-001",
		RequestNumber:             "REQ-42",
		Amount:                    "1234,56",
		RequestedDate:             "2024-01-15",
		UserConfirmationRequested: true,
		Actor:                     env.User,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if req.ID == 0 {
		t.Fatalf("expected assigned id")
	}
	if req.Amount != "1234.56" {
		t.Fatalf("amount = %q, want 1234.56", req.Amount)
	}
	if req.RobotStatus != domain.StatusPending {
		t.Fatalf("status = %s, want pending", req.RobotStatus)
	}
	if req.Archived || req.Treated() {
		t.Fatalf("new request must be active and untreated")
	}
	got, err := env.Engine.GetRequest(env.Ctx, req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.UserConfirmationRequested {
		t.Fatalf("confirmation flag lost on round trip")
	}
	if got.CreatedByName != "Bob" {
		t.Fatalf("created_by_name = %q", got.CreatedByName)
	}
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name string
		opts engine.CreateOptions
	}{
		{"missing case reference", engine.CreateOptions{RequestNumber: "R", Amount: "1", RequestedDate: "2024-01-15", Actor: env.User}},
		{"missing request number", engine.CreateOptions{CaseReference: "N", Amount: "1", RequestedDate: "2024-01-15", Actor: env.User}},
		{"negative amount", engine.CreateOptions{CaseReference: "N", RequestNumber: "R", Amount: "-5", RequestedDate: "2024-01-15", Actor: env.User}},
		{"too many decimals", engine.CreateOptions{CaseReference: "N", RequestNumber: "R", Amount: "1.234", RequestedDate: "2024-01-15", Actor: env.User}},
		{"bad date", engine.CreateOptions{CaseReference: "N", RequestNumber: "R", Amount: "1", RequestedDate: "15/01/2024", Actor: env.User}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.Engine.Create(env.Ctx, tc.opts)
			var verr engine.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestRobotReportOverwrites(t *testing.T) {
	env := newTestEnv(t)
	req := env.create(t, "10.00")

	_, err := env.Engine.ReportRobotObservation(env.Ctx, engine.RobotReportOptions{
		ID:           req.ID,
		PortalStatus: "em confirmacao",
		RobotStatus:  domain.StatusConfirming,
		ConfirmedBy:  "bob",
		Actor:        env.Robot,
	})
	if err != nil {
		t.Fatalf("first report: %v", err)
	}
	got, err := env.Engine.ReportRobotObservation(env.Ctx, engine.RobotReportOptions{
		ID:           req.ID,
		PortalStatus: "finalizado",
		RobotStatus:  domain.StatusFinalized,
		Attachments:  []string{"docs/proof-1.pdf", "docs/proof-1.pdf"},
		Actor:        env.Robot,
	})
	if err != nil {
		t.Fatalf("second report: %v", err)
	}
	if got.RobotStatus != domain.StatusFinalized {
		t.Fatalf("status = %s", got.RobotStatus)
	}
	if got.PortalStatus == nil || *got.PortalStatus != "finalizado" {
		t.Fatalf("portal status not overwritten")
	}
	if got.LastRobotCheckAt == nil {
		t.Fatalf("last check not stamped")
	}
	// second report carried no confirmation; the audit field must survive
	if got.ConfirmedBy == nil || *got.ConfirmedBy != "bob" {
		t.Fatalf("confirmed_by lost: %v", got.ConfirmedBy)
	}
	if len(got.Attachments) != 1 || got.Attachments[0] != "docs/proof-1.pdf" {
		t.Fatalf("attachments = %v", got.Attachments)
	}
}

func TestRobotReportAuthz(t *testing.T) {
	env := newTestEnv(t)
	req := env.create(t, "10.00")
	_, err := env.Engine.ReportRobotObservation(env.Ctx, engine.RobotReportOptions{
		ID:          req.ID,
		RobotStatus: domain.StatusConfirming,
		Actor:       env.User,
	})
	var aerr engine.AuthorizationError
	if !errors.As(err, &aerr) {
		t.Fatalf("expected authorization error, got %v", err)
	}
}

func TestRobotReportUnknownID(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ReportRobotObservation(env.Ctx, engine.RobotReportOptions{
		ID:          9999,
		RobotStatus: domain.StatusConfirming,
		Actor:       env.Robot,
	})
	var nerr engine.NotFoundError
	if !errors.As(err, &nerr) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMarkTreatedGating(t *testing.T) {
	env := newTestEnv(t)
	req := env.create(t, "99.90")

	_, err := env.Engine.MarkTreated(env.Ctx, req.ID, env.Admin)
	var terr engine.IllegalTransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("expected illegal transition before finalization, got %v", err)
	}
	if terr.From != "pending" {
		t.Fatalf("error must carry current status, got %q", terr.From)
	}

	_, err = env.Engine.ReportRobotObservation(env.Ctx, engine.RobotReportOptions{
		ID: req.ID, RobotStatus: domain.StatusFinalized, Actor: env.Robot,
	})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	got, err := env.Engine.MarkTreated(env.Ctx, req.ID, env.Admin)
	if err != nil {
		t.Fatalf("treat: %v", err)
	}
	if got.TreatedBy == nil || *got.TreatedBy != env.Admin.ID {
		t.Fatalf("treated_by = %v", got.TreatedBy)
	}

	_, err = env.Engine.MarkTreated(env.Ctx, req.ID, env.Admin)
	var derr engine.AlreadyTreatedError
	if !errors.As(err, &derr) {
		t.Fatalf("expected already treated, got %v", err)
	}
}

func TestResetClearsRobotCycleOnly(t *testing.T) {
	env := newTestEnv(t)
	req := env.create(t, "50")
	_, err := env.Engine.ReportRobotObservation(env.Ctx, engine.RobotReportOptions{
		ID: req.ID, PortalStatus: "erro no portal", RobotStatus: domain.StatusError, Actor: env.Robot,
	})
	if err != nil {
		t.Fatalf("report error: %v", err)
	}
	got, err := env.Engine.ResetToPending(env.Ctx, req.ID, env.User)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if got.RobotStatus != domain.StatusPending {
		t.Fatalf("status = %s", got.RobotStatus)
	}
	if got.PortalStatus != nil || got.LastRobotCheckAt != nil || got.ConfirmedBy != nil {
		t.Fatalf("robot cycle fields not cleared: %+v", got)
	}
}

func TestResetPreservesTreatment(t *testing.T) {
	env := newTestEnv(t)
	req := env.create(t, "50")
	_, _ = env.Engine.ReportRobotObservation(env.Ctx, engine.RobotReportOptions{
		ID: req.ID, RobotStatus: domain.StatusFinalized, Actor: env.Robot,
	})
	if _, err := env.Engine.MarkTreated(env.Ctx, req.ID, env.Admin); err != nil {
		t.Fatalf("treat: %v", err)
	}
	if _, err := env.Engine.ResetToPending(env.Ctx, req.ID, env.User); err != nil {
		t.Fatalf("reset: %v", err)
	}
	got, err := env.Engine.GetRequest(env.Ctx, req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TreatedBy == nil || got.TreatedAt == nil {
		t.Fatalf("treatment history destroyed by reset")
	}
}

func TestArchiveFreezesAndReverses(t *testing.T) {
	env := newTestEnv(t)
	req := env.create(t, "75.10")
	_, err := env.Engine.ReportRobotObservation(env.Ctx, engine.RobotReportOptions{
		ID: req.ID, PortalStatus: "aguardando", RobotStatus: domain.StatusConfirming, Actor: env.Robot,
	})
	if err != nil {
		t.Fatalf("report: %v", err)
	}

	if _, err := env.Engine.SetArchived(env.Ctx, req.ID, env.User, true); err == nil {
		t.Fatalf("expected authorization error for non-admin")
	}
	got, err := env.Engine.SetArchived(env.Ctx, req.ID, env.Admin, true)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if !got.Archived || got.ArchivedBy == nil {
		t.Fatalf("archive fields not set")
	}

	var archErr engine.ArchivedError
	if _, err := env.Engine.ReportRobotObservation(env.Ctx, engine.RobotReportOptions{
		ID: req.ID, RobotStatus: domain.StatusFinalized, Actor: env.Robot,
	}); !errors.As(err, &archErr) {
		t.Fatalf("expected archived error on report, got %v", err)
	}
	if _, err := env.Engine.ResetToPending(env.Ctx, req.ID, env.User); !errors.As(err, &archErr) {
		t.Fatalf("expected archived error on reset, got %v", err)
	}
	if _, err := env.Engine.MarkTreated(env.Ctx, req.ID, env.Admin); !errors.As(err, &archErr) {
		t.Fatalf("expected archived error on treat, got %v", err)
	}

	// repeating the same direction is a no-op
	if _, err := env.Engine.SetArchived(env.Ctx, req.ID, env.Admin, true); err != nil {
		t.Fatalf("archive twice: %v", err)
	}

	restored, err := env.Engine.SetArchived(env.Ctx, req.ID, env.Admin, false)
	if err != nil {
		t.Fatalf("unarchive: %v", err)
	}
	if restored.Archived || restored.ArchivedBy != nil || restored.ArchivedAt != nil {
		t.Fatalf("archive fields not cleared")
	}
	got2, err := env.Engine.GetRequest(env.Ctx, req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got2.RobotStatus != domain.StatusConfirming || got2.PortalStatus == nil || *got2.PortalStatus != "aguardando" {
		t.Fatalf("archiving altered robot fields: %+v", got2.CostRequest)
	}
}

func TestListFilters(t *testing.T) {
	env := newTestEnv(t)
	a := env.create(t, "1")
	b := env.create(t, "2")
	c := env.create(t, "3")
	_, _ = env.Engine.ReportRobotObservation(env.Ctx, engine.RobotReportOptions{ID: b.ID, RobotStatus: domain.StatusError, Actor: env.Robot})
	_, _ = env.Engine.ReportRobotObservation(env.Ctx, engine.RobotReportOptions{ID: c.ID, RobotStatus: domain.StatusFinalized, Actor: env.Robot})
	if _, err := env.Engine.SetArchived(env.Ctx, a.ID, env.Admin, true); err != nil {
		t.Fatalf("archive: %v", err)
	}

	active, err := env.Engine.ListRequests(env.Ctx, engine.ListFilters{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("active list = %d rows, want 2", len(active))
	}
	if active[0].ID != c.ID || active[1].ID != b.ID {
		t.Fatalf("expected id DESC order, got %d,%d", active[0].ID, active[1].ID)
	}

	all, err := env.Engine.ListRequests(env.Ctx, engine.ListFilters{IncludeArchived: true})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("full list = %d rows, want 3", len(all))
	}

	// the robot polls for work with a comma-separated filter
	polling, err := env.Engine.ListRequests(env.Ctx, engine.ListFilters{Status: "pending,error"})
	if err != nil {
		t.Fatalf("list polling: %v", err)
	}
	if len(polling) != 1 || polling[0].ID != b.ID {
		t.Fatalf("polling list = %+v", polling)
	}

	if _, err := env.Engine.ListRequests(env.Ctx, engine.ListFilters{Status: "bogus"}); err == nil {
		t.Fatalf("expected validation error for unknown status")
	}
}

func TestConcurrentReportsSameRequest(t *testing.T) {
	env := newTestEnv(t)
	req := env.create(t, "10")

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := env.Engine.ReportRobotObservation(env.Ctx, engine.RobotReportOptions{
				ID:           req.ID,
				PortalStatus: fmt.Sprintf("observacao %d", n),
				RobotStatus:  domain.StatusConfirming,
				Actor:        env.Robot,
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent report failed: %v", err)
		}
	}

	got, err := env.Engine.GetRequest(env.Ctx, req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RobotStatus != domain.StatusConfirming {
		t.Fatalf("status = %s", got.RobotStatus)
	}
	if got.PortalStatus == nil {
		t.Fatalf("portal status missing after reports")
	}
	// every report must have landed: each appends its event in the same
	// transaction as its row update, so none may be lost
	var reported int
	err = env.Engine.DB.QueryRowContext(env.Ctx,
		`SELECT count(*) FROM events WHERE request_id=? AND type='robot.reported'`, req.ID).Scan(&reported)
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	if reported != workers {
		t.Fatalf("robot.reported events = %d, want %d", reported, workers)
	}
}

func TestConcurrentReportsDifferentRequests(t *testing.T) {
	env := newTestEnv(t)
	a := env.create(t, "1")
	b := env.create(t, "2")

	const rounds = 20
	var wg sync.WaitGroup
	errs := make(chan error, 2*rounds)
	run := func(id int64, marker string) {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			status := domain.StatusConfirming
			if i == rounds-1 {
				status = domain.StatusFinalized
			}
			_, err := env.Engine.ReportRobotObservation(env.Ctx, engine.RobotReportOptions{
				ID:           id,
				PortalStatus: marker,
				RobotStatus:  status,
				Actor:        env.Robot,
			})
			if err != nil {
				errs <- err
				return
			}
		}
	}
	wg.Add(2)
	go run(a.ID, "fila-a")
	go run(b.ID, "fila-b")
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("interleaved report failed: %v", err)
	}

	for _, tc := range []struct {
		id     int64
		marker string
	}{{a.ID, "fila-a"}, {b.ID, "fila-b"}} {
		got, err := env.Engine.GetRequest(env.Ctx, tc.id)
		if err != nil {
			t.Fatalf("get %d: %v", tc.id, err)
		}
		if got.RobotStatus != domain.StatusFinalized {
			t.Fatalf("request %d status = %s, want finalized", tc.id, got.RobotStatus)
		}
		if got.PortalStatus == nil || *got.PortalStatus != tc.marker {
			t.Fatalf("request %d portal status = %v, want %s", tc.id, got.PortalStatus, tc.marker)
		}
	}
}

func TestCreateActor(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.Engine.CreateActor(env.Ctx, engine.ActorCreateOptions{
		ID: "carla", Password: "pw", Actor: env.User,
	}); err == nil {
		t.Fatalf("expected authorization error for non-admin")
	}
	if _, err := env.Engine.CreateActor(env.Ctx, engine.ActorCreateOptions{
		ID: "carla", Role: "owner", Password: "pw", Actor: env.Admin,
	}); err == nil {
		t.Fatalf("expected validation error for unknown role")
	}
	if _, err := env.Engine.CreateActor(env.Ctx, engine.ActorCreateOptions{
		ID: "carla", Actor: env.Admin,
	}); err == nil {
		t.Fatalf("expected validation error for missing password")
	}

	created, err := env.Engine.CreateActor(env.Ctx, engine.ActorCreateOptions{
		ID: "carla", DisplayName: "Carla", Password: "pw", Actor: env.Admin,
	})
	if err != nil {
		t.Fatalf("create actor: %v", err)
	}
	if created.Role != domain.RoleUser {
		t.Fatalf("role = %s, want user", created.Role)
	}
	stored, err := env.Engine.Repo.GetActor(env.Ctx, "carla")
	if err != nil {
		t.Fatalf("get actor: %v", err)
	}
	if stored.PasswordHash == "" {
		t.Fatalf("password hash not stored")
	}

	// robot principals authenticate by API key, no password needed
	if _, err := env.Engine.CreateActor(env.Ctx, engine.ActorCreateOptions{
		ID: "scraper", Role: domain.RoleRobot, Actor: env.Admin,
	}); err != nil {
		t.Fatalf("create robot actor: %v", err)
	}

	var n int
	if err := env.Engine.DB.QueryRowContext(env.Ctx,
		`SELECT count(*) FROM events WHERE type='actor.created'`).Scan(&n); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if n != 2 {
		t.Fatalf("actor.created events = %d, want 2", n)
	}
}

func TestEventsRecorded(t *testing.T) {
	env := newTestEnv(t)
	req := env.create(t, "10")
	_, _ = env.Engine.ReportRobotObservation(env.Ctx, engine.RobotReportOptions{ID: req.ID, RobotStatus: domain.StatusFinalized, Actor: env.Robot})
	_, _ = env.Engine.MarkTreated(env.Ctx, req.ID, env.Admin)

	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT type FROM events WHERE request_id=? ORDER BY id`, req.ID)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	var types []string
	for rows.Next() {
		var typ string
		if err := rows.Scan(&typ); err != nil {
			t.Fatal(err)
		}
		types = append(types, typ)
	}
	want := []string{"request.created", "robot.reported", "request.treated"}
	if len(types) != len(want) {
		t.Fatalf("event types = %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s", i, types[i], want[i])
		}
	}
}
