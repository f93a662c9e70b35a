package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"onecost/internal/config"
	"onecost/internal/domain"
	"onecost/internal/events"
	"onecost/internal/money"
	"onecost/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// CreateOptions are parameters for creating a cost request.
type CreateOptions struct {
	CaseReference             string
	ProcessNumber             string
	RequestNumber             string
	Amount                    string
	RequestedDate             string
	UserConfirmationRequested bool
	Actor                     domain.Actor
}

func (e Engine) Create(ctx context.Context, opts CreateOptions) (domain.CostRequest, error) {
	if opts.Actor.ID == "" {
		return domain.CostRequest{}, AuthorizationError{Role: "anonymous", Operation: "create requests"}
	}
	if strings.TrimSpace(opts.CaseReference) == "" {
		return domain.CostRequest{}, ValidationError{Field: "case_reference", Reason: "required"}
	}
	if strings.TrimSpace(opts.RequestNumber) == "" {
		return domain.CostRequest{}, ValidationError{Field: "request_number", Reason: "required"}
	}
	amount, err := money.Normalize(opts.Amount)
	if err != nil {
		return domain.CostRequest{}, ValidationError{Field: "amount", Reason: err.Error()}
	}
	if _, err := time.Parse("2006-01-02", opts.RequestedDate); err != nil {
		return domain.CostRequest{}, ValidationError{Field: "requested_date", Reason: "must be YYYY-MM-DD"}
	}

	req := domain.CostRequest{
		CaseReference:             strings.TrimSpace(opts.CaseReference),
		ProcessNumber:             optionalString(opts.ProcessNumber),
		RequestNumber:             strings.TrimSpace(opts.RequestNumber),
		Amount:                    amount,
		RequestedDate:             opts.RequestedDate,
		UserConfirmationRequested: opts.UserConfirmationRequested,
		RobotStatus:               domain.StatusPending,
		CreatedBy:                 opts.Actor.ID,
		CreatedAt:                 e.nowRFC3339(),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CostRequest{}, err
	}
	defer tx.Rollback()

	id, err := e.Repo.InsertRequest(ctx, tx, req)
	if err != nil {
		return domain.CostRequest{}, fmt.Errorf("insert request: %w", err)
	}
	req.ID = id
	if err := e.Events.Append(ctx, tx, events.TypeRequestCreated, id, opts.Actor.ID, events.EventPayload{
		"case_reference": req.CaseReference,
		"amount":         req.Amount,
	}); err != nil {
		return domain.CostRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CostRequest{}, err
	}
	return req, nil
}

// RobotReportOptions carry one portal observation. PortalStatus, RobotStatus
// and CheckedAt overwrite the stored values unconditionally; each report is
// the freshest external truth.
type RobotReportOptions struct {
	ID           int64
	PortalStatus string
	RobotStatus  domain.RobotStatus
	CheckedAt    string
	ConfirmedBy  string
	Attachments  []string
	Actor        domain.Actor
}

func (e Engine) ReportRobotObservation(ctx context.Context, opts RobotReportOptions) (domain.CostRequest, error) {
	if opts.Actor.Role != domain.RoleRobot && opts.Actor.Role != domain.RoleAdmin {
		return domain.CostRequest{}, AuthorizationError{Role: opts.Actor.Role, Operation: "report observations"}
	}
	if !domain.ValidRobotStatus(opts.RobotStatus) {
		return domain.CostRequest{}, ValidationError{Field: "robot_status", Reason: fmt.Sprintf("unknown category %q", opts.RobotStatus)}
	}
	checkedAt := opts.CheckedAt
	if checkedAt == "" {
		checkedAt = e.nowRFC3339()
	} else if _, err := time.Parse(time.RFC3339, checkedAt); err != nil {
		return domain.CostRequest{}, ValidationError{Field: "checked_at", Reason: "must be RFC 3339"}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CostRequest{}, err
	}
	defer tx.Rollback()

	req, err := e.Repo.GetRequestTx(ctx, tx, opts.ID)
	if err != nil {
		return domain.CostRequest{}, mapNotFound(err, opts.ID)
	}
	if req.Archived {
		return domain.CostRequest{}, ArchivedError{ID: req.ID}
	}

	req.PortalStatus = optionalString(opts.PortalStatus)
	req.RobotStatus = opts.RobotStatus
	req.LastRobotCheckAt = &checkedAt
	// Confirmation audit is sticky: a later report never clears it.
	if opts.ConfirmedBy != "" {
		req.ConfirmedBy = optionalString(opts.ConfirmedBy)
	}
	req.Attachments = appendUnique(req.Attachments, opts.Attachments)

	if err := e.Repo.UpdateRobotFieldsTx(ctx, tx, req); err != nil {
		return domain.CostRequest{}, fmt.Errorf("update robot fields: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeRobotReported, req.ID, opts.Actor.ID, events.EventPayload{
		"robot_status":  string(req.RobotStatus),
		"portal_status": opts.PortalStatus,
	}); err != nil {
		return domain.CostRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CostRequest{}, err
	}
	return req, nil
}

// ResetToPending forces the robot to re-examine a request. Treatment history
// and attachments survive; the robot-cycle fields are cleared.
func (e Engine) ResetToPending(ctx context.Context, id int64, actor domain.Actor) (domain.CostRequest, error) {
	if actor.ID == "" {
		return domain.CostRequest{}, AuthorizationError{Role: "anonymous", Operation: "reset requests"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CostRequest{}, err
	}
	defer tx.Rollback()

	req, err := e.Repo.GetRequestTx(ctx, tx, id)
	if err != nil {
		return domain.CostRequest{}, mapNotFound(err, id)
	}
	if req.Archived {
		return domain.CostRequest{}, ArchivedError{ID: req.ID}
	}
	from := req.RobotStatus
	if err := e.Repo.ClearRobotFieldsTx(ctx, tx, id, domain.StatusPending); err != nil {
		return domain.CostRequest{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeRequestReset, id, actor.ID, events.EventPayload{
		"from": string(from),
	}); err != nil {
		return domain.CostRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CostRequest{}, err
	}
	req.RobotStatus = domain.StatusPending
	req.PortalStatus = nil
	req.LastRobotCheckAt = nil
	req.ConfirmedBy = nil
	return req, nil
}

// MarkTreated records that a human processed the finalized request downstream.
// At most once per request.
func (e Engine) MarkTreated(ctx context.Context, id int64, actor domain.Actor) (domain.CostRequest, error) {
	if !actor.IsAdmin() {
		return domain.CostRequest{}, AuthorizationError{Role: actor.Role, Operation: "mark requests treated"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CostRequest{}, err
	}
	defer tx.Rollback()

	req, err := e.Repo.GetRequestTx(ctx, tx, id)
	if err != nil {
		return domain.CostRequest{}, mapNotFound(err, id)
	}
	if req.Archived {
		return domain.CostRequest{}, ArchivedError{ID: req.ID}
	}
	if req.Treated() {
		return domain.CostRequest{}, AlreadyTreatedError{ID: req.ID, TreatedBy: *req.TreatedBy}
	}
	if req.RobotStatus != domain.StatusFinalized {
		return domain.CostRequest{}, IllegalTransitionError{From: string(req.RobotStatus), To: "treated"}
	}
	treatedAt := e.nowRFC3339()
	if err := e.Repo.UpdateTreatmentTx(ctx, tx, id, actor.ID, treatedAt); err != nil {
		return domain.CostRequest{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeRequestTreated, id, actor.ID, nil); err != nil {
		return domain.CostRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CostRequest{}, err
	}
	req.TreatedBy = &actor.ID
	req.TreatedAt = &treatedAt
	return req, nil
}

// SetArchived flips the archive gate. Archiving freezes the record; it alters
// none of the robot or treatment fields and is fully reversible.
func (e Engine) SetArchived(ctx context.Context, id int64, actor domain.Actor, archived bool) (domain.CostRequest, error) {
	if !actor.IsAdmin() {
		return domain.CostRequest{}, AuthorizationError{Role: actor.Role, Operation: "change archive state"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CostRequest{}, err
	}
	defer tx.Rollback()

	req, err := e.Repo.GetRequestTx(ctx, tx, id)
	if err != nil {
		return domain.CostRequest{}, mapNotFound(err, id)
	}
	if req.Archived == archived {
		return req, nil
	}
	var archivedBy, archivedAt *string
	evtType := events.TypeRequestUnarchived
	if archived {
		by := actor.ID
		at := e.nowRFC3339()
		archivedBy, archivedAt = &by, &at
		evtType = events.TypeRequestArchived
	}
	if err := e.Repo.UpdateArchiveTx(ctx, tx, id, archived, archivedBy, archivedAt); err != nil {
		return domain.CostRequest{}, err
	}
	if err := e.Events.Append(ctx, tx, evtType, id, actor.ID, nil); err != nil {
		return domain.CostRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CostRequest{}, err
	}
	req.Archived = archived
	req.ArchivedBy = archivedBy
	req.ArchivedAt = archivedAt
	return req, nil
}

// ListFilters select requests for the dashboard or the polling robot.
type ListFilters struct {
	IncludeArchived bool
	// Status holds comma-separated robot status categories, e.g.
	// "pending,error". Empty means all.
	Status string
	Limit  int
}

func (e Engine) ListRequests(ctx context.Context, f ListFilters) ([]repo.RequestView, error) {
	statuses, err := ParseStatusFilter(f.Status)
	if err != nil {
		return nil, err
	}
	return e.Repo.ListRequests(ctx, repo.RequestFilters{
		IncludeArchived: f.IncludeArchived,
		Statuses:        statuses,
		Limit:           f.Limit,
	})
}

func (e Engine) GetRequest(ctx context.Context, id int64) (repo.RequestView, error) {
	v, err := e.Repo.GetRequestView(ctx, id)
	if err != nil {
		return repo.RequestView{}, mapNotFound(err, id)
	}
	return v, nil
}

// ParseStatusFilter splits a comma-separated status filter and validates each
// category.
func ParseStatusFilter(s string) ([]domain.RobotStatus, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var res []domain.RobotStatus
	for _, part := range strings.Split(s, ",") {
		st := domain.RobotStatus(strings.TrimSpace(part))
		if st == "" {
			continue
		}
		if !domain.ValidRobotStatus(st) {
			return nil, ValidationError{Field: "status", Reason: fmt.Sprintf("unknown category %q", st)}
		}
		res = append(res, st)
	}
	return res, nil
}

// ActorCreateOptions are parameters for provisioning an actor.
type ActorCreateOptions struct {
	ID          string
	DisplayName string
	Role        string
	Password    string
	Actor       domain.Actor
}

func (e Engine) CreateActor(ctx context.Context, opts ActorCreateOptions) (domain.Actor, error) {
	if !opts.Actor.IsAdmin() {
		return domain.Actor{}, AuthorizationError{Role: opts.Actor.Role, Operation: "create actors"}
	}
	if strings.TrimSpace(opts.ID) == "" {
		return domain.Actor{}, ValidationError{Field: "id", Reason: "required"}
	}
	role := opts.Role
	if role == "" {
		role = domain.RoleUser
	}
	if role != domain.RoleUser && role != domain.RoleAdmin && role != domain.RoleRobot {
		return domain.Actor{}, ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", role)}
	}
	if role != domain.RoleRobot && opts.Password == "" {
		return domain.Actor{}, ValidationError{Field: "password", Reason: "required for interactive roles"}
	}
	a := domain.Actor{
		ID:          strings.TrimSpace(opts.ID),
		DisplayName: opts.DisplayName,
		Role:        role,
		CreatedAt:   e.nowRFC3339(),
	}
	if a.DisplayName == "" {
		a.DisplayName = a.ID
	}
	if opts.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(opts.Password), bcrypt.DefaultCost)
		if err != nil {
			return domain.Actor{}, err
		}
		a.PasswordHash = string(hash)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Actor{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertActorTx(ctx, tx, a); err != nil {
		return domain.Actor{}, fmt.Errorf("insert actor: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeActorCreated, 0, opts.Actor.ID, events.EventPayload{
		"actor_id": a.ID,
		"role":     a.Role,
	}); err != nil {
		return domain.Actor{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Actor{}, err
	}
	return a, nil
}

// IssueAPIKey mints a key for an actor and returns the plaintext once. Only
// the SHA-256 digest is stored.
func (e Engine) IssueAPIKey(ctx context.Context, actorID, name string, issuer domain.Actor) (domain.APIKey, string, error) {
	if !issuer.IsAdmin() {
		return domain.APIKey{}, "", AuthorizationError{Role: issuer.Role, Operation: "issue api keys"}
	}
	if _, err := e.Repo.GetActor(ctx, actorID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.APIKey{}, "", NotFoundError{Kind: "actor", ID: actorID}
		}
		return domain.APIKey{}, "", err
	}
	plain := uuid.NewString()
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.nowRFC3339(),
	}
	if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plain, nil
}

func mapNotFound(err error, id int64) error {
	if errors.Is(err, repo.ErrNotFound) {
		return NotFoundError{Kind: "request", ID: fmt.Sprint(id)}
	}
	return err
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func appendUnique(existing, incoming []string) []string {
	for _, in := range incoming {
		found := false
		for _, have := range existing {
			if have == in {
				found = true
				break
			}
		}
		if !found {
			existing = append(existing, in)
		}
	}
	return existing
}
