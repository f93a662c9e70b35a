package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"onecost/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const requestColumns = `id,npj,process_number,request_number,amount,requested_date,user_confirmation_requested,
portal_status,robot_status,last_robot_check_at,confirmed_by,treated_by,treated_at,
archived,archived_by,archived_at,attachments_json,created_by,created_at`

type requestScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row requestScanner) (domain.CostRequest, error) {
	var r domain.CostRequest
	var processNumber, portalStatus, lastCheck, confirmedBy, treatedBy, treatedAt sql.NullString
	var archivedBy, archivedAt, attachments sql.NullString
	var confirmationRequested, archived int
	err := row.Scan(&r.ID, &r.CaseReference, &processNumber, &r.RequestNumber, &r.Amount, &r.RequestedDate,
		&confirmationRequested, &portalStatus, &r.RobotStatus, &lastCheck, &confirmedBy, &treatedBy, &treatedAt,
		&archived, &archivedBy, &archivedAt, &attachments, &r.CreatedBy, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	r.UserConfirmationRequested = confirmationRequested != 0
	r.Archived = archived != 0
	if processNumber.Valid {
		r.ProcessNumber = &processNumber.String
	}
	if portalStatus.Valid {
		r.PortalStatus = &portalStatus.String
	}
	if lastCheck.Valid {
		r.LastRobotCheckAt = &lastCheck.String
	}
	if confirmedBy.Valid {
		r.ConfirmedBy = &confirmedBy.String
	}
	if treatedBy.Valid {
		r.TreatedBy = &treatedBy.String
	}
	if treatedAt.Valid {
		r.TreatedAt = &treatedAt.String
	}
	if archivedBy.Valid {
		r.ArchivedBy = &archivedBy.String
	}
	if archivedAt.Valid {
		r.ArchivedAt = &archivedAt.String
	}
	if attachments.Valid && attachments.String != "" {
		_ = json.Unmarshal([]byte(attachments.String), &r.Attachments)
	}
	return r, nil
}

func (r Repo) InsertRequest(ctx context.Context, tx *sql.Tx, req domain.CostRequest) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO cost_requests(npj,process_number,request_number,amount,requested_date,
user_confirmation_requested,robot_status,archived,created_by,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		req.CaseReference, nullableStringPtr(req.ProcessNumber), req.RequestNumber, req.Amount, req.RequestedDate,
		boolInt(req.UserConfirmationRequested), string(req.RobotStatus), boolInt(req.Archived), req.CreatedBy, req.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetRequest(ctx context.Context, id int64) (domain.CostRequest, error) {
	return scanRequest(r.DB.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM cost_requests WHERE id=?`, id))
}

// GetRequestTx reads a request inside a transaction so a mutation sees a
// consistent row for its read-modify-write cycle.
func (r Repo) GetRequestTx(ctx context.Context, tx *sql.Tx, id int64) (domain.CostRequest, error) {
	return scanRequest(tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM cost_requests WHERE id=?`, id))
}

// UpdateRobotFieldsTx overwrites the robot-owned fields. No other update
// method may touch portal_status, robot_status, last_robot_check_at,
// confirmed_by or attachments_json.
func (r Repo) UpdateRobotFieldsTx(ctx context.Context, tx *sql.Tx, req domain.CostRequest) error {
	attachments, err := marshalAttachments(req.Attachments)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE cost_requests SET portal_status=?, robot_status=?, last_robot_check_at=?,
confirmed_by=?, attachments_json=? WHERE id=?`,
		nullableStringPtr(req.PortalStatus), string(req.RobotStatus), nullableStringPtr(req.LastRobotCheckAt),
		nullableStringPtr(req.ConfirmedBy), attachments, req.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearRobotFieldsTx puts a request back at the start of the robot cycle.
// Attachments and the treatment mark survive a reset.
func (r Repo) ClearRobotFieldsTx(ctx context.Context, tx *sql.Tx, id int64, status domain.RobotStatus) error {
	res, err := tx.ExecContext(ctx, `UPDATE cost_requests SET robot_status=?, portal_status=NULL,
last_robot_check_at=NULL, confirmed_by=NULL WHERE id=?`, string(status), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTreatmentTx records the one-shot treatment mark.
func (r Repo) UpdateTreatmentTx(ctx context.Context, tx *sql.Tx, id int64, treatedBy, treatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE cost_requests SET treated_by=?, treated_at=? WHERE id=?`,
		treatedBy, treatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateArchiveTx flips the archive gate. Archive fields are owned by this
// method alone; nothing else is altered.
func (r Repo) UpdateArchiveTx(ctx context.Context, tx *sql.Tx, id int64, archived bool, archivedBy, archivedAt *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE cost_requests SET archived=?, archived_by=?, archived_at=? WHERE id=?`,
		boolInt(archived), nullableStringPtr(archivedBy), nullableStringPtr(archivedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RequestView is a cost request joined with actor display names for the
// dashboard projection.
type RequestView struct {
	domain.CostRequest
	CreatedByName   string  `json:"created_by_name"`
	ConfirmedByName *string `json:"confirmed_by_name,omitempty"`
	TreatedByName   *string `json:"treated_by_name,omitempty"`
	ArchivedByName  *string `json:"archived_by_name,omitempty"`
}

type RequestFilters struct {
	IncludeArchived bool
	// Statuses restricts results to the given robot status categories.
	// Empty means all. This is the robot's polling filter.
	Statuses []domain.RobotStatus
	Limit    int
}

const requestViewColumns = `r.id,r.npj,r.process_number,r.request_number,r.amount,r.requested_date,r.user_confirmation_requested,
r.portal_status,r.robot_status,r.last_robot_check_at,r.confirmed_by,r.treated_by,r.treated_at,
r.archived,r.archived_by,r.archived_at,r.attachments_json,r.created_by,r.created_at,
ca.display_name, cb.display_name, tb.display_name, ab.display_name`

const requestViewJoins = `FROM cost_requests r
JOIN actors ca ON ca.id=r.created_by
LEFT JOIN actors cb ON cb.id=r.confirmed_by
LEFT JOIN actors tb ON tb.id=r.treated_by
LEFT JOIN actors ab ON ab.id=r.archived_by`

func scanRequestView(row requestScanner) (RequestView, error) {
	var v RequestView
	var processNumber, portalStatus, lastCheck, confirmedBy, treatedBy, treatedAt sql.NullString
	var archivedBy, archivedAt, attachments sql.NullString
	var confirmedByName, treatedByName, archivedByName sql.NullString
	var confirmationRequested, archived int
	err := row.Scan(&v.ID, &v.CaseReference, &processNumber, &v.RequestNumber, &v.Amount, &v.RequestedDate,
		&confirmationRequested, &portalStatus, &v.RobotStatus, &lastCheck, &confirmedBy, &treatedBy, &treatedAt,
		&archived, &archivedBy, &archivedAt, &attachments, &v.CreatedBy, &v.CreatedAt,
		&v.CreatedByName, &confirmedByName, &treatedByName, &archivedByName)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	v.UserConfirmationRequested = confirmationRequested != 0
	v.Archived = archived != 0
	if processNumber.Valid {
		v.ProcessNumber = &processNumber.String
	}
	if portalStatus.Valid {
		v.PortalStatus = &portalStatus.String
	}
	if lastCheck.Valid {
		v.LastRobotCheckAt = &lastCheck.String
	}
	if confirmedBy.Valid {
		v.ConfirmedBy = &confirmedBy.String
	}
	if treatedBy.Valid {
		v.TreatedBy = &treatedBy.String
	}
	if treatedAt.Valid {
		v.TreatedAt = &treatedAt.String
	}
	if archivedBy.Valid {
		v.ArchivedBy = &archivedBy.String
	}
	if archivedAt.Valid {
		v.ArchivedAt = &archivedAt.String
	}
	if attachments.Valid && attachments.String != "" {
		_ = json.Unmarshal([]byte(attachments.String), &v.Attachments)
	}
	if confirmedByName.Valid {
		v.ConfirmedByName = &confirmedByName.String
	}
	if treatedByName.Valid {
		v.TreatedByName = &treatedByName.String
	}
	if archivedByName.Valid {
		v.ArchivedByName = &archivedByName.String
	}
	return v, nil
}

// ListRequests returns the denormalized listing, most recent id first.
func (r Repo) ListRequests(ctx context.Context, f RequestFilters) ([]RequestView, error) {
	var clauses []string
	var args []any
	if !f.IncludeArchived {
		clauses = append(clauses, "r.archived=0")
	}
	if len(f.Statuses) > 0 {
		placeholders := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		clauses = append(clauses, "r.robot_status IN ("+strings.Join(placeholders, ",")+")")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + requestViewColumns + ` ` + requestViewJoins + ` ` + where + ` ORDER BY r.id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []RequestView
	for rows.Next() {
		v, err := scanRequestView(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// GetRequestView returns a single request with display names resolved.
func (r Repo) GetRequestView(ctx context.Context, id int64) (RequestView, error) {
	return scanRequestView(r.DB.QueryRowContext(ctx,
		`SELECT `+requestViewColumns+` `+requestViewJoins+` WHERE r.id=?`, id))
}

func (r Repo) CountRequestsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT robot_status, count(*) FROM cost_requests WHERE archived=0 GROUP BY robot_status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func marshalAttachments(in []string) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
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

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
