package repo

import (
	"context"
	"database/sql"
	"strings"

	"onecost/internal/domain"
)

type EventFilters struct {
	RequestID int64
	Type      string
	// Cursor pages backwards: only events with id below it are returned.
	Cursor int64
	Limit  int
}

// ListEvents returns audit events, newest first.
func (r Repo) ListEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.RequestID > 0 {
		clauses = append(clauses, "request_id=?")
		args = append(args, f.RequestID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,request_id,actor_id,payload_json FROM events WHERE ` +
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
		var requestID sql.NullInt64
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &requestID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		if requestID.Valid {
			e.RequestID = requestID.Int64
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
