package server

import (
	"encoding/json"

	"onecost/internal/domain"
	"onecost/internal/repo"
)

// Request payloads

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CreateRequestRequest struct {
	CaseReference             string  `json:"case_reference"`
	ProcessNumber             *string `json:"process_number,omitempty"`
	RequestNumber             string  `json:"request_number"`
	Amount                    string  `json:"amount"`
	RequestedDate             string  `json:"requested_date" format:"date"`
	UserConfirmationRequested bool    `json:"user_confirmation_requested,omitempty"`
}

type RobotReportRequest struct {
	PortalStatus *string  `json:"portal_status,omitempty"`
	RobotStatus  string   `json:"robot_status" enum:"pending,confirming,finalized,error"`
	CheckedAt    *string  `json:"checked_at,omitempty" format:"date-time"`
	ConfirmedBy  *string  `json:"confirmed_by,omitempty"`
	Attachments  []string `json:"attachments,omitempty"`
}

type ArchiveRequest struct {
	Archived bool `json:"archived"`
}

// Response payloads

type LoginResponse struct {
	Token string        `json:"token"`
	Actor ActorResponse `json:"actor"`
}

type ActorResponse struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role" enum:"user,admin,robot"`
	CreatedAt   string `json:"created_at,omitempty" format:"date-time"`
}

type CostRequestResponse struct {
	ID                        int64    `json:"id"`
	CaseReference             string   `json:"case_reference"`
	ProcessNumber             *string  `json:"process_number,omitempty"`
	RequestNumber             string   `json:"request_number"`
	Amount                    string   `json:"amount"`
	RequestedDate             string   `json:"requested_date" format:"date"`
	UserConfirmationRequested bool     `json:"user_confirmation_requested"`
	PortalStatus              *string  `json:"portal_status,omitempty"`
	RobotStatus               string   `json:"robot_status" enum:"pending,confirming,finalized,error"`
	LastRobotCheckAt          *string  `json:"last_robot_check_at,omitempty" format:"date-time"`
	ConfirmedBy               *string  `json:"confirmed_by,omitempty"`
	ConfirmedByName           *string  `json:"confirmed_by_name,omitempty"`
	TreatedBy                 *string  `json:"treated_by,omitempty"`
	TreatedByName             *string  `json:"treated_by_name,omitempty"`
	TreatedAt                 *string  `json:"treated_at,omitempty" format:"date-time"`
	Archived                  bool     `json:"archived"`
	ArchivedBy                *string  `json:"archived_by,omitempty"`
	ArchivedByName            *string  `json:"archived_by_name,omitempty"`
	ArchivedAt                *string  `json:"archived_at,omitempty" format:"date-time"`
	Attachments               []string `json:"attachments"`
	CreatedBy                 string   `json:"created_by"`
	CreatedByName             string   `json:"created_by_name,omitempty"`
	CreatedAt                 string   `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts" format:"date-time"`
	Type      string         `json:"type"`
	RequestID int64          `json:"request_id,omitempty"`
	ActorID   string         `json:"actor_id"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Conversion helpers

func actorResponse(a domain.Actor) ActorResponse {
	return ActorResponse{
		ID:          a.ID,
		DisplayName: a.DisplayName,
		Role:        a.Role,
		CreatedAt:   a.CreatedAt,
	}
}

func requestResponse(r domain.CostRequest) CostRequestResponse {
	return CostRequestResponse{
		ID:                        r.ID,
		CaseReference:             r.CaseReference,
		ProcessNumber:             r.ProcessNumber,
		RequestNumber:             r.RequestNumber,
		Amount:                    r.Amount,
		RequestedDate:             r.RequestedDate,
		UserConfirmationRequested: r.UserConfirmationRequested,
		PortalStatus:              r.PortalStatus,
		RobotStatus:               string(r.RobotStatus),
		LastRobotCheckAt:          r.LastRobotCheckAt,
		ConfirmedBy:               r.ConfirmedBy,
		TreatedBy:                 r.TreatedBy,
		TreatedAt:                 r.TreatedAt,
		Archived:                  r.Archived,
		ArchivedBy:                r.ArchivedBy,
		ArchivedAt:                r.ArchivedAt,
		Attachments:               nonNilSlice(r.Attachments),
		CreatedBy:                 r.CreatedBy,
		CreatedAt:                 r.CreatedAt,
	}
}

func requestViewResponse(v repo.RequestView) CostRequestResponse {
	resp := requestResponse(v.CostRequest)
	resp.CreatedByName = v.CreatedByName
	resp.ConfirmedByName = v.ConfirmedByName
	resp.TreatedByName = v.TreatedByName
	resp.ArchivedByName = v.ArchivedByName
	return resp
}

func mapRequestViews(items []repo.RequestView) []CostRequestResponse {
	res := []CostRequestResponse{}
	for _, v := range items {
		res = append(res, requestViewResponse(v))
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	var payload map[string]any
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &payload)
	}
	return EventResponse{
		ID:        e.ID,
		TS:        e.TS,
		Type:      e.Type,
		RequestID: e.RequestID,
		ActorID:   e.ActorID,
		Payload:   payload,
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	res := []EventResponse{}
	for _, e := range items {
		res = append(res, eventResponse(e))
	}
	return res
}

func nonNilSlice(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
