package domain

// RobotStatus is the semantic category the robot reports for a request.
// Exactly one category holds at any time.
type RobotStatus string

const (
	StatusPending    RobotStatus = "pending"
	StatusConfirming RobotStatus = "confirming"
	StatusFinalized  RobotStatus = "finalized"
	StatusError      RobotStatus = "error"
)

// ValidRobotStatus reports whether s is one of the four known categories.
func ValidRobotStatus(s RobotStatus) bool {
	switch s {
	case StatusPending, StatusConfirming, StatusFinalized, StatusError:
		return true
	}
	return false
}

// Actor roles. The robot role is held only by trusted system principals
// authenticated via API key.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
	RoleRobot = "robot"
)

type CostRequest struct {
	ID                        int64       `json:"id"`
	CaseReference             string      `json:"case_reference"`
	ProcessNumber             *string     `json:"process_number,omitempty"`
	RequestNumber             string      `json:"request_number"`
	Amount                    string      `json:"amount"`
	RequestedDate             string      `json:"requested_date" format:"date"`
	UserConfirmationRequested bool        `json:"user_confirmation_requested"`
	PortalStatus              *string     `json:"portal_status,omitempty"`
	RobotStatus               RobotStatus `json:"robot_status" enum:"pending,confirming,finalized,error"`
	LastRobotCheckAt          *string     `json:"last_robot_check_at,omitempty" format:"date-time"`
	ConfirmedBy               *string     `json:"confirmed_by,omitempty"`
	TreatedBy                 *string     `json:"treated_by,omitempty"`
	TreatedAt                 *string     `json:"treated_at,omitempty" format:"date-time"`
	Archived                  bool        `json:"archived"`
	ArchivedBy                *string     `json:"archived_by,omitempty"`
	ArchivedAt                *string     `json:"archived_at,omitempty" format:"date-time"`
	Attachments               []string    `json:"attachments,omitempty"`
	CreatedBy                 string      `json:"created_by"`
	CreatedAt                 string      `json:"created_at" format:"date-time"`
}

// Treated reports whether the request has been marked treated by a human.
func (r CostRequest) Treated() bool {
	return r.TreatedBy != nil
}

// Actor is an authenticated identity: a dashboard user, an administrator,
// or the robot system principal.
type Actor struct {
	ID           string `json:"id"`
	DisplayName  string `json:"display_name"`
	Role         string `json:"role" enum:"user,admin,robot"`
	PasswordHash string `json:"-"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

// IsAdmin reports whether the actor holds the administrative role.
func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Type      string `json:"type"`
	RequestID int64  `json:"request_id,omitempty"`
	ActorID   string `json:"actor_id"`
	Payload   string `json:"payload_json"`
}
