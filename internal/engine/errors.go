package engine

import "fmt"

// ValidationError indicates malformed or missing input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// NotFoundError indicates the referenced request does not exist.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// ArchivedError indicates a mutation hit an archived request. Archived
// requests are read-only until unarchived.
type ArchivedError struct {
	ID int64
}

func (e ArchivedError) Error() string {
	return fmt.Sprintf("request %d is archived", e.ID)
}

// IllegalTransitionError indicates a robot status move outside the
// pending -> confirming -> finalized order.
type IllegalTransitionError struct {
	From string
	To   string
}

func (e IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

// AlreadyTreatedError indicates the one-shot treatment mark was already set.
type AlreadyTreatedError struct {
	ID        int64
	TreatedBy string
}

func (e AlreadyTreatedError) Error() string {
	return fmt.Sprintf("request %d already treated by %s", e.ID, e.TreatedBy)
}

// AuthorizationError indicates the actor's role does not permit the operation.
type AuthorizationError struct {
	Role      string
	Operation string
}

func (e AuthorizationError) Error() string {
	return fmt.Sprintf("role %s may not %s", e.Role, e.Operation)
}
