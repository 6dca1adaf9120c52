package models

import "fmt"

const (
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeSessionNotActive  = "SESSION_NOT_ACTIVE"
	CodeSessionTerminal   = "SESSION_TERMINAL"
	CodeNotParticipant    = "NOT_PARTICIPANT"
	CodeForbidden         = "FORBIDDEN"
	CodeMessageIDTaken    = "MESSAGE_ID_TAKEN"
)

type ValidationError struct {
	Message string
	Fields  map[string]string
}

func (e *ValidationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "Validation error"
}

type NotFoundError struct{ Message string }

func (e *NotFoundError) Error() string { return e.Message }

type ForbiddenError struct {
	Code    string
	Message string
}

func (e *ForbiddenError) Error() string { return e.Message }

type ConflictError struct {
	Code    string
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

type UnauthorizedError struct{ Message string }

func (e *UnauthorizedError) Error() string { return e.Message }

// UnavailableError wraps a failure of a storage collaborator. Callers may retry.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *UnavailableError) Unwrap() error { return e.Err }

func ErrSessionNotFound(id string) error {
	return &NotFoundError{Message: fmt.Sprintf("Session %s not found", id)}
}

func ErrInvalidTransition(from, to SessionStatus) error {
	return &ConflictError{
		Code:    CodeInvalidTransition,
		Message: fmt.Sprintf("Cannot move session from %s to %s", from, to),
	}
}

func ErrSessionNotActive(status SessionStatus) error {
	return &ConflictError{
		Code:    CodeSessionNotActive,
		Message: fmt.Sprintf("Session is %s, not active", status),
	}
}

func ErrSessionTerminal(status SessionStatus) error {
	return &ConflictError{
		Code:    CodeSessionTerminal,
		Message: fmt.Sprintf("Session is %s", status),
	}
}

func ErrNotParticipant(userID string) error {
	return &ForbiddenError{
		Code:    CodeNotParticipant,
		Message: fmt.Sprintf("User %s is not a participant of this session", userID),
	}
}

// ErrMessageIDTaken reports a client message ID already used by another sender.
func ErrMessageIDTaken(id string) error {
	return &ConflictError{
		Code:    CodeMessageIDTaken,
		Message: fmt.Sprintf("Message ID %s is already used in this session", id),
	}
}
