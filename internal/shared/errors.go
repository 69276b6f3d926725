package shared

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyReversed indicates a ledger group already has a reversal.
	ErrAlreadyReversed = errors.New("ledger group already reversed")
	// ErrPostingConflict indicates re-validation denied an approved proposal at post time.
	ErrPostingConflict = errors.New("posting conflict")
	// ErrDeliveryExhausted indicates an outbox event exhausted its delivery attempts.
	ErrDeliveryExhausted = errors.New("delivery attempts exhausted")
)

// TransitionError reports a state graph violation.
type TransitionError struct {
	DocumentID uuid.UUID
	From       string
	Event      string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: event %q not allowed from state %q (document %s)", e.Event, e.From, e.DocumentID)
}

// ValidationError carries the full issue list from a policy evaluation.
// It is never truncated to the first defect.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Issues, "; ")
}

// DeleteGuardError indicates a cascade delete was blocked without explicit confirmation.
type DeleteGuardError struct {
	DocumentID uuid.UUID
	Status     string
}

func (e *DeleteGuardError) Error() string {
	return fmt.Sprintf("document %s is %s; cascade delete requires confirmation", e.DocumentID, e.Status)
}

// AuthorizationError indicates the actor lacks approval rights.
// Surfaced by the caller layer, never by the policy engine itself.
type AuthorizationError struct {
	ActorID string
	Action  string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("actor %s is not authorized to %s", e.ActorID, e.Action)
}
