// Package apperr defines the error taxonomy shared by the core services.
// Handlers map these onto HTTP status codes; internal retry loops branch on
// them with errors.As.
package apperr

import "fmt"

// NotFoundError: the referenced entity does not exist.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// ConflictError: a conditional update found the row in a different state
// than expected. Callers re-read and decide whether to retry.
type ConflictError struct {
	Entity string
	ID     string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s %s: %s", e.Entity, e.ID, e.Reason)
}

// InvalidStateError: the operation is not legal from the entity's current
// state (e.g. ending a trip that never started).
type InvalidStateError struct {
	Op    string
	State string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s in state %q", e.Op, e.State)
}

// NoCandidateError: matching exhausted every radius without reserving a
// driver. Terminal; the ride is auto-cancelled.
type NoCandidateError struct {
	RideID   string
	RadiusKm float64
}

func (e *NoCandidateError) Error() string {
	return fmt.Sprintf("no drivers available for ride %s within %.0f km", e.RideID, e.RadiusKm)
}

// DuplicateRequestError: two genuinely concurrent first-time writers hit the
// durable idempotency constraint and the committed result never appeared
// within the wait window.
type DuplicateRequestError struct {
	Key string
}

func (e *DuplicateRequestError) Error() string {
	return fmt.Sprintf("duplicate in-flight request for key %s", e.Key)
}
