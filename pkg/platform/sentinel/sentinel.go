package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores return these (optionally
// wrapped) so services can translate them into domain errors.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: entity does not exist in store
// - ErrConflict: uniqueness or idempotency-key collision
// - ErrAlreadyTerminal: job/review item already reached a terminal state
// - ErrInvalidState: entity in wrong state for requested transition
// - ErrLeaseLost: worker's lease was reclaimed before it acted
// - ErrUnavailable: backing service temporarily unavailable
//
// For validation errors (bad input, missing fields), use pkg/domain-errors.
var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrAlreadyTerminal = errors.New("already terminal")
	ErrInvalidState    = errors.New("invalid state")
	ErrLeaseLost       = errors.New("lease lost")
	ErrUnavailable     = errors.New("unavailable")
)
