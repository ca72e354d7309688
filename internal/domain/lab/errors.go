package lab

import "errors"

// Workflow error taxonomy. All service errors wrap one of these sentinels so
// callers can branch with errors.Is; handlers map them to HTTP statuses.
var (
	// ErrValidation: missing or invalid input. Recoverable by correcting input;
	// never partially applied.
	ErrValidation = errors.New("validation error")

	// ErrInvalidTransition: operation attempted from a state that does not
	// allow it.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrActionNotEnabled: requested rejection type is disabled per the rules
	// engine or the consistency guard. Caller must re-fetch options.
	ErrActionNotEnabled = errors.New("action not enabled")

	// ErrAlreadyTerminal: the entity is in a terminal state.
	ErrAlreadyTerminal = errors.New("already terminal")

	// ErrAlreadyEscalated / ErrNotEscalated: resolver invoked in the wrong state.
	ErrAlreadyEscalated = errors.New("already escalated")
	ErrNotEscalated     = errors.New("not escalated")

	// ErrUnauthorized: role gate failure on the escalation queue or resolution.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrConcurrencyConflict: an optimistic check lost a race. Safe to retry
	// with fresh attempt counts; the service retries a capped number of times.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrNotFound: referenced entity does not exist.
	ErrNotFound = errors.New("not found")
)
