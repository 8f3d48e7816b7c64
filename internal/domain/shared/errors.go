package shared

// DomainError represents a domain-level error
type DomainError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e *DomainError) Error() string {
	return e.Message
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// Common domain errors
var (
	ErrNotFound      = NewDomainError("NOT_FOUND", "Resource not found")
	ErrAlreadyExists = NewDomainError("ALREADY_EXISTS", "Resource already exists")
	ErrInvalidInput  = NewDomainError("INVALID_INPUT", "Invalid input provided")

	// ErrInsufficientBalance means the eligible packs cannot cover the requested
	// quantity. It is a business-state fact, not a transient failure, so callers
	// must not retry it automatically.
	ErrInsufficientBalance = NewDomainError("INSUFFICIENT_BALANCE", "Insufficient pack balance available")

	// ErrInvalidStateTransition means an attempt was made to move a usage event
	// out of a terminal state. Should be unreachable under correct use.
	ErrInvalidStateTransition = NewDomainError("INVALID_STATE_TRANSITION", "Usage event is already in a terminal state")

	// ErrAmbiguousOutcome means ground truth for a stuck reservation could not
	// be determined; the event stays RESERVED and is escalated instead.
	ErrAmbiguousOutcome = NewDomainError("AMBIGUOUS_OUTCOME", "Outcome of the metered action cannot be determined")

	// ErrLedgerBusy means the ledger row could not be updated within the
	// bounded reservation window. Safe to retry with the same idempotency key.
	ErrLedgerBusy = NewDomainError("LEDGER_BUSY", "Ledger is contended, retry the reservation")
)
