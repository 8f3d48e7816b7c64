package metering

import (
	"time"

	"github.com/fieldserve/backend/internal/domain/shared"
	"github.com/google/uuid"
)

// EventState is the lifecycle state of a usage event
type EventState string

const (
	// EventStateReserved is the initial state: quantity has been deducted from
	// the ledger but the metered action's outcome is not yet known
	EventStateReserved EventState = "RESERVED"

	// EventStateFinalized is terminal: the reservation became a permanent debit
	EventStateFinalized EventState = "FINALIZED"

	// EventStateCompensated is terminal: the reservation was reversed and its
	// quantity credited back to the originating packs
	EventStateCompensated EventState = "COMPENSATED"
)

// String returns the string representation of the event state
func (s EventState) String() string {
	return string(s)
}

// IsValid returns true if the state is one of the known lifecycle states
func (s EventState) IsValid() bool {
	switch s {
	case EventStateReserved, EventStateFinalized, EventStateCompensated:
		return true
	}
	return false
}

// IsTerminal returns true if no transition may leave this state
func (s EventState) IsTerminal() bool {
	return s == EventStateFinalized || s == EventStateCompensated
}

// PackAllocation records how much of a reservation was taken from one pack.
// A single reservation may span multiple packs when the soonest-expiring pack
// cannot cover the full quantity on its own.
type PackAllocation struct {
	PackID   uuid.UUID
	Quantity int64
}

// UsageEvent is a tentative, ledger-backed claim against one or more packs,
// created atomically with the ledger decrement before the metered action runs.
// Events are retained permanently as an audit trail.
type UsageEvent struct {
	shared.BaseEntity
	OrgID             uuid.UUID
	ResourceType      ResourceType
	QuantityRequested int64
	Allocations       []PackAllocation
	State             EventState
	IdempotencyKey    string
	ResolvedAt        *time.Time
	ResolverOwner     string     // Identity of the resolver holding the claim, empty if unclaimed
	LeaseExpiresAt    *time.Time // When the resolver claim lapses
	EscalationCount   int
}

// NewUsageEvent creates a reservation in state RESERVED.
// The allocations must sum to the requested quantity.
func NewUsageEvent(
	orgID uuid.UUID,
	resourceType ResourceType,
	quantity int64,
	idempotencyKey string,
	allocations []PackAllocation,
) (*UsageEvent, error) {
	if orgID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_ORG", "Org ID cannot be empty")
	}
	if !resourceType.IsValid() {
		return nil, shared.NewDomainError("INVALID_RESOURCE_TYPE", "Invalid resource type")
	}
	if quantity <= 0 {
		return nil, shared.NewDomainError("INVALID_QUANTITY", "Reservation quantity must be positive")
	}
	if idempotencyKey == "" {
		return nil, shared.NewDomainError("INVALID_IDEMPOTENCY_KEY", "Idempotency key cannot be empty")
	}
	var allocated int64
	for _, a := range allocations {
		if a.PackID == uuid.Nil || a.Quantity <= 0 {
			return nil, shared.NewDomainError("INVALID_ALLOCATION", "Allocations must reference a pack with positive quantity")
		}
		allocated += a.Quantity
	}
	if allocated != quantity {
		return nil, shared.NewDomainError("INVALID_ALLOCATION", "Allocations must cover the requested quantity exactly")
	}

	return &UsageEvent{
		BaseEntity:        shared.NewBaseEntity(),
		OrgID:             orgID,
		ResourceType:      resourceType,
		QuantityRequested: quantity,
		Allocations:       allocations,
		State:             EventStateReserved,
		IdempotencyKey:    idempotencyKey,
	}, nil
}

// CanTransitionTo reports whether the event may move to the target state.
// Only RESERVED -> FINALIZED and RESERVED -> COMPENSATED are legal.
func (e *UsageEvent) CanTransitionTo(target EventState) bool {
	return e.State == EventStateReserved && target.IsTerminal()
}

// IsResolved returns true if the event has reached a terminal state
func (e *UsageEvent) IsResolved() bool {
	return e.State.IsTerminal()
}

// IsLeased returns true if a resolver currently holds an unexpired claim on the event
func (e *UsageEvent) IsLeased(at time.Time) bool {
	return e.ResolverOwner != "" && e.LeaseExpiresAt != nil && e.LeaseExpiresAt.After(at)
}

// AllocatedQuantity returns the total quantity taken across all pack allocations
func (e *UsageEvent) AllocatedQuantity() int64 {
	var total int64
	for _, a := range e.Allocations {
		total += a.Quantity
	}
	return total
}

// Age returns how long ago the reservation was created
func (e *UsageEvent) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}
