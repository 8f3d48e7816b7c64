package metering

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PackRepository defines the interface for persisting and querying packs
type PackRepository interface {
	// Create persists a new pack; the pack is reservable immediately afterwards
	Create(ctx context.Context, pack *Pack) error

	// FindByID retrieves a pack by its ID
	FindByID(ctx context.Context, id uuid.UUID) (*Pack, error)

	// FindReservable retrieves packs with remaining balance for an org and
	// resource type, non-expired at the given time, ordered soonest-expiring
	// first (packs without expiry last)
	FindReservable(ctx context.Context, orgID uuid.UUID, resourceType ResourceType, at time.Time) ([]*Pack, error)

	// FindByOrg retrieves all packs for an org, newest purchase first
	FindByOrg(ctx context.Context, orgID uuid.UUID) ([]*Pack, error)

	// DecrementRemaining atomically subtracts quantity from a pack's remaining
	// balance, conditioned on the balance still covering it. Returns false
	// without mutating anything when the condition fails.
	DecrementRemaining(ctx context.Context, packID uuid.UUID, quantity int64) (bool, error)

	// CreditRemaining atomically adds quantity back to a pack's remaining
	// balance, conditioned on not exceeding the pack total. Returns false when
	// the credit would break the remaining <= total invariant.
	CreditRemaining(ctx context.Context, packID uuid.UUID, quantity int64) (bool, error)

	// ConservationReport recomputes, per pack, the finalized debit total from
	// the usage event log alongside the live ledger value
	ConservationReport(ctx context.Context) ([]ConservationRow, error)
}

// ConservationRow is one pack's side of the conservation audit:
// LedgerConsumed is quantityTotal - quantityRemaining as stored on the pack,
// FinalizedTotal and ReservedTotal are the allocation sums recomputed from the
// usage event log. A RESERVED allocation is a pending debit already removed
// from the remaining balance, so the ledger must equal finalized + reserved.
type ConservationRow struct {
	PackID         uuid.UUID
	LedgerConsumed int64
	FinalizedTotal int64
	ReservedTotal  int64
}

// Diverged returns true if the ledger and the event log disagree
func (r ConservationRow) Diverged() bool {
	return r.LedgerConsumed != r.FinalizedTotal+r.ReservedTotal
}

// UsageEventRepository defines the interface for persisting and querying usage events
type UsageEventRepository interface {
	// Create persists a new reservation together with its pack allocations
	Create(ctx context.Context, event *UsageEvent) error

	// FindByID retrieves an event with its allocations
	FindByID(ctx context.Context, id uuid.UUID) (*UsageEvent, error)

	// FindByIdempotencyKey retrieves the event created under the given key for
	// an org, or shared.ErrNotFound when no reservation used that key
	FindByIdempotencyKey(ctx context.Context, orgID uuid.UUID, key string) (*UsageEvent, error)

	// Transition conditionally moves an event from RESERVED to the target
	// terminal state and stamps ResolvedAt. Returns false when the event was
	// not in RESERVED, leaving it untouched.
	Transition(ctx context.Context, id uuid.UUID, target EventState) (bool, error)

	// FindStaleReserved retrieves RESERVED events created before the cutoff,
	// oldest first, up to limit
	FindStaleReserved(ctx context.Context, cutoff time.Time, limit int) ([]*UsageEvent, error)

	// Claim atomically writes the resolver's identity and lease expiry onto a
	// RESERVED event, conditioned on the event being unclaimed or its previous
	// lease having lapsed. Returns false when another resolver holds the claim.
	Claim(ctx context.Context, id uuid.UUID, owner string, leaseUntil time.Time) (bool, error)

	// ReleaseClaim clears the resolver identity and lease from an event if the
	// given owner still holds it
	ReleaseClaim(ctx context.Context, id uuid.UUID, owner string) error

	// IncrementEscalation bumps the escalation counter of a RESERVED event
	IncrementEscalation(ctx context.Context, id uuid.UUID) error

	// CountByState counts events in the given state
	CountByState(ctx context.Context, state EventState) (int64, error)

	// FindEscalated retrieves RESERVED events whose escalation count has
	// reached the ceiling, oldest first
	FindEscalated(ctx context.Context, ceiling int) ([]*UsageEvent, error)
}
