package metering

import (
	"time"

	"github.com/fieldserve/backend/internal/domain/shared"
	"github.com/google/uuid"
)

// Pack is a prepaid, finite allocation of a metered resource purchased by an
// organization. The remaining balance is mutated only by the reservation path
// (decrement) and the compensation path (credit); packs are never deleted,
// only exhausted or expired.
// Invariant: 0 <= QuantityRemaining <= QuantityTotal.
type Pack struct {
	shared.BaseEntity
	OrgID             uuid.UUID
	ResourceType      ResourceType
	QuantityTotal     int64
	QuantityRemaining int64
	PurchasedAt       time.Time
	SourceReference   string     // Payment processor reference that funded the pack
	ExpiresAt         *time.Time // nil means the pack never expires
}

// NewPack creates a new pack from a confirmed purchase.
// The pack is reservable immediately after creation.
func NewPack(
	orgID uuid.UUID,
	resourceType ResourceType,
	quantity int64,
	sourceReference string,
	expiresAt *time.Time,
) (*Pack, error) {
	if orgID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_ORG", "Org ID cannot be empty")
	}
	if !resourceType.IsValid() {
		return nil, shared.NewDomainError("INVALID_RESOURCE_TYPE", "Invalid resource type")
	}
	if quantity <= 0 {
		return nil, shared.NewDomainError("INVALID_QUANTITY", "Pack quantity must be positive")
	}
	now := time.Now()
	if expiresAt != nil && expiresAt.Before(now) {
		return nil, shared.NewDomainError("INVALID_EXPIRY", "Pack expiry cannot be in the past")
	}

	return &Pack{
		BaseEntity:        shared.NewBaseEntity(),
		OrgID:             orgID,
		ResourceType:      resourceType,
		QuantityTotal:     quantity,
		QuantityRemaining: quantity,
		PurchasedAt:       now,
		SourceReference:   sourceReference,
		ExpiresAt:         expiresAt,
	}, nil
}

// IsExpired returns true if the pack has an expiry in the past of the given time
func (p *Pack) IsExpired(at time.Time) bool {
	return p.ExpiresAt != nil && p.ExpiresAt.Before(at)
}

// IsExhausted returns true if the pack has no remaining balance
func (p *Pack) IsExhausted() bool {
	return p.QuantityRemaining <= 0
}

// IsReservable returns true if the pack can participate in a reservation at the given time
func (p *Pack) IsReservable(at time.Time) bool {
	return !p.IsExpired(at) && !p.IsExhausted()
}

// Consumed returns the quantity permanently or tentatively debited from the pack
func (p *Pack) Consumed() int64 {
	return p.QuantityTotal - p.QuantityRemaining
}
