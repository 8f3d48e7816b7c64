package models

import (
	"time"

	"github.com/fieldserve/backend/internal/domain/metering"
	"github.com/google/uuid"
)

// PackModel maps the packs table
type PackModel struct {
	BaseModel
	OrgID             uuid.UUID  `gorm:"type:uuid;not null;index:idx_packs_org_resource"`
	ResourceType      string     `gorm:"size:32;not null;index:idx_packs_org_resource"`
	QuantityTotal     int64      `gorm:"not null"`
	QuantityRemaining int64      `gorm:"not null"`
	PurchasedAt       time.Time  `gorm:"not null"`
	SourceReference   string     `gorm:"size:255"`
	ExpiresAt         *time.Time `gorm:"index"`
}

// TableName returns the table name for PackModel
func (PackModel) TableName() string {
	return "packs"
}

// ToDomain converts the persistence model to a domain Pack
func (m *PackModel) ToDomain() *metering.Pack {
	return &metering.Pack{
		BaseEntity:        m.BaseModel.ToDomain(),
		OrgID:             m.OrgID,
		ResourceType:      metering.ResourceType(m.ResourceType),
		QuantityTotal:     m.QuantityTotal,
		QuantityRemaining: m.QuantityRemaining,
		PurchasedAt:       m.PurchasedAt,
		SourceReference:   m.SourceReference,
		ExpiresAt:         m.ExpiresAt,
	}
}

// PackModelFromDomain converts a domain Pack to its persistence model
func PackModelFromDomain(p *metering.Pack) *PackModel {
	m := &PackModel{
		OrgID:             p.OrgID,
		ResourceType:      p.ResourceType.String(),
		QuantityTotal:     p.QuantityTotal,
		QuantityRemaining: p.QuantityRemaining,
		PurchasedAt:       p.PurchasedAt,
		SourceReference:   p.SourceReference,
		ExpiresAt:         p.ExpiresAt,
	}
	m.FromDomainBaseEntity(p.BaseEntity)
	return m
}

// UsageEventModel maps the usage_events table.
// The (org_id, idempotency_key) pair is unique so a retried reservation can
// never create a second event.
type UsageEventModel struct {
	BaseModel
	OrgID             uuid.UUID  `gorm:"type:uuid;not null;index;uniqueIndex:ux_usage_events_org_key"`
	ResourceType      string     `gorm:"size:32;not null"`
	QuantityRequested int64      `gorm:"not null"`
	State             string     `gorm:"size:16;not null;index"`
	IdempotencyKey    string     `gorm:"size:128;not null;uniqueIndex:ux_usage_events_org_key"`
	ResolvedAt        *time.Time `gorm:""`
	ResolverOwner     string     `gorm:"size:128"`
	LeaseExpiresAt    *time.Time `gorm:""`
	EscalationCount   int        `gorm:"not null;default:0"`

	Allocations []UsageEventAllocationModel `gorm:"foreignKey:UsageEventID"`
}

// TableName returns the table name for UsageEventModel
func (UsageEventModel) TableName() string {
	return "usage_events"
}

// UsageEventAllocationModel maps the usage_event_allocations table, recording
// how much of a reservation was taken from each pack
type UsageEventAllocationModel struct {
	ID           uuid.UUID `gorm:"type:uuid;primary_key"`
	UsageEventID uuid.UUID `gorm:"type:uuid;not null;index"`
	PackID       uuid.UUID `gorm:"type:uuid;not null;index"`
	Quantity     int64     `gorm:"not null"`
}

// TableName returns the table name for UsageEventAllocationModel
func (UsageEventAllocationModel) TableName() string {
	return "usage_event_allocations"
}

// ToDomain converts the persistence model to a domain UsageEvent
func (m *UsageEventModel) ToDomain() *metering.UsageEvent {
	allocations := make([]metering.PackAllocation, len(m.Allocations))
	for i, a := range m.Allocations {
		allocations[i] = metering.PackAllocation{
			PackID:   a.PackID,
			Quantity: a.Quantity,
		}
	}
	return &metering.UsageEvent{
		BaseEntity:        m.BaseModel.ToDomain(),
		OrgID:             m.OrgID,
		ResourceType:      metering.ResourceType(m.ResourceType),
		QuantityRequested: m.QuantityRequested,
		Allocations:       allocations,
		State:             metering.EventState(m.State),
		IdempotencyKey:    m.IdempotencyKey,
		ResolvedAt:        m.ResolvedAt,
		ResolverOwner:     m.ResolverOwner,
		LeaseExpiresAt:    m.LeaseExpiresAt,
		EscalationCount:   m.EscalationCount,
	}
}

// UsageEventModelFromDomain converts a domain UsageEvent to its persistence model
func UsageEventModelFromDomain(e *metering.UsageEvent) *UsageEventModel {
	m := &UsageEventModel{
		OrgID:             e.OrgID,
		ResourceType:      e.ResourceType.String(),
		QuantityRequested: e.QuantityRequested,
		State:             e.State.String(),
		IdempotencyKey:    e.IdempotencyKey,
		ResolvedAt:        e.ResolvedAt,
		ResolverOwner:     e.ResolverOwner,
		LeaseExpiresAt:    e.LeaseExpiresAt,
		EscalationCount:   e.EscalationCount,
	}
	m.FromDomainBaseEntity(e.BaseEntity)
	m.Allocations = make([]UsageEventAllocationModel, len(e.Allocations))
	for i, a := range e.Allocations {
		m.Allocations[i] = UsageEventAllocationModel{
			ID:           uuid.New(),
			UsageEventID: e.ID,
			PackID:       a.PackID,
			Quantity:     a.Quantity,
		}
	}
	return m
}
