package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/fieldserve/backend/internal/domain/metering"
	"github.com/fieldserve/backend/internal/domain/shared"
	"github.com/fieldserve/backend/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GormUsageEventRepository implements UsageEventRepository using GORM
type GormUsageEventRepository struct {
	db *gorm.DB
}

// NewGormUsageEventRepository creates a new GormUsageEventRepository
func NewGormUsageEventRepository(db *gorm.DB) *GormUsageEventRepository {
	return &GormUsageEventRepository{db: db}
}

// WithTx returns a new repository instance with the given transaction
func (r *GormUsageEventRepository) WithTx(tx *gorm.DB) *GormUsageEventRepository {
	return &GormUsageEventRepository{db: tx}
}

// Create persists a new reservation together with its pack allocations
func (r *GormUsageEventRepository) Create(ctx context.Context, event *metering.UsageEvent) error {
	model := models.UsageEventModelFromDomain(event)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return shared.ErrAlreadyExists
		}
		return err
	}
	return nil
}

// FindByID finds a usage event with its allocations
func (r *GormUsageEventRepository) FindByID(ctx context.Context, id uuid.UUID) (*metering.UsageEvent, error) {
	var model models.UsageEventModel
	if err := r.db.WithContext(ctx).
		Preload("Allocations").
		First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// FindByIdempotencyKey finds the event created under the given key for an org
func (r *GormUsageEventRepository) FindByIdempotencyKey(ctx context.Context, orgID uuid.UUID, key string) (*metering.UsageEvent, error) {
	var model models.UsageEventModel
	if err := r.db.WithContext(ctx).
		Preload("Allocations").
		Where("org_id = ? AND idempotency_key = ?", orgID, key).
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// Transition conditionally moves an event from RESERVED to a terminal state.
// The WHERE clause on the current state is what makes a race between two
// resolvers (or a caller and the background processor) settle on exactly one
// terminal state.
func (r *GormUsageEventRepository) Transition(ctx context.Context, id uuid.UUID, target metering.EventState) (bool, error) {
	if !target.IsTerminal() {
		return false, shared.ErrInvalidInput
	}
	now := time.Now()
	result := r.db.WithContext(ctx).
		Model(&models.UsageEventModel{}).
		Where("id = ? AND state = ?", id, metering.EventStateReserved.String()).
		Updates(map[string]any{
			"state":       target.String(),
			"resolved_at": now,
			"updated_at":  now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// FindStaleReserved finds RESERVED events created before the cutoff, oldest first
func (r *GormUsageEventRepository) FindStaleReserved(ctx context.Context, cutoff time.Time, limit int) ([]*metering.UsageEvent, error) {
	var eventModels []models.UsageEventModel
	if err := r.db.WithContext(ctx).
		Preload("Allocations").
		Where("state = ? AND created_at < ?", metering.EventStateReserved.String(), cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&eventModels).Error; err != nil {
		return nil, err
	}
	events := make([]*metering.UsageEvent, len(eventModels))
	for i := range eventModels {
		events[i] = eventModels[i].ToDomain()
	}
	return events, nil
}

// Claim atomically writes the resolver identity and lease expiry onto a
// RESERVED event. The condition admits only unclaimed events and events whose
// previous lease has lapsed, so two resolvers can never hold the same event.
func (r *GormUsageEventRepository) Claim(ctx context.Context, id uuid.UUID, owner string, leaseUntil time.Time) (bool, error) {
	if owner == "" {
		return false, shared.ErrInvalidInput
	}
	now := time.Now()
	result := r.db.WithContext(ctx).
		Model(&models.UsageEventModel{}).
		Where("id = ? AND state = ?", id, metering.EventStateReserved.String()).
		Where("resolver_owner = '' OR resolver_owner IS NULL OR resolver_owner = ? OR lease_expires_at < ?", owner, now).
		Updates(map[string]any{
			"resolver_owner":   owner,
			"lease_expires_at": leaseUntil,
			"updated_at":       now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ReleaseClaim clears the resolver identity and lease if the owner still holds it
func (r *GormUsageEventRepository) ReleaseClaim(ctx context.Context, id uuid.UUID, owner string) error {
	return r.db.WithContext(ctx).
		Model(&models.UsageEventModel{}).
		Where("id = ? AND resolver_owner = ?", id, owner).
		Updates(map[string]any{
			"resolver_owner":   "",
			"lease_expires_at": nil,
			"updated_at":       time.Now(),
		}).Error
}

// IncrementEscalation bumps the escalation counter of a RESERVED event
func (r *GormUsageEventRepository) IncrementEscalation(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&models.UsageEventModel{}).
		Where("id = ? AND state = ?", id, metering.EventStateReserved.String()).
		Updates(map[string]any{
			"escalation_count": gorm.Expr("escalation_count + 1"),
			"updated_at":       time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// CountByState counts events in the given state
func (r *GormUsageEventRepository) CountByState(ctx context.Context, state metering.EventState) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.UsageEventModel{}).
		Where("state = ?", state.String()).
		Count(&count).Error
	return count, err
}

// FindEscalated finds RESERVED events whose escalation count reached the ceiling
func (r *GormUsageEventRepository) FindEscalated(ctx context.Context, ceiling int) ([]*metering.UsageEvent, error) {
	var eventModels []models.UsageEventModel
	if err := r.db.WithContext(ctx).
		Preload("Allocations").
		Where("state = ? AND escalation_count >= ?", metering.EventStateReserved.String(), ceiling).
		Order("created_at ASC").
		Find(&eventModels).Error; err != nil {
		return nil, err
	}
	events := make([]*metering.UsageEvent, len(eventModels))
	for i := range eventModels {
		events[i] = eventModels[i].ToDomain()
	}
	return events, nil
}

// Ensure GormUsageEventRepository implements UsageEventRepository
var _ metering.UsageEventRepository = (*GormUsageEventRepository)(nil)
