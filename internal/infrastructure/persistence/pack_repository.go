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

// GormPackRepository implements PackRepository using GORM
type GormPackRepository struct {
	db *gorm.DB
}

// NewGormPackRepository creates a new GormPackRepository
func NewGormPackRepository(db *gorm.DB) *GormPackRepository {
	return &GormPackRepository{db: db}
}

// WithTx returns a new repository instance with the given transaction
func (r *GormPackRepository) WithTx(tx *gorm.DB) *GormPackRepository {
	return &GormPackRepository{db: tx}
}

// Create persists a new pack
func (r *GormPackRepository) Create(ctx context.Context, pack *metering.Pack) error {
	model := models.PackModelFromDomain(pack)
	return r.db.WithContext(ctx).Create(model).Error
}

// FindByID finds a pack by its ID
func (r *GormPackRepository) FindByID(ctx context.Context, id uuid.UUID) (*metering.Pack, error) {
	var model models.PackModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// FindReservable finds packs with remaining balance for an org and resource
// type, non-expired at the given time. Ordered soonest-expiring first so that
// balances about to lapse are consumed before open-ended ones; ties break on
// purchase time.
func (r *GormPackRepository) FindReservable(ctx context.Context, orgID uuid.UUID, resourceType metering.ResourceType, at time.Time) ([]*metering.Pack, error) {
	var packModels []models.PackModel
	if err := r.db.WithContext(ctx).
		Where("org_id = ? AND resource_type = ? AND quantity_remaining > 0", orgID, resourceType.String()).
		Where("expires_at IS NULL OR expires_at > ?", at).
		Order("CASE WHEN expires_at IS NULL THEN 1 ELSE 0 END, expires_at ASC, purchased_at ASC").
		Find(&packModels).Error; err != nil {
		return nil, err
	}
	packs := make([]*metering.Pack, len(packModels))
	for i := range packModels {
		packs[i] = packModels[i].ToDomain()
	}
	return packs, nil
}

// FindByOrg finds all packs for an org, newest purchase first
func (r *GormPackRepository) FindByOrg(ctx context.Context, orgID uuid.UUID) ([]*metering.Pack, error) {
	var packModels []models.PackModel
	if err := r.db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Order("purchased_at DESC").
		Find(&packModels).Error; err != nil {
		return nil, err
	}
	packs := make([]*metering.Pack, len(packModels))
	for i := range packModels {
		packs[i] = packModels[i].ToDomain()
	}
	return packs, nil
}

// DecrementRemaining atomically subtracts quantity from the remaining balance.
// The condition guards against the balance going negative under concurrent
// reservations; a zero row count means another caller won the race.
func (r *GormPackRepository) DecrementRemaining(ctx context.Context, packID uuid.UUID, quantity int64) (bool, error) {
	if quantity <= 0 {
		return false, shared.ErrInvalidInput
	}
	result := r.db.WithContext(ctx).
		Model(&models.PackModel{}).
		Where("id = ? AND quantity_remaining >= ?", packID, quantity).
		Updates(map[string]any{
			"quantity_remaining": gorm.Expr("quantity_remaining - ?", quantity),
			"updated_at":         time.Now(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// CreditRemaining atomically returns quantity to the remaining balance.
// The condition guards the remaining <= total invariant; a zero row count
// means the credit would overfill the pack, which indicates a double credit.
func (r *GormPackRepository) CreditRemaining(ctx context.Context, packID uuid.UUID, quantity int64) (bool, error) {
	if quantity <= 0 {
		return false, shared.ErrInvalidInput
	}
	result := r.db.WithContext(ctx).
		Model(&models.PackModel{}).
		Where("id = ? AND quantity_remaining + ? <= quantity_total", packID, quantity).
		Updates(map[string]any{
			"quantity_remaining": gorm.Expr("quantity_remaining + ?", quantity),
			"updated_at":         time.Now(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ConservationReport recomputes per-pack debit totals from the usage event log
// alongside the live ledger value
func (r *GormPackRepository) ConservationReport(ctx context.Context) ([]metering.ConservationRow, error) {
	type row struct {
		PackID         uuid.UUID
		LedgerConsumed int64
		FinalizedTotal int64
		ReservedTotal  int64
	}
	var rows []row
	err := r.db.WithContext(ctx).Raw(`
		SELECT p.id AS pack_id,
		       p.quantity_total - p.quantity_remaining AS ledger_consumed,
		       COALESCE(SUM(CASE WHEN e.state = ? THEN a.quantity ELSE 0 END), 0) AS finalized_total,
		       COALESCE(SUM(CASE WHEN e.state = ? THEN a.quantity ELSE 0 END), 0) AS reserved_total
		FROM packs p
		LEFT JOIN usage_event_allocations a ON a.pack_id = p.id
		LEFT JOIN usage_events e ON e.id = a.usage_event_id
		GROUP BY p.id, p.quantity_total, p.quantity_remaining`,
		metering.EventStateFinalized.String(),
		metering.EventStateReserved.String(),
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	report := make([]metering.ConservationRow, len(rows))
	for i, r := range rows {
		report[i] = metering.ConservationRow{
			PackID:         r.PackID,
			LedgerConsumed: r.LedgerConsumed,
			FinalizedTotal: r.FinalizedTotal,
			ReservedTotal:  r.ReservedTotal,
		}
	}
	return report, nil
}

// Ensure GormPackRepository implements PackRepository
var _ metering.PackRepository = (*GormPackRepository)(nil)
