package metering

import (
	"context"
	"errors"
	"time"

	"github.com/fieldserve/backend/internal/domain/metering"
	"github.com/fieldserve/backend/internal/domain/shared"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ReservationConfig contains configuration for the reservation service
type ReservationConfig struct {
	// ReserveTimeout bounds how long a reservation may wait on the ledger.
	// Contention past this window fails fast with a retryable error.
	ReserveTimeout time.Duration
}

// DefaultReservationConfig returns default configuration
func DefaultReservationConfig() ReservationConfig {
	return ReservationConfig{
		ReserveTimeout: 5 * time.Second,
	}
}

// ReservationService creates usage events and decrements pack balances before
// a metered action runs. Callers must not perform the action unless Reserve
// succeeded.
type ReservationService struct {
	scope  TransactionScope
	events metering.UsageEventRepository
	logger *zap.Logger
	config ReservationConfig
}

// NewReservationService creates a new ReservationService
func NewReservationService(
	scope TransactionScope,
	events metering.UsageEventRepository,
	logger *zap.Logger,
	config ReservationConfig,
) *ReservationService {
	return &ReservationService{
		scope:  scope,
		events: events,
		logger: logger,
		config: config,
	}
}

// Reserve tentatively consumes quantity from the org's packs and records a
// RESERVED usage event, all in one atomic unit. Packs are drained
// soonest-expiring first; a single reservation may span several packs.
//
// Reserve is idempotent on (orgID, idempotencyKey): a retry returns the event
// created by the first call without touching the ledger again. When the
// eligible packs cannot cover the quantity it fails with ErrInsufficientBalance
// and the ledger is left untouched.
func (s *ReservationService) Reserve(
	ctx context.Context,
	orgID uuid.UUID,
	resourceType metering.ResourceType,
	quantity int64,
	idempotencyKey string,
) (*metering.UsageEvent, error) {
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

	// Replay of an already-created reservation.
	existing, err := s.events.FindByIdempotencyKey(ctx, orgID, idempotencyKey)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, shared.ErrNotFound) {
		return nil, err
	}

	reserveCtx, cancel := context.WithTimeout(ctx, s.config.ReserveTimeout)
	defer cancel()

	var event *metering.UsageEvent
	err = s.scope.Execute(reserveCtx, func(repos TransactionalRepositories) error {
		now := time.Now()
		packs, err := repos.PackRepo().FindReservable(reserveCtx, orgID, resourceType, now)
		if err != nil {
			return err
		}

		var available int64
		for _, p := range packs {
			available += p.QuantityRemaining
		}
		if available < quantity {
			return shared.ErrInsufficientBalance
		}

		allocations := make([]metering.PackAllocation, 0, len(packs))
		needed := quantity
		for _, p := range packs {
			if needed == 0 {
				break
			}
			take := p.QuantityRemaining
			if take > needed {
				take = needed
			}
			ok, err := repos.PackRepo().DecrementRemaining(reserveCtx, p.ID, take)
			if err != nil {
				return err
			}
			if !ok {
				// A concurrent reservation drained this pack between the read
				// and the decrement. Backpressure, not queuing: fail fast and
				// let the caller retry under the same idempotency key.
				return shared.ErrLedgerBusy
			}
			allocations = append(allocations, metering.PackAllocation{PackID: p.ID, Quantity: take})
			needed -= take
		}

		ev, err := metering.NewUsageEvent(orgID, resourceType, quantity, idempotencyKey, allocations)
		if err != nil {
			return err
		}
		if err := repos.EventRepo().Create(reserveCtx, ev); err != nil {
			return err
		}
		event = ev
		return nil
	})
	if err != nil {
		if errors.Is(err, shared.ErrAlreadyExists) {
			// Lost an idempotency race; the competing call holds the event.
			return s.events.FindByIdempotencyKey(ctx, orgID, idempotencyKey)
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, shared.ErrLedgerBusy
		}
		return nil, err
	}

	s.logger.Debug("Reservation created",
		zap.String("event_id", event.ID.String()),
		zap.String("org_id", orgID.String()),
		zap.String("resource_type", resourceType.String()),
		zap.Int64("quantity", quantity),
		zap.Int("packs_spanned", len(event.Allocations)),
	)
	return event, nil
}
