package metering

import (
	"context"

	"github.com/fieldserve/backend/internal/domain/metering"
	"github.com/fieldserve/backend/internal/domain/shared"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Finalizer resolves reservations once the outcome of the metered action is
// known. Both paths are idempotent: repeating the transition that already
// happened reports success without applying anything twice. Flipping an event
// from one terminal state to the other is rejected and logged as a severe
// anomaly, which is what preserves the conservation invariant under races.
type Finalizer struct {
	scope  TransactionScope
	events metering.UsageEventRepository
	logger *zap.Logger
}

// NewFinalizer creates a new Finalizer
func NewFinalizer(scope TransactionScope, events metering.UsageEventRepository, logger *zap.Logger) *Finalizer {
	return &Finalizer{
		scope:  scope,
		events: events,
		logger: logger,
	}
}

// Finalize converts a reservation into a permanent debit. The pack balances
// are untouched: the quantity was already deducted at reservation time.
func (f *Finalizer) Finalize(ctx context.Context, eventID uuid.UUID) error {
	applied, err := f.events.Transition(ctx, eventID, metering.EventStateFinalized)
	if err != nil {
		return err
	}
	if applied {
		f.logger.Debug("Usage event finalized", zap.String("event_id", eventID.String()))
		return nil
	}
	return f.reportUnapplied(ctx, eventID, metering.EventStateFinalized)
}

// Compensate reverses a reservation, crediting each allocation's quantity
// back to its pack. The state transition and the credits land in one
// transaction so a crash can never leave the quantity half-returned.
func (f *Finalizer) Compensate(ctx context.Context, eventID uuid.UUID) error {
	var applied bool
	err := f.scope.Execute(ctx, func(repos TransactionalRepositories) error {
		event, err := repos.EventRepo().FindByID(ctx, eventID)
		if err != nil {
			return err
		}

		ok, err := repos.EventRepo().Transition(ctx, eventID, metering.EventStateCompensated)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		applied = true

		for _, a := range event.Allocations {
			credited, err := repos.PackRepo().CreditRemaining(ctx, a.PackID, a.Quantity)
			if err != nil {
				return err
			}
			if !credited {
				// Crediting would overfill the pack, meaning the quantity was
				// already returned some other way. Rolling back keeps the
				// event RESERVED instead of silently losing the discrepancy.
				f.logger.Error("Compensation credit would exceed pack total",
					zap.String("event_id", eventID.String()),
					zap.String("pack_id", a.PackID.String()),
					zap.Int64("quantity", a.Quantity),
				)
				return shared.NewDomainError("COMPENSATION_CREDIT_FAILED", "Crediting the pack would exceed its total")
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if applied {
		f.logger.Debug("Usage event compensated", zap.String("event_id", eventID.String()))
		return nil
	}
	return f.reportUnapplied(ctx, eventID, metering.EventStateCompensated)
}

// reportUnapplied classifies a conditional transition that matched no rows:
// either the event already sits in the target state (idempotent no-op) or an
// attempt was made to leave a terminal state (severe anomaly, not a crash).
func (f *Finalizer) reportUnapplied(ctx context.Context, eventID uuid.UUID, target metering.EventState) error {
	event, err := f.events.FindByID(ctx, eventID)
	if err != nil {
		return err
	}
	if event.State == target {
		return nil
	}
	f.logger.Error("Attempted transition out of a terminal usage event state",
		zap.String("event_id", eventID.String()),
		zap.String("current_state", event.State.String()),
		zap.String("target_state", target.String()),
	)
	return shared.ErrInvalidStateTransition
}
