package metering

import (
	"context"
	"time"

	"github.com/fieldserve/backend/internal/domain/metering"
)

// TickReporter exposes when the continuous processor last completed a tick
type TickReporter interface {
	LastTickAt() (time.Time, bool)
}

// SweepTrigger runs one stuck-reservation sweep on demand
type SweepTrigger interface {
	TriggerSweep(ctx context.Context) (ReconciliationSummary, error)
}

// StatusReport is the read-only operational view of the metering engine
type StatusReport struct {
	PendingReservationCount int64                  `json:"pending_reservation_count"`
	LastReconciliation      *ReconciliationSummary `json:"last_reconciliation,omitempty"`
	LastProcessorTickAt     *time.Time             `json:"last_processor_tick_at,omitempty"`
}

// StatusService assembles the status report for operational monitoring
type StatusService struct {
	events     metering.UsageEventRepository
	reconciler *Reconciler
	ticks      TickReporter
}

// NewStatusService creates a new StatusService
func NewStatusService(events metering.UsageEventRepository, reconciler *Reconciler, ticks TickReporter) *StatusService {
	return &StatusService{
		events:     events,
		reconciler: reconciler,
		ticks:      ticks,
	}
}

// Report returns the current engine status
func (s *StatusService) Report(ctx context.Context) (*StatusReport, error) {
	pending, err := s.events.CountByState(ctx, metering.EventStateReserved)
	if err != nil {
		return nil, err
	}

	report := &StatusReport{
		PendingReservationCount: pending,
		LastReconciliation:      s.reconciler.LastSummary(),
	}
	if s.ticks != nil {
		if tick, ok := s.ticks.LastTickAt(); ok {
			report.LastProcessorTickAt = &tick
		}
	}
	return report, nil
}
