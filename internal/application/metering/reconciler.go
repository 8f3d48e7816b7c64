package metering

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fieldserve/backend/internal/domain/metering"
	"github.com/fieldserve/backend/internal/domain/shared"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ReconcilerConfig contains configuration for reservation recovery
type ReconcilerConfig struct {
	// StaleThreshold is the maximum plausible duration of a metered action.
	// RESERVED events older than this are presumed abandoned by a dead process.
	StaleThreshold time.Duration

	// LeaseDuration is how long a resolver's claim on an event lasts before
	// another resolver may take over
	LeaseDuration time.Duration

	// MaxEscalations is the ceiling after which automatic resolution stops
	// and the event is surfaced for manual operator review
	MaxEscalations int

	// BatchSize caps how many stuck events one sweep processes
	BatchSize int
}

// DefaultReconcilerConfig returns default configuration
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		StaleThreshold: 10 * time.Minute,
		LeaseDuration:  2 * time.Minute,
		MaxEscalations: 5,
		BatchSize:      100,
	}
}

// ReconciliationSummary reports the result of one recovery sweep
type ReconciliationSummary struct {
	Recovered int       `json:"recovered"`
	Failed    int       `json:"failed"`
	Errors    []string  `json:"errors,omitempty"`
	RanAt     time.Time `json:"ran_at"`
}

// Reconciler resolves reservations abandoned by a terminated process. It runs
// once at boot over everything older than the stale threshold, and the
// background processor reuses its claim-then-resolve sweep on a shorter grace
// window. Before touching an event the reconciler claims it with a lease so
// that resolvers in this or any other process never double-process one event.
type Reconciler struct {
	events    metering.UsageEventRepository
	finalizer *Finalizer
	prober    OutcomeProber
	logger    *zap.Logger
	config    ReconcilerConfig
	owner     string

	mu          sync.Mutex
	lastSummary *ReconciliationSummary
}

// NewReconciler creates a new Reconciler. Each instance carries its own
// resolver identity for lease claims.
func NewReconciler(
	events metering.UsageEventRepository,
	finalizer *Finalizer,
	prober OutcomeProber,
	logger *zap.Logger,
	config ReconcilerConfig,
) *Reconciler {
	return &Reconciler{
		events:    events,
		finalizer: finalizer,
		prober:    prober,
		logger:    logger,
		config:    config,
		owner:     "resolver:" + uuid.New().String(),
	}
}

// Run performs the startup sweep over reservations presumed abandoned by a
// prior process instance. It must run to completion before the continuous
// processor starts; a failure is critical but never prevents the process from
// serving traffic.
func (r *Reconciler) Run(ctx context.Context) ReconciliationSummary {
	summary := r.sweep(ctx, r.config.StaleThreshold)

	r.mu.Lock()
	r.lastSummary = &summary
	r.mu.Unlock()

	if len(summary.Errors) > 0 {
		r.logger.Error("Startup reconciliation completed with errors",
			zap.Int("recovered", summary.Recovered),
			zap.Int("failed", summary.Failed),
			zap.Strings("errors", summary.Errors),
		)
	} else {
		r.logger.Info("Startup reconciliation completed",
			zap.Int("recovered", summary.Recovered),
			zap.Int("failed", summary.Failed),
		)
	}
	return summary
}

// SweepStuck resolves RESERVED events older than the given grace window.
// The continuous processor calls this on every tick.
func (r *Reconciler) SweepStuck(ctx context.Context, olderThan time.Duration) ReconciliationSummary {
	return r.sweep(ctx, olderThan)
}

// LastSummary returns the most recent startup reconciliation summary, or nil
// if reconciliation has not run
func (r *Reconciler) LastSummary() *ReconciliationSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSummary
}

func (r *Reconciler) sweep(ctx context.Context, olderThan time.Duration) ReconciliationSummary {
	summary := ReconciliationSummary{RanAt: time.Now()}
	cutoff := time.Now().Add(-olderThan)

	stale, err := r.events.FindStaleReserved(ctx, cutoff, r.config.BatchSize)
	if err != nil {
		summary.Failed++
		summary.Errors = append(summary.Errors, fmt.Sprintf("scan stale reservations: %v", err))
		return summary
	}

	for _, event := range stale {
		if event.EscalationCount >= r.config.MaxEscalations {
			// Past the ceiling: stop guessing and leave it to an operator.
			r.logger.Error("Stuck reservation exceeds escalation ceiling, needs manual review",
				zap.String("event_id", event.ID.String()),
				zap.String("org_id", event.OrgID.String()),
				zap.Int("escalation_count", event.EscalationCount),
			)
			continue
		}

		claimed, err := r.events.Claim(ctx, event.ID, r.owner, time.Now().Add(r.config.LeaseDuration))
		if err != nil {
			summary.Failed++
			summary.Errors = append(summary.Errors, fmt.Sprintf("claim %s: %v", event.ID, err))
			continue
		}
		if !claimed {
			// Another resolver holds the lease or already resolved it.
			continue
		}

		if r.resolve(ctx, event) {
			summary.Recovered++
		} else {
			summary.Failed++
			summary.Errors = append(summary.Errors, fmt.Sprintf("unresolved %s, escalated", event.ID))
		}
	}
	return summary
}

// resolve probes ground truth for a claimed event and applies the verdict.
// Returns false when the event stays RESERVED and was escalated instead.
func (r *Reconciler) resolve(ctx context.Context, event *metering.UsageEvent) bool {
	outcome, err := r.prober.Probe(ctx, event)
	if err != nil {
		r.escalate(ctx, event, fmt.Sprintf("probe error: %v", err))
		return false
	}

	switch outcome {
	case OutcomeSucceeded:
		if err := r.finalizer.Finalize(ctx, event.ID); err != nil {
			r.escalate(ctx, event, fmt.Sprintf("finalize failed: %v", err))
			return false
		}
		r.logger.Info("Recovered stuck reservation as finalized",
			zap.String("event_id", event.ID.String()),
		)
		return true

	case OutcomeFailed, OutcomeNoSignal:
		if err := r.finalizer.Compensate(ctx, event.ID); err != nil {
			r.escalate(ctx, event, fmt.Sprintf("compensate failed: %v", err))
			return false
		}
		r.logger.Info("Recovered stuck reservation as compensated",
			zap.String("event_id", event.ID.String()),
			zap.Bool("no_signal", outcome == OutcomeNoSignal),
		)
		return true

	default:
		r.escalate(ctx, event, "prober returned no verdict")
		return false
	}
}

// escalate leaves the event RESERVED with a bumped escalation count and
// releases the claim so a later sweep, or an operator, can pick it up
func (r *Reconciler) escalate(ctx context.Context, event *metering.UsageEvent, reason string) {
	r.logger.Warn("Ambiguous reservation outcome, escalating",
		zap.String("event_id", event.ID.String()),
		zap.String("reason", reason),
		zap.Int("escalation_count", event.EscalationCount+1),
	)
	if err := r.events.IncrementEscalation(ctx, event.ID); err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			// The event reached a terminal state while we held the claim,
			// typically the caller's own finalize or compensate landing
			// mid-probe. Nothing left to escalate.
			r.logger.Debug("Reservation resolved during escalation, skipping",
				zap.String("event_id", event.ID.String()),
			)
			return
		}
		r.logger.Error("Failed to increment escalation count",
			zap.String("event_id", event.ID.String()),
			zap.Error(err),
		)
	}
	if err := r.events.ReleaseClaim(ctx, event.ID, r.owner); err != nil {
		r.logger.Error("Failed to release resolver claim",
			zap.String("event_id", event.ID.String()),
			zap.Error(err),
		)
	}
}
