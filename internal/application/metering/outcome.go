package metering

import (
	"context"

	"github.com/fieldserve/backend/internal/domain/metering"
)

// Outcome is the ground truth a resolver established for a stuck reservation
type Outcome int

const (
	// OutcomeUnknown means the prober has not produced a verdict
	OutcomeUnknown Outcome = iota

	// OutcomeSucceeded means the metered action demonstrably completed;
	// the reservation must be finalized
	OutcomeSucceeded

	// OutcomeFailed means the metered action demonstrably did not complete;
	// the reservation must be compensated
	OutcomeFailed

	// OutcomeNoSignal means no record of the action exists anywhere it would
	// have left one; treated as failure under the timeout-implies-failure
	// policy, since a successful send always writes a delivery record before
	// the reservation can go stale
	OutcomeNoSignal
)

// OutcomeProber determines ground truth for a reservation whose owning
// process died before finalizing. Implementations consult an external source
// of truth, such as the notification delivery log. A probe error is treated
// as genuine ambiguity: the event is escalated rather than guessed at.
type OutcomeProber interface {
	Probe(ctx context.Context, event *metering.UsageEvent) (Outcome, error)
}

// TimeoutProber is the default prober: it has no external source of truth and
// reports OutcomeNoSignal for every event. Combined with the stale threshold
// this yields the timeout-implies-failure policy: a reservation old enough to
// be swept, with no recorded outcome, is compensated.
type TimeoutProber struct{}

// Probe always reports that no signal about the action exists
func (TimeoutProber) Probe(_ context.Context, _ *metering.UsageEvent) (Outcome, error) {
	return OutcomeNoSignal, nil
}

// Ensure TimeoutProber implements OutcomeProber
var _ OutcomeProber = TimeoutProber{}
