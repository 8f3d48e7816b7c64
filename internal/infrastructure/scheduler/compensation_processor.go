package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	appmetering "github.com/fieldserve/backend/internal/application/metering"
	"github.com/fieldserve/backend/internal/domain/metering"
	"go.uber.org/zap"
)

// CompensationProcessorConfig holds configuration for the background
// compensation processor
type CompensationProcessorConfig struct {
	// Enabled determines if the processor is active
	Enabled bool

	// SweepInterval is how often stuck reservations are scanned for
	SweepInterval time.Duration

	// GraceWindow is the minimum age before a RESERVED event counts as stuck.
	// It must comfortably exceed normal action latency so in-progress
	// reservations are never swept out from under their caller.
	GraceWindow time.Duration

	// AuditInterval is how often the conservation invariant is recomputed
	// from the event log and compared against the live ledger
	AuditInterval time.Duration

	// TickTimeout bounds one sweep or audit run
	TickTimeout time.Duration
}

// DefaultCompensationProcessorConfig returns default configuration
func DefaultCompensationProcessorConfig() CompensationProcessorConfig {
	return CompensationProcessorConfig{
		Enabled:       true,
		SweepInterval: time.Minute,
		GraceWindow:   5 * time.Minute,
		AuditInterval: time.Hour,
		TickTimeout:   30 * time.Second,
	}
}

// validate rejects configurations that would make a loop spin or leave a
// tick unbounded
func (c CompensationProcessorConfig) validate() error {
	if c.SweepInterval <= 0 {
		return fmt.Errorf("%w: sweep interval must be positive", ErrInvalidConfig)
	}
	if c.AuditInterval <= 0 {
		return fmt.Errorf("%w: audit interval must be positive", ErrInvalidConfig)
	}
	if c.GraceWindow <= 0 {
		return fmt.Errorf("%w: grace window must be positive", ErrInvalidConfig)
	}
	if c.TickTimeout <= 0 {
		return fmt.Errorf("%w: tick timeout must be positive", ErrInvalidConfig)
	}
	return nil
}

// CompensationProcessor is the long-lived background loop that resolves stuck
// reservations and audits the conservation invariant. It is an explicit
// lifecycle object: Start and Stop can be called repeatedly without
// process-wide side effects, and cancellation is checked at tick boundaries
// so shutdown is deterministic instead of racing a timer.
type CompensationProcessor struct {
	reconciler *appmetering.Reconciler
	packs      metering.PackRepository
	events     metering.UsageEventRepository
	logger     *zap.Logger
	config     CompensationProcessorConfig
	ceiling    int // escalation ceiling, from the reconciler config

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
	lastTick  time.Time
}

// NewCompensationProcessor creates a new CompensationProcessor
func NewCompensationProcessor(
	reconciler *appmetering.Reconciler,
	packs metering.PackRepository,
	events metering.UsageEventRepository,
	logger *zap.Logger,
	config CompensationProcessorConfig,
	escalationCeiling int,
) *CompensationProcessor {
	return &CompensationProcessor{
		reconciler: reconciler,
		packs:      packs,
		events:     events,
		logger:     logger,
		config:     config,
		ceiling:    escalationCeiling,
	}
}

// Start starts the processor loops
func (p *CompensationProcessor) Start(ctx context.Context) error {
	if err := p.config.validate(); err != nil {
		return err
	}

	p.mu.Lock()
	if p.isRunning {
		p.mu.Unlock()
		return nil
	}
	if !p.config.Enabled {
		p.mu.Unlock()
		p.logger.Info("Compensation processor is disabled")
		return nil
	}
	p.isRunning = true
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go p.runSweepLoop(ctx)

	p.wg.Add(1)
	go p.runAuditLoop(ctx)

	p.logger.Info("Compensation processor started",
		zap.Duration("sweep_interval", p.config.SweepInterval),
		zap.Duration("grace_window", p.config.GraceWindow),
		zap.Duration("audit_interval", p.config.AuditInterval),
	)
	return nil
}

// Stop stops scheduling new ticks immediately and waits, up to the caller's
// deadline, for any resolution already in flight to finish. In-flight work is
// never interrupted: a transition that has begun runs to completion.
func (p *CompensationProcessor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.isRunning {
		p.mu.Unlock()
		return nil
	}
	p.isRunning = false
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Compensation processor stopped gracefully")
		return nil
	case <-ctx.Done():
		p.logger.Warn("Compensation processor stop timed out with work in flight")
		return ctx.Err()
	}
}

// IsRunning returns whether the processor is running
func (p *CompensationProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isRunning
}

// LastTickAt returns when the last sweep tick completed
func (p *CompensationProcessor) LastTickAt() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastTick, !p.lastTick.IsZero()
}

// TriggerSweep runs one stuck-reservation sweep immediately, outside the
// regular interval. Operators use it to drain a backlog without waiting for
// the next tick.
func (p *CompensationProcessor) TriggerSweep(ctx context.Context) (appmetering.ReconciliationSummary, error) {
	p.mu.Lock()
	running := p.isRunning
	p.mu.Unlock()

	if !running {
		return appmetering.ReconciliationSummary{}, ErrProcessorNotRunning
	}
	return p.executeSweep(ctx), nil
}

// runSweepLoop periodically resolves stuck reservations
func (p *CompensationProcessor) runSweepLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("Sweep loop stopping")
			return
		case <-ticker.C:
			p.executeSweep(ctx)
		}
	}
}

// runAuditLoop periodically verifies the conservation invariant
func (p *CompensationProcessor) runAuditLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.AuditInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("Audit loop stopping")
			return
		case <-ticker.C:
			p.executeAudit(ctx)
		}
	}
}

// executeSweep runs one claim-then-resolve pass over stuck reservations.
// The work context is detached from the loop's cancellation: once a tick has
// begun, shutdown waits for it instead of interrupting a transition mid-write.
func (p *CompensationProcessor) executeSweep(ctx context.Context) appmetering.ReconciliationSummary {
	tickCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.TickTimeout)
	defer cancel()

	start := time.Now()
	summary := p.reconciler.SweepStuck(tickCtx, p.config.GraceWindow)

	p.mu.Lock()
	p.lastTick = time.Now()
	p.mu.Unlock()

	if summary.Recovered > 0 || summary.Failed > 0 {
		p.logger.Info("Compensation sweep completed",
			zap.Int("recovered", summary.Recovered),
			zap.Int("failed", summary.Failed),
			zap.Duration("duration", time.Since(start)),
		)
	} else {
		p.logger.Debug("Compensation sweep found nothing to do",
			zap.Duration("duration", time.Since(start)),
		)
	}
	return summary
}

// executeAudit recomputes per-pack debits from the usage event log and
// compares them with the live ledger. Divergence is never auto-corrected:
// silently rewriting a balance could mask a real bug with real money, so it
// is raised as a critical alert for manual investigation.
func (p *CompensationProcessor) executeAudit(ctx context.Context) {
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.TickTimeout)
	defer cancel()

	rows, err := p.packs.ConservationReport(auditCtx)
	if err != nil {
		p.logger.Error("Conservation audit failed", zap.Error(err))
		return
	}

	diverged := 0
	for _, row := range rows {
		if row.Diverged() {
			diverged++
			p.logger.Error("CRITICAL: conservation invariant divergence",
				zap.String("pack_id", row.PackID.String()),
				zap.Int64("ledger_consumed", row.LedgerConsumed),
				zap.Int64("finalized_total", row.FinalizedTotal),
				zap.Int64("reserved_total", row.ReservedTotal),
			)
		}
	}

	escalated, err := p.events.FindEscalated(auditCtx, p.ceiling)
	if err != nil {
		p.logger.Error("Escalated reservation scan failed", zap.Error(err))
	} else {
		for _, event := range escalated {
			p.logger.Error("Reservation awaiting manual operator review",
				zap.String("event_id", event.ID.String()),
				zap.String("org_id", event.OrgID.String()),
				zap.Int("escalation_count", event.EscalationCount),
				zap.Time("created_at", event.CreatedAt),
			)
		}
	}

	p.logger.Info("Conservation audit completed",
		zap.Int("packs_checked", len(rows)),
		zap.Int("diverged", diverged),
		zap.Int("awaiting_review", len(escalated)),
	)
}

// Ensure CompensationProcessor satisfies the lifecycle and status contracts
var (
	_ appmetering.BackgroundProcessor = (*CompensationProcessor)(nil)
	_ appmetering.TickReporter        = (*CompensationProcessor)(nil)
	_ appmetering.SweepTrigger        = (*CompensationProcessor)(nil)
)
