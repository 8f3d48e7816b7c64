package metering

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// BackgroundProcessor is the lifecycle of the continuous compensation loop
type BackgroundProcessor interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// EngineConfig contains lifecycle configuration
type EngineConfig struct {
	// ShutdownGrace bounds how long Stop waits for in-flight resolution work
	// before allowing process exit
	ShutdownGrace time.Duration
}

// DefaultEngineConfig returns default configuration
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ShutdownGrace: 5 * time.Second,
	}
}

// Engine ties the metering lifecycle together: at boot it runs the startup
// reconciliation to completion and then starts the continuous processor; on a
// termination signal it stops scheduling new processor ticks immediately and
// waits a bounded grace window for in-flight finalize/compensate calls, so no
// reservation is left resolving mid-write.
type Engine struct {
	reconciler *Reconciler
	processor  BackgroundProcessor
	logger     *zap.Logger
	config     EngineConfig
}

// NewEngine creates a new Engine
func NewEngine(reconciler *Reconciler, processor BackgroundProcessor, logger *zap.Logger, config EngineConfig) *Engine {
	return &Engine{
		reconciler: reconciler,
		processor:  processor,
		logger:     logger,
		config:     config,
	}
}

// Start runs the startup reconciliation and then begins the continuous
// processor. A reconciliation failure is critical but never prevents the
// process from starting and serving traffic.
func (e *Engine) Start(ctx context.Context) error {
	e.reconciler.Run(ctx)
	return e.processor.Start(ctx)
}

// Stop shuts the processor down, waiting up to the grace window for any
// resolution already in flight
func (e *Engine) Stop(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.ShutdownGrace)
		defer cancel()
	}
	return e.processor.Stop(ctx)
}
