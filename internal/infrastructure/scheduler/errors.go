package scheduler

import (
	"errors"

	"github.com/fieldserve/backend/internal/domain/shared"
)

var (
	// ErrProcessorNotRunning is returned when a manual sweep is requested
	// while the processor is stopped or disabled
	ErrProcessorNotRunning = shared.NewDomainError("PROCESSOR_NOT_RUNNING", "Compensation processor is not running")

	// ErrInvalidConfig is returned when processor configuration is invalid
	ErrInvalidConfig = errors.New("invalid processor configuration")
)
