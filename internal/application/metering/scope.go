package metering

import (
	"context"

	"github.com/fieldserve/backend/internal/domain/metering"
)

// TransactionScope provides atomic execution of multiple repository
// operations. The ledger decrement and the usage event insert must never be
// visible partially, so every reservation and compensation runs through it.
type TransactionScope interface {
	Execute(ctx context.Context, fn func(repos TransactionalRepositories) error) error
}

// TransactionalRepositories gives access to the metering repositories bound
// to a single transaction
type TransactionalRepositories interface {
	PackRepo() metering.PackRepository
	EventRepo() metering.UsageEventRepository
}
