package persistence

import (
	"context"

	appmetering "github.com/fieldserve/backend/internal/application/metering"
	"github.com/fieldserve/backend/internal/domain/metering"
	"gorm.io/gorm"
)

// GormMeteringScope implements TransactionScope using GORM transactions.
// The reservation and compensation paths need the ledger decrement/credit and
// the usage event write to land in one atomic unit; this scope hands both
// repositories out bound to the same transaction.
type GormMeteringScope struct {
	db *gorm.DB
}

// NewGormMeteringScope creates a new GormMeteringScope
func NewGormMeteringScope(db *gorm.DB) *GormMeteringScope {
	return &GormMeteringScope{db: db}
}

// Execute runs the given function within a database transaction.
// If the function returns an error, the transaction is rolled back.
func (s *GormMeteringScope) Execute(ctx context.Context, fn func(repos appmetering.TransactionalRepositories) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormMeteringRepositories{tx: tx})
	})
}

// gormMeteringRepositories provides transaction-scoped repository access
type gormMeteringRepositories struct {
	tx *gorm.DB
}

// PackRepo returns the pack repository scoped to the current transaction
func (r *gormMeteringRepositories) PackRepo() metering.PackRepository {
	return NewGormPackRepository(r.tx)
}

// EventRepo returns the usage event repository scoped to the current transaction
func (r *gormMeteringRepositories) EventRepo() metering.UsageEventRepository {
	return NewGormUsageEventRepository(r.tx)
}

// Ensure GormMeteringScope implements TransactionScope
var _ appmetering.TransactionScope = (*GormMeteringScope)(nil)

// Ensure gormMeteringRepositories implements TransactionalRepositories
var _ appmetering.TransactionalRepositories = (*gormMeteringRepositories)(nil)
