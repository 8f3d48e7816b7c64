package metering

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fieldserve/backend/internal/domain/metering"
	"github.com/fieldserve/backend/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newReservationService(scope *memScope, events *memUsageEventRepository) *ReservationService {
	return NewReservationService(scope, events, zap.NewNop(), DefaultReservationConfig())
}

func mustPack(t *testing.T, packs *memPackRepository, orgID uuid.UUID, rt metering.ResourceType, qty int64, expiresAt *time.Time) *metering.Pack {
	t.Helper()
	pack, err := metering.NewPack(orgID, rt, qty, "ch_"+uuid.New().String()[:8], expiresAt)
	require.NoError(t, err)
	require.NoError(t, packs.Create(context.Background(), pack))
	return pack
}

func TestReserve_SinglePack(t *testing.T) {
	scope, packs, events := newTestEnv()
	svc := newReservationService(scope, events)
	orgID := uuid.New()

	pack := mustPack(t, packs, orgID, metering.ResourceSMS, 100, nil)

	event, err := svc.Reserve(context.Background(), orgID, metering.ResourceSMS, 40, "key-1")
	require.NoError(t, err)

	assert.Equal(t, metering.EventStateReserved, event.State)
	assert.Equal(t, int64(40), event.QuantityRequested)
	require.Len(t, event.Allocations, 1)
	assert.Equal(t, pack.ID, event.Allocations[0].PackID)
	assert.Equal(t, int64(40), event.Allocations[0].Quantity)

	stored, err := packs.FindByID(context.Background(), pack.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(60), stored.QuantityRemaining)
}

func TestReserve_SpansMultiplePacksSoonestExpiringFirst(t *testing.T) {
	scope, packs, events := newTestEnv()
	svc := newReservationService(scope, events)
	orgID := uuid.New()

	soon := time.Now().Add(24 * time.Hour)
	later := time.Now().Add(30 * 24 * time.Hour)

	expiringSoon := mustPack(t, packs, orgID, metering.ResourceEmail, 30, &soon)
	expiringLater := mustPack(t, packs, orgID, metering.ResourceEmail, 100, &later)
	perpetual := mustPack(t, packs, orgID, metering.ResourceEmail, 100, nil)

	event, err := svc.Reserve(context.Background(), orgID, metering.ResourceEmail, 50, "key-span")
	require.NoError(t, err)

	// 30 from the soonest-expiring pack, the remaining 20 from the next one;
	// the perpetual pack is untouched.
	require.Len(t, event.Allocations, 2)
	assert.Equal(t, expiringSoon.ID, event.Allocations[0].PackID)
	assert.Equal(t, int64(30), event.Allocations[0].Quantity)
	assert.Equal(t, expiringLater.ID, event.Allocations[1].PackID)
	assert.Equal(t, int64(20), event.Allocations[1].Quantity)

	untouched, err := packs.FindByID(context.Background(), perpetual.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), untouched.QuantityRemaining)
}

func TestReserve_SkipsExpiredAndExhaustedPacks(t *testing.T) {
	scope, packs, events := newTestEnv()
	svc := newReservationService(scope, events)
	orgID := uuid.New()

	// An expired pack cannot be created through NewPack; simulate one that
	// expired after purchase.
	past := time.Now().Add(-time.Minute)
	expired, err := metering.NewPack(orgID, metering.ResourceSMS, 50, "ch_expired", nil)
	require.NoError(t, err)
	expired.ExpiresAt = &past
	require.NoError(t, packs.Create(context.Background(), expired))

	exhausted := mustPack(t, packs, orgID, metering.ResourceSMS, 50, nil)
	_, err = packs.DecrementRemaining(context.Background(), exhausted.ID, 50)
	require.NoError(t, err)

	live := mustPack(t, packs, orgID, metering.ResourceSMS, 50, nil)

	event, err := svc.Reserve(context.Background(), orgID, metering.ResourceSMS, 10, "key-skip")
	require.NoError(t, err)
	require.Len(t, event.Allocations, 1)
	assert.Equal(t, live.ID, event.Allocations[0].PackID)
}

func TestReserve_InsufficientBalanceLeavesLedgerUntouched(t *testing.T) {
	scope, packs, events := newTestEnv()
	svc := newReservationService(scope, events)
	orgID := uuid.New()

	a := mustPack(t, packs, orgID, metering.ResourceVoice, 10, nil)
	b := mustPack(t, packs, orgID, metering.ResourceVoice, 15, nil)

	_, err := svc.Reserve(context.Background(), orgID, metering.ResourceVoice, 26, "key-short")
	assert.ErrorIs(t, err, shared.ErrInsufficientBalance)

	for _, id := range []uuid.UUID{a.ID, b.ID} {
		stored, err := packs.FindByID(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, stored.QuantityTotal, stored.QuantityRemaining)
	}

	count, err := events.CountByState(context.Background(), metering.EventStateReserved)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestReserve_IdempotentReplay(t *testing.T) {
	scope, packs, events := newTestEnv()
	svc := newReservationService(scope, events)
	orgID := uuid.New()

	pack := mustPack(t, packs, orgID, metering.ResourceSMS, 100, nil)

	first, err := svc.Reserve(context.Background(), orgID, metering.ResourceSMS, 25, "key-replay")
	require.NoError(t, err)

	second, err := svc.Reserve(context.Background(), orgID, metering.ResourceSMS, 25, "key-replay")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// Only one debit happened
	stored, err := packs.FindByID(context.Background(), pack.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(75), stored.QuantityRemaining)
}

func TestReserve_SameKeyDifferentOrgs(t *testing.T) {
	scope, packs, events := newTestEnv()
	svc := newReservationService(scope, events)

	orgA := uuid.New()
	orgB := uuid.New()
	mustPack(t, packs, orgA, metering.ResourceSMS, 100, nil)
	mustPack(t, packs, orgB, metering.ResourceSMS, 100, nil)

	a, err := svc.Reserve(context.Background(), orgA, metering.ResourceSMS, 10, "shared-key")
	require.NoError(t, err)
	b, err := svc.Reserve(context.Background(), orgB, metering.ResourceSMS, 10, "shared-key")
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID, "keys are scoped per org")
}

func TestReserve_Validation(t *testing.T) {
	scope, _, events := newTestEnv()
	svc := newReservationService(scope, events)

	tests := []struct {
		name     string
		orgID    uuid.UUID
		resource metering.ResourceType
		quantity int64
		key      string
	}{
		{"nil org", uuid.Nil, metering.ResourceSMS, 1, "k"},
		{"invalid resource type", uuid.New(), metering.ResourceType("fax"), 1, "k"},
		{"zero quantity", uuid.New(), metering.ResourceSMS, 0, "k"},
		{"negative quantity", uuid.New(), metering.ResourceSMS, -5, "k"},
		{"empty idempotency key", uuid.New(), metering.ResourceSMS, 1, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Reserve(context.Background(), tt.orgID, tt.resource, tt.quantity, tt.key)
			var domainErr *shared.DomainError
			require.ErrorAs(t, err, &domainErr)
		})
	}
}

func TestReserve_NoPacksAtAll(t *testing.T) {
	scope, _, events := newTestEnv()
	svc := newReservationService(scope, events)

	_, err := svc.Reserve(context.Background(), uuid.New(), metering.ResourceEmail, 1, "key-empty")
	assert.ErrorIs(t, err, shared.ErrInsufficientBalance)
}

func TestReserve_ConcurrentCallersNeverOversell(t *testing.T) {
	scope, packs, events := newTestEnv()
	svc := newReservationService(scope, events)
	orgID := uuid.New()

	pack := mustPack(t, packs, orgID, metering.ResourceSMS, 7, nil)

	// Two callers race for a balance that can only cover one of them
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Reserve(context.Background(), orgID, metering.ResourceSMS, 6,
				fmt.Sprintf("caller-%d", i))
		}(i)
	}
	wg.Wait()

	var won, short int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, shared.ErrInsufficientBalance):
			short++
		default:
			t.Fatalf("unexpected reserve error: %v", err)
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, 1, short)

	// Exactly one debit landed and the remaining balance never went negative
	stored, err := packs.FindByID(context.Background(), pack.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.QuantityRemaining)

	count, err := events.CountByState(context.Background(), metering.EventStateReserved)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestReserve_ExactBalanceDrainsPack(t *testing.T) {
	scope, packs, events := newTestEnv()
	svc := newReservationService(scope, events)
	orgID := uuid.New()

	pack := mustPack(t, packs, orgID, metering.ResourceSMS, 10, nil)

	event, err := svc.Reserve(context.Background(), orgID, metering.ResourceSMS, 10, "key-exact")
	require.NoError(t, err)
	assert.Equal(t, int64(10), event.AllocatedQuantity())

	stored, err := packs.FindByID(context.Background(), pack.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.QuantityRemaining)
	assert.True(t, stored.IsExhausted())
}
