package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	appmetering "github.com/fieldserve/backend/internal/application/metering"
	"github.com/fieldserve/backend/internal/domain/metering"
	"github.com/fieldserve/backend/internal/infrastructure/persistence"
	"github.com/fieldserve/backend/internal/infrastructure/persistence/models"
	"github.com/fieldserve/backend/internal/infrastructure/scheduler"
	"github.com/fieldserve/backend/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type meteringTestEnv struct {
	router    *gin.Engine
	packs     metering.PackRepository
	events    metering.UsageEventRepository
	processor *scheduler.CompensationProcessor
}

func setupMeteringTest(t *testing.T) *meteringTestEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&models.PackModel{},
		&models.UsageEventModel{},
		&models.UsageEventAllocationModel{},
	))

	logger := zap.NewNop()
	scope := persistence.NewGormMeteringScope(db)
	packs := persistence.NewGormPackRepository(db)
	events := persistence.NewGormUsageEventRepository(db)

	reservations := appmetering.NewReservationService(scope, events, logger, appmetering.DefaultReservationConfig())
	finalizer := appmetering.NewFinalizer(scope, events, logger)
	reconciler := appmetering.NewReconciler(events, finalizer, appmetering.TimeoutProber{}, logger, appmetering.DefaultReconcilerConfig())

	// Long intervals so only manual sweeps run during the test
	processor := scheduler.NewCompensationProcessor(reconciler, packs, events, logger, scheduler.CompensationProcessorConfig{
		Enabled:       true,
		SweepInterval: time.Hour,
		GraceWindow:   time.Minute,
		AuditInterval: time.Hour,
		TickTimeout:   5 * time.Second,
	}, 5)
	require.NoError(t, processor.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = processor.Stop(ctx)
	})

	status := appmetering.NewStatusService(events, reconciler, processor)

	handler := NewMeteringHandler(reservations, finalizer, status, processor, packs, events, 5)

	router := gin.New()
	router.Use(middleware.RequestID())
	api := router.Group("/api/v1")
	handler.RegisterRoutes(api)

	return &meteringTestEnv{router: router, packs: packs, events: events, processor: processor}
}

func (env *meteringTestEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.True(t, envelope.Success)
	require.NoError(t, json.Unmarshal(envelope.Data, out))
}

func TestMeteringHandler_CreateAndListPacks(t *testing.T) {
	env := setupMeteringTest(t)
	orgID := uuid.New().String()

	w := env.do(t, "POST", "/api/v1/packs", gin.H{
		"org_id":           orgID,
		"resource_type":    "sms",
		"quantity":         500,
		"source_reference": "ch_test_001",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created PackResponse
	decodeData(t, w, &created)
	assert.Equal(t, orgID, created.OrgID)
	assert.Equal(t, int64(500), created.QuantityTotal)
	assert.Equal(t, int64(500), created.QuantityRemaining)

	w = env.do(t, "GET", "/api/v1/packs?org_id="+orgID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var listed []PackResponse
	decodeData(t, w, &listed)
	require.Len(t, listed, 1)
	assert.Equal(t, created.ID, listed[0].ID)
}

func TestMeteringHandler_CreatePack_Validation(t *testing.T) {
	env := setupMeteringTest(t)

	t.Run("missing org", func(t *testing.T) {
		w := env.do(t, "POST", "/api/v1/packs", gin.H{
			"resource_type":    "sms",
			"quantity":         10,
			"source_reference": "ch_x",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown resource type", func(t *testing.T) {
		w := env.do(t, "POST", "/api/v1/packs", gin.H{
			"org_id":           uuid.New().String(),
			"resource_type":    "carrier-pigeon",
			"quantity":         10,
			"source_reference": "ch_x",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestMeteringHandler_ReserveLifecycle(t *testing.T) {
	env := setupMeteringTest(t)
	orgID := uuid.New().String()

	w := env.do(t, "POST", "/api/v1/packs", gin.H{
		"org_id":           orgID,
		"resource_type":    "email",
		"quantity":         100,
		"source_reference": "ch_test_002",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	// Reserve
	w = env.do(t, "POST", "/api/v1/usage/reserve", gin.H{
		"org_id":          orgID,
		"resource_type":   "email",
		"quantity":        30,
		"idempotency_key": "send-batch-1",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var event UsageEventResponse
	decodeData(t, w, &event)
	assert.Equal(t, "RESERVED", event.State)
	assert.Equal(t, int64(30), event.Quantity)
	require.Len(t, event.Allocations, 1)

	// Replay with the same key returns the original event
	w = env.do(t, "POST", "/api/v1/usage/reserve", gin.H{
		"org_id":          orgID,
		"resource_type":   "email",
		"quantity":        30,
		"idempotency_key": "send-batch-1",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var replay UsageEventResponse
	decodeData(t, w, &replay)
	assert.Equal(t, event.ID, replay.ID)

	// The ledger was only debited once
	var listed []PackResponse
	w = env.do(t, "GET", "/api/v1/packs?org_id="+orgID, nil)
	decodeData(t, w, &listed)
	require.Len(t, listed, 1)
	assert.Equal(t, int64(70), listed[0].QuantityRemaining)

	// Finalize
	w = env.do(t, "POST", "/api/v1/usage/"+event.ID+"/finalize", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	// Finalize replay is a no-op
	w = env.do(t, "POST", "/api/v1/usage/"+event.ID+"/finalize", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	// Compensating a finalized event is rejected
	w = env.do(t, "POST", "/api/v1/usage/"+event.ID+"/compensate", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Event is visible with its terminal state
	w = env.do(t, "GET", "/api/v1/usage/"+event.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decodeData(t, w, &event)
	assert.Equal(t, "FINALIZED", event.State)
	assert.NotNil(t, event.ResolvedAt)
}

func TestMeteringHandler_CompensateReturnsBalance(t *testing.T) {
	env := setupMeteringTest(t)
	orgID := uuid.New().String()

	w := env.do(t, "POST", "/api/v1/packs", gin.H{
		"org_id":           orgID,
		"resource_type":    "voice",
		"quantity":         50,
		"source_reference": "ch_test_003",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = env.do(t, "POST", "/api/v1/usage/reserve", gin.H{
		"org_id":          orgID,
		"resource_type":   "voice",
		"quantity":        20,
		"idempotency_key": "call-1",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var event UsageEventResponse
	decodeData(t, w, &event)

	w = env.do(t, "POST", "/api/v1/usage/"+event.ID+"/compensate", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	var listed []PackResponse
	w = env.do(t, "GET", "/api/v1/packs?org_id="+orgID, nil)
	decodeData(t, w, &listed)
	require.Len(t, listed, 1)
	assert.Equal(t, int64(50), listed[0].QuantityRemaining, "full balance restored")
}

func TestMeteringHandler_ReserveInsufficientBalance(t *testing.T) {
	env := setupMeteringTest(t)
	orgID := uuid.New().String()

	w := env.do(t, "POST", "/api/v1/packs", gin.H{
		"org_id":           orgID,
		"resource_type":    "sms",
		"quantity":         10,
		"source_reference": "ch_test_004",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = env.do(t, "POST", "/api/v1/usage/reserve", gin.H{
		"org_id":          orgID,
		"resource_type":   "sms",
		"quantity":        11,
		"idempotency_key": "too-much",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	// The ledger stays untouched after a failed reservation
	var listed []PackResponse
	w = env.do(t, "GET", "/api/v1/packs?org_id="+orgID, nil)
	decodeData(t, w, &listed)
	require.Len(t, listed, 1)
	assert.Equal(t, int64(10), listed[0].QuantityRemaining)
}

func TestMeteringHandler_GetUsageEvent_NotFound(t *testing.T) {
	env := setupMeteringTest(t)

	w := env.do(t, "GET", "/api/v1/usage/"+uuid.New().String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMeteringHandler_Status(t *testing.T) {
	env := setupMeteringTest(t)

	w := env.do(t, "GET", "/api/v1/metering/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var report appmetering.StatusReport
	decodeData(t, w, &report)
	assert.Equal(t, int64(0), report.PendingReservationCount)
}

func TestMeteringHandler_TriggerSweep(t *testing.T) {
	env := setupMeteringTest(t)
	orgID := uuid.New()

	// Plant a stuck reservation older than the grace window, its debit
	// already applied, as if the owning process died mid-action
	pack, err := metering.NewPack(orgID, metering.ResourceSMS, 100, "ch_sweep", nil)
	require.NoError(t, err)
	require.NoError(t, env.packs.Create(context.Background(), pack))

	ok, err := env.packs.DecrementRemaining(context.Background(), pack.ID, 10)
	require.NoError(t, err)
	require.True(t, ok)

	event, err := metering.NewUsageEvent(orgID, metering.ResourceSMS, 10, "stuck-1",
		[]metering.PackAllocation{{PackID: pack.ID, Quantity: 10}})
	require.NoError(t, err)
	event.CreatedAt = time.Now().Add(-2 * time.Minute)
	require.NoError(t, env.events.Create(context.Background(), event))

	w := env.do(t, "POST", "/api/v1/metering/sweep", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var summary appmetering.ReconciliationSummary
	decodeData(t, w, &summary)
	assert.Equal(t, 1, summary.Recovered)

	// No outcome signal, so the sweep compensated and returned the debit
	stored, err := env.packs.FindByID(context.Background(), pack.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), stored.QuantityRemaining)
}

func TestMeteringHandler_TriggerSweep_ProcessorStopped(t *testing.T) {
	env := setupMeteringTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.processor.Stop(ctx))

	w := env.do(t, "POST", "/api/v1/metering/sweep", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, w.Body.String())
}

func TestMeteringHandler_ListEscalations_Empty(t *testing.T) {
	env := setupMeteringTest(t)

	w := env.do(t, "GET", "/api/v1/metering/escalations", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var events []UsageEventResponse
	decodeData(t, w, &events)
	assert.Empty(t, events)
}
