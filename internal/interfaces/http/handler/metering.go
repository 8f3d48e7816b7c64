package handler

import (
	"time"

	appmetering "github.com/fieldserve/backend/internal/application/metering"
	"github.com/fieldserve/backend/internal/domain/metering"
	"github.com/fieldserve/backend/internal/interfaces/http/dto"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// MeteringHandler exposes the usage consumption and pack endpoints
type MeteringHandler struct {
	BaseHandler
	reservations *appmetering.ReservationService
	finalizer    *appmetering.Finalizer
	status       *appmetering.StatusService
	sweeper      appmetering.SweepTrigger
	packs        metering.PackRepository
	events       metering.UsageEventRepository
	ceiling      int
}

// NewMeteringHandler creates a new MeteringHandler
func NewMeteringHandler(
	reservations *appmetering.ReservationService,
	finalizer *appmetering.Finalizer,
	status *appmetering.StatusService,
	sweeper appmetering.SweepTrigger,
	packs metering.PackRepository,
	events metering.UsageEventRepository,
	escalationCeiling int,
) *MeteringHandler {
	return &MeteringHandler{
		reservations: reservations,
		finalizer:    finalizer,
		status:       status,
		sweeper:      sweeper,
		packs:        packs,
		events:       events,
		ceiling:      escalationCeiling,
	}
}

// RegisterRoutes registers metering routes
func (h *MeteringHandler) RegisterRoutes(rg *gin.RouterGroup) {
	usage := rg.Group("/usage")
	{
		usage.POST("/reserve", h.Reserve)
		usage.GET("/:id", h.GetUsageEvent)
		usage.POST("/:id/finalize", h.Finalize)
		usage.POST("/:id/compensate", h.Compensate)
	}

	engine := rg.Group("/metering")
	{
		engine.GET("/status", h.GetStatus)
		engine.GET("/escalations", h.ListEscalations)
		engine.POST("/sweep", h.TriggerSweep)
	}

	packs := rg.Group("/packs")
	{
		packs.GET("", h.ListPacks)
		packs.POST("", h.CreatePack)
	}
}

// ReserveRequest is the payload for creating a reservation
type ReserveRequest struct {
	OrgID          string `json:"org_id" binding:"required,uuid"`
	ResourceType   string `json:"resource_type" binding:"required"`
	Quantity       int64  `json:"quantity" binding:"required,min=1"`
	IdempotencyKey string `json:"idempotency_key" binding:"required,max=255"`
}

// AllocationResponse is one pack's share of a reservation
type AllocationResponse struct {
	PackID   string `json:"pack_id"`
	Quantity int64  `json:"quantity"`
}

// UsageEventResponse is the API view of a usage event
type UsageEventResponse struct {
	ID              string               `json:"id"`
	OrgID           string               `json:"org_id"`
	ResourceType    string               `json:"resource_type"`
	Quantity        int64                `json:"quantity"`
	State           string               `json:"state"`
	IdempotencyKey  string               `json:"idempotency_key"`
	Allocations     []AllocationResponse `json:"allocations"`
	ResolvedAt      *time.Time           `json:"resolved_at,omitempty"`
	EscalationCount int                  `json:"escalation_count,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
}

func toUsageEventResponse(event *metering.UsageEvent) UsageEventResponse {
	allocations := make([]AllocationResponse, 0, len(event.Allocations))
	for _, a := range event.Allocations {
		allocations = append(allocations, AllocationResponse{
			PackID:   a.PackID.String(),
			Quantity: a.Quantity,
		})
	}
	return UsageEventResponse{
		ID:              event.ID.String(),
		OrgID:           event.OrgID.String(),
		ResourceType:    string(event.ResourceType),
		Quantity:        event.QuantityRequested,
		State:           string(event.State),
		IdempotencyKey:  event.IdempotencyKey,
		Allocations:     allocations,
		ResolvedAt:      event.ResolvedAt,
		EscalationCount: event.EscalationCount,
		CreatedAt:       event.CreatedAt,
	}
}

// Reserve tentatively consumes quantity from the org's packs ahead of a
// metered action. Replays with the same idempotency key return the original
// reservation.
func (h *MeteringHandler) Reserve(c *gin.Context) {
	var req ReserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BadRequest(c, "Invalid request payload: "+err.Error())
		return
	}

	orgID, err := uuid.Parse(req.OrgID)
	if err != nil {
		h.BadRequest(c, "Invalid org ID")
		return
	}

	event, err := h.reservations.Reserve(
		c.Request.Context(),
		orgID,
		metering.ResourceType(req.ResourceType),
		req.Quantity,
		req.IdempotencyKey,
	)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Created(c, toUsageEventResponse(event))
}

// GetUsageEvent returns one usage event with its allocations
func (h *MeteringHandler) GetUsageEvent(c *gin.Context) {
	var req dto.IDRequest
	if err := c.ShouldBindUri(&req); err != nil {
		h.BadRequest(c, "Invalid event ID")
		return
	}

	event, err := h.events.FindByID(c.Request.Context(), uuid.MustParse(req.ID))
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, toUsageEventResponse(event))
}

// Finalize commits a reservation after the metered action succeeded
func (h *MeteringHandler) Finalize(c *gin.Context) {
	var req dto.IDRequest
	if err := c.ShouldBindUri(&req); err != nil {
		h.BadRequest(c, "Invalid event ID")
		return
	}

	if err := h.finalizer.Finalize(c.Request.Context(), uuid.MustParse(req.ID)); err != nil {
		h.HandleError(c, err)
		return
	}

	h.NoContent(c)
}

// Compensate returns a reservation's quantity to its packs after the metered
// action failed
func (h *MeteringHandler) Compensate(c *gin.Context) {
	var req dto.IDRequest
	if err := c.ShouldBindUri(&req); err != nil {
		h.BadRequest(c, "Invalid event ID")
		return
	}

	if err := h.finalizer.Compensate(c.Request.Context(), uuid.MustParse(req.ID)); err != nil {
		h.HandleError(c, err)
		return
	}

	h.NoContent(c)
}

// GetStatus returns the engine's operational status
func (h *MeteringHandler) GetStatus(c *gin.Context) {
	report, err := h.status.Report(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, report)
}

// TriggerSweep runs one stuck-reservation sweep immediately and returns its
// summary, for operators draining a backlog without waiting for the next
// scheduled tick
func (h *MeteringHandler) TriggerSweep(c *gin.Context) {
	summary, err := h.sweeper.TriggerSweep(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, summary)
}

// ListEscalations returns reservations awaiting manual operator review
func (h *MeteringHandler) ListEscalations(c *gin.Context) {
	events, err := h.events.FindEscalated(c.Request.Context(), h.ceiling)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	responses := make([]UsageEventResponse, 0, len(events))
	for _, event := range events {
		responses = append(responses, toUsageEventResponse(event))
	}

	h.Success(c, responses)
}

// CreatePackRequest is the payload for registering a purchased pack
type CreatePackRequest struct {
	OrgID           string     `json:"org_id" binding:"required,uuid"`
	ResourceType    string     `json:"resource_type" binding:"required"`
	Quantity        int64      `json:"quantity" binding:"required,min=1"`
	SourceReference string     `json:"source_reference" binding:"required,max=255"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}

// PackResponse is the API view of a pack
type PackResponse struct {
	ID                string     `json:"id"`
	OrgID             string     `json:"org_id"`
	ResourceType      string     `json:"resource_type"`
	QuantityTotal     int64      `json:"quantity_total"`
	QuantityRemaining int64      `json:"quantity_remaining"`
	PurchasedAt       time.Time  `json:"purchased_at"`
	SourceReference   string     `json:"source_reference"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
}

func toPackResponse(pack *metering.Pack) PackResponse {
	return PackResponse{
		ID:                pack.ID.String(),
		OrgID:             pack.OrgID.String(),
		ResourceType:      string(pack.ResourceType),
		QuantityTotal:     pack.QuantityTotal,
		QuantityRemaining: pack.QuantityRemaining,
		PurchasedAt:       pack.PurchasedAt,
		SourceReference:   pack.SourceReference,
		ExpiresAt:         pack.ExpiresAt,
	}
}

// CreatePack registers a pack funded by a confirmed purchase. The pack is
// reservable immediately.
func (h *MeteringHandler) CreatePack(c *gin.Context) {
	var req CreatePackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BadRequest(c, "Invalid request payload: "+err.Error())
		return
	}

	orgID, err := uuid.Parse(req.OrgID)
	if err != nil {
		h.BadRequest(c, "Invalid org ID")
		return
	}

	pack, err := metering.NewPack(
		orgID,
		metering.ResourceType(req.ResourceType),
		req.Quantity,
		req.SourceReference,
		req.ExpiresAt,
	)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	if err := h.packs.Create(c.Request.Context(), pack); err != nil {
		h.HandleError(c, err)
		return
	}

	h.Created(c, toPackResponse(pack))
}

// ListPacks returns all packs for an org, newest purchase first
func (h *MeteringHandler) ListPacks(c *gin.Context) {
	orgIDStr := c.Query("org_id")
	orgID, err := uuid.Parse(orgIDStr)
	if err != nil {
		h.BadRequest(c, "org_id query parameter is required and must be a UUID")
		return
	}

	packs, err := h.packs.FindByOrg(c.Request.Context(), orgID)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	responses := make([]PackResponse, 0, len(packs))
	for _, pack := range packs {
		responses = append(responses, toPackResponse(pack))
	}

	h.Success(c, responses)
}
