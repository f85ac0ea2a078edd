package orders

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bazaar/internal/apperr"
	"github.com/mbd888/bazaar/internal/auth"
	"github.com/mbd888/bazaar/internal/store"
	"github.com/mbd888/bazaar/internal/validation"
)

// Handler provides HTTP endpoints for orders
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new orders handler
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up order routes. The group must carry auth.RequireAuth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.Create)
	r.POST("/orders/bundles", h.CreateBundle)
	r.GET("/orders", h.List)
	r.GET("/orders/:id", h.Get)
	r.POST("/orders/:id/tracking", h.UpdateTracking)
	r.POST("/orders/:id/cancel", h.Cancel)
	r.POST("/orders/:id/confirm", h.ConfirmDelivery)
	r.POST("/orders/:id/dispute", h.OpenDispute)
}

func identity(c *gin.Context) auth.Identity {
	id, _ := auth.GetIdentity(c)
	if id == nil {
		return auth.Identity{}
	}
	return *id
}

// Create handles POST /orders
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, apperr.Invalid("invalid request body: %v", err))
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}
	out, err := h.service.Create(c.Request.Context(), identity(c), req)
	h.respond(c, http.StatusCreated, out, err)
}

// CreateBundle handles POST /orders/bundles
func (h *Handler) CreateBundle(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, apperr.Invalid("invalid request body: %v", err))
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}
	out, err := h.service.CreateBundle(c.Request.Context(), identity(c), req)
	h.respond(c, http.StatusCreated, out, err)
}

// Get handles GET /orders/:id
func (h *Handler) Get(c *gin.Context) {
	o, err := h.service.Get(c.Request.Context(), identity(c), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// List handles GET /orders?limit=N
func (h *Handler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	list, err := h.service.ListForUser(c.Request.Context(), identity(c), limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if list == nil {
		list = []*store.Order{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": list})
}

// TrackingRequest is the body of POST /orders/:id/tracking.
type TrackingRequest struct {
	Status store.TrackingStatus `json:"trackingStatus" binding:"required"`
}

// UpdateTracking handles POST /orders/:id/tracking
func (h *Handler) UpdateTracking(c *gin.Context) {
	var req TrackingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, apperr.Invalid("invalid request body: %v", err))
		return
	}
	out, err := h.service.UpdateTracking(c.Request.Context(), identity(c), c.Param("id"), req.Status)
	h.respond(c, http.StatusOK, out, err)
}

// ReasonRequest carries an optional or required free-text reason.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// Cancel handles POST /orders/:id/cancel. The caller's side of the order
// picks the buyer or seller rules.
func (h *Handler) Cancel(c *gin.Context) {
	var req ReasonRequest
	_ = c.ShouldBindJSON(&req)

	ctx := c.Request.Context()
	actor := identity(c)
	o, err := h.service.Get(ctx, actor, c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	var out *Outcome
	switch actor.UserID {
	case o.BuyerID:
		out, err = h.service.CancelByBuyer(ctx, actor, o.ID, validation.Text(req.Reason))
	case o.SellerID:
		out, err = h.service.CancelBySeller(ctx, actor, o.ID, validation.Text(req.Reason))
	default:
		err = ErrNotParticipant
	}
	h.respond(c, http.StatusOK, out, err)
}

// ConfirmDelivery handles POST /orders/:id/confirm
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	out, err := h.service.ConfirmDelivery(c.Request.Context(), identity(c), c.Param("id"))
	h.respond(c, http.StatusOK, out, err)
}

// OpenDispute handles POST /orders/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	var req ReasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, apperr.Invalid("invalid request body: %v", err))
		return
	}
	out, err := h.service.OpenDispute(c.Request.Context(), identity(c), c.Param("id"), validation.Text(req.Reason))
	h.respond(c, http.StatusOK, out, err)
}

// respond writes an outcome. Replays answer 200 regardless of status.
func (h *Handler) respond(c *gin.Context, status int, out *Outcome, err error) {
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if out.AlreadyProcessed {
		status = http.StatusOK
	}
	c.JSON(status, out)
}
