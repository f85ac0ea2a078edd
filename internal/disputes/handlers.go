package disputes

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bazaar/internal/apperr"
	"github.com/mbd888/bazaar/internal/auth"
	"github.com/mbd888/bazaar/internal/validation"
)

// Handler provides HTTP endpoints for dispute resolution
type Handler struct {
	coordinator *Coordinator
	logger      *slog.Logger
}

// NewHandler creates a new disputes handler
func NewHandler(c *Coordinator, logger *slog.Logger) *Handler {
	return &Handler{coordinator: c, logger: logger}
}

// RegisterRoutes sets up routes readable by order participants.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/orders/:id/resolution", h.Get)
}

// RegisterAdminRoutes sets up staff-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/orders/:id/resolve", h.Resolve)
}

// Resolve handles POST /admin/orders/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, apperr.Invalid("invalid request body: %v", err))
		return
	}
	req.OrderID = c.Param("id")
	req.Note = validation.Text(req.Note)

	id, _ := auth.GetIdentity(c)
	out, err := h.coordinator.Resolve(c.Request.Context(), *id, req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// Get handles GET /orders/:id/resolution
func (h *Handler) Get(c *gin.Context) {
	id, _ := auth.GetIdentity(c)
	rec, err := h.coordinator.Get(c.Request.Context(), *id, c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolution": rec})
}
