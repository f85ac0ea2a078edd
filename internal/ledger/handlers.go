package ledger

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bazaar/internal/apperr"
	"github.com/mbd888/bazaar/internal/auth"
	"github.com/mbd888/bazaar/internal/store"
)

// Handler provides HTTP endpoints for wallet operations
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterRoutes sets up wallet routes for the authenticated caller
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallet", h.GetWallet)
	r.GET("/wallet/transactions", h.GetHistory)
	r.POST("/wallet/withdrawals", h.Withdraw)
}

// RegisterAdminRoutes sets up staff-only ledger routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/wallets/:userId/credits", h.AdminCredit)
	r.GET("/admin/wallets/:userId", h.AdminGetWallet)
}

// GetWallet handles GET /wallet
func (h *Handler) GetWallet(c *gin.Context) {
	id, _ := auth.GetIdentity(c)
	w, err := h.ledger.GetWallet(c.Request.Context(), id.UserID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// GetHistory handles GET /wallet/transactions?limit=N
func (h *Handler) GetHistory(c *gin.Context) {
	id, _ := auth.GetIdentity(c)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	txns, err := h.ledger.History(c.Request.Context(), id.UserID, limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if txns == nil {
		txns = []*store.Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txns})
}

// WithdrawRequest is the body of POST /wallet/withdrawals. Reference is the
// client's idempotency key for the withdrawal.
type WithdrawRequest struct {
	Amount    int64  `json:"amount" binding:"required"`
	Reference string `json:"reference" binding:"required"`
}

// Withdraw handles POST /wallet/withdrawals
func (h *Handler) Withdraw(c *gin.Context) {
	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, apperr.Invalid("invalid request body: %v", err))
		return
	}
	id, _ := auth.GetIdentity(c)

	res, err := h.ledger.Withdraw(c.Request.Context(), id.UserID, req.Amount, "withdrawal:"+id.UserID+":"+req.Reference)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// CreditRequest records a manual deposit (support tooling, offline payments).
type CreditRequest struct {
	Amount    int64  `json:"amount" binding:"required"`
	Reference string `json:"reference" binding:"required"`
	Note      string `json:"note"`
}

// AdminCredit handles POST /admin/wallets/:userId/credits
func (h *Handler) AdminCredit(c *gin.Context) {
	var req CreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, apperr.Invalid("invalid request body: %v", err))
		return
	}
	staff, _ := auth.GetIdentity(c)

	meta := map[string]string{"creditedBy": staff.UserID}
	if req.Note != "" {
		meta["note"] = req.Note
	}
	res, err := h.ledger.Credit(c.Request.Context(), c.Param("userId"), req.Amount, req.Reference, meta)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// AdminGetWallet handles GET /admin/wallets/:userId
func (h *Handler) AdminGetWallet(c *gin.Context) {
	w, err := h.ledger.GetWallet(c.Request.Context(), c.Param("userId"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}
