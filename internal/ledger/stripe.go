package ledger

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/bazaar/internal/apperr"
	"github.com/mbd888/bazaar/internal/money"
	"github.com/mbd888/bazaar/internal/store"
)

// maxWebhookBody bounds the payload read from the gateway.
const maxWebhookBody = 64 << 10

// StripeWebhook turns succeeded payment intents into wallet deposits. The
// payment intent id is the ledger reference, so gateway redeliveries are
// answered as already processed.
type StripeWebhook struct {
	ledger *Ledger
	secret string
	logger *slog.Logger
}

// NewStripeWebhook creates the deposit webhook handler. secret is the
// endpoint signing secret (whsec_...).
func NewStripeWebhook(ledger *Ledger, secret string, logger *slog.Logger) *StripeWebhook {
	return &StripeWebhook{ledger: ledger, secret: secret, logger: logger}
}

// RegisterRoutes mounts POST /webhooks/stripe (unauthenticated; the
// signature header authenticates the gateway).
func (h *StripeWebhook) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/stripe", h.Handle)
}

// Handle handles POST /webhooks/stripe
func (h *StripeWebhook) Handle(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		apperr.Respond(c, apperr.Invalid("read body: %v", err))
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, c.GetHeader("Stripe-Signature"), h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		h.logger.Warn("stripe webhook rejected", "error", err)
		apperr.Respond(c, apperr.Invalid("invalid webhook signature"))
		return
	}

	if event.Type != stripe.EventTypePaymentIntentSucceeded {
		c.JSON(http.StatusOK, gin.H{"received": true, "ignored": string(event.Type)})
		return
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		apperr.Respond(c, apperr.Invalid("malformed payment intent: %v", err))
		return
	}

	userID := pi.Metadata["user_id"]
	amount, remainder := money.FromMinor(pi.AmountReceived)
	if userID == "" || amount <= 0 {
		// Acknowledge so the gateway stops redelivering an event we can
		// never apply.
		h.logger.Error("stripe payment intent not creditable",
			"payment_intent", pi.ID, "user_id", userID, "amount_received", pi.AmountReceived)
		c.JSON(http.StatusOK, gin.H{"received": true, "ignored": "not creditable"})
		return
	}

	res, err := h.ledger.Post(c.Request.Context(), store.TxCredit, Posting{
		UserID:    userID,
		Amount:    amount,
		Reference: pi.ID,
		Metadata: map[string]string{
			"gateway":  "stripe",
			"event":    event.ID,
			"currency": string(pi.Currency),
			// Fractions of a unit are never credited.
			"amount_received_minor": strconv.FormatInt(pi.AmountReceived, 10),
			"uncredited_minor":      strconv.FormatInt(remainder, 10),
		},
	})
	if err != nil {
		// Non-2xx makes the gateway retry; the reference keeps that safe.
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "alreadyProcessed": res.AlreadyProcessed})
}
