package handler

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	billingapp "github.com/ledger/backend/internal/application/billing"
	"github.com/ledger/backend/internal/interfaces/http/dto"
)

// Stripe webhooks are small; anything larger is not from Stripe
const maxWebhookPayloadSize = 65536

// StripeWebhookHandler receives Stripe payment webhooks. The route is
// unauthenticated; the payload signature is the credential.
type StripeWebhookHandler struct {
	BaseHandler
	webhookService *billingapp.StripeWebhookService
}

// NewStripeWebhookHandler creates a new StripeWebhookHandler
func NewStripeWebhookHandler(webhookService *billingapp.StripeWebhookService) *StripeWebhookHandler {
	return &StripeWebhookHandler{webhookService: webhookService}
}

// HandleStripeWebhook godoc
//
//	@ID				handleStripeWebhook
//	@Summary		Handle Stripe webhook
//	@Description	Verifies the signature and reconciles payment_intent and charge.refunded events
//	@Tags			webhooks
//	@Accept			json
//	@Produce		json
//	@Param			Stripe-Signature	header		string	true	"Stripe webhook signature"
//	@Success		200					{object}	dto.Response
//	@Failure		400					{object}	dto.Response	"Invalid signature"
//	@Failure		413					{object}	dto.Response	"Payload too large"
//	@Failure		500					{object}	dto.Response	"Processing failed; Stripe will retry"
//	@Router			/webhooks/stripe [post]
func (h *StripeWebhookHandler) HandleStripeWebhook(c *gin.Context) {
	// the raw body is needed for signature verification
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookPayloadSize+1))
	if err != nil {
		h.BadRequest(c, "Failed to read request body")
		return
	}
	if len(payload) > maxWebhookPayloadSize {
		h.ErrorWithCode(c, dto.ErrCodeTooLarge, "Payload too large")
		return
	}
	signature := c.GetHeader("Stripe-Signature")
	if signature == "" {
		h.ErrorWithCode(c, dto.ErrCodeWebhookSignature, "Missing Stripe-Signature header")
		return
	}

	result, err := h.webhookService.ProcessWebhook(c.Request.Context(), payload, signature)
	switch {
	case err != nil && result == nil:
		h.ErrorWithCode(c, dto.ErrCodeWebhookSignature, "Webhook signature verification failed")
	case err != nil:
		// a non-2xx makes Stripe redeliver; the ledger dedupes the retry
		h.HandleError(c, err)
	default:
		c.JSON(http.StatusOK, dto.NewSuccessResponse(result))
	}
}
