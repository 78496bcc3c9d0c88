// Package api binds the orchestrator's logical operations to HTTP, following
// the thin-handler style of the teacher's gin handlers: parse, delegate to a
// service, translate the outcome to a status code and gin.H body.
package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lexure-intelligence/payment-orchestrator/internal/apperr"
	"github.com/lexure-intelligence/payment-orchestrator/internal/orchestrator"
	"github.com/lexure-intelligence/payment-orchestrator/internal/providers"
	"github.com/lexure-intelligence/payment-orchestrator/internal/statuscache"
	"github.com/lexure-intelligence/payment-orchestrator/internal/webhook"
)

// Handlers holds every dependency the HTTP layer needs to bind the four
// logical operations named in §6.
type Handlers struct {
	payments  *orchestrator.PaymentOrchestrator
	refunds   *orchestrator.RefundOrchestrator
	status    *statuscache.Cache
	ingestor  *webhook.Ingestor
	logger    *zap.Logger
}

func NewHandlers(payments *orchestrator.PaymentOrchestrator, refunds *orchestrator.RefundOrchestrator, status *statuscache.Cache, ingestor *webhook.Ingestor, logger *zap.Logger) *Handlers {
	return &Handlers{payments: payments, refunds: refunds, status: status, ingestor: ingestor, logger: logger}
}

// Register mounts every route onto router.
func (h *Handlers) Register(router gin.IRouter) {
	router.POST("/payments", h.SubmitPayment)
	router.GET("/payments/:transaction_id", h.GetPayment)
	router.POST("/payments/:transaction_id/refunds", h.RefundPayment)
	router.POST("/webhooks/:provider", h.ReceiveWebhook)
}

// submitPaymentBody is the JSON body for Submit payment.
type submitPaymentBody struct {
	Amount            int64             `json:"amount"`
	Currency          string            `json:"currency"`
	CustomerID        string            `json:"customer_id"`
	OrderID           string            `json:"order_id"`
	Description       string            `json:"description"`
	ReturnURL         string            `json:"return_url"`
	CancelURL         string            `json:"cancel_url"`
	Metadata          map[string]string `json:"metadata"`
	PreferredProvider string            `json:"preferred_provider"`
}

func (h *Handlers) SubmitPayment(c *gin.Context) {
	idempotencyKey := c.GetHeader("Idempotency-Key")
	if idempotencyKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error_code": "IDEMPOTENCY_KEY_REQUIRED", "message": "Idempotency-Key header is required"})
		return
	}

	var body submitPaymentBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error_code": "VALIDATION_ERROR", "message": err.Error()})
		return
	}

	result, err := h.payments.Submit(c.Request.Context(), orchestrator.PaymentRequest{
		IdempotencyKey:    idempotencyKey,
		Amount:            body.Amount,
		Currency:          body.Currency,
		CustomerID:        body.CustomerID,
		OrderID:           body.OrderID,
		Description:       body.Description,
		ReturnURL:         body.ReturnURL,
		CancelURL:         body.CancelURL,
		Metadata:          body.Metadata,
		PreferredProvider: body.PreferredProvider,
		CorrelationID:     c.GetHeader("X-Correlation-Id"),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	if result.Duplicate {
		c.JSON(http.StatusOK, gin.H{"transaction": result.Transaction, "duplicate": true})
		return
	}
	if result.Transaction.Status == "Failed" {
		c.JSON(http.StatusBadRequest, gin.H{"error_code": "PAYMENT_PROCESSING_ERROR", "transaction": result.Transaction})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": result.Transaction, "duplicate": false})
}

func (h *Handlers) GetPayment(c *gin.Context) {
	id, err := uuid.Parse(c.Param("transaction_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error_code": "PAYMENT_NOT_FOUND"})
		return
	}

	view, err := h.status.GetStatus(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("status lookup failed", zap.String("transaction_id", id.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error_code": "INTERNAL_ERROR"})
		return
	}
	if view == nil {
		c.JSON(http.StatusNotFound, gin.H{"error_code": "PAYMENT_NOT_FOUND"})
		return
	}
	c.JSON(http.StatusOK, view)
}

// refundPaymentBody is the JSON body for Refund payment.
type refundPaymentBody struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

func (h *Handlers) RefundPayment(c *gin.Context) {
	paymentID, err := uuid.Parse(c.Param("transaction_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error_code": "PAYMENT_NOT_FOUND"})
		return
	}

	idempotencyKey := c.GetHeader("Idempotency-Key")
	if idempotencyKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error_code": "MISSING_IDEMPOTENCY_KEY"})
		return
	}

	var body refundPaymentBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error_code": "INVALID_REFUND", "message": err.Error()})
		return
	}

	result, err := h.refunds.Submit(c.Request.Context(), orchestrator.RefundRequest{
		IdempotencyKey:       idempotencyKey,
		PaymentTransactionID: paymentID,
		Amount:               body.Amount,
		Reason:               body.Reason,
		CorrelationID:        c.GetHeader("X-Correlation-Id"),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refund": result.Refund, "duplicate": result.Duplicate})
}

func (h *Handlers) ReceiveWebhook(c *gin.Context) {
	providerName := c.Param("provider")

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error_code": "VALIDATION_ERROR", "message": "failed to read request body"})
		return
	}

	headers := providers.WebhookHeaders{}
	for key := range c.Request.Header {
		headers[key] = c.GetHeader(key)
	}

	result, err := h.ingestor.Ingest(c.Request.Context(), webhook.IngestRequest{
		ProviderName: providerName,
		RawPayload:   body,
		Headers:      headers,
		SourceIP:     c.ClientIP(),
	})
	if err != nil {
		h.respondWebhookError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"event_id": result.EventID, "accepted": result.Accepted, "duplicate": result.Duplicate})
}

func (h *Handlers) respondError(c *gin.Context, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		h.logger.Error("unclassified error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error_code": "INTERNAL_ERROR"})
		return
	}

	switch appErr.Kind {
	case apperr.KindValidation, apperr.KindNoProviderAvail:
		c.JSON(http.StatusBadRequest, gin.H{"error_code": "VALIDATION_ERROR", "message": appErr.Message})
	case apperr.KindProviderError:
		c.JSON(http.StatusBadRequest, gin.H{"error_code": "PAYMENT_PROCESSING_ERROR", "message": appErr.Message})
	case apperr.KindConcurrentRequest:
		c.JSON(http.StatusConflict, gin.H{"error_code": "CONCURRENT_REQUEST", "message": appErr.Message})
	default:
		h.logger.Error("internal error", zap.String("kind", string(appErr.Kind)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error_code": "INTERNAL_ERROR"})
	}
}

func (h *Handlers) respondWebhookError(c *gin.Context, err error) {
	switch apperr.KindOf(err) {
	case apperr.KindUnknownProvider:
		c.JSON(http.StatusBadRequest, gin.H{"error_code": "UNKNOWN_PROVIDER"})
	case apperr.KindMissingEventID:
		c.JSON(http.StatusBadRequest, gin.H{"error_code": "MISSING_EVENT_ID"})
	case apperr.KindInvalidSignature:
		c.JSON(http.StatusUnauthorized, gin.H{"error_code": "INVALID_SIGNATURE"})
	case apperr.KindProviderError:
		c.JSON(http.StatusTooManyRequests, gin.H{"error_code": "RATE_LIMITED"})
	default:
		h.logger.Error("webhook ingest failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error_code": "INTERNAL_ERROR"})
	}
}
