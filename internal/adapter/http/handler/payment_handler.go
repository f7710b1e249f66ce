package handler

import (
	"payment-orchestrator/internal/adapter/http/dto"
	"payment-orchestrator/internal/core/ports"
	"payment-orchestrator/pkg/apperror"
	"payment-orchestrator/pkg/response"

	"github.com/gin-gonic/gin"
)

// PaymentHandler handles payment saga endpoints.
type PaymentHandler struct {
	orchestrator ports.OrchestrationService
}

// NewPaymentHandler creates a new PaymentHandler.
func NewPaymentHandler(orchestrator ports.OrchestrationService) *PaymentHandler {
	return &PaymentHandler{orchestrator: orchestrator}
}

// Initiate handles POST /api/v1/payments. The saga completes
// asynchronously, so the response is 202 with the accepted state.
func (h *PaymentHandler) Initiate(c *gin.Context) {
	var req dto.InitiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}

	payment, err := h.orchestrator.Initiate(c.Request.Context(), ports.InitiateRequest{
		PaymentID:  req.PaymentID,
		Amount:     req.Amount,
		Currency:   req.Currency,
		MerchantID: req.MerchantID,
		CustomerID: req.CustomerID,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Accepted(c, dto.ToPaymentResponse(payment))
}

// GetStatus handles GET /api/v1/payments/:payment_id.
func (h *PaymentHandler) GetStatus(c *gin.Context) {
	payment, err := h.orchestrator.GetStatus(c.Request.Context(), c.Param("payment_id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, dto.ToPaymentResponse(payment))
}

// ListByMerchant handles GET /api/v1/payments?merchant_id=...&limit=...
// and the customer_id variant. Exactly one of the two filters is required.
func (h *PaymentHandler) List(c *gin.Context) {
	merchantID := c.Query("merchant_id")
	customerID := c.Query("customer_id")
	limit := queryInt(c, "limit", 50)

	switch {
	case merchantID != "" && customerID == "":
		payments, err := h.orchestrator.ListByMerchant(c.Request.Context(), merchantID, limit)
		if err != nil {
			response.Error(c, err)
			return
		}
		response.OK(c, dto.ToPaymentResponses(payments))
	case customerID != "" && merchantID == "":
		payments, err := h.orchestrator.ListByCustomer(c.Request.Context(), customerID, limit)
		if err != nil {
			response.Error(c, err)
			return
		}
		response.OK(c, dto.ToPaymentResponses(payments))
	default:
		response.Error(c, apperror.Validation("exactly one of merchant_id or customer_id is required"))
	}
}

// Retry handles POST /api/v1/payments/:payment_id/retry.
func (h *PaymentHandler) Retry(c *gin.Context) {
	payment, err := h.orchestrator.ManualRetry(c.Request.Context(), c.Param("payment_id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, dto.ToPaymentResponse(payment))
}

// Cancel handles POST /api/v1/payments/:payment_id/cancel.
func (h *PaymentHandler) Cancel(c *gin.Context) {
	payment, err := h.orchestrator.Cancel(c.Request.Context(), c.Param("payment_id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, dto.ToPaymentResponse(payment))
}
