package payment

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/booking-api/internal/model"
	apperrors "github.com/jwalitptl/booking-api/pkg/errors"
	"github.com/jwalitptl/booking-api/pkg/httputil"
)

const HeaderSignature = "X-Razorpay-Signature"

type Service interface {
	CreateOrder(ctx context.Context, bookingID uuid.UUID) (*model.PaymentOrder, error)
	HandleWebhook(ctx context.Context, rawBody []byte, signature string) (string, error)
	VerifyClientReturn(orderID, paymentID, signature string) (bool, error)
}

type Handler struct {
	service Service
	keyID   string
}

// NewHandler takes the public gateway key id, which the checkout widget
// needs alongside the order.
func NewHandler(service Service, keyID string) *Handler {
	return &Handler{service: service, keyID: keyID}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	payments := r.Group("/payments")
	{
		payments.POST("/orders", h.CreateOrder)
		payments.POST("/verify", h.VerifyReturn)
		payments.POST("/webhook", h.Webhook)
	}
}

type orderResponse struct {
	OrderID   string    `json:"order_id"`
	BookingID uuid.UUID `json:"booking_id"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	KeyID     string    `json:"key_id,omitempty"`
}

func (h *Handler) CreateOrder(c *gin.Context) {
	var req model.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(err).SetType(gin.ErrorTypeBind)
		return
	}

	order, err := h.service.CreateOrder(c.Request.Context(), req.BookingID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	httputil.RespondWithStatus(c, http.StatusCreated, orderResponse{
		OrderID:   order.OrderID,
		BookingID: order.BookingID,
		Amount:    order.Amount,
		Currency:  order.Currency,
		KeyID:     h.keyID,
	})
}

// VerifyReturn checks the checkout widget's return signature. The result is
// advisory: the booking only becomes paid through the webhook.
func (h *Handler) VerifyReturn(c *gin.Context) {
	var req model.ClientReturnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(err).SetType(gin.ErrorTypeBind)
		return
	}

	ok, err := h.service.VerifyClientReturn(req.OrderID, req.PaymentID, req.Signature)
	if err != nil {
		_ = c.Error(err)
		return
	}
	httputil.RespondWithSuccess(c, gin.H{"verified": ok})
}

// Webhook must see the exact bytes the gateway signed, so the body is read
// raw and never bound.
func (h *Handler) Webhook(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		_ = c.Error(apperrors.BadRequest("unreadable request body", err))
		return
	}

	outcome, err := h.service.HandleWebhook(c.Request.Context(), raw, c.GetHeader(HeaderSignature))
	if err != nil {
		_ = c.Error(err)
		return
	}
	httputil.RespondWithSuccess(c, gin.H{"outcome": outcome})
}
