package payment

import (
	"encoding/json"
	"fmt"

	"github.com/jwalitptl/booking-api/internal/model"
)

// WebhookEvent is one of the gateway event kinds this service acts on, or
// UnknownEvent for everything else.
type WebhookEvent interface {
	Kind() model.WebhookEventKind
}

type PaymentCaptured struct {
	OrderID   string
	PaymentID string
	Amount    int64
	Currency  string
}

type OrderPaid struct {
	OrderID   string
	PaymentID string
	Amount    int64
	Currency  string
	Receipt   string
}

type PaymentFailed struct {
	OrderID   string
	PaymentID string
	Reason    string
}

// UnknownEvent is acknowledged and ignored.
type UnknownEvent struct {
	Name string
}

func (PaymentCaptured) Kind() model.WebhookEventKind { return model.WebhookPaymentCaptured }
func (OrderPaid) Kind() model.WebhookEventKind       { return model.WebhookOrderPaid }
func (PaymentFailed) Kind() model.WebhookEventKind   { return model.WebhookPaymentFailed }
func (e UnknownEvent) Kind() model.WebhookEventKind  { return model.WebhookEventKind(e.Name) }

type envelope struct {
	Event   string `json:"event"`
	Payload struct {
		Payment *struct {
			Entity paymentEntity `json:"entity"`
		} `json:"payment"`
		Order *struct {
			Entity orderEntity `json:"entity"`
		} `json:"order"`
	} `json:"payload"`
}

type paymentEntity struct {
	ID               string `json:"id"`
	OrderID          string `json:"order_id"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	Status           string `json:"status"`
	ErrorDescription string `json:"error_description"`
}

type orderEntity struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
}

// ParseWebhook decodes a verified webhook body into its variant.
func ParseWebhook(raw []byte) (WebhookEvent, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed webhook payload: %w", err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("malformed webhook payload: missing event")
	}

	var pay *paymentEntity
	if env.Payload.Payment != nil {
		pay = &env.Payload.Payment.Entity
	}

	switch model.WebhookEventKind(env.Event) {
	case model.WebhookPaymentCaptured:
		if pay == nil || pay.ID == "" || pay.OrderID == "" {
			return nil, fmt.Errorf("malformed %s payload: missing payment", env.Event)
		}
		return PaymentCaptured{OrderID: pay.OrderID, PaymentID: pay.ID, Amount: pay.Amount, Currency: pay.Currency}, nil

	case model.WebhookOrderPaid:
		if env.Payload.Order == nil || env.Payload.Order.Entity.ID == "" || pay == nil || pay.ID == "" {
			return nil, fmt.Errorf("malformed %s payload: missing order or payment", env.Event)
		}
		order := env.Payload.Order.Entity
		return OrderPaid{OrderID: order.ID, PaymentID: pay.ID, Amount: pay.Amount, Currency: pay.Currency, Receipt: order.Receipt}, nil

	case model.WebhookPaymentFailed:
		if pay == nil || pay.ID == "" || pay.OrderID == "" {
			return nil, fmt.Errorf("malformed %s payload: missing payment", env.Event)
		}
		return PaymentFailed{OrderID: pay.OrderID, PaymentID: pay.ID, Reason: pay.ErrorDescription}, nil

	default:
		return UnknownEvent{Name: env.Event}, nil
	}
}
