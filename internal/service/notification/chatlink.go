package notification

import (
	"context"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/jwalitptl/booking-api/internal/model"
	"github.com/jwalitptl/booking-api/pkg/messaging"
)

const defaultChatLinkBase = "https://wa.me/"

// ChatLinkURL builds a click-to-chat link for phone with text prefilled.
func ChatLinkURL(base, phone, text string) string {
	if base == "" {
		base = defaultChatLinkBase
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)
	return base + digits + "?text=" + url.QueryEscape(text)
}

// ChatLinkPublisher hands chat links to the front-desk console over the
// broker; staff open them to message the patient.
type ChatLinkPublisher struct {
	broker messaging.Broker
	base   string
}

func NewChatLinkPublisher(broker messaging.Broker, base string) *ChatLinkPublisher {
	return &ChatLinkPublisher{broker: broker, base: base}
}

func (p *ChatLinkPublisher) Publish(ctx context.Context, bookingID uuid.UUID, event model.BookingEvent, phone, text string) error {
	return p.broker.Publish(ctx, messaging.ChannelChatLinks, model.ChatLinkMessage{
		BookingID: bookingID,
		Event:     event,
		Phone:     phone,
		URL:       ChatLinkURL(p.base, phone, text),
	})
}
