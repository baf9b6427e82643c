package notification

import (
	"fmt"
	"strings"
	"time"

	"github.com/jwalitptl/booking-api/internal/model"
)

const slotLayout = "Mon 02 Jan 2006, 15:04"

// Message is the channel-independent content of a notification.
type Message struct {
	Subject string
	Body    string
	// Short is used where length matters (SMS, chat).
	Short string
}

func compose(b *model.Booking, provider *model.Provider, event model.BookingEvent, loc *time.Location) Message {
	doctor := "your doctor"
	if provider != nil && provider.Name != "" {
		doctor = provider.Name
	}
	if loc == nil {
		loc = time.UTC
	}
	when := b.SlotAt.In(loc).Format(slotLayout)

	switch event {
	case model.BookingEventCancellation:
		reason := ""
		if b.CancelReason != nil && *b.CancelReason != "" {
			reason = " Reason: " + *b.CancelReason + "."
		}
		return Message{
			Subject: "Appointment cancelled",
			Body: fmt.Sprintf("Dear %s,\n\nThe appointment for %s with %s on %s has been cancelled.%s\n\nBooking reference: %s\n",
				b.GuardianName, b.PatientName, doctor, when, reason, b.ID),
			Short: fmt.Sprintf("Appointment for %s with %s on %s cancelled.%s", b.PatientName, doctor, when, reason),
		}
	default:
		var body strings.Builder
		fmt.Fprintf(&body, "Dear %s,\n\nThe appointment for %s with %s on %s is confirmed.\n", b.GuardianName, b.PatientName, doctor, when)
		if b.PaymentID != nil {
			fmt.Fprintf(&body, "Payment reference: %s\n", *b.PaymentID)
		}
		fmt.Fprintf(&body, "\nBooking reference: %s\n", b.ID)
		return Message{
			Subject: "Appointment confirmed",
			Body:    body.String(),
			Short:   fmt.Sprintf("Appointment for %s with %s on %s confirmed. Ref %s", b.PatientName, doctor, when, b.ID.String()[:8]),
		}
	}
}

func codeMessage(code string, scope model.OTPScope) Message {
	purpose := "your booking"
	switch scope {
	case model.OTPScopeContact:
		purpose = "your enquiry"
	case model.OTPScopeBlogComment:
		purpose = "your comment"
	}
	text := fmt.Sprintf("%s is your verification code for %s. Do not share it with anyone.", code, purpose)
	return Message{Subject: "Your verification code", Body: text, Short: text}
}
