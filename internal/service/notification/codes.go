package notification

import (
	"context"
	"fmt"

	"github.com/jwalitptl/booking-api/internal/email"
	"github.com/jwalitptl/booking-api/internal/model"
)

// CodeSender delivers one-time codes over email or SMS.
type CodeSender struct {
	emailSvc email.Service
	sms      SMSSender
}

func NewCodeSender(emailSvc email.Service, sms SMSSender) *CodeSender {
	return &CodeSender{emailSvc: emailSvc, sms: sms}
}

func (s *CodeSender) SendCode(ctx context.Context, channel model.NotificationChannel, identifier, code string, scope model.OTPScope) error {
	msg := codeMessage(code, scope)
	switch channel {
	case model.ChannelEmail:
		return s.emailSvc.SendCustom(ctx, identifier, msg.Subject, msg.Body)
	case model.ChannelSMS:
		return s.sms.SendSMS(ctx, identifier, msg.Short)
	default:
		return fmt.Errorf("%w: %s", errUnsupportedChannel, channel)
	}
}
