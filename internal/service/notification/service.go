package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jwalitptl/booking-api/internal/email"
	"github.com/jwalitptl/booking-api/internal/model"
	"github.com/jwalitptl/booking-api/internal/repository"
	"github.com/jwalitptl/booking-api/pkg/audit"
	"github.com/jwalitptl/booking-api/pkg/logger"
	"github.com/jwalitptl/booking-api/pkg/metrics"
)

const (
	defaultTimeout = 10 * time.Second

	reasonAlreadyNotified = "already notified"
	reasonMissingContact  = "missing contact"
	reasonDeliveryFailed  = "delivery failed"
	// The send was abandoned at the deadline and may still arrive.
	reasonOutcomeUnknown = "delivery outcome unknown"
)

// AllChannels is the default fan-out set.
var AllChannels = []model.NotificationChannel{model.ChannelEmail, model.ChannelSMS, model.ChannelChatLink}

var errUnsupportedChannel = errors.New("unsupported channel")

type Config struct {
	Location *time.Location
	// Timeout bounds each channel send.
	Timeout time.Duration
}

// Dispatcher fans a booking event out to every requested channel and
// records a per-channel outcome.
type Dispatcher struct {
	records  repository.NotificationRepository
	emailSvc email.Service
	sms      SMSSender
	chat     *ChatLinkPublisher
	cfg      Config
	logger   *logger.Logger
	metrics  *metrics.Metrics
	audit    *audit.Logger
}

func NewDispatcher(
	records repository.NotificationRepository,
	emailSvc email.Service,
	sms SMSSender,
	chat *ChatLinkPublisher,
	cfg Config,
	log *logger.Logger,
	m *metrics.Metrics,
	auditLog *audit.Logger,
) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if log == nil {
		log = logger.Nop()
	}
	if auditLog == nil {
		auditLog = audit.Nop()
	}
	return &Dispatcher{
		records:  records,
		emailSvc: emailSvc,
		sms:      sms,
		chat:     chat,
		cfg:      cfg,
		logger:   log,
		metrics:  m,
		audit:    auditLog,
	}
}

// Notify sends event for b on each channel concurrently. One channel failing
// does not affect the others. An empty channel list means AllChannels.
func (d *Dispatcher) Notify(ctx context.Context, b *model.Booking, provider *model.Provider, event model.BookingEvent, channels []model.NotificationChannel) []model.ChannelOutcome {
	if len(channels) == 0 {
		channels = AllChannels
	}
	msg := compose(b, provider, event, d.cfg.Location)

	outcomes := make([]model.ChannelOutcome, len(channels))
	var wg sync.WaitGroup
	for i, ch := range channels {
		wg.Add(1)
		go func(i int, ch model.NotificationChannel) {
			defer wg.Done()
			outcomes[i] = d.dispatch(ctx, b, event, ch, msg)
		}(i, ch)
	}
	wg.Wait()
	return outcomes
}

func (d *Dispatcher) dispatch(ctx context.Context, b *model.Booking, event model.BookingEvent, ch model.NotificationChannel, msg Message) model.ChannelOutcome {
	outcome := model.ChannelOutcome{Channel: ch}
	defer func() {
		if d.metrics != nil {
			d.metrics.NotificationsSent.WithLabelValues(string(ch), string(outcome.Status)).Inc()
		}
	}()

	if address(b.Contact, ch) == "" {
		outcome.Status = model.NotificationStatusSkipped
		outcome.Reason = reasonMissingContact
		d.record(ctx, b, event, ch, outcome.Status, nil)
		return outcome
	}

	sent, err := d.records.HasSent(ctx, b.ID, event, ch)
	if err != nil {
		d.logger.Error(err, "failed to check notification record",
			"booking_id", b.ID.String(), "channel", string(ch))
	}
	if sent {
		outcome.Status = model.NotificationStatusSkipped
		outcome.Reason = reasonAlreadyNotified
		return outcome
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	if err := d.send(sendCtx, b, event, ch, msg); err != nil {
		outcome.Status = model.NotificationStatusFailed
		outcome.Reason = reasonDeliveryFailed
		if errors.Is(err, email.ErrSendAbandoned) {
			outcome.Reason = reasonOutcomeUnknown
		}
		d.audit.Failure("notification_failed", err,
			zap.String("booking_id", b.ID.String()),
			zap.String("event", string(event)),
			zap.String("channel", string(ch)))
		detail := err.Error()
		d.record(ctx, b, event, ch, outcome.Status, &detail)
		return outcome
	}

	outcome.Status = model.NotificationStatusSent
	d.record(ctx, b, event, ch, outcome.Status, nil)
	d.logger.Info("notification sent",
		"booking_id", b.ID.String(), "event", string(event), "channel", string(ch))
	return outcome
}

func (d *Dispatcher) send(ctx context.Context, b *model.Booking, event model.BookingEvent, ch model.NotificationChannel, msg Message) error {
	switch ch {
	case model.ChannelEmail:
		return d.emailSvc.SendCustom(ctx, b.Email, msg.Subject, msg.Body)
	case model.ChannelSMS:
		return d.sms.SendSMS(ctx, b.Phone, msg.Short)
	case model.ChannelChatLink:
		return d.chat.Publish(ctx, b.ID, event, b.Phone, msg.Short)
	default:
		return fmt.Errorf("%w: %s", errUnsupportedChannel, ch)
	}
}

func (d *Dispatcher) record(ctx context.Context, b *model.Booking, event model.BookingEvent, ch model.NotificationChannel, status model.NotificationStatus, detail *string) {
	now := time.Now()
	err := d.records.Record(ctx, &model.NotificationRecord{
		BookingID: b.ID,
		Event:     event,
		Channel:   ch,
		Status:    status,
		Error:     detail,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		d.logger.Error(err, "failed to record notification",
			"booking_id", b.ID.String(), "channel", string(ch), "status", string(status))
	}
}

func address(c model.Contact, ch model.NotificationChannel) string {
	switch ch {
	case model.ChannelEmail:
		return c.Email
	case model.ChannelSMS, model.ChannelChatLink:
		return c.Phone
	default:
		return ""
	}
}
