package otp

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jwalitptl/booking-api/internal/model"
	"github.com/jwalitptl/booking-api/internal/repository"
	"github.com/jwalitptl/booking-api/pkg/audit"
	"github.com/jwalitptl/booking-api/pkg/auth"
	apperrors "github.com/jwalitptl/booking-api/pkg/errors"
	"github.com/jwalitptl/booking-api/pkg/metrics"
	"github.com/jwalitptl/booking-api/pkg/security"
)

// Failures here mean the user must restart the verification flow.
var (
	ErrInvalidScope    = apperrors.NewValidation("invalid_scope", "unsupported verification scope")
	ErrInvalidSession  = apperrors.NewValidation("invalid_session", "verification session not found, please request a new code")
	ErrExpired         = apperrors.NewValidation("session_expired", "verification code has expired, please request a new code")
	ErrInvalidCode     = apperrors.NewValidation("invalid_code", "verification code is incorrect")
	ErrTooManyAttempts = apperrors.NewValidation("too_many_attempts", "too many incorrect attempts, please request a new code")
	ErrAlreadyUsed     = apperrors.NewValidation("session_already_used", "verification has already been used")
	ErrNotVerified     = apperrors.NewValidation("session_not_verified", "verification has not been completed")
	ErrWrongScope      = apperrors.NewValidation("wrong_scope", "verification was issued for a different purpose")
	ErrInvalidToken    = apperrors.NewValidation("invalid_verification_token", "verification token is invalid or expired")
	ErrDeliveryFailed  = &apperrors.AppError{Kind: apperrors.KindTransient, Code: "code_delivery_failed", Message: "could not deliver verification code, please retry"}
	ErrCodeUnavailable = apperrors.NewConflict("code_unavailable", "verification code is no longer available")
)

// CodeSender delivers a plaintext code over a channel.
type CodeSender interface {
	SendCode(ctx context.Context, channel model.NotificationChannel, identifier, code string, scope model.OTPScope) error
}

type Config struct {
	TTL         time.Duration
	MaxAttempts int
	// EchoCode returns the code in the issue response. Development only.
	EchoCode bool
}

type Service struct {
	repo    repository.OTPRepository
	sender  CodeSender
	hasher  security.CodeHasher
	tokens  *auth.TokenService
	cfg     Config
	metrics *metrics.Metrics
	audit   *audit.Logger
	now     func() time.Time
}

func NewService(
	repo repository.OTPRepository,
	sender CodeSender,
	hasher security.CodeHasher,
	tokens *auth.TokenService,
	cfg Config,
	m *metrics.Metrics,
	auditLog *audit.Logger,
) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if auditLog == nil {
		auditLog = audit.Nop()
	}
	return &Service{
		repo:    repo,
		sender:  sender,
		hasher:  hasher,
		tokens:  tokens,
		cfg:     cfg,
		metrics: m,
		audit:   auditLog,
		now:     time.Now,
	}
}

// ChannelFor picks the delivery channel for an identifier.
func ChannelFor(identifier string) model.NotificationChannel {
	if strings.Contains(identifier, "@") {
		return model.ChannelEmail
	}
	return model.ChannelSMS
}

// NormalizeIdentifier lowercases emails and strips phone formatting.
func NormalizeIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if strings.Contains(identifier, "@") {
		return strings.ToLower(identifier)
	}
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' || r == '(' || r == ')' {
			return -1
		}
		return r
	}, identifier)
}

// Issue creates a session, dispatches its code and returns the session id.
// The plaintext is read back through the one-shot slot for dispatch.
func (s *Service) Issue(ctx context.Context, identifier string, scope model.OTPScope) (*model.IssueOTPResponse, error) {
	if !scope.Valid() {
		return nil, ErrInvalidScope
	}
	identifier = NormalizeIdentifier(identifier)
	if identifier == "" {
		return nil, apperrors.NewValidation("missing_identifier", "identifier is required")
	}

	code, err := security.GenerateCode()
	if err != nil {
		return nil, apperrors.NewInternal(err)
	}
	digest, err := s.hasher.Hash(code)
	if err != nil {
		return nil, apperrors.NewInternal(err)
	}

	now := s.now()
	session := &model.OTPSession{
		ID:         uuid.NewString(),
		Identifier: identifier,
		Scope:      scope,
		CodeHash:   digest,
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.cfg.TTL),
		Channel:    ChannelFor(identifier),
	}
	if err := s.repo.Create(ctx, session, code); err != nil {
		return nil, apperrors.NewTransient(err)
	}

	plaintext, err := s.TakeCode(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	if err := s.sender.SendCode(ctx, session.Channel, identifier, plaintext, scope); err != nil {
		s.audit.Failure("otp_delivery_failed", err,
			zap.String("session_id", session.ID), zap.String("channel", string(session.Channel)))
		if delErr := s.repo.Delete(ctx, session.ID); delErr != nil {
			s.audit.Failure("otp_cleanup_failed", delErr, zap.String("session_id", session.ID))
		}
		return nil, ErrDeliveryFailed.Wrap(err)
	}
	if s.metrics != nil {
		s.metrics.OTPIssued.WithLabelValues(string(scope)).Inc()
	}

	resp := &model.IssueOTPResponse{
		SessionID: session.ID,
		Channel:   session.Channel,
		ExpiresAt: session.ExpiresAt,
	}
	if s.cfg.EchoCode {
		resp.Code = plaintext
	}
	return resp, nil
}

// TakeCode is the single consuming read of a session's plaintext code.
func (s *Service) TakeCode(ctx context.Context, sessionID string) (string, error) {
	code, err := s.repo.TakeCode(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrCodeUnavailable) {
			return "", ErrCodeUnavailable
		}
		return "", apperrors.NewTransient(err)
	}
	return code, nil
}

// Verify checks code against the session digest and marks it verified. It
// never consumes the session; repeated successful calls each return a token.
func (s *Service) Verify(ctx context.Context, sessionID, code string) (*model.VerifyOTPResponse, error) {
	session, err := s.Session(ctx, sessionID)
	if err != nil {
		s.observe("invalid_session")
		return nil, err
	}
	if session.Expired(s.now()) {
		s.observe("expired")
		return nil, ErrExpired
	}

	// Each comparison holds one of MaxAttempts slots, taken before the
	// compare so parallel guesses cannot exceed the limit.
	attempt, err := s.repo.ReserveAttempt(ctx, sessionID, s.cfg.MaxAttempts)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		s.observe("invalid_session")
		return nil, ErrInvalidSession
	case errors.Is(err, repository.ErrAttemptsExhausted):
		s.observe("locked")
		return nil, ErrTooManyAttempts
	case err != nil:
		return nil, apperrors.NewTransient(err)
	}

	if err := s.hasher.Compare(session.CodeHash, code); err != nil {
		if !errors.Is(err, security.ErrCodeMismatch) {
			return nil, apperrors.NewInternal(err)
		}
		s.observe("mismatch")
		if attempt >= s.cfg.MaxAttempts {
			s.audit.TrustFailure("otp", "attempt limit reached", zap.String("session_id", sessionID))
			if err := s.repo.Delete(ctx, sessionID); err != nil {
				return nil, apperrors.NewTransient(err)
			}
			return nil, ErrTooManyAttempts
		}
		return nil, ErrInvalidCode
	}

	if err := s.repo.MarkVerified(ctx, sessionID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidSession
		}
		return nil, apperrors.NewTransient(err)
	}

	token, err := s.tokens.Issue(session.ID, string(session.Scope), session.Identifier, session.ExpiresAt)
	if err != nil {
		return nil, apperrors.NewInternal(err)
	}
	s.observe("verified")
	return &model.VerifyOTPResponse{Verified: true, VerificationToken: token}, nil
}

// Session returns the stored session without its plaintext.
func (s *Service) Session(ctx context.Context, sessionID string) (*model.OTPSession, error) {
	if sessionID == "" {
		return nil, ErrInvalidSession
	}
	session, err := s.repo.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidSession
		}
		return nil, apperrors.NewTransient(err)
	}
	return session, nil
}

// MarkUsed consumes a verified session exactly once for scope. consumer
// identifies what the session was spent on and is kept on the session.
func (s *Service) MarkUsed(ctx context.Context, sessionID string, scope model.OTPScope, consumer string) error {
	err := s.repo.MarkUsed(ctx, sessionID, scope, consumer)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return ErrInvalidSession
	case errors.Is(err, repository.ErrSessionExpired):
		return ErrExpired
	case errors.Is(err, repository.ErrSessionAlreadyUsed):
		return ErrAlreadyUsed
	case errors.Is(err, repository.ErrSessionNotVerified):
		return ErrNotVerified
	case errors.Is(err, repository.ErrSessionWrongScope):
		return ErrWrongScope
	default:
		return apperrors.NewTransient(err)
	}
}

// SessionFromToken resolves a verification token to its session id.
func (s *Service) SessionFromToken(token string) (string, error) {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return "", ErrInvalidToken.Wrap(err)
	}
	return claims.SessionID, nil
}

func (s *Service) observe(result string) {
	if s.metrics != nil {
		s.metrics.OTPVerified.WithLabelValues(result).Inc()
	}
}
