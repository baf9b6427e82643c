package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jwalitptl/booking-api/internal/model"
	"github.com/jwalitptl/booking-api/internal/repository"
)

const (
	sessionPrefix = "otp:session:"
	codePrefix    = "otp:code:"
)

// markUsedScript flips used exactly once. Checks run in a fixed order so
// concurrent callers observe a single winner.
var markUsedScript = redis.NewScript(`
local h = redis.call('HMGET', KEYS[1], 'verified', 'used', 'scope', 'expires_at')
if not h[3] then return 'missing' end
if h[2] == '1' then return 'used' end
if tonumber(h[4]) <= tonumber(ARGV[2]) then return 'expired' end
if h[1] ~= '1' then return 'not_verified' end
if h[3] ~= ARGV[1] then return 'scope' end
redis.call('HSET', KEYS[1], 'used', '1', 'used_by', ARGV[3])
return 'ok'
`)

var markVerifiedScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
redis.call('HSET', KEYS[1], 'verified', '1', 'attempts', 0)
return 1
`)

// reserveAttemptScript takes one of max compare slots, or reports the
// session locked once all are taken.
var reserveAttemptScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local n = tonumber(redis.call('HGET', KEYS[1], 'attempts') or '0')
if n >= tonumber(ARGV[1]) then return -2 end
return redis.call('HINCRBY', KEYS[1], 'attempts', 1)
`)

type otpRepository struct {
	client redis.UniversalClient
	grace  time.Duration
	now    func() time.Time
}

// NewOTPRepository stores sessions as hashes. grace is how long a record is
// kept past its expiry.
func NewOTPRepository(client redis.UniversalClient, grace time.Duration) repository.OTPRepository {
	return &otpRepository{client: client, grace: grace, now: time.Now}
}

func sessionKey(id string) string { return sessionPrefix + id }
func codeKey(id string) string    { return codePrefix + id }

func (r *otpRepository) Create(ctx context.Context, s *model.OTPSession, code string) error {
	ttl := s.ExpiresAt.Sub(s.IssuedAt)
	if ttl <= 0 {
		return fmt.Errorf("otp session ttl must be positive")
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, sessionKey(s.ID), map[string]interface{}{
			"identifier": s.Identifier,
			"scope":      string(s.Scope),
			"code_hash":  s.CodeHash,
			"issued_at":  s.IssuedAt.UnixMilli(),
			"expires_at": s.ExpiresAt.UnixMilli(),
			"verified":   "0",
			"used":       "0",
			"used_by":    "",
			"channel":    string(s.Channel),
			"attempts":   0,
		})
		pipe.PExpire(ctx, sessionKey(s.ID), ttl+r.grace)
		pipe.Set(ctx, codeKey(s.ID), code, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store otp session: %w", err)
	}
	return nil
}

func (r *otpRepository) Get(ctx context.Context, id string) (*model.OTPSession, error) {
	res := r.client.HGetAll(ctx, sessionKey(id))
	fields, err := res.Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get otp session: %w", err)
	}
	if len(fields) == 0 {
		return nil, repository.ErrNotFound
	}

	s := &model.OTPSession{ID: id}
	if err := res.Scan(s); err != nil {
		return nil, fmt.Errorf("failed to decode otp session: %w", err)
	}
	if s.IssuedAt, err = parseMillis(fields["issued_at"]); err != nil {
		return nil, err
	}
	if s.ExpiresAt, err = parseMillis(fields["expires_at"]); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *otpRepository) TakeCode(ctx context.Context, id string) (string, error) {
	code, err := r.client.GetDel(ctx, codeKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", repository.ErrCodeUnavailable
	}
	if err != nil {
		return "", fmt.Errorf("failed to read otp code: %w", err)
	}
	return code, nil
}

func (r *otpRepository) ReserveAttempt(ctx context.Context, id string, max int) (int, error) {
	n, err := reserveAttemptScript.Run(ctx, r.client, []string{sessionKey(id)}, max).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to reserve otp attempt: %w", err)
	}
	switch n {
	case -1:
		return 0, repository.ErrNotFound
	case -2:
		return 0, repository.ErrAttemptsExhausted
	}
	return n, nil
}

func (r *otpRepository) MarkVerified(ctx context.Context, id string) error {
	n, err := markVerifiedScript.Run(ctx, r.client, []string{sessionKey(id)}).Int()
	if err != nil {
		return fmt.Errorf("failed to mark otp verified: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *otpRepository) MarkUsed(ctx context.Context, id string, scope model.OTPScope, consumer string) error {
	res, err := markUsedScript.Run(ctx, r.client, []string{sessionKey(id)},
		string(scope), r.now().UnixMilli(), consumer).Text()
	if err != nil {
		return fmt.Errorf("failed to mark otp used: %w", err)
	}

	switch res {
	case "ok":
		return nil
	case "missing":
		return repository.ErrNotFound
	case "used":
		return repository.ErrSessionAlreadyUsed
	case "expired":
		return repository.ErrSessionExpired
	case "not_verified":
		return repository.ErrSessionNotVerified
	case "scope":
		return repository.ErrSessionWrongScope
	default:
		return fmt.Errorf("unexpected mark used result %q", res)
	}
}

func (r *otpRepository) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, sessionKey(id), codeKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete otp session: %w", err)
	}
	return nil
}

func parseMillis(v string) (time.Time, error) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to decode otp timestamp: %w", err)
	}
	return time.UnixMilli(ms), nil
}
