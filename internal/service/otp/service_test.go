package otp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/jwalitptl/booking-api/internal/model"
	redisrepo "github.com/jwalitptl/booking-api/internal/repository/redis"
	"github.com/jwalitptl/booking-api/pkg/audit"
	"github.com/jwalitptl/booking-api/pkg/auth"
	"github.com/jwalitptl/booking-api/pkg/metrics"
	"github.com/jwalitptl/booking-api/pkg/security"
)

type sentCode struct {
	channel    model.NotificationChannel
	identifier string
	code       string
}

type fakeSender struct {
	mu     sync.Mutex
	sent   []sentCode
	err    error
	onSend func()
}

func (f *fakeSender) SendCode(_ context.Context, channel model.NotificationChannel, identifier, code string, _ model.OTPScope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onSend != nil {
		f.onSend()
	}
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentCode{channel, identifier, code})
	return nil
}

func (f *fakeSender) last() sentCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func newTestService(t *testing.T, cfg Config) (*Service, *fakeSender, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	sender := &fakeSender{}
	svc := NewService(
		redisrepo.NewOTPRepository(client, time.Hour),
		sender,
		security.NewBcryptHasher(bcrypt.MinCost),
		auth.NewTokenService("test-secret", "booking-api"),
		cfg,
		metrics.NewMetrics(prometheus.NewRegistry()),
		audit.Nop(),
	)
	return svc, sender, mr
}

func TestIssueDispatchesByChannel(t *testing.T) {
	svc, sender, _ := newTestService(t, Config{TTL: time.Minute})
	ctx := context.Background()

	resp, err := svc.Issue(ctx, " Asha@Example.com ", model.OTPScopeBooking)
	require.NoError(t, err)
	assert.Equal(t, model.ChannelEmail, resp.Channel)
	assert.Empty(t, resp.Code, "code must not be echoed outside dev mode")
	assert.Equal(t, "asha@example.com", sender.last().identifier)
	assert.Len(t, sender.last().code, 6)

	resp, err = svc.Issue(ctx, "+91 98000-00001", model.OTPScopeContact)
	require.NoError(t, err)
	assert.Equal(t, model.ChannelSMS, resp.Channel)
	assert.Equal(t, "+919800000001", sender.last().identifier)

	// The dispatch read consumed the plaintext.
	_, err = svc.TakeCode(ctx, resp.SessionID)
	assert.ErrorIs(t, err, ErrCodeUnavailable)

	_, err = svc.Issue(ctx, "a@b.c", model.OTPScope("newsletter"))
	assert.ErrorIs(t, err, ErrInvalidScope)
}

func TestIssueEchoCode(t *testing.T) {
	svc, sender, _ := newTestService(t, Config{TTL: time.Minute, EchoCode: true})

	resp, err := svc.Issue(context.Background(), "a@b.c", model.OTPScopeBlogComment)
	require.NoError(t, err)
	assert.Equal(t, sender.last().code, resp.Code)
}

func TestIssueDeliveryFailureDropsSession(t *testing.T) {
	svc, sender, mr := newTestService(t, Config{TTL: time.Minute})
	sender.err = errors.New("smtp down")

	_, err := svc.Issue(context.Background(), "a@b.c", model.OTPScopeBooking)
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	assert.Empty(t, mr.Keys())
}

func TestVerifyThenMarkUsedOnce(t *testing.T) {
	svc, sender, _ := newTestService(t, Config{TTL: time.Minute})
	ctx := context.Background()

	resp, err := svc.Issue(ctx, "a@b.c", model.OTPScopeBooking)
	require.NoError(t, err)
	code := sender.last().code

	assert.ErrorIs(t, svc.MarkUsed(ctx, resp.SessionID, model.OTPScopeBooking, "b1"), ErrNotVerified)

	// Verification can be repeated while unused.
	for i := 0; i < 3; i++ {
		out, err := svc.Verify(ctx, resp.SessionID, code)
		require.NoError(t, err)
		assert.True(t, out.Verified)

		sid, err := svc.SessionFromToken(out.VerificationToken)
		require.NoError(t, err)
		assert.Equal(t, resp.SessionID, sid)
	}

	assert.ErrorIs(t, svc.MarkUsed(ctx, resp.SessionID, model.OTPScopeContact, "b1"), ErrWrongScope)
	require.NoError(t, svc.MarkUsed(ctx, resp.SessionID, model.OTPScopeBooking, "b1"))
	assert.ErrorIs(t, svc.MarkUsed(ctx, resp.SessionID, model.OTPScopeBooking, "b1"), ErrAlreadyUsed)
}

func TestVerifyFailures(t *testing.T) {
	svc, sender, _ := newTestService(t, Config{TTL: time.Minute, MaxAttempts: 3})
	ctx := context.Background()

	_, err := svc.Verify(ctx, "unknown", "123456")
	assert.ErrorIs(t, err, ErrInvalidSession)

	resp, err := svc.Issue(ctx, "a@b.c", model.OTPScopeBooking)
	require.NoError(t, err)
	wrong := "000000"
	if sender.last().code == wrong {
		wrong = "111111"
	}

	_, err = svc.Verify(ctx, resp.SessionID, wrong)
	assert.ErrorIs(t, err, ErrInvalidCode)
	_, err = svc.Verify(ctx, resp.SessionID, wrong)
	assert.ErrorIs(t, err, ErrInvalidCode)
	_, err = svc.Verify(ctx, resp.SessionID, wrong)
	assert.ErrorIs(t, err, ErrTooManyAttempts)

	// The session is gone; even the right code fails now.
	_, err = svc.Verify(ctx, resp.SessionID, sender.last().code)
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestParallelWrongGuessesHonourAttemptLimit(t *testing.T) {
	svc, sender, mr := newTestService(t, Config{TTL: time.Minute, MaxAttempts: 5})
	ctx := context.Background()

	resp, err := svc.Issue(ctx, "a@b.c", model.OTPScopeBooking)
	require.NoError(t, err)
	code := sender.last().code

	var guesses []string
	for n := 0; len(guesses) < 40; n++ {
		if g := fmt.Sprintf("%06d", n); g != code {
			guesses = append(guesses, g)
		}
	}

	results := make([]error, len(guesses))
	var wg sync.WaitGroup
	for i, g := range guesses {
		wg.Add(1)
		go func(i int, g string) {
			defer wg.Done()
			_, results[i] = svc.Verify(ctx, resp.SessionID, g)
		}(i, g)
	}
	wg.Wait()

	invalid := 0
	for _, err := range results {
		require.Error(t, err)
		if errors.Is(err, ErrInvalidCode) {
			invalid++
			continue
		}
		assert.True(t, errors.Is(err, ErrTooManyAttempts) || errors.Is(err, ErrInvalidSession), err.Error())
	}
	assert.Equal(t, 4, invalid)

	// The fifth failure removed the session, so the real code is refused.
	assert.False(t, mr.Exists("otp:session:"+resp.SessionID))
	_, err = svc.Verify(ctx, resp.SessionID, code)
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestIssueDoesNotRecreateExpiredSession(t *testing.T) {
	svc, sender, mr := newTestService(t, Config{TTL: time.Minute})
	ctx := context.Background()

	// Delivery outlasts the session and its grace period.
	sender.onSend = func() { mr.FastForward(2 * time.Hour) }

	resp, err := svc.Issue(ctx, "a@b.c", model.OTPScopeBooking)
	require.NoError(t, err)
	assert.False(t, mr.Exists("otp:session:"+resp.SessionID))

	_, err = svc.Verify(ctx, resp.SessionID, sender.last().code)
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestVerifyExpired(t *testing.T) {
	svc, sender, _ := newTestService(t, Config{TTL: time.Minute})
	ctx := context.Background()

	resp, err := svc.Issue(ctx, "a@b.c", model.OTPScopeBooking)
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = svc.Verify(ctx, resp.SessionID, sender.last().code)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestConcurrentMarkUsed(t *testing.T) {
	svc, sender, _ := newTestService(t, Config{TTL: time.Minute})
	ctx := context.Background()

	resp, err := svc.Issue(ctx, "a@b.c", model.OTPScopeBooking)
	require.NoError(t, err)
	_, err = svc.Verify(ctx, resp.SessionID, sender.last().code)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]error, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = svc.MarkUsed(ctx, resp.SessionID, model.OTPScopeBooking, "b1")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadyUsed)
	}
	assert.Equal(t, 1, succeeded)
}
