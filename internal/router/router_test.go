package router

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/booking-api/internal/handler/availability"
	"github.com/jwalitptl/booking-api/internal/handler/booking"
	"github.com/jwalitptl/booking-api/internal/handler/health"
	"github.com/jwalitptl/booking-api/internal/handler/otp"
	"github.com/jwalitptl/booking-api/internal/handler/payment"
	promhandler "github.com/jwalitptl/booking-api/internal/handler/prometheus"
	"github.com/jwalitptl/booking-api/pkg/logger"
	"github.com/jwalitptl/booking-api/pkg/metrics"
)

func newTestRouter(trusted []string) *Router {
	reg := prometheus.NewRegistry()
	h := Handlers{
		Availability: availability.NewHandler(nil),
		Booking:      booking.NewHandler(nil),
		OTP:          otp.NewHandler(nil),
		Payment:      payment.NewHandler(nil, "rzp_test_key"),
		Health:       health.NewHandler(nil),
		Metrics:      promhandler.New(reg),
	}
	return NewRouter(h, RouterConfig{
		Mode:           gin.TestMode,
		RequestTimeout: time.Second,
		OTPRate:        rate.Every(time.Hour),
		OTPBurst:       1,
		TrustedProxies: trusted,
	}, logger.NewLogger(&logger.Config{Level: logger.InfoLevel, Output: io.Discard}), metrics.NewMetrics(reg))
}

func issue(h http.Handler, forwardedFor string) int {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/otp", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", forwardedFor)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w.Code
}

func TestOpsRoutesAndNoRoute(t *testing.T) {
	h := newTestRouter(nil).Handler()

	for path, status := range map[string]int{
		"/health/live":  http.StatusOK,
		"/health/ready": http.StatusOK,
		"/metrics":      http.StatusOK,
		"/api/v1/nope":  http.StatusNotFound,
	} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, status, w.Code, path)
	}
}

func TestForwardedForIgnoredWithoutTrustedProxies(t *testing.T) {
	h := newTestRouter(nil).Handler()

	// Both requests come from the same peer, so the second is limited.
	assert.Equal(t, http.StatusBadRequest, issue(h, "10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, issue(h, "10.0.0.2"))
}

func TestForwardedForHonouredFromTrustedProxy(t *testing.T) {
	// httptest requests arrive from 192.0.2.1.
	h := newTestRouter([]string{"192.0.2.0/24"}).Handler()

	assert.Equal(t, http.StatusBadRequest, issue(h, "10.0.0.1"))
	assert.Equal(t, http.StatusBadRequest, issue(h, "10.0.0.2"))
	assert.Equal(t, http.StatusTooManyRequests, issue(h, "10.0.0.1"))
}
