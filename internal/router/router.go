package router

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/booking-api/internal/handler/availability"
	"github.com/jwalitptl/booking-api/internal/handler/booking"
	"github.com/jwalitptl/booking-api/internal/handler/health"
	"github.com/jwalitptl/booking-api/internal/handler/otp"
	"github.com/jwalitptl/booking-api/internal/handler/payment"
	"github.com/jwalitptl/booking-api/internal/handler/prometheus"
	"github.com/jwalitptl/booking-api/internal/middleware"
	"github.com/jwalitptl/booking-api/pkg/logger"
	"github.com/jwalitptl/booking-api/pkg/metrics"
)

type Handlers struct {
	Availability *availability.Handler
	Booking      *booking.Handler
	OTP          *otp.Handler
	Payment      *payment.Handler
	Health       *health.Handler
	Metrics      *prometheus.Handler
}

type RouterConfig struct {
	Mode string
	// RequestTimeout bounds every API request context.
	RequestTimeout time.Duration
	MaxBodySize    int64
	// OTPRate limits code issue and verify per client IP.
	OTPRate    rate.Limit
	OTPBurst   int
	CORSConfig middleware.CORSConfig
	// TrustedProxies may set the client IP the rate limiter keys on.
	TrustedProxies []string
}

type Router struct {
	engine *gin.Engine
	h      Handlers
	config RouterConfig
}

func NewRouter(h Handlers, config RouterConfig, l *logger.Logger, m *metrics.Metrics) *Router {
	if config.Mode != "" {
		gin.SetMode(config.Mode)
	}

	if config.OTPRate <= 0 {
		config.OTPRate = rate.Every(12 * time.Second)
	}
	if config.OTPBurst <= 0 {
		config.OTPBurst = 5
	}

	engine := gin.New()
	if err := engine.SetTrustedProxies(config.TrustedProxies); err != nil {
		l.Warn("ignoring invalid trusted proxies", "error", err.Error())
		_ = engine.SetTrustedProxies(nil)
	}
	r := &Router{
		engine: engine,
		h:      h,
		config: config,
	}

	// Order matters: Validation renders binding errors before ErrorHandler
	// sees them.
	engine.Use(
		middleware.RequestID(),
		middleware.Logger(l),
		middleware.Metrics(m),
		middleware.Recovery(),
		middleware.ErrorHandler(),
		middleware.Validation(middleware.DefaultValidationConfig()),
	)
	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": gin.H{"code": "route_not_found", "message": "route not found"}})
	})

	r.setup()
	return r
}

func (r *Router) setup() {
	r.h.Health.RegisterRoutes(r.engine.Group(""))
	r.h.Metrics.RegisterRoutes(r.engine)

	api := r.engine.Group("/api/v1")
	api.Use(
		middleware.Timeout(middleware.TimeoutConfig{Duration: r.config.RequestTimeout}),
		middleware.SizeLimit(middleware.SizeLimitConfig{MaxBodySize: r.config.MaxBodySize}),
	)

	r.h.Availability.RegisterRoutes(api)
	r.h.Booking.RegisterRoutes(api)
	r.h.Payment.RegisterRoutes(api)

	otpLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		Rate:  r.config.OTPRate,
		Burst: r.config.OTPBurst,
	})
	r.h.OTP.RegisterRoutes(api, otpLimiter.RateLimit())
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}

// Handler is the engine wrapped for cross-origin browser calls.
func (r *Router) Handler() http.Handler {
	return middleware.CORS(r.config.CORSConfig, r.engine)
}
