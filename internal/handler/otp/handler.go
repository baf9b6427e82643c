package otp

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/booking-api/internal/model"
	"github.com/jwalitptl/booking-api/pkg/httputil"
)

type Service interface {
	Issue(ctx context.Context, identifier string, scope model.OTPScope) (*model.IssueOTPResponse, error)
	Verify(ctx context.Context, sessionID, code string) (*model.VerifyOTPResponse, error)
}

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the code endpoints behind the given limiter chain.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, limit ...gin.HandlerFunc) {
	otp := r.Group("/otp", limit...)
	{
		otp.POST("", h.IssueCode)
		otp.POST("/:id/verify", h.VerifyCode)
	}
}

func (h *Handler) IssueCode(c *gin.Context) {
	var req model.IssueOTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(err).SetType(gin.ErrorTypeBind)
		return
	}

	resp, err := h.service.Issue(c.Request.Context(), req.Identifier, req.Scope)
	if err != nil {
		_ = c.Error(err)
		return
	}
	httputil.RespondWithStatus(c, http.StatusCreated, resp)
}

func (h *Handler) VerifyCode(c *gin.Context) {
	var req model.VerifyOTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(err).SetType(gin.ErrorTypeBind)
		return
	}

	resp, err := h.service.Verify(c.Request.Context(), c.Param("id"), req.Code)
	if err != nil {
		_ = c.Error(err)
		return
	}
	httputil.RespondWithSuccess(c, resp)
}
