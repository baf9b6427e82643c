package availability

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	apperrors "github.com/jwalitptl/booking-api/pkg/errors"
	"github.com/jwalitptl/booking-api/pkg/httputil"
)

type Service interface {
	FreeSlots(ctx context.Context, providerID uuid.UUID, start, end time.Time) ([]time.Time, error)
	Location() *time.Location
}

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/providers/:id/slots", h.ListSlots)
}

type slotsQuery struct {
	Start string `form:"start" binding:"required,isodate"`
	End   string `form:"end" binding:"required,isodate"`
}

// ListSlots returns the free slots of a provider as RFC 3339 instants in the
// clinic's timezone.
func (h *Handler) ListSlots(c *gin.Context) {
	providerID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		_ = c.Error(apperrors.BadRequest("invalid provider id", err))
		return
	}

	var q slotsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		_ = c.Error(err).SetType(gin.ErrorTypeBind)
		return
	}

	loc := h.service.Location()
	start, _ := time.ParseInLocation(time.DateOnly, q.Start, loc)
	end, _ := time.ParseInLocation(time.DateOnly, q.End, loc)

	slots, err := h.service.FreeSlots(c.Request.Context(), providerID, start, end)
	if err != nil {
		_ = c.Error(err)
		return
	}

	out := make([]string, len(slots))
	for i, s := range slots {
		out[i] = s.In(loc).Format(time.RFC3339)
	}
	httputil.RespondWithSuccess(c, out)
}
