package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestHealth(t *testing.T) {
	gin.SetMode(gin.TestMode)

	up := PingerFunc(func(context.Context) error { return nil })
	down := PingerFunc(func(context.Context) error { return errors.New("connection refused") })

	tests := []struct {
		name   string
		path   string
		deps   map[string]Pinger
		status int
		body   string
	}{
		{"live ignores deps", "/health/live", map[string]Pinger{"postgres": down}, http.StatusOK, `"UP"`},
		{"ready", "/health/ready", map[string]Pinger{"postgres": up, "redis": up}, http.StatusOK, `"redis":"UP"`},
		{"redis down", "/health/ready", map[string]Pinger{"postgres": up, "redis": down}, http.StatusServiceUnavailable, `"redis":"DOWN"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			NewHandler(tt.deps).RegisterRoutes(r.Group(""))

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.status, w.Code)
			assert.Contains(t, w.Body.String(), tt.body)
		})
	}
}
