package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testYAML = `
server:
  port: 9090
  env: development
database:
  dsn: postgres://localhost/booking?sslmode=disable
booking:
  timezone: Asia/Kolkata
  pending_ttl_minutes: 20
otp:
  echo_code: true
`

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(testYAML), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("GATEWAY_WEBHOOK_SECRET", "whsec")
	t.Setenv("OTP_TOKEN_SECRET", "tok")
	t.Setenv("BOOKING_SERVER_PORT", "7070")

	cfg, err := LoadConfig(writeConfig(t))
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 20*time.Minute, cfg.Booking.PendingTTL())
	assert.Equal(t, 5, cfg.OTP.MaxAttempts)
	assert.Equal(t, "whsec", cfg.Secrets.GatewayWebhookSecret)
	assert.Equal(t, "Asia/Kolkata", cfg.Location().String())
	assert.NoError(t, cfg.Validate())
}

func TestValidateFailsFast(t *testing.T) {
	t.Setenv("GATEWAY_WEBHOOK_SECRET", "")
	t.Setenv("OTP_TOKEN_SECRET", "")

	cfg, err := LoadConfig(writeConfig(t))
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GATEWAY_WEBHOOK_SECRET")
	assert.Contains(t, err.Error(), "OTP_TOKEN_SECRET")

	cfg.Secrets.GatewayWebhookSecret = "whsec"
	cfg.Secrets.OTPTokenSecret = "tok"
	cfg.Server.Env = "production"
	assert.ErrorContains(t, cfg.Validate(), "echo_code")
}
