package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jwalitptl/booking-api/pkg/circuitbreaker"
)

// SMSSender delivers a text message to a phone number.
type SMSSender interface {
	SendSMS(ctx context.Context, phone, text string) error
}

type SMSConfig struct {
	BaseURL string
	APIKey  string
	Sender  string
	Timeout time.Duration
}

// SMSClient talks to an HTTP SMS gateway accepting
// POST {base}/messages {"to","from","text"} with a bearer key.
type SMSClient struct {
	cfg    SMSConfig
	client *http.Client
	cb     *circuitbreaker.CircuitBreaker
}

func NewSMSClient(cfg SMSConfig, cb *circuitbreaker.CircuitBreaker) *SMSClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &SMSClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		cb:     cb,
	}
}

type smsRequest struct {
	To   string `json:"to"`
	From string `json:"from,omitempty"`
	Text string `json:"text"`
}

func (c *SMSClient) SendSMS(ctx context.Context, phone, text string) error {
	body, err := json.Marshal(smsRequest{To: phone, From: c.cfg.Sender, Text: text})
	if err != nil {
		return fmt.Errorf("failed to encode sms: %w", err)
	}
	return c.cb.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			strings.TrimRight(c.cfg.BaseURL, "/")+"/messages", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to build sms request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("sms gateway unreachable: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("sms gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
		}
		return nil
	})
}
