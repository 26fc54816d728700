// Package poke delivers messages to the Poke agent through its inbound
// webhook. The agent answers asynchronously (over iMessage), so the webhook
// response only acknowledges receipt.
package poke

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// DefaultWebhookURL is Poke's inbound message endpoint
const DefaultWebhookURL = "https://poke.com/api/v1/inbound-sms/webhook"

const maxResponseBytes = 1 << 20

// ErrNotConfigured is returned when no API key is set
var ErrNotConfigured = errors.New("POKE_API_KEY is not configured")

// StatusError is returned by Send for non-2xx webhook responses
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("poke webhook returned %d", e.Status)
	}
	return fmt.Sprintf("poke webhook returned %d: %s", e.Status, e.Body)
}

// Response is a webhook response passed through verbatim
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// Options configures a Client
type Options struct {
	APIKey        string
	WebhookURL    string
	HTTPClient    *http.Client
	RatePerSecond float64 // outbound request rate, unlimited when <= 0
	Burst         int
	Logger        *slog.Logger
}

// Client sends messages to the Poke webhook
type Client struct {
	apiKey  string
	url     string
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewClient creates a Client
func NewClient(opts Options) *Client {
	c := &Client{
		apiKey:  strings.TrimSpace(opts.APIKey),
		url:     opts.WebhookURL,
		http:    opts.HTTPClient,
		limiter: rate.NewLimiter(rate.Inf, 0),
		logger:  opts.Logger,
	}
	if c.url == "" {
		c.url = DefaultWebhookURL
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Configured reports whether an API key is present
func (c *Client) Configured() bool {
	return c.apiKey != ""
}

// Send delivers text to the agent. Any transport failure or non-2xx status
// is an error.
func (c *Client) Send(ctx context.Context, text string) error {
	resp, err := c.Forward(ctx, text)
	if err != nil {
		return err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return &StatusError{Status: resp.Status, Body: strings.TrimSpace(string(resp.Body))}
	}
	return nil
}

// Forward delivers text and returns the webhook's response unchanged,
// whatever its status
func (c *Client) Forward(ctx context.Context, text string) (*Response, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for send slot: %w", err)
	}

	payload, err := json.Marshal(map[string]string{"message": text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poke request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read poke response: %w", err)
	}

	c.logger.Debug("poke webhook responded",
		"status", resp.StatusCode,
		"duration", time.Since(started),
		"length", len(text))

	return &Response{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}
