// Package client talks to a running scrap backend. The CLI uses it to
// dispatch agent requests and to submit manual replies.
package client

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

	"github.com/iambrandonn/scrap/internal/protocol"
)

// DefaultBaseURL is the backend started by `scrap serve` with default settings
const DefaultBaseURL = "http://localhost:3000"

const maxResponseBytes = 4 << 20

// TimeoutResponse is returned by Agent when the backend gave up waiting for
// the reply. The request is still pending and can be completed with Callback.
type TimeoutResponse struct {
	RequestID string
	Message   string
}

func (e *TimeoutResponse) Error() string {
	return fmt.Sprintf("agent reply not seen in time (request %s): %s", e.RequestID, e.Message)
}

// APIError is any other non-2xx backend response
type APIError struct {
	Status  int
	Message string
	Details string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("backend returned %d", e.Status)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Details != "" {
		msg += " (" + e.Details + ")"
	}
	return msg
}

// IsNotFound reports whether err is a 404 from the backend, which Callback
// returns for unknown or already used ids
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// Options configures a Client
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client calls the scrap HTTP API
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// New creates a Client. The default HTTP client has no timeout; agent calls
// are bounded by the backend's poll timeout and the caller's context.
func New(opts Options) *Client {
	c := &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    opts.HTTPClient,
		logger:  opts.Logger,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Agent dispatches a request and waits for the reply
func (c *Client) Agent(ctx context.Context, req protocol.AgentRequest) (*protocol.AgentResponse, error) {
	status, body, err := c.post(ctx, "/poke/agent", req)
	if err != nil {
		return nil, err
	}

	switch status {
	case http.StatusOK:
		var resp protocol.AgentResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("failed to decode agent response: %w", err)
		}
		return &resp, nil
	case http.StatusGatewayTimeout:
		var resp protocol.StatusResponse
		if err := json.Unmarshal(body, &resp); err != nil || resp.RequestID == "" {
			return nil, apiError(status, body)
		}
		return nil, &TimeoutResponse{RequestID: resp.RequestID, Message: resp.Error}
	default:
		return nil, apiError(status, body)
	}
}

// Callback submits a reply for a pending request
func (c *Client) Callback(ctx context.Context, requestID, message string) error {
	status, body, err := c.post(ctx, "/poke/callback", protocol.CallbackRequest{
		RequestID: requestID,
		Message:   message,
	})
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return apiError(status, body)
	}
	return nil
}

// Send forwards a message to the agent without waiting for a reply and
// returns the webhook's status and body
func (c *Client) Send(ctx context.Context, req protocol.AgentRequest) (int, []byte, error) {
	status, body, err := c.post(ctx, "/poke/send", req)
	if err != nil {
		return 0, nil, err
	}
	if status < 200 || status >= 300 {
		return status, body, apiError(status, body)
	}
	return status, body, nil
}

// Pending lists the requests still waiting for a reply, oldest first
func (c *Client) Pending(ctx context.Context) (*protocol.PendingResponse, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/poke/pending", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, apiError(status, body)
	}
	var resp protocol.PendingResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode pending response: %w", err)
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) (int, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, data)
}

func (c *Client) do(ctx context.Context, method, path string, data []byte) (int, []byte, error) {
	var reqBody io.Reader
	if data != nil {
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("calling backend", "method", method, "path", path)
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("backend request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read backend response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func apiError(status int, body []byte) error {
	var resp protocol.StatusResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Error == "" {
		return &APIError{Status: status, Message: strings.TrimSpace(string(body))}
	}
	return &APIError{Status: status, Message: resp.Error, Details: resp.Details}
}
