// Package testharness provides an in-process stand-in for the Poke agent:
// it accepts webhook deliveries like poke.com does and exposes the agent's
// replies the way the local Messages database would.
package testharness

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/iambrandonn/scrap/internal/protocol"
)

var requestIDPattern = regexp.MustCompile(`Request ID: (\S+)\s*$`)

// Delivery is one message received on the fake webhook
type Delivery struct {
	Text      string
	RequestID string
	At        time.Time
}

// FakePoke accepts webhook posts and, after ReplyDelay, makes a reply
// visible through FetchLatest. Every delivery is first echoed back as an
// outgoing (is_from_me) message, as Messages shows it.
type FakePoke struct {
	APIKey     string
	ReplyDelay time.Duration
	// Reply builds the agent's answer; returning "" keeps the agent silent
	Reply func(d Delivery) string
	// Status overrides the webhook response code when non-zero
	Status int

	logger *slog.Logger
	server *httptest.Server

	mu         sync.Mutex
	deliveries []Delivery
	latest     *protocol.ReplyEvent
	timers     []*time.Timer
}

// NewFakePoke starts the fake webhook. Call Close when done.
func NewFakePoke(apiKey string, logger *slog.Logger) *FakePoke {
	if logger == nil {
		logger = slog.Default()
	}
	p := &FakePoke{
		APIKey: apiKey,
		Reply: func(d Delivery) string {
			return "Recap for " + d.RequestID
		},
		logger: logger,
	}
	p.server = httptest.NewServer(http.HandlerFunc(p.handleWebhook))
	return p
}

// URL is the webhook endpoint to configure in poke.Options
func (p *FakePoke) URL() string {
	return p.server.URL + "/api/v1/inbound-sms/webhook"
}

// Close stops the webhook and any pending replies
func (p *FakePoke) Close() {
	p.server.Close()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.timers {
		t.Stop()
	}
}

// Deliveries returns the messages received so far
func (p *FakePoke) Deliveries() []Delivery {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Delivery(nil), p.deliveries...)
}

// FetchLatest returns the newest message in the fake conversation
func (p *FakePoke) FetchLatest(_ context.Context, _ string, _ int) protocol.FetchResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.latest == nil {
		return protocol.Empty()
	}
	return protocol.Found(*p.latest)
}

func (p *FakePoke) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+p.APIKey {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid api key"}`))
		return
	}
	if p.Status != 0 {
		w.WriteHeader(p.Status)
		w.Write([]byte(`{"error":"unavailable"}`))
		return
	}

	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	d := Delivery{Text: body.Message, At: time.Now()}
	if m := requestIDPattern.FindStringSubmatch(body.Message); m != nil {
		d.RequestID = m[1]
	}
	p.record(d)
	p.logger.Debug("fake poke received message", "request_id", d.RequestID, "length", len(d.Text))

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"success":true,"message":"Message sent successfully"}`))
}

func (p *FakePoke) record(d Delivery) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.deliveries = append(p.deliveries, d)
	p.latest = &protocol.ReplyEvent{Body: d.Text, IsFromMe: true, Timestamp: d.At}

	reply := strings.TrimSpace(p.Reply(d))
	if reply == "" {
		return
	}
	p.timers = append(p.timers, time.AfterFunc(p.ReplyDelay, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.latest = &protocol.ReplyEvent{Body: reply, Timestamp: time.Now()}
	}))
}
