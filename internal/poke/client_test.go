package poke

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSendPostsBearerMessage(t *testing.T) {
	var got struct {
		auth, contentType string
		body              map[string]string
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		got.auth = r.Header.Get("Authorization")
		got.contentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got.body))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"message":"Message sent successfully"}`))
	}))
	defer srv.Close()

	c := NewClient(Options{APIKey: " test-key ", WebhookURL: srv.URL, Logger: quietLogger()})
	require.True(t, c.Configured())
	require.NoError(t, c.Send(context.Background(), "hello agent"))

	assert.Equal(t, "Bearer test-key", got.auth)
	assert.Equal(t, "application/json", got.contentType)
	assert.Equal(t, map[string]string{"message": "hello agent"}, got.body)
}

func TestSendRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(Options{APIKey: "bad", WebhookURL: srv.URL, Logger: quietLogger()})
	err := c.Send(context.Background(), "hi")

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.Status)
	assert.Equal(t, "invalid api key", statusErr.Body)
}

func TestSendTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(Options{APIKey: "k", WebhookURL: url, Logger: quietLogger()})
	err := c.Send(context.Background(), "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "poke request failed")
}

func TestForwardPassesResponseThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	c := NewClient(Options{APIKey: "k", WebhookURL: srv.URL, Logger: quietLogger()})
	resp, err := c.Forward(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.Status)
	assert.Equal(t, "text/plain", resp.ContentType)
	assert.Equal(t, "slow down", string(resp.Body))
}

func TestUnconfiguredClient(t *testing.T) {
	c := NewClient(Options{Logger: quietLogger()})
	assert.False(t, c.Configured())
	assert.ErrorIs(t, c.Send(context.Background(), "hi"), ErrNotConfigured)
}

func TestRateLimitHonoursContext(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	c := NewClient(Options{APIKey: "k", WebhookURL: srv.URL, RatePerSecond: 0.01, Burst: 1, Logger: quietLogger()})
	require.NoError(t, c.Send(context.Background(), "first"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Send(ctx, "second")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "waiting for send slot")
	assert.Equal(t, int32(1), hits.Load())
}
