package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/iambrandonn/scrap/internal/correlator"
	"github.com/iambrandonn/scrap/internal/poke"
	"github.com/iambrandonn/scrap/internal/protocol"
)

const (
	defaultMessageHours = 168
	maxMessageHours     = 24 * 365
	maxBodyBytes        = 1 << 20
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, protocol.StatusResponse{OK: true})
}

func (s *Server) handlePokeHealth(w http.ResponseWriter, r *http.Request) {
	if !s.agent.Configured() {
		s.jsonResponse(w, http.StatusServiceUnavailable, protocol.PokeHealthResponse{OK: false, Poke: "missing POKE_API_KEY"})
		return
	}
	s.jsonResponse(w, http.StatusOK, protocol.PokeHealthResponse{OK: true, Poke: "configured"})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	hours := clampHours(leadingInt(query.Get("hours")))
	contact := strings.TrimSpace(query.Get("contact"))

	messages, err := s.transcripts.FetchRecent(r.Context(), hours, contact)
	if err != nil {
		s.logger.Warn("messages fetch failed", "hours", hours, "error", err)
		msg := err.Error()
		if msg == "" {
			msg = "Failed to fetch messages"
		}
		s.errorResponse(w, http.StatusBadGateway, msg)
		return
	}
	s.jsonResponse(w, http.StatusOK, protocol.MessagesResponse{OK: true, Messages: messages})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if !s.agent.Configured() {
		s.errorResponse(w, http.StatusServiceUnavailable, poke.ErrNotConfigured.Error())
		return
	}

	var req protocol.AgentRequest
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	text := s.composePrompt(r.Context(), req)

	resp, err := s.agent.Forward(r.Context(), text)
	if err != nil {
		s.logger.Error("poke send failed", "error", err)
		s.jsonResponse(w, http.StatusBadGateway, protocol.StatusResponse{
			OK:      false,
			Error:   "Failed to reach Poke API",
			Details: err.Error(),
		})
		return
	}

	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := decodeBody(r, &payload); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if len(payload) > 0 {
		s.logger.Debug("poke webhook payload", "payload", payload)
	}
	s.jsonResponse(w, http.StatusOK, protocol.StatusResponse{OK: true})
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	// Credentials are checked before any id is registered
	if !s.agent.Configured() {
		s.errorResponse(w, http.StatusServiceUnavailable, poke.ErrNotConfigured.Error())
		return
	}

	var req protocol.AgentRequest
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	id := correlator.RequestID(req.RequestID)
	text := s.composePrompt(r.Context(), req)

	reply, err := s.correlator.DispatchAndAwait(r.Context(), id, text)
	if err != nil {
		s.agentError(w, id, err)
		return
	}

	s.jsonResponse(w, http.StatusOK, protocol.AgentResponse{
		Success:    true,
		Message:    reply.Message,
		RequestID:  reply.RequestID,
		ResolvedBy: reply.ResolvedBy,
	})
}

func (s *Server) agentError(w http.ResponseWriter, id string, err error) {
	var dispatchErr *correlator.DispatchError
	var timeoutErr *correlator.TimeoutError

	switch {
	case errors.As(err, &dispatchErr):
		s.jsonResponse(w, http.StatusBadGateway, protocol.StatusResponse{
			OK:        false,
			Error:     "Failed to reach Poke agent",
			Details:   dispatchErr.Err.Error(),
			RequestID: dispatchErr.RequestID,
		})
	case errors.As(err, &timeoutErr):
		s.jsonResponse(w, http.StatusGatewayTimeout, protocol.StatusResponse{
			OK:        false,
			Error:     "Poke reply not seen in time; submit it with /poke/callback",
			RequestID: timeoutErr.RequestID,
		})
	case errors.Is(err, correlator.ErrConsumed):
		s.jsonResponse(w, http.StatusConflict, protocol.StatusResponse{
			OK:        false,
			Error:     "request_id was completed or expired by another request",
			RequestID: id,
		})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// The caller is gone or the router deadline passed
		s.errorResponse(w, http.StatusGatewayTimeout, err.Error())
	default:
		s.logger.Error("agent request failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	entries := s.correlator.Registry().List()
	resp := protocol.PendingResponse{
		OK:      true,
		Count:   len(entries),
		Pending: make([]protocol.PendingEntry, 0, len(entries)),
	}
	for _, e := range entries {
		resp.Pending = append(resp.Pending, protocol.PendingEntry{RequestID: e.ID, CreatedAt: e.CreatedAt.UTC()})
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	var req protocol.CallbackRequest
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	err := s.correlator.ResolveManually(req.ID(), req.Message)
	switch {
	case errors.Is(err, correlator.ErrMissingID):
		s.errorResponse(w, http.StatusBadRequest, "Missing request_id")
	case errors.Is(err, correlator.ErrNotFound):
		s.errorResponse(w, http.StatusNotFound, "Unknown or already used request_id")
	case err != nil:
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
	default:
		s.jsonResponse(w, http.StatusOK, protocol.StatusResponse{OK: true})
	}
}

// composePrompt applies the default prompt and, when requested, prefixes the
// recent Messages transcript. A failed transcript fetch is ignored.
func (s *Server) composePrompt(ctx context.Context, req protocol.AgentRequest) string {
	text := correlator.PromptOrDefault(req.Message)
	if !req.IncludeMessages {
		return text
	}

	hours := clampHours(int(req.MessageHours))
	messages, err := s.transcripts.FetchRecent(ctx, hours, req.MessageContact)
	if err != nil {
		s.logger.Warn("skipping messages context", "hours", hours, "error", err)
		return text
	}
	if strings.TrimSpace(messages) == "" {
		return text
	}
	return fmt.Sprintf("Here are my recent Messages (last %d hours):\n\n%s\n\n---\n\n%s", hours, messages, text)
}

// clampHours maps a requested lookback to [1, maxMessageHours]; zero means
// the default week
func clampHours(hours int) int {
	if hours == 0 {
		hours = defaultMessageHours
	}
	return max(1, min(hours, maxMessageHours))
}

// leadingInt parses an optional sign and the leading digits of s, ignoring
// anything after them. Unparseable input yields 0.
func leadingInt(s string) int {
	s = strings.TrimSpace(s)
	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0
	}
	return n
}

// decodeBody decodes a JSON request body into v. An empty body leaves v
// unchanged.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("failed to write response", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, protocol.StatusResponse{OK: false, Error: message})
}
