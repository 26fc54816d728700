package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// ResultKind tags the outcome of a single reply-source query
type ResultKind string

const (
	ResultOK    ResultKind = "ok"
	ResultEmpty ResultKind = "empty"
	ResultError ResultKind = "error"
)

// ReplyEvent is the latest message observed at the reply source
type ReplyEvent struct {
	Body      string    `json:"body"`
	IsFromMe  bool      `json:"is_from_me"`
	Timestamp time.Time `json:"timestamp"`
}

// FetchResult is the normalized result of querying the reply source.
// Event is only meaningful when Kind is ResultOK; Reason only when Kind is
// ResultError.
type FetchResult struct {
	Kind   ResultKind
	Event  ReplyEvent
	Reason string
}

// Found wraps an observed event
func Found(evt ReplyEvent) FetchResult {
	return FetchResult{Kind: ResultOK, Event: evt}
}

// Empty reports that the source had nothing to return
func Empty() FetchResult {
	return FetchResult{Kind: ResultEmpty}
}

// Failed reports a query failure
func Failed(reason string) FetchResult {
	return FetchResult{Kind: ResultError, Reason: reason}
}

// AppleEpoch is the origin of Messages database timestamps
var AppleEpoch = time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)

// FromAppleTimestamp converts a Messages timestamp to wall-clock time.
// Modern databases store nanoseconds since AppleEpoch; older ones store
// seconds (at most 10 digits).
func FromAppleTimestamp(raw int64) time.Time {
	if len(strconv.FormatInt(raw, 10)) > 10 {
		return AppleEpoch.Add(time.Duration(raw)).UTC()
	}
	return AppleEpoch.Add(time.Duration(raw) * time.Second).UTC()
}

// ToAppleTimestamp converts t to nanoseconds since AppleEpoch
func ToAppleTimestamp(t time.Time) int64 {
	return t.Sub(AppleEpoch).Nanoseconds()
}

// LatestMessage is the JSON line printed by get_latest_message_cli.py
type LatestMessage struct {
	OK       bool        `json:"ok"`
	Body     string      `json:"body,omitempty"`
	IsFromMe Flag        `json:"is_from_me,omitempty"`
	Date     json.Number `json:"date,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// Normalize maps the script output onto a FetchResult
func (m LatestMessage) Normalize() FetchResult {
	if !m.OK {
		if m.Error == "" || strings.EqualFold(m.Error, "No message found") {
			return Empty()
		}
		return Failed(m.Error)
	}
	if strings.TrimSpace(m.Body) == "" {
		return Empty()
	}
	raw, err := m.Date.Int64()
	if err != nil {
		f, ferr := m.Date.Float64()
		if ferr != nil {
			return Failed("invalid message date " + strconv.Quote(m.Date.String()))
		}
		raw = int64(f)
	}
	return Found(ReplyEvent{
		Body:      m.Body,
		IsFromMe:  bool(m.IsFromMe),
		Timestamp: FromAppleTimestamp(raw),
	})
}

// RecentMessages is the JSON line printed by get_messages_cli.py
type RecentMessages struct {
	OK       bool   `json:"ok"`
	Messages string `json:"messages"`
	Error    string `json:"error,omitempty"`
}

// Flag decodes booleans that may arrive as JSON bools or 0/1 integers
type Flag bool

func (f *Flag) UnmarshalJSON(data []byte) error {
	switch string(bytes.TrimSpace(data)) {
	case "true", "1":
		*f = true
	default:
		*f = false
	}
	return nil
}

// StrictTrue is set only by a literal JSON true. Anything else, including
// the string "true", decodes as false without error.
type StrictTrue bool

func (s *StrictTrue) UnmarshalJSON(data []byte) error {
	*s = StrictTrue(string(bytes.TrimSpace(data)) == "true")
	return nil
}

// LooseInt accepts numbers or numeric strings. Unparseable values decode as
// zero so callers fall back to their default.
type LooseInt int

func (n *LooseInt) UnmarshalJSON(data []byte) error {
	text := strings.Trim(string(bytes.TrimSpace(data)), `"`)
	if v, err := strconv.Atoi(text); err == nil {
		*n = LooseInt(v)
		return nil
	}
	if f, err := strconv.ParseFloat(text, 64); err == nil {
		*n = LooseInt(int(f))
		return nil
	}
	*n = 0
	return nil
}

// AgentRequest is the body of POST /poke/agent and POST /poke/send
type AgentRequest struct {
	RequestID       string     `json:"request_id,omitempty"`
	Message         string     `json:"message,omitempty"`
	IncludeMessages StrictTrue `json:"include_messages,omitempty"`
	MessageHours    LooseInt   `json:"message_hours,omitempty"`
	MessageContact  string     `json:"message_contact,omitempty"`
}

// ResolvedBy names how an agent request was completed
type ResolvedBy string

const (
	ResolvedByPoll     ResolvedBy = "poll"
	ResolvedByCallback ResolvedBy = "callback"
)

// AgentResponse is returned by POST /poke/agent on success
type AgentResponse struct {
	Success    bool       `json:"success"`
	Message    string     `json:"message"`
	RequestID  string     `json:"request_id"`
	ResolvedBy ResolvedBy `json:"resolved_by,omitempty"`
}

// CallbackRequest is the body of POST /poke/callback. Both request_id and
// requestId are accepted.
type CallbackRequest struct {
	RequestID      string `json:"request_id,omitempty"`
	RequestIDCamel string `json:"requestId,omitempty"`
	Message        string `json:"message"`
}

// ID returns the first non-blank id field, trimmed
func (c CallbackRequest) ID() string {
	if id := strings.TrimSpace(c.RequestID); id != "" {
		return id
	}
	return strings.TrimSpace(c.RequestIDCamel)
}

// StatusResponse is the generic {ok, error} envelope
type StatusResponse struct {
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	Details   string `json:"details,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// PendingEntry is an id still awaiting its reply
type PendingEntry struct {
	RequestID string    `json:"request_id"`
	CreatedAt time.Time `json:"created_at"`
}

// PendingResponse is returned by GET /poke/pending, oldest first
type PendingResponse struct {
	OK      bool           `json:"ok"`
	Count   int            `json:"count"`
	Pending []PendingEntry `json:"pending"`
}

// PokeHealthResponse is returned by GET /poke/health
type PokeHealthResponse struct {
	OK   bool   `json:"ok"`
	Poke string `json:"poke"`
}

// MessagesResponse is returned by GET /messages
type MessagesResponse struct {
	OK       bool   `json:"ok"`
	Messages string `json:"messages"`
}
