// Package correlator sends prompts to an external agent that has no
// synchronous API and waits for the agent's reply by polling a reply source.
//
// Each request is identified by a correlation id held in a pending registry
// until it is resolved, either by a qualifying reply observed while polling or
// by a manual callback. A poll timeout does not resolve the id, so a late
// callback can still complete it.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/iambrandonn/scrap/internal/journal"
	"github.com/iambrandonn/scrap/internal/pending"
	"github.com/iambrandonn/scrap/internal/protocol"
	"github.com/jonboulle/clockwork"
)

// DefaultPrompt is sent when the caller supplies no message
const DefaultPrompt = `This is an API request. The caller will display your response in a mobile app. You MUST return the summary as text in your response—do NOT use send_message, tool_send_message, or any tool that sends to iMessage/SMS. If you send a message, the app will show only "Message sent successfully" instead of your summary.

Using the Messages I've provided above plus your calendar, reminders, photos, and other integrations, create a brief summary of my last 7 days. Output the summary directly in your reply. Format day by day with the top 5 interesting things. Include a short prompt to record a video/voice reflection. Keep it concise and scannable.`

var (
	// ErrDispatch means the agent channel could not be reached
	ErrDispatch = errors.New("could not reach agent")
	// ErrTimeout means no qualifying reply was observed in time
	ErrTimeout = errors.New("reply not seen before timeout")
	// ErrNotFound covers both unknown and already consumed ids
	ErrNotFound = errors.New("unknown or already used request_id")
	// ErrMissingID means a manual resolution carried no id
	ErrMissingID = errors.New("missing request_id")
	// ErrConsumed means the id left the pending set while this call was
	// polling, through another dispatch with the same id or a sweep
	ErrConsumed = errors.New("request_id resolved or expired elsewhere")
)

// DispatchError wraps the agent channel failure for a request
type DispatchError struct {
	RequestID string
	Err       error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("%s (request %s): %v", ErrDispatch, e.RequestID, e.Err)
}

func (e *DispatchError) Unwrap() []error {
	return []error{ErrDispatch, e.Err}
}

// TimeoutError reports a request whose reply was not observed. The id is
// still pending when this is returned.
type TimeoutError struct {
	RequestID string
	Elapsed   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s (request %s, waited %s)", ErrTimeout, e.RequestID, e.Elapsed.Round(time.Millisecond))
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// Dispatcher delivers text to the external agent
type Dispatcher interface {
	Send(ctx context.Context, text string) error
}

// ReplySource returns the most recent message from identity within the
// last windowHours
type ReplySource interface {
	FetchLatest(ctx context.Context, identity string, windowHours int) protocol.FetchResult
}

// Recorder receives lifecycle records; *journal.Journal satisfies it
type Recorder interface {
	Record(rec journal.Record)
}

// PollConfig controls reply discovery
type PollConfig struct {
	Interval    time.Duration // between reply-source checks
	Timeout     time.Duration // overall budget measured from dispatch start
	FirstDelay  time.Duration // grace period before the first check
	Identity    string        // reply-source contact filter
	WindowHours int           // reply-source lookback
}

// Reply is a resolved agent request
type Reply struct {
	RequestID  string
	Message    string
	ResolvedBy protocol.ResolvedBy
	Elapsed    time.Duration
}

// Options configures a Correlator
type Options struct {
	Registry   *pending.Registry
	Dispatcher Dispatcher
	Source     ReplySource
	Poll       PollConfig
	Clock      clockwork.Clock
	Logger     *slog.Logger
	Recorder   Recorder
}

// Correlator dispatches agent requests and matches their replies
type Correlator struct {
	registry   *pending.Registry
	dispatcher Dispatcher
	source     ReplySource
	poll       PollConfig
	clock      clockwork.Clock
	logger     *slog.Logger
	recorder   Recorder
}

// New creates a correlator. Registry, Dispatcher and Source are required.
func New(opts Options) *Correlator {
	c := &Correlator{
		registry:   opts.Registry,
		dispatcher: opts.Dispatcher,
		source:     opts.Source,
		poll:       opts.Poll,
		clock:      opts.Clock,
		logger:     opts.Logger,
		recorder:   opts.Recorder,
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.registry == nil {
		c.registry = pending.NewRegistry(c.clock)
	}
	return c
}

// Registry exposes the pending set
func (c *Correlator) Registry() *pending.Registry {
	return c.registry
}

// RequestID returns the trimmed candidate, or a fresh UUID when it is blank
func RequestID(candidate string) string {
	if id := strings.TrimSpace(candidate); id != "" {
		return id
	}
	return uuid.NewString()
}

// PromptOrDefault returns the trimmed message, or DefaultPrompt when blank
func PromptOrDefault(message string) string {
	if text := strings.TrimSpace(message); text != "" {
		return text
	}
	return DefaultPrompt
}

// WithRequestID appends the correlation id as a trailing token so a reply
// relayed by hand can still be tied back to its request
func WithRequestID(content, requestID string) string {
	return fmt.Sprintf("%s\n\nRequest ID: %s", content, requestID)
}

// DispatchAndAwait registers requestID (generating one if blank), sends
// content to the agent and waits for the reply.
//
// Returns *DispatchError if sending fails (an id registered by this call is
// unregistered) and *TimeoutError if no reply qualifies within the poll
// budget (the id stays pending). If ctx is cancelled the id also stays
// pending. ErrConsumed is returned when the id stops being pending without a
// reply reaching this call.
func (c *Correlator) DispatchAndAwait(ctx context.Context, requestID, content string) (*Reply, error) {
	id := RequestID(requestID)
	t0 := c.clock.Now()

	added := c.registry.Add(id)
	if added {
		c.record(id, journal.KindRegistered, "")
	}
	replies, _ := c.registry.Waiter(id)

	text := WithRequestID(PromptOrDefault(content), id)
	c.logger.Info("dispatching agent request", "request_id", id, "length", len(text))

	if err := c.dispatcher.Send(ctx, text); err != nil {
		if added {
			c.registry.Remove(id)
		}
		c.record(id, journal.KindDispatchFailed, err.Error())
		c.logger.Error("agent dispatch failed", "request_id", id, "error", err)
		return nil, &DispatchError{RequestID: id, Err: err}
	}
	c.record(id, journal.KindDispatched, "")

	deadline := t0.Add(c.poll.Timeout)
	wait := c.poll.FirstDelay
	polls := 0

	for {
		if !c.registry.Contains(id) {
			return c.consumedElsewhere(id, replies, t0, polls)
		}

		remaining := deadline.Sub(c.clock.Now())
		if remaining <= 0 {
			break
		}
		if wait > remaining {
			wait = remaining
		}

		if wait > 0 {
			select {
			case msg := <-replies:
				return c.resolvedByCallback(id, msg, t0), nil
			case <-ctx.Done():
				c.record(id, journal.KindAbandoned, ctx.Err().Error())
				c.logger.Warn("caller went away while awaiting reply", "request_id", id, "polls", polls)
				return nil, fmt.Errorf("awaiting reply for %s: %w", id, ctx.Err())
			case <-c.clock.After(wait):
			}
		}

		if !c.clock.Now().Before(deadline) {
			break
		}

		polls++
		result := c.source.FetchLatest(ctx, c.poll.Identity, c.poll.WindowHours)
		if Qualifies(result, t0) {
			if c.registry.Remove(id) {
				elapsed := c.clock.Since(t0)
				c.record(id, journal.KindResolvedByPoll, "")
				c.logger.Info("agent reply observed", "request_id", id, "polls", polls, "elapsed", elapsed)
				return &Reply{
					RequestID:  id,
					Message:    result.Event.Body,
					ResolvedBy: protocol.ResolvedByPoll,
					Elapsed:    elapsed,
				}, nil
			}
			return c.consumedElsewhere(id, replies, t0, polls)
		}

		switch result.Kind {
		case protocol.ResultError:
			c.logger.Warn("reply source query failed", "request_id", id, "reason", result.Reason)
		case protocol.ResultOK:
			c.logger.Debug("latest message does not qualify",
				"request_id", id,
				"is_from_me", result.Event.IsFromMe,
				"timestamp", result.Event.Timestamp)
		}

		wait = c.poll.Interval
	}

	if !c.registry.Contains(id) {
		return c.consumedElsewhere(id, replies, t0, polls)
	}

	elapsed := c.clock.Since(t0)
	c.record(id, journal.KindTimedOut, elapsed.String())
	c.logger.Warn("agent reply not seen before timeout", "request_id", id, "polls", polls, "elapsed", elapsed)
	return nil, &TimeoutError{RequestID: id, Elapsed: elapsed}
}

// ResolveManually consumes requestID with a reply delivered out of band.
// A second call with the same id returns ErrNotFound.
func (c *Correlator) ResolveManually(requestID, message string) error {
	id := strings.TrimSpace(requestID)
	if id == "" {
		return ErrMissingID
	}
	if !c.registry.Resolve(id, message) {
		c.logger.Info("callback for unknown request", "request_id", id)
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	c.record(id, journal.KindResolvedByCallback, "")
	c.logger.Info("request resolved by callback", "request_id", id, "length", len(message))
	return nil
}

// Sweep drops ids that have been pending longer than ttl
func (c *Correlator) Sweep(ttl time.Duration) []string {
	expired := c.registry.Sweep(ttl)
	for _, id := range expired {
		c.record(id, journal.KindExpired, ttl.String())
	}
	if len(expired) > 0 {
		c.logger.Info("expired abandoned requests", "count", len(expired), "ttl", ttl, "still_pending", c.registry.Len())
	}
	return expired
}

// Qualifies reports whether result is the reply to a request dispatched at
// t0: a non-empty inbound message timestamped at or after t0.
func Qualifies(result protocol.FetchResult, t0 time.Time) bool {
	if result.Kind != protocol.ResultOK {
		return false
	}
	evt := result.Event
	return strings.TrimSpace(evt.Body) != "" &&
		!evt.IsFromMe &&
		!evt.Timestamp.Before(t0)
}

// consumedElsewhere handles an id that is no longer pending. A callback
// queues its message before the id disappears, so an empty channel means
// the id went to another dispatch or a sweep.
func (c *Correlator) consumedElsewhere(id string, replies <-chan string, t0 time.Time, polls int) (*Reply, error) {
	select {
	case msg := <-replies:
		return c.resolvedByCallback(id, msg, t0), nil
	default:
	}
	c.logger.Warn("request id no longer pending, stopped polling",
		"request_id", id,
		"polls", polls,
		"elapsed", c.clock.Since(t0))
	return nil, fmt.Errorf("%w: %s", ErrConsumed, id)
}

func (c *Correlator) resolvedByCallback(id, msg string, t0 time.Time) *Reply {
	elapsed := c.clock.Since(t0)
	c.logger.Info("waiting request completed by callback", "request_id", id, "elapsed", elapsed)
	return &Reply{
		RequestID:  id,
		Message:    msg,
		ResolvedBy: protocol.ResolvedByCallback,
		Elapsed:    elapsed,
	}
}

func (c *Correlator) record(id string, kind journal.Kind, detail string) {
	if c.recorder == nil {
		return
	}
	c.recorder.Record(journal.Record{
		Time:      c.clock.Now().UTC(),
		RequestID: id,
		Kind:      kind,
		Detail:    detail,
	})
}
