package correlator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/iambrandonn/scrap/internal/journal"
	"github.com/iambrandonn/scrap/internal/pending"
	"github.com/iambrandonn/scrap/internal/protocol"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

type fakeDispatcher struct {
	mu   sync.Mutex
	err  error
	sent []string
}

func (d *fakeDispatcher) Send(_ context.Context, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, text)
	return d.err
}

func (d *fakeDispatcher) Sent() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sent...)
}

// scriptedSource returns queued results in order, then fallback forever
type scriptedSource struct {
	mu       sync.Mutex
	queue    []protocol.FetchResult
	fallback protocol.FetchResult
	calls    int
	identity string
	window   int
}

func (s *scriptedSource) FetchLatest(_ context.Context, identity string, windowHours int) protocol.FetchResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.identity = identity
	s.window = windowHours
	if len(s.queue) > 0 {
		next := s.queue[0]
		s.queue = s.queue[1:]
		return next
	}
	if s.fallback.Kind == "" {
		return protocol.Empty()
	}
	return s.fallback
}

func (s *scriptedSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type captureRecorder struct {
	mu    sync.Mutex
	kinds []journal.Kind
}

func (r *captureRecorder) Record(rec journal.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, rec.Kind)
}

func (r *captureRecorder) Kinds() []journal.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]journal.Kind(nil), r.kinds...)
}

type outcome struct {
	reply *Reply
	err   error
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func defaultPoll() PollConfig {
	return PollConfig{
		Interval:    5 * time.Second,
		Timeout:     180 * time.Second,
		FirstDelay:  5 * time.Second,
		Identity:    "Poke",
		WindowHours: 1,
	}
}

func newFakeCorrelator(clock clockwork.Clock, d Dispatcher, s ReplySource, poll PollConfig) (*Correlator, *captureRecorder) {
	rec := &captureRecorder{}
	c := New(Options{
		Registry:   pending.NewRegistry(clock),
		Dispatcher: d,
		Source:     s,
		Poll:       poll,
		Clock:      clock,
		Logger:     discardLogger(),
		Recorder:   rec,
	})
	return c, rec
}

func start(c *Correlator, id, content string) <-chan outcome {
	done := make(chan outcome, 1)
	go func() {
		reply, err := c.DispatchAndAwait(context.Background(), id, content)
		done <- outcome{reply: reply, err: err}
	}()
	return done
}

// drive advances the fake clock by step each time the poll loop is parked
// on a timer, until the dispatch call returns.
func drive(t *testing.T, clock *clockwork.FakeClock, step time.Duration, done <-chan outcome) outcome {
	t.Helper()
	giveUp := time.After(5 * time.Second)
	for {
		select {
		case out := <-done:
			return out
		case <-giveUp:
			t.Fatal("dispatch did not finish")
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		err := clock.BlockUntilContext(ctx, 1)
		cancel()
		if err == nil {
			clock.Advance(step)
		}
	}
}

func TestFastResolution(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	source := &scriptedSource{queue: []protocol.FetchResult{
		protocol.Found(protocol.ReplyEvent{
			Body:      "• Test bullet one\n• Test bullet two",
			Timestamp: time.Now().Add(time.Second),
		}),
	}}
	c := New(Options{
		Dispatcher: dispatcher,
		Source:     source,
		Poll: PollConfig{
			Interval:    50 * time.Millisecond,
			Timeout:     3500 * time.Millisecond,
			FirstDelay:  20 * time.Millisecond,
			Identity:    "Poke",
			WindowHours: 1,
		},
		Logger: discardLogger(),
	})

	began := time.Now()
	reply, err := c.DispatchAndAwait(context.Background(), "test-signal-wake-1", "")
	require.NoError(t, err)

	assert.Less(t, time.Since(began), 500*time.Millisecond)
	assert.Equal(t, "test-signal-wake-1", reply.RequestID)
	assert.Equal(t, "• Test bullet one\n• Test bullet two", reply.Message)
	assert.Equal(t, protocol.ResolvedByPoll, reply.ResolvedBy)
	assert.False(t, c.Registry().Contains("test-signal-wake-1"))
	assert.Equal(t, 1, source.Calls())
	assert.Equal(t, "Poke", source.identity)
	assert.Equal(t, 1, source.window)

	sent := dispatcher.Sent()
	require.Len(t, sent, 1)
	assert.True(t, strings.HasPrefix(sent[0], DefaultPrompt), "blank content uses the default prompt")
	assert.True(t, strings.HasSuffix(sent[0], "\n\nRequest ID: test-signal-wake-1"))
}

func TestStaleReplyNeverQualifies(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	source := &scriptedSource{fallback: protocol.Found(protocol.ReplyEvent{
		Body:      "yesterday's summary",
		Timestamp: epoch.Add(-time.Second),
	})}
	c, rec := newFakeCorrelator(clock, &fakeDispatcher{}, source, defaultPoll())

	out := drive(t, clock, 5*time.Second, start(c, "stale-1", "recap please"))

	var timeoutErr *TimeoutError
	require.ErrorAs(t, out.err, &timeoutErr)
	assert.ErrorIs(t, out.err, ErrTimeout)
	assert.Equal(t, "stale-1", timeoutErr.RequestID)
	assert.GreaterOrEqual(t, timeoutErr.Elapsed, 180*time.Second)
	assert.Greater(t, source.Calls(), 1)
	assert.True(t, c.Registry().Contains("stale-1"), "timeout leaves the id pending")
	assert.Equal(t, []journal.Kind{journal.KindRegistered, journal.KindDispatched, journal.KindTimedOut}, rec.Kinds())
}

func TestSelfEchoNeverQualifies(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	source := &scriptedSource{fallback: protocol.Found(protocol.ReplyEvent{
		Body:      "recap please\n\nRequest ID: echo-1",
		IsFromMe:  true,
		Timestamp: epoch.Add(time.Minute),
	})}
	c, _ := newFakeCorrelator(clock, &fakeDispatcher{}, source, defaultPoll())

	out := drive(t, clock, 5*time.Second, start(c, "echo-1", "recap please"))
	assert.ErrorIs(t, out.err, ErrTimeout)
	assert.Nil(t, out.reply)
}

func TestTimeoutThenManualRescue(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	poll := defaultPoll()
	poll.Timeout = 3500 * time.Millisecond
	poll.Interval = 50 * time.Millisecond
	poll.FirstDelay = 20 * time.Millisecond
	c, rec := newFakeCorrelator(clock, &fakeDispatcher{}, &scriptedSource{}, poll)

	out := drive(t, clock, 50*time.Millisecond, start(c, "test-timeout-1", ""))
	var timeoutErr *TimeoutError
	require.ErrorAs(t, out.err, &timeoutErr)
	assert.GreaterOrEqual(t, timeoutErr.Elapsed, 3500*time.Millisecond)
	assert.True(t, c.Registry().Contains("test-timeout-1"))

	require.NoError(t, c.ResolveManually("test-timeout-1", "Pasted summary"))
	assert.ErrorIs(t, c.ResolveManually("test-timeout-1", "Duplicate"), ErrNotFound)
	assert.Contains(t, rec.Kinds(), journal.KindResolvedByCallback)
}

func TestTimeoutRealClock(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the full poll budget")
	}

	c := New(Options{
		Dispatcher: &fakeDispatcher{},
		Source:     &scriptedSource{},
		Poll: PollConfig{
			Interval:   50 * time.Millisecond,
			Timeout:    3500 * time.Millisecond,
			FirstDelay: 20 * time.Millisecond,
		},
		Logger: discardLogger(),
	})

	began := time.Now()
	_, err := c.DispatchAndAwait(context.Background(), "real-timeout", "")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(began), 3500*time.Millisecond)

	assert.NoError(t, c.ResolveManually("real-timeout", "late"))
	assert.ErrorIs(t, c.ResolveManually("real-timeout", "late again"), ErrNotFound)
}

func TestDispatchFailureShortCircuits(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	cause := errors.New("connection refused")
	source := &scriptedSource{}
	c, rec := newFakeCorrelator(clock, &fakeDispatcher{err: cause}, source, defaultPoll())

	reply, err := c.DispatchAndAwait(context.Background(), "fail-1", "hello")
	assert.Nil(t, reply)
	assert.ErrorIs(t, err, ErrDispatch)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrTimeout)

	var dispatchErr *DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	assert.Equal(t, "fail-1", dispatchErr.RequestID)

	assert.Zero(t, source.Calls(), "no polling after a failed dispatch")
	assert.False(t, c.Registry().Contains("fail-1"))
	assert.ErrorIs(t, c.ResolveManually("fail-1", "x"), ErrNotFound)
	assert.Equal(t, []journal.Kind{journal.KindRegistered, journal.KindDispatchFailed}, rec.Kinds())
}

func TestCallbackCompletesWaitingCall(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	c, _ := newFakeCorrelator(clock, &fakeDispatcher{}, &scriptedSource{}, defaultPoll())

	done := start(c, "cb-1", "recap")
	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	require.NoError(t, c.ResolveManually("cb-1", "pasted by hand"))

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Equal(t, "pasted by hand", out.reply.Message)
		assert.Equal(t, protocol.ResolvedByCallback, out.reply.ResolvedBy)
	case <-time.After(2 * time.Second):
		t.Fatal("callback did not wake the waiting call")
	}
	assert.False(t, c.Registry().Contains("cb-1"))
}

func TestSourceErrorsDoNotAbortPolling(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	source := &scriptedSource{queue: []protocol.FetchResult{
		protocol.Failed("database is locked"),
		protocol.Empty(),
		protocol.Failed("exit status 1"),
		protocol.Found(protocol.ReplyEvent{Body: "here you go", Timestamp: epoch.Add(12 * time.Second)}),
	}}
	c, _ := newFakeCorrelator(clock, &fakeDispatcher{}, source, defaultPoll())

	out := drive(t, clock, 5*time.Second, start(c, "flaky-1", "recap"))
	require.NoError(t, out.err)
	assert.Equal(t, "here you go", out.reply.Message)
	assert.Equal(t, 4, source.Calls())
	assert.Equal(t, 20*time.Second, out.reply.Elapsed)
}

func TestFirstPollWaitsForGraceDelay(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	source := &scriptedSource{fallback: protocol.Found(protocol.ReplyEvent{Body: "instant", Timestamp: epoch})}
	c, _ := newFakeCorrelator(clock, &fakeDispatcher{}, source, defaultPoll())

	done := start(c, "grace-1", "recap")
	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	assert.Zero(t, source.Calls(), "no query before the first-poll delay elapses")

	clock.Advance(5 * time.Second)
	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Equal(t, "instant", out.reply.Message, "a reply stamped exactly at dispatch start qualifies")
	case <-time.After(2 * time.Second):
		t.Fatal("first poll did not run")
	}
}

func TestGeneratedRequestID(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	source := &scriptedSource{fallback: protocol.Found(protocol.ReplyEvent{Body: "ok", Timestamp: epoch.Add(time.Second)})}
	c, _ := newFakeCorrelator(clock, &fakeDispatcher{}, source, defaultPoll())

	out := drive(t, clock, 5*time.Second, start(c, "   ", "recap"))
	require.NoError(t, out.err)
	_, err := uuid.Parse(out.reply.RequestID)
	assert.NoError(t, err, "blank ids are replaced by a UUID")
}

func TestCancelledCallerLeavesIDPending(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	c, rec := newFakeCorrelator(clock, &fakeDispatcher{}, &scriptedSource{}, defaultPoll())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan outcome, 1)
	go func() {
		reply, err := c.DispatchAndAwait(ctx, "gone-1", "recap")
		done <- outcome{reply, err}
	}()

	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	cancel()

	out := <-done
	assert.ErrorIs(t, out.err, context.Canceled)
	assert.True(t, c.Registry().Contains("gone-1"))
	assert.Contains(t, rec.Kinds(), journal.KindAbandoned)
	assert.NoError(t, c.ResolveManually("gone-1", "later"))
}

func TestConcurrentRequestsAreIndependent(t *testing.T) {
	source := &scriptedSource{fallback: protocol.Found(protocol.ReplyEvent{
		Body:      "shared reply",
		Timestamp: time.Now().Add(time.Hour),
	})}
	c := New(Options{
		Dispatcher: &fakeDispatcher{},
		Source:     source,
		Poll:       PollConfig{Interval: 10 * time.Millisecond, Timeout: time.Second, FirstDelay: 5 * time.Millisecond},
		Logger:     discardLogger(),
	})

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			reply, err := c.DispatchAndAwait(context.Background(), id, "recap")
			assert.NoError(t, err)
			if reply != nil {
				assert.Equal(t, id, reply.RequestID)
			}
		}(id)
	}
	wg.Wait()
	assert.Zero(t, c.Registry().Len())
}

func TestSharedRequestIDResolvesOnce(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	dispatcher := &fakeDispatcher{}
	source := &scriptedSource{fallback: protocol.Found(protocol.ReplyEvent{Body: "only once", Timestamp: epoch.Add(time.Second)})}
	c, _ := newFakeCorrelator(clock, dispatcher, source, defaultPoll())

	first := start(c, "same", "recap")
	second := start(c, "same", "recap again")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 2))
	clock.Advance(5 * time.Second)

	var replies, consumed int
	for _, out := range []outcome{await(t, first), await(t, second)} {
		switch {
		case out.err == nil:
			replies++
			assert.Equal(t, "only once", out.reply.Message)
			assert.Equal(t, protocol.ResolvedByPoll, out.reply.ResolvedBy)
		case errors.Is(out.err, ErrConsumed):
			consumed++
			assert.Nil(t, out.reply)
		default:
			t.Fatalf("unexpected error: %v", out.err)
		}
	}
	assert.Equal(t, 1, replies)
	assert.Equal(t, 1, consumed)
	assert.Len(t, dispatcher.Sent(), 2)
	assert.Zero(t, c.Registry().Len())
}

// sweepingSource expires pending ids each time it is queried
type sweepingSource struct {
	c      *Correlator
	ttl    time.Duration
	result protocol.FetchResult
	calls  atomic.Int32
}

func (s *sweepingSource) FetchLatest(context.Context, string, int) protocol.FetchResult {
	s.calls.Add(1)
	s.c.Sweep(s.ttl)
	return s.result
}

func TestSweptIDStopsPolling(t *testing.T) {
	tests := []struct {
		name   string
		result protocol.FetchResult
	}{
		{"reply seen after sweep", protocol.Found(protocol.ReplyEvent{Body: "too late", Timestamp: epoch.Add(time.Second)})},
		{"no reply yet", protocol.Empty()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := clockwork.NewFakeClockAt(epoch)
			source := &sweepingSource{ttl: time.Second, result: tt.result}
			c, rec := newFakeCorrelator(clock, &fakeDispatcher{}, source, defaultPoll())
			source.c = c

			done := start(c, "swept-1", "recap")
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			require.NoError(t, clock.BlockUntilContext(ctx, 1))
			clock.Advance(5 * time.Second)

			out := await(t, done)
			assert.ErrorIs(t, out.err, ErrConsumed)
			assert.Nil(t, out.reply)
			assert.Equal(t, int32(1), source.calls.Load(), "polling stops once the id is gone")
			assert.False(t, c.Registry().Contains("swept-1"))
			assert.Contains(t, rec.Kinds(), journal.KindExpired)
			assert.NotContains(t, rec.Kinds(), journal.KindTimedOut)
		})
	}
}

func TestFailedRetryKeepsEarlierPendingID(t *testing.T) {
	c, rec := newFakeCorrelator(clockwork.NewFakeClockAt(epoch), &fakeDispatcher{err: errors.New("connection refused")}, &scriptedSource{}, defaultPoll())
	c.Registry().Add("X")

	_, err := c.DispatchAndAwait(context.Background(), "X", "retry")
	assert.ErrorIs(t, err, ErrDispatch)
	assert.True(t, c.Registry().Contains("X"), "the earlier request can still be rescued")
	assert.Equal(t, []journal.Kind{journal.KindDispatchFailed}, rec.Kinds())
	assert.NoError(t, c.ResolveManually("X", "late"))
}

func await(t *testing.T, done <-chan outcome) outcome {
	t.Helper()
	select {
	case out := <-done:
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch call did not return")
	}
	return outcome{}
}

func TestResolveManuallyValidation(t *testing.T) {
	c, _ := newFakeCorrelator(clockwork.NewFakeClockAt(epoch), &fakeDispatcher{}, &scriptedSource{}, defaultPoll())

	assert.ErrorIs(t, c.ResolveManually("   ", "msg"), ErrMissingID)
	assert.ErrorIs(t, c.ResolveManually("", "msg"), ErrMissingID)

	err := c.ResolveManually("never-issued", "msg")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrMissingID)

	c.Registry().Add("padded")
	assert.NoError(t, c.ResolveManually("  padded\t", "msg"), "ids are trimmed")
}

func TestSweepRecordsExpiredIDs(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	c, rec := newFakeCorrelator(clock, &fakeDispatcher{}, &scriptedSource{}, defaultPoll())

	c.Registry().Add("abandoned")
	clock.Advance(25 * time.Hour)

	assert.Equal(t, []string{"abandoned"}, c.Sweep(24*time.Hour))
	assert.Equal(t, []journal.Kind{journal.KindExpired}, rec.Kinds())
	assert.ErrorIs(t, c.ResolveManually("abandoned", "x"), ErrNotFound)
}

func TestQualifies(t *testing.T) {
	t0 := epoch
	tests := []struct {
		name   string
		result protocol.FetchResult
		want   bool
	}{
		{"inbound after dispatch", protocol.Found(protocol.ReplyEvent{Body: "hi", Timestamp: t0.Add(time.Millisecond)}), true},
		{"inbound at dispatch", protocol.Found(protocol.ReplyEvent{Body: "hi", Timestamp: t0}), true},
		{"inbound before dispatch", protocol.Found(protocol.ReplyEvent{Body: "hi", Timestamp: t0.Add(-time.Millisecond)}), false},
		{"own message", protocol.Found(protocol.ReplyEvent{Body: "hi", IsFromMe: true, Timestamp: t0.Add(time.Hour)}), false},
		{"blank body", protocol.Found(protocol.ReplyEvent{Body: " \n", Timestamp: t0.Add(time.Hour)}), false},
		{"empty", protocol.Empty(), false},
		{"error", protocol.Failed("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Qualifies(tt.result, t0))
		})
	}
}

func TestPromptHelpers(t *testing.T) {
	assert.Equal(t, DefaultPrompt, PromptOrDefault("  \n"))
	assert.Equal(t, "hello", PromptOrDefault(" hello "))
	assert.Equal(t, "body\n\nRequest ID: r-9", WithRequestID("body", "r-9"))
	assert.Equal(t, "given", RequestID(" given "))
}
