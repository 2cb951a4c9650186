package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/friendineed/internal/chaterr"
	"github.com/kalambet/friendineed/internal/persona"
	"github.com/kalambet/friendineed/internal/provider"
)

// --- fakes ---

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
	delays []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	c.delays = append(c.delays, d)
	return t
}

// Advance moves time forward, running due timers in order. Callbacks run
// without the clock lock so they may schedule new timers.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.stopped || t.fired || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.fired = true
		c.now = next.at
		c.mu.Unlock()
		next.f()
	}
}

func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (c *fakeClock) Delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

type fakeResponse struct {
	reply TurnReply
	err   error
}

type fakeTransport struct {
	mu       sync.Mutex
	reqs     []TurnRequest
	queue    []fakeResponse
	fallback fakeResponse
	block    chan struct{}
	started  chan struct{}
}

func replyWith(text string) fakeResponse {
	return fakeResponse{reply: TurnReply{Message: text, FriendName: "The Comforter", Provider: "openai", Model: "gpt-3.5-turbo"}}
}

func failWith(kind chaterr.Kind, status int) fakeResponse {
	ce := chaterr.New(kind, "server says no")
	ce.Status = status
	return fakeResponse{err: ce}
}

func (f *fakeTransport) Send(ctx context.Context, req TurnRequest) (TurnReply, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	resp := f.fallback
	if len(f.queue) > 0 {
		resp, f.queue = f.queue[0], f.queue[1:]
	}
	block, started := f.block, f.started
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return TurnReply{}, ctx.Err()
		}
	}
	return resp.reply, resp.err
}

func (f *fakeTransport) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func (f *fakeTransport) Last() TurnRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) observe(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventKind, len(l.events))
	for i, e := range l.events {
		out[i] = e.Kind
	}
	return out
}

func (l *eventLog) errs() []*chaterr.Error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*chaterr.Error
	for _, e := range l.events {
		if e.Kind == ErrorOccurred {
			out = append(out, e.Err)
		}
	}
	return out
}

func (l *eventLog) notices() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range l.events {
		if e.Kind == Notice {
			out = append(out, e.Message.Content)
		}
	}
	return out
}

var comforter = persona.Friend{
	ID:             1,
	Name:           "The Comforter",
	Type:           "emotional",
	Description:    "Provides warm, empathetic support",
	Traits:         []string{"Empathetic", "Patient"},
	Specialty:      "emotional support",
	WelcomeMessage: "Hey there, lovely soul!",
}

var coach = persona.Friend{ID: 2, Name: "Career Coach", Type: "professional"}

func newTestController(t *testing.T, tr *fakeTransport, clk *fakeClock, mod func(*Options)) (*Controller, *eventLog) {
	t.Helper()
	opts := Options{
		Transport: tr,
		Clock:     clk,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mod != nil {
		mod(&opts)
	}
	c := New(opts)
	t.Cleanup(c.Close)
	log := &eventLog{}
	c.SwitchPersona(comforter)
	c.Subscribe(log.observe)
	return c, log
}

// --- tests ---

func TestSwitchPersona_FreshSession(t *testing.T) {
	tr := &fakeTransport{fallback: replyWith("hi")}
	c, _ := newTestController(t, tr, newFakeClock(), nil)

	assert.Empty(t, c.History())
	tr0 := c.Transcript()
	require.Len(t, tr0, 1)
	assert.Equal(t, provider.RoleAssistant, tr0[0].Role)
	assert.Equal(t, "Hey there, lovely soul!", tr0[0].Content)

	require.NoError(t, c.Send(context.Background(), "hello"))
	require.Len(t, c.History(), 2)

	// Same persona again still starts over.
	c.SwitchPersona(comforter)
	assert.Empty(t, c.History())
	assert.Len(t, c.Transcript(), 1)
	assert.Equal(t, 0, c.RetryCount())
	assert.Equal(t, Idle, c.State())

	active, ok := c.Active()
	require.True(t, ok)
	assert.Equal(t, "The Comforter", active.Name)
}

func TestSwitchPersona_DefaultWelcome(t *testing.T) {
	c, _ := newTestController(t, &fakeTransport{}, newFakeClock(), nil)
	c.SwitchPersona(coach)

	msgs := c.Transcript()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Content, "Career Coach")
}

func TestSend_Success(t *testing.T) {
	tr := &fakeTransport{fallback: replyWith("  I'm here for you. ")}
	c, log := newTestController(t, tr, newFakeClock(), nil)

	require.NoError(t, c.Send(context.Background(), "  I'm stressed  "))

	require.Equal(t, 1, tr.Calls())
	req := tr.Last()
	assert.Equal(t, "I'm stressed", req.Message)
	assert.Equal(t, "openai", req.Provider)
	assert.Empty(t, req.History)
	assert.Equal(t, FriendData{
		ID:          1,
		Name:        "The Comforter",
		Type:        "emotional",
		Description: "Provides warm, empathetic support",
		Traits:      []string{"Empathetic", "Patient"},
		Specialty:   "emotional support",
	}, req.FriendData)

	hist := c.History()
	require.Len(t, hist, 2)
	assert.Equal(t, Message{Role: provider.RoleUser, Content: "I'm stressed"}, Message{Role: hist[0].Role, Content: hist[0].Content})
	assert.Equal(t, "I'm here for you.", hist[1].Content)
	assert.Equal(t, provider.RoleAssistant, hist[1].Role)
	assert.Equal(t, Idle, c.State())
	assert.Equal(t, 0, c.RetryCount())

	assert.Equal(t, []EventKind{MessageAdded, TypingChanged, TypingChanged, MessageAdded}, log.kinds())
}

func TestSend_HistoryBounded(t *testing.T) {
	tr := &fakeTransport{}
	for i := range 15 {
		tr.queue = append(tr.queue, replyWith(fmt.Sprintf("reply %d", i)))
	}
	clk := newFakeClock()
	c, _ := newTestController(t, tr, clk, nil)

	for i := range 15 {
		require.NoError(t, c.Send(context.Background(), fmt.Sprintf("msg %d", i)))
		clk.Advance(time.Second)
		assert.LessOrEqual(t, len(c.History()), DefaultMaxHistory)
	}

	hist := c.History()
	require.Len(t, hist, 20)
	assert.Equal(t, "msg 5", hist[0].Content)
	assert.Equal(t, "reply 14", hist[19].Content)
	for i := 0; i < len(hist); i += 2 {
		assert.Equal(t, provider.RoleUser, hist[i].Role)
		assert.Equal(t, provider.RoleAssistant, hist[i+1].Role)
	}

	// Only entries preceding the new turn travel with it.
	last := tr.Last()
	require.Len(t, last.History, DefaultHistoryWindow)
	assert.Equal(t, "reply 13", last.History[9].Content)
	assert.Equal(t, "msg 9", last.History[0].Content)
}

func TestSend_BusyRejected(t *testing.T) {
	tr := &fakeTransport{
		fallback: replyWith("ok"),
		block:    make(chan struct{}),
		started:  make(chan struct{}, 1),
	}
	c, _ := newTestController(t, tr, newFakeClock(), nil)

	done := make(chan error, 1)
	go func() { done <- c.Send(context.Background(), "first") }()
	<-tr.started
	require.Equal(t, WaitingResponse, c.State())

	err := c.Send(context.Background(), "second")
	require.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, chaterr.Validation, chaterr.KindOf(err))
	assert.Equal(t, 1, tr.Calls())
	assert.Len(t, c.History(), 1)

	close(tr.block)
	require.NoError(t, <-done)
	assert.Equal(t, Idle, c.State())
	assert.Len(t, c.History(), 2)
}

func TestSend_MinInterval(t *testing.T) {
	tr := &fakeTransport{fallback: replyWith("ok")}
	clk := newFakeClock()
	c, _ := newTestController(t, tr, clk, nil)

	require.NoError(t, c.Send(context.Background(), "one"))
	clk.Advance(500 * time.Millisecond)

	err := c.Send(context.Background(), "two")
	require.Error(t, err)
	assert.Equal(t, chaterr.RateLimited, chaterr.KindOf(err))
	assert.Equal(t, 1, tr.Calls())
	assert.Len(t, c.History(), 2)

	clk.Advance(500 * time.Millisecond)
	require.NoError(t, c.Send(context.Background(), "two"))
	assert.Equal(t, 2, tr.Calls())
}

func TestSend_Validation(t *testing.T) {
	tr := &fakeTransport{fallback: replyWith("ok")}

	t.Run("no persona", func(t *testing.T) {
		c := New(Options{Transport: tr, Clock: newFakeClock()})
		defer c.Close()
		err := c.Send(context.Background(), "hi")
		require.ErrorIs(t, err, ErrNoPersona)
		assert.Equal(t, chaterr.Validation, chaterr.KindOf(err))
	})

	c, _ := newTestController(t, tr, newFakeClock(), nil)
	for name, text := range map[string]string{
		"empty":    "",
		"blank":    " \n\t ",
		"too long": strings.Repeat("ж", DefaultMaxMessageLength+1),
	} {
		t.Run(name, func(t *testing.T) {
			err := c.Send(context.Background(), text)
			require.Error(t, err)
			assert.Equal(t, chaterr.Validation, chaterr.KindOf(err))
		})
	}
	assert.Equal(t, 0, tr.Calls())
	assert.Empty(t, c.History())

	require.NoError(t, c.Send(context.Background(), strings.Repeat("ж", DefaultMaxMessageLength)))
	assert.Equal(t, 1, tr.Calls())
}

func TestRetry_BackoffThenApology(t *testing.T) {
	tr := &fakeTransport{fallback: fakeResponse{err: chaterr.Wrap(chaterr.Timeout, "", context.DeadlineExceeded)}}
	clk := newFakeClock()
	c, log := newTestController(t, tr, clk, nil)

	require.NoError(t, c.Send(context.Background(), "hello"))
	assert.Equal(t, 1, tr.Calls())
	assert.Equal(t, 1, c.RetryCount())
	assert.Equal(t, Idle, c.State())

	clk.Advance(999 * time.Millisecond)
	assert.Equal(t, 1, tr.Calls(), "retry fired early")
	clk.Advance(time.Millisecond)
	assert.Equal(t, 2, tr.Calls())
	assert.Equal(t, 2, c.RetryCount())

	clk.Advance(2 * time.Second)
	assert.Equal(t, 3, tr.Calls())
	clk.Advance(4 * time.Second)
	assert.Equal(t, 4, tr.Calls())

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, clk.Delays())
	assert.Equal(t, 0, c.RetryCount())
	assert.Equal(t, 0, clk.Pending())
	assert.Equal(t, []string{
		"Retrying... (1/3) 🔄",
		"Retrying... (2/3) 🔄",
		"Retrying... (3/3) 🔄",
		msgExhausted,
	}, log.notices())
	assert.Len(t, log.errs(), 4)

	transcript := c.Transcript()
	assert.Equal(t, msgExhausted, transcript[len(transcript)-1].Content)

	// Retries resend the original text without re-appending it.
	hist := c.History()
	require.Len(t, hist, 1)
	assert.Equal(t, "hello", hist[0].Content)
	for _, r := range tr.reqs {
		assert.Equal(t, "hello", r.Message)
		assert.Empty(t, r.History)
	}

	clk.Advance(time.Minute)
	assert.Equal(t, 4, tr.Calls())
}

func TestRetry_RealDeadline(t *testing.T) {
	tr := &fakeTransport{block: make(chan struct{})}
	clk := newFakeClock()
	c, log := newTestController(t, tr, clk, func(o *Options) { o.Timeout = 20 * time.Millisecond })

	require.NoError(t, c.Send(context.Background(), "hello"))

	errs := log.errs()
	require.Len(t, errs, 1)
	assert.Equal(t, chaterr.Timeout, errs[0].Kind)
	assert.Equal(t, 1, tr.Calls())
	assert.Equal(t, 1, clk.Pending())
	assert.Equal(t, Idle, c.State())
}

func TestRetry_RemoteRateLimitThenSuccess(t *testing.T) {
	tr := &fakeTransport{queue: []fakeResponse{failWith(chaterr.RateLimited, 429)}, fallback: replyWith("back again")}
	clk := newFakeClock()
	c, log := newTestController(t, tr, clk, nil)

	require.NoError(t, c.Send(context.Background(), "hello"))
	assert.Equal(t, []time.Duration{time.Second}, clk.Delays())
	require.Len(t, log.errs(), 1)

	clk.Advance(time.Second)
	assert.Equal(t, 2, tr.Calls())
	assert.Equal(t, 0, c.RetryCount())
	hist := c.History()
	require.Len(t, hist, 2)
	assert.Equal(t, "back again", hist[1].Content)
	assert.Equal(t, 0, clk.Pending())
}

func TestRetry_NotForRejected(t *testing.T) {
	for _, kind := range []chaterr.Kind{chaterr.Rejected, chaterr.Fatal, chaterr.Validation} {
		t.Run(kind.String(), func(t *testing.T) {
			tr := &fakeTransport{fallback: failWith(kind, kind.Status())}
			clk := newFakeClock()
			c, log := newTestController(t, tr, clk, nil)

			require.NoError(t, c.Send(context.Background(), "hello"))
			assert.Equal(t, 0, clk.Pending())
			assert.Equal(t, 0, c.RetryCount())
			assert.Empty(t, log.notices())
			require.Len(t, log.errs(), 1)
			assert.Equal(t, kind, log.errs()[0].Kind)

			clk.Advance(time.Minute)
			assert.Equal(t, 1, tr.Calls())
		})
	}
}

func TestRetry_CancelledBySwitchPersona(t *testing.T) {
	tr := &fakeTransport{fallback: failWith(chaterr.Unavailable, 503)}
	clk := newFakeClock()
	c, _ := newTestController(t, tr, clk, nil)

	require.NoError(t, c.Send(context.Background(), "hello"))
	require.Equal(t, 1, clk.Pending())

	c.SwitchPersona(coach)
	assert.Equal(t, 0, clk.Pending())
	clk.Advance(time.Minute)
	assert.Equal(t, 1, tr.Calls())
	assert.Empty(t, c.History())
	assert.Len(t, c.Transcript(), 1)
	assert.Equal(t, 0, c.RetryCount())
}

func TestRetry_CancelledByNewSend(t *testing.T) {
	tr := &fakeTransport{queue: []fakeResponse{failWith(chaterr.Unavailable, 503)}, fallback: replyWith("ok")}
	clk := newFakeClock()
	c, _ := newTestController(t, tr, clk, nil)

	require.NoError(t, c.Send(context.Background(), "first"))
	require.Equal(t, 1, clk.Pending())

	require.NoError(t, c.Send(context.Background(), "second"))
	assert.Equal(t, 2, tr.Calls())
	assert.Equal(t, 0, clk.Pending())

	clk.Advance(time.Minute)
	assert.Equal(t, 2, tr.Calls())
	assert.Equal(t, "second", tr.Last().Message)
}

func TestSwitchPersona_DuringFlight(t *testing.T) {
	tr := &fakeTransport{
		fallback: replyWith("late reply"),
		block:    make(chan struct{}),
		started:  make(chan struct{}, 1),
	}
	clk := newFakeClock()
	c, log := newTestController(t, tr, clk, nil)

	done := make(chan error, 1)
	go func() { done <- c.Send(context.Background(), "hello") }()
	<-tr.started

	c.SwitchPersona(coach)
	require.NoError(t, <-done)

	assert.Equal(t, Idle, c.State())
	assert.Empty(t, c.History())
	assert.Len(t, c.Transcript(), 1)
	assert.Empty(t, log.errs())
	assert.Equal(t, 0, clk.Pending())
}

func TestSend_UnclassifiedTransportError(t *testing.T) {
	tr := &fakeTransport{fallback: fakeResponse{err: errors.New("connection refused")}}
	clk := newFakeClock()
	c, log := newTestController(t, tr, clk, nil)

	require.NoError(t, c.Send(context.Background(), "hello"))
	errs := log.errs()
	require.Len(t, errs, 1)
	assert.Equal(t, chaterr.Unavailable, errs[0].Kind)
	assert.Equal(t, 1, clk.Pending())

	transcript := c.Transcript()
	assert.Contains(t, transcript[len(transcript)-1].Content, "Connection issue")
}

func TestSwitchProvider(t *testing.T) {
	tr := &fakeTransport{fallback: replyWith("ok")}
	c, _ := newTestController(t, tr, newFakeClock(), nil)

	err := c.SwitchProvider("cohere")
	require.Error(t, err)
	assert.Equal(t, chaterr.Validation, chaterr.KindOf(err))
	assert.Equal(t, "openai", c.Provider())

	require.NoError(t, c.SwitchProvider(" Anthropic "))
	assert.Equal(t, "anthropic", c.Provider())

	require.NoError(t, c.Send(context.Background(), "hello"))
	assert.Equal(t, "anthropic", tr.Last().Provider)
}

func TestExport(t *testing.T) {
	tr := &fakeTransport{fallback: replyWith("I'm here for you.")}
	c, _ := newTestController(t, tr, newFakeClock(), nil)
	require.NoError(t, c.Send(context.Background(), "I'm stressed"))

	b, err := c.Export()
	require.NoError(t, err)

	var records []ExportRecord
	require.NoError(t, json.Unmarshal(b, &records))
	require.Len(t, records, 2)
	assert.Equal(t, ExportRecord{Timestamp: "2026-01-01T12:00:00Z", Role: "user", Content: "I'm stressed", Friend: "User"}, records[0])
	assert.Equal(t, "The Comforter", records[1].Friend)
}

func TestClose(t *testing.T) {
	tr := &fakeTransport{fallback: failWith(chaterr.Unavailable, 503)}
	clk := newFakeClock()
	c, _ := newTestController(t, tr, clk, nil)

	require.NoError(t, c.Send(context.Background(), "hello"))
	c.Close()

	clk.Advance(time.Minute)
	assert.Equal(t, 1, tr.Calls())
	require.Error(t, c.Send(context.Background(), "again"))
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	c, _ := newTestController(t, &fakeTransport{}, newFakeClock(), nil)

	var n int
	unsubscribe := c.Subscribe(func(Event) { n++ })
	c.SwitchPersona(coach)
	unsubscribe()
	c.SwitchPersona(comforter)
	assert.Equal(t, 1, n)
}

func TestRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, time.Second, p.Delay(0))

	assert.Equal(t, p, RetryPolicy{}.withDefaults())
	assert.Equal(t, RetryPolicy{MaxRetries: 5, BaseDelay: time.Second}, RetryPolicy{MaxRetries: 5}.withDefaults())
	assert.Equal(t, 0, RetryPolicy{BaseDelay: time.Millisecond}.withDefaults().MaxRetries)
}

func TestFailureNotice(t *testing.T) {
	tests := []struct {
		name   string
		kind   chaterr.Kind
		status int
		msg    string
		want   string
	}{
		{"rate limited", chaterr.RateLimited, 429, "", "too many requests"},
		{"busy upstream", chaterr.Unavailable, 503, "", "temporarily busy"},
		{"network", chaterr.Unavailable, 0, "", "Connection issue"},
		{"timeout", chaterr.Timeout, 504, "", "longer than expected"},
		{"rejected", chaterr.Rejected, 500, "The Comforter can't respond to that one.", "can't respond"},
		{"fatal", chaterr.Fatal, 500, "boom", "something went wrong"},
		{"rejected without message", chaterr.Rejected, 500, "", "something went wrong"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ce := chaterr.New(tt.kind, tt.msg)
			ce.Status = tt.status
			got := failureNotice(ce)
			assert.Contains(t, got, tt.want)
			if !chaterr.IsRetryable(ce) {
				assert.NotContains(t, got, "try again", "no retry is scheduled for %s", tt.kind)
				assert.NotContains(t, got, "boom")
			}
		})
	}
}
