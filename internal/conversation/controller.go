// Package conversation drives one user-visible conversation with an AI
// friend: it owns the session (active persona, bounded history, pending
// state, retry budget), talks to the chat endpoint through a Transport and
// reports every change to subscribed observers.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/kalambet/friendineed/internal/chaterr"
	"github.com/kalambet/friendineed/internal/persona"
	"github.com/kalambet/friendineed/internal/provider"
)

const (
	DefaultMaxMessageLength = 1000
	DefaultMaxHistory       = 20
	DefaultHistoryWindow    = 10
	DefaultMinInterval      = time.Second
	DefaultTimeout          = 30 * time.Second
)

// DefaultProviders are the selectors SwitchProvider accepts when Options
// names none.
var DefaultProviders = []string{"openai", "anthropic", "gemini"}

var (
	// ErrBusy is returned by Send while a reply is pending.
	ErrBusy = errors.New("a reply is already pending")
	// ErrNoPersona is returned by Send before any persona is active.
	ErrNoPersona = errors.New("no active persona")
)

// State is the pending state of the session.
type State int

const (
	Idle State = iota
	Sending
	WaitingResponse
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sending:
		return "sending"
	case WaitingResponse:
		return "waiting-response"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Message is one entry of the history or transcript.
type Message struct {
	Role    string
	Content string
	Time    time.Time
}

// EventKind identifies what an Event reports.
type EventKind int

const (
	// MessageAdded carries a user message, a reply or a welcome message.
	MessageAdded EventKind = iota
	// TypingChanged reports whether a reply is pending.
	TypingChanged
	// ErrorOccurred carries a classified failure and the notice shown for it.
	ErrorOccurred
	// Notice carries a retry notice or the final apology.
	Notice
)

// Event is a session change delivered to observers.
type Event struct {
	Kind    EventKind
	Message Message
	Typing  bool
	Err     *chaterr.Error
}

// Observer receives events. It is called without the controller's lock
// held and may call back into the controller.
type Observer func(Event)

// Options configures a Controller. Zero values take the defaults.
type Options struct {
	Transport        Transport
	Provider         string
	Model            string
	Providers        []string
	MaxMessageLength int
	MaxHistory       int
	// HistoryWindow is how many prior entries travel with each turn.
	HistoryWindow int
	MinInterval   time.Duration
	Timeout       time.Duration
	Retry         RetryPolicy
	Clock         Clock
	Logger        *slog.Logger
}

// turn is everything needed to (re)send one user message.
type turn struct {
	req     TurnRequest
	epoch   uint64
	started time.Time
}

// Controller owns one conversation session.
type Controller struct {
	transport     Transport
	model         string
	providers     []string
	maxLen        int
	maxHistory    int
	historyWindow int
	minInterval   time.Duration
	timeout       time.Duration
	retry         RetryPolicy
	clock         Clock
	logger        *slog.Logger

	// ctx bounds retries, which outlive the Send that started them.
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	friend     *persona.Friend
	provider   string
	history    []Message
	transcript []Message
	state      State
	retryCount int
	lastSent   time.Time
	epoch      uint64
	retryTimer Timer
	inflight   context.CancelFunc
	closed     bool

	obsMu     sync.Mutex
	observers map[int]Observer
	nextObs   int
}

// New creates a Controller. Options.Transport is required.
func New(opts Options) *Controller {
	c := &Controller{
		transport:     opts.Transport,
		model:         opts.Model,
		providers:     opts.Providers,
		maxLen:        opts.MaxMessageLength,
		maxHistory:    opts.MaxHistory,
		historyWindow: opts.HistoryWindow,
		minInterval:   opts.MinInterval,
		timeout:       opts.Timeout,
		retry:         opts.Retry.withDefaults(),
		clock:         opts.Clock,
		logger:        opts.Logger,
		provider:      strings.ToLower(strings.TrimSpace(opts.Provider)),
		observers:     make(map[int]Observer),
	}
	if len(c.providers) == 0 {
		c.providers = DefaultProviders
	}
	if c.provider == "" {
		c.provider = c.providers[0]
	}
	if c.maxLen <= 0 {
		c.maxLen = DefaultMaxMessageLength
	}
	if c.maxHistory <= 0 {
		c.maxHistory = DefaultMaxHistory
	}
	if c.historyWindow <= 0 {
		c.historyWindow = DefaultHistoryWindow
	}
	if c.minInterval < 0 {
		c.minInterval = 0
	} else if c.minInterval == 0 {
		c.minInterval = DefaultMinInterval
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.clock == nil {
		c.clock = realClock{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// Subscribe registers fn for events and returns a function that removes it.
func (c *Controller) Subscribe(fn Observer) (unsubscribe func()) {
	c.obsMu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	c.obsMu.Unlock()

	return func() {
		c.obsMu.Lock()
		delete(c.observers, id)
		c.obsMu.Unlock()
	}
}

func (c *Controller) emit(events ...Event) {
	c.obsMu.Lock()
	ids := make([]int, 0, len(c.observers))
	for id := range c.observers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	obs := make([]Observer, len(ids))
	for i, id := range ids {
		obs[i] = c.observers[id]
	}
	c.obsMu.Unlock()

	for _, e := range events {
		for _, fn := range obs {
			fn(e)
		}
	}
}

// SwitchPersona makes f the active persona and starts a fresh session: the
// history and transcript are cleared, any pending retry or in-flight
// request is abandoned and f's welcome message becomes the only transcript
// entry. Switching to the already active persona still clears.
func (c *Controller) SwitchPersona(f persona.Friend) {
	c.mu.Lock()
	wasPending := c.state != Idle
	c.abandonLocked()

	friend := f
	friend.Traits = slices.Clone(f.Traits)
	c.friend = &friend
	c.history = nil
	c.retryCount = 0
	c.state = Idle

	text := strings.TrimSpace(f.WelcomeMessage)
	if text == "" {
		text = fmt.Sprintf(defaultWelcome, f.Name)
	}
	welcome := Message{Role: provider.RoleAssistant, Content: text, Time: c.clock.Now()}
	c.transcript = []Message{welcome}
	c.mu.Unlock()

	c.logger.Debug("persona switched", "friend_id", f.ID, "friend", f.Name)

	var events []Event
	if wasPending {
		events = append(events, Event{Kind: TypingChanged, Typing: false})
	}
	c.emit(append(events, Event{Kind: MessageAdded, Message: welcome})...)
}

// abandonLocked cancels the scheduled retry and the in-flight request and
// invalidates any callback still carrying the old epoch.
func (c *Controller) abandonLocked() {
	c.epoch++
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	if c.inflight != nil {
		c.inflight()
		c.inflight = nil
	}
}

// SwitchProvider changes the provider selector sent with later turns. A
// scheduled retry keeps the provider it was first sent with.
func (c *Controller) SwitchProvider(name string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if !slices.Contains(c.providers, name) {
		return chaterr.New(chaterr.Validation, fmt.Sprintf("Unsupported provider: %s", name))
	}
	c.mu.Lock()
	c.provider = name
	c.mu.Unlock()
	return nil
}

// Provider returns the current provider selector.
func (c *Controller) Provider() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.provider
}

// Providers returns the selectors SwitchProvider accepts.
func (c *Controller) Providers() []string {
	return slices.Clone(c.providers)
}

// Send validates text and, when accepted, delivers it as a new user turn.
// It blocks until the first attempt resolves. Precondition violations are
// returned as *chaterr.Error of kind Validation or RateLimited and leave
// the session untouched; delivery failures are never returned, they are
// reported to observers and may schedule retries.
func (c *Controller) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return chaterr.New(chaterr.Validation, msgEmpty)
	}
	if utf8.RuneCountInString(text) > c.maxLen {
		return chaterr.New(chaterr.Validation, fmt.Sprintf(msgTooLong, c.maxLen))
	}

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return chaterr.Wrap(chaterr.Validation, msgBusy, context.Canceled)
	case c.state != Idle:
		c.mu.Unlock()
		return chaterr.Wrap(chaterr.Validation, msgBusy, ErrBusy)
	case c.friend == nil:
		c.mu.Unlock()
		return chaterr.Wrap(chaterr.Validation, msgNoPersona, ErrNoPersona)
	}
	now := c.clock.Now()
	if !c.lastSent.IsZero() && now.Sub(c.lastSent) < c.minInterval {
		c.mu.Unlock()
		return chaterr.New(chaterr.RateLimited, msgTooSoon)
	}
	c.state = Sending

	// A new turn supersedes a scheduled retry and gets its own budget.
	c.abandonLocked()
	c.retryCount = 0

	t := turn{
		req: TurnRequest{
			Message:    text,
			FriendData: friendData(*c.friend),
			History:    toProvider(lastN(c.history, c.historyWindow)),
			Provider:   c.provider,
			Model:      c.model,
		},
		epoch:   c.epoch,
		started: now,
	}

	msg := Message{Role: provider.RoleUser, Content: text, Time: now}
	c.appendHistoryLocked(msg)
	c.transcript = append(c.transcript, msg)

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	c.inflight = cancel
	c.state = WaitingResponse
	c.mu.Unlock()

	c.emit(
		Event{Kind: MessageAdded, Message: msg},
		Event{Kind: TypingChanged, Typing: true},
	)
	c.attempt(callCtx, cancel, t)
	return nil
}

// attempt performs one delivery of t. It resolves exactly once: the
// transport returns either a reply or an error, and a deadline surfaces as
// a Timeout error.
func (c *Controller) attempt(ctx context.Context, cancel context.CancelFunc, t turn) {
	reply, err := c.transport.Send(ctx, t.req)
	deadline := errors.Is(ctx.Err(), context.DeadlineExceeded)
	cancel()

	if err == nil {
		c.succeed(t, reply)
		return
	}
	c.fail(t, classify(err, deadline))
}

// classify reduces a transport failure to a *chaterr.Error. A nil result
// means the request was cancelled and should be dropped silently.
func classify(err error, deadline bool) *chaterr.Error {
	var ce *chaterr.Error
	switch {
	case errors.As(err, &ce):
		return ce
	case deadline, errors.Is(err, context.DeadlineExceeded):
		return chaterr.Wrap(chaterr.Timeout, "", err)
	case errors.Is(err, context.Canceled):
		return nil
	default:
		return chaterr.Wrap(chaterr.Unavailable, "", err)
	}
}

func (c *Controller) succeed(t turn, reply TurnReply) {
	c.mu.Lock()
	if t.epoch != c.epoch {
		c.mu.Unlock()
		return
	}
	msg := Message{Role: provider.RoleAssistant, Content: strings.TrimSpace(reply.Message), Time: c.clock.Now()}
	c.appendHistoryLocked(msg)
	c.transcript = append(c.transcript, msg)
	c.retryCount = 0
	c.lastSent = t.started
	c.state = Idle
	c.inflight = nil
	c.mu.Unlock()

	c.emit(
		Event{Kind: TypingChanged, Typing: false},
		Event{Kind: MessageAdded, Message: msg},
	)
}

func (c *Controller) fail(t turn, ce *chaterr.Error) {
	c.mu.Lock()
	if t.epoch != c.epoch {
		c.mu.Unlock()
		return
	}
	c.state = Idle
	c.inflight = nil
	if ce == nil {
		c.retryCount = 0
		c.mu.Unlock()
		c.emit(Event{Kind: TypingChanged, Typing: false})
		return
	}

	now := c.clock.Now()
	notice := Message{Role: provider.RoleAssistant, Content: failureNotice(ce), Time: now}
	c.transcript = append(c.transcript, notice)
	events := []Event{
		{Kind: TypingChanged, Typing: false},
		{Kind: ErrorOccurred, Message: notice, Err: ce},
	}

	switch {
	case ce.Kind.Retryable() && c.retryCount < c.retry.MaxRetries:
		c.retryCount++
		n, delay := c.retryCount, c.retry.Delay(c.retryCount)
		c.retryTimer = c.clock.AfterFunc(delay, func() { c.fireRetry(t, n) })
		c.logger.Debug("retry scheduled", "attempt", n, "delay", delay, "kind", ce.Kind)
	case ce.Kind.Retryable():
		apology := Message{Role: provider.RoleAssistant, Content: msgExhausted, Time: now}
		c.transcript = append(c.transcript, apology)
		events = append(events, Event{Kind: Notice, Message: apology})
		c.retryCount = 0
		c.logger.Warn("turn failed after retries", "kind", ce.Kind, "error", ce)
	default:
		c.retryCount = 0
		c.logger.Warn("turn failed", "kind", ce.Kind, "error", ce)
	}
	c.mu.Unlock()

	c.emit(events...)
}

func (c *Controller) fireRetry(t turn, n int) {
	c.mu.Lock()
	if c.closed || t.epoch != c.epoch || c.state != Idle {
		c.mu.Unlock()
		return
	}
	c.retryTimer = nil
	notice := Message{Role: provider.RoleSystem, Content: retryNotice(n, c.retry.MaxRetries), Time: c.clock.Now()}
	c.transcript = append(c.transcript, notice)
	callCtx, cancel := context.WithTimeout(c.ctx, c.timeout)
	c.inflight = cancel
	c.state = WaitingResponse
	c.mu.Unlock()

	c.emit(
		Event{Kind: Notice, Message: notice},
		Event{Kind: TypingChanged, Typing: true},
	)
	c.attempt(callCtx, cancel, t)
}

func (c *Controller) appendHistoryLocked(m Message) {
	c.history = append(c.history, m)
	if over := len(c.history) - c.maxHistory; over > 0 {
		c.history = slices.Clone(c.history[over:])
	}
}

func lastN(msgs []Message, n int) []Message {
	if len(msgs) > n {
		return msgs[len(msgs)-n:]
	}
	return msgs
}

func toProvider(msgs []Message) []provider.Message {
	out := make([]provider.Message, len(msgs))
	for i, m := range msgs {
		out[i] = provider.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

// Active returns the active persona, if any.
func (c *Controller) Active() (persona.Friend, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.friend == nil {
		return persona.Friend{}, false
	}
	return *c.friend, true
}

// State returns the pending state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RetryCount returns how many retries the current turn has used.
func (c *Controller) RetryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryCount
}

// History returns a copy of the bounded history sent as context.
func (c *Controller) History() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.history)
}

// Transcript returns a copy of everything shown since the last persona
// switch, including notices.
func (c *Controller) Transcript() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.transcript)
}

// ExportRecord is one history entry in an exported conversation.
type ExportRecord struct {
	Timestamp string `json:"timestamp"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Friend    string `json:"friend"`
}

// Export returns the history as indented JSON records.
func (c *Controller) Export() ([]byte, error) {
	c.mu.Lock()
	name := ""
	if c.friend != nil {
		name = c.friend.Name
	}
	records := make([]ExportRecord, len(c.history))
	for i, m := range c.history {
		who := "User"
		if m.Role == provider.RoleAssistant {
			who = name
		}
		records[i] = ExportRecord{
			Timestamp: m.Time.UTC().Format(time.RFC3339),
			Role:      m.Role,
			Content:   m.Content,
			Friend:    who,
		}
	}
	c.mu.Unlock()

	b, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling conversation: %w", err)
	}
	return b, nil
}

// Close abandons any pending retry or request. Later Sends are rejected.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.abandonLocked()
	c.state = Idle
	c.mu.Unlock()
	c.cancel()
}
