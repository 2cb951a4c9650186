// Package provider hides vendor-specific LLM APIs behind one Provider
// interface. Each adapter translates a provider-agnostic message list into
// its vendor's wire format, performs the HTTP call and extracts the
// generated text from the vendor's response envelope.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/friendineed/internal/chaterr"
)

// FallbackText is returned when the vendor call succeeded but produced no text.
const FallbackText = "I'm sorry, I could not generate a response right now."

const (
	defaultTimeout     = 25 * time.Second
	defaultMaxTokens   = 300
	defaultTemperature = 0.7
)

// Roles understood by every adapter.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one provider-agnostic conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider generates a reply for a conversation.
type Provider interface {
	// Name is the registry key, e.g. "openai".
	Name() string
	// DefaultModel is used when the caller does not override the model.
	DefaultModel() string
	// Generate returns the assistant text for messages. A transport or
	// vendor failure is returned as an error, never as fallback text.
	Generate(ctx context.Context, messages []Message, credential, model string) (string, error)
}

// Options configures an HTTP adapter.
type Options struct {
	BaseURL      string
	DefaultModel string
	HTTPClient   *http.Client
	Timeout      time.Duration
	MaxTokens    int
	Temperature  float64
}

func (o Options) withDefaults(baseURL, model string) Options {
	if o.BaseURL == "" {
		o.BaseURL = baseURL
	}
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	if o.DefaultModel == "" {
		o.DefaultModel = model
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: o.Timeout}
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = defaultMaxTokens
	}
	if o.Temperature <= 0 {
		o.Temperature = defaultTemperature
	}
	return o
}

// ErrUnknownProvider is returned by Registry.Get for unregistered keys.
var ErrUnknownProvider = errors.New("unsupported provider")

// Registry maps provider keys to adapters. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry returns a registry holding the given providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds or replaces the adapter under p.Name().
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[strings.ToLower(p.Name())] = p
}

// Get returns the adapter for name (case-insensitive).
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Names returns the registered keys in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Vendor error codes that mean the request itself was refused.
var rejectionCodes = map[string]bool{
	"content_policy_violation": true,
	"content_filter":           true,
	"invalid_request_error":    true,
	"SAFETY":                   true,
	"PROHIBITED_CONTENT":       true,
	"BLOCKLIST":                true,
	"OTHER":                    true,
}

// Error is a non-2xx or malformed vendor response. Message holds the raw
// vendor text and must not be shown to end users.
type Error struct {
	Provider   string
	Status     int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: status %d (%s): %s", e.Provider, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, e.Message)
}

// Kind classifies the vendor failure.
func (e *Error) Kind() chaterr.Kind {
	switch {
	case e.Code == "insufficient_quota":
		return chaterr.Unavailable
	case e.Status == http.StatusTooManyRequests:
		return chaterr.RateLimited
	case e.Status == http.StatusRequestTimeout:
		return chaterr.Timeout
	case e.Status == http.StatusUnauthorized, e.Status == http.StatusForbidden:
		return chaterr.Unavailable
	case e.Status >= 500:
		return chaterr.Unavailable
	case rejectionCodes[e.Code]:
		return chaterr.Rejected
	case e.Status == http.StatusBadRequest, e.Status == http.StatusNotFound, e.Status == http.StatusUnprocessableEntity:
		return chaterr.Rejected
	default:
		return chaterr.Fatal
	}
}
