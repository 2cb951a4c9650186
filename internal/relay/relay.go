// Package relay turns one validated chat request into a provider call and
// reduces every outcome to either a reply or a classified *chaterr.Error.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/friendineed/internal/chaterr"
	"github.com/kalambet/friendineed/internal/composer"
	"github.com/kalambet/friendineed/internal/persona"
	"github.com/kalambet/friendineed/internal/provider"
	"github.com/kalambet/friendineed/internal/storage"
	"github.com/kalambet/friendineed/internal/usage"
)

const defaultTimeout = 25 * time.Second

// CredentialSource returns the configured API key for a provider, or "".
type CredentialSource func(provider string) string

// UsageRecorder accepts ledger records without blocking.
type UsageRecorder interface {
	Record(u storage.UsageRecord) bool
}

// Request is a validated chat turn.
type Request struct {
	RequestID string
	ClientID  string
	Friend    persona.Friend
	Message   string
	History   []provider.Message
	// Provider is the selector; empty means the configured default.
	Provider string
	Model    string
	// Credential overrides the configured key when non-empty.
	Credential string
}

// Reply is a successful provider answer.
type Reply struct {
	Message    string `json:"message"`
	FriendName string `json:"friendName"`
	Provider   string `json:"provider"`
	Model      string `json:"model"`
}

// Options configures a Relay.
type Options struct {
	DefaultProvider string
	Credentials     CredentialSource
	Timeout         time.Duration
	Recorder        UsageRecorder
	Logger          *slog.Logger
}

// Relay dispatches chat turns to providers.
type Relay struct {
	registry        *provider.Registry
	composer        *composer.Composer
	defaultProvider string
	credentials     CredentialSource
	timeout         time.Duration
	recorder        UsageRecorder
	logger          *slog.Logger
}

// New creates a Relay.
func New(registry *provider.Registry, comp *composer.Composer, opts Options) *Relay {
	r := &Relay{
		registry:        registry,
		composer:        comp,
		defaultProvider: opts.DefaultProvider,
		credentials:     opts.Credentials,
		timeout:         opts.Timeout,
		recorder:        opts.Recorder,
		logger:          opts.Logger,
	}
	if r.defaultProvider == "" {
		r.defaultProvider = "openai"
	}
	if r.credentials == nil {
		r.credentials = func(string) string { return "" }
	}
	if r.timeout <= 0 {
		r.timeout = defaultTimeout
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// DefaultProvider returns the selector used when a request names none.
func (r *Relay) DefaultProvider() string { return r.defaultProvider }

// Providers returns the registered provider keys.
func (r *Relay) Providers() []string { return r.registry.Names() }

// Resolve looks up the provider for selector, falling back to the default.
// An unknown selector is a Validation error.
func (r *Relay) Resolve(selector string) (provider.Provider, error) {
	name := strings.TrimSpace(selector)
	if name == "" {
		name = r.defaultProvider
	}
	p, err := r.registry.Get(name)
	if err != nil {
		ce := chaterr.Wrap(chaterr.Validation, fmt.Sprintf("Unsupported provider: %s", name), err)
		ce.Status = http.StatusBadRequest
		return nil, ce
	}
	return p, nil
}

// Reply performs the turn. Every error it returns is a *chaterr.Error whose
// Message is safe to show to the user.
func (r *Relay) Reply(ctx context.Context, req Request) (Reply, error) {
	start := time.Now()

	p, err := r.Resolve(req.Provider)
	if err != nil {
		return Reply{}, err
	}

	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = p.DefaultModel()
	}

	credential := strings.TrimSpace(req.Credential)
	if credential == "" {
		credential = r.credentials(p.Name())
	}
	if credential == "" {
		r.logger.Warn("no credential configured", "provider", p.Name(), "request_id", req.RequestID)
		ce := chaterr.New(chaterr.Unavailable, unavailableMessage(req.Friend.Name))
		ce.Status = http.StatusServiceUnavailable
		r.record(req, p.Name(), model, ce, start)
		return Reply{}, ce
	}

	msgs := r.composer.Compose(req.Friend, req.History, req.Message)
	r.logger.Debug("dispatching chat",
		"request_id", req.RequestID,
		"provider", p.Name(),
		"model", model,
		"messages", len(msgs),
		"approx_tokens", composer.EstimateTokens(msgs),
	)

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	text, err := p.Generate(callCtx, msgs, credential, model)
	if err != nil {
		ce := Classify(err, req.Friend.Name)
		r.logger.Warn("provider call failed",
			"request_id", req.RequestID,
			"provider", p.Name(),
			"kind", ce.Kind,
			"error", err,
		)
		r.record(req, p.Name(), model, ce, start)
		return Reply{}, ce
	}

	r.record(req, p.Name(), model, nil, start)
	return Reply{
		Message:    strings.TrimSpace(text),
		FriendName: req.Friend.Name,
		Provider:   p.Name(),
		Model:      model,
	}, nil
}

// Classify maps a provider or transport failure to a chaterr.Error voiced
// as friendName.
func Classify(err error, friendName string) *chaterr.Error {
	var perr *provider.Error
	kind := chaterr.Unavailable
	var retryAfter time.Duration
	switch {
	case errors.As(err, &perr):
		kind = perr.Kind()
		retryAfter = perr.RetryAfter
	case errors.Is(err, context.DeadlineExceeded):
		kind = chaterr.Timeout
	}

	ce := chaterr.Wrap(kind, friendlyMessage(kind, friendName), err)
	ce.Status = kind.Status()
	ce.RetryAfter = retryAfter
	return ce
}

func friendlyMessage(kind chaterr.Kind, name string) string {
	if name == "" {
		name = "Your friend"
	}
	switch kind {
	case chaterr.RateLimited:
		return "Too many requests right now. Please wait a moment and try again."
	case chaterr.Timeout:
		return fmt.Sprintf("%s took too long to think. Please try again.", name)
	case chaterr.Unavailable:
		return unavailableMessage(name)
	case chaterr.Rejected:
		return fmt.Sprintf("%s can't respond to that one. Could you rephrase it?", name)
	default:
		return "Sorry, I had trouble processing your message. Please try again."
	}
}

func unavailableMessage(name string) string {
	if name == "" {
		name = "Your friend"
	}
	return fmt.Sprintf("%s is temporarily unavailable. Please try again later.", name)
}

func (r *Relay) record(req Request, providerName, model string, ce *chaterr.Error, start time.Time) {
	if r.recorder == nil {
		return
	}
	u := storage.UsageRecord{
		RequestID:   req.RequestID,
		PersonaID:   req.Friend.ID,
		PersonaName: req.Friend.Name,
		Provider:    providerName,
		Model:       model,
		Code:        storage.CodeOK,
		Status:      http.StatusOK,
		Latency:     time.Since(start),
		ClientHash:  usage.HashClient(req.ClientID),
	}
	if ce != nil {
		u.Code = ce.Kind.Code()
		u.Status = ce.Kind.Status()
	}
	if !r.recorder.Record(u) {
		r.logger.Warn("usage queue full, dropping record", "request_id", req.RequestID)
	}
}
