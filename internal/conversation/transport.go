package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kalambet/friendineed/internal/chaterr"
	"github.com/kalambet/friendineed/internal/persona"
	"github.com/kalambet/friendineed/internal/provider"
)

// FriendData is the prompt-relevant part of a persona sent with every turn.
type FriendData struct {
	ID          int      `json:"id"`
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Traits      []string `json:"traits"`
	Specialty   string   `json:"specialty"`
}

func friendData(f persona.Friend) FriendData {
	return FriendData{
		ID:          f.ID,
		Name:        f.Name,
		Type:        f.Type,
		Description: f.Description,
		Traits:      append([]string(nil), f.Traits...),
		Specialty:   f.Specialty,
	}
}

// TurnRequest is the body posted to the chat endpoint.
type TurnRequest struct {
	Message    string             `json:"message"`
	FriendData FriendData         `json:"friendData"`
	History    []provider.Message `json:"history"`
	Provider   string             `json:"provider,omitempty"`
	Model      string             `json:"model,omitempty"`
}

// TurnReply is a successful chat endpoint response.
type TurnReply struct {
	Message    string `json:"message"`
	FriendName string `json:"friendName"`
	Provider   string `json:"provider"`
	Model      string `json:"model"`
}

// Transport delivers one turn to the chat endpoint. Failures should be
// *chaterr.Error; anything else is classified by the controller.
type Transport interface {
	Send(ctx context.Context, req TurnRequest) (TurnReply, error)
}

const maxReplyBytes = 1 << 20

// HTTPTransport posts turns to the chat endpoint over HTTP.
type HTTPTransport struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// HTTPOption configures an HTTPTransport.
type HTTPOption func(*HTTPTransport)

// WithHTTPClient overrides the HTTP client. Deadlines come from the
// request context, so the client needs no timeout of its own.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(t *HTTPTransport) { t.client = c }
}

// WithAPIKey sends key in X-API-Key so the proxy uses it instead of its
// configured credential.
func WithAPIKey(key string) HTTPOption {
	return func(t *HTTPTransport) { t.apiKey = key }
}

// NewHTTPTransport creates a transport for endpoint, e.g.
// http://localhost:8080/api/chat.
func NewHTTPTransport(endpoint string, opts ...HTTPOption) *HTTPTransport {
	t := &HTTPTransport{
		endpoint: endpoint,
		client:   &http.Client{},
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Endpoint returns the chat endpoint URL.
func (t *HTTPTransport) Endpoint() string { return t.endpoint }

type errorEnvelope struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	RetryAfter int    `json:"retryAfter"`
}

// Send posts req and classifies any failure as a *chaterr.Error. Transport
// failures carry Status 0.
func (t *HTTPTransport) Send(ctx context.Context, req TurnRequest) (TurnReply, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return TurnReply{}, chaterr.Wrap(chaterr.Fatal, "", fmt.Errorf("marshaling turn: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return TurnReply{}, chaterr.Wrap(chaterr.Fatal, "", fmt.Errorf("creating request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Provider != "" {
		httpReq.Header.Set("X-API-Provider", req.Provider)
	}
	if t.apiKey != "" {
		httpReq.Header.Set("X-API-Key", t.apiKey)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return TurnReply{}, transportError(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return TurnReply{}, transportError(ctx, fmt.Errorf("reading response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return TurnReply{}, statusError(resp, raw)
	}

	var reply TurnReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		ce := chaterr.Wrap(chaterr.Fatal, "", fmt.Errorf("decoding reply: %w", err))
		ce.Status = resp.StatusCode
		return TurnReply{}, ce
	}
	if reply.Message == "" {
		ce := chaterr.New(chaterr.Fatal, "No response message received")
		ce.Status = resp.StatusCode
		return TurnReply{}, ce
	}
	return reply, nil
}

func transportError(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return chaterr.Wrap(chaterr.Timeout, "", err)
	case errors.Is(ctx.Err(), context.Canceled):
		return ctx.Err()
	default:
		return chaterr.Wrap(chaterr.Unavailable, "", err)
	}
}

func statusError(resp *http.Response, raw []byte) *chaterr.Error {
	var env errorEnvelope
	_ = json.Unmarshal(raw, &env)

	kind, ok := chaterr.KindFromCode(env.Code)
	if !ok {
		kind = chaterr.KindFromStatus(resp.StatusCode)
	}
	ce := chaterr.Wrap(kind, env.Error, fmt.Errorf("chat endpoint returned HTTP %d", resp.StatusCode))
	ce.Status = resp.StatusCode

	if env.RetryAfter > 0 {
		ce.RetryAfter = time.Duration(env.RetryAfter) * time.Second
	} else if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		ce.RetryAfter = time.Duration(secs) * time.Second
	}
	return ce
}

// HealthURL derives the health probe URL from a chat endpoint URL.
func HealthURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing endpoint: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("endpoint %q is not an absolute URL", endpoint)
	}
	u.Path = "/api/health"
	u.RawQuery = ""
	return u.String(), nil
}

// Health checks the proxy's liveness probe.
func (t *HTTPTransport) Health(ctx context.Context) error {
	target, err := HealthURL(t.endpoint)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("checking health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned HTTP %d", resp.StatusCode)
	}
	return nil
}
