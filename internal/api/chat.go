package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/friendineed/internal/chaterr"
	"github.com/kalambet/friendineed/internal/persona"
	"github.com/kalambet/friendineed/internal/provider"
	"github.com/kalambet/friendineed/internal/ratelimit"
	"github.com/kalambet/friendineed/internal/relay"
)

const (
	maxRequestBodySize       = 1 << 20 // 1MB
	defaultMaxMessageLength  = 1000
	defaultRetryAfterSeconds = 60
	anonymousClient          = "anonymous"
)

// FriendData is the persona as sent by the client.
type FriendData struct {
	ID          int      `json:"id"`
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Traits      []string `json:"traits"`
	Specialty   string   `json:"specialty"`
}

func (f FriendData) persona() persona.Friend {
	return persona.Friend{
		ID:          f.ID,
		Name:        strings.TrimSpace(f.Name),
		Type:        f.Type,
		Description: f.Description,
		Traits:      f.Traits,
		Specialty:   f.Specialty,
	}
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Message    string             `json:"message"`
	FriendData *FriendData        `json:"friendData"`
	History    []provider.Message `json:"history"`
	Provider   string             `json:"provider"`
	Model      string             `json:"model"`
}

// ChatDeps holds dependencies for the chat API.
type ChatDeps struct {
	Relay            *relay.Relay
	Limiter          *ratelimit.Limiter
	Catalog          *persona.Catalog
	MaxMessageLength int
	Logger           *slog.Logger
}

// NewChatHandler returns the public HTTP API: the chat proxy endpoint (also
// mounted at the legacy Netlify function path), the health probe and the
// friends listing.
func NewChatHandler(deps ChatDeps) http.Handler {
	if deps.MaxMessageLength <= 0 {
		deps.MaxMessageLength = defaultMaxMessageLength
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(requestLogger(deps.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors)

	chat := handleChat(deps)
	r.HandleFunc("/api/chat", chat)
	r.HandleFunc("/.netlify/functions/chat", chat)
	r.HandleFunc("/api/health", handleHealth)
	r.HandleFunc("/health", handleHealth)
	r.Get("/api/friends", handleFriends(deps.Catalog))

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "OK",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func handleFriends(catalog *persona.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if catalog == nil {
			writeJSON(w, http.StatusOK, []persona.Friend{})
			return
		}
		writeJSON(w, http.StatusOK, catalog.All())
	}
}

func handleChat(deps ChatDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httpError(w, r, http.StatusMethodNotAllowed, "", "Method not allowed")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				httpError(w, r, http.StatusBadRequest, chaterr.Validation.Code(), "Request body is too large")
				return
			}
			httpError(w, r, http.StatusBadRequest, chaterr.Validation.Code(), "Invalid request body")
			return
		}

		message := strings.TrimSpace(req.Message)
		if message == "" || req.FriendData == nil || strings.TrimSpace(req.FriendData.Name) == "" {
			httpError(w, r, http.StatusBadRequest, chaterr.Validation.Code(), "Message and friend data are required")
			return
		}
		if utf8.RuneCountInString(message) > deps.MaxMessageLength {
			httpError(w, r, http.StatusBadRequest, chaterr.Validation.Code(),
				"Message is too long (max %d characters)", deps.MaxMessageLength)
			return
		}

		client := clientID(r)
		if deps.Limiter != nil {
			d, err := deps.Limiter.Allow(r.Context(), client)
			if err != nil {
				// Only a cancelled request context ends up here.
				return
			}
			if !d.Allowed {
				rateLimited(w, r, d.RetryAfter, "Too many requests. Please wait a moment before sending another message.")
				return
			}
		}

		selector := req.Provider
		if selector == "" {
			selector = r.Header.Get("X-API-Provider")
		}
		if _, err := deps.Relay.Resolve(selector); err != nil {
			writeChatError(w, r, err)
			return
		}

		reply, err := deps.Relay.Reply(r.Context(), relay.Request{
			RequestID:  middleware.GetReqID(r.Context()),
			ClientID:   client,
			Friend:     req.FriendData.persona(),
			Message:    message,
			History:    req.History,
			Provider:   selector,
			Model:      req.Model,
			Credential: r.Header.Get("X-API-Key"),
		})
		if err != nil {
			writeChatError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, reply)
	}
}

func writeChatError(w http.ResponseWriter, r *http.Request, err error) {
	var ce *chaterr.Error
	if !errors.As(err, &ce) {
		ce = chaterr.Wrap(chaterr.Fatal, "Sorry, I had trouble processing your message. Please try again.", err)
	}
	if ce.Kind == chaterr.RateLimited {
		rateLimited(w, r, ce.RetryAfter, ce.Message)
		return
	}
	status := ce.Status
	if status == 0 {
		status = ce.Kind.Status()
	}
	httpError(w, r, status, ce.Kind.Code(), "%s", ce.Message)
}

// clientID keys the rate limiter: the first X-Forwarded-For hop, or a
// shared bucket when the header is absent.
func clientID(r *http.Request) string {
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return anonymousClient
	}
	first, _, _ := strings.Cut(xff, ",")
	if first = strings.TrimSpace(first); first != "" {
		return first
	}
	return anonymousClient
}
