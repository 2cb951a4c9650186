package provider

import (
	"context"
	"encoding/json"
	"strings"
)

const (
	anthropicBaseURL = "https://api.anthropic.com"
	anthropicModel   = "claude-3-haiku-20240307"
	anthropicVersion = "2023-06-01"
)

// Anthropic talks to the Anthropic messages API.
type Anthropic struct {
	opts Options
}

// NewAnthropic creates an Anthropic adapter.
func NewAnthropic(opts Options) *Anthropic {
	return &Anthropic{opts: opts.withDefaults(anthropicBaseURL, anthropicModel)}
}

func (p *Anthropic) Name() string         { return "anthropic" }
func (p *Anthropic) DefaultModel() string { return p.opts.DefaultModel }

type anthropicRequest struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

type anthropicErrorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func parseAnthropicError(body []byte) (string, string) {
	var e anthropicErrorBody
	if err := json.Unmarshal(body, &e); err != nil {
		return "", ""
	}
	return e.Error.Type, e.Error.Message
}

// toAnthropic splits out the system prompt and reshapes the turns so they
// start with a user turn and alternate roles.
func toAnthropic(messages []Message) (string, []Message) {
	var system []string
	turns := make([]Message, 0, len(messages))
	for _, m := range messages {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		switch m.Role {
		case RoleSystem:
			system = append(system, content)
			continue
		case RoleUser, RoleAssistant:
		default:
			continue
		}
		if len(turns) == 0 && m.Role == RoleAssistant {
			continue
		}
		if n := len(turns); n > 0 && turns[n-1].Role == m.Role {
			turns[n-1].Content += "\n\n" + content
			continue
		}
		turns = append(turns, Message{Role: m.Role, Content: content})
	}
	return strings.Join(system, "\n\n"), turns
}

func (p *Anthropic) Generate(ctx context.Context, messages []Message, credential, model string) (string, error) {
	if model == "" {
		model = p.opts.DefaultModel
	}
	system, turns := toAnthropic(messages)

	var resp anthropicResponse
	err := postJSON(ctx, p.opts.HTTPClient, request{
		provider: p.Name(),
		url:      p.opts.BaseURL + "/v1/messages",
		headers: map[string]string{
			"x-api-key":         credential,
			"anthropic-version": anthropicVersion,
		},
		payload: anthropicRequest{
			Model:       model,
			System:      system,
			Messages:    turns,
			MaxTokens:   p.opts.MaxTokens,
			Temperature: p.opts.Temperature,
		},
		parseErr: parseAnthropicError,
	}, &resp)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "" || block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return orFallback(sb.String()), nil
}
