package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
)

const (
	geminiBaseURL = "https://generativelanguage.googleapis.com"
	geminiModel   = "gemini-1.5-flash"
)

// Gemini talks to the Google Generative Language API.
type Gemini struct {
	opts Options
}

// NewGemini creates a Gemini adapter.
func NewGemini(opts Options) *Gemini {
	return &Gemini{opts: opts.withDefaults(geminiBaseURL, geminiModel)}
}

func (p *Gemini) Name() string         { return "gemini" }
func (p *Gemini) DefaultModel() string { return p.opts.DefaultModel }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens"`
	Temperature     float64 `json:"temperature"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	Contents          []geminiContent        `json:"contents"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

type geminiErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func parseGeminiError(body []byte) (string, string) {
	var e geminiErrorBody
	if err := json.Unmarshal(body, &e); err != nil {
		return "", ""
	}
	return e.Error.Status, e.Error.Message
}

func toGemini(messages []Message) (*geminiContent, []geminiContent) {
	var system []geminiPart
	contents := make([]geminiContent, 0, len(messages))
	for _, m := range messages {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		switch m.Role {
		case RoleSystem:
			system = append(system, geminiPart{Text: content})
		case RoleAssistant:
			contents = append(contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: content}}})
		case RoleUser:
			contents = append(contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: content}}})
		}
	}
	if len(system) == 0 {
		return nil, contents
	}
	return &geminiContent{Parts: system}, contents
}

// Generate reports a prompt blocked by the vendor's safety filter as a
// rejection rather than an empty reply.
func (p *Gemini) Generate(ctx context.Context, messages []Message, credential, model string) (string, error) {
	if model == "" {
		model = p.opts.DefaultModel
	}
	system, contents := toGemini(messages)

	var resp geminiResponse
	err := postJSON(ctx, p.opts.HTTPClient, request{
		provider: p.Name(),
		url:      p.opts.BaseURL + "/v1beta/models/" + url.PathEscape(model) + ":generateContent",
		headers:  map[string]string{"x-goog-api-key": credential},
		payload: geminiRequest{
			SystemInstruction: system,
			Contents:          contents,
			GenerationConfig: geminiGenerationConfig{
				MaxOutputTokens: p.opts.MaxTokens,
				Temperature:     p.opts.Temperature,
			},
		},
		parseErr: parseGeminiError,
	}, &resp)
	if err != nil {
		return "", err
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return "", &Error{
			Provider: p.Name(),
			Status:   http.StatusUnprocessableEntity,
			Code:     resp.PromptFeedback.BlockReason,
			Message:  "prompt blocked: " + resp.PromptFeedback.BlockReason,
		}
	}
	if len(resp.Candidates) == 0 {
		return FallbackText, nil
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return orFallback(sb.String()), nil
}
