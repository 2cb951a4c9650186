package provider

import (
	"context"
	"encoding/json"
)

const (
	openAIBaseURL = "https://api.openai.com"
	openAIModel   = "gpt-3.5-turbo"
)

// OpenAI talks to the OpenAI chat completions API.
type OpenAI struct {
	opts Options
}

// NewOpenAI creates an OpenAI adapter. Zero options fall back to defaults.
func NewOpenAI(opts Options) *OpenAI {
	return &OpenAI{opts: opts.withDefaults(openAIBaseURL, openAIModel)}
}

func (p *OpenAI) Name() string         { return "openai" }
func (p *OpenAI) DefaultModel() string { return p.opts.DefaultModel }

type openAIRequest struct {
	Model            string    `json:"model"`
	Messages         []Message `json:"messages"`
	MaxTokens        int       `json:"max_tokens"`
	Temperature      float64   `json:"temperature"`
	PresencePenalty  float64   `json:"presence_penalty"`
	FrequencyPenalty float64   `json:"frequency_penalty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type openAIErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

func parseOpenAIError(body []byte) (string, string) {
	var e openAIErrorBody
	if err := json.Unmarshal(body, &e); err != nil {
		return "", ""
	}
	code := e.Error.Code
	if code == "" {
		code = e.Error.Type
	}
	return code, e.Error.Message
}

// Generate sends messages as-is; the system prompt stays in the list.
func (p *OpenAI) Generate(ctx context.Context, messages []Message, credential, model string) (string, error) {
	if model == "" {
		model = p.opts.DefaultModel
	}

	var resp openAIResponse
	err := postJSON(ctx, p.opts.HTTPClient, request{
		provider: p.Name(),
		url:      p.opts.BaseURL + "/v1/chat/completions",
		headers:  map[string]string{"Authorization": "Bearer " + credential},
		payload: openAIRequest{
			Model:            model,
			Messages:         messages,
			MaxTokens:        p.opts.MaxTokens,
			Temperature:      p.opts.Temperature,
			PresencePenalty:  0.1,
			FrequencyPenalty: 0.1,
		},
		parseErr: parseOpenAIError,
	}, &resp)
	if err != nil {
		return "", err
	}

	if len(resp.Choices) == 0 {
		return FallbackText, nil
	}
	return orFallback(resp.Choices[0].Message.Content), nil
}
