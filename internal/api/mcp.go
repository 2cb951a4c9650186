package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/friendineed/internal/chaterr"
	"github.com/kalambet/friendineed/internal/persona"
	"github.com/kalambet/friendineed/internal/provider"
	"github.com/kalambet/friendineed/internal/relay"
	"github.com/kalambet/friendineed/internal/storage"
)

const mcpClientID = "mcp"

// UsageSummarizer reports aggregated usage for the MCP layer.
type UsageSummarizer interface {
	SummaryByProvider(since time.Time) ([]storage.ProviderSummary, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Catalog *persona.Catalog
	Relay   *relay.Relay
	Usage   UsageSummarizer // optional; if nil, usage://summary is not registered
}

// NewMCPServer creates an MCP server exposing the friends and the relay.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"friendineed",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("friendineed: chat with AI friend personas through the configured LLM providers."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_friends",
			mcp.WithDescription("List the available AI friend personas."),
		),
		mcpListFriends(deps),
	)

	s.AddTool(
		mcp.NewTool("ask_friend",
			mcp.WithDescription("Send a message to an AI friend and return the reply."),
			mcp.WithNumber("friend_id", mcp.Description("ID of the friend (see list_friends)"), mcp.Required()),
			mcp.WithString("message", mcp.Description("Message to send"), mcp.Required()),
			mcp.WithString("history", mcp.Description("Optional JSON array of prior {role, content} turns")),
			mcp.WithString("provider", mcp.Description("Provider key (openai, anthropic, gemini); defaults to the configured provider")),
			mcp.WithString("model", mcp.Description("Model override")),
		),
		mcpAskFriend(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"friends://catalog",
			"Friend Catalog",
			mcp.WithResourceDescription("All friend personas as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceCatalog(deps),
	)

	if deps.Usage != nil {
		s.AddResource(
			mcp.NewResource(
				"usage://summary",
				"Usage Summary",
				mcp.WithResourceDescription("Per-provider request counts and latency for the last 24 hours"),
				mcp.WithMIMEType("application/json"),
			),
			mcpResourceUsage(deps),
		)
	}

	return s
}

type friendSummary struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Emoji       string `json:"emoji,omitempty"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Specialty   string `json:"specialty,omitempty"`
}

func mcpListFriends(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		friends := deps.Catalog.All()
		out := make([]friendSummary, len(friends))
		for i, f := range friends {
			out[i] = friendSummary{
				ID:          f.ID,
				Name:        f.Name,
				Emoji:       f.Emoji,
				Type:        f.Type,
				Description: f.Description,
				Specialty:   f.Specialty,
			}
		}
		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal friends: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAskFriend(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireFloat("friend_id")
		if err != nil {
			return mcpError("friend_id is required"), nil
		}
		message, err := req.RequireString("message")
		if err != nil || message == "" {
			return mcpError("message is required"), nil
		}

		friend, err := deps.Catalog.Get(int(id))
		if errors.Is(err, persona.ErrNotFound) {
			return mcpError(fmt.Sprintf("no friend with id %d", int(id))), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("loading friend: %v", err)), nil
		}

		var history []provider.Message
		if raw := req.GetString("history", ""); raw != "" {
			if err := json.Unmarshal([]byte(raw), &history); err != nil {
				return mcpError(fmt.Sprintf("invalid history JSON: %v", err)), nil
			}
		}

		reply, err := deps.Relay.Reply(ctx, relay.Request{
			RequestID: uuid.New().String(),
			ClientID:  mcpClientID,
			Friend:    friend,
			Message:   message,
			History:   history,
			Provider:  req.GetString("provider", ""),
			Model:     req.GetString("model", ""),
		})
		if err != nil {
			var ce *chaterr.Error
			if errors.As(err, &ce) {
				return mcpError(fmt.Sprintf("%s (%s)", ce.Message, ce.Kind.Code())), nil
			}
			return mcpError(fmt.Sprintf("ask_friend failed: %v", err)), nil
		}

		return mcpText(reply.Message), nil
	}
}

func mcpResourceCatalog(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.Catalog.All())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal catalog: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpResourceUsage(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		sum, err := deps.Usage.SummaryByProvider(time.Now().UTC().Add(-24 * time.Hour))
		if err != nil {
			return nil, fmt.Errorf("failed to summarize usage: %w", err)
		}

		type providerUsage struct {
			Provider     string `json:"provider"`
			Requests     int    `json:"requests"`
			Failures     int    `json:"failures"`
			AvgLatencyMS int64  `json:"avg_latency_ms"`
		}
		out := make([]providerUsage, len(sum))
		for i, p := range sum {
			out[i] = providerUsage{
				Provider:     p.Provider,
				Requests:     p.Requests,
				Failures:     p.Failures,
				AvgLatencyMS: p.AvgLatency.Milliseconds(),
			}
		}

		b, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal usage: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
