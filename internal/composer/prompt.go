package composer

import (
	"fmt"
	"strings"

	"github.com/kalambet/friendineed/internal/persona"
	"github.com/kalambet/friendineed/internal/provider"
)

const defaultHistoryLimit = 10

// Composer assembles the message list sent to a provider: a persona system
// prompt, the most recent history turns and the new user message.
type Composer struct {
	HistoryLimit int
}

// New creates a Composer that keeps at most historyLimit prior turns.
// If historyLimit <= 0, the default (10) is used.
func New(historyLimit int) *Composer {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	return &Composer{HistoryLimit: historyLimit}
}

// SystemPrompt renders the persona instructions. The output depends only on
// the persona fields, so equal personas always produce equal prompts.
func SystemPrompt(f persona.Friend) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s, an AI friend with these characteristics:\n\n", f.Name)
	fmt.Fprintf(&sb, "Personality Type: %s\n", f.Type)
	fmt.Fprintf(&sb, "Description: %s\n", f.Description)
	fmt.Fprintf(&sb, "Key Traits: %s\n", strings.Join(f.Traits, ", "))
	if f.Specialty != "" {
		fmt.Fprintf(&sb, "Specialty: %s\n", f.Specialty)
	}
	fmt.Fprintf(&sb, "\nStay in character as %s. Be helpful, empathetic, and true to your personality.\n", f.Name)
	sb.WriteString("Keep responses conversational and engaging, typically 1-3 sentences unless more detail is specifically needed.\n")
	sb.WriteString("Use a warm, friendly tone that matches your character traits.\n")
	sb.WriteString("Be supportive, not clinical: you are a friend, not a therapist or doctor, and gently suggest professional help when someone needs it.")
	return sb.String()
}

// Compose builds [system, last N history turns, user message]. History
// entries with roles other than user or assistant, or with blank content,
// are dropped before the limit is applied.
func (c *Composer) Compose(f persona.Friend, history []provider.Message, message string) []provider.Message {
	kept := make([]provider.Message, 0, len(history))
	for _, m := range history {
		if m.Role != provider.RoleUser && m.Role != provider.RoleAssistant {
			continue
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		kept = append(kept, m)
	}
	if len(kept) > c.HistoryLimit {
		kept = kept[len(kept)-c.HistoryLimit:]
	}

	msgs := make([]provider.Message, 0, len(kept)+2)
	msgs = append(msgs, provider.Message{Role: provider.RoleSystem, Content: SystemPrompt(f)})
	msgs = append(msgs, kept...)
	msgs = append(msgs, provider.Message{Role: provider.RoleUser, Content: strings.TrimSpace(message)})
	return msgs
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(msgs []provider.Message) int {
	n := 0
	for _, m := range msgs {
		n += len(m.Content)
	}
	return (n + 3) / 4
}
