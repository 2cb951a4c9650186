package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/friendineed/internal/chaterr"
	"github.com/kalambet/friendineed/internal/config"
	"github.com/kalambet/friendineed/internal/conversation"
	"github.com/kalambet/friendineed/internal/persona"
	"github.com/kalambet/friendineed/internal/provider"
)

const chatHelp = `Commands:
  /friends           list friends
  /friend <id>       switch friend (starts a fresh conversation)
  /provider [name]   show or switch the AI provider
  /export [file]     save the conversation as JSON
  /help              show this help
  /quit              leave`

var chatCmd = &cobra.Command{
	Use:   "chat [friend-id]",
	Short: "Chat with an AI friend through the proxy",
	Long: `Chat with an AI friend through a running proxy.

Examples:
  friendineed chat
  friendineed chat 2 --provider anthropic
  friendineed chat --endpoint https://friends.example.com/.netlify/functions/chat`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg.Log.Level)

		endpoint, _ := cmd.Flags().GetString("endpoint")
		if endpoint == "" {
			endpoint = cfg.Client.Endpoint
		}
		providerName, _ := cmd.Flags().GetString("provider")
		if providerName == "" {
			providerName = cfg.Client.Provider
		}
		if providerName == "" {
			providerName = cfg.Providers.Default
		}

		catalog, err := persona.Builtin()
		if err != nil {
			return fmt.Errorf("loading friends: %w", err)
		}
		friendID := 1
		if len(args) == 1 {
			friendID, err = strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid friend id %q", args[0])
			}
		}

		ctrl, err := newChatController(cfg.Chat, endpoint, providerName)
		if err != nil {
			return err
		}
		defer ctrl.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		printStep("Connected to %s (provider: %s). Type /help for commands.", endpoint, ctrl.Provider())
		return runChat(ctx, os.Stdin, os.Stdout, ctrl, catalog, friendID)
	},
}

func init() {
	chatCmd.Flags().String("endpoint", "", "chat endpoint URL (default: client.endpoint)")
	chatCmd.Flags().String("provider", "", "AI provider: openai, anthropic or gemini")
}

// newChatController builds a controller for endpoint and selects
// providerName, rejecting names the proxy does not serve.
func newChatController(cfg config.ChatConfig, endpoint, providerName string) (*conversation.Controller, error) {
	ctrl := conversation.New(conversation.Options{
		Transport:        conversation.NewHTTPTransport(endpoint),
		MaxMessageLength: cfg.MaxMessageLength,
		MaxHistory:       cfg.MaxHistory,
		HistoryWindow:    cfg.HistoryLimit,
		MinInterval:      cfg.MinInterval,
		Timeout:          cfg.Timeout,
		Retry: conversation.RetryPolicy{
			MaxRetries: cfg.MaxRetries,
			BaseDelay:  cfg.RetryBaseDelay,
		},
	})
	if providerName == "" {
		return ctrl, nil
	}
	if err := ctrl.SwitchProvider(providerName); err != nil {
		ctrl.Close()
		return nil, fmt.Errorf("invalid provider %q (available: %s)", providerName, strings.Join(ctrl.Providers(), ", "))
	}
	return ctrl, nil
}

// chatPrinter renders controller events. Retries arrive on timer
// goroutines, so writes are serialized.
type chatPrinter struct {
	mu   sync.Mutex
	w    io.Writer
	ctrl *conversation.Controller
}

func (p *chatPrinter) speaker() string {
	f, ok := p.ctrl.Active()
	if !ok {
		return "Friend"
	}
	if f.Emoji != "" {
		return f.Emoji + " " + f.Name
	}
	return f.Name
}

func (p *chatPrinter) observe(e conversation.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch e.Kind {
	case conversation.MessageAdded:
		if e.Message.Role == provider.RoleUser {
			return
		}
		fmt.Fprintf(p.w, "%s %s\n", colorize(colorBold, p.speaker()+":"), e.Message.Content)
	case conversation.TypingChanged:
		if e.Typing {
			fmt.Fprintln(p.w, colorize(colorDim, p.speaker()+" is typing..."))
		}
	case conversation.ErrorOccurred:
		fmt.Fprintf(p.w, "%s %s\n", colorize(colorBold, p.speaker()+":"), colorize(colorYellow, e.Message.Content))
	case conversation.Notice:
		if e.Message.Role == provider.RoleSystem {
			fmt.Fprintln(p.w, colorize(colorCyan, "⚙ "+e.Message.Content))
			return
		}
		fmt.Fprintf(p.w, "%s %s\n", colorize(colorBold, p.speaker()+":"), e.Message.Content)
	}
}

func (p *chatPrinter) println(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, text)
}

// runChat reads lines from in until EOF, /quit or ctx cancellation. Lines
// starting with "/" are commands; everything else is sent to the active
// friend.
func runChat(ctx context.Context, in io.Reader, out io.Writer, ctrl *conversation.Controller, catalog *persona.Catalog, friendID int) error {
	friend, err := catalog.Get(friendID)
	if err != nil {
		return fmt.Errorf("friend %d: %w", friendID, err)
	}

	p := &chatPrinter{w: out, ctrl: ctrl}
	unsubscribe := ctrl.Subscribe(p.observe)
	defer unsubscribe()

	ctrl.SwitchPersona(friend)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			return nil
		case line, ok = <-lines:
			if !ok {
				return nil
			}
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit, err := chatCommand(ctrl, catalog, p, line)
			if err != nil {
				printWarning("%v", err)
			}
			if quit {
				return nil
			}
			continue
		}

		if err := ctrl.Send(ctx, line); err != nil {
			var ce *chaterr.Error
			if errors.As(err, &ce) {
				printWarning("%s", ce.Message)
				continue
			}
			return err
		}
	}
}

func chatCommand(ctrl *conversation.Controller, catalog *persona.Catalog, p *chatPrinter, line string) (quit bool, err error) {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		p.println(chatHelp)
	case "/friends":
		for _, f := range catalog.All() {
			p.println(formatFriend(f))
		}
	case "/friend":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: /friend <id>")
		}
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return false, fmt.Errorf("invalid friend id %q", args[0])
		}
		f, err := catalog.Get(id)
		if err != nil {
			return false, fmt.Errorf("friend %d: %w", id, err)
		}
		ctrl.SwitchPersona(f)
	case "/provider":
		if len(args) == 0 {
			p.println(fmt.Sprintf("provider: %s (available: %s)", ctrl.Provider(), strings.Join(ctrl.Providers(), ", ")))
			return false, nil
		}
		if err := ctrl.SwitchProvider(args[0]); err != nil {
			var ce *chaterr.Error
			if errors.As(err, &ce) {
				return false, errors.New(ce.Message)
			}
			return false, err
		}
		p.println(colorize(colorGreen, fmt.Sprintf("✓ Switched to %s", strings.ToUpper(ctrl.Provider()))))
	case "/export":
		path := fmt.Sprintf("friendineed-chat-%s.json", time.Now().Format("2006-01-02"))
		if len(args) > 0 {
			path = args[0]
		}
		data, err := ctrl.Export()
		if err != nil {
			return false, err
		}
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return false, fmt.Errorf("writing export: %w", err)
		}
		p.println(colorize(colorGreen, "✓ Conversation exported to "+path))
	default:
		return false, fmt.Errorf("unknown command %s, try /help", cmd)
	}
	return false, nil
}

func formatFriend(f persona.Friend) string {
	name := f.Name
	if f.Emoji != "" {
		name = f.Emoji + " " + name
	}
	return fmt.Sprintf("%s  %s  %s", colorize(colorCyan, fmt.Sprintf("%2d", f.ID)), colorize(colorBold, name), f.Description)
}
