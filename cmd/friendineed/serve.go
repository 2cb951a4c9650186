package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/friendineed/internal/api"
	"github.com/kalambet/friendineed/internal/composer"
	"github.com/kalambet/friendineed/internal/config"
	"github.com/kalambet/friendineed/internal/persona"
	"github.com/kalambet/friendineed/internal/provider"
	"github.com/kalambet/friendineed/internal/ratelimit"
	"github.com/kalambet/friendineed/internal/relay"
	"github.com/kalambet/friendineed/internal/storage"
	"github.com/kalambet/friendineed/internal/usage"
)

const (
	shutdownTimeout  = 5 * time.Second
	redisDialTimeout = 3 * time.Second
	redisKeyPrefix   = "friendineed:ratelimit:"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat proxy server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg.Log.Level)
		fmt.Fprintln(os.Stderr, versionLine())

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return runServer(ctx, cfg, withMCP)
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
}

// buildRegistry registers one adapter per supported vendor.
func buildRegistry(cfg config.ProvidersConfig) *provider.Registry {
	opts := func(p config.ProviderConfig) provider.Options {
		return provider.Options{
			BaseURL:      p.BaseURL,
			DefaultModel: p.Model,
			Timeout:      cfg.Timeout,
		}
	}
	return provider.NewRegistry(
		provider.NewOpenAI(opts(cfg.OpenAI)),
		provider.NewAnthropic(opts(cfg.Anthropic)),
		provider.NewGemini(opts(cfg.Gemini)),
	)
}

// buildLimiter returns the limiter for the configured backend and a
// function releasing its resources.
func buildLimiter(ctx context.Context, cfg config.RateLimitConfig) (*ratelimit.Limiter, func() error, error) {
	logOpt := ratelimit.WithLogger(slog.Default().With("component", "ratelimit"))
	switch cfg.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, redisDialTimeout)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("connecting to redis at %s: %w", cfg.RedisAddr, err)
		}
		slog.Info("rate limiter using redis", "addr", cfg.RedisAddr)
		store := ratelimit.NewRedisStore(rdb, redisKeyPrefix)
		return ratelimit.New(store, cfg.Budget, cfg.Window, logOpt), rdb.Close, nil
	default:
		store := ratelimit.NewMemoryStore(cfg.MaxEntries)
		return ratelimit.New(store, cfg.Budget, cfg.Window, logOpt), func() error { return nil }, nil
	}
}

func buildRelay(cfg config.Config, rec relay.UsageRecorder) *relay.Relay {
	return relay.New(buildRegistry(cfg.Providers), composer.New(cfg.Chat.HistoryLimit), relay.Options{
		DefaultProvider: cfg.Providers.Default,
		Credentials:     cfg.Providers.APIKey,
		Timeout:         cfg.Providers.Timeout,
		Recorder:        rec,
	})
}

func runServer(ctx context.Context, cfg config.Config, withMCP bool) error {
	catalog, err := persona.Builtin()
	if err != nil {
		return fmt.Errorf("loading friends: %w", err)
	}

	var (
		store    *storage.Store
		recorder *usage.Recorder
		rec      relay.UsageRecorder
		summary  api.UsageSummarizer
	)
	if cfg.Storage.Enabled {
		store, err = storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				slog.Warn("closing storage", "error", err)
			}
		}()
		recorder = usage.NewRecorder(store, 0, time.Duration(cfg.Storage.RetentionDays)*24*time.Hour)
		rec, summary = recorder, store
	}

	limiter, closeLimiter, err := buildLimiter(ctx, cfg.RateLimit)
	if err != nil {
		return err
	}
	defer closeLimiter()

	rl := buildRelay(cfg, rec)
	for _, name := range rl.Providers() {
		if cfg.Providers.APIKey(name) == "" {
			slog.Warn("no API key configured; requests need X-API-Key", "provider", name)
		}
	}

	handler := api.NewChatHandler(api.ChatDeps{
		Relay:            rl,
		Limiter:          limiter,
		Catalog:          catalog,
		MaxMessageLength: cfg.Chat.MaxMessageLength,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if cfg.Server.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConnections)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.RequestTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("friendineed listening", "addr", ln.Addr().String(), "default_provider", rl.DefaultProvider())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if recorder != nil {
		g.Go(func() error {
			recorder.Run(gctx)
			if n := recorder.Dropped(); n > 0 {
				slog.Warn("usage records dropped", "count", n)
			}
			return nil
		})
	}

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Catalog: catalog,
			Relay:   rl,
			Usage:   summary,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		g.Go(func() error {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("MCP stdio server: %w", err)
			}
			return nil
		})
		slog.Info("MCP server started (stdio transport)")
	}

	return g.Wait()
}
