package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/friendineed/internal/config"
	"github.com/kalambet/friendineed/internal/persona"
	"github.com/kalambet/friendineed/internal/storage"
)

// --- friends ---

var friendsCmd = &cobra.Command{
	Use:   "friends",
	Short: "List the AI friends",
	RunE: func(cmd *cobra.Command, args []string) error {
		remote, _ := cmd.Flags().GetBool("remote")

		var friends []persona.Friend
		if remote {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			friends, err = fetchFriends(cmd.Context(), client)
			if err != nil {
				return err
			}
		} else {
			catalog, err := persona.Builtin()
			if err != nil {
				return err
			}
			friends = catalog.All()
		}

		for _, f := range friends {
			fmt.Println(formatFriend(f))
		}
		return nil
	},
}

func init() {
	friendsCmd.Flags().Bool("remote", false, "list the friends served by the running proxy")
}

func fetchFriends(ctx context.Context, client *apiClient) ([]persona.Friend, error) {
	resp, err := client.get(ctx, "/api/friends")
	if err != nil {
		return nil, err
	}
	var friends []persona.Friend
	if err := decodeJSON(resp, &friends); err != nil {
		return nil, err
	}
	return friends, nil
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show proxy health and configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			// Still show partial status even if config fails.
			printWarning("config error: %v", err)
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		printStatus("Server", "%s", serverState(cmd.Context(), client))
		printStatus("Endpoint", "%s", cfg.Client.Endpoint)
		printStatus("Default provider", "%s", cfg.Providers.Default)
		for _, name := range []string{"openai", "anthropic", "gemini"} {
			state := "not set"
			if cfg.Providers.APIKey(name) != "" {
				state = "set"
			}
			printStatus(name+" key", "%s", state)
		}
		printStatus("Rate limit", "%d requests / %s (%s)", cfg.RateLimit.Budget, cfg.RateLimit.Window, cfg.RateLimit.Backend)
		if cfg.Storage.Enabled {
			printStatus("Data dir", "%s", cfg.Storage.DataDir)
		} else {
			printStatus("Usage ledger", "disabled")
		}
		return nil
	},
}

func serverState(ctx context.Context, client *apiClient) string {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	resp, err := client.get(ctx, "/api/health")
	if err != nil {
		return "stopped"
	}
	var health struct {
		Status string `json:"status"`
	}
	if err := decodeJSON(resp, &health); err != nil || health.Status != "OK" {
		return fmt.Sprintf("error (HTTP %d)", resp.StatusCode)
	}
	return "running at " + client.baseURL
}

// --- usage ---

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Summarize recorded provider usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		since, _ := cmd.Flags().GetDuration("since")
		limit, _ := cmd.Flags().GetInt("limit")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		summary, err := store.SummaryByProvider(time.Now().UTC().Add(-since))
		if err != nil {
			return err
		}
		if len(summary) == 0 {
			fmt.Printf("No usage recorded in the last %s.\n", since)
		}
		for _, s := range summary {
			fmt.Println(formatSummary(s))
		}

		if limit <= 0 {
			return nil
		}
		recent, err := store.RecentUsage(limit)
		if err != nil {
			return err
		}
		if len(recent) > 0 {
			fmt.Println()
			fmt.Println(colorize(colorBold, "Recent requests"))
		}
		for _, u := range recent {
			fmt.Println(formatUsage(u))
		}
		return nil
	},
}

func init() {
	usageCmd.Flags().Duration("since", 24*time.Hour, "summarize requests newer than this")
	usageCmd.Flags().Int("limit", 10, "number of recent requests to list")
}

func formatSummary(s storage.ProviderSummary) string {
	return fmt.Sprintf("%-10s %d requests, %d failed, avg %s",
		colorize(colorBold, s.Provider),
		s.Requests,
		s.Failures,
		s.AvgLatency.Round(time.Millisecond),
	)
}

func formatUsage(u storage.UsageRecord) string {
	outcome := colorize(colorGreen, u.Code)
	if u.Code != storage.CodeOK {
		outcome = colorize(colorRed, u.Code)
	}
	return fmt.Sprintf("%s  %s  %-9s %-24s %-20s %s %s",
		colorize(colorCyan, shortID(u.ID)),
		u.CreatedAt.Local().Format(time.DateTime),
		u.Provider,
		u.Model,
		u.PersonaName,
		outcome,
		u.Latency.Round(time.Millisecond),
	)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		fmt.Printf("# %s\n", config.FilePath())
		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
