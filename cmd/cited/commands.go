package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nlowen/cited/internal/api"
	"github.com/nlowen/cited/internal/config"
)

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question against the loaded evidence",
	Long: `Ask a question against the loaded evidence.

Examples:
  cited ask "how long is the warranty?"
  cited ask --timeout 120 "summarize the refund policy"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")
		timeout, _ := cmd.Flags().GetFloat64("timeout")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/chat", api.ChatRequest{
			Message:  question,
			TimeoutS: timeout,
		})
		if err != nil {
			return err
		}

		var result api.ChatResponse
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		fmt.Println(result.Answer)
		if len(result.Citations) > 0 {
			fmt.Println()
			fmt.Println(colorize(colorBold, "Sources:"))
			for i, c := range result.Citations {
				line := fmt.Sprintf("[%d] %s", i+1, c.Source)
				if c.Title != "" {
					line += " — " + c.Title
				}
				if c.Page > 0 {
					line += fmt.Sprintf(" (p. %d)", c.Page)
				}
				fmt.Println(line)
			}
		}
		if result.Cached {
			printStep("served from cache (%dms)", result.LatencyMs)
		}
		return nil
	},
}

// --- load ---

var loadCmd = &cobra.Command{
	Use:   "load <file.jsonl>",
	Short: "Load pre-chunked evidence fragments from a JSONL file",
	Long: `Load pre-chunked evidence fragments from a JSONL file.

Each line is one fragment:
  {"source": "manual.pdf", "title": "Manual", "page": 3, "text": "..."}

Fragments without an "embedding" field are embedded in the background.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening file: %w", err)
		}
		defer f.Close()

		var fragments []api.FragmentInput
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var frag api.FragmentInput
			if err := json.Unmarshal([]byte(line), &frag); err != nil {
				return fmt.Errorf("line %d: %w", lineNo, err)
			}
			fragments = append(fragments, frag)
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("reading file: %w", err)
		}
		if len(fragments) == 0 {
			return fmt.Errorf("no fragments in %s", args[0])
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/fragments", api.LoadFragmentsRequest{Fragments: fragments})
		if err != nil {
			return err
		}

		var result struct {
			Loaded int `json:"loaded"`
			Queued int `json:"queued"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Loaded %d fragments (%d queued for embedding)", result.Loaded, result.Queued)
		return nil
	},
}

// --- interactions ---

var interactionsCmd = &cobra.Command{
	Use:   "interactions",
	Short: "List recently answered questions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/v1/interactions?limit=%d", limit))
		if err != nil {
			return err
		}

		var result struct {
			Interactions []struct {
				ID        string `json:"id"`
				CreatedAt string `json:"created_at"`
				Question  string `json:"question"`
				Cached    bool   `json:"cached"`
				LatencyMs int64  `json:"latency_ms"`
			} `json:"interactions"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Interactions) == 0 {
			fmt.Println("no interactions yet")
			return nil
		}
		for _, i := range result.Interactions {
			marker := " "
			if i.Cached {
				marker = colorize(colorCyan, "⚡")
			}
			fmt.Printf("%s %s  %s (%dms)\n", marker, i.CreatedAt, i.Question, i.LatencyMs)
		}
		return nil
	},
}

// --- cache ---

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and manage the semantic response cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/cache/stats")
		if err != nil {
			return err
		}

		var stats struct {
			Entries   int     `json:"entries"`
			Lookups   int64   `json:"lookups"`
			Hits      int64   `json:"hits"`
			Threshold float64 `json:"threshold"`
			MaxSize   int     `json:"max_size"`
		}
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}

		printStatus("Entries", "%d / %d", stats.Entries, stats.MaxSize)
		printStatus("Lookups", "%d", stats.Lookups)
		printStatus("Hits", "%d", stats.Hits)
		if stats.Lookups > 0 {
			printStatus("Hit rate", "%.1f%%", float64(stats.Hits)/float64(stats.Lookups)*100)
		}
		printStatus("Threshold", "%.2f", stats.Threshold)
		return nil
	},
}

var cacheFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Discard all cached answers",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/v1/cache")
		if err != nil {
			return err
		}

		var result map[string]any
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Cache flushed")
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configShowCmd = &cobra.Command{
	Use:     "show",
	Aliases: []string{"list"},
	Short:   "Show all configuration values",
	RunE: func(cmd *cobra.Command, args []string) error {
		backend, err := config.NewFileBackend()
		if err != nil {
			return err
		}
		all, err := config.ShowAll(backend)
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(all))
		for k := range all {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("%s = %s\n", k, all[k])
		}
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Show one configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		backend, err := config.NewFileBackend()
		if err != nil {
			return err
		}
		v, err := config.GetKey(backend, args[0])
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		backend, err := config.NewFileBackend()
		if err != nil {
			return err
		}
		if err := config.SetKey(backend, args[0], args[1]); err != nil {
			return err
		}
		printSuccess("%s = %s", args[0], args[1])
		return nil
	},
}

func init() {
	askCmd.Flags().Float64("timeout", 0, "time budget in seconds (default 60)")
	interactionsCmd.Flags().Int("limit", 20, "maximum interactions to list")

	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheFlushCmd)

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
}
