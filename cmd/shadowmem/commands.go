package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/avansa/shadowmem/internal/config"
)

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search memories",
	Long: `Search memories with fused vector, keyword, and fuzzy matching.

Examples:
  shadowmem search "postgres connection pooling"
  shadowmem search --category decisions "API versioning"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")
		category, _ := cmd.Flags().GetString("category")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		params := url.Values{}
		params.Set("q", query)
		params.Set("limit", strconv.Itoa(limit))
		if category != "" {
			params.Set("category", category)
		}

		resp, err := client.get(cmd.Context(), "/search?"+params.Encode())
		if err != nil {
			return err
		}

		var results []struct {
			ID       int64    `json:"id"`
			Title    string   `json:"title"`
			Category string   `json:"category"`
			Tags     string   `json:"tags"`
			Excerpt  string   `json:"excerpt"`
			AgeDays  float64  `json:"age_days"`
			Score    float64  `json:"score"`
			Signals  []string `json:"signals"`
		}
		if err := decodeJSON(resp, &results); err != nil {
			return err
		}

		if len(results) == 0 {
			fmt.Println("No results found.")
			return nil
		}

		for _, r := range results {
			header := fmt.Sprintf("#%d", r.ID)
			if r.Title != "" {
				header += " " + r.Title
			}
			fmt.Printf("\n%s [%s, score %.4f, %s]\n",
				colorize(colorBold, header),
				r.Category,
				r.Score,
				strings.Join(r.Signals, "+"),
			)
			if r.Tags != "" && r.Tags != "[]" {
				fmt.Printf("  Tags: %s\n", r.Tags)
			}
			fmt.Printf("  %s\n", r.Excerpt)
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", 5, "maximum number of results")
	searchCmd.Flags().String("category", "", "restrict results to a category")
}

// --- memory ---

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Manage individual memories",
}

var memoryAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Store a new memory",
	Long: `Store a new memory.

Examples:
  shadowmem memory add --content "We chose chi over gin for routing" --category decisions
  shadowmem memory add --file ./notes.md --title "Sprint notes" --tags planning,sprint-12`,
	RunE: func(cmd *cobra.Command, args []string) error {
		content, _ := cmd.Flags().GetString("content")
		file, _ := cmd.Flags().GetString("file")
		title, _ := cmd.Flags().GetString("title")
		category, _ := cmd.Flags().GetString("category")
		tagsStr, _ := cmd.Flags().GetString("tags")

		if content == "" && file == "" {
			return fmt.Errorf("one of --content or --file is required")
		}
		if file != "" {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			content = string(data)
			if title == "" {
				title = file
			}
		}

		req := map[string]any{"content": content}
		if title != "" {
			req["title"] = title
		}
		if category != "" {
			req["category"] = category
		}
		if tags := splitTags(tagsStr); tags != nil {
			req["tags"] = tags
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/records", req)
		if err != nil {
			return err
		}

		var result map[string]int64
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Stored memory #%d", result["id"])
		return nil
	},
}

var memoryShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single memory as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/records/"+args[0])
		if err != nil {
			return err
		}

		var record any
		if err := decodeJSON(resp, &record); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(record)
	},
}

var memoryUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Update fields of a memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := map[string]any{}
		for _, name := range []string{"title", "content", "category"} {
			if cmd.Flags().Changed(name) {
				v, _ := cmd.Flags().GetString(name)
				req[name] = v
			}
		}
		if cmd.Flags().Changed("tags") {
			tagsStr, _ := cmd.Flags().GetString("tags")
			tags := splitTags(tagsStr)
			if tags == nil {
				tags = []string{}
			}
			req["tags"] = tags
		}
		if len(req) == 0 {
			return fmt.Errorf("nothing to update; pass at least one of --title, --content, --category, --tags")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.patch(cmd.Context(), "/records/"+args[0], req)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Updated memory #%s", args[0])
		return nil
	},
}

var memoryDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Soft-delete a memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/records/"+args[0])
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted memory #%s (restorable until the retention window closes)", args[0])
		return nil
	},
}

var memoryRestoreCmd = &cobra.Command{
	Use:   "restore <id>",
	Short: "Restore a soft-deleted memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/records/"+args[0]+"/restore", nil)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Restored memory #%s", args[0])
		return nil
	},
}

func init() {
	memoryAddCmd.Flags().String("content", "", "memory content")
	memoryAddCmd.Flags().String("file", "", "file to read content from")
	memoryAddCmd.Flags().String("title", "", "memory title")
	memoryAddCmd.Flags().String("category", "", "memory category")
	memoryAddCmd.Flags().String("tags", "", "comma-separated tags")

	memoryUpdateCmd.Flags().String("title", "", "new title")
	memoryUpdateCmd.Flags().String("content", "", "new content")
	memoryUpdateCmd.Flags().String("category", "", "new category")
	memoryUpdateCmd.Flags().String("tags", "", "comma-separated tags (replaces the existing set)")

	memoryCmd.AddCommand(memoryAddCmd)
	memoryCmd.AddCommand(memoryShowCmd)
	memoryCmd.AddCommand(memoryUpdateCmd)
	memoryCmd.AddCommand(memoryDeleteCmd)
	memoryCmd.AddCommand(memoryRestoreCmd)
}

// --- context ---

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Manage always-available context rows",
}

var contextListCmd = &cobra.Command{
	Use:   "list",
	Short: "List context rows in injection order",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/context-rows")
		if err != nil {
			return err
		}

		var rows []struct {
			Key      string `json:"key"`
			Content  string `json:"content"`
			Priority int    `json:"priority"`
			Always   bool   `json:"always"`
		}
		if err := decodeJSON(resp, &rows); err != nil {
			return err
		}

		if len(rows) == 0 {
			fmt.Println("No context rows configured.")
			return nil
		}

		for _, row := range rows {
			marker := ""
			if row.Always {
				marker = " [always]"
			}
			fmt.Printf("%s (priority %d)%s\n", colorize(colorBold, row.Key), row.Priority, marker)
			content := row.Content
			if len(content) > 200 {
				content = content[:200] + "..."
			}
			fmt.Printf("  %s\n", content)
		}
		return nil
	},
}

var contextSetCmd = &cobra.Command{
	Use:   "set <key>",
	Short: "Create or replace a context row",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, _ := cmd.Flags().GetString("content")
		priority, _ := cmd.Flags().GetInt("priority")
		always, _ := cmd.Flags().GetBool("always")

		if content == "" {
			return fmt.Errorf("--content is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{
			"content":  content,
			"priority": priority,
			"always":   always,
		}
		resp, err := client.put(cmd.Context(), "/context-rows/"+url.PathEscape(args[0]), req)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Set context row %q", args[0])
		return nil
	},
}

var contextRemoveCmd = &cobra.Command{
	Use:   "remove <key>",
	Short: "Remove a context row",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/context-rows/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Removed context row %q", args[0])
		return nil
	},
}

var contextRenderCmd = &cobra.Command{
	Use:   "render",
	Short: "Render the context block a session would receive",
	RunE: func(cmd *cobra.Command, args []string) error {
		model, _ := cmd.Flags().GetString("model")
		session, _ := cmd.Flags().GetString("session")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]string{"model": model, "session": session}
		resp, err := client.post(cmd.Context(), "/session-context", req)
		if err != nil {
			return err
		}

		var result struct {
			Content   string `json:"content"`
			Refreshed bool   `json:"refreshed"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.Content == "" {
			fmt.Println("(no context for this turn)")
			return nil
		}
		fmt.Println(result.Content)
		return nil
	},
}

func init() {
	contextSetCmd.Flags().String("content", "", "row content")
	contextSetCmd.Flags().Int("priority", 100, "injection priority (lower injects first)")
	contextSetCmd.Flags().Bool("always", false, "inject every turn regardless of mode")

	contextRenderCmd.Flags().String("model", "default", "model identifier for budget selection")
	contextRenderCmd.Flags().String("session", "cli", "session identifier")

	contextCmd.AddCommand(contextListCmd)
	contextCmd.AddCommand(contextSetCmd)
	contextCmd.AddCommand(contextRemoveCmd)
	contextCmd.AddCommand(contextRenderCmd)
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show memory store statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/stats")
		if err != nil {
			return err
		}

		var stats struct {
			ActiveRecords  int            `json:"active_records"`
			DeletedRecords int            `json:"deleted_records"`
			WithEmbedding  int            `json:"with_embedding"`
			ByCategory     map[string]int `json:"by_category"`
		}
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}

		printStatus("Active memories", "%d", stats.ActiveRecords)
		printStatus("Deleted (restorable)", "%d", stats.DeletedRecords)
		printStatus("With embedding", "%d", stats.WithEmbedding)
		for category, count := range stats.ByCategory {
			printStatus("  "+category, "%d", count)
		}
		return nil
	},
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

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Reset a configuration value to its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}

		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}

func splitTags(s string) []string {
	var tags []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}
