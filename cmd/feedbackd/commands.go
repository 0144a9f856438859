package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/feedbackd/internal/config"
	"github.com/kalambet/feedbackd/internal/daterange"
	"github.com/kalambet/feedbackd/internal/feedback"
	"github.com/kalambet/feedbackd/internal/pipeline"
)

func addRangeFlags(cmd *cobra.Command) {
	today := daterange.FormatDate(time.Now())
	cmd.Flags().String("from", today, "start date (YYYY-MM-DD)")
	cmd.Flags().String("to", today, "end date (YYYY-MM-DD), inclusive")
	cmd.Flags().Bool("ai", false, "require AI enrichment")
	cmd.Flags().Bool("json", false, "print records as JSON")
	cmd.Flags().Int("limit", 0, "print at most this many records (0 for all)")
}

type rangeFlags struct {
	from, to string
	ai       bool
	asJSON   bool
	limit    int
}

func readRangeFlags(cmd *cobra.Command) (rangeFlags, error) {
	var f rangeFlags
	f.from, _ = cmd.Flags().GetString("from")
	f.to, _ = cmd.Flags().GetString("to")
	f.ai, _ = cmd.Flags().GetBool("ai")
	f.asJSON, _ = cmd.Flags().GetBool("json")
	f.limit, _ = cmd.Flags().GetInt("limit")
	if _, err := daterange.New(f.from, f.to); err != nil {
		return f, err
	}
	return f, nil
}

func writeRecords(w io.Writer, records []feedback.Record, f rangeFlags) error {
	if f.limit > 0 && len(records) > f.limit {
		records = records[:f.limit]
	}
	if f.asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}
	printRecords(w, records)
	return nil
}

// --- query ---

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query feedback from the running server",
	Long: `Query feedback from the running server.

Examples:
  feedbackd query --from 2024-01-01 --to 2024-01-07
  feedbackd query --from 2024-01-01 --to 2024-01-31 --ai --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := readRangeFlags(cmd)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.queryFeedback(cmd.Context(), f.from, f.to, f.ai)
		if err != nil {
			return err
		}

		if err := writeRecords(os.Stdout, resp.Records, f); err != nil {
			return err
		}
		printSuccess("%d records from %s to %s", resp.Count, resp.From, resp.To)
		return nil
	},
}

// --- fetch ---

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch and enrich feedback in-process, without a running server",
	Long: `Fetch and enrich feedback in-process, without a running server.

Records are written to the configured store, so a later server start
answers the same range without going upstream.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := readRangeFlags(cmd)
		if err != nil {
			return err
		}
		rng, _ := daterange.New(f.from, f.to)

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		slog.SetDefault(newLogger(cfg.Log, os.Stderr))

		ctx := cmd.Context()
		a, err := buildApp(ctx, cfg, os.Stderr)
		if err != nil {
			return err
		}
		defer a.store.Close()

		writerCtx, stopWriter := context.WithCancel(context.Background())
		defer stopWriter()
		go a.writer.Run(writerCtx)

		printStep("Fetching %s (ai=%v)", rng, f.ai && a.service.AIEnabled())
		records, err := a.service.Query(ctx, rng.From, rng.To, f.ai,
			pipeline.WithProgress(func(p pipeline.Progress) {
				fmt.Fprintf(os.Stderr, "\r%s", progressLine(p.Stage, p.Done, p.Total))
				if p.Done == p.Total {
					fmt.Fprintln(os.Stderr)
				}
			}),
		)
		if err != nil {
			return err
		}

		stopWriter()
		<-a.writer.Done()

		if err := writeRecords(os.Stdout, records, f); err != nil {
			return err
		}
		printSuccess("%d records from %s", len(records), rng)
		return nil
	},
}

func init() {
	addRangeFlags(queryCmd)
	addRangeFlags(fetchCmd)
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show feedbackd server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			printError("config error: %v", err)
			return nil
		}
		return showStatus(cmd.Context(), client)
	},
}

func showStatus(ctx context.Context, client *apiClient) error {
	h, err := client.health(ctx)
	if err != nil {
		printStatus("Server", "stopped")
		return nil
	}
	printStatus("Server", "%s (version %s)", h.Status, h.Version)
	printStatus("AI", "%s", enabledLabel(h.AI))
	if h.Store != "" {
		printStatus("Store", "%s", h.Store)
	}

	stats, err := client.cacheStats(ctx)
	if err != nil {
		printWarning("cache stats unavailable: %v", err)
		return nil
	}
	for _, s := range stats {
		printStatus("Cache "+s.Name, "%d/%d entries, %s", s.Size, s.Capacity, hitRateLabel(s.Hits, s.Misses))
	}
	return nil
}

func enabledLabel(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
}

func hitRateLabel(hits, misses int64) string {
	total := hits + misses
	if total == 0 {
		return "no lookups"
	}
	return fmt.Sprintf("%.0f%% hit rate (%d/%d)", float64(hits)*100/float64(total), hits, total)
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

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List settable configuration keys",
	Run: func(cmd *cobra.Command, args []string) {
		for _, k := range config.ValidKeys() {
			fmt.Println(k)
		}
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configKeysCmd)
}
