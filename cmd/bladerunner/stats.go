package main

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/martinemde/bladerunner/evaluation"
	"github.com/martinemde/bladerunner/sessions"
	"github.com/martinemde/bladerunner/usage"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show tool reliability, memory, evaluation and token usage",
	Args:  cobra.NoArgs,
	RunE:  showStats,
}

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Manage the episodic memory",
}

var memoryClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Forget every stored solution",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := openMemory().Clear(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Memory cleared")
		return nil
	},
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Manage evaluation metrics",
}

var metricsExportCmd = &cobra.Command{
	Use:   "export [path]",
	Short: "Write the evaluation summary and history as JSON",
	Long: `Writes the evaluation summary and every recorded task to path, or to
export_<unix time>.json in the metrics directory when path is omitted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		}
		written, err := openEvaluator().Export(path)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Metrics exported to %s\n", written)
		return nil
	},
}

var metricsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every recorded task",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := openEvaluator().Clear(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Metrics cleared")
		return nil
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect saved session transcripts",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, most recently updated first",
	Args:  cobra.NoArgs,
	RunE:  listSessions,
}

func init() {
	memoryCmd.AddCommand(memoryClearCmd)
	metricsCmd.AddCommand(metricsExportCmd)
	metricsCmd.AddCommand(metricsClearCmd)
	sessionsCmd.AddCommand(sessionsListCmd)
}

func showStats(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	tr := openTracker()
	if ranking := tr.RankingSummary(); ranking != "" {
		fmt.Fprintln(out, ranking)
	} else {
		fmt.Fprintln(out, "No tool statistics yet.")
	}
	if rec, ok := tr.Recommendation(); ok {
		fmt.Fprintln(out, rec)
	}
	health := tr.Health()
	if len(health) > 0 {
		tools := make([]string, 0, len(health))
		for tool := range health {
			tools = append(tools, tool)
		}
		sort.Strings(tools)
		fmt.Fprintln(out, "\nTool Health:")
		for _, tool := range tools {
			fmt.Fprintf(out, "  %s: %s\n", tool, health[tool])
		}
	}

	mem := openMemory()
	fmt.Fprintf(out, "\nMemory: %d solutions\n", mem.Len())
	for _, tc := range mem.Stats() {
		fmt.Fprintf(out, "  %s: %d solutions\n", tc.Tool, tc.Solutions)
	}

	fmt.Fprintln(out, "\n"+evaluation.Report(openEvaluator().Summary()))

	if cfg.Usage.Enabled {
		writeUsage(out, cfg.Usage.Path)
	}
	return nil
}

// writeUsage prints all-time token totals per model. A missing or broken
// ledger is reported in the log, not as a command failure.
func writeUsage(out io.Writer, path string) {
	store, err := usage.NewStore(path, logger)
	if err != nil {
		logger.Warn("usage ledger unavailable", zap.String("path", path), zap.Error(err))
		return
	}
	defer store.Close()

	total, err := store.Summary(time.Time{}, time.Time{})
	if err != nil {
		logger.Warn("usage summary failed", zap.Error(err))
		return
	}
	fmt.Fprintf(out, "\nToken Usage: %d requests, %d input, %d output\n",
		total.TotalRecords, total.TotalInputTokens, total.TotalOutputTokens)

	byModel, err := store.SummaryByModel(time.Time{}, time.Time{})
	if err != nil {
		logger.Warn("usage summary by model failed", zap.Error(err))
		return
	}
	models := make([]string, 0, len(byModel))
	for m := range byModel {
		models = append(models, m)
	}
	sort.Strings(models)
	for _, m := range models {
		s := byModel[m]
		fmt.Fprintf(out, "  %s: %d requests, %d input, %d output\n",
			m, s.TotalRecords, s.TotalInputTokens, s.TotalOutputTokens)
	}
}

func listSessions(cmd *cobra.Command, args []string) error {
	mgr, err := sessions.NewManager(cfg.Sessions.Directory)
	if err != nil {
		return err
	}
	infos, err := mgr.List()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(infos) == 0 {
		fmt.Fprintln(out, "No sessions found")
		return nil
	}
	fmt.Fprintln(out, "Available sessions:")
	for _, info := range infos {
		fmt.Fprintf(out, "  %s: %d messages (updated: %s)\n",
			info.ID, info.MessageCount, info.Updated.Format(time.RFC3339))
	}
	return nil
}
