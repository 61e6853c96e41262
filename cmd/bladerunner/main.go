// Command bladerunner runs the agent loop from the terminal.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/martinemde/bladerunner/config"
	"github.com/martinemde/bladerunner/evaluation"
	"github.com/martinemde/bladerunner/memory"
	"github.com/martinemde/bladerunner/tracker"
)

var (
	// Global flags
	verbose    bool
	configPath string

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "bladerunner",
	Short: "A conversational coding agent with guarded tools",
	Long: `bladerunner sends a task to a language model and lets it call local
tools (Read, Write, Edit, Bash, Grep, Glob) until it produces an answer.

Critical commands and file writes ask for approval, permission profiles
decide what each tool may touch, and every run feeds the tool tracker,
the episodic memory and the evaluator under the data directory.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		logger, err = config.NewLogger(cfg.LogLevel, verbose)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(memoryCmd)
	rootCmd.AddCommand(metricsCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Store locations under the data directory.
func trackerDir() string { return cfg.DataDir }
func memoryDir() string  { return cfg.DataDir }
func metricsDir() string { return filepath.Join(cfg.DataDir, "metrics") }

func openTracker() *tracker.Tracker        { return tracker.New(trackerDir(), logger) }
func openMemory() *memory.Store            { return memory.New(memoryDir(), logger) }
func openEvaluator() *evaluation.Evaluator { return evaluation.New(metricsDir(), logger) }
