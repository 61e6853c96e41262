package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/martinemde/bladerunner/agentloop"
	"github.com/martinemde/bladerunner/config"
	"github.com/martinemde/bladerunner/permissions"
	"github.com/martinemde/bladerunner/safety"
	"github.com/martinemde/bladerunner/sessions"
	"github.com/martinemde/bladerunner/unifiedllm"
	"github.com/martinemde/bladerunner/usage"
)

// runFlags holds the flags of the run command.
type runFlags struct {
	model         string
	profile       string
	noPermissions bool
	session       string
	continueLast  bool
	newSession    bool
	stream        bool
	noPlanning    bool
	noReflection  bool
	noRetry       bool
}

var runOpts runFlags

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Run one task through the agent loop",
	Long: `Sends the prompt to the configured model and executes the tool calls it
makes until it answers, the iteration budget runs out, or the run is
interrupted with Ctrl-C.

Examples:
  bladerunner run "add a test for the parser"
  bladerunner run --model sonnet --profile strict "explain main.go"
  bladerunner run --continue "now fix the failing case"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTask,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runOpts.model, "model", "", "Model alias or full model name (default from config)")
	f.StringVar(&runOpts.profile, "profile", "", "Permission profile: permissive, standard or strict")
	f.BoolVar(&runOpts.noPermissions, "no-permissions", false, "Disable permission profile checks")
	f.StringVar(&runOpts.session, "session", "", "Resume or create the named session")
	f.BoolVar(&runOpts.continueLast, "continue", false, "Continue the most recent session")
	f.BoolVar(&runOpts.newSession, "new-session", false, "Always start a new session")
	f.BoolVar(&runOpts.stream, "stream", false, "Stream response text as it arrives")
	f.BoolVar(&runOpts.noPlanning, "no-planning", false, "Skip the planning request")
	f.BoolVar(&runOpts.noReflection, "no-reflection", false, "Skip reflection on failed tool calls")
	f.BoolVar(&runOpts.noRetry, "no-retry", false, "Run each tool call once")
}

func runTask(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	prompt := strings.Join(args, " ")
	alias := cfg.Model
	if runOpts.model != "" {
		alias = runOpts.model
	}

	client, closeClient, err := buildClient(cfg, alias)
	if err != nil {
		return err
	}
	defer closeClient()

	opts, err := buildOptions(cfg, runOpts, alias, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	opts.Client = client
	if opts.EnableStreaming {
		out := cmd.OutOrStdout()
		opts.OnDelta = func(delta string) { fmt.Fprint(out, delta) }
	}

	session, err := agentloop.NewSession(opts)
	if err != nil {
		return err
	}
	defer session.Close()
	go drainEvents(session.Events())

	if opts.SessionID != "" && !runOpts.newSession {
		history, err := opts.Sessions.Load(opts.SessionID)
		if err != nil {
			return fmt.Errorf("load session %s: %w", opts.SessionID, err)
		}
		if len(history) > 0 {
			session.LoadHistory(history)
			fmt.Fprintf(cmd.ErrOrStderr(), "Resumed session: %s (%d messages)\n", opts.SessionID, len(history))
		}
	}

	logger.Info("running task",
		zap.String("model", session.Model()),
		zap.String("session_id", opts.SessionID))
	result := session.Run(ctx, prompt)
	if opts.EnableStreaming {
		fmt.Fprintln(cmd.OutOrStdout())
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), result)
	}
	if summary := session.Summary(); summary != "" && verbose {
		fmt.Fprintln(cmd.ErrOrStderr(), "\n"+summary)
	}
	return nil
}

// buildClient wires the backend adapter for alias into a client, adding
// the usage ledger when enabled. The returned func releases both.
func buildClient(cfg *config.Config, alias string) (*unifiedllm.Client, func(), error) {
	settings := cfg.ModelSettings(alias)
	backendName, backend := cfg.BackendFor(alias)
	adapter, err := unifiedllm.NewBackendAdapter(
		unifiedllm.Backend{Name: backendName, BaseURL: backend.BaseURL, APIKeyEnv: backend.APIKeyEnv},
		unifiedllm.WithModel(cfg.ResolveModel(alias)),
		unifiedllm.WithMaxTokens(settings.MaxTokens),
		unifiedllm.WithTemperature(settings.Temperature),
	)
	if err != nil {
		return nil, nil, err
	}

	clientOpts := []unifiedllm.ClientOption{
		unifiedllm.WithProvider(backendName, adapter),
		unifiedllm.WithDefaultProvider(backendName),
	}
	var ledger *usage.Store
	if cfg.Usage.Enabled {
		ledger, err = usage.NewStore(cfg.Usage.Path, logger)
		if err != nil {
			logger.Warn("usage ledger unavailable", zap.String("path", cfg.Usage.Path), zap.Error(err))
		} else {
			clientOpts = append(clientOpts,
				unifiedllm.WithMiddleware(ledger.Middleware()),
				unifiedllm.WithStreamMiddleware(ledger.StreamMiddleware()))
		}
	}

	client := unifiedllm.NewClient(clientOpts...)
	closeFn := func() {
		if err := client.Close(); err != nil {
			logger.Debug("close client", zap.Error(err))
		}
		if ledger != nil {
			if err := ledger.Close(); err != nil {
				logger.Debug("close usage ledger", zap.Error(err))
			}
		}
	}
	return client, closeFn, nil
}

// buildOptions turns config and flags into session options. The client is
// left for the caller.
func buildOptions(cfg *config.Config, flags runFlags, alias string, prompts io.Writer) (agentloop.Options, error) {
	agent := cfg.Agent
	settings := cfg.ModelSettings(alias)
	temperature := settings.Temperature

	opts := agentloop.Options{
		Model:                cfg.ResolveModel(alias),
		Temperature:          &temperature,
		MaxTokens:            settings.MaxTokens,
		EnablePlanning:       agent.EnablePlanning && !flags.noPlanning,
		EnableReflection:     agent.EnableReflection && !flags.noReflection,
		EnableRetry:          agent.EnableRetry && !flags.noRetry,
		EnableStreaming:      agent.EnableStreaming || flags.stream,
		EnableAgentSelection: agent.EnableAgentSelection,
		MaxIterations:        agent.MaxIterations,
		ToolTimeout:          agent.ToolTimeout,
		Logger:               logger,
	}

	if agent.EnableToolTracking {
		opts.Tracker = openTracker()
	}
	if agent.EnableMemory {
		opts.Memory = openMemory()
	}
	if agent.EnableEvaluation {
		opts.Evaluator = openEvaluator()
	}

	prompter := safety.NewTerminalPrompter(os.Stdin, prompts)
	var approver *safety.Approver
	if agent.RequireApproval {
		approver = safety.NewApprover(nil, prompter, logger)
	}
	var profile *permissions.Profile
	if cfg.Permissions.Enabled && !flags.noPermissions {
		name := cfg.Permissions.Profile
		if flags.profile != "" {
			name = flags.profile
		}
		profile = permissions.Lookup(name)
	}
	opts.Gate = agentloop.NewGate(approver, profile, prompter, logger)

	if cfg.Sessions.Enabled {
		mgr, err := sessions.NewManager(cfg.Sessions.Directory)
		if err != nil {
			return opts, err
		}
		id, err := pickSession(mgr, flags, prompts)
		if err != nil {
			return opts, err
		}
		opts.Sessions = mgr
		opts.SessionID = id
	}
	return opts, nil
}

// pickSession resolves the transcript to append to: an explicit session,
// the latest one with --continue, or a fresh one.
func pickSession(mgr *sessions.Manager, flags runFlags, notices io.Writer) (string, error) {
	if !flags.newSession {
		if flags.continueLast {
			id, ok, err := mgr.Latest()
			if err != nil {
				return "", fmt.Errorf("find latest session: %w", err)
			}
			if ok {
				return id, nil
			}
			fmt.Fprintln(notices, "No previous session found, creating new session")
		} else if flags.session != "" {
			exists, err := mgr.Exists(flags.session)
			if err != nil {
				return "", fmt.Errorf("find session %s: %w", flags.session, err)
			}
			if exists {
				return flags.session, nil
			}
		}
	}
	name := ""
	if !flags.newSession && !flags.continueLast {
		name = flags.session
	}
	id, err := mgr.Create(name)
	if err != nil {
		return "", err
	}
	fmt.Fprintf(notices, "Created session: %s\n", id)
	return id, nil
}

// drainEvents logs session events at debug level until the channel closes.
func drainEvents(events <-chan agentloop.SessionEvent) {
	for ev := range events {
		logger.Debug("session event",
			zap.String("kind", string(ev.Kind)),
			zap.String("task_id", ev.TaskID),
			zap.Any("data", ev.Data))
	}
}
