package agentloop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/martinemde/bladerunner/evaluation"
	"github.com/martinemde/bladerunner/memory"
	"github.com/martinemde/bladerunner/router"
	"github.com/martinemde/bladerunner/sessions"
	"github.com/martinemde/bladerunner/tracker"
	"github.com/martinemde/bladerunner/unifiedllm"
)

const (
	DefaultMaxIterations = 50
	DefaultToolTimeout   = 30 * time.Second

	planTemperature       = 0.3
	planMaxTokens         = 500
	reflectionTemperature = 0.5
	reflectionMaxTokens   = 300
)

// Loop results that are not model answers.
const (
	InterruptedResult = "\nInterrupted by user"
	interruptedError  = "Interrupted by user"
	maxIterationsErr  = "Max iterations reached"
)

// Options configures a Session. Nil stores disable the feature they back.
type Options struct {
	Client unifiedllm.Completer
	Model  string

	// Temperature and MaxTokens apply to the main agent requests when set.
	Temperature *float64
	MaxTokens   int

	Registry *ToolRegistry
	Env      ExecutionEnvironment
	Gate     *Gate

	Tracker   *tracker.Tracker
	Memory    *memory.Store
	Evaluator *evaluation.Evaluator

	Sessions  *sessions.Manager
	SessionID string

	EnablePlanning       bool
	EnableReflection     bool
	EnableRetry          bool
	EnableStreaming      bool
	EnableAgentSelection bool

	MaxIterations int
	ToolTimeout   time.Duration

	// Sleep waits between retries. It must return early with ctx.Err()
	// when ctx ends.
	Sleep func(ctx context.Context, d time.Duration) error

	// OnDelta receives streamed text as it arrives.
	OnDelta func(string)

	EventBuffer int
	Logger      *zap.Logger
}

// Session runs tasks through the agent loop. It keeps the conversation
// across tasks until ClearHistory. Run calls are serialized.
type Session struct {
	run sync.Mutex

	mu       sync.Mutex
	model    string
	messages []unifiedllm.Message

	opts     Options
	client   unifiedllm.Completer
	registry *ToolRegistry
	env      ExecutionEnvironment
	emitter  *EventEmitter
	logger   *zap.Logger

	// Per-task state, owned by the goroutine inside Run.
	taskID string
	path   []string
	spec   router.Specialization
}

// NewSession validates opts and fills in defaults.
func NewSession(opts Options) (*Session, error) {
	if opts.Client == nil {
		return nil, errors.New("agentloop: a completion client is required")
	}
	if opts.Model == "" {
		opts.Model = unifiedllm.ResolveModel(unifiedllm.DefaultModel)
	}
	if opts.Registry == nil {
		opts.Registry = NewToolRegistry()
		if err := RegisterCoreTools(opts.Registry); err != nil {
			return nil, fmt.Errorf("agentloop: register core tools: %w", err)
		}
	}
	if opts.Env == nil {
		opts.Env = NewLocalExecutionEnvironment("")
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.ToolTimeout <= 0 {
		opts.ToolTimeout = DefaultToolTimeout
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Session{
		model:    opts.Model,
		opts:     opts,
		client:   opts.Client,
		registry: opts.Registry,
		env:      opts.Env,
		emitter:  NewEventEmitter(opts.SessionID, opts.EventBuffer),
		logger:   opts.Logger.With(zap.String("component", "agentloop")),
		spec:     router.Lookup(router.RoleGeneral),
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Model returns the model used for subsequent requests.
func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// SetModel switches the model for subsequent requests.
func (s *Session) SetModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model = model
}

// History returns a copy of the conversation.
func (s *Session) History() []unifiedllm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]unifiedllm.Message(nil), s.messages...)
}

// LoadHistory replaces the conversation, typically with a resumed
// transcript. Nothing is persisted.
func (s *Session) LoadHistory(messages []unifiedllm.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append([]unifiedllm.Message(nil), messages...)
}

// ClearHistory empties the conversation.
func (s *Session) ClearHistory() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
}

// ExecutionPath returns the steps recorded for the current or last task.
func (s *Session) ExecutionPath() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.path...)
}

// Events returns the event channel for the host application.
func (s *Session) Events() <-chan SessionEvent {
	return s.emitter.Events()
}

// Close closes the event channel.
func (s *Session) Close() {
	s.emitter.Close()
}

// Summary renders this process's tool counters and the evaluator's
// aggregate report, or "" when neither store is enabled.
func (s *Session) Summary() string {
	var parts []string
	if s.opts.Tracker != nil {
		if sum := s.opts.Tracker.SessionSummary(); sum != "" {
			parts = append(parts, sum)
		}
		if rec, ok := s.opts.Tracker.Recommendation(); ok {
			parts = append(parts, "Recommended tool: "+rec)
		}
	}
	if s.opts.Evaluator != nil {
		parts = append(parts, evaluation.Report(s.opts.Evaluator.Summary()))
	}
	return strings.Join(parts, "\n\n")
}

// Run executes one task and returns the final answer or a user-visible
// status string. It never returns an error: transport failures, panics and
// interrupts all end the task as unsuccessful with a message.
func (s *Session) Run(ctx context.Context, prompt string) (result string) {
	s.run.Lock()
	defer s.run.Unlock()

	s.startTask(prompt)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("agent loop panicked", zap.Any("panic", r), zap.Stack("stack"))
			msg := fmt.Sprint(r)
			s.endTask(false, msg)
			result = "Error: " + msg
		}
	}()

	if s.opts.EnableAgentSelection {
		s.spec = router.Route(prompt)
	} else {
		s.spec = router.Lookup(router.RoleGeneral)
	}
	s.emitter.Emit(EventRouted, map[string]any{"role": string(s.spec.Role), "agent": s.spec.Name})

	memoryContext := ""
	if s.opts.Memory != nil {
		memoryContext = s.opts.Memory.Context(prompt)
	}

	if s.opts.EnablePlanning {
		if plan := s.plan(ctx, prompt); plan != "" {
			s.appendMessage(unifiedllm.AssistantMessage("[Plan]\n" + plan))
			s.emitter.Emit(EventPlan, map[string]any{"plan": plan})
		}
	}
	if ctx.Err() != nil {
		return s.interrupted()
	}
	if memoryContext != "" {
		s.appendMessage(unifiedllm.AssistantMessage(memoryContext))
		s.emitter.Emit(EventMemoryContext, map[string]any{"context": memoryContext})
	}
	s.appendMessage(unifiedllm.UserMessage(prompt))

	for iteration := 1; iteration <= s.opts.MaxIterations; iteration++ {
		if ctx.Err() != nil {
			return s.interrupted()
		}
		if s.opts.Evaluator != nil {
			s.opts.Evaluator.RecordIteration()
		}
		s.emitter.Emit(EventIteration, map[string]any{"iteration": iteration})

		resp, err := s.complete(ctx)
		if err != nil {
			if unifiedllm.IsCanceled(err) || ctx.Err() != nil {
				return s.interrupted()
			}
			s.logger.Error("completion failed", zap.Int("iteration", iteration), zap.Error(err))
			s.emitter.Emit(EventError, map[string]any{"error": err.Error()})
			s.endTask(false, err.Error())
			return "Error: " + err.Error()
		}

		calls := resp.ToolCalls()
		text := resp.Text()
		if len(calls) == 0 {
			s.appendMessage(unifiedllm.AssistantMessage(text))
			s.emitter.Emit(EventAssistantText, map[string]any{"text": text})
			if path := s.ExecutionPath(); s.opts.Memory != nil && len(path) > 0 {
				s.opts.Memory.Store(prompt, path, true)
			}
			s.endTask(true, "")
			return text
		}

		s.appendMessage(unifiedllm.AssistantToolCallMessage(text, calls))
		for _, call := range calls {
			outcome, err := s.dispatch(ctx, call)
			if err != nil {
				return s.interrupted()
			}
			content := TruncateToolOutput(outcome.Text(), call.Name)
			s.appendMessage(unifiedllm.ToolResultMessage(call.ID, content, !outcome.OK))
		}
	}

	s.logger.Warn("iteration budget exhausted", zap.Int("max_iterations", s.opts.MaxIterations))
	s.emitter.Emit(EventWarning, map[string]any{"message": maxIterationsErr})
	s.endTask(false, maxIterationsErr)
	return fmt.Sprintf("Warning: Reached max iterations (%d)", s.opts.MaxIterations)
}

func (s *Session) startTask(prompt string) {
	s.mu.Lock()
	s.path = nil
	model := s.model
	s.mu.Unlock()

	s.taskID = ""
	if s.opts.Evaluator != nil {
		s.taskID = s.opts.Evaluator.StartTask(prompt, model)
	}
	s.emitter.setTask(s.taskID)
	s.emitter.Emit(EventTaskStart, map[string]any{"prompt": prompt, "model": model})
}

func (s *Session) endTask(success bool, errMsg string) {
	if s.opts.Evaluator != nil {
		s.opts.Evaluator.EndTask(success, errMsg)
	}
	data := map[string]any{"success": success}
	if errMsg != "" {
		data["error"] = errMsg
	}
	s.emitter.Emit(EventTaskEnd, data)
}

func (s *Session) interrupted() string {
	s.logger.Info("task interrupted")
	s.endTask(false, interruptedError)
	return InterruptedResult
}

// appendMessage adds msg to the conversation and to the transcript when a
// session is attached. Transcript failures are logged and ignored.
func (s *Session) appendMessage(msg unifiedllm.Message) {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()

	if s.opts.Sessions == nil || s.opts.SessionID == "" {
		return
	}
	if err := s.opts.Sessions.SaveMessage(s.opts.SessionID, msg); err != nil {
		s.logger.Warn("failed to save session message",
			zap.String("session_id", s.opts.SessionID), zap.Error(err))
	}
}

func (s *Session) systemPrompt() string {
	return BuildSystemPrompt(s.spec, s.env, s.Model(), s.registry.Names())
}

// conversation returns the system message followed by the history.
func (s *Session) conversation() []unifiedllm.Message {
	system := s.systemPrompt()
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := make([]unifiedllm.Message, 0, len(s.messages)+1)
	msgs = append(msgs, unifiedllm.SystemMessage(system))
	return append(msgs, s.messages...)
}

func (s *Session) metadata() map[string]string {
	md := map[string]string{}
	if s.opts.SessionID != "" {
		md[unifiedllm.MetadataSession] = s.opts.SessionID
	}
	if s.taskID != "" {
		md[unifiedllm.MetadataTask] = s.taskID
	}
	return md
}

func (s *Session) complete(ctx context.Context) (*unifiedllm.Response, error) {
	req := unifiedllm.Request{
		Model:       s.Model(),
		Messages:    s.conversation(),
		ToolDefs:    s.registry.Definitions(),
		ToolChoice:  &unifiedllm.ToolChoice{Mode: "auto"},
		Temperature: s.opts.Temperature,
		Metadata:    s.metadata(),
	}
	if s.opts.MaxTokens > 0 {
		maxTokens := s.opts.MaxTokens
		req.MaxTokens = &maxTokens
	}

	var (
		resp *unifiedllm.Response
		err  error
	)
	if s.opts.EnableStreaming {
		resp, err = s.stream(ctx, req)
	} else {
		resp, err = s.client.Complete(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	s.recordUsage(resp.Usage)
	return resp, nil
}

func (s *Session) stream(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error) {
	events, err := s.client.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return unifiedllm.CollectStream(ctx, events, func(delta string) {
		s.emitter.Emit(EventAssistantTextDelta, map[string]any{"delta": delta})
		if s.opts.OnDelta != nil {
			s.opts.OnDelta(delta)
		}
	})
}

func (s *Session) recordUsage(u unifiedllm.Usage) {
	if s.opts.Evaluator == nil {
		return
	}
	s.opts.Evaluator.RecordTokens(u.TotalTokens, u.InputTokens, u.OutputTokens)
}

// plan asks for a short numbered plan. Failures are logged and yield "".
func (s *Session) plan(ctx context.Context, prompt string) string {
	text, usage, err := unifiedllm.GenerateText(ctx, s.client, unifiedllm.TextOptions{
		Model:    s.Model(),
		Messages: s.conversation(),
		Prompt: "Create a concise step-by-step plan.\n\nTask: " + prompt +
			"\n\nRespond with a brief numbered plan (3-5 steps). Be concise.",
		Temperature: planTemperature,
		MaxTokens:   planMaxTokens,
		Purpose:     unifiedllm.PurposePlanning,
		Metadata:    s.metadata(),
	})
	if err != nil {
		s.logger.Warn("planning failed", zap.Error(err))
		return ""
	}
	s.recordUsage(usage)
	return text
}
