package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/martinemde/bladerunner/unifiedllm"
)

// RetryPolicy bounds attempts for one tool. Attempt i (0-based) that fails
// with attempts left waits BackoffFactor^i seconds before the next.
type RetryPolicy struct {
	MaxRetries    int
	BackoffFactor float64
}

// Backoff returns the wait after the given failed attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	secs := math.Pow(p.BackoffFactor, float64(attempt))
	return time.Duration(secs * float64(time.Second))
}

// RetryPolicies is the per-tool retry table.
var RetryPolicies = map[string]RetryPolicy{
	ToolBash:    {MaxRetries: 3, BackoffFactor: 2},
	ToolRead:    {MaxRetries: 2, BackoffFactor: 1.5},
	ToolWrite:   {MaxRetries: 2, BackoffFactor: 1.5},
	ToolEdit:    {MaxRetries: 2, BackoffFactor: 1.5},
	"WebSearch": {MaxRetries: 2, BackoffFactor: 2},
}

// DefaultRetryPolicy applies to tools missing from RetryPolicies.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 1, BackoffFactor: 1}

// PolicyFor returns the retry policy for a tool.
func PolicyFor(tool string) RetryPolicy {
	if p, ok := RetryPolicies[tool]; ok {
		return p
	}
	return DefaultRetryPolicy
}

// StepLabel renders an execution-path entry: tool:Name(sorted arg keys).
func StepLabel(tool string, args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Sprintf("tool:%s(%s)", tool, strings.Join(keys, ", "))
}

// dispatch runs one tool call through argument decoding, the gate, and the
// retry loop. A non-nil error means ctx ended and nothing should be
// appended to the conversation.
func (s *Session) dispatch(ctx context.Context, call unifiedllm.ToolCall) (ToolOutcome, error) {
	s.emitter.Emit(EventToolCallStart, map[string]any{"tool": call.Name, "call_id": call.ID})

	args, err := ParseToolArguments(call.Arguments)
	if err != nil {
		out := Failure(KindInvalidArguments, "Invalid JSON arguments: %v", err)
		s.emitToolEnd(call, out)
		return out, nil
	}

	tool, known := s.registry.Get(call.Name)
	if known {
		if denied, ok := s.opts.Gate.Check(ctx, s.env, tool, args); !ok {
			if ctx.Err() != nil {
				return ToolOutcome{}, ctx.Err()
			}
			s.emitter.Emit(EventToolDenied, map[string]any{"tool": call.Name, "reason": denied.Message})
			s.emitToolEnd(call, denied)
			return denied, nil
		}
	}

	out, err := s.executeWithRetry(ctx, call.Name, tool, known, args)
	if err != nil {
		return ToolOutcome{}, err
	}
	s.emitToolEnd(call, out)
	return out, nil
}

func (s *Session) emitToolEnd(call unifiedllm.ToolCall, out ToolOutcome) {
	data := map[string]any{"tool": call.Name, "call_id": call.ID, "ok": out.OK, "output": out.Text()}
	if !out.OK {
		data["kind"] = string(out.Kind)
	}
	s.emitter.Emit(EventToolCallEnd, data)
}

// executeWithRetry attempts the tool up to its policy's limit. Between
// attempts it optionally reflects and then backs off; after the last
// attempt the final outcome is returned as is.
func (s *Session) executeWithRetry(ctx context.Context, name string, tool Tool, known bool, args map[string]any) (ToolOutcome, error) {
	policy := PolicyFor(name)
	attempts := policy.MaxRetries
	if !s.opts.EnableRetry || attempts < 1 {
		attempts = 1
	}

	var last ToolOutcome
	for attempt := 0; attempt < attempts; attempt++ {
		last = s.attempt(ctx, name, tool, known, args)
		if ctx.Err() != nil {
			return ToolOutcome{}, ctx.Err()
		}
		if !last.Failed() {
			return last, nil
		}
		if attempt == attempts-1 {
			break
		}

		if s.opts.EnableReflection {
			s.reflect(ctx, name, args, last.Text())
		}
		wait := policy.Backoff(attempt)
		s.logger.Info("retrying tool",
			zap.String("tool", name),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", attempts),
			zap.Duration("backoff", wait))
		s.emitter.Emit(EventToolRetry, map[string]any{"tool": name, "attempt": attempt + 1, "backoff": wait.String()})
		if err := s.opts.Sleep(ctx, wait); err != nil {
			return ToolOutcome{}, err
		}
	}
	return last, nil
}

// attempt executes the tool once and records the attempt in the execution
// path, the evaluator and the tracker.
func (s *Session) attempt(ctx context.Context, name string, tool Tool, known bool, args map[string]any) ToolOutcome {
	s.mu.Lock()
	s.path = append(s.path, StepLabel(name, args))
	s.mu.Unlock()
	if s.opts.Evaluator != nil {
		s.opts.Evaluator.RecordToolUse(name)
	}

	var out ToolOutcome
	if known {
		out = s.runTool(ctx, tool, args)
	} else {
		out = Failure(KindUnknownTool, "Unknown tool '%s'", name)
	}

	if s.opts.Tracker != nil && ctx.Err() == nil {
		s.opts.Tracker.Record(name, out.OK, out.TrackerError())
	}
	return out
}

// runTool invokes the handler under the tool timeout. The handler runs on
// its own goroutine so a tool that ignores ctx cannot hold the loop past the
// deadline; such a handler is abandoned and its late result discarded.
// Panics become failed outcomes.
func (s *Session) runTool(ctx context.Context, tool Tool, args map[string]any) ToolOutcome {
	tctx, cancel := context.WithTimeout(ctx, s.opts.ToolTimeout)
	defer cancel()

	done := make(chan ToolOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("tool panicked", zap.String("tool", tool.Name), zap.Any("panic", r))
				done <- Failure(KindPanic, "Tool %s crashed: %v", tool.Name, r)
			}
		}()
		done <- tool.Handler(tctx, s.env, args)
	}()

	var out ToolOutcome
	select {
	case out = <-done:
	case <-tctx.Done():
		if ctx.Err() == nil {
			s.logger.Warn("tool overran its timeout, abandoning it",
				zap.String("tool", tool.Name), zap.Duration("timeout", s.opts.ToolTimeout))
		}
	}
	if ctx.Err() != nil {
		return Failure(KindCancelled, "%s", interruptedError)
	}
	if errors.Is(tctx.Err(), context.DeadlineExceeded) {
		return Failure(KindTimeout, "%s", timeoutMessage(tool, s.opts.ToolTimeout))
	}
	return out
}

func timeoutMessage(tool Tool, d time.Duration) string {
	secs := int(math.Round(d.Seconds()))
	if tool.Capability == CapabilityExecute {
		return fmt.Sprintf("Command timed out after %d seconds", secs)
	}
	return fmt.Sprintf("%s timed out after %d seconds", tool.Name, secs)
}

const reflectionPrompt = `Tool error or unexpected result:

Tool: %s
Arguments: %s
Output: %s

Analyze the error. Should we:
1. Retry with different arguments?
2. Try a different approach?
3. Ask user for clarification?

Be concise and actionable.`

// reflect asks the model to analyze a failed attempt and appends the answer
// to the conversation. Failures are logged and skipped.
func (s *Session) reflect(ctx context.Context, tool string, args map[string]any, output string) {
	argJSON, err := json.MarshalIndent(args, "", "  ")
	if err != nil {
		argJSON = []byte(fmt.Sprint(args))
	}
	text, usage, err := unifiedllm.GenerateText(ctx, s.client, unifiedllm.TextOptions{
		Model:       s.Model(),
		Messages:    s.conversation(),
		Prompt:      fmt.Sprintf(reflectionPrompt, tool, argJSON, output),
		Temperature: reflectionTemperature,
		MaxTokens:   reflectionMaxTokens,
		Purpose:     unifiedllm.PurposeReflection,
		Metadata:    s.metadata(),
	})
	if err != nil {
		s.logger.Warn("reflection failed", zap.String("tool", tool), zap.Error(err))
		return
	}
	s.recordUsage(usage)
	if text == "" {
		return
	}
	s.appendMessage(unifiedllm.AssistantMessage(fmt.Sprintf("[Reflecting on %s error]\n%s", tool, text)))
	s.emitter.Emit(EventReflection, map[string]any{"tool": tool, "reflection": text})
}
