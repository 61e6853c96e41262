package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/martinemde/bladerunner/unifiedllm"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedClient replays agent responses in order and answers planning and
// reflection requests from a separate queue.
type scriptedClient struct {
	mu        sync.Mutex
	responses []*unifiedllm.Response
	side      []string
	err       error
	sideErr   error
	requests  []unifiedllm.Request
	onRequest func(unifiedllm.Request)
}

func (c *scriptedClient) Complete(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	hook := c.onRequest
	c.mu.Unlock()
	if hook != nil {
		hook(req)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if req.Purpose() != unifiedllm.PurposeAgent {
		if c.sideErr != nil {
			return nil, c.sideErr
		}
		text := "ok"
		if len(c.side) > 0 {
			text, c.side = c.side[0], c.side[1:]
		}
		return textResponse(text), nil
	}
	if c.err != nil {
		return nil, c.err
	}
	if len(c.responses) == 0 {
		return textResponse("done"), nil
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	return resp, nil
}

func (c *scriptedClient) Stream(ctx context.Context, req unifiedllm.Request) (<-chan unifiedllm.StreamEvent, error) {
	resp, err := c.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan unifiedllm.StreamEvent, 2)
	ch <- unifiedllm.StreamEvent{Type: unifiedllm.TextDelta, Delta: resp.Text()}
	ch <- unifiedllm.StreamEvent{Type: unifiedllm.StreamFinish, Response: resp}
	close(ch)
	return ch, nil
}

func (c *scriptedClient) agentRequests() []unifiedllm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []unifiedllm.Request
	for _, r := range c.requests {
		if r.Purpose() == unifiedllm.PurposeAgent {
			out = append(out, r)
		}
	}
	return out
}

func (c *scriptedClient) requestsFor(purpose string) []unifiedllm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []unifiedllm.Request
	for _, r := range c.requests {
		if r.Purpose() == purpose {
			out = append(out, r)
		}
	}
	return out
}

func textResponse(text string) *unifiedllm.Response {
	return &unifiedllm.Response{
		Message:      unifiedllm.AssistantMessage(text),
		FinishReason: unifiedllm.FinishReason{Reason: "stop"},
		Usage:        unifiedllm.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}
}

func toolResponse(calls ...unifiedllm.ToolCall) *unifiedllm.Response {
	return &unifiedllm.Response{
		Message:      unifiedllm.AssistantToolCallMessage("", calls),
		FinishReason: unifiedllm.FinishReason{Reason: "tool_calls"},
		Usage:        unifiedllm.Usage{InputTokens: 20, OutputTokens: 10, TotalTokens: 30},
	}
}

func call(id, name string, args map[string]any) unifiedllm.ToolCall {
	raw, err := json.Marshal(args)
	if err != nil {
		panic(err)
	}
	return unifiedllm.ToolCall{ID: id, Name: name, Arguments: raw}
}

// scriptedPrompter answers questions from a queue and records them.
type scriptedPrompter struct {
	mu        sync.Mutex
	answers   []string
	err       error
	questions []string
}

func (p *scriptedPrompter) Ask(_ context.Context, question string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.questions = append(p.questions, question)
	if p.err != nil {
		return "", p.err
	}
	if len(p.answers) == 0 {
		return "", fmt.Errorf("unexpected question: %s", question)
	}
	a := p.answers[0]
	p.answers = p.answers[1:]
	return a, nil
}

func (p *scriptedPrompter) asked() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.questions)
}

// recordingSleep captures backoff waits without sleeping.
type recordingSleep struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	return ctx.Err()
}

// countingTool registers a schema-less tool whose handler returns the
// scripted outcomes in order, repeating the last one.
func countingTool(t *testing.T, reg *ToolRegistry, name string, outcomes ...ToolOutcome) *int {
	t.Helper()
	calls := new(int)
	var mu sync.Mutex
	err := reg.Register(Tool{
		Name:        name,
		Description: "test tool",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		Capability:  CapabilityNone,
		Handler: func(context.Context, ExecutionEnvironment, map[string]any) ToolOutcome {
			mu.Lock()
			defer mu.Unlock()
			i := *calls
			*calls++
			if i >= len(outcomes) {
				i = len(outcomes) - 1
			}
			return outcomes[i]
		},
	})
	require.NoError(t, err)
	return calls
}

func newTestSession(t *testing.T, opts Options) *Session {
	t.Helper()
	if opts.Env == nil {
		opts.Env = NewLocalExecutionEnvironment(t.TempDir())
	}
	if opts.Sleep == nil {
		opts.Sleep = (&recordingSleep{}).sleep
	}
	if opts.Model == "" {
		opts.Model = "test-model"
	}
	s, err := NewSession(opts)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}
