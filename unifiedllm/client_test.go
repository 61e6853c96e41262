package unifiedllm

import (
	"context"
	"errors"
	"testing"
)

// mockAdapter is a test double for ProviderAdapter.
type mockAdapter struct {
	name     string
	response *Response
	err      error
	events   []StreamEvent
	last     Request
}

func (m *mockAdapter) Name() string { return m.name }

func (m *mockAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	m.last = req
	if m.err != nil {
		return nil, m.err
	}
	return m.response, nil
}

func (m *mockAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	m.last = req
	if m.err != nil {
		return nil, m.err
	}
	ch := make(chan StreamEvent, len(m.events))
	for _, e := range m.events {
		ch <- e
	}
	close(ch)
	return ch, nil
}

func newMockAdapter(name, text string) *mockAdapter {
	return &mockAdapter{
		name: name,
		response: &Response{
			ID:           "test_resp",
			Model:        "test-model",
			Provider:     name,
			Message:      AssistantMessage(text),
			FinishReason: FinishReason{Reason: "stop"},
			Usage:        Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30},
		},
	}
}

func TestClientComplete(t *testing.T) {
	mock := newMockAdapter(BackendOpenRouter, "Hello!")
	client := NewClient(
		WithProvider(BackendOpenRouter, mock),
		WithDefaultProvider(BackendOpenRouter),
	)

	resp, err := client.Complete(context.Background(), Request{
		Model:    "haiku",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "Hello!" {
		t.Errorf("expected text %q, got %q", "Hello!", resp.Text())
	}
	if mock.last.Model != "anthropic/claude-haiku-4.5" {
		t.Errorf("expected alias to resolve, got model %q", mock.last.Model)
	}
	if mock.last.Provider != BackendOpenRouter {
		t.Errorf("expected provider %q, got %q", BackendOpenRouter, mock.last.Provider)
	}
}

func TestClientProviderRouting(t *testing.T) {
	openrouter := newMockAdapter(BackendOpenRouter, "openrouter response")
	groq := newMockAdapter(BackendGroq, "groq response")

	client := NewClient(
		WithProvider(BackendOpenRouter, openrouter),
		WithProvider(BackendGroq, groq),
		WithDefaultProvider(BackendOpenRouter),
	)

	// Catalog backend wins over the default.
	resp, err := client.Complete(context.Background(), Request{
		Model:    "groq-llama",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "groq response" {
		t.Errorf("expected groq response, got %q", resp.Text())
	}
	if groq.last.Model != "llama-3.1-70b-versatile" {
		t.Errorf("expected resolved groq model, got %q", groq.last.Model)
	}

	// Unknown model falls back to the default.
	resp, err = client.Complete(context.Background(), Request{
		Model:    "some/custom-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "openrouter response" {
		t.Errorf("expected openrouter response, got %q", resp.Text())
	}

	// Explicit provider wins over the catalog.
	resp, err = client.Complete(context.Background(), Request{
		Model:    "groq-llama",
		Provider: BackendOpenRouter,
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "openrouter response" {
		t.Errorf("expected openrouter response, got %q", resp.Text())
	}
}

func TestClientNoProvider(t *testing.T) {
	client := NewClient()
	_, err := client.Complete(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err == nil {
		t.Fatal("expected error for no provider")
	}
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Errorf("expected ConfigurationError, got %T", err)
	}
}

func TestClientUnregisteredProvider(t *testing.T) {
	client := NewClient(WithProvider(BackendOpenRouter, newMockAdapter(BackendOpenRouter, "x")))
	_, err := client.Complete(context.Background(), Request{
		Model:    "haiku",
		Provider: BackendGroq,
		Messages: []Message{UserMessage("Hi")},
	})
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestClientMiddlewareOrder(t *testing.T) {
	mock := newMockAdapter("test", "response")
	var order []int

	mw1 := func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		order = append(order, 1)
		resp, err := next(ctx, req)
		order = append(order, -1)
		return resp, err
	}
	mw2 := func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		order = append(order, 2)
		resp, err := next(ctx, req)
		order = append(order, -2)
		return resp, err
	}

	client := NewClient(
		WithProvider("test", mock),
		WithMiddleware(mw1, mw2),
	)

	_, err := client.Complete(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Onion pattern: first registered runs first for request, reverse for response.
	expected := []int{1, 2, -2, -1}
	if len(order) != len(expected) {
		t.Fatalf("expected %d middleware calls, got %d", len(expected), len(order))
	}
	for i, v := range expected {
		if order[i] != v {
			t.Errorf("position %d: expected %d, got %d", i, v, order[i])
		}
	}
}

func TestClientMiddlewareSeesResolvedModel(t *testing.T) {
	mock := newMockAdapter("test", "response")
	var seen string
	mw := func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		seen = req.Model
		return next(ctx, req)
	}
	client := NewClient(WithProvider("test", mock), WithMiddleware(mw))

	if _, err := client.Complete(context.Background(), Request{Model: "sonnet", Messages: []Message{UserMessage("Hi")}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen != "anthropic/claude-sonnet-4" {
		t.Errorf("expected resolved model in middleware, got %q", seen)
	}
}

func TestClientStream(t *testing.T) {
	mock := &mockAdapter{
		name: "test",
		events: []StreamEvent{
			{Type: StreamStart},
			{Type: TextStart, TextID: "t0"},
			{Type: TextDelta, Delta: "Hello", TextID: "t0"},
			{Type: TextDelta, Delta: " world", TextID: "t0"},
			{Type: TextEnd, TextID: "t0"},
			{Type: StreamFinish, FinishReason: &FinishReason{Reason: "stop"}},
		},
	}

	client := NewClient(WithProvider("test", mock))
	ch, err := client.Stream(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !mock.last.Stream {
		t.Error("expected Stream flag on request")
	}

	var events []StreamEvent
	for event := range ch {
		events = append(events, event)
	}
	if len(events) != 6 {
		t.Fatalf("expected 6 events, got %d", len(events))
	}
	if events[2].Delta != "Hello" {
		t.Errorf("expected delta %q, got %q", "Hello", events[2].Delta)
	}
}

func TestClientRegisterProvider(t *testing.T) {
	client := NewClient()
	mock := newMockAdapter("dynamic", "dynamic response")
	client.RegisterProvider("dynamic", mock)

	resp, err := client.Complete(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "dynamic response" {
		t.Errorf("expected %q, got %q", "dynamic response", resp.Text())
	}
	if got := client.Providers(); len(got) != 1 || got[0] != "dynamic" {
		t.Errorf("unexpected providers %v", got)
	}
}

func TestGenerateText(t *testing.T) {
	mock := newMockAdapter("test", "  1. Read the file\n2. Fix it  ")
	client := NewClient(WithProvider("test", mock))

	text, usage, err := GenerateText(context.Background(), client, TextOptions{
		Model:       "haiku",
		Prompt:      "plan this",
		Temperature: 0.3,
		MaxTokens:   500,
		Purpose:     PurposePlanning,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "1. Read the file\n2. Fix it" {
		t.Errorf("expected trimmed text, got %q", text)
	}
	if usage.TotalTokens != 30 {
		t.Errorf("expected usage 30, got %d", usage.TotalTokens)
	}
	if mock.last.Purpose() != PurposePlanning {
		t.Errorf("expected purpose %q, got %q", PurposePlanning, mock.last.Purpose())
	}
	if *mock.last.Temperature != 0.3 || *mock.last.MaxTokens != 500 {
		t.Errorf("unexpected sampling options %v %v", *mock.last.Temperature, *mock.last.MaxTokens)
	}
	if len(mock.last.ToolDefs) != 0 {
		t.Error("side requests must not carry tools")
	}
}

func TestGenerateTextIncludesHistory(t *testing.T) {
	mock := newMockAdapter("test", "retry with a relative path")
	client := NewClient(WithProvider("test", mock))

	history := []Message{
		UserMessage("fix main.go"),
		AssistantMessage("reading it"),
	}
	_, _, err := GenerateText(context.Background(), client, TextOptions{
		Messages: history,
		Prompt:   "what went wrong?",
		Purpose:  PurposeReflection,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mock.last.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(mock.last.Messages))
	}
	last := mock.last.Messages[2]
	if last.Role != RoleUser || last.TextContent() != "what went wrong?" {
		t.Errorf("prompt should be the final user message, got %+v", last)
	}
	if len(history) != 2 {
		t.Error("caller history must not grow")
	}
}

func TestGenerateTextError(t *testing.T) {
	mock := newMockAdapter("test", "")
	mock.err = ErrorFromStatusCode(500, "boom", "test")
	client := NewClient(WithProvider("test", mock))

	_, _, err := GenerateText(context.Background(), client, TextOptions{Prompt: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsRetryable(err) {
		t.Error("500 should be retryable")
	}
}

func TestCollectStream(t *testing.T) {
	events := make(chan StreamEvent, 8)
	events <- StreamEvent{Type: StreamStart}
	events <- StreamEvent{Type: TextDelta, Delta: "Hello "}
	events <- StreamEvent{Type: TextDelta, Delta: "world"}
	events <- StreamEvent{Type: StreamFinish, Usage: &Usage{TotalTokens: 15}}
	close(events)

	var deltas []string
	resp, err := CollectStream(context.Background(), events, func(d string) { deltas = append(deltas, d) })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "Hello world" {
		t.Errorf("expected accumulated text, got %q", resp.Text())
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("expected usage 15, got %d", resp.Usage.TotalTokens)
	}
	if len(deltas) != 2 {
		t.Errorf("expected 2 deltas, got %d", len(deltas))
	}
}

func TestCollectStreamError(t *testing.T) {
	events := make(chan StreamEvent, 2)
	events <- StreamEvent{Type: TextDelta, Delta: "partial"}
	events <- StreamEvent{Type: StreamError, Error: errors.New("reset")}
	close(events)

	_, err := CollectStream(context.Background(), events, nil)
	var se *StreamFailedError
	if !errors.As(err, &se) {
		t.Fatalf("expected StreamFailedError, got %v", err)
	}
}

func TestCollectStreamClosedWithoutFinish(t *testing.T) {
	events := make(chan StreamEvent, 1)
	events <- StreamEvent{Type: TextDelta, Delta: "abc"}
	close(events)

	resp, err := CollectStream(context.Background(), events, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "abc" {
		t.Errorf("expected %q, got %q", "abc", resp.Text())
	}
}
