package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestGollmAdapterName(t *testing.T) {
	for _, provider := range []string{BackendOpenRouter, BackendGroq} {
		adapter, err := NewGollmAdapter(provider, "test-key-not-real")
		if err != nil {
			t.Logf("skipping %s adapter creation: %v", provider, err)
			continue
		}
		if adapter.Name() != provider {
			t.Errorf("expected name %q, got %q", provider, adapter.Name())
		}
	}
}

func TestNewBackendAdapterMissingKey(t *testing.T) {
	t.Setenv("BLADERUNNER_TEST_MISSING_KEY", "")
	_, err := NewBackendAdapter(Backend{Name: BackendGroq, APIKeyEnv: "BLADERUNNER_TEST_MISSING_KEY"})
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestGollmAdapterTranslateError(t *testing.T) {
	adapter := &GollmAdapter{provider: BackendOpenRouter}

	tests := []struct {
		errMsg    string
		status    int
		retryable bool
	}{
		{"401 Unauthorized", 401, false},
		{"invalid api key", 401, false},
		{"403 Forbidden", 403, false},
		{"404 not found", 404, false},
		{"429 rate limit exceeded", 429, true},
		{"context length exceeded", 413, false},
		{"500 internal server error", 500, true},
		{"something unknown", 0, true},
	}

	for _, tt := range tests {
		err := adapter.translateError(errors.New(tt.errMsg))
		var pe *ProviderError
		if !errors.As(err, &pe) {
			t.Errorf("for %q: expected ProviderError, got %T", tt.errMsg, err)
			continue
		}
		if pe.StatusCode != tt.status {
			t.Errorf("for %q: expected status %d, got %d", tt.errMsg, tt.status, pe.StatusCode)
		}
		if IsRetryable(err) != tt.retryable {
			t.Errorf("for %q: expected retryable=%v", tt.errMsg, tt.retryable)
		}
	}

	canceled := adapter.translateError(fmt.Errorf("request: %w", context.Canceled))
	if !IsCanceled(canceled) {
		t.Error("cancellation should pass through untouched")
	}
}

func TestParseToolCallsFunctionCallTags(t *testing.T) {
	adapter := &GollmAdapter{provider: BackendOpenRouter}
	text := "Let me look.\n<function_call>{\"name\": \"Read\", \"arguments\": {\"file_path\": \"a.go\"}}</function_call>\n" +
		"<function_call>{\"name\": \"Bash\", \"arguments\": \"{\\\"command\\\": \\\"ls\\\"}\"}</function_call>"

	calls, rest := adapter.parseToolCalls(text)
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].Name != "Read" || string(calls[0].Arguments) != `{"file_path": "a.go"}` {
		t.Errorf("unexpected first call %+v", calls[0])
	}
	if calls[1].Name != "Bash" || string(calls[1].Arguments) != `{"command": "ls"}` {
		t.Errorf("string arguments should be unwrapped, got %s", calls[1].Arguments)
	}
	if rest != "Let me look." {
		t.Errorf("expected leftover text, got %q", rest)
	}
	if calls[0].ID == calls[1].ID {
		t.Error("expected distinct call IDs")
	}
}

func TestParseToolCallsJSON(t *testing.T) {
	adapter := &GollmAdapter{provider: BackendOpenRouter}

	calls, rest := adapter.parseToolCalls(`Sure. {"tool_calls": [{"name": "Glob", "arguments": {"pattern": "*.go"}}]} done`)
	if len(calls) != 1 || calls[0].Name != "Glob" {
		t.Fatalf("unexpected calls %+v", calls)
	}
	if rest != "Sure.  done" {
		t.Errorf("unexpected leftover %q", rest)
	}

	calls, _ = adapter.parseToolCalls(`[{"name": "Grep"}]`)
	if len(calls) != 1 || string(calls[0].Arguments) != "{}" {
		t.Fatalf("expected empty arguments to default to {}, got %+v", calls)
	}

	calls, rest = adapter.parseToolCalls("plain answer")
	if len(calls) != 0 || rest != "plain answer" {
		t.Errorf("expected no calls, got %+v %q", calls, rest)
	}
}

func TestBuildResponseFinishReason(t *testing.T) {
	adapter := &GollmAdapter{provider: BackendOpenRouter, model: "m"}
	resp := adapter.buildResponse(Request{}, `<function_call>{"name": "Read", "arguments": {}}</function_call>`)
	if resp.FinishReason.Reason != "tool_calls" {
		t.Errorf("expected tool_calls finish, got %q", resp.FinishReason.Reason)
	}
	if len(resp.ToolCalls()) != 1 {
		t.Errorf("expected one tool call, got %d", len(resp.ToolCalls()))
	}
	if resp.Model != "m" {
		t.Errorf("expected adapter default model, got %q", resp.Model)
	}

	resp = adapter.buildResponse(Request{Model: "x"}, "hello")
	if resp.FinishReason.Reason != "stop" || resp.Text() != "hello" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestTranslateRequestRequiresContent(t *testing.T) {
	adapter := &GollmAdapter{provider: BackendOpenRouter}
	if _, err := adapter.translateRequest(Request{Messages: []Message{SystemMessage("sys")}}); err == nil {
		t.Error("expected error for a request with only a system prompt")
	}
}

func TestEstimateTokens(t *testing.T) {
	req := Request{
		Messages: []Message{
			UserMessage("Hello world, this is a test message."),
		},
	}
	if tokens := estimateTokens(req); tokens <= 0 {
		t.Errorf("expected positive token estimate, got %d", tokens)
	}
}

func TestEstimateTokensEmpty(t *testing.T) {
	if tokens := estimateTokens(Request{}); tokens != 10 {
		t.Errorf("expected default token estimate of 10, got %d", tokens)
	}
}
