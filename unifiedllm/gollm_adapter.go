package unifiedllm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmAdapter wraps a gollm.LLM instance and implements ProviderAdapter.
type GollmAdapter struct {
	provider string
	llm      gollm.LLM
	model    string

	// gollm options are set on the shared LLM, so requests are serialized.
	mu sync.Mutex
}

// GollmAdapterOption configures a GollmAdapter.
type GollmAdapterOption func(*gollmAdapterConfig)

type gollmAdapterConfig struct {
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	extraOpts   []gollm.ConfigOption
}

// WithAPIKey sets the API key for the adapter.
func WithAPIKey(key string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.apiKey = key
	}
}

// WithModel sets the default model for the adapter.
func WithModel(model string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.model = model
	}
}

// WithMaxTokens sets the default max tokens.
func WithMaxTokens(n int) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.maxTokens = n
	}
}

// WithTemperature sets the default temperature.
func WithTemperature(t float64) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.temperature = t
	}
}

// WithGollmOptions adds extra gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.extraOpts = append(c.extraOpts, opts...)
	}
}

// NewGollmAdapter creates a new GollmAdapter for the given provider.
// If apiKey is empty, gollm will attempt to read it from environment variables.
func NewGollmAdapter(provider string, apiKey string, opts ...GollmAdapterOption) (*GollmAdapter, error) {
	cfg := &gollmAdapterConfig{
		apiKey:      apiKey,
		maxTokens:   4096,
		temperature: 0.7,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	model := ResolveModel(cfg.model)
	if model == "" {
		model = ResolveModel(DefaultModel)
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0),
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}

	if cfg.apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(cfg.apiKey))
	}

	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gollm LLM for provider %s: %w", provider, err)
	}

	return &GollmAdapter{
		provider: provider,
		llm:      llm,
		model:    model,
	}, nil
}

// NewBackendAdapter creates an adapter for a configured backend. The API key
// is read from the backend's APIKeyEnv variable.
func NewBackendAdapter(b Backend, opts ...GollmAdapterOption) (*GollmAdapter, error) {
	key := os.Getenv(b.APIKeyEnv)
	if key == "" {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("%s not set for backend %q", b.APIKeyEnv, b.Name),
		}}
	}
	return NewGollmAdapter(b.Name, key, opts...)
}

// Name returns the provider identifier.
func (a *GollmAdapter) Name() string {
	return a.provider
}

// Complete sends a blocking request and returns the full response.
func (a *GollmAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt, err := a.translateRequest(req)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.applyRequestOptions(req)

	text, err := a.llm.Generate(ctx, prompt)
	if err != nil {
		return nil, a.translateError(err)
	}

	return a.buildResponse(req, text), nil
}

// Stream sends a streaming request and returns a channel of StreamEvent objects.
func (a *GollmAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	prompt, err := a.translateRequest(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamEvent, 64)

	a.mu.Lock()
	a.applyRequestOptions(req)
	if !a.llm.SupportsStreaming() || len(req.ToolDefs) > 0 {
		// Tool calls only surface in the full text, so emit it as one delta.
		go func() {
			defer close(ch)
			defer a.mu.Unlock()
			ch <- StreamEvent{Type: StreamStart}

			text, err := a.llm.Generate(ctx, prompt)
			if err != nil {
				ch <- StreamEvent{Type: StreamError, Error: a.translateError(err)}
				return
			}

			resp := a.buildResponse(req, text)
			textID := "text_0"
			ch <- StreamEvent{Type: TextStart, TextID: textID}
			ch <- StreamEvent{Type: TextDelta, Delta: resp.Text(), TextID: textID}
			ch <- StreamEvent{Type: TextEnd, TextID: textID}

			ch <- StreamEvent{
				Type:         StreamFinish,
				FinishReason: &resp.FinishReason,
				Usage:        &resp.Usage,
				Response:     resp,
			}
		}()
		return ch, nil
	}

	stream, err := a.llm.Stream(ctx, prompt)
	a.mu.Unlock()
	if err != nil {
		return nil, a.translateError(err)
	}

	go func() {
		defer close(ch)
		defer stream.Close()

		send := func(ev StreamEvent) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if !send(StreamEvent{Type: StreamStart}) {
			return
		}

		textID := "text_0"
		started := false
		var fullText strings.Builder

		for {
			token, err := stream.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				send(StreamEvent{Type: StreamError, Error: a.translateError(err)})
				return
			}
			if token == nil {
				continue
			}

			if !started {
				if !send(StreamEvent{Type: TextStart, TextID: textID}) {
					return
				}
				started = true
			}
			if !send(StreamEvent{Type: TextDelta, Delta: token.Text, TextID: textID}) {
				return
			}
			fullText.WriteString(token.Text)
		}

		if started && !send(StreamEvent{Type: TextEnd, TextID: textID}) {
			return
		}

		resp := a.buildResponse(req, fullText.String())
		send(StreamEvent{
			Type:         StreamFinish,
			FinishReason: &resp.FinishReason,
			Usage:        &resp.Usage,
			Response:     resp,
		})
	}()

	return ch, nil
}

// translateRequest flattens the conversation into a single gollm Prompt.
// System messages become the system prompt and every other turn is rendered
// as a labelled line.
func (a *GollmAdapter) translateRequest(req Request) (*gollm.Prompt, error) {
	var systemPrompt strings.Builder
	var turns []string

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			systemPrompt.WriteString(msg.TextContent())
			systemPrompt.WriteString("\n")
		case RoleUser:
			turns = append(turns, msg.TextContent())
		case RoleAssistant:
			if text := msg.TextContent(); text != "" {
				turns = append(turns, "[Assistant]: "+text)
			}
			for _, tc := range msg.ToolCalls() {
				turns = append(turns, fmt.Sprintf("[Tool Call %s]: %s(%s)", tc.ID, tc.Name, string(tc.Arguments)))
			}
		case RoleTool:
			content, isErr := msg.ToolResultText()
			prefix := "[Tool Result"
			if isErr {
				prefix = "[Tool Error"
			}
			if msg.ToolCallID != "" {
				prefix += " " + msg.ToolCallID
			}
			turns = append(turns, prefix+"]: "+content)
		}
	}

	promptText := strings.Join(turns, "\n")
	if promptText == "" {
		return nil, &SDKError{Message: "request has no user or tool content"}
	}

	var promptOpts []gollm.PromptOption
	if sp := strings.TrimSpace(systemPrompt.String()); sp != "" {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(sp, gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		promptOpts = append(promptOpts, gollm.WithMaxLength(*req.MaxTokens))
	}
	if len(req.ToolDefs) > 0 {
		tools := make([]gollm.Tool, 0, len(req.ToolDefs))
		for _, t := range req.ToolDefs {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		promptOpts = append(promptOpts, gollm.WithTools(tools))
	}
	if req.ToolChoice != nil {
		promptOpts = append(promptOpts, gollm.WithToolChoice(req.ToolChoice.Mode))
	}

	return gollm.NewPrompt(promptText, promptOpts...), nil
}

// applyRequestOptions applies request-level parameters to the gollm LLM.
func (a *GollmAdapter) applyRequestOptions(req Request) {
	if req.Model != "" {
		a.llm.SetOption("model", req.Model)
	}
	if req.Temperature != nil {
		a.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens != nil {
		a.llm.SetOption("max_tokens", *req.MaxTokens)
	}
}

// buildResponse constructs a unified Response from the generated text.
func (a *GollmAdapter) buildResponse(req Request, text string) *Response {
	model := req.Model
	if model == "" {
		model = a.model
	}

	var contentParts []ContentPart
	toolCalls, cleanedText := a.parseToolCalls(text)
	if cleanedText != "" {
		contentParts = append(contentParts, TextPart(cleanedText))
	}
	for i := range toolCalls {
		contentParts = append(contentParts, ContentPart{
			Kind:     ContentToolCall,
			ToolCall: &toolCalls[i],
		})
	}
	if len(contentParts) == 0 {
		contentParts = []ContentPart{TextPart(text)}
	}

	finishReason := FinishReason{Reason: "stop", Raw: "stop"}
	if len(toolCalls) > 0 {
		finishReason = FinishReason{Reason: "tool_calls", Raw: "tool_calls"}
	}

	return &Response{
		ID:       "resp_" + uuid.New().String()[:8],
		Model:    model,
		Provider: a.provider,
		Message: Message{
			Role:    RoleAssistant,
			Content: contentParts,
		},
		FinishReason: finishReason,
		// gollm does not expose provider usage, so this is an estimate.
		Usage: Usage{
			InputTokens:  estimateTokens(req),
			OutputTokens: len(text) / 4,
			TotalTokens:  estimateTokens(req) + len(text)/4,
		},
	}
}

type rawToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

const (
	functionCallOpen  = "<function_call>"
	functionCallClose = "</function_call>"
)

// parseToolCalls extracts tool calls from generated text. It understands
// gollm's <function_call> tags as well as a bare {"tool_calls": [...]} object
// or [{"name": ...}] array. It returns the calls and the text with the call
// markup removed.
func (a *GollmAdapter) parseToolCalls(text string) ([]ToolCallData, string) {
	var raws []rawToolCall
	remaining := text

	for {
		start := strings.Index(remaining, functionCallOpen)
		if start == -1 {
			break
		}
		end := strings.Index(remaining[start:], functionCallClose)
		if end == -1 {
			break
		}
		body := remaining[start+len(functionCallOpen) : start+end]
		var rc rawToolCall
		if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &rc); err == nil && rc.Name != "" {
			raws = append(raws, rc)
		}
		remaining = remaining[:start] + remaining[start+end+len(functionCallClose):]
	}

	if len(raws) == 0 {
		for _, marker := range []string{`{"tool_calls"`, `[{"name"`} {
			start := strings.Index(remaining, marker)
			if start == -1 {
				continue
			}
			dec := json.NewDecoder(strings.NewReader(remaining[start:]))
			var decoded []rawToolCall
			if marker == `{"tool_calls"` {
				var wrapper struct {
					ToolCalls []rawToolCall `json:"tool_calls"`
				}
				if err := dec.Decode(&wrapper); err != nil {
					continue
				}
				decoded = wrapper.ToolCalls
			} else if err := dec.Decode(&decoded); err != nil {
				continue
			}
			consumed := int(dec.InputOffset())
			raws = decoded
			remaining = remaining[:start] + remaining[start+consumed:]
			break
		}
	}

	calls := make([]ToolCallData, 0, len(raws))
	for _, rc := range raws {
		args := rc.Arguments
		// Some providers send arguments as a JSON-encoded string.
		var s string
		if json.Unmarshal(args, &s) == nil {
			args = json.RawMessage(s)
		}
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		calls = append(calls, ToolCallData{
			ID:        "call_" + uuid.New().String()[:8],
			Name:      rc.Name,
			Arguments: args,
			Type:      "function",
		})
	}
	return calls, strings.TrimSpace(remaining)
}

// translateError classifies a gollm error by its message, since gollm does
// not expose status codes.
func (a *GollmAdapter) translateError(err error) error {
	if err == nil {
		return nil
	}
	if IsCanceled(err) {
		return err
	}
	msg := strings.ToLower(err.Error())
	status := 0
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "invalid api key"):
		status = 401
	case strings.Contains(msg, "403") || strings.Contains(msg, "forbidden"):
		status = 403
	case strings.Contains(msg, "404") || strings.Contains(msg, "not found"):
		status = 404
	case strings.Contains(msg, "context length") || strings.Contains(msg, "too many tokens"):
		status = 413
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit"):
		status = 429
	case strings.Contains(msg, "500") || strings.Contains(msg, "internal server"):
		status = 500
	}
	pe := ErrorFromStatusCode(status, "completion failed", a.provider).(*ProviderError)
	pe.Cause = err
	return pe
}

// estimateTokens provides a rough token count estimate from request messages.
func estimateTokens(req Request) int {
	total := 0
	for _, msg := range req.Messages {
		for _, part := range msg.Content {
			if part.Kind == ContentText {
				total += len(part.Text) / 4
			}
		}
	}
	if total == 0 {
		total = 10
	}
	return total
}
