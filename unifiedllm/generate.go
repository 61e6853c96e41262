package unifiedllm

import (
	"context"
	"strings"
)

// TextOptions configures a single tool-free completion. Messages, when set,
// precede Prompt so the model sees the conversation so far.
type TextOptions struct {
	Model       string
	Messages    []Message
	Prompt      string
	Temperature float64
	MaxTokens   int
	Purpose     string
	Metadata    map[string]string
}

// GenerateText sends one user prompt and returns the reply text. It is used
// for side requests such as planning and reflection, which never carry tools.
// The caller's Messages slice is not modified.
func GenerateText(ctx context.Context, c Completer, opts TextOptions) (string, Usage, error) {
	temp := opts.Temperature
	maxTokens := opts.MaxTokens
	messages := make([]Message, 0, len(opts.Messages)+1)
	messages = append(messages, opts.Messages...)
	messages = append(messages, UserMessage(opts.Prompt))
	req := Request{
		Model:       opts.Model,
		Messages:    messages,
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	}
	if opts.Purpose != "" || len(opts.Metadata) > 0 {
		req.Metadata = make(map[string]string, len(opts.Metadata)+1)
		for k, v := range opts.Metadata {
			req.Metadata[k] = v
		}
		if opts.Purpose != "" {
			req.Metadata[MetadataPurpose] = opts.Purpose
		}
	}
	resp, err := c.Complete(ctx, req)
	if err != nil {
		return "", Usage{}, err
	}
	return strings.TrimSpace(resp.Text()), resp.Usage, nil
}

// CollectStream drains a stream, passing each text delta to onDelta, and
// returns the final response. If the stream ends without a finish event the
// accumulated text is returned as the response.
func CollectStream(ctx context.Context, events <-chan StreamEvent, onDelta func(string)) (*Response, error) {
	var text strings.Builder
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return &Response{Message: AssistantMessage(text.String())}, nil
			}
			switch ev.Type {
			case TextDelta:
				text.WriteString(ev.Delta)
				if onDelta != nil {
					onDelta(ev.Delta)
				}
			case StreamError:
				return nil, &StreamFailedError{SDKError: SDKError{Message: "stream failed", Cause: ev.Error}}
			case StreamFinish:
				if ev.Response != nil {
					return ev.Response, nil
				}
				resp := &Response{Message: AssistantMessage(text.String())}
				if ev.Usage != nil {
					resp.Usage = *ev.Usage
				}
				return resp, nil
			}
		}
	}
}
