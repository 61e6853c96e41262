// Package unifiedllm is the completion layer used by the agent loop. It
// wraps the gollm library (github.com/teilomillet/gollm) behind a small
// provider-agnostic Client.
//
// A Client routes each Request to a registered ProviderAdapter. The target
// is the request's Provider if set, then the backend recorded for the model
// alias in the catalog, then the client default. Model aliases such as
// "haiku" are resolved to full model IDs before middleware runs, so
// middleware (for example the usage ledger) always sees the real model:
//
//	adapter, err := unifiedllm.NewBackendAdapter(unifiedllm.Backends["openrouter"])
//	if err != nil {
//		return err
//	}
//	client := unifiedllm.NewClient(unifiedllm.WithProvider("openrouter", adapter))
//	resp, err := client.Complete(ctx, unifiedllm.Request{
//		Model:    "haiku",
//		Messages: []unifiedllm.Message{unifiedllm.UserMessage("Hello")},
//	})
//
// GenerateText covers tool-free side requests (planning, reflection) and
// tags them with a purpose in Request.Metadata.
package unifiedllm
