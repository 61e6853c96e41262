package unifiedllm

import "sort"

// Backend describes an OpenAI-compatible completion service.
type Backend struct {
	Name      string `json:"name" yaml:"name"`
	BaseURL   string `json:"base_url" yaml:"base_url"`
	APIKeyEnv string `json:"api_key_env" yaml:"api_key_env"`
}

const (
	BackendOpenRouter = "openrouter"
	BackendGroq       = "groq"
)

// Backends are the built-in backends keyed by name.
var Backends = map[string]Backend{
	BackendOpenRouter: {Name: BackendOpenRouter, BaseURL: "https://openrouter.ai/api/v1", APIKeyEnv: "OPENROUTER_API_KEY"},
	BackendGroq:       {Name: BackendGroq, BaseURL: "https://api.groq.com/openai/v1", APIKeyEnv: "GROQ_API_KEY"},
}

// ModelInfo maps a short alias to a full model ID and its defaults.
type ModelInfo struct {
	Alias       string  `json:"alias" yaml:"alias"`
	ID          string  `json:"id" yaml:"full_name"`
	Backend     string  `json:"backend" yaml:"backend"`
	Temperature float64 `json:"temperature" yaml:"temperature"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens"`
}

// DefaultModel is the alias used when nothing else is configured.
const DefaultModel = "haiku"

// Models is the built-in alias catalog.
var Models = []ModelInfo{
	{Alias: "haiku", ID: "anthropic/claude-haiku-4.5", Backend: BackendOpenRouter, Temperature: 0.7, MaxTokens: 4096},
	{Alias: "sonnet", ID: "anthropic/claude-sonnet-4", Backend: BackendOpenRouter, Temperature: 0.7, MaxTokens: 4096},
	{Alias: "opus", ID: "anthropic/claude-opus-4", Backend: BackendOpenRouter, Temperature: 0.8, MaxTokens: 4096},
	{Alias: "llama", ID: "meta-llama/llama-3.1-8b-instruct:free", Backend: BackendOpenRouter, Temperature: 0.7, MaxTokens: 4096},
	{Alias: "gemini", ID: "google/gemini-flash-1.5:free", Backend: BackendOpenRouter, Temperature: 0.7, MaxTokens: 4096},
	{Alias: "mistral", ID: "mistralai/mistral-7b-instruct:free", Backend: BackendOpenRouter, Temperature: 0.7, MaxTokens: 4096},
	{Alias: "groq-llama", ID: "llama-3.1-70b-versatile", Backend: BackendGroq, Temperature: 0.7, MaxTokens: 4096},
	{Alias: "groq-mixtral", ID: "mixtral-8x7b-32768", Backend: BackendGroq, Temperature: 0.7, MaxTokens: 4096},
}

// GetModelInfo returns the catalog entry for an alias or full model ID, or
// nil if unknown.
func GetModelInfo(name string) *ModelInfo {
	for i := range Models {
		if Models[i].Alias == name || Models[i].ID == name {
			return &Models[i]
		}
	}
	return nil
}

// ResolveModel maps an alias to its full model ID. Unknown names are
// returned as-is.
func ResolveModel(name string) string {
	for _, m := range Models {
		if m.Alias == name {
			return m.ID
		}
	}
	return name
}

// ListModels returns the catalog sorted by alias, optionally filtered by
// backend.
func ListModels(backend string) []ModelInfo {
	var result []ModelInfo
	for _, m := range Models {
		if backend == "" || m.Backend == backend {
			result = append(result, m)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Alias < result[j].Alias })
	return result
}
