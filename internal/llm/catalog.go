package llm

import (
	"fmt"
	"slices"
	"sort"
)

// ModelInfo describes one selectable model.
type ModelInfo struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// ProviderInfo groups the models one provider offers.
type ProviderInfo struct {
	Name        string      `json:"name"`
	NeedsAPIKey bool        `json:"needs_api_key"`
	Models      []ModelInfo `json:"models"`
}

// Catalog is the registry of providers and models a team may select.
var Catalog = []ProviderInfo{
	{
		Name:        "anthropic",
		NeedsAPIKey: true,
		Models: []ModelInfo{
			{ID: "claude-sonnet-4-20250514", Label: "Claude Sonnet 4"},
			{ID: "claude-haiku-4-5-20251001", Label: "Claude Haiku 4.5"},
		},
	},
	{
		Name:        "openai",
		NeedsAPIKey: true,
		Models: []ModelInfo{
			{ID: "gpt-4o", Label: "GPT-4o"},
			{ID: "gpt-5", Label: "GPT-5"},
		},
	},
	{
		Name:        "kimi",
		NeedsAPIKey: true,
		Models: []ModelInfo{
			{ID: "kimi-k2-0905-preview", Label: "Kimi K2"},
		},
	},
	{
		Name: "ollama",
		Models: []ModelInfo{
			{ID: "llama3.2:3b", Label: "Llama 3.2 3B"},
			{ID: "deepseek-r1:8b", Label: "DeepSeek R1 8B"},
			{ID: "gemma3:1b", Label: "Gemma 3 1B"},
		},
	},
}

// LookupProvider returns the catalog entry for name.
func LookupProvider(name string) (ProviderInfo, bool) {
	i := slices.IndexFunc(Catalog, func(p ProviderInfo) bool { return p.Name == name })
	if i < 0 {
		return ProviderInfo{}, false
	}
	return Catalog[i], true
}

// ValidateModel reports whether provider offers model.
func ValidateModel(provider, model string) error {
	p, ok := LookupProvider(provider)
	if !ok {
		names := make([]string, len(Catalog))
		for i, c := range Catalog {
			names[i] = c.Name
		}
		sort.Strings(names)
		return fmt.Errorf("llm: unknown provider %q (have %v)", provider, names)
	}
	for _, m := range p.Models {
		if m.ID == model {
			return nil
		}
	}
	return fmt.Errorf("llm: provider %s has no model %q", provider, model)
}
