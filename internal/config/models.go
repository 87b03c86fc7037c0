package config

// DefaultModels is the model used when llm.model is empty, per provider.
var DefaultModels = map[string]string{
	"google":     "gemini-2.5-flash",
	"anthropic":  "claude-sonnet-4-5",
	"openai":     "gpt-4o",
	"openrouter": "openrouter/auto",
}

// AvailableProviders returns the providers that have an API key configured,
// in a stable order.
func (c Config) AvailableProviders() []string {
	var out []string
	for _, p := range []string{"google", "anthropic", "openai", "openai_compatible", "openrouter"} {
		if c.ProviderAPIKey(p) != "" {
			out = append(out, p)
		}
	}
	return out
}
