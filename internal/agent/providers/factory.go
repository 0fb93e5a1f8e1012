package providers

import "fmt"

// Config selects and parameterizes a provider adapter.
type Config struct {
	// Name picks the adapter: "anthropic" or "openai".
	Name string

	// APIKey authenticates against the vendor API.
	APIKey string

	// Model is the default model identifier, overridable per request.
	Model string
}

// New builds the provider adapter named by cfg.Name.
func New(cfg Config) (Provider, error) {
	switch cfg.Name {
	case "anthropic":
		return NewAnthropicProvider(cfg.APIKey, cfg.Model)
	case "openai":
		return NewOpenAIProvider(cfg.APIKey, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Name)
	}
}
