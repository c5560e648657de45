package ai

import (
	"fmt"
	"strings"
)

// FactoryConfig carries provider endpoints and defaults for generator construction.
type FactoryConfig struct {
	DefaultProvider string
	DefaultModel    string
	GeminiAPIKey    string
	OllamaBaseURL   string
	OpenAIBaseURL   string
	OpenAIAPIKey    string
}

// Factory builds TextGenerators per request so a job can override provider
// and model while sharing configured endpoints and keys.
type Factory struct {
	cfg FactoryConfig
}

// NewFactory validates defaults and returns a generator factory.
func NewFactory(cfg FactoryConfig) (*Factory, error) {
	cfg.DefaultProvider = strings.ToLower(strings.TrimSpace(cfg.DefaultProvider))
	if cfg.DefaultProvider == "" {
		return nil, fmt.Errorf("default generation provider required")
	}
	if strings.TrimSpace(cfg.DefaultModel) == "" {
		return nil, fmt.Errorf("default generation model required")
	}
	f := &Factory{cfg: cfg}
	if _, err := f.Generator(cfg.DefaultProvider, cfg.DefaultModel); err != nil {
		return nil, err
	}
	return f, nil
}

// Generator returns a TextGenerator for the provider/model pair, falling
// back to configured defaults when either is empty.
func (f *Factory) Generator(provider, model string) (TextGenerator, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		provider = f.cfg.DefaultProvider
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = f.cfg.DefaultModel
	}
	switch provider {
	case "gemini":
		client, err := NewGeminiClient(f.cfg.GeminiAPIKey)
		if err != nil {
			return nil, err
		}
		return NewGeminiGenerator(client, model), nil
	case "ollama":
		return NewOllamaGenerator(NewOllamaClient(f.cfg.OllamaBaseURL), model), nil
	case "openai", "openai-compat":
		if strings.TrimSpace(f.cfg.OpenAIBaseURL) == "" {
			return nil, fmt.Errorf("openai-compat base URL required")
		}
		return NewOpenAICompatGenerator(f.cfg.OpenAIBaseURL, f.cfg.OpenAIAPIKey, model), nil
	default:
		return nil, fmt.Errorf("unknown generation provider: %s", provider)
	}
}
