package embedder

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ncolesummers/document-ingestor/internal/retry"
)

// Config holds embedder configuration
type Config struct {
	Provider  string
	Model     string
	APIKey    string
	BaseURL   string
	Dimension int
	CacheSize int
	Timeout   time.Duration
	Retry     retry.Config
}

// New creates the configured embedder wrapped with an LRU cache.
// An empty provider is resolved with DetectProvider.
func New(cfg Config) (Embedder, error) {
	provider := strings.ToLower(cfg.Provider)
	if provider == "" {
		provider = DetectProvider()
	}

	var (
		e   Embedder
		err error
	)
	httpCfg := HTTPConfig{
		APIKey:    cfg.APIKey,
		Model:     cfg.Model,
		BaseURL:   cfg.BaseURL,
		Dimension: cfg.Dimension,
		Timeout:   cfg.Timeout,
		Retry:     cfg.Retry,
	}
	switch provider {
	case ProviderJina:
		e, err = NewJinaProvider(httpCfg)
	case ProviderOpenAI:
		e, err = NewOpenAIProvider(httpCfg)
	case ProviderOllama:
		e, err = NewOllamaProvider(OllamaConfig{
			Model:     cfg.Model,
			BaseURL:   cfg.BaseURL,
			Dimension: cfg.Dimension,
			Retry:     cfg.Retry,
		})
	case ProviderLocal:
		e = NewLocalProvider(cfg.Dimension)
	default:
		return nil, fmt.Errorf("%w: unknown provider %s", ErrUnsupportedModel, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	if cfg.CacheSize < 0 {
		return e, nil
	}
	return WithCache(e, NewCache(cfg.CacheSize)), nil
}

// DetectProvider picks a provider from the API keys present in the
// environment, falling back to the local embedder
func DetectProvider() string {
	if os.Getenv(EnvJinaAPIKey) != "" {
		return ProviderJina
	}
	if os.Getenv(EnvOpenAIAPIKey) != "" {
		return ProviderOpenAI
	}
	return ProviderLocal
}
