package embedder

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms/ollama"

	"github.com/ncolesummers/document-ingestor/internal/retry"
	"github.com/ncolesummers/document-ingestor/pkg/types"
)

// OllamaConfig configures the Ollama embedder
type OllamaConfig struct {
	Model     string
	BaseURL   string
	Dimension int
	Retry     retry.Config
}

// OllamaProvider embeds text with a local Ollama server through langchaingo
type OllamaProvider struct {
	llm       *ollama.LLM
	model     string
	dimension int
	retry     retry.Config
}

var _ Embedder = (*OllamaProvider)(nil)

// NewOllamaProvider creates an Ollama embedder
func NewOllamaProvider(cfg OllamaConfig) (*OllamaProvider, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultOllamaModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOllamaURL
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = OllamaDimension
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultConfig()
	}

	llm, err := ollama.New(ollama.WithModel(cfg.Model), ollama.WithServerURL(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ollama: %w", err)
	}

	return &OllamaProvider{
		llm:       llm,
		model:     cfg.Model,
		dimension: cfg.Dimension,
		retry:     cfg.Retry,
	}, nil
}

func (o *OllamaProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	return generateOne(ctx, o, req)
}

func (o *OllamaProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}

	vectors, err := retry.Do(ctx, o.retry, func(ctx context.Context) ([][]float32, error) {
		v, err := o.llm.CreateEmbedding(ctx, req.Texts)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", types.ErrTransient, err)
		}
		return v, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrProviderFailed, ProviderOllama, err)
	}
	if len(vectors) != len(req.Texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d texts", ErrProviderFailed, len(vectors), len(req.Texts))
	}

	embeddings := make([]*Embedding, len(vectors))
	for i, v := range vectors {
		embeddings[i] = &Embedding{
			Vector:    v,
			Dimension: len(v),
			Provider:  ProviderOllama,
			Model:     o.model,
		}
	}

	return &BatchEmbeddingResponse{
		Embeddings: embeddings,
		Provider:   ProviderOllama,
		Model:      o.model,
	}, nil
}

func (o *OllamaProvider) Dimension() int {
	return o.dimension
}

func (o *OllamaProvider) Provider() string {
	return ProviderOllama
}

func (o *OllamaProvider) Model() string {
	return o.model
}

func (o *OllamaProvider) Close() error {
	return nil
}
