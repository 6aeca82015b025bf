package embed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zirihq/ziri/internal/zirierr"
)

// Limits describes the constraints a Provider operates under.
type Limits struct {
	MaxTokensPerRequest int
	EmbeddingDimensions int
}

// TestResult is returned by Provider.Test: a trivial embed("probe")
// round-trip used for health checks and the CLI's `validate` path.
type TestResult struct {
	Success        bool
	ResponseTime   time.Duration
	ModelInfo      string
	Err            error
}

// Provider is the capability the pipeline depends on:
// `{ embed(texts) -> vectors, test(), getLimits() }`, plus the
// identifying fields every implementation must expose.
type Provider interface {
	ModelName() string
	EmbeddingDimensions() int
	Limits() Limits
	GetRecommendedBatchSize() int
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Test(ctx context.Context) TestResult
}

// MaxTokensPerRequestFor returns a provider-appropriate token ceiling.
// The Ollama and local-server backends do not expose a token limit of their own
// (they bound by character count and timeout instead), so this is a
// conservative estimate: ~4 characters per token, capped at the
// context window used for embedding requests.
func MaxTokensPerRequestFor(contextChars int) int {
	if contextChars <= 0 {
		contextChars = DefaultContext
	}
	return contextChars / 4
}

// providerAdapter wraps an Embedder to satisfy Provider without
// disturbing existing Embedder implementations or their tests.
type providerAdapter struct {
	embedder     Embedder
	contextChars int
}

// NewProvider adapts an Embedder into a Provider. contextChars informs
// the token-limit estimate; pass 0 to use DefaultContext.
func NewProvider(embedder Embedder, contextChars int) Provider {
	return &providerAdapter{embedder: embedder, contextChars: contextChars}
}

func (p *providerAdapter) ModelName() string { return p.embedder.ModelName() }

func (p *providerAdapter) EmbeddingDimensions() int { return p.embedder.Dimensions() }

func (p *providerAdapter) Limits() Limits {
	return Limits{
		MaxTokensPerRequest: MaxTokensPerRequestFor(p.contextChars),
		EmbeddingDimensions: p.embedder.Dimensions(),
	}
}

func (p *providerAdapter) GetRecommendedBatchSize() int {
	return DefaultBatchSize
}

func (p *providerAdapter) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, classifyProviderErr(err)
	}
	if len(vectors) != len(texts) {
		return nil, &zirierr.Error{
			Kind:    zirierr.ProviderServer,
			Message: fmt.Sprintf("provider returned %d vectors for %d inputs", len(vectors), len(texts)),
		}
	}
	// A dimension mismatch is a misconfigured model, not a transport
	// failure: warn so callers can detect it, don't fail the batch.
	if want := p.embedder.Dimensions(); want > 0 && len(vectors) > 0 && len(vectors[0]) != want {
		slog.Warn("embedding dimensions differ from the configured model",
			slog.String("model", p.embedder.ModelName()),
			slog.Int("expected", want),
			slog.Int("actual", len(vectors[0])))
	}
	return vectors, nil
}

func (p *providerAdapter) Test(ctx context.Context) TestResult {
	start := time.Now()
	vectors, err := p.embedder.EmbedBatch(ctx, []string{"probe"})
	elapsed := time.Since(start)
	if err != nil {
		return TestResult{Success: false, ResponseTime: elapsed, Err: classifyProviderErr(err)}
	}
	if len(vectors) != 1 {
		return TestResult{Success: false, ResponseTime: elapsed, Err: fmt.Errorf("expected 1 probe vector, got %d", len(vectors))}
	}
	return TestResult{Success: true, ResponseTime: elapsed, ModelInfo: p.embedder.ModelName()}
}

// classifyProviderErr maps an Embedder error into a zirierr.Error kind
// if it isn't one already; errors the HTTP backends have already
// classified pass through unchanged.
func classifyProviderErr(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*zirierr.Error); ok {
		return err
	}
	return &zirierr.Error{Kind: zirierr.ProviderNetwork, Message: err.Error(), Cause: err, Retryable: true}
}
