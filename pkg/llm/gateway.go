package llm

import (
	"context"
	"encoding/json"
	"math"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"github.com/xeipuuv/gojsonschema"

	"github.com/memmesh/memmesh/pkg/models"
	"github.com/memmesh/memmesh/pkg/observability"
	"github.com/memmesh/memmesh/pkg/retry"
)

// GatewayConfig bounds the gateway's resource usage.
type GatewayConfig struct {
	// MaxConcurrency caps in-flight provider calls.
	MaxConcurrency int `mapstructure:"max_concurrency"`
	// MaxQueued caps callers waiting for a slot before Overloaded.
	MaxQueued int `mapstructure:"max_queued"`
	// MaxAttempts bounds retries per call.
	MaxAttempts int `mapstructure:"max_attempts"`
	// RetryBudget bounds total elapsed time across retries.
	RetryBudget time.Duration `mapstructure:"retry_budget"`
}

// Gateway wraps a Provider with retries, a circuit breaker, a
// concurrency cap and response validation. It is stateless apart from
// breaker state and safe for concurrent use.
type Gateway struct {
	provider Provider
	cache    *EmbeddingCache
	breaker  *gobreaker.CircuitBreaker
	policy   retry.Policy
	slots    chan struct{}
	waiters  atomic.Int64
	config   GatewayConfig
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// NewGateway creates a gateway around the provider. cache may be nil.
func NewGateway(provider Provider, cache *EmbeddingCache, config GatewayConfig, logger observability.Logger, metrics observability.MetricsClient) *Gateway {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 8
	}
	if config.MaxQueued <= 0 {
		config.MaxQueued = 64
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.RetryBudget <= 0 {
		config.RetryBudget = 30 * time.Second
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm-provider",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && counts.TotalFailures*2 >= counts.Requests
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", map[string]interface{}{
				"breaker": name, "from": from.String(), "to": to.String(),
			})
		},
	})

	return &Gateway{
		provider: provider,
		cache:    cache,
		breaker:  breaker,
		policy: retry.NewExponentialBackoff(retry.Config{
			MaxAttempts:    config.MaxAttempts,
			MaxElapsedTime: config.RetryBudget,
		}),
		slots:   make(chan struct{}, config.MaxConcurrency),
		config:  config,
		logger:  logger.WithPrefix("llm"),
		metrics: metrics,
	}
}

// Dimensions returns the provider's fixed embedding dimension.
func (g *Gateway) Dimensions() int { return g.provider.Dimensions() }

// ProviderName identifies the wrapped provider for health reporting.
func (g *Gateway) ProviderName() string { return g.provider.Name() }

// acquire takes a concurrency slot, failing fast with Overloaded when
// the wait queue is full.
func (g *Gateway) acquire(ctx context.Context) (func(), error) {
	select {
	case g.slots <- struct{}{}:
		return func() { <-g.slots }, nil
	default:
	}

	if g.waiters.Add(1) > int64(g.config.MaxQueued) {
		g.waiters.Add(-1)
		g.metrics.IncrementCounter("llm_overloaded_total", 1, nil)
		return nil, models.NewError(models.ErrOverloaded, "llm concurrency queue full")
	}
	defer g.waiters.Add(-1)

	select {
	case g.slots <- struct{}{}:
		return func() { <-g.slots }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Embed produces a unit-normalized vector for text. Fails with
// EmbedError after bounded retries; Overloaded when the cap is hit.
func (g *Gateway) Embed(ctx context.Context, text string) ([]float32, error) {
	if g.cache != nil {
		if vector := g.cache.Get(ctx, text); vector != nil {
			g.metrics.IncrementCounter("embedding_cache_hits_total", 1, nil)
			return vector, nil
		}
	}

	release, err := g.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	started := time.Now()
	var vector []float32
	err = g.policy.Execute(ctx, func(ctx context.Context) error {
		result, err := g.breaker.Execute(func() (interface{}, error) {
			return g.provider.Embed(ctx, text)
		})
		if err != nil {
			return err
		}
		vector = result.([]float32)
		return nil
	})
	g.metrics.RecordOperation("llm", "embed", err == nil, time.Since(started))
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, models.WrapError(models.ErrOverloaded, err, "embedding provider unavailable")
		}
		return nil, models.WrapError(models.ErrEmbed, err, "embedding failed after retries")
	}
	if len(vector) != g.provider.Dimensions() {
		return nil, models.NewError(models.ErrEmbed,
			"provider returned %d dimensions, expected %d", len(vector), g.provider.Dimensions())
	}

	normalize(vector)
	if g.cache != nil {
		g.cache.Put(ctx, text, vector)
	}
	return vector, nil
}

// Plan sends a structured prompt, validates the response against the
// compiled JSON schema and unmarshals it into out. Fails with
// PlanError on empty or schema-violating responses.
func (g *Gateway) Plan(ctx context.Context, system, user string, schema *gojsonschema.Schema, out interface{}) error {
	release, err := g.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	started := time.Now()
	var raw string
	err = g.policy.Execute(ctx, func(ctx context.Context) error {
		result, err := g.breaker.Execute(func() (interface{}, error) {
			return g.provider.Chat(ctx, system, user)
		})
		if err != nil {
			return err
		}
		raw = result.(string)
		return nil
	})
	g.metrics.RecordOperation("llm", "plan", err == nil, time.Since(started))
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return models.WrapError(models.ErrOverloaded, err, "chat provider unavailable")
		}
		return models.WrapError(models.ErrPlan, err, "plan call failed after retries")
	}
	if raw == "" {
		return models.NewError(models.ErrPlan, "empty plan response")
	}

	if schema != nil {
		result, err := schema.Validate(gojsonschema.NewStringLoader(raw))
		if err != nil {
			return models.WrapError(models.ErrPlan, err, "plan response is not valid JSON")
		}
		if !result.Valid() {
			first := ""
			if errs := result.Errors(); len(errs) > 0 {
				first = errs[0].String()
			}
			return models.NewError(models.ErrPlan, "plan response violates schema: %s", first)
		}
	}

	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return models.WrapError(models.ErrPlan, err, "plan response unmarshal failed")
	}
	return nil
}

// normalize scales the vector to unit length in place. Zero vectors
// are left untouched.
func normalize(vector []float32) {
	var sum float64
	for _, v := range vector {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for i := range vector {
		vector[i] = float32(float64(vector[i]) / norm)
	}
}
