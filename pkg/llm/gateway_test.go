package llm

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xeipuuv/gojsonschema"

	"github.com/memmesh/memmesh/pkg/models"
)

// fakeProvider scripts provider behavior for gateway tests.
type fakeProvider struct {
	mu         sync.Mutex
	embedCalls int
	chatCalls  int
	embedFails int
	chatFails  int
	vector     []float32
	chatText   string
	block      chan struct{}
}

func (f *fakeProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	f.embedCalls++
	fail := f.embedCalls <= f.embedFails
	f.mu.Unlock()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errors.New("provider down")
	}
	out := make([]float32, len(f.vector))
	copy(out, f.vector)
	return out, nil
}

func (f *fakeProvider) Chat(ctx context.Context, system, user string) (string, error) {
	f.mu.Lock()
	f.chatCalls++
	fail := f.chatCalls <= f.chatFails
	f.mu.Unlock()
	if fail {
		return "", errors.New("provider down")
	}
	return f.chatText, nil
}

func (f *fakeProvider) Name() string    { return "fake" }
func (f *fakeProvider) Dimensions() int { return len(f.vector) }

func TestEmbedNormalizesVector(t *testing.T) {
	provider := &fakeProvider{vector: []float32{3, 4}}
	gw := NewGateway(provider, nil, GatewayConfig{}, nil, nil)

	vector, err := gw.Embed(context.Background(), "hello")
	require.NoError(t, err)
	require.Len(t, vector, 2)

	var norm float64
	for _, v := range vector {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-6)
}

func TestEmbedRetriesTransientFailures(t *testing.T) {
	provider := &fakeProvider{vector: []float32{1, 0}, embedFails: 2}
	gw := NewGateway(provider, nil, GatewayConfig{MaxAttempts: 3, RetryBudget: 5 * time.Second}, nil, nil)

	_, err := gw.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, 3, provider.embedCalls)
}

func TestEmbedFailsWithEmbedErrorAfterRetries(t *testing.T) {
	provider := &fakeProvider{vector: []float32{1, 0}, embedFails: 10}
	gw := NewGateway(provider, nil, GatewayConfig{MaxAttempts: 3, RetryBudget: 5 * time.Second}, nil, nil)

	_, err := gw.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Equal(t, models.ErrEmbed, models.KindOf(err))
}

func TestEmbedOverloadedWhenQueueFull(t *testing.T) {
	provider := &fakeProvider{vector: []float32{1, 0}, block: make(chan struct{})}
	gw := NewGateway(provider, nil, GatewayConfig{MaxConcurrency: 1, MaxQueued: 1}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	// One call holds the slot, one waits in the queue.
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = gw.Embed(ctx, "busy")
		}()
	}
	// Give the in-flight calls time to occupy slot and queue.
	time.Sleep(50 * time.Millisecond)

	_, err := gw.Embed(ctx, "excess")
	require.Error(t, err)
	assert.Equal(t, models.ErrOverloaded, models.KindOf(err))

	close(provider.block)
	cancel()
	wg.Wait()
}

func TestPlanValidatesAgainstSchema(t *testing.T) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(`{
		"type": "object",
		"properties": {"facts": {"type": "array", "items": {"type": "string"}}},
		"required": ["facts"]
	}`))
	require.NoError(t, err)

	provider := &fakeProvider{vector: []float32{1}, chatText: `{"facts": ["likes pizza"]}`}
	gw := NewGateway(provider, nil, GatewayConfig{}, nil, nil)

	var out struct {
		Facts []string `json:"facts"`
	}
	require.NoError(t, gw.Plan(context.Background(), "sys", "user", schema, &out))
	assert.Equal(t, []string{"likes pizza"}, out.Facts)
}

func TestPlanRejectsSchemaViolation(t *testing.T) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(`{
		"type": "object",
		"properties": {"facts": {"type": "array"}},
		"required": ["facts"]
	}`))
	require.NoError(t, err)

	provider := &fakeProvider{vector: []float32{1}, chatText: `{"wrong": true}`}
	gw := NewGateway(provider, nil, GatewayConfig{}, nil, nil)

	var out map[string]interface{}
	err = gw.Plan(context.Background(), "sys", "user", schema, &out)
	require.Error(t, err)
	assert.Equal(t, models.ErrPlan, models.KindOf(err))
}

func TestPlanRejectsEmptyResponse(t *testing.T) {
	provider := &fakeProvider{vector: []float32{1}, chatText: ""}
	gw := NewGateway(provider, nil, GatewayConfig{}, nil, nil)

	var out map[string]interface{}
	err := gw.Plan(context.Background(), "sys", "user", nil, &out)
	require.Error(t, err)
	assert.Equal(t, models.ErrPlan, models.KindOf(err))
}

func TestEmbedRejectsDimensionMismatch(t *testing.T) {
	// Provider reports 3 dimensions but returns 2.
	provider := &dimLiar{fakeProvider{vector: []float32{1, 0}}}
	gw := NewGateway(provider, nil, GatewayConfig{}, nil, nil)

	_, err := gw.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Equal(t, models.ErrEmbed, models.KindOf(err))
}

type dimLiar struct{ fakeProvider }

func (d *dimLiar) Dimensions() int { return 3 }
