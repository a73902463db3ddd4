package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memmesh/memmesh/pkg/graphstore"
	"github.com/memmesh/memmesh/pkg/history"
	"github.com/memmesh/memmesh/pkg/llm"
	"github.com/memmesh/memmesh/pkg/models"
	"github.com/memmesh/memmesh/pkg/scope"
	"github.com/memmesh/memmesh/pkg/vectorstore"
)

// scriptedProvider answers chat calls from a queue and embeds text
// deterministically, with per-text overrides for similarity control.
type scriptedProvider struct {
	mu         sync.Mutex
	chat       []string
	chatCalls  int
	embeddings map[string][]float32
}

func (p *scriptedProvider) pushChat(responses ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chat = append(p.chat, responses...)
}

func (p *scriptedProvider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if vector, ok := p.embeddings[text]; ok {
		return append([]float32(nil), vector...), nil
	}
	return []float32{1, 0, 0, 0}, nil
}

func (p *scriptedProvider) Chat(_ context.Context, _, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chatCalls++
	if len(p.chat) == 0 {
		return "", fmt.Errorf("unexpected chat call %d", p.chatCalls)
	}
	response := p.chat[0]
	p.chat = p.chat[1:]
	return response, nil
}

func (p *scriptedProvider) Name() string    { return "scripted" }
func (p *scriptedProvider) Dimensions() int { return 4 }

type testEnv struct {
	engine   *Engine
	provider *scriptedProvider
	vectors  *vectorstore.InMemoryStore
	graph    *graphstore.InMemoryGraph
	log      *history.InMemoryStore
}

func newTestEnv(t *testing.T, config Config) *testEnv {
	t.Helper()
	provider := &scriptedProvider{embeddings: map[string][]float32{}}
	gateway := llm.NewGateway(provider, nil, llm.GatewayConfig{MaxAttempts: 1}, nil, nil)
	resolver, err := scope.NewResolver(models.Scope{})
	require.NoError(t, err)

	vectors := vectorstore.NewInMemoryStore(vectorstore.DistanceCosine)
	graph := graphstore.NewInMemoryGraph()
	log := history.NewInMemoryStore()
	return &testEnv{
		engine:   New(resolver, gateway, vectors, graph, log, config, nil, nil),
		provider: provider,
		vectors:  vectors,
		graph:    graph,
		log:      log,
	}
}

func userScope() models.Scope { return models.Scope{UserID: "u1"} }

// seed stores one memory through the raw path and returns its id.
func seed(t *testing.T, env *testEnv, text string) string {
	t.Helper()
	result, err := env.engine.Add(context.Background(), userScope(),
		[]models.Message{{Role: "user", Content: text}}, nil, false)
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	require.Equal(t, models.OpAdd, result.Results[0].Event)
	return result.Results[0].ID
}

func TestGetRequiresIdentityScope(t *testing.T) {
	env := newTestEnv(t, Config{})

	_, err := env.engine.Get(context.Background(), models.Scope{OrgID: "o1"}, "m1")
	assert.True(t, models.IsKind(err, models.ErrInvalidScope))
}

func TestGetUnknownIDIsNotFound(t *testing.T) {
	env := newTestEnv(t, Config{})

	_, err := env.engine.Get(context.Background(), userScope(), "missing")
	assert.True(t, models.IsKind(err, models.ErrNotFound))
}

func TestUpdateReplacesTextAndLogsHistory(t *testing.T) {
	env := newTestEnv(t, Config{})
	id := seed(t, env, "likes pizza")

	updated, err := env.engine.Update(context.Background(), userScope(), id, "likes pizza without pepperoni")
	require.NoError(t, err)
	assert.Equal(t, "likes pizza without pepperoni", updated.Text)
	assert.Equal(t, models.HashText("likes pizza without pepperoni"), updated.Hash)

	events, err := env.engine.History(context.Background(), userScope(), id)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.OpUpdate, events[1].Op)
	assert.Equal(t, "likes pizza", events[1].PrevText)
}

func TestUpdateKeepsPausedState(t *testing.T) {
	env := newTestEnv(t, Config{})
	id := seed(t, env, "likes pizza")

	_, err := env.engine.SetState(context.Background(), userScope(), id, models.StatePaused)
	require.NoError(t, err)

	updated, err := env.engine.Update(context.Background(), userScope(), id, "loves pizza")
	require.NoError(t, err)
	assert.Equal(t, models.StatePaused, updated.State)
}

func TestDeleteIsIdempotentTombstone(t *testing.T) {
	env := newTestEnv(t, Config{})
	id := seed(t, env, "likes pizza")

	require.NoError(t, env.engine.Delete(context.Background(), userScope(), id))
	// Second delete of the tombstone is a no-op, not an error.
	require.NoError(t, env.engine.Delete(context.Background(), userScope(), id))

	_, err := env.engine.Get(context.Background(), userScope(), id)
	require.NoError(t, err)

	events, err := env.engine.History(context.Background(), userScope(), id)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.OpDelete, events[1].Op)
}

func TestUpdateDeletedMemoryIsNotFound(t *testing.T) {
	env := newTestEnv(t, Config{})
	id := seed(t, env, "likes pizza")
	require.NoError(t, env.engine.Delete(context.Background(), userScope(), id))

	_, err := env.engine.Update(context.Background(), userScope(), id, "loves pizza")
	assert.True(t, models.IsKind(err, models.ErrNotFound))
}

func TestDeleteAllWritesPerMemoryHistory(t *testing.T) {
	env := newTestEnv(t, Config{})
	idA := seed(t, env, "fact a")
	idB := seed(t, env, "fact b")
	other, err := env.engine.Add(context.Background(), models.Scope{UserID: "u2"},
		[]models.Message{{Role: "user", Content: "other tenant"}}, nil, false)
	require.NoError(t, err)

	require.NoError(t, env.engine.DeleteAll(context.Background(), userScope()))

	for _, id := range []string{idA, idB} {
		memory, err := env.engine.Get(context.Background(), userScope(), id)
		require.NoError(t, err)
		assert.Equal(t, models.StateDeleted, memory.State)

		events, err := env.engine.History(context.Background(), userScope(), id)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, models.OpDelete, events[1].Op)
	}

	// The other tenant is untouched.
	memory, err := env.engine.Get(context.Background(), models.Scope{UserID: "u2"}, other.Results[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, memory.State)
}

func TestSetStateTransitions(t *testing.T) {
	env := newTestEnv(t, Config{})
	id := seed(t, env, "likes pizza")

	paused, err := env.engine.SetState(context.Background(), userScope(), id, models.StatePaused)
	require.NoError(t, err)
	assert.Equal(t, models.StatePaused, paused.State)

	active, err := env.engine.SetState(context.Background(), userScope(), id, models.StateActive)
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, active.State)

	archived, err := env.engine.SetState(context.Background(), userScope(), id, models.StateArchived)
	require.NoError(t, err)
	assert.Equal(t, models.StateArchived, archived.State)

	_, err = env.engine.SetState(context.Background(), userScope(), id, models.StateActive)
	assert.True(t, models.IsKind(err, models.ErrInvalidStateTransition))
}

func TestSetStateRejectsDeleted(t *testing.T) {
	env := newTestEnv(t, Config{})
	id := seed(t, env, "likes pizza")

	_, err := env.engine.SetState(context.Background(), userScope(), id, models.StateDeleted)
	assert.True(t, models.IsKind(err, models.ErrValidation))
}

func TestSetStateRecordsTransitionActor(t *testing.T) {
	env := newTestEnv(t, Config{})
	id := seed(t, env, "likes pizza")

	_, err := env.engine.SetState(context.Background(), userScope(), id, models.StatePaused)
	require.NoError(t, err)

	events, err := env.engine.History(context.Background(), userScope(), id)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "set_state:paused", events[1].Actor)
	assert.Equal(t, events[1].PrevText, events[1].NewText)
}

func TestHistoryReplayReconstructsSetState(t *testing.T) {
	env := newTestEnv(t, Config{})
	id := seed(t, env, "likes pizza")

	_, err := env.engine.SetState(context.Background(), userScope(), id, models.StatePaused)
	require.NoError(t, err)

	events, err := env.engine.History(context.Background(), userScope(), id)
	require.NoError(t, err)

	text, state, ok := history.Replay(events)
	require.True(t, ok)
	assert.Equal(t, "likes pizza", text)
	assert.Equal(t, models.StatePaused, state)

	memory, err := env.engine.Get(context.Background(), userScope(), id)
	require.NoError(t, err)
	assert.Equal(t, memory.State, state)
}

func TestListPagesScopedMemories(t *testing.T) {
	env := newTestEnv(t, Config{})
	for i := 0; i < 3; i++ {
		seed(t, env, fmt.Sprintf("fact %d", i))
	}

	page, err := env.engine.List(context.Background(), userScope(), vectorstore.Filters{}, 1, 2)
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	assert.Equal(t, 3, page.Total)
}

func TestPingReportsDependencies(t *testing.T) {
	env := newTestEnv(t, Config{})

	deps := env.engine.Ping(context.Background())
	assert.Equal(t, "ok", deps["vector"])
	assert.Equal(t, "ok", deps["graph"])
	assert.Equal(t, "scripted", deps["llm"])
}
