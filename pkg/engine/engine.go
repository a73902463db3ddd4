// Package engine orchestrates the memory pipeline: it turns incoming
// messages into reconciled memory operations, coordinates the vector
// and graph stores, and maintains the append-only history log.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/memmesh/memmesh/pkg/graphstore"
	"github.com/memmesh/memmesh/pkg/history"
	"github.com/memmesh/memmesh/pkg/llm"
	"github.com/memmesh/memmesh/pkg/models"
	"github.com/memmesh/memmesh/pkg/observability"
	"github.com/memmesh/memmesh/pkg/scope"
	"github.com/memmesh/memmesh/pkg/vectorstore"
)

// Config tunes the engine. Zero values get defaults.
type Config struct {
	// NeighborK is how many existing memories are retrieved per
	// candidate fact for reconciliation. Clamped to [1, 50].
	NeighborK int `mapstructure:"neighbor_k"`
	// GraphEnabled turns the graph pass on.
	GraphEnabled bool `mapstructure:"graph_enabled"`
	// GraphQueryLLM uses a plan call to extract entity mentions from
	// search queries; when false a lexical heuristic is used instead.
	GraphQueryLLM bool `mapstructure:"graph_query_llm"`
	// Per-operation deadlines.
	AddTimeout     time.Duration `mapstructure:"add_timeout"`
	SearchTimeout  time.Duration `mapstructure:"search_timeout"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

func (c *Config) applyDefaults() {
	if c.NeighborK <= 0 {
		c.NeighborK = 5
	}
	if c.NeighborK > 50 {
		c.NeighborK = 50
	}
	if c.AddTimeout <= 0 {
		c.AddTimeout = 60 * time.Second
	}
	if c.SearchTimeout <= 0 {
		c.SearchTimeout = 15 * time.Second
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 10 * time.Second
	}
}

// Engine is the memory engine. One value is constructed per process
// and shared by every handler; it holds no per-request state beyond
// the short-lived per-id latches.
type Engine struct {
	resolver *scope.Resolver
	gateway  *llm.Gateway
	vectors  vectorstore.Store
	graph    graphstore.Store
	log      history.Store
	latches  *latchMap
	config   Config
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// New constructs the engine. graph may be nil when the graph pass is
// disabled for the deployment.
func New(
	resolver *scope.Resolver,
	gateway *llm.Gateway,
	vectors vectorstore.Store,
	graph graphstore.Store,
	log history.Store,
	config Config,
	logger observability.Logger,
	metrics observability.MetricsClient,
) *Engine {
	config.applyDefaults()
	if graph == nil {
		config.GraphEnabled = false
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	return &Engine{
		resolver: resolver,
		gateway:  gateway,
		vectors:  vectors,
		graph:    graph,
		log:      log,
		latches:  newLatchMap(),
		config:   config,
		logger:   logger.WithPrefix("engine"),
		metrics:  metrics,
	}
}

// actor recorded on history events written by the engine itself.
const engineActor = "engine"

// mapTimeout converts a context deadline error into the Timeout kind;
// other errors pass through.
func mapTimeout(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || (ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded)) {
		return models.WrapError(models.ErrTimeout, err, "operation deadline exceeded")
	}
	return err
}

// Get returns one memory by id.
func (e *Engine) Get(ctx context.Context, requestScope models.Scope, id string) (*models.Memory, error) {
	resolved, err := e.resolver.Resolve(requestScope)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, e.config.DefaultTimeout)
	defer cancel()

	memory, err := e.vectors.Get(ctx, resolved, id)
	return memory, mapTimeout(ctx, err)
}

// List returns a page of memories in scope.
func (e *Engine) List(ctx context.Context, requestScope models.Scope, filters vectorstore.Filters, page, size int) (*models.MemoryPage, error) {
	resolved, err := e.resolver.Resolve(requestScope)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, e.config.DefaultTimeout)
	defer cancel()

	result, err := e.vectors.List(ctx, resolved, filters, page, size)
	return result, mapTimeout(ctx, err)
}

// History returns the event log of one memory, oldest first.
func (e *Engine) History(ctx context.Context, requestScope models.Scope, id string) ([]models.HistoryEvent, error) {
	resolved, err := e.resolver.Resolve(requestScope)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, e.config.DefaultTimeout)
	defer cancel()

	events, err := e.log.ForMemory(ctx, resolved, id)
	return events, mapTimeout(ctx, err)
}

// Update replaces the text of one memory, recomputing embedding and
// hash atomically from the caller's perspective. The memory's state is
// untouched, so updating a paused memory keeps it paused.
func (e *Engine) Update(ctx context.Context, requestScope models.Scope, id, newText string) (*models.Memory, error) {
	resolved, err := e.resolver.ResolveMutating(requestScope)
	if err != nil {
		return nil, err
	}
	if newText == "" {
		return nil, models.NewError(models.ErrValidation, "new text must not be empty")
	}
	ctx, cancel := context.WithTimeout(ctx, e.config.DefaultTimeout)
	defer cancel()
	ctx, span := observability.StartSpan(ctx, "engine.update", attribute.String("memory_id", id))
	var opErr error
	defer func() { observability.EndSpan(span, opErr) }()

	// Embed before taking the latch; the latch is only held around the
	// read-modify-write against the store.
	embedding, err := e.gateway.Embed(ctx, newText)
	if err != nil {
		opErr = mapTimeout(ctx, err)
		return nil, opErr
	}

	release := e.latches.lock(id)
	defer release()

	previous, err := e.vectors.Get(ctx, resolved, id)
	if err != nil {
		opErr = mapTimeout(ctx, err)
		return nil, opErr
	}
	if previous.State == models.StateDeleted {
		opErr = models.NewError(models.ErrNotFound, "memory %s is deleted", id)
		return nil, opErr
	}

	hash := models.HashText(newText)
	if err := e.vectors.Update(ctx, resolved, id, vectorstore.Update{
		Text:      &newText,
		Embedding: embedding,
		Hash:      &hash,
	}); err != nil {
		opErr = mapTimeout(ctx, err)
		return nil, opErr
	}
	if err := e.appendEvent(ctx, resolved, id, models.OpUpdate, previous.Text, newText); err != nil {
		opErr = mapTimeout(ctx, err)
		return nil, opErr
	}
	memory, err := e.vectors.Get(ctx, resolved, id)
	opErr = mapTimeout(ctx, err)
	return memory, opErr
}

// Delete soft-deletes one memory; its history is retained.
func (e *Engine) Delete(ctx context.Context, requestScope models.Scope, id string) error {
	resolved, err := e.resolver.ResolveMutating(requestScope)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, e.config.DefaultTimeout)
	defer cancel()

	release := e.latches.lock(id)
	defer release()

	previous, err := e.vectors.Get(ctx, resolved, id)
	if err != nil {
		return mapTimeout(ctx, err)
	}
	if previous.State == models.StateDeleted {
		return nil
	}
	if err := e.vectors.Delete(ctx, resolved, id); err != nil {
		return mapTimeout(ctx, err)
	}
	return mapTimeout(ctx, e.appendEvent(ctx, resolved, id, models.OpDelete, previous.Text, ""))
}

// DeleteAll soft-deletes every memory in scope, one history event per
// memory.
func (e *Engine) DeleteAll(ctx context.Context, requestScope models.Scope) error {
	resolved, err := e.resolver.ResolveMutating(requestScope)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, e.config.DefaultTimeout)
	defer cancel()

	// Walk every non-deleted memory so each gets its history event.
	filters := vectorstore.Filters{States: []models.MemoryState{
		models.StateActive, models.StatePaused, models.StateArchived,
	}}
	for {
		page, err := e.vectors.List(ctx, resolved, filters, 1, 200)
		if err != nil {
			return mapTimeout(ctx, err)
		}
		if len(page.Items) == 0 {
			return nil
		}
		for _, memory := range page.Items {
			if err := e.Delete(ctx, requestScope, memory.ID); err != nil {
				return mapTimeout(ctx, err)
			}
		}
	}
}

// SetState transitions one memory between active, paused and archived.
// Deleting goes through Delete; any transition the state machine does
// not permit fails with InvalidStateTransition.
func (e *Engine) SetState(ctx context.Context, requestScope models.Scope, id string, state models.MemoryState) (*models.Memory, error) {
	resolved, err := e.resolver.ResolveMutating(requestScope)
	if err != nil {
		return nil, err
	}
	if err := state.Validate(); err != nil {
		return nil, err
	}
	if state == models.StateDeleted {
		return nil, models.NewError(models.ErrValidation, "use delete to remove a memory")
	}
	ctx, cancel := context.WithTimeout(ctx, e.config.DefaultTimeout)
	defer cancel()

	release := e.latches.lock(id)
	defer release()

	current, err := e.vectors.Get(ctx, resolved, id)
	if err != nil {
		return nil, mapTimeout(ctx, err)
	}
	if current.State == state {
		return current, nil
	}
	if !current.State.CanTransition(state) {
		return nil, models.NewError(models.ErrInvalidStateTransition,
			"cannot transition %s -> %s", current.State, state)
	}
	if err := e.vectors.Update(ctx, resolved, id, vectorstore.Update{State: &state}); err != nil {
		return nil, mapTimeout(ctx, err)
	}
	// State-only changes are recorded as UPDATE events with unchanged
	// text; the actor field carries the transition.
	event := &models.HistoryEvent{
		EventID:   uuid.NewString(),
		MemoryID:  id,
		Scope:     resolved,
		Op:        models.OpUpdate,
		PrevText:  current.Text,
		NewText:   current.Text,
		Actor:     models.StateActor(state),
		CreatedAt: time.Now().UTC(),
	}
	if err := e.log.Append(ctx, event); err != nil {
		return nil, mapTimeout(ctx, err)
	}
	memory, err := e.vectors.Get(ctx, resolved, id)
	return memory, mapTimeout(ctx, err)
}

// Ping reports dependency health for the health endpoint.
func (e *Engine) Ping(ctx context.Context) map[string]string {
	deps := map[string]string{"vector": "ok", "llm": "ok"}
	if err := e.vectors.Ping(ctx); err != nil {
		deps["vector"] = err.Error()
	}
	if e.graph != nil {
		deps["graph"] = "ok"
		if err := e.graph.Ping(ctx); err != nil {
			deps["graph"] = err.Error()
		}
	}
	deps["llm"] = e.gateway.ProviderName()
	return deps
}

func (e *Engine) appendEvent(ctx context.Context, resolved models.Scope, memoryID string, op models.MemoryOp, prevText, newText string) error {
	return e.log.Append(ctx, &models.HistoryEvent{
		EventID:   uuid.NewString(),
		MemoryID:  memoryID,
		Scope:     resolved,
		Op:        op,
		PrevText:  prevText,
		NewText:   newText,
		Actor:     engineActor,
		CreatedAt: time.Now().UTC(),
	})
}
