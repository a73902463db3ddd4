package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/memmesh/memmesh/pkg/graphstore"
	"github.com/memmesh/memmesh/pkg/models"
	"github.com/memmesh/memmesh/pkg/observability"
	"github.com/memmesh/memmesh/pkg/vectorstore"
)

// candidate is one fact flowing through the add pipeline, carrying its
// embedding and the reconciled decision.
type candidate struct {
	text      string
	embedding []float32
	decision  reconcileDecision
}

// Add ingests a conversation. With infer, facts are extracted and
// reconciled against stored memories before anything is written; the
// raw path stores each message verbatim. The vector writes are the
// source of truth; the graph pass afterwards is best effort and never
// fails the call.
func (e *Engine) Add(ctx context.Context, requestScope models.Scope, messages []models.Message, metadata map[string]interface{}, infer bool) (*models.AddResult, error) {
	resolved, err := e.resolver.ResolveMutating(requestScope)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return &models.AddResult{Results: []models.OpResult{}}, nil
	}
	for i, message := range messages {
		if strings.TrimSpace(message.Content) == "" {
			return nil, models.NewError(models.ErrValidation, "message %d has empty content", i)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, e.config.AddTimeout)
	defer cancel()
	ctx, span := observability.StartSpan(ctx, "engine.add",
		attribute.Bool("infer", infer),
		attribute.Int("messages", len(messages)))
	var opErr error
	defer func() { observability.EndSpan(span, opErr) }()
	started := time.Now()

	var facts []string
	if infer {
		facts, err = e.extractFacts(ctx, messages)
		if err != nil {
			opErr = mapTimeout(ctx, err)
			return nil, opErr
		}
		if len(facts) == 0 {
			e.logger.Debug("no facts extracted", map[string]interface{}{"messages": len(messages)})
			return &models.AddResult{Results: []models.OpResult{}}, nil
		}
	} else {
		for _, message := range messages {
			facts = append(facts, message.Content)
		}
	}

	candidates, err := e.embedAll(ctx, facts)
	if err != nil {
		opErr = mapTimeout(ctx, err)
		return nil, opErr
	}

	neighbors, err := e.gatherNeighbors(ctx, resolved, candidates)
	if err != nil {
		opErr = mapTimeout(ctx, err)
		return nil, opErr
	}

	if infer {
		e.reconcile(ctx, resolved, neighbors, candidates)
	} else {
		// Raw path: store everything, deduplicated by content hash.
		for i := range candidates {
			candidates[i].decision = reconcileDecision{Event: "ADD", Text: candidates[i].text}
		}
	}
	e.sanitize(neighbors, candidates)

	result := e.apply(ctx, resolved, neighbors, candidates, metadata)
	failed := 0
	for _, op := range result.Results {
		if op.Error != "" {
			failed++
		}
	}

	if e.config.GraphEnabled && infer {
		e.graphPass(ctx, resolved, facts, result)
	}

	e.metrics.RecordOperation("engine", "add", failed == 0, time.Since(started))
	if failed > 0 {
		opErr = models.NewError(models.ErrPartialFailure,
			"%d of %d operations failed", failed, len(result.Results)).
			WithDetail("failed", failed)
		return result, opErr
	}
	return result, nil
}

// Search retrieves the top-k memories for a query, optionally enriched
// with the graph neighborhood of entities the query mentions.
func (e *Engine) Search(ctx context.Context, requestScope models.Scope, query string, k int, filters vectorstore.Filters) (*models.SearchResult, error) {
	resolved, err := e.resolver.Resolve(requestScope)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" {
		return nil, models.NewError(models.ErrValidation, "query must not be empty")
	}
	if k <= 0 {
		return &models.SearchResult{Memories: []models.SearchHit{}}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.config.SearchTimeout)
	defer cancel()
	ctx, span := observability.StartSpan(ctx, "engine.search", attribute.Int("k", k))
	var opErr error
	defer func() { observability.EndSpan(span, opErr) }()

	vector, err := e.gateway.Embed(ctx, query)
	if err != nil {
		opErr = mapTimeout(ctx, err)
		return nil, opErr
	}

	hits, err := e.vectors.Search(ctx, resolved, vector, k, filters)
	if err != nil {
		opErr = mapTimeout(ctx, err)
		return nil, opErr
	}

	result := &models.SearchResult{Memories: make([]models.SearchHit, 0, len(hits))}
	for _, hit := range hits {
		result.Memories = append(result.Memories, models.SearchHit{
			ID:        hit.Memory.ID,
			Text:      hit.Memory.Text,
			Score:     hit.Score,
			State:     hit.Memory.State,
			Metadata:  hit.Memory.Metadata,
			CreatedAt: hit.Memory.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	if e.config.GraphEnabled {
		if relations := e.queryGraph(ctx, resolved, query, vector); relations != nil {
			result.Relations = relations
		}
	}
	return result, nil
}

// extractFacts runs the extraction plan call over the transcript.
func (e *Engine) extractFacts(ctx context.Context, messages []models.Message) ([]string, error) {
	var response extractionResponse
	if err := e.gateway.Plan(ctx, extractionPrompt, transcript(messages), extractionSchema, &response); err != nil {
		return nil, err
	}
	facts := make([]string, 0, len(response.Facts))
	for _, fact := range response.Facts {
		if trimmed := strings.TrimSpace(fact); trimmed != "" {
			facts = append(facts, trimmed)
		}
	}
	return facts, nil
}

// embedAll embeds every fact concurrently. The gateway's own
// concurrency cap bounds the fan-out.
func (e *Engine) embedAll(ctx context.Context, facts []string) ([]candidate, error) {
	candidates := make([]candidate, len(facts))
	errs := make([]error, len(facts))
	var wg sync.WaitGroup
	for i, fact := range facts {
		candidates[i].text = fact
		wg.Add(1)
		go func(i int, fact string) {
			defer wg.Done()
			candidates[i].embedding, errs[i] = e.gateway.Embed(ctx, fact)
		}(i, fact)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return candidates, nil
}

// gatherNeighbors retrieves the nearest stored memories per candidate
// and returns the deduplicated union, which is both the reconciliation
// context and the dedup set.
func (e *Engine) gatherNeighbors(ctx context.Context, resolved models.Scope, candidates []candidate) (map[string]*models.Memory, error) {
	neighbors := make(map[string]*models.Memory)
	for _, c := range candidates {
		hits, err := e.vectors.Search(ctx, resolved, c.embedding, e.config.NeighborK, vectorstore.Filters{})
		if err != nil {
			return nil, err
		}
		for _, hit := range hits {
			neighbors[hit.Memory.ID] = hit.Memory
		}
	}
	return neighbors, nil
}

// reconcile asks the planner for a per-fact decision. A failed plan
// call degrades to storing every fact as new, which at worst creates a
// near-duplicate that the next reconciliation can collapse.
func (e *Engine) reconcile(ctx context.Context, resolved models.Scope, neighbors map[string]*models.Memory, candidates []candidate) {
	existing := make([]*models.Memory, 0, len(neighbors))
	for _, memory := range neighbors {
		existing = append(existing, memory)
	}
	sort.Slice(existing, func(i, j int) bool { return existing[i].ID < existing[j].ID })

	facts := make([]string, len(candidates))
	for i := range candidates {
		facts[i] = candidates[i].text
	}

	var response reconcileResponse
	err := e.gateway.Plan(ctx, reconcilePrompt, reconcileInput(existing, facts), reconcileSchema, &response)
	if err != nil || len(response.Memory) != len(candidates) {
		if err != nil {
			e.logger.Warn("reconcile plan failed, storing all facts as new", map[string]interface{}{
				"error": fmt.Sprint(err), "facts": len(candidates),
			})
		} else {
			e.logger.Warn("reconcile plan returned wrong cardinality, storing all facts as new", map[string]interface{}{
				"got": len(response.Memory), "want": len(candidates),
			})
		}
		e.metrics.IncrementCounter("reconcile_fallback_total", 1, nil)
		for i := range candidates {
			candidates[i].decision = reconcileDecision{Event: "ADD", Text: candidates[i].text}
		}
		return
	}
	for i := range candidates {
		candidates[i].decision = response.Memory[i]
	}
}

// sanitize repairs decisions the planner is not allowed to make:
// references to ids it was never shown become ADDs, additions of text
// already stored become no-ops, and deletes of tombstones are dropped.
func (e *Engine) sanitize(neighbors map[string]*models.Memory, candidates []candidate) {
	hashes := make(map[string]string, len(neighbors))
	for id, memory := range neighbors {
		if memory.State != models.StateDeleted {
			hashes[memory.Hash] = id
		}
	}

	for i := range candidates {
		decision := &candidates[i].decision
		switch decision.Event {
		case "ADD":
			if decision.Text == "" {
				decision.Text = candidates[i].text
			}
			if id, ok := hashes[models.HashText(decision.Text)]; ok {
				*decision = reconcileDecision{Event: "NONE", ID: id}
				continue
			}
			hashes[models.HashText(decision.Text)] = ""
		case "UPDATE":
			memory, ok := neighbors[decision.ID]
			if !ok || memory.State == models.StateDeleted {
				*decision = reconcileDecision{Event: "ADD", Text: candidates[i].text}
				continue
			}
			if decision.Text == "" || decision.Text == memory.Text {
				*decision = reconcileDecision{Event: "NONE", ID: decision.ID}
			}
		case "DELETE":
			memory, ok := neighbors[decision.ID]
			if !ok || memory.State == models.StateDeleted {
				*decision = reconcileDecision{Event: "NONE", ID: decision.ID}
			}
		default:
			decision.Event = "NONE"
		}
	}
}

// apply executes the sanitized decisions: deletes first, then updates,
// then additions, each under its memory's latch with a paired history
// event. The first store failure stops the loop; operations not yet
// attempted are reported as skipped.
func (e *Engine) apply(ctx context.Context, resolved models.Scope, neighbors map[string]*models.Memory, candidates []candidate, metadata map[string]interface{}) *models.AddResult {
	result := &models.AddResult{Results: make([]models.OpResult, len(candidates))}

	order := func(event string) int {
		switch event {
		case "DELETE":
			return 0
		case "UPDATE":
			return 1
		case "ADD":
			return 2
		default:
			return 3
		}
	}
	indexes := make([]int, len(candidates))
	for i := range indexes {
		indexes[i] = i
	}
	sort.SliceStable(indexes, func(a, b int) bool {
		return order(candidates[indexes[a]].decision.Event) < order(candidates[indexes[b]].decision.Event)
	})

	stopped := false
	for _, i := range indexes {
		c := candidates[i]
		if stopped && c.decision.Event != "NONE" {
			result.Results[i] = models.OpResult{
				ID: c.decision.ID, Event: models.MemoryOp(c.decision.Event),
				Text: c.decision.Text, Error: "skipped: previous operation failed",
			}
			continue
		}
		switch c.decision.Event {
		case "DELETE":
			result.Results[i] = e.applyDelete(ctx, resolved, neighbors[c.decision.ID])
		case "UPDATE":
			result.Results[i] = e.applyUpdate(ctx, resolved, neighbors[c.decision.ID], c)
		case "ADD":
			result.Results[i] = e.applyAdd(ctx, resolved, c, metadata)
		default:
			result.Results[i] = models.OpResult{ID: c.decision.ID, Event: models.OpNoop, Text: c.text}
		}
		if result.Results[i].Error != "" {
			stopped = true
		}
	}
	return result
}

func (e *Engine) applyDelete(ctx context.Context, resolved models.Scope, memory *models.Memory) models.OpResult {
	result := models.OpResult{ID: memory.ID, Event: models.OpDelete, PrevText: memory.Text}

	release := e.latches.lock(memory.ID)
	defer release()

	if err := e.vectors.Delete(ctx, resolved, memory.ID); err != nil {
		result.Error = err.Error()
		return result
	}
	if err := e.appendEvent(ctx, resolved, memory.ID, models.OpDelete, memory.Text, ""); err != nil {
		result.Error = err.Error()
	}
	return result
}

func (e *Engine) applyUpdate(ctx context.Context, resolved models.Scope, memory *models.Memory, c candidate) models.OpResult {
	result := models.OpResult{ID: memory.ID, Event: models.OpUpdate, Text: c.decision.Text, PrevText: memory.Text}

	// The merged text differs from the embedded fact, so it gets its
	// own embedding.
	embedding, err := e.gateway.Embed(ctx, c.decision.Text)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	release := e.latches.lock(memory.ID)
	defer release()

	hash := models.HashText(c.decision.Text)
	text := c.decision.Text
	if err := e.vectors.Update(ctx, resolved, memory.ID, vectorstore.Update{
		Text:      &text,
		Embedding: embedding,
		Hash:      &hash,
	}); err != nil {
		result.Error = err.Error()
		return result
	}
	if err := e.appendEvent(ctx, resolved, memory.ID, models.OpUpdate, memory.Text, text); err != nil {
		result.Error = err.Error()
	}
	return result
}

func (e *Engine) applyAdd(ctx context.Context, resolved models.Scope, c candidate, metadata map[string]interface{}) models.OpResult {
	text := c.decision.Text
	embedding := c.embedding
	if text != c.text {
		// The planner rephrased the fact; re-embed the stored form.
		var err error
		embedding, err = e.gateway.Embed(ctx, text)
		if err != nil {
			return models.OpResult{Event: models.OpAdd, Text: text, Error: err.Error()}
		}
	}

	id := uuid.NewString()
	result := models.OpResult{ID: id, Event: models.OpAdd, Text: text}
	now := time.Now().UTC()

	release := e.latches.lock(id)
	defer release()

	if err := e.vectors.Insert(ctx, &models.Memory{
		ID:        id,
		Text:      text,
		Embedding: embedding,
		Hash:      models.HashText(text),
		State:     models.StateActive,
		Scope:     resolved,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		result.Error = err.Error()
		return result
	}
	if err := e.appendEvent(ctx, resolved, id, models.OpAdd, "", text); err != nil {
		result.Error = err.Error()
	}
	return result
}

// graphPass extracts triples from the facts and upserts them. Any
// failure marks the result partial and moves on; the memories are
// already durable.
func (e *Engine) graphPass(ctx context.Context, resolved models.Scope, facts []string, result *models.AddResult) {
	var response graphResponse
	input := "- " + strings.Join(facts, "\n- ")
	if err := e.gateway.Plan(ctx, graphPrompt, input, graphSchema, &response); err != nil {
		e.logger.Warn("graph extraction failed", map[string]interface{}{"error": err.Error()})
		result.PartialGraphFailure = true
		return
	}
	if len(response.Triples) == 0 {
		return
	}

	touched := make([]string, 0, len(response.Triples)*2)
	for _, triple := range response.Triples {
		source := graphstore.Normalize(triple.Source)
		target := graphstore.Normalize(triple.Target)
		predicate := graphstore.Normalize(triple.Predicate)
		if source == "" || target == "" || predicate == "" || source == target {
			continue
		}
		if _, err := e.graph.UpsertEntity(ctx, resolved, source, triple.SourceType, nil); err != nil {
			e.logger.Warn("graph entity upsert failed", map[string]interface{}{"entity": source, "error": err.Error()})
			result.PartialGraphFailure = true
			continue
		}
		if _, err := e.graph.UpsertEntity(ctx, resolved, target, triple.TargetType, nil); err != nil {
			e.logger.Warn("graph entity upsert failed", map[string]interface{}{"entity": target, "error": err.Error()})
			result.PartialGraphFailure = true
			continue
		}
		if _, err := e.graph.UpsertRelationship(ctx, resolved, source, predicate, target); err != nil {
			e.logger.Warn("graph relationship upsert failed", map[string]interface{}{
				"source": source, "predicate": predicate, "target": target, "error": err.Error(),
			})
			result.PartialGraphFailure = true
			continue
		}
		touched = append(touched, source, target)
	}

	if len(touched) > 0 {
		relations, err := e.graph.Neighborhood(ctx, resolved, touched, 1)
		if err != nil {
			e.logger.Warn("graph neighborhood fetch failed", map[string]interface{}{"error": err.Error()})
			result.PartialGraphFailure = true
			return
		}
		result.Relations = relations
	}
}

// queryGraph finds entities the query mentions and returns their
// neighborhood. Errors degrade to a vector-only result.
func (e *Engine) queryGraph(ctx context.Context, resolved models.Scope, query string, vector []float32) *models.Neighborhood {
	var seeds []string
	if e.config.GraphQueryLLM {
		var response queryEntityResponse
		if err := e.gateway.Plan(ctx, queryEntityPrompt, query, queryEntitySchema, &response); err != nil {
			e.logger.Debug("query entity extraction failed", map[string]interface{}{"error": err.Error()})
		} else {
			for _, entity := range response.Entities {
				if name := graphstore.Normalize(entity); name != "" {
					seeds = append(seeds, name)
				}
			}
		}
	}
	if len(seeds) == 0 {
		entities, err := e.graph.SearchByText(ctx, resolved, query, vector, 5)
		if err != nil {
			e.logger.Debug("graph text search failed", map[string]interface{}{"error": err.Error()})
			return nil
		}
		for _, entity := range entities {
			seeds = append(seeds, entity.Name)
		}
	}
	if len(seeds) == 0 {
		return nil
	}

	relations, err := e.graph.Neighborhood(ctx, resolved, seeds, 1)
	if err != nil {
		e.logger.Debug("graph neighborhood fetch failed", map[string]interface{}{"error": err.Error()})
		return nil
	}
	if len(relations.Entities) == 0 {
		return nil
	}
	return relations
}
