package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/memmesh/memmesh/pkg/engine"
	"github.com/memmesh/memmesh/pkg/models"
	"github.com/memmesh/memmesh/pkg/vectorstore"
)

// toolDefinition is the discovery shape served by tools/list and the
// /tools endpoint.
type toolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type toolHandler func(ctx context.Context, scope models.Scope, args map[string]interface{}) (interface{}, error)

type tool struct {
	definition toolDefinition
	schema     *gojsonschema.Schema
	handler    toolHandler
}

// toolset binds the MCP tool surface to the engine. Arguments are
// validated against each tool's schema before dispatch.
type toolset struct {
	engine *engine.Engine
	tools  map[string]*tool
	order  []string
}

func newToolset(eng *engine.Engine) *toolset {
	t := &toolset{engine: eng, tools: map[string]*tool{}}

	t.register("add_memories",
		"Store durable memories extracted from the given text. Set infer to false to store the text verbatim.",
		`{
			"type": "object",
			"properties": {
				"text": {"type": "string", "minLength": 1, "description": "Conversation or statement to remember"},
				"metadata": {"type": "object", "description": "Opaque metadata stored with new memories"},
				"infer": {"type": "boolean", "default": true, "description": "Run fact extraction and reconciliation"}
			},
			"required": ["text"]
		}`, t.addMemories)

	t.register("search_memory",
		"Retrieve the memories most relevant to a query.",
		`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "minLength": 1},
				"limit": {"type": "integer", "minimum": 1, "maximum": 100, "default": 10},
				"filters": {"type": "object", "description": "Metadata equality filters"}
			},
			"required": ["query"]
		}`, t.searchMemory)

	t.register("list_memories",
		"List stored memories, newest first.",
		`{
			"type": "object",
			"properties": {
				"page": {"type": "integer", "minimum": 1, "default": 1},
				"size": {"type": "integer", "minimum": 1, "maximum": 200, "default": 50},
				"filters": {"type": "object", "description": "Metadata equality filters"}
			}
		}`, t.listMemories)

	t.register("get_memory",
		"Fetch one memory by id.",
		`{
			"type": "object",
			"properties": {"memory_id": {"type": "string", "minLength": 1}},
			"required": ["memory_id"]
		}`, t.getMemory)

	t.register("update_memory",
		"Replace the text of one memory.",
		`{
			"type": "object",
			"properties": {
				"memory_id": {"type": "string", "minLength": 1},
				"text": {"type": "string", "minLength": 1}
			},
			"required": ["memory_id", "text"]
		}`, t.updateMemory)

	t.register("delete_memory",
		"Delete one memory. Its history is retained.",
		`{
			"type": "object",
			"properties": {"memory_id": {"type": "string", "minLength": 1}},
			"required": ["memory_id"]
		}`, t.deleteMemory)

	t.register("delete_all_memories",
		"Delete every memory in the caller's scope. Requires confirm.",
		`{
			"type": "object",
			"properties": {"confirm": {"type": "boolean", "const": true}},
			"required": ["confirm"]
		}`, t.deleteAllMemories)

	t.register("get_memory_history",
		"Return the change history of one memory, oldest first.",
		`{
			"type": "object",
			"properties": {"memory_id": {"type": "string", "minLength": 1}},
			"required": ["memory_id"]
		}`, t.memoryHistory)

	t.register("set_memory_state",
		"Pause, resume or archive one memory.",
		`{
			"type": "object",
			"properties": {
				"memory_id": {"type": "string", "minLength": 1},
				"state": {"type": "string", "enum": ["active", "paused", "archived"]}
			},
			"required": ["memory_id", "state"]
		}`, t.setMemoryState)

	return t
}

func (t *toolset) register(name, description, schemaJSON string, handler toolHandler) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		panic(fmt.Sprintf("invalid schema for tool %s: %v", name, err))
	}
	t.tools[name] = &tool{
		definition: toolDefinition{Name: name, Description: description, InputSchema: json.RawMessage(schemaJSON)},
		schema:     schema,
		handler:    handler,
	}
	t.order = append(t.order, name)
}

// definitions returns the tool list in registration order.
func (t *toolset) definitions() []toolDefinition {
	out := make([]toolDefinition, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, t.tools[name].definition)
	}
	return out
}

// call validates the arguments and dispatches to the named tool.
func (t *toolset) call(ctx context.Context, scope models.Scope, name string, rawArgs json.RawMessage) (interface{}, error) {
	entry, ok := t.tools[name]
	if !ok {
		return nil, models.NewError(models.ErrValidation, "unknown tool: %s", name)
	}
	if len(rawArgs) == 0 {
		rawArgs = json.RawMessage(`{}`)
	}

	result, err := entry.schema.Validate(gojsonschema.NewBytesLoader(rawArgs))
	if err != nil {
		return nil, models.WrapError(models.ErrValidation, err, "arguments are not valid JSON")
	}
	if !result.Valid() {
		first := ""
		if errs := result.Errors(); len(errs) > 0 {
			first = errs[0].String()
		}
		return nil, models.NewError(models.ErrValidation, "invalid arguments for %s: %s", name, first)
	}

	var args map[string]interface{}
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return nil, models.WrapError(models.ErrValidation, err, "arguments unmarshal failed")
	}
	return entry.handler(ctx, scope, args)
}

func stringArg(args map[string]interface{}, key string) string {
	v, _ := args[key].(string)
	return v
}

func intArg(args map[string]interface{}, key string, fallback int) int {
	if v, ok := args[key].(float64); ok {
		return int(v)
	}
	return fallback
}

func boolArg(args map[string]interface{}, key string, fallback bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return fallback
}

func mapArg(args map[string]interface{}, key string) map[string]interface{} {
	v, _ := args[key].(map[string]interface{})
	return v
}

func filtersArg(args map[string]interface{}) vectorstore.Filters {
	filters := vectorstore.Filters{}
	raw := mapArg(args, "filters")
	if raw == nil {
		return filters
	}
	if metadata, ok := raw["metadata"].(map[string]interface{}); ok {
		filters.Metadata = metadata
	} else {
		// A flat filters object is treated as metadata equality.
		metadata := map[string]interface{}{}
		for k, v := range raw {
			if k == "states" {
				continue
			}
			metadata[k] = v
		}
		if len(metadata) > 0 {
			filters.Metadata = metadata
		}
	}
	if states, ok := raw["states"].([]interface{}); ok {
		for _, s := range states {
			if name, ok := s.(string); ok {
				filters.States = append(filters.States, models.MemoryState(name))
			}
		}
	}
	return filters
}

func (t *toolset) addMemories(ctx context.Context, scope models.Scope, args map[string]interface{}) (interface{}, error) {
	messages := []models.Message{{Role: "user", Content: stringArg(args, "text")}}
	result, err := t.engine.Add(ctx, scope, messages, mapArg(args, "metadata"), boolArg(args, "infer", true))
	if err != nil {
		// Partial failures carry the per-operation outcomes in the
		// error data so the caller can see what did apply.
		var taxonomy *models.Error
		if errors.As(err, &taxonomy) && taxonomy.Kind == models.ErrPartialFailure && result != nil {
			taxonomy.WithDetail("results", result.Results)
		}
		return nil, err
	}
	return result, nil
}

func (t *toolset) searchMemory(ctx context.Context, scope models.Scope, args map[string]interface{}) (interface{}, error) {
	return t.engine.Search(ctx, scope, stringArg(args, "query"), intArg(args, "limit", 10), filtersArg(args))
}

func (t *toolset) listMemories(ctx context.Context, scope models.Scope, args map[string]interface{}) (interface{}, error) {
	return t.engine.List(ctx, scope, filtersArg(args), intArg(args, "page", 1), intArg(args, "size", 50))
}

func (t *toolset) getMemory(ctx context.Context, scope models.Scope, args map[string]interface{}) (interface{}, error) {
	return t.engine.Get(ctx, scope, stringArg(args, "memory_id"))
}

func (t *toolset) updateMemory(ctx context.Context, scope models.Scope, args map[string]interface{}) (interface{}, error) {
	return t.engine.Update(ctx, scope, stringArg(args, "memory_id"), stringArg(args, "text"))
}

func (t *toolset) deleteMemory(ctx context.Context, scope models.Scope, args map[string]interface{}) (interface{}, error) {
	if err := t.engine.Delete(ctx, scope, stringArg(args, "memory_id")); err != nil {
		return nil, err
	}
	return map[string]interface{}{"deleted": true}, nil
}

func (t *toolset) deleteAllMemories(ctx context.Context, scope models.Scope, args map[string]interface{}) (interface{}, error) {
	if err := t.engine.DeleteAll(ctx, scope); err != nil {
		return nil, err
	}
	return map[string]interface{}{"deleted": true}, nil
}

func (t *toolset) memoryHistory(ctx context.Context, scope models.Scope, args map[string]interface{}) (interface{}, error) {
	events, err := t.engine.History(ctx, scope, stringArg(args, "memory_id"))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"events": events}, nil
}

func (t *toolset) setMemoryState(ctx context.Context, scope models.Scope, args map[string]interface{}) (interface{}, error) {
	return t.engine.SetState(ctx, scope, stringArg(args, "memory_id"),
		models.MemoryState(stringArg(args, "state")))
}
