package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/memmesh/memmesh/pkg/models"
)

// extractionPrompt turns a conversation into candidate facts. The model
// answers in the language of the input and returns a JSON object so it
// can be schema-validated.
const extractionPrompt = `You are a memory extraction system for a personal assistant. Given a conversation, extract the durable facts worth remembering long term.

Extract facts like:
- Personal details (name, location, occupation)
- Preferences (likes, dislikes, habits)
- Plans, goals and commitments
- Relationships and people or organizations mentioned
- Health, dietary and lifestyle details

Rules:
- Each fact is a single concise third-person statement, e.g. "Loves pizza with pepperoni"
- Only extract information stated or strongly implied by the conversation
- Do not extract general knowledge, assistant behavior or small talk
- Answer in the same language as the conversation
- If nothing is worth remembering, return an empty list

Return a JSON object: {"facts": ["fact 1", "fact 2"]}
Return {"facts": []} if no facts are found.`

const extractionSchemaJSON = `{
	"type": "object",
	"properties": {
		"facts": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["facts"]
}`

// reconcilePrompt decides, per candidate fact, how it relates to the
// memories already stored: new, a refinement, a contradiction, or
// already represented.
const reconcilePrompt = `You are a memory reconciliation system. You receive the memories currently stored for a user and a list of newly extracted facts. For each new fact decide exactly one operation:

- "ADD": the fact is new and no stored memory covers it
- "UPDATE": the fact refines or corrects a stored memory; set "id" to that memory's id and "text" to the merged, corrected statement
- "DELETE": the fact invalidates a stored memory (a contradiction with no replacement); set "id" to that memory's id
- "NONE": the fact is already represented by a stored memory

Rules:
- Use only ids that appear in the stored memories
- Prefer UPDATE over DELETE+ADD when the fact corrects a detail
- Never merge unrelated facts into one memory
- Every new fact must produce exactly one entry, in the same order

Return a JSON object:
{"memory": [{"event": "ADD", "text": "..."}, {"event": "UPDATE", "id": "...", "text": "..."}, {"event": "DELETE", "id": "..."}, {"event": "NONE"}]}`

const reconcileSchemaJSON = `{
	"type": "object",
	"properties": {
		"memory": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"event": {"type": "string", "enum": ["ADD", "UPDATE", "DELETE", "NONE"]},
					"id": {"type": "string"},
					"text": {"type": "string"}
				},
				"required": ["event"]
			}
		}
	},
	"required": ["memory"]
}`

// graphPrompt extracts entity/relationship triples from the candidate
// facts for the graph pass.
const graphPrompt = `You are a relationship extraction system. Given a list of facts about a user, extract (source, predicate, target) triples describing entities and their relationships.

Rules:
- Entities are concrete people, organizations, places, products or concepts
- Predicates are short verb phrases in snake_case, e.g. "works_at", "lives_in", "allergic_to"
- Refer to the user as "user" when the user is an endpoint
- Skip facts with no clear entity relationship
- Include an entity type for each endpoint when obvious (person, organization, place, thing)

Return a JSON object:
{"triples": [{"source": "john", "source_type": "person", "predicate": "works_at", "target": "techcorp", "target_type": "organization"}]}
Return {"triples": []} if there are none.`

const graphSchemaJSON = `{
	"type": "object",
	"properties": {
		"triples": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"source": {"type": "string"},
					"source_type": {"type": "string"},
					"predicate": {"type": "string"},
					"target": {"type": "string"},
					"target_type": {"type": "string"}
				},
				"required": ["source", "predicate", "target"]
			}
		}
	},
	"required": ["triples"]
}`

// queryEntityPrompt pulls likely entity mentions out of a search query
// when the deployment opts into LLM-assisted graph queries.
const queryEntityPrompt = `Extract the entity names mentioned in the following search query. Entities are people, organizations, places, products or concepts.

Return a JSON object: {"entities": ["name 1", "name 2"]}
Return {"entities": []} if there are none.`

const queryEntitySchemaJSON = `{
	"type": "object",
	"properties": {
		"entities": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["entities"]
}`

var (
	extractionSchema  = mustCompileSchema(extractionSchemaJSON)
	reconcileSchema   = mustCompileSchema(reconcileSchemaJSON)
	graphSchema       = mustCompileSchema(graphSchemaJSON)
	queryEntitySchema = mustCompileSchema(queryEntitySchemaJSON)
)

func mustCompileSchema(raw string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid embedded schema: %v", err))
	}
	return schema
}

// extractionResponse is the validated shape of the extraction plan call.
type extractionResponse struct {
	Facts []string `json:"facts"`
}

// reconcileDecision is one entry of the reconcile plan call.
type reconcileDecision struct {
	Event string `json:"event"`
	ID    string `json:"id,omitempty"`
	Text  string `json:"text,omitempty"`
}

type reconcileResponse struct {
	Memory []reconcileDecision `json:"memory"`
}

type graphResponse struct {
	Triples []models.Triple `json:"triples"`
}

type queryEntityResponse struct {
	Entities []string `json:"entities"`
}

// transcript renders messages for the extraction prompt.
func transcript(messages []models.Message) string {
	var b strings.Builder
	for _, message := range messages {
		b.WriteString(message.Role)
		b.WriteString(": ")
		b.WriteString(message.Content)
		b.WriteByte('\n')
	}
	return b.String()
}

// reconcileInput renders the stored memories and candidate facts for
// the reconcile prompt.
func reconcileInput(existing []*models.Memory, facts []string) string {
	type storedMemory struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	}
	stored := make([]storedMemory, 0, len(existing))
	for _, memory := range existing {
		stored = append(stored, storedMemory{ID: memory.ID, Text: memory.Text})
	}
	payload := map[string]interface{}{
		"stored_memories": stored,
		"new_facts":       facts,
	}
	raw, _ := json.Marshal(payload)
	return string(raw)
}
