// Package models defines the data model shared by the memory engine,
// the stores and the remote surface: scopes, memories, history events,
// graph entities and the error taxonomy.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// MemoryState represents the lifecycle state of a memory.
type MemoryState string

const (
	// StateActive memories participate in retrieval and dedup.
	StateActive MemoryState = "active"
	// StatePaused memories are excluded from retrieval but retained.
	StatePaused MemoryState = "paused"
	// StateArchived memories are excluded and hidden from default listing.
	StateArchived MemoryState = "archived"
	// StateDeleted is terminal; the row is a tombstone, history remains.
	StateDeleted MemoryState = "deleted"
)

// Validate checks that the state is one of the known values.
func (s MemoryState) Validate() error {
	switch s {
	case StateActive, StatePaused, StateArchived, StateDeleted:
		return nil
	default:
		return NewError(ErrValidation, "invalid memory state: %s", string(s))
	}
}

// stateTransitions is the permitted edge set of the memory state machine.
var stateTransitions = map[MemoryState]map[MemoryState]bool{
	StateActive:   {StatePaused: true, StateArchived: true, StateDeleted: true},
	StatePaused:   {StateActive: true, StateArchived: true, StateDeleted: true},
	StateArchived: {StateDeleted: true},
	StateDeleted:  {},
}

// CanTransition reports whether the state machine permits s -> to.
// Self transitions are allowed as no-ops.
func (s MemoryState) CanTransition(to MemoryState) bool {
	if s == to {
		return true
	}
	return stateTransitions[s][to]
}

// stateActorPrefix marks history events written for an explicit state
// transition rather than a text change.
const stateActorPrefix = "set_state:"

// StateActor returns the history actor recorded for an explicit
// transition to state.
func StateActor(state MemoryState) string {
	return stateActorPrefix + string(state)
}

// StateFromActor recovers the target state from a state-transition
// actor. ok is false for ordinary actors.
func StateFromActor(actor string) (MemoryState, bool) {
	if !strings.HasPrefix(actor, stateActorPrefix) {
		return "", false
	}
	state := MemoryState(strings.TrimPrefix(actor, stateActorPrefix))
	if state.Validate() != nil {
		return "", false
	}
	return state, true
}

// Memory is a durable, deduplicated textual fact with an embedding
// and caller-supplied metadata, denormalized with its scope.
type Memory struct {
	ID        string                 `json:"id" db:"id"`
	Text      string                 `json:"text" db:"text"`
	Embedding []float32              `json:"-" db:"-"`
	Hash      string                 `json:"hash" db:"hash"`
	State     MemoryState            `json:"state" db:"state"`
	Scope     Scope                  `json:"scope"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt time.Time              `json:"updated_at" db:"updated_at"`
}

// HashText computes the content hash used for dedup. Two memories in the
// same scope with the same hash must not both be active.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// MemoryOp is the operation kind the fact planner emits per candidate.
type MemoryOp string

const (
	OpAdd    MemoryOp = "ADD"
	OpUpdate MemoryOp = "UPDATE"
	OpDelete MemoryOp = "DELETE"
	OpNoop   MemoryOp = "NOOP"
)

// Validate checks that the op is one of the planner's four verbs.
func (op MemoryOp) Validate() error {
	switch op {
	case OpAdd, OpUpdate, OpDelete, OpNoop:
		return nil
	default:
		return NewError(ErrValidation, "invalid memory op: %s", string(op))
	}
}

// HistoryEvent is one append-only record of a memory state transition.
// Events are never mutated after write; replaying them in order
// reconstructs the memory's current state.
type HistoryEvent struct {
	EventID   string    `json:"event_id" db:"event_id"`
	MemoryID  string    `json:"memory_id" db:"memory_id"`
	Scope     Scope     `json:"scope"`
	Op        MemoryOp  `json:"op" db:"op"`
	PrevText  string    `json:"prev_text,omitempty" db:"prev_text"`
	NewText   string    `json:"new_text,omitempty" db:"new_text"`
	Actor     string    `json:"actor,omitempty" db:"actor"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Message is one turn of the conversation submitted to Add.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
