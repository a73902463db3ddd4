// Package history is the append-only log of memory state transitions.
// Events are written in the same step as the store mutation they
// describe and never mutated afterwards; folding a memory's events in
// order reconstructs its current state.
package history

import (
	"context"

	"github.com/memmesh/memmesh/pkg/models"
)

// Store is the history log contract.
type Store interface {
	// Append writes one event. The event id is assigned by the caller.
	Append(ctx context.Context, event *models.HistoryEvent) error
	// ForMemory returns all events of one memory in scope, oldest first.
	ForMemory(ctx context.Context, scope models.Scope, memoryID string) ([]models.HistoryEvent, error)
	// Ping reports backend health.
	Ping(ctx context.Context) error
}

// Replay folds events oldest-first into the resulting text and state.
// Explicit state transitions are UPDATE events carrying the target
// state in their actor (models.StateActor); text updates leave the
// state untouched, so an update of a paused memory keeps it paused.
// ok=false means the log contains no events.
func Replay(events []models.HistoryEvent) (text string, state models.MemoryState, ok bool) {
	if len(events) == 0 {
		return "", "", false
	}
	for _, event := range events {
		switch event.Op {
		case models.OpAdd:
			text = event.NewText
			state = models.StateActive
		case models.OpUpdate:
			text = event.NewText
			if s, ok := models.StateFromActor(event.Actor); ok {
				state = s
			}
		case models.OpDelete:
			state = models.StateDeleted
		}
	}
	return text, state, true
}
