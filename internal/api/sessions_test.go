package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memmesh/memmesh/pkg/models"
	"github.com/memmesh/memmesh/pkg/observability"
)

func newTable(t *testing.T, cfg Config) *sessionTable {
	t.Helper()
	cfg.applyDefaults()
	table, err := newSessionTable(cfg, observability.NewNoopLogger())
	require.NoError(t, err)
	t.Cleanup(table.shutdown)
	return table
}

func TestSessionCapEvictsOldest(t *testing.T) {
	table := newTable(t, Config{MaxSessions: 2})

	first := table.open("claude", models.Scope{UserID: "u1"})
	second := table.open("claude", models.Scope{UserID: "u2"})
	third := table.open("claude", models.Scope{UserID: "u3"})

	assert.Equal(t, 2, table.len())

	// The evicted session is closed and no longer resolvable.
	select {
	case <-first.done:
	default:
		t.Fatal("evicted session was not closed")
	}
	_, ok := table.get(first.id)
	assert.False(t, ok)

	_, ok = table.get(second.id)
	assert.True(t, ok)
	_, ok = table.get(third.id)
	assert.True(t, ok)
}

func TestSessionIdleExpiry(t *testing.T) {
	table := newTable(t, Config{SessionIdleTimeout: time.Minute})

	s := table.open("claude", models.Scope{UserID: "u1"})
	s.lastSeen.Store(time.Now().Add(-2 * time.Minute).UnixNano())

	// Run one janitor sweep by hand.
	cutoff := time.Now().Add(-table.idleTimeout)
	for _, id := range table.cache.Keys() {
		if peeked, ok := table.cache.Peek(id); ok && peeked.idleSince().Before(cutoff) {
			table.drop(id)
		}
	}

	_, ok := table.get(s.id)
	assert.False(t, ok)
}

func TestGetTouchesSession(t *testing.T) {
	table := newTable(t, Config{})

	s := table.open("claude", models.Scope{UserID: "u1"})
	stale := time.Now().Add(-time.Hour).UnixNano()
	s.lastSeen.Store(stale)

	_, ok := table.get(s.id)
	require.True(t, ok)
	assert.Greater(t, s.lastSeen.Load(), stale)
}

func TestSendDropsOldestWhenStalled(t *testing.T) {
	table := newTable(t, Config{})
	s := table.open("claude", models.Scope{UserID: "u1"})

	// Fill the buffer past capacity; send must never block.
	for i := 0; i < 100; i++ {
		s.send([]byte{byte(i)})
	}
	assert.Equal(t, cap(s.events), len(s.events))

	// The newest payload survived.
	var last []byte
	for len(s.events) > 0 {
		last = <-s.events
	}
	assert.Equal(t, []byte{99}, last)
}

func TestSendAfterCloseDoesNotBlock(t *testing.T) {
	table := newTable(t, Config{})
	s := table.open("claude", models.Scope{UserID: "u1"})
	s.close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			s.send([]byte("x"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("send blocked on closed session")
	}
}
