package api

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/memmesh/memmesh/pkg/models"
	"github.com/memmesh/memmesh/pkg/observability"
)

// session is one live SSE stream. JSON-RPC responses for the session
// are queued on events and drained by the stream handler.
type session struct {
	id       string
	client   string
	scope    models.Scope
	events   chan []byte
	limiter  *rate.Limiter
	lastSeen atomic.Int64
	done     chan struct{}
	closer   sync.Once
}

func (s *session) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

func (s *session) idleSince() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// send queues an event for the stream without blocking; a stalled
// consumer drops the oldest pending event first.
func (s *session) send(payload []byte) {
	for {
		select {
		case s.events <- payload:
			return
		case <-s.done:
			return
		default:
		}
		select {
		case <-s.events:
		default:
		}
	}
}

func (s *session) close() {
	s.closer.Do(func() { close(s.done) })
}

// sessionTable holds live sessions in an LRU capped at the configured
// maximum; opening a session past the cap evicts the least recently
// used one, closing its stream.
type sessionTable struct {
	cache       *lru.Cache[string, *session]
	idleTimeout time.Duration
	rateLimit   rate.Limit
	rateBurst   int
	logger      observability.Logger
	stop        chan struct{}
	stopOnce    sync.Once
}

func newSessionTable(cfg Config, logger observability.Logger) (*sessionTable, error) {
	t := &sessionTable{
		idleTimeout: cfg.SessionIdleTimeout,
		rateLimit:   rate.Limit(cfg.RateLimit),
		rateBurst:   cfg.RateBurst,
		logger:      logger,
		stop:        make(chan struct{}),
	}
	cache, err := lru.NewWithEvict(cfg.MaxSessions, func(id string, s *session) {
		s.close()
		t.logger.Debug("session evicted", map[string]interface{}{"session_id": id})
	})
	if err != nil {
		return nil, err
	}
	t.cache = cache
	go t.janitor()
	return t, nil
}

// open registers a new session for the caller's scope.
func (t *sessionTable) open(client string, scope models.Scope) *session {
	s := &session{
		id:      uuid.NewString(),
		client:  client,
		scope:   scope,
		events:  make(chan []byte, 32),
		limiter: rate.NewLimiter(t.rateLimit, t.rateBurst),
		done:    make(chan struct{}),
	}
	s.touch()
	t.cache.Add(s.id, s)
	return s
}

// get looks up a live session and marks it recently used.
func (t *sessionTable) get(id string) (*session, bool) {
	s, ok := t.cache.Get(id)
	if !ok {
		return nil, false
	}
	select {
	case <-s.done:
		t.cache.Remove(id)
		return nil, false
	default:
	}
	s.touch()
	return s, true
}

// drop closes and removes one session.
func (t *sessionTable) drop(id string) {
	if s, ok := t.cache.Peek(id); ok {
		s.close()
	}
	t.cache.Remove(id)
}

func (t *sessionTable) len() int { return t.cache.Len() }

// shutdown closes every live session and stops the janitor.
func (t *sessionTable) shutdown() {
	t.stopOnce.Do(func() { close(t.stop) })
	for _, id := range t.cache.Keys() {
		t.drop(id)
	}
}

// janitor expires idle sessions.
func (t *sessionTable) janitor() {
	interval := t.idleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-t.idleTimeout)
			for _, id := range t.cache.Keys() {
				if s, ok := t.cache.Peek(id); ok && s.idleSince().Before(cutoff) {
					t.logger.Debug("session idle expired", map[string]interface{}{"session_id": id})
					t.drop(id)
				}
			}
		}
	}
}
