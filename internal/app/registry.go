package app

import (
	"sync"

	"github.com/dkeye/Beacon/internal/core"
	"github.com/dkeye/Beacon/internal/domain"
	"github.com/rs/zerolog/log"
)

// Registry is the authoritative map of who is reachable right now.
// At most one connection handle per identity at any instant.
type Registry struct {
	mu    sync.RWMutex
	conns map[domain.UserID]core.SignalConnection
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[domain.UserID]core.SignalConnection),
	}
}

// Register binds id to conn, replacing any previous binding in the same
// critical section. The evicted handle is returned so the caller can close
// it; nil means id was not connected before.
func (r *Registry) Register(id domain.UserID, conn core.SignalConnection) core.SignalConnection {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.conns[id]
	r.conns[id] = conn
	if prev != nil {
		log.Warn().Str("module", "app.registry").Str("user_id", string(id)).Str("conn_id", conn.ID()).Str("evicted_conn_id", prev.ID()).Msg("registered connection, evicted previous")
	} else {
		log.Info().Str("module", "app.registry").Str("user_id", string(id)).Str("conn_id", conn.ID()).Msg("registered connection")
	}
	return prev
}

// Deregister removes the binding only while it still points at conn.
// A session that was evicted earlier must not unbind its successor, so
// unknown identities and mismatched handles are no-ops.
func (r *Registry) Deregister(id domain.UserID, conn core.SignalConnection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.conns[id]
	if !ok {
		return false
	}
	if cur.ID() != conn.ID() {
		log.Info().Str("module", "app.registry").Str("user_id", string(id)).Str("conn_id", conn.ID()).Msg("stale deregister ignored")
		return false
	}
	delete(r.conns, id)
	log.Info().Str("module", "app.registry").Str("user_id", string(id)).Str("conn_id", conn.ID()).Msg("deregistered connection")
	return true
}

func (r *Registry) Lookup(id domain.UserID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

func (r *Registry) IsOnline(id domain.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[id]
	return ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

type connSnap struct {
	ID   domain.UserID
	Conn core.SignalConnection
}

// Online returns a point-in-time snapshot of all bindings.
func (r *Registry) Online() []connSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]connSnap, 0, len(r.conns))
	for id, c := range r.conns {
		out = append(out, connSnap{ID: id, Conn: c})
	}
	return out
}
