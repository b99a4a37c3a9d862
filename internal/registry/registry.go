// internal/registry/registry.go
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Wedja10/SAE-S4-sub000/internal/errs"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Config tunes every connection the registry admits.
type Config struct {
	SendBuffer   int
	WriteTimeout time.Duration
	// RateLimit is the sustained number of inbound messages per second; 0 disables limiting.
	RateLimit float64
	RateBurst int
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		SendBuffer:   64,
		WriteTimeout: 5 * time.Second,
		RateLimit:    20,
		RateBurst:    40,
	}
}

// Removal reasons with a meaning for transports.
const (
	ReasonHeartbeat = "heartbeat timeout"
	ReasonShutdown  = "server shutting down"
)

// RemoveFunc is called after a connection has been removed. code and playerID
// are the binding the connection had, empty if it never joined.
type RemoveFunc func(conn *Connection, code, playerID, reason string)

// Registry owns every live connection and indexes them by session.
type Registry struct {
	mu        sync.RWMutex
	conns     map[uuid.UUID]*Connection
	bySession map[string]map[uuid.UUID]*Connection

	cfg    Config
	logger *logrus.Logger
	now    func() time.Time

	hooksMu  sync.RWMutex
	onRemove []RemoveFunc
}

func New(cfg Config, logger *logrus.Logger) *Registry {
	return &Registry{
		conns:     make(map[uuid.UUID]*Connection),
		bySession: make(map[string]map[uuid.UUID]*Connection),
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// OnRemove registers fn to run after every removal.
func (r *Registry) OnRemove(fn RemoveFunc) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.onRemove = append(r.onRemove, fn)
}

// Admit takes ownership of t and starts its write pump. The connection's id is
// the handle used by every other registry call.
func (r *Registry) Admit(t Transport, remoteAddr string) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.New()
	now := r.now()

	conn := &Connection{
		ID:           id,
		RemoteAddr:   remoteAddr,
		AdmittedAt:   now,
		transport:    t,
		send:         make(chan []byte, r.cfg.SendBuffer),
		writeTimeout: r.cfg.WriteTimeout,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		lastSent:     now,
		lastAck:      now,
		logger: r.logger.WithFields(logrus.Fields{
			"conn":   id.String(),
			"remote": remoteAddr,
		}),
	}
	if r.cfg.RateLimit > 0 {
		conn.limiter = rate.NewLimiter(rate.Limit(r.cfg.RateLimit), r.cfg.RateBurst)
	}

	r.mu.Lock()
	r.conns[id] = conn
	r.mu.Unlock()

	go conn.writePump(func(err error) {
		r.Remove(id, fmt.Sprintf("write failed: %v", err))
	})

	conn.logger.Debug("Connection admitted")
	return conn
}

// Remove tears down a connection, releases it from its session and notifies
// the OnRemove hooks. It reports false if the connection was already gone.
func (r *Registry) Remove(id uuid.UUID, reason string) bool {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, id)
	code, playerID := conn.Binding()
	r.detachLocked(conn, code)
	r.mu.Unlock()

	conn.close(reason)
	conn.logger.WithFields(logrus.Fields{
		"session": code,
		"player":  playerID,
		"reason":  reason,
	}).Info("Connection removed")

	r.hooksMu.RLock()
	hooks := append([]RemoveFunc(nil), r.onRemove...)
	r.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(conn, code, playerID, reason)
	}
	return true
}

// Get returns a live connection.
func (r *Registry) Get(id uuid.UUID) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Bind associates a connection with a session and player after an accepted join.
// A connection belongs to at most one session; binding again moves it.
func (r *Registry) Bind(id uuid.UUID, code, playerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	if !ok {
		return errs.ErrConnectionClosed
	}
	oldCode, _ := conn.Binding()
	r.detachLocked(conn, oldCode)

	conn.mu.Lock()
	conn.sessionCode = code
	conn.playerID = playerID
	conn.mu.Unlock()

	members, ok := r.bySession[code]
	if !ok {
		members = make(map[uuid.UUID]*Connection)
		r.bySession[code] = members
	}
	members[id] = conn
	return nil
}

// Unbind detaches a connection from its session without closing it.
func (r *Registry) Unbind(id uuid.UUID) (code, playerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	if !ok {
		return "", ""
	}
	code, playerID = conn.Binding()
	r.detachLocked(conn, code)
	conn.mu.Lock()
	conn.sessionCode = ""
	conn.playerID = ""
	conn.mu.Unlock()
	return code, playerID
}

// UnbindSession detaches every connection of a closed session and returns them.
func (r *Registry) UnbindSession(code string) []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.bySession[code]
	delete(r.bySession, code)
	out := make([]*Connection, 0, len(members))
	for _, conn := range members {
		conn.mu.Lock()
		conn.sessionCode = ""
		conn.playerID = ""
		conn.mu.Unlock()
		out = append(out, conn)
	}
	return out
}

// InSession returns every connection currently bound to code.
func (r *Registry) InSession(code string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.bySession[code]
	out := make([]*Connection, 0, len(members))
	for _, conn := range members {
		out = append(out, conn)
	}
	return out
}

// PlayerConnections returns the connections of one player within a session.
func (r *Registry) PlayerConnections(code, playerID string) []*Connection {
	var out []*Connection
	for _, conn := range r.InSession(code) {
		if _, pid := conn.Binding(); pid == playerID {
			out = append(out, conn)
		}
	}
	return out
}

// RecordHeartbeatSent notes that a ping was just sent on the connection.
func (r *Registry) RecordHeartbeatSent(id uuid.UUID) {
	if conn, ok := r.Get(id); ok {
		conn.mu.Lock()
		conn.lastSent = r.now()
		conn.mu.Unlock()
	}
}

// RecordHeartbeatAck notes that the peer proved it is alive.
func (r *Registry) RecordHeartbeatAck(id uuid.UUID) {
	if conn, ok := r.Get(id); ok {
		conn.mu.Lock()
		conn.lastAck = r.now()
		conn.mu.Unlock()
	}
}

// SweepStale returns the connections whose last acknowledgment is older than
// maxAge. The caller decides how to remove them.
func (r *Registry) SweepStale(maxAge time.Duration) []uuid.UUID {
	cutoff := r.now().Add(-maxAge)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var stale []uuid.UUID
	for id, conn := range r.conns {
		if _, acked := conn.Heartbeats(); acked.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	return stale
}

// CloseAll removes every connection, for shutdown.
func (r *Registry) CloseAll(reason string) int {
	n := 0
	for _, conn := range r.All() {
		if r.Remove(conn.ID, reason) {
			n++
		}
	}
	return n
}

// All returns a copy of every live connection.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, conn)
	}
	return out
}

// detachLocked removes conn from the session index. Assumes r.mu is held.
func (r *Registry) detachLocked(conn *Connection, code string) {
	if code == "" {
		return
	}
	if members, ok := r.bySession[code]; ok {
		delete(members, conn.ID)
		if len(members) == 0 {
			delete(r.bySession, code)
		}
	}
}
