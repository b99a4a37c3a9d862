// internal/lobby/moderation.go
package lobby

import (
	"context"
	"sync"
	"time"
)

// Sanction is a single kick or ban record.
type Sanction struct {
	PlayerID string    `json:"playerId"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

// Moderation stores kick and ban records per session. Bans are checked on
// every join; kicks are informational and never block a later join.
type Moderation interface {
	IsBanned(ctx context.Context, code, playerID string) (reason string, banned bool, err error)
	RecordBan(ctx context.Context, code, playerID, reason string) error
	RecordKick(ctx context.Context, code, playerID, reason string) error
	// Forget drops every record of a session once it is closed.
	Forget(ctx context.Context, code string) error
}

type sessionSanctions struct {
	bans  map[string]Sanction
	kicks map[string]Sanction
}

// MemoryModeration keeps sanctions for the lifetime of the process.
type MemoryModeration struct {
	mu       sync.RWMutex
	sessions map[string]*sessionSanctions
}

func NewMemoryModeration() *MemoryModeration {
	return &MemoryModeration{sessions: make(map[string]*sessionSanctions)}
}

var _ Moderation = (*MemoryModeration)(nil)

func (m *MemoryModeration) IsBanned(_ context.Context, code, playerID string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[code]
	if !ok {
		return "", false, nil
	}
	rec, ok := s.bans[playerID]
	return rec.Reason, ok, nil
}

func (m *MemoryModeration) RecordBan(_ context.Context, code, playerID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionLocked(code).bans[playerID] = Sanction{PlayerID: playerID, Reason: reason, At: time.Now()}
	return nil
}

func (m *MemoryModeration) RecordKick(_ context.Context, code, playerID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionLocked(code).kicks[playerID] = Sanction{PlayerID: playerID, Reason: reason, At: time.Now()}
	return nil
}

func (m *MemoryModeration) Forget(_ context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, code)
	return nil
}

// Kicks returns the kick records of a session, mostly for inspection.
func (m *MemoryModeration) Kicks(code string) []Sanction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[code]
	if !ok {
		return nil
	}
	out := make([]Sanction, 0, len(s.kicks))
	for _, rec := range s.kicks {
		out = append(out, rec)
	}
	return out
}

func (m *MemoryModeration) sessionLocked(code string) *sessionSanctions {
	s, ok := m.sessions[code]
	if !ok {
		s = &sessionSanctions{
			bans:  make(map[string]Sanction),
			kicks: make(map[string]Sanction),
		}
		m.sessions[code] = s
	}
	return s
}
