// internal/lobby/lobby_store.go
package lobby

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/Wedja10/SAE-S4-sub000/internal/errs"
	"github.com/Wedja10/SAE-S4-sub000/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength   = 6

	// maxCodeAttempts bounds the retry loop; with 36^6 codes it is never reached in practice.
	maxCodeAttempts = 1000
)

// ClosedFunc is notified after a lobby has been closed and removed from the store.
type ClosedFunc func(code string)

// Store holds every live lobby keyed by its share code. The store lock only
// guards the map; each lobby serializes its own mutations, so different
// lobbies are mutated in parallel.
type Store struct {
	mu      sync.RWMutex
	lobbies map[string]*Lobby

	moderation Moderation
	logger     *logrus.Logger
	now        func() time.Time
	codeGen    func() string

	hooksMu  sync.RWMutex
	onClosed []ClosedFunc
}

// Option customizes a Store.
type Option func(*Store)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithCodeGenerator replaces the random code generator, mostly for tests.
func WithCodeGenerator(gen func() string) Option {
	return func(s *Store) { s.codeGen = gen }
}

// NewStore initializes an empty store backed by the given moderation records.
func NewStore(moderation Moderation, logger *logrus.Logger, opts ...Option) *Store {
	s := &Store{
		lobbies:    make(map[string]*Lobby),
		moderation: moderation,
		logger:     logger,
		now:        time.Now,
		codeGen:    RandomCode,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RandomCode draws a share code from the fixed alphabet.
func RandomCode() string {
	b := make([]byte, codeLength)
	for i := range b {
		b[i] = codeAlphabet[rand.IntN(len(codeAlphabet))]
	}
	return string(b)
}

// OnClosed registers fn to run whenever a lobby is closed.
func (s *Store) OnClosed(fn ClosedFunc) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.onClosed = append(s.onClosed, fn)
}

// CreateSession creates a lobby with host as its first member and returns its snapshot.
func (s *Store) CreateSession(ctx context.Context, host models.PlayerInfo, patch models.SettingsPatch) (Snapshot, error) {
	if host.ID == "" {
		return Snapshot{}, fmt.Errorf("%w: missing host id", errs.ErrInvalidPayload)
	}
	settings := patch.Apply(models.DefaultSettings())
	if err := settings.Validate(); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", errs.ErrInvalidSettings, err)
	}

	s.mu.Lock()
	code, err := s.freeCodeLocked()
	if err != nil {
		s.mu.Unlock()
		return Snapshot{}, err
	}
	// The host is seated before the code is published so no concurrent join
	// can take the first seat.
	lobby := newLobby(code, settings, s.moderation, s.now)
	snap := lobby.seatHost(host)
	s.lobbies[code] = lobby
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"session": code,
		"host":    host.ID,
	}).Info("Session created")
	return snap, nil
}

// freeCodeLocked draws codes until one is not in use. Assumes s.mu is held.
func (s *Store) freeCodeLocked() (string, error) {
	for i := 0; i < maxCodeAttempts; i++ {
		code := s.codeGen()
		if _, taken := s.lobbies[code]; !taken {
			return code, nil
		}
		s.logger.WithField("session", code).Debug("Session code collision, drawing again")
	}
	return "", errs.ErrCodeExhausted
}

// Get returns the lobby for code.
func (s *Store) Get(code string) (*Lobby, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lobby, ok := s.lobbies[code]
	if !ok {
		return nil, errs.ErrSessionNotFound
	}
	return lobby, nil
}

// GetSessionByCode returns the current membership and settings for first page load.
func (s *Store) GetSessionByCode(code string) (Snapshot, error) {
	lobby, err := s.Get(code)
	if err != nil {
		return Snapshot{}, err
	}
	snap := lobby.Snapshot()
	if snap.Status == models.StatusClosed {
		return Snapshot{}, errs.ErrSessionNotFound
	}
	return snap, nil
}

// List returns snapshots ordered by code. When publicOnly is set, only public
// lobbies still waiting for players are returned.
func (s *Store) List(publicOnly bool) []Snapshot {
	s.mu.RLock()
	lobbies := make([]*Lobby, 0, len(s.lobbies))
	for _, l := range s.lobbies {
		lobbies = append(lobbies, l)
	}
	s.mu.RUnlock()

	out := make([]Snapshot, 0, len(lobbies))
	for _, l := range lobbies {
		snap := l.Snapshot()
		if snap.Status == models.StatusClosed {
			continue
		}
		if publicOnly && (snap.Settings.Visibility != models.VisibilityPublic || snap.Status != models.StatusWaiting) {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Count returns the number of live lobbies.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.lobbies)
}

// Join admits player into the lobby identified by code.
func (s *Store) Join(ctx context.Context, code string, player models.PlayerInfo) (JoinResult, error) {
	lobby, err := s.Get(code)
	if err != nil {
		return JoinResult{}, err
	}
	return lobby.Join(ctx, player)
}

// Leave removes playerID from the lobby and garbage-collects it when empty.
func (s *Store) Leave(ctx context.Context, code, playerID string) (LeaveResult, error) {
	lobby, err := s.Get(code)
	if err != nil {
		return LeaveResult{}, err
	}
	res, err := lobby.Leave(playerID)
	if err != nil {
		return LeaveResult{}, err
	}
	s.afterRemoval(ctx, code, res)
	return res, nil
}

// LeaveIfUnbound removes playerID unless bound reports a live connection.
// See Lobby.LeaveIfUnbound.
func (s *Store) LeaveIfUnbound(ctx context.Context, code, playerID string, bound func() bool) (LeaveResult, error) {
	lobby, err := s.Get(code)
	if err != nil {
		return LeaveResult{}, err
	}
	res, err := lobby.LeaveIfUnbound(playerID, bound)
	if err != nil || !res.Removed {
		return res, err
	}
	s.afterRemoval(ctx, code, res)
	return res, nil
}

// UpdateSettings applies patch if requesterID is the host.
func (s *Store) UpdateSettings(code string, patch models.SettingsPatch, requesterID string) (Snapshot, error) {
	lobby, err := s.Get(code)
	if err != nil {
		return Snapshot{}, err
	}
	return lobby.UpdateSettings(patch, requesterID)
}

// Kick removes targetID on behalf of hostID.
func (s *Store) Kick(ctx context.Context, code, hostID, targetID, reason string) (LeaveResult, error) {
	lobby, err := s.Get(code)
	if err != nil {
		return LeaveResult{}, err
	}
	res, err := lobby.Kick(ctx, hostID, targetID, reason)
	if err != nil {
		return LeaveResult{}, err
	}
	s.afterRemoval(ctx, code, res)
	return res, nil
}

// Ban bans targetID on behalf of hostID and removes them if present.
func (s *Store) Ban(ctx context.Context, code, hostID, targetID, reason string) (LeaveResult, error) {
	lobby, err := s.Get(code)
	if err != nil {
		return LeaveResult{}, err
	}
	res, err := lobby.Ban(ctx, hostID, targetID, reason)
	if err != nil {
		return LeaveResult{}, err
	}
	s.afterRemoval(ctx, code, res)
	return res, nil
}

// Start begins the game of the lobby.
func (s *Store) Start(code, requesterID string) (Snapshot, error) {
	lobby, err := s.Get(code)
	if err != nil {
		return Snapshot{}, err
	}
	return lobby.Start(requesterID)
}

// Rename changes a member's display name.
func (s *Store) Rename(code, playerID, name string) (models.Member, error) {
	lobby, err := s.Get(code)
	if err != nil {
		return models.Member{}, err
	}
	return lobby.Rename(playerID, name)
}

// ChangePicture changes a member's avatar.
func (s *Store) ChangePicture(code, playerID, url, color string) (models.Member, error) {
	lobby, err := s.Get(code)
	if err != nil {
		return models.Member{}, err
	}
	return lobby.ChangePicture(playerID, url, color)
}

// CloseIdle closes every lobby that has not been mutated for maxIdle and returns their codes.
func (s *Store) CloseIdle(ctx context.Context, maxIdle time.Duration) []string {
	cutoff := s.now().Add(-maxIdle)

	s.mu.RLock()
	var idle []*Lobby
	for _, l := range s.lobbies {
		if l.LastActivity().Before(cutoff) {
			idle = append(idle, l)
		}
	}
	s.mu.RUnlock()

	codes := make([]string, 0, len(idle))
	for _, l := range idle {
		l.close()
		s.remove(l.Code)
		s.notifyClosed(ctx, l.Code)
		codes = append(codes, l.Code)
		s.logger.WithField("session", l.Code).Info("Idle session closed")
	}
	return codes
}

func (s *Store) afterRemoval(ctx context.Context, code string, res LeaveResult) {
	if !res.Closed {
		return
	}
	s.remove(code)
	s.notifyClosed(ctx, code)
	s.logger.WithField("session", code).Info("Session empty, closed")
}

// remove deletes code from the map.
func (s *Store) remove(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lobbies, code)
}

func (s *Store) notifyClosed(ctx context.Context, code string) {
	if err := s.moderation.Forget(ctx, code); err != nil {
		s.logger.WithError(err).WithField("session", code).Warn("Failed to drop moderation records")
	}
	s.hooksMu.RLock()
	hooks := append([]ClosedFunc(nil), s.onClosed...)
	s.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(code)
	}
}
