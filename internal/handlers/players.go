// internal/handlers/players.go
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Wedja10/SAE-S4-sub000/internal/errs"
	"github.com/Wedja10/SAE-S4-sub000/internal/models"
	"github.com/julienschmidt/httprouter"
)

// PlayerDirectory hands out player identities. database.PlayerRepo is the
// persistent implementation.
type PlayerDirectory interface {
	Create(ctx context.Context, name, avatarURL, color string) (models.Player, error)
	Get(ctx context.Context, id string) (models.Player, error)
}

// MemoryPlayers is the directory used when no database is configured.
type MemoryPlayers struct {
	mu      sync.RWMutex
	players map[string]models.Player
	now     func() time.Time
}

func NewMemoryPlayers() *MemoryPlayers {
	return &MemoryPlayers{players: make(map[string]models.Player), now: time.Now}
}

func (m *MemoryPlayers) Create(_ context.Context, name, avatarURL, color string) (models.Player, error) {
	p := models.NewPlayer(name, avatarURL, color, m.now().UTC())
	m.mu.Lock()
	m.players[p.ID] = p
	m.mu.Unlock()
	return p, nil
}

func (m *MemoryPlayers) Get(_ context.Context, id string) (models.Player, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.players[id]
	if !ok {
		return models.Player{}, fmt.Errorf("%w: %s", errs.ErrPlayerNotFound, id)
	}
	return p, nil
}

type createPlayerRequest struct {
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
	AvatarColor string `json:"avatarColor"`
}

// CreatePlayerHandler mints a new identity.
func (s *APIServer) CreatePlayerHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req createPlayerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, s.Logger, r, err)
		return
	}
	p, err := s.Players.Create(r.Context(), req.DisplayName, req.AvatarURL, req.AvatarColor)
	if err != nil {
		writeError(w, s.Logger, r, err)
		return
	}
	s.Logger.WithField("player", p.ID).Info("Player created")
	writeJSON(w, http.StatusCreated, p)
}

// GetPlayerHandler returns one identity.
func (s *APIServer) GetPlayerHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	p, err := s.Players.Get(r.Context(), ps.ByName("id"))
	if err != nil {
		writeError(w, s.Logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
