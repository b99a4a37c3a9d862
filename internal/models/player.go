// internal/models/player.go
package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultAvatarColor is used when a player is created without a color.
const DefaultAvatarColor = "#7f8c8d"

// Player is an identity handed out by the player directory.
type Player struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	AvatarURL   string    `json:"avatarUrl"`
	AvatarColor string    `json:"avatarColor"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Info converts the identity to the lobby view. Host status is decided by the lobby.
func (p Player) Info() PlayerInfo {
	return PlayerInfo{
		ID:      p.ID,
		Pseudo:  p.DisplayName,
		PP:      p.AvatarURL,
		PPColor: p.AvatarColor,
	}
}

// NewPlayer mints an identity with a fresh id. An empty name becomes
// "Player-XXXX" built from the id.
func NewPlayer(name, avatarURL, color string, now time.Time) Player {
	id := uuid.NewString()
	if name = strings.TrimSpace(name); name == "" {
		name = "Player-" + strings.ToUpper(id[:4])
	}
	if color == "" {
		color = DefaultAvatarColor
	}
	return Player{
		ID:          id,
		DisplayName: name,
		AvatarURL:   avatarURL,
		AvatarColor: color,
		CreatedAt:   now,
	}
}
