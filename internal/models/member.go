// internal/models/member.go
package models

import "time"

// Status is the lifecycle state of a lobby.
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusInProgress Status = "in_progress"
	StatusClosed     Status = "closed"
)

// Member is a player's participation record within one lobby.
type Member struct {
	ID       string    `json:"id"`
	Pseudo   string    `json:"pseudo"`
	PP       string    `json:"pp"`
	PPColor  string    `json:"pp_color"`
	IsHost   bool      `json:"is_host"`
	JoinedAt time.Time `json:"joined_at"`
}

// Info returns the member as it is sent in player_join messages.
func (m Member) Info() PlayerInfo {
	return PlayerInfo{
		ID:      m.ID,
		Pseudo:  m.Pseudo,
		PP:      m.PP,
		PPColor: m.PPColor,
		IsHost:  m.IsHost,
	}
}
