// internal/models/message.go
package models

import (
	"encoding/json"
	"fmt"
)

// EventType is the tag carried in the "type" field of every wire message.
type EventType string

const (
	EventPlayerJoin           EventType = "player_join"
	EventPlayerLeave          EventType = "player_leave"
	EventSettingsUpdate       EventType = "settings_update"
	EventGameStart            EventType = "game_start"
	EventChatMessage          EventType = "chat_message"
	EventPlayerRename         EventType = "player_rename"
	EventProfilePictureChange EventType = "profile_picture_change"
	EventPlayerKick           EventType = "player_kick"
	EventPlayerBan            EventType = "player_ban"
	EventPlayerKicked         EventType = "player_kicked"
	EventPlayerBanned         EventType = "player_banned"
	EventJoinBanned           EventType = "join_banned"
	EventPing                 EventType = "ping"

	// Server-only messages.
	EventLobbyState  EventType = "lobby_state"
	EventHostChanged EventType = "host_changed"
	EventError       EventType = "error"
)

// InboundEvents lists the tags a client is allowed to send.
var InboundEvents = []EventType{
	EventPlayerJoin,
	EventPlayerLeave,
	EventSettingsUpdate,
	EventGameStart,
	EventChatMessage,
	EventPlayerRename,
	EventProfilePictureChange,
	EventPlayerKick,
	EventPlayerBan,
	EventPing,
}

// Message is the envelope of every frame exchanged over the lobby socket.
type Message struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewMessage encodes data as the payload of a message tagged t.
func NewMessage(t EventType, data interface{}) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return Message{Type: t, Data: raw}, nil
}

// Encode marshals a message tagged t straight to wire bytes.
func Encode(t EventType, data interface{}) ([]byte, error) {
	msg, err := NewMessage(t, data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v interface{}) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s: empty payload", m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w", m.Type, err)
	}
	return nil
}

// PlayerInfo is the public view of a player inside a lobby.
type PlayerInfo struct {
	ID      string `json:"id"`
	Pseudo  string `json:"pseudo"`
	PP      string `json:"pp"`
	PPColor string `json:"pp_color"`
	IsHost  bool   `json:"is_host"`
}

type JoinPayload struct {
	GameCode string     `json:"gameCode"`
	Player   PlayerInfo `json:"player"`
}

type LeavePayload struct {
	GameCode string `json:"gameCode"`
	PlayerID string `json:"playerId"`
}

// SettingsUpdatePayload is sent by the host; absent fields keep their value.
type SettingsUpdatePayload struct {
	GameCode string        `json:"gameCode"`
	Settings SettingsPatch `json:"settings"`
}

// SettingsBroadcast carries the full settings after a successful update.
type SettingsBroadcast struct {
	GameCode string   `json:"gameCode"`
	Settings Settings `json:"settings"`
}

type GameStartPayload struct {
	GameCode string `json:"gameCode"`
}

type ChatPayload struct {
	GameCode     string `json:"gameCode"`
	PlayerID     string `json:"playerId"`
	PlayerName   string `json:"playerName"`
	Message      string `json:"message"`
	Timestamp    int64  `json:"timestamp"`
	MessageID    string `json:"messageId"`
	IsServerEcho bool   `json:"isServerEcho,omitempty"`
}

type RenamePayload struct {
	GameCode string `json:"gameCode"`
	PlayerID string `json:"playerId"`
	NewName  string `json:"newName"`
}

type ProfilePicturePayload struct {
	GameCode      string `json:"gameCode"`
	PlayerID      string `json:"playerId"`
	NewPictureURL string `json:"newPictureUrl"`
	SkinColor     string `json:"skinColor"`
}

// ModerationPayload is used by both player_kick and player_ban.
type ModerationPayload struct {
	GameCode string `json:"gameCode"`
	HostID   string `json:"hostId"`
	PlayerID string `json:"playerId"`
	Reason   string `json:"reason"`
}

// SanctionPayload notifies the sanctioned player (player_kicked, player_banned, join_banned).
type SanctionPayload struct {
	GameCode string `json:"gameCode"`
	Reason   string `json:"reason"`
}

type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// LobbyStatePayload is the private snapshot a player receives after joining.
type LobbyStatePayload struct {
	GameCode string   `json:"gameCode"`
	Status   Status   `json:"status"`
	HostID   string   `json:"hostId,omitempty"`
	Settings Settings `json:"settings"`
	Members  []Member `json:"members"`
}

type HostChangedPayload struct {
	GameCode string `json:"gameCode"`
	PlayerID string `json:"playerId"`
}

// ErrorPayload is returned only to the connection whose event was rejected.
type ErrorPayload struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	Event   EventType `json:"event,omitempty"`
}
