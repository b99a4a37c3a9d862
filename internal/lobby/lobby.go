// internal/lobby/lobby.go
package lobby

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Wedja10/SAE-S4-sub000/internal/errs"
	"github.com/Wedja10/SAE-S4-sub000/internal/models"
)

// Lobby is one game in formation. Every mutation holds Mu for its whole
// duration, so capacity and host checks are atomic with the change they guard.
type Lobby struct {
	Code      string
	CreatedAt time.Time

	status       models.Status
	settings     models.Settings
	members      []*models.Member // ordered by join time
	lastActivity time.Time

	moderation Moderation
	now        func() time.Time

	// Mu serializes every read and write of the fields above.
	Mu sync.Mutex
}

// Snapshot is an immutable copy of a lobby taken while its lock was held.
// Broadcasts are always built from a Snapshot, never from live state.
type Snapshot struct {
	Code     string          `json:"gameCode"`
	Status   models.Status   `json:"status"`
	HostID   string          `json:"hostId,omitempty"`
	Settings models.Settings `json:"settings"`
	Members  []models.Member `json:"members"`
}

// Member returns the member with the given id from the snapshot.
func (s Snapshot) Member(playerID string) (models.Member, bool) {
	for _, m := range s.Members {
		if m.ID == playerID {
			return m, true
		}
	}
	return models.Member{}, false
}

// State converts the snapshot to its wire form.
func (s Snapshot) State() models.LobbyStatePayload {
	return models.LobbyStatePayload{
		GameCode: s.Code,
		Status:   s.Status,
		HostID:   s.HostID,
		Settings: s.Settings,
		Members:  s.Members,
	}
}

// JoinResult is returned by a successful join.
type JoinResult struct {
	Snapshot Snapshot
	Member   models.Member
	// Rejoined is true when the player was already a member and only display fields changed.
	Rejoined bool
}

// LeaveResult describes the membership change caused by a leave, kick or ban.
type LeaveResult struct {
	Snapshot Snapshot
	// Removed is false when the player was not a member (a ban of an absent player).
	Removed bool
	// NewHostID is set when host status moved to another member.
	NewHostID string
	// Closed is true when the last member left.
	Closed bool
}

func newLobby(code string, settings models.Settings, moderation Moderation, now func() time.Time) *Lobby {
	ts := now()
	return &Lobby{
		Code:         code,
		CreatedAt:    ts,
		status:       models.StatusWaiting,
		settings:     settings,
		lastActivity: ts,
		moderation:   moderation,
		now:          now,
	}
}

// Snapshot takes a consistent copy of the lobby.
func (lobby *Lobby) Snapshot() Snapshot {
	lobby.Mu.Lock()
	defer lobby.Mu.Unlock()
	return lobby.SnapshotUnsafe()
}

// SnapshotUnsafe copies the lobby state. Assumes lock is held.
func (lobby *Lobby) SnapshotUnsafe() Snapshot {
	snap := Snapshot{
		Code:     lobby.Code,
		Status:   lobby.status,
		Settings: lobby.settings.Clone(),
		Members:  make([]models.Member, 0, len(lobby.members)),
	}
	for _, m := range lobby.members {
		snap.Members = append(snap.Members, *m)
		if m.IsHost {
			snap.HostID = m.ID
		}
	}
	return snap
}

// LastActivity returns when the lobby was last mutated.
func (lobby *Lobby) LastActivity() time.Time {
	lobby.Mu.Lock()
	defer lobby.Mu.Unlock()
	return lobby.lastActivity
}

// Touch records activity that does not change lobby state, such as chat.
func (lobby *Lobby) Touch() {
	lobby.Mu.Lock()
	defer lobby.Mu.Unlock()
	lobby.touchUnsafe()
}

// Join admits a player or, if already a member, refreshes their display fields in place.
func (lobby *Lobby) Join(ctx context.Context, player models.PlayerInfo) (JoinResult, error) {
	lobby.Mu.Lock()
	defer lobby.Mu.Unlock()

	if lobby.status == models.StatusClosed {
		return JoinResult{}, errs.ErrSessionNotFound
	}

	reason, banned, err := lobby.moderation.IsBanned(ctx, lobby.Code, player.ID)
	if err != nil {
		return JoinResult{}, fmt.Errorf("check ban for %s: %w", player.ID, err)
	}
	if banned {
		return JoinResult{}, &errs.BannedError{Reason: reason}
	}

	if existing := lobby.memberUnsafe(player.ID); existing != nil {
		applyDisplayFields(existing, player)
		lobby.touchUnsafe()
		return JoinResult{Snapshot: lobby.SnapshotUnsafe(), Member: *existing, Rejoined: true}, nil
	}

	if !lobby.settings.AllowJoin {
		return JoinResult{}, errs.ErrJoinsLocked
	}
	if lobby.status != models.StatusWaiting {
		return JoinResult{}, errs.ErrAlreadyStarted
	}
	if limit := lobby.settings.MaxPlayers; limit != nil && len(lobby.members) >= *limit {
		return JoinResult{}, errs.ErrSessionFull
	}

	member := &models.Member{
		ID:       player.ID,
		JoinedAt: lobby.now(),
		IsHost:   len(lobby.members) == 0,
	}
	applyDisplayFields(member, player)
	lobby.members = append(lobby.members, member)
	lobby.touchUnsafe()

	return JoinResult{Snapshot: lobby.SnapshotUnsafe(), Member: *member}, nil
}

// Leave removes a member, promoting the earliest remaining member if the host left.
func (lobby *Lobby) Leave(playerID string) (LeaveResult, error) {
	lobby.Mu.Lock()
	defer lobby.Mu.Unlock()

	if lobby.status == models.StatusClosed {
		return LeaveResult{}, errs.ErrSessionNotFound
	}
	if lobby.memberUnsafe(playerID) == nil {
		return LeaveResult{}, errs.ErrNotMember
	}
	return lobby.removeUnsafe(playerID), nil
}

// LeaveIfUnbound removes playerID unless bound reports a live connection for
// them. bound runs with Mu held, so a rejoin cannot slip between the check and
// the removal. Removed is false when the player was kept.
func (lobby *Lobby) LeaveIfUnbound(playerID string, bound func() bool) (LeaveResult, error) {
	lobby.Mu.Lock()
	defer lobby.Mu.Unlock()

	if lobby.status == models.StatusClosed {
		return LeaveResult{}, errs.ErrSessionNotFound
	}
	if lobby.memberUnsafe(playerID) == nil {
		return LeaveResult{}, errs.ErrNotMember
	}
	if bound() {
		return LeaveResult{Snapshot: lobby.SnapshotUnsafe()}, nil
	}
	return lobby.removeUnsafe(playerID), nil
}

// seatHost makes host the first member of a lobby nobody else can reach yet.
func (lobby *Lobby) seatHost(host models.PlayerInfo) Snapshot {
	lobby.Mu.Lock()
	defer lobby.Mu.Unlock()

	member := &models.Member{
		ID:       host.ID,
		JoinedAt: lobby.now(),
		IsHost:   true,
	}
	applyDisplayFields(member, host)
	lobby.members = append(lobby.members, member)
	lobby.touchUnsafe()
	return lobby.SnapshotUnsafe()
}

// UpdateSettings merges patch over the current settings if requester is the host.
func (lobby *Lobby) UpdateSettings(patch models.SettingsPatch, requesterID string) (Snapshot, error) {
	lobby.Mu.Lock()
	defer lobby.Mu.Unlock()

	if err := lobby.requireHostUnsafe(requesterID); err != nil {
		return Snapshot{}, err
	}

	next := patch.Apply(lobby.settings)
	if err := next.Validate(); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", errs.ErrInvalidSettings, err)
	}
	if next.MaxPlayers != nil && *next.MaxPlayers < len(lobby.members) {
		return Snapshot{}, fmt.Errorf("%w: max_players %d is below the %d current members",
			errs.ErrInvalidSettings, *next.MaxPlayers, len(lobby.members))
	}

	lobby.settings = next
	lobby.touchUnsafe()
	return lobby.SnapshotUnsafe(), nil
}

// Kick removes a member. The kick is recorded but does not prevent a rejoin.
func (lobby *Lobby) Kick(ctx context.Context, hostID, targetID, reason string) (LeaveResult, error) {
	lobby.Mu.Lock()
	defer lobby.Mu.Unlock()

	if err := lobby.checkModerationUnsafe(hostID, targetID); err != nil {
		return LeaveResult{}, err
	}
	if lobby.memberUnsafe(targetID) == nil {
		return LeaveResult{}, errs.ErrNotMember
	}
	if err := lobby.moderation.RecordKick(ctx, lobby.Code, targetID, reason); err != nil {
		return LeaveResult{}, fmt.Errorf("record kick of %s: %w", targetID, err)
	}
	return lobby.removeUnsafe(targetID), nil
}

// Ban records a ban for targetID and removes them if they are currently a member.
func (lobby *Lobby) Ban(ctx context.Context, hostID, targetID, reason string) (LeaveResult, error) {
	lobby.Mu.Lock()
	defer lobby.Mu.Unlock()

	if err := lobby.checkModerationUnsafe(hostID, targetID); err != nil {
		return LeaveResult{}, err
	}
	if err := lobby.moderation.RecordBan(ctx, lobby.Code, targetID, reason); err != nil {
		return LeaveResult{}, fmt.Errorf("record ban of %s: %w", targetID, err)
	}
	if lobby.memberUnsafe(targetID) == nil {
		lobby.touchUnsafe()
		return LeaveResult{Snapshot: lobby.SnapshotUnsafe()}, nil
	}
	return lobby.removeUnsafe(targetID), nil
}

// Start moves a waiting lobby to in_progress.
func (lobby *Lobby) Start(requesterID string) (Snapshot, error) {
	lobby.Mu.Lock()
	defer lobby.Mu.Unlock()

	if err := lobby.requireHostUnsafe(requesterID); err != nil {
		return Snapshot{}, err
	}
	if lobby.status != models.StatusWaiting {
		return Snapshot{}, errs.ErrAlreadyStarted
	}
	if len(lobby.members) < models.MinPlayers {
		return Snapshot{}, errs.ErrNotEnough
	}
	lobby.status = models.StatusInProgress
	lobby.touchUnsafe()
	return lobby.SnapshotUnsafe(), nil
}

// Rename changes the display name of a member.
func (lobby *Lobby) Rename(playerID, name string) (models.Member, error) {
	lobby.Mu.Lock()
	defer lobby.Mu.Unlock()

	m := lobby.memberUnsafe(playerID)
	if m == nil {
		return models.Member{}, errs.ErrNotMember
	}
	if name == "" {
		return models.Member{}, fmt.Errorf("%w: empty name", errs.ErrInvalidPayload)
	}
	m.Pseudo = name
	lobby.touchUnsafe()
	return *m, nil
}

// ChangePicture updates the avatar of a member. An empty color keeps the current one.
func (lobby *Lobby) ChangePicture(playerID, url, color string) (models.Member, error) {
	lobby.Mu.Lock()
	defer lobby.Mu.Unlock()

	m := lobby.memberUnsafe(playerID)
	if m == nil {
		return models.Member{}, errs.ErrNotMember
	}
	if url == "" {
		return models.Member{}, fmt.Errorf("%w: empty picture url", errs.ErrInvalidPayload)
	}
	m.PP = url
	if color != "" {
		m.PPColor = color
	}
	lobby.touchUnsafe()
	return *m, nil
}

// close marks the lobby closed regardless of its members.
func (lobby *Lobby) close() Snapshot {
	lobby.Mu.Lock()
	defer lobby.Mu.Unlock()
	lobby.status = models.StatusClosed
	return lobby.SnapshotUnsafe()
}

// removeUnsafe drops a member and handles host transfer. Assumes lock is held
// and the player is a member.
func (lobby *Lobby) removeUnsafe(playerID string) LeaveResult {
	var wasHost bool
	for i, m := range lobby.members {
		if m.ID == playerID {
			wasHost = m.IsHost
			lobby.members = append(lobby.members[:i], lobby.members[i+1:]...)
			break
		}
	}

	res := LeaveResult{Removed: true}
	if len(lobby.members) == 0 {
		lobby.status = models.StatusClosed
		res.Closed = true
	} else if wasHost {
		// members is kept in join order, so the first one is the earliest joined.
		next := lobby.members[0]
		for _, m := range lobby.members[1:] {
			if m.JoinedAt.Before(next.JoinedAt) {
				next = m
			}
		}
		next.IsHost = true
		res.NewHostID = next.ID
	}
	lobby.touchUnsafe()
	res.Snapshot = lobby.SnapshotUnsafe()
	return res
}

func (lobby *Lobby) checkModerationUnsafe(hostID, targetID string) error {
	if err := lobby.requireHostUnsafe(hostID); err != nil {
		return err
	}
	if hostID == targetID {
		return errs.ErrInvalidTarget
	}
	return nil
}

func (lobby *Lobby) requireHostUnsafe(playerID string) error {
	if lobby.status == models.StatusClosed {
		return errs.ErrSessionNotFound
	}
	m := lobby.memberUnsafe(playerID)
	if m == nil || !m.IsHost {
		return errs.ErrNotHost
	}
	return nil
}

func (lobby *Lobby) memberUnsafe(playerID string) *models.Member {
	for _, m := range lobby.members {
		if m.ID == playerID {
			return m
		}
	}
	return nil
}

func (lobby *Lobby) touchUnsafe() {
	lobby.lastActivity = lobby.now()
}

// applyDisplayFields copies the client-controlled fields. Host status is never taken from the client.
func applyDisplayFields(m *models.Member, p models.PlayerInfo) {
	if p.Pseudo != "" {
		m.Pseudo = p.Pseudo
	}
	if p.PP != "" {
		m.PP = p.PP
	}
	if p.PPColor != "" {
		m.PPColor = p.PPColor
	}
}
