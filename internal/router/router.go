// internal/router/router.go
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Wedja10/SAE-S4-sub000/internal/dedup"
	"github.com/Wedja10/SAE-S4-sub000/internal/errs"
	"github.com/Wedja10/SAE-S4-sub000/internal/lobby"
	"github.com/Wedja10/SAE-S4-sub000/internal/models"
	"github.com/Wedja10/SAE-S4-sub000/internal/registry"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// Config tunes dedup and coalescing.
type Config struct {
	// CoalesceWindow is how long after a join a leave for the same pair is
	// treated as a reconnect artifact.
	CoalesceWindow time.Duration
	// ChatHistory is the number of chat message ids remembered per session.
	ChatHistory int
}

func DefaultConfig() Config {
	return Config{
		CoalesceWindow: 3 * time.Second,
		ChatHistory:    256,
	}
}

// HandlerFunc processes one inbound message from conn.
type HandlerFunc func(ctx context.Context, conn *registry.Connection, msg models.Message) error

// Router validates inbound events, applies them to the store and fans the
// result out to the other connections of the session. Dispatch is called
// from each connection's read loop, so events of one connection are handled
// in the order they were read.
type Router struct {
	store    *lobby.Store
	registry *registry.Registry
	logger   *logrus.Logger
	cfg      Config

	handlers  map[models.EventType]HandlerFunc
	coalescer *Coalescer
	pairs     *pairLocks

	chatMu sync.Mutex
	chats  map[string]*dedup.Window
}

// New builds a router and hooks it into the registry removal path and the
// store close path.
func New(store *lobby.Store, reg *registry.Registry, logger *logrus.Logger, cfg Config) *Router {
	r := &Router{
		store:     store,
		registry:  reg,
		logger:    logger,
		cfg:       cfg,
		handlers:  make(map[models.EventType]HandlerFunc),
		coalescer: NewCoalescer(cfg.CoalesceWindow),
		pairs:     newPairLocks(),
		chats:     make(map[string]*dedup.Window),
	}

	r.On(models.EventPlayerJoin, handle(r.handleJoin))
	r.On(models.EventPlayerLeave, handle(r.handleLeave))
	r.On(models.EventSettingsUpdate, handle(r.handleSettings))
	r.On(models.EventGameStart, handle(r.handleStart))
	r.On(models.EventChatMessage, handle(r.handleChat))
	r.On(models.EventPlayerRename, handle(r.handleRename))
	r.On(models.EventProfilePictureChange, handle(r.handleProfilePicture))
	r.On(models.EventPlayerKick, handle(r.handleKick))
	r.On(models.EventPlayerBan, handle(r.handleBan))
	r.On(models.EventPing, handle(r.handlePing))

	reg.OnRemove(r.connectionRemoved)
	store.OnClosed(r.sessionClosed)
	return r
}

// On replaces the handler of an inbound tag. Registering a tag clients are
// not allowed to send is a programming error.
func (r *Router) On(t models.EventType, fn HandlerFunc) {
	for _, allowed := range models.InboundEvents {
		if allowed == t {
			r.handlers[t] = fn
			return
		}
	}
	panic(fmt.Sprintf("router: %q is not an inbound event", t))
}

// handle decodes the payload into T before calling fn.
func handle[T any](fn func(context.Context, *registry.Connection, T) error) HandlerFunc {
	return func(ctx context.Context, conn *registry.Connection, msg models.Message) error {
		var payload T
		if err := msg.Decode(&payload); err != nil {
			return fmt.Errorf("%w: %w", errs.ErrInvalidPayload, err)
		}
		return fn(ctx, conn, payload)
	}
}

// Dispatch handles one raw frame read from conn. A rejected event is
// answered on conn only; the returned error is for the caller's logs.
func (r *Router) Dispatch(ctx context.Context, conn *registry.Connection, raw []byte) error {
	if !gjson.ValidBytes(raw) {
		return r.reject(conn, "", fmt.Errorf("%w: malformed json", errs.ErrInvalidPayload))
	}
	tag := models.EventType(gjson.GetBytes(raw, "type").String())
	if !conn.Allow() {
		return r.reject(conn, tag, errs.ErrRateLimited)
	}
	fn, ok := r.handlers[tag]
	if !ok {
		return r.reject(conn, tag, fmt.Errorf("%w: %q", errs.ErrUnknownEvent, tag))
	}

	var msg models.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return r.reject(conn, tag, fmt.Errorf("%w: %v", errs.ErrInvalidPayload, err))
	}
	if err := fn(ctx, conn, msg); err != nil {
		return r.reject(conn, tag, err)
	}
	return nil
}

func (r *Router) reject(conn *registry.Connection, tag models.EventType, err error) error {
	code, playerID := conn.Binding()
	r.logger.WithFields(logrus.Fields{
		"conn":    conn.ID.String(),
		"session": code,
		"player":  playerID,
		"event":   tag,
	}).WithError(err).Debug("Event rejected")

	r.send(conn, models.EventError, models.ErrorPayload{
		Kind:    string(errs.KindOf(err)),
		Message: err.Error(),
		Event:   tag,
	})
	return err
}

// send delivers one message to a single connection.
func (r *Router) send(conn *registry.Connection, t models.EventType, data interface{}) {
	raw, err := models.Encode(t, data)
	if err != nil {
		r.logger.WithError(err).WithField("event", t).Error("Failed to encode message")
		return
	}
	r.deliver(conn, raw)
}

// broadcast delivers to every connection bound to code except the one with id
// except. Pass uuid.Nil to include everyone. A failed recipient never stops
// delivery to the others.
func (r *Router) broadcast(code string, except uuid.UUID, t models.EventType, data interface{}) {
	raw, err := models.Encode(t, data)
	if err != nil {
		r.logger.WithError(err).WithField("event", t).Error("Failed to encode broadcast")
		return
	}
	for _, conn := range r.registry.InSession(code) {
		if conn.ID == except {
			continue
		}
		r.deliver(conn, raw)
	}
}

func (r *Router) deliver(conn *registry.Connection, raw []byte) {
	if err := conn.Send(raw); err != nil {
		code, playerID := conn.Binding()
		r.logger.WithFields(logrus.Fields{
			"conn":    conn.ID.String(),
			"session": code,
			"player":  playerID,
		}).WithError(err).Warn("Delivery failed, message dropped")
	}
}

// actor resolves the player behind conn for an event targeting gameCode.
func actor(conn *registry.Connection, gameCode string) (string, error) {
	code, playerID := conn.Binding()
	if code == "" || code != gameCode {
		return "", fmt.Errorf("%w: %s", errs.ErrNotBound, gameCode)
	}
	return playerID, nil
}

func (r *Router) handleJoin(ctx context.Context, conn *registry.Connection, p models.JoinPayload) error {
	if p.GameCode == "" || p.Player.ID == "" {
		return fmt.Errorf("%w: gameCode and player.id are required", errs.ErrInvalidPayload)
	}

	unlock := r.pairs.Lock(p.GameCode, p.Player.ID)
	res, err := r.store.Join(ctx, p.GameCode, p.Player)
	if err != nil {
		unlock()
		var banned *errs.BannedError
		if errors.As(err, &banned) {
			r.send(conn, models.EventJoinBanned, models.SanctionPayload{GameCode: p.GameCode, Reason: banned.Reason})
			return nil
		}
		return err
	}

	oldCode, oldPlayer := conn.Binding()
	if err := r.registry.Bind(conn.ID, p.GameCode, p.Player.ID); err != nil {
		// The connection went away between the join and the bind, so its
		// removal hook saw no binding. A fresh seat nobody was told about is
		// released silently.
		if !res.Rejoined {
			r.releaseSeat(ctx, p.GameCode, p.Player.ID)
		}
		unlock()
		return err
	}
	r.coalescer.NoteJoin(p.GameCode, p.Player.ID)
	unlock()

	if oldCode != "" && (oldCode != p.GameCode || oldPlayer != p.Player.ID) {
		r.leaveIfGone(ctx, oldCode, oldPlayer)
	}

	r.logger.WithFields(logrus.Fields{
		"session":  p.GameCode,
		"player":   p.Player.ID,
		"rejoined": res.Rejoined,
	}).Info("Player joined")

	r.send(conn, models.EventLobbyState, res.Snapshot.State())
	r.broadcast(p.GameCode, conn.ID, models.EventPlayerJoin, models.JoinPayload{
		GameCode: p.GameCode,
		Player:   res.Member.Info(),
	})
	return nil
}

func (r *Router) handleLeave(ctx context.Context, conn *registry.Connection, p models.LeavePayload) error {
	playerID, err := actor(conn, p.GameCode)
	if err != nil {
		return err
	}
	if p.PlayerID != "" && p.PlayerID != playerID {
		return fmt.Errorf("%w: cannot leave on behalf of %s", errs.ErrNotBound, p.PlayerID)
	}

	if left := r.coalescer.Remaining(p.GameCode, playerID); left > 0 {
		r.logger.WithFields(logrus.Fields{
			"session": p.GameCode,
			"player":  playerID,
			"window":  left,
		}).Debug("Leave right after join suppressed")
		return nil
	}

	unlock := r.pairs.Lock(p.GameCode, playerID)
	defer unlock()
	for _, c := range r.registry.PlayerConnections(p.GameCode, playerID) {
		r.registry.Unbind(c.ID)
	}
	res, err := r.store.Leave(ctx, p.GameCode, playerID)
	if err != nil {
		return err
	}
	r.left(p.GameCode, playerID, res)
	return nil
}

func (r *Router) handleSettings(_ context.Context, conn *registry.Connection, p models.SettingsUpdatePayload) error {
	playerID, err := actor(conn, p.GameCode)
	if err != nil {
		return err
	}
	if p.Settings.Empty() {
		return fmt.Errorf("%w: empty settings patch", errs.ErrInvalidPayload)
	}
	snap, err := r.store.UpdateSettings(p.GameCode, p.Settings, playerID)
	if err != nil {
		return err
	}
	r.broadcast(p.GameCode, conn.ID, models.EventSettingsUpdate, models.SettingsBroadcast{
		GameCode: p.GameCode,
		Settings: snap.Settings,
	})
	return nil
}

func (r *Router) handleStart(_ context.Context, conn *registry.Connection, p models.GameStartPayload) error {
	playerID, err := actor(conn, p.GameCode)
	if err != nil {
		return err
	}
	if _, err := r.store.Start(p.GameCode, playerID); err != nil {
		return err
	}
	r.logger.WithField("session", p.GameCode).Info("Game started")
	r.broadcast(p.GameCode, uuid.Nil, models.EventGameStart, models.GameStartPayload{GameCode: p.GameCode})
	return nil
}

func (r *Router) handleChat(_ context.Context, conn *registry.Connection, p models.ChatPayload) error {
	playerID, err := actor(conn, p.GameCode)
	if err != nil {
		return err
	}
	if p.MessageID == "" || p.Message == "" {
		return fmt.Errorf("%w: messageId and message are required", errs.ErrInvalidPayload)
	}
	lob, err := r.store.Get(p.GameCode)
	if err != nil {
		return err
	}
	member, ok := lob.Snapshot().Member(playerID)
	if !ok {
		return errs.ErrNotMember
	}

	p.PlayerID = playerID
	if p.PlayerName == "" {
		p.PlayerName = member.Pseudo
	}

	// A duplicate is echoed again to its sender, whose first echo may have
	// been lost, but never relayed twice.
	if r.chatWindow(p.GameCode).Seen(p.MessageID) {
		r.logger.WithFields(logrus.Fields{
			"session": p.GameCode,
			"message": p.MessageID,
		}).Debug("Duplicate chat message, echo only")
		p.IsServerEcho = true
		r.send(conn, models.EventChatMessage, p)
		return nil
	}
	lob.Touch()

	p.IsServerEcho = false
	r.broadcast(p.GameCode, conn.ID, models.EventChatMessage, p)

	p.IsServerEcho = true
	r.send(conn, models.EventChatMessage, p)
	return nil
}

func (r *Router) chatWindow(code string) *dedup.Window {
	r.chatMu.Lock()
	defer r.chatMu.Unlock()
	w, ok := r.chats[code]
	if !ok {
		w = dedup.NewWindow(r.cfg.ChatHistory)
		r.chats[code] = w
	}
	return w
}

func (r *Router) handleRename(_ context.Context, conn *registry.Connection, p models.RenamePayload) error {
	playerID, err := actor(conn, p.GameCode)
	if err != nil {
		return err
	}
	if p.PlayerID != playerID {
		return fmt.Errorf("%w: cannot rename %s", errs.ErrNotBound, p.PlayerID)
	}
	member, err := r.store.Rename(p.GameCode, playerID, p.NewName)
	if err != nil {
		return err
	}
	r.broadcast(p.GameCode, conn.ID, models.EventPlayerJoin, models.JoinPayload{GameCode: p.GameCode, Player: member.Info()})
	return nil
}

func (r *Router) handleProfilePicture(_ context.Context, conn *registry.Connection, p models.ProfilePicturePayload) error {
	playerID, err := actor(conn, p.GameCode)
	if err != nil {
		return err
	}
	if p.PlayerID != playerID {
		return fmt.Errorf("%w: cannot change the picture of %s", errs.ErrNotBound, p.PlayerID)
	}
	member, err := r.store.ChangePicture(p.GameCode, playerID, p.NewPictureURL, p.SkinColor)
	if err != nil {
		return err
	}
	r.broadcast(p.GameCode, conn.ID, models.EventPlayerJoin, models.JoinPayload{GameCode: p.GameCode, Player: member.Info()})
	return nil
}

func (r *Router) handleKick(ctx context.Context, conn *registry.Connection, p models.ModerationPayload) error {
	return r.sanction(ctx, conn, p, models.EventPlayerKicked, r.store.Kick)
}

func (r *Router) handleBan(ctx context.Context, conn *registry.Connection, p models.ModerationPayload) error {
	return r.sanction(ctx, conn, p, models.EventPlayerBanned, r.store.Ban)
}

type sanctionFunc func(ctx context.Context, code, hostID, targetID, reason string) (lobby.LeaveResult, error)

func (r *Router) sanction(ctx context.Context, conn *registry.Connection, p models.ModerationPayload, notice models.EventType, apply sanctionFunc) error {
	hostID, err := actor(conn, p.GameCode)
	if err != nil {
		return err
	}
	if p.HostID != hostID {
		return fmt.Errorf("%w: hostId does not match the connection", errs.ErrNotHost)
	}
	if p.PlayerID == "" {
		return fmt.Errorf("%w: playerId is required", errs.ErrInvalidPayload)
	}

	unlock := r.pairs.Lock(p.GameCode, p.PlayerID)
	defer unlock()
	res, err := apply(ctx, p.GameCode, hostID, p.PlayerID, p.Reason)
	if err != nil {
		return err
	}

	r.logger.WithFields(logrus.Fields{
		"session": p.GameCode,
		"host":    hostID,
		"player":  p.PlayerID,
		"action":  notice,
	}).Info("Player sanctioned")

	raw, err := models.Encode(notice, models.SanctionPayload{GameCode: p.GameCode, Reason: p.Reason})
	if err != nil {
		return err
	}
	for _, target := range r.registry.PlayerConnections(p.GameCode, p.PlayerID) {
		r.registry.Unbind(target.ID)
		r.deliver(target, raw)
	}
	if res.Removed {
		r.announceRemoval(p.GameCode, p.PlayerID, res, conn.ID)
	}
	return nil
}

func (r *Router) handlePing(_ context.Context, conn *registry.Connection, p models.PingPayload) error {
	r.send(conn, models.EventPing, p)
	return nil
}

// releaseSeat drops a member whose join never completed. Assumes the pair lock is held.
func (r *Router) releaseSeat(ctx context.Context, code, playerID string) {
	_, err := r.store.LeaveIfUnbound(ctx, code, playerID, func() bool {
		return len(r.registry.PlayerConnections(code, playerID)) > 0
	})
	if err != nil && !errors.Is(err, errs.ErrNotMember) && !errors.Is(err, errs.ErrSessionNotFound) {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"session": code,
			"player":  playerID,
		}).Warn("Failed to release unbound seat")
	}
}

// left logs a removal and tells the rest of the session.
func (r *Router) left(code, playerID string, res lobby.LeaveResult) {
	r.logger.WithFields(logrus.Fields{
		"session": code,
		"player":  playerID,
	}).Info("Player left")
	r.announceRemoval(code, playerID, res, uuid.Nil)
}

func (r *Router) announceRemoval(code, playerID string, res lobby.LeaveResult, except uuid.UUID) {
	if res.Closed {
		return
	}
	r.broadcast(code, except, models.EventPlayerLeave, models.LeavePayload{GameCode: code, PlayerID: playerID})
	if res.NewHostID != "" {
		r.broadcast(code, uuid.Nil, models.EventHostChanged, models.HostChangedPayload{GameCode: code, PlayerID: res.NewHostID})
	}
}

// leaveIfGone leaves on behalf of a player who has no live connection bound
// to the session any more. The liveness check and the removal happen under
// the pair lock and the lobby lock, so a concurrent rejoin keeps the member.
func (r *Router) leaveIfGone(ctx context.Context, code, playerID string) {
	unlock := r.pairs.Lock(code, playerID)
	defer unlock()

	res, err := r.store.LeaveIfUnbound(ctx, code, playerID, func() bool {
		return len(r.registry.PlayerConnections(code, playerID)) > 0
	})
	switch {
	case err == nil:
		if res.Removed {
			r.left(code, playerID, res)
		}
	case errors.Is(err, errs.ErrNotMember), errors.Is(err, errs.ErrSessionNotFound):
		// Already gone through an explicit leave, kick or close.
	default:
		r.logger.WithError(err).WithFields(logrus.Fields{
			"session": code,
			"player":  playerID,
		}).Warn("Implicit leave failed")
	}
}

// connectionRemoved is the registry removal hook. A connection lost within the
// coalescing window of a join is given the rest of the window to come back.
func (r *Router) connectionRemoved(_ *registry.Connection, code, playerID, reason string) {
	if code == "" {
		return
	}
	if left := r.coalescer.Remaining(code, playerID); left > 0 {
		r.logger.WithFields(logrus.Fields{
			"session": code,
			"player":  playerID,
			"reason":  reason,
			"window":  left,
		}).Debug("Connection lost right after join, deferring leave")
		time.AfterFunc(left, func() {
			r.leaveIfGone(context.Background(), code, playerID)
		})
		return
	}
	r.leaveIfGone(context.Background(), code, playerID)
}

// sessionClosed is the store close hook.
func (r *Router) sessionClosed(code string) {
	closed := models.LobbyStatePayload{
		GameCode: code,
		Status:   models.StatusClosed,
		Settings: models.DefaultSettings(),
		Members:  []models.Member{},
	}
	for _, conn := range r.registry.UnbindSession(code) {
		r.send(conn, models.EventLobbyState, closed)
	}

	r.chatMu.Lock()
	delete(r.chats, code)
	r.chatMu.Unlock()
	r.coalescer.Forget(code)
}
