// internal/client/coordinator.go
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Wedja10/SAE-S4-sub000/internal/dedup"
	"github.com/Wedja10/SAE-S4-sub000/internal/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotConnected      = errors.New("not connected")
	ErrBannedLocally     = errors.New("banned from this session")
	ErrGaveUp            = errors.New("reconnection gave up")
	ErrHeartbeatTimeout  = errors.New("heartbeat timeout")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrAlreadyRunning    = errors.New("coordinator already running")
)

// Conn is one live transport to the server.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens a new Conn.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to a Dialer.
type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// Config tunes a Coordinator.
type Config struct {
	Backoff           Backoff
	HeartbeatInterval time.Duration
	// TimeoutMultiple is how many heartbeat intervals may pass without any
	// frame from the server before the connection is considered dead.
	TimeoutMultiple int
	WriteTimeout    time.Duration
	ChatHistory     int
}

func DefaultConfig() Config {
	return Config{
		Backoff:           DefaultBackoff(),
		HeartbeatInterval: 15 * time.Second,
		TimeoutMultiple:   3,
		WriteTimeout:      5 * time.Second,
		ChatHistory:       256,
	}
}

type banKey struct {
	code     string
	playerID string
}

// StateFunc observes one state transition.
type StateFunc func(from, to State)

type subscription struct {
	id uint64
	fn func(models.Message)
}

// Coordinator keeps one client connected to the lobby server. It rejoins the
// remembered session after every reconnect and tears down connections whose
// peer went silent.
type Coordinator struct {
	dialer Dialer
	cfg    Config
	logger *logrus.Logger

	mu       sync.Mutex
	state    State
	running  bool
	conn     Conn
	pair     *models.JoinPayload
	bans     map[banKey]string
	lastSeen time.Time

	writeMu sync.Mutex

	subsMu    sync.RWMutex
	subs      map[models.EventType][]subscription
	stateSubs []StateFunc
	nextSub   uint64

	chats *dedup.Window

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a coordinator. It does nothing until Run is called.
func New(dialer Dialer, cfg Config, logger *logrus.Logger) *Coordinator {
	return &Coordinator{
		dialer: dialer,
		cfg:    cfg,
		logger: logger,
		state:  Disconnected,
		bans:   make(map[banKey]string),
		subs:   make(map[models.EventType][]subscription),
		chats:  dedup.NewWindow(cfg.ChatHistory),
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// State returns the current connection status.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers fn for every inbound message tagged t and returns a
// function that removes it.
func (c *Coordinator) Subscribe(t models.EventType, fn func(models.Message)) func() {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.nextSub++
	id := c.nextSub
	c.subs[t] = append(c.subs[t], subscription{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subsMu.Lock()
			defer c.subsMu.Unlock()
			list := c.subs[t]
			for i, s := range list {
				if s.id == id {
					c.subs[t] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
		})
	}
}

// OnStateChange registers fn to run after every transition.
func (c *Coordinator) OnStateChange(fn StateFunc) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.stateSubs = append(c.stateSubs, fn)
}

func (c *Coordinator) transition(to State) error {
	c.mu.Lock()
	from := c.state
	if from == to {
		c.mu.Unlock()
		return nil
	}
	if !CanTransition(from, to) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	c.state = to
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{"from": from, "to": to}).Debug("Connection state changed")
	c.subsMu.RLock()
	subs := append([]StateFunc(nil), c.stateSubs...)
	c.subsMu.RUnlock()
	for _, fn := range subs {
		fn(from, to)
	}
	return nil
}

// Reset moves a failed coordinator back to Disconnected so Run can be called again.
func (c *Coordinator) Reset() error {
	return c.transition(Disconnected)
}

// Run connects and keeps reconnecting until ctx is cancelled or the retry
// budget is spent. It returns nil on cancellation and ErrGaveUp otherwise.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	if c.state != Disconnected {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot run from %s", ErrInvalidTransition, state)
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	failures := 0
	for {
		if err := c.transition(Connecting); err != nil {
			return err
		}
		conn, err := c.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.transition(Disconnected)
				return nil
			}
			failures++
			c.logger.WithError(err).WithField("attempt", failures).Warn("Dial failed")
			if failures >= c.cfg.Backoff.MaxAttempts {
				c.transition(Failed)
				return fmt.Errorf("%w after %d attempts: %v", ErrGaveUp, failures, err)
			}
			c.transition(Reconnecting)
			if c.sleep(ctx, c.cfg.Backoff.Delay(failures-1)) != nil {
				c.transition(Disconnected)
				return nil
			}
			continue
		}

		failures = 0
		err = c.serve(ctx, conn)
		if ctx.Err() != nil {
			c.transition(Disconnected)
			return nil
		}
		c.logger.WithError(err).Info("Connection lost, reconnecting")
		c.transition(Reconnecting)
		if c.sleep(ctx, c.cfg.Backoff.Delay(0)) != nil {
			c.transition(Disconnected)
			return nil
		}
	}
}

// serve owns conn until it fails or ctx is cancelled.
func (c *Coordinator) serve(ctx context.Context, conn Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.conn = conn
	c.lastSeen = c.now()
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	if err := c.transition(Connected); err != nil {
		return err
	}
	// Read the pair only once Connected so a concurrent Join either lands here
	// or sends on its own.
	c.mu.Lock()
	pair := c.pair
	c.mu.Unlock()
	if pair != nil {
		if err := c.write(ctx, conn, models.EventPlayerJoin, *pair); err != nil {
			return fmt.Errorf("rejoin %s: %w", pair.GameCode, err)
		}
		c.logger.WithField("session", pair.GameCode).Info("Rejoined session")
	}

	errc := make(chan error, 2)
	go func() { errc <- c.readLoop(ctx, conn) }()
	go func() { errc <- c.heartbeat(ctx, conn) }()

	err := <-errc
	cancel()
	conn.Close()
	<-errc
	return err
}

func (c *Coordinator) readLoop(ctx context.Context, conn Conn) error {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.lastSeen = c.now()
		c.mu.Unlock()

		var msg models.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.WithError(err).Debug("Ignoring malformed frame")
			continue
		}
		c.receive(msg)
	}
}

func (c *Coordinator) heartbeat(ctx context.Context, conn Conn) error {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	timeout := time.Duration(c.cfg.TimeoutMultiple) * c.cfg.HeartbeatInterval
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		c.mu.Lock()
		silent := c.now().Sub(c.lastSeen)
		c.mu.Unlock()
		if silent > timeout {
			return fmt.Errorf("%w: nothing received for %s", ErrHeartbeatTimeout, silent)
		}
		if err := c.write(ctx, conn, models.EventPing, models.PingPayload{Timestamp: c.now().UnixMilli()}); err != nil {
			return err
		}
	}
}

// receive applies client-side bookkeeping and publishes msg.
func (c *Coordinator) receive(msg models.Message) {
	switch msg.Type {
	case models.EventPlayerBanned, models.EventJoinBanned:
		var p models.SanctionPayload
		if err := msg.Decode(&p); err == nil {
			c.mu.Lock()
			if c.pair != nil && c.pair.GameCode == p.GameCode {
				c.bans[banKey{p.GameCode, c.pair.Player.ID}] = p.Reason
				c.pair = nil
			}
			c.mu.Unlock()
		}
	case models.EventPlayerKicked:
		var p models.SanctionPayload
		if err := msg.Decode(&p); err == nil {
			c.mu.Lock()
			if c.pair != nil && c.pair.GameCode == p.GameCode {
				c.pair = nil
			}
			c.mu.Unlock()
		}
	case models.EventChatMessage:
		var p models.ChatPayload
		if err := msg.Decode(&p); err == nil && p.MessageID != "" && c.chats.Seen(p.MessageID) {
			return
		}
	}

	c.subsMu.RLock()
	subs := append([]subscription(nil), c.subs[msg.Type]...)
	c.subsMu.RUnlock()
	for _, s := range subs {
		s.fn(msg)
	}
}

func (c *Coordinator) write(ctx context.Context, conn Conn, t models.EventType, data interface{}) error {
	raw, err := models.Encode(t, data)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.Write(ctx, raw)
}

// Send writes one message on the live connection.
func (c *Coordinator) Send(ctx context.Context, t models.EventType, data interface{}) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if conn == nil || state != Connected {
		return ErrNotConnected
	}
	return c.write(ctx, conn, t, data)
}

// Join remembers the session so it is rejoined after every reconnect, and
// sends the join right away when connected. A pair known to be banned fails
// without contacting the server.
func (c *Coordinator) Join(ctx context.Context, code string, player models.PlayerInfo) error {
	c.mu.Lock()
	if reason, banned := c.bans[banKey{code, player.ID}]; banned {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBannedLocally, reason)
	}
	pair := models.JoinPayload{GameCode: code, Player: player}
	c.pair = &pair
	c.mu.Unlock()

	err := c.Send(ctx, models.EventPlayerJoin, pair)
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// Leave forgets the remembered session and tells the server.
func (c *Coordinator) Leave(ctx context.Context) error {
	c.mu.Lock()
	pair := c.pair
	c.pair = nil
	c.mu.Unlock()
	if pair == nil {
		return nil
	}
	return c.Send(ctx, models.EventPlayerLeave, models.LeavePayload{GameCode: pair.GameCode, PlayerID: pair.Player.ID})
}

// Chat sends a chat line with a fresh message id and returns that id.
func (c *Coordinator) Chat(ctx context.Context, text string) (string, error) {
	c.mu.Lock()
	pair := c.pair
	c.mu.Unlock()
	if pair == nil {
		return "", ErrNotConnected
	}
	id := uuid.NewString()
	return id, c.Send(ctx, models.EventChatMessage, models.ChatPayload{
		GameCode:   pair.GameCode,
		PlayerID:   pair.Player.ID,
		PlayerName: pair.Player.Pseudo,
		Message:    text,
		Timestamp:  c.now().UnixMilli(),
		MessageID:  id,
	})
}

// Session returns the remembered session code, empty when none.
func (c *Coordinator) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pair == nil {
		return ""
	}
	return c.pair.GameCode
}

// Banned reports whether the pair is in the local ban cache.
func (c *Coordinator) Banned(code, playerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.bans[banKey{code, playerID}]
	return ok
}
