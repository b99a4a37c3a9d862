// internal/handlers/lobby_ws_test.go
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Wedja10/SAE-S4-sub000/internal/client"
	"github.com/Wedja10/SAE-S4-sub000/internal/errs"
	"github.com/Wedja10/SAE-S4-sub000/internal/lobby"
	"github.com/Wedja10/SAE-S4-sub000/internal/models"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 3 * time.Second

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

// wsPeer is a raw websocket client that collects every frame it reads.
type wsPeer struct {
	c    *websocket.Conn
	mu   sync.Mutex
	msgs []models.Message
}

func dialPeer(t *testing.T, ts *httptest.Server) *wsPeer {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	c, _, err := websocket.Dial(ctx, wsURL(ts), &websocket.DialOptions{Subprotocols: []string{Subprotocol}})
	require.NoError(t, err)
	p := &wsPeer{c: c}
	go p.readLoop()
	t.Cleanup(func() { c.Close(websocket.StatusNormalClosure, "test done") })
	return p
}

func (p *wsPeer) readLoop() {
	for {
		_, data, err := p.c.Read(context.Background())
		if err != nil {
			return
		}
		var msg models.Message
		if json.Unmarshal(data, &msg) == nil {
			p.mu.Lock()
			p.msgs = append(p.msgs, msg)
			p.mu.Unlock()
		}
	}
}

func (p *wsPeer) send(t *testing.T, typ models.EventType, data interface{}) {
	t.Helper()
	raw, err := models.Encode(typ, data)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, p.c.Write(ctx, websocket.MessageText, raw))
}

func (p *wsPeer) of(typ models.EventType) []models.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.Message
	for _, m := range p.msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (p *wsPeer) wait(t *testing.T, typ models.EventType, n int) []models.Message {
	t.Helper()
	require.Eventually(t, func() bool { return len(p.of(typ)) >= n }, waitFor, 10*time.Millisecond,
		"expected %d %s frames", n, typ)
	return p.of(typ)
}

func TestWSRejectsMissingSubprotocol(t *testing.T) {
	_, ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	c, _, err := websocket.Dial(ctx, wsURL(ts), nil)
	require.NoError(t, err)
	_, _, err = c.Read(ctx)
	assert.Equal(t, BadSubprotocolError, websocket.CloseStatus(err))
}

func TestWSDisconnectLeavesSession(t *testing.T) {
	s, ts := newTestServer(t)
	host := createPlayer(t, ts, "Host")
	player := createPlayer(t, ts, "Pat")
	snap, err := s.Store.CreateSession(context.Background(), host.Info(), models.SettingsPatch{})
	require.NoError(t, err)

	h := dialPeer(t, ts)
	h.send(t, models.EventPlayerJoin, models.JoinPayload{GameCode: snap.Code, Player: host.Info()})
	h.wait(t, models.EventLobbyState, 1)

	p := dialPeer(t, ts)
	p.send(t, models.EventPlayerJoin, models.JoinPayload{GameCode: snap.Code, Player: player.Info()})
	h.wait(t, models.EventPlayerJoin, 1)

	// Past the coalescing window, a dropped socket is a real departure.
	time.Sleep(100 * time.Millisecond)
	p.c.Close(websocket.StatusNormalClosure, "bye")

	var left models.LeavePayload
	require.NoError(t, h.wait(t, models.EventPlayerLeave, 1)[0].Decode(&left))
	assert.Equal(t, player.ID, left.PlayerID)

	got, err := s.Store.GetSessionByCode(snap.Code)
	require.NoError(t, err)
	assert.Len(t, got.Members, 1)
	require.Eventually(t, func() bool { return s.Registry.Count() == 1 }, waitFor, 10*time.Millisecond)
}

func TestWSPingIsAnswered(t *testing.T) {
	_, ts := newTestServer(t)
	p := dialPeer(t, ts)
	p.send(t, models.EventPing, models.PingPayload{Timestamp: 1234})

	var pong models.PingPayload
	require.NoError(t, p.wait(t, models.EventPing, 1)[0].Decode(&pong))
	assert.Equal(t, int64(1234), pong.Timestamp)
}

// TestWSEndToEnd creates a two seat public session, fills it with the host and
// a player driven by the reconnecting client, and checks that a third player
// is refused while the host can still edit settings.
func TestWSEndToEnd(t *testing.T) {
	_, ts := newTestServer(t)
	host := createPlayer(t, ts, "Host")
	player := createPlayer(t, ts, "Pat")
	third := createPlayer(t, ts, "Quinn")

	articles := 5
	public := models.VisibilityPublic
	var snap lobby.Snapshot
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/sessions", createSessionRequest{
		HostID: host.ID,
		Settings: models.SettingsPatch{
			MaxPlayers:     models.Limit(2),
			ArticlesNumber: &articles,
			Visibility:     &public,
		},
	}, &snap)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	h := dialPeer(t, ts)
	h.send(t, models.EventPlayerJoin, models.JoinPayload{GameCode: snap.Code, Player: host.Info()})
	h.wait(t, models.EventLobbyState, 1)

	cfg := client.DefaultConfig()
	cfg.HeartbeatInterval = time.Hour
	coord := client.New(client.WSDialer{URL: wsURL(ts)}, cfg, testLogger())
	settings := make(chan models.SettingsBroadcast, 1)
	coord.Subscribe(models.EventSettingsUpdate, func(msg models.Message) {
		var b models.SettingsBroadcast
		if msg.Decode(&b) == nil {
			settings <- b
		}
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go coord.Run(ctx)
	require.NoError(t, coord.Join(ctx, snap.Code, player.Info()))

	var joined models.JoinPayload
	require.NoError(t, h.wait(t, models.EventPlayerJoin, 1)[0].Decode(&joined))
	assert.Equal(t, player.ID, joined.Player.ID)

	var state lobby.Snapshot
	doJSON(t, http.MethodGet, ts.URL+"/api/sessions/"+snap.Code, nil, &state)
	require.Len(t, state.Members, 2)
	assert.Equal(t, host.ID, state.HostID)
	assert.True(t, state.Settings.AllowJoin)

	newArticles := 8
	h.send(t, models.EventSettingsUpdate, models.SettingsUpdatePayload{
		GameCode: snap.Code,
		Settings: models.SettingsPatch{ArticlesNumber: &newArticles},
	})
	select {
	case b := <-settings:
		assert.Equal(t, 8, b.Settings.ArticlesNumber)
	case <-time.After(waitFor):
		t.Fatal("player never received the settings update")
	}

	q := dialPeer(t, ts)
	q.send(t, models.EventPlayerJoin, models.JoinPayload{GameCode: snap.Code, Player: third.Info()})
	var refusal models.ErrorPayload
	require.NoError(t, q.wait(t, models.EventError, 1)[0].Decode(&refusal))
	assert.Equal(t, string(errs.KindConflict), refusal.Kind)
	assert.Contains(t, refusal.Message, errs.ErrSessionFull.Error())

	doJSON(t, http.MethodGet, ts.URL+"/api/sessions/"+snap.Code, nil, &state)
	assert.Len(t, state.Members, 2)
}
