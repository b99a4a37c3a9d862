// internal/handlers/lobby_ws.go
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/Wedja10/SAE-S4-sub000/internal/middleware"
	"github.com/Wedja10/SAE-S4-sub000/internal/registry"
	"github.com/coder/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"
)

// Subprotocol is the websocket subprotocol clients must request.
const Subprotocol = "lobby"

// maxCloseReason is the longest reason a close frame can carry.
const maxCloseReason = 123

// wsTransport adapts a websocket to the registry's Transport.
type wsTransport struct {
	c *websocket.Conn
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.c.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close(reason string) error {
	status := websocket.StatusNormalClosure
	switch reason {
	case registry.ReasonHeartbeat:
		status = HeartbeatTimeout
	case registry.ReasonShutdown:
		status = ServerShutdown
	}
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	return t.c.Close(status, reason)
}

// LobbyWSHandler upgrades the request and pumps frames into the event router
// until the socket closes or the registry drops the connection.
func (s *APIServer) LobbyWSHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{Subprotocol},
		OriginPatterns: s.AllowedOrigins,
	})
	if err != nil {
		s.Logger.Warnf("websocket accept error: %v", err)
		return
	}
	if c.Subprotocol() != Subprotocol {
		c.Close(BadSubprotocolError, "client must speak the lobby subprotocol")
		return
	}

	remote := realIP(r)
	conn := s.Registry.Admit(&wsTransport{c: c}, remote)
	middleware.LogWebSocketConnect(s.Logger, conn.ID.String(), remote)

	err = s.readPump(c, conn)

	reason := "client closed"
	if status := websocket.CloseStatus(err); status == -1 && !errors.Is(err, context.Canceled) {
		reason = "read failed"
	}
	s.Registry.Remove(conn.ID, reason)
	middleware.LogWebSocketDisconnect(s.Logger, conn.ID.String(), remote, err)
}

// readPump reads frames in order and hands each one to the router. Any frame
// counts as a heartbeat acknowledgment.
func (s *APIServer) readPump(c *websocket.Conn, conn *registry.Connection) error {
	ctx := conn.Context()
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			return err
		}
		s.Registry.RecordHeartbeatAck(conn.ID)

		if typ != websocket.MessageText {
			s.Logger.WithField("conn", conn.ID.String()).Debug("Ignoring binary frame")
			continue
		}
		if err := s.Router.Dispatch(ctx, conn, data); err != nil {
			code, playerID := conn.Binding()
			s.Logger.WithFields(logrus.Fields{
				"conn":    conn.ID.String(),
				"session": code,
				"player":  playerID,
			}).WithError(err).Debug("Inbound event rejected")
		}
	}
}
