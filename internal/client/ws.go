// internal/client/ws.go
package client

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// Subprotocol is negotiated with the lobby server.
const Subprotocol = "lobby"

// WSDialer dials the lobby websocket endpoint.
type WSDialer struct {
	URL        string
	Header     http.Header
	HTTPClient *http.Client
}

func (d WSDialer) Dial(ctx context.Context) (Conn, error) {
	c, _, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{
		HTTPClient:   d.HTTPClient,
		HTTPHeader:   d.Header,
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	if c.Subprotocol() != Subprotocol {
		c.Close(websocket.StatusPolicyViolation, "lobby subprotocol required")
		return nil, fmt.Errorf("dial %s: server did not accept the %q subprotocol", d.URL, Subprotocol)
	}
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := w.c.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ == websocket.MessageText {
			return data, nil
		}
	}
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "client closing")
}
