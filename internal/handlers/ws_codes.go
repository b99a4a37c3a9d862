// internal/handlers/ws_codes.go
package handlers

import "github.com/coder/websocket"

// Custom WebSocket close codes used by the lobby socket.
const (
	BadSubprotocolError websocket.StatusCode = 3000 // Client connected with an unsupported subprotocol.
	HeartbeatTimeout    websocket.StatusCode = 3001 // Server stopped hearing from the client.
	ServerShutdown      websocket.StatusCode = 3002 // Process is stopping.
)
