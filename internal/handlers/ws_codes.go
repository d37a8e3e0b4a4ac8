// internal/handlers/ws_codes.go
package handlers

// Custom WebSocket close codes used by the queue event stream.
const (
	BadSubprotocolError = 3000 // Client connected with an unsupported subprotocol.
	NoSessionError      = 3004 // Player has no matchmaking session to follow.
)
