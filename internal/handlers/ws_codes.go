// internal/handlers/ws_codes.go
package handlers

// Custom WebSocket close codes sent by the game socket.
const (
	BadSubprotocolError      = 3000 // Client offered subprotocols but none we speak.
	InvalidConnectionIDError = 3002 // connectionId query parameter was malformed or already in use.
	ServerShutdownError      = 3004 // The process is shutting down; reconnect elsewhere.
)
