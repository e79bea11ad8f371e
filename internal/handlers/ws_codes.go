// internal/handlers/ws_codes.go
package handlers

// Custom WebSocket close codes used by the friends feed.
// Auth failures never reach the socket: they are answered with 401 before the upgrade.
const (
	BadSubprotocolError = 3000 // Client connected without the friends subprotocol.
	FeedOverflowError   = 3002 // Client fell too far behind and messages were dropped.
)
