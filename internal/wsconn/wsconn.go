// Package wsconn adapts github.com/coder/websocket connections to the
// narrow write/close interfaces internal/store expects from entries,
// and provides a small shared read/write helper used by both session
// packages.
package wsconn

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coder/websocket"
)

// writeTimeout bounds how long a single outbound frame write may take
// before the connection is considered wedged.
const writeTimeout = 10 * time.Second

// Conn wraps a *websocket.Conn with the JSON write/close shape the store
// package's ExtensionWriter/DriverWriter interfaces require.
type Conn struct {
	ws *websocket.Conn
}

// New wraps an already-accepted or already-dialed websocket connection.
func New(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// WriteJSON marshals v and writes it as a single text frame.
func (c *Conn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// Close closes the underlying socket with a CDP-domain close code. Codes
// below 1000 or the handful of custom codes the Core uses are passed
// through as a websocket.StatusCode verbatim; coder/websocket places no
// restriction on the values an application may emit in the 4000-4999
// private-use range.
func (c *Conn) Close(code int, reason string) error {
	return c.ws.Close(websocket.StatusCode(code), reason)
}

// Read blocks for the next frame, returning its type and payload.
func (c *Conn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	return c.ws.Read(ctx)
}

// Raw exposes the underlying connection for callers that need the full
// coder/websocket surface (e.g. SetReadLimit at accept time).
func (c *Conn) Raw() *websocket.Conn {
	return c.ws
}
