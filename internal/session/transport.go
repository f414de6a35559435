// internal/session/transport.go
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// ErrTransportClosed is returned when sending on a connection that has gone away.
var ErrTransportClosed = errors.New("transport closed")

// Transport is the live, process-local handle used to push frames to one client.
type Transport interface {
	Send(ctx context.Context, payload []byte) error
	Closed() bool
}

// SendFunc marshals msg and writes it to the originating connection.
type SendFunc func(ctx context.Context, msg any) error

// SendJSON marshals msg and writes it on t.
func SendJSON(ctx context.Context, t Transport, msg any) error {
	if t == nil {
		return ErrTransportClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return t.Send(ctx, data)
}

// SenderFor binds SendJSON to a transport.
func SenderFor(t Transport) SendFunc {
	return func(ctx context.Context, msg any) error {
		return SendJSON(ctx, t, msg)
	}
}

// WSTransport adapts a coder/websocket connection to Transport. Writes are
// serialized because the websocket library allows one concurrent writer.
type WSTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
	closed  atomic.Bool
}

// NewWSTransport wraps c. writeTimeout bounds every Send.
func NewWSTransport(c *websocket.Conn, writeTimeout time.Duration) *WSTransport {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &WSTransport{conn: c, writeTimeout: writeTimeout}
}

// Send writes one text frame. A failed write marks the transport closed.
func (t *WSTransport) Send(ctx context.Context, payload []byte) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	writeCtx, cancel := context.WithTimeout(ctx, t.writeTimeout)
	defer cancel()

	t.writeMu.Lock()
	err := t.conn.Write(writeCtx, websocket.MessageText, payload)
	t.writeMu.Unlock()
	if err != nil {
		t.closed.Store(true)
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	return nil
}

// Closed reports whether the connection is known to be gone.
func (t *WSTransport) Closed() bool {
	return t.closed.Load()
}

// MarkClosed is called by the read loop once the peer has disconnected.
func (t *WSTransport) MarkClosed() {
	t.closed.Store(true)
}

// Close closes the websocket with status and marks the transport closed.
func (t *WSTransport) Close(status websocket.StatusCode, reason string) error {
	t.closed.Store(true)
	return t.conn.Close(status, reason)
}
