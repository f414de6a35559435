// internal/handlers/game_ws.go
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jason-s-yu/trivia/internal/middleware"
	"github.com/jason-s-yu/trivia/internal/session"
	"github.com/sirupsen/logrus"
)

// Subprotocol is the optional WebSocket subprotocol clients may request.
const Subprotocol = "trivia"

const maxConnectionIDLen = 128

// WSOptions tunes the game socket.
type WSOptions struct {
	// WriteTimeout bounds every frame written to a client.
	WriteTimeout time.Duration
	// ReadLimit is the largest inbound frame accepted, in bytes.
	ReadLimit int64
	// OriginPatterns are passed to websocket.Accept. Empty allows every origin.
	OriginPatterns []string
}

// GameWSHandler upgrades the request to a WebSocket, registers the
// connection and feeds every text frame to the registry. Connections are
// closed with ServerShutdownError once root is cancelled.
func GameWSHandler(root context.Context, logger *logrus.Logger, reg *session.Registry, opts WSOptions) http.HandlerFunc {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 64 << 10
	}
	origins := opts.OriginPatterns
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	return func(w http.ResponseWriter, r *http.Request) {
		connID := r.URL.Query().Get("connectionId")
		if connID == "" {
			connID = uuid.NewString()
		}

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{Subprotocol},
			OriginPatterns: origins,
		})
		if err != nil {
			logger.Warnf("WebSocket accept error for %s: %v", r.RemoteAddr, err)
			return
		}
		defer c.Close(websocket.StatusInternalError, "Internal server error during handler exit.")

		if r.Header.Get("Sec-WebSocket-Protocol") != "" && c.Subprotocol() != Subprotocol {
			c.Close(BadSubprotocolError, "Client must use the 'trivia' subprotocol or none.")
			return
		}
		if !validConnectionID(connID) {
			c.Close(InvalidConnectionIDError, "Invalid connectionId.")
			return
		}

		c.SetReadLimit(opts.ReadLimit)
		t := session.NewWSTransport(c, opts.WriteTimeout)
		if _, ok := reg.RegisterIfAbsent(connID, t); !ok {
			c.Close(InvalidConnectionIDError, "connectionId already in use.")
			return
		}
		middleware.LogWebSocketConnect(logger, r.RemoteAddr, r.URL.Path)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		stop := context.AfterFunc(root, func() {
			_ = t.Close(ServerShutdownError, "Server shutting down.")
		})
		defer stop()

		err = readFrames(ctx, c, t, reg, connID, logger)

		t.MarkClosed()
		reg.Remove(connID, t)
		middleware.LogWebSocketDisconnect(logger, r.RemoteAddr, r.URL.Path, err)
		c.Close(websocket.StatusNormalClosure, "")
	}
}

// readFrames dispatches inbound frames until the peer goes away. A normal
// closure returns nil.
func readFrames(ctx context.Context, c *websocket.Conn, t session.Transport, reg *session.Registry, connID string, logger *logrus.Logger) error {
	for {
		msgType, data, err := c.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if msgType != websocket.MessageText {
			logger.Warnf("Received non-text message type %d from %s. Ignoring.", msgType, connID)
			continue
		}
		reg.Dispatch(ctx, connID, t, data)
	}
}

func validConnectionID(id string) bool {
	if id == "" || len(id) > maxConnectionIDLen {
		return false
	}
	return !strings.ContainsFunc(id, func(r rune) bool {
		return unicode.IsSpace(r) || !unicode.IsPrint(r)
	})
}
