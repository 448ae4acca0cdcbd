package httpserver

import (
	"log/slog"

	"github.com/coder/websocket"
)

// closeWS sends a normal-closure frame and releases the connection. Close
// errors usually mean the peer vanished first, so they only log at debug.
func closeWS(logger *slog.Logger, conn *websocket.Conn) {
	if conn == nil {
		return
	}
	if err := conn.Close(websocket.StatusNormalClosure, "stream closed"); err != nil && logger != nil {
		logger.Debug("websocket shutdown", "err", err)
	}
}
