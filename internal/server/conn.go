package server

import (
	"context"

	"github.com/coder/websocket"
)

// wsConn adapts *websocket.Conn to the session.Conn interface: Read/Write
// use plain ints for message type rather than websocket.MessageType, and
// Close takes a plain int status code rather than websocket.StatusCode, so
// the session engine has no compile-time dependency on this transport
// library (see session.Conn's doc comment).
type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) (int, []byte, error) {
	mt, data, err := w.c.Read(ctx)
	return int(mt), data, err
}

func (w *wsConn) Write(ctx context.Context, messageType int, data []byte) error {
	return w.c.Write(ctx, websocket.MessageType(messageType), data)
}

func (w *wsConn) Close(code int, reason string) error {
	return w.c.Close(websocket.StatusCode(code), reason)
}
