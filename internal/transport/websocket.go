package transport

import (
	"sync"

	"github.com/gorilla/websocket"
)

// WebSocket adapts a gorilla connection. One frame per binary message;
// writes are serialized because gorilla allows a single concurrent writer.
type WebSocket struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func NewWebSocket(conn *websocket.Conn) *WebSocket {
	return &WebSocket{conn: conn}
}

func (t *WebSocket) Read() ([]byte, error) {
	for {
		mt, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, ErrClosed
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

func (t *WebSocket) Write(frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return ErrClosed
	}
	return nil
}

func (t *WebSocket) Close() error {
	return t.conn.Close()
}
