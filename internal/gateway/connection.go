package gateway

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// User identifies the authenticated browser user.
type User struct {
	ID    string
	Email string
}

// WSConn is the WebSocket surface a connection writes to.
// *websocket.Conn satisfies it.
type WSConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Connection is one browser WebSocket. Writes are serialized through the
// send mutex so concurrent fan-outs never interleave on the wire.
type Connection struct {
	ID            string
	User          User
	Authorization string

	ws     WSConn
	sendMu sync.Mutex
}

// NewConnection wraps an upgraded WebSocket.
func NewConnection(ws WSConn, user User, authorization string) *Connection {
	return &Connection{
		ID:            uuid.New().String(),
		User:          user,
		Authorization: authorization,
		ws:            ws,
	}
}

// UserID returns the owning user's id.
func (c *Connection) UserID() string {
	return c.User.ID
}

// SendEvent marshals and writes one event, holding the send lock.
func (c *Connection) SendEvent(event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close shuts the underlying socket.
func (c *Connection) Close() error {
	return c.ws.Close()
}
