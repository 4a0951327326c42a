package signal

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// conn is one signaling client. Writes are serialized by a mutex
// because gorilla/websocket allows only one concurrent writer.
type conn struct {
	id           string
	ws           *websocket.Conn
	logger       *slog.Logger
	writeTimeout time.Duration

	writeMu sync.Mutex

	mu    sync.Mutex
	rooms map[string]bool
}

func newConn(id string, ws *websocket.Conn, logger *slog.Logger, writeTimeout time.Duration) *conn {
	return &conn{
		id:           id,
		ws:           ws,
		logger:       logger,
		writeTimeout: writeTimeout,
		rooms:        make(map[string]bool),
	}
}

// joinRoom remembers a room membership, reporting whether it is new.
func (c *conn) joinRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rooms[roomID] {
		return false
	}
	c.rooms[roomID] = true
	return true
}

// joinedRooms returns every room this connection belongs to.
func (c *conn) joinedRooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	return rooms
}

// send writes one envelope with a write deadline.
func (c *conn) send(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(env)
}

// sendEvent marshals data and sends a success envelope.
func (c *conn) sendEvent(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal %s response: %w", event, err)
	}
	return c.send(Envelope{Event: event, Data: raw})
}

// sendError sends an error envelope for one event kind.
func (c *conn) sendError(event, reason string) {
	if err := c.send(Envelope{Event: event, Error: reason}); err != nil {
		c.logger.Debug("Failed to send error envelope",
			slog.String("connection_id", c.id),
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// ping writes a control ping under the write mutex.
func (c *conn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

func (c *conn) close() {
	_ = c.ws.Close()
}
