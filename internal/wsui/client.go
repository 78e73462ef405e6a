package wsui

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/duskward/seance/pkg/protocol"
)

// clientSendQueue bounds how many undelivered events a slow client can
// accumulate before it is dropped.
const clientSendQueue = 32

// client wraps one connected websocket consumer: a small bounded outbound
// queue drained by its own write goroutine, plus an inbound read loop that
// decodes protocol.Request frames.
type client struct {
	id   string
	conn *websocket.Conn
	send chan protocol.Event
	done chan struct{}
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan protocol.Event, clientSendQueue),
		done: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *client) writeLoop() {
	for {
		select {
		case ev, ok := <-c.send:
			if !ok {
				return
			}
			data, err := encodeEvent(ev)
			if err != nil {
				slog.Warn("wsui encode event failed", "error", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// trySend enqueues ev without blocking; returns false if the client's queue
// is full.
func (c *client) trySend(ev protocol.Event) bool {
	select {
	case c.send <- ev:
		return true
	default:
		return false
	}
}

// readLoop decodes inbound control requests until the connection closes or
// ctx is canceled.
func (c *client) readLoop(ctx context.Context, onRequest RequestHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if onRequest == nil {
			continue
		}
		var req protocol.Request
		if err := json.Unmarshal(data, &req); err != nil {
			slog.Warn("wsui decode request failed", "error", err)
			continue
		}
		onRequest(req)
	}
}

func (c *client) close() {
	close(c.done)
	_ = c.conn.Close()
}
