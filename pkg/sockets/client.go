package sockets

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hubgate/hubgate/pkg/logger"
	"github.com/hubgate/hubgate/pkg/message"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	readLimit  = 1 << 20
)

// client is one connected front-door socket.
type client struct {
	id   string
	ip   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	mu  sync.Mutex
	app string
}

func (c *client) setApplication(app string) {
	c.mu.Lock()
	c.app = app
	c.mu.Unlock()
}

func (c *client) application() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.app
}

// deliver queues a response frame, stripping the internal socketId field.
func (c *client) deliver(resp *message.Response) {
	out := *resp
	out.SocketID = ""

	data, err := json.Marshal(&out)
	if err != nil {
		logger.ErrorCF("sockets", "response encode failed", map[string]interface{}{"error": err.Error()})
		return
	}

	select {
	case c.send <- data:
	default:
		// Client too slow, drop the frame rather than the whole server.
		logger.WarnCF("sockets", "send buffer full, frame dropped", map[string]interface{}{"socketId": c.id})
	}
}

// closeSoon flushes queued frames and then drops the connection. Used after
// a disconnect-flagged error response.
func (c *client) closeSoon() {
	time.AfterFunc(100*time.Millisecond, func() {
		c.conn.Close()
	})
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		c.hub.handleMessage(c, raw)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
