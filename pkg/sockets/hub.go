// Package sockets is the front-door WebSocket layer: it accepts persistent
// client connections, turns frames into message envelopes, hands them to
// the worker pool (or the microservice proxy), and delivers intermediate
// and terminal responses back to the originating socket.
package sockets

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hubgate/hubgate/pkg/dispatch"
	"github.com/hubgate/hubgate/pkg/logger"
	"github.com/hubgate/hubgate/pkg/message"
	"github.com/hubgate/hubgate/pkg/metrics"
	"github.com/hubgate/hubgate/pkg/microservice"
	"github.com/hubgate/hubgate/pkg/resilient"
	"github.com/hubgate/hubgate/pkg/worker"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ResponseInterceptor examines the terminal response of one application's
// exchange before default delivery. Returning true suppresses the default
// frame; the interceptor then owns any delivery of its own, typically via
// ToSocket. The response is still recorded in the resilient queue either
// way.
type ResponseInterceptor func(msg *message.Envelope, resp *message.Response) bool

// Hub manages the connected sockets and the shared dispatch collaborators.
type Hub struct {
	pool    *worker.Pool
	queue   *resilient.Queue
	proxy   *microservice.Proxy
	metrics *metrics.Metrics

	mu           sync.RWMutex
	clients      map[string]*client
	interceptors map[string]ResponseInterceptor

	register   chan *client
	unregister chan *client
}

// NewHub creates the front-door hub. queue, proxy, and metrics are
// optional.
func NewHub(pool *worker.Pool, queue *resilient.Queue, proxy *microservice.Proxy, m *metrics.Metrics) *Hub {
	return &Hub{
		pool:         pool,
		queue:        queue,
		proxy:        proxy,
		metrics:      m,
		clients:      map[string]*client{},
		interceptors: map[string]ResponseInterceptor{},
		register:     make(chan *client),
		unregister:   make(chan *client),
	}
}

// OnWorkerResponse installs a terminal-response interceptor for one
// application.
func (h *Hub) OnWorkerResponse(application string, fn ResponseInterceptor) {
	h.mu.Lock()
	h.interceptors[application] = fn
	h.mu.Unlock()
}

func (h *Hub) interceptor(application string) ResponseInterceptor {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.interceptors[application]
}

// Run owns the client table until the context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for id, c := range h.clients {
				close(c.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			h.mu.Unlock()
			if h.metrics != nil {
				h.metrics.SocketsConnected.Inc()
			}
			logger.DebugCF("sockets", "client connected", map[string]interface{}{"socketId": c.id})

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				close(c.send)
				delete(h.clients, c.id)
			}
			h.mu.Unlock()
			if h.metrics != nil {
				h.metrics.SocketsConnected.Dec()
			}
			logger.DebugCF("sockets", "client disconnected", map[string]interface{}{"socketId": c.id})
		}
	}
}

// HandleWebSocket upgrades an HTTP request into a managed socket.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.ErrorCF("sockets", "websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	c := &client{
		id:   uuid.NewString(),
		ip:   r.RemoteAddr,
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
	}

	h.register <- c

	go c.writePump()
	go c.readPump()
}

// ToSocket delivers a response to one socket by id. The socketId field is
// stripped before the frame leaves the process.
func (h *Hub) ToSocket(socketID string, resp *message.Response) bool {
	h.mu.RLock()
	c, ok := h.clients[socketID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	c.deliver(resp)
	return true
}

// ToAll broadcasts a response to every connected socket.
func (h *Hub) ToAll(resp *message.Response) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.deliver(resp)
	}
}

// ToApplication broadcasts a response to every socket registered to an
// application.
func (h *Hub) ToApplication(application string, resp *message.Response) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.application() == application {
			c.deliver(resp)
		}
	}
}

// ---------------------------------------------------------------------------
// Message intake
// ---------------------------------------------------------------------------

// handleMessage drives one inbound frame: envelope stamping, resilient
// recording, remote classification, and dispatch into the worker pool.
func (h *Hub) handleMessage(c *client, raw []byte) {
	start := time.Now()

	var msg message.Envelope
	if err := json.Unmarshal(raw, &msg); err != nil {
		logger.WarnCF("sockets", "unparseable frame dropped", map[string]interface{}{"error": err.Error()})
		return
	}
	if msg.Type == "" {
		return
	}

	msg.SocketID = c.id
	msg.IPAddress = c.ip
	if msg.Type == message.TypeRegister && msg.Application != "" {
		c.setApplication(msg.Application)
	}

	if h.queue != nil {
		msg.DBIndex = h.queue.StoreIncoming(&msg)
	}

	// Signed-token messages may belong to a remote instance. The token is
	// decoded in a worker before routing, so this goroutine never blocks on
	// cryptography for longer than the round trip itself.
	if h.proxy != nil && msg.JWT && !message.IsControlType(msg.Type) {
		target, errObj := h.proxy.ClassifySocketMessage(context.Background(), &msg)
		if errObj != nil {
			h.respond(c, &msg, message.Fail(errObj), start, 0)
			return
		}
		if target != nil {
			h.forwardRemote(c, &msg, target, start)
			return
		}
	}

	h.dispatchLocal(c, &msg, start)
}

func (h *Hub) dispatchLocal(c *client, msg *message.Envelope, start time.Time) {
	seq := 0
	progress := func(payload map[string]interface{}) {
		seq++
		h.deliverResponse(c, msg, &message.Response{
			Type:    msg.Type,
			Message: payload,
		}, seq)
	}

	err := h.pool.Submit(worker.Job{
		Msg:      msg,
		Shape:    dispatch.ShapeSocket,
		Progress: progress,
		Done: func(res *message.Result) {
			if res == nil {
				// Silent before-hook abort.
				return
			}
			h.respond(c, msg, res, start, seq)
		},
	})
	if err != nil {
		logger.WarnCF("sockets", "dispatch submit failed", map[string]interface{}{"error": err.Error()})
	}
}

func (h *Hub) forwardRemote(c *client, msg *message.Envelope, target *microservice.TypeTarget, start time.Time) {
	go func() {
		seq := 0
		progress := func(payload map[string]interface{}) {
			seq++
			h.deliverResponse(c, msg, &message.Response{
				Type:    msg.Type,
				Message: payload,
			}, seq)
		}

		resp, errObj := h.proxy.ForwardSocketMessage(context.Background(), target, msg, progress)
		if errObj != nil {
			h.respond(c, msg, message.Fail(errObj), start, seq)
			return
		}

		resp.Type = msg.Type
		resp.Finished = true
		resp.ResponseTime = responseTime(start)
		h.deliverResponse(c, msg, resp, seq+1)
		h.observe(msg.Type, false, start)
	}()
}

// respond converts a terminal result into a response frame, runs the
// producing application's response interceptor, and delivers the frame
// unless the interceptor claimed it.
func (h *Hub) respond(c *client, msg *message.Envelope, res *message.Result, start time.Time, seq int) {
	resp := &message.Response{
		Type:         msg.Type,
		Finished:     true,
		Message:      res.ToPayload(),
		ResponseTime: responseTime(start),
	}

	suppressed := false
	if fn := h.interceptor(res.Application); fn != nil {
		suppressed = fn(msg, resp)
	}

	h.record(c, msg, resp, seq+1)
	if !suppressed {
		c.deliver(resp)
	}
	h.observe(msg.Type, res.Error != nil, start)

	if res.Error != nil && res.Error.Disconnect {
		c.closeSoon()
	}
}

// deliverResponse records the response in the resilient queue and sends it
// to the socket.
func (h *Hub) deliverResponse(c *client, msg *message.Envelope, resp *message.Response, seq int) {
	h.record(c, msg, resp, seq)
	c.deliver(resp)
}

// record stores the response in the resilient queue. A reregister response
// triggers the queue's replay of the token's other pending work; the
// replayed messages are re-injected from a separate goroutine, because
// record runs on a worker's Done callback and a worker must never block
// feeding the pool it is draining.
func (h *Hub) record(c *client, msg *message.Envelope, resp *message.Response, seq int) {
	if h.queue == nil {
		return
	}

	var replays []*message.Envelope
	h.queue.StoreResponse(resp, msg.Token, msg.DBIndex, seq, func(replayed *message.Envelope) {
		replays = append(replays, replayed)
	})
	if len(replays) == 0 {
		return
	}

	go func() {
		for _, replayed := range replays {
			if h.metrics != nil {
				h.metrics.QueueReplays.Inc()
			}
			replayed.SocketID = c.id
			h.dispatchLocal(c, replayed, time.Now())
		}
	}()
}

func (h *Hub) observe(msgType string, failed bool, start time.Time) {
	if h.metrics != nil {
		h.metrics.Observe(msgType, failed, time.Since(start).Seconds())
	}
}

func responseTime(start time.Time) string {
	return time.Since(start).String()
}
