package microservice

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hubgate/hubgate/pkg/logger"
	"github.com/hubgate/hubgate/pkg/message"
	"github.com/hubgate/hubgate/pkg/metrics"
)

const (
	handshakeTimeout = 10 * time.Second
	maxBackoff       = 30 * time.Second
)

// errDown is the fail-fast condition for calls against a disconnected
// client. Callers surface it as a 503 rather than queuing work.
var errDown = errors.New("MicroService connection is down")

// SocketClient is a long-lived connection to one remote hubgate instance.
// On first connect it registers for a signed token; reconnects reregister
// with the stored token instead. Responses are correlated primarily by
// request id; a type-keyed fallback covers the legacy single-in-flight
// case and is unsafe for concurrent same-type calls.
type SocketClient struct {
	host        string
	application string
	metrics     *metrics.Metrics

	reqSeq uint64

	mu            sync.Mutex
	conn          *websocket.Conn
	connected     bool
	token         string
	pendingByID   map[string]chan *message.Response
	pendingByType map[string]chan *message.Response
}

// NewSocketClient creates a client for a destination host. It does not
// connect until Run.
func NewSocketClient(host, application string, m *metrics.Metrics) *SocketClient {
	return &SocketClient{
		host:          host,
		application:   application,
		metrics:       m,
		pendingByID:   map[string]chan *message.Response{},
		pendingByType: map[string]chan *message.Response{},
	}
}

// Connected reports whether the connection is currently up.
func (c *SocketClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Run maintains the connection with exponential backoff until the context
// is cancelled.
func (c *SocketClient) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if err := c.connect(ctx); err != nil {
			logger.WarnCF("microservice", "connection failed", map[string]interface{}{
				"host": c.host, "error": err.Error(),
			})
		} else {
			backoff = time.Second
			c.readLoop(ctx)
		}

		c.markDown()

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

func (c *SocketClient) connect(ctx context.Context) error {
	endpoint, err := wsURL(c.host)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := c.handshake(ctx); err != nil {
		conn.Close()
		return fmt.Errorf("handshake: %w", err)
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	logger.InfoCF("microservice", "destination connected", map[string]interface{}{
		"host": c.host, "application": c.application,
	})
	return nil
}

// handshake registers (or reregisters, when a token survives from an
// earlier connection) against the remote instance and stores the returned
// token for forwarded calls.
func (c *SocketClient) handshake(ctx context.Context) error {
	c.mu.Lock()
	token := c.token
	conn := c.conn
	c.mu.Unlock()

	env := &message.Envelope{
		Type:        message.TypeRegister,
		Application: c.application,
		JWT:         true,
	}
	if token != "" {
		env.Type = message.TypeReregister
		env.Token = token
	}

	if err := conn.WriteJSON(env); err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	var resp message.Response
	if err := conn.ReadJSON(&resp); err != nil {
		return err
	}
	if errText, ok := resp.Message["error"].(string); ok {
		return errors.New(errText)
	}
	if newToken, ok := resp.Message["token"].(string); ok && newToken != "" {
		c.mu.Lock()
		c.token = newToken
		c.mu.Unlock()
	}
	return nil
}

func (c *SocketClient) readLoop(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	for {
		var resp message.Response
		if err := conn.ReadJSON(&resp); err != nil {
			if ctx.Err() == nil {
				logger.WarnCF("microservice", "connection lost", map[string]interface{}{
					"host": c.host, "error": err.Error(),
				})
			}
			return
		}
		c.deliver(&resp)
	}
}

func (c *SocketClient) deliver(resp *message.Response) {
	c.mu.Lock()
	var waiter chan *message.Response
	if resp.RequestID != "" {
		waiter = c.pendingByID[resp.RequestID]
	}
	if waiter == nil {
		waiter = c.pendingByType[resp.Type]
	}
	c.mu.Unlock()

	if waiter == nil {
		logger.DebugCF("microservice", "uncorrelated response dropped", map[string]interface{}{
			"host": c.host, "type": resp.Type,
		})
		return
	}
	select {
	case waiter <- resp:
	default:
	}
}

func (c *SocketClient) markDown() {
	c.mu.Lock()
	c.connected = false
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	// Fail in-flight calls rather than leaving them waiting on a dead
	// connection.
	for id, waiter := range c.pendingByID {
		close(waiter)
		delete(c.pendingByID, id)
	}
	for msgType, waiter := range c.pendingByType {
		close(waiter)
		delete(c.pendingByType, msgType)
	}
	c.mu.Unlock()
}

// Token returns the client's current session token with the remote.
func (c *SocketClient) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Call forwards a message and waits for its finished response. Intermediate
// responses go to progress when non-nil. A disconnected client fails fast.
func (c *SocketClient) Call(ctx context.Context, msg *message.Envelope, progress message.Progress) (*message.Response, *message.Error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, downError()
	}
	conn := c.conn

	msg.RequestID = strconv.FormatUint(atomic.AddUint64(&c.reqSeq, 1), 10)
	waiter := make(chan *message.Response, 4)
	c.pendingByID[msg.RequestID] = waiter
	c.pendingByType[msg.Type] = waiter
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pendingByID, msg.RequestID)
		if c.pendingByType[msg.Type] == waiter {
			delete(c.pendingByType, msg.Type)
		}
		c.mu.Unlock()
	}()

	c.mu.Lock()
	err := conn.WriteJSON(msg)
	c.mu.Unlock()
	if err != nil {
		return nil, downError()
	}

	for {
		select {
		case resp, ok := <-waiter:
			if !ok {
				return nil, downError()
			}
			if resp.Finished {
				return resp, nil
			}
			if progress != nil {
				progress(resp.Message)
			}
		case <-ctx.Done():
			return nil, &message.Error{
				Kind: message.MicroserviceUnavailable,
				Text: ctx.Err().Error(),
			}
		}
	}
}

func downError() *message.Error {
	return &message.Error{
		Kind:       message.MicroserviceUnavailable,
		Text:       errDown.Error(),
		StatusCode: 503,
	}
}

// wsURL turns a configured host (http://, https://, ws://, or bare
// host:port) into the websocket endpoint.
func wsURL(host string) (string, error) {
	h := host
	switch {
	case strings.HasPrefix(h, "http://"):
		h = "ws://" + strings.TrimPrefix(h, "http://")
	case strings.HasPrefix(h, "https://"):
		h = "wss://" + strings.TrimPrefix(h, "https://")
	case strings.HasPrefix(h, "ws://"), strings.HasPrefix(h, "wss://"):
	default:
		h = "ws://" + h
	}

	u, err := url.Parse(h)
	if err != nil {
		return "", fmt.Errorf("destination host %s: %w", host, err)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}
