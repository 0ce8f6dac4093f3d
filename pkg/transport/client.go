// Package transport is the only package that knows a Socket is a
// websocket connection underneath. Adapted from the teacher's
// pkg/websocket/client.go: same read-pump/writer-goroutine split and
// ping/pong deadlines, generalized from the teacher's bespoke JSON chat
// protocol to the core's ASCII frame dispatch.
package transport

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hoxton-one/deepstream-core-go/internal/auth"
	"github.com/hoxton-one/deepstream-core-go/internal/metrics"
	"github.com/hoxton-one/deepstream-core-go/internal/proto"
	"github.com/hoxton-one/deepstream-core-go/pkg/socket"
)

// Config controls per-connection behavior. Grounded on the teacher's
// writeWait/pongWait/pingPeriod constants, generalized into options so
// internal/config can tune them.
type Config struct {
	ReadBufferSize    int
	WriteBufferSize   int
	SendChannelSize   int
	EnableCompression bool
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxMessageSize    int64
	RateLimitPerSec   float64
	RateLimitBurst    int
	RequireAuth       bool
}

// Dispatcher is the core's frame entrypoint. internal/server implements
// this by routing on Frame.Topic to RecordHandler or RpcHandler.
type Dispatcher interface {
	Dispatch(f proto.Frame, sender socket.Socket)
}

// Client is the websocket-backed Socket implementation.
type Client struct {
	conn *websocket.Conn
	cfg  Config

	uuid string

	send chan []byte

	mu         sync.Mutex
	closed     bool
	closeHooks []func()

	limiter *rate.Limiter

	metrics metrics.MetricsInterface
	log     *zap.Logger
}

var upgrader = websocket.Upgrader{}

// Upgrade upgrades an HTTP request to a websocket connection, optionally
// gated by JWT auth, and returns a live Client registered in directory and
// dispatched to dispatcher for every inbound frame until it closes.
func Upgrade(w http.ResponseWriter, r *http.Request, cfg Config, directory *socket.Registry, dispatcher Dispatcher, jwtManager *auth.JWTManager, m metrics.MetricsInterface, log *zap.Logger) (*Client, error) {
	upgrader.ReadBufferSize = cfg.ReadBufferSize
	upgrader.WriteBufferSize = cfg.WriteBufferSize
	upgrader.EnableCompression = cfg.EnableCompression
	upgrader.CheckOrigin = func(*http.Request) bool { return true }

	if cfg.RequireAuth && jwtManager != nil {
		token := r.URL.Query().Get("token")
		if token == "" {
			http.Error(w, "missing auth token", http.StatusUnauthorized)
			return nil, websocket.ErrBadHandshake
		}
		if _, err := jwtManager.Verify(token); err != nil {
			http.Error(w, "invalid auth token", http.StatusUnauthorized)
			return nil, err
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.RecordError("websocket_upgrade")
		return nil, err
	}
	tuneTCP(conn.UnderlyingConn())

	c := &Client{
		conn:    conn,
		cfg:     cfg,
		uuid:    uuid.NewString(),
		send:    make(chan []byte, cfg.SendChannelSize),
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst),
		metrics: m,
		log:     log.Named("transport").With(zap.String("remote", conn.RemoteAddr().String())),
	}

	directory.Add(c)
	c.OnClose(func() { directory.Remove(c.UUID()) })

	go c.writePump()
	go c.readPump(dispatcher)

	return c, nil
}

func (c *Client) UUID() string       { return c.uuid }
func (c *Client) RemoteAddr() string { return c.conn.RemoteAddr().String() }

// Send queues frame for delivery; a full send buffer drops the frame
// rather than blocking the caller (spec.md §5's non-blocking Send
// contract, grounded on the teacher's clientSendBuffer drop-on-full path).
func (c *Client) Send(frame []byte) {
	select {
	case c.send <- frame:
	default:
		c.metrics.RecordError("send_channel_full")
	}
}

func (c *Client) OnClose(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn()
		return
	}
	c.closeHooks = append(c.closeHooks, fn)
	c.mu.Unlock()
}

func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	hooks := c.closeHooks
	c.closeHooks = nil
	c.mu.Unlock()

	c.conn.Close()
	for _, fn := range hooks {
		fn()
	}
}

func (c *Client) readPump(dispatcher Dispatcher) {
	defer c.Close()

	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Debug("websocket read error", zap.Error(err))
				c.metrics.RecordError("websocket_read")
			}
			return
		}

		if !c.limiter.Allow() {
			c.metrics.RecordError("rate_limited")
			continue
		}

		c.metrics.IncrementMessagesReceived()
		for _, raw := range proto.Split(message) {
			f, err := proto.Parse(raw)
			if err != nil {
				c.metrics.RecordError("frame_parse")
				continue
			}
			dispatcher.Dispatch(f, c)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// drain up to 15 more queued frames in this pass, each written
			// as its own websocket message, same as the teacher's writer
			// goroutine.
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.metrics.RecordError("websocket_write")
				return
			}
			for drained := 0; drained < 15 && len(c.send) > 0; drained++ {
				extra := <-c.send
				if err := c.conn.WriteMessage(websocket.TextMessage, extra); err != nil {
					c.metrics.RecordError("websocket_write")
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.metrics.RecordError("websocket_ping")
				return
			}
		}
	}
}
