package client

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/echochat/echochat/internal/signal"
)

const (
	connWriteWait      = 10 * time.Second
	connPingPeriod     = 30 * time.Second
	connReconnectDelay = 3 * time.Second
)

// ErrConnClosed is returned by Send while no socket is open.
var ErrConnClosed = errors.New("transport not connected")

// Conn is the duplex transport connection: one physical WebSocket plus
// automatic reconnection with a fixed backoff. Inbound frames are
// decoded and handed to the installed receiver; inbound events flagged
// require_ack are acknowledged before dispatch.
type Conn struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	logger *slog.Logger

	mu       sync.Mutex
	ws       *websocket.Conn
	online   bool
	onlineCh chan struct{}

	// writeMu serializes all socket writes. Gorilla allows exactly one
	// concurrent writer, and Send is reached from the queue drain, the
	// read loop's auto-ack, and keepalive pings.
	writeMu sync.Mutex

	onEvent      func(signal.Envelope)
	onConnect    func()
	onDisconnect func(error)
}

func NewConn(url string, header http.Header, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		url:      url,
		header:   header,
		dialer:   websocket.DefaultDialer,
		logger:   logger,
		onlineCh: make(chan struct{}),
	}
}

// OnEvent installs the inbound event receiver. Install before Run.
func (c *Conn) OnEvent(fn func(signal.Envelope)) { c.onEvent = fn }

// OnConnect installs a callback invoked each time a socket is
// established, including reconnects. Registration happens here.
func (c *Conn) OnConnect(fn func()) { c.onConnect = fn }

// OnDisconnect installs a callback invoked each time the socket drops,
// before reconnection is attempted. The queue uses it to fail pending
// acknowledgment waits.
func (c *Conn) OnDisconnect(fn func(error)) { c.onDisconnect = fn }

// Online reports whether a socket is currently open.
func (c *Conn) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// AwaitOnline blocks until the connection is open or ctx is done.
func (c *Conn) AwaitOnline(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.online {
			c.mu.Unlock()
			return nil
		}
		ch := c.onlineCh
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Send writes one frame. It fails fast when no socket is open.
func (c *Conn) Send(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	ws := c.ws
	open := c.online
	c.mu.Unlock()

	if !open || ws == nil {
		return ErrConnClosed
	}
	deadline := time.Now().Add(connWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	_ = ws.SetWriteDeadline(deadline)
	err := ws.WriteMessage(websocket.TextMessage, frame)
	c.writeMu.Unlock()

	if err != nil {
		c.markOffline(err)
		return err
	}
	return nil
}

// Run connects and keeps reconnecting with a fixed backoff until ctx is
// done. Each established socket is read until it fails.
func (c *Conn) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		ws, _, err := c.dialer.DialContext(ctx, c.url, c.header)
		if err != nil {
			c.logger.Warn("dial failed", "url", c.url, "error", err)
			select {
			case <-time.After(connReconnectDelay):
				continue
			case <-ctx.Done():
				return
			}
		}

		c.markOnline(ws)
		c.logger.Debug("transport connected", "url", c.url)
		if c.onConnect != nil {
			c.onConnect()
		}
		c.readLoop(ctx, ws)

		select {
		case <-time.After(connReconnectDelay):
		case <-ctx.Done():
			return
		}
	}
}

func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn) {
	defer func() {
		_ = ws.Close()
	}()

	pingStop := make(chan struct{})
	go c.pingLoop(ws, pingStop)
	defer close(pingStop)

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			c.logger.Debug("transport read failed", "error", err)
			c.markOffline(err)
			return
		}

		env, err := signal.Decode(frame)
		if err != nil {
			c.logger.Debug("dropping undecodable frame", "error", err)
			continue
		}

		if env.RequireAck && env.ID != "" {
			ack := signal.NewEnvelope(signal.Ack{AckID: env.ID}, time.Now())
			if frame, err := signal.Encode(ack); err == nil {
				_ = c.Send(ctx, frame)
			}
		}

		if c.onEvent != nil {
			c.onEvent(env)
		}
	}
}

func (c *Conn) pingLoop(ws *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(connPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			_ = ws.SetWriteDeadline(time.Now().Add(connWriteWait))
			err := ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

func (c *Conn) markOnline(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.online = true
	close(c.onlineCh)
	c.onlineCh = make(chan struct{})
	c.mu.Unlock()
}

func (c *Conn) markOffline(err error) {
	c.mu.Lock()
	wasOnline := c.online
	c.online = false
	c.ws = nil
	c.mu.Unlock()

	if wasOnline && c.onDisconnect != nil {
		c.onDisconnect(err)
	}
}
