// Package client implements the EchoChat signaling core: the transport
// connection, the acknowledged event queue, the call state machine, and
// the call event handler that keeps both peers' views of a call
// consistent over an unreliable socket.
package client

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/echochat/echochat/internal/signal"
)

// ChatHooks receives the non-call events a UI cares about. Nil hooks
// are skipped.
type ChatHooks struct {
	OnMessage    func(signal.Message)
	OnTyping     func(signal.Typing)
	OnReadStatus func(signal.ReadStatus)
	OnStatus     func(signal.Status)
	OnError      func(signal.Error)
}

// Client wires the signaling core together for one logged-in user.
type Client struct {
	selfID string
	conn   *Conn
	queue  *EventQueue
	states *StateManager
	calls  *EventHandler
	hooks  ChatHooks
	logger *slog.Logger
}

func New(selfID, wsURL string, header http.Header, media MediaProvider, users UserDirectory, hooks ChatHooks, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	conn := NewConn(wsURL, header, logger)
	queue := NewEventQueue(conn, DefaultQueueConfig(), logger)
	states := NewStateManager(logger)
	calls := NewEventHandler(selfID, states, media, queue, users, logger)

	c := &Client{
		selfID: selfID,
		conn:   conn,
		queue:  queue,
		states: states,
		calls:  calls,
		hooks:  hooks,
		logger: logger,
	}

	conn.OnEvent(c.dispatch)
	conn.OnConnect(func() {
		// Registration bypasses the queue: it must be the first frame on
		// every (re)connected socket.
		env := signal.NewEnvelope(signal.Register{SenderID: selfID}, time.Now())
		env.RequireAck = false
		if frame, err := signal.Encode(env); err == nil {
			_ = conn.Send(context.Background(), frame)
		}
	})
	conn.OnDisconnect(func(err error) {
		queue.FailPending(signal.ErrClosed)
	})
	return c
}

// Run drives the transport and the outbound queue until ctx is done.
func (c *Client) Run(ctx context.Context) {
	go c.queue.Run(ctx)
	c.conn.Run(ctx)
}

// Calls exposes the call event handler for UI actions.
func (c *Client) Calls() *EventHandler { return c.calls }

// State returns the current call state snapshot.
func (c *Client) State() State { return c.states.Current() }

// SendMessage enqueues a chat message.
func (c *Client) SendMessage(receiverID, content string) <-chan error {
	return c.queue.Enqueue(signal.Message{SenderID: c.selfID, ReceiverID: receiverID, Content: content}, PriorityNormal)
}

// SendTyping enqueues a typing indicator.
func (c *Client) SendTyping(receiverID string, isTyping bool) {
	c.queue.Enqueue(signal.Typing{SenderID: c.selfID, ReceiverID: receiverID, IsTyping: isTyping}, PriorityLow)
}

// MarkRead enqueues a read receipt.
func (c *Client) MarkRead(receiverID string) {
	c.queue.Enqueue(signal.ReadStatus{SenderID: c.selfID, ReceiverID: receiverID}, PriorityLow)
}

// dispatch routes one inbound event. The switch is exhaustive over the
// payload sum type; the compiler keeps it honest when types are added.
func (c *Client) dispatch(env signal.Envelope) {
	ctx := context.Background()

	switch p := env.Payload.(type) {
	case signal.CallInitiate:
		if err := c.calls.HandleIncomingCall(ctx, p); err != nil {
			c.logger.Warn("incoming call failed", "call_id", p.CallID, "error", err)
		}
	case signal.CallAccept:
		if err := c.calls.HandleCallAccepted(ctx, p); err != nil {
			c.logger.Warn("call accept failed", "call_id", p.CallID, "error", err)
		}
	case signal.CallReject:
		c.calls.HandleCallRejected(ctx)
	case signal.CallEnd:
		c.calls.HandleCallEnded(ctx, p)
	case signal.Ack:
		c.queue.HandleAck(p.AckID)
	case signal.Error:
		c.logger.Warn("server error event", "ref_id", p.RefID, "message", p.Message)
		if c.hooks.OnError != nil {
			c.hooks.OnError(p)
		}
	case signal.Message:
		if c.hooks.OnMessage != nil {
			c.hooks.OnMessage(p)
		}
	case signal.Typing:
		if c.hooks.OnTyping != nil {
			c.hooks.OnTyping(p)
		}
	case signal.ReadStatus:
		if c.hooks.OnReadStatus != nil {
			c.hooks.OnReadStatus(p)
		}
	case signal.Status:
		if c.hooks.OnStatus != nil {
			c.hooks.OnStatus(p)
		}
	case signal.Register, signal.Ping:
		// Server-bound only; nothing to do inbound.
	default:
		c.logger.Debug("unhandled event", "type", env.Type)
	}
}
