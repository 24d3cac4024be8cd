package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/echochat/echochat/internal/signal"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 70 * time.Second
	wsPingPeriod = 30 * time.Second
)

// wsClient is one live signaling connection. It satisfies presence.Conn
// so the registry can deliver frames without knowing about websockets.
type wsClient struct {
	conn      *websocket.Conn
	send      chan []byte
	userID    string
	closeOnce sync.Once
}

func (c *wsClient) UserID() string { return c.userID }

func (c *wsClient) Send(payload []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *wsClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.send)
	})
	return c.conn.Close()
}

// HandleWebSocket upgrades the signaling connection. The caller
// authenticates with the usual bearer token, passed as a query
// parameter because browsers cannot set headers on websocket dials.
func (h *Handlers) HandleWebSocket(c *gin.Context) {
	tokenString := c.Query("token")
	if tokenString == "" {
		tokenString = bearerToken(c)
	}
	userID, err := h.userIDFromToken(tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := h.wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "user_id", userID, "error", err)
		return
	}

	client := &wsClient{
		conn:   conn,
		send:   make(chan []byte, 32),
		userID: userID,
	}
	h.logger.Debug("ws connected", "user_id", userID, "ip", c.ClientIP())

	go h.writePump(client)
	h.readPump(client)
}

func (h *Handlers) readPump(client *wsClient) {
	registered := false
	defer func() {
		_ = client.Close()
		now := h.nowFn()
		if registered && h.registry.Unregister(client, now) {
			h.broadcastPresence(client.userID, signal.UserOffline, now)
		}
		h.logger.Debug("ws disconnect", "user_id", client.userID)
	}()

	_ = client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	client.conn.SetPongHandler(func(string) error {
		_ = client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, payload, err := client.conn.ReadMessage()
		if err != nil {
			h.logger.Debug("ws read error", "user_id", client.userID, "error", err)
			return
		}

		env, err := signal.Decode(payload)
		if err != nil {
			h.logger.Debug("ws bad frame", "user_id", client.userID, "error", err)
			h.sendClientError(client, "", "bad_event", err.Error())
			continue
		}

		if env.Type != signal.TypePing {
			h.logger.Debug("ws recv", "user_id", client.userID, "type", env.Type, "id", env.ID)
		}

		h.dispatch(client, &registered, env)

		// At-least-once delivery: the sender retries until this ack
		// lands, so it goes out after the event has been handled.
		if env.RequireAck && env.ID != "" {
			h.ackTo(client, env.ID)
		}
	}
}

// dispatch routes one inbound event. The switch covers every payload
// type; unknown types never reach here because Decode rejects them.
func (h *Handlers) dispatch(client *wsClient, registered *bool, env signal.Envelope) {
	switch p := env.Payload.(type) {
	case signal.Register:
		if p.SenderID != client.userID {
			h.sendClientError(client, env.ID, "forbidden", "sender does not match authenticated user")
			return
		}
		now := h.nowFn()
		if superseded := h.registry.Register(client, now); superseded != nil {
			_ = superseded.Close()
		}
		*registered = true
		h.broadcastPresence(client.userID, signal.UserOnline, now)
	case signal.Status:
		if p.SenderID != client.userID {
			return
		}
		h.broadcastPresence(client.userID, p.Status, h.nowFn())
	case signal.Typing:
		h.relayChat(client, env, p.SenderID, p.ReceiverID)
	case signal.Message:
		h.relayChat(client, env, p.SenderID, p.ReceiverID)
	case signal.ReadStatus:
		h.relayChat(client, env, p.SenderID, p.ReceiverID)
	case signal.CallInitiate:
		h.handleCallInitiation(client.userID, p)
	case signal.CallAccept:
		h.handleCallAcceptance(client.userID, p)
	case signal.CallReject:
		h.handleCallRejection(client.userID, p)
	case signal.CallEnd:
		h.handleCallEnd(client.userID, p)
	case signal.Ack:
		if !h.pending.Resolve(p.AckID) {
			h.logger.Debug("ack without waiter", "user_id", client.userID, "ack_id", p.AckID)
		}
	case signal.Error:
		h.logger.Warn("client error event", "user_id", client.userID, "code", p.Code, "message", p.Message)
	case signal.Ping:
	}
}

// relayChat forwards a chat event to its receiver unchanged, so the
// original event id survives end to end.
func (h *Handlers) relayChat(client *wsClient, env signal.Envelope, senderID, receiverID string) {
	if senderID != client.userID {
		h.sendClientError(client, env.ID, "forbidden", "sender does not match authenticated user")
		return
	}
	frame, err := signal.Encode(env)
	if err != nil {
		h.logger.Error("encode relay", "type", env.Type, "error", err)
		return
	}
	conn, ok := h.registry.Get(receiverID)
	if !ok {
		h.logger.Debug("relay target offline", "type", env.Type, "receiver_id", receiverID)
		return
	}
	if !conn.Send(frame) {
		_ = conn.Close()
	}
}

func (h *Handlers) ackTo(client *wsClient, refID string) {
	env := signal.NewEnvelope(signal.Ack{AckID: refID}, h.nowFn())
	frame, err := signal.Encode(env)
	if err != nil {
		return
	}
	if !client.Send(frame) {
		_ = client.Close()
	}
}

func (h *Handlers) sendClientError(client *wsClient, refID, code, message string) {
	env := signal.NewEnvelope(signal.Error{RefID: refID, Code: code, Message: message}, h.nowFn())
	frame, err := signal.Encode(env)
	if err != nil {
		return
	}
	_ = client.Send(frame)
}

func (h *Handlers) writePump(client *wsClient) {
	defer func() {
		_ = client.conn.Close()
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				return
			}
			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if len(header) > 7 && header[:7] == "Bearer " {
		return header[7:]
	}
	return header
}

// userIDFromToken verifies a bearer token and extracts the subject.
func (h *Handlers) userIDFromToken(tokenString string) (string, error) {
	if tokenString == "" {
		return "", jwt.ErrTokenMalformed
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return []byte(h.cfg.JWTSecret), nil
	})
	if err != nil || !token.Valid {
		return "", jwt.ErrTokenInvalidClaims
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", jwt.ErrTokenInvalidClaims
	}
	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return "", jwt.ErrTokenInvalidClaims
	}
	return userID, nil
}
