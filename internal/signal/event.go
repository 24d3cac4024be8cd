package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Type identifies a signaling event on the wire.
// Keep values stable because they are part of the public API.
type Type string

const (
	TypeRegister   Type = "register"
	TypeStatus     Type = "status"
	TypeTyping     Type = "typing"
	TypeMessage    Type = "message"
	TypeReadStatus Type = "read_status"
	TypeCallInit   Type = "call_initiate"
	TypeCallAccept Type = "call_accept"
	TypeCallReject Type = "call_reject"
	TypeCallEnd    Type = "call_end"
	TypeAck        Type = "ack"
	TypeError      Type = "error"
	TypePing       Type = "ping"
)

// IsCall reports whether the type is part of the call lifecycle.
// Call events jump the outbound queue because call setup is latency-sensitive.
func (t Type) IsCall() bool {
	return strings.HasPrefix(string(t), "call_")
}

var (
	ErrUnknownType   = errors.New("unknown event type")
	ErrMissingFields = errors.New("missing required fields")
)

// Payload is the type-specific body of an event. Exactly one concrete
// payload type exists per Type, so routing is an exhaustive switch.
type Payload interface {
	Kind() Type
	// Validate checks required fields only. It performs no I/O so the
	// rules can be tested without a live socket.
	Validate() error
}

// Envelope wraps one signaling event in transit. Payload fields are
// flattened into the same JSON object as the envelope fields.
type Envelope struct {
	Type       Type    `json:"type"`
	ID         string  `json:"id,omitempty"`
	Timestamp  int64   `json:"timestamp,omitempty"`
	RequireAck bool    `json:"require_ack,omitempty"`
	Payload    Payload `json:"-"`
}

// UserStatus is a presence status carried by status events.
type UserStatus string

const (
	UserOnline  UserStatus = "online"
	UserOffline UserStatus = "offline"
)

type Register struct {
	SenderID string `json:"sender_id"`
}

func (Register) Kind() Type { return TypeRegister }
func (p Register) Validate() error {
	if p.SenderID == "" {
		return fmt.Errorf("register: %w: sender_id", ErrMissingFields)
	}
	return nil
}

type Status struct {
	SenderID string     `json:"sender_id"`
	Status   UserStatus `json:"status"`
	LastSeen int64      `json:"last_seen,omitempty"`
}

func (Status) Kind() Type { return TypeStatus }
func (p Status) Validate() error {
	if p.SenderID == "" || (p.Status != UserOnline && p.Status != UserOffline) {
		return fmt.Errorf("status: %w: sender_id, status", ErrMissingFields)
	}
	return nil
}

type Typing struct {
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	IsTyping   bool   `json:"is_typing"`
}

func (Typing) Kind() Type { return TypeTyping }
func (p Typing) Validate() error {
	if p.SenderID == "" || p.ReceiverID == "" {
		return fmt.Errorf("typing: %w: sender_id, receiver_id", ErrMissingFields)
	}
	return nil
}

type Message struct {
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	Content    string `json:"content"`
}

func (Message) Kind() Type { return TypeMessage }
func (p Message) Validate() error {
	if p.SenderID == "" || p.ReceiverID == "" || p.Content == "" {
		return fmt.Errorf("message: %w: sender_id, receiver_id, content", ErrMissingFields)
	}
	return nil
}

type ReadStatus struct {
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
}

func (ReadStatus) Kind() Type { return TypeReadStatus }
func (p ReadStatus) Validate() error {
	if p.SenderID == "" || p.ReceiverID == "" {
		return fmt.Errorf("read_status: %w: sender_id, receiver_id", ErrMissingFields)
	}
	return nil
}

// CallKind distinguishes voice-only calls from video calls.
type CallKind string

const (
	CallVoice CallKind = "voice"
	CallVideo CallKind = "video"
)

type CallInitiate struct {
	CallID      string   `json:"call_id"`
	CallerID    string   `json:"caller_id"`
	RecipientID string   `json:"recipient_id"`
	CallType    CallKind `json:"call_type"`
	RoomName    string   `json:"room_name"`
	Token       string   `json:"token,omitempty"`
}

func (CallInitiate) Kind() Type { return TypeCallInit }
func (p CallInitiate) Validate() error {
	if p.CallID == "" || p.CallerID == "" || p.RecipientID == "" || p.RoomName == "" {
		return fmt.Errorf("call_initiate: %w: call_id, caller_id, recipient_id, room_name", ErrMissingFields)
	}
	if p.CallType != CallVoice && p.CallType != CallVideo {
		return fmt.Errorf("call_initiate: %w: call_type", ErrMissingFields)
	}
	return nil
}

type CallAccept struct {
	CallID     string `json:"call_id"`
	AcceptorID string `json:"acceptor_id"`
	Token      string `json:"token,omitempty"`
}

func (CallAccept) Kind() Type { return TypeCallAccept }
func (p CallAccept) Validate() error {
	if p.CallID == "" || p.AcceptorID == "" {
		return fmt.Errorf("call_accept: %w: call_id, acceptor_id", ErrMissingFields)
	}
	return nil
}

type CallReject struct {
	CallID     string `json:"call_id"`
	RejectorID string `json:"rejector_id"`
}

func (CallReject) Kind() Type { return TypeCallReject }
func (p CallReject) Validate() error {
	if p.CallID == "" || p.RejectorID == "" {
		return fmt.Errorf("call_reject: %w: call_id, rejector_id", ErrMissingFields)
	}
	return nil
}

type CallEnd struct {
	CallID string `json:"call_id"`
	UserID string `json:"user_id"`
	// Forced marks teardown that originated remotely. The receiving peer
	// cleans up without notifying back, which would otherwise ping-pong
	// call_end between two peers both tearing down.
	Forced bool `json:"forced,omitempty"`
}

func (CallEnd) Kind() Type { return TypeCallEnd }
func (p CallEnd) Validate() error {
	if p.CallID == "" || p.UserID == "" {
		return fmt.Errorf("call_end: %w: call_id, user_id", ErrMissingFields)
	}
	return nil
}

// Ack acknowledges receipt of the event carrying the same id.
type Ack struct {
	AckID string `json:"ack_id"`
}

func (Ack) Kind() Type { return TypeAck }
func (p Ack) Validate() error {
	if p.AckID == "" {
		return fmt.Errorf("ack: %w: ack_id", ErrMissingFields)
	}
	return nil
}

type Error struct {
	RefID   string `json:"ref_id,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (Error) Kind() Type { return TypeError }
func (p Error) Validate() error {
	if p.Message == "" {
		return fmt.Errorf("error: %w: message", ErrMissingFields)
	}
	return nil
}

// Ping is a keepalive. It never requires acknowledgment.
type Ping struct{}

func (Ping) Kind() Type      { return TypePing }
func (Ping) Validate() error { return nil }

// NewEnvelope wraps a payload with a fresh event id and timestamp.
// Everything except keepalives and acks is sent with require_ack set.
func NewEnvelope(p Payload, now time.Time) Envelope {
	id, _ := gonanoid.New(16)
	t := p.Kind()
	return Envelope{
		Type:       t,
		ID:         id,
		Timestamp:  now.UnixMilli(),
		RequireAck: t != TypePing && t != TypeAck && t != TypeError,
		Payload:    p,
	}
}

// Encode flattens envelope and payload fields into a single JSON object.
func Encode(env Envelope) ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if env.Payload != nil {
		body, err := json.Marshal(env.Payload)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, err
		}
	}
	head, err := json.Marshal(struct {
		Type       Type   `json:"type"`
		ID         string `json:"id,omitempty"`
		Timestamp  int64  `json:"timestamp,omitempty"`
		RequireAck bool   `json:"require_ack,omitempty"`
	}{env.Type, env.ID, env.Timestamp, env.RequireAck})
	if err != nil {
		return nil, err
	}
	headFields := map[string]json.RawMessage{}
	if err := json.Unmarshal(head, &headFields); err != nil {
		return nil, err
	}
	for k, v := range headFields {
		fields[k] = v
	}
	return json.Marshal(fields)
}

// Decode parses a wire frame into a typed envelope. The switch is
// exhaustive over Type: adding an event type without a branch here is a
// compile-visible change, not a silently dropped message.
func Decode(data []byte) (Envelope, error) {
	var head struct {
		Type       Type   `json:"type"`
		ID         string `json:"id"`
		Timestamp  int64  `json:"timestamp"`
		RequireAck bool   `json:"require_ack"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}

	env := Envelope{
		Type:       head.Type,
		ID:         head.ID,
		Timestamp:  head.Timestamp,
		RequireAck: head.RequireAck,
	}

	var payload Payload
	switch head.Type {
	case TypeRegister:
		payload = decodeInto[Register](data)
	case TypeStatus:
		payload = decodeInto[Status](data)
	case TypeTyping:
		payload = decodeInto[Typing](data)
	case TypeMessage:
		payload = decodeInto[Message](data)
	case TypeReadStatus:
		payload = decodeInto[ReadStatus](data)
	case TypeCallInit:
		payload = decodeInto[CallInitiate](data)
	case TypeCallAccept:
		payload = decodeInto[CallAccept](data)
	case TypeCallReject:
		payload = decodeInto[CallReject](data)
	case TypeCallEnd:
		payload = decodeInto[CallEnd](data)
	case TypeAck:
		payload = decodeInto[Ack](data)
	case TypeError:
		payload = decodeInto[Error](data)
	case TypePing:
		payload = Ping{}
	default:
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}

	if err := payload.Validate(); err != nil {
		return Envelope{}, err
	}
	env.Payload = payload
	return env, nil
}

func decodeInto[P Payload](data []byte) Payload {
	var p P
	_ = json.Unmarshal(data, &p)
	return p
}

// RoomName derives the unique media-session name for one call attempt.
// Both peers share it; uniqueness comes from participants plus timestamp.
func RoomName(kind CallKind, callerID, recipientID string, now time.Time) string {
	return fmt.Sprintf("%s-%s-%s-%d", kind, callerID, recipientID, now.UnixMilli())
}
