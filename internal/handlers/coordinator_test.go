package handlers

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/echochat/echochat/internal/config"
	"github.com/echochat/echochat/internal/database"
	"github.com/echochat/echochat/internal/models"
	"github.com/echochat/echochat/internal/presence"
	"github.com/echochat/echochat/internal/signal"
)

type fakeConn struct {
	mu     sync.Mutex
	userID string
	frames [][]byte
	closed bool
}

func (c *fakeConn) UserID() string { return c.userID }

func (c *fakeConn) Send(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.frames = append(c.frames, payload)
	return true
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// lastOfType returns the newest received envelope of the given type.
func (c *fakeConn) lastOfType(t *testing.T, typ signal.Type) (signal.Envelope, bool) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.frames) - 1; i >= 0; i-- {
		env, err := signal.Decode(c.frames[i])
		if err != nil {
			t.Fatalf("undecodable frame: %v", err)
		}
		if env.Type == typ {
			return env, true
		}
	}
	return signal.Envelope{}, false
}

func (c *fakeConn) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func newTestHandlers(t *testing.T) *Handlers {
	t.Helper()
	db, err := database.Initialize(":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	cfg := &config.Config{
		JWTSecret:         "test-secret",
		RelayAckTimeout:   50 * time.Millisecond,
		CallRecencyWindow: time.Minute,
		SweepInterval:     time.Hour,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, db, presence.NewRegistry(), nil, logger)
}

func connect(h *Handlers, userID string) *fakeConn {
	conn := &fakeConn{userID: userID}
	h.registry.Register(conn, time.Now())
	return conn
}

func waitForStatus(t *testing.T, h *Handlers, callID string, want models.CallStatus) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		record, err := h.calls.GetByID(callID)
		if err != nil {
			t.Fatalf("load call: %v", err)
		}
		if record.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	record, _ := h.calls.GetByID(callID)
	t.Fatalf("call never reached %s, stuck at %s", want, record.Status)
}

func TestInitiationRelaysInviteAndRingsOnAck(t *testing.T) {
	h := newTestHandlers(t)
	caller := connect(h, "a")
	recipient := connect(h, "b")

	record, err := h.calls.Create("a", "b", signal.CallVoice, "voice-a-b-1", "")
	if err != nil {
		t.Fatalf("create call: %v", err)
	}

	h.handleCallInitiation("a", signal.CallInitiate{CallID: record.ID})

	invite, ok := recipient.lastOfType(t, signal.TypeCallInit)
	if !ok {
		t.Fatal("recipient never received the invite")
	}
	payload := invite.Payload.(signal.CallInitiate)
	if payload.RoomName != "voice-a-b-1" || payload.Token == "" {
		t.Fatalf("invite missing room or token: %+v", payload)
	}
	if !invite.RequireAck {
		t.Fatal("relayed invite must require an ack")
	}

	// The recipient acks; the record should settle at ringing.
	if !h.pending.Resolve(invite.ID) {
		t.Fatal("no waiter for the relayed invite")
	}
	waitForStatus(t, h, record.ID, models.CallRinging)

	if n := caller.frameCount(); n != 0 {
		t.Fatalf("caller received %d unexpected frames", n)
	}
}

func TestInitiationMissesOfflineRecipient(t *testing.T) {
	h := newTestHandlers(t)
	caller := connect(h, "a")

	record, err := h.calls.Create("a", "b", signal.CallVoice, "voice-a-b-2", "")
	if err != nil {
		t.Fatalf("create call: %v", err)
	}

	h.handleCallInitiation("a", signal.CallInitiate{CallID: record.ID})

	waitForStatus(t, h, record.ID, models.CallMissed)

	errEnv, ok := caller.lastOfType(t, signal.TypeError)
	if !ok {
		t.Fatal("caller never told the recipient is unreachable")
	}
	errPayload := errEnv.Payload.(signal.Error)
	if errPayload.Code != "recipient_unreachable" {
		t.Fatalf("unexpected error code: %+v", errPayload)
	}
	if errPayload.Message != ErrRecipientOff.Error() {
		t.Fatalf("unexpected error message: %q", errPayload.Message)
	}
}

func TestInitiationAckTimeoutKeepsRecord(t *testing.T) {
	h := newTestHandlers(t)
	connect(h, "a")
	connect(h, "b")

	record, err := h.calls.Create("a", "b", signal.CallVoice, "voice-a-b-3", "")
	if err != nil {
		t.Fatalf("create call: %v", err)
	}

	h.handleCallInitiation("a", signal.CallInitiate{CallID: record.ID})

	// Let the relay ack window lapse without acking.
	time.Sleep(3 * h.cfg.RelayAckTimeout)

	reloaded, err := h.calls.GetByID(record.ID)
	if err != nil {
		t.Fatalf("load call: %v", err)
	}
	if reloaded.Status != models.CallInitiated {
		t.Fatalf("record moved to %s without an ack", reloaded.Status)
	}
}

func TestInitiationFromNonCallerIgnored(t *testing.T) {
	h := newTestHandlers(t)
	connect(h, "a")
	recipient := connect(h, "b")

	record, err := h.calls.Create("a", "b", signal.CallVoice, "voice-a-b-4", "")
	if err != nil {
		t.Fatalf("create call: %v", err)
	}

	h.handleCallInitiation("b", signal.CallInitiate{CallID: record.ID})

	if n := recipient.frameCount(); n != 0 {
		t.Fatalf("spoofed initiation relayed %d frames", n)
	}
}

func TestAcceptanceConnectsAndRelaysToken(t *testing.T) {
	h := newTestHandlers(t)
	caller := connect(h, "a")
	connect(h, "b")

	record, err := h.calls.Create("a", "b", signal.CallVoice, "voice-a-b-5", "")
	if err != nil {
		t.Fatalf("create call: %v", err)
	}

	h.handleCallAcceptance("b", signal.CallAccept{CallID: record.ID, AcceptorID: "b"})

	waitForStatus(t, h, record.ID, models.CallConnected)
	reloaded, _ := h.calls.GetByID(record.ID)
	if reloaded.StartedAt == nil {
		t.Fatal("connected record missing StartedAt")
	}

	accept, ok := caller.lastOfType(t, signal.TypeCallAccept)
	if !ok {
		t.Fatal("caller never received call_accept")
	}
	if accept.Payload.(signal.CallAccept).Token == "" {
		t.Fatal("relayed accept missing the caller's room token")
	}
}

func TestRejectionRelaysToCaller(t *testing.T) {
	h := newTestHandlers(t)
	caller := connect(h, "a")
	connect(h, "b")

	record, err := h.calls.Create("a", "b", signal.CallVideo, "video-a-b-6", "")
	if err != nil {
		t.Fatalf("create call: %v", err)
	}

	h.handleCallRejection("b", signal.CallReject{CallID: record.ID, RejectorID: "b"})

	waitForStatus(t, h, record.ID, models.CallRejected)
	if _, ok := caller.lastOfType(t, signal.TypeCallReject); !ok {
		t.Fatal("caller never received call_reject")
	}
}

func TestEndResolvesConnectedToCompleted(t *testing.T) {
	h := newTestHandlers(t)
	connect(h, "a")
	recipient := connect(h, "b")

	record, err := h.calls.Create("a", "b", signal.CallVoice, "voice-a-b-7", "")
	if err != nil {
		t.Fatalf("create call: %v", err)
	}
	if _, err := h.calls.SetStatus(record.ID, models.CallConnected, time.Now()); err != nil {
		t.Fatalf("connect call: %v", err)
	}

	h.handleCallEnd("a", signal.CallEnd{CallID: record.ID, UserID: "a"})

	waitForStatus(t, h, record.ID, models.CallCompleted)
	end, ok := recipient.lastOfType(t, signal.TypeCallEnd)
	if !ok {
		t.Fatal("recipient never received call_end")
	}
	if !end.Payload.(signal.CallEnd).Forced {
		t.Fatal("relayed call_end must be forced to stop the echo")
	}

	// Ending an already-terminal call does nothing further.
	before := recipient.frameCount()
	h.handleCallEnd("b", signal.CallEnd{CallID: record.ID, UserID: "b"})
	if recipient.frameCount() != before {
		t.Fatal("duplicate call_end relayed another frame")
	}
}

func TestEndBeforeConnectFails(t *testing.T) {
	h := newTestHandlers(t)
	connect(h, "a")
	connect(h, "b")

	record, err := h.calls.Create("a", "b", signal.CallVoice, "voice-a-b-8", "")
	if err != nil {
		t.Fatalf("create call: %v", err)
	}

	h.handleCallEnd("a", signal.CallEnd{CallID: record.ID, UserID: "a"})
	waitForStatus(t, h, record.ID, models.CallFailed)
}
