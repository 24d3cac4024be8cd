package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/echochat/echochat/internal/signal"
)

type fakeProvider struct {
	localErr  error
	joinErr   error
	media     *fakeMedia
	session   *fakeSession
	joins     int
	joinToken string
}

func (p *fakeProvider) AcquireLocal(ctx context.Context, kind signal.CallKind) (LocalMedia, error) {
	if p.localErr != nil {
		return nil, p.localErr
	}
	if p.media == nil {
		p.media = &fakeMedia{}
	}
	return p.media, nil
}

func (p *fakeProvider) Join(ctx context.Context, roomName, token string) (MediaSession, error) {
	if p.joinErr != nil {
		return nil, p.joinErr
	}
	p.joins++
	p.joinToken = token
	if p.session == nil {
		p.session = &fakeSession{}
	}
	return p.session, nil
}

type fakeDirectory struct {
	names map[string]string
	err   error
}

func (d *fakeDirectory) DisplayName(ctx context.Context, userID string) (string, error) {
	if d.err != nil {
		return "", d.err
	}
	if name, ok := d.names[userID]; ok {
		return name, nil
	}
	return "", errors.New("user not found")
}

func newTestHandler(t *testing.T) (*EventHandler, *StateManager, *fakeProvider, *EventQueue) {
	t.Helper()
	states := NewStateManager(nil)
	provider := &fakeProvider{}
	queue := NewEventQueue(newFakeTransport(), testQueueConfig(), nil)
	directory := &fakeDirectory{names: map[string]string{"A": "Alice", "B": "Bob"}}
	h := NewEventHandler("B", states, provider, queue, directory, nil)
	return h, states, provider, queue
}

func queuedTypes(q *EventQueue) []signal.Type {
	q.mu.Lock()
	defer q.mu.Unlock()
	types := make([]signal.Type, 0, len(q.entries))
	for _, e := range q.entries {
		types = append(types, e.env.Type)
	}
	return types
}

func invite() signal.CallInitiate {
	return signal.CallInitiate{
		CallID:      "c1",
		CallerID:    "A",
		RecipientID: "B",
		CallType:    signal.CallVoice,
		RoomName:    "voice-A-B-1700000000000",
		Token:       "tok",
	}
}

func TestIncomingCallSurfacesCaller(t *testing.T) {
	ctx := context.Background()
	h, states, _, _ := newTestHandler(t)

	if err := h.HandleIncomingCall(ctx, invite()); err != nil {
		t.Fatalf("incoming call failed: %v", err)
	}

	state := states.Current()
	if state.Status != StatusIncoming {
		t.Fatalf("expected incoming, got %s", state.Status)
	}
	if state.RemoteName != "Alice" || state.RemoteUserID != "A" {
		t.Fatalf("caller identity not surfaced: %+v", state)
	}
	if state.CallID != "c1" || state.RoomName != "voice-A-B-1700000000000" {
		t.Fatalf("call coordinates not applied: %+v", state)
	}
}

func TestIncomingCallIgnoredWhileBusy(t *testing.T) {
	ctx := context.Background()
	h, states, _, _ := newTestHandler(t)

	if err := h.HandleIncomingCall(ctx, invite()); err != nil {
		t.Fatalf("first invite failed: %v", err)
	}
	second := invite()
	second.CallID = "c2"
	if err := h.HandleIncomingCall(ctx, second); err != nil {
		t.Fatalf("busy invite should be ignored, got %v", err)
	}
	if got := states.Current().CallID; got != "c1" {
		t.Fatalf("busy invite must not replace the active call, got %s", got)
	}
}

func TestIncomingCallLookupFailureCleansUp(t *testing.T) {
	ctx := context.Background()
	states := NewStateManager(nil)
	provider := &fakeProvider{}
	queue := NewEventQueue(newFakeTransport(), testQueueConfig(), nil)
	directory := &fakeDirectory{err: errors.New("profile service down")}
	h := NewEventHandler("B", states, provider, queue, directory, nil)

	if err := h.HandleIncomingCall(ctx, invite()); err == nil {
		t.Fatal("expected lookup failure")
	}
	if states.Status() != StatusIdle {
		t.Fatalf("failed invite must leave no half-applied state, got %s", states.Status())
	}
}

func TestAcceptedCallEstablishesMediaBeforeConnected(t *testing.T) {
	ctx := context.Background()
	h, states, provider, _ := newTestHandler(t)

	err := h.StartCall(ctx, CallInfo{
		CallID:      "c1",
		RecipientID: "A",
		CallType:    signal.CallVoice,
		RoomName:    "voice-B-A-1700000000000",
		Token:       "tok",
	})
	if err != nil {
		t.Fatalf("start call failed: %v", err)
	}
	if states.Status() != StatusOutgoing {
		t.Fatalf("expected outgoing, got %s", states.Status())
	}

	if err := h.HandleCallAccepted(ctx, signal.CallAccept{CallID: "c1", AcceptorID: "A"}); err != nil {
		t.Fatalf("accept failed: %v", err)
	}

	state := states.Current()
	if state.Status != StatusConnected {
		t.Fatalf("expected connected, got %s", state.Status)
	}
	if state.LocalMedia == nil || state.Session == nil {
		t.Fatal("media handles missing after connect")
	}
	if provider.joins != 1 {
		t.Fatalf("expected one room join, got %d", provider.joins)
	}
}

func TestAcceptJoinsWithInviteToken(t *testing.T) {
	ctx := context.Background()
	h, _, provider, _ := newTestHandler(t)

	// The recipient's only credential is the one riding on the invite.
	if err := h.HandleIncomingCall(ctx, invite()); err != nil {
		t.Fatalf("invite failed: %v", err)
	}
	if err := h.Accept(ctx); err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if provider.joinToken != "tok" {
		t.Fatalf("joined room with token %q, want %q", provider.joinToken, "tok")
	}
}

func TestAcceptedCallFallsBackToStartToken(t *testing.T) {
	ctx := context.Background()
	h, _, provider, _ := newTestHandler(t)

	err := h.StartCall(ctx, CallInfo{
		CallID:      "c1",
		RecipientID: "A",
		CallType:    signal.CallVoice,
		RoomName:    "voice-B-A-1700000000000",
		Token:       "start-tok",
	})
	if err != nil {
		t.Fatalf("start call failed: %v", err)
	}

	// Accept relayed without a fresh token; the one from the call-start
	// response must still get us into the room.
	if err := h.HandleCallAccepted(ctx, signal.CallAccept{CallID: "c1", AcceptorID: "A"}); err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if provider.joinToken != "start-tok" {
		t.Fatalf("joined room with token %q, want %q", provider.joinToken, "start-tok")
	}
}

func TestStaleAcceptIgnored(t *testing.T) {
	ctx := context.Background()
	h, states, provider, _ := newTestHandler(t)

	// Local side already timed out back to idle; the accept is stale.
	if err := h.HandleCallAccepted(ctx, signal.CallAccept{CallID: "c1", AcceptorID: "A"}); err != nil {
		t.Fatalf("stale accept should be ignored, got %v", err)
	}
	if states.Status() != StatusIdle {
		t.Fatalf("stale accept changed state to %s", states.Status())
	}
	if provider.joins != 0 {
		t.Fatal("stale accept must not touch media")
	}
}

func TestMediaFailureCleansUp(t *testing.T) {
	ctx := context.Background()
	states := NewStateManager(nil)
	provider := &fakeProvider{localErr: errors.New("no camera")}
	queue := NewEventQueue(newFakeTransport(), testQueueConfig(), nil)
	h := NewEventHandler("B", states, provider, queue, &fakeDirectory{names: map[string]string{"A": "Alice"}}, nil)

	err := h.StartCall(ctx, CallInfo{CallID: "c1", RecipientID: "A", CallType: signal.CallVideo, RoomName: "video-B-A-1", Token: ""})
	if err != nil {
		t.Fatalf("start call failed: %v", err)
	}
	if err := h.HandleCallAccepted(ctx, signal.CallAccept{CallID: "c1", AcceptorID: "A"}); err == nil {
		t.Fatal("expected media failure")
	}
	if states.Status() != StatusIdle {
		t.Fatalf("media failure must reset to idle, got %s", states.Status())
	}
}

func TestDuplicateCallEndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h, states, provider, queue := newTestHandler(t)

	if err := h.HandleIncomingCall(ctx, invite()); err != nil {
		t.Fatalf("invite failed: %v", err)
	}
	if err := h.Accept(ctx); err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if states.Status() != StatusConnected {
		t.Fatalf("expected connected, got %s", states.Status())
	}

	end := signal.CallEnd{CallID: "c1", UserID: "A", Forced: true}
	h.HandleCallEnded(ctx, end)
	if states.Status() != StatusIdle {
		t.Fatalf("expected idle after end, got %s", states.Status())
	}
	if provider.media.stopped.Load() != 1 {
		t.Fatalf("local media stopped %d times, want 1", provider.media.stopped.Load())
	}
	if provider.session.disconnected.Load() != 1 {
		t.Fatalf("session disconnected %d times, want 1", provider.session.disconnected.Load())
	}

	before := len(queuedTypes(queue))
	h.HandleCallEnded(ctx, end)

	if provider.media.stopped.Load() != 1 || provider.session.disconnected.Load() != 1 {
		t.Fatal("duplicate call_end released media again")
	}
	if len(queuedTypes(queue)) != before {
		t.Fatal("duplicate call_end enqueued another notification")
	}
}

func TestRemoteEndDoesNotNotifyBack(t *testing.T) {
	ctx := context.Background()
	h, _, _, queue := newTestHandler(t)

	if err := h.HandleIncomingCall(ctx, invite()); err != nil {
		t.Fatalf("invite failed: %v", err)
	}

	// Forced teardown from the peer: no call_end may be echoed back,
	// otherwise two tearing-down peers notify each other forever.
	h.HandleCallEnded(ctx, signal.CallEnd{CallID: "c1", UserID: "A", Forced: true})
	for _, typ := range queuedTypes(queue) {
		if typ == signal.TypeCallEnd {
			t.Fatal("forced teardown must not echo call_end")
		}
	}

	// A non-forced end does notify the remote party.
	if err := h.HandleIncomingCall(ctx, invite()); err != nil {
		t.Fatalf("second invite failed: %v", err)
	}
	h.HandleCallEnded(ctx, signal.CallEnd{CallID: "c1", UserID: "A"})
	found := false
	for _, typ := range queuedTypes(queue) {
		if typ == signal.TypeCallEnd {
			found = true
		}
	}
	if !found {
		t.Fatal("local-originated end must notify the remote party")
	}
}

func TestIncomingAutoExpiryRejects(t *testing.T) {
	ctx := context.Background()
	states := NewStateManager(nil)
	states.SetStuckTimeout(10 * time.Millisecond)
	provider := &fakeProvider{}
	queue := NewEventQueue(newFakeTransport(), testQueueConfig(), nil)
	h := NewEventHandler("B", states, provider, queue, &fakeDirectory{names: map[string]string{"A": "Alice"}}, nil)

	if err := h.HandleIncomingCall(ctx, invite()); err != nil {
		t.Fatalf("invite failed: %v", err)
	}

	deadline := time.After(time.Second)
	for states.Status() != StatusIdle {
		select {
		case <-deadline:
			t.Fatalf("unanswered call never expired, status %s", states.Status())
		default:
			time.Sleep(time.Millisecond)
		}
	}

	found := false
	for _, typ := range queuedTypes(queue) {
		if typ == signal.TypeCallReject {
			found = true
		}
	}
	if !found {
		t.Fatal("expired incoming call should issue a reject")
	}
}

func TestCallEndWhileIdleIsNoop(t *testing.T) {
	ctx := context.Background()
	h, states, _, queue := newTestHandler(t)

	h.HandleCallEnded(ctx, signal.CallEnd{CallID: "c1", UserID: "A"})
	if states.Status() != StatusIdle {
		t.Fatalf("state changed to %s", states.Status())
	}
	if len(queuedTypes(queue)) != 0 {
		t.Fatal("idle call_end must produce no outbound events")
	}
}
