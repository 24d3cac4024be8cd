package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/echochat/echochat/internal/signal"
)

// fakeTransport records frames and lets tests toggle connectivity and
// inject send failures.
type fakeTransport struct {
	mu       sync.Mutex
	frames   [][]byte
	online   bool
	sendErr  error
	onlineCh chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{online: true, onlineCh: make(chan struct{})}
}

func (f *fakeTransport) Send(ctx context.Context, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.online {
		return ErrConnClosed
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeTransport) Online() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

func (f *fakeTransport) AwaitOnline(ctx context.Context) error {
	f.mu.Lock()
	if f.online {
		f.mu.Unlock()
		return nil
	}
	ch := f.onlineCh
	f.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeTransport) setOnline(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v && !f.online {
		close(f.onlineCh)
		f.onlineCh = make(chan struct{})
	}
	f.online = v
}

func (f *fakeTransport) sentTypes(t *testing.T) []signal.Type {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]signal.Type, 0, len(f.frames))
	for _, frame := range f.frames {
		env, err := signal.Decode(frame)
		if err != nil {
			t.Fatalf("sent frame does not decode: %v", err)
		}
		types = append(types, env.Type)
	}
	return types
}

func testQueueConfig() QueueConfig {
	return QueueConfig{
		Capacity:    4,
		MaxAge:      time.Minute,
		MaxAttempts: 3,
		RetryDelay:  time.Millisecond,
		AckTimeout:  10 * time.Millisecond,
	}
}

func TestCallEventsHoistedOverHigherPriority(t *testing.T) {
	transport := newFakeTransport()
	q := NewEventQueue(transport, testQueueConfig(), nil)

	q.Enqueue(signal.Typing{SenderID: "a", ReceiverID: "b", IsTyping: true}, PriorityNormal)
	q.Enqueue(signal.Message{SenderID: "a", ReceiverID: "b", Content: "hi"}, 99)
	q.Enqueue(signal.CallEnd{CallID: "c1", UserID: "a"}, PriorityLow)

	entry := q.takeHead()
	if entry == nil || entry.env.Type != signal.TypeCallEnd {
		t.Fatalf("call event must be sent first, got %+v", entry)
	}
	entry = q.takeHead()
	if entry == nil || entry.env.Type != signal.TypeMessage {
		t.Fatalf("highest-priority non-call event next, got %+v", entry)
	}
}

func TestAckResolvesDelivery(t *testing.T) {
	transport := newFakeTransport()
	cfg := testQueueConfig()
	cfg.AckTimeout = time.Second
	q := NewEventQueue(transport, cfg, nil)

	done := q.Enqueue(signal.Message{SenderID: "a", ReceiverID: "b", Content: "hi"}, PriorityNormal)

	finished := make(chan bool, 1)
	go func() { finished <- q.processNext(context.Background()) }()

	// Wait for the frame to hit the wire, then ack it.
	deadline := time.After(time.Second)
	var sentID string
	for sentID == "" {
		transport.mu.Lock()
		if len(transport.frames) > 0 {
			env, err := signal.Decode(transport.frames[0])
			if err != nil {
				transport.mu.Unlock()
				t.Fatalf("bad frame: %v", err)
			}
			sentID = env.ID
		}
		transport.mu.Unlock()
		select {
		case <-deadline:
			t.Fatal("frame never sent")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	q.HandleAck(sentID)
	if !<-finished {
		t.Fatal("processNext reported nothing sent")
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("acked delivery returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("delivery never resolved")
	}
}

func TestBoundedRetryThenDrop(t *testing.T) {
	transport := newFakeTransport()
	q := NewEventQueue(transport, testQueueConfig(), nil)

	done := q.Enqueue(signal.Message{SenderID: "a", ReceiverID: "b", Content: "hi"}, PriorityNormal)

	// No ack ever arrives; each attempt times out. After the ceiling the
	// entry is dropped and no further sends happen.
	ctx := context.Background()
	nowOffset := time.Duration(0)
	q.nowFn = func() time.Time { return time.Unix(1_700_000_000, 0).Add(nowOffset) }
	for i := 0; i < 10; i++ {
		if !q.processNext(ctx) {
			nowOffset += time.Second // skip past backoff
			continue
		}
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrRetriesExhausted) {
			t.Fatalf("expected ErrRetriesExhausted, got %v", err)
		}
	default:
		t.Fatal("entry was never dropped")
	}
	if q.Len() != 0 {
		t.Fatalf("dropped entry still queued, len=%d", q.Len())
	}

	sent := transport.sentTypes(t)
	wantAttempts := 1 + testQueueConfig().MaxAttempts
	if len(sent) != wantAttempts {
		t.Fatalf("expected %d send attempts, got %d", wantAttempts, len(sent))
	}
}

func TestConnectionLossPausesWithoutDropping(t *testing.T) {
	transport := newFakeTransport()
	q := NewEventQueue(transport, testQueueConfig(), nil)

	q.Enqueue(signal.Message{SenderID: "a", ReceiverID: "b", Content: "hi"}, PriorityNormal)
	transport.setOnline(false)

	if q.processNext(context.Background()) {
		t.Fatal("offline transport should pause, not consume")
	}
	if q.Len() != 1 {
		t.Fatalf("entry must survive connection loss, len=%d", q.Len())
	}
}

func TestFullQueuePrunesAged(t *testing.T) {
	transport := newFakeTransport()
	cfg := testQueueConfig()
	cfg.Capacity = 2
	q := NewEventQueue(transport, cfg, nil)

	base := time.Unix(1_700_000_000, 0)
	now := base
	q.nowFn = func() time.Time { return now }

	oldDone := q.Enqueue(signal.Typing{SenderID: "a", ReceiverID: "b", IsTyping: true}, PriorityLow)
	now = base.Add(90 * time.Second)
	q.Enqueue(signal.Typing{SenderID: "a", ReceiverID: "b", IsTyping: false}, PriorityLow)

	// Third enqueue arrives well past the first entry's age limit.
	now = base.Add(2 * time.Minute)
	q.Enqueue(signal.Message{SenderID: "a", ReceiverID: "b", Content: "hi"}, PriorityNormal)

	select {
	case err := <-oldDone:
		if !errors.Is(err, ErrEvicted) {
			t.Fatalf("expected ErrEvicted, got %v", err)
		}
	default:
		t.Fatal("aged entry was not pruned")
	}
	if q.Len() != 2 {
		t.Fatalf("queue should hold capacity entries, len=%d", q.Len())
	}
}

// ackingTransport acks every require_ack frame synchronously inside
// Send, before the sender regains control. A server on localhost can be
// this fast.
type ackingTransport struct {
	*fakeTransport
	q *EventQueue
}

func (f *ackingTransport) Send(ctx context.Context, frame []byte) error {
	if err := f.fakeTransport.Send(ctx, frame); err != nil {
		return err
	}
	env, err := signal.Decode(frame)
	if err != nil {
		return err
	}
	if env.RequireAck {
		f.q.HandleAck(env.ID)
	}
	return nil
}

func TestAckArrivingDuringSendNotLost(t *testing.T) {
	transport := &ackingTransport{fakeTransport: newFakeTransport()}
	q := NewEventQueue(transport, testQueueConfig(), nil)
	transport.q = q

	done := q.Enqueue(signal.Message{SenderID: "a", ReceiverID: "b", Content: "hi"}, PriorityNormal)

	if !q.processNext(context.Background()) {
		t.Fatal("nothing processed")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("acked delivery returned error: %v", err)
		}
	default:
		t.Fatal("delivery never resolved despite an ack")
	}

	if sent := transport.sentTypes(t); len(sent) != 1 {
		t.Fatalf("ack before the wait burned a retry: %d sends", len(sent))
	}
}

func TestNoAckRequiredResolvesOnSend(t *testing.T) {
	transport := newFakeTransport()
	q := NewEventQueue(transport, testQueueConfig(), nil)

	done := q.Enqueue(signal.Ping{}, PriorityLow)
	if !q.processNext(context.Background()) {
		t.Fatal("nothing processed")
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ping delivery failed: %v", err)
		}
	default:
		t.Fatal("ping delivery never resolved")
	}
}
