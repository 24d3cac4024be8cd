package presence

import (
	"testing"
	"time"
)

type fakeConn struct {
	userID string
	sent   [][]byte
	closed bool
	refuse bool
}

func (c *fakeConn) UserID() string { return c.userID }
func (c *fakeConn) Send(p []byte) bool {
	if c.refuse {
		return false
	}
	c.sent = append(c.sent, p)
	return true
}
func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func TestRegisterSupersedes(t *testing.T) {
	r := NewRegistry()
	base := time.Unix(1_700_000_000, 0)

	first := &fakeConn{userID: "A"}
	if superseded := r.Register(first, base); superseded != nil {
		t.Fatalf("unexpected superseded conn %v", superseded)
	}

	second := &fakeConn{userID: "A"}
	superseded := r.Register(second, base.Add(time.Second))
	if superseded != first {
		t.Fatal("expected first connection to be superseded")
	}

	got, ok := r.Get("A")
	if !ok || got != second {
		t.Fatal("registry should hold the newest connection")
	}
}

func TestStaleUnregisterIsNoop(t *testing.T) {
	r := NewRegistry()
	base := time.Unix(1_700_000_000, 0)

	old := &fakeConn{userID: "A"}
	r.Register(old, base)
	fresh := &fakeConn{userID: "A"}
	r.Register(fresh, base.Add(time.Second))

	// The old connection's read pump exits after the user reconnected.
	if r.Unregister(old, base.Add(2*time.Second)) {
		t.Fatal("stale unregister must not remove the fresh connection")
	}
	if !r.Online("A") {
		t.Fatal("user should still be online")
	}

	if !r.Unregister(fresh, base.Add(3*time.Second)) {
		t.Fatal("fresh unregister should succeed")
	}
	if r.Online("A") {
		t.Fatal("user should be offline")
	}
	entry, ok := r.StatusOf("A")
	if !ok || entry.Online || !entry.LastSeen.Equal(base.Add(3*time.Second)) {
		t.Fatalf("unexpected status entry %+v", entry)
	}
}

func TestBroadcastSkipsOriginator(t *testing.T) {
	r := NewRegistry()
	base := time.Unix(1_700_000_000, 0)

	a := &fakeConn{userID: "A"}
	b := &fakeConn{userID: "B"}
	c := &fakeConn{userID: "C", refuse: true}
	r.Register(a, base)
	r.Register(b, base)
	r.Register(c, base)

	r.Broadcast([]byte("hello"), "A")

	if len(a.sent) != 0 {
		t.Fatal("originator must not receive its own broadcast")
	}
	if len(b.sent) != 1 {
		t.Fatalf("expected one delivery to B, got %d", len(b.sent))
	}
	if !c.closed {
		t.Fatal("connection refusing delivery should be closed")
	}
}
