package signal

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrAckTimeout is returned when no acknowledgment arrived within the deadline.
	ErrAckTimeout = errors.New("acknowledgment timed out")
	// ErrClosed is returned to every waiter when the owning connection goes away.
	ErrClosed = errors.New("connection closed")
)

// PendingTable tracks in-flight events awaiting acknowledgment, keyed by
// event id. The client queue and the server relay share this one
// implementation; both tie waiter lifetime to their connection, so a
// closed connection fails every waiter at once instead of leaving any
// of them hanging.
type PendingTable struct {
	mu      sync.Mutex
	waiters map[string]chan error
	closed  bool
}

func NewPendingTable() *PendingTable {
	return &PendingTable{waiters: make(map[string]chan error)}
}

// Register adds the waiter for id and returns its channel. Senders call
// it before putting the frame on the wire, so an ack racing the send
// always finds a waiter. On a closed table the channel comes back
// pre-completed with ErrClosed.
func (t *PendingTable) Register(id string) <-chan error {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.waiters[id]
	if !ok {
		ch = make(chan error, 1)
		if t.closed {
			ch <- ErrClosed
		} else {
			t.waiters[id] = ch
		}
	}
	return ch
}

// Cancel removes the waiter for id without completing it. Callers use
// it when the registered frame never made it onto the wire.
func (t *PendingTable) Cancel(id string) {
	t.remove(id)
}

// Await blocks on a channel obtained from Register until the ack
// arrives, the timeout elapses, or ctx is done. The waiter channel is
// buffered, so an ack delivered before Await is not lost.
func (t *PendingTable) Await(ctx context.Context, id string, waiter <-chan error, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-waiter:
		return err
	case <-timer.C:
		t.remove(id)
		return ErrAckTimeout
	case <-ctx.Done():
		t.remove(id)
		return ctx.Err()
	}
}

// Wait is Register plus Await for callers with no work between the two.
func (t *PendingTable) Wait(ctx context.Context, id string, timeout time.Duration) error {
	return t.Await(ctx, id, t.Register(id), timeout)
}

// Resolve completes the waiter for id. It reports whether a waiter was
// pending; a duplicate or late ack resolves nothing and is harmless.
func (t *PendingTable) Resolve(id string) bool {
	return t.complete(id, nil)
}

// Fail completes the waiter for id with err.
func (t *PendingTable) Fail(id string, err error) bool {
	return t.complete(id, err)
}

// FailAll completes every pending waiter with err and rejects future
// waits. Used on connection close.
func (t *PendingTable) FailAll(err error) {
	if err == nil {
		err = ErrClosed
	}
	t.mu.Lock()
	t.closed = true
	waiters := t.waiters
	t.waiters = make(map[string]chan error)
	t.mu.Unlock()

	for _, ch := range waiters {
		ch <- err
	}
}

// Reset reopens a table closed by FailAll. Called when the transport
// reconnects and the queue resumes.
func (t *PendingTable) Reset() {
	t.mu.Lock()
	t.closed = false
	t.mu.Unlock()
}

// Len reports the number of in-flight waits.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}

func (t *PendingTable) complete(id string, err error) bool {
	t.mu.Lock()
	ch, ok := t.waiters[id]
	if ok {
		delete(t.waiters, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	ch <- err
	return true
}

func (t *PendingTable) remove(id string) {
	t.mu.Lock()
	delete(t.waiters, id)
	t.mu.Unlock()
}
