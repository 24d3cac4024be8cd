// Package presence tracks which users currently hold a live signaling
// connection. The registry is injected into the connection-lifecycle
// component; there is no process-global state.
package presence

import (
	"sync"
	"time"
)

// Conn is the live-connection handle tracked per user. Send is
// best-effort and must not block; it reports whether the payload was
// accepted for delivery.
type Conn interface {
	UserID() string
	Send(payload []byte) bool
	Close() error
}

// Entry is the last-known presence of one user.
type Entry struct {
	Online   bool
	LastSeen time.Time
}

type Registry struct {
	mu     sync.Mutex
	conns  map[string]Conn
	status map[string]Entry
}

func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[string]Conn),
		status: make(map[string]Entry),
	}
}

// Register binds conn as the single live connection for its user. A new
// registration supersedes the old one; the superseded connection is
// returned so the caller can close it outside the lock.
func (r *Registry) Register(conn Conn, now time.Time) (superseded Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID := conn.UserID()
	superseded = r.conns[userID]
	r.conns[userID] = conn
	r.status[userID] = Entry{Online: true, LastSeen: now}
	return superseded
}

// Unregister removes conn if it is still the active connection for its
// user. A stale unregister (the user already reconnected) is a no-op.
func (r *Registry) Unregister(conn Conn, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID := conn.UserID()
	current, ok := r.conns[userID]
	if !ok || current != conn {
		return false
	}
	delete(r.conns, userID)
	r.status[userID] = Entry{Online: false, LastSeen: now}
	return true
}

// Get returns the live connection for userID, if any.
func (r *Registry) Get(userID string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[userID]
	return conn, ok
}

// Online reports whether userID has a live connection.
func (r *Registry) Online(userID string) bool {
	_, ok := r.Get(userID)
	return ok
}

// StatusOf returns the last-known presence of userID.
func (r *Registry) StatusOf(userID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.status[userID]
	return e, ok
}

// Broadcast sends payload to every live connection except exceptUserID.
// Connections that refuse the payload are closed; their read pumps will
// unregister them.
func (r *Registry) Broadcast(payload []byte, exceptUserID string) {
	r.mu.Lock()
	conns := make([]Conn, 0, len(r.conns))
	for userID, conn := range r.conns {
		if userID == exceptUserID {
			continue
		}
		conns = append(conns, conn)
	}
	r.mu.Unlock()

	for _, conn := range conns {
		if !conn.Send(payload) {
			_ = conn.Close()
		}
	}
}

// Snapshot returns the last-known presence of every user seen so far.
func (r *Registry) Snapshot() map[string]Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Entry, len(r.status))
	for userID, e := range r.status {
		out[userID] = e
	}
	return out
}
