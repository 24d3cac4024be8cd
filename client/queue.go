package client

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/echochat/echochat/internal/signal"
)

// Transport is the duplex socket the queue drains into. Send failures
// while the transport stays online count against the entry's retry
// budget; an offline transport pauses the queue instead.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
	Online() bool
	// AwaitOnline blocks until the transport is connected again.
	AwaitOnline(ctx context.Context) error
}

var (
	// ErrRetriesExhausted completes an entry that failed acknowledgment
	// more than the retry ceiling.
	ErrRetriesExhausted = errors.New("delivery retries exhausted")
	// ErrEvicted completes an entry pruned from a full queue.
	ErrEvicted = errors.New("evicted from send queue")
)

// QueueConfig is the injectable retry policy.
type QueueConfig struct {
	Capacity    int           // bounded queue size
	MaxAge      time.Duration // entries older than this are pruned when full
	MaxAttempts int           // retry ceiling per entry
	RetryDelay  time.Duration // backoff base; actual delay is RetryDelay * attempts
	AckTimeout  time.Duration // egress acknowledgment wait
}

// DefaultQueueConfig matches the production protocol constants.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Capacity:    100,
		MaxAge:      60 * time.Second,
		MaxAttempts: 3,
		RetryDelay:  time.Second,
		AckTimeout:  3 * time.Second,
	}
}

type queueEntry struct {
	env        signal.Envelope
	priority   int
	attempts   int
	enqueuedAt time.Time
	notBefore  time.Time
	done       chan error
}

// EventQueue delivers outbound signaling events over an unreliable
// transport: at-least-once attempts up to a ceiling, never exactly-once.
// Call-lifecycle events jump ahead of everything else regardless of
// numeric priority.
type EventQueue struct {
	mu      sync.Mutex
	entries []*queueEntry
	wake    chan struct{}

	cfg       QueueConfig
	transport Transport
	pending   *signal.PendingTable
	nowFn     func() time.Time
	logger    *slog.Logger
}

func NewEventQueue(transport Transport, cfg QueueConfig, logger *slog.Logger) *EventQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventQueue{
		wake:      make(chan struct{}, 1),
		cfg:       cfg,
		transport: transport,
		pending:   signal.NewPendingTable(),
		nowFn:     time.Now,
		logger:    logger,
	}
}

// Enqueue wraps payload in an envelope with a fresh id and appends it.
// The returned channel completes with nil once the event is acknowledged
// (or sent, for events not requiring ack) and with an error when the
// entry is dropped. It is buffered; callers may ignore it.
func (q *EventQueue) Enqueue(p signal.Payload, priority int) <-chan error {
	env := signal.NewEnvelope(p, q.nowFn())
	entry := &queueEntry{
		env:        env,
		priority:   priority,
		enqueuedAt: q.nowFn(),
		done:       make(chan error, 1),
	}

	q.mu.Lock()
	if len(q.entries) >= q.cfg.Capacity {
		q.pruneLocked()
	}
	q.entries = append(q.entries, entry)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return entry.done
}

// HandleAck correlates an inbound ack with its pending wait.
func (q *EventQueue) HandleAck(ackID string) {
	if !q.pending.Resolve(ackID) {
		q.logger.Debug("ack for unknown event", "ack_id", ackID)
	}
}

// FailPending fails every in-flight acknowledgment wait. The transport
// calls this when its connection closes, so no wait is left hanging.
func (q *EventQueue) FailPending(err error) {
	q.pending.FailAll(err)
}

// Len reports the number of queued entries.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Run drains the queue until ctx is done. On connection loss it pauses
// without dropping entries and resumes when the transport reconnects.
func (q *EventQueue) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if !q.transport.Online() {
			if err := q.transport.AwaitOnline(ctx); err != nil {
				return
			}
			q.pending.Reset()
		}
		if !q.processNext(ctx) {
			select {
			case <-q.wake:
			case <-time.After(100 * time.Millisecond):
			case <-ctx.Done():
				return
			}
		}
	}
}

// processNext sends the head entry and resolves its outcome. It returns
// false when there was nothing ready to send.
func (q *EventQueue) processNext(ctx context.Context) bool {
	entry := q.takeHead()
	if entry == nil {
		return false
	}

	frame, err := signal.Encode(entry.env)
	if err != nil {
		entry.done <- err
		return true
	}

	// The waiter must exist before the frame is on the wire; a fast
	// server can ack before Send returns.
	var waiter <-chan error
	if entry.env.RequireAck {
		waiter = q.pending.Register(entry.env.ID)
	}

	if err := q.transport.Send(ctx, frame); err != nil {
		if entry.env.RequireAck {
			q.pending.Cancel(entry.env.ID)
		}
		if !q.transport.Online() {
			// Connection dropped mid-loop: keep the entry, pause.
			q.requeue(entry)
			return false
		}
		q.retryOrDrop(entry, err)
		return true
	}

	if !entry.env.RequireAck {
		entry.done <- nil
		return true
	}

	if err := q.pending.Await(ctx, entry.env.ID, waiter, q.cfg.AckTimeout); err != nil {
		if !q.transport.Online() || errors.Is(err, signal.ErrClosed) {
			q.requeue(entry)
			return false
		}
		q.retryOrDrop(entry, err)
		return true
	}

	entry.done <- nil
	return true
}

// takeHead removes and returns the most urgent sendable entry: call
// events first, then priority descending, then age.
func (q *EventQueue) takeHead() *queueEntry {
	now := q.nowFn()

	q.mu.Lock()
	defer q.mu.Unlock()

	sort.SliceStable(q.entries, func(i, j int) bool {
		a, b := q.entries[i], q.entries[j]
		if ac, bc := a.env.Type.IsCall(), b.env.Type.IsCall(); ac != bc {
			return ac
		}
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		return a.enqueuedAt.Before(b.enqueuedAt)
	})

	for i, entry := range q.entries {
		if entry.notBefore.After(now) {
			continue
		}
		q.entries = append(q.entries[:i], q.entries[i+1:]...)
		return entry
	}
	return nil
}

func (q *EventQueue) requeue(entry *queueEntry) {
	q.mu.Lock()
	q.entries = append(q.entries, entry)
	q.mu.Unlock()
}

func (q *EventQueue) retryOrDrop(entry *queueEntry, cause error) {
	entry.attempts++
	if entry.attempts > q.cfg.MaxAttempts {
		q.logger.Warn("dropping event after retries",
			"type", entry.env.Type, "id", entry.env.ID, "attempts", entry.attempts, "error", cause)
		entry.done <- ErrRetriesExhausted
		return
	}
	entry.notBefore = q.nowFn().Add(q.cfg.RetryDelay * time.Duration(entry.attempts))
	q.requeue(entry)
}

// pruneLocked evicts aged entries from a full queue, oldest first, and
// guarantees room for one more entry.
func (q *EventQueue) pruneLocked() {
	now := q.nowFn()
	kept := q.entries[:0]
	for _, entry := range q.entries {
		if now.Sub(entry.enqueuedAt) > q.cfg.MaxAge {
			entry.done <- ErrEvicted
			continue
		}
		kept = append(kept, entry)
	}
	q.entries = kept

	if len(q.entries) >= q.cfg.Capacity {
		oldest := 0
		for i, entry := range q.entries {
			if entry.enqueuedAt.Before(q.entries[oldest].enqueuedAt) {
				oldest = i
			}
		}
		q.entries[oldest].done <- ErrEvicted
		q.entries = append(q.entries[:oldest], q.entries[oldest+1:]...)
	}
}
