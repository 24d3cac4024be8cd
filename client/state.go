package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/echochat/echochat/internal/signal"
)

// Status is the client-local projection of a call's lifecycle. The two
// peers' statuses are independent views reconciled only through
// signaling events; they may transiently disagree.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusIncoming   Status = "incoming"
	StatusOutgoing   Status = "outgoing"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusEnded      Status = "ended"
)

// legalNext lists the transitions the state machine accepts. Any
// non-idle state may additionally move to ended, and ended resets to idle.
var legalNext = map[Status][]Status{
	StatusIdle:       {StatusIncoming, StatusOutgoing},
	StatusIncoming:   {StatusConnecting},
	StatusOutgoing:   {StatusConnecting},
	StatusConnecting: {StatusConnected},
	StatusConnected:  {},
	StatusEnded:      {StatusIdle},
}

var (
	// ErrInvalidTransition is a hard invariant violation. Callers catch it
	// and fall back to Reset.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrMediaNotReady is retryable: the target status needs a local media
	// handle that has not arrived yet.
	ErrMediaNotReady = errors.New("local media not ready")
	// ErrMediaRetriesExhausted is the permanent form of ErrMediaNotReady.
	ErrMediaRetriesExhausted = errors.New("local media retries exhausted")
)

const (
	maxMediaRetries = 3
	// stuckCeiling bounds time spent in any non-terminal status. A call
	// that sits in incoming/outgoing/connecting this long is reported as
	// timed out, never silently ignored.
	stuckCeiling = 30 * time.Second
)

// State is the full client-side view of one call attempt.
type State struct {
	CallID       string
	CallType     signal.CallKind
	Status       Status
	RemoteUserID string
	RemoteName   string
	RoomName     string
	// Token is the media-session credential for RoomName. The caller
	// gets it from the call-start response, the recipient from the
	// relayed invite.
	Token    string
	IsInCall bool
	LocalMedia   LocalMedia
	Session      MediaSession
	Quality      QualitySample
}

// CleanupFunc runs when the state machine leaves the status it is
// registered for. Cleanup is a side effect (media release, session
// disconnect), not state-manager bookkeeping.
type CleanupFunc func(ctx context.Context, prev State) error

// StateManager is the single source of truth for one call attempt's
// client-side status. It validates transitions and runs cleanup handlers
// on state exit.
type StateManager struct {
	mu           sync.Mutex
	state        State
	cleanup      map[Status][]CleanupFunc
	mediaRetries int

	stuckTimer   *time.Timer
	stuckTimeout time.Duration
	onStuck      func(Status, string)

	logger *slog.Logger
}

func NewStateManager(logger *slog.Logger) *StateManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateManager{
		state:        State{Status: StatusIdle},
		cleanup:      make(map[Status][]CleanupFunc),
		stuckTimeout: stuckCeiling,
		logger:       logger,
	}
}

// OnStuck installs the callback invoked when a call sits in a
// non-terminal status past the ceiling. It receives the stuck status and
// the call id.
func (m *StateManager) OnStuck(fn func(status Status, callID string)) {
	m.mu.Lock()
	m.onStuck = fn
	m.mu.Unlock()
}

// SetStuckTimeout overrides the stuck-state ceiling. Tests use this.
func (m *StateManager) SetStuckTimeout(d time.Duration) {
	m.mu.Lock()
	m.stuckTimeout = d
	m.mu.Unlock()
}

// RegisterCleanup associates a handler with leaving status.
func (m *StateManager) RegisterCleanup(status Status, fn CleanupFunc) {
	m.mu.Lock()
	m.cleanup[status] = append(m.cleanup[status], fn)
	m.mu.Unlock()
}

// Current returns a copy of the state.
func (m *StateManager) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns the current status.
func (m *StateManager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Status
}

// Transition applies mutate to a copy of the state, validates the
// result, runs cleanup handlers for the exited status, and commits.
// A hard invariant violation returns ErrInvalidTransition and leaves the
// state untouched. A connected-target update without a local media
// handle returns ErrMediaNotReady up to maxMediaRetries times, then
// ErrMediaRetriesExhausted.
func (m *StateManager) Transition(ctx context.Context, mutate func(s *State)) error {
	m.mu.Lock()

	prev := m.state
	next := m.state
	mutate(&next)

	if err := validateNext(prev, next); err != nil {
		if errors.Is(err, ErrMediaNotReady) {
			m.mediaRetries++
			if m.mediaRetries > maxMediaRetries {
				m.mediaRetries = 0
				m.mu.Unlock()
				return ErrMediaRetriesExhausted
			}
			m.mu.Unlock()
			return err
		}
		m.mu.Unlock()
		return err
	}
	m.mediaRetries = 0

	var handlers []CleanupFunc
	if next.Status != prev.Status {
		handlers = m.cleanup[prev.Status]
	}
	m.state = next
	m.armStuckTimerLocked(next)
	m.mu.Unlock()

	for _, fn := range handlers {
		if err := fn(ctx, prev); err != nil {
			// Cleanup side effects must not block the transition.
			m.logger.Warn("cleanup handler failed", "from", prev.Status, "to", next.Status, "error", err)
		}
	}
	return nil
}

// Reset forces a return to idle, running cleanup handlers for the
// current status first. It is the universal give-up-and-start-clean
// escape hatch and is idempotent: resetting an idle manager runs
// nothing.
func (m *StateManager) Reset(ctx context.Context) {
	m.mu.Lock()
	prev := m.state
	if prev.Status == StatusIdle {
		m.mu.Unlock()
		return
	}
	handlers := m.cleanup[prev.Status]
	m.state = State{Status: StatusIdle}
	m.mediaRetries = 0
	if m.stuckTimer != nil {
		m.stuckTimer.Stop()
		m.stuckTimer = nil
	}
	m.mu.Unlock()

	for _, fn := range handlers {
		if err := fn(ctx, prev); err != nil {
			m.logger.Warn("cleanup handler failed during reset", "from", prev.Status, "error", err)
		}
	}
}

func (m *StateManager) armStuckTimerLocked(next State) {
	if m.stuckTimer != nil {
		m.stuckTimer.Stop()
		m.stuckTimer = nil
	}
	switch next.Status {
	case StatusIncoming, StatusOutgoing, StatusConnecting:
	default:
		return
	}
	status, callID := next.Status, next.CallID
	m.stuckTimer = time.AfterFunc(m.stuckTimeout, func() {
		m.mu.Lock()
		stillStuck := m.state.Status == status && m.state.CallID == callID
		fn := m.onStuck
		m.mu.Unlock()
		if !stillStuck {
			return
		}
		m.logger.Warn("call stuck past ceiling", "status", status, "call_id", callID)
		if fn != nil {
			fn(status, callID)
		}
	})
}

func validateNext(prev, next State) error {
	if next.IsInCall && next.Status == StatusIdle {
		return fmt.Errorf("%w: in-call while idle", ErrInvalidTransition)
	}
	if next.Status != prev.Status && !allowed(prev.Status, next.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev.Status, next.Status)
	}
	switch next.Status {
	case StatusConnecting, StatusConnected:
		if next.RoomName == "" {
			return fmt.Errorf("%w: %s without room name", ErrInvalidTransition, next.Status)
		}
	}
	if next.Status == StatusConnected && next.LocalMedia == nil {
		return ErrMediaNotReady
	}
	return nil
}

func allowed(from, to Status) bool {
	if to == StatusEnded {
		return from != StatusIdle
	}
	for _, s := range legalNext[from] {
		if s == to {
			return true
		}
	}
	return false
}
