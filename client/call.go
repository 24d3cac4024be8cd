package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/echochat/echochat/internal/signal"
)

// Outbound priorities. Call events are additionally hoisted by the
// queue regardless of these values.
const (
	PriorityLow    = 0
	PriorityNormal = 5
	PriorityCall   = 10
)

// UserDirectory resolves a user id to a display identity. It is the
// external user-profile interface; lookups may fail.
type UserDirectory interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

// CallInfo carries what the call-start HTTP endpoint returned: the
// persisted call id plus the agreed media-session coordinates.
type CallInfo struct {
	CallID      string
	RecipientID string
	CallType    signal.CallKind
	RoomName    string
	Token       string
}

var errStaleEvent = errors.New("stale call event")

// EventHandler maps inbound signaling events onto state transitions and
// orchestrates media setup/teardown. It is the only component that talks
// to both the state manager and the media provider in response to
// network input.
type EventHandler struct {
	selfID string
	states *StateManager
	media  MediaProvider
	queue  *EventQueue
	users  UserDirectory
	logger *slog.Logger
}

func NewEventHandler(selfID string, states *StateManager, media MediaProvider, queue *EventQueue, users UserDirectory, logger *slog.Logger) *EventHandler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &EventHandler{
		selfID: selfID,
		states: states,
		media:  media,
		queue:  queue,
		users:  users,
		logger: logger,
	}
	// A call stuck past the ceiling resolves to a terminal outcome:
	// unanswered incoming calls are rejected, everything else ends.
	states.OnStuck(func(status Status, callID string) {
		ctx := context.Background()
		if status == StatusIncoming {
			h.queue.Enqueue(signal.CallReject{CallID: callID, RejectorID: h.selfID}, PriorityCall)
		} else {
			h.queue.Enqueue(signal.CallEnd{CallID: callID, UserID: h.selfID}, PriorityCall)
		}
		h.Cleanup(ctx)
	})
	return h
}

// StartCall moves an idle client to outgoing and announces the call to
// the server for relay. info comes from the call-start HTTP endpoint.
func (h *EventHandler) StartCall(ctx context.Context, info CallInfo) error {
	err := h.states.Transition(ctx, func(s *State) {
		s.Status = StatusOutgoing
		s.CallID = info.CallID
		s.CallType = info.CallType
		s.RemoteUserID = info.RecipientID
		s.RoomName = info.RoomName
		s.Token = info.Token
		s.IsInCall = true
	})
	if err != nil {
		return fmt.Errorf("start call: %w", err)
	}

	h.queue.Enqueue(signal.CallInitiate{
		CallID:      info.CallID,
		CallerID:    h.selfID,
		RecipientID: info.RecipientID,
		CallType:    info.CallType,
		RoomName:    info.RoomName,
		Token:       info.Token,
	}, PriorityCall)
	return nil
}

// HandleIncomingCall reacts to a relayed call_initiate. An invite while
// busy is ignored: there is no call-waiting support.
func (h *EventHandler) HandleIncomingCall(ctx context.Context, ev signal.CallInitiate) error {
	if status := h.states.Status(); status != StatusIdle {
		h.logger.Info("ignoring invite while busy", "call_id", ev.CallID, "status", status)
		return nil
	}
	if err := ev.Validate(); err != nil {
		return err
	}

	callerName, err := h.users.DisplayName(ctx, ev.CallerID)
	if err != nil {
		// Half-applied state is worse than no call at all.
		h.Cleanup(ctx)
		return fmt.Errorf("resolve caller %s: %w", ev.CallerID, err)
	}

	// The lookup suspended; the world may have moved on.
	if status := h.states.Status(); status != StatusIdle {
		return nil
	}

	err = h.states.Transition(ctx, func(s *State) {
		s.Status = StatusIncoming
		s.CallID = ev.CallID
		s.CallType = ev.CallType
		s.RemoteUserID = ev.CallerID
		s.RemoteName = callerName
		s.RoomName = ev.RoomName
		s.Token = ev.Token
		s.IsInCall = true
	})
	if err != nil {
		h.Cleanup(ctx)
		return fmt.Errorf("apply incoming call: %w", err)
	}
	return nil
}

// Accept answers the ringing call: it issues call_accept and brings the
// media session up.
func (h *EventHandler) Accept(ctx context.Context) error {
	state := h.states.Current()
	if state.Status != StatusIncoming {
		return fmt.Errorf("%w: accept in %s", errStaleEvent, state.Status)
	}

	if err := h.states.Transition(ctx, func(s *State) { s.Status = StatusConnecting }); err != nil {
		h.Cleanup(ctx)
		return err
	}

	h.queue.Enqueue(signal.CallAccept{CallID: state.CallID, AcceptorID: h.selfID}, PriorityCall)

	if err := h.establishMedia(ctx, state.CallType, state.RoomName, state.Token); err != nil {
		h.Cleanup(ctx)
		return err
	}
	return nil
}

// HandleCallAccepted reacts to the recipient accepting: the caller
// acquires media and joins the agreed room. Stale or duplicate
// acceptances (local state already moved on) are logged and ignored.
func (h *EventHandler) HandleCallAccepted(ctx context.Context, ev signal.CallAccept) error {
	state := h.states.Current()
	if state.Status != StatusOutgoing && state.Status != StatusConnecting {
		h.logger.Info("ignoring stale call_accept", "call_id", ev.CallID, "status", state.Status)
		return nil
	}
	if state.CallID != ev.CallID {
		h.logger.Info("ignoring call_accept for unknown call", "call_id", ev.CallID, "current", state.CallID)
		return nil
	}

	if state.Status == StatusOutgoing {
		if err := h.states.Transition(ctx, func(s *State) { s.Status = StatusConnecting }); err != nil {
			h.Cleanup(ctx)
			return err
		}
	}

	// A fresh token rides on the accept; fall back to the one from the
	// call-start response if the relay carried none.
	token := ev.Token
	if token == "" {
		token = state.Token
	}
	if err := h.establishMedia(ctx, state.CallType, state.RoomName, token); err != nil {
		h.Cleanup(ctx)
		return err
	}
	return nil
}

// HandleCallRejected tears the outgoing call down.
func (h *EventHandler) HandleCallRejected(ctx context.Context) {
	if err := h.transitionEnded(ctx); err != nil {
		h.logger.Debug("reject on inactive call", "error", err)
	}
	h.Cleanup(ctx)
}

// HandleCallEnded tears the call down and, unless the inbound event was
// itself a forced remote teardown, notifies the other party. Receiving
// call_end while already idle is a no-op.
func (h *EventHandler) HandleCallEnded(ctx context.Context, ev signal.CallEnd) {
	state := h.states.Current()
	if state.Status == StatusIdle || state.Status == StatusEnded {
		h.logger.Debug("ignoring call_end while not in call", "call_id", ev.CallID)
		return
	}
	if state.CallID != ev.CallID {
		h.logger.Info("ignoring call_end for unknown call", "call_id", ev.CallID, "current", state.CallID)
		return
	}

	if !ev.Forced {
		h.queue.Enqueue(signal.CallEnd{CallID: state.CallID, UserID: h.selfID, Forced: true}, PriorityCall)
	}

	if err := h.transitionEnded(ctx); err != nil {
		h.logger.Debug("end on inactive call", "error", err)
	}
	h.Cleanup(ctx)
}

// Reject declines the ringing call locally.
func (h *EventHandler) Reject(ctx context.Context) {
	state := h.states.Current()
	if state.Status != StatusIncoming {
		return
	}
	h.queue.Enqueue(signal.CallReject{CallID: state.CallID, RejectorID: h.selfID}, PriorityCall)
	h.Cleanup(ctx)
}

// End hangs up locally and notifies the remote party.
func (h *EventHandler) End(ctx context.Context) {
	state := h.states.Current()
	if state.Status == StatusIdle {
		return
	}
	h.queue.Enqueue(signal.CallEnd{CallID: state.CallID, UserID: h.selfID}, PriorityCall)
	h.Cleanup(ctx)
}

// Cleanup is idempotent: it only works when a call is in progress. It
// releases local and remote media, disconnects the session, and resets
// state. Secondary errors are swallowed; reset is the last resort, so a
// failing teardown can never leave the handler stuck.
func (h *EventHandler) Cleanup(ctx context.Context) {
	state := h.states.Current()
	if !state.IsInCall && state.Status == StatusIdle {
		return
	}

	if state.LocalMedia != nil {
		state.LocalMedia.Stop()
	}
	if state.Session != nil {
		if err := state.Session.Disconnect(ctx); err != nil {
			h.logger.Warn("media session disconnect failed", "call_id", state.CallID, "error", err)
		}
	}
	h.states.Reset(ctx)
}

// establishMedia acquires local capture if not yet held, joins the
// room, and commits connecting -> connected. The media-not-ready
// retryable condition is absorbed here by supplying the handle in the
// same update.
func (h *EventHandler) establishMedia(ctx context.Context, kind signal.CallKind, roomName, token string) error {
	state := h.states.Current()

	local := state.LocalMedia
	if local == nil {
		acquired, err := h.media.AcquireLocal(ctx, kind)
		if err != nil {
			return fmt.Errorf("acquire local media: %w", err)
		}
		local = acquired
	}

	// Re-check after the acquisition suspension point.
	if h.states.Status() != StatusConnecting {
		local.Stop()
		return fmt.Errorf("%w: no longer connecting", errStaleEvent)
	}

	session, err := h.media.Join(ctx, roomName, token)
	if err != nil {
		local.Stop()
		return fmt.Errorf("join media session %s: %w", roomName, err)
	}

	if h.states.Status() != StatusConnecting {
		local.Stop()
		_ = session.Disconnect(ctx)
		return fmt.Errorf("%w: no longer connecting", errStaleEvent)
	}

	err = h.states.Transition(ctx, func(s *State) {
		s.Status = StatusConnected
		s.LocalMedia = local
		s.Session = session
	})
	if err != nil {
		local.Stop()
		_ = session.Disconnect(ctx)
		return err
	}
	return nil
}

func (h *EventHandler) transitionEnded(ctx context.Context) error {
	return h.states.Transition(ctx, func(s *State) {
		s.Status = StatusEnded
		s.IsInCall = false
	})
}
