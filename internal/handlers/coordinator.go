package handlers

import (
	"context"
	"time"

	"github.com/echochat/echochat/internal/models"
	"github.com/echochat/echochat/internal/signal"
)

// sendEvent encodes env and delivers it to userID's live connection.
// Absence of the connection is reported, not fatal: persisted status
// changes stand regardless of whether the notification lands.
func (h *Handlers) sendEvent(userID string, env signal.Envelope) bool {
	conn, ok := h.registry.Get(userID)
	if !ok {
		return false
	}
	frame, err := signal.Encode(env)
	if err != nil {
		h.logger.Error("encode event", "type", env.Type, "error", err)
		return false
	}
	if !conn.Send(frame) {
		_ = conn.Close()
		return false
	}
	return true
}

// sendError reports a failure back to the event's originator.
func (h *Handlers) sendError(userID, refID, code, message string) {
	env := signal.NewEnvelope(signal.Error{RefID: refID, Code: code, Message: message}, h.nowFn())
	if !h.sendEvent(userID, env) {
		h.logger.Debug("error event not delivered", "user_id", userID, "code", code)
	}
}

// relayWithAck relays env to userID and waits for the recipient's ack up
// to the relay ceiling. The waiter is registered before the frame goes
// out, so an ack cannot race the registration. The wait happens on its
// own goroutine so the originator's read pump keeps draining; onResult
// receives the outcome.
func (h *Handlers) relayWithAck(userID string, env signal.Envelope, onResult func(error)) bool {
	env.RequireAck = true
	waiter := h.pending.Register(env.ID)
	if !h.sendEvent(userID, env) {
		h.pending.Cancel(env.ID)
		return false
	}
	go func() {
		err := h.pending.Await(context.Background(), env.ID, waiter, h.cfg.RelayAckTimeout)
		onResult(err)
	}()
	return true
}

// handleCallInitiation validates a caller's call_initiate against the
// persisted CallRecord and relays it to the recipient. An unreachable
// recipient resolves the record to missed and notifies the caller;
// web push is attempted best-effort so the recipient's UA can still
// surface the attempt.
func (h *Handlers) handleCallInitiation(fromUserID string, p signal.CallInitiate) {
	record, err := h.calls.GetByID(p.CallID)
	if err != nil {
		h.logger.Warn("call_initiate for unknown call", "call_id", p.CallID, "error", err)
		h.sendError(fromUserID, p.CallID, "call_not_found", "call not found")
		return
	}
	if record.CallerID != fromUserID {
		h.logger.Warn("call_initiate from non-caller", "call_id", p.CallID, "user_id", fromUserID)
		return
	}

	now := h.nowFn()
	if _, ok := h.registry.Get(record.RecipientID); !ok {
		if _, err := h.calls.SetStatus(record.ID, models.CallMissed, now); err != nil {
			h.logger.Error("mark call missed", "call_id", record.ID, "error", err)
		}
		h.sendError(fromUserID, record.ID, "recipient_unreachable", ErrRecipientOff.Error())
		h.notifyCallPush(record.RecipientID, record.CallerID, signal.CallKind(record.CallType))
		return
	}

	token, err := h.roomToken(record.RoomName, record.RecipientID, now)
	if err != nil {
		h.logger.Error("room token for recipient", "call_id", record.ID, "error", err)
		h.sendError(fromUserID, record.ID, "internal", "failed to prepare call")
		return
	}

	invite := signal.NewEnvelope(signal.CallInitiate{
		CallID:      record.ID,
		CallerID:    record.CallerID,
		RecipientID: record.RecipientID,
		CallType:    signal.CallKind(record.CallType),
		RoomName:    record.RoomName,
		Token:       token,
	}, now)

	delivered := h.relayWithAck(record.RecipientID, invite, func(ackErr error) {
		if ackErr != nil {
			// Deliberate: no rollback. The record stays initiated until an
			// explicit accept/reject or the stale sweep resolves it.
			h.logger.Warn("invite ack not received", "call_id", record.ID, "error", ackErr)
			return
		}
		if _, err := h.calls.SetStatus(record.ID, models.CallRinging, h.nowFn()); err != nil {
			h.logger.Error("mark call ringing", "call_id", record.ID, "error", err)
		}
	})
	if !delivered {
		if _, err := h.calls.SetStatus(record.ID, models.CallMissed, now); err != nil {
			h.logger.Error("mark call missed", "call_id", record.ID, "error", err)
		}
		h.sendError(fromUserID, record.ID, "recipient_unreachable", ErrRecipientOff.Error())
	}
}

// handleCallAcceptance moves the record to connected and relays
// call_accept (with a fresh caller-side room token) to the caller.
func (h *Handlers) handleCallAcceptance(fromUserID string, p signal.CallAccept) {
	record, err := h.calls.GetByID(p.CallID)
	if err != nil {
		h.sendError(fromUserID, p.CallID, "call_not_found", "call not found")
		return
	}
	if record.RecipientID != fromUserID {
		h.logger.Warn("call_accept from non-recipient", "call_id", p.CallID, "user_id", fromUserID)
		return
	}

	now := h.nowFn()
	record, err = h.calls.SetStatus(record.ID, models.CallConnected, now)
	if err != nil {
		h.logger.Info("stale call_accept", "call_id", p.CallID, "error", err)
		h.sendError(fromUserID, p.CallID, "call_unavailable", "call is no longer active")
		return
	}

	token, err := h.roomToken(record.RoomName, record.CallerID, now)
	if err != nil {
		h.logger.Error("room token for caller", "call_id", record.ID, "error", err)
		token = ""
	}

	accept := signal.NewEnvelope(signal.CallAccept{CallID: record.ID, AcceptorID: fromUserID, Token: token}, now)
	if !h.relayWithAck(record.CallerID, accept, func(ackErr error) {
		if ackErr != nil {
			h.logger.Warn("accept ack not received", "call_id", record.ID, "error", ackErr)
		}
	}) {
		// Caller went away between initiate and accept; status change stands.
		h.logger.Info("caller unreachable for accept", "call_id", record.ID)
	}
}

// handleCallRejection marks the record rejected and relays the event to
// the caller if reachable.
func (h *Handlers) handleCallRejection(fromUserID string, p signal.CallReject) {
	record, err := h.calls.GetByID(p.CallID)
	if err != nil {
		h.sendError(fromUserID, p.CallID, "call_not_found", "call not found")
		return
	}
	if !participates(record, fromUserID) {
		return
	}

	now := h.nowFn()
	if _, err := h.calls.SetStatus(record.ID, models.CallRejected, now); err != nil {
		h.logger.Info("stale call_reject", "call_id", p.CallID, "error", err)
		return
	}

	reject := signal.NewEnvelope(signal.CallReject{CallID: record.ID, RejectorID: fromUserID}, now)
	if !h.sendEvent(relayTarget(record, fromUserID), reject) {
		h.logger.Debug("reject not delivered", "call_id", record.ID)
	}
}

// handleCallEnd resolves the record (completed when it was connected,
// failed otherwise) and relays call_end to the counterpart. Ending an
// already-terminal call is a no-op; both sides tearing down at once is
// normal.
func (h *Handlers) handleCallEnd(fromUserID string, p signal.CallEnd) {
	record, err := h.calls.GetByID(p.CallID)
	if err != nil {
		h.logger.Debug("call_end for unknown call", "call_id", p.CallID)
		return
	}
	if !participates(record, fromUserID) {
		return
	}
	if record.Status.Terminal() {
		return
	}

	now := h.nowFn()
	final := models.CallFailed
	if record.Status == models.CallConnected {
		final = models.CallCompleted
	}
	record, err = h.calls.SetStatus(record.ID, final, now)
	if err != nil {
		h.logger.Info("concurrent call_end resolution", "call_id", p.CallID, "error", err)
		return
	}

	end := signal.NewEnvelope(signal.CallEnd{CallID: record.ID, UserID: fromUserID, Forced: true}, now)
	if !h.sendEvent(relayTarget(record, fromUserID), end) {
		h.logger.Debug("end not delivered", "call_id", record.ID)
	}
}

// broadcastPresence pushes a status event for userID to every other
// live connection.
func (h *Handlers) broadcastPresence(userID string, status signal.UserStatus, lastSeen time.Time) {
	env := signal.NewEnvelope(signal.Status{
		SenderID: userID,
		Status:   status,
		LastSeen: lastSeen.UnixMilli(),
	}, h.nowFn())
	env.RequireAck = false
	frame, err := signal.Encode(env)
	if err != nil {
		h.logger.Error("encode presence", "error", err)
		return
	}
	h.registry.Broadcast(frame, userID)
}

// RunSweep periodically fails CallRecords stuck in a non-terminal
// status past the recency window. This is the server-side answer to
// invite relays whose acknowledgments never arrived.
func (h *Handlers) RunSweep(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := h.nowFn()
			swept, err := h.calls.ExpireStale(now.Add(-2*h.cfg.CallRecencyWindow), now)
			if err != nil {
				h.logger.Error("stale call sweep", "error", err)
				continue
			}
			if swept > 0 {
				h.logger.Info("resolved stale calls", "count", swept)
			}
		case <-ctx.Done():
			return
		}
	}
}
