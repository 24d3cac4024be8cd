package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/echochat/echochat/internal/models"
	"github.com/echochat/echochat/internal/signal"
)

type StartCallRequest struct {
	RecipientID string `json:"recipient_id" binding:"required"`
	CallType    string `json:"call_type" binding:"required"`
}

type CallResponse struct {
	Call  *models.CallRecord `json:"call"`
	Token string             `json:"token,omitempty"`
}

// StartCall admits a new call attempt: checks friendship, expires stale
// records between the pair, rejects a start that collides with a still
// active one, and persists the record. The response carries the
// caller's media-session token; the recipient gets theirs with the
// relayed invite.
func (h *Handlers) StartCall(c *gin.Context) {
	userID := c.GetString("user_id")

	var req StartCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	kind := signal.CallKind(req.CallType)

	var caller, recipient models.User
	if err := h.db.First(&caller, "id = ?", userID).Error; err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown user"})
		return
	}
	if err := h.db.First(&recipient, "id = ?", req.RecipientID).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrUserNotFound.Error()})
		return
	}

	now := h.nowFn()
	windowStart := now.Add(-h.cfg.CallRecencyWindow)

	// Orphans from crashed clients would otherwise block new calls.
	if _, err := h.calls.ExpireStaleBetween(caller.ID, recipient.ID, windowStart, now); err != nil {
		h.logger.Error("expire stale calls", "error", err)
	}
	if _, err := h.calls.ExpireStaleBetween(recipient.ID, caller.ID, windowStart, now); err != nil {
		h.logger.Error("expire stale calls", "error", err)
	}

	active, err := h.calls.ActiveBetween(caller.ID, recipient.ID, kind, windowStart)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
		return
	}
	if active == nil {
		// A near-simultaneous start from the other side counts too.
		active, err = h.calls.ActiveBetween(recipient.ID, caller.ID, kind, windowStart)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
	}

	input := CallStartInput{
		Caller:     &caller,
		Recipient:  &recipient,
		Kind:       kind,
		Friendship: acceptedFriendship(h.db, caller.ID, recipient.ID),
		ActiveCall: active,
	}
	if err := ValidateCallStart(input); err != nil {
		c.JSON(callErrorStatus(err), gin.H{"error": err.Error()})
		return
	}

	roomName := signal.RoomName(kind, caller.ID, recipient.ID, now)
	record, err := h.calls.Create(caller.ID, recipient.ID, kind, roomName, uuid.New().String())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create call"})
		return
	}

	token, err := h.roomToken(roomName, caller.ID, now)
	if err != nil {
		h.logger.Error("room token for caller", "call_id", record.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to prepare call"})
		return
	}

	h.logger.Info("call started", "call_id", record.ID, "caller_id", caller.ID, "recipient_id", recipient.ID, "call_type", kind)
	c.JSON(http.StatusCreated, CallResponse{Call: record, Token: token})
}

// AcceptCall is the HTTP twin of the call_accept signaling event, for
// clients acting on a push notification without a live socket yet.
func (h *Handlers) AcceptCall(c *gin.Context) {
	userID := c.GetString("user_id")
	record, ok := h.loadCallForUpdate(c, userID)
	if !ok {
		return
	}
	if record.RecipientID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "only the recipient can accept"})
		return
	}

	now := h.nowFn()
	record, err := h.calls.SetStatus(record.ID, models.CallConnected, now)
	if err != nil {
		c.JSON(callErrorStatus(err), gin.H{"error": err.Error()})
		return
	}

	token, err := h.roomToken(record.RoomName, userID, now)
	if err != nil {
		h.logger.Error("room token for acceptor", "call_id", record.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to prepare call"})
		return
	}

	accept := signal.NewEnvelope(signal.CallAccept{CallID: record.ID, AcceptorID: userID}, now)
	if !h.sendEvent(record.CallerID, accept) {
		h.logger.Debug("accept not delivered", "call_id", record.ID)
	}

	c.JSON(http.StatusOK, CallResponse{Call: record, Token: token})
}

func (h *Handlers) RejectCall(c *gin.Context) {
	userID := c.GetString("user_id")
	record, ok := h.loadCallForUpdate(c, userID)
	if !ok {
		return
	}

	now := h.nowFn()
	record, err := h.calls.SetStatus(record.ID, models.CallRejected, now)
	if err != nil {
		c.JSON(callErrorStatus(err), gin.H{"error": err.Error()})
		return
	}

	reject := signal.NewEnvelope(signal.CallReject{CallID: record.ID, RejectorID: userID}, now)
	if !h.sendEvent(relayTarget(record, userID), reject) {
		h.logger.Debug("reject not delivered", "call_id", record.ID)
	}

	c.JSON(http.StatusOK, CallResponse{Call: record})
}

func (h *Handlers) EndCall(c *gin.Context) {
	userID := c.GetString("user_id")
	record, ok := h.loadCallForUpdate(c, userID)
	if !ok {
		return
	}
	if record.Status.Terminal() {
		// Both sides hanging up at once is normal; report the settled record.
		c.JSON(http.StatusOK, CallResponse{Call: record})
		return
	}

	now := h.nowFn()
	final := models.CallFailed
	if record.Status == models.CallConnected {
		final = models.CallCompleted
	}
	record, err := h.calls.SetStatus(record.ID, final, now)
	if err != nil {
		c.JSON(callErrorStatus(err), gin.H{"error": err.Error()})
		return
	}

	end := signal.NewEnvelope(signal.CallEnd{CallID: record.ID, UserID: userID, Forced: true}, now)
	if !h.sendEvent(relayTarget(record, userID), end) {
		h.logger.Debug("end not delivered", "call_id", record.ID)
	}

	c.JSON(http.StatusOK, CallResponse{Call: record})
}

func (h *Handlers) GetCall(c *gin.Context) {
	userID := c.GetString("user_id")
	record, ok := h.loadCallForUpdate(c, userID)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, CallResponse{Call: record})
}

func (h *Handlers) CallHistory(c *gin.Context) {
	userID := c.GetString("user_id")
	records, err := h.calls.History(userID, 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": records})
}

// loadCallForUpdate fetches the :id call and verifies the requester is
// a participant. It writes the error response itself on failure.
func (h *Handlers) loadCallForUpdate(c *gin.Context, userID string) (*models.CallRecord, bool) {
	record, err := h.calls.GetByID(c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrCallNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": ErrCallNotFound.Error()})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
		}
		return nil, false
	}
	if !participates(record, userID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant"})
		return nil, false
	}
	return record, true
}

func callErrorStatus(err error) int {
	switch {
	case errors.Is(err, ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrSelfCall), errors.Is(err, signal.ErrMissingFields):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFriends):
		return http.StatusForbidden
	case errors.Is(err, ErrCallConflict), errors.Is(err, ErrBadTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
