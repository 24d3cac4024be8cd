package handlers

import (
	"fmt"

	"github.com/echochat/echochat/internal/models"
	"github.com/echochat/echochat/internal/signal"
)

// callTransitions lists the legal server-side status moves. initiated
// and ringing may resolve to any terminal alternate; connected only
// completes or fails.
var callTransitions = map[models.CallStatus][]models.CallStatus{
	models.CallInitiated: {models.CallRinging, models.CallConnected, models.CallRejected, models.CallMissed, models.CallFailed},
	models.CallRinging:   {models.CallConnected, models.CallRejected, models.CallMissed, models.CallFailed},
	models.CallConnected: {models.CallCompleted, models.CallFailed},
}

// CanTransition reports whether a CallRecord may move from to. Terminal
// statuses accept nothing.
func CanTransition(from, to models.CallStatus) bool {
	for _, s := range callTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CallStartInput is everything the admission decision needs, gathered
// by the caller. Validation itself performs no I/O.
type CallStartInput struct {
	Caller     *models.User
	Recipient  *models.User
	Kind       signal.CallKind
	Friendship *models.Friendship // accepted friendship between the two, if any
	ActiveCall *models.CallRecord // initiated/ringing call inside the collision window, if any
}

// ValidateCallStart applies the call admission rules: both users exist,
// are distinct, are friends, and have no active call between them.
func ValidateCallStart(in CallStartInput) error {
	if in.Caller == nil || in.Recipient == nil {
		return ErrUserNotFound
	}
	if in.Caller.ID == in.Recipient.ID {
		return ErrSelfCall
	}
	if in.Kind != signal.CallVoice && in.Kind != signal.CallVideo {
		return fmt.Errorf("%w: call_type", signal.ErrMissingFields)
	}
	if in.Friendship == nil || in.Friendship.Status != models.FriendshipAccepted {
		return ErrNotFriends
	}
	if in.ActiveCall != nil {
		return ErrCallConflict
	}
	return nil
}

// relayTarget names the counterpart a call event is relayed to.
func relayTarget(record *models.CallRecord, fromUserID string) string {
	if fromUserID == record.CallerID {
		return record.RecipientID
	}
	return record.CallerID
}

// participates reports whether userID is a party to the call.
func participates(record *models.CallRecord, userID string) bool {
	return userID == record.CallerID || userID == record.RecipientID
}
