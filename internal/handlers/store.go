package handlers

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/echochat/echochat/internal/models"
	"github.com/echochat/echochat/internal/signal"
)

var (
	ErrCallNotFound  = errors.New("call not found")
	ErrCallConflict  = errors.New("active call already exists between these users")
	ErrBadTransition = errors.New("call is not in an acceptable status")
	ErrRecipientOff  = errors.New("recipient not connected")
	ErrNotFriends    = errors.New("users are not friends")
	ErrSelfCall      = errors.New("cannot call yourself")
	ErrUserNotFound  = errors.New("user not found")
)

// CallStore persists CallRecords. Records are append-only history:
// status transitions mutate them, nothing deletes them.
type CallStore struct {
	db *gorm.DB
}

func NewCallStore(db *gorm.DB) *CallStore {
	return &CallStore{db: db}
}

func (s *CallStore) Create(callerID, recipientID string, kind signal.CallKind, roomName, sessionID string) (*models.CallRecord, error) {
	record := &models.CallRecord{
		CallerID:    callerID,
		RecipientID: recipientID,
		CallType:    string(kind),
		Status:      models.CallInitiated,
		RoomName:    roomName,
		SessionID:   sessionID,
	}
	if err := s.db.Create(record).Error; err != nil {
		return nil, fmt.Errorf("create call record: %w", err)
	}
	return record, nil
}

func (s *CallStore) GetByID(id string) (*models.CallRecord, error) {
	var record models.CallRecord
	if err := s.db.First(&record, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCallNotFound
		}
		return nil, fmt.Errorf("load call record: %w", err)
	}
	return &record, nil
}

// SetStatus transitions the record to status after checking the move is
// legal for its current status. Start/end timestamps are stamped on the
// connected and terminal transitions.
func (s *CallStore) SetStatus(id string, status models.CallStatus, now time.Time) (*models.CallRecord, error) {
	record, err := s.GetByID(id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(record.Status, status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrBadTransition, record.Status, status)
	}

	record.Status = status
	record.UpdatedAt = now
	switch {
	case status == models.CallConnected:
		record.StartedAt = &now
	case status.Terminal():
		record.EndedAt = &now
	}
	if err := s.db.Save(record).Error; err != nil {
		return nil, fmt.Errorf("update call record: %w", err)
	}
	return record, nil
}

// ActiveBetween returns the newest initiated/ringing call between the
// ordered caller/recipient pair of the given kind created at or after
// since. Used to enforce the collision window.
func (s *CallStore) ActiveBetween(callerID, recipientID string, kind signal.CallKind, since time.Time) (*models.CallRecord, error) {
	var record models.CallRecord
	err := s.db.
		Where("caller_id = ? AND recipient_id = ? AND call_type = ? AND status IN ? AND created_at >= ?",
			callerID, recipientID, string(kind), []models.CallStatus{models.CallInitiated, models.CallRinging}, since).
		Order("created_at DESC").
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("query active call: %w", err)
	}
	return &record, nil
}

// ExpireStaleBetween marks initiated/ringing calls between the pair that
// predate the recency window as failed. Self-healing against orphaned
// records from crashed clients; runs as a side effect of a new start.
func (s *CallStore) ExpireStaleBetween(callerID, recipientID string, before, now time.Time) (int64, error) {
	res := s.db.Model(&models.CallRecord{}).
		Where("caller_id = ? AND recipient_id = ? AND status IN ? AND created_at < ?",
			callerID, recipientID, []models.CallStatus{models.CallInitiated, models.CallRinging}, before).
		Updates(map[string]any{"status": models.CallFailed, "updated_at": now, "ended_at": now})
	if res.Error != nil {
		return 0, fmt.Errorf("expire stale calls: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ExpireStale is the sweep variant over all pairs. A call stuck in a
// non-terminal status past the window resolves to failed instead of
// sitting as an orphan forever.
func (s *CallStore) ExpireStale(before, now time.Time) (int64, error) {
	res := s.db.Model(&models.CallRecord{}).
		Where("status IN ? AND created_at < ?",
			[]models.CallStatus{models.CallInitiated, models.CallRinging}, before).
		Updates(map[string]any{"status": models.CallFailed, "updated_at": now, "ended_at": now})
	if res.Error != nil {
		return 0, fmt.Errorf("sweep stale calls: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// History lists call records involving userID, newest first.
func (s *CallStore) History(userID string, limit int) ([]models.CallRecord, error) {
	var records []models.CallRecord
	q := s.db.
		Where("caller_id = ? OR recipient_id = ?", userID, userID).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list call history: %w", err)
	}
	return records, nil
}
