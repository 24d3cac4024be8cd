package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/echochat/echochat/internal/models"
)

type FriendRequestBody struct {
	Username string `json:"username" binding:"required"`
}

type FriendRespondBody struct {
	Accept bool `json:"accept"`
}

// FriendEntry is a friendship joined with the counterpart's identity
// and last-known presence.
type FriendEntry struct {
	UserID   string                  `json:"user_id"`
	Username string                  `json:"username"`
	Status   models.FriendshipStatus `json:"status"`
	Incoming bool                    `json:"incoming"`
	Online   bool                    `json:"online"`
	LastSeen int64                   `json:"last_seen,omitempty"`
}

// RequestFriend creates a pending friendship toward the named user.
func (h *Handlers) RequestFriend(c *gin.Context) {
	userID := c.GetString("user_id")

	var req FriendRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var addressee models.User
	if err := h.db.Where("username = ?", req.Username).First(&addressee).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": ErrUserNotFound.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
		return
	}
	if addressee.ID == userID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot friend yourself"})
		return
	}

	var existing models.Friendship
	err := h.db.
		Where("(requester_id = ? AND addressee_id = ?) OR (requester_id = ? AND addressee_id = ?)",
			userID, addressee.ID, addressee.ID, userID).
		First(&existing).Error
	if err == nil && existing.Status != models.FriendshipRejected {
		c.JSON(http.StatusConflict, gin.H{"error": "friendship already exists"})
		return
	}

	friendship := models.Friendship{
		RequesterID: userID,
		AddresseeID: addressee.ID,
		Status:      models.FriendshipPending,
	}
	if err == nil {
		// A rejected request can be retried; reuse the row.
		friendship.ID = existing.ID
		friendship.RequesterID = userID
		friendship.AddresseeID = addressee.ID
		friendship.CreatedAt = existing.CreatedAt
		if err := h.db.Save(&friendship).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save request"})
			return
		}
	} else if err := h.db.Create(&friendship).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save request"})
		return
	}

	c.JSON(http.StatusCreated, friendship)
}

// RespondFriend accepts or rejects a pending request addressed to the
// current user.
func (h *Handlers) RespondFriend(c *gin.Context) {
	userID := c.GetString("user_id")

	var req FriendRespondBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var friendship models.Friendship
	if err := h.db.First(&friendship, "id = ?", c.Param("id")).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "friend request not found"})
		return
	}
	if friendship.AddresseeID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "not the addressee"})
		return
	}
	if friendship.Status != models.FriendshipPending {
		c.JSON(http.StatusConflict, gin.H{"error": "request already resolved"})
		return
	}

	friendship.Status = models.FriendshipRejected
	if req.Accept {
		friendship.Status = models.FriendshipAccepted
	}
	if err := h.db.Save(&friendship).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update request"})
		return
	}

	c.JSON(http.StatusOK, friendship)
}

// ListFriends returns every friendship involving the current user with
// the counterpart's presence attached.
func (h *Handlers) ListFriends(c *gin.Context) {
	userID := c.GetString("user_id")

	var friendships []models.Friendship
	if err := h.db.
		Where("requester_id = ? OR addressee_id = ?", userID, userID).
		Find(&friendships).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
		return
	}

	entries := make([]FriendEntry, 0, len(friendships))
	for _, f := range friendships {
		otherID := f.RequesterID
		incoming := true
		if f.RequesterID == userID {
			otherID = f.AddresseeID
			incoming = false
		}

		var other models.User
		if err := h.db.First(&other, "id = ?", otherID).Error; err != nil {
			continue
		}

		entry := FriendEntry{
			UserID:   other.ID,
			Username: other.Username,
			Status:   f.Status,
			Incoming: incoming,
		}
		if presence, ok := h.registry.StatusOf(other.ID); ok {
			entry.Online = presence.Online
			entry.LastSeen = presence.LastSeen.UnixMilli()
		}
		entries = append(entries, entry)
	}

	c.JSON(http.StatusOK, gin.H{"friends": entries})
}

// acceptedFriendship returns the accepted friendship between a and b in
// either direction, or nil.
func acceptedFriendship(db *gorm.DB, a, b string) *models.Friendship {
	var friendship models.Friendship
	err := db.
		Where("((requester_id = ? AND addressee_id = ?) OR (requester_id = ? AND addressee_id = ?)) AND status = ?",
			a, b, b, a, models.FriendshipAccepted).
		First(&friendship).Error
	if err != nil {
		return nil
	}
	return &friendship
}
