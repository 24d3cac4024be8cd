package handlers

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// roomTokenTTL bounds how long a media-session credential stays usable.
const roomTokenTTL = 2 * time.Hour

// roomToken mints a media-session credential binding userID to roomName.
// The media layer verifies it before letting a peer join the room.
func (h *Handlers) roomToken(roomName, userID string, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub":  userID,
		"room": roomName,
		"iat":  now.Unix(),
		"exp":  now.Add(roomTokenTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(h.cfg.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("sign room token: %w", err)
	}
	return signed, nil
}
