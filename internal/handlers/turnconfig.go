package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// GetICEConfig hands clients the ICE server list for media sessions.
// The TURN server is UDP-only, so only turn: (not turns:) URLs are
// returned; media is still encrypted by DTLS-SRTP.
func (h *Handlers) GetICEConfig(c *gin.Context) {
	host := c.Request.Host
	if idx := strings.Index(host, ":"); idx != -1 {
		host = host[:idx]
	}

	creds := h.turnServer.GetCredentials()
	turnURL := fmt.Sprintf("turn:%s:%d", host, h.cfg.TURNPort)
	stunURL := fmt.Sprintf("stun:%s:%d", host, h.cfg.TURNPort)

	c.JSON(http.StatusOK, gin.H{
		"iceServers": []map[string]any{
			{"urls": stunURL},
			{
				"urls":       turnURL,
				"username":   creds.Username,
				"credential": creds.Password,
			},
		},
	})
}
