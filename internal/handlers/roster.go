package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"dm-service/internal/roster"
)

// RosterHandler serves the peer list.
type RosterHandler struct {
	profiles roster.Lister
}

// NewRosterHandler builds a RosterHandler.
func NewRosterHandler(profiles roster.Lister) *RosterHandler {
	return &RosterHandler{profiles: profiles}
}

// List returns every other user with presence, plus the online count.
func (h *RosterHandler) List(c *gin.Context) {
	entries, err := roster.Fetch(c.Request.Context(), h.profiles, c.GetString("userID"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load roster"})
		return
	}

	online := 0
	for _, e := range entries {
		if e.Online {
			online++
		}
	}
	c.JSON(http.StatusOK, gin.H{"roster": entries, "online_count": online})
}
