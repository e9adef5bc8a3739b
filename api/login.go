package api

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/sessiondeck/sessiondeck/auth"
)

// ListLoginAttempts returns all login attempts, live and finished
func (h *Handlers) ListLoginAttempts(c *gin.Context) {
	attempts := h.auth.List()
	out := make([]map[string]interface{}, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, a.ToJSON())
	}
	RespondList(c, out, nil)
}

// BeginLoginRequest is the body for POST /api/login
type BeginLoginRequest struct {
	ProfileID string `json:"profileId" binding:"required"`
}

// BeginLogin starts an embedded login flow for a profile
func (h *Handlers) BeginLogin(c *gin.Context) {
	var req BeginLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondBadRequest(c, "profileId is required")
		return
	}
	p, err := h.profiles.Get(req.ProfileID)
	if err != nil {
		RespondNotFound(c, "profile not found")
		return
	}
	attempt, err := h.auth.Begin(p.ID, p.CredentialDir)
	if err != nil {
		if errors.Is(err, auth.ErrAttemptInProgress) {
			RespondConflict(c, err.Error())
			return
		}
		RespondInternalError(c, "failed to start login")
		return
	}
	RespondCreated(c, attempt.ToJSON(), "/api/login/"+attempt.ID)
}

// GetLoginAttempt returns one attempt's state
func (h *Handlers) GetLoginAttempt(c *gin.Context) {
	attempt, err := h.auth.Get(c.Param("id"))
	if err != nil {
		RespondNotFound(c, "login attempt not found")
		return
	}
	RespondData(c, attempt.ToJSON())
}

// CloseLoginAttempt disposes an attempt and its login session
func (h *Handlers) CloseLoginAttempt(c *gin.Context) {
	if err := h.auth.Close(c.Param("id")); err != nil {
		RespondNotFound(c, "login attempt not found")
		return
	}
	RespondNoContent(c)
}
