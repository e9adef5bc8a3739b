package api

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/sessiondeck/sessiondeck/profile"
)

// profileJSON augments a profile with derived fields the UI needs
func (h *Handlers) profileJSON(p *profile.Profile, activeID string) map[string]interface{} {
	return map[string]interface{}{
		"id":            p.ID,
		"name":          p.Name,
		"email":         p.Email,
		"isDefault":     p.IsDefault,
		"isActive":      p.ID == activeID,
		"authenticated": h.profiles.IsAuthenticated(p),
		"createdAt":     p.CreatedAt,
	}
}

func (h *Handlers) activeProfileID() string {
	if active, err := h.profiles.Active(); err == nil && active != nil {
		return active.ID
	}
	return ""
}

// ListProfiles returns all profiles with active/authenticated flags
func (h *Handlers) ListProfiles(c *gin.Context) {
	profiles, err := h.profiles.List()
	if err != nil {
		RespondInternalError(c, "failed to list profiles")
		return
	}
	activeID := h.activeProfileID()
	out := make([]map[string]interface{}, 0, len(profiles))
	for i := range profiles {
		out = append(out, h.profileJSON(&profiles[i], activeID))
	}
	RespondList(c, out, nil)
}

// CreateProfileRequest is the body for POST /api/profiles
type CreateProfileRequest struct {
	Name string `json:"name" binding:"required"`
}

// CreateProfile creates a profile with a slug-derived id
func (h *Handlers) CreateProfile(c *gin.Context) {
	var req CreateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondBadRequest(c, "name is required")
		return
	}
	p, err := h.profiles.Save(profile.Profile{Name: req.Name})
	if err != nil {
		if errors.Is(err, profile.ErrInvalidName) {
			RespondValidationError(c, err.Error(), nil)
			return
		}
		RespondInternalError(c, "failed to create profile")
		return
	}
	RespondCreated(c, h.profileJSON(&p, h.activeProfileID()), "/api/profiles/"+p.ID)
}

// GetProfile returns one profile
func (h *Handlers) GetProfile(c *gin.Context) {
	p, err := h.profiles.Get(c.Param("id"))
	if err != nil {
		RespondNotFound(c, "profile not found")
		return
	}
	RespondData(c, h.profileJSON(p, h.activeProfileID()))
}

// RenameProfileRequest is the body for PUT /api/profiles/:id
type RenameProfileRequest struct {
	Name string `json:"name" binding:"required"`
}

// RenameProfile changes a profile's display name; the id never changes
func (h *Handlers) RenameProfile(c *gin.Context) {
	var req RenameProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondBadRequest(c, "name is required")
		return
	}
	if err := h.profiles.Rename(c.Param("id"), req.Name); err != nil {
		if errors.Is(err, profile.ErrProfileNotFound) {
			RespondNotFound(c, "profile not found")
			return
		}
		RespondInternalError(c, "failed to rename profile")
		return
	}
	RespondNoContent(c)
}

// DeleteProfile removes a profile. The default and active profiles are protected.
func (h *Handlers) DeleteProfile(c *gin.Context) {
	err := h.profiles.Delete(c.Param("id"))
	switch {
	case err == nil:
		RespondNoContent(c)
	case errors.Is(err, profile.ErrProfileNotFound):
		RespondNotFound(c, "profile not found")
	case errors.Is(err, profile.ErrDefaultProfile), errors.Is(err, profile.ErrProfileActive):
		RespondConflict(c, err.Error())
	default:
		RespondInternalError(c, "failed to delete profile")
	}
}

// ActivateProfile makes the profile the active one and signals running
// sessions to retry with it
func (h *Handlers) ActivateProfile(c *gin.Context) {
	id := c.Param("id")
	fromID := h.activeProfileID()
	if err := h.profiles.SetActive(id); err != nil {
		if errors.Is(err, profile.ErrProfileNotFound) {
			RespondNotFound(c, "profile not found")
			return
		}
		RespondInternalError(c, "failed to activate profile")
		return
	}
	if fromID != id {
		h.sessions.SignalProfileSwitch(fromID, id)
	}
	RespondNoContent(c)
}

// SetProfileTokenRequest is the body for PUT /api/profiles/:id/token
type SetProfileTokenRequest struct {
	Token string `json:"token" binding:"required"`
	Email string `json:"email"`
}

// SetProfileToken stores a manually supplied credential token
func (h *Handlers) SetProfileToken(c *gin.Context) {
	var req SetProfileTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondBadRequest(c, "token is required")
		return
	}
	err := h.profiles.SetToken(c.Param("id"), req.Token, req.Email)
	switch {
	case err == nil:
		RespondNoContent(c)
	case errors.Is(err, profile.ErrProfileNotFound):
		RespondNotFound(c, "profile not found")
	case errors.Is(err, profile.ErrEmptyToken):
		RespondValidationError(c, err.Error(), nil)
	default:
		RespondInternalError(c, "failed to store token")
	}
}
