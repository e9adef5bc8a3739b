package api

import (
	"github.com/gin-gonic/gin"

	"github.com/sessiondeck/sessiondeck/autoswitch"
)

// GetAutoSwitchSettings returns the current auto-switch configuration
func (h *Handlers) GetAutoSwitchSettings(c *gin.Context) {
	RespondData(c, h.switcher.Settings())
}

// UpdateAutoSwitchSettings replaces the auto-switch configuration
func (h *Handlers) UpdateAutoSwitchSettings(c *gin.Context) {
	var settings autoswitch.Settings
	if err := c.ShouldBindJSON(&settings); err != nil {
		RespondBadRequest(c, "invalid settings body")
		return
	}
	if settings.SessionThreshold <= 0 || settings.SessionThreshold > 100 ||
		settings.WeeklyThreshold <= 0 || settings.WeeklyThreshold > 100 {
		RespondValidationError(c, "thresholds must be between 1 and 100", nil)
		return
	}
	if settings.PollIntervalMs < 0 {
		RespondValidationError(c, "pollIntervalMs must not be negative", nil)
		return
	}
	if err := h.switcher.UpdateSettings(settings); err != nil {
		RespondInternalError(c, "failed to save settings")
		return
	}
	h.usage.SetInterval(settings.PollIntervalMs)
	RespondData(c, settings)
}
