package api

import (
	"github.com/gin-gonic/gin"

	"github.com/sessiondeck/sessiondeck/db"
	"github.com/sessiondeck/sessiondeck/log"
)

const settingLogLevel = "log_level"

// ServerSettings is the mutable runtime configuration
type ServerSettings struct {
	LogLevel string `json:"logLevel"`
}

// GetSettings returns the runtime server settings
func (h *Handlers) GetSettings(c *gin.Context) {
	level, err := db.GetSetting(settingLogLevel)
	if err != nil {
		RespondInternalError(c, "failed to load settings")
		return
	}
	RespondData(c, ServerSettings{LogLevel: level})
}

// UpdateSettings persists settings and applies them live
func (h *Handlers) UpdateSettings(c *gin.Context) {
	var settings ServerSettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		RespondBadRequest(c, "invalid settings body")
		return
	}

	if err := db.SetSetting(settingLogLevel, settings.LogLevel); err != nil {
		RespondInternalError(c, "failed to save settings")
		return
	}
	log.SetLevel(settings.LogLevel)

	RespondData(c, settings)
}
