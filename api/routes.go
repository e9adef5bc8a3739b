package api

import (
	"github.com/gin-gonic/gin"
)

// SetupRoutes configures all API routes
func SetupRoutes(r *gin.Engine, h *Handlers) {
	api := r.Group("/api")

	// Session routes
	api.GET("/sessions", h.ListSessions)
	api.POST("/sessions", h.CreateSession)
	api.GET("/sessions/:id", h.GetSession)
	api.PATCH("/sessions/:id", h.UpdateSession)
	api.DELETE("/sessions/:id", h.DestroySession)
	api.POST("/sessions/:id/input", h.WriteSession)
	api.POST("/sessions/:id/resize", h.ResizeSession)
	api.GET("/sessions/:id/stream", h.SessionStream)
	api.POST("/sessions/restore", h.RestoreSessions)
	api.POST("/sessions/snapshot", h.SnapshotSessions)

	// Profile routes
	api.GET("/profiles", h.ListProfiles)
	api.POST("/profiles", h.CreateProfile)
	api.GET("/profiles/:id", h.GetProfile)
	api.PUT("/profiles/:id", h.RenameProfile)
	api.DELETE("/profiles/:id", h.DeleteProfile)
	api.POST("/profiles/:id/activate", h.ActivateProfile)
	api.PUT("/profiles/:id/token", h.SetProfileToken)

	// Login attempt routes
	api.GET("/login", h.ListLoginAttempts)
	api.POST("/login", h.BeginLogin)
	api.GET("/login/:id", h.GetLoginAttempt)
	api.DELETE("/login/:id", h.CloseLoginAttempt)

	// Usage routes
	api.GET("/usage", h.GetUsage)
	api.POST("/usage/refresh", h.RefreshUsage)

	// Auto-switch settings
	api.GET("/autoswitch", h.GetAutoSwitchSettings)
	api.PUT("/autoswitch", h.UpdateAutoSwitchSettings)

	// Server settings
	api.GET("/settings", h.GetSettings)
	api.PUT("/settings", h.UpdateSettings)

	// Event stream (WebSocket)
	api.GET("/events", h.EventStream)

	// Health
	api.GET("/health", h.Health)
}
