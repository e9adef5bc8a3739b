package api

import (
	"github.com/gin-gonic/gin"
)

// GetUsage returns the cached usage snapshot per profile
func (h *Handlers) GetUsage(c *gin.Context) {
	snapshots := h.usage.All()
	out := make(map[string]interface{}, len(snapshots))
	for profileID, snap := range snapshots {
		entry := map[string]interface{}{
			"sessionPercent": snap.SessionPercent,
			"weeklyPercent":  snap.WeeklyPercent,
			"fetchedAt":      snap.FetchedAt,
		}
		if !snap.SessionResetAt.IsZero() {
			entry["sessionResetAt"] = snap.SessionResetAt
		}
		if !snap.WeeklyResetAt.IsZero() {
			entry["weeklyResetAt"] = snap.WeeklyResetAt
		}
		if msg, ok := h.usage.LastError(profileID); ok {
			entry["lastError"] = msg
		}
		out[profileID] = entry
	}
	RespondData(c, out)
}

// RefreshUsage polls all authenticated profiles immediately
func (h *Handlers) RefreshUsage(c *gin.Context) {
	h.usage.RefreshNow(c.Request.Context())
	RespondNoContent(c)
}
