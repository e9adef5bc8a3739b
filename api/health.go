package api

import (
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/sessiondeck/sessiondeck/db"
)

var startedAt = time.Now()

// Health reports server liveness plus per-session agent process health
func (h *Handlers) Health(c *gin.Context) {
	dead := 0
	sessions := h.sessions.List()
	for _, s := range sessions {
		pid := s.PID()
		if pid <= 0 {
			continue
		}
		running, err := process.PidExists(int32(pid))
		if err != nil || !running {
			dead++
		}
	}

	dbOK := true
	if _, err := db.GetSetting("log_level"); err != nil {
		dbOK = false
	}

	status := "ok"
	if !dbOK {
		status = "degraded"
	}
	RespondData(c, gin.H{
		"status":        status,
		"pid":           os.Getpid(),
		"uptimeSeconds": int(time.Since(startedAt).Seconds()),
		"sessions":      len(sessions),
		"deadProcesses": dead,
		"database":      dbOK,
	})
}
