package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/coder/websocket"

	"github.com/sessiondeck/sessiondeck/log"
	"github.com/sessiondeck/sessiondeck/session"
)

// ListSessions returns all live sessions
func (h *Handlers) ListSessions(c *gin.Context) {
	sessions := h.sessions.List()
	out := make([]map[string]interface{}, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.ToJSON())
	}
	RespondList(c, out, nil)
}

// CreateSessionRequest is the body for POST /api/sessions
type CreateSessionRequest struct {
	ProjectScope string `json:"projectScope"`
	DisplayOrder int    `json:"displayOrder"`
	Cols         uint16 `json:"cols"`
	Rows         uint16 `json:"rows"`
}

// CreateSession spawns a new agent session under the active profile
func (h *Handlers) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondBadRequest(c, "invalid request body")
		return
	}

	var credentialDir string
	if active, err := h.profiles.Active(); err == nil && active != nil {
		credentialDir = active.CredentialDir
	}

	sess, err := h.sessions.Create(session.CreateOptions{
		ProjectScope:  req.ProjectScope,
		DisplayOrder:  req.DisplayOrder,
		Cols:          req.Cols,
		Rows:          req.Rows,
		CredentialDir: credentialDir,
	})
	if err != nil {
		if errors.Is(err, session.ErrTooManySessions) {
			RespondConflict(c, err.Error())
			return
		}
		var spawnErr *session.SpawnError
		if errors.As(err, &spawnErr) {
			RespondInternalError(c, spawnErr.Error())
			return
		}
		RespondInternalError(c, "failed to create session")
		return
	}
	RespondCreated(c, sess.ToJSON(), "/api/sessions/"+sess.ID)
}

// GetSession returns one session by id
func (h *Handlers) GetSession(c *gin.Context) {
	sess, err := h.sessions.Get(c.Param("id"))
	if err != nil {
		RespondNotFound(c, "session not found")
		return
	}
	RespondData(c, sess.ToJSON())
}

// UpdateSessionRequest is the body for PATCH /api/sessions/:id
type UpdateSessionRequest struct {
	DisplayOrder *int `json:"displayOrder" binding:"required"`
}

// UpdateSession changes a session's display order
func (h *Handlers) UpdateSession(c *gin.Context) {
	var req UpdateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondBadRequest(c, "displayOrder is required")
		return
	}
	if err := h.sessions.UpdateDisplayOrder(c.Param("id"), *req.DisplayOrder); err != nil {
		RespondNotFound(c, "session not found")
		return
	}
	RespondNoContent(c)
}

// DestroySession terminates a session
func (h *Handlers) DestroySession(c *gin.Context) {
	if err := h.sessions.Destroy(c.Param("id")); err != nil {
		RespondNotFound(c, "session not found")
		return
	}
	RespondNoContent(c)
}

// WriteSessionRequest is the body for POST /api/sessions/:id/input
type WriteSessionRequest struct {
	Data string `json:"data" binding:"required"`
}

// WriteSession forwards input bytes to the session's terminal
func (h *Handlers) WriteSession(c *gin.Context) {
	var req WriteSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondBadRequest(c, "data is required")
		return
	}
	if err := h.sessions.Write(c.Param("id"), []byte(req.Data)); err != nil {
		respondSessionError(c, err)
		return
	}
	RespondNoContent(c)
}

// ResizeSessionRequest is the body for POST /api/sessions/:id/resize
type ResizeSessionRequest struct {
	Cols uint16 `json:"cols" binding:"required"`
	Rows uint16 `json:"rows" binding:"required"`
}

// ResizeSession changes the session's terminal dimensions
func (h *Handlers) ResizeSession(c *gin.Context) {
	var req ResizeSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondBadRequest(c, "cols and rows are required")
		return
	}
	if err := h.sessions.Resize(c.Param("id"), req.Cols, req.Rows); err != nil {
		respondSessionError(c, err)
		return
	}
	RespondNoContent(c)
}

// RestoreSessionsRequest is the body for POST /api/sessions/restore
type RestoreSessionsRequest struct {
	Date string `json:"date" binding:"required"`
}

// RestoreSessions respawns the sessions persisted for a date
func (h *Handlers) RestoreSessions(c *gin.Context) {
	var req RestoreSessionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondBadRequest(c, "date is required (YYYY-MM-DD)")
		return
	}
	restored, err := h.persister.RestoreDate(req.Date)
	if err != nil {
		RespondInternalError(c, "failed to restore sessions")
		return
	}
	out := make([]map[string]interface{}, 0, len(restored))
	for _, s := range restored {
		out = append(out, s.ToJSON())
	}
	RespondList(c, out, nil)
}

// SnapshotSessions persists all live sessions immediately
func (h *Handlers) SnapshotSessions(c *gin.Context) {
	h.persister.SnapshotNow()
	RespondNoContent(c)
}

func respondSessionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		RespondNotFound(c, "session not found")
	case errors.Is(err, session.ErrSessionExited):
		RespondConflict(c, "session has exited")
	default:
		RespondInternalError(c, "session operation failed")
	}
}

// SessionStream streams terminal output over a WebSocket and forwards
// binary client messages back as terminal input
func (h *Handlers) SessionStream(c *gin.Context) {
	sessionID := c.Param("id")

	if _, err := h.sessions.Get(sessionID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	// Gin wraps the response writer; WebSocket needs the raw one for hijacking
	var w http.ResponseWriter = c.Writer
	if unwrapper, ok := c.Writer.(interface{ Unwrap() http.ResponseWriter }); ok {
		w = unwrapper.Unwrap()
	}

	conn, err := websocket.Accept(w, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
		CompressionMode:    websocket.CompressionContextTakeover,
	})
	if err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	log.MarkHijacked(c)
	c.Abort()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Subscribe replays the backlog into the channel before live chunks
	output, unsubscribe, err := h.sessions.Subscribe(sessionID)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "failed to subscribe")
		return
	}
	defer unsubscribe()

	sendDone := make(chan struct{})
	go func() {
		defer close(sendDone)
		for {
			select {
			case <-ctx.Done():
				return
			case data, ok := <-output:
				if !ok {
					conn.Close(websocket.StatusNormalClosure, "session ended")
					return
				}
				if err := conn.Write(ctx, websocket.MessageBinary, data); err != nil {
					if ctx.Err() == nil {
						log.Error().Err(err).Str("sessionId", sessionID).Msg("WebSocket write failed")
					}
					return
				}
			}
		}
	}()

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-pingTicker.C:
				if err := conn.Ping(ctx); err != nil {
					return
				}
			}
		}
	}()

	// WebSocket -> terminal
	for {
		msgType, msg, err := conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusGoingAway ||
				closeStatus == websocket.StatusNormalClosure ||
				closeStatus == websocket.StatusNoStatusRcvd {
				log.Debug().Str("sessionId", sessionID).Int("closeStatus", int(closeStatus)).Msg("Terminal WebSocket closed normally")
			} else {
				log.Info().Err(err).Str("sessionId", sessionID).Msg("Terminal WebSocket read error")
			}
			cancel()
			break
		}
		if msgType != websocket.MessageBinary {
			continue
		}
		if err := h.sessions.Write(sessionID, msg); err != nil {
			cancel()
			conn.Close(websocket.StatusInternalError, "terminal write error")
			break
		}
	}

	<-sendDone
}
