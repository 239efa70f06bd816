package httpapi

import (
	"database/sql"
	"errors"
	"net/http"
	"time"

	"voicebridge/internal/auth"
	"voicebridge/internal/calls"
	"voicebridge/internal/sessions"
	"voicebridge/pkg/logger"
	"voicebridge/pkg/utils"

	"github.com/gin-gonic/gin"
)

// Handlers groups the read-only query handlers over the session store.
// Keep these thin: read the store, shape JSON, never mutate.
type Handlers struct {
	Sessions *sessions.Store
	// DB is the archive database, if any. Healthz reports its reachability.
	DB *sql.DB
}

type sessionSummary struct {
	CallID            string           `json:"callId"`
	StreamID          string           `json:"streamId,omitempty"`
	Status            calls.Status     `json:"status"`
	StartedAt         *time.Time       `json:"startedAt,omitempty"`
	EndedAt           *time.Time       `json:"endedAt,omitempty"`
	Error             string           `json:"error,omitempty"`
	TranscriptEntries int              `json:"transcriptEntries"`
	Audio             calls.AudioStats `json:"audio"`
}

type streamStatus struct {
	ActiveSessions int              `json:"activeSessions"`
	Sessions       []sessionSummary `json:"sessions"`
}

func summarize(s calls.CallSession) sessionSummary {
	return sessionSummary{
		CallID:            s.CallID,
		StreamID:          s.StreamID,
		Status:            s.Status,
		StartedAt:         s.StartedAt,
		EndedAt:           s.EndedAt,
		Error:             s.Error,
		TranscriptEntries: len(s.Transcript),
		Audio:             s.Audio,
	}
}

// StreamStatus is the diagnostics view served on a plain GET of the stream path.
func (h Handlers) StreamStatus(c *gin.Context) {
	if h.Sessions == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "session store not configured"})
		return
	}
	all := h.Sessions.List()
	out := streamStatus{Sessions: make([]sessionSummary, 0, len(all))}
	for _, s := range all {
		if s.Status == calls.StatusActive {
			out.ActiveSessions++
		}
		out.Sessions = append(out.Sessions, summarize(s))
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) GetSession(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h Handlers) GetTranscript(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"callId":         s.CallID,
		"status":         s.Status,
		"transcript":     s.Transcript,
		"extractedFacts": s.ExtractedFacts,
	})
}

// lookup resolves :callId and writes the error response itself on failure.
// Calls the identity may not read are reported as missing.
func (h Handlers) lookup(c *gin.Context) (calls.CallSession, bool) {
	if h.Sessions == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "session store not configured"})
		return calls.CallSession{}, false
	}
	callID := c.Param("callId")
	if callID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "callId required"})
		return calls.CallSession{}, false
	}
	s, err := h.Sessions.Get(callID)
	if errors.Is(err, sessions.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return calls.CallSession{}, false
	}
	if err != nil {
		logger.FromGin(c).Error("session lookup failed", "call_id", callID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "session lookup failed"})
		return calls.CallSession{}, false
	}
	if !auth.CanReadCall(c.Request.Context(), s.Context["callerUserId"]) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return calls.CallSession{}, false
	}
	return s, true
}

const healthPingTimeout = 2 * time.Second

// Healthz reports liveness plus the archive database when one is configured.
// A down archive degrades the service but does not stop calls.
func (h Handlers) Healthz(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if h.Sessions != nil {
		body["activeSessions"] = h.Sessions.CountByStatus(calls.StatusActive)
	}
	if h.DB != nil {
		if err := utils.HealthCheck(c.Request.Context(), h.DB, healthPingTimeout); err != nil {
			logger.FromGin(c).Warn("health: archive database unreachable", "err", err)
			body["status"] = "degraded"
			body["archive"] = "unreachable"
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
		body["archive"] = "ok"
	}
	c.JSON(http.StatusOK, body)
}
