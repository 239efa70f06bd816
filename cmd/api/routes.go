package main

import (
	"database/sql"

	"voicebridge/internal/config"
	"voicebridge/internal/httpapi"
	"voicebridge/internal/relay"
	"voicebridge/internal/sessions"
	"voicebridge/internal/telephony"

	"github.com/gin-gonic/gin"
)

type routeDeps struct {
	Config   config.Config
	Sessions *sessions.Store
	DB       *sql.DB
	Relay    *relay.Server
	// AuthMW guards the per-session routes. Nil leaves them open.
	AuthMW gin.HandlerFunc
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	api := httpapi.Handlers{Sessions: d.Sessions, DB: d.DB}

	// public
	r.GET("/healthz", api.Healthz)

	// Provider webhook (public).
	// NOTE: This endpoint should be protected by Twilio signature validation in production.
	setup := telephony.CallSetupHandler{
		PublicBaseURL: d.Config.Voice.PublicBaseURL,
		StreamPath:    telephony.DefaultStreamPath,
		Sessions:      d.Sessions,
	}
	r.GET("/voice/twiml", setup.Handle)
	r.POST("/voice/twiml", setup.Handle)

	// The stream path serves both the Twilio websocket and the status view.
	r.GET(telephony.DefaultStreamPath, func(c *gin.Context) {
		if relay.IsUpgrade(c.Request) {
			d.Relay.ServeWS(c.Writer, c.Request)
			return
		}
		api.StreamStatus(c)
	})

	sess := r.Group("/voice/sessions")
	if d.AuthMW != nil {
		sess.Use(d.AuthMW)
	}
	{
		sess.GET("/:callId", api.GetSession)
		sess.GET("/:callId/transcript", api.GetTranscript)
	}
}
