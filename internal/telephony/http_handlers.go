package telephony

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"voicebridge/internal/calls"
	"voicebridge/pkg/logger"

	"github.com/gin-gonic/gin"
)

var ErrNoStreamURL = errors.New("telephony: cannot determine stream url")

const DefaultStreamPath = "/voice/stream"

// SessionPrecreator is the session store surface used to register a call
// before its media stream connects.
type SessionPrecreator interface {
	Upsert(callID string, p calls.Patch) calls.CallSession
}

// CallSetupHandler answers the voice webhook with a <Connect><Stream> pointing
// Twilio at the relay. It always responds 200 with TwiML; any failure yields
// the spoken-apology document so the caller never hears silence.
type CallSetupHandler struct {
	// PublicBaseURL, when set, overrides the request host.
	PublicBaseURL string
	StreamPath    string

	// Sessions is optional. When set and the webhook carries CallSid, the
	// session is created as pending with its context.
	Sessions SessionPrecreator
}

func (h CallSetupHandler) Handle(c *gin.Context) {
	log := logger.FromGin(c)

	defer func() {
		if r := recover(); r != nil {
			log.Error("call setup panicked", "panic", fmt.Sprint(r))
			writeTwiML(c, RenderFallback())
		}
	}()

	setup, err := ParseCallSetup(c.Request)
	if err != nil {
		log.Warn("call setup metadata partially unreadable", "err", err)
	}

	streamURL, err := h.streamURL(c.Request)
	if err != nil {
		log.Error("call setup: stream url", "err", err)
		writeTwiML(c, RenderFallback())
		return
	}

	twiml, err := RenderConnectStream(streamURL, setup.Params())
	if err != nil {
		log.Error("twiml render failed", "err", err)
		writeTwiML(c, RenderFallback())
		return
	}

	if setup.CallSid != "" && h.Sessions != nil {
		h.Sessions.Upsert(setup.CallSid, calls.Patch{Context: setup.Context()})
	}

	log.Info("call setup issued", "call_id", setup.CallSid, "category", setup.Category)
	writeTwiML(c, twiml)
}

func (h CallSetupHandler) streamURL(r *http.Request) (string, error) {
	path := h.StreamPath
	if path == "" {
		path = DefaultStreamPath
	}

	if h.PublicBaseURL != "" {
		u, err := url.Parse(h.PublicBaseURL)
		if err != nil || u.Host == "" {
			return "", fmt.Errorf("%w: bad public base url %q", ErrNoStreamURL, h.PublicBaseURL)
		}
		scheme, ok := wsScheme(u.Scheme)
		if !ok {
			return "", fmt.Errorf("%w: unsupported scheme %q", ErrNoStreamURL, u.Scheme)
		}
		u.Scheme = scheme
		u.Path = strings.TrimRight(u.Path, "/") + path
		u.RawQuery = ""
		return u.String(), nil
	}

	host := firstHeaderValue(r.Header.Get("X-Forwarded-Host"))
	if host == "" {
		host = r.Host
	}
	if host == "" {
		return "", ErrNoStreamURL
	}

	proto := strings.ToLower(firstHeaderValue(r.Header.Get("X-Forwarded-Proto")))
	if proto == "" {
		proto = "http"
		if r.TLS != nil {
			proto = "https"
		}
	}
	scheme, ok := wsScheme(proto)
	if !ok {
		scheme = "wss"
	}
	return (&url.URL{Scheme: scheme, Host: host, Path: path}).String(), nil
}

func wsScheme(s string) (string, bool) {
	switch strings.ToLower(s) {
	case "https", "wss":
		return "wss", true
	case "http", "ws":
		return "ws", true
	default:
		return "", false
	}
}

func firstHeaderValue(v string) string {
	if i := strings.IndexByte(v, ','); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(v)
}

func writeTwiML(c *gin.Context, body string) {
	c.Header("Content-Type", "application/xml")
	c.String(http.StatusOK, body)
}
