package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"voicebridge/internal/bridge"
	"voicebridge/internal/calls"
	"voicebridge/internal/sessions"
	"voicebridge/internal/telephony"
	"voicebridge/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// BridgeStarter opens the realtime side of one call.
type BridgeStarter interface {
	Start(ctx context.Context, callID string, callCtx map[string]string) (*bridge.Bridge, error)
}

// Archiver receives every session once it has ended.
type Archiver interface {
	Archive(ctx context.Context, s calls.CallSession) error
}

// Server terminates Twilio Media Streams connections. Each connection runs
// one call's state machine on the handler goroutine; a second goroutine
// pumps bridge output back to Twilio and is the only writer on the socket.
type Server struct {
	Store   *sessions.Store
	Bridges BridgeStarter

	// Optional.
	Limiter *CallLimiter
	Tracker *Tracker
	Archive Archiver

	// ShutdownTimeout bounds the bridge drain after stop.
	ShutdownTimeout time.Duration
	// IdleTimeout ends a connection that sends nothing for this long.
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
	ReadLimit    int64

	Upgrader websocket.Upgrader
}

const (
	defaultShutdownTimeout = 3 * time.Second
	defaultIdleTimeout     = 30 * time.Second
	defaultWriteTimeout    = 5 * time.Second
	defaultReadLimit       = 64 << 10
	archiveTimeout         = 5 * time.Second
)

// IsUpgrade reports whether r asks for a websocket.
func IsUpgrade(r *http.Request) bool { return websocket.IsWebSocketUpgrade(r) }

// ServeWS upgrades the request and runs the call until either side ends it.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.From(r.Context()).Warn("relay: upgrade failed", "err", err)
		return
	}
	defer ws.Close()

	limit := s.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	ws.SetReadLimit(limit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &call{
		srv:      s,
		ws:       ws,
		ctx:      ctx,
		cancel:   cancel,
		log:      logger.From(ctx),
		pumpDone: make(chan struct{}),
	}

	unregister := s.Tracker.Register(uuid.NewString(), Handle{
		Cancel: func() { c.abort("server shutting down", stateErrored) },
	})
	defer unregister()

	c.run()
}

func (s *Server) shutdownTimeout() time.Duration {
	if s.ShutdownTimeout > 0 {
		return s.ShutdownTimeout
	}
	return defaultShutdownTimeout
}

func (s *Server) idleTimeout() time.Duration {
	if s.IdleTimeout > 0 {
		return s.IdleTimeout
	}
	return defaultIdleTimeout
}

func (s *Server) writeTimeout() time.Duration {
	if s.WriteTimeout > 0 {
		return s.WriteTimeout
	}
	return defaultWriteTimeout
}

type state int

const (
	stateAwaitingStart state = iota
	stateStreaming
	stateClosing
	stateClosed
	stateErrored
)

func (s state) String() string {
	switch s {
	case stateAwaitingStart:
		return "AWAITING_START"
	case stateStreaming:
		return "STREAMING"
	case stateClosing:
		return "CLOSING"
	case stateClosed:
		return "CLOSED"
	case stateErrored:
		return "ERRORED"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s state) done() bool { return s == stateClosed || s == stateErrored }

type call struct {
	srv    *Server
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger

	// Set once in onStart, read-only afterwards.
	callID   string
	streamID string
	bridge   *bridge.Bridge
	release  func()
	pumpDone chan struct{}
	pumping  bool

	mu          sync.Mutex
	state       state
	abortReason string
	abortState  state
}

func (c *call) getState() state {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *call) setState(s state) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// abort records why the call must end, cancels the call context so a dial
// in progress returns, and closes the socket, which wakes the read loop to
// run the cleanup. The first reason wins.
func (c *call) abort(reason string, terminal state) {
	c.mu.Lock()
	if c.abortReason == "" && !c.state.done() {
		c.abortReason = reason
		c.abortState = terminal
	}
	c.mu.Unlock()
	c.cancel()
	_ = c.ws.Close()
}

func (c *call) aborted() (string, state, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.abortReason, c.abortState, c.abortReason != ""
}

// run is the read loop. Every transition into CLOSED or ERRORED happens here.
func (c *call) run() {
	idle := c.srv.idleTimeout()
	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(idle))
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.onDisconnect(err)
			return
		}

		msg, err := telephony.DecodeInbound(data)
		if err != nil {
			c.log.Warn("relay: ignoring malformed event", "err", err, "state", c.getState().String())
			continue
		}

		switch msg.Event {
		case telephony.EventConnected:
			c.log.Debug("relay: stream connected")
		case telephony.EventStart:
			c.onStart(msg)
		case telephony.EventMedia:
			c.onMedia(msg)
		case telephony.EventStop:
			c.onStop()
		case telephony.EventMark:
			c.log.Debug("relay: mark received")
		default:
			c.log.Debug("relay: ignoring event", "event", msg.Event)
		}

		if c.getState().done() {
			return
		}
	}
}

func (c *call) onStart(msg telephony.InboundMessage) {
	if st := c.getState(); st != stateAwaitingStart {
		c.log.Warn("relay: ignoring start", "state", st.String())
		return
	}

	c.callID = msg.Start.CallSid
	c.streamID = msg.Start.StreamSid
	callCtx := telephony.DecodeParameters(msg.Start.CustomParameters)

	c.ctx = logger.ForCall(c.ctx, c.callID, c.streamID)
	c.log = logger.From(c.ctx)

	if _, err := c.srv.Store.Begin(c.callID, calls.Patch{
		StreamID: calls.StringPtr(c.streamID),
		Status:   calls.StatusPtr(calls.StatusConnecting),
		Context:  callCtx,
	}); err != nil {
		// The session belongs to another live stream; leave it alone.
		c.log.Warn("relay: duplicate stream for live call", "err", err)
		c.callID = ""
		c.finish(calls.StatusFailed, err.Error(), stateErrored)
		return
	}

	release, err := c.srv.Limiter.Acquire(c.ctx)
	if err != nil {
		reason := err.Error()
		if errors.Is(err, ErrCapacity) {
			reason = "capacity"
		}
		c.log.Warn("relay: call rejected", "err", err)
		c.finishStart(reason)
		return
	}
	c.release = release

	b, err := c.srv.Bridges.Start(c.ctx, c.callID, callCtx)
	if err != nil {
		c.log.Error("relay: bridge start failed", "err", err)
		c.finishStart(err.Error())
		return
	}
	c.bridge = b

	c.setState(stateStreaming)
	c.srv.Store.Upsert(c.callID, calls.Patch{
		Status:    calls.StatusPtr(calls.StatusActive),
		StartedAt: calls.TimePtr(time.Now().UTC()),
	})
	c.log.Info("relay: call streaming", "context_keys", len(callCtx))

	c.pumping = true
	go c.pump(b)
}

// finishStart ends a call that never reached STREAMING. A pending abort
// explains the failure better than the error it caused.
func (c *call) finishStart(reason string) {
	if r, terminal, ok := c.aborted(); ok {
		c.finish(calls.StatusFailed, r, terminal)
		return
	}
	c.finish(calls.StatusFailed, reason, stateErrored)
}

func (c *call) onMedia(msg telephony.InboundMessage) {
	if c.getState() != stateStreaming {
		return
	}
	if t := msg.Media.Track; t != "" && t != "inbound" {
		return
	}
	audio, err := msg.Media.Audio()
	if err != nil {
		c.log.Warn("relay: ignoring media frame", "err", err)
		return
	}
	if err := c.bridge.SendAudio(audio); err != nil && !errors.Is(err, bridge.ErrClosed) {
		c.log.Warn("relay: bridge rejected audio", "err", err)
	}
}

func (c *call) onStop() {
	if c.getState() != stateStreaming {
		return
	}
	c.finish(calls.StatusCompleted, "", stateClosed)
}

func (c *call) onDisconnect(err error) {
	if reason, terminal, ok := c.aborted(); ok {
		c.finish(calls.StatusFailed, reason, terminal)
		return
	}
	switch c.getState() {
	case stateStreaming:
		c.log.Warn("relay: telephony disconnected mid-call", "err", err)
		c.finish(calls.StatusFailed, "telephony disconnected", stateClosed)
	case stateAwaitingStart:
		c.log.Debug("relay: connection closed before start", "err", err)
		c.setState(stateClosed)
	}
}

// finish runs CLOSING and lands in terminal. A second call is a no-op.
func (c *call) finish(status calls.Status, reason string, terminal state) {
	c.mu.Lock()
	if c.state.done() || c.state == stateClosing {
		c.mu.Unlock()
		return
	}
	if c.callID == "" {
		c.state = terminal
		c.mu.Unlock()
		return
	}
	c.state = stateClosing
	c.mu.Unlock()

	if b := c.bridge; b != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), c.srv.shutdownTimeout())
		closeErr := b.Close(ctx)
		cancel()

		if status == calls.StatusCompleted {
			if closeErr != nil {
				status, reason = calls.StatusFailed, "bridge drain timed out"
			} else if err := b.Err(); err != nil {
				status, reason = calls.StatusFailed, err.Error()
			}
		}
		c.waitPump()
		c.srv.Store.AddAudioStats(c.callID, b.Stats())
	}
	if c.release != nil {
		c.release()
	}

	var patch calls.Patch
	if status == calls.StatusFailed {
		if reason == "" {
			reason = "call failed"
		}
		patch.Error = calls.StringPtr(reason)
	}
	final := c.srv.Store.End(c.callID, status, patch)

	c.setState(terminal)
	c.cancel()
	c.log.Info("relay: call ended",
		"status", final.Status,
		"state", terminal.String(),
		"error", final.Error,
		"transcript_entries", len(final.Transcript),
		"windows_dropped", final.Audio.WindowsDropped,
	)

	c.archive(final)
}

func (c *call) waitPump() {
	if !c.pumping {
		return
	}
	select {
	case <-c.pumpDone:
	case <-time.After(c.srv.writeTimeout()):
		c.log.Warn("relay: pump did not stop in time")
	}
}

func (c *call) archive(s calls.CallSession) {
	if c.srv.Archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), archiveTimeout)
	defer cancel()
	if err := c.srv.Archive.Archive(ctx, s); err != nil {
		c.log.Error("relay: archive failed", "err", err)
	}
}

// pump forwards bridge output to Twilio. It ends when the bridge stops; an
// upstream error or a failed write aborts the call.
func (c *call) pump(b *bridge.Bridge) {
	defer close(c.pumpDone)

	for ev := range b.Events() {
		var msg telephony.OutboundMessage
		switch ev.Kind {
		case bridge.EventAudio:
			msg = telephony.NewMediaMessage(c.streamID, ev.Audio)
		case bridge.EventClear:
			msg = telephony.NewClearMessage(c.streamID)
		case bridge.EventTranscript:
			c.log.Debug("relay: transcript", "speaker", ev.Entry.Speaker, "chars", len(ev.Entry.Text))
			continue
		default:
			continue
		}
		if err := c.write(msg); err != nil {
			if c.getState() == stateStreaming {
				c.abort(fmt.Sprintf("telephony write failed: %v", err), stateErrored)
			}
			return
		}
	}

	<-b.Done()
	if err := b.Err(); err != nil && c.getState() == stateStreaming {
		c.log.Warn("relay: upstream ended mid-call", "err", err)
		c.abort(fmt.Sprintf("upstream disconnected: %v", err), stateClosed)
	}
}

func (c *call) write(msg telephony.OutboundMessage) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.srv.writeTimeout())); err != nil {
		return err
	}
	return c.ws.WriteJSON(msg)
}
