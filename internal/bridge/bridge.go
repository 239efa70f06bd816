package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"voicebridge/internal/calls"
	"voicebridge/internal/realtime"
	"voicebridge/pkg/logger"

	"golang.org/x/sync/errgroup"
)

var (
	ErrClosed              = errors.New("bridge: closed")
	ErrUpstreamUnavailable = errors.New("bridge: upstream unavailable")
)

// G.711 mu-law at 8 kHz is one byte per sample.
const ulawBytesPerMs = 8

// Dialer opens one realtime session per call.
type Dialer interface {
	Dial(ctx context.Context) (realtime.Conn, error)
}

// Store is the slice of the session store the bridge writes to.
type Store interface {
	AppendTranscript(callID string, e calls.TranscriptEntry) calls.CallSession
	SetFactsOnce(callID string, f calls.ExtractedFacts) bool
}

type Config struct {
	// Window is the amount of audio time batched into one upstream append.
	Window time.Duration
	// QueueWindows bounds sealed windows waiting for the upstream writer.
	QueueWindows int

	DialTimeout time.Duration

	Voice string

	// GreetFirst asks the service to speak before the caller does.
	GreetFirst bool
}

// minWindow keeps a sealed window at least one Twilio frame long.
const minWindow = 20 * time.Millisecond

func (c Config) withDefaults() Config {
	switch {
	case c.Window <= 0:
		c.Window = 100 * time.Millisecond
	case c.Window < minWindow:
		c.Window = minWindow
	}
	if c.QueueWindows <= 0 {
		c.QueueWindows = 10
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	return c
}

type EventKind int

const (
	// EventAudio carries one chunk of synthesized mu-law audio.
	EventAudio EventKind = iota + 1
	// EventClear means the caller started talking over the assistant;
	// audio already queued towards the caller should be discarded.
	EventClear
	EventTranscript
)

type Event struct {
	Kind  EventKind
	Audio []byte
	Entry calls.TranscriptEntry
}

// Factory starts bridges sharing one dialer, store and config.
type Factory struct {
	Dialer Dialer
	Store  Store
	Config Config
}

func (f *Factory) Start(ctx context.Context, callID string, callCtx map[string]string) (*Bridge, error) {
	return Start(ctx, f.Dialer, f.Store, callID, callCtx, f.Config)
}

// Bridge owns the realtime connection for exactly one call.
//
// SendAudio never blocks on the network: frames are batched into windows of
// audio time and sealed windows wait in a bounded queue. When the queue is
// full the oldest window is dropped and counted.
type Bridge struct {
	callID string
	cfg    Config
	conn   realtime.Conn
	store  Store
	log    *slog.Logger

	windowBytes int

	mu      sync.Mutex
	pending []byte
	closed  bool

	queue chan []byte
	drain chan struct{}

	events     chan Event
	writerDone chan struct{}
	done       chan struct{}
	err        error
	cancel     context.CancelFunc

	closing   atomic.Bool
	factsSeen atomic.Bool

	framesIn       atomic.Int64
	windowsSent    atomic.Int64
	windowsDropped atomic.Int64
	chunksOut      atomic.Int64

	closeOnce sync.Once
	closeErr  error
}

// Start dials the realtime service, configures the session from the call
// context and starts the upstream writer and reader. Any failure before the
// session is configured wraps ErrUpstreamUnavailable.
func Start(ctx context.Context, d Dialer, store Store, callID string, callCtx map[string]string, cfg Config) (*Bridge, error) {
	cfg = cfg.withDefaults()
	log := logger.From(ctx)

	dialCtx, cancelDial := context.WithTimeout(ctx, cfg.DialTimeout)
	conn, err := d.Dial(dialCtx)
	cancelDial()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	if err := conn.UpdateSession(SessionConfig(callCtx, cfg.Voice)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: configure session: %v", ErrUpstreamUnavailable, err)
	}
	if cfg.GreetFirst {
		if err := conn.CreateResponse(); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: request greeting: %v", ErrUpstreamUnavailable, err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	b := &Bridge{
		callID:      callID,
		cfg:         cfg,
		conn:        conn,
		store:       store,
		log:         log,
		windowBytes: int(cfg.Window.Milliseconds()) * ulawBytesPerMs,
		queue:       make(chan []byte, cfg.QueueWindows),
		drain:       make(chan struct{}),
		events:      make(chan Event, 64),
		writerDone:  make(chan struct{}),
		done:        make(chan struct{}),
		cancel:      cancel,
	}

	g, gctx := errgroup.WithContext(runCtx)
	// Unblocks the reader and any wedged write once the call is torn down.
	context.AfterFunc(gctx, func() { _ = conn.Close() })

	g.Go(func() error {
		defer close(b.writerDone)
		return b.writeLoop(gctx)
	})
	g.Go(func() error {
		defer close(b.events)
		return b.readLoop(gctx)
	})
	go func() {
		b.err = g.Wait()
		close(b.done)
	}()

	return b, nil
}

// SessionConfig builds the session.update body for one call.
func SessionConfig(callCtx map[string]string, voice string) *realtime.SessionConfig {
	return &realtime.SessionConfig{
		Modalities:              []string{"audio", "text"},
		Instructions:            Instructions(callCtx),
		Voice:                   voice,
		InputAudioFormat:        realtime.AudioFormatG711ULaw,
		OutputAudioFormat:       realtime.AudioFormatG711ULaw,
		InputAudioTranscription: &realtime.TranscriptionConfig{Model: realtime.TranscriptionWhisper1},
		TurnDetection:           &realtime.TurnDetection{Type: realtime.TurnDetectionServerVAD},
	}
}

// Instructions renders the assistant persona from the call context.
func Instructions(callCtx map[string]string) string {
	var b strings.Builder
	b.WriteString("You are a friendly, concise phone assistant placing a call on behalf of a customer.")
	if v := callCtx["targetName"]; v != "" {
		fmt.Fprintf(&b, " You are speaking with %s.", v)
	}
	if v := callCtx["requestSummary"]; v != "" {
		fmt.Fprintf(&b, " The customer needs: %s.", strings.TrimRight(v, "."))
	}
	category := callCtx["category"]
	if category == "" {
		category = "general"
	}
	fmt.Fprintf(&b, " Request category: %s.", category)
	if v := callCtx["extraData"]; v != "" {
		fmt.Fprintf(&b, " Additional details: %s.", strings.TrimRight(v, "."))
	}
	b.WriteString(" Keep each reply to one or two short sentences. When a price or time is quoted, repeat it back to confirm it.")
	return b.String()
}

// SendAudio accepts one caller frame of mu-law audio.
func (b *Bridge) SendAudio(frame []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	select {
	case <-b.done:
		return ErrClosed
	default:
	}

	b.framesIn.Add(1)
	b.pending = append(b.pending, frame...)
	for len(b.pending) >= b.windowBytes {
		w := make([]byte, b.windowBytes)
		copy(w, b.pending)
		b.pending = append(b.pending[:0], b.pending[b.windowBytes:]...)
		b.enqueue(w)
	}
	return nil
}

// enqueue must be called with b.mu held. b.mu serializes producers, so once
// the oldest window is evicted the retry has room unless the writer raced us,
// in which case the queue is no longer full anyway.
func (b *Bridge) enqueue(w []byte) {
	select {
	case b.queue <- w:
		return
	default:
	}
	select {
	case <-b.queue:
		n := b.windowsDropped.Add(1)
		b.log.Debug("bridge: dropped oldest audio window", "dropped", n)
	default:
	}
	select {
	case b.queue <- w:
	default:
		n := b.windowsDropped.Add(1)
		b.log.Debug("bridge: dropped audio window", "dropped", n)
	}
}

// Events delivers synthesized audio, barge-in and transcript events in the
// order the service sent them. It is closed when the bridge stops.
func (b *Bridge) Events() <-chan Event { return b.events }

// Done is closed once the writer and reader have both returned.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// Err reports why the bridge stopped. It is nil after a clean Close and
// only meaningful once Done is closed.
func (b *Bridge) Err() error {
	select {
	case <-b.done:
		return b.err
	default:
		return nil
	}
}

func (b *Bridge) Stats() calls.AudioStats {
	return calls.AudioStats{
		FramesIn:       b.framesIn.Load(),
		WindowsSent:    b.windowsSent.Load(),
		WindowsDropped: b.windowsDropped.Load(),
		ChunksOut:      b.chunksOut.Load(),
	}
}

// Close flushes buffered audio best-effort until ctx is done, then closes the
// upstream connection. Further calls return the first call's result.
func (b *Bridge) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		b.closeErr = b.close(ctx)
	})
	return b.closeErr
}

func (b *Bridge) close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.closing.Store(true)
	if len(b.pending) > 0 {
		b.enqueue(b.pending)
		b.pending = nil
	}
	b.mu.Unlock()

	close(b.drain)

	var err error
	select {
	case <-b.writerDone:
	case <-ctx.Done():
		err = fmt.Errorf("bridge: flush: %w", ctx.Err())
	}

	b.cancel()
	_ = b.conn.Close()
	<-b.done
	return err
}

func (b *Bridge) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.drain:
			return b.flush()
		case w := <-b.queue:
			if err := b.send(w); err != nil {
				if b.closing.Load() {
					return nil
				}
				return err
			}
		}
	}
}

func (b *Bridge) flush() error {
	for {
		select {
		case w := <-b.queue:
			if err := b.send(w); err != nil {
				b.log.Warn("bridge: flush aborted", "error", err)
				return nil
			}
		default:
			return nil
		}
	}
}

func (b *Bridge) send(w []byte) error {
	if err := b.conn.AppendAudio(w); err != nil {
		return fmt.Errorf("bridge: append audio: %w", err)
	}
	b.windowsSent.Add(1)
	return nil
}

func (b *Bridge) readLoop(ctx context.Context) error {
	for ev, err := range b.conn.Events() {
		if err != nil {
			if b.closing.Load() || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("bridge: upstream: %w", err)
		}
		if err := b.handle(ctx, ev); err != nil {
			return nil
		}
	}
	return nil
}

// handle returns an error only when ctx ended while delivering an event.
func (b *Bridge) handle(ctx context.Context, ev *realtime.ServerEvent) error {
	switch ev.Type {
	case realtime.EventTypeResponseAudioDelta:
		if len(ev.Audio) == 0 {
			return nil
		}
		b.chunksOut.Add(1)
		return b.emit(ctx, Event{Kind: EventAudio, Audio: ev.Audio})

	case realtime.EventTypeSpeechStarted:
		return b.emit(ctx, Event{Kind: EventClear})

	case realtime.EventTypeInputTranscriptionCompleted:
		return b.transcript(ctx, calls.SpeakerCaller, ev.Transcript)

	case realtime.EventTypeResponseAudioTranscriptDone:
		return b.transcript(ctx, calls.SpeakerAssistant, ev.Transcript)

	case realtime.EventTypeError:
		if ev.Error != nil {
			b.log.Warn("bridge: upstream reported error", "code", ev.Error.Code, "message", ev.Error.Message)
		}
	}
	return nil
}

func (b *Bridge) transcript(ctx context.Context, speaker calls.Speaker, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	entry := calls.TranscriptEntry{Speaker: speaker, Text: text, At: time.Now().UTC()}
	b.store.AppendTranscript(b.callID, entry)

	if speaker == calls.SpeakerAssistant && !b.factsSeen.Load() {
		if f, ok := ExtractFacts(text, entry.At); ok && b.factsSeen.CompareAndSwap(false, true) {
			if b.store.SetFactsOnce(b.callID, f) {
				b.log.Info("bridge: extracted facts", "price", f.Price, "currency", f.Currency, "time", f.Time)
			}
		}
	}
	return b.emit(ctx, Event{Kind: EventTranscript, Entry: entry})
}

func (b *Bridge) emit(ctx context.Context, ev Event) error {
	select {
	case b.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
