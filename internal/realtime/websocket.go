package realtime

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var errConnClosed = errors.New("realtime: connection closed")

type eventOrError struct {
	event *ServerEvent
	err   error
}

type webSocketConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	log          *slog.Logger

	mu        sync.Mutex
	closeCh   chan struct{}
	eventsCh  chan eventOrError
	closeOnce sync.Once
}

func newWebSocketConn(ws *websocket.Conn, writeTimeout time.Duration, log *slog.Logger) *webSocketConn {
	c := &webSocketConn{
		ws:           ws,
		writeTimeout: writeTimeout,
		log:          log,
		closeCh:      make(chan struct{}),
		eventsCh:     make(chan eventOrError, 64),
	}
	go c.readLoop()
	return c
}

func generateEventID() string {
	return "evt_" + uuid.New().String()[:12]
}

func (c *webSocketConn) UpdateSession(cfg *SessionConfig) error {
	return c.send(clientEvent{EventID: generateEventID(), Type: EventTypeSessionUpdate, Session: cfg})
}

// AppendAudio sends raw audio in the session's input format.
func (c *webSocketConn) AppendAudio(audio []byte) error {
	return c.send(clientEvent{
		EventID: generateEventID(),
		Type:    EventTypeInputAudioBufferAppend,
		Audio:   base64.StdEncoding.EncodeToString(audio),
	})
}

func (c *webSocketConn) CreateResponse() error {
	return c.send(clientEvent{EventID: generateEventID(), Type: EventTypeResponseCreate})
}

func (c *webSocketConn) Events() iter.Seq2[*ServerEvent, error] {
	return func(yield func(*ServerEvent, error) bool) {
		for {
			select {
			case <-c.closeCh:
				return
			case item, ok := <-c.eventsCh:
				if !ok {
					return
				}
				if !yield(item.event, item.err) || item.err != nil {
					return
				}
			}
		}
	}
}

func (c *webSocketConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeCh)
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = c.ws.Close()
	})
	return err
}

func (c *webSocketConn) send(ev clientEvent) error {
	select {
	case <-c.closeCh:
		return errConnClosed
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return fmt.Errorf("realtime: set write deadline: %w", err)
	}
	if err := c.ws.WriteJSON(ev); err != nil {
		return fmt.Errorf("realtime: write %s: %w", ev.Type, err)
	}
	return nil
}

func (c *webSocketConn) readLoop() {
	defer close(c.eventsCh)

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closeCh:
			case c.eventsCh <- eventOrError{err: fmt.Errorf("realtime: read: %w", err)}:
			}
			return
		}

		ev, err := parseEvent(msg)
		if err != nil {
			c.log.Warn("realtime: dropping malformed event", "error", err, "len", len(msg))
			continue
		}

		select {
		case <-c.closeCh:
			return
		case c.eventsCh <- eventOrError{event: ev}:
		}
	}
}

func parseEvent(msg []byte) (*ServerEvent, error) {
	var ev ServerEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		return nil, fmt.Errorf("parse event: %w", err)
	}
	if ev.Type == "" {
		return nil, errors.New("parse event: missing type")
	}
	ev.Raw = msg

	if ev.Type == EventTypeResponseAudioDelta && ev.Delta != "" {
		audio, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			return nil, fmt.Errorf("parse event: audio delta: %w", err)
		}
		ev.Audio = audio
	}
	return &ev, nil
}

var _ Conn = (*webSocketConn)(nil)
