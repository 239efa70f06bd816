// Package realtimetest provides in-memory realtime connections for tests.
package realtimetest

import (
	"context"
	"errors"
	"iter"
	"sync"

	"voicebridge/internal/realtime"
)

var ErrClosed = errors.New("realtimetest: closed")

type item struct {
	ev  *realtime.ServerEvent
	err error
}

// Conn records client writes and replays pushed server events.
type Conn struct {
	mu        sync.Mutex
	sessions  []realtime.SessionConfig
	appended  [][]byte
	responses int
	closes    int

	// AppendErr, when set, fails every AppendAudio.
	AppendErr error
	// Gate, when set, blocks AppendAudio until it is closed or the conn is.
	Gate chan struct{}

	events    chan item
	closed    chan struct{}
	closeOnce sync.Once
}

func NewConn() *Conn {
	return &Conn{
		events: make(chan item, 256),
		closed: make(chan struct{}),
	}
}

func (c *Conn) UpdateSession(cfg *realtime.SessionConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cfg != nil {
		c.sessions = append(c.sessions, *cfg)
	}
	return nil
}

func (c *Conn) AppendAudio(audio []byte) error {
	if c.Gate != nil {
		select {
		case <-c.Gate:
		case <-c.closed:
			return ErrClosed
		}
	}
	if c.AppendErr != nil {
		return c.AppendErr
	}
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appended = append(c.appended, append([]byte(nil), audio...))
	return nil
}

func (c *Conn) CreateResponse() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses++
	return nil
}

func (c *Conn) Events() iter.Seq2[*realtime.ServerEvent, error] {
	return func(yield func(*realtime.ServerEvent, error) bool) {
		for {
			select {
			case <-c.closed:
				return
			case it := <-c.events:
				if !yield(it.ev, it.err) || it.err != nil {
					return
				}
			}
		}
	}
}

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Push queues a server event.
func (c *Conn) Push(ev *realtime.ServerEvent) { c.events <- item{ev: ev} }

// Fail queues a read error, ending the event stream.
func (c *Conn) Fail(err error) { c.events <- item{err: err} }

func (c *Conn) Sessions() []realtime.SessionConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]realtime.SessionConfig(nil), c.sessions...)
}

func (c *Conn) Appended() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.appended...)
}

func (c *Conn) Responses() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.responses
}

func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Dialer hands out a fresh Conn per Dial, or Err.
type Dialer struct {
	Err error

	// Prepare, if set, runs on each new Conn before it is returned.
	Prepare func(*Conn)

	// Hold, if set, makes Dial wait until it is closed or ctx is done.
	Hold chan struct{}

	mu    sync.Mutex
	conns []*Conn
}

func (d *Dialer) Dial(ctx context.Context) (realtime.Conn, error) {
	if d.Hold != nil {
		select {
		case <-d.Hold:
		case <-ctx.Done():
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.Err != nil {
		return nil, d.Err
	}
	c := NewConn()
	if d.Prepare != nil {
		d.Prepare(c)
	}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

// Last returns the most recently dialed Conn, or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

var _ realtime.Conn = (*Conn)(nil)
