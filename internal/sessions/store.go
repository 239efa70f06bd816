package sessions

import (
	"errors"
	"sort"
	"sync"
	"time"

	"voicebridge/internal/calls"

	"github.com/cespare/xxhash/v2"
)

var (
	ErrNotFound = errors.New("sessions: not found")
	// ErrLive is returned by Begin when the call already has a connected stream.
	ErrLive = errors.New("sessions: call already live")
)

const shardCount = 32

// Store is the single source of truth for call sessions.
//
// Rules:
//   - Every operation is atomic with respect to every other operation on the same call.
//   - Calls hash to independent shards; unrelated calls rarely share a lock and never hold one across I/O.
//   - Upsert and AppendTranscript create the session on demand. This tolerates
//     out-of-order or duplicate stream events from the telephony provider.
//   - Reads return deep copies.
type Store struct {
	shards [shardCount]shard
	clock  func() time.Time
}

type shard struct {
	mu       sync.Mutex
	sessions map[string]*calls.CallSession
}

func NewStore() *Store {
	s := &Store{clock: time.Now}
	for i := range s.shards {
		s.shards[i].sessions = make(map[string]*calls.CallSession)
	}
	return s
}

// WithClock overrides the time source. Intended for tests.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

func (s *Store) now() time.Time { return s.clock().UTC() }

func (s *Store) shardFor(callID string) *shard {
	return &s.shards[xxhash.Sum64String(callID)%shardCount]
}

// getOrCreate must be called with sh.mu held.
func (s *Store) getOrCreate(sh *shard, callID string) *calls.CallSession {
	cs, ok := sh.sessions[callID]
	if !ok {
		cs = &calls.CallSession{
			CallID:     callID,
			Status:     calls.StatusPending,
			Transcript: []calls.TranscriptEntry{},
			CreatedAt:  s.now(),
		}
		sh.sessions[callID] = cs
	}
	return cs
}

// Upsert creates the session if absent, otherwise merges p into it, and
// returns the resulting record.
//
// Merge rules:
// - Status only moves forward; a terminal status also stamps EndedAt.
// - Context is set once; later patches cannot replace it.
// - ExtractedFacts is set once; later patches are ignored.
func (s *Store) Upsert(callID string, p calls.Patch) calls.CallSession {
	sh := s.shardFor(callID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cs := s.getOrCreate(sh, callID)
	s.apply(cs, p)
	return cs.Clone()
}

// Begin claims callID for a new media stream and merges p.
//
// A pending session (pre-created by call setup) is continued. An ended
// session is replaced by a fresh record; its snapshot was already handed off.
// A session that is connecting or active belongs to another stream and is
// left untouched, returning ErrLive.
func (s *Store) Begin(callID string, p calls.Patch) (calls.CallSession, error) {
	sh := s.shardFor(callID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if cs, ok := sh.sessions[callID]; ok {
		switch {
		case cs.Status.Terminal():
			delete(sh.sessions, callID)
		case cs.Status != calls.StatusPending:
			return cs.Clone(), ErrLive
		}
	}
	cs := s.getOrCreate(sh, callID)
	s.apply(cs, p)
	return cs.Clone(), nil
}

// apply must be called with the owning shard lock held.
func (s *Store) apply(cs *calls.CallSession, p calls.Patch) {
	if p.StreamID != nil && *p.StreamID != "" {
		cs.StreamID = *p.StreamID
	}
	if len(p.Context) > 0 && len(cs.Context) == 0 {
		cs.Context = make(map[string]string, len(p.Context))
		for k, v := range p.Context {
			cs.Context[k] = v
		}
	}
	if p.ExtractedFacts != nil && cs.ExtractedFacts == nil {
		f := *p.ExtractedFacts
		cs.ExtractedFacts = &f
	}
	if p.StartedAt != nil && cs.StartedAt == nil {
		t := *p.StartedAt
		cs.StartedAt = &t
	}
	if p.Error != nil && !cs.Status.Terminal() {
		cs.Error = *p.Error
	}
	if p.Status != nil && cs.Status.CanTransition(*p.Status) {
		cs.Status = *p.Status
		if cs.Status.Terminal() {
			now := s.now()
			cs.EndedAt = &now
			if cs.Status == calls.StatusCompleted {
				cs.Error = ""
			}
		}
	}
}

// AppendTranscript appends one entry, creating the session if needed.
func (s *Store) AppendTranscript(callID string, e calls.TranscriptEntry) calls.CallSession {
	sh := s.shardFor(callID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cs := s.getOrCreate(sh, callID)
	if e.At.IsZero() {
		e.At = s.now()
	}
	cs.Transcript = append(cs.Transcript, e)
	return cs.Clone()
}

// SetFactsOnce stores facts only if none are recorded yet, and reports
// whether this call won.
func (s *Store) SetFactsOnce(callID string, f calls.ExtractedFacts) bool {
	sh := s.shardFor(callID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cs := s.getOrCreate(sh, callID)
	if cs.ExtractedFacts != nil {
		return false
	}
	cs.ExtractedFacts = &f
	return true
}

// AddAudioStats accumulates audio counters for a call.
func (s *Store) AddAudioStats(callID string, d calls.AudioStats) {
	sh := s.shardFor(callID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cs := s.getOrCreate(sh, callID)
	cs.Audio = cs.Audio.Add(d)
}

func (s *Store) Get(callID string) (calls.CallSession, error) {
	sh := s.shardFor(callID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cs, ok := sh.sessions[callID]
	if !ok {
		return calls.CallSession{}, ErrNotFound
	}
	return cs.Clone(), nil
}

func (s *Store) MarkStatus(callID string, status calls.Status) calls.CallSession {
	return s.Upsert(callID, calls.Patch{Status: &status})
}

// End moves the session to a terminal status and merges extra.
// Ending an already-ended session leaves it unchanged.
func (s *Store) End(callID string, final calls.Status, extra calls.Patch) calls.CallSession {
	extra.Status = &final
	return s.Upsert(callID, extra)
}

func (s *Store) Delete(callID string) {
	sh := s.shardFor(callID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.sessions, callID)
}

// List returns snapshots of all retained sessions, oldest first.
func (s *Store) List() []calls.CallSession {
	out := make([]calls.CallSession, 0)
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for _, cs := range sh.sessions {
			out = append(out, cs.Clone())
		}
		sh.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CallID < out[j].CallID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// CountByStatus returns the number of sessions currently in status.
func (s *Store) CountByStatus(status calls.Status) int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for _, cs := range sh.sessions {
			if cs.Status == status {
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n
}

// Sweep reclaims sessions past retention: terminal sessions by EndedAt and
// pending sessions that never connected by CreatedAt. Returns the number removed.
func (s *Store) Sweep(retention time.Duration) int {
	cutoff := s.now().Add(-retention)
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for id, cs := range sh.sessions {
			switch {
			case cs.EndedAt != nil && cs.EndedAt.Before(cutoff):
			case cs.Status == calls.StatusPending && cs.CreatedAt.Before(cutoff):
			default:
				continue
			}
			delete(sh.sessions, id)
			removed++
		}
		sh.mu.Unlock()
	}
	return removed
}
