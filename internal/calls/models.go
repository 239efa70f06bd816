package calls

import "time"

// CallSession tracks one phone call bridged to the realtime voice service.
//
// Invariants:
// - CallID is assigned by the telephony provider and never changes.
// - Transcript is append-only.
// - EndedAt is set if and only if Status is terminal.
// - ExtractedFacts is set at most once.
//
// Values handed out by the session store are snapshots; mutating them does
// not affect the stored record.
type CallSession struct {
	CallID   string `json:"callId"`
	StreamID string `json:"streamId,omitempty"`

	Status Status `json:"status"`

	// Context holds the stream parameters received at stream start
	// (targetName, requestSummary, category, ...).
	Context map[string]string `json:"context,omitempty"`

	Transcript     []TranscriptEntry `json:"transcript"`
	ExtractedFacts *ExtractedFacts   `json:"extractedFacts,omitempty"`

	Audio AudioStats `json:"audio"`

	CreatedAt time.Time  `json:"createdAt"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`

	Error string `json:"error,omitempty"`
}

// Clone returns a deep copy safe to hand across goroutines.
func (s CallSession) Clone() CallSession {
	out := s
	if s.Context != nil {
		out.Context = make(map[string]string, len(s.Context))
		for k, v := range s.Context {
			out.Context[k] = v
		}
	}
	out.Transcript = make([]TranscriptEntry, len(s.Transcript))
	copy(out.Transcript, s.Transcript)
	if s.ExtractedFacts != nil {
		f := *s.ExtractedFacts
		out.ExtractedFacts = &f
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		out.EndedAt = &t
	}
	return out
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusConnecting Status = "connecting"
	StatusActive     Status = "active"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// rank orders statuses for forward-only transitions.
// pending and connecting share the pre-media stage ordering.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusConnecting:
		return 1
	case StatusActive:
		return 2
	case StatusCompleted, StatusFailed:
		return 3
	default:
		return -1
	}
}

func (s Status) Valid() bool { return s.rank() >= 0 }

// Terminal reports whether the call has ended.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// CanTransition reports whether moving from s to next keeps the status
// moving forward. Terminal statuses are final.
func (s Status) CanTransition(next Status) bool {
	if !next.Valid() || s.Terminal() {
		return false
	}
	if s == "" {
		return true
	}
	return next.rank() > s.rank()
}

type Speaker string

const (
	SpeakerCaller    Speaker = "caller"
	SpeakerAssistant Speaker = "assistant"
)

// TranscriptEntry is one recognized utterance. Immutable once appended.
type TranscriptEntry struct {
	Speaker Speaker   `json:"speaker"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

// ExtractedFacts is the structured record recognized in assistant speech,
// e.g. a quoted price and an appointment or arrival time.
type ExtractedFacts struct {
	Price    string `json:"price,omitempty"`
	Currency string `json:"currency,omitempty"`
	Time     string `json:"time,omitempty"`

	// SourceText is the utterance the facts were extracted from.
	SourceText string    `json:"sourceText"`
	At         time.Time `json:"at"`
}

// AudioStats are diagnostics counters for one call's audio path.
type AudioStats struct {
	FramesIn       int64 `json:"framesIn"`
	WindowsSent    int64 `json:"windowsSent"`
	WindowsDropped int64 `json:"windowsDropped"`
	ChunksOut      int64 `json:"chunksOut"`
}

func (a AudioStats) Add(d AudioStats) AudioStats {
	a.FramesIn += d.FramesIn
	a.WindowsSent += d.WindowsSent
	a.WindowsDropped += d.WindowsDropped
	a.ChunksOut += d.ChunksOut
	return a
}

// Patch carries the fields to merge into a session. Nil fields are left
// untouched.
type Patch struct {
	StreamID       *string
	Status         *Status
	Context        map[string]string
	ExtractedFacts *ExtractedFacts
	StartedAt      *time.Time
	Error          *string
}

// Helpers for building patches inline.

func StatusPtr(s Status) *Status { return &s }

func StringPtr(s string) *string { return &s }

func TimePtr(t time.Time) *time.Time { return &t }
