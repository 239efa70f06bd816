package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"voicebridge/internal/calls"
	"voicebridge/pkg/utils"
)

var ErrNotEnded = errors.New("archive: session has not ended")

// Sink receives finalized call sessions for durable storage.
type Sink interface {
	Archive(ctx context.Context, s calls.CallSession) error
}

// Schema is the DDL the Postgres sink writes to. Applied by EnsureSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS call_sessions (
	call_id          TEXT PRIMARY KEY,
	stream_id        TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	context          JSONB NOT NULL DEFAULT '{}'::jsonb,
	extracted_facts  JSONB,
	audio            JSONB NOT NULL DEFAULT '{}'::jsonb,
	error            TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL,
	started_at       TIMESTAMPTZ,
	ended_at         TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS call_transcript_entries (
	call_id  TEXT NOT NULL REFERENCES call_sessions(call_id) ON DELETE CASCADE,
	seq      INTEGER NOT NULL,
	speaker  TEXT NOT NULL,
	text     TEXT NOT NULL,
	at       TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (call_id, seq)
);
`

const upsertSession = `
INSERT INTO call_sessions
	(call_id, stream_id, status, context, extracted_facts, audio, error, created_at, started_at, ended_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (call_id) DO UPDATE SET
	stream_id = EXCLUDED.stream_id,
	status = EXCLUDED.status,
	context = EXCLUDED.context,
	extracted_facts = EXCLUDED.extracted_facts,
	audio = EXCLUDED.audio,
	error = EXCLUDED.error,
	started_at = EXCLUDED.started_at,
	ended_at = EXCLUDED.ended_at`

const deleteEntries = `DELETE FROM call_transcript_entries WHERE call_id = $1`

const insertEntry = `
INSERT INTO call_transcript_entries (call_id, seq, speaker, text, at)
VALUES ($1, $2, $3, $4, $5)`

// PostgresSink writes the session row and its transcript in one transaction.
// Re-archiving the same call replaces the previous copy.
type PostgresSink struct {
	DB *sql.DB
}

func (p PostgresSink) EnsureSchema(ctx context.Context) error {
	if _, err := p.DB.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("archive: ensure schema: %w", err)
	}
	return nil
}

func (p PostgresSink) Archive(ctx context.Context, s calls.CallSession) error {
	if s.EndedAt == nil {
		return ErrNotEnded
	}
	callCtx, err := json.Marshal(nonNilContext(s.Context))
	if err != nil {
		return err
	}
	audio, err := json.Marshal(s.Audio)
	if err != nil {
		return err
	}
	var facts any
	if s.ExtractedFacts != nil {
		b, err := json.Marshal(s.ExtractedFacts)
		if err != nil {
			return err
		}
		facts = string(b)
	}

	err = utils.WithTx(ctx, p.DB, nil, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, upsertSession,
			s.CallID, s.StreamID, string(s.Status), string(callCtx), facts, string(audio),
			s.Error, s.CreatedAt, s.StartedAt, *s.EndedAt,
		); err != nil {
			return fmt.Errorf("upsert session: %w", err)
		}
		if _, err := tx.ExecContext(ctx, deleteEntries, s.CallID); err != nil {
			return fmt.Errorf("clear transcript: %w", err)
		}
		for i, e := range s.Transcript {
			if _, err := tx.ExecContext(ctx, insertEntry, s.CallID, i, string(e.Speaker), e.Text, e.At); err != nil {
				return fmt.Errorf("insert transcript entry %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", s.CallID, err)
	}
	return nil
}

func nonNilContext(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// MemorySink keeps archived sessions in process. Tests use it in place of
// PostgresSink; without a database the service runs with no sink at all.
type MemorySink struct {
	mu       sync.Mutex
	sessions map[string]calls.CallSession
	order    []string
	writes   int
}

func NewMemorySink() *MemorySink {
	return &MemorySink{sessions: make(map[string]calls.CallSession)}
}

func (m *MemorySink) Archive(_ context.Context, s calls.CallSession) error {
	if s.EndedAt == nil {
		return ErrNotEnded
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.CallID]; !ok {
		m.order = append(m.order, s.CallID)
	}
	m.sessions[s.CallID] = s.Clone()
	m.writes++
	return nil
}

func (m *MemorySink) Get(callID string) (calls.CallSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[callID]
	if !ok {
		return calls.CallSession{}, false
	}
	return s.Clone(), true
}

// Len returns the number of distinct calls archived.
func (m *MemorySink) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

// Writes returns the number of Archive calls accepted, repeats included.
func (m *MemorySink) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}
