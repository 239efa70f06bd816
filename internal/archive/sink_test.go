package archive

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"voicebridge/internal/calls"
)

// recDriver records every statement executed and the transaction outcome.
type recDriver struct {
	mu        sync.Mutex
	stmts     []string
	args      [][]driver.Value
	commits   int
	rollbacks int
	failOn    string
}

func (d *recDriver) Open(string) (driver.Conn, error) { return &recConn{d: d}, nil }

type recConn struct{ d *recDriver }

func (c *recConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("not supported") }
func (c *recConn) Close() error                        { return nil }
func (c *recConn) Begin() (driver.Tx, error)           { return recTx{d: c.d}, nil }

func (c *recConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if c.d.failOn != "" && strings.Contains(query, c.d.failOn) {
		return nil, errors.New("exec failed")
	}
	vals := make([]driver.Value, len(args))
	for i, a := range args {
		vals[i] = a.Value
	}
	c.d.stmts = append(c.d.stmts, strings.TrimSpace(query))
	c.d.args = append(c.d.args, vals)
	return driver.RowsAffected(1), nil
}

type recTx struct{ d *recDriver }

func (t recTx) Commit() error {
	t.d.mu.Lock()
	defer t.d.mu.Unlock()
	t.d.commits++
	return nil
}

func (t recTx) Rollback() error {
	t.d.mu.Lock()
	defer t.d.mu.Unlock()
	t.d.rollbacks++
	return nil
}

var driverSeq struct {
	mu sync.Mutex
	n  int
}

func openRecDB(t *testing.T) (*sql.DB, *recDriver) {
	t.Helper()
	d := &recDriver{}
	driverSeq.mu.Lock()
	driverSeq.n++
	name := fmt.Sprintf("archive-rec-%d", driverSeq.n)
	driverSeq.mu.Unlock()
	sql.Register(name, d)
	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, d
}

func endedSession() calls.CallSession {
	now := time.Unix(1700000000, 0).UTC()
	return calls.CallSession{
		CallID:   "CA1",
		StreamID: "MZ1",
		Status:   calls.StatusCompleted,
		Context:  map[string]string{"targetName": "Acme Pizza"},
		Transcript: []calls.TranscriptEntry{
			{Speaker: calls.SpeakerCaller, Text: "hi", At: now},
			{Speaker: calls.SpeakerAssistant, Text: "It is $20.", At: now},
		},
		ExtractedFacts: &calls.ExtractedFacts{Price: "20", Currency: "USD"},
		CreatedAt:      now,
		EndedAt:        calls.TimePtr(now.Add(time.Minute)),
	}
}

func TestPostgresSink_WritesSessionAndTranscriptInOneTx(t *testing.T) {
	db, d := openRecDB(t)
	if err := (PostgresSink{DB: db}).Archive(context.Background(), endedSession()); err != nil {
		t.Fatalf("archive: %v", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.stmts) != 4 {
		t.Fatalf("expected upsert, delete and two inserts, got %d", len(d.stmts))
	}
	if !strings.HasPrefix(d.stmts[0], "INSERT INTO call_sessions") || !strings.HasPrefix(d.stmts[1], "DELETE") {
		t.Fatalf("unexpected statement order %q", d.stmts[:2])
	}
	if d.args[3][1] != int64(1) || d.args[3][3] != "It is $20." {
		t.Fatalf("unexpected entry args %v", d.args[3])
	}
	if d.commits != 1 || d.rollbacks != 0 {
		t.Fatalf("expected one commit, got %d/%d", d.commits, d.rollbacks)
	}
}

func TestPostgresSink_RollsBackOnFailure(t *testing.T) {
	db, d := openRecDB(t)
	d.failOn = "call_transcript_entries (call_id"
	err := (PostgresSink{DB: db}).Archive(context.Background(), endedSession())
	if err == nil {
		t.Fatalf("expected error")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.commits != 0 || d.rollbacks != 1 {
		t.Fatalf("expected rollback, got %d/%d", d.commits, d.rollbacks)
	}
}

func TestPostgresSink_RejectsLiveSession(t *testing.T) {
	db, _ := openRecDB(t)
	s := endedSession()
	s.EndedAt = nil
	if err := (PostgresSink{DB: db}).Archive(context.Background(), s); !errors.Is(err, ErrNotEnded) {
		t.Fatalf("expected ErrNotEnded, got %v", err)
	}
}

func TestMemorySink(t *testing.T) {
	m := NewMemorySink()
	s := endedSession()
	if err := m.Archive(context.Background(), s); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if err := m.Archive(context.Background(), s); err != nil {
		t.Fatalf("re-archive: %v", err)
	}
	if m.Len() != 1 || m.Writes() != 2 {
		t.Fatalf("expected one call written twice, got %d/%d", m.Len(), m.Writes())
	}
	got, ok := m.Get("CA1")
	if !ok || len(got.Transcript) != 2 {
		t.Fatalf("unexpected archived copy %+v", got)
	}
	got.Transcript[0].Text = "mutated"
	again, _ := m.Get("CA1")
	if again.Transcript[0].Text != "hi" {
		t.Fatalf("archived copy must be isolated")
	}
}
