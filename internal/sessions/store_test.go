package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"voicebridge/internal/calls"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore() (*Store, *fakeClock) {
	clk := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	return NewStore().WithClock(clk.Now), clk
}

func TestUpsert_CreatesThenMerges(t *testing.T) {
	s, _ := newTestStore()

	got := s.Upsert("CA1", calls.Patch{Context: map[string]string{"targetName": "Acme Pizza"}})
	if got.Status != calls.StatusPending {
		t.Fatalf("expected pending on create, got %q", got.Status)
	}

	got = s.Upsert("CA1", calls.Patch{StreamID: calls.StringPtr("MZ1"), Status: calls.StatusPtr(calls.StatusConnecting)})
	if got.StreamID != "MZ1" || got.Status != calls.StatusConnecting {
		t.Fatalf("unexpected merge result: %+v", got)
	}
	if got.Context["targetName"] != "Acme Pizza" {
		t.Fatalf("expected context kept, got %+v", got.Context)
	}
}

func TestUpsert_ContextImmutableOnceSet(t *testing.T) {
	s, _ := newTestStore()
	s.Upsert("CA1", calls.Patch{Context: map[string]string{"targetName": "Acme"}})
	got := s.Upsert("CA1", calls.Patch{Context: map[string]string{"targetName": "Other"}})
	if got.Context["targetName"] != "Acme" {
		t.Fatalf("expected original context, got %+v", got.Context)
	}
}

func TestUpsert_StatusNeverMovesBackward(t *testing.T) {
	s, _ := newTestStore()
	s.MarkStatus("CA1", calls.StatusActive)
	got := s.MarkStatus("CA1", calls.StatusConnecting)
	if got.Status != calls.StatusActive {
		t.Fatalf("expected active, got %q", got.Status)
	}
}

func TestEnd_SetsEndedAtAndIsIdempotent(t *testing.T) {
	s, clk := newTestStore()
	s.MarkStatus("CA1", calls.StatusActive)

	got := s.End("CA1", calls.StatusCompleted, calls.Patch{})
	if got.EndedAt == nil || got.Status != calls.StatusCompleted {
		t.Fatalf("expected completed with endedAt, got %+v", got)
	}
	first := *got.EndedAt

	clk.Advance(time.Minute)
	got = s.End("CA1", calls.StatusFailed, calls.Patch{Error: calls.StringPtr("late")})
	if got.Status != calls.StatusCompleted || got.Error != "" || !got.EndedAt.Equal(first) {
		t.Fatalf("expected second end to be ignored, got %+v", got)
	}
}

func TestEnd_FailedCarriesError(t *testing.T) {
	s, _ := newTestStore()
	s.MarkStatus("CA1", calls.StatusConnecting)
	got := s.End("CA1", calls.StatusFailed, calls.Patch{Error: calls.StringPtr("upstream unavailable")})
	if got.Status != calls.StatusFailed || got.Error == "" || got.EndedAt == nil {
		t.Fatalf("unexpected: %+v", got)
	}
}

func TestEndedAtOnlyWhenTerminal(t *testing.T) {
	s, _ := newTestStore()
	for _, st := range []calls.Status{calls.StatusPending, calls.StatusConnecting, calls.StatusActive} {
		got := s.MarkStatus("CA1", st)
		if got.EndedAt != nil {
			t.Fatalf("endedAt set in %q", st)
		}
	}
}

func TestAppendTranscript_CreatesAndIsPrefixStable(t *testing.T) {
	s, _ := newTestStore()

	var prev []calls.TranscriptEntry
	for i := 0; i < 5; i++ {
		got := s.AppendTranscript("CA9", calls.TranscriptEntry{Speaker: calls.SpeakerCaller, Text: fmt.Sprintf("u%d", i)})
		if len(got.Transcript) != len(prev)+1 {
			t.Fatalf("expected len %d, got %d", len(prev)+1, len(got.Transcript))
		}
		for j := range prev {
			if got.Transcript[j] != prev[j] {
				t.Fatalf("entry %d changed: %+v vs %+v", j, got.Transcript[j], prev[j])
			}
		}
		prev = got.Transcript
	}
	if prev[0].At.IsZero() {
		t.Fatalf("expected timestamp stamped")
	}
}

func TestSnapshotsAreIsolated(t *testing.T) {
	s, _ := newTestStore()
	got := s.AppendTranscript("CA1", calls.TranscriptEntry{Speaker: calls.SpeakerCaller, Text: "hello"})
	got.Transcript[0].Text = "mutated"

	again, err := s.Get("CA1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if again.Transcript[0].Text != "hello" {
		t.Fatalf("store was mutated through a snapshot")
	}
}

func TestSetFactsOnce_FirstMatchWins(t *testing.T) {
	s, _ := newTestStore()
	if !s.SetFactsOnce("CA1", calls.ExtractedFacts{Price: "20"}) {
		t.Fatalf("expected first set to win")
	}
	if s.SetFactsOnce("CA1", calls.ExtractedFacts{Price: "30"}) {
		t.Fatalf("expected second set to lose")
	}
	s.Upsert("CA1", calls.Patch{ExtractedFacts: &calls.ExtractedFacts{Price: "40"}})

	got, _ := s.Get("CA1")
	if got.ExtractedFacts == nil || got.ExtractedFacts.Price != "20" {
		t.Fatalf("expected first facts kept, got %+v", got.ExtractedFacts)
	}
}

func TestGet_NotFound(t *testing.T) {
	s, _ := newTestStore()
	if _, err := s.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	s, _ := newTestStore()
	s.MarkStatus("CA1", calls.StatusActive)
	s.Delete("CA1")
	if _, err := s.Get("CA1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deleted")
	}
}

func TestListAndCount(t *testing.T) {
	s, clk := newTestStore()
	s.MarkStatus("CA1", calls.StatusActive)
	clk.Advance(time.Second)
	s.MarkStatus("CA2", calls.StatusActive)
	clk.Advance(time.Second)
	s.End("CA3", calls.StatusCompleted, calls.Patch{})

	list := s.List()
	if len(list) != 3 || list[0].CallID != "CA1" || list[2].CallID != "CA3" {
		t.Fatalf("unexpected list: %+v", list)
	}
	if n := s.CountByStatus(calls.StatusActive); n != 2 {
		t.Fatalf("expected 2 active, got %d", n)
	}
}

func TestAddAudioStats(t *testing.T) {
	s, _ := newTestStore()
	s.AddAudioStats("CA1", calls.AudioStats{FramesIn: 3})
	s.AddAudioStats("CA1", calls.AudioStats{WindowsDropped: 1})
	got, _ := s.Get("CA1")
	if got.Audio.FramesIn != 3 || got.Audio.WindowsDropped != 1 {
		t.Fatalf("unexpected stats: %+v", got.Audio)
	}
}

func TestSweep_RemovesExpired(t *testing.T) {
	s, clk := newTestStore()
	s.End("done", calls.StatusCompleted, calls.Patch{})
	s.Upsert("stale", calls.Patch{})
	s.MarkStatus("live", calls.StatusActive)

	clk.Advance(2 * time.Hour)
	s.End("recent", calls.StatusFailed, calls.Patch{})

	if n := s.Sweep(time.Hour); n != 2 {
		t.Fatalf("expected 2 removed, got %d", n)
	}
	for _, id := range []string{"live", "recent"} {
		if _, err := s.Get(id); err != nil {
			t.Fatalf("expected %s retained", id)
		}
	}
}

func TestConcurrentWritersAndReaders(t *testing.T) {
	s, _ := newTestStore()
	var wg sync.WaitGroup
	for c := 0; c < 8; c++ {
		callID := fmt.Sprintf("CA%d", c)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				s.AppendTranscript(callID, calls.TranscriptEntry{Speaker: calls.SpeakerAssistant, Text: fmt.Sprint(i)})
				s.AddAudioStats(callID, calls.AudioStats{FramesIn: 1})
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_, _ = s.Get(callID)
				_ = s.List()
			}
		}()
	}
	wg.Wait()

	for c := 0; c < 8; c++ {
		got, _ := s.Get(fmt.Sprintf("CA%d", c))
		if len(got.Transcript) != 200 || got.Audio.FramesIn != 200 {
			t.Fatalf("lost writes: %d entries, %d frames", len(got.Transcript), got.Audio.FramesIn)
		}
		for i, e := range got.Transcript {
			if e.Text != fmt.Sprint(i) {
				t.Fatalf("entry %d out of order: %q", i, e.Text)
			}
		}
	}
}

func TestRunJanitor_StopsOnCancel(t *testing.T) {
	s, _ := newTestStore()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunJanitor(ctx, s, time.Millisecond, time.Hour)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("janitor did not stop")
	}
}

func TestBegin_ContinuesPendingSession(t *testing.T) {
	s, _ := newTestStore()
	s.Upsert("CA1", calls.Patch{Context: map[string]string{"targetName": "Acme"}})

	got, err := s.Begin("CA1", calls.Patch{StreamID: calls.StringPtr("MZ1"), Status: calls.StatusPtr(calls.StatusConnecting)})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if got.Status != calls.StatusConnecting || got.StreamID != "MZ1" || got.Context["targetName"] != "Acme" {
		t.Fatalf("expected pre-created session continued, got %+v", got)
	}
}

func TestBegin_ReplacesEndedSession(t *testing.T) {
	s, clk := newTestStore()
	s.Begin("CA1", calls.Patch{StreamID: calls.StringPtr("MZ1"), Context: map[string]string{"targetName": "A"}})
	s.AppendTranscript("CA1", calls.TranscriptEntry{Speaker: calls.SpeakerCaller, Text: "hi"})
	s.SetFactsOnce("CA1", calls.ExtractedFacts{Price: "20"})
	s.End("CA1", calls.StatusCompleted, calls.Patch{})

	clk.Advance(time.Minute)
	got, err := s.Begin("CA1", calls.Patch{
		StreamID: calls.StringPtr("MZ2"),
		Status:   calls.StatusPtr(calls.StatusConnecting),
		Context:  map[string]string{"targetName": "B"},
	})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if got.Status != calls.StatusConnecting || got.EndedAt != nil || got.StreamID != "MZ2" {
		t.Fatalf("expected fresh live session, got %+v", got)
	}
	if got.Context["targetName"] != "B" || len(got.Transcript) != 0 || got.ExtractedFacts != nil {
		t.Fatalf("expected no carry-over from the ended call, got %+v", got)
	}
	if !got.CreatedAt.Equal(clk.Now()) {
		t.Fatalf("expected new createdAt")
	}

	got = s.MarkStatus("CA1", calls.StatusActive)
	if got.Status != calls.StatusActive {
		t.Fatalf("expected replacement to move forward, got %q", got.Status)
	}
}

func TestBegin_RefusesLiveSession(t *testing.T) {
	s, _ := newTestStore()
	s.Begin("CA1", calls.Patch{StreamID: calls.StringPtr("MZ1"), Status: calls.StatusPtr(calls.StatusActive)})

	got, err := s.Begin("CA1", calls.Patch{StreamID: calls.StringPtr("MZ2")})
	if !errors.Is(err, ErrLive) {
		t.Fatalf("expected ErrLive, got %v", err)
	}
	if got.StreamID != "MZ1" {
		t.Fatalf("live session must be untouched, got %+v", got)
	}
	if cur, _ := s.Get("CA1"); cur.StreamID != "MZ1" || cur.Status != calls.StatusActive {
		t.Fatalf("live session mutated: %+v", cur)
	}
}
