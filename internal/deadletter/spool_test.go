package deadletter

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tinytelemetry/clickrelay/internal/model"
)

func strp(s string) *string { return &s }

func testEvent(url string) model.Event {
	return model.Event{
		URL:       strp(url),
		ClientID:  "ws-1",
		Timestamp: time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC),
	}
}

func replayURLs(t *testing.T, s *Spool) []string {
	t.Helper()
	var urls []string
	err := s.Replay(func(e Entry) error {
		urls = append(urls, *e.Event.URL)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	return urls
}

func TestAppendReplayMarkDone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spool", "deadletter.jsonl")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	seq1, err := s.Append("id-1", "file", errors.New("disk full"), testEvent("https://a"))
	if err != nil {
		t.Fatalf("Append 1: %v", err)
	}
	seq2, err := s.Append("id-2", "file", errors.New("disk full"), testEvent("https://b"))
	if err != nil {
		t.Fatalf("Append 2: %v", err)
	}
	if seq2 <= seq1 {
		t.Fatalf("sequence did not advance: seq1=%d seq2=%d", seq1, seq2)
	}

	var first Entry
	if err := s.Replay(func(e Entry) error { first = e; return errors.New("stop") }); err == nil {
		t.Fatal("Replay should surface the callback error")
	}
	if first.ErrorID != "id-1" || first.Error != "disk full" || first.Sink != "file" {
		t.Fatalf("first entry = %+v", first)
	}
	if !first.Event.Timestamp.Equal(testEvent("x").Timestamp) {
		t.Fatalf("timestamp = %v", first.Event.Timestamp)
	}

	if err := s.MarkDone(seq1); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	if got := replayURLs(t, s); len(got) != 1 || got[0] != "https://b" {
		t.Fatalf("Replay after MarkDone = %v, want [https://b]", got)
	}
}

func TestOpenIgnoresTornTrailingLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deadletter.jsonl")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Append("id-1", "database", errors.New("conn reset"), testEvent("https://ok")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if _, err := f.WriteString(`{"seq":999,"event":`); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	_ = f.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("Open second: %v", err)
	}
	defer func() { _ = s2.Close() }()

	if got := replayURLs(t, s2); len(got) != 1 || got[0] != "https://ok" {
		t.Fatalf("Replay after torn write = %v, want [https://ok]", got)
	}

	seq, err := s2.Append("id-2", "database", errors.New("conn reset"), testEvent("https://next"))
	if err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if seq != 2 {
		t.Fatalf("seq after reopen = %d, want 2", seq)
	}
}

func TestDrainTruncatesOnFullSuccess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deadletter.jsonl")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = s.Close() }()

	for _, u := range []string{"https://a", "https://b", "https://c"} {
		if _, err := s.Append("id", "file", errors.New("boom"), testEvent(u)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	var persisted []string
	n, err := s.Drain(func(e Entry) error {
		persisted = append(persisted, *e.Event.URL)
		return nil
	})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if n != 3 || len(persisted) != 3 {
		t.Fatalf("Drain persisted %d (%v), want 3", n, persisted)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != 0 {
		t.Fatalf("spool size after drain = %d, want 0", info.Size())
	}

	seq, err := s.Append("id", "file", errors.New("boom"), testEvent("https://d"))
	if err != nil {
		t.Fatalf("Append after drain: %v", err)
	}
	if seq != 4 {
		t.Fatalf("seq after drain = %d, want 4", seq)
	}
}

func TestDrainStopsAtFirstFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deadletter.jsonl")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for _, u := range []string{"https://a", "https://b", "https://c"} {
		if _, err := s.Append("id", "file", errors.New("boom"), testEvent(u)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	unavailable := errors.New("still down")
	n, err := s.Drain(func(e Entry) error {
		if *e.Event.URL == "https://b" {
			return unavailable
		}
		return nil
	})
	if !errors.Is(err, unavailable) {
		t.Fatalf("Drain err = %v, want wrapped %v", err, unavailable)
	}
	if n != 1 {
		t.Fatalf("Drain persisted %d, want 1", n)
	}
	_ = s.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = s2.Close() }()

	pending, err := s2.Pending()
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if pending != 2 {
		t.Fatalf("pending after partial drain = %d, want 2", pending)
	}
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("Open with empty path should fail")
	}
}

func TestOpenRefusesSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deadletter.jsonl")

	server, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := server.Append("id-1", "file", errors.New("boom"), testEvent("https://a")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if _, err := Open(path); !errors.Is(err, ErrLocked) {
		t.Fatalf("second Open err = %v, want %v", err, ErrLocked)
	}

	if _, err := server.Append("id-2", "file", errors.New("boom"), testEvent("https://b")); err != nil {
		t.Fatalf("Append after refused Open: %v", err)
	}
	if err := server.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	replay, err := Open(path)
	if err != nil {
		t.Fatalf("Open after Close: %v", err)
	}
	defer func() { _ = replay.Close() }()

	pending, err := replay.Pending()
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if pending != 2 {
		t.Fatalf("pending = %d, want 2", pending)
	}
}
