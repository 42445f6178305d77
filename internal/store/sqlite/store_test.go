package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nextlevelbuilder/chatswarm/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("New(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	replies := []store.ReplyRecord{
		{Agent: "a1", Rule: "keyword:0", Tier: "keyword", User: "u1", Content: "hi", CreatedAt: now},
		{Agent: "a2", Rule: "exact:1", Tier: "exact", User: "u2", Content: "@u2 hello", CreatedAt: now},
		{Agent: "a1", Rule: "keyword:0", Tier: "keyword", User: "u3", Content: "hi", CreatedAt: now},
	}
	for _, r := range replies {
		if err := s.RecordReply(ctx, r); err != nil {
			t.Fatalf("RecordReply: %v", err)
		}
	}
	if err := s.RecordSend(ctx, store.SendRecord{Agent: "a1", Text: "hi", CreatedAt: now}); err != nil {
		t.Fatalf("RecordSend: %v", err)
	}
	if err := s.RecordSend(ctx, store.SendRecord{Agent: "a1", Text: "hi", Failed: true}); err != nil {
		t.Fatalf("RecordSend: %v", err)
	}

	got, err := s.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	want := store.Counts{
		Replies:       3,
		Sends:         2,
		FailedSends:   1,
		RepliesByTier: map[string]int64{"keyword": 2, "exact": 1},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Counts mismatch (-want +got):\n%s", diff)
	}

	recent, err := s.RecentReplies(ctx, 2)
	if err != nil {
		t.Fatalf("RecentReplies: %v", err)
	}
	if len(recent) != 2 || recent[0].User != "u3" || recent[1].User != "u2" {
		t.Errorf("RecentReplies(2) = %+v, want u3 then u2", recent)
	}
	if !recent[0].CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", recent[0].CreatedAt, now)
	}
}

func TestReset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.RecordReply(ctx, store.ReplyRecord{Agent: "a1", Tier: "keyword", User: "u", Content: "x"})
	s.RecordSend(ctx, store.SendRecord{Agent: "a1", Text: "x"})

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	got, err := s.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if got.Replies != 0 || got.Sends != 0 {
		t.Errorf("after Reset: %+v, want zero", got)
	}
}

func TestConcurrentWriters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const agents, each = 4, 25
	var wg sync.WaitGroup
	errs := make(chan error, agents*each)
	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < each; j++ {
				if err := s.RecordSend(ctx, store.SendRecord{Agent: string(rune('a' + id)), Text: "m"}); err != nil {
					errs <- err
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("RecordSend: %v", err)
	}

	got, err := s.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if got.Sends != agents*each {
		t.Errorf("Sends = %d, want %d", got.Sends, agents*each)
	}
}

func TestReopenKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.db")
	s, err := New(path)
	if err != nil {
		t.Fatalf("New(%q): %v", path, err)
	}
	s.RecordSend(context.Background(), store.SendRecord{Agent: "a1", Text: "kept"})
	s.Close()

	s, err = New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, _ := s.Counts(context.Background())
	if got.Sends != 1 {
		t.Errorf("Sends after reopen = %d, want 1", got.Sends)
	}
}
