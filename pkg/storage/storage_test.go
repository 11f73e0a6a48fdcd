package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// setupTestStore opens a fresh device profile database in a temp dir.
func setupTestStore(t *testing.T) (*SQLStore, fakeClock) {
	t.Helper()

	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	s, err := Open(filepath.Join(t.TempDir(), "readstate.db"), true, clock, testLogger())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})
	return s, clock
}

func TestDocuments(t *testing.T) {
	t.Parallel()

	s, _ := setupTestStore(t)
	ctx := context.Background()

	if _, err := s.Load(ctx, "readstate:missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	doc := &Document{Key: "readstate:test", Owner: "alice", Payload: []byte(`{"owner":"alice"}`)}
	if err := s.Save(ctx, doc); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := s.Load(ctx, "readstate:test")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.Owner != "alice" || string(got.Payload) != `{"owner":"alice"}` {
		t.Errorf("unexpected document: %+v", got)
	}
	if got.Version != 1 || doc.Version != 1 {
		t.Errorf("expected version 1 after the first save, got stored=%d doc=%d", got.Version, doc.Version)
	}

	// A second writer still holding version 0 must lose.
	stale := &Document{Key: "readstate:test", Owner: "bob", Payload: []byte(`{"owner":"bob"}`)}
	if err := s.Save(ctx, stale); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for a stale create, got %v", err)
	}

	got.Payload = []byte(`{"owner":"alice","n":2}`)
	if err := s.Save(ctx, got); err != nil {
		t.Fatalf("Save at the current version failed: %v", err)
	}
	doc.Payload = []byte(`{"owner":"alice","n":3}`)
	if err := s.Save(ctx, doc); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for a stale update, got %v", err)
	}
	if v, err := s.Version(ctx, "readstate:test"); err != nil || v != 2 {
		t.Errorf("expected stored version 2, got %d (err=%v)", v, err)
	}

	if err := s.Delete(ctx, "readstate:test"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Load(ctx, "readstate:test"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if v, err := s.Version(ctx, "readstate:test"); err != nil || v != 0 {
		t.Errorf("expected version 0 for a missing document, got %d (err=%v)", v, err)
	}
}

func TestLeases(t *testing.T) {
	t.Parallel()

	t.Run("only one holder while the lease is fresh", func(t *testing.T) {
		t.Parallel()

		s, _ := setupTestStore(t)
		ctx := context.Background()

		ok, err := s.Acquire(ctx, "queue", "tab-a", 10*time.Second)
		if err != nil || !ok {
			t.Fatalf("tab-a should acquire: ok=%v err=%v", ok, err)
		}
		ok, err = s.Acquire(ctx, "queue", "tab-b", 10*time.Second)
		if err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		if ok {
			t.Error("tab-b must not acquire a fresh lease held by tab-a")
		}

		holder, err := s.Holder(ctx, "queue")
		if err != nil {
			t.Fatalf("Holder failed: %v", err)
		}
		if holder != "tab-a" {
			t.Errorf("expected holder tab-a, got %q", holder)
		}
	})

	t.Run("holder renews and stale lease fails over", func(t *testing.T) {
		t.Parallel()

		s, clock := setupTestStore(t)
		ctx := context.Background()

		if ok, _ := s.Acquire(ctx, "queue", "tab-a", 10*time.Second); !ok {
			t.Fatal("tab-a should acquire")
		}
		clock.Advance(8 * time.Second)
		if ok, _ := s.Acquire(ctx, "queue", "tab-a", 10*time.Second); !ok {
			t.Fatal("tab-a should renew its own lease")
		}
		clock.Advance(8 * time.Second)
		if ok, _ := s.Acquire(ctx, "queue", "tab-b", 10*time.Second); ok {
			t.Fatal("renewed lease must still be fresh")
		}
		clock.Advance(3 * time.Second)
		ok, err := s.Acquire(ctx, "queue", "tab-b", 10*time.Second)
		if err != nil || !ok {
			t.Fatalf("tab-b should take over a stale lease: ok=%v err=%v", ok, err)
		}
	})

	t.Run("release frees the lease only for the holder", func(t *testing.T) {
		t.Parallel()

		s, _ := setupTestStore(t)
		ctx := context.Background()

		s.Acquire(ctx, "queue", "tab-a", time.Minute)
		if err := s.Release(ctx, "queue", "tab-b"); err != nil {
			t.Fatalf("Release failed: %v", err)
		}
		if holder, _ := s.Holder(ctx, "queue"); holder != "tab-a" {
			t.Fatalf("release by non-holder must be ignored, holder=%q", holder)
		}
		if err := s.Release(ctx, "queue", "tab-a"); err != nil {
			t.Fatalf("Release failed: %v", err)
		}
		if holder, _ := s.Holder(ctx, "queue"); holder != "" {
			t.Errorf("expected no holder, got %q", holder)
		}
	})
}

func TestRelay(t *testing.T) {
	t.Parallel()

	s, clock := setupTestStore(t)
	ctx := context.Background()

	err := s.Publish(ctx, "alice", []RelayedEvent{
		{EventID: 1, Raw: []byte(`{"id":1}`)},
		{EventID: 2, Raw: []byte(`{"id":2}`)},
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := s.Publish(ctx, "bob", []RelayedEvent{{EventID: 9, Raw: []byte(`{"id":9}`)}}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	evts, err := s.Since(ctx, "alice", 0, 10)
	if err != nil {
		t.Fatalf("Since failed: %v", err)
	}
	if len(evts) != 2 || evts[0].EventID != 1 || evts[1].EventID != 2 {
		t.Fatalf("unexpected events: %+v", evts)
	}

	rest, err := s.Since(ctx, "alice", evts[0].Seq, 10)
	if err != nil {
		t.Fatalf("Since failed: %v", err)
	}
	if len(rest) != 1 || rest[0].EventID != 2 {
		t.Errorf("expected only event 2 after first seq, got %+v", rest)
	}

	latest, err := s.LatestSeq(ctx, "alice")
	if err != nil {
		t.Fatalf("LatestSeq failed: %v", err)
	}
	if latest != evts[1].Seq {
		t.Errorf("expected latest seq %d, got %d", evts[1].Seq, latest)
	}

	clock.Advance(2 * time.Hour)
	n, err := s.Prune(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 pruned events, got %d", n)
	}
}
