package mentions

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ericvolp12/readstate/pkg/entity"
	"github.com/ericvolp12/readstate/pkg/storage"
	"github.com/jonboulle/clockwork"
)

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
}

type recordingArchiver struct {
	mu     sync.Mutex
	pruned []Mention
}

func (a *recordingArchiver) ArchiveMentions(owner string, pruned []Mention) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruned = append(a.pruned, pruned...)
}

// setupTestLog returns a hydrated mention log backed by a temp sqlite file.
func setupTestLog(t *testing.T, policy Policy) (*Log, fakeClock, *recordingArchiver) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	db, err := storage.Open(filepath.Join(t.TempDir(), "readstate.db"), true, clock, logger)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})

	archiver := &recordingArchiver{}
	l := New(db, clock, policy, archiver, logger)
	l.Hydrate(context.Background())
	return l, clock, archiver
}

func commentMention(target, sourceID string) Mention {
	return Mention{
		SourceType:     entity.Comment,
		SourceID:       sourceID,
		DiscussionID:   "d1",
		ArticleID:      "a1",
		AuthorUsername: "carol",
		Excerpt:        "hey @" + target,
		TargetUsername: target,
	}
}

func TestMentionID(t *testing.T) {
	t.Parallel()

	a := MentionID("Alice", entity.Comment, "55")
	b := MentionID("alice", entity.Comment, "55")
	if a != b {
		t.Errorf("ids must not depend on username case: %q vs %q", a, b)
	}
	if MentionID("alice", entity.Discussion, "55") == a {
		t.Error("source type must be part of the id")
	}
}

func TestBuildLink(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		m    Mention
		want string
	}{
		{
			name: "discussion mention links to the discussion",
			m:    Mention{SourceType: entity.Discussion, SourceID: "d9", DiscussionID: "d9", ArticleID: "a1"},
			want: "/articles/a1/discussions/d9",
		},
		{
			name: "comment mention adds an anchor",
			m:    Mention{SourceType: entity.Comment, SourceID: "55", DiscussionID: "d9", ArticleID: "a1", CommunityID: "c2"},
			want: "/communities/c2/articles/a1/discussions/d9#comment-55",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := BuildLink(tt.m); got != tt.want {
				t.Errorf("BuildLink = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAddMentionDeduplicates(t *testing.T) {
	t.Parallel()

	l, clock, _ := setupTestLog(t, DefaultPolicy())
	ctx := context.Background()

	pushed := commentMention("alice", "55")
	added, err := l.AddMention(ctx, "user-a", pushed)
	if err != nil || !added {
		t.Fatalf("push delivery should insert: added=%v err=%v", added, err)
	}

	clock.Advance(time.Minute)
	backfilled := commentMention("alice", "55")
	backfilled.Excerpt = "backfilled copy"
	added, err = l.AddMention(ctx, "user-a", backfilled)
	if err != nil {
		t.Fatalf("AddMention failed: %v", err)
	}
	if added {
		t.Error("backfill of the same mention must not insert")
	}

	got := l.List(ctx, "user-a")
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 mention, got %d", len(got))
	}
	if got[0].IsRead {
		t.Error("mention must be unread")
	}
	if got[0].Link != "/articles/a1/discussions/d1#comment-55" {
		t.Errorf("unexpected link %q", got[0].Link)
	}
}

func TestAddMentionRejectsBadInput(t *testing.T) {
	t.Parallel()

	l, _, _ := setupTestLog(t, DefaultPolicy())
	ctx := context.Background()

	m := commentMention("alice", "1")
	m.SourceType = entity.Reply
	if _, err := l.AddMention(ctx, "user-a", m); err == nil {
		t.Error("reply is not a mention source")
	}
	if _, err := l.AddMention(ctx, "user-a", commentMention("", "1")); err == nil {
		t.Error("missing target must be rejected")
	}
}

func TestRetention(t *testing.T) {
	t.Parallel()

	l, clock, archiver := setupTestLog(t, DefaultPolicy())
	ctx := context.Background()

	l.AddMention(ctx, "user-a", commentMention("alice", "old"))
	clock.Advance(20 * 24 * time.Hour)
	l.AddMention(ctx, "user-a", commentMention("alice", "recent"))
	clock.Advance(11 * 24 * time.Hour)

	if err := l.CleanupExpired(ctx, "user-a"); err != nil {
		t.Fatalf("CleanupExpired failed: %v", err)
	}
	got := l.List(ctx, "user-a")
	if len(got) != 1 || got[0].SourceID != "recent" {
		t.Fatalf("expected only the recent mention, got %+v", got)
	}
	if len(archiver.pruned) != 1 || archiver.pruned[0].SourceID != "old" {
		t.Errorf("expected the expired mention to be archived, got %+v", archiver.pruned)
	}
}

func TestCapacity(t *testing.T) {
	t.Parallel()

	t.Run("oldest entry evicted", func(t *testing.T) {
		t.Parallel()

		l, clock, _ := setupTestLog(t, Policy{Retention: 30 * 24 * time.Hour, Capacity: 3})
		ctx := context.Background()

		for i := 0; i < 4; i++ {
			if _, err := l.AddMention(ctx, "user-a", commentMention("alice", fmt.Sprint(i))); err != nil {
				t.Fatalf("AddMention failed: %v", err)
			}
			clock.Advance(time.Second)
		}

		got := l.List(ctx, "user-a")
		if len(got) != 3 {
			t.Fatalf("expected 3 mentions, got %d", len(got))
		}
		if got[0].SourceID != "3" || got[2].SourceID != "1" {
			t.Errorf("expected newest first with the oldest evicted, got %s..%s", got[0].SourceID, got[2].SourceID)
		}
	})

	t.Run("default policy keeps 500", func(t *testing.T) {
		t.Parallel()

		l, clock, archiver := setupTestLog(t, DefaultPolicy())
		ctx := context.Background()

		for i := 0; i < 501; i++ {
			if _, err := l.AddMention(ctx, "user-a", commentMention("alice", fmt.Sprint(i))); err != nil {
				t.Fatalf("AddMention failed: %v", err)
			}
			clock.Advance(time.Second)
		}

		got := l.List(ctx, "user-a")
		if len(got) != 500 {
			t.Fatalf("expected exactly 500 mentions, got %d", len(got))
		}
		if got[0].SourceID != "500" || got[499].SourceID != "1" {
			t.Errorf("expected mention 0 evicted, got %s..%s", got[0].SourceID, got[499].SourceID)
		}

		archiver.mu.Lock()
		defer archiver.mu.Unlock()
		if len(archiver.pruned) != 1 || archiver.pruned[0].SourceID != "0" {
			t.Errorf("expected only mention 0 archived, got %d entries", len(archiver.pruned))
		}
	})
}

func TestCountsLogLookupFailures(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	db, err := storage.Open(filepath.Join(t.TempDir(), "readstate.db"), true, clock, logger)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})

	var buf bytes.Buffer
	l := New(db, clock, DefaultPolicy(), nil, slog.New(slog.NewTextHandler(&buf, nil)))

	// Not hydrated and already canceled: the lookups cannot wait for the log.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if n := l.UnreadCount(ctx, "user-a"); n != 0 {
		t.Errorf("expected 0 on a failed lookup, got %d", n)
	}
	if latest := l.LatestDetectedAt(ctx, "user-a"); !latest.IsZero() {
		t.Errorf("expected the zero time on a failed lookup, got %v", latest)
	}
	for _, msg := range []string{"failed to count unread mentions", "failed to find latest mention"} {
		if !strings.Contains(buf.String(), msg) {
			t.Errorf("expected %q to be logged, got %q", msg, buf.String())
		}
	}
}

func TestPrune(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	entries := make([]Mention, 0, 501)
	for i := 0; i < 501; i++ {
		entries = append(entries, Mention{
			ID:         fmt.Sprintf("m%03d", i),
			DetectedAt: now.Add(-time.Duration(501-i) * time.Minute),
		})
	}

	kept, pruned := Prune(entries, now, DefaultPolicy())
	if len(kept) != 500 {
		t.Fatalf("expected 500 kept, got %d", len(kept))
	}
	if len(pruned) != 1 || pruned[0].ID != "m000" {
		t.Errorf("expected the oldest entry evicted, got %+v", pruned)
	}
	if kept[0].ID != "m500" {
		t.Errorf("expected newest first, got %s", kept[0].ID)
	}

	again, prunedAgain := Prune(kept, now, DefaultPolicy())
	if len(again) != 500 || len(prunedAgain) != 0 {
		t.Error("pruning must be idempotent")
	}
}

func TestReadStateTransitions(t *testing.T) {
	t.Parallel()

	l, _, _ := setupTestLog(t, DefaultPolicy())
	ctx := context.Background()

	l.AddMention(ctx, "user-a", commentMention("alice", "1"))
	l.AddMention(ctx, "user-a", commentMention("alice", "2"))
	id := MentionID("alice", entity.Comment, "1")

	found, err := l.MarkMentionAsRead(ctx, "user-a", id)
	if err != nil || !found {
		t.Fatalf("MarkMentionAsRead: found=%v err=%v", found, err)
	}
	if n := l.UnreadCount(ctx, "user-a"); n != 1 {
		t.Errorf("expected 1 unread, got %d", n)
	}

	found, _ = l.MarkMentionAsRead(ctx, "user-a", "mention:alice:comment:nope")
	if found {
		t.Error("unknown id must not be found")
	}

	removed, err := l.ClearReadMentions(ctx, "user-a")
	if err != nil {
		t.Fatalf("ClearReadMentions failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	got := l.List(ctx, "user-a")
	if len(got) != 1 || got[0].SourceID != "2" {
		t.Errorf("expected only the unread mention to remain, got %+v", got)
	}

	n, _ := l.MarkAllAsRead(ctx, "user-a")
	if n != 1 || l.UnreadCount(ctx, "user-a") != 0 {
		t.Errorf("MarkAllAsRead marked %d, unread now %d", n, l.UnreadCount(ctx, "user-a"))
	}
}

func TestOwnerSwitchClearsLog(t *testing.T) {
	t.Parallel()

	l, _, _ := setupTestLog(t, DefaultPolicy())
	ctx := context.Background()

	l.AddMention(ctx, "user-a", commentMention("alice", "1"))

	if found, _ := l.MarkMentionAsRead(ctx, "user-b", MentionID("alice", entity.Comment, "1")); found {
		t.Error("user-b must not reach user-a's mentions")
	}
	if got := l.List(ctx, "user-b"); len(got) != 0 {
		t.Errorf("expected an empty log for user-b, got %d entries", len(got))
	}
}
