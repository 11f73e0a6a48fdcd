package mentions

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ericvolp12/readstate/pkg/entity"
	"github.com/ericvolp12/readstate/pkg/storage"
	"github.com/jonboulle/clockwork"
)

const DocumentKey = "readstate:mentions"

// Mention is one @mention of the signed-in user.
type Mention struct {
	ID             string      `json:"id"`
	SourceType     entity.Type `json:"sourceType"`
	SourceID       string      `json:"sourceId"`
	DiscussionID   string      `json:"discussionId"`
	ArticleID      string      `json:"articleId"`
	CommunityID    string      `json:"communityId,omitempty"`
	AuthorUsername string      `json:"authorUsername"`
	Excerpt        string      `json:"excerpt"`
	Link           string      `json:"link"`
	CreatedAt      time.Time   `json:"createdAt"`
	DetectedAt     time.Time   `json:"detectedAt"`
	IsRead         bool        `json:"isRead"`
	TargetUsername string      `json:"targetUsername"`
}

// MentionID derives the dedup key for a mention. The same mention delivered
// by push and by backfill maps to the same id.
func MentionID(targetUsername string, sourceType entity.Type, sourceID string) string {
	return fmt.Sprintf("mention:%s:%s:%s", strings.ToLower(targetUsername), sourceType, sourceID)
}

// BuildLink points at the discussion; comment mentions add an anchor since
// comments render inside their parent discussion thread.
func BuildLink(m Mention) string {
	var b strings.Builder
	if m.CommunityID != "" {
		b.WriteString("/communities/")
		b.WriteString(m.CommunityID)
	}
	b.WriteString("/articles/")
	b.WriteString(m.ArticleID)
	b.WriteString("/discussions/")
	b.WriteString(m.DiscussionID)
	if m.SourceType == entity.Comment {
		b.WriteString("#comment-")
		b.WriteString(m.SourceID)
	}
	return b.String()
}

// Policy bounds the log by age and size.
type Policy struct {
	Retention time.Duration
	Capacity  int
}

func DefaultPolicy() Policy {
	return Policy{
		Retention: 30 * 24 * time.Hour,
		Capacity:  500,
	}
}

// Prune applies the retention and capacity rules. kept is ordered by
// DetectedAt descending; pruned holds everything dropped.
func Prune(entries []Mention, now time.Time, p Policy) (kept, pruned []Mention) {
	cutoff := now.Add(-p.Retention)
	kept = make([]Mention, 0, len(entries))
	for _, m := range entries {
		if m.DetectedAt.Before(cutoff) {
			pruned = append(pruned, m)
			continue
		}
		kept = append(kept, m)
	}

	sortNewestFirst(kept)

	if p.Capacity > 0 && len(kept) > p.Capacity {
		pruned = append(pruned, kept[p.Capacity:]...)
		kept = kept[:p.Capacity]
	}
	return kept, pruned
}

func sortNewestFirst(entries []Mention) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].DetectedAt.Equal(entries[j].DetectedAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].DetectedAt.After(entries[j].DetectedAt)
	})
}

// Archiver receives mentions dropped by retention or capacity.
type Archiver interface {
	ArchiveMentions(owner string, pruned []Mention)
}

type state struct {
	Entries []Mention `json:"entries"`
}

func emptyState() state { return state{} }

// Log is the deduplicated, retained, capacity-bounded mention list.
type Log struct {
	logger   *slog.Logger
	clock    clockwork.Clock
	policy   Policy
	archiver Archiver
	doc      *storage.Scoped[state]
}

func New(docs storage.Documents, clock clockwork.Clock, policy Policy, archiver Archiver, logger *slog.Logger) *Log {
	logger = logger.With("module", "mentions")
	return &Log{
		logger:   logger,
		clock:    clock,
		policy:   policy,
		archiver: archiver,
		doc:      storage.NewScoped(docs, DocumentKey, emptyState, logger),
	}
}

func (l *Log) Hydrate(ctx context.Context) { l.doc.Hydrate(ctx) }
func (l *Log) Ready() bool { return l.doc.Ready() }
func (l *Log) Refresh(ctx context.Context) (bool, error) { return l.doc.Refresh(ctx) }
func (l *Log) Reset(ctx context.Context) error { return l.doc.Reset(ctx) }

// update prunes before and after fn so every mutator honors the retention
// and capacity contract, then archives whatever was dropped.
func (l *Log) update(ctx context.Context, userID string, fn func(st *state) bool) error {
	var dropped []Mention
	err := l.doc.Update(ctx, userID, func(st *state) bool {
		dropped = nil
		kept, pruned := Prune(st.Entries, l.clock.Now(), l.policy)
		st.Entries = kept
		dropped = append(dropped, pruned...)

		changed := len(pruned) > 0
		if fn != nil && fn(st) {
			changed = true
			kept, pruned = Prune(st.Entries, l.clock.Now(), l.policy)
			st.Entries = kept
			dropped = append(dropped, pruned...)
		}
		return changed
	})
	if err != nil {
		return err
	}
	if len(dropped) > 0 {
		mentionsPruned.Add(float64(len(dropped)))
		if l.archiver != nil {
			l.archiver.ArchiveMentions(userID, dropped)
		}
	}
	return nil
}

// AddMention stores m for userID unless a mention with the same dedup id
// exists. It reports whether a new entry was inserted.
func (l *Log) AddMention(ctx context.Context, userID string, m Mention) (bool, error) {
	if m.SourceType != entity.Discussion && m.SourceType != entity.Comment {
		return false, fmt.Errorf("unsupported mention source type %q", m.SourceType)
	}
	if m.TargetUsername == "" || m.SourceID == "" {
		return false, fmt.Errorf("mention is missing target or source id")
	}

	m.ID = MentionID(m.TargetUsername, m.SourceType, m.SourceID)
	if m.DetectedAt.IsZero() {
		m.DetectedAt = l.clock.Now()
	}
	if m.Link == "" {
		m.Link = BuildLink(m)
	}

	added := false
	err := l.update(ctx, userID, func(st *state) bool {
		added = false
		for _, e := range st.Entries {
			if e.ID == m.ID {
				return false
			}
		}

		entries := make([]Mention, 0, len(st.Entries)+1)
		entries = append(entries, m)
		entries = append(entries, st.Entries...)
		sortNewestFirst(entries)
		st.Entries = entries
		added = true
		return true
	})
	if err != nil {
		return false, err
	}

	if added {
		mentionsAdded.Inc()
	} else {
		mentionsDeduplicated.Inc()
	}
	return added, nil
}

// MarkMentionAsRead flips IsRead on the matching entry.
func (l *Log) MarkMentionAsRead(ctx context.Context, userID, id string) (bool, error) {
	found := false
	err := l.update(ctx, userID, func(st *state) bool {
		found = false
		for i := range st.Entries {
			if st.Entries[i].ID != id {
				continue
			}
			found = true
			if st.Entries[i].IsRead {
				return false
			}
			st.Entries[i].IsRead = true
			return true
		}
		return false
	})
	return found, err
}

func (l *Log) MarkAllAsRead(ctx context.Context, userID string) (int, error) {
	n := 0
	err := l.update(ctx, userID, func(st *state) bool {
		n = 0
		for i := range st.Entries {
			if !st.Entries[i].IsRead {
				st.Entries[i].IsRead = true
				n++
			}
		}
		return n > 0
	})
	return n, err
}

// ClearReadMentions keeps only unread entries and returns how many were removed.
func (l *Log) ClearReadMentions(ctx context.Context, userID string) (int, error) {
	removed := 0
	err := l.update(ctx, userID, func(st *state) bool {
		removed = 0
		unread := st.Entries[:0]
		for _, e := range st.Entries {
			if e.IsRead {
				removed++
				continue
			}
			unread = append(unread, e)
		}
		st.Entries = unread
		return removed > 0
	})
	return removed, err
}

// CleanupExpired applies only the retention and capacity rules.
func (l *Log) CleanupExpired(ctx context.Context, userID string) error {
	return l.update(ctx, userID, nil)
}

// RunCleanup applies retention every interval until ctx is done.
func (l *Log) RunCleanup(ctx context.Context, userID string, interval time.Duration) {
	ticker := l.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := l.CleanupExpired(ctx, userID); err != nil && ctx.Err() == nil {
				l.logger.Error("failed to clean up mentions", "err", err)
			}
		}
	}
}

// List returns the user's mentions, newest first.
func (l *Log) List(ctx context.Context, userID string) []Mention {
	var out []Mention
	err := l.doc.View(ctx, userID, func(st state) {
		out = make([]Mention, len(st.Entries))
		copy(out, st.Entries)
	})
	if err != nil {
		l.logger.Warn("failed to list mentions", "err", err)
	}
	return out
}

func (l *Log) UnreadCount(ctx context.Context, userID string) int {
	n := 0
	err := l.doc.View(ctx, userID, func(st state) {
		for _, e := range st.Entries {
			if !e.IsRead {
				n++
			}
		}
	})
	if err != nil {
		l.logger.Warn("failed to count unread mentions", "err", err)
	}
	return n
}

// LatestDetectedAt returns the newest DetectedAt, or the zero time.
func (l *Log) LatestDetectedAt(ctx context.Context, userID string) time.Time {
	var latest time.Time
	err := l.doc.View(ctx, userID, func(st state) {
		for _, e := range st.Entries {
			if e.DetectedAt.After(latest) {
				latest = e.DetectedAt
			}
		}
	})
	if err != nil {
		l.logger.Warn("failed to find latest mention", "err", err)
	}
	return latest
}
