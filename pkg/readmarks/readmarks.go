package readmarks

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/ericvolp12/readstate/pkg/entity"
	"github.com/ericvolp12/readstate/pkg/storage"
	"github.com/jonboulle/clockwork"
)

const DocumentKey = "readstate:read-marks"

// ReadMark records that the signed-in user has read an entity locally.
type ReadMark struct {
	EntityID    string      `json:"entityId"`
	EntityType  entity.Type `json:"entityType"`
	ArticleID   string      `json:"articleId,omitempty"`
	CommunityID string      `json:"communityId,omitempty"`
	MarkedAt    time.Time   `json:"markedAt"`
	Synced      bool        `json:"synced"`
}

func (m ReadMark) Ref() entity.Ref { return entity.Ref{Type: m.EntityType, ID: m.EntityID} }

type state struct {
	Marks map[string]ReadMark `json:"marks"`
}

func emptyState() state {
	return state{Marks: map[string]ReadMark{}}
}

// Store is the durable set of locally read entities. Membership is
// monotonic: a mark is only removed by an owner reset.
type Store struct {
	logger *slog.Logger
	clock  clockwork.Clock
	doc    *storage.Scoped[state]
}

func New(docs storage.Documents, clock clockwork.Clock, logger *slog.Logger) *Store {
	logger = logger.With("module", "readmarks")
	return &Store{
		logger: logger,
		clock:  clock,
		doc:    storage.NewScoped(docs, DocumentKey, emptyState, logger),
	}
}

func (s *Store) Hydrate(ctx context.Context) { s.doc.Hydrate(ctx) }
func (s *Store) Ready() bool { return s.doc.Ready() }
// Refresh picks up marks written by other tab sessions and reports whether
// anything changed.
func (s *Store) Refresh(ctx context.Context) (bool, error) { return s.doc.Refresh(ctx) }
func (s *Store) Reset(ctx context.Context) error { return s.doc.Reset(ctx) }
func (s *Store) WaitReady(ctx context.Context) error { return s.doc.WaitReady(ctx) }

// MarkItemRead adds the mark and reports whether it was new. Repeated calls
// for the same entity are no-ops.
func (s *Store) MarkItemRead(ctx context.Context, owner string, ref entity.Ref, scope entity.Scope) (bool, error) {
	created := false
	err := s.doc.Update(ctx, owner, func(st *state) bool {
		created = false
		if st.Marks == nil {
			st.Marks = map[string]ReadMark{}
		}
		k := ref.String()
		if _, ok := st.Marks[k]; ok {
			return false
		}
		st.Marks[k] = ReadMark{
			EntityID:    ref.ID,
			EntityType:  ref.Type,
			ArticleID:   scope.ArticleID,
			CommunityID: scope.CommunityID,
			MarkedAt:    s.clock.Now(),
		}
		created = true
		return true
	})
	if err != nil {
		return false, err
	}
	if created {
		marksCreated.Inc()
	}
	return created, nil
}

func (s *Store) IsItemRead(ctx context.Context, owner string, ref entity.Ref) bool {
	read := false
	err := s.doc.View(ctx, owner, func(st state) {
		_, read = st.Marks[ref.String()]
	})
	if err != nil {
		s.logger.Warn("failed to look up read mark", "ref", ref.String(), "err", err)
		return false
	}
	return read
}

// ShownUnread is the presentation rule every consumer uses: the server must
// still flag the entity unread and there must be no local read mark.
func (s *Store) ShownUnread(ctx context.Context, owner string, serverUnread bool, ref entity.Ref) bool {
	return serverUnread && !s.IsItemRead(ctx, owner, ref)
}

func (s *Store) Count(ctx context.Context, owner string) int {
	n := 0
	if err := s.doc.View(ctx, owner, func(st state) { n = len(st.Marks) }); err != nil {
		s.logger.Warn("failed to count read marks", "err", err)
	}
	return n
}

// MarkedSince returns the marks created at or after since, oldest first,
// whichever tab session created them.
func (s *Store) MarkedSince(ctx context.Context, owner string, since time.Time) ([]ReadMark, error) {
	var out []ReadMark
	err := s.doc.View(ctx, owner, func(st state) {
		for _, m := range st.Marks {
			if !m.MarkedAt.Before(since) {
				out = append(out, m)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].MarkedAt.Before(out[j].MarkedAt)
	})
	return out, nil
}

// Pending returns the marks not yet confirmed by the backend, oldest first.
func (s *Store) Pending(ctx context.Context, owner string) ([]ReadMark, error) {
	var pending []ReadMark
	err := s.doc.View(ctx, owner, func(st state) {
		for _, m := range st.Marks {
			if !m.Synced {
				pending = append(pending, m)
			}
		}
	})
	if err != nil {
		s.logger.Warn("failed to list pending read marks", "err", err)
		return nil, err
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].MarkedAt.Before(pending[j].MarkedAt)
	})
	return pending, nil
}

// Acknowledge flags flushed marks as synced. It does nothing if the store
// changed owner since the flush started.
func (s *Store) Acknowledge(ctx context.Context, owner string, marks []ReadMark) error {
	if len(marks) == 0 {
		return nil
	}
	_, err := s.doc.UpdateIfOwner(ctx, owner, func(st *state) bool {
		changed := false
		for _, m := range marks {
			k := m.Ref().String()
			cur, ok := st.Marks[k]
			if !ok || cur.Synced {
				continue
			}
			cur.Synced = true
			st.Marks[k] = cur
			changed = true
		}
		return changed
	})
	return err
}
