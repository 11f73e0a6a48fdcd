// Package activity tracks when the user last looked at each notification
// surface. It is independent of read state: opening the bell marks the
// bell seen without reading anything inside it.
package activity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ericvolp12/readstate/pkg/storage"
	"github.com/jonboulle/clockwork"
)

const DocumentKey = "readstate:activity"

type Surface string

const (
	Bell        Surface = "bell"
	SystemTab   Surface = "system"
	MentionsTab Surface = "mentions"
)

func ParseSurface(s string) (Surface, error) {
	switch Surface(s) {
	case Bell, SystemTab, MentionsTab:
		return Surface(s), nil
	}
	return "", fmt.Errorf("unknown surface %q", s)
}

type Timestamps struct {
	OwnerUserID           string    `json:"ownerUserId"`
	LastBellSeenAt        time.Time `json:"lastBellSeenAt"`
	LastSystemTabSeenAt   time.Time `json:"lastSystemTabSeenAt"`
	LastMentionsTabSeenAt time.Time `json:"lastMentionsTabSeenAt"`
}

func (t Timestamps) LastSeen(s Surface) time.Time {
	switch s {
	case Bell:
		return t.LastBellSeenAt
	case SystemTab:
		return t.LastSystemTabSeenAt
	case MentionsTab:
		return t.LastMentionsTabSeenAt
	}
	return time.Time{}
}

// HasNew reports whether something newer than the last visit exists.
func HasNew(latest, lastSeen time.Time) bool {
	return !latest.IsZero() && latest.After(lastSeen)
}

type Store struct {
	clock clockwork.Clock
	doc   *storage.Scoped[Timestamps]
}

func New(docs storage.Documents, clock clockwork.Clock, logger *slog.Logger) *Store {
	return &Store{
		clock: clock,
		doc:   storage.NewScoped(docs, DocumentKey, func() Timestamps { return Timestamps{} }, logger.With("module", "activity")),
	}
}

func (s *Store) Hydrate(ctx context.Context) { s.doc.Hydrate(ctx) }
func (s *Store) Reset(ctx context.Context) error { return s.doc.Reset(ctx) }
func (s *Store) Refresh(ctx context.Context) (bool, error) { return s.doc.Refresh(ctx) }

func (s *Store) MarkBellSeen(ctx context.Context, owner string) error {
	return s.MarkSeen(ctx, owner, Bell)
}

func (s *Store) MarkSystemTabSeen(ctx context.Context, owner string) error {
	return s.MarkSeen(ctx, owner, SystemTab)
}

func (s *Store) MarkMentionsTabSeen(ctx context.Context, owner string) error {
	return s.MarkSeen(ctx, owner, MentionsTab)
}

func (s *Store) MarkSeen(ctx context.Context, owner string, surface Surface) error {
	now := s.clock.Now()
	return s.doc.Update(ctx, owner, func(t *Timestamps) bool {
		t.OwnerUserID = owner
		switch surface {
		case Bell:
			t.LastBellSeenAt = now
		case SystemTab:
			t.LastSystemTabSeenAt = now
		case MentionsTab:
			t.LastMentionsTabSeenAt = now
		default:
			return false
		}
		return true
	})
}

// Get returns the owner's timestamps; all zero for a fresh owner.
func (s *Store) Get(ctx context.Context, owner string) (Timestamps, error) {
	var out Timestamps
	err := s.doc.View(ctx, owner, func(t Timestamps) { out = t })
	out.OwnerUserID = owner
	return out, err
}
