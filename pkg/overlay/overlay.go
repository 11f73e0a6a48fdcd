package overlay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ericvolp12/readstate/pkg/entity"
	"github.com/jonboulle/clockwork"
)

// DefaultTTL is how long a realtime-delivered item is treated as unread
// while the server's own flag catches up.
const DefaultTTL = 6 * time.Hour

type key struct {
	entityType entity.Type
	entityID   string
}

// Overlay is an in-memory, TTL-bounded set of "treat as unread" marks for
// items delivered in realtime. It is safe to drop entirely.
type Overlay struct {
	logger *slog.Logger
	clock  clockwork.Clock
	ttl    time.Duration

	mu    sync.Mutex
	marks map[key]time.Time
}

func New(clock clockwork.Clock, ttl time.Duration, logger *slog.Logger) *Overlay {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Overlay{
		logger: logger.With("module", "overlay"),
		clock:  clock,
		ttl:    ttl,
		marks:  make(map[key]time.Time),
	}
}

// MarkItemUnread records now as the mark time. An existing mark is only
// ever moved forward.
func (o *Overlay) MarkItemUnread(entityType entity.Type, entityID string) {
	now := o.clock.Now()

	o.mu.Lock()
	defer o.mu.Unlock()

	k := key{entityType, entityID}
	if prev, ok := o.marks[k]; ok && prev.After(now) {
		return
	}
	o.marks[k] = now
	marksGauge.Set(float64(len(o.marks)))
}

// IsItemUnread is true iff the item was marked less than TTL ago.
func (o *Overlay) IsItemUnread(entityType entity.Type, entityID string) bool {
	now := o.clock.Now()

	o.mu.Lock()
	defer o.mu.Unlock()

	markedAt, ok := o.marks[key{entityType, entityID}]
	if !ok {
		return false
	}
	return o.live(markedAt, now)
}

func (o *Overlay) ClearItem(entityType entity.Type, entityID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.marks, key{entityType, entityID})
	marksGauge.Set(float64(len(o.marks)))
}

// CleanupExpired removes every mark past TTL and returns how many were
// removed. The result depends only on the current time.
func (o *Overlay) CleanupExpired() int {
	now := o.clock.Now()

	o.mu.Lock()
	defer o.mu.Unlock()

	removed := 0
	for k, markedAt := range o.marks {
		if !o.live(markedAt, now) {
			delete(o.marks, k)
			removed++
		}
	}
	marksGauge.Set(float64(len(o.marks)))
	marksExpired.Add(float64(removed))
	return removed
}

// Reset drops every mark.
func (o *Overlay) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.marks = make(map[key]time.Time)
	marksGauge.Set(0)
}

func (o *Overlay) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.marks)
}

// Run sweeps expired marks every interval until ctx is done.
func (o *Overlay) Run(ctx context.Context, interval time.Duration) {
	ticker := o.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if n := o.CleanupExpired(); n > 0 {
				o.logger.Debug("swept expired unread marks", "removed", n)
			}
		}
	}
}

func (o *Overlay) live(markedAt, now time.Time) bool {
	return now.Sub(markedAt) < o.ttl
}
