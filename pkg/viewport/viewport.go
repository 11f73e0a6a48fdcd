// Package viewport turns visibility reports for rendered items into read
// commits once the user has dwelt on them long enough.
package viewport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ericvolp12/readstate/pkg/entity"
	"github.com/jonboulle/clockwork"
)

type Config struct {
	// Threshold is the visible fraction at which dwell starts.
	Threshold float64
	// Dwell is how long an item must stay visible before it is committed.
	Dwell time.Duration
	// Hide is how long the NEW signal stays on after the commit.
	Hide time.Duration
}

func DefaultConfig() Config {
	return Config{
		Threshold: 0.5,
		Dwell:     2000 * time.Millisecond,
		Hide:      2000 * time.Millisecond,
	}
}

// Target is what the UI knows about a rendered item.
type Target struct {
	Ref           entity.Ref
	Scope         entity.Scope
	DiscussionID  string
	HasUnreadFlag bool
}

// Committer applies a read commit. CommitRead must persist the read mark
// and clear the overlay and aggregator state for the target.
type Committer interface {
	IsItemRead(ctx context.Context, ref entity.Ref) bool
	CommitRead(ctx context.Context, target Target) error
}

type Tracker struct {
	logger    *slog.Logger
	clock     clockwork.Clock
	committer Committer
	config    Config

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	items   map[*Item]struct{}
	stopped bool
	// inflight commits; Stop waits for them.
	inflight sync.WaitGroup
}

func New(committer Committer, clock clockwork.Clock, config Config, logger *slog.Logger) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		logger:    logger.With("module", "viewport"),
		clock:     clock,
		committer: committer,
		config:    config,
		ctx:       ctx,
		cancel:    cancel,
		items:     make(map[*Item]struct{}),
	}
}

// Item is one tracked element.
type Item struct {
	t      *Tracker
	target Target

	// guarded by t.mu
	eligible  bool
	visible   bool
	processed bool
	isNew     bool
	closed    bool
	gen       uint64
	dwell     clockwork.Timer
	hide      clockwork.Timer

	committed chan struct{}
	hidden    chan struct{}
	closeOnce sync.Once
}

// Track starts tracking target. Items that are not currently unread are
// returned inert: they never start a dwell timer.
func (t *Tracker) Track(ctx context.Context, target Target) *Item {
	eligible := target.HasUnreadFlag && !t.committer.IsItemRead(ctx, target.Ref)

	it := &Item{
		t:         t,
		target:    target,
		eligible:  eligible,
		isNew:     eligible,
		committed: make(chan struct{}),
		hidden:    make(chan struct{}),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		it.closed = true
		return it
	}
	t.items[it] = struct{}{}
	trackedItems.Inc()
	return it
}

func (it *Item) Target() Target { return it.target }

// IsNew reports whether the NEW signal should still be shown.
func (it *Item) IsNew() bool {
	it.t.mu.Lock()
	defer it.t.mu.Unlock()
	return it.isNew
}

// Committed is closed once the read commit for this item succeeded.
func (it *Item) Committed() <-chan struct{} { return it.committed }

// Hidden is closed when the NEW signal turns off after a commit.
func (it *Item) Hidden() <-chan struct{} { return it.hidden }

// SetVisibility reports the visible fraction of the item. Crossing the
// threshold upward starts the dwell timer and dropping below it cancels
// the timer without partial credit.
func (it *Item) SetVisibility(ratio float64) {
	t := it.t
	t.mu.Lock()
	defer t.mu.Unlock()

	if !it.eligible || it.processed || it.closed || t.stopped {
		return
	}

	visible := ratio >= t.config.Threshold
	switch {
	case visible && !it.visible:
		it.visible = true
		it.gen++
		gen := it.gen
		it.dwell = t.clock.AfterFunc(t.config.Dwell, func() { it.dwellElapsed(gen) })
		dwellStarted.Inc()
	case !visible && it.visible:
		it.visible = false
		it.gen++
		if it.dwell != nil {
			it.dwell.Stop()
			it.dwell = nil
		}
		dwellCanceled.Inc()
	}
}

func (it *Item) dwellElapsed(gen uint64) {
	t := it.t

	t.mu.Lock()
	if t.stopped || it.closed || it.processed || gen != it.gen {
		t.mu.Unlock()
		return
	}
	it.processed = true
	it.dwell = nil
	t.inflight.Add(1)
	t.mu.Unlock()
	defer t.inflight.Done()

	err := t.committer.CommitRead(t.ctx, it.target)

	t.mu.Lock()
	if err != nil {
		// Nothing was committed; the next intersection may try again.
		it.processed = false
		it.visible = false
		t.mu.Unlock()
		commitFailures.Inc()
		t.logger.Error("failed to commit read", "ref", it.target.Ref.String(), "err", err)
		return
	}
	if !it.closed && !t.stopped {
		it.hide = t.clock.AfterFunc(t.config.Hide, it.hideElapsed)
	}
	t.mu.Unlock()

	commits.Inc()
	close(it.committed)
}

func (it *Item) hideElapsed() {
	t := it.t
	t.mu.Lock()
	if it.closed || t.stopped {
		t.mu.Unlock()
		return
	}
	it.isNew = false
	it.hide = nil
	t.mu.Unlock()
	close(it.hidden)
}

// Close stops observing the item. No timer callback runs for it afterwards.
func (it *Item) Close() {
	t := it.t
	t.mu.Lock()
	defer t.mu.Unlock()
	it.closeLocked()
	delete(t.items, it)
}

func (it *Item) closeLocked() {
	it.closeOnce.Do(func() {
		if !it.closed {
			trackedItems.Dec()
		}
		it.closed = true
		it.gen++
		if it.dwell != nil {
			it.dwell.Stop()
			it.dwell = nil
		}
		if it.hide != nil {
			it.hide.Stop()
			it.hide = nil
		}
	})
}

// Stop closes every item and waits for commits already in progress.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	for it := range t.items {
		it.closeLocked()
	}
	t.items = make(map[*Item]struct{})
	t.mu.Unlock()

	t.inflight.Wait()
	t.cancel()
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}
