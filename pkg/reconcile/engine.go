// Package reconcile runs one tab session: it projects realtime queue events
// into the local stores, commits reads observed in the viewport and merges
// server unread flags with local truth for display.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ericvolp12/readstate/pkg/activity"
	"github.com/ericvolp12/readstate/pkg/entity"
	"github.com/ericvolp12/readstate/pkg/mentions"
	"github.com/ericvolp12/readstate/pkg/overlay"
	"github.com/ericvolp12/readstate/pkg/queue"
	"github.com/ericvolp12/readstate/pkg/readmarks"
	"github.com/ericvolp12/readstate/pkg/storage"
	"github.com/ericvolp12/readstate/pkg/subscriptions"
	"github.com/ericvolp12/readstate/pkg/viewport"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("reconcile")

var ErrNotSignedIn = errors.New("not signed in")

// Session is the backend as seen by one signed-in user.
type Session interface {
	readmarks.Flusher
	FetchMentions(ctx context.Context, since time.Time) ([]mentions.Mention, error)
}

type Config struct {
	Queue         queue.Config
	Sync          readmarks.SyncConfig
	Viewport      viewport.Config
	MentionPolicy mentions.Policy

	OverlayTTL             time.Duration
	OverlaySweepInterval   time.Duration
	MentionCleanupInterval time.Duration
	// RefreshInterval is how often writes from other tab sessions are
	// picked up. Zero disables the refresh loop.
	RefreshInterval time.Duration
	FreshnessWindow        time.Duration
	BackfillOnSignIn       bool
	// SeenEvents bounds the set of event ids remembered for dedup.
	SeenEvents int
}

func DefaultConfig() Config {
	return Config{
		Queue:                  queue.DefaultConfig(),
		Sync:                   readmarks.DefaultSyncConfig(),
		Viewport:               viewport.DefaultConfig(),
		MentionPolicy:          mentions.DefaultPolicy(),
		OverlayTTL:             overlay.DefaultTTL,
		OverlaySweepInterval:   time.Minute,
		MentionCleanupInterval: time.Hour,
		RefreshInterval:        2 * time.Second,
		FreshnessWindow:        subscriptions.DefaultFreshnessWindow,
		BackfillOnSignIn:       true,
		SeenEvents:             4096,
	}
}

// Deps are the collaborators shared with other tab sessions on the same
// device profile.
type Deps struct {
	Docs     storage.Documents
	Leases   storage.Leases
	Relay    storage.Relay
	Backend  queue.Backend
	Sessions func(token string) Session
	Archiver mentions.Archiver
}

type Engine struct {
	logger   *slog.Logger
	clock    clockwork.Clock
	config   Config
	sessions func(token string) Session

	marks    *readmarks.Store
	overlay  *overlay.Overlay
	mentions *mentions.Log
	activity *activity.Store
	subs     *subscriptions.Aggregator
	viewing  *subscriptions.ViewingContext
	queue    *queue.Client
	seen     *lru.Cache[int64, struct{}]

	// lifecycle serializes SignIn, SignOut and Close.
	lifecycle sync.Mutex

	mu            sync.RWMutex
	identity      *queue.Identity
	session       Session
	syncer        *readmarks.Syncer
	tracker       *viewport.Tracker
	items         map[entity.Ref]*viewport.Item
	latestEventAt time.Time
	signedInAt    time.Time
	lastMarkSync  time.Time
	sweptMarks    map[string]time.Time
	userCancel    context.CancelFunc
	userLoops     sync.WaitGroup

	feed *feed
}

func New(deps Deps, clock clockwork.Clock, config Config, logger *slog.Logger) (*Engine, error) {
	logger = logger.With("module", "reconcile")

	if config.SeenEvents < 1 {
		config.SeenEvents = DefaultConfig().SeenEvents
	}
	seen, err := lru.New[int64, struct{}](config.SeenEvents)
	if err != nil {
		return nil, fmt.Errorf("failed to create seen event cache: %w", err)
	}

	e := &Engine{
		logger:   logger,
		clock:    clock,
		config:   config,
		sessions: deps.Sessions,
		marks:    readmarks.New(deps.Docs, clock, logger),
		overlay:  overlay.New(clock, config.OverlayTTL, logger),
		mentions: mentions.New(deps.Docs, clock, config.MentionPolicy, deps.Archiver, logger),
		activity: activity.New(deps.Docs, clock, logger),
		subs:     subscriptions.NewAggregator(),
		viewing:  subscriptions.NewViewingContext(clock, config.FreshnessWindow),
		seen:     seen,
		items:    make(map[entity.Ref]*viewport.Item),
		feed:     newFeed(),
	}
	e.tracker = viewport.New(e, clock, config.Viewport, logger)
	e.queue = queue.NewClient(deps.Backend, deps.Docs, deps.Leases, deps.Relay, e.apply, clock, config.Queue, logger)
	e.queue.OnStatus(func(queue.Status) { e.notify(context.Background()) })
	return e, nil
}

// Hydrate loads every durable store. Until it returns, stores serve their
// empty defaults and mutators wait.
func (e *Engine) Hydrate(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { e.marks.Hydrate(ctx); return nil })
	g.Go(func() error { e.mentions.Hydrate(ctx); return nil })
	g.Go(func() error { e.activity.Hydrate(ctx); return nil })
	g.Go(func() error { e.queue.Hydrate(ctx); return nil })
	return g.Wait()
}

// Run sweeps the overlay and picks up other tab sessions' writes until ctx
// is done.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.overlay.Run(ctx, e.config.OverlaySweepInterval)
	}()
	defer wg.Wait()

	if e.config.RefreshInterval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := e.clock.NewTicker(e.config.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if _, err := e.Refresh(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("failed to refresh shared stores", "err", err)
			}
		}
	}
}

// markSyncGrace is how late another tab's read mark may land and still
// clear this tab's realtime signals.
const markSyncGrace = time.Minute

// Refresh reloads stores another tab session wrote to since this one last
// read them. Entities read elsewhere lose their realtime signals here too.
// Subscribers are notified when anything changed.
func (e *Engine) Refresh(ctx context.Context) (bool, error) {
	id, err := e.current()
	if err != nil {
		return false, nil
	}

	marksChanged, err := e.marks.Refresh(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to refresh read marks: %w", err)
	}
	mentionsChanged, err := e.mentions.Refresh(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to refresh mentions: %w", err)
	}
	activityChanged, err := e.activity.Refresh(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to refresh activity timestamps: %w", err)
	}

	now := e.clock.Now()
	e.mu.RLock()
	since := e.lastMarkSync.Add(-markSyncGrace)
	if since.Before(e.signedInAt) {
		since = e.signedInAt
	}
	e.mu.RUnlock()

	marked, err := e.marks.MarkedSince(ctx, id.UserID, since)
	if err != nil {
		return false, fmt.Errorf("failed to list recent read marks: %w", err)
	}

	swept := 0
	e.mu.Lock()
	if e.sweptMarks == nil {
		// Signed out meanwhile.
		e.mu.Unlock()
		return false, nil
	}
	for _, m := range marked {
		k := m.Ref().String()
		if _, ok := e.sweptMarks[k]; ok {
			continue
		}
		e.sweptMarks[k] = m.MarkedAt
		e.overlay.ClearItem(m.EntityType, m.EntityID)
		e.subs.ClearNewEvent(m.CommunityID, m.ArticleID)
		swept++
	}
	for k, at := range e.sweptMarks {
		if at.Before(since) {
			delete(e.sweptMarks, k)
		}
	}
	e.lastMarkSync = now
	e.mu.Unlock()

	changed := marksChanged || mentionsChanged || activityChanged || swept > 0
	if changed {
		e.notify(ctx)
	}
	return changed, nil
}

// noteMark records a read mark this tab made so Refresh does not clear
// signals that arrived after it.
func (e *Engine) noteMark(ref entity.Ref) {
	e.mu.Lock()
	if e.sweptMarks != nil {
		e.sweptMarks[ref.String()] = e.clock.Now()
	}
	e.mu.Unlock()
}

func (e *Engine) Identity() (queue.Identity, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.identity == nil {
		return queue.Identity{}, false
	}
	return *e.identity, true
}

func (e *Engine) QueueStatus() queue.Status { return e.queue.Status() }
func (e *Engine) IsLeader() bool            { return e.queue.IsLeader() }
func (e *Engine) Queue() *queue.Client      { return e.queue }

// SignIn binds the session to id. Signing in as a different user first
// signs the previous one out.
func (e *Engine) SignIn(ctx context.Context, id queue.Identity) error {
	if id.UserID == "" || id.Username == "" {
		return fmt.Errorf("identity needs a user id and username")
	}

	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if cur, ok := e.Identity(); ok {
		if cur == id {
			return nil
		}
		if cur.UserID != id.UserID {
			if err := e.signOut(ctx); err != nil {
				return err
			}
		} else {
			e.stopUser(true)
		}
	}

	// Claim every durable store now so a previous owner's data is gone
	// before anything is rendered for id.
	if err := e.mentions.CleanupExpired(ctx, id.UserID); err != nil {
		return fmt.Errorf("failed to claim mention log: %w", err)
	}
	if _, err := e.activity.Get(ctx, id.UserID); err != nil {
		return fmt.Errorf("failed to claim activity timestamps: %w", err)
	}
	if _, err := e.marks.Pending(ctx, id.UserID); err != nil {
		return fmt.Errorf("failed to claim read marks: %w", err)
	}

	session := e.sessions(id.Token)
	syncer := readmarks.NewSyncer(e.marks, session, e.clock, e.config.Sync, e.logger)

	e.mu.Lock()
	e.identity = &id
	e.session = session
	e.syncer = syncer
	e.signedInAt = e.clock.Now()
	e.lastMarkSync = e.signedInAt
	e.sweptMarks = make(map[string]time.Time)
	userCtx, cancel := context.WithCancel(context.Background())
	e.userCancel = cancel
	e.mu.Unlock()

	e.userLoops.Add(2)
	go func() {
		defer e.userLoops.Done()
		syncer.Run(userCtx, id.UserID)
	}()
	go func() {
		defer e.userLoops.Done()
		e.mentions.RunCleanup(userCtx, id.UserID, e.config.MentionCleanupInterval)
	}()

	if e.config.BackfillOnSignIn {
		e.userLoops.Add(1)
		go func() {
			defer e.userLoops.Done()
			if _, err := e.BackfillMentions(userCtx); err != nil && userCtx.Err() == nil {
				e.logger.Warn("mention backfill failed", "err", err)
			}
		}()
	}

	if err := e.queue.SetAuth(ctx, id); err != nil {
		return fmt.Errorf("failed to start queue: %w", err)
	}

	e.logger.Info("signed in", "user_id", id.UserID)
	e.notify(ctx)
	return nil
}

// SignOut stops every loop and timer of the session and clears the
// per-tab state and the queue cursor. It returns once nothing of the
// previous user is still running.
func (e *Engine) SignOut(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	return e.signOut(ctx)
}

func (e *Engine) signOut(ctx context.Context) error {
	err := e.queue.Logout(ctx)
	e.stopUser(true)

	e.overlay.Reset()
	e.subs.Reset()
	e.viewing.Clear()
	e.seen.Purge()

	e.mu.Lock()
	prev := e.identity
	e.identity = nil
	e.session = nil
	e.syncer = nil
	e.latestEventAt = time.Time{}
	e.sweptMarks = nil
	e.mu.Unlock()

	if prev != nil {
		e.logger.Info("signed out", "user_id", prev.UserID)
	}
	e.notify(ctx)
	return err
}

// stopUser cancels the signed-in user's loops and replaces the viewport
// tracker, waiting for both to finish.
func (e *Engine) stopUser(restart bool) {
	e.mu.Lock()
	cancel := e.userCancel
	e.userCancel = nil
	tracker := e.tracker
	if restart {
		e.tracker = viewport.New(e, e.clock, e.config.Viewport, e.logger)
	}
	e.items = make(map[entity.Ref]*viewport.Item)
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.userLoops.Wait()
	tracker.Stop()
}

// Close tears the session down like a closing tab: the queue cursor stays
// so the next session resumes from it.
func (e *Engine) Close(ctx context.Context) {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	e.queue.Close(ctx)
	e.stopUser(false)
	e.feed.close()
}

func (e *Engine) current() (queue.Identity, error) {
	id, ok := e.Identity()
	if !ok {
		return id, ErrNotSignedIn
	}
	return id, nil
}

// apply projects queue events into the stores. Redelivered events are
// skipped so counters never double count.
func (e *Engine) apply(ctx context.Context, evts []*queue.Event) error {
	ctx, span := tracer.Start(ctx, "ApplyEvents")
	defer span.End()
	span.SetAttributes(attribute.Int("events", len(evts)))

	id, err := e.current()
	if err != nil {
		return err
	}

	for _, evt := range evts {
		if e.seen.Contains(evt.ID) {
			eventsSkipped.WithLabelValues("duplicate").Inc()
			continue
		}
		if err := e.applyOne(ctx, id, evt); err != nil {
			return fmt.Errorf("failed to apply event %d: %w", evt.ID, err)
		}
		e.seen.Add(evt.ID, struct{}{})
	}

	e.notify(ctx)
	return nil
}

func (e *Engine) applyOne(ctx context.Context, id queue.Identity, evt *queue.Event) error {
	if evt.Type == queue.EventMention {
		p := evt.Mention
		if !strings.EqualFold(p.TargetUsername, id.Username) {
			eventsSkipped.WithLabelValues("other_target").Inc()
			return nil
		}
		_, err := e.mentions.AddMention(ctx, id.UserID, mentions.Mention{
			SourceType:     entity.Type(p.SourceType),
			SourceID:       p.SourceID,
			DiscussionID:   evt.DiscussionID,
			ArticleID:      evt.ArticleID,
			CommunityID:    evt.CommunityID,
			AuthorUsername: p.AuthorUsername,
			Excerpt:        p.Excerpt,
			CreatedAt:      evt.CreatedAt,
			TargetUsername: p.TargetUsername,
		})
		eventsApplied.WithLabelValues("mention").Inc()
		return err
	}

	ref, scope := evt.Ref(), evt.Scope()
	discussionID := evt.DiscussionID
	if ref.Type == entity.Discussion {
		discussionID = ref.ID
	}

	e.mu.Lock()
	if evt.CreatedAt.After(e.latestEventAt) {
		e.latestEventAt = evt.CreatedAt
	} else if evt.CreatedAt.IsZero() {
		e.latestEventAt = e.clock.Now()
	}
	e.mu.Unlock()

	if e.viewing.IsViewing(ref, scope, discussionID) {
		if _, err := e.marks.MarkItemRead(ctx, id.UserID, ref, scope); err != nil {
			return err
		}
		e.noteMark(ref)
		eventsApplied.WithLabelValues("viewing").Inc()
		return nil
	}
	if e.marks.IsItemRead(ctx, id.UserID, ref) {
		eventsSkipped.WithLabelValues("already_read").Inc()
		return nil
	}

	e.overlay.MarkItemUnread(ref.Type, ref.ID)
	e.subs.Increment(scope.CommunityID, scope.ArticleID)
	eventsApplied.WithLabelValues("unread").Inc()
	return nil
}

// IsItemRead implements viewport.Committer. Signed-out sessions treat
// everything as read so nothing is tracked.
func (e *Engine) IsItemRead(ctx context.Context, ref entity.Ref) bool {
	id, err := e.current()
	if err != nil {
		return true
	}
	return e.marks.IsItemRead(ctx, id.UserID, ref)
}

// CommitRead implements viewport.Committer.
func (e *Engine) CommitRead(ctx context.Context, t viewport.Target) error {
	return e.MarkRead(ctx, t.Ref, t.Scope)
}

// MarkRead records a durable read mark and clears the realtime signals
// for the entity and its article.
func (e *Engine) MarkRead(ctx context.Context, ref entity.Ref, scope entity.Scope) error {
	id, err := e.current()
	if err != nil {
		return err
	}
	if _, err := e.marks.MarkItemRead(ctx, id.UserID, ref, scope); err != nil {
		return fmt.Errorf("failed to mark %s read: %w", ref, err)
	}
	e.noteMark(ref)
	e.overlay.ClearItem(ref.Type, ref.ID)
	e.subs.ClearNewEvent(scope.CommunityID, scope.ArticleID)
	e.notify(ctx)
	return nil
}

// ShownUnread merges the server's flag with local state: an entity shows
// as unread if the server or a live realtime mark says so and it has not
// been read locally.
func (e *Engine) ShownUnread(ctx context.Context, serverUnread bool, ref entity.Ref) bool {
	id, err := e.current()
	if err != nil {
		return serverUnread
	}
	unread := serverUnread || e.overlay.IsItemUnread(ref.Type, ref.ID)
	return unread && !e.marks.IsItemRead(ctx, id.UserID, ref)
}

// SetViewing records what the user is looking at. Entering an article
// clears its subscription bucket.
func (e *Engine) SetViewing(ctx context.Context, s subscriptions.ViewingState) {
	e.viewing.SetActive(s)
	if s.ActiveArticleID != "" {
		e.subs.ClearNewEvent(s.ActiveCommunityID, s.ActiveArticleID)
		e.notify(ctx)
	}
}

func (e *Engine) ClearViewing() { e.viewing.Clear() }

// ClearNewEvent zeroes one subscription bucket.
func (e *Engine) ClearNewEvent(ctx context.Context, communityID, articleID string) {
	e.subs.ClearNewEvent(communityID, articleID)
	e.notify(ctx)
}

// ReportVisibility feeds a visibility sample for target into the viewport
// tracker and reports whether its NEW signal is still on. Only items that
// can still show NEW are kept; a changed server flag tracks the entity
// again.
func (e *Engine) ReportVisibility(ctx context.Context, target viewport.Target, ratio float64) (bool, error) {
	if _, err := e.current(); err != nil {
		return false, err
	}

	e.mu.RLock()
	item, ok := e.items[target.Ref]
	tracker := e.tracker
	e.mu.RUnlock()

	if ok && (item.Target().HasUnreadFlag != target.HasUnreadFlag || isClosed(item.Hidden())) {
		e.evict(target.Ref, item)
		ok = false
	}

	if !ok {
		tracked := tracker.Track(ctx, target)
		if !tracked.IsNew() {
			tracked.Close()
			return false, nil
		}

		e.mu.Lock()
		if existing, ok := e.items[target.Ref]; ok {
			item = existing
		} else {
			item = tracked
			e.items[target.Ref] = item
		}
		e.mu.Unlock()
		if item != tracked {
			tracked.Close()
		}
	}

	item.SetVisibility(ratio)
	return item.IsNew(), nil
}

func (e *Engine) evict(ref entity.Ref, item *viewport.Item) {
	e.mu.Lock()
	if e.items[ref] == item {
		delete(e.items, ref)
	}
	e.mu.Unlock()
	item.Close()
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Track hands out a tracker item for callers driving visibility directly.
func (e *Engine) Track(ctx context.Context, target viewport.Target) *viewport.Item {
	e.mu.RLock()
	tracker := e.tracker
	e.mu.RUnlock()
	return tracker.Track(ctx, target)
}

// Untrack stops observing ref.
func (e *Engine) Untrack(ref entity.Ref) {
	e.mu.Lock()
	item, ok := e.items[ref]
	delete(e.items, ref)
	e.mu.Unlock()
	if ok {
		item.Close()
	}
}

func (e *Engine) MarkSeen(ctx context.Context, surface activity.Surface) error {
	id, err := e.current()
	if err != nil {
		return err
	}
	if err := e.activity.MarkSeen(ctx, id.UserID, surface); err != nil {
		return err
	}
	e.notify(ctx)
	return nil
}

func (e *Engine) Mentions(ctx context.Context) ([]mentions.Mention, error) {
	id, err := e.current()
	if err != nil {
		return nil, err
	}
	return e.mentions.List(ctx, id.UserID), nil
}

func (e *Engine) MarkMentionAsRead(ctx context.Context, mentionID string) (bool, error) {
	id, err := e.current()
	if err != nil {
		return false, err
	}
	found, err := e.mentions.MarkMentionAsRead(ctx, id.UserID, mentionID)
	if err == nil && found {
		e.notify(ctx)
	}
	return found, err
}

func (e *Engine) MarkAllMentionsAsRead(ctx context.Context) (int, error) {
	id, err := e.current()
	if err != nil {
		return 0, err
	}
	n, err := e.mentions.MarkAllAsRead(ctx, id.UserID)
	if err == nil && n > 0 {
		e.notify(ctx)
	}
	return n, err
}

func (e *Engine) ClearReadMentions(ctx context.Context) (int, error) {
	id, err := e.current()
	if err != nil {
		return 0, err
	}
	n, err := e.mentions.ClearReadMentions(ctx, id.UserID)
	if err == nil && n > 0 {
		e.notify(ctx)
	}
	return n, err
}

// BackfillMentions pulls mentions inside the retention window from the
// backend. Mentions already delivered by push collapse onto the same id.
func (e *Engine) BackfillMentions(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "BackfillMentions")
	defer span.End()

	e.mu.RLock()
	id, session := e.identity, e.session
	e.mu.RUnlock()
	if id == nil || session == nil {
		return 0, ErrNotSignedIn
	}

	since := e.clock.Now().Add(-e.config.MentionPolicy.Retention)
	fetched, err := session.FetchMentions(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch mentions: %w", err)
	}

	added := 0
	for _, m := range fetched {
		if !strings.EqualFold(m.TargetUsername, id.Username) {
			continue
		}
		ok, err := e.mentions.AddMention(ctx, id.UserID, m)
		if err != nil {
			e.logger.Warn("skipping backfilled mention", "source_id", m.SourceID, "err", err)
			continue
		}
		if ok {
			added++
		}
	}
	span.SetAttributes(attribute.Int("fetched", len(fetched)), attribute.Int("added", added))
	e.logger.Info("backfilled mentions", "fetched", len(fetched), "added", added)

	if added > 0 {
		e.notify(ctx)
	}
	return added, nil
}

// FlushReadMarks pushes pending marks now instead of waiting for the sync
// interval.
func (e *Engine) FlushReadMarks(ctx context.Context) (int, error) {
	e.mu.RLock()
	id, syncer := e.identity, e.syncer
	e.mu.RUnlock()
	if id == nil || syncer == nil {
		return 0, ErrNotSignedIn
	}
	return syncer.Flush(ctx, id.UserID)
}

// Counts is everything a badge or bell needs to render.
type Counts struct {
	SignedIn       bool                   `json:"signedIn"`
	NewEvents      int                    `json:"newEvents"`
	Subscriptions  []subscriptions.Bucket `json:"subscriptions"`
	UnreadMentions int                    `json:"unreadMentions"`
	PendingMarks   int                    `json:"pendingMarks"`
	HasNewBell     bool                   `json:"hasNewBell"`
	HasNewSystem   bool                   `json:"hasNewSystem"`
	HasNewMentions bool                   `json:"hasNewMentions"`
	QueueStatus    queue.Status           `json:"queueStatus"`
	Leader         bool                   `json:"leader"`
}

func (e *Engine) Counts(ctx context.Context) Counts {
	c := Counts{
		NewEvents:     e.subs.GetNewEventsCount(),
		Subscriptions: e.subs.Snapshot(),
		QueueStatus:   e.queue.Status(),
		Leader:        e.queue.IsLeader(),
	}

	id, err := e.current()
	if err != nil {
		return c
	}
	c.SignedIn = true
	c.UnreadMentions = e.mentions.UnreadCount(ctx, id.UserID)
	if pending, err := e.marks.Pending(ctx, id.UserID); err == nil {
		c.PendingMarks = len(pending)
	}

	seen, err := e.activity.Get(ctx, id.UserID)
	if err != nil {
		e.logger.Warn("failed to read activity timestamps", "err", err)
		return c
	}

	latestMention := e.mentions.LatestDetectedAt(ctx, id.UserID)
	e.mu.RLock()
	latestEvent := e.latestEventAt
	e.mu.RUnlock()
	latest := latestMention
	if latestEvent.After(latest) {
		latest = latestEvent
	}

	c.HasNewBell = activity.HasNew(latest, seen.LastBellSeenAt)
	c.HasNewSystem = activity.HasNew(latestEvent, seen.LastSystemTabSeenAt)
	c.HasNewMentions = activity.HasNew(latestMention, seen.LastMentionsTabSeenAt)
	return c
}

// Subscribe returns a channel receiving Counts after every change, and a
// function to stop receiving.
func (e *Engine) Subscribe() (<-chan Counts, func()) {
	return e.feed.subscribe()
}

func (e *Engine) notify(ctx context.Context) {
	if !e.feed.active() {
		return
	}
	e.feed.publish(e.Counts(ctx))
}
