package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ericvolp12/readstate/pkg/storage"
	"github.com/jonboulle/clockwork"
)

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeBackend struct {
	mu            sync.Mutex
	registers     int
	heartbeats    []int64
	registerErr   error
	heartbeatErr  error
	pending       []json.RawMessage
	nextEventID   int64
	queueSequence int
}

func (b *fakeBackend) Register(_ context.Context, token string) (Registration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registers++
	if b.registerErr != nil {
		return Registration{}, b.registerErr
	}
	b.queueSequence++
	return Registration{QueueID: fmt.Sprintf("q%d", b.queueSequence), LastEventID: b.nextEventID}, nil
}

func (b *fakeBackend) Heartbeat(_ context.Context, token, queueID string, lastEventID int64) (HeartbeatResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.heartbeats = append(b.heartbeats, lastEventID)
	if b.heartbeatErr != nil {
		err := b.heartbeatErr
		b.heartbeatErr = nil
		return HeartbeatResult{}, err
	}
	res := HeartbeatResult{Events: b.pending, NextEventID: b.nextEventID}
	b.pending = nil
	return res, nil
}

func (b *fakeBackend) push(evts ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range evts {
		b.pending = append(b.pending, json.RawMessage(e))
		b.nextEventID++
	}
}

type recorder struct {
	mu   sync.Mutex
	evts []*Event
	fail error
}

func (r *recorder) handle(_ context.Context, evts []*Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.evts = append(r.evts, evts...)
	return nil
}

func (r *recorder) ids() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, 0, len(r.evts))
	for _, e := range r.evts {
		out = append(out, e.ID)
	}
	return out
}

func setupStore(t *testing.T) (*storage.SQLStore, fakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	s, err := storage.Open(filepath.Join(t.TempDir(), "readstate.db"), true, clock, testLogger())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func newTestClient(t *testing.T, store *storage.SQLStore, clock clockwork.Clock, backend Backend, rec *recorder) *Client {
	t.Helper()
	c := NewClient(backend, store, store, store, rec.handle, clock, DefaultConfig(), testLogger())
	c.Hydrate(context.Background())
	return c
}

var alice = Identity{UserID: "u-alice", Username: "alice", Token: "tok-a"}

func discussionEvent(id int64, entityID string) string {
	return fmt.Sprintf(`{"id":%d,"type":"discussion","articleId":"a1","communityId":"c1","createdAt":"2024-03-01T11:59:00Z","payload":{"entityId":%q}}`, id, entityID)
}

func TestDecodeEvents(t *testing.T) {
	t.Parallel()

	raws := []json.RawMessage{
		json.RawMessage(discussionEvent(1, "d1")),
		json.RawMessage(`{"id":2,"type":"mention","articleId":"a1","discussionId":"d1","createdAt":"2024-03-01 11:59:00","payload":{"targetUsername":"alice","sourceType":"comment","sourceId":"55"}}`),
		json.RawMessage(`{not json`),
		json.RawMessage(`{"id":3,"type":"reaction","articleId":"a1","payload":{"entityId":"x"}}`),
		json.RawMessage(`{"id":4,"type":"comment","articleId":"a1","payload":{}}`),
		json.RawMessage(`{"id":5,"type":"mention","articleId":"a1","payload":{"targetUsername":"alice","sourceType":"reply","sourceId":"9"}}`),
		json.RawMessage(`{"id":6,"type":"reply","articleId":"a1","createdAt":"not a time","payload":{"entityId":"r1"}}`),
	}

	evts, errs := DecodeEvents(raws)
	if len(evts) != 2 {
		t.Fatalf("expected 2 valid events, got %d", len(evts))
	}
	if len(errs) != 5 {
		t.Errorf("expected 5 dropped events, got %d", len(errs))
	}

	if ref := evts[0].Ref(); ref.ID != "d1" || ref.Type != "discussion" {
		t.Errorf("unexpected ref %v", ref)
	}
	if evts[0].CreatedAt.IsZero() {
		t.Error("createdAt must be parsed")
	}
	if m := evts[1].Mention; m == nil || m.SourceID != "55" || m.TargetUsername != "alice" {
		t.Errorf("unexpected mention payload %+v", m)
	}
	if string(evts[1].Raw) != string(raws[1]) {
		t.Error("decoded events keep their raw form for relaying")
	}
}

func TestLeaderHeartbeatAdvancesCursor(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, clock := setupStore(t)
	backend := &fakeBackend{nextEventID: 10}
	rec := &recorder{}
	c := newTestClient(t, store, clock, backend, rec)
	c.authenticate(alice)

	backend.push(discussionEvent(11, "d1"), discussionEvent(12, "d2"))
	if err := c.Step(ctx); err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if c.Status() != StatusConnected || !c.IsLeader() {
		t.Fatalf("expected connected leader, got %s leader=%v", c.Status(), c.IsLeader())
	}
	if got := rec.ids(); len(got) != 2 || got[0] != 11 || got[1] != 12 {
		t.Fatalf("unexpected events %v", got)
	}

	reg, err := c.Cursor(ctx, alice.UserID)
	if err != nil {
		t.Fatal(err)
	}
	if reg.QueueID != "q1" || reg.LastEventID != 12 {
		t.Fatalf("unexpected cursor %+v", reg)
	}

	if err := c.Step(ctx); err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if backend.heartbeats[1] != 12 {
		t.Errorf("second heartbeat must send the advanced cursor, sent %d", backend.heartbeats[1])
	}
	if backend.registers != 1 {
		t.Errorf("expected one registration, got %d", backend.registers)
	}
}

func TestCursorResumesAfterReload(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, clock := setupStore(t)
	backend := &fakeBackend{nextEventID: 3}

	first := newTestClient(t, store, clock, backend, &recorder{})
	first.authenticate(alice)
	if err := first.Step(ctx); err != nil {
		t.Fatal(err)
	}
	first.Close(ctx)

	reloaded := newTestClient(t, store, clock, backend, &recorder{})
	reloaded.authenticate(alice)
	if err := reloaded.Step(ctx); err != nil {
		t.Fatal(err)
	}
	if backend.registers != 1 {
		t.Errorf("a reload must resume the persisted queue, got %d registrations", backend.registers)
	}
}

func TestHandlerFailureKeepsCursor(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, clock := setupStore(t)
	backend := &fakeBackend{}
	rec := &recorder{}
	c := newTestClient(t, store, clock, backend, rec)
	c.authenticate(alice)

	if err := c.Step(ctx); err != nil {
		t.Fatal(err)
	}
	rec.fail = errors.New("store unavailable")

	backend.push(discussionEvent(1, "d1"))
	if err := c.Step(ctx); err == nil {
		t.Fatal("expected step to fail")
	}
	if c.Status() != StatusReconnecting {
		t.Errorf("expected reconnecting, got %s", c.Status())
	}
	reg, _ := c.Cursor(ctx, alice.UserID)
	if reg.LastEventID != 0 {
		t.Errorf("cursor must not advance past unapplied events, got %d", reg.LastEventID)
	}
}

func TestFollowerAdoptsRelayedEvents(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, clock := setupStore(t)
	backend := &fakeBackend{}
	leaderRec, followerRec := &recorder{}, &recorder{}

	leader := newTestClient(t, store, clock, backend, leaderRec)
	follower := newTestClient(t, store, clock, backend, followerRec)
	leader.authenticate(alice)
	follower.authenticate(alice)

	if err := leader.Step(ctx); err != nil {
		t.Fatal(err)
	}
	if err := follower.Step(ctx); err != nil {
		t.Fatal(err)
	}
	if follower.IsLeader() {
		t.Fatal("only one tab may lead")
	}

	backend.push(discussionEvent(1, "d1"), discussionEvent(2, "d2"))
	if err := leader.Step(ctx); err != nil {
		t.Fatal(err)
	}
	if err := follower.Step(ctx); err != nil {
		t.Fatal(err)
	}

	if got := followerRec.ids(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("follower must adopt relayed events, got %v", got)
	}
	if err := follower.Step(ctx); err != nil {
		t.Fatal(err)
	}
	if got := followerRec.ids(); len(got) != 2 {
		t.Errorf("relayed events are adopted once, got %v", got)
	}
	if len(backend.heartbeats) != 2 {
		t.Errorf("followers must not heartbeat, backend saw %d heartbeats", len(backend.heartbeats))
	}
}

func TestLeaderFailover(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, clock := setupStore(t)
	backend := &fakeBackend{}

	a := newTestClient(t, store, clock, backend, &recorder{})
	b := newTestClient(t, store, clock, backend, &recorder{})
	a.authenticate(alice)
	b.authenticate(alice)

	if err := a.Step(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.Step(ctx); err != nil {
		t.Fatal(err)
	}

	// a stalls; its lease goes stale.
	clock.Advance(DefaultConfig().LeaseTTL)
	if err := b.Step(ctx); err != nil {
		t.Fatal(err)
	}
	if !b.IsLeader() {
		t.Fatal("b must take over a stale lease")
	}
	if backend.registers != 1 {
		t.Errorf("the new leader must reuse the shared queue, got %d registrations", backend.registers)
	}

	if err := a.Step(ctx); err != nil {
		t.Fatal(err)
	}
	if a.IsLeader() {
		t.Error("a must notice it lost leadership")
	}
}

func TestFailoverAdoptsUnseenRelay(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, clock := setupStore(t)
	backend := &fakeBackend{}
	aRec, bRec := &recorder{}, &recorder{}

	a := newTestClient(t, store, clock, backend, aRec)
	b := newTestClient(t, store, clock, backend, bRec)
	a.authenticate(alice)
	b.authenticate(alice)

	if err := a.Step(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.Step(ctx); err != nil {
		t.Fatal(err)
	}

	// a relays an event and stalls before b follows again.
	backend.push(discussionEvent(1, "d1"))
	if err := a.Step(ctx); err != nil {
		t.Fatal(err)
	}

	clock.Advance(DefaultConfig().LeaseTTL)
	if err := b.Step(ctx); err != nil {
		t.Fatal(err)
	}
	if !b.IsLeader() {
		t.Fatal("b must take over a stale lease")
	}
	if got := bRec.ids(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("the new leader must adopt events relayed before the takeover, got %v", got)
	}

	if err := b.Step(ctx); err != nil {
		t.Fatal(err)
	}
	if got := bRec.ids(); len(got) != 1 {
		t.Errorf("relayed events are adopted once, got %v", got)
	}
}

func TestUnauthorizedEndsInError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, clock := setupStore(t)
	backend := &fakeBackend{registerErr: ErrUnauthorized}
	c := newTestClient(t, store, clock, backend, &recorder{})
	c.authenticate(alice)

	for i := 1; i < DefaultConfig().MaxFailures; i++ {
		if err := c.Step(ctx); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected unauthorized, got %v", err)
		}
		if c.Status() != StatusReconnecting {
			t.Fatalf("attempt %d: expected reconnecting, got %s", i, c.Status())
		}
	}
	if err := c.Step(ctx); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if c.Status() != StatusError {
		t.Fatalf("expected terminal error, got %s", c.Status())
	}

	holder, err := store.Holder(ctx, DefaultConfig().LeaseName)
	if err != nil {
		t.Fatal(err)
	}
	if holder != "" {
		t.Error("a failed client must give up the lease")
	}
}

func TestLostQueueRegistersAgain(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, clock := setupStore(t)
	backend := &fakeBackend{}
	c := newTestClient(t, store, clock, backend, &recorder{})
	c.authenticate(alice)

	if err := c.Step(ctx); err != nil {
		t.Fatal(err)
	}
	backend.heartbeatErr = ErrQueueNotFound
	if err := c.Step(ctx); !errors.Is(err, ErrQueueNotFound) {
		t.Fatalf("expected queue not found, got %v", err)
	}
	if err := c.Step(ctx); err != nil {
		t.Fatal(err)
	}

	reg, _ := c.Cursor(ctx, alice.UserID)
	if backend.registers != 2 || reg.QueueID != "q2" {
		t.Errorf("expected a fresh registration, got %d registrations and cursor %+v", backend.registers, reg)
	}
}

func TestLogoutClearsCursor(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, clock := setupStore(t)
	backend := &fakeBackend{nextEventID: 7}
	c := newTestClient(t, store, clock, backend, &recorder{})

	statuses := make(chan Status, 16)
	c.OnStatus(func(s Status) { statuses <- s })

	if err := c.SetAuth(ctx, alice); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(5 * time.Second)
	for connected := false; !connected; {
		select {
		case s := <-statuses:
			connected = s == StatusConnected
		case <-deadline:
			t.Fatal("timed out waiting for the client to connect")
		}
	}

	if err := c.Logout(ctx); err != nil {
		t.Fatal(err)
	}
	if c.Status() != StatusDisconnected {
		t.Errorf("expected disconnected, got %s", c.Status())
	}
	if _, err := store.Load(ctx, CursorKey); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("logout must delete the persisted cursor, got %v", err)
	}
	if holder, _ := store.Holder(ctx, DefaultConfig().LeaseName); holder != "" {
		t.Errorf("logout must release the lease, still held by %q", holder)
	}
	if err := c.Step(ctx); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("expected not authenticated after logout, got %v", err)
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, clock := setupStore(t)
	backend := &fakeBackend{}
	r := NewRegistry(testLogger())

	a := newTestClient(t, store, clock, backend, &recorder{})
	b := newTestClient(t, store, clock, backend, &recorder{})
	if err := r.Register("tab-a", a); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("tab-b", b); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("tab-a", b); err == nil {
		t.Error("duplicate tab ids must be rejected")
	}

	a.authenticate(alice)
	if err := a.Step(ctx); err != nil {
		t.Fatal(err)
	}
	if tab, ok := r.Leader(); !ok || tab != "tab-a" {
		t.Errorf("expected tab-a to lead, got %q", tab)
	}

	got, ok := FromContext(WithRegistry(ctx, r))
	if !ok || got != r {
		t.Fatal("registry must round trip through the context")
	}

	r.Unregister(ctx, "tab-a")
	if _, ok := r.Leader(); ok {
		t.Error("unregistering the leader must release its lease")
	}
	r.Close(ctx)
	if len(r.Tabs()) != 0 {
		t.Error("close must drop every tab")
	}
}
