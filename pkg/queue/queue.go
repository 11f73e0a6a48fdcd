// Package queue keeps one tab session attached to the backend's polling
// queue. Tabs sharing a device profile elect a leader through a lease; the
// leader heartbeats and relays delivered events, followers adopt them from
// the relay.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ericvolp12/readstate/pkg/storage"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("queue")

const CursorKey = "readstate:queue"

var (
	ErrUnauthorized     = errors.New("backend rejected credentials")
	ErrRateLimited      = errors.New("rate limited")
	ErrQueueNotFound    = errors.New("queue not found")
	ErrNotAuthenticated = errors.New("not authenticated")
)

// Registration is the persisted queue cursor.
type Registration struct {
	QueueID     string `json:"queueId"`
	LastEventID int64  `json:"lastEventId"`
}

type HeartbeatResult struct {
	Events      []json.RawMessage `json:"events"`
	NextEventID int64             `json:"nextEventId"`
}

type Backend interface {
	Register(ctx context.Context, token string) (Registration, error)
	Heartbeat(ctx context.Context, token, queueID string, lastEventID int64) (HeartbeatResult, error)
}

// Identity is the signed-in user a client acts for.
type Identity struct {
	UserID   string
	Username string
	Token    string
}

// Handler applies events to downstream stores. The cursor only advances
// past events once Handler returned nil for them.
type Handler func(ctx context.Context, evts []*Event) error

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
)

type Config struct {
	LeaseName         string
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration
	MinBackoff        time.Duration
	MaxBackoff        time.Duration
	// MaxFailures is how many consecutive credential rejections end in
	// the terminal error status.
	MaxFailures int
	RelayBatch  int
}

func DefaultConfig() Config {
	return Config{
		LeaseName:         "readstate:queue-leader",
		LeaseTTL:          15 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		MinBackoff:        time.Second,
		MaxBackoff:        30 * time.Second,
		MaxFailures:       3,
		RelayBatch:        100,
	}
}

type Client struct {
	logger  *slog.Logger
	clock   clockwork.Clock
	backend Backend
	leases  storage.Leases
	relay   storage.Relay
	cursor  *storage.Scoped[Registration]
	handler Handler
	config  Config
	holder  string

	// lifecycle serializes SetAuth, Logout and Close.
	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}

	mu           sync.Mutex
	identity     *Identity
	status       Status
	leader       bool
	relaySeq     int64
	relayPrimed  bool
	unauthorized int
	onStatus     func(Status)
}

func NewClient(
	backend Backend,
	docs storage.Documents,
	leases storage.Leases,
	relay storage.Relay,
	handler Handler,
	clock clockwork.Clock,
	config Config,
	logger *slog.Logger,
) *Client {
	holder := uuid.NewString()
	logger = logger.With("module", "queue", "holder", holder)
	return &Client{
		logger:  logger,
		clock:   clock,
		backend: backend,
		leases:  leases,
		relay:   relay,
		cursor: storage.NewScoped(docs, CursorKey, func() Registration {
			return Registration{}
		}, logger),
		handler: handler,
		config:  config,
		holder:  holder,
		status:  StatusDisconnected,
	}
}

func (c *Client) Holder() string { return c.holder }

// Hydrate loads the persisted cursor.
func (c *Client) Hydrate(ctx context.Context) { c.cursor.Hydrate(ctx) }

// OnStatus registers fn to be called on every status transition.
func (c *Client) OnStatus(fn func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStatus = fn
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Client) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leader
}

// Cursor returns the persisted registration for owner.
func (c *Client) Cursor(ctx context.Context, owner string) (Registration, error) {
	var reg Registration
	err := c.cursor.View(ctx, owner, func(r Registration) { reg = r })
	return reg, err
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	prev := c.status
	c.status = s
	fn := c.onStatus
	c.mu.Unlock()

	statusTransitions.WithLabelValues(string(s)).Inc()
	c.logger.Info("queue status changed", "from", prev, "to", s)
	if fn != nil {
		fn(s)
	}
}

// SetAuth attaches the client to id and starts the heartbeat loop. A
// different previous identity is logged out first.
func (c *Client) SetAuth(ctx context.Context, id Identity) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	prev := c.identity
	c.mu.Unlock()

	if prev != nil && *prev == id && c.cancel != nil && c.Status() != StatusError {
		return nil
	}
	if prev != nil && prev.UserID != id.UserID {
		if err := c.logout(ctx); err != nil {
			return err
		}
	} else {
		c.stop()
	}

	c.authenticate(id)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel, c.done = cancel, done
	go c.run(runCtx, done)
	return nil
}

func (c *Client) authenticate(id Identity) {
	c.mu.Lock()
	c.identity = &id
	c.unauthorized = 0
	c.relayPrimed = false
	c.mu.Unlock()
	c.setStatus(StatusConnecting)
}

// Logout stops the loop, gives up leadership and clears the persisted
// cursor. It returns only after the loop has exited.
func (c *Client) Logout(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.logout(ctx)
}

func (c *Client) logout(ctx context.Context) error {
	c.stop()
	c.releaseLease(ctx)

	c.mu.Lock()
	c.identity = nil
	c.relaySeq = 0
	c.relayPrimed = false
	c.mu.Unlock()

	err := c.cursor.Reset(ctx)
	c.setStatus(StatusDisconnected)
	if err != nil {
		return fmt.Errorf("failed to clear queue cursor: %w", err)
	}
	return nil
}

// Close stops the loop and releases leadership but keeps the cursor so a
// reload resumes where this tab left off.
func (c *Client) Close(ctx context.Context) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.stop()
	c.releaseLease(ctx)
	c.setStatus(StatusDisconnected)
}

func (c *Client) stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel, c.done = nil, nil
}

func (c *Client) releaseLease(ctx context.Context) {
	c.mu.Lock()
	wasLeader := c.leader
	c.leader = false
	c.mu.Unlock()
	if !wasLeader {
		return
	}
	leaders.Dec()
	if err := c.leases.Release(ctx, c.config.LeaseName, c.holder); err != nil {
		c.logger.Error("failed to release queue lease", "err", err)
	}
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.MinBackoff
	b.MaxInterval = c.config.MaxBackoff
	b.MaxElapsedTime = 0
	b.Clock = c.clock
	b.Reset()

	for {
		err := c.Step(ctx)
		if ctx.Err() != nil {
			return
		}

		wait := c.config.HeartbeatInterval
		if err != nil {
			if c.Status() == StatusError {
				c.logger.Error("queue client giving up", "err", err)
				return
			}
			wait = b.NextBackOff()
			c.logger.Warn("queue step failed, retrying", "err", err, "retry_in", wait)
		} else {
			b.Reset()
		}

		timer := c.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		}
	}
}

// Step runs one cycle: take or renew the lease, then heartbeat as leader
// or adopt relayed events as follower. Failures are reflected in Status.
func (c *Client) Step(ctx context.Context) error {
	c.mu.Lock()
	id := c.identity
	c.mu.Unlock()
	if id == nil {
		c.setStatus(StatusDisconnected)
		return ErrNotAuthenticated
	}

	var err error
	if err = c.step(ctx, *id); err == nil {
		c.mu.Lock()
		c.unauthorized = 0
		c.mu.Unlock()
		c.setStatus(StatusConnected)
		return nil
	}
	if ctx.Err() != nil {
		return err
	}

	if errors.Is(err, ErrUnauthorized) {
		c.mu.Lock()
		c.unauthorized++
		terminal := c.unauthorized >= c.config.MaxFailures
		c.mu.Unlock()
		if terminal {
			c.releaseLease(ctx)
			c.setStatus(StatusError)
			return err
		}
	}
	c.setStatus(StatusReconnecting)
	return err
}

func (c *Client) step(ctx context.Context, id Identity) error {
	acquired, err := c.leases.Acquire(ctx, c.config.LeaseName, c.holder, c.config.LeaseTTL)
	if err != nil {
		return fmt.Errorf("failed to acquire queue lease: %w", err)
	}

	c.mu.Lock()
	wasLeader := c.leader
	c.mu.Unlock()

	// A new leader first adopts what the previous one relayed after this
	// tab's last follow, otherwise those events are never applied here.
	if acquired && !wasLeader {
		if err := c.drain(ctx, id); err != nil {
			if rerr := c.leases.Release(ctx, c.config.LeaseName, c.holder); rerr != nil {
				c.logger.Error("failed to release queue lease", "err", rerr)
			}
			return err
		}
	}

	c.mu.Lock()
	c.leader = acquired
	c.mu.Unlock()

	switch {
	case acquired && !wasLeader:
		leaders.Inc()
		c.logger.Info("acquired queue leadership")
	case !acquired && wasLeader:
		leaders.Dec()
		c.logger.Info("lost queue leadership")
	}

	if acquired {
		return c.heartbeat(ctx, id)
	}
	return c.follow(ctx, id)
}

func (c *Client) registration(ctx context.Context, id Identity) (Registration, error) {
	var reg Registration
	err := c.cursor.Update(ctx, id.UserID, func(r *Registration) bool {
		reg = *r
		return false
	})
	if err != nil {
		return reg, fmt.Errorf("failed to load queue cursor: %w", err)
	}
	if reg.QueueID != "" {
		return reg, nil
	}

	reg, err = c.backend.Register(ctx, id.Token)
	if err != nil {
		return reg, fmt.Errorf("failed to register queue: %w", err)
	}
	c.logger.Info("registered queue", "queue_id", reg.QueueID, "last_event_id", reg.LastEventID)

	err = c.cursor.Update(ctx, id.UserID, func(r *Registration) bool {
		*r = reg
		return true
	})
	if err != nil {
		return reg, fmt.Errorf("failed to save queue cursor: %w", err)
	}
	return reg, nil
}

func (c *Client) heartbeat(ctx context.Context, id Identity) error {
	ctx, span := tracer.Start(ctx, "Heartbeat")
	defer span.End()

	reg, err := c.registration(ctx, id)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("queue_id", reg.QueueID), attribute.Int64("last_event_id", reg.LastEventID))

	res, err := c.backend.Heartbeat(ctx, id.Token, reg.QueueID, reg.LastEventID)
	if err != nil {
		heartbeats.WithLabelValues("error").Inc()
		if errors.Is(err, ErrQueueNotFound) {
			c.logger.Warn("backend lost queue, registering again", "queue_id", reg.QueueID)
			if _, uerr := c.cursor.UpdateIfOwner(ctx, id.UserID, func(r *Registration) bool {
				r.QueueID = ""
				return true
			}); uerr != nil {
				c.logger.Error("failed to drop lost queue", "err", uerr)
			}
		}
		return fmt.Errorf("heartbeat failed: %w", err)
	}
	heartbeats.WithLabelValues("ok").Inc()

	evts, errs := DecodeEvents(res.Events)
	for _, err := range errs {
		c.logger.Warn("dropping malformed event", "err", err)
	}
	span.SetAttributes(attribute.Int("events", len(evts)), attribute.Int("dropped", len(errs)))

	if len(evts) > 0 {
		if err := c.handler(ctx, evts); err != nil {
			return fmt.Errorf("failed to apply events: %w", err)
		}

		relayed := make([]storage.RelayedEvent, 0, len(evts))
		for _, evt := range evts {
			relayed = append(relayed, storage.RelayedEvent{EventID: evt.ID, Raw: evt.Raw})
		}
		if err := c.relay.Publish(ctx, id.UserID, relayed); err != nil {
			c.logger.Error("failed to relay events to other tabs", "err", err)
		}
	}

	// The leader already applied what it relayed.
	if seq, err := c.relay.LatestSeq(ctx, id.UserID); err == nil {
		c.mu.Lock()
		c.relaySeq, c.relayPrimed = seq, true
		c.mu.Unlock()
	}

	next := res.NextEventID
	if _, err := c.cursor.UpdateIfOwner(ctx, id.UserID, func(r *Registration) bool {
		if next <= r.LastEventID {
			return false
		}
		r.LastEventID = next
		return true
	}); err != nil {
		return fmt.Errorf("failed to advance queue cursor: %w", err)
	}
	return nil
}

func (c *Client) follow(ctx context.Context, id Identity) error {
	_, err := c.adopt(ctx, id)
	return err
}

// drain adopts relayed events until the relay is exhausted. A tab that never
// primed has nothing to catch up on.
func (c *Client) drain(ctx context.Context, id Identity) error {
	c.mu.Lock()
	primed := c.relayPrimed
	c.mu.Unlock()
	if !primed {
		return nil
	}

	for {
		n, err := c.adopt(ctx, id)
		if err != nil {
			return err
		}
		if n < c.config.RelayBatch {
			return nil
		}
	}
}

// adopt applies the next batch of relayed events and returns how many relay
// entries it consumed. The first call only primes the position.
func (c *Client) adopt(ctx context.Context, id Identity) (int, error) {
	c.mu.Lock()
	seq, primed := c.relaySeq, c.relayPrimed
	c.mu.Unlock()

	if !primed {
		latest, err := c.relay.LatestSeq(ctx, id.UserID)
		if err != nil {
			return 0, fmt.Errorf("failed to read relay position: %w", err)
		}
		c.mu.Lock()
		c.relaySeq, c.relayPrimed = latest, true
		c.mu.Unlock()
		return 0, nil
	}

	relayed, err := c.relay.Since(ctx, id.UserID, seq, c.config.RelayBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to read relayed events: %w", err)
	}
	if len(relayed) == 0 {
		return 0, nil
	}

	raws := make([]json.RawMessage, 0, len(relayed))
	for _, r := range relayed {
		raws = append(raws, r.Raw)
	}
	evts, errs := DecodeEvents(raws)
	for _, err := range errs {
		c.logger.Warn("dropping malformed relayed event", "err", err)
	}
	if len(evts) > 0 {
		if err := c.handler(ctx, evts); err != nil {
			return 0, fmt.Errorf("failed to apply relayed events: %w", err)
		}
	}
	eventsAdopted.Add(float64(len(evts)))

	c.mu.Lock()
	c.relaySeq = relayed[len(relayed)-1].Seq
	c.mu.Unlock()
	return len(relayed), nil
}
