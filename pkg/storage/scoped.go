package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

type envelope[T any] struct {
	Owner string `json:"owner"`
	State T      `json:"state"`
}

// maxSaveAttempts bounds how often one update retries after losing a
// compare-and-set race against another tab session.
const maxSaveAttempts = 100

// Scoped is a persisted store snapshot bound to the user that owns it.
//
// It starts with the empty state and becomes ready once Hydrate has run.
// Every mutation reloads the snapshot, applies the change and saves it with
// a compare-and-set on the document version, retrying when another tab
// session wrote in between. The stored owner is compared with the caller's
// user id and the state is reset on mismatch. Reads pick up other sessions'
// writes whenever the stored version moved.
type Scoped[T any] struct {
	docs   Documents
	key    string
	empty  func() T
	logger *slog.Logger

	mu      sync.RWMutex
	owner   string
	state   T
	version int64

	ready     chan struct{}
	readyOnce sync.Once
}

func NewScoped[T any](docs Documents, key string, empty func() T, logger *slog.Logger) *Scoped[T] {
	return &Scoped[T]{
		docs:   docs,
		key:    key,
		empty:  empty,
		logger: logger.With("document", key),
		state:  empty(),
		ready:  make(chan struct{}),
	}
}

func (s *Scoped[T]) Key() string { return s.key }

// Hydrate loads the persisted snapshot. Unreadable or corrupt snapshots are
// logged and replaced by the empty state. The store is ready afterwards
// whatever the outcome.
func (s *Scoped[T]) Hydrate(ctx context.Context) {
	defer s.readyOnce.Do(func() { close(s.ready) })

	owner, state, version, err := s.load(ctx)
	if err != nil {
		s.logger.Error("failed to hydrate document, starting empty", "err", err)
		owner, state, version = "", s.empty(), 0
	}

	s.mu.Lock()
	s.owner, s.state, s.version = owner, state, version
	s.mu.Unlock()
}

func (s *Scoped[T]) Ready() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

func (s *Scoped[T]) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scoped[T]) Owner() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.owner
}

// Update applies fn to the owner's state and persists it when fn reports a
// change or when the owner check reset the state. fn runs again on a fresh
// copy when another session saved first, so it must derive everything from
// the state it is handed.
func (s *Scoped[T]) Update(ctx context.Context, owner string, fn func(state *T) bool) error {
	if err := s.WaitReady(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 1; ; attempt++ {
		storedOwner, state, version, err := s.load(ctx)
		if err != nil {
			return fmt.Errorf("failed to reload document: %w", err)
		}

		changed := false
		if storedOwner != owner {
			if storedOwner != "" {
				s.logger.Info("owner changed, resetting document", "previous_owner", storedOwner, "owner", owner)
			}
			storedOwner, state = owner, s.empty()
			changed = true
		}

		if fn != nil && fn(&state) {
			changed = true
		}

		if !changed {
			s.owner, s.state, s.version = storedOwner, state, version
			return nil
		}

		err = s.save(ctx, storedOwner, state, version)
		if errors.Is(err, ErrConflict) && attempt < maxSaveAttempts {
			saveConflicts.WithLabelValues(s.key).Inc()
			continue
		}
		if err != nil {
			return err
		}
		s.owner, s.state, s.version = storedOwner, state, version+1
		return nil
	}
}

// UpdateIfOwner applies fn only when the stored owner is still owner. It
// never resets, so background work finishing after a sign-out cannot wipe
// the next user's state.
func (s *Scoped[T]) UpdateIfOwner(ctx context.Context, owner string, fn func(state *T) bool) (bool, error) {
	if err := s.WaitReady(ctx); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 1; ; attempt++ {
		storedOwner, state, version, err := s.load(ctx)
		if err != nil {
			return false, err
		}
		if storedOwner != owner {
			return false, nil
		}

		if !fn(&state) {
			s.owner, s.state, s.version = storedOwner, state, version
			return true, nil
		}

		err = s.save(ctx, storedOwner, state, version)
		if errors.Is(err, ErrConflict) && attempt < maxSaveAttempts {
			saveConflicts.WithLabelValues(s.key).Inc()
			continue
		}
		if err != nil {
			return true, err
		}
		s.owner, s.state, s.version = storedOwner, state, version+1
		return true, nil
	}
}

// View runs fn against the owner's state, reloading it first if another
// session saved since it was last read. A mismatched owner resets the store
// before fn sees it.
func (s *Scoped[T]) View(ctx context.Context, owner string, fn func(state T)) error {
	if err := s.WaitReady(ctx); err != nil {
		return err
	}

	if _, err := s.Refresh(ctx); err != nil {
		s.logger.Warn("failed to refresh document, using cached state", "err", err)
	}

	s.mu.RLock()
	if s.owner == owner {
		defer s.mu.RUnlock()
		fn(s.state)
		return nil
	}
	s.mu.RUnlock()

	if err := s.Update(ctx, owner, nil); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.state)
	return nil
}

// Refresh reloads the cached state when the stored version differs from
// the cached one and reports whether it did. It does not check the owner.
func (s *Scoped[T]) Refresh(ctx context.Context) (bool, error) {
	stored, err := s.docs.Version(ctx, s.key)
	if err != nil {
		return false, err
	}

	s.mu.RLock()
	current := s.version
	s.mu.RUnlock()
	if stored == current {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	owner, state, version, err := s.load(ctx)
	if err != nil {
		return false, err
	}
	if version == s.version {
		return false, nil
	}
	s.owner, s.state, s.version = owner, state, version
	return true, nil
}

// Reset drops the snapshot entirely.
func (s *Scoped[T]) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owner, s.state, s.version = "", s.empty(), 0
	if err := s.docs.Delete(ctx, s.key); err != nil {
		return err
	}
	return nil
}

func (s *Scoped[T]) load(ctx context.Context) (string, T, int64, error) {
	doc, err := s.docs.Load(ctx, s.key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", s.empty(), 0, nil
		}
		return "", s.empty(), 0, err
	}

	env := envelope[T]{State: s.empty()}
	if err := json.Unmarshal(doc.Payload, &env); err != nil {
		s.logger.Error("discarding unreadable document", "err", err)
		return "", s.empty(), doc.Version, nil
	}
	return env.Owner, env.State, doc.Version, nil
}

func (s *Scoped[T]) save(ctx context.Context, owner string, state T, version int64) error {
	payload, err := json.Marshal(envelope[T]{Owner: owner, State: state})
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}
	return s.docs.Save(ctx, &Document{
		Key:     s.key,
		Owner:   owner,
		Payload: payload,
		Version: version,
	})
}
