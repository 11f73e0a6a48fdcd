package reconcile

import "sync"

// feed fans Counts out to subscribers. Slow subscribers only ever see the
// latest value.
type feed struct {
	mu     sync.Mutex
	subs   map[chan Counts]struct{}
	closed bool
}

func newFeed() *feed {
	return &feed{subs: make(map[chan Counts]struct{})}
}

func (f *feed) active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs) > 0
}

func (f *feed) subscribe() (<-chan Counts, func()) {
	ch := make(chan Counts, 1)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	f.subs[ch] = struct{}{}
	feedSubscribers.Inc()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if _, ok := f.subs[ch]; ok {
				delete(f.subs, ch)
				close(ch)
				feedSubscribers.Dec()
			}
		})
	}
}

func (f *feed) publish(c Counts) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		// Replace a value nobody has read yet.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- c:
		default:
		}
	}
}

func (f *feed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for ch := range f.subs {
		delete(f.subs, ch)
		close(ch)
		feedSubscribers.Dec()
	}
}
