package subscriptions

import (
	"sort"
	"sync"
)

type Key struct {
	CommunityID string `json:"communityId"`
	ArticleID   string `json:"articleId"`
}

type Bucket struct {
	Key
	Count int `json:"count"`
}

// Aggregator counts unseen realtime events per (community, article) for
// navigation badges.
type Aggregator struct {
	mu     sync.Mutex
	counts map[Key]int
}

func NewAggregator() *Aggregator {
	return &Aggregator{counts: make(map[Key]int)}
}

func (a *Aggregator) Increment(communityID, articleID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	k := Key{CommunityID: communityID, ArticleID: articleID}
	a.counts[k]++
	unseenEvents.Inc()
	return a.counts[k]
}

// GetNewEventsCount is the total across every bucket.
func (a *Aggregator) GetNewEventsCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := 0
	for _, n := range a.counts {
		total += n
	}
	return total
}

func (a *Aggregator) Count(communityID, articleID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts[Key{CommunityID: communityID, ArticleID: articleID}]
}

// ClearNewEvent zeroes one bucket.
func (a *Aggregator) ClearNewEvent(communityID, articleID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	k := Key{CommunityID: communityID, ArticleID: articleID}
	if n, ok := a.counts[k]; ok {
		unseenEvents.Sub(float64(n))
		delete(a.counts, k)
	}
}

func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, n := range a.counts {
		unseenEvents.Sub(float64(n))
	}
	a.counts = make(map[Key]int)
}

// Snapshot returns the non-empty buckets in a stable order.
func (a *Aggregator) Snapshot() []Bucket {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Bucket, 0, len(a.counts))
	for k, n := range a.counts {
		out = append(out, Bucket{Key: k, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CommunityID != out[j].CommunityID {
			return out[i].CommunityID < out[j].CommunityID
		}
		return out[i].ArticleID < out[j].ArticleID
	})
	return out
}
