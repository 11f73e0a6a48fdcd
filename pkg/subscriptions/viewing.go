package subscriptions

import (
	"sync"
	"time"

	"github.com/ericvolp12/readstate/pkg/entity"
	"github.com/jonboulle/clockwork"
)

const DefaultFreshnessWindow = 30 * time.Second

// ViewingState is what the user currently has on screen.
type ViewingState struct {
	ActiveArticleID      string `json:"activeArticleId"`
	ActiveCommunityID    string `json:"activeCommunityId"`
	ActiveDiscussionID   string `json:"activeDiscussionId"`
	IsViewingDiscussions bool   `json:"isViewingDiscussions"`
	IsViewingComments    bool   `json:"isViewingComments"`
}

// ViewingContext is trusted only within the freshness window after it was
// last set, so a briefly stale focus does not suppress badges forever.
type ViewingContext struct {
	clock  clockwork.Clock
	window time.Duration

	mu        sync.RWMutex
	state     ViewingState
	updatedAt time.Time
}

func NewViewingContext(clock clockwork.Clock, window time.Duration) *ViewingContext {
	if window <= 0 {
		window = DefaultFreshnessWindow
	}
	return &ViewingContext{clock: clock, window: window}
}

func (v *ViewingContext) SetActive(s ViewingState) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state = s
	v.updatedAt = v.clock.Now()
}

// Touch renews freshness without changing what is being viewed.
func (v *ViewingContext) Touch() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != (ViewingState{}) {
		v.updatedAt = v.clock.Now()
	}
}

func (v *ViewingContext) Clear() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state = ViewingState{}
	v.updatedAt = time.Time{}
}

func (v *ViewingContext) State() ViewingState {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state
}

func (v *ViewingContext) IsContextFresh() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.fresh()
}

func (v *ViewingContext) fresh() bool {
	return !v.updatedAt.IsZero() && v.clock.Since(v.updatedAt) < v.window
}

// IsViewing reports whether an event for ref in scope is content the user
// is looking at right now.
func (v *ViewingContext) IsViewing(ref entity.Ref, scope entity.Scope, discussionID string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if !v.fresh() {
		return false
	}
	s := v.state
	if s.ActiveArticleID == "" || s.ActiveArticleID != scope.ArticleID {
		return false
	}
	if s.ActiveCommunityID != "" && scope.CommunityID != "" && s.ActiveCommunityID != scope.CommunityID {
		return false
	}

	switch ref.Type {
	case entity.Discussion:
		return s.IsViewingDiscussions
	case entity.Comment, entity.Reply:
		if !s.IsViewingComments {
			return false
		}
		return s.ActiveDiscussionID == "" || s.ActiveDiscussionID == discussionID
	}
	return false
}
