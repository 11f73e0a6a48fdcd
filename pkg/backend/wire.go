package backend

import (
	"encoding/json"
	"time"

	"github.com/ericvolp12/readstate/pkg/entity"
)

type RegisterResponse struct {
	QueueID     string `json:"queueId"`
	LastEventID int64  `json:"lastEventId"`
}

type HeartbeatRequest struct {
	QueueID     string `json:"queueId"`
	LastEventID int64  `json:"lastEventId"`
}

type HeartbeatResponse struct {
	Events      []json.RawMessage `json:"events"`
	NextEventID int64             `json:"nextEventId"`
}

type ReadMark struct {
	EntityID    string      `json:"entityId" validate:"required"`
	EntityType  entity.Type `json:"entityType" validate:"required,oneof=discussion comment reply"`
	ArticleID   string      `json:"articleId,omitempty"`
	CommunityID string      `json:"communityId,omitempty"`
}

type FlushRequest struct {
	Marks []ReadMark `json:"marks" validate:"required,dive"`
}

type FlushResponse struct {
	Accepted int `json:"accepted"`
	Created  int `json:"created"`
}

// Mention is a mention as the backend's notification list reports it.
type Mention struct {
	TargetUsername string      `json:"targetUsername"`
	SourceType     entity.Type `json:"sourceType"`
	SourceID       string      `json:"sourceId"`
	DiscussionID   string      `json:"discussionId"`
	ArticleID      string      `json:"articleId"`
	CommunityID    string      `json:"communityId,omitempty"`
	AuthorUsername string      `json:"authorUsername"`
	Excerpt        string      `json:"excerpt"`
	CreatedAt      time.Time   `json:"createdAt"`
}

type MentionsResponse struct {
	Mentions []Mention `json:"mentions"`
}

// PublishRequest injects an event into a development backend.
type PublishRequest struct {
	UserID       string          `json:"userId"`
	Type         string          `json:"type" validate:"required,oneof=discussion comment reply mention"`
	ArticleID    string          `json:"articleId" validate:"required"`
	CommunityID  string          `json:"communityId,omitempty"`
	DiscussionID string          `json:"discussionId,omitempty"`
	Payload      json.RawMessage `json:"payload" validate:"required"`
}

type PublishResponse struct {
	EventIDs []int64 `json:"eventIds"`
}
