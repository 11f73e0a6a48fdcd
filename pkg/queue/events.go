package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/araddon/dateparse"
	"github.com/ericvolp12/readstate/pkg/entity"
	"github.com/go-playground/validator/v10"
)

type EventType string

const (
	EventDiscussion EventType = "discussion"
	EventComment    EventType = "comment"
	EventReply      EventType = "reply"
	EventMention    EventType = "mention"
)

// Event is one realtime delta delivered through the queue.
type Event struct {
	ID           int64           `json:"id" validate:"gt=0"`
	Type         EventType       `json:"type" validate:"required,oneof=discussion comment reply mention"`
	ArticleID    string          `json:"articleId" validate:"required"`
	CommunityID  string          `json:"communityId,omitempty"`
	DiscussionID string          `json:"discussionId,omitempty"`
	Time         string          `json:"createdAt,omitempty"`
	Payload      json.RawMessage `json:"payload"`

	CreatedAt time.Time       `json:"-"`
	Content   *ContentPayload `json:"-"`
	Mention   *MentionPayload `json:"-"`
	Raw       json.RawMessage `json:"-"`
}

// ContentPayload accompanies discussion, comment and reply events.
type ContentPayload struct {
	EntityID       string `json:"entityId" validate:"required"`
	AuthorUsername string `json:"authorUsername,omitempty"`
	Excerpt        string `json:"excerpt,omitempty"`
}

type MentionPayload struct {
	TargetUsername string `json:"targetUsername" validate:"required"`
	SourceType     string `json:"sourceType" validate:"required,oneof=discussion comment"`
	SourceID       string `json:"sourceId" validate:"required"`
	AuthorUsername string `json:"authorUsername,omitempty"`
	Excerpt        string `json:"excerpt,omitempty"`
}

// Ref is the entity a content event is about.
func (e *Event) Ref() entity.Ref {
	if e.Content == nil {
		return entity.Ref{}
	}
	return entity.Ref{Type: entity.Type(e.Type), ID: e.Content.EntityID}
}

func (e *Event) Scope() entity.Scope {
	return entity.Scope{ArticleID: e.ArticleID, CommunityID: e.CommunityID}
}

var validate = validator.New()

// DecodeEvent parses and validates a single raw event.
func DecodeEvent(raw json.RawMessage) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	if err := validate.Struct(&evt); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}

	if evt.Time != "" {
		t, err := dateparse.ParseAny(evt.Time)
		if err != nil {
			return nil, fmt.Errorf("failed to parse event time %q: %w", evt.Time, err)
		}
		evt.CreatedAt = t
	}

	switch evt.Type {
	case EventMention:
		var p MentionPayload
		if err := decodePayload(evt.Payload, &p); err != nil {
			return nil, err
		}
		evt.Mention = &p
	default:
		var p ContentPayload
		if err := decodePayload(evt.Payload, &p); err != nil {
			return nil, err
		}
		evt.Content = &p
	}

	evt.Raw = raw
	return &evt, nil
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("event has no payload")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to unmarshal event payload: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("invalid event payload: %w", err)
	}
	return nil
}

// DecodeEvents decodes every event it can. Malformed or unrecognized
// events are skipped and counted, never aborting the batch.
func DecodeEvents(raws []json.RawMessage) ([]*Event, []error) {
	evts := make([]*Event, 0, len(raws))
	var errs []error
	for _, raw := range raws {
		evt, err := DecodeEvent(raw)
		if err != nil {
			errs = append(errs, err)
			eventsDropped.Inc()
			continue
		}
		eventsReceived.WithLabelValues(string(evt.Type)).Inc()
		evts = append(evts, evt)
	}
	return evts, errs
}
