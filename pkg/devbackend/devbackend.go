// Package devbackend is an in-memory notification backend speaking the
// same wire protocol as production. It backs local runs and client tests.
package devbackend

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ericvolp12/readstate/pkg/backend"
	"github.com/ericvolp12/readstate/pkg/entity"
	"github.com/ericvolp12/readstate/pkg/queue"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

var (
	ErrUnknownToken = errors.New("unknown token")
	ErrUnknownQueue = errors.New("unknown queue")
	ErrUnknownUser  = errors.New("unknown user")
)

type User struct {
	ID       string
	Username string
}

type storedEvent struct {
	id     int64
	userID string
	raw    json.RawMessage
}

type storedMention struct {
	userID string
	m      backend.Mention
}

// Server holds every queue, event, read mark and mention in memory.
type Server struct {
	logger   *slog.Logger
	clock    clockwork.Clock
	maxBatch int

	mu          sync.Mutex
	users       map[string]User // by token
	queues      map[string]string
	events      []storedEvent
	lastEventID int64
	readMarks   map[string]map[string]backend.ReadMark
	mentions    []storedMention
	// failNext makes the next n authenticated requests fail with 503.
	failNext int
}

func New(clock clockwork.Clock, logger *slog.Logger) *Server {
	return &Server{
		logger:    logger.With("module", "devbackend"),
		clock:     clock,
		maxBatch:  100,
		users:     make(map[string]User),
		queues:    make(map[string]string),
		readMarks: make(map[string]map[string]backend.ReadMark),
	}
}

func (s *Server) AddUser(token string, u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[token] = u
}

// ParseUsers reads "token=userID:username" pairs separated by commas.
func ParseUsers(list string) (map[string]User, error) {
	out := make(map[string]User)
	for _, pair := range strings.Split(list, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, rest, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid user %q, expected token=userID:username", pair)
		}
		id, username, ok := strings.Cut(rest, ":")
		if !ok || token == "" || id == "" || username == "" {
			return nil, fmt.Errorf("invalid user %q, expected token=userID:username", pair)
		}
		out[token] = User{ID: id, Username: username}
	}
	return out, nil
}

// FailNext makes the next n authenticated requests fail.
func (s *Server) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

func (s *Server) authenticate(token string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[token]
	if !ok {
		return User{}, ErrUnknownToken
	}
	if s.failNext > 0 {
		s.failNext--
		return User{}, errUnavailable
	}
	return u, nil
}

var errUnavailable = errors.New("backend unavailable")

// Register opens a queue that starts at the current end of the event log.
func (s *Server) Register(u User) backend.RegisterResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.queues[id] = u.ID
	return backend.RegisterResponse{QueueID: id, LastEventID: s.lastEventID}
}

// Heartbeat returns the user's events after lastEventID.
func (s *Server) Heartbeat(u User, queueID string, lastEventID int64) (backend.HeartbeatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	owner, ok := s.queues[queueID]
	if !ok || owner != u.ID {
		return backend.HeartbeatResponse{}, ErrUnknownQueue
	}

	res := backend.HeartbeatResponse{Events: []json.RawMessage{}, NextEventID: lastEventID}
	i := sort.Search(len(s.events), func(i int) bool { return s.events[i].id > lastEventID })
	for ; i < len(s.events) && len(res.Events) < s.maxBatch; i++ {
		evt := s.events[i]
		res.NextEventID = evt.id
		if evt.userID != u.ID {
			continue
		}
		res.Events = append(res.Events, evt.raw)
	}
	if len(res.Events) < s.maxBatch && s.lastEventID > res.NextEventID {
		res.NextEventID = s.lastEventID
	}
	return res, nil
}

// Publish appends an event for its recipients. Mention events are
// delivered to the mentioned user and recorded in their notification list.
func (s *Server) Publish(req backend.PublishRequest) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recipients := []string{}
	var mention *queue.MentionPayload
	if req.Type == string(queue.EventMention) {
		var p queue.MentionPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid mention payload: %w", err)
		}
		mention = &p
		for _, u := range s.users {
			if strings.EqualFold(u.Username, p.TargetUsername) {
				recipients = append(recipients, u.ID)
				break
			}
		}
	} else if req.UserID != "" {
		recipients = append(recipients, req.UserID)
	}
	if len(recipients) == 0 {
		return nil, ErrUnknownUser
	}

	now := s.clock.Now().UTC()
	ids := make([]int64, 0, len(recipients))
	for _, userID := range recipients {
		s.lastEventID++
		raw, err := json.Marshal(queue.Event{
			ID:           s.lastEventID,
			Type:         queue.EventType(req.Type),
			ArticleID:    req.ArticleID,
			CommunityID:  req.CommunityID,
			DiscussionID: req.DiscussionID,
			Time:         now.Format(time.RFC3339Nano),
			Payload:      req.Payload,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event: %w", err)
		}
		s.events = append(s.events, storedEvent{id: s.lastEventID, userID: userID, raw: raw})
		ids = append(ids, s.lastEventID)

		if mention != nil {
			s.recordMention(userID, req, *mention, now)
		}
	}
	return ids, nil
}

func (s *Server) recordMention(userID string, req backend.PublishRequest, p queue.MentionPayload, now time.Time) {
	for _, sm := range s.mentions {
		if sm.userID == userID && sm.m.SourceType == entity.Type(p.SourceType) && sm.m.SourceID == p.SourceID {
			return
		}
	}
	s.mentions = append(s.mentions, storedMention{userID: userID, m: backend.Mention{
		TargetUsername: p.TargetUsername,
		SourceType:     entity.Type(p.SourceType),
		SourceID:       p.SourceID,
		DiscussionID:   req.DiscussionID,
		ArticleID:      req.ArticleID,
		CommunityID:    req.CommunityID,
		AuthorUsername: p.AuthorUsername,
		Excerpt:        p.Excerpt,
		CreatedAt:      now,
	}})
}

// MarkRead records marks for u. It reports how many were new.
func (s *Server) MarkRead(u User, marks []backend.ReadMark) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.readMarks[u.ID]
	if !ok {
		set = make(map[string]backend.ReadMark)
		s.readMarks[u.ID] = set
	}
	created := 0
	for _, m := range marks {
		key := entity.Ref{Type: m.EntityType, ID: m.EntityID}.String()
		if _, ok := set[key]; ok {
			continue
		}
		set[key] = m
		created++
	}
	return created
}

// ReadMarks lists the marks stored for userID in key order.
func (s *Server) ReadMarks(userID string) []backend.ReadMark {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.readMarks[userID]
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]backend.ReadMark, 0, len(keys))
	for _, k := range keys {
		out = append(out, set[k])
	}
	return out
}

// Mentions lists u's mentions created after since, newest first.
func (s *Server) Mentions(u User, since time.Time) []backend.Mention {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []backend.Mention{}
	for _, sm := range s.mentions {
		if sm.userID != u.ID || !sm.m.CreatedAt.After(since) {
			continue
		}
		out = append(out, sm.m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}
