// Package backend talks to the notification backend over HTTP: queue
// registration and heartbeats, read-mark flushes and mention backfill.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ericvolp12/readstate/pkg/mentions"
	"github.com/ericvolp12/readstate/pkg/queue"
	"github.com/ericvolp12/readstate/pkg/readmarks"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("backend")

type Config struct {
	Host      string
	Timeout   time.Duration
	RateLimit rate.Limit
	Burst     int
	UserAgent string
}

func DefaultConfig(host string) Config {
	return Config{
		Host:      host,
		Timeout:   10 * time.Second,
		RateLimit: rate.Limit(10),
		Burst:     5,
		UserAgent: "readstate",
	}
}

type Client struct {
	logger    *slog.Logger
	host      string
	userAgent string
	client    *http.Client
	limiter   *rate.Limiter
}

func NewClient(config Config, logger *slog.Logger) *Client {
	return &Client{
		logger:    logger.With("module", "backend"),
		host:      strings.TrimSuffix(config.Host, "/"),
		userAgent: config.UserAgent,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: rate.NewLimiter(config.RateLimit, config.Burst),
	}
}

func (c *Client) Register(ctx context.Context, token string) (queue.Registration, error) {
	ctx, span := tracer.Start(ctx, "Register")
	defer span.End()

	var res RegisterResponse
	if err := c.do(ctx, token, http.MethodPost, "/queue/register", nil, &res); err != nil {
		return queue.Registration{}, err
	}
	if res.QueueID == "" {
		return queue.Registration{}, fmt.Errorf("backend returned an empty queue id")
	}
	return queue.Registration{QueueID: res.QueueID, LastEventID: res.LastEventID}, nil
}

func (c *Client) Heartbeat(ctx context.Context, token, queueID string, lastEventID int64) (queue.HeartbeatResult, error) {
	ctx, span := tracer.Start(ctx, "Heartbeat")
	defer span.End()
	span.SetAttributes(attribute.String("queue_id", queueID), attribute.Int64("last_event_id", lastEventID))

	var res HeartbeatResponse
	req := HeartbeatRequest{QueueID: queueID, LastEventID: lastEventID}
	if err := c.do(ctx, token, http.MethodPost, "/queue/heartbeat", req, &res); err != nil {
		return queue.HeartbeatResult{}, err
	}
	span.SetAttributes(attribute.Int("events", len(res.Events)))
	return queue.HeartbeatResult{Events: res.Events, NextEventID: res.NextEventID}, nil
}

// Session binds the client to one signed-in user's token.
type Session struct {
	c     *Client
	token string
}

func (c *Client) Session(token string) *Session {
	return &Session{c: c, token: token}
}

// FlushReadMarks sends marks to the backend. The endpoint is idempotent per
// entity so retrying a batch is safe.
func (s *Session) FlushReadMarks(ctx context.Context, marks []readmarks.ReadMark) error {
	ctx, span := tracer.Start(ctx, "FlushReadMarks")
	defer span.End()
	span.SetAttributes(attribute.Int("marks", len(marks)))

	req := FlushRequest{Marks: make([]ReadMark, 0, len(marks))}
	for _, m := range marks {
		req.Marks = append(req.Marks, ReadMark{
			EntityID:    m.EntityID,
			EntityType:  m.EntityType,
			ArticleID:   m.ArticleID,
			CommunityID: m.CommunityID,
		})
	}

	var res FlushResponse
	if err := s.c.do(ctx, s.token, http.MethodPost, "/read-marks", req, &res); err != nil {
		return err
	}
	s.c.logger.Debug("flushed read marks", "accepted", res.Accepted, "created", res.Created)
	return nil
}

// FetchMentions returns mentions of the signed-in user created after since.
func (s *Session) FetchMentions(ctx context.Context, since time.Time) ([]mentions.Mention, error) {
	ctx, span := tracer.Start(ctx, "FetchMentions")
	defer span.End()

	path := "/mentions"
	if !since.IsZero() {
		path += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	}

	var res MentionsResponse
	if err := s.c.do(ctx, s.token, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("mentions", len(res.Mentions)))

	out := make([]mentions.Mention, 0, len(res.Mentions))
	for _, m := range res.Mentions {
		out = append(out, mentions.Mention{
			TargetUsername: m.TargetUsername,
			SourceType:     m.SourceType,
			SourceID:       m.SourceID,
			DiscussionID:   m.DiscussionID,
			ArticleID:      m.ArticleID,
			CommunityID:    m.CommunityID,
			AuthorUsername: m.AuthorUsername,
			Excerpt:        m.Excerpt,
			CreatedAt:      m.CreatedAt,
		})
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, token, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.host+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	// Rate limit requests
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("failed to wait for rate limiter: %w", err)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		requests.WithLabelValues(route(path), "error").Inc()
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()
	requestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	requests.WithLabelValues(route(path), fmt.Sprintf("%d", resp.StatusCode)).Inc()

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s %s: %w", method, path, queue.ErrUnauthorized)
	case resp.StatusCode == http.StatusTooManyRequests:
		c.logger.Warn("rate limited", "path", path)
		return fmt.Errorf("%s %s: %w", method, path, queue.ErrRateLimited)
	case resp.StatusCode == http.StatusNotFound && path == "/queue/heartbeat":
		return fmt.Errorf("%s %s: %w", method, path, queue.ErrQueueNotFound)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected response status %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func route(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}
