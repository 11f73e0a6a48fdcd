package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Registry holds the queue clients of every tab session in a process so
// their lifecycle and teardown are explicit.
type Registry struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*Client
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:  logger.With("module", "queue_registry"),
		clients: make(map[string]*Client),
	}
}

func (r *Registry) Register(tabID string, c *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[tabID]; ok {
		return fmt.Errorf("tab %q already registered", tabID)
	}
	r.clients[tabID] = c
	r.logger.Info("registered tab", "tab_id", tabID, "holder", c.Holder())
	return nil
}

// Unregister closes the tab's client and forgets it.
func (r *Registry) Unregister(ctx context.Context, tabID string) {
	r.mu.Lock()
	c, ok := r.clients[tabID]
	delete(r.clients, tabID)
	r.mu.Unlock()

	if !ok {
		return
	}
	c.Close(ctx)
	r.logger.Info("unregistered tab", "tab_id", tabID)
}

func (r *Registry) Get(tabID string) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[tabID]
	return c, ok
}

// Tabs lists registered tab ids in order.
func (r *Registry) Tabs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	tabs := make([]string, 0, len(r.clients))
	for id := range r.clients {
		tabs = append(tabs, id)
	}
	sort.Strings(tabs)
	return tabs
}

// Leader returns the tab currently holding the queue lease, if it lives in
// this process.
func (r *Registry) Leader() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.clients {
		if c.IsLeader() {
			return id, true
		}
	}
	return "", false
}

// Close closes every registered client.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[string]*Client)
	r.mu.Unlock()

	for id, c := range clients {
		c.Close(ctx)
		r.logger.Info("closed tab", "tab_id", id)
	}
}

type registryKey struct{}

func WithRegistry(ctx context.Context, r *Registry) context.Context {
	return context.WithValue(ctx, registryKey{}, r)
}

func FromContext(ctx context.Context) (*Registry, bool) {
	r, ok := ctx.Value(registryKey{}).(*Registry)
	return r, ok
}
