// Package cache holds proxied content in memory. A single worker
// goroutine owns the store; the proxy handlers and the admin surface
// drive it through events, so per-key state never needs locking.
package cache

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Event is a message for the cache worker.
type Event interface {
	cacheEvent()
}

// GetRequest looks a key up. Reply receives the cached value or nil on a
// miss.
type GetRequest struct {
	Key   string
	Reply chan<- []byte
}

// UpstreamData records a fully received upstream body for a key.
type UpstreamData struct {
	Key   string
	Value []byte
}

// Purge empties the store.
type Purge struct {
	Done chan<- struct{}
}

func (GetRequest) cacheEvent()   {}
func (UpstreamData) cacheEvent() {}
func (Purge) cacheEvent()        {}

// Cache is the in-memory proxy cache.
type Cache struct {
	events chan Event

	// OnUpstreamData, when set before Start, observes every completed
	// upstream body. The node uses it to seed the blockstore and
	// advertise the new content to peers.
	OnUpstreamData func(key string, value []byte)
}

// New returns a cache; call Start to run its worker.
func New() *Cache {
	return &Cache{events: make(chan Event, 64)}
}

// Start runs the worker until ctx is canceled.
func (c *Cache) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *Cache) run(ctx context.Context) {
	store := make(map[string][]byte)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.events:
			switch ev := ev.(type) {
			case GetRequest:
				ev.Reply <- store[ev.Key]
			case UpstreamData:
				store[ev.Key] = ev.Value
				log.Debug().Str("key", ev.Key).Int("size", len(ev.Value)).Msg("cached upstream body")
				if c.OnUpstreamData != nil {
					go c.OnUpstreamData(ev.Key, ev.Value)
				}
			case Purge:
				store = make(map[string][]byte)
				log.Info().Msg("cache purged")
				if ev.Done != nil {
					close(ev.Done)
				}
			}
		}
	}
}

// HandleEvent submits an event to the worker.
func (c *Cache) HandleEvent(ctx context.Context, ev Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

// Get returns the cached value for key, or nil on a miss.
func (c *Cache) Get(ctx context.Context, key string) []byte {
	reply := make(chan []byte, 1)
	c.HandleEvent(ctx, GetRequest{Key: key, Reply: reply})
	select {
	case v := <-reply:
		return v
	case <-ctx.Done():
		return nil
	}
}

// Put stores value under key, fire and forget.
func (c *Cache) Put(ctx context.Context, key string, value []byte) {
	c.HandleEvent(ctx, UpstreamData{Key: key, Value: value})
}

// PurgeAll empties the store and waits until subsequent gets miss.
func (c *Cache) PurgeAll(ctx context.Context) {
	done := make(chan struct{})
	c.HandleEvent(ctx, Purge{Done: done})
	select {
	case <-done:
	case <-ctx.Done():
	}
}
