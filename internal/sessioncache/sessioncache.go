// Package sessioncache projects Cloud-owned scale sessions into a
// local, TTL-bounded cache so the event processor can stamp events with
// a session id without a round trip per event.
package sessioncache

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/carnitrack/edge/internal/domain"
)

// SessionFetcher fetches the current session descriptors for the given
// device ids from Cloud. Implemented by the Cloud REST client.
type SessionFetcher interface {
	FetchSessions(ctx context.Context, deviceIDs []string) (map[string]domain.SessionCacheEntry, error)
}

// DeviceLister supplies the set of currently connected devices to poll
// for, and receives the resolved session id back.
type DeviceLister interface {
	List() []domain.Device
	SetActiveSession(deviceID, sessionID string)
}

// Config controls poll and cleanup cadence, and the TTL applied to
// freshly cached entries.
type Config struct {
	PollInterval    time.Duration
	CleanupInterval time.Duration
	Expiry          time.Duration
}

// Cache is the in-memory session projection. Only poll (from Run or
// Refresh) and the cleanup sweep mutate it; all other readers get a
// snapshot (SPEC_FULL.md §4).
type Cache struct {
	cfg      Config
	fetcher  SessionFetcher
	registry DeviceLister

	mu      sync.RWMutex
	entries map[string]domain.SessionCacheEntry
}

// New creates a Cache bound to fetcher and registry.
func New(cfg Config, fetcher SessionFetcher, registry DeviceLister) *Cache {
	return &Cache{
		cfg:      cfg,
		fetcher:  fetcher,
		registry: registry,
		entries:  make(map[string]domain.SessionCacheEntry),
	}
}

// Get returns the cached entry for a device, if present and unexpired.
func (c *Cache) Get(deviceID string) (domain.SessionCacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[deviceID]
	if !ok || e.Expired(time.Now()) {
		return domain.SessionCacheEntry{}, false
	}
	return e, true
}

// Run blocks, polling Cloud on PollInterval and sweeping expired
// entries on CleanupInterval, until ctx is cancelled.
func (c *Cache) Run(ctx context.Context) {
	pollTicker := time.NewTicker(c.cfg.PollInterval)
	defer pollTicker.Stop()
	cleanupTicker := time.NewTicker(c.cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	c.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-pollTicker.C:
			c.poll(ctx)
		case <-cleanupTicker.C:
			c.cleanup()
		}
	}
}

// Refresh triggers an immediate poll, used by the Cloud client's
// "connected" transition to resync sessions as soon as Cloud is
// reachable again.
func (c *Cache) Refresh(ctx context.Context) {
	c.poll(ctx)
}

func (c *Cache) poll(ctx context.Context) {
	devices := c.registry.List()
	if len(devices) == 0 {
		return
	}
	ids := make([]string, 0, len(devices))
	for _, d := range devices {
		if d.TCPConnected {
			ids = append(ids, d.DeviceID)
		}
	}
	if len(ids) == 0 {
		return
	}

	fetched, err := c.fetcher.FetchSessions(ctx, ids)
	if err != nil {
		log.Printf("[sessioncache] poll failed: %v", err)
		return
	}

	now := time.Now()
	c.mu.Lock()
	for _, id := range ids {
		entry, present := fetched[id]
		if !present || (entry.Status != domain.SessionActive && entry.Status != domain.SessionPaused) {
			delete(c.entries, id)
			c.registry.SetActiveSession(id, "")
			continue
		}
		entry.CachedAt = now
		entry.ExpiresAt = now.Add(c.cfg.Expiry)
		c.entries[id] = entry
		c.registry.SetActiveSession(id, entry.CloudSessionID)
	}
	c.mu.Unlock()
}

func (c *Cache) cleanup() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for deviceID, e := range c.entries {
		if e.Expired(now) {
			delete(c.entries, deviceID)
			c.registry.SetActiveSession(deviceID, "")
		}
	}
}
