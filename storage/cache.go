package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"notification-service/domain"
)

type backend interface {
	SaveEvent(ctx context.Context, ev *domain.Event) error
	MarkProcessed(ctx context.Context, ev *domain.Event, dispatchErr string) error
	EventsForUser(ctx context.Context, userID string, q HistoryQuery) ([]domain.Event, error)
	CountEvents(ctx context.Context) (int, error)
}

// Cache wraps a Storage instance with Redis-backed caching of the default
// history page per user. Caching is best-effort: Redis failures fall back to
// the backing store without erroring.
type Cache struct {
	*Storage
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and
// TTL. Public events cannot be evicted per recipient, so entries are
// TTL-bounded; keep the TTL short.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	c := &Cache{
		base:  base,
		redis: client,
		ttl:   ttl,
	}
	if s, ok := base.(*Storage); ok {
		c.Storage = s
	}
	return c
}

// SaveEvent persists the event and evicts the cached history of every
// explicit recipient.
func (c *Cache) SaveEvent(ctx context.Context, ev *domain.Event) error {
	if err := c.base.SaveEvent(ctx, ev); err != nil {
		return err
	}
	c.evictRecipients(ctx, ev)
	return nil
}

// MarkProcessed delegates to the backing store.
func (c *Cache) MarkProcessed(ctx context.Context, ev *domain.Event, dispatchErr string) error {
	return c.base.MarkProcessed(ctx, ev, dispatchErr)
}

// EventsForUser serves the default history page from Redis when possible.
// Filtered or paginated queries always hit the backing store.
func (c *Cache) EventsForUser(ctx context.Context, userID string, q HistoryQuery) ([]domain.Event, error) {
	if !cacheableQuery(q) {
		return c.base.EventsForUser(ctx, userID, q)
	}
	if events, ok := c.loadHistory(ctx, userID); ok {
		return events, nil
	}
	events, err := c.base.EventsForUser(ctx, userID, q)
	if err != nil {
		return nil, err
	}
	c.storeHistory(ctx, userID, events)
	return events, nil
}

// CountEvents delegates to the backing store.
func (c *Cache) CountEvents(ctx context.Context) (int, error) {
	return c.base.CountEvents(ctx)
}

func cacheableQuery(q HistoryQuery) bool {
	if len(q.Types) > 0 || q.Skip != 0 {
		return false
	}
	return q.Limit == 0 || q.Limit == DefaultHistoryLimit
}

func (c *Cache) loadHistory(ctx context.Context, userID string) ([]domain.Event, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, historyCacheKey(userID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, historyCacheKey(userID)).Err()
		}
		return nil, false
	}
	var events []domain.Event
	if err := json.Unmarshal(data, &events); err != nil {
		_ = c.redis.Del(ctx, historyCacheKey(userID)).Err()
		return nil, false
	}
	return events, true
}

func (c *Cache) storeHistory(ctx context.Context, userID string, events []domain.Event) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(events)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, historyCacheKey(userID), data, c.ttl).Err()
}

func (c *Cache) evictRecipients(ctx context.Context, ev *domain.Event) {
	if c.redis == nil || ev.Audience.Kind != domain.AudienceUsers {
		return
	}
	keys := make([]string, 0, len(ev.Audience.Users))
	for _, userID := range ev.Audience.Users {
		keys = append(keys, historyCacheKey(userID))
	}
	if len(keys) > 0 {
		_, _ = c.redis.Del(ctx, keys...).Result()
	}
}

func historyCacheKey(userID string) string {
	return "events:" + userID
}
