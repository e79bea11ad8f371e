// internal/cache/redis.go
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/sipsocial/internal/models"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces every list cache key.
const DefaultKeyPrefix = "sipsocial:friends"

// ConnectRedis opens a client against addr and pings it.
func ConnectRedis(ctx context.Context, addr string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// ListCache stores a caller's friendship lists as JSON, one key per (caller, list).
type ListCache struct {
	rdb    redis.Cmdable
	ttl    time.Duration
	prefix string
}

// NewListCache builds a cache; ttl of 0 keeps entries until invalidated.
func NewListCache(rdb redis.Cmdable, ttl time.Duration) *ListCache {
	return &ListCache{rdb: rdb, ttl: ttl, prefix: DefaultKeyPrefix}
}

func (c *ListCache) key(caller uuid.UUID, list string) string {
	return c.prefix + ":" + caller.String() + ":" + list
}

// Get returns the cached list and whether it was present.
func (c *ListCache) Get(ctx context.Context, caller uuid.UUID, list string) ([]models.Friendship, bool, error) {
	data, err := c.rdb.Get(ctx, c.key(caller, list)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to GET list %q: %w", list, err)
	}
	var rows []models.Friendship
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached list %q: %w", list, err)
	}
	if rows == nil {
		rows = []models.Friendship{}
	}
	return rows, true, nil
}

// Set stores rows under (caller, list).
func (c *ListCache) Set(ctx context.Context, caller uuid.UUID, list string, rows []models.Friendship) error {
	data, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("failed to marshal list %q: %w", list, err)
	}
	if err := c.rdb.Set(ctx, c.key(caller, list), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to SET list %q: %w", list, err)
	}
	return nil
}

// Invalidate drops the named lists cached for caller.
func (c *ListCache) Invalidate(ctx context.Context, caller uuid.UUID, lists ...string) error {
	if len(lists) == 0 {
		return nil
	}
	keys := make([]string, 0, len(lists))
	for _, l := range lists {
		keys = append(keys, c.key(caller, l))
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to DEL lists for %s: %w", caller, err)
	}
	return nil
}

// InvalidateChange drops every list cached for the users on either row image of ev.
func (c *ListCache) InvalidateChange(ctx context.Context, ev models.ChangeEvent, lists ...string) error {
	seen := make(map[uuid.UUID]bool, 4)
	var errs []error
	for _, row := range []*models.Friendship{ev.New, ev.Old} {
		if row == nil {
			continue
		}
		for _, u := range []uuid.UUID{row.UserID, row.FriendID} {
			if seen[u] {
				continue
			}
			seen[u] = true
			if err := c.Invalidate(ctx, u, lists...); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
