// Package catalog answers the two key-value lookups the match and chat
// services consume: movie id to metadata, and user id to display name.
// Records live in the store; Redis, when configured, caches them.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/cinematch/chat-app/internal/store"
)

const (
	moviePrefix = "catalog:movie:"
	userPrefix  = "catalog:user:"
)

// DefaultTTL is used when New is given a non-positive ttl.
const DefaultTTL = 10 * time.Minute

// Catalog is safe for concurrent use.
type Catalog struct {
	q   store.Queries
	rdb *redis.Client
	ttl time.Duration
	log *logrus.Entry

	// names remembers display names this process has already written, so
	// RememberUser does not hit the store on every request.
	names sync.Map
}

// New returns a Catalog reading from q. rdb may be nil to disable caching.
func New(q store.Queries, rdb *redis.Client, ttl time.Duration) *Catalog {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Catalog{q: q, rdb: rdb, ttl: ttl, log: logrus.WithField("component", "catalog")}
}

// Movie returns metadata for movieID or store.ErrNotFound.
func (c *Catalog) Movie(ctx context.Context, movieID int64) (*store.Movie, error) {
	key := moviePrefix + strconv.FormatInt(movieID, 10)

	if c.rdb != nil {
		raw, err := c.rdb.Get(ctx, key).Bytes()
		if err == nil {
			var m store.Movie
			if err := json.Unmarshal(raw, &m); err == nil {
				return &m, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			c.log.WithError(err).Debug("movie cache read failed")
		}
	}

	var m *store.Movie
	err := store.Retry(ctx, "get_movie", func() error {
		var err error
		m, err = c.q.GetMovie(ctx, movieID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if c.rdb != nil {
		if raw, err := json.Marshal(m); err == nil {
			if err := c.rdb.Set(ctx, key, raw, c.ttl).Err(); err != nil {
				c.log.WithError(err).Debug("movie cache write failed")
			}
		}
	}
	return m, nil
}

// MovieTitle returns the title of movieID, or "" when it is unknown.
func (c *Catalog) MovieTitle(ctx context.Context, movieID int64) string {
	m, err := c.Movie(ctx, movieID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.log.WithError(err).WithField("movie_id", movieID).Warn("movie lookup failed")
		}
		return ""
	}
	return m.Title
}

// PutMovie writes movie metadata and refreshes the cache.
func (c *Catalog) PutMovie(ctx context.Context, m *store.Movie) error {
	if err := store.Retry(ctx, "upsert_movie", func() error { return c.q.UpsertMovie(ctx, m) }); err != nil {
		return err
	}
	if c.rdb != nil {
		c.rdb.Del(ctx, moviePrefix+strconv.FormatInt(m.ID, 10))
	}
	return nil
}

// DisplayName returns userID's display name, falling back to the id itself
// when the directory has no entry.
func (c *Catalog) DisplayName(ctx context.Context, userID string) string {
	return c.DisplayNames(ctx, []string{userID})[userID]
}

// DisplayNames resolves several ids at once. Every requested id is present
// in the result.
func (c *Catalog) DisplayNames(ctx context.Context, userIDs []string) map[string]string {
	out := make(map[string]string, len(userIDs))
	var missing []string

	if c.rdb != nil && len(userIDs) > 0 {
		keys := make([]string, len(userIDs))
		for i, id := range userIDs {
			keys[i] = userPrefix + id
		}
		vals, err := c.rdb.MGet(ctx, keys...).Result()
		if err != nil {
			c.log.WithError(err).Debug("user cache read failed")
		}
		for i, id := range userIDs {
			if err == nil {
				if s, ok := vals[i].(string); ok {
					out[id] = s
					continue
				}
			}
			missing = append(missing, id)
		}
	} else {
		missing = userIDs
	}

	if len(missing) == 0 {
		return out
	}

	var pipe redis.Pipeliner
	if c.rdb != nil {
		pipe = c.rdb.Pipeline()
	}
	for _, id := range missing {
		if _, done := out[id]; done {
			continue
		}
		u, err := c.q.GetUser(ctx, id)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				c.log.WithError(err).WithField("user_id", id).Warn("user lookup failed")
			}
			out[id] = id
			continue
		}
		out[id] = u.DisplayName
		if pipe != nil {
			pipe.Set(ctx, userPrefix+id, u.DisplayName, c.ttl)
		}
	}
	if pipe != nil {
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			c.log.WithError(err).Debug("user cache write failed")
		}
	}
	return out
}

// RememberUser records the display name carried by a caller's identity.
func (c *Catalog) RememberUser(ctx context.Context, userID, displayName string) error {
	if displayName == "" {
		return nil
	}
	if prev, ok := c.names.Load(userID); ok && prev.(string) == displayName {
		return nil
	}

	u := &store.User{ID: userID, DisplayName: displayName}
	if err := store.Retry(ctx, "upsert_user", func() error { return c.q.UpsertUser(ctx, u) }); err != nil {
		return err
	}
	c.names.Store(userID, displayName)
	if c.rdb != nil {
		if err := c.rdb.Set(ctx, userPrefix+userID, displayName, c.ttl).Err(); err != nil {
			c.log.WithError(err).Debug("user cache write failed")
		}
	}
	return nil
}
