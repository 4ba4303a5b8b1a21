package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for session hashes.
	SessionPrefix = "session:"

	// OnlinePrefix is the key prefix of a user's live-session sorted set.
	// Members are session ids scored by their expiry in unix milliseconds.
	OnlinePrefix = "online:"

	// SessionTTL bounds how long a session outlives its last heartbeat.
	SessionTTL = 2 * time.Minute
)

// Session is one live hub connection as recorded in Redis.
type Session struct {
	ID         string `redis:"id"`
	UserID     string `redis:"user_id"`
	Server     string `redis:"server"`      // which server instance holds the socket
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store mirrors live sessions into Redis. A nil *Store is valid: writes are
// no-ops and IsOnline reports true, so callers without Redis attempt
// delivery instead of skipping it.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this server instance
}

// NewStore connects to Redis at redisAddr.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

func onlineScore(now time.Time) float64 {
	return float64(now.Add(SessionTTL).UnixMilli())
}

// Create records a new session for userID.
func (s *Store) Create(ctx context.Context, sessionID, userID string) error {
	if s == nil {
		return nil
	}
	now := time.Now()
	key := SessionPrefix + sessionID
	onlineKey := OnlinePrefix + userID

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":          sessionID,
		"user_id":     userID,
		"server":      s.serverName,
		"created_at":  now.Unix(),
		"last_active": now.Unix(),
	})
	pipe.Expire(ctx, key, SessionTTL)
	pipe.ZAdd(ctx, onlineKey, redis.Z{Score: onlineScore(now), Member: sessionID})
	pipe.Expire(ctx, onlineKey, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: create %s: %w", sessionID, err)
	}
	return nil
}

// Get retrieves a session. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	if s == nil {
		return nil, nil
	}
	var sess Session
	if err := s.client.HGetAll(ctx, SessionPrefix+sessionID).Scan(&sess); err != nil {
		return nil, err
	}
	if sess.ID == "" {
		return nil, nil
	}
	return &sess, nil
}

// Touch extends the session and its entry in the user's online set.
func (s *Store) Touch(ctx context.Context, sessionID, userID string) error {
	if s == nil {
		return nil
	}
	now := time.Now()
	key := SessionPrefix + sessionID
	onlineKey := OnlinePrefix + userID

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", now.Unix())
	pipe.Expire(ctx, key, SessionTTL)
	pipe.ZAdd(ctx, onlineKey, redis.Z{Score: onlineScore(now), Member: sessionID})
	pipe.Expire(ctx, onlineKey, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a session.
func (s *Store) Delete(ctx context.Context, sessionID, userID string) error {
	if s == nil {
		return nil
	}
	pipe := s.client.Pipeline()
	pipe.Del(ctx, SessionPrefix+sessionID)
	pipe.ZRem(ctx, OnlinePrefix+userID, sessionID)
	_, err := pipe.Exec(ctx)
	return err
}

// Sessions returns the ids of userID's unexpired sessions across the cluster.
func (s *Store) Sessions(ctx context.Context, userID string) ([]string, error) {
	if s == nil {
		return nil, nil
	}
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	onlineKey := OnlinePrefix + userID

	pipe := s.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, onlineKey, "-inf", "("+now)
	ids := pipe.ZRange(ctx, onlineKey, 0, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("session: list %s: %w", userID, err)
	}
	return ids.Val(), nil
}

// IsOnline reports whether userID has at least one live session anywhere.
func (s *Store) IsOnline(ctx context.Context, userID string) (bool, error) {
	if s == nil {
		return true, nil
	}
	ids, err := s.Sessions(ctx, userID)
	if err != nil {
		return false, err
	}
	return len(ids) > 0, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}
