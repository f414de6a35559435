// internal/cache/redis.go
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jason-s-yu/trivia/internal/config"
	"github.com/redis/go-redis/v9"
)

// scanBatch is the COUNT hint passed to SCAN when enumerating keys.
const scanBatch = 100

// Store is the shared key/value + pub/sub store every process coordinates through.
// Values other than strings and byte slices are stored as JSON.
type Store struct {
	rdb *redis.Client
}

// Subscription is a single store-level channel subscription.
type Subscription interface {
	// Receive waits up to timeout for the next payload. It returns a nil payload
	// and a nil error when nothing arrived in time.
	Receive(ctx context.Context, timeout time.Duration) ([]byte, error)
	Close() error
}

// NewStore wraps an existing client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Connect dials Redis with the given settings and verifies it with a PING.
// A failure here is meant to abort process start.
func Connect(ctx context.Context, cfg config.RedisConfig) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}
	return NewStore(rdb), nil
}

// Client exposes the underlying client for callers that need raw commands.
func (s *Store) Client() *redis.Client {
	return s.rdb
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Ping checks that the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Get loads key into dest. found is false when the key does not exist.
func (s *Store) Get(ctx context.Context, key string, dest any) (bool, error) {
	raw, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := decode(raw, dest); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// Set stores value under key. A zero ttl means no expiry.
func (s *Store) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := encode(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Delete removes keys and reports how many existed.
func (s *Store) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.rdb.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("del %v: %w", keys, err)
	}
	return n, nil
}

// Exists reports whether key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Expire sets a ttl on key. It reports false when the key does not exist.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.Expire(ctx, key, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("expire %s: %w", key, err)
	}
	return ok, nil
}

// HSet stores value under field of the hash at key.
func (s *Store) HSet(ctx context.Context, key, field string, value any) error {
	data, err := encode(value)
	if err != nil {
		return fmt.Errorf("encode %s[%s]: %w", key, field, err)
	}
	if err := s.rdb.HSet(ctx, key, field, data).Err(); err != nil {
		return fmt.Errorf("hset %s[%s]: %w", key, field, err)
	}
	return nil
}

// HGet loads one hash field into dest.
func (s *Store) HGet(ctx context.Context, key, field string, dest any) (bool, error) {
	raw, err := s.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("hget %s[%s]: %w", key, field, err)
	}
	if err := decode(raw, dest); err != nil {
		return false, fmt.Errorf("decode %s[%s]: %w", key, field, err)
	}
	return true, nil
}

// HGetAll returns every raw field of the hash at key; empty when absent.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	return m, nil
}

// HDel removes hash fields.
func (s *Store) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	n, err := s.rdb.HDel(ctx, key, fields...).Result()
	if err != nil {
		return 0, fmt.Errorf("hdel %s: %w", key, err)
	}
	return n, nil
}

// SAdd adds members to the set at key.
func (s *Store) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	n, err := s.rdb.SAdd(ctx, key, toAny(members)...).Result()
	if err != nil {
		return 0, fmt.Errorf("sadd %s: %w", key, err)
	}
	return n, nil
}

// SRem removes members from the set at key.
func (s *Store) SRem(ctx context.Context, key string, members ...string) (int64, error) {
	n, err := s.rdb.SRem(ctx, key, toAny(members)...).Result()
	if err != nil {
		return 0, fmt.Errorf("srem %s: %w", key, err)
	}
	return n, nil
}

// SMembers returns the members of the set at key.
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", key, err)
	}
	return members, nil
}

// Keys enumerates keys matching pattern with SCAN. limit <= 0 means no limit.
func (s *Store) Keys(ctx context.Context, pattern string, limit int) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, pattern, scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if limit > 0 && len(keys) >= limit {
			break
		}
	}
	if err := iter.Err(); err != nil {
		return keys, fmt.Errorf("scan %s: %w", pattern, err)
	}
	return keys, nil
}

// TxPipelined runs fn inside MULTI/EXEC.
func (s *Store) TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) error {
	_, err := s.rdb.TxPipelined(ctx, fn)
	return err
}

// Publish sends payload on channel.
func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := s.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a subscription and waits for the server to confirm it, so
// messages published after Subscribe returns are never missed.
func (s *Store) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := s.rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	return &redisSubscription{ps: ps}, nil
}

type redisSubscription struct {
	ps *redis.PubSub
}

func (r *redisSubscription) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	msg, err := r.ps.ReceiveTimeout(ctx, timeout)
	if err != nil {
		if isTimeout(err) {
			return nil, nil
		}
		return nil, err
	}
	switch m := msg.(type) {
	case *redis.Message:
		return []byte(m.Payload), nil
	default:
		// subscription confirmations and pongs carry no payload
		return nil, nil
	}
}

func (r *redisSubscription) Close() error {
	return r.ps.Close()
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func encode(value any) (any, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return v, nil
	default:
		return json.Marshal(v)
	}
}

func decode(raw string, dest any) error {
	switch d := dest.(type) {
	case nil:
		return nil
	case *string:
		*d = raw
		return nil
	case *[]byte:
		*d = []byte(raw)
		return nil
	default:
		return json.Unmarshal([]byte(raw), dest)
	}
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
