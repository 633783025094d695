package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lumilearn/orchestrator/internal/config"
	"github.com/lumilearn/orchestrator/internal/metrics"
	"github.com/lumilearn/orchestrator/internal/state"
)

const maxLocalSessions = 10000

// Cached is a write-through cache in front of a durable Store: reads hit the
// local map, then Redis, then the backing store; writes go to all three. A
// Redis outage degrades to the backing store, it never fails the operation.
type Cached struct {
	backing Store
	redis   *redis.Client
	ttl     time.Duration
	logger  *zap.Logger

	mu     sync.RWMutex
	local  map[string]*state.SessionState
	access map[string]time.Time
}

// NewCached connects to Redis and wraps the backing store.
func NewCached(backing Store, cfg config.StoreConfig, logger *zap.Logger) (*Cached, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     os.Getenv("REDIS_PASSWORD"),
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cached{
		backing: backing,
		redis:   client,
		ttl:     ttl,
		logger:  logger,
		local:   make(map[string]*state.SessionState),
		access:  make(map[string]time.Time),
	}, nil
}

func sessionKey(userID string) string {
	return "lumilearn:session:" + userID
}

func (c *Cached) Load(ctx context.Context, userID string) (*state.SessionState, error) {
	c.mu.RLock()
	cached, ok := c.local[userID]
	c.mu.RUnlock()
	if ok {
		c.touch(userID)
		metrics.StoreCacheHits.WithLabelValues("local").Inc()
		return cached.Clone(), nil
	}

	doc, err := c.redis.Get(ctx, sessionKey(userID)).Result()
	if err == nil {
		var st state.SessionState
		if err := json.Unmarshal([]byte(doc), &st); err == nil {
			metrics.StoreCacheHits.WithLabelValues("redis").Inc()
			c.putLocal(&st)
			return st.Clone(), nil
		}
		c.logger.Warn("Corrupt cached session, falling through",
			zap.String("user_id", userID),
		)
	} else if !errors.Is(err, redis.Nil) {
		c.logger.Warn("Redis read failed, falling through to store",
			zap.Error(err),
		)
	}
	metrics.StoreCacheHits.WithLabelValues("miss").Inc()

	st, err := c.backing.Load(ctx, userID)
	if err != nil {
		return nil, err
	}
	c.putLocal(st)
	c.writeRedis(ctx, st)
	return st, nil
}

func (c *Cached) Save(ctx context.Context, st *state.SessionState) error {
	if err := c.backing.Save(ctx, st); err != nil {
		return err
	}
	c.putLocal(st.Clone())
	c.writeRedis(ctx, st)
	return nil
}

func (c *Cached) Delete(ctx context.Context, userID string) error {
	if err := c.backing.Delete(ctx, userID); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.local, userID)
	delete(c.access, userID)
	c.mu.Unlock()
	if err := c.redis.Del(ctx, sessionKey(userID)).Err(); err != nil {
		c.logger.Warn("Redis delete failed",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
	return nil
}

func (c *Cached) writeRedis(ctx context.Context, st *state.SessionState) {
	doc, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, sessionKey(st.UserID), doc, c.ttl).Err(); err != nil {
		c.logger.Warn("Redis write failed, store remains authoritative",
			zap.String("user_id", st.UserID),
			zap.Error(err),
		)
	}
}

func (c *Cached) putLocal(st *state.SessionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local[st.UserID] = st
	c.access[st.UserID] = time.Now()
	metrics.SessionsActive.Set(float64(len(c.local)))
	if len(c.local) <= maxLocalSessions {
		return
	}
	// Evict the least recently touched entry.
	var oldest string
	var oldestAt time.Time
	for id, at := range c.access {
		if oldest == "" || at.Before(oldestAt) {
			oldest, oldestAt = id, at
		}
	}
	delete(c.local, oldest)
	delete(c.access, oldest)
}

func (c *Cached) touch(userID string) {
	c.mu.Lock()
	c.access[userID] = time.Now()
	c.mu.Unlock()
}

func (c *Cached) Close() error {
	redisErr := c.redis.Close()
	backingErr := c.backing.Close()
	if backingErr != nil {
		return backingErr
	}
	return redisErr
}
