package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"imigrate/internal/config"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Session is one cached bearer token for an environment.
type Session struct {
	Token  string    `json:"token"`
	Expiry time.Time `json:"expiry"`
}

// TokenCache stores sessions keyed by environment id. A nil session with a
// nil error means "not cached".
type TokenCache interface {
	GetToken(ctx context.Context, envID int64) (*Session, error)
	SetToken(ctx context.Context, envID int64, session *Session) error
	ClearToken(ctx context.Context, envID int64) error
}

type MemoryTokenCache struct {
	sessions sync.Map
}

func NewMemoryTokenCache() *MemoryTokenCache {
	return &MemoryTokenCache{}
}

func (c *MemoryTokenCache) GetToken(ctx context.Context, envID int64) (*Session, error) {
	val, ok := c.sessions.Load(envID)
	if !ok {
		return nil, nil
	}
	return val.(*Session), nil
}

func (c *MemoryTokenCache) SetToken(ctx context.Context, envID int64, session *Session) error {
	c.sessions.Store(envID, session)
	return nil
}

func (c *MemoryTokenCache) ClearToken(ctx context.Context, envID int64) error {
	c.sessions.Delete(envID)
	return nil
}

type RedisTokenCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient creates a redis client from config.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

func NewRedisTokenCache(client *redis.Client, ttl time.Duration) *RedisTokenCache {
	return &RedisTokenCache{client: client, ttl: ttl}
}

func (c *RedisTokenCache) GetToken(ctx context.Context, envID int64) (*Session, error) {
	if c.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	key := fmt.Sprintf("env_session:%d", envID)
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session from redis: %w", err)
	}

	var session Session
	if err := json.Unmarshal([]byte(val), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

func (c *RedisTokenCache) SetToken(ctx context.Context, envID int64, session *Session) error {
	if c.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	ttl := c.ttl
	if until := time.Until(session.Expiry); until > 0 && until < ttl {
		ttl = until
	}

	key := fmt.Sprintf("env_session:%d", envID)
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set session in redis: %w", err)
	}
	return nil
}

func (c *RedisTokenCache) ClearToken(ctx context.Context, envID int64) error {
	if c.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	key := fmt.Sprintf("env_session:%d", envID)
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete session from redis: %w", err)
	}
	return nil
}

// Ping checks the redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	if _, err := client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	return nil
}

// FailoverTokenCache prefers a primary cache (redis) and falls back to an
// in-memory one while the primary is down, probing it again after a minute.
// Tokens are equivalent, so last-writer-wins between the two is acceptable.
type FailoverTokenCache struct {
	primary   TokenCache
	fallback  TokenCache
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
}

func NewFailoverTokenCache(primary, fallback TokenCache, logger *zerolog.Logger) *FailoverTokenCache {
	return &FailoverTokenCache{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

func (c *FailoverTokenCache) GetToken(ctx context.Context, envID int64) (*Session, error) {
	if !c.isDown.Load() {
		session, err := c.primary.GetToken(ctx, envID)
		if err == nil {
			return session, nil
		}
		c.logger.Error().Err(err).Msg("primary token cache failed, falling back to memory")
		c.markDown()
	}

	if c.shouldProbe() {
		session, err := c.primary.GetToken(ctx, envID)
		if err == nil {
			c.isDown.Store(false)
			return session, nil
		}
		c.lastCheck.Store(time.Now().UnixNano())
	}

	return c.fallback.GetToken(ctx, envID)
}

func (c *FailoverTokenCache) SetToken(ctx context.Context, envID int64, session *Session) error {
	// Always mirror into memory so a redis outage never loses the session.
	if err := c.fallback.SetToken(ctx, envID, session); err != nil {
		return err
	}
	if c.isDown.Load() {
		return nil
	}
	if err := c.primary.SetToken(ctx, envID, session); err != nil {
		c.logger.Error().Err(err).Msg("primary token cache write failed")
		c.markDown()
	}
	return nil
}

func (c *FailoverTokenCache) ClearToken(ctx context.Context, envID int64) error {
	if err := c.fallback.ClearToken(ctx, envID); err != nil {
		return err
	}
	if c.isDown.Load() {
		return nil
	}
	if err := c.primary.ClearToken(ctx, envID); err != nil {
		c.logger.Error().Err(err).Msg("primary token cache clear failed")
		c.markDown()
	}
	return nil
}

func (c *FailoverTokenCache) markDown() {
	c.isDown.Store(true)
	c.lastCheck.Store(time.Now().UnixNano())
}

func (c *FailoverTokenCache) shouldProbe() bool {
	return c.isDown.Load() && time.Since(time.Unix(0, c.lastCheck.Load())) > time.Minute
}
