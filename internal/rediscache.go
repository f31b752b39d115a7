package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedIdentity 帶 Redis 快取的身份服務
//
// 握手驗證是核心唯一的阻塞點，每次重連都要查一次資料庫；
// 用 Redis 做讀穿快取（read-through）可以讓重連路徑只打快取。
//
// 一致性策略：
//   - ResolveUser：先查快取，未命中再查後端並回填（帶 TTL）
//   - SetPresence：直寫後端，成功後刪除快取條目（寫失效）
//   - 快取故障時降級為直接查後端，只記錄日誌
type CachedIdentity struct {
	inner  Identity
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedIdentity 創建帶快取的身份服務
func NewCachedIdentity(inner Identity, client *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedIdentity {
	return &CachedIdentity{
		inner:  inner,
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

// NewRedisClient 建立 Redis 客戶端
func NewRedisClient(cfg *Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
}

// profileKey 快取鍵
func profileKey(userID string) string {
	return fmt.Sprintf("identity:profile:%s", userID)
}

// ResolveUser 解析使用者（先查快取）
func (c *CachedIdentity) ResolveUser(ctx context.Context, userID string) (*UserProfile, error) {
	key := profileKey(userID)

	data, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var profile UserProfile
		if err := json.Unmarshal(data, &profile); err == nil {
			return &profile, nil
		}
		// 快取內容損壞，刪除後走後端
		c.client.Del(ctx, key)
	} else if err != redis.Nil {
		c.logger.Warn("讀取身份快取失敗", "user_id", userID, "error", err)
	}

	profile, err := c.inner.ResolveUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(profile); err == nil {
		if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.logger.Warn("回填身份快取失敗", "user_id", userID, "error", err)
		}
	}

	return profile, nil
}

// SetPresence 回寫在線狀態並使快取失效
func (c *CachedIdentity) SetPresence(ctx context.Context, userID string, presence Presence) error {
	if err := c.inner.SetPresence(ctx, userID, presence); err != nil {
		return err
	}

	if err := c.client.Del(ctx, profileKey(userID)).Err(); err != nil {
		c.logger.Warn("清除身份快取失敗", "user_id", userID, "error", err)
	}

	return nil
}
