package internal_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/match-arena/internal"
	"github.com/koopa0/match-arena/internal/testutils"
	apperrors "github.com/koopa0/match-arena/pkg/errors"
)

// TestPostgresIdentity_Integration 測試 PostgreSQL 身份服務
//
// 需要 Docker，使用 go test -short 跳過。
func TestPostgresIdentity_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := testutils.SetupPostgres(t)
	env.SeedPlayer(t, testUserID(1), "alice", "CODE01")

	identity := internal.NewPostgresIdentity(env.PostgresPool, testLogger())
	ctx := context.Background()

	t.Run("resolve existing user", func(t *testing.T) {
		profile, err := identity.ResolveUser(ctx, testUserID(1))
		require.NoError(t, err)
		assert.Equal(t, testUserID(1), profile.UserID)
		assert.Equal(t, "alice", profile.Username)
		assert.Equal(t, "CODE01", profile.Code)
	})

	t.Run("resolve unknown user", func(t *testing.T) {
		_, err := identity.ResolveUser(ctx, testUserID(404))
		require.ErrorIs(t, err, apperrors.ErrUserNotFound)
	})

	t.Run("presence round trip", func(t *testing.T) {
		connID := "conn-abc"
		err := identity.SetPresence(ctx, testUserID(1), internal.Presence{
			ConnectionID: &connID,
			Online:       true,
			LastSeen:     time.Now(),
		})
		require.NoError(t, err)

		var (
			storedConn   *string
			storedOnline bool
		)
		err = env.PostgresPool.QueryRow(ctx,
			`SELECT connection_id, is_online FROM players WHERE id = $1`,
			testUserID(1)).Scan(&storedConn, &storedOnline)
		require.NoError(t, err)
		require.NotNil(t, storedConn)
		assert.Equal(t, "conn-abc", *storedConn)
		assert.True(t, storedOnline)

		// 離線：connection_id 清空
		err = identity.SetPresence(ctx, testUserID(1), internal.Presence{
			Online:   false,
			LastSeen: time.Now(),
		})
		require.NoError(t, err)

		err = env.PostgresPool.QueryRow(ctx,
			`SELECT connection_id, is_online FROM players WHERE id = $1`,
			testUserID(1)).Scan(&storedConn, &storedOnline)
		require.NoError(t, err)
		assert.Nil(t, storedConn)
		assert.False(t, storedOnline)
	})

	t.Run("presence for unknown user", func(t *testing.T) {
		err := identity.SetPresence(ctx, testUserID(404), internal.Presence{Online: true, LastSeen: time.Now()})
		require.ErrorIs(t, err, apperrors.ErrUserNotFound)
	})
}

// TestCachedIdentity_Integration 測試 Redis 讀穿快取
func TestCachedIdentity_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := testutils.SetupRedis(t)
	ctx := context.Background()

	inner := testutils.NewMemoryIdentity()
	inner.AddUser(testUserID(1), "alice", "CODE01")

	cached := internal.NewCachedIdentity(inner, env.RedisClient, time.Minute, testLogger())

	t.Run("read through fills cache", func(t *testing.T) {
		profile, err := cached.ResolveUser(ctx, testUserID(1))
		require.NoError(t, err)
		assert.Equal(t, "alice", profile.Username)
		assert.Equal(t, int32(1), inner.ResolveCalls.Load())

		// 第二次命中快取、不打後端
		profile, err = cached.ResolveUser(ctx, testUserID(1))
		require.NoError(t, err)
		assert.Equal(t, "alice", profile.Username)
		assert.Equal(t, int32(1), inner.ResolveCalls.Load())
	})

	t.Run("miss is not cached", func(t *testing.T) {
		before := inner.ResolveCalls.Load()

		_, err := cached.ResolveUser(ctx, testUserID(404))
		require.ErrorIs(t, err, apperrors.ErrUserNotFound)
		_, err = cached.ResolveUser(ctx, testUserID(404))
		require.ErrorIs(t, err, apperrors.ErrUserNotFound)

		assert.Equal(t, before+2, inner.ResolveCalls.Load())
	})

	t.Run("presence write invalidates cache", func(t *testing.T) {
		_, err := cached.ResolveUser(ctx, testUserID(1))
		require.NoError(t, err)
		resolveCalls := inner.ResolveCalls.Load()

		connID := "conn-abc"
		err = cached.SetPresence(ctx, testUserID(1), internal.Presence{
			ConnectionID: &connID,
			Online:       true,
			LastSeen:     time.Now(),
		})
		require.NoError(t, err)

		// 失效後下一次解析回到後端
		_, err = cached.ResolveUser(ctx, testUserID(1))
		require.NoError(t, err)
		assert.Equal(t, resolveCalls+1, inner.ResolveCalls.Load())
	})

	t.Run("corrupt cache entry falls back to backend", func(t *testing.T) {
		key := "identity:profile:" + testUserID(1)
		require.NoError(t, env.RedisClient.Set(ctx, key, "{not-json", time.Minute).Err())

		profile, err := cached.ResolveUser(ctx, testUserID(1))
		require.NoError(t, err)
		assert.Equal(t, "alice", profile.Username)
	})
}
