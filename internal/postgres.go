package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/koopa0/match-arena/pkg/errors"
)

// PostgresIdentity 以 PostgreSQL 為後端的身份服務
//
// players 資料表由帳號系統寫入（註冊時建立使用者與配對代碼），
// 本服務只讀取公開欄位並回寫在線狀態。
type PostgresIdentity struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresIdentity 創建 PostgreSQL 身份服務
func NewPostgresIdentity(pool *pgxpool.Pool, logger *slog.Logger) *PostgresIdentity {
	return &PostgresIdentity{
		pool:   pool,
		logger: logger,
	}
}

// NewPostgresPool 建立連接池
func NewPostgresPool(ctx context.Context, cfg *Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN())
	if err != nil {
		return nil, fmt.Errorf("解析連線字串失敗: %w", err)
	}

	poolCfg.MaxConns = cfg.Postgres.MaxConns
	poolCfg.MinConns = cfg.Postgres.MinConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("建立連接池失敗: %w", err)
	}

	// 啟動時確認連線可用
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "database ping failed")
	}

	return pool, nil
}

// ResolveUser 解析使用者
func (p *PostgresIdentity) ResolveUser(ctx context.Context, userID string) (*UserProfile, error) {
	const query = `
		SELECT id, username, code
		FROM players
		WHERE id = $1`

	var profile UserProfile
	err := p.pool.QueryRow(ctx, query, userID).Scan(&profile.UserID, &profile.Username, &profile.Code)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrUserNotFound
		}
		p.logger.Error("解析使用者失敗", "user_id", userID, "error", err)
		return nil, fmt.Errorf("resolve user: %w", err)
	}

	return &profile, nil
}

// SetPresence 回寫在線狀態
func (p *PostgresIdentity) SetPresence(ctx context.Context, userID string, presence Presence) error {
	const query = `
		UPDATE players
		SET connection_id = $2, is_online = $3, last_seen = $4
		WHERE id = $1`

	tag, err := p.pool.Exec(ctx, query,
		userID,
		presence.ConnectionID,
		presence.Online,
		presence.LastSeen,
	)
	if err != nil {
		p.logger.Error("更新在線狀態失敗",
			"user_id", userID,
			"online", presence.Online,
			"error", err)
		return fmt.Errorf("set presence: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return apperrors.ErrUserNotFound
	}

	return nil
}
