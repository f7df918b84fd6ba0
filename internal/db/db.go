// internal/db/db.go
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/unclebandit/crm-messaging/internal/config"
)

// Open connects to Postgres and verifies the connection before returning.
func Open(ctx context.Context, cfg *config.Config, log *zap.Logger) (*sqlx.DB, error) {
	log.Info("connecting to database",
		zap.String("host", cfg.DBHost),
		zap.String("name", cfg.DBName),
		zap.String("user", cfg.DBUser),
	)

	conn, err := sqlx.Open("postgres", cfg.PostgresDSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxIdleConns(cfg.DBMaxIdle)
	conn.SetMaxOpenConns(cfg.DBMaxOpen)
	conn.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.Info("connected to database")
	return conn, nil
}
