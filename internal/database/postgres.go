package database

import (
	"context"
	"fmt"

	"github.com/irfndi/celebrum-distiller/internal/config"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// PostgresDB owns the pgx pool behind a PostgresStore.
type PostgresDB struct {
	Pool   *pgxpool.Pool
	logger *logrus.Logger
}

func NewPostgresConnection(ctx context.Context, cfg config.DatabaseConfig, logger *logrus.Logger) (*PostgresDB, error) {
	if logger == nil {
		logger = logrus.New()
	}
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
	)

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"host":   cfg.Host,
		"dbname": cfg.DBName,
	}).Info("Connected to PostgreSQL")
	return &PostgresDB{Pool: pool, logger: logger}, nil
}

// OpenPostgresStore connects, migrates and returns a ready store.
func OpenPostgresStore(ctx context.Context, cfg config.DatabaseConfig, logger *logrus.Logger) (*PostgresStore, error) {
	db, err := NewPostgresConnection(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	store := NewPostgresStore(NewTracedPool(db.Pool, nil), db.Close, logger)
	if _, err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

func (db *PostgresDB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info("PostgreSQL connection closed")
	}
}
