package db

import (
	"context"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/austindbirch/harbor_feed/internal/logging"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	defaultMaxConns = 10
	migrationsDir   = "migrations"
	migrationsTable = "harborfeed_schema_migrations"
)

// Connect establishes a connection pool to the database and returns the pool
func Connect(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if maxConns <= 0 {
		maxConns = defaultMaxConns
	}
	cfg.MaxConns = maxConns
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Migrate applies the embedded goose migrations that are not yet recorded in
// the version table
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if err := setupGoose(); err != nil {
		return err
	}

	// goose speaks database/sql; this wrapper shares the pool's connections
	sqlDB := stdlib.OpenDBFromPool(pool)
	defer sqlDB.Close()

	if err := goose.UpContext(ctx, sqlDB, migrationsDir); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Migrations lists the embedded migrations in apply order
func Migrations() (goose.Migrations, error) {
	if err := setupGoose(); err != nil {
		return nil, err
	}
	return goose.CollectMigrations(migrationsDir, 0, goose.MaxVersion)
}

func setupGoose() error {
	goose.SetBaseFS(migrations)
	goose.SetTableName(migrationsTable)
	goose.SetLogger(gooseLogger{})
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	return nil
}

// gooseLogger routes goose output through the structured logger. Fatalf
// logs at error level instead of exiting.
type gooseLogger struct{}

func (gooseLogger) Fatalf(format string, v ...any) {
	logging.Plain().WithField("component", "migrate").Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (gooseLogger) Printf(format string, v ...any) {
	logging.Plain().WithField("component", "migrate").Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}
