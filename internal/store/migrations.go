package store

import (
	"context"
	"embed"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const migrationTable = "schema_migrations"

// Migrate applies the embedded goose migrations in order.
func (s *Store) Migrate(ctx context.Context) error {
	return s.runGoose(ctx, "up")
}

// MigrateCommand runs an arbitrary goose command (up, down, status, version, reset).
func (s *Store) MigrateCommand(ctx context.Context, command string) error {
	return s.runGoose(ctx, command)
}

func (s *Store) runGoose(ctx context.Context, command string) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	goose.SetBaseFS(migrationFiles)
	goose.SetLogger(slogGooseLogger{})
	goose.SetTableName(migrationTable)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.RunContext(ctx, command, db, "migrations"); err != nil {
		return fmt.Errorf("goose %s: %w", command, err)
	}
	return nil
}

// slogGooseLogger forwards goose output to slog; Fatalf does not exit.
type slogGooseLogger struct{}

func (slogGooseLogger) Printf(format string, v ...interface{}) {
	slog.Info(fmt.Sprintf(format, v...), "component", "migrations")
}

func (slogGooseLogger) Fatalf(format string, v ...interface{}) {
	slog.Error(fmt.Sprintf(format, v...), "component", "migrations")
}
