package registry

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver with database/sql
	"github.com/malbeclabs/affiliate/utils/pkg/logger"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var EmbedMigrations embed.FS

// goose keeps its dialect and filesystem in package globals.
var gooseMu sync.Mutex

// MigrationCommand is a goose operation over the registry schema.
type MigrationCommand string

const (
	MigrateUp     MigrationCommand = "up"
	MigrateDown   MigrationCommand = "down"
	MigrateStatus MigrationCommand = "status"
)

// Migrate applies all pending registry migrations to the database at connStr.
func Migrate(log *slog.Logger, connStr string) error {
	return RunMigration(context.Background(), log, connStr, MigrateUp)
}

// RunMigration runs one goose command against the database at connStr.
func RunMigration(ctx context.Context, log *slog.Logger, connStr string, cmd MigrationCommand) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	goose.SetLogger(&logger.GooseLogger{Log: log})
	goose.SetBaseFS(EmbedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	log.Info("registry: running postgres migrations", "command", cmd)
	switch cmd {
	case MigrateUp:
		err = goose.UpContext(ctx, db, "migrations")
	case MigrateDown:
		err = goose.DownContext(ctx, db, "migrations")
	case MigrateStatus:
		err = goose.StatusContext(ctx, db, "migrations")
	default:
		return fmt.Errorf("unknown migration command %q", cmd)
	}
	if err != nil {
		return fmt.Errorf("failed to run migrations (%s): %w", cmd, err)
	}
	log.Info("registry: postgres migrations completed", "command", cmd)
	return nil
}
