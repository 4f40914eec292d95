package ledger

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/malbeclabs/affiliate/engine/pkg/registry"
	"github.com/malbeclabs/affiliate/utils/pkg/logger"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var EmbedMigrations embed.FS

var gooseMu sync.Mutex

// Migrate applies all pending ledger migrations.
func Migrate(ctx context.Context, log *slog.Logger, cfg ClientConfig) error {
	return RunMigration(ctx, log, cfg, registry.MigrateUp)
}

// RunMigration runs one goose command against the ledger database.
func RunMigration(ctx context.Context, log *slog.Logger, cfg ClientConfig, cmd registry.MigrationCommand) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()

	db := clickhouse.OpenDB(cfg.options())
	defer db.Close()

	goose.SetLogger(&logger.GooseLogger{Log: log})
	goose.SetBaseFS(EmbedMigrations)
	if err := goose.SetDialect("clickhouse"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	log.Info("ledger: running clickhouse migrations", "command", cmd, "database", cfg.Database)
	var err error
	switch cmd {
	case registry.MigrateUp:
		err = goose.UpContext(ctx, db, "migrations")
	case registry.MigrateDown:
		err = goose.DownContext(ctx, db, "migrations")
	case registry.MigrateStatus:
		err = goose.StatusContext(ctx, db, "migrations")
	default:
		return fmt.Errorf("unknown migration command %q", cmd)
	}
	if err != nil {
		return fmt.Errorf("failed to run migrations (%s): %w", cmd, err)
	}
	log.Info("ledger: clickhouse migrations completed", "command", cmd)
	return nil
}
