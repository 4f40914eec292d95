package admin

import (
	"context"
	"log/slog"

	"github.com/malbeclabs/affiliate/api/config"
	"github.com/malbeclabs/affiliate/engine/pkg/ledger"
	"github.com/malbeclabs/affiliate/engine/pkg/registry"
)

// PgMigrate runs a goose command against the registry database.
func PgMigrate(ctx context.Context, log *slog.Logger, cfg config.PostgresConfig, cmd registry.MigrationCommand) error {
	return registry.RunMigration(ctx, log, cfg.ConnString(), cmd)
}

// ClickHouseMigrate runs a goose command against the ledger database.
func ClickHouseMigrate(ctx context.Context, log *slog.Logger, cfg ledger.ClientConfig, cmd registry.MigrationCommand) error {
	return ledger.RunMigration(ctx, log, cfg, cmd)
}
