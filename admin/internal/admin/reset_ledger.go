package admin

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/malbeclabs/affiliate/engine/pkg/ledger"
)

// ResetLedgerConfig controls ResetLedger.
type ResetLedgerConfig struct {
	Database    string
	DryRun      bool
	SkipConfirm bool
	// In supplies the confirmation answer.
	In  io.Reader
	Out io.Writer
}

// ResetLedger drops every ledger fact table and the goose version table so
// the ledger can be migrated from scratch.
func ResetLedger(ctx context.Context, conn ledger.Conn, cfg ResetLedgerConfig) error {
	rows, err := conn.Query(ctx, `
		SELECT name
		FROM system.tables
		WHERE database = ?
		  AND (name LIKE 'fact_partner_%' OR name = 'goose_db_version')
		ORDER BY name
	`, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to query tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read tables: %w", err)
	}

	out := cfg.Out
	if len(tables) == 0 {
		fmt.Fprintln(out, "No ledger tables found")
		return nil
	}

	fmt.Fprintf(out, "WARNING: This will DROP %d table(s) from database '%s':\n\n", len(tables), cfg.Database)
	for _, table := range tables {
		fmt.Fprintf(out, "  - %s\n", table)
	}

	if cfg.DryRun {
		fmt.Fprintln(out, "\n[DRY RUN] Would drop the above tables")
		return nil
	}

	if !cfg.SkipConfirm {
		fmt.Fprintf(out, "\nThis is a DESTRUCTIVE operation that cannot be undone!\n")
		fmt.Fprintf(out, "Type 'yes' to confirm: ")

		response, err := bufio.NewReader(cfg.In).ReadString('\n')
		if err != nil && err != io.EOF {
			return fmt.Errorf("failed to read confirmation: %w", err)
		}
		if strings.TrimSpace(strings.ToLower(response)) != "yes" {
			fmt.Fprintf(out, "\nConfirmation failed. Operation cancelled.\n")
			return nil
		}
		fmt.Fprintln(out)
	}

	for _, table := range tables {
		if err := conn.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", table)); err != nil {
			return fmt.Errorf("failed to drop table %s: %w", table, err)
		}
		fmt.Fprintf(out, "  dropped %s\n", table)
	}
	fmt.Fprintf(out, "\nSuccessfully dropped %d table(s)\n", len(tables))
	return nil
}
