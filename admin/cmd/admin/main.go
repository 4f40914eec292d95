package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/joho/godotenv"
	"github.com/malbeclabs/affiliate/admin/internal/admin"
	"github.com/malbeclabs/affiliate/api/config"
	"github.com/malbeclabs/affiliate/engine/pkg/ledger"
	"github.com/malbeclabs/affiliate/engine/pkg/registry"
	"github.com/malbeclabs/affiliate/engine/pkg/settlement"
	"github.com/malbeclabs/affiliate/engine/pkg/vault"
	"github.com/malbeclabs/affiliate/utils/pkg/logger"
	flag "github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// Migrations
	pgMigrateFlag := flag.String("pg-migrate", "", "Run a registry migration command: up, down or status")
	clickhouseMigrateFlag := flag.String("clickhouse-migrate", "", "Run a ledger migration command: up, down or status")
	resetLedgerFlag := flag.Bool("reset-ledger", false, "Drop all ledger tables (fact_partner_*) and the migration version table")
	dryRunFlag := flag.Bool("dry-run", false, "Dry run mode - show what would be done without actually executing")
	yesFlag := flag.Bool("yes", false, "Skip confirmation prompt (use with caution)")

	// Partner administration
	initPartnerFlag := flag.Bool("init-partner", false, "Register --payout-destination as a partner on each --vault")
	updateFeeRatioFlag := flag.Bool("update-fee-ratio", false, "Set --partner's fee ratio to --fee-ratio")
	payoutFlag := flag.Bool("payout", false, "Pay --amount of --partner's outstanding fee, from --funder if set")
	listPartnersFlag := flag.Bool("list-partners", false, "List the partners on --vault")
	reconcileFlag := flag.Bool("reconcile", false, "Compare every partner on --vault against the ClickHouse ledger")
	vaultShowFlag := flag.Bool("vault-show", false, "Print the on-chain totals and virtual price of --vault")

	vaultsFlag := flag.StringSlice("vault", nil, "Vault address(es) (or set AFFILIATE_VAULT env var)")
	partnerFlag := flag.String("partner", "", "Partner record address")
	payoutDestinationFlag := flag.String("payout-destination", "", "Partner payout destination address")
	funderFlag := flag.String("funder", "", "Account funding a payout; rejected unless a payout transfer is configured")
	feeRatioFlag := flag.Uint64("fee-ratio", 0, "Partner fee ratio in basis points")
	amountFlag := flag.Uint64("amount", 0, "Payout amount in token base units")
	keypairFlag := flag.String("keypair", "", "Administrator keypair file (or set AFFILIATE_ADMIN_KEYPAIR env var)")

	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	log := logger.New(*verboseFlag)

	if v := os.Getenv("AFFILIATE_VAULT"); v != "" && len(*vaultsFlag) == 0 {
		*vaultsFlag = strings.Split(v, ",")
	}
	if v := os.Getenv("AFFILIATE_ADMIN_KEYPAIR"); v != "" && *keypairFlag == "" {
		*keypairFlag = v
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *pgMigrateFlag != "" {
		pgCfg, err := config.PostgresFromEnv()
		if err != nil {
			return err
		}
		return admin.PgMigrate(ctx, log, pgCfg, registry.MigrationCommand(*pgMigrateFlag))
	}

	if *clickhouseMigrateFlag != "" {
		chCfg, err := requireClickHouse("--clickhouse-migrate")
		if err != nil {
			return err
		}
		return admin.ClickHouseMigrate(ctx, log, chCfg, registry.MigrationCommand(*clickhouseMigrateFlag))
	}

	if *resetLedgerFlag {
		chCfg, err := requireClickHouse("--reset-ledger")
		if err != nil {
			return err
		}
		conn, err := ledger.Open(ctx, log, chCfg)
		if err != nil {
			return err
		}
		defer conn.Close()
		return admin.ResetLedger(ctx, conn, admin.ResetLedgerConfig{
			Database:    chCfg.Database,
			DryRun:      *dryRunFlag,
			SkipConfirm: *yesFlag,
			In:          os.Stdin,
			Out:         os.Stdout,
		})
	}

	vaults, err := parseKeys(*vaultsFlag)
	if err != nil {
		return fmt.Errorf("invalid --vault: %w", err)
	}

	if *vaultShowFlag {
		if len(vaults) != 1 {
			return fmt.Errorf("exactly one --vault is required for --vault-show")
		}
		reader, err := rpcReader(log, vaults[0])
		if err != nil {
			return err
		}
		return admin.ShowVault(ctx, os.Stdout, reader)
	}

	if !*initPartnerFlag && !*updateFeeRatioFlag && !*payoutFlag && !*listPartnersFlag && !*reconcileFlag {
		flag.Usage()
		return nil
	}
	if len(vaults) == 0 {
		return fmt.Errorf("--vault is required")
	}

	pgCfg, err := config.PostgresFromEnv()
	if err != nil {
		return err
	}
	pool, err := config.OpenPostgres(ctx, log, pgCfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	store, err := registry.NewPostgresStore(registry.PostgresStoreConfig{Logger: log, Pool: pool})
	if err != nil {
		return err
	}

	var caller solana.PublicKey
	if *keypairFlag != "" {
		key, err := solana.PrivateKeyFromSolanaKeygenFile(*keypairFlag)
		if err != nil {
			return fmt.Errorf("failed to load keypair: %w", err)
		}
		caller = key.PublicKey()
	}
	adminKeys, err := parseKeys(strings.Split(os.Getenv("AFFILIATE_ADMIN_KEYS"), ","))
	if err != nil {
		return fmt.Errorf("invalid AFFILIATE_ADMIN_KEYS: %w", err)
	}

	reader, err := rpcReader(log, vaults[0])
	if err != nil {
		return err
	}
	orch, err := settlement.New(settlement.Config{
		Logger:     log,
		Store:      store,
		Vault:      reader,
		VaultKey:   vaults[0],
		Authorizer: settlement.AnyOf(adminKeys),
	})
	if err != nil {
		return err
	}

	switch {
	case *initPartnerFlag:
		dest, err := solana.PublicKeyFromBase58(*payoutDestinationFlag)
		if err != nil {
			return fmt.Errorf("invalid --payout-destination: %w", err)
		}
		return admin.InitPartner(ctx, os.Stdout, orch, caller, vaults, dest)

	case *updateFeeRatioFlag:
		partner, err := solana.PublicKeyFromBase58(*partnerFlag)
		if err != nil {
			return fmt.Errorf("invalid --partner: %w", err)
		}
		return admin.UpdateFeeRatio(ctx, os.Stdout, orch, caller, partner, *feeRatioFlag)

	case *payoutFlag:
		partner, err := solana.PublicKeyFromBase58(*partnerFlag)
		if err != nil {
			return fmt.Errorf("invalid --partner: %w", err)
		}
		var funder solana.PublicKey
		if *funderFlag != "" {
			funder, err = solana.PublicKeyFromBase58(*funderFlag)
			if err != nil {
				return fmt.Errorf("invalid --funder: %w", err)
			}
		}
		return admin.Payout(ctx, os.Stdout, orch, caller, partner, funder, *amountFlag)

	case *reconcileFlag:
		chCfg, err := requireClickHouse("--reconcile")
		if err != nil {
			return err
		}
		conn, err := ledger.Open(ctx, log, chCfg)
		if err != nil {
			return err
		}
		defer conn.Close()
		ledgerStore, err := ledger.NewStore(ledger.StoreConfig{Logger: log, Conn: conn})
		if err != nil {
			return err
		}
		for _, v := range vaults {
			fmt.Printf("Vault %s\n", v)
			if err := admin.Reconcile(ctx, os.Stdout, orch, ledgerStore, v); err != nil {
				return err
			}
			fmt.Println()
		}
		return nil

	default:
		for _, v := range vaults {
			fmt.Printf("Vault %s\n", v)
			if err := admin.ListPartners(ctx, os.Stdout, orch, v); err != nil {
				return err
			}
			fmt.Println()
		}
		return nil
	}
}

func requireClickHouse(command string) (ledger.ClientConfig, error) {
	cfg, ok, err := config.ClickHouseFromEnv()
	if err != nil {
		return cfg, err
	}
	if !ok {
		return cfg, fmt.Errorf("CLICKHOUSE_ADDR is required for %s", command)
	}
	return cfg, nil
}

func rpcReader(log *slog.Logger, vaultKey solana.PublicKey) (*vault.RPCReader, error) {
	return vault.NewRPCReader(vault.RPCReaderConfig{
		Logger: log,
		RPC:    solanarpc.New(config.SolanaRPCURL()),
		Vault:  vaultKey,
	})
}

func parseKeys(values []string) ([]solana.PublicKey, error) {
	var keys []solana.PublicKey
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		pk, err := solana.PublicKeyFromBase58(v)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", v, err)
		}
		keys = append(keys, pk)
	}
	return keys, nil
}
