package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/malbeclabs/affiliate/api/config"
	"github.com/malbeclabs/affiliate/api/handlers"
	"github.com/malbeclabs/affiliate/engine/pkg/ledger"
	"github.com/malbeclabs/affiliate/engine/pkg/metrics"
	"github.com/malbeclabs/affiliate/engine/pkg/notify"
	"github.com/malbeclabs/affiliate/engine/pkg/registry"
	"github.com/malbeclabs/affiliate/engine/pkg/server"
	"github.com/malbeclabs/affiliate/engine/pkg/settlement"
	"github.com/malbeclabs/affiliate/engine/pkg/vault"
	"github.com/malbeclabs/affiliate/utils/pkg/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr  = "0.0.0.0:8080"
	defaultMetricsAddr = "0.0.0.0:0"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "HTTP API listen address (or set AFFILIATE_LISTEN_ADDR env var)")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 10*time.Second, "Maximum time to wait for in-flight requests during shutdown")
	storeFlag := flag.String("store", "postgres", "Registry store: postgres or memory")
	vaultModeFlag := flag.String("vault-mode", "", "Vault backend, required: rpc (read-only Solana reader, settlements are rejected) or sim (in-process vault) (or set AFFILIATE_VAULT_MODE env var)")
	vaultFlag := flag.String("vault", "", "Vault address (or set AFFILIATE_VAULT env var)")
	adminKeysFlag := flag.StringSlice("admin-keys", nil, "Administrator public keys (or set AFFILIATE_ADMIN_KEYS env var, comma separated)")
	allowedOriginsFlag := flag.StringSlice("allowed-origins", nil, "CORS allowed origins")
	slackWebhookFlag := flag.String("slack-webhook-url", "", "Slack webhook for fee alerts (or set SLACK_WEBHOOK_URL env var)")
	slackFeeThresholdFlag := flag.Uint64("slack-fee-threshold", 1_000_000, "Smallest committed fee that raises a Slack alert")
	rateLimitFlag := flag.Float64("rate-limit", 10, "Requests per second allowed per client IP (0 disables)")
	rateBurstFlag := flag.Int("rate-burst", 20, "Rate limiter burst size")

	flag.Parse()

	// Load .env (optional)
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	log := logger.New(*verboseFlag)

	// Override flags with environment variables if set
	if v := os.Getenv("AFFILIATE_LISTEN_ADDR"); v != "" {
		*listenAddrFlag = v
	}
	if v := os.Getenv("AFFILIATE_VAULT"); v != "" {
		*vaultFlag = v
	}
	if v := os.Getenv("AFFILIATE_VAULT_MODE"); v != "" {
		*vaultModeFlag = v
	}
	if v := os.Getenv("AFFILIATE_ADMIN_KEYS"); v != "" {
		*adminKeysFlag = strings.Split(v, ",")
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		*slackWebhookFlag = v
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              dsn,
			Release:          version,
			Environment:      os.Getenv("SENTRY_ENVIRONMENT"),
			EnableTracing:    true,
			TracesSampleRate: 0.1,
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
		log.Info("sentry initialized")
	}

	vaultKey, err := solana.PublicKeyFromBase58(*vaultFlag)
	if err != nil {
		return fmt.Errorf("invalid --vault: %w", err)
	}
	admins := make(settlement.AnyOf, 0, len(*adminKeysFlag))
	for _, k := range *adminKeysFlag {
		pk, err := solana.PublicKeyFromBase58(strings.TrimSpace(k))
		if err != nil {
			return fmt.Errorf("invalid admin key %q: %w", k, err)
		}
		admins = append(admins, pk)
	}
	if len(admins) == 0 {
		log.Warn("no admin keys configured; administrative operations will be rejected")
	}

	v, err := newVault(log, *vaultModeFlag, vaultKey, config.SolanaRPCURL())
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
			}
		}()
	}

	// Registry
	var (
		store registry.Store
		ready func(ctx context.Context) error
	)
	switch *storeFlag {
	case "postgres":
		pgCfg, err := config.PostgresFromEnv()
		if err != nil {
			return err
		}
		pool, err := config.OpenPostgres(ctx, log, pgCfg)
		if err != nil {
			return err
		}
		defer pool.Close()
		store, err = registry.NewPostgresStore(registry.PostgresStoreConfig{Logger: log, Pool: pool})
		if err != nil {
			return err
		}
		ready = pool.Ping
	case "memory":
		log.Warn("using in-memory registry; records are lost on exit")
		store = registry.NewMemoryStore()
	default:
		return fmt.Errorf("unknown --store %q", *storeFlag)
	}

	g, gctx := errgroup.WithContext(ctx)
	// The ledger sink outlives the server so it can flush what the bus drains.
	sinkCtx, stopSinks := context.WithCancel(context.WithoutCancel(gctx))
	defer stopSinks()

	// Notification sinks
	sinks := []notify.Sink{{Name: "log", Notifier: notify.NewLogSink(log)}}
	if *slackWebhookFlag != "" {
		slackSink, err := notify.NewSlackSink(notify.SlackSinkConfig{
			Logger:       log,
			WebhookURL:   *slackWebhookFlag,
			FeeThreshold: *slackFeeThresholdFlag,
		})
		if err != nil {
			return err
		}
		sinks = append(sinks, notify.Sink{Name: "slack", Notifier: slackSink})
	}
	chCfg, ledgerEnabled, err := config.ClickHouseFromEnv()
	if err != nil {
		return err
	}
	if ledgerEnabled {
		conn, err := ledger.Open(ctx, log, chCfg)
		if err != nil {
			return err
		}
		defer conn.Close()
		ledgerStore, err := ledger.NewStore(ledger.StoreConfig{Logger: log, Conn: conn})
		if err != nil {
			return err
		}
		flushInterval, err := config.Duration("AFFILIATE_LEDGER_FLUSH_INTERVAL", 0)
		if err != nil {
			return err
		}
		ledgerSink, err := ledger.NewSink(ledger.SinkConfig{Logger: log, Writer: ledgerStore, FlushInterval: flushInterval})
		if err != nil {
			return err
		}
		sinks = append(sinks, notify.Sink{Name: "ledger", Notifier: ledgerSink})
		g.Go(func() error { return ledgerSink.Run(sinkCtx) })
	}
	bus, err := notify.NewBus(notify.BusConfig{Logger: log, Sinks: sinks})
	if err != nil {
		return err
	}
	bus.Start(gctx)

	orch, err := settlement.New(settlement.Config{
		Logger:     log,
		Store:      store,
		Vault:      v,
		VaultKey:   vaultKey,
		Notifier:   bus,
		Authorizer: admins,
	})
	if err != nil {
		return err
	}

	var limiter *handlers.RateLimiter
	if *rateLimitFlag > 0 {
		limiter = handlers.NewRateLimiter(rate.Limit(*rateLimitFlag), *rateBurstFlag)
		defer limiter.Close()
	}
	api, err := handlers.New(handlers.Config{
		Logger:      log,
		Service:     orch,
		RateLimiter: limiter,
	})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Logger:          log,
		ListenAddr:      *listenAddrFlag,
		ShutdownTimeout: *shutdownTimeoutFlag,
		VersionInfo:     server.VersionInfo{Version: version, Commit: commit, Date: date},
		AllowedOrigins:  *allowedOriginsFlag,
		Routes:          api.Routes,
		Ready:           ready,
	})
	if err != nil {
		return err
	}
	g.Go(func() error {
		err := srv.Run(gctx)
		// Settlements have stopped; drain queued notifications before the
		// ledger sink's final flush.
		bus.Close()
		stopSinks()
		return err
	})

	log.Info("affiliate engine started", "version", version, "vault", vaultKey, "store", *storeFlag, "vault_mode", *vaultModeFlag)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("affiliate engine stopped")
	return nil
}

func newVault(log *slog.Logger, mode string, vaultKey solana.PublicKey, rpcURL string) (vault.Service, error) {
	switch mode {
	case "rpc":
		v, err := vault.NewRPCReader(vault.RPCReaderConfig{
			Logger: log,
			RPC:    solanarpc.New(rpcURL),
			Vault:  vaultKey,
		})
		if err != nil {
			return nil, err
		}
		log.Warn("vault: reading from solana; the reader is read-only and every settlement will be rejected", "rpc_url", rpcURL, "vault", vaultKey)
		return v, nil
	case "sim":
		v, err := vault.NewSim(vault.SimConfig{Logger: log})
		if err != nil {
			return nil, err
		}
		log.Warn("vault: using simulated vault", "vault", vaultKey)
		return v, nil
	case "":
		return nil, errors.New("--vault-mode is required: rpc (read-only) or sim")
	default:
		return nil, fmt.Errorf("unknown --vault-mode %q", mode)
	}
}
