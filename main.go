package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/bluesky-social/indigo/util/cliutil"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dollspace-gay/PublicAppView-sub002/backend"
	"github.com/dollspace-gay/PublicAppView-sub002/ingest"
	"github.com/dollspace-gay/PublicAppView-sub002/models"
	"github.com/dollspace-gay/PublicAppView-sub002/resolver"
)

var firehoseCursorGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "firehose_cursor",
}, []string{"stage"})

func main() {
	app := cli.App{
		Name:  "appview-ingester",
		Usage: "indexes atproto repo traffic into postgres",
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "db-url",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:  "max-db-connections",
			Value: runtime.NumCPU(),
		},
		&cli.StringFlag{
			Name:    "relay-url",
			EnvVars: []string{"RELAY_URL"},
			Value:   "bsky.network",
		},
		&cli.StringFlag{
			Name:    "plc-host",
			EnvVars: []string{"PLC_HOST"},
			Value:   "https://plc.directory",
		},
		&cli.StringFlag{
			Name:    "pds-host",
			EnvVars: []string{"PDS_HOST"},
			Usage:   "fallback PDS for repos whose identity does not resolve to an endpoint",
		},
		&cli.StringFlag{
			Name:    "appview-did",
			EnvVars: []string{"APPVIEW_DID"},
			Usage:   "require admin request tokens to carry this audience",
		},
		&cli.StringFlag{
			Name:    "admin-bind",
			EnvVars: []string{"ADMIN_BIND"},
			Value:   ":2480",
		},
		&cli.StringFlag{
			Name:    "jaeger-url",
			EnvVars: []string{"JAEGER_URL"},
		},
		&cli.Int64Flag{
			Name:    "max-concurrent-user-creations",
			EnvVars: []string{"MAX_CONCURRENT_USER_CREATIONS"},
			Value:   10,
		},
	}

	app.Commands = []*cli.Command{
		runCmd,
		backfillCmd,
		backfillRepoCmd,
		backfillNetworkCmd,
		backfillCollectionCmd,
	}

	app.RunAndExitOnError()
}

// backfillFlags are shared between the run command (in-process catch-up) and
// the standalone backfill commands, which differ only in the days default.
func backfillFlags(defaultDays int) []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:    "backfill-days",
			EnvVars: []string{"BACKFILL_DAYS"},
			Value:   defaultDays,
			Usage:   "how far back to index: -1 for everything, 0 to disable, N for N days",
		},
		&cli.Int64Flag{
			Name:    "backfill-batch-size",
			EnvVars: []string{"BACKFILL_BATCH_SIZE"},
			Value:   5,
		},
		&cli.IntFlag{
			Name:    "backfill-batch-delay-ms",
			EnvVars: []string{"BACKFILL_BATCH_DELAY_MS"},
			Value:   2000,
		},
		&cli.Uint64Flag{
			Name:    "backfill-max-memory-mb",
			EnvVars: []string{"BACKFILL_MAX_MEMORY_MB"},
			Value:   1024,
		},
		&cli.Int64Flag{
			Name:    "backfill-max-events",
			EnvVars: []string{"BACKFILL_MAX_EVENTS"},
			Value:   1_000_000,
		},
		&cli.Int64Flag{
			Name:    "backfill-max-concurrent",
			EnvVars: []string{"BACKFILL_MAX_CONCURRENT"},
			Value:   5,
		},
		&cli.BoolFlag{
			Name:    "backfill-use-idle",
			EnvVars: []string{"BACKFILL_USE_IDLE"},
			Usage:   "pause catch-up reads while the live queue has a backlog",
		},
		&cli.Int64Flag{
			Name:  "start-cursor",
			Value: -1,
			Usage: "relay sequence number to begin from, overriding any saved progress",
		},
	}
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "tail the relay and index into postgres",
	Flags: append([]cli.Flag{
		&cli.StringFlag{
			Name:  "sync-backend",
			Value: "firehose",
			Usage: "firehose or jetstream",
		},
		&cli.IntFlag{
			Name:    "max-concurrent-processing",
			EnvVars: []string{"MAX_CONCURRENT_PROCESSING"},
			Value:   20,
		},
		&cli.IntFlag{
			Name:    "queue-drop-high-water",
			EnvVars: []string{"QUEUE_DROP_HIGH_WATER"},
			Usage:   "backlog length above which the oldest waiting events may be dropped (0 = never drop)",
		},
		&cli.Uint64Flag{
			Name:    "queue-drop-memory-mb",
			EnvVars: []string{"QUEUE_DROP_MEMORY_MB"},
			Usage:   "only drop backlogged events while the heap is above this size (0 = backlog length alone decides)",
		},
	}, backfillFlags(0)...),
	Action: func(cctx *cli.Context) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := setupTracing(cctx.String("jaeger-url")); err != nil {
			return err
		}

		svc, err := setup(cctx)
		if err != nil {
			return err
		}

		go svc.ix.Deferred().RunSweeper(ctx)
		go svc.ix.RunMissingFetcher(ctx)
		go func() {
			tick := time.NewTicker(5 * time.Minute)
			defer tick.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-tick.C:
					svc.ix.RetryPending(ctx)
				}
			}
		}()

		fh := &Firehose{
			Host:          cctx.String("relay-url"),
			MaxConcurrent: cctx.Int("max-concurrent-processing"),
			HighWater:     cctx.Int("queue-drop-high-water"),
			MemBudgetMB:   cctx.Uint64("queue-drop-memory-mb"),
			ix:            svc.ix,
			store:         svc.store,
		}

		rb := newRepoBackfill(cctx, svc)
		admin := newAdminServer(svc, fh, rb, cctx.String("appview-did"))
		go func() {
			if err := admin.Start(cctx.String("admin-bind")); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("admin server exited", "err", err)
			}
		}()

		go func() {
			http.ListenAndServe(":4445", nil)
		}()

		if cctx.Int("backfill-days") != 0 {
			bf := newRelayBackfill(cctx, svc)
			if cctx.Bool("backfill-use-idle") {
				bf.busy = fh.Busy
			}
			go func() {
				if err := bf.Run(ctx); err != nil {
					slog.Error("relay backfill stopped", "err", err)
				}
			}()
		}

		if cctx.String("sync-backend") == "jetstream" {
			return fh.RunJetstream(ctx)
		}
		return fh.Run(ctx)
	},
}

var backfillCmd = &cli.Command{
	Name:  "backfill",
	Usage: "replay old relay traffic without a live tail",
	Flags: backfillFlags(-1),
	Action: func(cctx *cli.Context) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := setupTracing(cctx.String("jaeger-url")); err != nil {
			return err
		}

		svc, err := setup(cctx)
		if err != nil {
			return err
		}

		go svc.ix.Deferred().RunSweeper(ctx)
		go svc.ix.RunMissingFetcher(ctx)

		bf := newRelayBackfill(cctx, svc)
		return bf.Run(ctx)
	},
}

var backfillRepoCmd = &cli.Command{
	Name:      "backfill-repo",
	Usage:     "fetch one repo's CAR from its PDS and replay every record",
	ArgsUsage: "<did-or-handle>",
	Flags:     backfillFlags(-1),
	Action: func(cctx *cli.Context) error {
		if cctx.Args().Len() != 1 {
			return fmt.Errorf("expected exactly one did or handle argument")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := setup(cctx)
		if err != nil {
			return err
		}

		go svc.ix.Deferred().RunSweeper(ctx)
		go svc.ix.RunMissingFetcher(ctx)

		did, err := resolveRepoArg(ctx, svc.dir, cctx.Args().First())
		if err != nil {
			return err
		}

		rb := newRepoBackfill(cctx, svc)
		if err := rb.BackfillRepo(ctx, did); err != nil {
			return err
		}
		svc.ix.RetryPending(ctx)
		return nil
	},
}

var backfillNetworkCmd = &cli.Command{
	Name:  "backfill-network",
	Usage: "walk the relay's repo listing and replay every repo",
	Flags: backfillFlags(-1),
	Action: func(cctx *cli.Context) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := setupTracing(cctx.String("jaeger-url")); err != nil {
			return err
		}

		svc, err := setup(cctx)
		if err != nil {
			return err
		}

		go svc.ix.Deferred().RunSweeper(ctx)
		go svc.ix.RunMissingFetcher(ctx)

		go func() {
			http.ListenAndServe(":4445", nil)
		}()

		rb := newRepoBackfill(cctx, svc)
		return rb.BackfillNetwork(ctx)
	},
}

var backfillCollectionCmd = &cli.Command{
	Name:      "backfill-collection",
	Usage:     "page one collection out of a repo over xrpc and replay it",
	ArgsUsage: "<did-or-handle> <collection>",
	Flags:     backfillFlags(-1),
	Action: func(cctx *cli.Context) error {
		if cctx.Args().Len() != 2 {
			return fmt.Errorf("expected did-or-handle and collection arguments")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := setup(cctx)
		if err != nil {
			return err
		}

		go svc.ix.Deferred().RunSweeper(ctx)
		go svc.ix.RunMissingFetcher(ctx)

		did, err := resolveRepoArg(ctx, svc.dir, cctx.Args().First())
		if err != nil {
			return err
		}

		rb := newRepoBackfill(cctx, svc)
		if err := rb.BackfillCollection(ctx, did, cctx.Args().Get(1)); err != nil {
			return err
		}
		svc.ix.RetryPending(ctx)
		return nil
	},
}

type services struct {
	db    *gorm.DB
	pool  *pgxpool.Pool
	store *backend.PostgresBackend
	dir   *resolver.Resolver
	ix    *ingest.Ingester
}

func setup(cctx *cli.Context) (*services, error) {
	db, err := cliutil.SetupDatabase(cctx.String("db-url"), cctx.Int("max-db-connections"))
	if err != nil {
		return nil, err
	}

	db.Logger = logger.New(log.New(os.Stdout, "\r\n", log.LstdFlags), logger.Config{
		SlowThreshold:             500 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: false,
		Colorful:                  true,
	})

	for _, m := range models.AllModels() {
		if err := db.AutoMigrate(m); err != nil {
			return nil, fmt.Errorf("migrating %T: %w", m, err)
		}
	}

	cfg, err := pgxpool.ParseConfig(cctx.String("db-url"))
	if err != nil {
		return nil, err
	}

	if cfg.MaxConns < 8 {
		cfg.MaxConns = 8
	}

	pool, err := pgxpool.NewWithConfig(context.TODO(), cfg)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(context.TODO()); err != nil {
		return nil, err
	}

	store, err := backend.NewPostgresBackend(db, pool)
	if err != nil {
		return nil, err
	}

	dir := resolver.NewResolver(cctx.String("plc-host"))
	ix := ingest.NewIngester(store, dir, cctx.Int64("max-concurrent-user-creations"))

	return &services{
		db:    db,
		pool:  pool,
		store: store,
		dir:   dir,
		ix:    ix,
	}, nil
}

func setupTracing(jaegerUrl string) error {
	if jaegerUrl == "" {
		return nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(jaegerUrl)))
	if err != nil {
		return err
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("appview-ingester"),
			attribute.String("env", os.Getenv("ENVIRONMENT")),
		)),
	)

	otel.SetTracerProvider(tp)
	return nil
}

// resolveRepoArg accepts either a DID or a handle on the command line.
func resolveRepoArg(ctx context.Context, dir *resolver.Resolver, arg string) (string, error) {
	if strings.HasPrefix(arg, "did:") {
		return arg, nil
	}
	did, err := dir.ResolveHandle(ctx, arg)
	if err != nil {
		return "", fmt.Errorf("resolving handle %s: %w", arg, err)
	}
	return did, nil
}
