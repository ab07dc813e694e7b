package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/oriys/quasar/internal/api"
	"github.com/oriys/quasar/internal/autoscaler"
	"github.com/oriys/quasar/internal/codestore"
	"github.com/oriys/quasar/internal/concurrency"
	"github.com/oriys/quasar/internal/config"
	"github.com/oriys/quasar/internal/dispatcher"
	"github.com/oriys/quasar/internal/docker"
	"github.com/oriys/quasar/internal/imagebuild"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/observability"
	"github.com/oriys/quasar/internal/pending"
	"github.com/oriys/quasar/internal/pool"
	"github.com/oriys/quasar/internal/provisioner"
	"github.com/oriys/quasar/internal/queue"
	"github.com/oriys/quasar/internal/sandbox"
	"github.com/oriys/quasar/internal/secrets"
	"github.com/oriys/quasar/internal/store"
)

const shutdownRemoveParallelism = 8

func daemonCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the quasar daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configPath != "" {
				loaded, err := config.LoadFromFile(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			config.LoadFromEnv(cfg)
			return runDaemon(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file (JSON or YAML)")
	return cmd
}

func runDaemon(cfg *config.Config) error {
	logging.InitStructured(cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)

	// The ✓/✗ invoke line is terminal decoration; json deployments read
	// outcomes from metrics, traces and the optional request log file.
	reqLog := logging.Default()
	reqLog.SetConsole(cfg.Daemon.LogFormat != "json")
	if cfg.Daemon.RequestLogFile != "" {
		if err := reqLog.SetOutput(cfg.Daemon.RequestLogFile); err != nil {
			return fmt.Errorf("request log: %w", err)
		}
		defer reqLog.Close()
	}

	metrics.Init(cfg.Observability.MetricsNamespace, nil)

	if err := observability.Init(context.Background(), observability.Config{
		Enabled:     cfg.Observability.OTLPEndpoint != "",
		Exporter:    "otlp-http",
		Endpoint:    cfg.Observability.OTLPEndpoint,
		ServiceName: cfg.Observability.ServiceName,
	}); err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	// Preflight: the external dependencies come up in parallel and any
	// failure aborts startup with a single cause.
	var (
		meta     *store.PostgresStore
		driver   *docker.Driver
		packages codestore.Store
	)
	preflight, pctx := errgroup.WithContext(context.Background())
	preflight.Go(func() error {
		var err error
		if meta, err = store.NewPostgresStore(pctx, cfg.Postgres.DSN); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		return nil
	})
	preflight.Go(func() error {
		var err error
		if driver, err = docker.NewDriver(cfg.DriverConfig()); err != nil {
			return err
		}
		return nil
	})
	preflight.Go(func() error {
		var err error
		if packages, err = newCodeStore(pctx, cfg); err != nil {
			return fmt.Errorf("code store: %w", err)
		}
		return nil
	})
	if err := preflight.Wait(); err != nil {
		return err
	}

	var cache *redis.Client
	if cfg.Redis.Addr != "" {
		var err error
		cache, err = store.NewRedisClient(context.Background(), cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	st := store.New(meta, cache, cfg.CacheTTL())
	defer st.Close()

	// Leftover containers from a previous run poll a runtime API that no
	// longer knows their instance ids; clear them before the event stream
	// starts reporting them.
	if n, err := driver.Prune(context.Background()); err != nil {
		logging.Op().Warn("prune leftover containers", "error", err)
	} else if n > 0 {
		logging.Op().Info("pruned leftover containers", "count", n)
	}

	warm := pool.New()
	recon := pool.NewReconciler(warm, driver)
	if err := recon.Start(context.Background()); err != nil {
		return fmt.Errorf("driver event stream: %w", err)
	}

	cipher, err := loadCipher(cfg)
	if err != nil {
		return err
	}
	var (
		secretStore *secrets.Store
		resolver    *secrets.Resolver
	)
	if cipher != nil {
		secretStore = secrets.NewStore(st, cipher)
		resolver = secrets.NewResolver(secretStore)
	}

	queues := queue.New()
	pend := pending.New()
	limiter := concurrency.New(cfg.Caps.ReservedConcurrencyDefault)
	builder := imagebuild.NewBuilder(cfg.BuilderConfig(), packages)
	prov := provisioner.New(provisioner.Config{
		GlobalMaxContainers:      cfg.Caps.GlobalMaxContainers,
		PerFunctionMaxContainers: cfg.Caps.PerFunctionMaxContainers,
		RuntimeAPIAddr:           cfg.Daemon.RuntimeAdvertiseAddr,
	}, warm, driver, builder)

	disp := dispatcher.New(st, queues, pend, limiter, warm, prov,
		dispatcher.WithStartupBuffer(cfg.StartupBuffer()),
		dispatcher.WithSecretsResolver(resolver),
		dispatcher.WithRequestLogger(reqLog),
	)

	deps := api.Deps{
		Store:      st,
		Dispatcher: disp,
		Pool:       warm,
		Queues:     queues,
		Pending:    pend,
		Limiter:    limiter,
		Driver:     driver,
		Packages:   packages,
		Secrets:    secretStore,
	}
	ctrl := api.StartControlPlane(cfg.Daemon.HTTPAddr, deps)
	runtimeSrv := api.StartRuntimeAPI(cfg.Daemon.RuntimeAddr, deps)

	scaler := autoscaler.New(autoscaler.Config{
		Interval:            cfg.AutoscalerTick(),
		CreateBudgetPerTick: cfg.Autoscaler.CreateBudgetPerTick,
	}, queues, warm, prov)
	scaler.Start()

	watchdog := autoscaler.NewWatchdog(autoscaler.WatchdogConfig{
		Interval:          cfg.WatchdogInterval(),
		SoftIdleAfter:     cfg.SoftIdle(),
		HardIdleAfter:     cfg.HardIdle(),
		MaxAge:            cfg.MaxAge(),
		StoppedCapPerLane: cfg.Caps.StoppedCap,
	}, warm, driver)
	watchdog.Start()

	logging.Op().Info("quasar daemon ready",
		"control_plane", cfg.Daemon.HTTPAddr,
		"runtime_api", cfg.Daemon.RuntimeAddr,
		"code_store", cfg.CodeStore.Backend,
		"tracing", observability.Enabled())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logging.Op().Info("shutting down", "signal", sig.String())

	// The dispatcher goes first: it refuses new invocations and releases
	// every parked waiter, so the HTTP drains below finish immediately
	// instead of blocking on invoke handlers.
	disp.Shutdown(cfg.ShutdownTimeout())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		logging.Op().Warn("control plane shutdown", "error", err)
	}
	if err := runtimeSrv.Shutdown(shutdownCtx); err != nil {
		logging.Op().Warn("runtime api shutdown", "error", err)
	}

	scaler.Stop()
	watchdog.Stop()
	recon.Stop()

	removeAll(driver, warm.DrainAll())

	if err := observability.Shutdown(shutdownCtx); err != nil {
		logging.Op().Warn("telemetry shutdown", "error", err)
	}
	logging.Op().Info("shutdown complete")
	return nil
}

func newCodeStore(ctx context.Context, cfg *config.Config) (codestore.Store, error) {
	switch cfg.CodeStore.Backend {
	case "", "local":
		return codestore.NewLocal(cfg.CodeStore.Dir)
	case "s3":
		return codestore.NewS3(ctx, cfg.S3Options())
	default:
		return nil, fmt.Errorf("unknown backend %q (want local or s3)", cfg.CodeStore.Backend)
	}
}

// loadCipher returns nil without error when no master key is configured.
// Secret endpoints then answer 501 and $SECRET references pass through
// unresolved.
func loadCipher(cfg *config.Config) (*secrets.Cipher, error) {
	switch {
	case cfg.Secrets.Key != "":
		return secrets.NewCipher(cfg.Secrets.Key)
	case cfg.Secrets.KeyFile != "":
		return secrets.NewCipherFromFile(cfg.Secrets.KeyFile)
	default:
		return nil, nil
	}
}

// removeAll force-removes drained containers with bounded parallelism.
func removeAll(driver sandbox.Driver, ids []string) {
	if len(ids) == 0 {
		return
	}
	g := new(errgroup.Group)
	g.SetLimit(shutdownRemoveParallelism)
	for _, id := range ids {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := driver.Remove(ctx, id, true); err != nil {
				logging.Op().Warn("remove container at shutdown",
					"container_id", id, "error", err)
			}
			return nil
		})
	}
	g.Wait()
	logging.Op().Info("warm pool drained", "count", len(ids))
}
