// Command graze runs the data ingestion and serving engine.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"graze/internal/auth"
	"graze/internal/config"
	"graze/internal/limiter"
	"graze/internal/model"
	"graze/internal/orchestrator"
	"graze/internal/registry"
	"graze/internal/scheduler"
	"graze/internal/server"
	"graze/internal/store"
	"graze/internal/ws"
)

var version = "dev"

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	rootCmd := &cobra.Command{
		Use:   "graze",
		Short: "Data ingestion and serving engine",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			pprofAddr, _ := cmd.Flags().GetString("pprof")
			if pprofAddr != "" {
				go func() {
					logger.Info("pprof server listening", "addr", pprofAddr)
					if err := http.ListenAndServe(pprofAddr, nil); err != nil {
						logger.Error("pprof server error", "error", err)
					}
				}()
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().String("pprof", "", "pprof HTTP server address (e.g. localhost:6060). Bind to loopback only")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the graze engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := optionsFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()
			return run(ctx, logger, opts)
		},
	}
	serveCmd.Flags().String("mode", "all", "instance mode: all, server (API only) or ingester (ticks only)")
	serveCmd.Flags().String("addr", ":8090", "API listen address (host:port)")
	serveCmd.Flags().String("workdir", "", "working directory for instance state (default $WORKDIR or .)")
	serveCmd.Flags().String("configs", "", "ingester config file (default $INGESTER_CONFIGS or ingesters.yaml)")
	serveCmd.Flags().String("redis", "", "redis address (default $REDIS_ADDR or localhost:6379)")
	serveCmd.Flags().String("namespace", "", "registry namespace (default $REDIS_NS or graze)")
	serveCmd.Flags().String("backend", "", "storage backend: sqlite or timescale (default $STORAGE_BACKEND or sqlite)")
	serveCmd.Flags().Int("max-workers", 0, "max concurrently running ingester bodies")
	serveCmd.Flags().Bool("no-limit", false, "disable the rate limiter")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// options collects everything run needs, resolved from flags with
// environment fallbacks per the deployment contract.
type options struct {
	mode       string
	addr       string
	workdir    string
	configs    string
	redisAddr  string
	redisPass  string
	namespace  string
	store      store.Config
	jwtSecret  string
	staticHash string
	maxWorkers int
	noLimit    bool
}

func optionsFromCmd(cmd *cobra.Command) (options, error) {
	flag := func(name, env, def string) string {
		if v, _ := cmd.Flags().GetString(name); v != "" {
			return v
		}
		return envOr(env, def)
	}

	opts := options{
		mode:       flag("mode", "", "all"),
		addr:       flag("addr", "", ":8090"),
		workdir:    flag("workdir", "WORKDIR", "."),
		configs:    flag("configs", "INGESTER_CONFIGS", "ingesters.yaml"),
		redisAddr:  flag("redis", "REDIS_ADDR", "localhost:6379"),
		redisPass:  os.Getenv("REDIS_PASSWORD"),
		namespace:  flag("namespace", "REDIS_NS", "graze"),
		jwtSecret:  os.Getenv("JWT_SECRET_KEY"),
		staticHash: os.Getenv("STATIC_TOKEN_HASH"),
	}
	opts.maxWorkers, _ = cmd.Flags().GetInt("max-workers")
	opts.noLimit, _ = cmd.Flags().GetBool("no-limit")

	switch opts.mode {
	case "all", "server", "ingester":
	default:
		return options{}, fmt.Errorf("unknown mode %q", opts.mode)
	}

	opts.store = storeConfig(flag("backend", "STORAGE_BACKEND", "sqlite"), opts.workdir)
	return opts, nil
}

// storeConfig resolves the {BACKEND}_HOST family of variables for the
// selected back-end. SQLite only needs a file path under the workdir.
func storeConfig(backend, workdir string) store.Config {
	cfg := store.Config{Backend: backend}
	if backend == "sqlite" {
		cfg.Path = envOr("SQLITE_PATH", workdir+"/graze.db")
		return cfg
	}
	prefix := toEnvPrefix(backend)
	cfg.Host = envOr(prefix+"_HOST", "localhost")
	cfg.Port = envInt(prefix+"_PORT", 5432)
	cfg.Database = envOr(prefix+"_DB", "graze")
	cfg.User = envOr("DB_RW_USER", "graze")
	cfg.Password = os.Getenv("DB_RW_PASS")
	return cfg
}

func run(ctx context.Context, logger *slog.Logger, opts options) error {
	inst, err := model.LoadOrCreateInstance(opts.workdir, opts.mode)
	if err != nil {
		return fmt.Errorf("instance identity: %w", err)
	}
	logger.Info("instance identity", "uid", inst.UID, "name", inst.Name, "mode", inst.Mode)

	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.redisAddr,
		Password: opts.redisPass,
	})
	defer rdb.Close()

	reg := registry.New(rdb, opts.namespace, inst.UID, logger)
	if err := reg.Ping(ctx); err != nil {
		return fmt.Errorf("registry unreachable: %w", err)
	}

	db, err := store.Open(ctx, opts.store, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	sched, err := scheduler.New(scheduler.Config{MaxWorkers: opts.maxWorkers}, reg, logger)
	if err != nil {
		return err
	}

	orch := orchestrator.New(orchestrator.Config{
		ServeOnly: opts.mode == "server",
	}, reg, db, sched, inst, logger)

	// Initial load plus hot reload on file change; a broken edit is
	// logged and the previous configuration stays active.
	if err := config.Watch(ctx, opts.configs, logger, func(ingesters []*model.Ingester) {
		if err := orch.ApplyConfig(ctx, ingesters); err != nil {
			logger.Error("config apply failed", "error", err)
		}
	}); err != nil {
		return err
	}

	if err := orch.Start(ctx); err != nil {
		return err
	}

	var (
		srv      *server.Server
		hub      *ws.Hub
		serverWg sync.WaitGroup
	)
	if opts.mode != "ingester" {
		authSvc := auth.NewService(auth.Config{
			Secret:          opts.jwtSecret,
			StaticTokenHash: opts.staticHash,
		}, orch.Users(), reg, nil, logger)

		lim := limiter.New(rdb, opts.namespace, limiter.Config{
			Enabled:     !opts.noLimit,
			RoutePoints: server.DefaultRoutePoints,
		}, logger)

		hub = ws.NewHub(ws.Config{}, reg, logger)
		feed := reg.PSubscribe(ctx, "*")
		serverWg.Go(func() {
			hub.Run(ctx, feed)
		})

		srv = server.New(orch, authSvc, lim, hub, server.Config{
			Engine:  "graze",
			Version: version,
		}, logger)
		serverWg.Go(func() {
			if err := srv.ServeTCP(opts.addr); err != nil {
				logger.Error("server error", "error", err)
			}
		})
	}

	<-ctx.Done()

	if srv != nil {
		logger.Info("stopping server")
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := srv.Stop(stopCtx); err != nil {
			logger.Error("server stop error", "error", err)
		}
		stopCancel()
	}

	logger.Info("shutting down orchestrator")
	if err := orch.Stop(); err != nil {
		return err
	}
	serverWg.Wait()
	logger.Info("shutdown complete")
	return nil
}

func envOr(key, def string) string {
	if key == "" {
		return def
	}
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return def
	}
	return n
}

// toEnvPrefix maps a backend name onto its variable prefix, collapsing
// aliases ("postgres", "timescaledb") to TIMESCALE.
func toEnvPrefix(backend string) string {
	switch backend {
	case "timescale", "timescaledb", "postgres":
		return "TIMESCALE"
	}
	return strings.ToUpper(backend)
}
