package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	_ "net/http/pprof"

	"github.com/ericvolp12/bsky-experiments/pkg/tracing"
	"github.com/ericvolp12/readstate/pkg/archive"
	"github.com/ericvolp12/readstate/pkg/backend"
	"github.com/ericvolp12/readstate/pkg/mentions"
	"github.com/ericvolp12/readstate/pkg/queue"
	"github.com/ericvolp12/readstate/pkg/reconcile"
	"github.com/ericvolp12/readstate/pkg/storage"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
	echopprof "github.com/sevenNt/echo-pprof"
	"github.com/urfave/cli/v2"
	"golang.org/x/time/rate"
)

func main() {
	app := cli.App{
		Name:    "readstate",
		Usage:   "per-user unread and notification state for one device profile",
		Version: "0.0.1",
	}

	app.Flags = []cli.Flag{
		&cli.IntFlag{
			Name:    "port",
			Usage:   "port to serve the http server on",
			Value:   8080,
			EnvVars: []string{"READSTATE_PORT"},
		},
		&cli.BoolFlag{
			Name:    "debug",
			Usage:   "enable debug logging",
			Value:   false,
			EnvVars: []string{"READSTATE_DEBUG"},
		},
		&cli.StringFlag{
			Name:    "backend-url",
			Usage:   "base URL of the queue and notifications backend",
			Value:   "http://localhost:3270",
			EnvVars: []string{"READSTATE_BACKEND_URL"},
		},
		&cli.Float64Flag{
			Name:    "backend-rate-limit",
			Usage:   "rate limit for backend requests in requests per second",
			Value:   10,
			EnvVars: []string{"READSTATE_BACKEND_RATE_LIMIT"},
		},
		&cli.StringFlag{
			Name:    "user-id",
			Usage:   "sign in as this user id on startup",
			EnvVars: []string{"READSTATE_USER_ID"},
		},
		&cli.StringFlag{
			Name:    "username",
			Usage:   "username of the startup user, matched against mention targets",
			EnvVars: []string{"READSTATE_USERNAME"},
		},
		&cli.StringFlag{
			Name:    "token",
			Usage:   "bearer token of the startup user",
			EnvVars: []string{"READSTATE_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "sqlite-path",
			Usage:   "path to the sqlite database shared by every session of the device profile",
			Value:   "/data/readstate.db",
			EnvVars: []string{"READSTATE_SQLITE_PATH"},
		},
		&cli.BoolFlag{
			Name:    "migrate-db",
			Usage:   "run database migrations",
			Value:   true,
			EnvVars: []string{"READSTATE_MIGRATE_DB"},
		},
		&cli.StringFlag{
			Name:    "redis-addr",
			Usage:   "redis address; when set, stores and the leader lease live in redis instead of sqlite",
			EnvVars: []string{"READSTATE_REDIS_ADDR"},
		},
		&cli.StringFlag{
			Name:    "redis-password",
			Usage:   "redis password",
			EnvVars: []string{"READSTATE_REDIS_PASSWORD"},
		},
		&cli.StringFlag{
			Name:    "redis-prefix",
			Usage:   "prefix for every redis key",
			Value:   "readstate",
			EnvVars: []string{"READSTATE_REDIS_PREFIX"},
		},
		&cli.StringFlag{
			Name:    "archive-dir",
			Usage:   "directory for parquet archives of pruned mentions, disabled when empty",
			EnvVars: []string{"READSTATE_ARCHIVE_DIR"},
		},
		&cli.DurationFlag{
			Name:    "heartbeat-interval",
			Usage:   "interval between queue heartbeats",
			Value:   5 * time.Second,
			EnvVars: []string{"READSTATE_HEARTBEAT_INTERVAL"},
		},
		&cli.DurationFlag{
			Name:    "sync-interval",
			Usage:   "interval between read mark flushes",
			Value:   2 * time.Minute,
			EnvVars: []string{"READSTATE_SYNC_INTERVAL"},
		},
		&cli.DurationFlag{
			Name:    "refresh-interval",
			Usage:   "interval for picking up writes from other tab sessions",
			Value:   2 * time.Second,
			EnvVars: []string{"READSTATE_REFRESH_INTERVAL"},
		},
		&cli.DurationFlag{
			Name:    "overlay-ttl",
			Usage:   "how long realtime deliveries are treated as unread",
			Value:   6 * time.Hour,
			EnvVars: []string{"READSTATE_OVERLAY_TTL"},
		},
		&cli.DurationFlag{
			Name:    "mention-retention",
			Usage:   "how long mentions are kept",
			Value:   30 * 24 * time.Hour,
			EnvVars: []string{"READSTATE_MENTION_RETENTION"},
		},
		&cli.IntFlag{
			Name:    "mention-capacity",
			Usage:   "maximum number of mentions kept",
			Value:   500,
			EnvVars: []string{"READSTATE_MENTION_CAPACITY"},
		},
		&cli.DurationFlag{
			Name:    "relay-ttl",
			Usage:   "time to live for relayed queue events in the DB",
			Value:   time.Hour,
			EnvVars: []string{"READSTATE_RELAY_TTL"},
		},
		&cli.IntFlag{
			Name:    "tabs",
			Usage:   "number of tab sessions to run against the device profile, tab 0 is also served at /api",
			Value:   1,
			EnvVars: []string{"READSTATE_TABS"},
		},
		&cli.DurationFlag{
			Name:    "liveness-interval",
			Usage:   "how often the liveness checker inspects the queue status",
			Value:   15 * time.Second,
			EnvVars: []string{"READSTATE_LIVENESS_INTERVAL"},
		},
	}

	app.Action = ReadState

	// A missing .env file is fine, flags and the environment still apply.
	_ = godotenv.Load()

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

// ReadState runs one tab session for a device profile
func ReadState(cctx *cli.Context) error {
	ctx, cancel := context.WithCancel(cctx.Context)
	defer cancel()

	// Closed when a critical routine gives up
	kill := make(chan struct{})

	logLevel := slog.LevelInfo
	if cctx.Bool("debug") {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel, AddSource: true}))
	slog.SetDefault(slog.New(logger.Handler()))

	logger.Info("starting up")

	// Registers a tracer Provider globally if the exporter endpoint is set
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		logger.Info("registering global tracer provider")
		shutdown, err := tracing.InstallExportPipeline(ctx, "readstate", 1)
		if err != nil {
			logger.Error("failed to install export pipeline", "error", err)
			return err
		}
		defer func() {
			if err := shutdown(ctx); err != nil {
				logger.Error("failed to shutdown export pipeline", "error", err)
			}
		}()
	}

	clock := clockwork.NewRealClock()

	store, err := storage.Open(cctx.String("sqlite-path"), cctx.Bool("migrate-db"), clock, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		return err
	}
	defer store.Close()

	var docs storage.Documents = store
	var leases storage.Leases = store
	if addr := cctx.String("redis-addr"); addr != "" {
		logger.Info("redis address set, keeping stores and leases in redis", "addr", addr)
		rdb, err := storage.NewRedisStore(ctx, storage.RedisConfig{
			Addr:     addr,
			Password: cctx.String("redis-password"),
			Prefix:   cctx.String("redis-prefix"),
		}, clock)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			return err
		}
		defer rdb.Close()
		docs, leases = rdb, rdb
	}

	var archiver mentions.Archiver
	if dir := cctx.String("archive-dir"); dir != "" {
		a, err := archive.New(clock, archive.DefaultConfig(dir), logger)
		if err != nil {
			logger.Error("failed to create mention archive", "error", err)
			return err
		}
		a.StartWriter()
		defer a.Shutdown()
		archiver = a
	}

	backendConfig := backend.DefaultConfig(cctx.String("backend-url"))
	backendConfig.RateLimit = rate.Limit(cctx.Float64("backend-rate-limit"))
	client := backend.NewClient(backendConfig, logger)

	config := reconcile.DefaultConfig()
	config.Queue.HeartbeatInterval = cctx.Duration("heartbeat-interval")
	config.Sync.Interval = cctx.Duration("sync-interval")
	config.OverlayTTL = cctx.Duration("overlay-ttl")
	config.RefreshInterval = cctx.Duration("refresh-interval")
	config.MentionPolicy.Retention = cctx.Duration("mention-retention")
	config.MentionPolicy.Capacity = cctx.Int("mention-capacity")

	tabs := cctx.Int("tabs")
	if tabs < 1 {
		tabs = 1
	}

	registry := queue.NewRegistry(logger)
	engines := make([]*reconcile.Engine, 0, tabs)
	for i := 0; i < tabs; i++ {
		engine, err := reconcile.New(reconcile.Deps{
			Docs:     docs,
			Leases:   leases,
			Relay:    store,
			Backend:  client,
			Sessions: func(token string) reconcile.Session { return client.Session(token) },
			Archiver: archiver,
		}, clock, config, logger.With("tab", i))
		if err != nil {
			logger.Error("failed to create engine", "error", err)
			return err
		}
		if err := engine.Hydrate(ctx); err != nil {
			logger.Error("failed to hydrate stores", "error", err)
			return err
		}
		if err := registry.Register(strconv.Itoa(i), engine.Queue()); err != nil {
			return err
		}
		engines = append(engines, engine)
	}

	if token := cctx.String("token"); token != "" {
		id := queue.Identity{
			UserID:   cctx.String("user-id"),
			Username: cctx.String("username"),
			Token:    token,
		}
		for i, engine := range engines {
			if err := engine.SignIn(ctx, id); err != nil {
				logger.Error("failed to sign in startup user", "tab", i, "error", err)
				return err
			}
		}
	}

	// Background loops that outlive any one signed-in user
	loopsShutdown := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, engine := range engines {
			wg.Add(1)
			go func(engine *reconcile.Engine) {
				defer wg.Done()
				engine.Run(ctx)
			}(engine)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.RunPruner(ctx, time.Minute, cctx.Duration("relay-ttl"))
		}()
		wg.Wait()
		close(loopsShutdown)
	}()

	// The queue client only reaches the error status after repeated auth
	// failures, restart so the supervisor can pick up fresh credentials.
	shutdownLivenessChecker := make(chan struct{})
	livenessCheckerShutdown := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cctx.Duration("liveness-interval"))
		defer ticker.Stop()

		logger := logger.With("source", "liveness_checker")

		for {
			select {
			case <-shutdownLivenessChecker:
				logger.Info("shutting down liveness checker")
				close(livenessCheckerShutdown)
				return
			case <-ticker.C:
				for i, engine := range engines {
					if engine.QueueStatus() == queue.StatusError {
						logger.Error("queue client gave up, shutting down for docker to restart me", "tab", i)
						close(kill)
						close(livenessCheckerShutdown)
						return
					}
				}
				leader, ok := registry.Leader()
				logger.Debug("queue clients alive", "tabs", len(engines), "leader", leader, "leader_in_process", ok)
			}
		}
	}()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	e.Use(slogecho.New(logger))
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Namespace: "readstate",
		Skipper: func(c echo.Context) bool {
			return strings.HasSuffix(c.Path(), "/ws")
		},
		HistogramOptsFunc: func(opts prometheus.HistogramOpts) prometheus.HistogramOpts {
			opts.Buckets = prometheus.ExponentialBuckets(0.00001, 2, 20)
			return opts
		},
	}))
	e.Use(middleware.Recover())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.SetRequest(c.Request().WithContext(queue.WithRegistry(c.Request().Context(), registry)))
			return next(c)
		}
	})

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "readstate")
	})
	e.GET("/api/tabs", handleListTabs)
	reconcile.NewAPI(engines[0]).Register(e.Group("/api"))
	for i, engine := range engines {
		reconcile.NewAPI(engine).Register(e.Group(fmt.Sprintf("/api/tabs/%d", i)))
	}
	echopprof.Wrap(e)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cctx.Int("port")),
		Handler: e,
	}

	shutdownHTTPServer := make(chan struct{})
	httpServerShutdown := make(chan struct{})
	go func() {
		logger := logger.With("source", "http_server")

		logger.Info("http server listening on port", "port", cctx.Int("port"))

		go func() {
			if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
				logger.Error("failed to start http server", "error", err)
			}
		}()
		<-shutdownHTTPServer
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shut down http server", "error", err)
		}
		logger.Info("http server shut down")
		close(httpServerShutdown)
	}()

	// Trap SIGINT to trigger a shutdown.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-signals:
		logger.Info("received signal, shutting down")
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	case <-kill:
		logger.Info("shutting down due to liveness checker")
	}

	logger.Info("shutting down, waiting for routines to finish")
	select {
	case <-livenessCheckerShutdown:
	default:
		close(shutdownLivenessChecker)
		<-livenessCheckerShutdown
	}
	close(shutdownHTTPServer)
	<-httpServerShutdown

	// Closing keeps the queue cursor so the next run resumes from it.
	registry.Close(context.Background())
	for _, engine := range engines {
		engine.Close(context.Background())
	}
	cancel()
	<-loopsShutdown
	logger.Info("shutdown complete")

	return nil
}

type tabsResponse struct {
	Tabs   []string `json:"tabs"`
	Leader string   `json:"leader,omitempty"`
}

// handleListTabs handles GET /api/tabs
func handleListTabs(c echo.Context) error {
	registry, ok := queue.FromContext(c.Request().Context())
	if !ok {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "no tab registry"})
	}
	leader, _ := registry.Leader()
	return c.JSON(http.StatusOK, tabsResponse{Tabs: registry.Tabs(), Leader: leader})
}
