package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ericvolp12/readstate/pkg/devbackend"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.App{
		Name:    "devbackend",
		Usage:   "in-memory queue and notifications backend for local runs",
		Version: "0.0.1",
	}

	app.Flags = []cli.Flag{
		&cli.BoolFlag{
			Name:    "debug",
			Usage:   "enable debug logging",
			EnvVars: []string{"DEVBACKEND_DEBUG"},
		},
		&cli.StringFlag{
			Name:    "listen-addr",
			Usage:   "listen address for http server",
			EnvVars: []string{"DEVBACKEND_LISTEN_ADDR"},
			Value:   ":3270",
		},
		&cli.StringFlag{
			Name:    "users",
			Usage:   "comma separated token=userID:username entries",
			EnvVars: []string{"DEVBACKEND_USERS"},
			Value:   "dev-token=u-dev:dev",
		},
		&cli.IntFlag{
			Name:    "fail-first",
			Usage:   "answer this many requests with 503 on startup to exercise client retries",
			EnvVars: []string{"DEVBACKEND_FAIL_FIRST"},
		},
	}

	app.Action = DevBackend

	_ = godotenv.Load()

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

func DevBackend(cctx *cli.Context) error {
	ctx := cctx.Context
	logLevel := slog.LevelInfo
	if cctx.Bool("debug") {
		logLevel = slog.LevelDebug
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: true,
	})))

	logger := slog.Default()

	users, err := devbackend.ParseUsers(cctx.String("users"))
	if err != nil {
		logger.Error("failed to parse users", "err", err)
		return err
	}

	s := devbackend.New(clockwork.NewRealClock(), logger)
	for token, u := range users {
		s.AddUser(token, u)
	}
	if n := cctx.Int("fail-first"); n > 0 {
		s.FailNext(n)
	}

	e := echo.New()
	e.HideBanner = true

	echoProm := echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Namespace: "devbackend",
		HistogramOptsFunc: func(opts prometheus.HistogramOpts) prometheus.HistogramOpts {
			opts.Buckets = prometheus.ExponentialBuckets(0.00001, 2, 20)
			return opts
		},
	})
	e.Use(echoProm)
	e.Use(slogecho.New(logger))

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	devbackend.NewAPI(s).Register(e)

	go func() {
		logger.Info("devbackend listening", "addr", cctx.String("listen-addr"), "users", len(users))
		err := e.Start(cctx.String("listen-addr"))
		if err != nil && err != http.ErrServerClosed {
			logger.Error("failed to start http server", "err", err)
		}
	}()

	// Wait for SIGINT or SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err = e.Shutdown(ctx)
	if err != nil {
		logger.Error("failed to shutdown http server", "err", err)
	}

	return nil
}
