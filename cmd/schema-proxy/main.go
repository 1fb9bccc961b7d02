package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/time/rate"

	"schema-proxy-go/internal/client"
	"schema-proxy-go/internal/config"
	"schema-proxy-go/internal/handler"
	"schema-proxy-go/internal/metrics"
	"schema-proxy-go/internal/middleware"
	"schema-proxy-go/internal/samplelog"
	"schema-proxy-go/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// stopSlack is added on top of the shutdown grace so the pool can finish
// closing after the server has drained.
const stopSlack = 5 * time.Second

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("schema-proxy"),
		kong.Description("Forwarding proxy that rewrites json_schema to json_object in request and response bodies."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	// The stop timeout depends on config, which fx has not loaded yet.
	cfg, err := config.Load(&cli)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fx.New(
		fx.StopTimeout(cfg.Server.ShutdownGrace()+stopSlack),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
		}),
		fx.Supply(cfg),
		fx.Provide(
			func() handler.Version { return handler.Version(version) },
			newLogger,
			metrics.New,
			newEcho,
			newUpstreamPool,
			func(p *client.UpstreamPool) service.Upstream { return p },
			func(p *client.UpstreamPool) handler.PoolStatser { return p },
			newSampleLogger,
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(applyWorkers, handler.RegisterRoutes, warnConfigPermissions, startServer, startAdminServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newSampleLogger(cfg *config.Config, logger *slog.Logger) *samplelog.Logger {
	r := 1.0
	if cfg.Log.SampleRate != nil {
		r = *cfg.Log.SampleRate
	}
	return samplelog.New(logger, samplelog.Rate(r))
}

// newUpstreamPool builds the shared upstream pool and ties it to the app
// lifecycle: it starts before the server accepts traffic and closes after
// the server has drained.
func newUpstreamPool(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *client.UpstreamPool {
	pool := client.NewUpstreamPool(client.OptionsFromConfig(cfg), logger, m)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return pool.Start()
		},
		OnStop: func(ctx context.Context) error {
			return pool.Close(ctx)
		},
	})
	return pool
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = handler.ErrorHandler(logger)

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout is disabled (0): a reply may legitimately wait on the
	// upstream read timeout, which already bounds it.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = cfg.Server.IdleTimeout()
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.RecoverWithConfig(echomw.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			logger.Error("panic recovered",
				"err", err,
				"path", c.Request().URL.Path,
				"stack", string(stack),
			)
			return err
		},
	}))
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.MetricsMiddleware(m))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))

	if cfg.Server.RateLimit.Enabled {
		store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.Server.RateLimit.RequestsPerSecond))
		e.Use(echomw.RateLimiter(store))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func applyWorkers(cfg *config.Config, logger *slog.Logger) {
	if n := cfg.Server.Workers; n > 0 {
		prev := runtime.GOMAXPROCS(n)
		logger.Info("worker threads set", "workers", n, "previous", prev)
	}
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	// Cleartext HTTP/2 is accepted alongside HTTP/1.1.
	e.Server.Handler = h2c.NewHandler(e, &http2.Server{IdleTimeout: cfg.Server.IdleTimeout()})

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server",
				"addr", addr,
				"upstream_url", cfg.Upstream.BaseURL,
				"upstream_host", cfg.Upstream.Host,
			)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server", "grace", cfg.Server.ShutdownGrace())
			ctx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownGrace())
			defer cancel()
			return e.Shutdown(ctx)
		},
	})
}

// startAdminServer serves health, status and metrics on their own listener
// so that every path on the public listener is forwarded upstream.
func startAdminServer(lc fx.Lifecycle, cfg *config.Config, health *handler.HealthHandler, m *metrics.Metrics, logger *slog.Logger) {
	if !cfg.Metrics.Enabled {
		return
	}

	admin := echo.New()
	admin.HideBanner = true
	admin.HidePort = true
	admin.HTTPErrorHandler = handler.ErrorHandler(logger)
	admin.Server.ReadHeaderTimeout = 10 * time.Second
	admin.Use(echomw.Recover())
	handler.RegisterAdminRoutes(admin, health, m, cfg.Metrics.Path)

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Metrics.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind admin %s: %w", addr, err)
			}
			logger.Info("starting admin server", "addr", addr, "metrics_path", cfg.Metrics.Path)
			go func() {
				if err := admin.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("admin server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return admin.Shutdown(ctx)
		},
	})
}
