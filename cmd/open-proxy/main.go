package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"open-proxy/internal/client"
	"open-proxy/internal/config"
	"open-proxy/internal/handler"
	"open-proxy/internal/logging"
	"open-proxy/internal/metrics"
	"open-proxy/internal/middleware"
	"open-proxy/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const description = `Transparent forward HTTP proxy. Every request is relayed to the host it
names and the origin's response is returned unchanged.

Typical use is reaching the internet from a device that has none, through an
SSH reverse tunnel from a workstation running open-proxy:

  ssh -R 8080:localhost:8080 user@device

The device's sshd must allow AllowTcpForwarding. On the device:

  export http_proxy=http://localhost:8080
  export https_proxy=http://localhost:8080

Set GatewayPorts yes in the device's sshd_config to let other hosts on the
device's network use the tunnel too.`

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("open-proxy"),
		kong.Description(description),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			l := &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
			l.UseLogLevel(slog.LevelDebug)
			return l
		}),
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newSink,
			logging.New,
			metrics.New,
			newUpstreamClient,
			service.NewRelayService,
			handler.NewRelayHandler,
			handler.NewHealthHandler,
			newEcho,
			newAdmin,
		),
		fx.Invoke(handler.RegisterRoutes, handler.RegisterAdminRoutes, warnConfigPermissions, startServer, startAdmin),
	).Run()
}

func newSink(lc fx.Lifecycle, cfg *config.Config) (*logging.Sink, error) {
	sink, err := logging.OpenSink(cfg.Log.Output)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return sink.Close() },
	})
	return sink, nil
}

func newUpstreamClient(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*client.UpstreamClient, error) {
	c, err := client.NewUpstreamClient(cfg, logger, m)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			c.CloseIdleConnections()
			return nil
		},
	})
	return c, nil
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadHeaderTimeout = time.Duration(cfg.Server.ReadHeaderTimeoutSeconds) * time.Second
	e.Server.IdleTimeout = time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second
	// No read or write deadline: slow uploads and large buffered responses
	// are bounded by the upstream timeout instead.
	e.Server.ReadTimeout = 0
	e.Server.WriteTimeout = 0

	// Pre, not Use: extension methods are relayed before routing and must
	// pass through the same chain.
	e.Pre(echomw.Recover())
	e.Pre(middleware.MetricsMiddleware(m))
	e.Pre(middleware.RequestLogger(logger))
	if cfg.Server.BodyMaxBytes > 0 {
		e.Pre(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	}
	if cfg.Upstream.StripHopByHop {
		e.Pre(middleware.StripHopByHop())
		logger.Info("stripping hop-by-hop request headers")
	}

	return e
}

func newAdmin() *handler.AdminRouter {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	return &handler.AdminRouter{Echo: e}
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	serve(lc, e, cfg.Server.Addr(), "proxy", cfg, logger)
	if p := cfg.FilePath(); p != "" {
		logger.Info("config loaded", "path", p)
	} else {
		logger.Info("no config file found, using defaults")
	}
}

func startAdmin(lc fx.Lifecycle, a *handler.AdminRouter, cfg *config.Config, logger *slog.Logger) {
	if !cfg.Admin.Enabled {
		return
	}
	serve(lc, a.Echo, cfg.Admin.Addr(), "admin", cfg, logger)
}

// serve binds addr when the app starts. A bind failure aborts startup, which
// makes the process exit non-zero.
func serve(lc fx.Lifecycle, e *echo.Echo, addr, name string, cfg *config.Config, logger *slog.Logger) {
	logger = logger.With("listener", name)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s listener %s: %w", name, addr, err)
			}
			logger.Info("starting server", "addr", ln.Addr().String())
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			ctx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second)
			defer cancel()
			return e.Shutdown(ctx)
		},
	})
}
