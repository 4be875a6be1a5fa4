package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/cratebox/config"
	"github.com/isdmx/cratebox/mcpserver"
	"github.com/isdmx/cratebox/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the build engine over MCP (stdio or HTTP)",
	RunE: func(_ *cobra.Command, _ []string) error {
		app := fx.New(serveOptions())
		if err := app.Err(); err != nil {
			return err
		}
		app.Run()
		return nil
	},
}

func serveOptions() fx.Option {
	return fx.Options(
		engineModule,
		fx.Provide(mcpserver.New),
		fx.Invoke(registerMetricsEndpoint, registerTransport),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)
}

// registerTransport runs the configured MCP transport for the lifetime of
// the app. The app shuts down when the transport ends, e.g. when stdin closes.
func registerTransport(lc fx.Lifecycle, sd fx.Shutdowner, cfg *config.Config, server *mcpserver.MCPServer, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				var err error
				switch cfg.Server.Transport {
				case "stdio":
					err = server.ServeStdio()
				case "http":
					err = server.ServeHTTP()
				}
				if err != nil {
					log.Error("MCP transport stopped", zap.Error(err))
					_ = sd.Shutdown(fx.ExitCode(1))
					return
				}
				_ = sd.Shutdown()
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return server.Shutdown(ctx)
		},
	})
}

// registerMetricsEndpoint serves /metrics when metrics are enabled.
func registerMetricsEndpoint(lc fx.Lifecycle, cfg *config.Config, m *metrics.Metrics, log *zap.Logger) {
	if !cfg.Metrics.Enabled {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", cfg.Metrics.Address)
			if err != nil {
				return err
			}
			log.Info("serving metrics", zap.String("address", ln.Addr().String()))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics endpoint stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
