// Command rpcfallback serves a JSON-RPC endpoint backed by several
// equivalent upstream nodes, falling back between them on failure.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gateway-fm/rpcfallback/internal/config"
	"github.com/gateway-fm/rpcfallback/internal/metrics"
	"github.com/gateway-fm/rpcfallback/internal/router"
	"github.com/gateway-fm/rpcfallback/internal/storage"
	"github.com/gateway-fm/rpcfallback/internal/transport"
)

const (
	networkDetectTimeout = 30 * time.Second
	shutdownTimeout      = 10 * time.Second
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("rpcfallback exited", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if l, ok := a.Value.Any().(slog.Level); ok && l == router.LevelNotice {
					a.Value = slog.StringValue("NOTICE")
				}
			}
			return a
		},
	}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts)), nil
}

func run(cfg *config.Config, logger *slog.Logger) error {
	var store storage.Store
	if cfg.Store != config.DefaultStore {
		s, err := storage.Open(cfg.Store, cfg.DatabasePath)
		if err != nil {
			return err
		}
		defer s.Close()
		store = s
		logger.Info("initialized storage", "driver", cfg.Store, "path", cfg.DatabasePath)

		if records, err := s.Heights(context.Background()); err != nil {
			logger.Warn("failed to read cached heights", "error", err)
		} else {
			for _, rec := range records {
				logger.Debug("restored cached height",
					"upstream", rec.UpstreamID,
					"height", rec.Height,
					"updatedAt", rec.UpdatedAt,
				)
			}
		}
	}

	m := metrics.NewRouterMetrics(nil)

	upstreams, err := cfg.RouterUpstreams(store, logger)
	if err != nil {
		return err
	}
	r, err := router.New(upstreams, cfg.RouterOptions(store, m, logger))
	if err != nil {
		return err
	}
	defer r.Destroy()

	ctx, cancel := context.WithTimeout(context.Background(), networkDetectTimeout)
	chainID, err := r.DetectNetwork(ctx)
	cancel()
	if err != nil {
		return err
	}
	logger.Info("detected network", "chainId", chainID.String(), "upstreams", len(upstreams))

	if err := r.Start(); err != nil {
		return err
	}

	srv := transport.NewServer(r, m, logger, cfg.CORSAllowedOrigins)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("shutting down...", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	srv.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown", "error", err)
	}
	return nil
}
