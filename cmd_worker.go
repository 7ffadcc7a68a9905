package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"swarm/config"
	"swarm/logging"
	"swarm/worker"
)

func runWorker(ctx context.Context, cfg config.Config) error {
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine := worker.NewEngine(cfg.Worker.EngineURL, logger.With().Str("component", "engine").Logger())
	agent := worker.NewAgent(cfg.Worker, engine, logger.With().Str("component", "agent").Logger())

	logger.Info().Str("router", cfg.Worker.RouterURL).Str("engine", cfg.Worker.EngineURL).
		Str("model", cfg.Worker.Model.ID).Msg("starting worker")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return agent.Run(ctx)
	})
	if cfg.Worker.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.Worker.MetricsAddr, Handler: mux}
		g.Go(func() error {
			return serve(ctx, srv, logger)
		})
	}
	return g.Wait()
}

// serve runs srv until ctx is done, then shuts it down gracefully.
func serve(ctx context.Context, srv *http.Server, logger zerolog.Logger) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Str("addr", srv.Addr).Msg("shutting down server")

		// 设置超时上下文
		ctxShutdown, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(ctxShutdown)
	})
	return g.Wait()
}
