package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aradsms/teams_telephony/internal/public_api_service/middleware"
	httptransport "github.com/aradsms/teams_telephony/internal/public_api_service/transport/http"
	"github.com/aradsms/teams_telephony/internal/shell_service/adapters/process"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the operator API with the session and lifecycle workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func serve(ctx context.Context) error {
	b, err := newBase(ctx)
	if err != nil {
		return err
	}
	defer b.close()
	cfg := b.cfg
	b.logger.Info("Telephony service starting...", "port", cfg.PublicAPIServicePort, "tenants", len(cfg.Tenants))

	svc, err := b.services(process.NewExecSpawner(cfg.ShellExecutable, cfg.ShellArgs, b.logger))
	if err != nil {
		return err
	}

	handler := httptransport.NewRouter(httptransport.RouterDeps{
		Reconciler: svc.reconciler,
		Console:    svc.console,
		Numbers:    svc.assignments,
		Tenants:    svc.tenants,
		Auth:       middleware.AuthMiddleware(cfg.JWTAccessSecret, b.logger),
		Logger:     b.logger,
	})
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.PublicAPIServicePort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b.logger.Info(fmt.Sprintf("Operator API listening on port %d", cfg.PublicAPIServicePort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		b.logger.Info("Shutdown signal received, shutting down HTTP server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctxShutdown); err != nil {
			b.logger.Error("HTTP server shutdown failed", "error", err)
			return err
		}
		b.logger.Info("HTTP server shut down gracefully.")
		return nil
	})
	g.Go(func() error { return svc.registry.Run(gctx) })
	g.Go(func() error { return svc.lifecycle.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		b.logger.Error("Telephony service stopped with error", "error", err)
		return err
	}
	b.logger.Info("Telephony service shut down.")
	return nil
}
