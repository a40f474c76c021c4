package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/celebrum-distiller/internal/api"
	"github.com/irfndi/celebrum-distiller/internal/api/handlers"
	"github.com/irfndi/celebrum-distiller/internal/services"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newServeCommand(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the report API and run retention cleanup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, configPath(), func(ctx context.Context, a *app) error {
				ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				return a.serve(ctx, nil)
			})
		},
	}
}

// router wires the HTTP surface to the app's services.
func (a *app) router(cleanup handlers.CleanupInterface) *gin.Engine {
	if a.cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	checks := map[string]handlers.HealthChecker{"database": a.store}
	if a.redis != nil {
		checks["redis"] = a.redis
	}
	return api.NewRouter(a.cfg.Telemetry.ServiceName, api.Dependencies{
		Board:       a.board,
		Predictions: a.store,
		Verifier:    a.verifier,
		Weights:     a.adapter,
		Cleanup:     cleanup,
		Health:      checks,
		Breakers:    map[string]handlers.BreakerState{"market": a.prices.Breaker()},
		Version:     Version,
		AdminKey:    a.cfg.Server.AdminKey,
	}, a.logger)
}

// serve runs the API and the cleanup loop until ctx ends. When ready is
// non-nil it receives the bound address once the listener is open.
func (a *app) serve(ctx context.Context, ready chan<- string) error {
	cleanup := services.NewCleanupService(a.store, services.CleanupConfig{
		RetentionDays:   a.cfg.Cleanup.RetentionDays,
		IntervalMinutes: a.cfg.Cleanup.IntervalMinutes,
	}, a.logger)
	cleanup.Start(ctx)
	defer cleanup.Stop()

	srv := &http.Server{
		Handler:           a.router(cleanup),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(a.cfg.Server.Port)))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	if ready != nil {
		ready <- ln.Addr().String()
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.WithFields(logrus.Fields{
			"addr":    ln.Addr().String(),
			"version": Version,
		}).Info("Server starting")
		serveErr <- srv.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.logger.Info("Server exited gracefully")
	return nil
}
