package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kenneth/vault-transfer/internal/api"
	"github.com/kenneth/vault-transfer/internal/config"
	"github.com/kenneth/vault-transfer/internal/metrics"
	"github.com/kenneth/vault-transfer/internal/middleware"
	"github.com/kenneth/vault-transfer/internal/tracing"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve transfers over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions) error {
	m := metrics.NewMetrics()
	a, err := newApp(ctx, opts, m)
	if err != nil {
		return err
	}
	defer a.Close()
	logger, cfg := a.logger, a.cfg

	logger.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"backend": cfg.Backend.Type,
		"vaults":  len(cfg.Vaults),
	}).Info("Starting vault transfer gateway")

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, os.Stdout)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.WithError(err).Warn("Failed to flush traces")
		}
	}()

	stopMetrics := make(chan struct{})
	defer close(stopMetrics)
	m.StartSystemMetricsCollector(stopMetrics)

	reloader, err := config.NewConfigReloader(opts.path(), cfg, logger)
	if err != nil {
		return err
	}
	reloader.SetOnReloadCallback(func(old, next *config.Config) error {
		level, err := logrus.ParseLevel(next.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", next.LogLevel, err)
		}
		if old.LogLevel != next.LogLevel {
			logger.SetLevel(level)
			logger.WithField("log_level", level.String()).Info("Log level changed")
		}
		return nil
	})
	go reloader.Start()
	defer reloader.Stop()

	router := mux.NewRouter()
	api.NewHandler(a.session, logger, m, a.audit).RegisterRoutes(router)

	var handler http.Handler = router
	handler = middleware.TracingMiddleware(cfg.Tracing.RedactSensitive)(handler)
	handler = middleware.RequestIDMiddleware()(handler)
	handler = middleware.RecoveryMiddleware(logger)(handler)
	handler = middleware.LoggingMiddleware(logger, &cfg.Logging)(handler)
	handler = middleware.SecurityHeadersMiddleware()(handler)

	if cfg.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(cfg.RateLimit.Limit, cfg.RateLimit.Window, logger)
		defer limiter.Stop()
		handler = middleware.RateLimitMiddleware(limiter)(handler)
		logger.WithFields(logrus.Fields{
			"limit":  cfg.RateLimit.Limit,
			"window": cfg.RateLimit.Window,
		}).Info("Rate limiting enabled")
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if cfg.TLS.Enabled {
			logger.WithFields(logrus.Fields{
				"addr":      cfg.ListenAddr,
				"cert_file": cfg.TLS.CertFile,
			}).Info("Starting HTTPS server")
			err = server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			logger.WithField("addr", cfg.ListenAddr).Info("Starting HTTP server")
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
		return err
	}
	logger.Info("Server stopped gracefully")
	return nil
}
