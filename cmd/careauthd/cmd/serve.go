package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrEthical07/careAuth/httpapi"
	"github.com/MrEthical07/careAuth/metrics/export/prometheus"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

var trustProxy bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the authentication API server",
	Long:  `Connects to the credential store, redis and the notice broker, then serves the HTTP API until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer rt.Close()

		logger.Info("dependencies connected",
			"database", cfg.Database.Driver,
			"redis", cfg.Redis.Addr,
			"mqtt", cfg.MQTT.Enabled,
		)

		opts := httpapi.RouterOptions{
			Engine:         rt.engine,
			Logger:         logger,
			MetricsHandler: prometheus.NewExporter(rt.engine).Handler(),
			TrustProxy:     trustProxy,
		}
		if len(cfg.Server.CORSOrigins) > 0 {
			cors := httpapi.DefaultCORSOptions()
			cors.AllowedOrigins = cfg.Server.CORSOrigins
			opts.CORSOptions = &cors
		}

		srv := &http.Server{
			Addr:         cfg.Server.Addr,
			Handler:      httpapi.NewRouter(opts),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		}

		serverErrors := make(chan error, 1)
		go func() {
			logger.Info("starting server", "addr", cfg.Server.Addr, "version", version)
			serverErrors <- srv.ListenAndServe()
		}()

		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(shutdown)

		select {
		case err := <-serverErrors:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("server error: %w", err)
		case sig := <-shutdown:
			logger.Info("shutting down gracefully", "signal", sig.String())

			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				_ = srv.Close()
				return fmt.Errorf("graceful shutdown failed: %w", err)
			}
			logger.Info("server stopped", "audit_dropped", rt.engine.AuditDropped())
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().BoolVar(&trustProxy, "trust-proxy", false, "Take the client address from X-Forwarded-For (only behind a proxy that sets it)")
	rootCmd.AddCommand(serveCmd)
}
