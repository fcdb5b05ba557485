package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"kanban/api/internal/app"
	"kanban/api/internal/auth"
	"kanban/api/internal/broadcast"
	"kanban/api/internal/orderkey"
	"kanban/api/internal/reorder"
)

func serveCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			dataStore, closeStore, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			hub := broadcast.NewHub(broadcast.DefaultBuffer, logger)
			var (
				publisher   broadcast.Publisher = hub
				redisEvents *broadcast.RedisBroadcaster
			)
			if strings.TrimSpace(cfg.RedisURL) != "" {
				logger.Info("broadcasting board events through redis")
				redisBroadcaster, err := broadcast.NewRedisBroadcaster(cfg.RedisURL, cfg.ChannelPrefix, hub, logger)
				if err != nil {
					return err
				}
				defer redisBroadcaster.Close()
				go func() {
					if err := redisBroadcaster.Run(ctx); err != nil {
						logger.WithError(err).Error("event subscriber stopped")
					}
				}()
				publisher = redisBroadcaster
				redisEvents = redisBroadcaster
			} else {
				logger.Info("broadcasting board events in-process only")
			}

			reconciler := reorder.New(dataStore,
				reorder.WithGap(orderkey.Key(cfg.OrderGap)),
				reorder.WithMaxAttempts(cfg.MoveMaxAttempts),
				reorder.WithLogger(logger),
			)
			verifier := auth.NewSecretVerifier([]byte(cfg.JWTSecret))
			if strings.TrimSpace(cfg.AuthJWKSURL) != "" {
				jwks, err := auth.FetchJWKS(cfg.AuthJWKSURL, time.Hour, func(err error) {
					logger.WithError(err).Warn("jwks refresh failed")
				})
				if err != nil {
					return err
				}
				verifier = auth.NewJWKSVerifier(jwks, cfg.AuthAudience, cfg.AuthIssuer)
				logger.WithField("jwks_url", cfg.AuthJWKSURL).Info("verifying tokens against identity provider keys")
			}
			defer verifier.Close()
			service := app.NewWithVerifier(cfg, dataStore, reconciler, publisher, verifier, logger)

			httpServer := app.NewHTTPServer(service, hub, cfg.CORSOrigin, logger)
			if redisEvents != nil {
				httpServer.AddReadinessCheck("redis", redisEvents.Ping)
			}
			server := &http.Server{
				Addr:              cfg.Addr,
				Handler:           httpServer.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       15 * time.Second,
				// Event streams stay open, so there is no write deadline.
				IdleTimeout: 60 * time.Second,
			}
			server.RegisterOnShutdown(hub.Close)

			serveErr := make(chan error, 1)
			go func() {
				logger.WithField("addr", cfg.Addr).Info("kanban API listening")
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()

			select {
			case err := <-serveErr:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.WithError(err).Warn("shutdown error")
			}
			return nil
		},
	}
}
