package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"annotask/internal/config"
	"annotask/internal/engine"
	"annotask/internal/events"
	"annotask/internal/ratelimit"
	"annotask/internal/repo"
	"annotask/internal/server"
	"annotask/internal/storage"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var reconcileEvery time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the contributor HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if basePath != "" {
				cfg.Server.BasePath = basePath
			}
			if viper.GetBool("allow-dev-header") {
				cfg.Auth.AllowDevHeader = true
			}
			logger := slog.Default()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			r, closeStore, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			if cfg.Tasks.MockMode && cfg.Tasks.MockBacklog > 0 {
				if err := repo.SeedMock(ctx, r, cfg.Tasks.MockBacklog, time.Now()); err != nil {
					return err
				}
				logger.Info("mock backlog seeded", "per_type", cfg.Tasks.MockBacklog)
			}

			e := engine.New(r, cfg)
			e.Logger = logger
			objects, err := openObjectStore(ctx, cfg)
			if err != nil {
				return err
			}
			e.Annotations.Store = objects

			publishers, closePublishers, err := openPublishers(cfg)
			if err != nil {
				return err
			}
			defer closePublishers()
			relay := &events.Relay{Store: r, Publishers: publishers, Interval: cfg.Events.RelayInterval, Logger: logger}
			relay.Start(ctx)
			go relay.Run(ctx)

			if reconcileEvery > 0 {
				go runReconciler(ctx, e, reconcileEvery)
			}

			sinks := make([]string, 0, len(publishers))
			for _, p := range publishers {
				sinks = append(sinks, p.Name())
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: cfg.Server.BasePath,
				Auth: server.AuthConfig{
					JWTSecret:      cfg.Auth.JWTSecret,
					AllowDevHeader: cfg.Auth.AllowDevHeader,
					DevHeader:      cfg.Auth.DevHeader,
					AllowAnonymous: cfg.Auth.AllowAnonymous,
					Logger:         logger,
				},
				Limiter:        ratelimit.New(),
				Logger:         logger,
				CORSOrigins:    cfg.Server.CORSOrigins,
				RequestTimeout: cfg.Server.RequestTimeout,
				EventSinks:     sinks,
			})
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" && !cfg.Auth.AllowDevHeader && !cfg.Auth.AllowAnonymous {
				logger.Warn("no jwt secret configured; only API keys will authenticate")
			}

			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logger.Warn("http shutdown", "error", err)
				}
			}()
			logger.Info("serving annotask api",
				"addr", cfg.Server.Addr,
				"base_path", cfg.Server.BasePath,
				"store", r.Driver(),
				"mock_mode", cfg.Tasks.MockMode,
				"event_sinks", sinks)
			fmt.Printf("Serving Annotask API on http://%s%s (OpenAPI at %s/openapi.json, docs at %s/docs)\n",
				cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides server.base_path)")
	cmd.Flags().Bool("allow-dev-header", false, "trust the dev contributor header (local use only)")
	cmd.Flags().DurationVar(&reconcileEvery, "reconcile-every", 0, "sweep lapsed leases on this interval (0 disables)")
	_ = viper.BindPFlag("allow-dev-header", cmd.Flags().Lookup("allow-dev-header"))
	return cmd
}

func openObjectStore(ctx context.Context, cfg *config.Config) (storage.ObjectStore, error) {
	switch cfg.Storage.Kind {
	case "local":
		store, err := storage.NewLocalObjectStore(resolvePath(cfg.Store.Workspace, cfg.Storage.Dir))
		if err != nil {
			return nil, err
		}
		return store, nil
	case "s3":
		store, err := storage.NewS3ObjectStore(ctx, storage.S3ClientConfig{
			Bucket:          cfg.Storage.Bucket,
			Endpoint:        cfg.Storage.S3.Endpoint,
			Region:          cfg.Storage.S3.Region,
			AccessKeyID:     cfg.Storage.S3.AccessKeyID,
			SecretAccessKey: cfg.Storage.S3.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, nil
	}
}

func openPublishers(cfg *config.Config) ([]events.Publisher, func(), error) {
	publishers := server.WebhookPublishers(cfg.Events.Webhooks)
	closeFn := func() {}
	if cfg.Events.AMQPURL != "" {
		p, err := events.NewAMQPPublisher(cfg.Events.AMQPURL, cfg.Events.Queue)
		if err != nil {
			return nil, nil, fmt.Errorf("amqp publisher: %w", err)
		}
		publishers = append(publishers, p)
		closeFn = p.Close
	}
	return publishers, closeFn, nil
}

func runReconciler(ctx context.Context, e engine.Engine, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Reconcile(ctx, 500); err != nil {
				e.Logger.Warn("reconcile failed", "error", err)
			}
		}
	}
}
