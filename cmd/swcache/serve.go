package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"swcache/internal/logger"
	"swcache/internal/swcache"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the caching front",
	Long: `Install the configured cache version and serve the application through it.

Send SIGHUP to reload the config; a changed worker.cacheName installs and
activates a new version without a restart. Changes to storage,
server.controlPrefix, worker.script and worker.scope need a restart.

If the origin is down at startup, the version that was active before the
restart keeps serving from the persistent store.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	defer logger.Sync()
	log := logger.Named("serve")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := swcache.NewService(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.RegisterOnShutdown(svc.StopStreams)

	go func() {
		log.Info("listening",
			zap.String("addr", addr),
			zap.String("origin", cfg.Server.Origin),
			zap.String("cache", cfg.Worker.CacheName),
		)
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", zap.Error(err))
			stop()
		}
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			log.Info("stopped")
			return nil
		case <-hup:
			next, err := loadConfig()
			if err != nil {
				log.Error("reload config", zap.Error(err))
				continue
			}
			if err := svc.Reload(ctx, next); err != nil {
				log.Error("reload", zap.Error(err))
				continue
			}
			log.Info("config reloaded", zap.String("cache", next.Worker.CacheName))
		}
	}
}
