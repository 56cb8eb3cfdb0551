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

	"github.com/mpro775/kleem/internal/db"
	"github.com/mpro775/kleem/internal/handlers"
	"github.com/mpro775/kleem/internal/realtime"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hub and REST API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		if err := os.MkdirAll(cfg.StorageDir, 0755); err != nil {
			return fmt.Errorf("unable to create storage dir: %w", err)
		}

		database, err := db.Open(cfg.DatabaseFile())
		if err != nil {
			return err
		}
		defer database.Close()

		tokens, err := cfg.MerchantTokens()
		if err != nil {
			return err
		}
		switch {
		case cfg.InsecureAdmin:
			slog.Warn("insecure admin mode, agent and admin connections are accepted for any merchant")
		case len(tokens) == 0:
			slog.Warn("ADMIN_TOKENS is empty, agent and admin connections are refused")
		}

		hub := realtime.NewHub(database, realtime.Config{
			RatePerSecond: cfg.RateLimitPerSecond,
			Burst:         cfg.RateLimitBurst,
			Logger:        slog.Default(),
		})
		h := handlers.New(database, hub, realtime.NewVerifier(tokens, cfg.InsecureAdmin), cfg.StorageDir)

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handlers.NewRouter(h, cfg.AllowedOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			hub.Run(ctx)
			return nil
		})
		g.Go(func() error {
			slog.Info("server starting", "port", cfg.Port, "database", cfg.DatabaseFile(), "storage_dir", cfg.StorageDir)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			slog.Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().Int("port", 8000, "port to listen on (overrides PORT)")
	serveCmd.Flags().String("data-dir", "", "directory for the database (overrides DATA_DIR)")
	serveCmd.Flags().Bool("insecure-admin", false, "accept agent and admin connections for any merchant without a token (overrides INSECURE_ADMIN)")
}
