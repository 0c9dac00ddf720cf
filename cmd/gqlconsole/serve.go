package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/gqlconsole/internal/environments"
	"github.com/alexjbarnes/gqlconsole/internal/events"
	"github.com/alexjbarnes/gqlconsole/internal/metrics"
	"github.com/alexjbarnes/gqlconsole/internal/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the token exchange and GraphQL proxy routes",
	Long: `Serve /api/oauth/token, /api/graphql/proxy, /api/cache/events,
/metrics and /healthz. The environments file is reloaded when it changes.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("listen", "", "listen address (overrides LISTEN_ADDR)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	listen, _ := cmd.Flags().GetString("listen")
	if listen == "" {
		listen = cfg.ListenAddr
	}

	if err := cfg.CheckListenAddr(listen); err != nil {
		return err
	}

	reg, err := environments.Open(cfg.EnvironmentsFile)
	if err != nil {
		return fmt.Errorf("loading environments: %w", err)
	}

	m := metrics.New()
	hub := events.NewHub(logger)

	mux := server.NewMux(server.MuxConfig{
		Environments: reg,
		HTTPClient:   &http.Client{Timeout: cfg.HTTPTimeout},
		APIKey:       cfg.ProxyAPIKey,
		Events:       hub,
		Metrics:      m,
		Logger:       logger,
	})

	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := reg.Watch(gctx, cfg.EnvironmentsFile, logger)
		if errors.Is(err, context.Canceled) {
			return nil
		}

		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		logger.Info("starting proxy",
			slog.String("version", Version),
			slog.String("listen", listen),
			slog.Int("environments", len(reg.Keys())),
			slog.Bool("api_key", cfg.ProxyAPIKey != ""),
		)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	return g.Wait()
}
