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

	"github.com/alexjbarnes/gqlconsole/internal/app"
	"github.com/alexjbarnes/gqlconsole/internal/auth"
	"github.com/alexjbarnes/gqlconsole/internal/config"
	"github.com/alexjbarnes/gqlconsole/internal/logging"
	"github.com/alexjbarnes/gqlconsole/internal/mcpserver"
	"github.com/alexjbarnes/gqlconsole/internal/metrics"
	"github.com/alexjbarnes/gqlconsole/internal/tokencache"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	a, err := app.Open(ctx, cfg, logger, app.Hooks{
		Observers:     []tokencache.Observer{m},
		AuthRecorder:  m,
		QueryRecorder: m,
	})
	if err != nil {
		return err
	}
	defer a.Close()

	go func() {
		if err := a.Environments.Watch(ctx, cfg.EnvironmentsFile, logger); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("environments watch stopped", slog.String("error", err.Error()))
		}
	}()

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "gqlconsole-mcp", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, a.Console)

	if cfg.MCPListenAddr == "" {
		logger.Info("serving MCP over stdio", slog.Int("environments", len(a.Console.Environments())))
		return mcpServer.Run(ctx, &mcp.StdioTransport{})
	}

	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := http.NewServeMux()
	mux.Handle("/mcp", auth.Middleware(cfg.ProxyAPIKey, logger)(mcpHandler))
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              cfg.MCPListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown", slog.String("error", err.Error()))
		}
	}()

	logger.Info("starting MCP server",
		slog.String("listen", cfg.MCPListenAddr),
		slog.Bool("api_key", cfg.ProxyAPIKey != ""),
	)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}
