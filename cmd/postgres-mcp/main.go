// Command postgres-mcp serves a Postgres database over MCP on stdio. It
// exposes schema introspection as resources, a read-only SQL tool, and a
// handful of prompts. Logs go to stderr; stdout carries only protocol
// frames.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Tibiritabara/postgres-mcp/internal/config"
	"github.com/Tibiritabara/postgres-mcp/internal/logctx"
	"github.com/Tibiritabara/postgres-mcp/mcp"
	"github.com/Tibiritabara/postgres-mcp/mcpservice"
	"github.com/Tibiritabara/postgres-mcp/pgcap"
	"github.com/Tibiritabara/postgres-mcp/stdio"
)

var version = "dev"

const instructions = "This server exposes a Postgres database. Read " +
	"database://{schema} for a schema overview, " +
	"database://{schema}/tables/{table} for column details, and use the " +
	"query_database tool for read-only SELECT queries."

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := slog.New(logctx.Handler{
		Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LoggerLevel()}),
	})
	slog.SetDefault(log)

	pool, err := pgxpool.New(ctx, cfg.ConnString())
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	svc := pgcap.New(pool)
	tools, err := svc.Tools()
	if err != nil {
		return fmt.Errorf("register tools: %w", err)
	}
	resources, err := svc.Resources()
	if err != nil {
		return fmt.Errorf("register resources: %w", err)
	}
	prompts, err := svc.Prompts()
	if err != nil {
		return fmt.Errorf("register prompts: %w", err)
	}

	srv := mcpservice.NewServer(
		mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: cfg.AppName, Version: version}),
		mcpservice.WithInstructions(instructions),
		mcpservice.WithToolsCapability(tools),
		mcpservice.WithResourcesCapability(resources),
		mcpservice.WithPromptsCapability(prompts),
	)

	h := stdio.NewHandler(srv,
		stdio.WithLogger(log),
		stdio.WithDrainTimeout(cfg.DrainTimeout),
	)

	log.Info("starting", slog.String("app", cfg.AppName), slog.String("version", version))
	if err := h.Serve(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	return nil
}
