package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/galaxy/internal/app"
	"github.com/rendis/galaxy/internal/httpapi"
	"github.com/rendis/galaxy/internal/logging"
	"github.com/rendis/galaxy/internal/scheduler"
	galaxymcp "github.com/rendis/galaxy/pkg/mcp"
)

const shutdownTimeout = 30 * time.Second

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	withMCP := fs.Bool("mcp", false, "also serve MCP over stdio")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// stdout belongs to the MCP transport; logs always go to stderr.
	logger := logging.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	opts, err := cfg.appOptions(logger)
	if err != nil {
		return err
	}
	if opts.DBPath != "" && !strings.Contains(opts.DBPath, ":") {
		if err := os.MkdirAll(filepath.Dir(opts.DBPath), 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, opts)
	if err != nil {
		return err
	}

	sched := scheduler.NewScheduler(a.Service, logger)
	for _, e := range cfg.Schedules {
		if err := sched.Add(e); err != nil {
			return errors.Join(err, closeApp(a))
		}
	}

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpapi.NewServer(httpapi.Deps{Service: a.Service, Pool: a.Pool, Logger: logger}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.ListenAddr, "config", cfg.String())
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		if err := sched.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		return sched.Stop()
	})

	if *withMCP {
		mcpSrv := galaxymcp.NewGalaxyServer(galaxymcp.GalaxyServerDeps{
			Service:   a.Service,
			Schedules: sched,
			Logger:    logger,
		})
		notifier := galaxymcp.NewRunNotifier(a.Service, mcpSrv.MCPServer(), logger)
		g.Go(func() error { return notifier.Run(gctx) })
		g.Go(func() error {
			err := mcpSrv.Serve(gctx)
			// A closed stdin ends the session, not the server.
			if err != nil && gctx.Err() == nil {
				logger.Warn("MCP stdio session ended", "error", err)
			}
			return nil
		})
	}

	err = g.Wait()
	logger.Info("shutting down")
	return errors.Join(err, closeApp(a))
}

func closeApp(a *app.App) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return a.Close(ctx)
}
