package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/garakd/internal/api"
	"github.com/CZERTAINLY/garakd/internal/catalog"
	"github.com/CZERTAINLY/garakd/internal/garak"
	"github.com/CZERTAINLY/garakd/internal/history"
	"github.com/CZERTAINLY/garakd/internal/log"
	"github.com/CZERTAINLY/garakd/internal/metrics"
	"github.com/CZERTAINLY/garakd/internal/model"
	"github.com/CZERTAINLY/garakd/internal/service"
)

const (
	gracefulShutdownTimeout = 5 * time.Second
	readHeaderTimeout       = 10 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve runs the scan server with the websocket and HTTP API",
	RunE:  doServe,
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("garakd",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	store, dir, err := history.Open(ctx, config.History)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.ErrorContext(ctx, "closing history store", "error", err)
		}
		_ = dir.Close()
	}()

	scanner, err := garak.CommandFromConfig(config.Scanner)
	if err != nil {
		return err
	}
	adapter := garak.NewAdapter(scanner)

	// model names can be checked against ollama only when garak talks to it
	checkModels := config.Scanner.GeneratorType() == model.DefaultModelType
	cat, err := catalog.New(config.Ollama.BaseURL(), adapter, checkModels)
	if err != nil {
		return err
	}

	m := metrics.New()
	supervisor, err := service.NewSupervisor(ctx, config, service.Deps{
		Launcher:  service.NewLauncher(adapter),
		Store:     store,
		Dir:       dir,
		Validator: cat,
		Metrics:   m,
	})
	if err != nil {
		return err
	}
	n, err := supervisor.Recover(ctx)
	if err != nil {
		slog.WarnContext(ctx, "recovering interrupted scans", "error", err)
	}
	if n > 0 {
		slog.InfoContext(ctx, "interrupted scans marked failed", "count", n)
	}
	supervisor.Start(ctx)

	srv := &http.Server{
		Addr: config.Server.ListenAddr(),
		Handler: api.New(api.Deps{
			Scans:   supervisor,
			Store:   store,
			Dir:     dir,
			Catalog: cat,
			Metrics: m,
			Origins: config.Server.Origins(),
		}).Routes(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext: func(_ net.Listener) context.Context {
			// scan channels outlive the signal until their job is failed
			return context.WithoutCancel(ctx)
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.InfoContext(ctx, "listening", "addr", srv.Addr, "data", dir.Path(), "history", config.History.BackendName())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving %s: %w", srv.Addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.InfoContext(ctx, "shutdown signal received", "cause", context.Cause(gctx))

		// failing running scans first lets open channels deliver their last event
		err := supervisor.Close()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), gracefulShutdownTimeout)
		defer cancel()
		srv.SetKeepAlivesEnabled(false)
		return errors.Join(err, srv.Shutdown(shutdownCtx))
	})
	return g.Wait()
}
