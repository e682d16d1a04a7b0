// Command creditforge runs the usage-to-credits accounting service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	cfhttp "github.com/Strob0t/CreditForge/internal/adapter/http"
	cfotel "github.com/Strob0t/CreditForge/internal/adapter/otel"
	"github.com/Strob0t/CreditForge/internal/config"
	"github.com/Strob0t/CreditForge/internal/logger"
	"github.com/Strob0t/CreditForge/internal/port/messagequeue"
	"github.com/Strob0t/CreditForge/internal/service"
)

const (
	version         = "0.1.0"
	shutdownTimeout = 15 * time.Second
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags, err := config.ParseFlags(args)
	if err != nil {
		return err
	}
	cfg, path, err := config.LoadWithCLI(flags)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	defer logCloser.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"path", path,
		"port", cfg.Server.Port,
		"workers", cfg.Accounting.Workers,
		"interval", cfg.Accounting.Interval,
		"ledger", cfg.Accounting.LedgerDriver,
	)

	holder := config.NewHolder(cfg, path, flags)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := cfotel.Setup(ctx, cfg.OTel)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()

	a, err := newApp(ctx, cfg, holder)
	if err != nil {
		return err
	}
	defer a.Close()

	holder.OnReload(func(_, updated *config.Config) {
		a.fetcher.SetResources(service.ResourceKinds(&updated.Accounting))
	})

	if a.queue != nil {
		cancelReload, err := a.queue.Subscribe(ctx, cfg.NATS.ReloadSubject, reloadHandler(holder))
		if err != nil {
			return fmt.Errorf("reload subscription: %w", err)
		}
		defer cancelReload()
	}

	handlers := &cfhttp.Handlers{
		Store:     a.store,
		Scheduler: a.scheduler,
		Config:    holder,
		Reloader:  holder,
		Version:   version,
	}
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           cfhttp.NewRouter(handlers, cfotel.HTTPMiddleware(cfg.OTel.ServiceName), chimw.RealIP),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.scheduler.Start(gctx)
	})
	g.Go(func() error {
		if err := config.Watch(gctx, holder); err != nil {
			slog.Warn("config file watching disabled", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		slog.Info("status api listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("stopped")
	return nil
}

// reloadHandler reloads the configuration on a credits.config.reload message.
func reloadHandler(h *config.Holder) messagequeue.Handler {
	return func(ctx context.Context, _ string, data []byte) error {
		var p messagequeue.ConfigReloadPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		if _, err := h.Reload(); err != nil {
			// Redelivery does not fix an invalid file.
			slog.ErrorContext(ctx, "config reload rejected", "requested_by", p.RequestedBy, "error", err)
			return nil
		}
		slog.InfoContext(ctx, "config reloaded", "requested_by", p.RequestedBy)
		return nil
	}
}
