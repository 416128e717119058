package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/orrn/printbot/internal/api"
	"github.com/orrn/printbot/internal/api/handlers"
	"github.com/orrn/printbot/internal/api/middleware"
	"github.com/orrn/printbot/internal/config"
	"github.com/orrn/printbot/internal/core"
	"github.com/orrn/printbot/internal/dispatch"
	"github.com/orrn/printbot/internal/webhook"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP intake and the print worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck
			return serve(cmd.Context(), cfg, log)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	runner := dispatch.ExecRunner{}
	registry, err := dispatch.NewHostRegistry(dispatch.Config{
		SpoolDir:      cfg.Storage.SpoolDir,
		PDFPageRanges: cfg.Dispatch.PDFPageRanges,
		Page: dispatch.PageSpec{
			DPI:      cfg.Dispatch.Page.DPI,
			WidthMM:  cfg.Dispatch.Page.WidthMM,
			HeightMM: cfg.Dispatch.Page.HeightMM,
			MarginMM: cfg.Dispatch.Page.MarginMM,
		},
		MaxPixels: cfg.Dispatch.MaxImagePixels,
		Runner:    runner,
		Logger:    log.Named("dispatch"),
	})
	if err != nil {
		return err
	}

	monitor := dispatch.NewPrinterMonitor(runner, runtime.GOOS, 0, log.Named("printers"))
	monitor.Start(ctx)
	defer monitor.Stop()

	printer := cfg.Printer.Name
	if printer == "" {
		names, _ := monitor.Printers()
		printer = dispatch.VirtualPrinter
		if len(names) > 0 {
			printer = names[0]
		}
		log.Info("no printer configured, using detected printer", zap.String("printer", printer))
	}

	sender := webhook.NewSender(webhookConfig(cfg.Webhooks), log.Named("webhook"))
	hub := handlers.NewEventHub(log.Named("events"))
	defer hub.Close()
	events := core.Sinks{sender, hub}

	intake, err := newIntake(cfg, store, events, log)
	if err != nil {
		return err
	}

	worker := core.NewWorker(store, registry, core.WorkerConfig{
		Printer:         printer,
		PollInterval:    cfg.Queue.PollInterval,
		DispatchTimeout: cfg.Queue.DispatchTimeout,
		Events:          events,
		Logger:          log.Named("worker"),
	})

	auth, err := middleware.NewAuth(cfg.Server.APIKeyHash, cfg.Server.JWTSecret)
	if err != nil {
		return fmt.Errorf("failed to init auth: %w", err)
	}
	if !auth.Enabled() {
		log.Warn("api authentication disabled, set server.api_key_hash to enable it")
	}

	gin.SetMode(gin.ReleaseMode)
	router := api.NewRouter(api.RouterConfig{
		Auth:     auth,
		Jobs:     handlers.NewJobHandler(intake, store, cfg.Server.MaxUploadBytes),
		Printers: handlers.NewPrinterHandler(monitor, printer),
		Events:   hub,
		Webhooks: handlers.NewWebhookHandler(sender),
		Logger:   log.Named("http"),
	})
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sender.Run(gctx) })
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", srv.Addr), zap.String("printer", printer))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		hub.Close()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info("printbot stopped")
	return err
}

func webhookConfig(c config.WebhooksConfig) webhook.Config {
	endpoints := make([]webhook.Endpoint, 0, len(c.Endpoints))
	for _, ep := range c.Endpoints {
		endpoints = append(endpoints, webhook.Endpoint{URL: ep.URL, Secret: ep.Secret, Events: ep.Events})
	}
	return webhook.Config{
		Endpoints:   endpoints,
		RetryCount:  c.RetryCount,
		RetryDelay:  c.RetryDelay,
		Timeout:     c.Timeout,
		WorkerCount: c.Workers,
		QueueSize:   c.QueueSize,
	}
}
