package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.io/infrasutra/mailcatch/internal/api"
	"github.io/infrasutra/mailcatch/internal/capture"
	"github.io/infrasutra/mailcatch/internal/config"
	"github.io/infrasutra/mailcatch/internal/intake"
	"github.io/infrasutra/mailcatch/internal/journal"
	"github.io/infrasutra/mailcatch/internal/sse"
	"github.io/infrasutra/mailcatch/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := setupLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	files, err := store.OpenDir(cfg.StorageDir, cfg.MaxStoredMessages, logger)
	if err != nil {
		logger.Error("open storage", "dir", cfg.StorageDir, "error", err)
		os.Exit(1)
	}
	logger.Info("storage ready", "dir", files.Root(), "max_messages", files.Limit())

	events, err := journal.Open(ctx, cfg.JournalPath)
	if err != nil {
		logger.Error("open journal", "path", cfg.JournalPath, "error", err)
		os.Exit(1)
	}
	defer events.Close()

	hub := sse.NewHub()
	notifier := intake.NotifierFunc(func(summary store.Summary) {
		logger.Info("new message", "subject", summary.Subject, "from", summary.From)
		if err := hub.Publish(sse.EventMessage, summary); err != nil {
			logger.Warn("publish new message", "error", err)
		}
	})

	service, err := capture.New(cfg, capture.Deps{
		Files:    files,
		Journal:  events,
		Notifier: notifier,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("init capture service", "error", err)
		os.Exit(1)
	}

	if cfg.SMTPUsername != "" {
		logger.Info("smtp auth required", "username", cfg.SMTPUsername, "allow_external", cfg.AllowExternal)
	}
	if cfg.RunOnStartup {
		if err := service.Start(ctx); err != nil {
			logger.Error("start smtp server", "error", err)
		} else {
			logger.Info("smtp server running", "addr", cfg.SMTPAddr())
		}
	}

	apiServer := api.NewServer(service, hub, logger)
	defer apiServer.Close()

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           apiServer,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown http", "error", err)
	}
	if err := service.Stop(); err != nil {
		logger.Error("shutdown smtp", "error", err)
	}
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
