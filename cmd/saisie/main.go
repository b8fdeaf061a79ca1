package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hazyhaar/saisie/connector"
	"github.com/hazyhaar/saisie/journal"
)

func main() {
	// Config file first, environment overrides on top.
	cfg := connector.DefaultConfig()
	if path := env("CONFIG", ""); path != "" {
		loaded, err := connector.LoadConfig(path)
		if err != nil {
			slog.Error("load config", "path", path, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if port := env("PORT", ""); port != "" {
		cfg.Listen = "127.0.0.1:" + port
	}
	if dir := env("DATA_DIR", ""); dir != "" {
		cfg.StorageDir = dir
	}
	if path := env("JOURNAL_DB", ""); path != "" {
		cfg.JournalPath = path
	}

	// Logging.
	var lvl slog.Level
	switch env("LOG_LEVEL", "info") {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Dispatch journal.
	jrnl, err := journal.Open(cfg.JournalPath)
	if err != nil {
		slog.Error("journal", "error", err)
		os.Exit(1)
	}
	defer jrnl.Close()

	// Downstream consumer. The embedding application replaces this with its
	// citation-mapping pipeline; standalone, the journal is the record.
	consumer := connector.ConsumerFuncs{
		OnComplete: func(item map[string]any, paths []string, sessionID string) {
			title, _ := item["title"].(string)
			slog.Info("capture complete", "session_id", sessionID, "title", title, "attachments", len(paths))
		},
		OnAdditional: func(itemID string, newPaths []string, sessionID string) {
			slog.Info("additional attachments", "session_id", sessionID, "item_id", itemID, "count", len(newPaths))
		},
	}

	svc, err := connector.New(cfg, logger, connector.WithConsumer(consumer), connector.WithJournal(jrnl))
	if err != nil {
		slog.Error("connector service", "error", err)
		os.Exit(1)
	}
	defer svc.Close()
	svc.Start(ctx)

	// Router.
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]any{"status": "ok", "stats": svc.Stats()})
	})
	svc.RegisterHTTP(r)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.Listen, "storage_dir", cfg.StorageDir)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
