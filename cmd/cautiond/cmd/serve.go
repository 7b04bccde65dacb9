package cmd

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

	"github.com/spf13/cobra"

	"github.com/MeKo-Tech/cautiond/internal/events"
	"github.com/MeKo-Tech/cautiond/internal/finalize"
	"github.com/MeKo-Tech/cautiond/internal/ocrworker"
	"github.com/MeKo-Tech/cautiond/internal/orchestrator"
	"github.com/MeKo-Tech/cautiond/internal/postprocess"
	"github.com/MeKo-Tech/cautiond/internal/preprocess"
	"github.com/MeKo-Tech/cautiond/internal/server"
	"github.com/MeKo-Tech/cautiond/internal/store"
)

// serveCmd represents the serve command.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the caution card processing service",
	Long: `Start the HTTP service that accepts caution card scans, runs them through
the OCR pipeline, and manages the review workflow.

Endpoints:
  POST   /caution-cards/process       - Accept a card scan for processing
  POST   /caution-cards/process-batch - Accept several scans at once
  GET    /caution-cards               - List cards
  GET    /caution-cards/{id}          - Card details
  PUT    /caution-cards/{id}/finalize - Commit a review decision
  GET    /orphaned-cards              - List orphan snapshots
  PUT    /orphaned-cards/{id}/link    - Link an orphan to a patient
  GET    /ws                          - WebSocket event stream
  GET    /health, GET /metrics        - Operational endpoints

Examples:
  cautiond serve
  cautiond serve --port 8080 --db cautiond.db
  cautiond serve --worker-command python3 --worker-args ocr_worker.py`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()

	host := cfg.Server.Host
	if cmd.Flags().Changed("host") {
		host, _ = cmd.Flags().GetString("host")
	}

	port := cfg.Server.Port
	if cmd.Flags().Changed("port") {
		port, _ = cmd.Flags().GetInt("port")
	}

	corsOrigin := cfg.Server.CORSOrigin
	if cmd.Flags().Changed("cors-origin") {
		corsOrigin, _ = cmd.Flags().GetString("cors-origin")
	}

	maxUploadMB := cfg.Server.MaxUploadMB
	if cmd.Flags().Changed("max-upload-size") {
		maxUploadMB, _ = cmd.Flags().GetInt("max-upload-size")
	}

	timeout := cfg.Server.TimeoutSec
	if cmd.Flags().Changed("timeout") {
		timeout, _ = cmd.Flags().GetInt("timeout")
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if cmd.Flags().Changed("shutdown-timeout") {
		shutdownTimeout, _ = cmd.Flags().GetInt("shutdown-timeout")
	}

	uploadDir := cfg.Server.UploadDir
	if cmd.Flags().Changed("upload-dir") {
		uploadDir, _ = cmd.Flags().GetString("upload-dir")
	}

	dbPath := cfg.Storage.Path
	if cmd.Flags().Changed("db") {
		dbPath, _ = cmd.Flags().GetString("db")
	}

	workerCfg := cfg.WorkerChannelConfig()
	if cmd.Flags().Changed("worker-command") {
		workerCfg.Command, _ = cmd.Flags().GetString("worker-command")
	}
	if cmd.Flags().Changed("worker-args") {
		workerCfg.Args, _ = cmd.Flags().GetStringSlice("worker-args")
	}

	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port number: %d (must be between 1 and 65535)", port)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence
	st, err := store.NewSQLite(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = st.Close() }()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// OCR worker process
	channel := ocrworker.NewChannel(workerCfg)
	if err := channel.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to start OCR worker: %w", err)
	}

	// Pipeline components
	hub := events.NewHub()
	pre := preprocess.New(cfg.PreprocessorConfig())
	post := postprocess.New(cfg.PostprocessorConfig())
	orch := orchestrator.New(st, pre, channel, post, hub, cfg.OrchestratorConfig())
	fin := finalize.New(st, hub)

	serverConfig := server.Config{
		Host:        host,
		Port:        port,
		CORSOrigin:  corsOrigin,
		MaxUploadMB: int64(maxUploadMB),
		TimeoutSec:  timeout,
		UploadDir:   uploadDir,
	}
	srv := server.NewServer(serverConfig, orch, fin, channel, hub)

	mux := http.NewServeMux()
	srv.SetupRoutes(mux)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Duration(timeout) * time.Second,
		WriteTimeout:      time.Duration(timeout) * time.Second,
	}

	go func() {
		slog.Info("Starting caution card service", "host", host, "port", port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server error", "error", err)
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(shutdownTimeout)*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}

	// Let in-flight card pipelines finish before stopping the worker.
	orch.Wait()
	if err := channel.Shutdown(shutdownCtx); err != nil {
		slog.Error("OCR worker shutdown failed", "error", err)
	}
	hub.Close()

	slog.Info("Server stopped")
	return nil
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "localhost", "host to bind the server to")
	serveCmd.Flags().IntP("port", "p", 8080, "port to bind the server to")
	serveCmd.Flags().String("cors-origin", "*", "allowed CORS origin")
	serveCmd.Flags().Int("max-upload-size", 50, "maximum upload size in MB")
	serveCmd.Flags().Int("timeout", 120, "request timeout in seconds")
	serveCmd.Flags().Int("shutdown-timeout", 30, "graceful shutdown timeout in seconds")
	serveCmd.Flags().String("upload-dir", "uploads", "directory for stored card scans")
	serveCmd.Flags().String("db", "cautiond.db", "SQLite database file")
	serveCmd.Flags().String("worker-command", "", "OCR worker executable")
	serveCmd.Flags().StringSlice("worker-args", nil, "OCR worker arguments")
}
