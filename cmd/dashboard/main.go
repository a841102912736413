package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"marine-detect/cmd"
	"marine-detect/internal/api"
	"marine-detect/internal/config"
	"marine-detect/internal/core"
	"marine-detect/internal/messaging"
	"marine-detect/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// The dashboard runs the API and the worker in one process, connected by an
// in-memory queue.
func main() {
	cmd.LoadEnvFile()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	paths := cfg.Paths()
	if err := paths.CreateProjectStructure(); err != nil {
		log.Fatalf("error creating project structure: %v", err)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	f, err := os.OpenFile(filepath.Join(paths.Logs, "dashboard.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer f.Close()

	log.SetOutput(io.MultiWriter(f, os.Stderr))

	slog.Info("starting dashboard", "root", cfg.Root, "port", cfg.Port)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	pipelineMetrics, err := metrics.NewPipelineMetrics(registry)
	if err != nil {
		log.Fatalf("Failed to register metrics: %v", err)
	}

	db := cmd.CreateDatabase(cfg)
	cmd.FailInterruptedRuns(db)

	queue := messaging.NewInMemoryQueue()
	cmd.RequeueRuns(db, queue)

	worker := core.NewTaskProcessor(db, queue, queue, paths, core.SubprocessCommands(cmd.PipelineBin(cfg), paths.Logs), pipelineMetrics)

	service := api.NewPipelineService(db, queue, paths)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: cmd.CreateRouter(service, registry),
	}

	slog.Info("starting worker")
	go worker.Start()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		slog.Info("shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}

		slog.Info("shutting down worker")
		worker.Stop()
	}()

	slog.Info("server started", "port", cfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %d: %v\n", cfg.Port, err)
	}

	slog.Info("server stopped")
}
