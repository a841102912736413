package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
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

func main() {
	log.Println("Starting Worker Process...")

	cmd.LoadEnvFile()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.RabbitMQURL == "" {
		log.Fatalf("RABBITMQ_URL must be set")
	}

	paths := cfg.Paths()
	if err := paths.CreateProjectStructure(); err != nil {
		log.Fatalf("error creating project structure: %v", err)
	}

	db := cmd.CreateDatabase(cfg)

	reciever, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	pipelineMetrics, err := metrics.NewPipelineMetrics(registry)
	if err != nil {
		log.Fatalf("Failed to register metrics: %v", err)
	}

	worker := core.NewTaskProcessor(db, nil, reciever, paths, core.SubprocessCommands(cmd.PipelineBin(cfg), paths.Logs), pipelineMetrics)

	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: api.MetricsHandler(registry),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server stopped", "error", err)
		}
	}()

	log.Println("Worker started. Waiting for tasks. Press Ctrl+C to exit.")
	go worker.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutdown signal received, stopping worker...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(ctx); err != nil {
		slog.Error("error shutting down metrics server", "error", err)
	}

	worker.Stop()

	log.Println("Worker process stopped.")
}
