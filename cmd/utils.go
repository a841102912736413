package cmd

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"marine-detect/internal/api"
	"marine-detect/internal/config"
	"marine-detect/internal/database"
	"marine-detect/internal/messaging"
	"marine-detect/internal/storage"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const pipelineBinName = "marine-pipeline"

func LoadEnvFile() {
	var configPath string

	flag.StringVar(&configPath, "env", "", "path to load env from")
	flag.Parse()

	if configPath == "" {
		log.Printf("no env file specified, using os.Environ only")
		return
	}

	log.Printf("loading env from file %s", configPath)
	err := godotenv.Load(configPath)
	if err != nil {
		log.Fatalf("error loading .env file '%s': %v", configPath, err)
	}
}

// DatabaseURL defaults to a sqlite file under the output directory.
func DatabaseURL(cfg *config.Config) string {
	if cfg.DatabaseURL != "" {
		return cfg.DatabaseURL
	}
	return filepath.Join(cfg.Paths().Output, "db", "marine.db")
}

func CreateDatabase(cfg *config.Config) *gorm.DB {
	db, err := database.Open(DatabaseURL(cfg))
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	return db
}

// FailInterruptedRuns is only safe when this process is the single worker of
// the database.
func FailInterruptedRuns(db *gorm.DB) {
	n, err := database.FailInterruptedRuns(context.Background(), db)
	if err != nil {
		log.Fatalf("Failed to clean up interrupted runs: %v", err)
	}
	if n > 0 {
		slog.Warn("runs interrupted by a previous shutdown were marked as failed", "count", n)
	}
}

func CreateStorage(cfg *config.Config) (storage.Provider, error) {
	if cfg.LocalStorageDir != "" {
		return storage.NewLocalProvider(cfg.LocalStorageDir)
	}
	return storage.NewS3Provider(storage.S3ProviderConfig{
		S3EndpointURL:     cfg.S3EndpointURL,
		S3AccessKeyID:     cfg.S3AccessKeyID,
		S3SecretAccessKey: cfg.S3SecretAccessKey,
		S3Region:          cfg.S3Region,
	})
}

// PipelineBin locates the binary whose "step" subcommand executes the steps:
// PIPELINE_BIN, then marine-pipeline next to the current executable, then
// marine-pipeline on the PATH.
func PipelineBin(cfg *config.Config) string {
	if cfg.PipelineBin != "" {
		return cfg.PipelineBin
	}

	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), pipelineBinName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}

	if path, err := exec.LookPath(pipelineBinName); err == nil {
		return path
	}

	slog.Warn("pipeline binary not found, steps will fail until PIPELINE_BIN is set", "name", pipelineBinName)
	return pipelineBinName
}

// RequeueRuns publishes a task for every run still queued in the database,
// so that runs accepted before a restart are not lost.
func RequeueRuns(db *gorm.DB, publisher messaging.Publisher) {
	var runs []database.PipelineRun
	if err := db.Select("id").Where("status = ?", database.RunQueued).Order("creation_time").Find(&runs).Error; err != nil {
		log.Fatalf("Failed to fetch queued runs from database: %v", err)
	}

	for _, run := range runs {
		if err := publisher.PublishPipelineTask(context.Background(), messaging.PipelineTaskPayload{RunId: run.Id}); err != nil {
			log.Fatalf("Failed to publish pipeline task: %v", err)
		}
	}

	if len(runs) > 0 {
		slog.Info("requeued pipeline runs", "count", len(runs))
	}
}

func CreateRouter(service *api.PipelineService, gatherer prometheus.Gatherer) chi.Router {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", api.MetricsHandler(gatherer))

	r.Route("/api/v1", func(r chi.Router) {
		service.AddRoutes(r)
	})

	return r
}
