package config

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Root string `env:"ROOT" envDefault:"."`

	PythonExecutable string `env:"PYTHON_EXECUTABLE" envDefault:"python3"`
	PipelineBin      string `env:"PIPELINE_BIN" envDefault:""`
	DashboardBin     string `env:"DASHBOARD_BIN" envDefault:"marine-dashboard"`

	TrainingParamsFile string `env:"TRAINING_PARAMS_FILE" envDefault:""`
	DatasetSourcesFile string `env:"DATASET_SOURCES_FILE" envDefault:""`

	EnablePreCheck      bool    `env:"ENABLE_PRE_CHECK" envDefault:"true"`
	DownloadConcurrency int     `env:"DOWNLOAD_CONCURRENCY" envDefault:"1"`
	ReductionFactor     float64 `env:"REDUCTION_FACTOR" envDefault:"0.1"`

	DatabaseURL string `env:"DATABASE_URL" envDefault:""`
	RabbitMQURL string `env:"RABBITMQ_URL" envDefault:""`
	Port        int    `env:"PORT" envDefault:"3001"`

	S3EndpointURL     string `env:"S3_ENDPOINT_URL" envDefault:""`
	S3AccessKeyID     string `env:"AWS_ACCESS_KEY_ID" envDefault:""`
	S3SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" envDefault:""`
	S3Region          string `env:"AWS_REGION" envDefault:"us-east-1"`
	ArtifactBucket    string `env:"ARTIFACT_BUCKET" envDefault:""`

	// LocalStorageDir replaces S3 with a directory backed provider.
	LocalStorageDir string `env:"LOCAL_STORAGE_DIR" envDefault:""`
	// MetricsTextfile is where step processes write their metrics on exit.
	MetricsTextfile string `env:"METRICS_TEXTFILE" envDefault:""`
}

// LoadConfig reads the configuration from the environment. A .env file in the
// working directory is loaded first when present.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded, continuing with environment variables", "error", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("invalid ROOT '%s': %w", cfg.Root, err)
	}
	cfg.Root = root

	if cfg.ReductionFactor <= 0 || cfg.ReductionFactor > 1 {
		return nil, fmt.Errorf("REDUCTION_FACTOR must be in (0, 1], got %v", cfg.ReductionFactor)
	}

	if cfg.DownloadConcurrency < 1 {
		cfg.DownloadConcurrency = 1
	}

	if cfg.S3EndpointURL != "" && (cfg.S3AccessKeyID == "" || cfg.S3SecretAccessKey == "") {
		slog.Warn("S3_ENDPOINT_URL is set, but AWS_ACCESS_KEY_ID or AWS_SECRET_ACCESS_KEY are missing")
	}

	return &cfg, nil
}

func (c *Config) Paths() Paths {
	return NewPaths(c.Root)
}
