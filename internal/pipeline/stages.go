package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"marine-detect/internal/config"
	"marine-detect/internal/dataset"
	"marine-detect/internal/download"
	"marine-detect/internal/evaluation"
	"marine-detect/internal/framework"
	"marine-detect/internal/logging"
	"marine-detect/internal/metrics"
	"marine-detect/internal/runner"
	"marine-detect/internal/storage"
	"marine-detect/internal/training"
)

const reportsPrefix = "reports"

var ErrUnknownStep = errors.New("unknown step")

// Stages executes a single pipeline step inside the current process. It is
// what "<pipeline-bin> step <id>" runs.
type Stages struct {
	Config    *config.Config
	Paths     config.Paths
	Store     storage.Provider
	Framework framework.Framework
	Metrics   *metrics.PipelineMetrics

	// NewFramework, when set, builds the framework for training and evaluation
	// steps with the stage logger. It is closed when the step ends if it is an
	// io.Closer.
	NewFramework func(logger *slog.Logger) framework.Framework

	TrainingSink   training.ResultSink
	EvaluationSink evaluation.ResultSink

	// NewLogger opens the per-stage log. Defaults to a file under output/logs.
	NewLogger func(stage string) (*slog.Logger, io.Closer, error)

	// Seed for dataset reduction; zero picks a time based seed.
	Seed int64
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func (s *Stages) logger(stage string) (*slog.Logger, io.Closer, error) {
	if s.NewLogger != nil {
		return s.NewLogger(stage)
	}
	logger, closer, path, err := logging.NewStageLogger(s.Paths.Logs, stage)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("logging to file", "path", path)
	return logger, closer, nil
}

func (s *Stages) frameworkFor(logger *slog.Logger) (framework.Framework, func()) {
	if s.NewFramework == nil {
		return s.Framework, func() {}
	}
	fw := s.NewFramework(logger)
	return fw, func() {
		if c, ok := fw.(io.Closer); ok {
			if err := c.Close(); err != nil {
				logger.Warn("unable to clean up framework", "error", err)
			}
		}
	}
}

func (s *Stages) Run(ctx context.Context, id runner.StepID) error {
	if _, ok := runner.Lookup(id); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStep, id)
	}

	if err := s.Paths.CreateProjectStructure(); err != nil {
		return err
	}

	logger, closer, err := s.logger(string(id))
	if err != nil {
		return fmt.Errorf("error creating stage logger: %w", err)
	}
	defer closer.Close()

	start := time.Now()
	switch id {
	case runner.StepDownload:
		err = s.download(ctx, logger)
	case runner.StepSync:
		err = s.sync(logger)
	case runner.StepReduce:
		err = s.reduce(ctx, logger)
	case runner.StepMerge:
		err = s.merge(ctx, logger)
	case runner.StepTrainYOLO, runner.StepTrainRTDETR, runner.StepEvaluate:
		fw, release := s.frameworkFor(logger)
		defer release()
		switch id {
		case runner.StepTrainYOLO:
			err = s.train(ctx, fw, config.DefaultYOLOParams(), logger)
		case runner.StepTrainRTDETR:
			err = s.train(ctx, fw, config.DefaultRTDETRParams(), logger)
		default:
			err = s.evaluate(ctx, fw, logger)
		}
	}

	if err != nil {
		logger.Error("stage failed", "error", err, "elapsed", time.Since(start).String())
		return err
	}
	logger.Info("stage finished", "elapsed", time.Since(start).String())
	return nil
}

func (s *Stages) download(ctx context.Context, logger *slog.Logger) error {
	sources, err := download.LoadSources(s.Config.DatasetSourcesFile)
	if err != nil {
		return err
	}

	preparer := &download.Preparer{
		Paths:       s.Paths,
		Downloader:  download.NewDownloader(s.Store, logger, s.Metrics),
		Concurrency: s.Config.DownloadConcurrency,
		PreCheck:    s.Config.EnablePreCheck,
		Logger:      logger,
	}

	result, err := preparer.Prepare(ctx, sources)
	if err != nil {
		return err
	}
	if len(result.Failed) > 0 {
		logger.Warn("some datasets could not be prepared", "failed", result.Failed)
	}
	return ctx.Err()
}

func (s *Stages) sync(logger *slog.Logger) error {
	result, err := dataset.SyncConfigs(s.Paths.YAMLRepo, s.Paths.Unzipped, s.Paths.Root, logger)
	if err != nil {
		return err
	}
	logger.Info("yaml sync summary", "synced", result.Synced, "up_to_date", result.UpToDate, "skipped", result.Skipped, "errors", result.Errors)
	return nil
}

func (s *Stages) reduce(ctx context.Context, logger *slog.Logger) error {
	seed := s.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	reductions, err := dataset.NewReducer(s.Config.ReductionFactor, seed, logger).ReduceAll(ctx, s.Paths.Unzipped)
	if err != nil {
		return err
	}
	logger.Info("reduction summary", "splits", len(reductions), "factor", s.Config.ReductionFactor)
	return nil
}

func (s *Stages) merge(ctx context.Context, logger *slog.Logger) error {
	result, err := dataset.NewUnifier(s.Paths, logger, s.Metrics).Unify(ctx)
	if err != nil {
		return err
	}

	dropped := 0
	for _, ds := range result.Datasets {
		dropped += ds.Lines.TotalDropped()
	}
	logger.Info("merge summary", "classes", len(result.Classes), "datasets", len(result.Datasets), "skipped", result.Skipped, "dropped_lines", dropped)
	return nil
}

// train runs every job of the family. Trainer.Run checks the environment first.
func (s *Stages) train(ctx context.Context, fw framework.Framework, defaults config.TrainingParams, logger *slog.Logger) error {
	params, err := config.LoadTrainingParams(s.Config.TrainingParamsFile, defaults)
	if err != nil {
		return err
	}

	trainer := training.NewTrainer(params, s.Paths, fw, logger, s.Metrics)
	trainer.Sink = s.TrainingSink

	results, report, err := trainer.Run(ctx)
	if err != nil {
		return err
	}
	logger.Info("training summary", "family", params.Family, "jobs", len(results), "report", report)
	return nil
}

func (s *Stages) evaluate(ctx context.Context, fw framework.Framework, logger *slog.Logger) error {
	evaluator := evaluation.NewEvaluator(s.Paths, fw, logger, s.Metrics)
	evaluator.Sink = s.EvaluationSink

	results, report, err := evaluator.Run(ctx)
	if err != nil {
		return err
	}
	logger.Info("evaluation summary", "models", len(results), "report", report)

	return s.publishReports(ctx, logger)
}

// publishReports copies the reports directory to the artifact bucket when one
// is configured.
func (s *Stages) publishReports(ctx context.Context, logger *slog.Logger) error {
	if s.Config.ArtifactBucket == "" {
		return nil
	}
	if s.Store == nil {
		logger.Warn("artifact bucket configured without object storage, skipping publish", "bucket", s.Config.ArtifactBucket)
		return nil
	}

	if err := s.Store.CreateBucket(ctx, s.Config.ArtifactBucket); err != nil {
		return fmt.Errorf("error creating artifact bucket: %w", err)
	}
	if err := s.Store.UploadDir(ctx, s.Config.ArtifactBucket, reportsPrefix, s.Paths.Reports); err != nil {
		return fmt.Errorf("error publishing reports: %w", err)
	}
	logger.Info("reports published", "bucket", s.Config.ArtifactBucket, "prefix", reportsPrefix)
	return nil
}
