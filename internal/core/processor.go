package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"marine-detect/internal/config"
	"marine-detect/internal/database"
	"marine-detect/internal/messaging"
	"marine-detect/internal/metrics"
	"marine-detect/internal/pipeline"
	"marine-detect/internal/runner"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RunIdEnv carries the run id to step subprocesses so their results are stored
// against the run.
const RunIdEnv = "MARINE_RUN_ID"

// MetricsTextfileEnv is where a step subprocess writes its counters.
const MetricsTextfileEnv = "METRICS_TEXTFILE"

// CommandFactory returns the step command builder for a run.
type CommandFactory func(runId uuid.UUID) runner.CommandFunc

// SubprocessCommands runs every step as "<bin> step <id>" with RunIdEnv set
// and the step metrics written to StepMetricsFile(metricsDir, ...).
func SubprocessCommands(bin, metricsDir string) CommandFactory {
	return func(runId uuid.UUID) runner.CommandFunc {
		return func(ctx context.Context, step runner.StepID) *exec.Cmd {
			return runner.Subprocess(bin,
				RunIdEnv+"="+runId.String(),
				MetricsTextfileEnv+"="+StepMetricsFile(metricsDir, runId, step),
			)(ctx, step)
		}
	}
}

func StepMetricsFile(dir string, runId uuid.UUID, step runner.StepID) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s.prom", runId, step))
}

type TaskProcessor struct {
	db        *gorm.DB
	publisher messaging.Publisher
	reciever  messaging.Reciever

	paths    config.Paths
	commands CommandFactory
	metrics  *metrics.PipelineMetrics

	ctx    context.Context
	cancel context.CancelFunc
}

func NewTaskProcessor(db *gorm.DB, publisher messaging.Publisher, reciever messaging.Reciever, paths config.Paths, commands CommandFactory, m *metrics.PipelineMetrics) *TaskProcessor {
	ctx, cancel := context.WithCancel(context.Background())
	return &TaskProcessor{
		db:        db,
		publisher: publisher,
		reciever:  reciever,
		paths:     paths,
		commands:  commands,
		metrics:   m,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (proc *TaskProcessor) Start() {
	slog.Info("starting task processor")

	for task := range proc.reciever.Tasks() {
		proc.ProcessTask(task)
	}
}

// Stop closes the queues and kills the step in progress, if any.
func (proc *TaskProcessor) Stop() {
	slog.Info("stopping task processor")

	proc.cancel()
	if proc.publisher != nil {
		proc.publisher.Close()
	}
	proc.reciever.Close()
}

func (proc *TaskProcessor) ProcessTask(task messaging.Task) {
	var err error
	switch task.Type() {

	case messaging.PipelineQueue:
		var payload messaging.PipelineTaskPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling pipeline task", "error", err)
			if err := task.Reject(); err != nil {
				slog.Error("error rejecting message from queue", "error", err)
			}
			return
		}
		err = proc.processPipelineTask(proc.ctx, payload)

	default:
		slog.Error("received unknown task type", "queue", task.Type())
		if err := task.Reject(); err != nil {
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	if err != nil {
		slog.Error("error processing task", "queue", task.Type(), "error", err)
		if err := task.Nack(); err != nil {
			slog.Error("error reporting processing failure on message from queue", "error", err)
		}
	} else {
		slog.Info("successfully processed task", "queue", task.Type())
		if err := task.Ack(); err != nil {
			slog.Error("error acknowledging message from queue", "error", err)
		}
	}
}

func (proc *TaskProcessor) stopRequested(ctx context.Context, runId uuid.UUID) bool {
	var run database.PipelineRun
	if err := proc.db.WithContext(ctx).Select("stopped").First(&run, "id = ?", runId).Error; err != nil {
		slog.Error("error checking if run was stopped", "run_id", runId, "error", err)
		return false
	}
	return run.Stopped
}

// importStepMetrics folds the counters a finished step wrote into the
// service metrics and removes the file. Steps that wrote nothing are ignored.
func (proc *TaskProcessor) importStepMetrics(runId uuid.UUID, step runner.StepID) {
	path := StepMetricsFile(proc.paths.Logs, runId, step)
	f, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Error("error opening step metrics", "path", path, "error", err)
		}
		return
	}

	err = proc.metrics.ImportTextfile(f)
	f.Close()
	if err != nil {
		slog.Error("error importing step metrics", "path", path, "error", err)
	}

	if err := os.Remove(path); err != nil {
		slog.Warn("unable to remove step metrics", "path", path, "error", err)
	}
}

func (proc *TaskProcessor) finishRun(ctx context.Context, runId uuid.UUID, status, message string) error {
	if message != "" {
		database.SaveRunError(ctx, proc.db, runId, message)
	}
	proc.metrics.RecordRun(status)
	return database.UpdateRunStatus(ctx, proc.db, runId, status)
}

// processPipelineTask executes the steps of a queued run. A failing step is
// an outcome of the run, recorded in the database, not a task error.
func (proc *TaskProcessor) processPipelineTask(ctx context.Context, payload messaging.PipelineTaskPayload) error {
	runId := payload.RunId
	logger := slog.With("run_id", runId)

	var run database.PipelineRun
	if err := proc.db.WithContext(ctx).First(&run, "id = ?", runId).Error; err != nil {
		logger.Error("error fetching pipeline run", "error", err)
		return fmt.Errorf("error getting pipeline run: %w", err)
	}

	// Database updates must land even when the worker is shutting down.
	dbCtx := context.WithoutCancel(ctx)

	if run.Status != database.RunQueued {
		logger.Warn("run is not queued, skipping", "status", run.Status)
		return nil
	}

	if run.Stopped {
		logger.Info("run stopped before it started, skipping")
		return proc.finishRun(dbCtx, runId, database.RunStopped, "")
	}

	ids, err := run.StepIds()
	if err != nil {
		return errors.Join(err, proc.finishRun(dbCtx, runId, database.RunFailed, err.Error()))
	}
	steps, err := runner.ParseSteps(ids)
	if err != nil {
		return errors.Join(err, proc.finishRun(dbCtx, runId, database.RunFailed, err.Error()))
	}

	if err := database.UpdateRunStatus(dbCtx, proc.db, runId, database.RunRunning); err != nil {
		return fmt.Errorf("error marking run as running: %w", err)
	}
	logger.Info("pipeline run started", "steps", ids)

	r := runner.NewRunner(proc.commands(runId), logger, proc.metrics)
	r.OnStatus = func(s runner.StepState) {
		_ = database.UpdateStepRun(dbCtx, proc.db, runId, s.Position, string(s.Status), s.Progress, s.Error)

		if s.Status == runner.StatusSuccess || s.Status == runner.StatusFailure {
			proc.importStepMetrics(runId, s.Step)
		}

		if s.Status == runner.StatusSuccess && proc.stopRequested(dbCtx, runId) {
			logger.Info("stop requested, remaining steps will be skipped", "after", s.Step)
			r.Stop()
		}
	}

	p := pipeline.New(r, proc.paths, logger)
	p.OnLogCreated = func(path string) {
		_ = database.SetRunLogPath(dbCtx, proc.db, runId, path)
	}

	states, _, runErr := p.RunSteps(ctx, steps)
	if runErr != nil {
		logger.Error("pipeline run failed", "error", runErr)
		return proc.finishRun(dbCtx, runId, database.RunFailed, runErr.Error())
	}

	for _, s := range states {
		if s.Status == runner.StatusSkipped {
			logger.Info("pipeline run stopped")
			return proc.finishRun(dbCtx, runId, database.RunStopped, "")
		}
	}

	logger.Info("pipeline run completed")
	return proc.finishRun(dbCtx, runId, database.RunCompleted, "")
}
