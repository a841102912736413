package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"marine-detect/internal/evaluation"
	"marine-detect/internal/training"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// FailInterruptedRuns marks runs left RUNNING by a previous process as failed.
func FailInterruptedRuns(ctx context.Context, db *gorm.DB) (int64, error) {
	result := db.WithContext(ctx).Model(&PipelineRun{}).
		Where("status = ?", RunRunning).
		Updates(map[string]any{
			"status":          RunFailed,
			"error":           "interrupted by a restart",
			"completion_time": time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("error failing interrupted runs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// CreatePipelineRun records a queued run together with one pending StepRun
// per step.
func CreatePipelineRun(ctx context.Context, db *gorm.DB, steps []string) (PipelineRun, error) {
	encoded, err := json.Marshal(steps)
	if err != nil {
		return PipelineRun{}, fmt.Errorf("error encoding steps: %w", err)
	}

	run := PipelineRun{
		Id:           uuid.New(),
		Steps:        encoded,
		Status:       RunQueued,
		CreationTime: time.Now().UTC(),
	}
	for i, step := range steps {
		run.StepRuns = append(run.StepRuns, StepRun{RunId: run.Id, Position: i, Step: step, Status: "Pending"})
	}

	if err := db.WithContext(ctx).Create(&run).Error; err != nil {
		return PipelineRun{}, fmt.Errorf("error creating pipeline run: %w", err)
	}
	return run, nil
}

func (r PipelineRun) StepIds() ([]string, error) {
	var steps []string
	if err := json.Unmarshal(r.Steps, &steps); err != nil {
		return nil, fmt.Errorf("invalid steps JSON: %w", err)
	}
	return steps, nil
}

func isFinal(status string) bool {
	return status == RunCompleted || status == RunFailed || status == RunStopped
}

func UpdateRunStatus(ctx context.Context, txn *gorm.DB, runId uuid.UUID, status string) error {
	updates := map[string]any{"status": status}
	if status == RunRunning {
		updates["start_time"] = time.Now().UTC()
	}
	if isFinal(status) {
		updates["completion_time"] = time.Now().UTC()
	}

	if err := txn.WithContext(ctx).Model(&PipelineRun{Id: runId}).Updates(updates).Error; err != nil {
		slog.Error("error updating run status", "run_id", runId, "status", status, "error", err)
		return err
	}
	return nil
}

func SetRunLogPath(ctx context.Context, txn *gorm.DB, runId uuid.UUID, path string) error {
	if err := txn.WithContext(ctx).Model(&PipelineRun{Id: runId}).Update("log_path", path).Error; err != nil {
		slog.Error("error saving run log path", "run_id", runId, "error", err)
		return err
	}
	return nil
}

func SaveRunError(ctx context.Context, txn *gorm.DB, runId uuid.UUID, message string) {
	if err := txn.WithContext(ctx).Model(&PipelineRun{Id: runId}).Update("error", message).Error; err != nil {
		slog.Error("error saving run error", "run_id", runId, "error", err)
	}
}

// UpdateStepRun stores the runner state of the step at position.
func UpdateStepRun(ctx context.Context, txn *gorm.DB, runId uuid.UUID, position int, status string, progress int, errMsg string) error {
	updates := map[string]any{"status": status, "progress": progress, "error": errMsg}
	switch status {
	case "Running":
		updates["start_time"] = gorm.Expr("COALESCE(start_time, ?)", time.Now().UTC())
	case "Success", "Failure", "Skipped":
		updates["completion_time"] = time.Now().UTC()
	}

	if err := txn.WithContext(ctx).Model(&StepRun{}).
		Where("run_id = ? AND position = ?", runId, position).
		Updates(updates).Error; err != nil {
		slog.Error("error updating step status", "run_id", runId, "position", position, "status", status, "error", err)
		return err
	}
	return nil
}

// ResultStore persists training and evaluation rows, tagged with the run that
// produced them when there is one.
type ResultStore struct {
	db    *gorm.DB
	runId uuid.NullUUID
}

func NewResultStore(db *gorm.DB, runId uuid.NullUUID) *ResultStore {
	return &ResultStore{db: db, runId: runId}
}

func nullFloat(v float64) sql.NullFloat64 {
	if v == 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func (s *ResultStore) SaveTrainingResult(ctx context.Context, family string, result training.Result) error {
	row := TrainingResult{
		Id:              uuid.New(),
		RunId:           s.runId,
		Family:          family,
		Modelo:          result.Modelo,
		Dataset:         result.Dataset,
		BaseModel:       result.BaseModel,
		Status:          result.Status,
		MAP50_95:        result.MAP50_95,
		MAP50:           result.MAP50,
		Precision:       result.Precision,
		Recall:          result.Recall,
		F1Score:         result.F1Score,
		LatencyMs:       nullFloat(result.LatencyMs),
		TrainingTimeMin: result.TrainingTimeMin,
		OutputDir:       result.OutputDir,
		Error:           result.Error,
		CreationTime:    time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("error saving training result: %w", err)
	}
	return nil
}

func (s *ResultStore) SaveEvaluationResult(ctx context.Context, result evaluation.Result) error {
	row := EvaluationResult{
		Id:            uuid.New(),
		RunId:         s.runId,
		RunName:       result.RunName,
		Status:        result.Status,
		Dataset:       result.Dataset,
		ModelPath:     result.ModelPath,
		MAP50_95:      result.Metrics.MAP50_95,
		MAP50:         result.Metrics.MAP50,
		MAP75:         result.Metrics.MAP75,
		Precision:     result.Metrics.Precision,
		Recall:        result.Metrics.Recall,
		PreprocessMs:  result.Speed.Preprocess,
		InferenceMs:   result.Speed.Inference,
		PostprocessMs: result.Speed.Postprocess,
		Error:         result.Error,
		CreationTime:  time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("error saving evaluation result: %w", err)
	}
	return nil
}
