package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"marine-detect/internal/config"
	"marine-detect/internal/dataset"
	"marine-detect/internal/framework"
	"marine-detect/internal/metrics"

	"github.com/shirou/gopsutil/v3/mem"
)

const (
	StatusCompleted = "Completed"
	StatusFailed    = "Failed"

	NotAvailable = "N/A"

	runTimeLayout = "02-01-2006_15-04-05"
)

var ErrEnvironmentCheck = errors.New("environment check failed")

// Result is one row of the training summary.
type Result struct {
	Modelo          string
	Dataset         string
	BaseModel       string
	Status          string
	MAP50_95        float64
	MAP50           float64
	Precision       float64
	Recall          float64
	F1Score         float64
	LatencyMs       float64
	TrainingTimeMin float64
	OutputDir       string
	Error           string
}

// ResultSink receives every finished job. A failing sink does not stop the
// training batch.
type ResultSink interface {
	SaveTrainingResult(ctx context.Context, family string, result Result) error
}

// ModelLabel is the model column of the summary, e.g. YOLOv8n_320px_10e.
func ModelLabel(job config.TrainingJob, params config.TrainingParams) string {
	return fmt.Sprintf("%s_%dpx_%de", job.Modelo, params.ImgSize, params.NumEpochs)
}

// RunName names the framework output directory of a job. The dataset can be
// recovered from it by splitting on "_on_" and dropping the two timestamp
// parts.
func RunName(job config.TrainingJob, params config.TrainingParams, datasetName string, ts time.Time) string {
	return fmt.Sprintf("%s_on_%s_%s", ModelLabel(job, params), datasetName, ts.Format(runTimeLayout))
}

func F1(precision, recall float64) float64 {
	if precision+recall <= 0 {
		return 0
	}
	return 2 * precision * recall / (precision + recall)
}

type Trainer struct {
	Params    config.TrainingParams
	Paths     config.Paths
	Framework framework.Framework
	Sink      ResultSink

	Logger  *slog.Logger
	Metrics *metrics.PipelineMetrics

	now    func() time.Time
	memory func(ctx context.Context) (*mem.VirtualMemoryStat, error)
}

func NewTrainer(params config.TrainingParams, paths config.Paths, fw framework.Framework, logger *slog.Logger, m *metrics.PipelineMetrics) *Trainer {
	return &Trainer{
		Params:    params,
		Paths:     paths,
		Framework: fw,
		Logger:    logger,
		Metrics:   m,
		now:       time.Now,
		memory:    mem.VirtualMemoryWithContext,
	}
}

func (t *Trainer) dataConfigPath(datasetName string) string {
	return filepath.Join(t.Paths.Unzipped, datasetName, dataset.DataConfigFile)
}

// CheckEnvironment reports the compute device and host memory, and verifies
// that every dataset and base model is available. It returns the device to
// train on.
func (t *Trainer) CheckEnvironment(ctx context.Context) (string, error) {
	t.Logger.Info("checking environment", "family", t.Params.Family)

	info, err := t.Framework.Device(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: unable to query device: %v", ErrEnvironmentCheck, err)
	}
	if info.GPUAvailable {
		t.Logger.Info("CUDA GPU detected", "gpu", info.GPUName, "free_memory_gb", fmt.Sprintf("%.2f", info.GPUFreeMemoryGB))
	} else {
		t.Logger.Warn("no CUDA GPU detected, training will run on CPU")
	}

	if vm, err := t.memory(ctx); err == nil {
		t.Logger.Info("host memory", "total_gb", fmt.Sprintf("%.2f", float64(vm.Total)/1e9), "available_gb", fmt.Sprintf("%.2f", float64(vm.Available)/1e9))
	} else {
		t.Logger.Warn("unable to read host memory", "error", err)
	}

	var failures []string
	for _, name := range t.Params.Datasets {
		if _, err := os.Stat(t.dataConfigPath(name)); err != nil {
			t.Logger.Error("data.yaml not found for dataset", "dataset", name)
			failures = append(failures, "dataset "+name)
		}
	}

	for _, job := range t.Params.Jobs {
		if err := t.Framework.CheckModel(ctx, t.Params.Family, job.BaseModel); err != nil {
			t.Logger.Error("base model not available", "model", job.BaseModel, "error", err)
			failures = append(failures, "model "+job.BaseModel)
			continue
		}
		t.Logger.Info("base model available", "model", job.BaseModel)
	}

	if len(failures) > 0 {
		return "", fmt.Errorf("%w: %s", ErrEnvironmentCheck, strings.Join(failures, ", "))
	}

	t.Logger.Info("environment check passed", "device", info.Device)
	return info.Device, nil
}

// Run trains every job on every dataset, one after the other, and writes the
// summary CSV to the reports directory. Job failures are recorded as rows.
func (t *Trainer) Run(ctx context.Context) ([]Result, string, error) {
	device, err := t.CheckEnvironment(ctx)
	if err != nil {
		return nil, "", err
	}

	ts := t.now()
	var results []Result

loop:
	for _, datasetName := range t.Params.Datasets {
		t.Logger.Info("starting dataset cycle", "dataset", datasetName)
		for i, job := range t.Params.Jobs {
			if ctx.Err() != nil {
				t.Logger.Warn("training interrupted", "error", ctx.Err())
				break loop
			}
			t.Logger.Info("starting job", "job", fmt.Sprintf("%d/%d", i+1, len(t.Params.Jobs)), "model", job.Modelo, "dataset", datasetName)

			result := t.runJob(ctx, job, datasetName, device, ts)
			results = append(results, result)
			t.Metrics.RecordTrainingJob(t.Params.Family, result.Status)

			if t.Sink != nil {
				if err := t.Sink.SaveTrainingResult(ctx, t.Params.Family, result); err != nil {
					t.Logger.Warn("unable to store training result", "model", result.Modelo, "error", err)
				}
			}
		}
	}

	reportPath, err := t.writeReport(results, ts)
	if err != nil {
		return results, "", err
	}
	return results, reportPath, ctx.Err()
}

func (t *Trainer) runJob(ctx context.Context, job config.TrainingJob, datasetName, device string, ts time.Time) (result Result) {
	start := time.Now()
	runName := RunName(job, t.Params, datasetName, ts)

	result = Result{
		Modelo:    ModelLabel(job, t.Params),
		Dataset:   datasetName,
		BaseModel: job.BaseModel,
		Status:    StatusFailed,
		OutputDir: NotAvailable,
		Error:     NotAvailable,
	}
	defer func() {
		result.TrainingTimeMin = time.Since(start).Minutes()
	}()

	data, err := t.Paths.Rel(t.dataConfigPath(datasetName))
	if err != nil {
		result.Error = sanitizeError(err)
		return result
	}

	trained, err := t.Framework.Train(ctx, framework.TrainArgs{
		Family:       t.Params.Family,
		BaseModel:    job.BaseModel,
		Data:         data,
		Epochs:       t.Params.NumEpochs,
		Patience:     t.Params.PatienceEpochs,
		Batch:        t.Params.BatchSize,
		Optimizer:    t.Params.Optimizer,
		LearningRate: t.Params.LearningRate,
		Device:       device,
		ImgSize:      t.Params.ImgSize,
		Project:      t.Paths.Runs,
		Name:         runName,
	})
	if err != nil {
		t.Logger.Error("training job failed", "model", result.Modelo, "dataset", datasetName, "error", err)
		result.Error = sanitizeError(err)
		return result
	}

	saveDir := trained.SaveDir
	if saveDir != "" && !filepath.IsAbs(saveDir) {
		saveDir = filepath.Join(t.Paths.Root, saveDir)
	}

	result.Status = StatusCompleted
	result.MAP50_95 = trained.Metrics.MAP50_95
	result.MAP50 = trained.Metrics.MAP50
	result.Precision = trained.Metrics.Precision
	result.Recall = trained.Metrics.Recall
	result.F1Score = F1(trained.Metrics.Precision, trained.Metrics.Recall)
	result.LatencyMs = t.measureLatency(ctx, saveDir, device)
	result.OutputDir = trained.SaveDir

	t.Logger.Info("training job completed", "model", result.Modelo, "dataset", datasetName, "map50_95", result.MAP50_95)
	return result
}

// measureLatency returns 0 when the weights are missing or the measurement fails.
func (t *Trainer) measureLatency(ctx context.Context, saveDir, device string) float64 {
	best := filepath.Join(saveDir, "weights", "best.pt")
	if _, err := os.Stat(best); err != nil {
		t.Logger.Warn("best weights not found, skipping latency", "path", best)
		return 0
	}

	latency, err := t.Framework.Latency(ctx, framework.LatencyArgs{
		Family:  t.Params.Family,
		Model:   best,
		Device:  device,
		ImgSize: t.Params.ImgSize,
		Warmups: t.Params.LatencyWarmups,
		Runs:    t.Params.LatencyRuns,
	})
	if err != nil {
		t.Logger.Error("latency measurement failed", "model", best, "error", err)
		return 0
	}
	t.Logger.Info("mean inference latency", "ms", fmt.Sprintf("%.2f", latency))
	return latency
}

func (t *Trainer) writeReport(results []Result, ts time.Time) (string, error) {
	if len(results) == 0 {
		t.Logger.Warn("no results, summary not written")
		return "", nil
	}

	if err := os.MkdirAll(t.Paths.Reports, os.ModePerm); err != nil {
		return "", fmt.Errorf("error creating reports dir: %w", err)
	}

	path := filepath.Join(t.Paths.Reports, SummaryFileName(t.Params.ReportPrefix, ts))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("error creating summary file: %w", err)
	}
	defer f.Close()

	if err := WriteSummaryCSV(f, results); err != nil {
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("error closing summary file: %w", err)
	}

	t.Logger.Info("summary written", "path", path, "rows", len(results))
	return path, nil
}

func sanitizeError(err error) string {
	return strings.ReplaceAll(err.Error(), "\n", " ")
}
