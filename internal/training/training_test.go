package training

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"marine-detect/internal/config"
	"marine-detect/internal/framework"
	"marine-detect/internal/logging"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFramework struct {
	missingModels map[string]bool
	trainErrors   map[string]error
	withWeights   bool
	latency       float64

	trained      []framework.TrainArgs
	latencyCalls []framework.LatencyArgs
}

func (f *fakeFramework) Device(ctx context.Context) (framework.DeviceInfo, error) {
	return framework.DeviceInfo{Device: "cpu"}, nil
}

func (f *fakeFramework) CheckModel(ctx context.Context, family, model string) error {
	if f.missingModels[model] {
		return errors.New("weights not found")
	}
	return nil
}

func (f *fakeFramework) Train(ctx context.Context, args framework.TrainArgs) (framework.TrainResult, error) {
	f.trained = append(f.trained, args)
	if err := f.trainErrors[args.BaseModel]; err != nil {
		return framework.TrainResult{}, err
	}
	saveDir := filepath.Join(args.Project, args.Name)
	if f.withWeights {
		if err := os.MkdirAll(filepath.Join(saveDir, "weights"), os.ModePerm); err != nil {
			return framework.TrainResult{}, err
		}
		if err := os.WriteFile(filepath.Join(saveDir, "weights", "best.pt"), []byte("pt"), 0644); err != nil {
			return framework.TrainResult{}, err
		}
	}
	return framework.TrainResult{
		Metrics: framework.BoxMetrics{Precision: 0.8, Recall: 0.6, MAP50: 0.7, MAP50_95: 0.5},
		SaveDir: saveDir,
	}, nil
}

func (f *fakeFramework) Validate(ctx context.Context, args framework.ValArgs) (framework.ValResult, error) {
	return framework.ValResult{}, errors.New("not used")
}

func (f *fakeFramework) Latency(ctx context.Context, args framework.LatencyArgs) (float64, error) {
	f.latencyCalls = append(f.latencyCalls, args)
	return f.latency, nil
}

type memorySink struct {
	families []string
	results  []Result
}

func (s *memorySink) SaveTrainingResult(ctx context.Context, family string, result Result) error {
	s.families = append(s.families, family)
	s.results = append(s.results, result)
	return nil
}

var fixedTime = time.Date(2025, 3, 4, 5, 6, 7, 0, time.Local)

func newTestTrainer(t *testing.T, fw framework.Framework, datasets ...string) (*Trainer, config.Paths) {
	t.Helper()
	paths := config.NewPaths(t.TempDir())
	require.NoError(t, paths.CreateProjectStructure())

	for _, name := range datasets {
		dir := filepath.Join(paths.Unzipped, name)
		require.NoError(t, os.MkdirAll(dir, os.ModePerm))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "data.yaml"), []byte("names: [fish]\n"), 0644))
	}

	params := config.DefaultYOLOParams()
	params.Datasets = datasets
	params.Jobs = []config.TrainingJob{
		{Modelo: "YOLOv8n", BaseModel: "yolov8n.pt"},
		{Modelo: "YOLOv8s", BaseModel: "yolov8s.pt"},
	}

	trainer := NewTrainer(params, paths, fw, logging.Discard(), nil)
	trainer.now = func() time.Time { return fixedTime }
	trainer.memory = func(ctx context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Total: 16e9, Available: 8e9}, nil
	}
	return trainer, paths
}

func TestRunName(t *testing.T) {
	job := config.TrainingJob{Modelo: "YOLOv8n", BaseModel: "yolov8n.pt"}
	params := config.DefaultYOLOParams()

	assert.Equal(t, "YOLOv8n_320px_10e", ModelLabel(job, params))
	assert.Equal(t, "YOLOv8n_320px_10e_on_FishInvSplit_04-03-2025_05-06-07", RunName(job, params, "FishInvSplit", fixedTime))
}

func TestF1(t *testing.T) {
	assert.InDelta(t, 0.685714, F1(0.8, 0.6), 1e-6)
	assert.Equal(t, 0.0, F1(0, 0))
}

func TestCheckEnvironmentFailures(t *testing.T) {
	fw := &fakeFramework{missingModels: map[string]bool{"yolov8s.pt": true}}
	trainer, _ := newTestTrainer(t, fw, "aquarium_pretrain")
	trainer.Params.Datasets = append(trainer.Params.Datasets, "missing_dataset")

	_, err := trainer.CheckEnvironment(context.Background())
	require.ErrorIs(t, err, ErrEnvironmentCheck)
	assert.Contains(t, err.Error(), "missing_dataset")
	assert.Contains(t, err.Error(), "yolov8s.pt")

	_, _, err = trainer.Run(context.Background())
	assert.ErrorIs(t, err, ErrEnvironmentCheck)
	assert.Empty(t, fw.trained)
}

func TestRunWritesSummary(t *testing.T) {
	fw := &fakeFramework{
		trainErrors: map[string]error{"yolov8s.pt": errors.New("CUDA error:\nout of memory")},
		withWeights: true,
		latency:     12.5,
	}
	trainer, paths := newTestTrainer(t, fw, "FishInvSplit")
	sink := &memorySink{}
	trainer.Sink = sink

	results, reportPath, err := trainer.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)

	require.Len(t, fw.trained, 2)
	assert.Equal(t, "data/dataset_descompactado/FishInvSplit/data.yaml", fw.trained[0].Data)
	assert.Equal(t, paths.Runs, fw.trained[0].Project)
	assert.Equal(t, "YOLOv8n_320px_10e_on_FishInvSplit_04-03-2025_05-06-07", fw.trained[0].Name)
	assert.Equal(t, "cpu", fw.trained[0].Device)
	assert.Equal(t, 16, fw.trained[0].Batch)

	require.Len(t, fw.latencyCalls, 1)
	assert.Equal(t, 10, fw.latencyCalls[0].Warmups)
	assert.Equal(t, 100, fw.latencyCalls[0].Runs)

	ok, failed := results[0], results[1]
	assert.Equal(t, StatusCompleted, ok.Status)
	assert.Equal(t, 12.5, ok.LatencyMs)
	assert.InDelta(t, F1(0.8, 0.6), ok.F1Score, 1e-9)
	assert.Equal(t, NotAvailable, ok.Error)

	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "CUDA error: out of memory", failed.Error)
	assert.Equal(t, NotAvailable, failed.OutputDir)
	assert.Zero(t, failed.MAP50_95)

	assert.Equal(t, []string{"yolo", "yolo"}, sink.families)

	assert.Equal(t, filepath.Join(paths.Reports, "yolo_resumo_comparativo_04-03-2025_05-06-07.csv"), reportPath)
	f, err := os.Open(reportPath)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	require.Len(t, rows, 3)
	assert.Equal(t, SummaryColumns, rows[0])
	assert.Equal(t, []string{"YOLOv8n_320px_10e", "FishInvSplit", "yolov8n.pt", "Completed", "0.5000", "0.7000", "0.8000", "0.6000", "0.6857", "12.5000"}, rows[1][:10])
	assert.Equal(t, "N/A", rows[1][12])
	assert.Equal(t, []string{"YOLOv8s_320px_10e", "FishInvSplit", "yolov8s.pt", "Failed", "0.0000", "0.0000"}, rows[2][:6])
	assert.Equal(t, "N/A", rows[2][11])
	assert.Equal(t, "CUDA error: out of memory", rows[2][12])
}

func TestRunWithoutWeightsSkipsLatency(t *testing.T) {
	fw := &fakeFramework{latency: 3}
	trainer, _ := newTestTrainer(t, fw, "aquarium_pretrain")
	trainer.Params.Jobs = trainer.Params.Jobs[:1]

	results, _, err := trainer.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StatusCompleted, results[0].Status)
	assert.Zero(t, results[0].LatencyMs)
	assert.Empty(t, fw.latencyCalls)
}

func TestRunStopsWhenCancelled(t *testing.T) {
	fw := &fakeFramework{}
	trainer, _ := newTestTrainer(t, fw, "aquarium_pretrain")

	ctx, cancel := context.WithCancel(context.Background())
	trainer.Sink = sinkFunc(func() { cancel() })

	results, _, err := trainer.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, results, 1)
}

type sinkFunc func()

func (f sinkFunc) SaveTrainingResult(ctx context.Context, family string, result Result) error {
	f()
	return nil
}
