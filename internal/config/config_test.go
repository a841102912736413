package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPathsAbsolute(t *testing.T) {
	p := NewPaths(".")

	for _, dir := range []string{p.Root, p.Downloads, p.Unzipped, p.YAMLRepo, p.Logs, p.Runs, p.Reports, p.Evaluations} {
		assert.True(t, filepath.IsAbs(dir), dir)
	}
	assert.Equal(t, filepath.Join(p.Root, "data", "dataset_descompactado"), p.Unzipped)
	assert.Equal(t, filepath.Join(p.Root, "output", "runs", "detect"), p.Runs)
}

func TestCreateProjectStructure(t *testing.T) {
	p := NewPaths(t.TempDir())

	require.NoError(t, p.CreateProjectStructure())
	require.NoError(t, p.CreateProjectStructure())

	for _, dir := range []string{p.Downloads, p.Unzipped, p.Logs, p.Runs, p.Reports, p.Evaluations} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestPathsRel(t *testing.T) {
	p := NewPaths(t.TempDir())

	rel, err := p.Rel(filepath.Join(p.Unzipped, "FishInvSplit"))
	require.NoError(t, err)
	assert.Equal(t, "data/dataset_descompactado/FishInvSplit", rel)
}

func TestLoadConfig(t *testing.T) {
	root := t.TempDir()
	t.Setenv("ROOT", root)
	t.Setenv("REDUCTION_FACTOR", "0.25")
	t.Setenv("DOWNLOAD_CONCURRENCY", "0")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, root, cfg.Root)
	assert.Equal(t, 0.25, cfg.ReductionFactor)
	assert.Equal(t, 1, cfg.DownloadConcurrency)
	assert.True(t, cfg.EnablePreCheck)
	assert.Equal(t, "python3", cfg.PythonExecutable)
	assert.Equal(t, filepath.Join(root, "yamlRepositorio"), cfg.Paths().YAMLRepo)
}

func TestLoadConfigInvalidReductionFactor(t *testing.T) {
	t.Setenv("REDUCTION_FACTOR", "1.5")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestDefaultParams(t *testing.T) {
	yolo := DefaultYOLOParams()
	assert.Equal(t, 320, yolo.ImgSize)
	assert.Equal(t, 16, yolo.BatchSize)
	assert.Len(t, yolo.Jobs, 12)
	assert.Equal(t, []string{"aquarium_pretrain", "FishInvSplit", "unificacaoDosOceanos"}, yolo.Datasets)

	rtdetr := DefaultRTDETRParams()
	assert.Equal(t, 8, rtdetr.BatchSize)
	assert.Equal(t, 0.001, rtdetr.LearningRate)
	assert.Equal(t, []TrainingJob{{Modelo: "RT-DETR-L", BaseModel: "rtdetr-l.pt"}}, rtdetr.Jobs)
}

func TestLoadTrainingParamsEmptyPath(t *testing.T) {
	params, err := LoadTrainingParams("", DefaultYOLOParams())
	require.NoError(t, err)
	assert.Equal(t, DefaultYOLOParams(), params)
}

func TestLoadTrainingParamsOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.yaml")
	content := `
yolo:
  num_epochs: 3
  datasets_to_train: [FishInvSplit]
  training_jobs:
    - {modelo: YOLOv8n, base_model: yolov8n.pt}
    - {modelo: YOLOv8n, base_model: yolov8n.pt}
rtdetr:
  batch_size: 4
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	yolo, err := LoadTrainingParams(path, DefaultYOLOParams())
	require.NoError(t, err)
	assert.Equal(t, 3, yolo.NumEpochs)
	assert.Equal(t, 320, yolo.ImgSize)
	assert.Equal(t, []string{"FishInvSplit"}, yolo.Datasets)
	assert.Equal(t, []TrainingJob{{Modelo: "YOLOv8n", BaseModel: "yolov8n.pt"}}, yolo.Jobs)

	rtdetr, err := LoadTrainingParams(path, DefaultRTDETRParams())
	require.NoError(t, err)
	assert.Equal(t, 4, rtdetr.BatchSize)
	assert.Equal(t, FamilyRTDETR, rtdetr.Family)
}

func TestLoadTrainingParamsUnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.yaml")
	require.NoError(t, os.WriteFile(path, []byte("yolo:\n  epochs: 3\n"), 0644))

	_, err := LoadTrainingParams(path, DefaultYOLOParams())
	assert.Error(t, err)
}
