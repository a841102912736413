package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

const (
	FamilyYOLO   = "yolo"
	FamilyRTDETR = "rtdetr"
)

type TrainingJob struct {
	Modelo    string `yaml:"modelo"`
	BaseModel string `yaml:"base_model"`
}

type TrainingParams struct {
	Family         string        `yaml:"family"`
	ReportPrefix   string        `yaml:"report_prefix"`
	ImgSize        int           `yaml:"img_size"`
	NumEpochs      int           `yaml:"num_epochs"`
	PatienceEpochs int           `yaml:"patience_epochs"`
	BatchSize      int           `yaml:"batch_size"`
	Optimizer      string        `yaml:"optimizer"`
	LearningRate   float64       `yaml:"learning_rate"`
	Datasets       []string      `yaml:"datasets_to_train"`
	Jobs           []TrainingJob `yaml:"training_jobs"`
	LatencyWarmups int           `yaml:"latency_warmups"`
	LatencyRuns    int           `yaml:"latency_runs"`
}

var defaultDatasets = []string{"aquarium_pretrain", "FishInvSplit", "unificacaoDosOceanos"}

func DefaultYOLOParams() TrainingParams {
	return TrainingParams{
		Family:         FamilyYOLO,
		ReportPrefix:   "yolo",
		ImgSize:        320,
		NumEpochs:      10,
		PatienceEpochs: 100,
		BatchSize:      16,
		Optimizer:      "Adam",
		Datasets:       append([]string{}, defaultDatasets...),
		Jobs: []TrainingJob{
			{Modelo: "YOLOv5n", BaseModel: "yolov5n.pt"},
			{Modelo: "YOLOv5s", BaseModel: "yolov5s.pt"},
			{Modelo: "YOLOv5m", BaseModel: "yolov5m.pt"},
			{Modelo: "YOLOv5l", BaseModel: "yolov5l.pt"},
			{Modelo: "YOLOv8n", BaseModel: "yolov8n.pt"},
			{Modelo: "YOLOv8s", BaseModel: "yolov8s.pt"},
			{Modelo: "YOLOv8m", BaseModel: "yolov8m.pt"},
			{Modelo: "YOLOv8l", BaseModel: "yolov8l.pt"},
			{Modelo: "YOLOv11s", BaseModel: "yolo11s.pt"},
			{Modelo: "YOLOv11m", BaseModel: "yolo11m.pt"},
			{Modelo: "YOLOv11n", BaseModel: "yolo11n.pt"},
			{Modelo: "YOLOv11l", BaseModel: "yolo11l.pt"},
		},
		LatencyWarmups: 10,
		LatencyRuns:    100,
	}
}

func DefaultRTDETRParams() TrainingParams {
	return TrainingParams{
		Family:         FamilyRTDETR,
		ReportPrefix:   "rtdetr",
		ImgSize:        320,
		NumEpochs:      10,
		PatienceEpochs: 100,
		BatchSize:      8,
		Optimizer:      "Adam",
		LearningRate:   0.001,
		Datasets:       append([]string{}, defaultDatasets...),
		Jobs: []TrainingJob{
			{Modelo: "RT-DETR-L", BaseModel: "rtdetr-l.pt"},
		},
		LatencyWarmups: 10,
		LatencyRuns:    100,
	}
}

// LoadTrainingParams overlays the family's section of a YAML file on top of
// defaults. Keys missing from the file keep their default values. An empty
// path returns the defaults unchanged.
func LoadTrainingParams(path string, defaults TrainingParams) (TrainingParams, error) {
	params := defaults
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return params, fmt.Errorf("error reading training params file: %w", err)
		}

		var sections map[string]yaml.MapSlice
		if err := yaml.Unmarshal(data, &sections); err != nil {
			return params, fmt.Errorf("error parsing training params file %s: %w", path, err)
		}

		if section, ok := sections[defaults.Family]; ok {
			raw, err := yaml.Marshal(section)
			if err != nil {
				return params, fmt.Errorf("error re-encoding %s params: %w", defaults.Family, err)
			}
			if err := yaml.UnmarshalStrict(raw, &params); err != nil {
				return params, fmt.Errorf("invalid %s params in %s: %w", defaults.Family, path, err)
			}
			params.Family = defaults.Family
		}
	}

	params.Jobs = dedupeJobs(params.Jobs)

	if err := params.Validate(); err != nil {
		return params, err
	}
	return params, nil
}

func (p TrainingParams) Validate() error {
	if p.ImgSize <= 0 || p.NumEpochs <= 0 || p.BatchSize <= 0 {
		return fmt.Errorf("img_size, num_epochs and batch_size must be positive")
	}
	if len(p.Datasets) == 0 {
		return fmt.Errorf("no datasets to train for %s", p.Family)
	}
	if len(p.Jobs) == 0 {
		return fmt.Errorf("no training jobs for %s", p.Family)
	}
	if p.LatencyRuns <= 0 {
		return fmt.Errorf("latency_runs must be positive")
	}
	return nil
}

func dedupeJobs(jobs []TrainingJob) []TrainingJob {
	seen := make(map[TrainingJob]struct{}, len(jobs))
	out := make([]TrainingJob, 0, len(jobs))
	for _, job := range jobs {
		if _, ok := seen[job]; ok {
			continue
		}
		seen[job] = struct{}{}
		out = append(out, job)
	}
	return out
}
