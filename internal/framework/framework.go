// Package framework drives the external object detection framework that owns
// model loading, training, validation and inference.
package framework

import (
	"context"
)

// BoxMetrics are the bounding box metrics reported by training and validation.
type BoxMetrics struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	MAP50     float64 `json:"map50"`
	MAP50_95  float64 `json:"map50_95"`
	MAP75     float64 `json:"map75"`
}

// Speed is the per image time in milliseconds spent in each inference phase.
type Speed struct {
	Preprocess  float64 `json:"preprocess"`
	Inference   float64 `json:"inference"`
	Postprocess float64 `json:"postprocess"`
}

type DeviceInfo struct {
	Device           string  `json:"device"`
	GPUAvailable     bool    `json:"gpu_available"`
	GPUName          string  `json:"gpu_name"`
	GPUFreeMemoryGB  float64 `json:"gpu_free_memory_gb"`
	TorchVersion     string  `json:"torch_version"`
	CUDAVersion      string  `json:"cuda_version"`
	FrameworkVersion string  `json:"framework_version"`
}

type TrainArgs struct {
	Family       string  `json:"family"`
	BaseModel    string  `json:"model"`
	Data         string  `json:"data"`
	Epochs       int     `json:"epochs"`
	Patience     int     `json:"patience"`
	Batch        int     `json:"batch"`
	Optimizer    string  `json:"optimizer"`
	LearningRate float64 `json:"lr0,omitempty"`
	Device       string  `json:"device"`
	ImgSize      int     `json:"imgsz"`
	Project      string  `json:"project"`
	Name         string  `json:"name"`
}

type TrainResult struct {
	Metrics BoxMetrics `json:"metrics"`
	SaveDir string     `json:"save_dir"`
}

type ValArgs struct {
	Family  string `json:"family"`
	Model   string `json:"model"`
	Data    string `json:"data"`
	Split   string `json:"split"`
	Device  string `json:"device"`
	Project string `json:"project"`
	Name    string `json:"name"`
}

type ValResult struct {
	Metrics BoxMetrics `json:"metrics"`
	Speed   Speed      `json:"speed"`
}

type LatencyArgs struct {
	Family  string `json:"family"`
	Model   string `json:"model"`
	Device  string `json:"device"`
	ImgSize int    `json:"imgsz"`
	Warmups int    `json:"warmups"`
	Runs    int    `json:"runs"`
}

type Framework interface {
	Device(ctx context.Context) (DeviceInfo, error)

	// CheckModel loads a base model, downloading its weights when the
	// framework knows them.
	CheckModel(ctx context.Context, family, model string) error

	Train(ctx context.Context, args TrainArgs) (TrainResult, error)

	Validate(ctx context.Context, args ValArgs) (ValResult, error)

	// Latency returns the mean inference time in milliseconds over
	// args.Runs forward passes of a random input, after args.Warmups.
	Latency(ctx context.Context, args LatencyArgs) (float64, error)
}
