package evaluation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"marine-detect/internal/config"
	"marine-detect/internal/dataset"
	"marine-detect/internal/framework"
	"marine-detect/internal/metrics"
)

const (
	StatusSuccess = "SUCESSO"
	StatusFailure = "FALHA"

	NotAvailable = "N/A"

	ReportPrefix     = "relatorio_metricas_absolutas"
	reportTimeLayout = "2006-01-02_15-04-05"

	evalSuffix = "_EVAL"
	testSplit  = "test"
)

var (
	ErrRunNameFormat = errors.New("run name does not follow <model>_on_<dataset>_<date>_<time>")
	ErrNoRunsDir     = errors.New("runs directory does not exist")
)

type Candidate struct {
	RunName   string
	RunDir    string
	ModelPath string
}

type Result struct {
	RunName   string
	Status    string
	Dataset   string
	ModelPath string
	Metrics   framework.BoxMetrics
	Speed     framework.Speed
	Error     string
}

type ResultSink interface {
	SaveEvaluationResult(ctx context.Context, result Result) error
}

// FindCandidates lists the run directories holding weights/best.pt, sorted by
// name. Directories without weights are logged and ignored.
func FindCandidates(runsDir string, logger *slog.Logger) ([]Candidate, error) {
	entries, err := os.ReadDir(runsDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoRunsDir, runsDir)
		}
		return nil, fmt.Errorf("error listing runs: %w", err)
	}

	var candidates []Candidate
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		runDir := filepath.Join(runsDir, e.Name())
		model := filepath.Join(runDir, "weights", "best.pt")
		if info, err := os.Stat(model); err != nil || info.IsDir() {
			logger.Warn("run has no weights/best.pt, ignoring", "run", e.Name())
			continue
		}
		logger.Info("candidate found", "model", model)
		candidates = append(candidates, Candidate{RunName: e.Name(), RunDir: runDir, ModelPath: model})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].RunName < candidates[j].RunName })
	logger.Info("candidate scan finished", "count", len(candidates))
	return candidates, nil
}

// ExtractDatasetName recovers the dataset from a run name such as
// YOLOv8n_320px_10e_on_FishInvSplit_04-03-2025_05-06-07: the text between the
// first and second "_on_" without its last two underscore separated parts.
func ExtractDatasetName(runName string) (string, error) {
	_, after, found := strings.Cut(runName, "_on_")
	if !found {
		return "", fmt.Errorf("%w: %s", ErrRunNameFormat, runName)
	}
	segment, _, _ := strings.Cut(after, "_on_")
	parts := rsplit(segment, "_", 2)
	if len(parts) < 2 {
		return "", fmt.Errorf("%w: %s", ErrRunNameFormat, runName)
	}
	return parts[0], nil
}

// rsplit splits s around sep at most n times, starting from the right.
func rsplit(s, sep string, n int) []string {
	var tail []string
	for len(tail) < n {
		i := strings.LastIndex(s, sep)
		if i < 0 {
			break
		}
		tail = append([]string{s[i+len(sep):]}, tail...)
		s = s[:i]
	}
	return append([]string{s}, tail...)
}

// ModelFamily guesses the framework model class from the run name.
func ModelFamily(runName string) string {
	lower := strings.ToLower(runName)
	if strings.HasPrefix(lower, "rt-detr") || strings.HasPrefix(lower, "rtdetr") {
		return config.FamilyRTDETR
	}
	return config.FamilyYOLO
}

type Evaluator struct {
	Paths     config.Paths
	Framework framework.Framework
	Sink      ResultSink

	Logger  *slog.Logger
	Metrics *metrics.PipelineMetrics

	now func() time.Time
}

func NewEvaluator(paths config.Paths, fw framework.Framework, logger *slog.Logger, m *metrics.PipelineMetrics) *Evaluator {
	return &Evaluator{
		Paths:     paths,
		Framework: fw,
		Logger:    logger,
		Metrics:   m,
		now:       time.Now,
	}
}

// Run validates every trained model on the test split of its dataset and
// writes the absolute metrics report. It returns the report path, which is
// empty when there was nothing to evaluate.
func (e *Evaluator) Run(ctx context.Context) ([]Result, string, error) {
	for _, dir := range []string{e.Paths.Reports, e.Paths.Evaluations} {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return nil, "", fmt.Errorf("error creating directory %s: %w", dir, err)
		}
	}

	device := e.logEnvironment(ctx)

	candidates, err := FindCandidates(e.Paths.Runs, e.Logger)
	if err != nil {
		return nil, "", err
	}
	if len(candidates) == 0 {
		e.Logger.Warn("no trained models found, nothing to evaluate")
		return nil, "", nil
	}

	results := make([]Result, 0, len(candidates))
	for i, c := range candidates {
		if ctx.Err() != nil {
			e.Logger.Warn("evaluation interrupted", "error", ctx.Err())
			break
		}
		e.Logger.Info("processing candidate", "index", fmt.Sprintf("%d/%d", i+1, len(candidates)), "run", c.RunName)

		result := e.evaluate(ctx, c, device)
		results = append(results, result)
		e.Metrics.RecordEvaluation(result.Status)

		if e.Sink != nil {
			if err := e.Sink.SaveEvaluationResult(ctx, result); err != nil {
				e.Logger.Warn("unable to store evaluation result", "run", c.RunName, "error", err)
			}
		}
	}

	path := filepath.Join(e.Paths.Reports, ReportFileName(e.now()))
	if err := writeReportFile(path, results); err != nil {
		return results, "", err
	}
	e.Logger.Info("report written", "path", path, "rows", len(results))
	return results, path, ctx.Err()
}

func (e *Evaluator) logEnvironment(ctx context.Context) string {
	info, err := e.Framework.Device(ctx)
	if err != nil {
		e.Logger.Warn("unable to query framework device, using cpu", "error", err)
		info = framework.DeviceInfo{Device: "cpu"}
	}
	e.Logger.Info("environment",
		"platform", runtime.GOOS,
		"arch", runtime.GOARCH,
		"go_version", runtime.Version(),
		"torch_version", info.TorchVersion,
		"framework_version", info.FrameworkVersion,
		"gpu_available", info.GPUAvailable,
		"device_name", info.GPUName,
		"cuda_version", info.CUDAVersion,
	)
	return info.Device
}

func (e *Evaluator) evaluate(ctx context.Context, c Candidate, device string) Result {
	result := Result{
		RunName:   c.RunName,
		Status:    StatusFailure,
		Dataset:   NotAvailable,
		ModelPath: c.ModelPath,
	}

	name, err := ExtractDatasetName(c.RunName)
	if err != nil {
		e.Logger.Warn("unable to determine dataset", "run", c.RunName, "error", err)
		result.Error = "unable to determine the dataset from the run name"
		return result
	}

	configPath := filepath.Join(e.Paths.Unzipped, name, dataset.DataConfigFile)
	classes, err := dataset.ReadNames(filepath.Dir(configPath))
	if err != nil {
		e.Logger.Error("unable to load dataset config", "dataset", name, "error", err)
		result.Error = fmt.Sprintf("unable to load config for dataset '%s'", name)
		return result
	}
	data, err := e.Paths.Rel(configPath)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	result.Dataset = name
	e.Logger.Info("validating on test split", "dataset", name, "classes", len(classes), "device", device)

	val, err := e.Framework.Validate(ctx, framework.ValArgs{
		Family:  ModelFamily(c.RunName),
		Model:   c.ModelPath,
		Data:    data,
		Split:   testSplit,
		Device:  device,
		Project: e.Paths.Evaluations,
		Name:    c.RunName + evalSuffix,
	})
	if err != nil {
		e.Logger.Error("validation failed", "run", c.RunName, "error", err)
		result.Error = err.Error()
		return result
	}

	result.Status = StatusSuccess
	result.Metrics = val.Metrics
	result.Speed = val.Speed
	e.Logger.Info("validation finished", "run", c.RunName, "map50_95", val.Metrics.MAP50_95)
	return result
}
