package evaluation

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"marine-detect/internal/config"
	"marine-detect/internal/framework"
	"marine-detect/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFramework struct {
	failures  map[string]error
	validated []framework.ValArgs
}

func (f *fakeFramework) Device(ctx context.Context) (framework.DeviceInfo, error) {
	return framework.DeviceInfo{Device: "cpu", TorchVersion: "2.3.0"}, nil
}

func (f *fakeFramework) CheckModel(ctx context.Context, family, model string) error {
	return nil
}

func (f *fakeFramework) Train(ctx context.Context, args framework.TrainArgs) (framework.TrainResult, error) {
	return framework.TrainResult{}, errors.New("not used")
}

func (f *fakeFramework) Validate(ctx context.Context, args framework.ValArgs) (framework.ValResult, error) {
	f.validated = append(f.validated, args)
	if err := f.failures[args.Name]; err != nil {
		return framework.ValResult{}, err
	}
	return framework.ValResult{
		Metrics: framework.BoxMetrics{MAP50_95: 0.512346, MAP50: 0.7, MAP75: 0.55, Precision: 0.8, Recall: 0.6},
		Speed:   framework.Speed{Preprocess: 0.5, Inference: 12.3456, Postprocess: 1.25},
	}, nil
}

func (f *fakeFramework) Latency(ctx context.Context, args framework.LatencyArgs) (float64, error) {
	return 0, errors.New("not used")
}

func makeRun(t *testing.T, runsDir, name string, weights bool) {
	t.Helper()
	dir := filepath.Join(runsDir, name, "weights")
	require.NoError(t, os.MkdirAll(dir, os.ModePerm))
	if weights {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "best.pt"), []byte("pt"), 0644))
	}
}

func TestExtractDatasetName(t *testing.T) {
	cases := map[string]string{
		"YOLOv8n_320px_10e_on_FishInvSplit_04-03-2025_05-06-07":         "FishInvSplit",
		"RT-DETR-L_320px_10e_on_aquarium_pretrain_04-03-2025_05-06-07":  "aquarium_pretrain",
		"YOLOv5s_320px_10e_on_unificacaoDosOceanos_01-01-2025_00-00-00": "unificacaoDosOceanos",
		"model_on_ds_time":                                              "ds",
		"YOLOv8n_320px_10e_on_reef_a_b_on_top_01-01-2025_00-00-00":      "reef",
	}
	for run, expected := range cases {
		name, err := ExtractDatasetName(run)
		require.NoError(t, err, run)
		assert.Equal(t, expected, name, run)
	}

	for _, bad := range []string{"YOLOv8n_320px_10e", "model_on_nodate", "model_on_", "model_on_ds_on_x_1_2"} {
		_, err := ExtractDatasetName(bad)
		assert.ErrorIs(t, err, ErrRunNameFormat, bad)
	}
}

func TestModelFamily(t *testing.T) {
	assert.Equal(t, config.FamilyRTDETR, ModelFamily("RT-DETR-L_320px_10e_on_x_a_b"))
	assert.Equal(t, config.FamilyYOLO, ModelFamily("YOLOv8n_320px_10e_on_x_a_b"))
}

func TestFindCandidates(t *testing.T) {
	runs := t.TempDir()
	makeRun(t, runs, "b_on_ds_1_2", true)
	makeRun(t, runs, "a_on_ds_1_2", true)
	makeRun(t, runs, "c_on_ds_1_2", false)

	candidates, err := FindCandidates(runs, logging.Discard())
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, "a_on_ds_1_2", candidates[0].RunName)
	assert.Equal(t, filepath.Join(runs, "a_on_ds_1_2", "weights", "best.pt"), candidates[0].ModelPath)

	_, err = FindCandidates(filepath.Join(runs, "missing"), logging.Discard())
	assert.ErrorIs(t, err, ErrNoRunsDir)
}

func TestEvaluatorRun(t *testing.T) {
	paths := config.NewPaths(t.TempDir())
	require.NoError(t, paths.CreateProjectStructure())

	dsDir := filepath.Join(paths.Unzipped, "FishInvSplit")
	require.NoError(t, os.MkdirAll(dsDir, os.ModePerm))
	require.NoError(t, os.WriteFile(filepath.Join(dsDir, "data.yaml"), []byte("names: [fish, ray]\n"), 0644))

	good := "YOLOv8n_320px_10e_on_FishInvSplit_04-03-2025_05-06-07"
	broken := "YOLOv8s_320px_10e_on_FishInvSplit_04-03-2025_05-06-07"
	unknown := "YOLOv8m_320px_10e_on_missingDataset_04-03-2025_05-06-07"
	badName := "leftover"
	for _, run := range []string{good, broken, unknown, badName} {
		makeRun(t, paths.Runs, run, true)
	}

	fw := &fakeFramework{failures: map[string]error{broken + "_EVAL": errors.New("bad; things\nhappened")}}
	evaluator := NewEvaluator(paths, fw, logging.Discard(), nil)
	evaluator.now = func() time.Time { return time.Date(2025, 3, 4, 5, 6, 7, 0, time.Local) }

	results, reportPath, err := evaluator.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 4)

	require.Len(t, fw.validated, 2)
	assert.Equal(t, "data/dataset_descompactado/FishInvSplit/data.yaml", fw.validated[0].Data)
	assert.Equal(t, "test", fw.validated[0].Split)
	assert.Equal(t, paths.Evaluations, fw.validated[0].Project)
	assert.Equal(t, good+"_EVAL", fw.validated[0].Name)
	assert.Equal(t, "cpu", fw.validated[0].Device)

	assert.Equal(t, filepath.Join(paths.Reports, "relatorio_metricas_absolutas_2025-03-04_05-06-07.txt"), reportPath)
	data, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 5)

	assert.Equal(t, strings.Join(ReportColumns, ";"), lines[0])
	assert.Equal(t, good+";SUCESSO;FishInvSplit;0.51235;0.70000;0.55000;0.80000;0.60000;0.500;12.346;1.250;", lines[2])
	assert.Equal(t, broken+";FALHA;FishInvSplit;N/A;N/A;N/A;N/A;N/A;N/A;N/A;N/A;bad, things happened", lines[3])
	assert.True(t, strings.HasPrefix(lines[1], unknown+";FALHA;N/A;"), lines[1])
	assert.Contains(t, lines[1], "missingDataset")
	assert.True(t, strings.HasPrefix(lines[4], badName+";FALHA;N/A;"), lines[4])
}

func TestEvaluatorNoCandidates(t *testing.T) {
	paths := config.NewPaths(t.TempDir())
	require.NoError(t, paths.CreateProjectStructure())

	results, reportPath, err := NewEvaluator(paths, &fakeFramework{}, logging.Discard(), nil).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Empty(t, reportPath)
}

func TestWriteReportFailureWithoutMessage(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteReport(&buf, []Result{{RunName: "x", Status: StatusFailure}}))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "x;FALHA;N/A;N/A;N/A;N/A;N/A;N/A;N/A;N/A;N/A;unknown error", lines[1])
}

func TestWriteReportQuotesDelimiterInNames(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteReport(&buf, []Result{
		{RunName: "m_on_reef;north_1_2", Status: StatusSuccess, Dataset: "reef;north"},
		{RunName: "x;y", Status: StatusFailure, Error: "a;b\nc"},
	}))

	r := csv.NewReader(strings.NewReader(buf.String()))
	r.Comma = ';'
	records, err := r.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, "m_on_reef;north_1_2", records[1][0])
	assert.Equal(t, "reef;north", records[1][2])
	assert.Len(t, records[1], len(ReportColumns))

	assert.Equal(t, "x;y", records[2][0])
	assert.Equal(t, "a,b c", records[2][len(ReportColumns)-1])
	assert.Len(t, records[2], len(ReportColumns))
}
