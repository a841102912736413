package reports

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	metricReportPattern = "relatorio_metricas_absolutas_*.txt"
	summaryPattern      = "*resumo_comparativo_*.csv"
	exportPrefix        = "analise_"
)

var ErrNoReports = errors.New("no report files found")

// Row is one model result on one dataset. Missing numbers are NaN. An
// inference time of +Inf means the source had no latency column at all.
type Row struct {
	Modelo    string
	Dataset   string
	RunName   string
	Status    string
	MAP50_95  float64
	MAP50     float64
	MAP75     float64
	Precision float64
	Recall    float64
	Inference float64
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func (r Row) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Modelo    string   `json:"modelo"`
		Dataset   string   `json:"dataset"`
		RunName   string   `json:"run_name,omitempty"`
		Status    string   `json:"status,omitempty"`
		MAP50_95  *float64 `json:"map50_95"`
		MAP50     *float64 `json:"map50"`
		MAP75     *float64 `json:"map75"`
		Precision *float64 `json:"precision"`
		Recall    *float64 `json:"recall"`
		Inference *float64 `json:"inference_ms"`
	}{
		Modelo:    r.Modelo,
		Dataset:   r.Dataset,
		RunName:   r.RunName,
		Status:    r.Status,
		MAP50_95:  finite(r.MAP50_95),
		MAP50:     finite(r.MAP50),
		MAP75:     finite(r.MAP75),
		Precision: finite(r.Precision),
		Recall:    finite(r.Recall),
		Inference: finite(r.Inference),
	})
}

func parseNumber(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

func hasMainMetrics(r Row) bool {
	for _, v := range []float64{r.MAP50_95, r.MAP50, r.Precision, r.Recall} {
		if math.IsNaN(v) {
			return false
		}
	}
	return true
}

// record gives access to a delimited row by column name.
type record struct {
	header map[string]int
	fields []string
}

func (r record) has(col string) bool {
	_, ok := r.header[col]
	return ok
}

func (r record) get(col string) string {
	i, ok := r.header[col]
	if !ok || i >= len(r.fields) {
		return ""
	}
	return r.fields[i]
}

// key identifies exact duplicates independently of the column order.
func (r record) key() string {
	cols := make([]string, 0, len(r.header))
	for col := range r.header {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	var b strings.Builder
	for _, col := range cols {
		b.WriteString(col)
		b.WriteByte('=')
		b.WriteString(r.get(col))
		b.WriteByte(0)
	}
	return b.String()
}

func findReports(dir, pattern string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("error listing reports: %w", err)
	}
	var files []string
	for _, m := range matches {
		if strings.HasPrefix(filepath.Base(m), exportPrefix) {
			continue
		}
		files = append(files, m)
	}
	sort.Strings(files)
	return files, nil
}

func readRecords(path string, comma rune) ([]record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening report %s: %w", path, err)
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.Comma = comma
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	head, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("error reading header of %s: %w", path, err)
	}
	header := make(map[string]int, len(head))
	for i, col := range head {
		header[strings.TrimSpace(strings.TrimPrefix(col, "\ufeff"))] = i
	}

	var records []record
	for {
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading %s: %w", path, err)
		}
		records = append(records, record{header: header, fields: fields})
	}
	return records, nil
}

// loadDeduplicated reads every file and drops rows that are exact duplicates
// of an earlier one.
func loadDeduplicated(files []string, comma rune) ([]record, error) {
	seen := make(map[string]struct{})
	var out []record
	for _, file := range files {
		records, err := readRecords(file, comma)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			k := rec.key()
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, rec)
		}
	}
	return out, nil
}

// LoadMetricReports aggregates the successful rows of every absolute metrics
// report in dir.
func LoadMetricReports(dir string) ([]Row, error) {
	files, err := findReports(dir, metricReportPattern)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, ErrNoReports
	}

	records, err := loadDeduplicated(files, ';')
	if err != nil {
		return nil, err
	}

	rows := make([]Row, 0, len(records))
	for _, rec := range records {
		if rec.get("status") != "SUCESSO" {
			continue
		}
		runName := rec.get("nome_run")
		modelo, _, _ := strings.Cut(runName, "_on_")
		row := Row{
			Modelo:    modelo,
			Dataset:   rec.get("dataset_nome"),
			RunName:   runName,
			Status:    rec.get("status"),
			MAP50_95:  parseNumber(rec.get("mAP50_95")),
			MAP50:     parseNumber(rec.get("mAP50")),
			MAP75:     parseNumber(rec.get("mAP75")),
			Precision: parseNumber(rec.get("precisao")),
			Recall:    parseNumber(rec.get("recall")),
			Inference: parseNumber(rec.get("velocidade_inference_ms")),
		}
		if !hasMainMetrics(row) {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

var (
	modelColumns   = []string{"Job_Name", "Modelo", "model", "modelo"}
	latencyColumns = []string{"Latency_ms", "velocidade_inference_ms"}
)

func firstColumn(rec record, candidates []string) (string, bool) {
	for _, col := range candidates {
		if rec.has(col) {
			return col, true
		}
	}
	return "", false
}

// LoadSummaries aggregates the training summary CSVs in dir. A zero latency
// is treated as missing.
func LoadSummaries(dir string) ([]Row, error) {
	files, err := findReports(dir, summaryPattern)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, ErrNoReports
	}

	records, err := loadDeduplicated(files, ',')
	if err != nil {
		return nil, err
	}

	rows := make([]Row, 0, len(records))
	for _, rec := range records {
		modelo := "-"
		if col, ok := firstColumn(rec, modelColumns); ok {
			modelo = rec.get(col)
		}

		inference := math.Inf(1)
		if col, ok := firstColumn(rec, latencyColumns); ok {
			inference = parseNumber(rec.get(col))
			if inference == 0 {
				inference = math.NaN()
			}
		}

		row := Row{
			Modelo:    modelo,
			Dataset:   rec.get("Dataset"),
			Status:    rec.get("Status"),
			MAP50_95:  parseNumber(rec.get("mAP50_95")),
			MAP50:     parseNumber(rec.get("mAP50")),
			MAP75:     math.NaN(),
			Precision: parseNumber(rec.get("Precision")),
			Recall:    parseNumber(rec.get("Recall")),
			Inference: inference,
		}
		if !hasMainMetrics(row) {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}
