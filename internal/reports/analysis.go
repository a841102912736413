package reports

import (
	"math"
	"sort"
)

// Highlight holds, for one dataset, the index in the input slice of the best
// row per metric. Fastest is -1 when no row has a finite inference time.
type Highlight struct {
	Dataset       string `json:"dataset"`
	BestMAP50_95  int    `json:"best_map50_95"`
	BestMAP50     int    `json:"best_map50"`
	BestPrecision int    `json:"best_precision"`
	BestRecall    int    `json:"best_recall"`
	Fastest       int    `json:"fastest"`
}

func argBest(rows []Row, indices []int, value func(Row) float64, better func(a, b float64) bool) int {
	best := -1
	for _, i := range indices {
		v := value(rows[i])
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		if best < 0 || better(v, value(rows[best])) {
			best = i
		}
	}
	return best
}

func greater(a, b float64) bool { return a > b }
func less(a, b float64) bool { return a < b }

func groupByDataset(rows []Row) map[string][]int {
	groups := make(map[string][]int)
	for i, r := range rows {
		groups[r.Dataset] = append(groups[r.Dataset], i)
	}
	return groups
}

// Highlights finds the best row of every dataset. Ties go to the first row.
func Highlights(rows []Row) map[string]Highlight {
	out := make(map[string]Highlight)
	for dataset, indices := range groupByDataset(rows) {
		out[dataset] = Highlight{
			Dataset:       dataset,
			BestMAP50_95:  argBest(rows, indices, func(r Row) float64 { return r.MAP50_95 }, greater),
			BestMAP50:     argBest(rows, indices, func(r Row) float64 { return r.MAP50 }, greater),
			BestPrecision: argBest(rows, indices, func(r Row) float64 { return r.Precision }, greater),
			BestRecall:    argBest(rows, indices, func(r Row) float64 { return r.Recall }, greater),
			Fastest:       argBest(rows, indices, func(r Row) float64 { return r.Inference }, less),
		}
	}
	return out
}

// SortedOrder returns the row indices ordered by dataset, then by mAP50-95
// from best to worst.
func SortedOrder(rows []Row) []int {
	order := make([]int, len(rows))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ra, rb := rows[order[a]], rows[order[b]]
		if ra.Dataset != rb.Dataset {
			return ra.Dataset < rb.Dataset
		}
		return ra.MAP50_95 > rb.MAP50_95
	})
	return order
}

var PivotMetrics = []string{"mAP50-95", "mAP50", "Precision", "Recall", "Inferencia (ms)"}

func metricValue(r Row, metric string) float64 {
	switch metric {
	case "mAP50-95":
		return r.MAP50_95
	case "mAP50":
		return r.MAP50
	case "Precision":
		return r.Precision
	case "Recall":
		return r.Recall
	case "Inferencia (ms)":
		return r.Inference
	}
	return math.NaN()
}

type PivotRow struct {
	Modelo string `json:"modelo"`
	// Values is indexed by dataset, then metric. A nil value means no data.
	Values map[string]map[string]*float64 `json:"values"`
}

type PivotTable struct {
	Datasets []string   `json:"datasets"`
	Metrics  []string   `json:"metrics"`
	Rows     []PivotRow `json:"rows"`
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

type accumulator struct {
	sum float64
	n   int
}

func (a *accumulator) add(v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	a.sum += v
	a.n++
}

func (a *accumulator) mean() *float64 {
	if a == nil || a.n == 0 {
		return nil
	}
	v := round3(a.sum / float64(a.n))
	return &v
}

// Pivot averages every metric per model and dataset, rounded to three
// decimals. Models and datasets are sorted.
func Pivot(rows []Row) PivotTable {
	cells := make(map[string]map[string]map[string]*accumulator)
	datasetSet := make(map[string]struct{})

	for _, r := range rows {
		datasetSet[r.Dataset] = struct{}{}
		byDataset, ok := cells[r.Modelo]
		if !ok {
			byDataset = make(map[string]map[string]*accumulator)
			cells[r.Modelo] = byDataset
		}
		byMetric, ok := byDataset[r.Dataset]
		if !ok {
			byMetric = make(map[string]*accumulator)
			byDataset[r.Dataset] = byMetric
		}
		for _, metric := range PivotMetrics {
			acc, ok := byMetric[metric]
			if !ok {
				acc = &accumulator{}
				byMetric[metric] = acc
			}
			acc.add(metricValue(r, metric))
		}
	}

	table := PivotTable{Datasets: sortedKeys(datasetSet), Metrics: PivotMetrics}
	models := make([]string, 0, len(cells))
	for m := range cells {
		models = append(models, m)
	}
	sort.Strings(models)

	for _, modelo := range models {
		row := PivotRow{Modelo: modelo, Values: make(map[string]map[string]*float64)}
		for _, dataset := range table.Datasets {
			values := make(map[string]*float64, len(PivotMetrics))
			for _, metric := range PivotMetrics {
				values[metric] = cells[modelo][dataset][metric].mean()
			}
			row.Values[dataset] = values
		}
		table.Rows = append(table.Rows, row)
	}
	return table
}

// ModelAverage is the mean of every metric of a model over all datasets.
type ModelAverage struct {
	Modelo    string   `json:"modelo"`
	MAP50_95  *float64 `json:"map50_95"`
	MAP50     *float64 `json:"map50"`
	Precision *float64 `json:"precision"`
	Recall    *float64 `json:"recall"`
	Inference *float64 `json:"inference_ms"`
}

func ModelAverages(rows []Row) []ModelAverage {
	accs := make(map[string][]accumulator)
	for _, r := range rows {
		a, ok := accs[r.Modelo]
		if !ok {
			a = make([]accumulator, len(PivotMetrics))
			accs[r.Modelo] = a
		}
		for i, metric := range PivotMetrics {
			a[i].add(metricValue(r, metric))
		}
	}

	models := make([]string, 0, len(accs))
	for m := range accs {
		models = append(models, m)
	}
	sort.Strings(models)

	out := make([]ModelAverage, 0, len(models))
	for _, m := range models {
		a := accs[m]
		out = append(out, ModelAverage{
			Modelo:    m,
			MAP50_95:  a[0].mean(),
			MAP50:     a[1].mean(),
			Precision: a[2].mean(),
			Recall:    a[3].mean(),
			Inference: a[4].mean(),
		})
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
