package training

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"
)

var SummaryColumns = []string{
	"modelo", "Dataset", "Base_Model", "Status", "mAP50_95", "mAP50", "Precision", "Recall",
	"F1_Score", "Latency_ms", "Training_Time_Min", "Output_Dir", "Error",
}

func SummaryFileName(prefix string, ts time.Time) string {
	return fmt.Sprintf("%s_resumo_comparativo_%s.csv", prefix, ts.Format(runTimeLayout))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func WriteSummaryCSV(w io.Writer, results []Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(SummaryColumns); err != nil {
		return fmt.Errorf("error writing summary header: %w", err)
	}

	for _, r := range results {
		row := []string{
			r.Modelo,
			r.Dataset,
			r.BaseModel,
			r.Status,
			formatFloat(r.MAP50_95),
			formatFloat(r.MAP50),
			formatFloat(r.Precision),
			formatFloat(r.Recall),
			formatFloat(r.F1Score),
			formatFloat(r.LatencyMs),
			formatFloat(r.TrainingTimeMin),
			r.OutputDir,
			r.Error,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("error writing summary row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}
