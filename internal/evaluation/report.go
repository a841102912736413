package evaluation

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

const Delimiter = ";"

var ReportColumns = []string{
	"nome_run", "status", "dataset_nome", "mAP50_95", "mAP50", "mAP75", "precisao", "recall",
	"velocidade_preprocess_ms", "velocidade_inference_ms", "velocidade_postprocess_ms", "mensagem_erro",
}

func ReportFileName(ts time.Time) string {
	return fmt.Sprintf("%s_%s.txt", ReportPrefix, ts.Format(reportTimeLayout))
}

// WriteReport writes the delimited absolute metrics report. Failed rows carry
// N/A metrics and the error message with newlines and delimiters replaced.
// Run and dataset names containing the delimiter are quoted.
func WriteReport(w io.Writer, results []Result) error {
	cw := csv.NewWriter(w)
	cw.Comma = rune(Delimiter[0])
	if err := cw.Write(ReportColumns); err != nil {
		return err
	}

	for _, r := range results {
		var fields []string
		if r.Status == StatusSuccess {
			fields = []string{
				r.RunName, r.Status, r.Dataset,
				fmt.Sprintf("%.5f", r.Metrics.MAP50_95),
				fmt.Sprintf("%.5f", r.Metrics.MAP50),
				fmt.Sprintf("%.5f", r.Metrics.MAP75),
				fmt.Sprintf("%.5f", r.Metrics.Precision),
				fmt.Sprintf("%.5f", r.Metrics.Recall),
				fmt.Sprintf("%.3f", r.Speed.Preprocess),
				fmt.Sprintf("%.3f", r.Speed.Inference),
				fmt.Sprintf("%.3f", r.Speed.Postprocess),
				"",
			}
		} else {
			msg := r.Error
			if msg == "" {
				msg = "unknown error"
			}
			msg = strings.ReplaceAll(strings.ReplaceAll(msg, "\n", " "), Delimiter, ",")
			dataset := r.Dataset
			if dataset == "" {
				dataset = NotAvailable
			}
			fields = []string{r.RunName, StatusFailure, dataset}
			for i := 0; i < 8; i++ {
				fields = append(fields, NotAvailable)
			}
			fields = append(fields, msg)
		}
		if err := cw.Write(fields); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeReportFile(path string, results []Result) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating report: %w", err)
	}
	defer f.Close()

	if err := WriteReport(f, results); err != nil {
		return fmt.Errorf("error writing report: %w", err)
	}
	return f.Close()
}
