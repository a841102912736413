package reports

import (
	"encoding/csv"
	"fmt"
	"html/template"
	"io"
	"math"
	"strconv"
	"time"
)

var tableHeaders = []string{"Modelo", "Dataset", "mAP50-95", "mAP50", "Precisão (P)", "Recall (R)", "Velocidade (ms)"}

var tableTemplate = template.Must(template.New("table").Parse(`<!DOCTYPE html>
<html lang="pt-br">
<head>
<meta charset="UTF-8">
<title>Tabela de Resultados</title>
<style>
body { font-family: 'Times New Roman', Times, serif; font-size: 12pt; }
table { border-collapse: collapse; width: 100%; margin-top: 20px; margin-bottom: 10px; }
th, td { border: 1px solid black; padding: 4px 8px; text-align: center; }
th { background-color: #f2f2f2; }
td.text-cell { text-align: left; }
caption { caption-side: top; font-weight: bold; font-size: 12pt; padding-bottom: 10px; text-align: center; }
.footer { font-size: 10pt; text-align: left; margin-top: 5px; }
</style>
</head>
<body>
<table>
<caption>Tabela 1 - Resumo Comparativo dos Resultados da Validação (gerado em {{.Date}})</caption>
<thead><tr>{{range .Headers}}<th>{{.}}</th>{{end}}</tr></thead>
<tbody>
{{range .Rows}}<tr>{{range .}}<td{{if .Text}} class="text-cell"{{end}}>{{if .Bold}}<b>{{.Value}}</b>{{else}}{{.Value}}{{end}}</td>{{end}}</tr>
{{end}}</tbody>
</table>
<div class="footer">Fonte: Elaborado pelo autor ({{.Year}}).</div>
</body>
</html>
`))

type tableCell struct {
	Value string
	Bold  bool
	Text  bool
}

type tableData struct {
	Date    string
	Year    int
	Headers []string
	Rows    [][]tableCell
}

func formatCell(v float64, decimals int) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "-"
	}
	return strconv.FormatFloat(v, 'f', decimals, 64)
}

// WriteHTMLTable renders rows as an ABNT styled table. The best value of every
// metric within a dataset is bold.
func WriteHTMLTable(w io.Writer, rows []Row, now time.Time) error {
	highlights := Highlights(rows)

	data := tableData{
		Date:    now.Format("02/01/2006"),
		Year:    now.Year(),
		Headers: tableHeaders,
	}

	for _, i := range SortedOrder(rows) {
		r := rows[i]
		h := highlights[r.Dataset]
		data.Rows = append(data.Rows, []tableCell{
			{Value: r.Modelo, Text: true},
			{Value: r.Dataset, Text: true},
			{Value: formatCell(r.MAP50_95, 3), Bold: h.BestMAP50_95 == i},
			{Value: formatCell(r.MAP50, 3), Bold: h.BestMAP50 == i},
			{Value: formatCell(r.Precision, 3), Bold: h.BestPrecision == i},
			{Value: formatCell(r.Recall, 3), Bold: h.BestRecall == i},
			{Value: formatCell(r.Inference, 1), Bold: h.Fastest == i},
		})
	}

	if err := tableTemplate.Execute(w, data); err != nil {
		return fmt.Errorf("error rendering table: %w", err)
	}
	return nil
}

var csvTableColumns = []string{
	"Modelo", "Dataset", "nome_run", "mAP50-95", "mAP50", "mAP75", "Precisão (P)", "Recall (R)", "velocidade_inference_ms",
}

func csvNumber(v float64) string {
	switch {
	case math.IsNaN(v):
		return ""
	case math.IsInf(v, 1):
		return "inf"
	}
	return strconv.FormatFloat(v, 'f', 5, 64)
}

// WriteCSVTable exports rows as a UTF-8 CSV with a byte order mark so that
// spreadsheet tools detect the encoding.
func WriteCSVTable(w io.Writer, rows []Row) error {
	if _, err := io.WriteString(w, "\ufeff"); err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(csvTableColumns); err != nil {
		return err
	}
	for _, r := range rows {
		record := []string{
			r.Modelo,
			r.Dataset,
			r.RunName,
			csvNumber(r.MAP50_95),
			csvNumber(r.MAP50),
			csvNumber(r.MAP75),
			csvNumber(r.Precision),
			csvNumber(r.Recall),
			csvNumber(r.Inference),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
