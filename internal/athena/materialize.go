package athena

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"html/template"
	"time"
)

// htmlRowLimit caps how many data rows the HTML report renders. The CSV
// artifact always carries the full fetched set.
const htmlRowLimit = 100

// buildCSV renders the header and rows with RFC-4180 quoting. Cells with
// commas, quotes, or newlines round-trip through any compliant reader.
func buildCSV(columns []string, rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if len(columns) > 0 {
		if err := w.Write(columns); err != nil {
			return nil, err
		}
	}
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type reportData struct {
	Title            string
	QueryExecutionID string
	SQL              string
	Columns          []string
	Rows             [][]string
	RenderedAt       time.Time
}

type reportView struct {
	Title            string
	QueryExecutionID string
	SQL              string
	Columns          []string
	Rows             [][]string
	RowCount         int
	ColumnCount      int
	Omitted          int
	RenderedAt       string
}

var reportTemplate = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{if .Title}}{{.Title}}{{else}}Query Results{{end}}</title>
<style>
body { font-family: sans-serif; margin: 2em; }
table { border-collapse: collapse; }
th, td { border: 1px solid #ccc; padding: 4px 8px; text-align: left; }
th { background: #f0f0f0; }
pre { background: #f8f8f8; padding: 8px; }
.meta { color: #666; font-size: 0.9em; }
</style>
</head>
<body>
<h1>{{if .Title}}{{.Title}}{{else}}Query Results{{end}}</h1>
<p class="meta">Execution {{.QueryExecutionID}} &middot; {{.RowCount}} rows &middot; {{.ColumnCount}} columns &middot; rendered {{.RenderedAt}}</p>
<pre>{{.SQL}}</pre>
<table>
<tr>{{range .Columns}}<th>{{.}}</th>{{end}}</tr>
{{range .Rows}}<tr>{{range .}}<td>{{.}}</td>{{end}}</tr>
{{end}}</table>
{{if gt .Omitted 0}}<p class="meta">...and {{.Omitted}} more rows</p>{{end}}
</body>
</html>
`))

// buildHTML renders the report, truncated to the display row limit with an
// omission notice.
func buildHTML(data reportData) ([]byte, error) {
	view := reportView{
		Title:            data.Title,
		QueryExecutionID: data.QueryExecutionID,
		SQL:              data.SQL,
		Columns:          data.Columns,
		Rows:             data.Rows,
		RowCount:         len(data.Rows),
		ColumnCount:      len(data.Columns),
		RenderedAt:       data.RenderedAt.Format(time.RFC3339),
	}
	if len(view.Rows) > htmlRowLimit {
		view.Omitted = len(view.Rows) - htmlRowLimit
		view.Rows = view.Rows[:htmlRowLimit]
	}
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, view); err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}
	return buf.Bytes(), nil
}
