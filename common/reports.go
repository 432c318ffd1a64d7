// Package common provides shared functionality for the measurement modules
package common

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/wcharczuk/go-chart/v2"
	"gopkg.in/yaml.v3"
)

// ReportFormat defines the supported report types
type ReportFormat string

const (
	ReportCSV      ReportFormat = "csv"
	ReportPDF      ReportFormat = "pdf"
	ReportJSON     ReportFormat = "json"
	ReportYAML     ReportFormat = "yaml"
	ReportHTML     ReportFormat = "html"
	ReportMarkdown ReportFormat = "md"
)

// KV is one labelled value in a rendered report.
type KV struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// ReportSection groups related rows under a heading.
type ReportSection struct {
	Title string `json:"title"`
	Rows  []KV   `json:"rows"`
}

// ChartValue is one bar in the summary chart.
type ChartValue struct {
	Label string  `json:"label"`
	Value float64 `json:"value"`
}

// ReportDocument is a format-independent description of a finished run.
// Raw carries the full structured payload for the JSON and YAML formats;
// the other formats render the flattened rows.
type ReportDocument struct {
	Title      string          `json:"title"`
	Generated  time.Time       `json:"generated"`
	Score      int             `json:"score"`
	Grade      string          `json:"grade"`
	GradeColor string          `json:"gradeColor"`
	Summary    []KV            `json:"summary"`
	Sections   []ReportSection `json:"sections"`
	Insights   []string        `json:"insights"`
	Chart      []ChartValue    `json:"chart"`
	Raw        interface{}     `json:"raw,omitempty"`
}

// ReportGenerator renders a document in various formats
type ReportGenerator struct {
	Document  ReportDocument
	BaseName  string
	CreatedAt time.Time
	OutputDir string
}

// NewReportGenerator creates a new report generator
func NewReportGenerator(doc ReportDocument, baseName string) *ReportGenerator {
	return &ReportGenerator{
		Document:  doc,
		BaseName:  baseName,
		CreatedAt: time.Now(),
		OutputDir: ReportDir,
	}
}

// GenerateReport writes a report in the specified format under OutputDir
// and returns the file path
func (rg *ReportGenerator) GenerateReport(format ReportFormat) (string, error) {
	timestamp := rg.CreatedAt.Format("20060102_150405")
	fileName := fmt.Sprintf("%s_%s.%s", rg.BaseName, timestamp, string(format))
	filePath := filepath.Join(rg.OutputDir, fileName)

	if err := os.MkdirAll(rg.OutputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}

	return filePath, rg.WriteFile(format, filePath)
}

// WriteFile renders the document into an explicit path
func (rg *ReportGenerator) WriteFile(format ReportFormat, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}

	switch format {
	case ReportCSV:
		return rg.writeCSV(path)
	case ReportPDF:
		return rg.writePDF(path)
	case ReportJSON:
		return rg.writeJSON(path)
	case ReportYAML:
		return rg.writeYAML(path)
	case ReportHTML:
		return rg.writeHTML(path)
	case ReportMarkdown:
		return rg.writeMarkdown(path)
	default:
		return fmt.Errorf("unsupported report format: %s", format)
	}
}

// GenerateAllReports generates reports in all supported formats
func (rg *ReportGenerator) GenerateAllReports() (map[ReportFormat]string, error) {
	formats := []ReportFormat{
		ReportCSV,
		ReportPDF,
		ReportJSON,
		ReportYAML,
		ReportHTML,
		ReportMarkdown,
	}

	results := make(map[ReportFormat]string)
	for _, format := range formats {
		path, err := rg.GenerateReport(format)
		if err != nil {
			return results, err
		}
		results[format] = path
	}

	if err := rg.GenerateCharts(); err != nil {
		return results, err
	}

	return results, nil
}

// GenerateCharts renders the component-score bar chart as a PNG
func (rg *ReportGenerator) GenerateCharts() error {
	if len(rg.Document.Chart) == 0 {
		return nil
	}

	chartDir := filepath.Join(rg.OutputDir, "charts")
	if err := os.MkdirAll(chartDir, 0755); err != nil {
		return fmt.Errorf("failed to create chart directory: %w", err)
	}

	timestamp := rg.CreatedAt.Format("20060102_150405")
	path := filepath.Join(chartDir, fmt.Sprintf("%s_chart_%s.png", rg.BaseName, timestamp))

	bars := make([]chart.Value, 0, len(rg.Document.Chart))
	for _, v := range rg.Document.Chart {
		bars = append(bars, chart.Value{Label: v.Label, Value: v.Value})
	}

	scoreChart := chart.BarChart{
		Title: rg.Document.Title,
		Background: chart.Style{
			Padding: chart.Box{
				Top:    40,
				Left:   20,
				Right:  20,
				Bottom: 20,
			},
		},
		Height:   512,
		Width:    1024,
		BarWidth: 60,
		Bars:     bars,
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return scoreChart.Render(chart.PNG, f)
}

// writeCSV flattens the document into section/metric/value rows
func (rg *ReportGenerator) writeCSV(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %w", err)
	}
	defer f.Close()

	writer := csv.NewWriter(f)
	defer writer.Flush()

	if err := writer.Write([]string{"Section", "Metric", "Value"}); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	rows := [][]string{
		{"Summary", "Generated", rg.Document.Generated.Format(time.RFC3339)},
		{"Summary", "Overall Score", strconv.Itoa(rg.Document.Score)},
		{"Summary", "Grade", rg.Document.Grade},
	}
	for _, kv := range rg.Document.Summary {
		rows = append(rows, []string{"Summary", kv.Label, kv.Value})
	}
	for _, section := range rg.Document.Sections {
		for _, kv := range section.Rows {
			rows = append(rows, []string{section.Title, kv.Label, kv.Value})
		}
	}
	for i, insight := range rg.Document.Insights {
		rows = append(rows, []string{"Insights", fmt.Sprintf("Insight %d", i+1), insight})
	}

	for _, row := range rows {
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	return nil
}

// writePDF renders the document as a paginated PDF
func (rg *ReportGenerator) writePDF(path string) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.AddPage()

	// Title
	pdf.SetFont("Arial", "B", 16)
	pdf.Cell(40, 10, rg.Document.Title)
	pdf.Ln(14)

	pdf.SetFont("Arial", "I", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Generated on %s", rg.Document.Generated.Format("2006-01-02 15:04:05")))
	pdf.Ln(12)

	// Score and grade in the grade color
	r, g, b := parseHexColor(rg.Document.GradeColor)
	pdf.SetFont("Arial", "B", 14)
	pdf.SetTextColor(r, g, b)
	pdf.Cell(0, 10, fmt.Sprintf("Overall Score: %d / 100  (%s)", rg.Document.Score, rg.Document.Grade))
	pdf.SetTextColor(0, 0, 0)
	pdf.Ln(14)

	// Summary rows
	pdf.SetFont("Arial", "B", 12)
	pdf.Cell(0, 8, "Summary:")
	pdf.Ln(8)
	pdf.SetFont("Arial", "", 11)
	for _, kv := range rg.Document.Summary {
		pdf.Cell(70, 6, kv.Label)
		pdf.Cell(0, 6, kv.Value)
		pdf.Ln(6)
	}
	pdf.Ln(6)

	// Sections
	for _, section := range rg.Document.Sections {
		pdf.SetFont("Arial", "B", 12)
		pdf.Cell(0, 8, section.Title+":")
		pdf.Ln(8)
		pdf.SetFont("Arial", "", 11)
		for _, kv := range section.Rows {
			pdf.Cell(70, 6, kv.Label)
			pdf.Cell(0, 6, kv.Value)
			pdf.Ln(6)
		}
		pdf.Ln(6)
	}

	// Insights
	if len(rg.Document.Insights) > 0 {
		pdf.SetFont("Arial", "B", 12)
		pdf.Cell(0, 8, "Insights:")
		pdf.Ln(8)
		pdf.SetFont("Arial", "", 11)
		for _, insight := range rg.Document.Insights {
			pdf.MultiCell(0, 6, "- "+insight, "", "", false)
			pdf.Ln(1)
		}
	}

	return pdf.OutputFileAndClose(path)
}

// writeJSON writes the structured payload
func (rg *ReportGenerator) writeJSON(path string) error {
	payload := rg.Document.Raw
	if payload == nil {
		payload = rg.Document
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write JSON file: %w", err)
	}

	return nil
}

// writeYAML writes the structured payload
func (rg *ReportGenerator) writeYAML(path string) error {
	payload := rg.Document.Raw
	if payload == nil {
		payload = rg.Document
	}

	data, err := yaml.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write YAML file: %w", err)
	}

	return nil
}

// writeHTML renders a standalone page with the score badge and sections
func (rg *ReportGenerator) writeHTML(path string) error {
	header := `<!DOCTYPE html>
<html>
<head>
    <title>%s</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        h1 { color: #333; }
        .badge { display: inline-block; padding: 10px 20px; border-radius: 8px; color: #fff; font-size: 1.4em; background-color: %s; }
        .summary { margin: 20px 0; padding: 10px; background-color: #f5f5f5; border-radius: 5px; }
        .section { margin: 20px 0; }
        .section-title { font-weight: bold; font-size: 1.2em; }
        table { border-collapse: collapse; margin-top: 8px; }
        td { padding: 4px 12px 4px 0; color: #444; }
        .insights { margin: 20px 0; padding: 10px; background-color: #eef6ff; border-radius: 5px; }
    </style>
</head>
<body>
    <h1>%s</h1>
    <p>Generated on: %s</p>
    <div class="badge">%d / 100 &mdash; %s</div>
`

	content := fmt.Sprintf(header,
		rg.Document.Title,
		rg.Document.GradeColor,
		rg.Document.Title,
		rg.Document.Generated.Format("2006-01-02 15:04:05"),
		rg.Document.Score,
		rg.Document.Grade,
	)

	content += "<div class=\"summary\">\n<table>\n"
	for _, kv := range rg.Document.Summary {
		content += fmt.Sprintf("<tr><td><strong>%s</strong></td><td>%s</td></tr>\n", kv.Label, kv.Value)
	}
	content += "</table>\n</div>\n"

	for _, section := range rg.Document.Sections {
		content += fmt.Sprintf("<div class=\"section\">\n<div class=\"section-title\">%s</div>\n<table>\n", section.Title)
		for _, kv := range section.Rows {
			content += fmt.Sprintf("<tr><td>%s</td><td>%s</td></tr>\n", kv.Label, kv.Value)
		}
		content += "</table>\n</div>\n"
	}

	if len(rg.Document.Insights) > 0 {
		content += "<div class=\"insights\">\n<ul>\n"
		for _, insight := range rg.Document.Insights {
			content += fmt.Sprintf("<li>%s</li>\n", insight)
		}
		content += "</ul>\n</div>\n"
	}

	content += "</body>\n</html>"

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write HTML file: %w", err)
	}

	return nil
}

// writeMarkdown renders the document as Markdown
func (rg *ReportGenerator) writeMarkdown(path string) error {
	var md strings.Builder

	md.WriteString(fmt.Sprintf("# %s\n\n", rg.Document.Title))
	md.WriteString(fmt.Sprintf("Generated on: %s\n\n", rg.Document.Generated.Format("2006-01-02 15:04:05")))
	md.WriteString(fmt.Sprintf("**Overall Score:** %d / 100 (%s)\n\n", rg.Document.Score, rg.Document.Grade))

	md.WriteString("## Summary\n\n")
	for _, kv := range rg.Document.Summary {
		md.WriteString(fmt.Sprintf("- **%s:** %s\n", kv.Label, kv.Value))
	}
	md.WriteString("\n")

	for _, section := range rg.Document.Sections {
		md.WriteString(fmt.Sprintf("## %s\n\n", section.Title))
		for _, kv := range section.Rows {
			md.WriteString(fmt.Sprintf("- **%s:** %s\n", kv.Label, kv.Value))
		}
		md.WriteString("\n")
	}

	if len(rg.Document.Insights) > 0 {
		md.WriteString("## Insights\n\n")
		for _, insight := range rg.Document.Insights {
			md.WriteString(fmt.Sprintf("- %s\n", insight))
		}
		md.WriteString("\n")
	}

	if err := os.WriteFile(path, []byte(md.String()), 0644); err != nil {
		return fmt.Errorf("failed to write Markdown file: %w", err)
	}

	return nil
}

// parseHexColor converts "#rrggbb" into its components. Unparseable input
// falls back to black.
func parseHexColor(s string) (int, int, int) {
	s = strings.TrimPrefix(s, "#")
	if len(s) != 6 {
		return 0, 0, 0
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, 0, 0
	}
	return int(v >> 16), int((v >> 8) & 0xff), int(v & 0xff)
}
