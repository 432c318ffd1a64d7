package netgauge

import (
	"fmt"
	"io"
	"time"

	"ghostshell/app/netgauge/common"
)

// reportDocument flattens a report into the format-independent shape the
// shared renderer consumes.
func reportDocument(report *FinalReport) common.ReportDocument {
	doc := common.ReportDocument{
		Title:      "Network Analysis Report",
		Generated:  time.UnixMilli(report.Timestamp),
		Score:      report.OverallScore,
		Grade:      report.Grade.Code,
		GradeColor: report.Grade.Color,
		Raw:        report,
	}

	doc.Summary = []common.KV{
		{Label: "Grade", Value: fmt.Sprintf("%s (%s)", report.Grade.Code, report.Grade.Description)},
		{Label: "Download", Value: fmt.Sprintf("%.1f Mbps", report.DownloadSpeed)},
		{Label: "Upload", Value: fmt.Sprintf("%.1f Mbps", report.UploadSpeed)},
		{Label: "Latency", Value: fmt.Sprintf("%.1f ms", report.Latency)},
		{Label: "Jitter", Value: fmt.Sprintf("%.1f ms", report.Jitter)},
		{Label: "Packet Loss", Value: fmt.Sprintf("%.2f%%", report.PacketLoss)},
		{Label: "Duration", Value: fmt.Sprintf("%.1f s", float64(report.DurationMs)/1000)},
	}

	doc.Chart = []common.ChartValue{
		{Label: "Overall", Value: float64(report.OverallScore)},
	}

	if sec := report.Security; sec != nil {
		rows := []common.KV{
			{Label: "Security Score", Value: fmt.Sprintf("%.0f / 100", sec.Score)},
		}
		if sec.VPN != nil {
			rows = append(rows, common.KV{Label: "VPN", Value: sec.VPN.Status})
		}
		if sec.CaptivePortal != nil {
			rows = append(rows, common.KV{Label: "Captive Portal", Value: yesNo(sec.CaptivePortal.Detected)})
		}
		if sec.DNSLeak != nil {
			rows = append(rows, common.KV{Label: "DNS Leak Possible", Value: yesNo(sec.DNSLeak.Possible)})
		}
		if sec.SSL != nil {
			rows = append(rows, common.KV{Label: "TLS Grade", Value: sec.SSL.Grade})
		}
		doc.Sections = append(doc.Sections, common.ReportSection{Title: "Security", Rows: rows})
		doc.Chart = append(doc.Chart, common.ChartValue{Label: "Security", Value: sec.Score})
	}

	if prot := report.Protocols; prot != nil {
		rows := []common.KV{
			{Label: "Protocol Score", Value: fmt.Sprintf("%.0f / 100", prot.Score)},
		}
		if prot.IPv6 != nil {
			rows = append(rows, common.KV{Label: "IPv6", Value: yesNo(prot.IPv6.Supported)})
		}
		if prot.HTTP3 != nil {
			rows = append(rows, common.KV{Label: "HTTP/3", Value: yesNo(prot.HTTP3.Supported)})
		}
		if prot.CDN != nil && prot.CDN.Fastest != "" {
			rows = append(rows, common.KV{Label: "Fastest CDN", Value: prot.CDN.Fastest})
		}
		if prot.Stability != nil {
			rows = append(rows, common.KV{Label: "Stability", Value: fmt.Sprintf("%.1f%%", prot.Stability.SuccessRate)})
		}
		doc.Sections = append(doc.Sections, common.ReportSection{Title: "Protocols", Rows: rows})
		doc.Chart = append(doc.Chart, common.ChartValue{Label: "Protocols", Value: prot.Score})
	}

	if gaming := report.Gaming; gaming != nil {
		doc.Sections = append(doc.Sections, common.ReportSection{
			Title: "Gaming",
			Rows: []common.KV{
				{Label: "Rating", Value: gaming.Rating},
				{Label: "Latency", Value: fmt.Sprintf("%.1f ms", gaming.LatencyMs)},
				{Label: "Jitter", Value: fmt.Sprintf("%.1f ms", gaming.JitterMs)},
				{Label: "Packet Loss", Value: fmt.Sprintf("%.2f%%", gaming.PacketLoss)},
			},
		})
	}

	if voip := report.VoIPQuality; voip != nil {
		doc.Sections = append(doc.Sections, common.ReportSection{
			Title: "VoIP Quality",
			Rows: []common.KV{
				{Label: "MOS", Value: fmt.Sprintf("%.2f", voip.MOS)},
				{Label: "Rating", Value: voip.Rating},
			},
		})
	}

	if len(report.Capabilities) > 0 {
		rows := make([]common.KV, 0, len(report.Capabilities))
		for _, name := range capabilityNames() {
			met, ok := report.Capabilities[name]
			if !ok {
				continue
			}
			rows = append(rows, common.KV{Label: name, Value: yesNo(met)})
		}
		doc.Sections = append(doc.Sections, common.ReportSection{Title: "Capabilities", Rows: rows})
	}

	if len(report.Recommendations) > 0 {
		rows := make([]common.KV, 0, len(report.Recommendations))
		for _, rec := range report.Recommendations {
			rows = append(rows, common.KV{
				Label: fmt.Sprintf("[%s] %s", rec.Priority, rec.Title),
				Value: rec.Description,
			})
		}
		doc.Sections = append(doc.Sections, common.ReportSection{Title: "Recommendations", Rows: rows})
	}

	doc.Insights = report.Insights
	return doc
}

// WriteReport renders the report in the given format. An empty outputPath
// selects a timestamped file under the report directory. Returns the path
// of the written file.
func WriteReport(report *FinalReport, format string, outputPath string) (string, error) {
	generator := common.NewReportGenerator(reportDocument(report), "netgauge")
	if outputPath == "" {
		return generator.GenerateReport(common.ReportFormat(format))
	}
	return outputPath, generator.WriteFile(common.ReportFormat(format), outputPath)
}

// PrintSummary writes the human-readable run summary to w.
func PrintSummary(w io.Writer, report *FinalReport) {
	fmt.Fprintf(w, "\nOverall Score: %d / 100 (%s)\n", report.OverallScore, report.Grade.Code)
	fmt.Fprintf(w, "%s\n\n", report.Grade.Description)

	fmt.Fprintf(w, "  Download:    %8.1f Mbps\n", report.DownloadSpeed)
	fmt.Fprintf(w, "  Upload:      %8.1f Mbps\n", report.UploadSpeed)
	fmt.Fprintf(w, "  Latency:     %8.1f ms\n", report.Latency)
	fmt.Fprintf(w, "  Jitter:      %8.1f ms\n", report.Jitter)
	fmt.Fprintf(w, "  Packet Loss: %8.2f %%\n", report.PacketLoss)

	if sec := report.Security; sec != nil {
		fmt.Fprintf(w, "  Security:    %8.0f / 100\n", sec.Score)
	}
	if prot := report.Protocols; prot != nil {
		fmt.Fprintf(w, "  Protocols:   %8.0f / 100\n", prot.Score)
	}

	if len(report.Insights) > 0 {
		fmt.Fprintf(w, "\nInsights:\n")
		for _, insight := range report.Insights {
			fmt.Fprintf(w, "  - %s\n", insight)
		}
	}

	if len(report.Recommendations) > 0 {
		fmt.Fprintf(w, "\nRecommendations:\n")
		for _, rec := range report.Recommendations {
			fmt.Fprintf(w, "  - [%s] %s: %s\n", rec.Priority, rec.Title, rec.Description)
		}
	}

	fmt.Fprintf(w, "\nCompleted in %s\n", formatMillis(report.DurationMs))
}

func yesNo(v bool) string {
	if v {
		return "Yes"
	}
	return "No"
}

func formatMillis(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	return fmt.Sprintf("%.1fs", float64(ms)/1000)
}
