// Package visualization serves the live dashboard and Prometheus metrics
// for completed analysis runs.
package visualization

import (
	"embed"
	"encoding/json"
	"html/template"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

//go:embed templates/*
var templateFS embed.FS

// Snapshot carries the headline numbers of a completed run. Security and
// protocol scores are only meaningful when their Has flag is set.
type Snapshot struct {
	Score         int
	Grade         string
	DownloadMbps  float64
	UploadMbps    float64
	LatencyMs     float64
	JitterMs      float64
	PacketLoss    float64
	SecurityScore float64
	HasSecurity   bool
	ProtocolScore float64
	HasProtocols  bool
	Duration      time.Duration
}

// Visualizer manages the web-based visualization of analysis runs
type Visualizer struct {
	logger     *zap.Logger
	mu         sync.RWMutex
	snapshot   *Snapshot
	report     interface{}
	updatedAt  time.Time
	httpServer *http.Server
	metrics    *metrics
}

// metrics holds Prometheus metrics for analysis runs
type metrics struct {
	overallScore  prometheus.Gauge
	downloadMbps  prometheus.Gauge
	uploadMbps    prometheus.Gauge
	latencyMs     prometheus.Gauge
	securityScore prometheus.Gauge
	protocolScore prometheus.Gauge
	runsTotal     *prometheus.CounterVec
	runDuration   prometheus.Histogram
}

// NewVisualizer creates a new web-based visualizer
func NewVisualizer(logger *zap.Logger) (*Visualizer, error) {
	return newVisualizer(logger, prometheus.DefaultRegisterer)
}

func newVisualizer(logger *zap.Logger, reg prometheus.Registerer) (*Visualizer, error) {
	// Initialize Prometheus metrics
	m := &metrics{
		overallScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "netgauge_overall_score",
			Help: "Overall connection score of the latest run (0-100)",
		}),
		downloadMbps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "netgauge_download_mbps",
			Help: "Average download throughput of the latest run",
		}),
		uploadMbps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "netgauge_upload_mbps",
			Help: "Average upload throughput of the latest run",
		}),
		latencyMs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "netgauge_latency_ms",
			Help: "Average latency of the latest run",
		}),
		securityScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "netgauge_security_score",
			Help: "Security score of the latest run (0-100)",
		}),
		protocolScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "netgauge_protocol_score",
			Help: "Protocol score of the latest run (0-100)",
		}),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netgauge_runs_total",
			Help: "Total analysis runs by outcome",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "netgauge_run_duration_seconds",
			Help:    "Duration of complete analysis runs",
			Buckets: prometheus.LinearBuckets(15, 15, 10),
		}),
	}

	// Register metrics
	reg.MustRegister(m.overallScore)
	reg.MustRegister(m.downloadMbps)
	reg.MustRegister(m.uploadMbps)
	reg.MustRegister(m.latencyMs)
	reg.MustRegister(m.securityScore)
	reg.MustRegister(m.protocolScore)
	reg.MustRegister(m.runsTotal)
	reg.MustRegister(m.runDuration)

	return &Visualizer{
		logger:  logger,
		metrics: m,
	}, nil
}

// Start initializes and starts the web server
func (v *Visualizer) Start(addr string) error {
	// Create router
	mux := http.NewServeMux()

	// Register handlers
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", v.handleDashboard)
	mux.HandleFunc("/api/report", v.handleReport)

	// Create server
	v.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	// Start server
	v.logger.Info("Starting visualization server", zap.String("addr", addr))
	return v.httpServer.ListenAndServe()
}

// Stop gracefully shuts down the server
func (v *Visualizer) Stop() error {
	if v.httpServer != nil {
		return v.httpServer.Close()
	}
	return nil
}

// RecordRun counts a run outcome (completed, failed, stopped).
func (v *Visualizer) RecordRun(outcome string) {
	v.metrics.runsTotal.WithLabelValues(outcome).Inc()
}

// UpdateReport publishes the latest run to the dashboard and the gauges.
// The report value is served verbatim on /api/report.
func (v *Visualizer) UpdateReport(snap Snapshot, report interface{}) {
	v.mu.Lock()
	v.snapshot = &snap
	v.report = report
	v.updatedAt = time.Now()
	v.mu.Unlock()

	// Update metrics
	v.metrics.overallScore.Set(float64(snap.Score))
	v.metrics.downloadMbps.Set(snap.DownloadMbps)
	v.metrics.uploadMbps.Set(snap.UploadMbps)
	v.metrics.latencyMs.Set(snap.LatencyMs)
	if snap.HasSecurity {
		v.metrics.securityScore.Set(snap.SecurityScore)
	}
	if snap.HasProtocols {
		v.metrics.protocolScore.Set(snap.ProtocolScore)
	}
	v.metrics.runDuration.Observe(snap.Duration.Seconds())
}

// handleDashboard serves the main dashboard page
func (v *Visualizer) handleDashboard(w http.ResponseWriter, r *http.Request) {
	tmpl, err := template.ParseFS(templateFS, "templates/dashboard.html")
	if err != nil {
		http.Error(w, "Failed to load template", http.StatusInternalServerError)
		return
	}

	v.mu.RLock()
	data := struct {
		Snapshot  *Snapshot
		UpdatedAt time.Time
		Time      time.Time
	}{
		Snapshot:  v.snapshot,
		UpdatedAt: v.updatedAt,
		Time:      time.Now(),
	}
	v.mu.RUnlock()

	if err := tmpl.Execute(w, data); err != nil {
		http.Error(w, "Failed to render template", http.StatusInternalServerError)
		return
	}
}

// handleReport serves the latest report as JSON
func (v *Visualizer) handleReport(w http.ResponseWriter, r *http.Request) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v.report); err != nil {
		http.Error(w, "Failed to encode report", http.StatusInternalServerError)
		return
	}
}
