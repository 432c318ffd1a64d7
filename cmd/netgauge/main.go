package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/zap"

	netgauge "ghostshell/app/netgauge"
	"ghostshell/app/netgauge/common"
	"ghostshell/app/netgauge/connectivity"
	"ghostshell/app/netgauge/visualization"
)

func openBrowser(url string) error {
	var cmd string
	var args []string

	switch runtime.GOOS {
	case "windows":
		cmd = "cmd"
		args = []string{"/c", "start"}
	case "darwin":
		cmd = "open"
	default: // "linux", "freebsd", "openbsd", "netbsd"
		cmd = "xdg-open"
	}
	args = append(args, url)
	return exec.Command(cmd, args...).Start()
}

// logSink reports connectivity badge updates through the logger.
type logSink struct {
	logger *zap.Logger
}

func (s *logSink) SetStatus(text, color string) {
	s.logger.Info("Connectivity status", zap.String("status", text), zap.String("color", color))
}

// snapshotOf flattens a report into the dashboard's snapshot shape.
func snapshotOf(report *netgauge.FinalReport) visualization.Snapshot {
	snap := visualization.Snapshot{
		Score:        report.OverallScore,
		Grade:        report.Grade.Code,
		DownloadMbps: report.DownloadSpeed,
		UploadMbps:   report.UploadSpeed,
		LatencyMs:    report.Latency,
		JitterMs:     report.Jitter,
		PacketLoss:   report.PacketLoss,
		Duration:     time.Duration(report.DurationMs) * time.Millisecond,
	}
	if report.Security != nil {
		snap.SecurityScore = report.Security.Score
		snap.HasSecurity = true
	}
	if report.Protocols != nil {
		snap.ProtocolScore = report.Protocols.Score
		snap.HasProtocols = true
	}
	return snap
}

func main() {
	// Parse command line flags
	args, err := netgauge.ParseInput()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		netgauge.PrintUsage()
		os.Exit(1)
	}
	if err := netgauge.ValidateArgs(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Load configuration
	cfg := netgauge.DefaultConfig()
	if args.ConfigPath != "" {
		cfg, err = netgauge.LoadConfig(args.ConfigPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
			os.Exit(1)
		}
	}
	if args.Verbose {
		cfg.LogLevel = "debug"
	}
	netgauge.ApplyModuleSelection(cfg, args.Modules)

	// Initialize logger
	logger, err := netgauge.InitializeLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Create engine with run history
	engine := netgauge.NewEngine(cfg, logger)
	history := netgauge.NewHistoryStore(netgauge.NewFileStore(common.HistoryDir), cfg.HistoryRetention)
	engine.SetHistoryStore(history)

	// Create context that can be cancelled
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		engine.StopTests()
		cancel()
	}()

	if args.Serve {
		runServer(ctx, cancel, engine, history, cfg, args, logger)
		return
	}

	runOnce(ctx, engine, cfg, args, logger)
}

// runOnce executes a single analysis and writes the report.
func runOnce(ctx context.Context, engine *netgauge.Engine, cfg *netgauge.Config, args *netgauge.InputArgs, logger *zap.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, time.Duration(args.Timeout)*time.Second)
	defer cancel()

	engine.SetProgressCallback(func(ev common.ProgressEvent) {
		switch ev.Type {
		case common.ProgressPhase:
			fmt.Printf("\r%-40s\n", fmt.Sprintf("Running %s tests...", ev.Phase))
		case common.ProgressOverall:
			fmt.Printf("\rOverall progress: %3d%%", ev.Value)
		}
	})

	fmt.Println("Starting network analysis...")
	report, err := engine.RunCompleteAnalysis(runCtx)
	fmt.Println()
	if err != nil {
		if errors.Is(err, netgauge.ErrStopped) {
			fmt.Println("Test run stopped.")
		} else {
			logger.Error("Analysis failed", zap.Error(err))
			fmt.Fprintf(os.Stderr, "Analysis failed: %v\n", err)
		}
		os.Exit(1)
	}

	netgauge.PrintSummary(os.Stdout, report)

	format := args.OutputFormat
	if format == "" {
		format = cfg.OutputFormat
	}
	outputPath := args.OutputPath
	if outputPath == "" {
		outputPath = cfg.OutputPath
	}

	path, err := netgauge.WriteReport(report, format, outputPath)
	if err != nil {
		logger.Error("Failed to write report", zap.Error(err))
		fmt.Fprintf(os.Stderr, "Failed to write report: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\nReport written to %s\n", path)
}

// runServer starts the REST API, the dashboard and the connectivity
// monitor, then blocks until shutdown.
func runServer(ctx context.Context, cancel context.CancelFunc, engine *netgauge.Engine, history *netgauge.HistoryStore, cfg *netgauge.Config, args *netgauge.InputArgs, logger *zap.Logger) {
	// Create visualizer
	vis, err := visualization.NewVisualizer(logger)
	if err != nil {
		logger.Fatal("Failed to create visualizer", zap.Error(err))
	}

	engine.SetRunRecorder(vis)
	engine.AddReportObserver(func(report *netgauge.FinalReport) {
		vis.UpdateReport(snapshotOf(report), report)
	})

	// Create API
	api := netgauge.NewAPI(engine, history, logger)

	// Start connectivity monitor
	if cfg.Connectivity.Enabled {
		monitor := connectivity.NewMonitor(cfg.Connectivity, &logSink{logger: logger})
		api.AttachMonitor(monitor)
		go func() {
			if err := monitor.Run(ctx, logger); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Connectivity monitor stopped", zap.Error(err))
			}
		}()
	}

	// Start API server in a goroutine
	go func() {
		if err := api.Run(args.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("API server error", zap.Error(err))
			cancel()
		}
	}()

	// Start dashboard server in a goroutine
	go func() {
		if err := vis.Start(args.DashboardAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Dashboard server error", zap.Error(err))
			cancel()
		}
	}()

	// Give the servers a moment to start
	time.Sleep(time.Second)

	// Open browser on the dashboard
	url := fmt.Sprintf("http://localhost%s", args.DashboardAddr)
	if err := openBrowser(url); err != nil {
		logger.Error("Failed to open browser", zap.Error(err))
		fmt.Printf("Please open your browser and navigate to: %s\n", url)
	}

	fmt.Printf("API listening on %s\n", args.Addr)
	fmt.Printf("Dashboard available at %s\n", url)
	fmt.Println("Press Ctrl+C to exit.")

	// Keep running until context is cancelled
	<-ctx.Done()

	// Cleanup
	if err := vis.Stop(); err != nil {
		logger.Error("Failed to stop visualizer", zap.Error(err))
	}
}
