// Package netgauge drives the measurement modules through a complete
// network analysis and distils their records into a scored report.
package netgauge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"ghostshell/app/netgauge/common"
	"ghostshell/app/netgauge/latency"
	"ghostshell/app/netgauge/probe"
	"ghostshell/app/netgauge/protocol"
	"ghostshell/app/netgauge/security"
	"ghostshell/app/netgauge/speed"
)

// Phase names reported through progress events.
const (
	PhaseSecurity  = "Security"
	PhaseLatency   = "Latency"
	PhaseSpeed     = "Speed"
	PhaseProtocols = "Protocols"
)

var (
	// ErrTestRunning is returned when a run is requested while one is active.
	ErrTestRunning = errors.New("a test run is already active")
	// ErrStopped is returned when the run was aborted by StopTests or by
	// the caller's context. Partial records remain readable via GetResults.
	ErrStopped = errors.New("test run stopped")
	// ErrNoModules is returned when every module is disabled.
	ErrNoModules = errors.New("no modules enabled in configuration")
)

// Results accumulates the per-module records of the current or most recent
// run. Fields stay nil until their phase stores a record.
type Results struct {
	Security  *security.Results `json:"security,omitempty"`
	Latency   *latency.Results  `json:"latency,omitempty"`
	Speed     *speed.Results    `json:"speed,omitempty"`
	Protocols *protocol.Results `json:"protocols,omitempty"`
}

// Status is a point-in-time view of the engine for status queries.
type Status struct {
	Running  bool   `json:"running"`
	Phase    string `json:"phase,omitempty"`
	Progress int    `json:"progress"`
}

// ModuleInfo describes one measurement module for listing endpoints.
type ModuleInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
}

// ReportObserver is notified synchronously after every completed run.
type ReportObserver func(*FinalReport)

// RunRecorder counts run outcomes for external metrics sinks.
type RunRecorder interface {
	RecordRun(outcome string)
}

// Engine owns the module runners and sequences them through the fixed
// phase order Security, Latency, Speed, Protocols. One run at a time.
type Engine struct {
	mu     sync.Mutex
	config *Config
	logger *zap.Logger

	progressCb common.ProgressCallback
	speedCb    common.SpeedCallback
	observers  []ReportObserver
	recorder   RunRecorder
	history    *HistoryStore

	running         bool
	currentPhase    string
	overallProgress int
	cancel          context.CancelFunc

	results Results
	report  *FinalReport

	// buildPhases overrides the default phase set in tests.
	buildPhases func(cfg *Config) []phase
}

// phase pairs a module run with its share of the overall progress bar.
type phase struct {
	name    string
	weight  int
	enabled bool
	run     func(context.Context) error
}

// NewEngine creates an engine around the given configuration. A nil config
// selects the defaults; a nil logger discards log output.
func NewEngine(cfg *Config, logger *zap.Logger) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{config: cfg, logger: logger}
}

// SetProgressCallback installs the progress observer. Events are delivered
// synchronously from the measuring goroutine and must not block.
func (e *Engine) SetProgressCallback(cb common.ProgressCallback) {
	e.mu.Lock()
	e.progressCb = cb
	e.mu.Unlock()
}

// SetSpeedCallback installs the instantaneous-throughput observer.
func (e *Engine) SetSpeedCallback(cb common.SpeedCallback) {
	e.mu.Lock()
	e.speedCb = cb
	e.mu.Unlock()
}

// AddReportObserver registers a sink for completed reports.
func (e *Engine) AddReportObserver(obs ReportObserver) {
	e.mu.Lock()
	e.observers = append(e.observers, obs)
	e.mu.Unlock()
}

// SetRunRecorder installs the run-outcome counter.
func (e *Engine) SetRunRecorder(rec RunRecorder) {
	e.mu.Lock()
	e.recorder = rec
	e.mu.Unlock()
}

// SetHistoryStore enables persistence of completed reports.
func (e *Engine) SetHistoryStore(h *HistoryStore) {
	e.mu.Lock()
	e.history = h
	e.mu.Unlock()
}

// GetConfig returns a snapshot of the current configuration.
func (e *Engine) GetConfig() *Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config.Clone()
}

// UpdateConfig overlays a JSON patch onto the current configuration at the
// top level and validates the result. The merged config applies from the
// next run onward; an active run keeps its snapshot.
func (e *Engine) UpdateConfig(patch []byte) (*Config, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	merged, err := MergeConfig(e.config, patch)
	if err != nil {
		return nil, err
	}
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	e.config = merged
	return merged.Clone(), nil
}

// GetResults returns the records accumulated so far. After a cancelled run
// this is the only way to read the partial measurements.
func (e *Engine) GetResults() Results {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.results
}

// LastReport returns the most recent completed report, or nil.
func (e *Engine) LastReport() *FinalReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.report
}

// GetStatus reports whether a run is active, its phase, and its progress.
func (e *Engine) GetStatus() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Running:  e.running,
		Phase:    e.currentPhase,
		Progress: e.overallProgress,
	}
}

// Modules lists the measurement modules with their enabled state.
func (e *Engine) Modules() []ModuleInfo {
	e.mu.Lock()
	cfg := e.config.Clone()
	e.mu.Unlock()

	sec := security.New(cfg.SecurityTests)
	lat := latency.New(cfg.LatencyTests)
	spd := speed.New(cfg.DownloadTests, cfg.UploadTests)
	prot := protocol.New(cfg.ProtocolTests)

	return []ModuleInfo{
		{Name: sec.GetName(), Description: sec.GetDescription(), Enabled: cfg.SecurityTests.Enabled},
		{Name: lat.GetName(), Description: lat.GetDescription(), Enabled: cfg.LatencyTests.Enabled},
		{Name: spd.GetName(), Description: spd.GetDescription(), Enabled: cfg.DownloadTests.Enabled || cfg.UploadTests.Enabled},
		{Name: prot.GetName(), Description: prot.GetDescription(), Enabled: cfg.ProtocolTests.Enabled},
	}
}

// StopTests aborts the active run. Safe to call at any time, including when
// no run is active or after a previous StopTests.
func (e *Engine) StopTests() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// RunCompleteAnalysis executes the enabled phases in order and returns the
// final report. On cancellation it returns ErrStopped without a report; on
// a phase failure it returns the phase error. Observer callbacks only fire
// while this method is on the stack.
func (e *Engine) RunCompleteAnalysis(ctx context.Context) (*FinalReport, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, ErrTestRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	cfg := e.config.Clone()
	e.running = true
	e.cancel = cancel
	e.currentPhase = ""
	e.overallProgress = 0
	e.results = Results{}
	e.mu.Unlock()

	defer func() {
		cancel()
		e.mu.Lock()
		e.running = false
		e.cancel = nil
		e.currentPhase = ""
		e.mu.Unlock()
	}()

	build := e.buildPhases
	if build == nil {
		build = e.phases
	}
	var active []phase
	total := 0
	for _, p := range build(cfg) {
		if p.enabled {
			active = append(active, p)
			total += p.weight
		}
	}
	if total == 0 {
		return nil, ErrNoModules
	}

	start := time.Now()
	e.logger.Info("Starting network analysis",
		zap.Int("phases", len(active)),
	)
	e.emitProgress(common.ProgressOverall, 0, "")

	completed := 0
	for _, p := range active {
		e.mu.Lock()
		e.currentPhase = p.name
		e.mu.Unlock()

		e.emitProgress(common.ProgressPhase, e.progressValue(), p.name)
		e.logger.Info("Phase started", zap.String("phase", p.name))

		if err := p.run(runCtx); err != nil {
			if probe.IsCancelled(err) || runCtx.Err() != nil {
				e.logger.Info("Run stopped", zap.String("phase", p.name))
				e.emitProgress(common.ProgressStopped, e.progressValue(), p.name)
				e.record("stopped")
				return nil, ErrStopped
			}
			e.logger.Error("Phase failed", zap.String("phase", p.name), zap.Error(err))
			e.emitProgress(common.ProgressError, e.progressValue(), p.name)
			e.record("failed")
			return nil, fmt.Errorf("%s phase: %w", p.name, err)
		}

		completed += p.weight
		value := int(math.Round(100 * float64(completed) / float64(total)))
		e.mu.Lock()
		e.overallProgress = value
		e.mu.Unlock()
		e.emitProgress(common.ProgressOverall, value, p.name)
		e.logger.Info("Phase finished", zap.String("phase", p.name), zap.Int("overall", value))
	}

	e.mu.Lock()
	results := e.results
	e.mu.Unlock()

	report := buildReport(results, cfg, start, time.Since(start))

	e.mu.Lock()
	e.report = report
	observers := append([]ReportObserver(nil), e.observers...)
	history := e.history
	e.mu.Unlock()

	e.emitProgress(common.ProgressComplete, 100, "")
	e.record("completed")

	if history != nil {
		if _, err := history.Save(report); err != nil {
			e.logger.Error("Failed to save run to history", zap.Error(err))
		}
	}
	for _, obs := range observers {
		obs(report)
	}

	e.logger.Info("Analysis complete",
		zap.Int("score", report.OverallScore),
		zap.String("grade", report.Grade.Code),
		zap.Int64("duration_ms", report.DurationMs),
	)
	return report, nil
}

// phases builds the run closures over a config snapshot. Module runners are
// constructed per run so config updates between runs take effect.
func (e *Engine) phases(cfg *Config) []phase {
	return []phase{
		{
			name:    PhaseSecurity,
			weight:  2,
			enabled: cfg.SecurityTests.Enabled,
			run: func(ctx context.Context) error {
				runner := security.New(cfg.SecurityTests)
				res, err := runner.Run(ctx, e.logger)
				e.storeSecurity(res)
				return err
			},
		},
		{
			name:    PhaseLatency,
			weight:  3,
			enabled: cfg.LatencyTests.Enabled,
			run: func(ctx context.Context) error {
				runner := latency.New(cfg.LatencyTests)
				runner.SetProgressCallback(e.forwardProgress(PhaseLatency))
				res, err := runner.Run(ctx, e.logger)
				e.storeLatency(res)
				return err
			},
		},
		{
			name:    PhaseSpeed,
			weight:  12,
			enabled: cfg.DownloadTests.Enabled || cfg.UploadTests.Enabled,
			run: func(ctx context.Context) error {
				runner := speed.New(cfg.DownloadTests, cfg.UploadTests)
				runner.SetProgressCallback(e.forwardProgress(PhaseSpeed))
				runner.SetSpeedCallback(e.forwardSpeed)
				res, err := runner.Run(ctx, e.logger)
				e.storeSpeed(res)
				return err
			},
		},
		{
			name:    PhaseProtocols,
			weight:  3,
			enabled: cfg.ProtocolTests.Enabled,
			run: func(ctx context.Context) error {
				runner := protocol.New(cfg.ProtocolTests)
				runner.SetProgressCallback(e.forwardProgress(PhaseProtocols))
				res, err := runner.Run(ctx, e.logger)
				e.storeProtocols(res)
				return err
			},
		},
	}
}

func (e *Engine) storeSecurity(res *security.Results) {
	e.mu.Lock()
	e.results.Security = res
	e.mu.Unlock()
}

func (e *Engine) storeLatency(res *latency.Results) {
	e.mu.Lock()
	e.results.Latency = res
	e.mu.Unlock()
}

func (e *Engine) storeSpeed(res *speed.Results) {
	e.mu.Lock()
	e.results.Speed = res
	e.mu.Unlock()
}

func (e *Engine) storeProtocols(res *protocol.Results) {
	e.mu.Lock()
	e.results.Protocols = res
	e.mu.Unlock()
}

// forwardProgress wraps the module-level progress stream, tagging each
// event with the phase it originated from.
func (e *Engine) forwardProgress(phaseName string) common.ProgressCallback {
	return func(ev common.ProgressEvent) {
		ev.Phase = phaseName
		e.mu.Lock()
		cb := e.progressCb
		e.mu.Unlock()
		if cb != nil {
			cb(ev)
		}
	}
}

func (e *Engine) forwardSpeed(ev common.SpeedEvent) {
	e.mu.Lock()
	cb := e.speedCb
	e.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

func (e *Engine) emitProgress(t common.ProgressEventType, value int, phaseName string) {
	e.mu.Lock()
	cb := e.progressCb
	e.mu.Unlock()
	if cb == nil {
		return
	}
	cb(common.ProgressEvent{
		Type:      t,
		Value:     value,
		Phase:     phaseName,
		Timestamp: common.NowMillis(),
	})
}

func (e *Engine) progressValue() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.overallProgress
}

func (e *Engine) record(outcome string) {
	e.mu.Lock()
	rec := e.recorder
	e.mu.Unlock()
	if rec != nil {
		rec.RecordRun(outcome)
	}
}

// NetworkInfo fetches the public address and provider details without
// running a full analysis.
func (e *Engine) NetworkInfo(ctx context.Context) (*security.NetworkInfo, error) {
	return security.FetchNetworkInfo(ctx, e.logger)
}

// CheckCaptivePortal runs the captive-portal probe on its own.
func (e *Engine) CheckCaptivePortal(ctx context.Context) (*security.CaptivePortalResult, error) {
	e.mu.Lock()
	cfg := e.config.SecurityTests
	e.mu.Unlock()
	return security.New(cfg).CheckCaptivePortal(ctx)
}

// RunLatencyBurst fires the burst sub-test against the configured targets.
func (e *Engine) RunLatencyBurst(ctx context.Context) (*latency.BurstResults, error) {
	e.mu.Lock()
	cfg := e.config.LatencyTests
	e.mu.Unlock()
	return latency.New(cfg).RunBurstTest(ctx, e.logger)
}

// RunLatencyConsistency runs the evenly spaced consistency sub-test.
func (e *Engine) RunLatencyConsistency(ctx context.Context) (*latency.ConsistencyResults, error) {
	e.mu.Lock()
	cfg := e.config.LatencyTests
	e.mu.Unlock()
	return latency.New(cfg).RunConsistencyTest(ctx, e.logger)
}

// RunLatencyLoad runs the concurrent-load latency sub-test.
func (e *Engine) RunLatencyLoad(ctx context.Context) (*latency.LoadResults, error) {
	e.mu.Lock()
	cfg := e.config.LatencyTests
	e.mu.Unlock()
	return latency.New(cfg).RunLoadTest(ctx, e.logger)
}
