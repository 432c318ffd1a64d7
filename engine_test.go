package netgauge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghostshell/app/netgauge/common"
	"ghostshell/app/netgauge/latency"
	"ghostshell/app/netgauge/protocol"
	"ghostshell/app/netgauge/security"
	"ghostshell/app/netgauge/speed"
)

// progressLog collects callback events for later inspection. The engine
// delivers events from the run goroutine, so access is guarded.
type progressLog struct {
	mu     sync.Mutex
	events []common.ProgressEvent
}

func (l *progressLog) add(ev common.ProgressEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *progressLog) ofType(t common.ProgressEventType) []common.ProgressEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []common.ProgressEvent
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (l *progressLog) values(t common.ProgressEventType) []int {
	var out []int
	for _, ev := range l.ofType(t) {
		out = append(out, ev.Value)
	}
	return out
}

type recordingRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *recordingRecorder) RecordRun(outcome string) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, outcome)
	r.mu.Unlock()
}

func (r *recordingRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.outcomes...)
}

func TestRunCompleteAnalysis(t *testing.T) {
	engine := NewEngine(DefaultConfig(), nil)
	log := &progressLog{}
	engine.SetProgressCallback(log.add)
	rec := &recordingRecorder{}
	engine.SetRunRecorder(rec)

	var mu sync.Mutex
	var order []string
	mark := func(name string, store func()) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			store()
			return nil
		}
	}
	engine.buildPhases = func(cfg *Config) []phase {
		return []phase{
			{name: PhaseSecurity, weight: 2, enabled: true, run: mark(PhaseSecurity, func() {
				engine.storeSecurity(&security.Results{Score: 70, Status: common.StatusCompleted})
			})},
			{name: PhaseLatency, weight: 3, enabled: true, run: mark(PhaseLatency, func() {
				engine.storeLatency(&latency.Results{AverageMs: 15, JitterMs: 3, Status: common.StatusCompleted})
			})},
			{name: PhaseSpeed, weight: 12, enabled: true, run: mark(PhaseSpeed, func() {
				engine.storeSpeed(&speed.Results{
					Download: &speed.TransferResults{AverageMbps: 150, Status: common.StatusCompleted},
					Upload:   &speed.TransferResults{AverageMbps: 40, Status: common.StatusCompleted},
				})
			})},
			{name: PhaseProtocols, weight: 3, enabled: true, run: mark(PhaseProtocols, func() {
				engine.storeProtocols(&protocol.Results{Score: 80, Status: common.StatusCompleted})
			})},
		}
	}

	report, err := engine.RunCompleteAnalysis(context.Background())
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.Equal(t, []string{PhaseSecurity, PhaseLatency, PhaseSpeed, PhaseProtocols}, order)
	assert.Equal(t, 87, report.OverallScore)
	assert.Equal(t, 150.0, report.DownloadSpeed)
	assert.Same(t, report, engine.LastReport())

	status := engine.GetStatus()
	assert.False(t, status.Running)
	assert.Empty(t, status.Phase)
	assert.Equal(t, 100, status.Progress)

	results := engine.GetResults()
	require.NotNil(t, results.Security)
	require.NotNil(t, results.Latency)
	require.NotNil(t, results.Speed)
	require.NotNil(t, results.Protocols)

	// weights 2, 3, 12, 3 of 20 land at 10, 25, 85, 100
	assert.Equal(t, []int{0, 10, 25, 85, 100}, log.values(common.ProgressOverall))

	phases := log.ofType(common.ProgressPhase)
	require.Len(t, phases, 4)
	assert.Equal(t, PhaseSecurity, phases[0].Phase)
	assert.Equal(t, PhaseProtocols, phases[3].Phase)
	assert.NotZero(t, phases[0].Timestamp)

	complete := log.ofType(common.ProgressComplete)
	require.Len(t, complete, 1)
	assert.Equal(t, 100, complete[0].Value)

	assert.Equal(t, []string{"completed"}, rec.all())
}

func TestRunCompleteAnalysisStopped(t *testing.T) {
	engine := NewEngine(DefaultConfig(), nil)
	log := &progressLog{}
	engine.SetProgressCallback(log.add)
	rec := &recordingRecorder{}
	engine.SetRunRecorder(rec)

	engine.buildPhases = func(cfg *Config) []phase {
		return []phase{
			{name: PhaseSecurity, weight: 2, enabled: true, run: func(context.Context) error {
				engine.storeSecurity(&security.Results{Score: 70, Status: common.StatusCompleted})
				return nil
			}},
			{name: PhaseLatency, weight: 3, enabled: true, run: func(ctx context.Context) error {
				engine.StopTests()
				<-ctx.Done()
				return ctx.Err()
			}},
			{name: PhaseSpeed, weight: 12, enabled: true, run: func(context.Context) error {
				t.Error("phases after the stop must not run")
				return nil
			}},
		}
	}

	report, err := engine.RunCompleteAnalysis(context.Background())
	require.ErrorIs(t, err, ErrStopped)
	assert.Nil(t, report)
	assert.Nil(t, engine.LastReport())
	assert.False(t, engine.GetStatus().Running)

	// records from phases that finished before the stop stay readable
	assert.NotNil(t, engine.GetResults().Security)
	assert.Equal(t, []string{"stopped"}, rec.all())
	assert.Len(t, log.ofType(common.ProgressStopped), 1)
	assert.Empty(t, log.ofType(common.ProgressComplete))
}

func TestRunCompleteAnalysisParentContextCancel(t *testing.T) {
	engine := NewEngine(DefaultConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())

	engine.buildPhases = func(cfg *Config) []phase {
		return []phase{
			{name: PhaseLatency, weight: 3, enabled: true, run: func(runCtx context.Context) error {
				cancel()
				<-runCtx.Done()
				return runCtx.Err()
			}},
		}
	}

	_, err := engine.RunCompleteAnalysis(ctx)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestRunCompleteAnalysisModuleReportedCancellation(t *testing.T) {
	// modules wrap cancellation in their own errors rather than returning
	// the context sentinel bare
	engine := NewEngine(DefaultConfig(), nil)
	engine.buildPhases = func(cfg *Config) []phase {
		return []phase{
			{name: PhaseSpeed, weight: 12, enabled: true, run: func(context.Context) error {
				return fmt.Errorf("download aborted: %w", context.Canceled)
			}},
		}
	}

	_, err := engine.RunCompleteAnalysis(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestRunCompleteAnalysisPhaseFailure(t *testing.T) {
	engine := NewEngine(DefaultConfig(), nil)
	log := &progressLog{}
	engine.SetProgressCallback(log.add)
	rec := &recordingRecorder{}
	engine.SetRunRecorder(rec)

	boom := errors.New("no route to host")
	engine.buildPhases = func(cfg *Config) []phase {
		return []phase{
			{name: PhaseSecurity, weight: 2, enabled: true, run: func(context.Context) error {
				return boom
			}},
		}
	}

	report, err := engine.RunCompleteAnalysis(context.Background())
	require.Error(t, err)
	assert.Nil(t, report)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "Security phase:")
	assert.Equal(t, []string{"failed"}, rec.all())
	assert.Len(t, log.ofType(common.ProgressError), 1)
	assert.False(t, engine.GetStatus().Running)
}

func TestRunCompleteAnalysisRejectsConcurrentRun(t *testing.T) {
	engine := NewEngine(DefaultConfig(), nil)

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	engine.buildPhases = func(cfg *Config) []phase {
		return []phase{
			{name: PhaseLatency, weight: 3, enabled: true, run: func(context.Context) error {
				started <- struct{}{}
				<-release
				return nil
			}},
		}
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := engine.RunCompleteAnalysis(context.Background())
		errCh <- err
	}()

	<-started
	assert.True(t, engine.GetStatus().Running)
	_, err := engine.RunCompleteAnalysis(context.Background())
	assert.ErrorIs(t, err, ErrTestRunning)

	close(release)
	require.NoError(t, <-errCh)

	// the slot frees up once the run returns
	_, err = engine.RunCompleteAnalysis(context.Background())
	assert.NoError(t, err)
}

func TestRunCompleteAnalysisNoModules(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DownloadTests.Enabled = false
	cfg.UploadTests.Enabled = false
	cfg.LatencyTests.Enabled = false
	cfg.SecurityTests.Enabled = false
	cfg.ProtocolTests.Enabled = false

	engine := NewEngine(cfg, nil)
	_, err := engine.RunCompleteAnalysis(context.Background())
	assert.ErrorIs(t, err, ErrNoModules)
	assert.False(t, engine.GetStatus().Running)
}

func TestRunCompleteAnalysisNotifiesObservers(t *testing.T) {
	engine := NewEngine(DefaultConfig(), nil)

	var mu sync.Mutex
	var seen []*FinalReport
	engine.AddReportObserver(func(r *FinalReport) {
		mu.Lock()
		seen = append(seen, r)
		mu.Unlock()
	})

	engine.buildPhases = func(cfg *Config) []phase {
		return []phase{
			{name: PhaseLatency, weight: 3, enabled: true, run: func(context.Context) error {
				engine.storeLatency(&latency.Results{AverageMs: 15, Status: common.StatusCompleted})
				return nil
			}},
		}
	}

	report, err := engine.RunCompleteAnalysis(context.Background())
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Same(t, report, seen[0])
}

func TestRunCompleteAnalysisSavesHistory(t *testing.T) {
	engine := NewEngine(DefaultConfig(), nil)
	h := tickingHistory(t, 10)
	engine.SetHistoryStore(h)

	engine.buildPhases = func(cfg *Config) []phase {
		return []phase{
			{name: PhaseSpeed, weight: 12, enabled: true, run: func(context.Context) error {
				engine.storeSpeed(&speed.Results{
					Download: &speed.TransferResults{AverageMbps: 150, Status: common.StatusCompleted},
				})
				return nil
			}},
		}
	}

	report, err := engine.RunCompleteAnalysis(context.Background())
	require.NoError(t, err)

	entries, err := h.List(0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, report.OverallScore, entries[0].Report.OverallScore)
	assert.Equal(t, report.Timestamp, entries[0].Report.Timestamp)
}

func TestStopTestsWithoutRun(t *testing.T) {
	engine := NewEngine(DefaultConfig(), nil)
	engine.StopTests()
	engine.StopTests()
	assert.False(t, engine.GetStatus().Running)
}

func TestEngineConfigLifecycle(t *testing.T) {
	engine := NewEngine(DefaultConfig(), nil)

	// snapshots are independent of the engine's copy
	snap := engine.GetConfig()
	snap.OutputFormat = "pdf"
	assert.Equal(t, "json", engine.GetConfig().OutputFormat)

	merged, err := engine.UpdateConfig([]byte(`{"outputFormat":"csv"}`))
	require.NoError(t, err)
	assert.Equal(t, "csv", merged.OutputFormat)
	assert.Equal(t, "csv", engine.GetConfig().OutputFormat)

	// a rejected patch leaves the previous config in place
	_, err = engine.UpdateConfig([]byte(`{"outputFormat":"xml"}`))
	require.Error(t, err)
	assert.Equal(t, "csv", engine.GetConfig().OutputFormat)
}

func TestModules(t *testing.T) {
	engine := NewEngine(DefaultConfig(), nil)
	modules := engine.Modules()
	require.Len(t, modules, 4)

	names := make([]string, len(modules))
	for i, m := range modules {
		names[i] = m.Name
		assert.True(t, m.Enabled, m.Name)
		assert.NotEmpty(t, m.Description, m.Name)
	}
	assert.Equal(t, []string{"Security", "Latency", "Speed", "Protocols"}, names)
}

func TestModulesSpeedEnabledByEitherDirection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DownloadTests.Enabled = false
	engine := NewEngine(cfg, nil)
	assert.True(t, engine.Modules()[2].Enabled, "upload alone keeps the module on")

	cfg = DefaultConfig()
	cfg.DownloadTests.Enabled = false
	cfg.UploadTests.Enabled = false
	engine = NewEngine(cfg, nil)
	assert.False(t, engine.Modules()[2].Enabled)
}

func TestForwardProgressTagsPhase(t *testing.T) {
	engine := NewEngine(DefaultConfig(), nil)
	log := &progressLog{}
	engine.SetProgressCallback(log.add)

	forward := engine.forwardProgress(PhaseLatency)
	forward(common.ProgressEvent{Type: common.ProgressLatency, Value: 40, Timestamp: time.Now().UnixMilli()})

	events := log.ofType(common.ProgressLatency)
	require.Len(t, events, 1)
	assert.Equal(t, PhaseLatency, events[0].Phase)
	assert.Equal(t, 40, events[0].Value)
}

func TestForwardSpeedWithoutCallback(t *testing.T) {
	engine := NewEngine(DefaultConfig(), nil)
	// no callback installed; must not panic
	engine.forwardSpeed(common.SpeedEvent{Speed: 93.4, Type: common.SpeedDownload})

	var mu sync.Mutex
	var got []common.SpeedEvent
	engine.SetSpeedCallback(func(ev common.SpeedEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	engine.forwardSpeed(common.SpeedEvent{Speed: 93.4, Type: common.SpeedDownload})
	require.Len(t, got, 1)
	assert.Equal(t, 93.4, got[0].Speed)
}
