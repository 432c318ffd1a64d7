// Package latency implements round-trip time sampling across multiple
// targets plus the gaming-oriented burst, consistency and load sub-tests.
// Probes rotate round-robin through the target list; any response that
// arrives before the deadline counts as a sample regardless of status code,
// so opaque or error responses still carry timing information.
package latency

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"ghostshell/app/netgauge/common"
	"ghostshell/app/netgauge/probe"
	"ghostshell/app/netgauge/stats"
)

const defaultProbeTimeout = 5 * time.Second

// Sub-test parameters. Package-level so tests can shrink them.
var (
	burstProbes         = 5
	consistencyProbes   = 30
	consistencyInterval = 200 * time.Millisecond
	loadConcurrency     = 3
	loadIterations      = 3
)

// Runner executes the latency test suite.
type Runner struct {
	Config common.LatencyConfig

	progressCb common.ProgressCallback
}

// New creates a latency Runner.
func New(cfg common.LatencyConfig) *Runner {
	return &Runner{Config: cfg}
}

// SetProgressCallback installs the per-probe progress observer.
func (r *Runner) SetProgressCallback(cb common.ProgressCallback) { r.progressCb = cb }

// GetName implements common.Module.
func (r *Runner) GetName() string { return "Latency" }

// GetDescription implements common.Module.
func (r *Runner) GetDescription() string {
	return "Measures round-trip time, jitter and packet loss across multiple targets"
}

// ValidateConfig implements common.Module.
func (r *Runner) ValidateConfig() error {
	if r.Config.TimeoutMs < 0 {
		return fmt.Errorf("timeoutMs must not be negative")
	}
	if r.Config.IntervalMs < 0 {
		return fmt.Errorf("intervalMs must not be negative")
	}
	if r.Config.SampleCount < 0 {
		return fmt.Errorf("sampleCount must not be negative")
	}
	return nil
}

// Results is the latency module's result record. Samples hold only
// successful round trips; missed probes surface through PacketLoss instead.
type Results struct {
	AverageMs  float64                   `json:"averageMs"`
	MedianMs   float64                   `json:"medianMs"`
	MinMs      float64                   `json:"minMs"`
	MaxMs      float64                   `json:"maxMs"`
	JitterMs   float64                   `json:"jitterMs"`
	P95Ms      float64                   `json:"p95Ms"`
	P99Ms      float64                   `json:"p99Ms"`
	Samples    []float64                 `json:"samples"`
	PerTarget  map[string]*TargetResults `json:"perTarget,omitempty"`
	PacketLoss PacketLoss                `json:"packetLoss"`

	Burst       *BurstResults       `json:"burst,omitempty"`
	Consistency *ConsistencyResults `json:"consistency,omitempty"`
	Load        *LoadResults        `json:"load,omitempty"`

	Status common.TestStatus `json:"status"`
	Error  string            `json:"error,omitempty"`
}

// TargetResults is the per-target breakdown of the main run.
type TargetResults struct {
	Name      string    `json:"name"`
	AverageMs float64   `json:"averageMs"`
	Samples   []float64 `json:"samples"`
	Sent      int       `json:"sent"`
	Received  int       `json:"received"`
}

// PacketLoss is the attempt/response accounting for the main run.
type PacketLoss struct {
	Sent       int     `json:"sent"`
	Received   int     `json:"received"`
	Percentage float64 `json:"percentage"`
}

// BurstResults summarises a volley of simultaneous probes.
type BurstResults struct {
	AverageMs   float64   `json:"averageMs"`
	MinMs       float64   `json:"minMs"`
	MaxMs       float64   `json:"maxMs"`
	Consistency float64   `json:"consistency"`
	Samples     []float64 `json:"samples"`
}

// ConsistencyResults summarises evenly spaced serial probes.
type ConsistencyResults struct {
	AverageMs float64   `json:"averageMs"`
	StdDevMs  float64   `json:"stdDevMs"`
	Score     float64   `json:"score"`
	Samples   []float64 `json:"samples"`
}

// LoadResults summarises latency behaviour under concurrent probe load.
// Degradation compares the best and worst iteration means.
type LoadResults struct {
	AverageMs      float64   `json:"averageMs"`
	DegradationPct float64   `json:"degradationPct"`
	IterationMs    []float64 `json:"iterationMs"`
}

// Run performs the round-robin sweep. Missed probes count as packet loss
// rather than aborting; only cancellation propagates, returning the partial
// record alongside the error.
func (r *Runner) Run(ctx context.Context, logger *zap.Logger) (*Results, error) {
	targets := filterTargets(r.Config.Targets)
	sampleCount := r.Config.SampleCount
	if sampleCount < 1 {
		sampleCount = 1
	}
	interval := time.Duration(r.Config.IntervalMs) * time.Millisecond
	timeout := common.MsToDuration(r.Config.TimeoutMs, defaultProbeTimeout)

	res := &Results{PerTarget: make(map[string]*TargetResults)}
	for _, id := range targets {
		res.PerTarget[id] = &TargetResults{Name: targetRegistry[id].Name}
	}

	logger.Info("Starting latency tests",
		zap.Strings("targets", targets),
		zap.Int("samples", sampleCount),
		zap.Duration("interval", interval))

	for i := 0; i < sampleCount; i++ {
		id := targets[i%len(targets)]
		target := res.PerTarget[id]

		target.Sent++
		res.PacketLoss.Sent++
		rtt, err := r.probeRTT(ctx, targetRegistry[id].URL, timeout)
		if err != nil {
			finalizeLatency(res, targets)
			res.Status = common.StatusPartial
			return res, err
		}
		if rtt > 0 {
			target.Samples = append(target.Samples, rtt)
			target.Received++
			res.PacketLoss.Received++
		} else {
			logger.Debug("Latency probe missed", zap.String("target", id))
		}
		r.publishProgress(res.PacketLoss.Sent, sampleCount)

		if i < sampleCount-1 && interval > 0 {
			if err := common.Sleep(ctx, interval); err != nil {
				finalizeLatency(res, targets)
				res.Status = common.StatusPartial
				return res, probe.NewError(probe.KindCancelled, targetRegistry[id].URL, err)
			}
		}
	}

	finalizeLatency(res, targets)
	if res.PacketLoss.Received == 0 {
		res.Status = common.StatusFailed
		res.Error = "all probes failed"
	} else {
		res.Status = common.StatusCompleted
	}

	logger.Info("Latency tests finished",
		zap.Float64("average_ms", res.AverageMs),
		zap.Float64("jitter_ms", res.JitterMs),
		zap.Float64("loss_pct", res.PacketLoss.Percentage))
	return res, nil
}

// probeRTT issues one HEAD probe. Any response before the deadline yields a
// round trip; timeouts and network errors yield zero; cancellation is the
// only error returned.
func (r *Runner) probeRTT(ctx context.Context, url string, timeout time.Duration) (float64, error) {
	res, err := probe.Do(ctx, probe.Request{URL: url, Timeout: timeout})
	if err != nil {
		if probe.IsCancelled(err) {
			return 0, err
		}
		if res == nil {
			return 0, nil
		}
	}
	return res.ElapsedMs(), nil
}

// finalizeLatency derives the aggregate view from whatever samples were
// captured. The overall vector is the concatenation of the per-target
// vectors in target order; jitter is order-sensitive so the vectors are
// never sorted in place.
func finalizeLatency(res *Results, targets []string) {
	overall := make([]float64, 0, res.PacketLoss.Received)
	for _, id := range targets {
		target := res.PerTarget[id]
		target.AverageMs = stats.Mean(target.Samples)
		overall = append(overall, target.Samples...)
	}
	res.Samples = overall
	res.AverageMs = stats.Mean(overall)
	res.MedianMs = stats.Median(overall)
	res.MinMs = stats.Min(overall)
	res.MaxMs = stats.Max(overall)
	res.JitterMs = stats.Jitter(overall)
	res.P95Ms = stats.Percentile(overall, 95)
	res.P99Ms = stats.Percentile(overall, 99)
	if res.PacketLoss.Sent > 0 {
		res.PacketLoss.Percentage = 100 * float64(res.PacketLoss.Sent-res.PacketLoss.Received) / float64(res.PacketLoss.Sent)
	}
}

// RunBurstTest fires burstProbes simultaneous probes at the first target
// and summarises the volley.
func (r *Runner) RunBurstTest(ctx context.Context, logger *zap.Logger) (*BurstResults, error) {
	targets := filterTargets(r.Config.Targets)
	url := targetRegistry[targets[0]].URL
	timeout := common.MsToDuration(r.Config.TimeoutMs, defaultProbeTimeout)

	logger.Info("Starting burst test", zap.String("target", targets[0]), zap.Int("probes", burstProbes))

	samples := make([]float64, burstProbes)
	errs := make([]error, burstProbes)
	var wg sync.WaitGroup
	for i := 0; i < burstProbes; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			samples[slot], errs[slot] = r.probeRTT(ctx, url, timeout)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	positive := stats.Positive(samples)
	return &BurstResults{
		AverageMs:   stats.Mean(positive),
		MinMs:       stats.Min(positive),
		MaxMs:       stats.Max(positive),
		Consistency: stats.Consistency(positive),
		Samples:     positive,
	}, nil
}

// RunConsistencyTest probes the first target serially at a fixed cadence
// and scores how stable the round trips are.
func (r *Runner) RunConsistencyTest(ctx context.Context, logger *zap.Logger) (*ConsistencyResults, error) {
	targets := filterTargets(r.Config.Targets)
	url := targetRegistry[targets[0]].URL
	timeout := common.MsToDuration(r.Config.TimeoutMs, defaultProbeTimeout)

	logger.Info("Starting consistency test",
		zap.String("target", targets[0]),
		zap.Int("probes", consistencyProbes),
		zap.Duration("interval", consistencyInterval))

	samples := make([]float64, 0, consistencyProbes)
	for i := 0; i < consistencyProbes; i++ {
		rtt, err := r.probeRTT(ctx, url, timeout)
		if err != nil {
			return nil, err
		}
		if rtt > 0 {
			samples = append(samples, rtt)
		}
		if i < consistencyProbes-1 {
			if err := common.Sleep(ctx, consistencyInterval); err != nil {
				return nil, probe.NewError(probe.KindCancelled, url, err)
			}
		}
	}

	return &ConsistencyResults{
		AverageMs: stats.Mean(samples),
		StdDevMs:  stats.StdDev(samples),
		Score:     stats.Consistency(samples),
		Samples:   samples,
	}, nil
}

// RunLoadTest measures how latency holds up while several probes are in
// flight at once. Each iteration fires loadConcurrency probes; degradation
// compares the slowest iteration mean against the fastest.
func (r *Runner) RunLoadTest(ctx context.Context, logger *zap.Logger) (*LoadResults, error) {
	targets := filterTargets(r.Config.Targets)
	url := targetRegistry[targets[0]].URL
	timeout := common.MsToDuration(r.Config.TimeoutMs, defaultProbeTimeout)

	logger.Info("Starting load test",
		zap.String("target", targets[0]),
		zap.Int("concurrency", loadConcurrency),
		zap.Int("iterations", loadIterations))

	iterationMeans := make([]float64, 0, loadIterations)
	var all []float64
	for iter := 0; iter < loadIterations; iter++ {
		samples := make([]float64, loadConcurrency)
		errs := make([]error, loadConcurrency)
		var wg sync.WaitGroup
		for i := 0; i < loadConcurrency; i++ {
			wg.Add(1)
			go func(slot int) {
				defer wg.Done()
				samples[slot], errs[slot] = r.probeRTT(ctx, url, timeout)
			}(i)
		}
		wg.Wait()
		for _, err := range errs {
			if err != nil {
				return nil, err
			}
		}
		positive := stats.Positive(samples)
		if len(positive) > 0 {
			iterationMeans = append(iterationMeans, stats.Mean(positive))
			all = append(all, positive...)
		}
	}

	res := &LoadResults{AverageMs: stats.Mean(all), IterationMs: iterationMeans}
	if min := stats.Min(iterationMeans); min > 0 {
		res.DegradationPct = 100 * (stats.Max(iterationMeans) - min) / min
	}
	return res, nil
}

func (r *Runner) publishProgress(sent, total int) {
	if r.progressCb == nil || total <= 0 {
		return
	}
	r.progressCb(common.ProgressEvent{
		Type:      common.ProgressLatency,
		Value:     int(math.Round(100 * float64(sent) / float64(total))),
		Timestamp: common.NowMillis(),
	})
}
