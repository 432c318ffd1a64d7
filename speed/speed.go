// Package speed implements the download and upload throughput module. The
// test matrix is the Cartesian product of servers, file sizes and
// iterations; bodies stream through the probe layer so instantaneous rates
// can be published while a transfer is still in flight.
package speed

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"ghostshell/app/netgauge/common"
	"ghostshell/app/netgauge/probe"
	"ghostshell/app/netgauge/stats"
)

// speedEmitInterval is the wall-clock budget between instantaneous
// throughput events during a streamed download.
var speedEmitInterval = 250 * time.Millisecond

// samplePause separates consecutive samples so back-to-back transfers do
// not contend with each other.
var samplePause = 500 * time.Millisecond

const defaultTransferTimeout = 30 * time.Second

// Runner executes the download and upload test matrix.
type Runner struct {
	Download common.DownloadConfig
	Upload   common.UploadConfig

	progressCb common.ProgressCallback
	speedCb    common.SpeedCallback
}

// New creates a speed Runner from the two config sections.
func New(download common.DownloadConfig, upload common.UploadConfig) *Runner {
	return &Runner{Download: download, Upload: upload}
}

// SetProgressCallback installs the per-probe progress observer.
func (r *Runner) SetProgressCallback(cb common.ProgressCallback) { r.progressCb = cb }

// SetSpeedCallback installs the instantaneous throughput observer.
func (r *Runner) SetSpeedCallback(cb common.SpeedCallback) { r.speedCb = cb }

// GetName implements common.Module.
func (r *Runner) GetName() string { return "Speed" }

// GetDescription implements common.Module.
func (r *Runner) GetDescription() string {
	return "Measures download and upload throughput across multiple servers and transfer sizes"
}

// ValidateConfig implements common.Module.
func (r *Runner) ValidateConfig() error {
	if r.Download.TimeoutMs < 0 || r.Upload.TimeoutMs < 0 {
		return fmt.Errorf("timeoutMs must not be negative")
	}
	return nil
}

// Results is the speed module's result record.
type Results struct {
	Download *TransferResults `json:"download,omitempty"`
	Upload   *TransferResults `json:"upload,omitempty"`
}

// TransferResults aggregates one direction of the matrix. Samples hold one
// entry per completed step in execution order; zeros mark failed probes and
// are excluded from the aggregates.
type TransferResults struct {
	AverageMbps float64                   `json:"averageMbps"`
	PeakMbps    float64                   `json:"peakMbps"`
	MinMbps     float64                   `json:"minMbps"`
	Samples     []float64                 `json:"samples"`
	PerServer   map[string]*ServerResults `json:"perServer,omitempty"`
	PerSize     map[string]float64        `json:"perSize,omitempty"`
	TestsRun    int                       `json:"testsRun"`
	TestsFailed int                       `json:"testsFailed"`
	Status      common.TestStatus         `json:"status"`
	Error       string                    `json:"error,omitempty"`
}

// ServerResults breaks the download aggregate down by source.
type ServerResults struct {
	Name        string    `json:"name"`
	AverageMbps float64   `json:"averageMbps"`
	Samples     []float64 `json:"samples"`
}

// Run executes downloads then uploads. Probe failures are recorded as zero
// samples and never abort the run; only cancellation propagates, returning
// the partial record alongside the error.
func (r *Runner) Run(ctx context.Context, logger *zap.Logger) (*Results, error) {
	results := &Results{}

	if r.Download.Enabled {
		dl, err := r.runDownloads(ctx, logger)
		results.Download = dl
		if err != nil {
			return results, err
		}
	}
	if r.Upload.Enabled {
		ul, err := r.runUploads(ctx, logger)
		results.Upload = ul
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

type downloadStep struct {
	serverID string
	server   Server
	label    string
	bytes    int64
	url      string
}

// downloadSteps expands the configured servers and sizes into the concrete
// probe list, skipping size labels a server cannot provide.
func downloadSteps(serverIDs, sizes []string) []downloadStep {
	steps := make([]downloadStep, 0, len(serverIDs)*len(sizes))
	for _, id := range serverIDs {
		server := serverRegistry[id]
		for _, label := range sizes {
			n := ParseSize(label)
			url, ok := server.URLFor(label, n)
			if !ok {
				continue
			}
			steps = append(steps, downloadStep{serverID: id, server: server, label: label, bytes: n, url: url})
		}
	}
	return steps
}

func (r *Runner) runDownloads(ctx context.Context, logger *zap.Logger) (*TransferResults, error) {
	servers := filterServers(r.Download.Servers)
	sizes := r.Download.FileSizes
	if len(sizes) == 0 {
		sizes = defaultSizes
	}
	iterations := r.Download.Iterations
	if iterations < 1 {
		iterations = 1
	}
	parallel := r.Download.ParallelConnections
	if parallel < 1 {
		parallel = 1
	}
	if parallel > common.MaxConcurrentProbes {
		parallel = common.MaxConcurrentProbes
	}
	timeout := common.MsToDuration(r.Download.TimeoutMs, defaultTransferTimeout)

	res := &TransferResults{
		PerServer: make(map[string]*ServerResults),
		PerSize:   make(map[string]float64),
	}
	steps := downloadSteps(servers, sizes)
	total := len(steps) * iterations
	if total == 0 {
		res.Status = common.StatusFailed
		res.Error = "no usable server/size combination"
		return res, nil
	}

	logger.Info("Starting download tests",
		zap.Strings("servers", servers),
		zap.Strings("sizes", sizes),
		zap.Int("iterations", iterations),
		zap.Int("parallel", parallel),
		zap.Int("total_steps", total))

	perSize := make(map[string][]float64)
	done := 0
	for _, step := range steps {
		srvRes := res.PerServer[step.serverID]
		if srvRes == nil {
			srvRes = &ServerResults{Name: step.server.Name}
			res.PerServer[step.serverID] = srvRes
		}
		for i := 0; i < iterations; i++ {
			sample, err := r.downloadOnce(ctx, step, parallel, timeout, logger)
			if err != nil {
				finalizeTransfer(res, perSize)
				return res, err
			}
			done++
			res.Samples = append(res.Samples, sample)
			srvRes.Samples = append(srvRes.Samples, sample)
			perSize[step.label] = append(perSize[step.label], sample)
			res.TestsRun++
			if sample <= 0 {
				res.TestsFailed++
			}
			r.publishProgress(common.ProgressDownload, done, total)

			if done < total {
				if err := common.Sleep(ctx, samplePause); err != nil {
					finalizeTransfer(res, perSize)
					return res, probe.NewError(probe.KindCancelled, step.url, err)
				}
			}
		}
	}

	finalizeTransfer(res, perSize)
	logger.Info("Download tests finished",
		zap.Float64("average_mbps", res.AverageMbps),
		zap.Float64("peak_mbps", res.PeakMbps),
		zap.Int("failed", res.TestsFailed))
	return res, nil
}

// downloadOnce runs one matrix step. With parallel > 1 the step fans out
// into that many concurrent transfers and reports the arithmetic mean of
// the successful ones.
func (r *Runner) downloadOnce(ctx context.Context, step downloadStep, parallel int, timeout time.Duration, logger *zap.Logger) (float64, error) {
	if parallel <= 1 {
		return r.downloadProbe(ctx, step, timeout, logger)
	}

	samples := make([]float64, parallel)
	errs := make([]error, parallel)
	var wg sync.WaitGroup
	for i := 0; i < parallel; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			samples[slot], errs[slot] = r.downloadProbe(ctx, step, timeout, logger)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return 0, err
		}
	}
	positive := stats.Positive(samples)
	if len(positive) == 0 {
		return 0, nil
	}
	return stats.Mean(positive), nil
}

// downloadProbe streams one transfer, publishing instantaneous throughput
// every speedEmitInterval. Failures other than cancellation collapse to a
// zero sample.
func (r *Runner) downloadProbe(ctx context.Context, step downloadStep, timeout time.Duration, logger *zap.Logger) (float64, error) {
	var lastEmit time.Time
	res, err := probe.Do(ctx, probe.Request{
		URL:     step.url,
		Method:  http.MethodGet,
		Timeout: timeout,
		Mode:    probe.ModeStream,
		OnChunk: func(bytes int64, elapsed time.Duration) {
			if elapsed <= 0 {
				return
			}
			now := time.Now()
			if lastEmit.IsZero() || now.Sub(lastEmit) >= speedEmitInterval {
				lastEmit = now
				r.publishSpeed(mbps(bytes, elapsed), common.SpeedDownload)
			}
		},
	})
	if err != nil {
		if probe.IsCancelled(err) {
			return 0, err
		}
		logger.Debug("Download probe failed",
			zap.String("server", step.server.Name),
			zap.String("size", step.label),
			zap.Error(err))
		return 0, nil
	}

	sample := mbps(res.BytesTransferred, res.Elapsed)
	r.publishSpeed(sample, common.SpeedCurrent)
	return sample, nil
}

func (r *Runner) runUploads(ctx context.Context, logger *zap.Logger) (*TransferResults, error) {
	sizes := r.Upload.FileSizes
	if len(sizes) == 0 {
		sizes = defaultSizes
	}
	iterations := r.Upload.Iterations
	if iterations < 1 {
		iterations = 1
	}
	parallel := r.Upload.ParallelConnections
	if parallel < 1 {
		parallel = 1
	}
	if parallel > common.MaxConcurrentProbes {
		parallel = common.MaxConcurrentProbes
	}
	timeout := common.MsToDuration(r.Upload.TimeoutMs, defaultTransferTimeout)

	res := &TransferResults{PerSize: make(map[string]float64)}
	total := len(sizes) * iterations

	logger.Info("Starting upload tests",
		zap.Strings("sizes", sizes),
		zap.Int("iterations", iterations),
		zap.Int("total_steps", total))

	perSize := make(map[string][]float64)
	done := 0
	for _, label := range sizes {
		payload := makePayload(ParseSize(label))
		for i := 0; i < iterations; i++ {
			sample, err := r.uploadOnce(ctx, payload, parallel, timeout, logger)
			if err != nil {
				finalizeTransfer(res, perSize)
				return res, err
			}
			done++
			res.Samples = append(res.Samples, sample)
			perSize[label] = append(perSize[label], sample)
			res.TestsRun++
			if sample <= 0 {
				res.TestsFailed++
			}
			r.publishProgress(common.ProgressUpload, done, total)

			if done < total {
				if err := common.Sleep(ctx, samplePause); err != nil {
					finalizeTransfer(res, perSize)
					return res, probe.NewError(probe.KindCancelled, uploadEndpoint, err)
				}
			}
		}
	}

	finalizeTransfer(res, perSize)
	logger.Info("Upload tests finished",
		zap.Float64("average_mbps", res.AverageMbps),
		zap.Int("failed", res.TestsFailed))
	return res, nil
}

func (r *Runner) uploadOnce(ctx context.Context, payload []byte, parallel int, timeout time.Duration, logger *zap.Logger) (float64, error) {
	if parallel <= 1 {
		return r.uploadProbe(ctx, payload, timeout, logger)
	}

	samples := make([]float64, parallel)
	errs := make([]error, parallel)
	var wg sync.WaitGroup
	for i := 0; i < parallel; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			samples[slot], errs[slot] = r.uploadProbe(ctx, payload, timeout, logger)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return 0, err
		}
	}
	positive := stats.Positive(samples)
	if len(positive) == 0 {
		return 0, nil
	}
	return stats.Mean(positive), nil
}

// uploadProbe POSTs the payload and derives Mbps from the payload size and
// the elapsed wall clock.
func (r *Runner) uploadProbe(ctx context.Context, payload []byte, timeout time.Duration, logger *zap.Logger) (float64, error) {
	res, err := probe.Do(ctx, probe.Request{
		URL:     uploadEndpoint,
		Method:  http.MethodPost,
		Body:    payload,
		Timeout: timeout,
		Mode:    probe.ModeDiscard,
		Header:  http.Header{"Content-Type": []string{"application/octet-stream"}},
	})
	if err != nil {
		if probe.IsCancelled(err) {
			return 0, err
		}
		logger.Debug("Upload probe failed", zap.Int("payload_bytes", len(payload)), zap.Error(err))
		return 0, nil
	}

	sample := mbps(int64(len(payload)), res.Elapsed)
	r.publishSpeed(sample, common.SpeedUpload)
	return sample, nil
}

// finalizeTransfer derives the aggregates from whatever samples were
// captured; it is also the path taken on cancellation so partial records
// stay well-formed.
func finalizeTransfer(res *TransferResults, perSize map[string][]float64) {
	positive := stats.Positive(res.Samples)
	res.AverageMbps = stats.Mean(positive)
	res.PeakMbps = stats.Max(positive)
	res.MinMbps = stats.Min(positive)
	for _, srv := range res.PerServer {
		srv.AverageMbps = stats.Mean(stats.Positive(srv.Samples))
	}
	for label, samples := range perSize {
		res.PerSize[label] = stats.Mean(stats.Positive(samples))
	}
	switch {
	case len(res.Samples) == 0:
		res.Status = common.StatusPartial
	case len(positive) == 0:
		res.Status = common.StatusFailed
		res.Error = "all probes failed"
	case res.TestsFailed > 0:
		res.Status = common.StatusPartial
	default:
		res.Status = common.StatusCompleted
	}
}

func (r *Runner) publishProgress(typ common.ProgressEventType, done, total int) {
	if r.progressCb == nil || total <= 0 {
		return
	}
	r.progressCb(common.ProgressEvent{
		Type:      typ,
		Value:     int(math.Round(100 * float64(done) / float64(total))),
		Timestamp: common.NowMillis(),
	})
}

func (r *Runner) publishSpeed(speed float64, typ common.SpeedEventType) {
	if r.speedCb == nil {
		return
	}
	r.speedCb(common.SpeedEvent{Speed: speed, Type: typ, Timestamp: common.NowMillis()})
}

// mbps converts a byte count over an elapsed duration into megabits per
// second.
func mbps(bytes int64, elapsed time.Duration) float64 {
	sec := elapsed.Seconds()
	if sec <= 0 {
		return 0
	}
	return float64(bytes) * 8 / sec / 1e6
}

// makePayload builds an incompressible upload body of exactly n bytes.
func makePayload(n int64) []byte {
	payload := make([]byte, n)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	_, _ = rng.Read(payload)
	return payload
}
