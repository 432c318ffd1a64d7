// Package common provides shared types and constants for the netgauge
// measurement modules.
package common

import (
	"context"
	"time"
)

// TestStatus defines the possible outcomes of a module run or sub-test
type TestStatus string

const (
	StatusCompleted TestStatus = "completed"
	StatusFailed    TestStatus = "failed"
	StatusPartial   TestStatus = "partial" // some probes succeeded, some did not
	StatusSkipped   TestStatus = "skipped"
)

// ProgressEventType labels the progress events published during a run.
type ProgressEventType string

const (
	ProgressOverall   ProgressEventType = "overall"
	ProgressPhase     ProgressEventType = "phase"
	ProgressLatency   ProgressEventType = "latency"
	ProgressSpeed     ProgressEventType = "speed"
	ProgressDownload  ProgressEventType = "download"
	ProgressUpload    ProgressEventType = "upload"
	ProgressProtocols ProgressEventType = "protocols"
	ProgressComplete  ProgressEventType = "complete"
	ProgressError     ProgressEventType = "error"
	ProgressStopped   ProgressEventType = "stopped"
)

// ProgressEvent is delivered to progress observers. Value is a percentage
// in [0,100]; Phase names the module the event originated from.
type ProgressEvent struct {
	Type      ProgressEventType `json:"type"`
	Value     int               `json:"value"`
	Phase     string            `json:"phase,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// SpeedEventType tags instantaneous throughput events.
type SpeedEventType string

const (
	SpeedDownload SpeedEventType = "download"
	SpeedUpload   SpeedEventType = "upload"
	SpeedCurrent  SpeedEventType = "current"
)

// SpeedEvent carries an instantaneous throughput reading in Mbps.
type SpeedEvent struct {
	Speed     float64        `json:"speed"`
	Type      SpeedEventType `json:"type"`
	Timestamp int64          `json:"timestamp"`
}

// ProgressCallback receives progress events. Callbacks are invoked
// synchronously from the measuring goroutine and must not block.
type ProgressCallback func(ProgressEvent)

// SpeedCallback receives instantaneous throughput events under the same
// non-blocking contract as ProgressCallback.
type SpeedCallback func(SpeedEvent)

// Module is implemented by every measurement module.
type Module interface {
	GetName() string
	GetDescription() string
	ValidateConfig() error
}

// NowMillis returns the current wall-clock time in milliseconds, the unit
// used by event and report timestamps.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Sleep pauses for d or until ctx is done, returning ctx.Err in that case.
// Modules use it for every inter-probe pause so cancellation is observed
// between probes as well as inside them.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Constants for file paths
const (
	LogDir     = "netgauge_logs"
	ReportDir  = "netgauge_reports"
	ConfigDir  = "netgauge_config"
	HistoryDir = "netgauge_history"
	CacheDir   = "netgauge_cache"
)

// Constants for probe execution
const (
	MaxConcurrentProbes = 10
	DefaultTimeout      = 30 * time.Second
)
