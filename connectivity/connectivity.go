// Package connectivity implements the stealth liveness probe used by the
// quick-status and badge paths. It is not part of the main analysis run; a
// Monitor keeps uptime and drop accounting across periodic sub-second
// checks.
package connectivity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"ghostshell/app/netgauge/common"
	"ghostshell/app/netgauge/probe"
)

// probeURL answers 204 with a tiny body; package-level so tests can point
// the monitor at a local stub.
var probeURL = "https://www.gstatic.com/generate_204"

const defaultCheckTimeout = time.Second

// StatusSink receives quick-status updates, badge style.
type StatusSink interface {
	SetStatus(text, color string)
}

// Check is one liveness observation. Any response before the deadline
// counts as connected, whatever its status code.
type Check struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latencyMs"`
	Timestamp int64   `json:"timestamp"`
}

// Status is a snapshot of the monitor state for API consumers.
type Status struct {
	Connected       bool    `json:"connected"`
	LatencyMs       float64 `json:"latencyMs"`
	Quality         string  `json:"quality"`
	Uptime          string  `json:"uptime,omitempty"`
	ConnectionDrops int     `json:"connectionDrops"`
	LastDropTime    int64   `json:"lastDropTime,omitempty"`
	CheckedAt       int64   `json:"checkedAt"`
}

// Monitor runs liveness checks and keeps connection accounting. A drop is
// counted when connectivity comes back, not when it goes away.
type Monitor struct {
	Config common.ConnectivityConfig

	mu                  sync.Mutex
	connectionStartTime time.Time
	connectionDrops     int
	lastDropTime        time.Time
	lastCheck           *Check

	sink StatusSink
}

// NewMonitor creates a Monitor. The sink may be nil.
func NewMonitor(cfg common.ConnectivityConfig, sink StatusSink) *Monitor {
	return &Monitor{Config: cfg, sink: sink}
}

// GetName implements common.Module.
func (m *Monitor) GetName() string { return "Connectivity" }

// GetDescription implements common.Module.
func (m *Monitor) GetDescription() string {
	return "Monitors connection liveness with uptime and drop accounting"
}

// ValidateConfig implements common.Module.
func (m *Monitor) ValidateConfig() error {
	if m.Config.TimeoutMs < 0 {
		return fmt.Errorf("timeoutMs must not be negative")
	}
	if m.Config.IntervalMinutes < 0 {
		return fmt.Errorf("intervalMinutes must not be negative")
	}
	return nil
}

// Check performs one liveness probe and folds it into the monitor state.
// Only cancellation returns an error.
func (m *Monitor) Check(ctx context.Context) (*Check, error) {
	timeout := common.MsToDuration(m.Config.TimeoutMs, defaultCheckTimeout)
	res, err := probe.Do(ctx, probe.Request{URL: probeURL, Timeout: timeout})
	if err != nil && probe.IsCancelled(err) {
		return nil, err
	}

	check := &Check{Timestamp: common.NowMillis()}
	if res != nil {
		check.Connected = true
		check.LatencyMs = res.ElapsedMs()
	}
	m.apply(check)
	return check, nil
}

// apply folds one observation into the state machine. Reconnects count as
// drops; disconnects change no counters.
func (m *Monitor) apply(check *Check) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.lastCheck
	m.lastCheck = check

	if check.Connected && (prev == nil || !prev.Connected) {
		now := time.Now()
		if m.connectionStartTime.IsZero() {
			m.connectionStartTime = now
		} else {
			m.connectionDrops++
			m.lastDropTime = now
			m.connectionStartTime = now
		}
	}
}

// Status snapshots the monitor state.
func (m *Monitor) Status() *Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := &Status{ConnectionDrops: m.connectionDrops}
	if !m.lastDropTime.IsZero() {
		st.LastDropTime = m.lastDropTime.UnixMilli()
	}
	if m.lastCheck == nil {
		st.Quality = "Unknown"
		return st
	}
	st.CheckedAt = m.lastCheck.Timestamp
	st.Connected = m.lastCheck.Connected
	if !st.Connected {
		st.Quality = "Offline"
		return st
	}
	st.LatencyMs = m.lastCheck.LatencyMs
	st.Quality = Classify(st.LatencyMs)
	if !m.connectionStartTime.IsZero() {
		st.Uptime = FormatUptime(time.Since(m.connectionStartTime))
	}
	return st
}

// Run checks immediately and then on the configured interval until the
// context ends, pushing each observation to the sink.
func (m *Monitor) Run(ctx context.Context, logger *zap.Logger) error {
	interval := time.Duration(m.Config.IntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Minute
	}

	logger.Info("Starting connectivity monitor", zap.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		check, err := m.Check(ctx)
		if err != nil {
			return err
		}
		if !check.Connected {
			logger.Warn("Connectivity check failed")
		}
		m.notifySink()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Monitor) notifySink() {
	if m.sink == nil {
		return
	}
	st := m.Status()
	if !st.Connected {
		m.sink.SetStatus("Offline", "red")
		return
	}
	text := fmt.Sprintf("%.0f ms", st.LatencyMs)
	switch st.Quality {
	case "Excellent":
		m.sink.SetStatus(text, "green")
	case "Good":
		m.sink.SetStatus(text, "orange")
	default:
		m.sink.SetStatus(text, "red")
	}
}

// Classify buckets a latency sample into a quick quality label.
func Classify(latencyMs float64) string {
	switch {
	case latencyMs <= 50:
		return "Excellent"
	case latencyMs <= 150:
		return "Good"
	default:
		return "Poor"
	}
}

// FormatUptime renders a duration as its largest nonzero unit: days with
// hours, hours with minutes, bare minutes, or seconds.
func FormatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm", minutes)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
