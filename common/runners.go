package common

import "time"

// DownloadConfig holds the download half of the speed test matrix. Durations
// are carried as millisecond integers to keep the config wire shape flat.
type DownloadConfig struct {
	Enabled             bool     `json:"enabled" yaml:"enabled"`
	FileSizes           []string `json:"fileSizes" yaml:"fileSizes"`
	Iterations          int      `json:"iterations" yaml:"iterations"`
	ParallelConnections int      `json:"parallelConnections" yaml:"parallelConnections"`
	TimeoutMs           int      `json:"timeoutMs" yaml:"timeoutMs"`
	Servers             []string `json:"servers" yaml:"servers"`
}

// UploadConfig mirrors DownloadConfig without the server fan-out; uploads go
// to a single POST echo endpoint.
type UploadConfig struct {
	Enabled             bool     `json:"enabled" yaml:"enabled"`
	FileSizes           []string `json:"fileSizes" yaml:"fileSizes"`
	Iterations          int      `json:"iterations" yaml:"iterations"`
	ParallelConnections int      `json:"parallelConnections" yaml:"parallelConnections"`
	TimeoutMs           int      `json:"timeoutMs" yaml:"timeoutMs"`
}

// LatencyConfig drives the round-robin RTT sampling run.
type LatencyConfig struct {
	Enabled     bool     `json:"enabled" yaml:"enabled"`
	SampleCount int      `json:"sampleCount" yaml:"sampleCount"`
	Targets     []string `json:"targets" yaml:"targets"`
	IntervalMs  int      `json:"intervalMs" yaml:"intervalMs"`
	TimeoutMs   int      `json:"timeoutMs" yaml:"timeoutMs"`
}

// SecurityConfig toggles the individual security analysis phases.
type SecurityConfig struct {
	Enabled            bool `json:"enabled" yaml:"enabled"`
	VPNDetection       bool `json:"vpnDetection" yaml:"vpnDetection"`
	WARPDetection      bool `json:"warpDetection" yaml:"warpDetection"`
	CaptivePortalCheck bool `json:"captivePortalCheck" yaml:"captivePortalCheck"`
	ThreatDetection    bool `json:"threatDetection" yaml:"threatDetection"`
	DNSLeakTest        bool `json:"dnsLeakTest" yaml:"dnsLeakTest"`
	SSLAnalysis        bool `json:"sslAnalysis" yaml:"sslAnalysis"`
}

// ProtocolConfig toggles the protocol capability sub-tests.
type ProtocolConfig struct {
	Enabled             bool `json:"enabled" yaml:"enabled"`
	IPv6Testing         bool `json:"ipv6Testing" yaml:"ipv6Testing"`
	CDNTesting          bool `json:"cdnTesting" yaml:"cdnTesting"`
	DNSPerformance      bool `json:"dnsPerformance" yaml:"dnsPerformance"`
	HTTP3Testing        bool `json:"http3Testing" yaml:"http3Testing"`
	ConnectionStability bool `json:"connectionStability" yaml:"connectionStability"`
	RoutingEfficiency   bool `json:"routingEfficiency" yaml:"routingEfficiency"`
}

// ConnectivityConfig drives the background liveness monitor. The interval is
// minutes-scale; each check itself runs against TimeoutMs.
type ConnectivityConfig struct {
	Enabled         bool `json:"enabled" yaml:"enabled"`
	IntervalMinutes int  `json:"intervalMinutes" yaml:"intervalMinutes"`
	TimeoutMs       int  `json:"timeoutMs" yaml:"timeoutMs"`
}

// MsToDuration converts a millisecond config value into a time.Duration,
// substituting fallback when the value is unset or negative.
func MsToDuration(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
