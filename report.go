package netgauge

import (
	"time"

	"ghostshell/app/netgauge/common"
	"ghostshell/app/netgauge/protocol"
	"ghostshell/app/netgauge/security"
)

// FinalReport is the immutable summary assembled after a complete run.
// The flat speed and latency fields carry the primitive averages; failed
// modules leave them at zero and are excluded from scoring instead.
type FinalReport struct {
	Timestamp       int64             `json:"timestamp"`
	DurationMs      int64             `json:"durationMs"`
	DownloadSpeed   float64           `json:"downloadSpeed"`
	UploadSpeed     float64           `json:"uploadSpeed"`
	Latency         float64           `json:"latency"`
	Jitter          float64           `json:"jitter"`
	PacketLoss      float64           `json:"packetLoss"`
	Security        *security.Results `json:"security,omitempty"`
	Protocols       *protocol.Results `json:"protocols,omitempty"`
	Gaming          *GamingReport     `json:"gaming,omitempty"`
	VoIPQuality     *VoIPReport       `json:"voipQuality,omitempty"`
	OverallScore    int               `json:"overallScore"`
	Grade           Grade             `json:"grade"`
	Capabilities    map[string]bool   `json:"capabilities"`
	Insights        []string          `json:"insights"`
	Recommendations []Recommendation  `json:"recommendations"`
}

// extractSignals reduces the module records to the primitive metrics the
// scoring, capability, and advice tables consume. A record that is missing
// or ended in StatusFailed contributes nothing.
func extractSignals(res Results, cfg *Config) signals {
	var sig signals

	if res.Speed != nil {
		if dl := res.Speed.Download; dl != nil && dl.Status != common.StatusFailed {
			sig.download = dl.AverageMbps
			sig.downloadOK = true
		}
		if ul := res.Speed.Upload; ul != nil && ul.Status != common.StatusFailed {
			sig.upload = ul.AverageMbps
			sig.uploadOK = true
		}
	}

	if lat := res.Latency; lat != nil && lat.Status != common.StatusFailed {
		sig.latency = lat.AverageMs
		sig.jitter = lat.JitterMs
		sig.loss = lat.PacketLoss.Percentage
		sig.latencyOK = true
	}

	if sec := res.Security; sec != nil {
		if sec.Status != common.StatusFailed {
			sig.securityScore = sec.Score
			sig.securityOK = true
		}
		if sec.VPN != nil {
			sig.vpnDetected = sec.VPN.Status == "Possibly Connected" || sec.VPN.Status == "Likely Connected"
		}
		if sec.CaptivePortal != nil {
			sig.captiveDetected = sec.CaptivePortal.Detected
		}
		if sec.SSL != nil {
			sig.sslScore = sec.SSL.Score
			sig.sslOK = true
		}
	}

	if prot := res.Protocols; prot != nil {
		if prot.Status != common.StatusFailed {
			sig.protocolScore = prot.Score
			sig.protocolOK = true
		}
		if prot.IPv6 != nil {
			sig.ipv6Supported = prot.IPv6.Supported
			sig.ipv6OK = true
		}
		if prot.HTTP3 != nil {
			sig.http3Supported = prot.HTTP3.Supported
		}
		if prot.Stability != nil {
			sig.stabilityRate = prot.Stability.SuccessRate
			sig.stabilityOK = true
		}
	}

	sig.vpnCheckEnabled = cfg.SecurityTests.Enabled && cfg.SecurityTests.VPNDetection

	return sig
}

// buildReport turns the accumulated records into the final report.
func buildReport(res Results, cfg *Config, startedAt time.Time, elapsed time.Duration) *FinalReport {
	sig := extractSignals(res, cfg)
	score := computeOverallScore(sig)

	return &FinalReport{
		Timestamp:       startedAt.UnixMilli(),
		DurationMs:      elapsed.Milliseconds(),
		DownloadSpeed:   sig.download,
		UploadSpeed:     sig.upload,
		Latency:         sig.latency,
		Jitter:          sig.jitter,
		PacketLoss:      sig.loss,
		Security:        res.Security,
		Protocols:       res.Protocols,
		Gaming:          gamingReport(sig),
		VoIPQuality:     voipReport(sig),
		OverallScore:    score,
		Grade:           gradeForScore(score),
		Capabilities:    assessCapabilities(sig),
		Insights:        buildInsights(sig),
		Recommendations: buildRecommendations(sig),
	}
}
