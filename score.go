package netgauge

import (
	"math"

	"ghostshell/app/netgauge/stats"
)

// signals holds the primitive metrics distilled from a run's module records.
// Each *OK flag records whether the owning module produced a usable value;
// a missing signal is excluded from scoring rather than treated as zero.
type signals struct {
	download   float64
	downloadOK bool

	upload   float64
	uploadOK bool

	latency   float64
	jitter    float64
	loss      float64
	latencyOK bool

	securityScore float64
	securityOK    bool

	protocolScore float64
	protocolOK    bool

	vpnDetected     bool
	vpnCheckEnabled bool
	captiveDetected bool

	sslScore float64
	sslOK    bool

	ipv6Supported bool
	ipv6OK        bool

	http3Supported bool

	stabilityRate float64
	stabilityOK   bool
}

// computeOverallScore folds the available signals into a 0..100 score.
// Every signal contributes a bucketed or linear share of its weight, and
// absent signals drop out of both the numerator and the denominator.
func computeOverallScore(sig signals) int {
	var earned, possible float64

	if sig.downloadOK {
		possible += 40
		switch {
		case sig.download >= 100:
			earned += 40
		case sig.download >= 50:
			earned += 30
		case sig.download >= 25:
			earned += 20
		case sig.download >= 10:
			earned += 10
		}
	}

	if sig.uploadOK {
		possible += 15
		switch {
		case sig.upload >= 50:
			earned += 15
		case sig.upload >= 25:
			earned += 8
		case sig.upload >= 10:
			earned += 4
		}
	}

	if sig.latencyOK {
		possible += 30
		switch {
		case sig.latency < 20:
			earned += 30
		case sig.latency < 50:
			earned += 25
		case sig.latency < 100:
			earned += 15
		case sig.latency < 200:
			earned += 5
		}
	}

	if sig.securityOK {
		possible += 20
		earned += 20 * sig.securityScore / 100
	}

	if sig.protocolOK {
		possible += 10
		earned += 10 * sig.protocolScore / 100
	}

	if possible == 0 {
		return 0
	}
	return int(math.Round(100 * earned / possible))
}

// Grade is the letter classification attached to an overall score.
type Grade struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	Color       string `json:"color"`
}

// gradeTable maps score floors to grades, highest floor first. Lookup
// returns the first row whose floor the score reaches.
var gradeTable = []struct {
	min   int
	grade Grade
}{
	{95, Grade{Code: "A+", Description: "Exceptional connection", Color: "#00c853"}},
	{90, Grade{Code: "A", Description: "Excellent connection", Color: "#2e7d32"}},
	{85, Grade{Code: "A-", Description: "Very good connection", Color: "#43a047"}},
	{80, Grade{Code: "B+", Description: "Good connection", Color: "#7cb342"}},
	{75, Grade{Code: "B", Description: "Above average connection", Color: "#9e9d24"}},
	{70, Grade{Code: "B-", Description: "Decent connection", Color: "#c0ca33"}},
	{65, Grade{Code: "C+", Description: "Average connection", Color: "#fdd835"}},
	{60, Grade{Code: "C", Description: "Acceptable connection", Color: "#ffb300"}},
	{55, Grade{Code: "C-", Description: "Below average connection", Color: "#fb8c00"}},
	{50, Grade{Code: "D+", Description: "Poor connection", Color: "#f4511e"}},
	{45, Grade{Code: "D", Description: "Very poor connection", Color: "#e53935"}},
	{0, Grade{Code: "F", Description: "Failing connection", Color: "#b71c1c"}},
}

func gradeForScore(score int) Grade {
	for _, row := range gradeTable {
		if score >= row.min {
			return row.grade
		}
	}
	return gradeTable[len(gradeTable)-1].grade
}

// capabilityRules lists the activities the report classifies, in output
// order. A rule only passes when every metric it reads was measured.
var capabilityRules = []struct {
	name string
	met  func(signals) bool
}{
	{"streaming4K", func(s signals) bool {
		return s.downloadOK && s.latencyOK && s.download >= 25 && s.latency < 50 && s.loss < 0.5
	}},
	{"streaming1080p", func(s signals) bool {
		return s.downloadOK && s.latencyOK && s.download >= 5 && s.latency < 100 && s.loss < 1
	}},
	{"gaming", func(s signals) bool {
		return s.latencyOK && s.latency < 50 && s.jitter < 20 && s.loss < 0.5
	}},
	{"competitiveGaming", func(s signals) bool {
		return s.latencyOK && s.latency < 20 && s.jitter < 10 && s.loss == 0
	}},
	{"videoConferencing", func(s signals) bool {
		return s.downloadOK && s.uploadOK && s.latencyOK && s.download >= 3 && s.upload >= 2 && s.latency < 150
	}},
	{"remoteWork", func(s signals) bool {
		return s.downloadOK && s.uploadOK && s.latencyOK && s.download >= 10 && s.upload >= 5 && s.latency < 100
	}},
	{"basicBrowsing", func(s signals) bool {
		return s.downloadOK && s.latencyOK && s.download >= 1 && s.latency < 200
	}},
	{"fileSharing", func(s signals) bool {
		return s.uploadOK && s.upload >= 10
	}},
	{"cloudBackup", func(s signals) bool {
		return s.uploadOK && s.upload >= 25
	}},
}

func assessCapabilities(sig signals) map[string]bool {
	caps := make(map[string]bool, len(capabilityRules))
	for _, rule := range capabilityRules {
		caps[rule.name] = rule.met(sig)
	}
	return caps
}

// capabilityNames returns the capability keys in their output order.
func capabilityNames() []string {
	names := make([]string, 0, len(capabilityRules))
	for _, rule := range capabilityRules {
		names = append(names, rule.name)
	}
	return names
}

// GamingReport rates the connection for interactive play.
type GamingReport struct {
	LatencyMs  float64 `json:"latencyMs"`
	JitterMs   float64 `json:"jitterMs"`
	PacketLoss float64 `json:"packetLoss"`
	Rating     string  `json:"rating"`
}

func gamingReport(sig signals) *GamingReport {
	if !sig.latencyOK {
		return nil
	}
	rating := "Poor"
	switch {
	case sig.latency < 20 && sig.jitter < 10 && sig.loss == 0:
		rating = "Excellent"
	case sig.latency < 50 && sig.jitter < 20 && sig.loss < 0.5:
		rating = "Good"
	case sig.latency < 100:
		rating = "Fair"
	}
	return &GamingReport{
		LatencyMs:  sig.latency,
		JitterMs:   sig.jitter,
		PacketLoss: sig.loss,
		Rating:     rating,
	}
}

// VoIPReport carries the estimated call quality on the MOS scale.
type VoIPReport struct {
	MOS    float64 `json:"mos"`
	Rating string  `json:"rating"`
}

func voipReport(sig signals) *VoIPReport {
	if !sig.latencyOK {
		return nil
	}
	mos := stats.MOS(sig.latency, sig.jitter, sig.loss)
	return &VoIPReport{MOS: mos, Rating: mosRating(mos)}
}

func mosRating(mos float64) string {
	switch {
	case mos >= 4.3:
		return "Excellent"
	case mos >= 4.0:
		return "Good"
	case mos >= 3.6:
		return "Fair"
	case mos >= 3.1:
		return "Poor"
	default:
		return "Bad"
	}
}
