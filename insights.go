package netgauge

import "fmt"

// Recommendation is one actionable item in the final report.
type Recommendation struct {
	Type        string `json:"type"`
	Priority    string `json:"priority"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Action      string `json:"action"`
}

// Priorities used by recommendation rules.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// insightRules is evaluated top to bottom; every matching rule appends one
// line, so the output order is fixed by the table order. Rules only fire on
// measured signals, which keeps the list empty when every probe failed.
var insightRules = []struct {
	when func(signals) bool
	text func(signals) string
}{
	{
		when: func(s signals) bool { return s.downloadOK && s.download >= 100 },
		text: func(s signals) string {
			return fmt.Sprintf("Excellent download speed of %.0f Mbps handles 4K streaming and large transfers with ease", s.download)
		},
	},
	{
		when: func(s signals) bool { return s.downloadOK && s.download >= 25 && s.download < 100 },
		text: func(s signals) string {
			return fmt.Sprintf("Good download speed of %.0f Mbps covers HD streaming and everyday use", s.download)
		},
	},
	{
		when: func(s signals) bool { return s.downloadOK && s.download > 0 && s.download < 10 },
		text: func(s signals) string {
			return fmt.Sprintf("Download speed of %.1f Mbps is low; expect slow transfers and buffering", s.download)
		},
	},
	{
		when: func(s signals) bool { return s.uploadOK && s.upload >= 50 },
		text: func(s signals) string {
			return fmt.Sprintf("Outstanding upload speed of %.0f Mbps supports cloud backups and content publishing", s.upload)
		},
	},
	{
		when: func(s signals) bool { return s.uploadOK && s.upload > 0 && s.upload < 5 },
		text: func(s signals) string {
			return fmt.Sprintf("Upload speed of %.1f Mbps will struggle with video calls and file sharing", s.upload)
		},
	},
	{
		when: func(s signals) bool { return s.latencyOK && s.latency > 0 && s.latency < 20 },
		text: func(s signals) string {
			return fmt.Sprintf("Ultra-low latency of %.0f ms is ideal for competitive gaming and real-time applications", s.latency)
		},
	},
	{
		when: func(s signals) bool { return s.latencyOK && s.latency >= 150 },
		text: func(s signals) string {
			return fmt.Sprintf("High latency of %.0f ms will be noticeable in calls and interactive applications", s.latency)
		},
	},
	{
		when: func(s signals) bool { return s.latencyOK && s.jitter > 0 && s.jitter < 5 },
		text: func(s signals) string {
			return fmt.Sprintf("Jitter of %.1f ms indicates a very stable connection", s.jitter)
		},
	},
	{
		when: func(s signals) bool { return s.latencyOK && s.loss > 1 },
		text: func(s signals) string {
			return fmt.Sprintf("Packet loss of %.1f%% detected; real-time traffic will suffer", s.loss)
		},
	},
	{
		when: func(s signals) bool { return s.securityOK && s.securityScore >= 80 },
		text: func(s signals) string {
			return "Strong security posture with no significant threats detected"
		},
	},
	{
		when: func(s signals) bool { return s.vpnDetected },
		text: func(s signals) string {
			return "Traffic appears to be routed through a VPN or secure tunnel"
		},
	},
	{
		when: func(s signals) bool { return s.ipv6OK && s.ipv6Supported },
		text: func(s signals) string {
			return "IPv6 connectivity is available on this network"
		},
	},
	{
		when: func(s signals) bool { return s.http3Supported },
		text: func(s signals) string {
			return "HTTP/3 is supported, enabling faster connection setup on modern sites"
		},
	},
}

func buildInsights(sig signals) []string {
	insights := []string{}
	for _, rule := range insightRules {
		if rule.when(sig) {
			insights = append(insights, rule.text(sig))
		}
	}
	return insights
}

// recommendationRules mirrors insightRules: a fixed-order table evaluated
// against the same signals. The VPN suggestion is config-derived and is the
// only rule that can fire when no probe produced a measurement.
var recommendationRules = []struct {
	when  func(signals) bool
	build func(signals) Recommendation
}{
	{
		when: func(s signals) bool { return s.captiveDetected },
		build: func(s signals) Recommendation {
			return Recommendation{
				Type:        "security",
				Priority:    PriorityHigh,
				Title:       "Captive portal detected",
				Description: "A captive portal is intercepting web traffic on this network. Until you sign in, connections may be redirected or blocked.",
				Action:      "Open the network's login page and authenticate before using sensitive services",
			}
		},
	},
	{
		when: func(s signals) bool { return s.downloadOK && s.download > 0 && s.download < 10 },
		build: func(s signals) Recommendation {
			return Recommendation{
				Type:        "speed",
				Priority:    PriorityHigh,
				Title:       "Very slow download speed",
				Description: fmt.Sprintf("Download speed of %.1f Mbps is below what modern applications expect.", s.download),
				Action:      "Check for other devices saturating the line, or contact your ISP about a faster plan",
			}
		},
	},
	{
		when: func(s signals) bool { return s.downloadOK && s.download >= 10 && s.download < 25 },
		build: func(s signals) Recommendation {
			return Recommendation{
				Type:        "speed",
				Priority:    PriorityMedium,
				Title:       "Modest download speed",
				Description: fmt.Sprintf("Download speed of %.1f Mbps covers the basics but limits HD streaming on shared connections.", s.download),
				Action:      "Consider a faster plan if several people use this connection",
			}
		},
	},
	{
		when: func(s signals) bool { return s.uploadOK && s.upload > 0 && s.upload < 5 },
		build: func(s signals) Recommendation {
			return Recommendation{
				Type:        "speed",
				Priority:    PriorityMedium,
				Title:       "Low upload speed",
				Description: fmt.Sprintf("Upload speed of %.1f Mbps will degrade video calls and slow cloud backups.", s.upload),
				Action:      "Upgrade your plan if you rely on video conferencing or file sharing",
			}
		},
	},
	{
		when: func(s signals) bool { return s.latencyOK && s.latency >= 150 },
		build: func(s signals) Recommendation {
			return Recommendation{
				Type:        "latency",
				Priority:    PriorityHigh,
				Title:       "High latency",
				Description: fmt.Sprintf("Round-trip time of %.0f ms makes interactive applications feel sluggish.", s.latency),
				Action:      "Prefer a wired connection and avoid satellite or congested links for real-time work",
			}
		},
	},
	{
		when: func(s signals) bool { return s.latencyOK && s.latency >= 100 && s.latency < 150 },
		build: func(s signals) Recommendation {
			return Recommendation{
				Type:        "latency",
				Priority:    PriorityMedium,
				Title:       "Elevated latency",
				Description: fmt.Sprintf("Round-trip time of %.0f ms is workable but noticeable in fast-paced applications.", s.latency),
				Action:      "Move closer to your access point or switch to a wired connection",
			}
		},
	},
	{
		when: func(s signals) bool { return s.latencyOK && s.jitter >= 30 },
		build: func(s signals) Recommendation {
			return Recommendation{
				Type:        "stability",
				Priority:    PriorityHigh,
				Title:       "Unstable latency",
				Description: fmt.Sprintf("Jitter of %.0f ms causes choppy audio and stuttering in real-time streams.", s.jitter),
				Action:      "Reduce wireless interference or check for background transfers on the network",
			}
		},
	},
	{
		when: func(s signals) bool { return s.latencyOK && s.loss >= 1 },
		build: func(s signals) Recommendation {
			return Recommendation{
				Type:        "stability",
				Priority:    PriorityHigh,
				Title:       "Packet loss detected",
				Description: fmt.Sprintf("%.1f%% of probes went unanswered, which disrupts calls and online games.", s.loss),
				Action:      "Inspect cabling and Wi-Fi signal strength, or report the loss to your ISP",
			}
		},
	},
	{
		when: func(s signals) bool { return s.vpnCheckEnabled && !s.vpnDetected },
		build: func(s signals) Recommendation {
			return Recommendation{
				Type:        "privacy",
				Priority:    PriorityLow,
				Title:       "No VPN detected",
				Description: "Traffic does not appear to be tunnelled. On untrusted networks this exposes browsing metadata.",
				Action:      "Consider a reputable VPN when using public or shared networks",
			}
		},
	},
	{
		when: func(s signals) bool { return s.sslOK && s.sslScore < 50 },
		build: func(s signals) Recommendation {
			return Recommendation{
				Type:        "security",
				Priority:    PriorityMedium,
				Title:       "Weak TLS responses observed",
				Description: "Audited HTTPS endpoints returned fewer security headers than expected, which can indicate interception.",
				Action:      "Re-run the test on a trusted network and compare the TLS audit results",
			}
		},
	},
	{
		when: func(s signals) bool { return s.ipv6OK && !s.ipv6Supported },
		build: func(s signals) Recommendation {
			return Recommendation{
				Type:        "protocol",
				Priority:    PriorityLow,
				Title:       "IPv6 not available",
				Description: "This network only reached the internet over IPv4; some services perform better over IPv6.",
				Action:      "Ask your ISP or network administrator about enabling IPv6",
			}
		},
	},
	{
		when: func(s signals) bool { return s.stabilityOK && s.stabilityRate < 95 },
		build: func(s signals) Recommendation {
			return Recommendation{
				Type:        "stability",
				Priority:    PriorityMedium,
				Title:       "Connection stability below par",
				Description: fmt.Sprintf("Only %.0f%% of sustained probes succeeded; brief dropouts are likely.", s.stabilityRate),
				Action:      "Monitor the connection over time and check equipment logs for resets",
			}
		},
	},
}

func buildRecommendations(sig signals) []Recommendation {
	recs := []Recommendation{}
	for _, rule := range recommendationRules {
		if rule.when(sig) {
			recs = append(recs, rule.build(sig))
		}
	}
	return recs
}
