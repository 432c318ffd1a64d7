package netgauge

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildInsights(t *testing.T) {
	fast := signals{
		download: 150, downloadOK: true,
		upload: 40, uploadOK: true,
		latency: 15, jitter: 3, loss: 0, latencyOK: true,
		securityScore: 70, securityOK: true,
		ipv6Supported: true, ipv6OK: true,
		http3Supported: true,
	}
	assert.Equal(t, []string{
		"Excellent download speed of 150 Mbps handles 4K streaming and large transfers with ease",
		"Ultra-low latency of 15 ms is ideal for competitive gaming and real-time applications",
		"Jitter of 3.0 ms indicates a very stable connection",
		"IPv6 connectivity is available on this network",
		"HTTP/3 is supported, enabling faster connection setup on modern sites",
	}, buildInsights(fast))

	slow := signals{
		download: 8, downloadOK: true,
		upload: 1, uploadOK: true,
		latency: 180, jitter: 45, loss: 2.5, latencyOK: true,
	}
	assert.Equal(t, []string{
		"Download speed of 8.0 Mbps is low; expect slow transfers and buffering",
		"Upload speed of 1.0 Mbps will struggle with video calls and file sharing",
		"High latency of 180 ms will be noticeable in calls and interactive applications",
		"Packet loss of 2.5% detected; real-time traffic will suffer",
	}, buildInsights(slow))
}

func TestBuildInsightsEmptyWithoutMeasurements(t *testing.T) {
	got := buildInsights(signals{})
	require.NotNil(t, got)
	assert.Empty(t, got)
}

func TestBuildInsightsDownloadBandsAreExclusive(t *testing.T) {
	tests := []struct {
		name  string
		mbps  float64
		lines int
	}{
		{"low band", 5, 1},
		{"gap between low and good yields nothing", 15, 0},
		{"good band", 60, 1},
		{"excellent band", 150, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := buildInsights(signals{download: tt.mbps, downloadOK: true})
			count := 0
			for _, line := range got {
				if strings.Contains(line, "download speed") {
					count++
				}
			}
			assert.Equal(t, tt.lines, count)
		})
	}
}

func TestBuildRecommendations(t *testing.T) {
	slow := signals{
		download: 8, downloadOK: true,
		upload: 1, uploadOK: true,
		latency: 180, jitter: 45, loss: 2.5, latencyOK: true,
	}
	recs := buildRecommendations(slow)
	require.Len(t, recs, 5)
	assert.Equal(t, "Very slow download speed", recs[0].Title)
	assert.Equal(t, PriorityHigh, recs[0].Priority)
	assert.Equal(t, "speed", recs[0].Type)
	assert.Equal(t, "Low upload speed", recs[1].Title)
	assert.Equal(t, PriorityMedium, recs[1].Priority)
	assert.Equal(t, "High latency", recs[2].Title)
	assert.Equal(t, PriorityHigh, recs[2].Priority)
	assert.Equal(t, "Unstable latency", recs[3].Title)
	assert.Equal(t, "Packet loss detected", recs[4].Title)
	for _, rec := range recs {
		assert.NotEmpty(t, rec.Description, rec.Title)
		assert.NotEmpty(t, rec.Action, rec.Title)
	}
}

func TestBuildRecommendationsHealthyConnection(t *testing.T) {
	healthy := signals{
		download: 500, downloadOK: true,
		upload: 100, uploadOK: true,
		latency: 8, jitter: 2, loss: 0, latencyOK: true,
	}
	got := buildRecommendations(healthy)
	require.NotNil(t, got)
	assert.Empty(t, got)
}

func TestBuildRecommendationsVPNSuggestionSurvivesFailedRun(t *testing.T) {
	// the only rule that does not need a measurement
	recs := buildRecommendations(signals{vpnCheckEnabled: true})
	require.Len(t, recs, 1)
	assert.Equal(t, "privacy", recs[0].Type)
	assert.Equal(t, PriorityLow, recs[0].Priority)
	assert.Equal(t, "No VPN detected", recs[0].Title)

	// detected VPN silences it
	recs = buildRecommendations(signals{vpnCheckEnabled: true, vpnDetected: true})
	assert.Empty(t, recs)
}

func TestBuildRecommendationsCaptivePortalFirst(t *testing.T) {
	sig := signals{
		captiveDetected: true,
		download:        8, downloadOK: true,
	}
	recs := buildRecommendations(sig)
	require.Len(t, recs, 2)
	assert.Equal(t, "Captive portal detected", recs[0].Title)
	assert.Equal(t, PriorityHigh, recs[0].Priority)
}

func TestBuildRecommendationsLatencyBands(t *testing.T) {
	tests := []struct {
		name    string
		latency float64
		want    string
	}{
		{"elevated", 120, "Elevated latency"},
		{"high", 180, "High latency"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs := buildRecommendations(signals{latency: tt.latency, latencyOK: true})
			require.Len(t, recs, 1)
			assert.Equal(t, tt.want, recs[0].Title)
		})
	}
}

func TestInsightsAndRecommendationsAreDeterministic(t *testing.T) {
	sig := signals{
		download: 42, downloadOK: true,
		upload: 3, uploadOK: true,
		latency: 110, jitter: 35, loss: 1.5, latencyOK: true,
		securityScore: 90, securityOK: true,
		vpnCheckEnabled: true,
		sslScore:        40, sslOK: true,
		ipv6OK:        true,
		stabilityRate: 80, stabilityOK: true,
	}
	assert.Equal(t, buildInsights(sig), buildInsights(sig))
	assert.Equal(t, buildRecommendations(sig), buildRecommendations(sig))
}
