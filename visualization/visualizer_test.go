package visualization

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testVisualizer(t *testing.T) *Visualizer {
	t.Helper()
	v, err := newVisualizer(zap.NewNop(), prometheus.NewRegistry())
	require.NoError(t, err)
	return v
}

func sampleSnapshot() Snapshot {
	return Snapshot{
		Score:         87,
		Grade:         "A-",
		DownloadMbps:  150.2,
		UploadMbps:    40.1,
		LatencyMs:     15.3,
		JitterMs:      3.1,
		PacketLoss:    0,
		SecurityScore: 70,
		HasSecurity:   true,
		ProtocolScore: 80,
		HasProtocols:  true,
		Duration:      83 * time.Second,
	}
}

func TestUpdateReportSetsGauges(t *testing.T) {
	v := testVisualizer(t)
	v.UpdateReport(sampleSnapshot(), map[string]int{"overallScore": 87})

	assert.Equal(t, 87.0, testutil.ToFloat64(v.metrics.overallScore))
	assert.Equal(t, 150.2, testutil.ToFloat64(v.metrics.downloadMbps))
	assert.Equal(t, 40.1, testutil.ToFloat64(v.metrics.uploadMbps))
	assert.Equal(t, 15.3, testutil.ToFloat64(v.metrics.latencyMs))
	assert.Equal(t, 70.0, testutil.ToFloat64(v.metrics.securityScore))
	assert.Equal(t, 80.0, testutil.ToFloat64(v.metrics.protocolScore))
}

func TestUpdateReportSkipsAbsentModuleScores(t *testing.T) {
	v := testVisualizer(t)
	snap := sampleSnapshot()
	snap.HasSecurity = false
	snap.HasProtocols = false
	snap.SecurityScore = 55
	snap.ProtocolScore = 55
	v.UpdateReport(snap, nil)

	assert.Zero(t, testutil.ToFloat64(v.metrics.securityScore))
	assert.Zero(t, testutil.ToFloat64(v.metrics.protocolScore))
}

func TestRecordRun(t *testing.T) {
	v := testVisualizer(t)
	v.RecordRun("completed")
	v.RecordRun("completed")
	v.RecordRun("stopped")

	assert.Equal(t, 2.0, testutil.ToFloat64(v.metrics.runsTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(v.metrics.runsTotal.WithLabelValues("stopped")))
	assert.Zero(t, testutil.ToFloat64(v.metrics.runsTotal.WithLabelValues("failed")))
}

func TestHandleDashboardBeforeFirstRun(t *testing.T) {
	v := testVisualizer(t)

	rr := httptest.NewRecorder()
	v.handleDashboard(rr, httptest.NewRequest("GET", "/", nil))

	require.Equal(t, 200, rr.Code)
	assert.Contains(t, rr.Body.String(), "No analysis run has completed yet")
}

func TestHandleDashboardAfterRun(t *testing.T) {
	v := testVisualizer(t)
	v.UpdateReport(sampleSnapshot(), nil)

	rr := httptest.NewRecorder()
	v.handleDashboard(rr, httptest.NewRequest("GET", "/", nil))

	require.Equal(t, 200, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, "87 / 100")
	assert.Contains(t, body, "A-")
	assert.Contains(t, body, "150.2")
}

func TestHandleReport(t *testing.T) {
	v := testVisualizer(t)
	v.UpdateReport(sampleSnapshot(), map[string]int{"overallScore": 87})

	rr := httptest.NewRecorder()
	v.handleReport(rr, httptest.NewRequest("GET", "/api/report", nil))

	require.Equal(t, 200, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var decoded map[string]int
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &decoded))
	assert.Equal(t, map[string]int{"overallScore": 87}, decoded)
}

func TestStopWithoutStart(t *testing.T) {
	v := testVisualizer(t)
	assert.NoError(t, v.Stop())
}
