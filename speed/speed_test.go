package speed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ghostshell/app/netgauge/common"
	"ghostshell/app/netgauge/probe"
)

// swapRegistry points the module at local stubs for the duration of a test.
func swapRegistry(t *testing.T, registry map[string]Server, upload string) {
	t.Helper()
	origRegistry := serverRegistry
	origDefaults := defaultServers
	origUpload := uploadEndpoint
	origPause := samplePause
	serverRegistry = registry
	defaultServers = defaultServersFrom(registry)
	if upload != "" {
		uploadEndpoint = upload
	}
	samplePause = time.Millisecond
	t.Cleanup(func() {
		serverRegistry = origRegistry
		defaultServers = origDefaults
		uploadEndpoint = origUpload
		samplePause = origPause
	})
}

func defaultServersFrom(registry map[string]Server) []string {
	ids := make([]string, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	return ids
}

// newByteServer serves ?bytes=N of zeros on any path.
func newByteServer(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, err := strconv.Atoi(r.URL.Query().Get("bytes"))
		if err != nil || n <= 0 {
			n = 1024
		}
		_, _ = w.Write(make([]byte, n))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		label string
		want  int64
	}{
		{"1MB", 1 << 20},
		{"5MB", 5 << 20},
		{"10MB", 10 << 20},
		{"512KB", 512 << 10},
		{"1GB", 1 << 30},
		{"2.5MB", int64(2.5 * (1 << 20))},
		{" 1mb ", 1 << 20},
		{"bogus", 1 << 20},
		{"", 1 << 20},
		{"-3MB", 1 << 20},
		{"7XB", 1 << 20},
	}
	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseSize(tt.label))
		})
	}
}

func TestFilterServers(t *testing.T) {
	got := filterServers([]string{"cloudflare", "unknown", "cachefly"})
	assert.Equal(t, []string{"cloudflare", "cachefly"}, got)

	// nothing usable substitutes the default set
	assert.Equal(t, defaultServers, filterServers([]string{"nope", "nada"}))
	assert.Equal(t, defaultServers, filterServers(nil))
}

func TestURLFor(t *testing.T) {
	templated := Server{Name: "T", Template: "http://t.example/down?bytes=%d"}
	url, ok := templated.URLFor("5MB", 5<<20)
	require.True(t, ok)
	assert.Equal(t, fmt.Sprintf("http://t.example/down?bytes=%d", 5<<20), url)

	mapped := Server{Name: "M", Sizes: map[string]string{"1MB": "http://m.example/1mb"}}
	url, ok = mapped.URLFor("1MB", 1<<20)
	require.True(t, ok)
	assert.Equal(t, "http://m.example/1mb", url)

	_, ok = mapped.URLFor("5MB", 5<<20)
	assert.False(t, ok)
}

func TestMbps(t *testing.T) {
	// 1 MiB in one second is 8.388608 Mbps
	assert.InDelta(t, 8.388608, mbps(1<<20, time.Second), 1e-6)
	assert.Zero(t, mbps(1024, 0))
}

func TestRunDownloadsAgainstStub(t *testing.T) {
	ts := newByteServer(t)
	swapRegistry(t, map[string]Server{
		"stub": {Name: "Stub", Template: ts.URL + "/down?bytes=%d"},
	}, "")

	r := New(common.DownloadConfig{
		Enabled:    true,
		FileSizes:  []string{"64KB", "128KB"},
		Iterations: 2,
		Servers:    []string{"stub"},
		TimeoutMs:  5000,
	}, common.UploadConfig{})

	var progressEvents []common.ProgressEvent
	r.SetProgressCallback(func(ev common.ProgressEvent) { progressEvents = append(progressEvents, ev) })
	var speedEvents int32
	r.SetSpeedCallback(func(ev common.SpeedEvent) { atomic.AddInt32(&speedEvents, 1) })

	res, err := r.Run(context.Background(), zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, res.Download)
	assert.Nil(t, res.Upload)

	dl := res.Download
	assert.Equal(t, common.StatusCompleted, dl.Status)
	assert.Len(t, dl.Samples, 4)
	assert.Equal(t, 4, dl.TestsRun)
	assert.Zero(t, dl.TestsFailed)
	assert.Greater(t, dl.AverageMbps, 0.0)
	assert.GreaterOrEqual(t, dl.PeakMbps, dl.MinMbps)
	require.Contains(t, dl.PerServer, "stub")
	assert.Len(t, dl.PerServer["stub"].Samples, 4)
	assert.Contains(t, dl.PerSize, "64KB")
	assert.Contains(t, dl.PerSize, "128KB")

	// one progress event per completed step, ending at 100
	require.Len(t, progressEvents, 4)
	assert.Equal(t, common.ProgressDownload, progressEvents[0].Type)
	assert.Equal(t, 25, progressEvents[0].Value)
	assert.Equal(t, 100, progressEvents[3].Value)
	assert.Greater(t, atomic.LoadInt32(&speedEvents), int32(0))
}

func TestRunDownloadsRecordsNullsOnFailure(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1)%2 == 0 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write(make([]byte, 32*1024))
	}))
	defer ts.Close()
	swapRegistry(t, map[string]Server{
		"flaky": {Name: "Flaky", Sizes: map[string]string{"1MB": ts.URL + "/1mb"}},
	}, "")

	r := New(common.DownloadConfig{
		Enabled:    true,
		FileSizes:  []string{"1MB"},
		Iterations: 4,
		Servers:    []string{"flaky"},
		TimeoutMs:  5000,
	}, common.UploadConfig{})

	res, err := r.Run(context.Background(), zap.NewNop())
	require.NoError(t, err)
	dl := res.Download
	require.NotNil(t, dl)
	assert.Equal(t, common.StatusPartial, dl.Status)
	assert.Len(t, dl.Samples, 4)
	assert.Equal(t, 2, dl.TestsFailed)
	// zeros stay in the vector but not in the aggregates
	assert.Greater(t, dl.AverageMbps, 0.0)
}

func TestRunDownloadsAllFailing(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()
	swapRegistry(t, map[string]Server{
		"down": {Name: "Down", Sizes: map[string]string{"1MB": ts.URL + "/1mb"}},
	}, "")

	r := New(common.DownloadConfig{
		Enabled:    true,
		FileSizes:  []string{"1MB"},
		Iterations: 2,
		Servers:    []string{"down"},
		TimeoutMs:  2000,
	}, common.UploadConfig{})

	res, err := r.Run(context.Background(), zap.NewNop())
	require.NoError(t, err)
	dl := res.Download
	assert.Equal(t, common.StatusFailed, dl.Status)
	assert.NotEmpty(t, dl.Error)
	assert.Zero(t, dl.AverageMbps)
	assert.Equal(t, 2, dl.TestsFailed)
}

// Cancelling mid-run must surface the cancellation error and leave exactly
// the samples captured before the cancel in the record.
func TestRunDownloadsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var served int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&served, 1) == 4 {
			cancel()
			time.Sleep(200 * time.Millisecond)
		}
		_, _ = w.Write(make([]byte, 16*1024))
	}))
	defer ts.Close()
	swapRegistry(t, map[string]Server{
		"a": {Name: "A", Sizes: map[string]string{"1MB": ts.URL + "/a1", "5MB": ts.URL + "/a5", "10MB": ts.URL + "/a10"}},
		"b": {Name: "B", Sizes: map[string]string{"1MB": ts.URL + "/b1", "5MB": ts.URL + "/b5", "10MB": ts.URL + "/b10"}},
	}, "")

	r := New(common.DownloadConfig{
		Enabled:    true,
		FileSizes:  []string{"1MB", "5MB", "10MB"},
		Iterations: 2,
		Servers:    []string{"a", "b"},
		TimeoutMs:  5000,
	}, common.UploadConfig{})

	res, err := r.Run(ctx, zap.NewNop())
	require.Error(t, err)
	assert.True(t, probe.IsCancelled(err))

	dl := res.Download
	require.NotNil(t, dl)
	// 12 steps were planned; the run stopped after the third completed sample
	assert.Len(t, dl.Samples, 3)
	for _, s := range dl.Samples {
		assert.Greater(t, s, 0.0)
	}
}

func TestRunUploadsAgainstStub(t *testing.T) {
	var received int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, _ := io.Copy(io.Discard, r.Body)
		atomic.AddInt64(&received, n)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()
	swapRegistry(t, map[string]Server{"stub": {Name: "Stub", Template: ts.URL + "?bytes=%d"}}, ts.URL+"/up")

	r := New(common.DownloadConfig{}, common.UploadConfig{
		Enabled:    true,
		FileSizes:  []string{"64KB"},
		Iterations: 3,
		TimeoutMs:  5000,
	})

	res, err := r.Run(context.Background(), zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, res.Download)
	ul := res.Upload
	require.NotNil(t, ul)
	assert.Equal(t, common.StatusCompleted, ul.Status)
	assert.Len(t, ul.Samples, 3)
	assert.Greater(t, ul.AverageMbps, 0.0)
	assert.Equal(t, int64(3*(64<<10)), atomic.LoadInt64(&received))
}

func TestParallelDownloadsAverageTheBurst(t *testing.T) {
	ts := newByteServer(t)
	swapRegistry(t, map[string]Server{
		"stub": {Name: "Stub", Template: ts.URL + "/down?bytes=%d"},
	}, "")

	r := New(common.DownloadConfig{
		Enabled:             true,
		FileSizes:           []string{"64KB"},
		Iterations:          1,
		ParallelConnections: 4,
		Servers:             []string{"stub"},
		TimeoutMs:           5000,
	}, common.UploadConfig{})

	res, err := r.Run(context.Background(), zap.NewNop())
	require.NoError(t, err)
	dl := res.Download
	require.NotNil(t, dl)
	// four concurrent transfers still yield a single iteration sample
	assert.Len(t, dl.Samples, 1)
	assert.Greater(t, dl.Samples[0], 0.0)
}
