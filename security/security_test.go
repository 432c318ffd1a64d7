package security

import (
	"context"
	"encoding/binary"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ghostshell/app/netgauge/common"
	"ghostshell/app/netgauge/probe"
)

// setVar swaps a package variable for the duration of one test.
func setVar[T any](t *testing.T, target *T, value T) {
	t.Helper()
	orig := *target
	*target = value
	t.Cleanup(func() { *target = orig })
}

func closedServerURL(t *testing.T) string {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	ts.Close()
	return ts.URL
}

func TestParseTrace(t *testing.T) {
	body := "fl=123abc\nh=www.cloudflare.com\nip=198.51.100.4\nwarp=on\ngateway=off\nnot a pair\n=novalue\n"
	fields := parseTrace([]byte(body))
	assert.Equal(t, "on", fields["warp"])
	assert.Equal(t, "off", fields["gateway"])
	assert.Equal(t, "198.51.100.4", fields["ip"])
	assert.NotContains(t, fields, "not a pair")
	assert.NotContains(t, fields, "")
}

func TestWarpStatus(t *testing.T) {
	assert.Equal(t, "Connected", warpStatus(map[string]string{"warp": "on"}).Status)
	assert.Equal(t, "Connected", warpStatus(map[string]string{"warp": "plus"}).Status)
	assert.Equal(t, "Not Connected", warpStatus(map[string]string{"warp": "off"}).Status)
	assert.Equal(t, "Unknown", warpStatus(map[string]string{"warp": "weird"}).Status)
	assert.Equal(t, "Unknown", warpStatus(map[string]string{}).Status)
	assert.Equal(t, "Unknown", warpStatus(nil).Status)
}

func TestGradeBands(t *testing.T) {
	assert.Equal(t, "A", gradeHeaderCount(5))
	assert.Equal(t, "A", gradeHeaderCount(4))
	assert.Equal(t, "B", gradeHeaderCount(3))
	assert.Equal(t, "C", gradeHeaderCount(2))
	assert.Equal(t, "D", gradeHeaderCount(1))
	assert.Equal(t, "D", gradeHeaderCount(0))

	assert.Equal(t, "A", gradeScore(80))
	assert.Equal(t, "B", gradeScore(60))
	assert.Equal(t, "C", gradeScore(40))
	assert.Equal(t, "D", gradeScore(39.9))
}

func TestOffDomain(t *testing.T) {
	assert.False(t, offDomain("http://example.com/", "http://example.com/login"))
	assert.False(t, offDomain("http://example.com/", "http://sub.example.com/login"))
	assert.False(t, offDomain("http://example.com/", "/relative"))
	assert.False(t, offDomain("http://example.com/", ""))
	assert.True(t, offDomain("http://example.com/", "http://evil.example/"))
	assert.True(t, offDomain("http://example.com/", "https://portal.isp.net/auth"))
}

func TestComputeScore(t *testing.T) {
	assert.InDelta(t, 50.0, computeScore(&Results{}), 1e-9)

	full := &Results{
		VPN:  &VPNResult{Status: "Likely Connected"},
		WARP: &WARPResult{Status: "Connected"},
		SSL:  &SSLResult{Score: 100},
	}
	assert.InDelta(t, 100.0, computeScore(full), 1e-9)

	assert.InDelta(t, 59.0, computeScore(&Results{SSL: &SSLResult{Score: 60}}), 1e-9)
	assert.InDelta(t, 40.0, computeScore(&Results{CaptivePortal: &CaptivePortalResult{Detected: true}}), 1e-9)

	floor := &Results{
		CaptivePortal: &CaptivePortalResult{Detected: true},
		Threats:       &ThreatResults{Count: 4},
	}
	assert.Zero(t, computeScore(floor))

	// disabled sections contribute nothing
	assert.InDelta(t, 70.0, computeScore(&Results{VPN: &VPNResult{Status: "Possibly Connected"}}), 1e-9)
}

func TestFetchNetworkInfoFirstAvailableWins(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ip":"203.0.113.7","org":"ExampleNet","city":"Oslo","region":"Oslo","country":"NO","country_name":"Norway","timezone":"Europe/Oslo"}`))
	}))
	defer good.Close()
	setVar(t, &geoIPEndpoints, []string{closedServerURL(t), good.URL})

	info, err := FetchNetworkInfo(context.Background(), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7", info.IP)
	assert.Equal(t, "ExampleNet", info.ISP)
	assert.Equal(t, "Norway", info.Country)
	assert.Equal(t, "Europe/Oslo", info.Timezone)
	assert.Equal(t, good.URL, info.Source)
}

func TestFetchNetworkInfoSentinelOnTotalFailure(t *testing.T) {
	setVar(t, &geoIPEndpoints, []string{closedServerURL(t), closedServerURL(t)})

	info, err := FetchNetworkInfo(context.Background(), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "Unknown", info.IP)
	assert.Equal(t, "Unknown", info.Country)
	assert.Empty(t, info.Source)
}

func TestFetchNetworkInfoCancelled(t *testing.T) {
	setVar(t, &geoIPEndpoints, []string{"https://unused.invalid/json"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := FetchNetworkInfo(ctx, zap.NewNop())
	require.Error(t, err)
	assert.True(t, probe.IsCancelled(err))
}

func TestCheckCaptivePortalRedirect(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "http://portal.example/login")
		w.WriteHeader(http.StatusFound)
	}))
	defer primary.Close()
	setVar(t, &captivePrimaryURL, primary.URL)

	cp, err := New(common.SecurityConfig{}).CheckCaptivePortal(context.Background())
	require.NoError(t, err)
	assert.True(t, cp.Detected)
	assert.Equal(t, "redirect", cp.Method)
}

func TestCheckCaptivePortalClean(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer primary.Close()
	setVar(t, &captivePrimaryURL, primary.URL)

	cp, err := New(common.SecurityConfig{}).CheckCaptivePortal(context.Background())
	require.NoError(t, err)
	assert.False(t, cp.Detected)
	assert.Equal(t, "primary", cp.Method)
}

func TestCheckCaptivePortalFallbackDecides(t *testing.T) {
	anomalous := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK) // a 204 endpoint answering 200 is not trustworthy either way
	}))
	defer anomalous.Close()
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer fallback.Close()
	setVar(t, &captivePrimaryURL, anomalous.URL)
	setVar(t, &captiveFallbacks, []string{fallback.URL})

	cp, err := New(common.SecurityConfig{}).CheckCaptivePortal(context.Background())
	require.NoError(t, err)
	assert.False(t, cp.Detected)
	assert.Equal(t, "fallback", cp.Method)
}

func TestCheckCaptivePortalFallbackAnomalyDetects(t *testing.T) {
	intercepted := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer intercepted.Close()
	setVar(t, &captivePrimaryURL, closedServerURL(t))
	setVar(t, &captiveFallbacks, []string{intercepted.URL})

	cp, err := New(common.SecurityConfig{}).CheckCaptivePortal(context.Background())
	require.NoError(t, err)
	assert.True(t, cp.Detected)
	assert.Equal(t, "status", cp.Method)
}

func TestCheckCaptivePortalUnreachable(t *testing.T) {
	setVar(t, &captivePrimaryURL, closedServerURL(t))
	setVar(t, &captiveFallbacks, []string{closedServerURL(t)})

	cp, err := New(common.SecurityConfig{}).CheckCaptivePortal(context.Background())
	require.NoError(t, err)
	assert.False(t, cp.Detected)
	assert.Equal(t, "unreachable", cp.Method)
}

func TestAuditHeadersAcrossSites(t *testing.T) {
	strong := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Strict-Transport-Security", "max-age=63072000")
		h.Set("Content-Security-Policy", "default-src 'self'")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "no-referrer")
	}))
	defer strong.Close()
	weak := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "SAMEORIGIN")
	}))
	defer weak.Close()
	setVar(t, &auditSites, []string{strong.URL, weak.URL})

	ssl, responded, err := New(common.SecurityConfig{}).auditHeadersAcrossSites(context.Background(), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 2, responded)
	assert.InDelta(t, 60.0, ssl.Score, 1e-9) // 6 of 10 possible headers
	assert.Equal(t, "B", ssl.Grade)
	assert.Equal(t, "A", ssl.PerSite[strong.URL].Grade)
	assert.Equal(t, "D", ssl.PerSite[weak.URL].Grade)
	assert.Len(t, ssl.PerSite[strong.URL].Present, 5)
}

func TestAuditSkipsUnreachableSites(t *testing.T) {
	strong := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Strict-Transport-Security", "max-age=63072000")
		w.Header().Set("X-Content-Type-Options", "nosniff")
	}))
	defer strong.Close()
	setVar(t, &auditSites, []string{strong.URL, closedServerURL(t)})

	ssl, responded, err := New(common.SecurityConfig{}).auditHeadersAcrossSites(context.Background(), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 1, responded)
	assert.InDelta(t, 40.0, ssl.Score, 1e-9) // 2 of 5 on the one site that answered
	assert.Len(t, ssl.PerSite, 1)
}

func TestDetectThreatsMaliciousRedirect(t *testing.T) {
	redirecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "http://evil.example/")
		w.WriteHeader(http.StatusMovedPermanently)
	}))
	defer redirecting.Close()
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()
	setVar(t, &redirectProbeURL, redirecting.URL)
	setVar(t, &hijackProbeURLs, []string{ok.URL})
	setVar(t, &latencyControlURL, ok.URL)

	threats, err := New(common.SecurityConfig{}).detectThreats(context.Background(), false, 0, zap.NewNop())
	require.NoError(t, err)
	assert.True(t, threats.MaliciousRedirect)
	assert.False(t, threats.DNSHijacking)
	assert.False(t, threats.MITM)
	assert.Equal(t, 1, threats.Count)
}

func TestDetectThreatsHijackAndMITM(t *testing.T) {
	dead := closedServerURL(t)
	setVar(t, &redirectProbeURL, dead)
	setVar(t, &hijackProbeURLs, []string{dead, dead})
	setVar(t, &latencyControlURL, dead)

	threats, err := New(common.SecurityConfig{}).detectThreats(context.Background(), false, 0, zap.NewNop())
	require.NoError(t, err)
	assert.True(t, threats.DNSHijacking)
	assert.True(t, threats.MITM)
	assert.False(t, threats.MaliciousRedirect)
	assert.False(t, threats.SuspiciousLatency)
	assert.Equal(t, 2, threats.Count)
}

func TestCheckDNSLeak(t *testing.T) {
	echo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("198.51.100.9\n"))
	}))
	defer echo.Close()
	geo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ip":"203.0.113.7"}`))
	}))
	defer geo.Close()
	setVar(t, &echoIPEndpoint, echo.URL)
	setVar(t, &geoIPEndpoints, []string{geo.URL})

	r := New(common.SecurityConfig{})
	info := &NetworkInfo{IP: "203.0.113.7"}

	leak := r.checkDNSLeak(context.Background(), info, &VPNResult{Status: "Likely Connected"}, zap.NewNop())
	assert.True(t, leak.Possible)
	assert.ElementsMatch(t, []string{"203.0.113.7", "198.51.100.9"}, leak.IPs)

	// without a VPN indication the same sweep is not a leak
	leak = r.checkDNSLeak(context.Background(), info, &VPNResult{Status: "Not Detected"}, zap.NewNop())
	assert.False(t, leak.Possible)

	leak = r.checkDNSLeak(context.Background(), info, nil, zap.NewNop())
	assert.False(t, leak.Possible)
}

func newStunResponder(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })
	go func() {
		buf := make([]byte, 64)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			if n < stunHeaderLen {
				continue
			}
			resp := make([]byte, stunHeaderLen)
			binary.BigEndian.PutUint16(resp[0:2], stunBindingSuccess)
			binary.BigEndian.PutUint32(resp[4:8], stunMagicCookie)
			copy(resp[8:20], buf[8:20])
			pc.WriteTo(resp, addr)
		}
	}()
	return pc.LocalAddr().String()
}

func TestStunReflexive(t *testing.T) {
	assert.True(t, stunReflexive(context.Background(), newStunResponder(t)))
}

func TestStunReflexiveBlocked(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := pc.LocalAddr().String()
	pc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	assert.False(t, stunReflexive(ctx, addr))
}

func TestDetectVPNIndicators(t *testing.T) {
	setVar(t, &stunServer, newStunResponder(t))
	r := New(common.SecurityConfig{})
	info := &NetworkInfo{} // no timezone signal

	vpn := r.detectVPN(context.Background(), info, map[string]string{"warp": "on"})
	assert.Equal(t, "Possibly Connected", vpn.Status)
	assert.Equal(t, "Medium", vpn.Confidence)
	assert.Len(t, vpn.Indicators, 1)

	vpn = r.detectVPN(context.Background(), info, map[string]string{"warp": "off"})
	assert.Equal(t, "Not Detected", vpn.Status)
	assert.Equal(t, "Low", vpn.Confidence)
	assert.Empty(t, vpn.Indicators)
}

func TestDetectVPNLikelyWithTwoIndicators(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	blocked := pc.LocalAddr().String()
	pc.Close()
	setVar(t, &stunServer, blocked)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	vpn := New(common.SecurityConfig{}).detectVPN(ctx, &NetworkInfo{}, map[string]string{"gateway": "on"})
	assert.Equal(t, "Likely Connected", vpn.Status)
	assert.Equal(t, "High", vpn.Confidence)
	assert.Len(t, vpn.Indicators, 2)
}

func TestRunCompletedWithLocalStubs(t *testing.T) {
	geo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ip":"203.0.113.7","org":"ExampleNet","timezone":"Europe/Oslo"}`))
	}))
	defer geo.Close()
	trace := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("warp=off\ngateway=off\n"))
	}))
	defer trace.Close()
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer primary.Close()
	setVar(t, &geoIPEndpoints, []string{geo.URL})
	setVar(t, &traceEndpoint, trace.URL)
	setVar(t, &captivePrimaryURL, primary.URL)

	r := New(common.SecurityConfig{Enabled: true, WARPDetection: true, CaptivePortalCheck: true})
	res, err := r.Run(context.Background(), zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, common.StatusCompleted, res.Status)
	assert.Equal(t, "203.0.113.7", res.NetworkInfo.IP)
	assert.Equal(t, "Not Connected", res.WARP.Status)
	assert.False(t, res.CaptivePortal.Detected)
	assert.Nil(t, res.VPN)
	assert.Nil(t, res.SSL)
	assert.InDelta(t, 50.0, res.Score, 1e-9)
}

func TestRunAllProbesFailing(t *testing.T) {
	dead := closedServerURL(t)
	setVar(t, &geoIPEndpoints, []string{dead})
	setVar(t, &traceEndpoint, dead)
	setVar(t, &captivePrimaryURL, dead)
	setVar(t, &captiveFallbacks, []string{dead})

	r := New(common.SecurityConfig{Enabled: true, WARPDetection: true, CaptivePortalCheck: true})
	res, err := r.Run(context.Background(), zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, common.StatusFailed, res.Status)
	assert.Equal(t, "all probes failed", res.Error)
	assert.Equal(t, "Unknown", res.NetworkInfo.IP)
	assert.Equal(t, "Unknown", res.WARP.Status)
}
