// Package security gathers the privacy and safety picture of the current
// network path: public identity via geo-IP services, VPN and WARP
// inference, captive-portal interception, DNS-leak hints, a response-header
// audit of well-known HTTPS sites and a set of threat heuristics.
package security

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"ghostshell/app/netgauge/common"
	"ghostshell/app/netgauge/probe"
)

// Probe endpoints. Package-level so tests can point the module at local
// stubs.
var (
	traceEndpoint     = "https://www.cloudflare.com/cdn-cgi/trace"
	captivePrimaryURL = "http://connectivitycheck.gstatic.com/generate_204"
	captiveFallbacks  = []string{
		"http://www.gstatic.com/generate_204",
		"http://captive.apple.com/hotspot-detect.html",
		"http://www.msftconnecttest.com/connecttest.txt",
	}
	auditSites = []string{
		"https://www.google.com",
		"https://www.cloudflare.com",
		"https://github.com",
	}
	redirectProbeURL  = "http://example.com/"
	hijackProbeURLs   = []string{"https://www.google.com", "https://www.wikipedia.org", "https://www.cloudflare.com"}
	latencyControlURL = "https://www.gstatic.com/generate_204"
)

// auditHeaders is the fixed set the header audit counts.
var auditHeaders = []string{
	"Strict-Transport-Security",
	"Content-Security-Policy",
	"X-Frame-Options",
	"X-Content-Type-Options",
	"Referrer-Policy",
}

const securityProbeTimeout = 5 * time.Second

// Runner executes the security analysis. A Runner serves one run at a time;
// baseline and reachability bookkeeping reset on each Run.
type Runner struct {
	Config common.SecurityConfig

	baselineMs float64
	successes  int
}

// New creates a security Runner.
func New(cfg common.SecurityConfig) *Runner {
	return &Runner{Config: cfg}
}

// GetName implements common.Module.
func (r *Runner) GetName() string { return "Security" }

// GetDescription implements common.Module.
func (r *Runner) GetDescription() string {
	return "Analyzes VPN/WARP presence, captive portals, DNS leaks, security headers and threat indicators"
}

// ValidateConfig implements common.Module.
func (r *Runner) ValidateConfig() error { return nil }

// Results is the security module's result record. Sections for disabled
// checks stay nil and contribute nothing to the score.
type Results struct {
	NetworkInfo   *NetworkInfo         `json:"networkInfo"`
	VPN           *VPNResult           `json:"vpn,omitempty"`
	WARP          *WARPResult          `json:"warp,omitempty"`
	CaptivePortal *CaptivePortalResult `json:"captivePortal,omitempty"`
	DNSLeak       *DNSLeakResult       `json:"dnsLeak,omitempty"`
	SSL           *SSLResult           `json:"ssl,omitempty"`
	Threats       *ThreatResults       `json:"threats,omitempty"`
	Score         float64              `json:"score"`
	Status        common.TestStatus    `json:"status"`
	Error         string               `json:"error,omitempty"`
}

// VPNResult carries the indicator-based inference.
type VPNResult struct {
	Status     string   `json:"status"`
	Confidence string   `json:"confidence"`
	Indicators []string `json:"indicators,omitempty"`
}

// WARPResult reports the warp= line of the diagnostics trace.
type WARPResult struct {
	Status string `json:"status"`
}

// CaptivePortalResult reports interception and which probe established it.
type CaptivePortalResult struct {
	Detected bool   `json:"detected"`
	Method   string `json:"method"`
}

// DNSLeakResult lists the distinct public addresses observed.
type DNSLeakResult struct {
	Possible bool     `json:"possible"`
	IPs      []string `json:"ips,omitempty"`
}

// SiteAudit is the per-site outcome of the header audit.
type SiteAudit struct {
	Present []string `json:"present"`
	Grade   string   `json:"grade"`
}

// SSLResult aggregates the header audit across all sites.
type SSLResult struct {
	Score   float64               `json:"score"`
	Grade   string                `json:"grade"`
	PerSite map[string]*SiteAudit `json:"perSite,omitempty"`
}

// ThreatResults holds the boolean threat heuristics.
type ThreatResults struct {
	MaliciousRedirect bool `json:"maliciousRedirect"`
	DNSHijacking      bool `json:"dnsHijacking"`
	MITM              bool `json:"mitm"`
	SuspiciousLatency bool `json:"suspiciousLatency"`
	Count             int  `json:"count"`
}

// Run performs the enabled checks in order. Unreachable endpoints degrade
// individual sections rather than aborting; only cancellation propagates,
// returning the partial record alongside the error.
func (r *Runner) Run(ctx context.Context, logger *zap.Logger) (*Results, error) {
	r.baselineMs, r.successes = 0, 0
	res := &Results{}

	logger.Info("Starting security analysis")

	info, err := FetchNetworkInfo(ctx, logger)
	if err != nil {
		res.Status = common.StatusPartial
		return res, err
	}
	res.NetworkInfo = info
	if info.IP != "Unknown" {
		r.successes++
	}

	trace, err := r.fetchTrace(ctx, logger)
	if err != nil {
		res.Status = common.StatusPartial
		return res, err
	}

	if r.Config.VPNDetection {
		res.VPN = r.detectVPN(ctx, info, trace)
	}
	if r.Config.WARPDetection {
		res.WARP = warpStatus(trace)
	}
	if r.Config.CaptivePortalCheck {
		cp, err := r.CheckCaptivePortal(ctx)
		if err != nil {
			res.Status = common.StatusPartial
			return res, err
		}
		res.CaptivePortal = cp
	}
	if r.Config.DNSLeakTest {
		res.DNSLeak = r.checkDNSLeak(ctx, info, res.VPN, logger)
	}

	sslResponded := 0
	if r.Config.SSLAnalysis {
		ssl, responded, err := r.auditHeadersAcrossSites(ctx, logger)
		if err != nil {
			res.Status = common.StatusPartial
			return res, err
		}
		res.SSL = ssl
		sslResponded = responded
	}
	if r.Config.ThreatDetection {
		threats, err := r.detectThreats(ctx, r.Config.SSLAnalysis, sslResponded, logger)
		if err != nil {
			res.Status = common.StatusPartial
			return res, err
		}
		res.Threats = threats
	}

	res.Score = computeScore(res)
	if r.successes == 0 {
		res.Status = common.StatusFailed
		res.Error = "all probes failed"
	} else {
		res.Status = common.StatusCompleted
	}

	logger.Info("Security analysis finished",
		zap.Float64("score", res.Score),
		zap.String("status", string(res.Status)))
	return res, nil
}

// timedProbe wraps probe.Do with reachability and baseline bookkeeping. Any
// response, whatever its status, proves the path works and seeds the
// latency baseline.
func (r *Runner) timedProbe(ctx context.Context, req probe.Request) (*probe.Result, error) {
	res, err := probe.Do(ctx, req)
	if res != nil {
		r.successes++
		if r.baselineMs == 0 {
			r.baselineMs = res.ElapsedMs()
		}
	}
	return res, err
}

// fetchTrace GETs the diagnostics trace endpoint and parses its key=value
// lines. Unreachability yields an empty map, not an error.
func (r *Runner) fetchTrace(ctx context.Context, logger *zap.Logger) (map[string]string, error) {
	res, err := r.timedProbe(ctx, probe.Request{
		URL:     traceEndpoint,
		Method:  http.MethodGet,
		Timeout: securityProbeTimeout,
		Mode:    probe.ModeRead,
	})
	if err != nil {
		if probe.IsCancelled(err) {
			return nil, err
		}
		if res == nil {
			logger.Debug("Trace endpoint unreachable", zap.Error(err))
			return map[string]string{}, nil
		}
	}
	return parseTrace(res.Body), nil
}

func parseTrace(body []byte) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(string(body), "\n") {
		if key, value, ok := strings.Cut(strings.TrimSpace(line), "="); ok && key != "" {
			fields[key] = value
		}
	}
	return fields
}

// detectVPN evaluates the three indicators: tunnel markers in the trace,
// timezone mismatch against geo-IP, and STUN reflexive-candidate absence.
func (r *Runner) detectVPN(ctx context.Context, info *NetworkInfo, trace map[string]string) *VPNResult {
	var indicators []string

	if trace["gateway"] == "on" || trace["warp"] == "on" || trace["warp"] == "plus" {
		indicators = append(indicators, "Tunnel markers present in diagnostics trace")
	}

	hostZone := time.Now().Location().String()
	if info.Timezone != "" && info.Timezone != "Unknown" &&
		hostZone != "" && hostZone != "Local" && !strings.EqualFold(hostZone, info.Timezone) {
		indicators = append(indicators, fmt.Sprintf("Host timezone %s differs from geo-IP timezone %s", hostZone, info.Timezone))
	}

	if !stunReflexive(ctx, stunServer) {
		indicators = append(indicators, "No STUN reflexive candidate within the probe window")
	}

	out := &VPNResult{Indicators: indicators}
	switch len(indicators) {
	case 0:
		out.Status, out.Confidence = "Not Detected", "Low"
	case 1:
		out.Status, out.Confidence = "Possibly Connected", "Medium"
	default:
		out.Status, out.Confidence = "Likely Connected", "High"
	}
	return out
}

func warpStatus(trace map[string]string) *WARPResult {
	switch trace["warp"] {
	case "on", "plus":
		return &WARPResult{Status: "Connected"}
	case "off":
		return &WARPResult{Status: "Not Connected"}
	default:
		return &WARPResult{Status: "Unknown"}
	}
}

// CheckCaptivePortal probes the plaintext control URL with manual redirect
// handling; a redirect is a positive detection. When the primary is
// unreachable or anomalous the 204-expected fallbacks decide: any response
// that is neither 204 nor 200 is also positive.
func (r *Runner) CheckCaptivePortal(ctx context.Context) (*CaptivePortalResult, error) {
	res, err := r.timedProbe(ctx, probe.Request{
		URL:        captivePrimaryURL,
		NoRedirect: true,
		Timeout:    securityProbeTimeout,
	})
	if err != nil && probe.IsCancelled(err) {
		return nil, err
	}
	if res != nil {
		if res.StatusCode >= 300 && res.StatusCode < 400 {
			return &CaptivePortalResult{Detected: true, Method: "redirect"}, nil
		}
		if res.StatusCode == http.StatusNoContent {
			return &CaptivePortalResult{Detected: false, Method: "primary"}, nil
		}
	}

	for _, fallback := range captiveFallbacks {
		res, err := r.timedProbe(ctx, probe.Request{
			URL:        fallback,
			NoRedirect: true,
			Timeout:    securityProbeTimeout,
		})
		if err != nil && probe.IsCancelled(err) {
			return nil, err
		}
		if res == nil {
			continue
		}
		if res.StatusCode == http.StatusNoContent || res.StatusCode == http.StatusOK {
			return &CaptivePortalResult{Detected: false, Method: "fallback"}, nil
		}
		return &CaptivePortalResult{Detected: true, Method: "status"}, nil
	}
	return &CaptivePortalResult{Detected: false, Method: "unreachable"}, nil
}

// checkDNSLeak flags a possible leak when a VPN is indicated yet more than
// one distinct public address answers the echo sweep.
func (r *Runner) checkDNSLeak(ctx context.Context, info *NetworkInfo, vpn *VPNResult, logger *zap.Logger) *DNSLeakResult {
	ips := collectPublicIPs(ctx, info.IP, logger)
	vpnIndicated := vpn != nil && vpn.Status != "Not Detected"
	return &DNSLeakResult{Possible: vpnIndicated && len(ips) > 1, IPs: ips}
}

// auditHeadersAcrossSites HEADs every audit site and counts the security
// headers present. The score is the fraction of possible headers observed
// across the sites that responded.
func (r *Runner) auditHeadersAcrossSites(ctx context.Context, logger *zap.Logger) (*SSLResult, int, error) {
	out := &SSLResult{PerSite: make(map[string]*SiteAudit)}
	responded := 0
	presentTotal := 0

	for _, site := range auditSites {
		res, err := r.timedProbe(ctx, probe.Request{URL: site, Timeout: securityProbeTimeout})
		if err != nil && probe.IsCancelled(err) {
			return nil, responded, err
		}
		if res == nil {
			logger.Debug("Header audit probe failed", zap.String("site", site), zap.Error(err))
			continue
		}
		responded++

		audit := &SiteAudit{}
		for _, header := range auditHeaders {
			if res.Header.Get(header) != "" {
				audit.Present = append(audit.Present, header)
			}
		}
		audit.Grade = gradeHeaderCount(len(audit.Present))
		presentTotal += len(audit.Present)
		out.PerSite[site] = audit
	}

	if responded > 0 {
		out.Score = 100 * float64(presentTotal) / float64(responded*len(auditHeaders))
	}
	out.Grade = gradeScore(out.Score)
	return out, responded, nil
}

func gradeHeaderCount(n int) string {
	switch {
	case n >= 4:
		return "A"
	case n >= 3:
		return "B"
	case n >= 2:
		return "C"
	default:
		return "D"
	}
}

func gradeScore(score float64) string {
	switch {
	case score >= 80:
		return "A"
	case score >= 60:
		return "B"
	case score >= 40:
		return "C"
	default:
		return "D"
	}
}

// detectThreats runs the four heuristics. The suspicious-latency check
// compares a control probe against three times the first round trip
// observed this run.
func (r *Runner) detectThreats(ctx context.Context, sslRan bool, sslResponded int, logger *zap.Logger) (*ThreatResults, error) {
	threats := &ThreatResults{}

	res, err := r.timedProbe(ctx, probe.Request{
		URL:        redirectProbeURL,
		NoRedirect: true,
		Timeout:    securityProbeTimeout,
	})
	if err != nil && probe.IsCancelled(err) {
		return nil, err
	}
	if res != nil && res.StatusCode >= 300 && res.StatusCode < 400 {
		if location := res.Header.Get("Location"); location != "" && offDomain(redirectProbeURL, location) {
			threats.MaliciousRedirect = true
		}
	}

	reachable, transportFailures := 0, 0
	for _, probeURL := range hijackProbeURLs {
		res, err := r.timedProbe(ctx, probe.Request{URL: probeURL, Timeout: securityProbeTimeout})
		if err != nil && probe.IsCancelled(err) {
			return nil, err
		}
		if res != nil {
			reachable++
			continue
		}
		if probe.KindOf(err) == probe.KindNetworkError {
			transportFailures++
		}
	}
	threats.DNSHijacking = reachable == 0 && transportFailures == len(hijackProbeURLs)

	if sslRan {
		threats.MITM = sslResponded == 0
	} else {
		threats.MITM = reachable == 0
	}

	baseline := r.baselineMs
	control, err := r.timedProbe(ctx, probe.Request{URL: latencyControlURL, Timeout: securityProbeTimeout})
	if err != nil && probe.IsCancelled(err) {
		return nil, err
	}
	if baseline > 0 && control != nil && control.ElapsedMs() > 3*baseline {
		threats.SuspiciousLatency = true
	}

	for _, hit := range []bool{threats.MaliciousRedirect, threats.DNSHijacking, threats.MITM, threats.SuspiciousLatency} {
		if hit {
			threats.Count++
		}
	}
	if threats.Count > 0 {
		logger.Warn("Threat indicators present", zap.Int("count", threats.Count))
	}
	return threats, nil
}

// offDomain reports whether a redirect location leaves the probed domain.
func offDomain(fromURL, location string) bool {
	from, err := url.Parse(fromURL)
	if err != nil {
		return false
	}
	to, err := url.Parse(location)
	if err != nil || to.Hostname() == "" {
		return false
	}
	fromHost, toHost := from.Hostname(), to.Hostname()
	return !strings.EqualFold(toHost, fromHost) && !strings.HasSuffix(strings.ToLower(toHost), "."+strings.ToLower(fromHost))
}

// computeScore applies the weighting: base 50, +20 for an indicated VPN,
// +15 for WARP, -10 for a captive portal, up to +15 from the header audit,
// -15 per threat. Clamped to [0,100].
func computeScore(res *Results) float64 {
	score := 50.0
	if res.VPN != nil && (res.VPN.Status == "Possibly Connected" || res.VPN.Status == "Likely Connected") {
		score += 20
	}
	if res.WARP != nil && res.WARP.Status == "Connected" {
		score += 15
	}
	if res.CaptivePortal != nil && res.CaptivePortal.Detected {
		score -= 10
	}
	if res.SSL != nil {
		score += 15 * res.SSL.Score / 100
	}
	if res.Threats != nil {
		score -= 15 * float64(res.Threats.Count)
	}
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
