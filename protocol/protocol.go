// Package protocol examines the capabilities of the network path:
// IPv6 reachability, CDN throughput comparison, DNS-resolve timing, HTTP/3
// advertisement and HTTP/2 negotiation, connection stability over time and
// routing efficiency across geo-spread endpoints.
package protocol

import (
	"context"
	"crypto/tls"
	"math"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"ghostshell/app/netgauge/common"
	"ghostshell/app/netgauge/probe"
	"ghostshell/app/netgauge/stats"
)

// Probe endpoints. Package-level so tests can point the module at local
// stubs.
var (
	ipv6Endpoints = []string{
		"https://ipv6.google.com/generate_204",
		"https://v6.ident.me",
		"https://ipv6.icanhazip.com",
	}
	cdnEndpoints = []cdnEndpoint{
		{name: "Cloudflare", url: "https://speed.cloudflare.com/__down?bytes=10000000"},
		{name: "Cachefly", url: "https://cachefly.cachefly.net/10mb.test"},
		{name: "ThinkBroadband", url: "http://ipv4.download.thinkbroadband.com/10MB.zip"},
	}
	dnsProbeURLs = []string{
		"https://www.google.com",
		"https://www.cloudflare.com",
		"https://www.wikipedia.org",
		"https://www.amazon.com",
	}
	altSvcSites = []string{
		"https://www.cloudflare.com",
		"https://www.google.com",
		"https://www.facebook.com",
	}
	stabilityURL     = "https://www.gstatic.com/generate_204"
	routingEndpoints = []regionEndpoint{
		{region: "us-east-1", url: "https://s3.us-east-1.amazonaws.com"},
		{region: "eu-west-1", url: "https://s3.eu-west-1.amazonaws.com"},
		{region: "ap-southeast-1", url: "https://s3.ap-southeast-1.amazonaws.com"},
	}
)

// Sub-test parameters. Package-level so tests can shrink them.
var (
	stabilityInterval = 2 * time.Second
	stabilityDuration = 30 * time.Second
	routingProbes     = 3
)

// http2TLSConfig overrides TLS verification for the HTTP/2 negotiation
// check; nil means standard verification.
var http2TLSConfig *tls.Config

const (
	probeTimeout = 5 * time.Second
	cdnTimeout   = 15 * time.Second
)

type cdnEndpoint struct {
	name string
	url  string
}

type regionEndpoint struct {
	region string
	url    string
}

// Runner executes the protocol test suite. A Runner serves one run at a
// time; reachability bookkeeping resets on each Run.
type Runner struct {
	Config common.ProtocolConfig

	progressCb common.ProgressCallback
	successes  int
}

// New creates a protocol Runner.
func New(cfg common.ProtocolConfig) *Runner {
	return &Runner{Config: cfg}
}

// SetProgressCallback installs the per-sub-test progress observer.
func (r *Runner) SetProgressCallback(cb common.ProgressCallback) { r.progressCb = cb }

// GetName implements common.Module.
func (r *Runner) GetName() string { return "Protocols" }

// GetDescription implements common.Module.
func (r *Runner) GetDescription() string {
	return "Tests IPv6, CDN reach, DNS timing, HTTP/3 and HTTP/2 support, stability and routing efficiency"
}

// ValidateConfig implements common.Module.
func (r *Runner) ValidateConfig() error { return nil }

// Results is the protocol module's result record. Sections for disabled
// sub-tests stay nil and contribute nothing to the score.
type Results struct {
	IPv6      *IPv6Results      `json:"ipv6,omitempty"`
	CDN       *CDNResults       `json:"cdn,omitempty"`
	DNS       *DNSResults       `json:"dns,omitempty"`
	HTTP3     *HTTP3Results     `json:"http3,omitempty"`
	HTTP2     *HTTP2Results     `json:"http2,omitempty"`
	Stability *StabilityResults `json:"stability,omitempty"`
	Routing   *RoutingResults   `json:"routing,omitempty"`
	Score     float64           `json:"score"`
	Status    common.TestStatus `json:"status"`
	Error     string            `json:"error,omitempty"`
}

// IPv6Results reports reachability over explicit IPv6 endpoints.
type IPv6Results struct {
	Supported        bool    `json:"supported"`
	AverageLatencyMs float64 `json:"averageLatencyMs"`
	Reliability      float64 `json:"reliability"`
}

// CDNResults compares throughput across content networks.
type CDNResults struct {
	PerCDN      map[string]float64 `json:"perCdn"`
	Fastest     string             `json:"fastest"`
	AverageMbps float64            `json:"averageMbps"`
}

// DNSResults reports end-to-end resolution timing against canonical hosts.
type DNSResults struct {
	AverageMs   float64 `json:"averageMs"`
	FastestMs   float64 `json:"fastestMs"`
	Reliability float64 `json:"reliability"`
}

// HTTP3Results reports alt-svc h3 advertisement per site.
type HTTP3Results struct {
	PerSite   map[string]bool `json:"perSite"`
	Supported bool            `json:"supported"`
}

// HTTP2Results reports negotiated HTTP/2 per site.
type HTTP2Results struct {
	PerSite   map[string]bool `json:"perSite"`
	Supported bool            `json:"supported"`
}

// StabilityResults summarises the periodic sweep.
type StabilityResults struct {
	SuccessRate      float64 `json:"successRate"`
	AverageLatencyMs float64 `json:"averageLatencyMs"`
	JitterMs         float64 `json:"jitterMs"`
}

// RoutingResults compares round trips across geo-spread endpoints.
type RoutingResults struct {
	PerRegion  map[string]float64 `json:"perRegion"`
	BestRegion string             `json:"bestRegion"`
	Efficiency float64            `json:"efficiency"`
}

// Run executes the enabled sub-tests in a fixed order. Unreachable
// endpoints degrade individual sections rather than aborting; only
// cancellation propagates, returning the partial record alongside the
// error.
func (r *Runner) Run(ctx context.Context, logger *zap.Logger) (*Results, error) {
	r.successes = 0
	res := &Results{}

	type subTest struct {
		name    string
		enabled bool
		run     func(context.Context, *zap.Logger) error
	}
	subTests := []subTest{
		{"ipv6", r.Config.IPv6Testing, func(ctx context.Context, l *zap.Logger) error {
			out, err := r.testIPv6(ctx, l)
			res.IPv6 = out
			return err
		}},
		{"cdn", r.Config.CDNTesting, func(ctx context.Context, l *zap.Logger) error {
			out, err := r.testCDN(ctx, l)
			res.CDN = out
			return err
		}},
		{"dns", r.Config.DNSPerformance, func(ctx context.Context, l *zap.Logger) error {
			out, err := r.testDNS(ctx, l)
			res.DNS = out
			return err
		}},
		{"http3", r.Config.HTTP3Testing, func(ctx context.Context, l *zap.Logger) error {
			h3, h2, err := r.testModernProtocols(ctx, l)
			res.HTTP3, res.HTTP2 = h3, h2
			return err
		}},
		{"stability", r.Config.ConnectionStability, func(ctx context.Context, l *zap.Logger) error {
			out, err := r.testStability(ctx, l)
			res.Stability = out
			return err
		}},
		{"routing", r.Config.RoutingEfficiency, func(ctx context.Context, l *zap.Logger) error {
			out, err := r.testRouting(ctx, l)
			res.Routing = out
			return err
		}},
	}

	total := 0
	for _, st := range subTests {
		if st.enabled {
			total++
		}
	}

	logger.Info("Starting protocol tests", zap.Int("sub_tests", total))

	done := 0
	for _, st := range subTests {
		if !st.enabled {
			continue
		}
		if err := st.run(ctx, logger); err != nil {
			res.Status = common.StatusPartial
			return res, err
		}
		done++
		r.publishProgress(done, total)
	}

	res.Score = computeScore(res)
	if total > 0 && r.successes == 0 {
		res.Status = common.StatusFailed
		res.Error = "all probes failed"
	} else {
		res.Status = common.StatusCompleted
	}

	logger.Info("Protocol tests finished",
		zap.Float64("score", res.Score),
		zap.String("status", string(res.Status)))
	return res, nil
}

// timedProbe wraps probe.Do with reachability bookkeeping; any response
// counts, whatever its status.
func (r *Runner) timedProbe(ctx context.Context, req probe.Request) (*probe.Result, error) {
	res, err := probe.Do(ctx, req)
	if res != nil {
		r.successes++
	}
	return res, err
}

func (r *Runner) testIPv6(ctx context.Context, logger *zap.Logger) (*IPv6Results, error) {
	var samples []float64
	for _, endpoint := range ipv6Endpoints {
		res, err := r.timedProbe(ctx, probe.Request{URL: endpoint, Timeout: probeTimeout})
		if err != nil && probe.IsCancelled(err) {
			return nil, err
		}
		if res != nil {
			samples = append(samples, res.ElapsedMs())
		} else {
			logger.Debug("IPv6 endpoint unreachable", zap.String("endpoint", endpoint))
		}
	}
	return &IPv6Results{
		Supported:        len(samples) > 0,
		AverageLatencyMs: stats.Mean(samples),
		Reliability:      100 * float64(len(samples)) / float64(len(ipv6Endpoints)),
	}, nil
}

func (r *Runner) testCDN(ctx context.Context, logger *zap.Logger) (*CDNResults, error) {
	out := &CDNResults{PerCDN: make(map[string]float64)}
	var best float64
	var positives []float64
	for _, cdn := range cdnEndpoints {
		res, err := r.timedProbe(ctx, probe.Request{
			URL:     cdn.url,
			Method:  http.MethodGet,
			Timeout: cdnTimeout,
			Mode:    probe.ModeStream,
		})
		if err != nil {
			if probe.IsCancelled(err) {
				return nil, err
			}
			logger.Debug("CDN probe failed", zap.String("cdn", cdn.name), zap.Error(err))
		}
		var mbps float64
		if res != nil && res.Elapsed > 0 {
			mbps = float64(res.BytesTransferred) * 8 / res.Elapsed.Seconds() / 1e6
		}
		out.PerCDN[cdn.name] = mbps
		if mbps > 0 {
			positives = append(positives, mbps)
			if mbps > best {
				best = mbps
				out.Fastest = cdn.name
			}
		}
	}
	out.AverageMbps = stats.Mean(positives)
	return out, nil
}

func (r *Runner) testDNS(ctx context.Context, logger *zap.Logger) (*DNSResults, error) {
	var samples []float64
	for _, probeURL := range dnsProbeURLs {
		res, err := r.timedProbe(ctx, probe.Request{URL: probeURL, Timeout: probeTimeout})
		if err != nil && probe.IsCancelled(err) {
			return nil, err
		}
		if res != nil {
			samples = append(samples, res.ElapsedMs())
		} else {
			logger.Debug("DNS probe failed", zap.String("url", probeURL))
		}
	}
	return &DNSResults{
		AverageMs:   stats.Mean(samples),
		FastestMs:   stats.Min(samples),
		Reliability: 100 * float64(len(samples)) / float64(len(dnsProbeURLs)),
	}, nil
}

// testModernProtocols covers HTTP/3 advertisement and HTTP/2 negotiation in
// one sweep over the same sites.
func (r *Runner) testModernProtocols(ctx context.Context, logger *zap.Logger) (*HTTP3Results, *HTTP2Results, error) {
	h3 := &HTTP3Results{PerSite: make(map[string]bool)}
	h2 := &HTTP2Results{PerSite: make(map[string]bool)}

	for _, site := range altSvcSites {
		res, err := r.timedProbe(ctx, probe.Request{URL: site, Timeout: probeTimeout})
		if err != nil && probe.IsCancelled(err) {
			return nil, nil, err
		}
		advertised := false
		if res != nil {
			advertised = altSvcAdvertisesH3(res.Header.Get("Alt-Svc"))
		}
		h3.PerSite[site] = advertised
		h3.Supported = h3.Supported || advertised

		negotiated := r.http2Negotiated(ctx, site)
		if negotiated {
			r.successes++
		}
		h2.PerSite[site] = negotiated
		h2.Supported = h2.Supported || negotiated
	}
	logger.Debug("Modern protocol sweep finished",
		zap.Bool("http3", h3.Supported),
		zap.Bool("http2", h2.Supported))
	return h3, h2, nil
}

// altSvcAdvertisesH3 reports whether an Alt-Svc header value carries an h3
// protocol id, including draft forms such as h3-29.
func altSvcAdvertisesH3(value string) bool {
	for _, entry := range strings.Split(value, ",") {
		id, _, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			continue
		}
		id = strings.TrimSpace(id)
		if id == "h3" || strings.HasPrefix(id, "h3-") {
			return true
		}
	}
	return false
}

// http2Negotiated dials the site over an explicit HTTP/2 transport and
// reports whether the exchange actually ran on protocol major version 2.
func (r *Runner) http2Negotiated(ctx context.Context, site string) bool {
	transport := &http2.Transport{TLSClientConfig: http2TLSConfig}
	client := &http.Client{Transport: transport, Timeout: probeTimeout}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, site, nil)
	if err != nil {
		return false
	}
	res, err := client.Do(req)
	if err != nil {
		return false
	}
	res.Body.Close()
	return res.ProtoMajor == 2
}

func (r *Runner) testStability(ctx context.Context, logger *zap.Logger) (*StabilityResults, error) {
	var samples []float64
	attempts := 0
	deadline := time.Now().Add(stabilityDuration)
	for time.Now().Before(deadline) {
		attempts++
		res, err := r.timedProbe(ctx, probe.Request{URL: stabilityURL, Timeout: probeTimeout})
		if err != nil && probe.IsCancelled(err) {
			return nil, err
		}
		if res != nil {
			samples = append(samples, res.ElapsedMs())
		}
		if time.Now().Add(stabilityInterval).Before(deadline) {
			if err := common.Sleep(ctx, stabilityInterval); err != nil {
				return nil, probe.NewError(probe.KindCancelled, stabilityURL, err)
			}
		} else {
			break
		}
	}

	out := &StabilityResults{
		AverageLatencyMs: stats.Mean(samples),
		JitterMs:         stats.Jitter(samples),
	}
	if attempts > 0 {
		out.SuccessRate = 100 * float64(len(samples)) / float64(attempts)
	}
	logger.Debug("Stability sweep finished",
		zap.Int("attempts", attempts),
		zap.Float64("success_rate", out.SuccessRate))
	return out, nil
}

func (r *Runner) testRouting(ctx context.Context, logger *zap.Logger) (*RoutingResults, error) {
	out := &RoutingResults{PerRegion: make(map[string]float64)}
	var best float64
	var means []float64
	for _, endpoint := range routingEndpoints {
		var samples []float64
		for i := 0; i < routingProbes; i++ {
			res, err := r.timedProbe(ctx, probe.Request{URL: endpoint.url, Timeout: probeTimeout})
			if err != nil && probe.IsCancelled(err) {
				return nil, err
			}
			if res != nil {
				samples = append(samples, res.ElapsedMs())
			}
		}
		mean := stats.Mean(samples)
		out.PerRegion[endpoint.region] = mean
		if mean > 0 {
			means = append(means, mean)
			if best == 0 || mean < best {
				best = mean
				out.BestRegion = endpoint.region
			}
		}
	}
	if avg := stats.Mean(means); avg > 0 {
		out.Efficiency = 100 * (avg - best) / avg
	}
	logger.Debug("Routing sweep finished", zap.String("best_region", out.BestRegion))
	return out, nil
}

// computeScore applies the bonus table: base 50, +15 for IPv6, up to +15
// for CDN throughput, up to +10 for DNS timing, +10 for HTTP/3, up to +10
// for stability. Clamped to [0,100].
func computeScore(res *Results) float64 {
	score := 50.0
	if res.IPv6 != nil && res.IPv6.Supported {
		score += 15
	}
	if res.CDN != nil {
		switch avg := res.CDN.AverageMbps; {
		case avg >= 50:
			score += 15
		case avg >= 25:
			score += 10
		case avg >= 10:
			score += 5
		}
	}
	if res.DNS != nil && res.DNS.AverageMs > 0 {
		switch avg := res.DNS.AverageMs; {
		case avg < 50:
			score += 10
		case avg < 100:
			score += 7
		case avg < 200:
			score += 3
		}
	}
	if res.HTTP3 != nil && res.HTTP3.Supported {
		score += 10
	}
	if res.Stability != nil {
		switch rate := res.Stability.SuccessRate; {
		case rate >= 95:
			score += 10
		case rate >= 90:
			score += 7
		case rate >= 85:
			score += 3
		}
	}
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func (r *Runner) publishProgress(done, total int) {
	if r.progressCb == nil || total <= 0 {
		return
	}
	r.progressCb(common.ProgressEvent{
		Type:      common.ProgressProtocols,
		Value:     int(math.Round(100 * float64(done) / float64(total))),
		Timestamp: common.NowMillis(),
	})
}
