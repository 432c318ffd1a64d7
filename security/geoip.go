package security

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/oschwald/geoip2-golang"
	"go.uber.org/zap"

	"ghostshell/app/netgauge/common"
	"ghostshell/app/netgauge/probe"
)

// geoIPEndpoints is the ordered list of JSON geo-IP services. The first one
// that returns a parseable record wins. Package-level so tests can point the
// module at local stubs.
var geoIPEndpoints = []string{
	"https://ipapi.co/json/",
	"https://ipinfo.io/json",
	"https://ifconfig.co/json",
}

// echoIPEndpoint returns the caller's public IP as a bare text line.
var echoIPEndpoint = "https://icanhazip.com"

// Paths of the optional local GeoLite2 databases. Lookups are skipped when
// the files are absent.
var (
	geoLiteCityPath = filepath.Join(common.CacheDir, "GeoLite2-City.mmdb")
	geoLiteASNPath  = filepath.Join(common.CacheDir, "GeoLite2-ASN.mmdb")
)

const geoIPTimeout = 5 * time.Second

// NetworkInfo describes the caller's public network identity as reported by
// a geo-IP service, optionally cross-checked against local GeoLite2 data.
type NetworkInfo struct {
	IP             string `json:"ip"`
	ISP            string `json:"isp"`
	City           string `json:"city"`
	Region         string `json:"region"`
	Country        string `json:"country"`
	Timezone       string `json:"timezone"`
	ConnectionType string `json:"connectionType,omitempty"`
	ASN            string `json:"asn,omitempty"`
	Source         string `json:"source,omitempty"`
}

// geoIPPayload matches the union of the field names the endpoints use, so
// one decode covers all of them.
type geoIPPayload struct {
	IP          string `json:"ip"`
	ISP         string `json:"isp"`
	Org         string `json:"org"`
	City        string `json:"city"`
	Region      string `json:"region"`
	RegionName  string `json:"region_name"`
	Country     string `json:"country"`
	CountryName string `json:"country_name"`
	Timezone    string `json:"timezone"`
	TimeZone    string `json:"time_zone"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// unknownNetworkInfo is the sentinel returned when every endpoint fails.
func unknownNetworkInfo() *NetworkInfo {
	return &NetworkInfo{
		IP:       "Unknown",
		ISP:      "Unknown",
		City:     "Unknown",
		Region:   "Unknown",
		Country:  "Unknown",
		Timezone: "Unknown",
	}
}

// FetchNetworkInfo queries the geo-IP endpoints in order and adopts the
// first parseable record. Total failure yields the sentinel record, never an
// error; cancellation is the exception.
func FetchNetworkInfo(ctx context.Context, logger *zap.Logger) (*NetworkInfo, error) {
	for _, endpoint := range geoIPEndpoints {
		res, err := probe.Do(ctx, probe.Request{
			URL:     endpoint,
			Method:  http.MethodGet,
			Timeout: geoIPTimeout,
			Mode:    probe.ModeRead,
		})
		if err != nil {
			if probe.IsCancelled(err) {
				return nil, err
			}
			logger.Debug("Geo-IP endpoint failed", zap.String("endpoint", endpoint), zap.Error(err))
			continue
		}

		var payload geoIPPayload
		if err := json.Unmarshal(res.Body, &payload); err != nil || payload.IP == "" {
			logger.Debug("Geo-IP response not usable", zap.String("endpoint", endpoint))
			continue
		}

		info := &NetworkInfo{
			IP:       payload.IP,
			ISP:      firstNonEmpty(payload.ISP, payload.Org),
			City:     payload.City,
			Region:   firstNonEmpty(payload.Region, payload.RegionName),
			Country:  firstNonEmpty(payload.CountryName, payload.Country),
			Timezone: firstNonEmpty(payload.Timezone, payload.TimeZone),
			Source:   endpoint,
		}
		enrichFromGeoLite(info, logger)
		return info, nil
	}
	return unknownNetworkInfo(), nil
}

// enrichFromGeoLite fills gaps in the record from local GeoLite2 databases
// when they are present under the cache directory. Missing databases or
// lookup misses leave the record untouched.
func enrichFromGeoLite(info *NetworkInfo, logger *zap.Logger) {
	ip := net.ParseIP(info.IP)
	if ip == nil {
		return
	}

	if _, err := os.Stat(geoLiteASNPath); err == nil {
		if db, err := geoip2.Open(geoLiteASNPath); err == nil {
			if rec, err := db.ASN(ip); err == nil && rec.AutonomousSystemNumber != 0 {
				info.ASN = "AS" + strconv.Itoa(int(rec.AutonomousSystemNumber))
				if info.ISP == "" {
					info.ISP = rec.AutonomousSystemOrganization
				}
			}
			db.Close()
		} else {
			logger.Debug("GeoLite2 ASN database unreadable", zap.Error(err))
		}
	}

	if _, err := os.Stat(geoLiteCityPath); err == nil {
		if db, err := geoip2.Open(geoLiteCityPath); err == nil {
			if rec, err := db.City(ip); err == nil {
				if name := rec.Country.Names["en"]; name != "" && (info.Country == "" || info.Country == "Unknown") {
					info.Country = name
				}
				if name := rec.City.Names["en"]; name != "" && (info.City == "" || info.City == "Unknown") {
					info.City = name
				}
			}
			db.Close()
		} else {
			logger.Debug("GeoLite2 City database unreadable", zap.Error(err))
		}
	}
}

// collectPublicIPs queries every echo source and returns the distinct
// public addresses observed, seeded with the already known one.
func collectPublicIPs(ctx context.Context, seed string, logger *zap.Logger) []string {
	seen := make(map[string]bool)
	var ips []string
	add := func(ip string) {
		ip = strings.TrimSpace(ip)
		if ip == "" || ip == "Unknown" || seen[ip] {
			return
		}
		seen[ip] = true
		ips = append(ips, ip)
	}
	add(seed)

	if res, err := probe.Do(ctx, probe.Request{
		URL:     echoIPEndpoint,
		Method:  http.MethodGet,
		Timeout: geoIPTimeout,
		Mode:    probe.ModeRead,
	}); err == nil {
		add(string(res.Body))
	} else if probe.IsCancelled(err) {
		return ips
	}

	for _, endpoint := range geoIPEndpoints {
		res, err := probe.Do(ctx, probe.Request{
			URL:     endpoint,
			Method:  http.MethodGet,
			Timeout: geoIPTimeout,
			Mode:    probe.ModeRead,
		})
		if err != nil {
			if probe.IsCancelled(err) {
				return ips
			}
			continue
		}
		var payload geoIPPayload
		if json.Unmarshal(res.Body, &payload) == nil {
			add(payload.IP)
		}
	}

	logger.Debug("Public IP sweep finished", zap.Strings("ips", ips))
	return ips
}
