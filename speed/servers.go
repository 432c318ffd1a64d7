package speed

import (
	"fmt"
	"strings"
)

// Server describes one download source. Length-parameterised servers embed
// the exact byte count in a query template; the rest map size labels onto
// fixed paths and silently skip sizes they cannot serve.
type Server struct {
	Name     string
	Template string            // fmt template taking the byte count
	Sizes    map[string]string // size label -> URL
}

// URLFor resolves the download URL for a size label and its byte count.
// The second return is false when the server cannot serve that size.
func (s Server) URLFor(label string, bytes int64) (string, bool) {
	if s.Template != "" {
		return fmt.Sprintf(s.Template, bytes), true
	}
	u, ok := s.Sizes[label]
	return u, ok
}

// serverRegistry lists the known download sources. Tests swap this out for
// local stubs.
var serverRegistry = map[string]Server{
	"cloudflare": {
		Name:     "Cloudflare",
		Template: "https://speed.cloudflare.com/__down?bytes=%d",
	},
	"cachefly": {
		Name: "Cachefly",
		Sizes: map[string]string{
			"1MB":   "https://cachefly.cachefly.net/1mb.test",
			"5MB":   "https://cachefly.cachefly.net/5mb.test",
			"10MB":  "https://cachefly.cachefly.net/10mb.test",
			"100MB": "https://cachefly.cachefly.net/100mb.test",
		},
	},
	"thinkbroadband": {
		Name: "ThinkBroadband",
		Sizes: map[string]string{
			"5MB":   "http://ipv4.download.thinkbroadband.com/5MB.zip",
			"10MB":  "http://ipv4.download.thinkbroadband.com/10MB.zip",
			"50MB":  "http://ipv4.download.thinkbroadband.com/50MB.zip",
			"100MB": "http://ipv4.download.thinkbroadband.com/100MB.zip",
		},
	},
	"tele2": {
		Name: "Tele2",
		Sizes: map[string]string{
			"1MB":   "http://speedtest.tele2.net/1MB.zip",
			"10MB":  "http://speedtest.tele2.net/10MB.zip",
			"100MB": "http://speedtest.tele2.net/100MB.zip",
		},
	},
}

// uploadEndpoint receives the POST payloads of the upload test. Tests swap
// this out for a local stub.
var uploadEndpoint = "https://speed.cloudflare.com/__up"

// defaultServers is substituted when id filtering leaves nothing usable.
var defaultServers = []string{"cloudflare", "cachefly"}

// defaultSizes is substituted when the config carries no size labels.
var defaultSizes = []string{"1MB", "5MB", "10MB"}

// filterServers drops unknown server ids, preserving order, and falls back
// to the default set when nothing remains.
func filterServers(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := serverRegistry[id]; ok {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		out = append(out, defaultServers...)
	}
	return out
}

// ParseSize converts a size label such as "5MB" into a byte count using
// binary units. Labels that do not parse fall back to 1 MiB.
func ParseSize(label string) int64 {
	s := strings.ToUpper(strings.TrimSpace(label))
	var num float64
	var unit string
	if _, err := fmt.Sscanf(s, "%f%s", &num, &unit); err != nil || num <= 0 {
		return 1 << 20
	}
	switch unit {
	case "KB":
		return int64(num * (1 << 10))
	case "MB":
		return int64(num * (1 << 20))
	case "GB":
		return int64(num * (1 << 30))
	default:
		return 1 << 20
	}
}
