package latency

// Target is one latency measurement endpoint. The URLs are small,
// high-availability documents so the response itself never dominates the
// round trip.
type Target struct {
	Name string
	URL  string
}

// targetRegistry maps config identifiers to probe targets. Package-level so
// tests can point the module at local stubs.
var targetRegistry = map[string]Target{
	"cloudflare": {Name: "Cloudflare", URL: "https://www.cloudflare.com/cdn-cgi/trace"},
	"google":     {Name: "Google", URL: "https://www.gstatic.com/generate_204"},
	"github":     {Name: "GitHub", URL: "https://github.com/manifest.json"},
	"microsoft":  {Name: "Microsoft", URL: "https://www.msftconnecttest.com/connecttest.txt"},
}

var defaultTargets = []string{"cloudflare", "google", "github"}

// filterTargets keeps the requested ids that exist in the registry and
// substitutes the default set when nothing usable remains.
func filterTargets(ids []string) []string {
	kept := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := targetRegistry[id]; ok {
			kept = append(kept, id)
		}
	}
	if len(kept) == 0 {
		return defaultTargets
	}
	return kept
}
