package netgauge

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// InputArgs holds the parsed command-line arguments.
type InputArgs struct {
	Modules       []string // Modules to run (speed, latency, security, protocols). Empty means all
	OutputFormat  string   // Desired report format: json, csv, yaml, html, md, or pdf. Empty uses the configured format
	OutputPath    string   // Path to save the report
	ConfigPath    string   // Path to the configuration file
	Serve         bool     // Run the API and dashboard server instead of a one-shot analysis
	Addr          string   // Listen address for the API in serve mode
	DashboardAddr string   // Listen address for the dashboard in serve mode
	Verbose       bool     // Enable verbose output
	Timeout       int      // Timeout in seconds for the whole run
}

// ParseInput parses and validates command-line arguments.
func ParseInput() (*InputArgs, error) {
	// Define command-line flags
	modules := flag.String("modules", "", "Comma-separated list of modules to run (speed, latency, security, protocols). Empty means run all")
	outputFormat := flag.String("format", "", "Report format (json, csv, yaml, html, md, or pdf). Empty uses the configured format")
	outputPath := flag.String("output", "", "Path to save the report (default: netgauge_<timestamp>.<format> under the report directory)")
	configPath := flag.String("config", "", "Path to the configuration file (default: built-in defaults)")
	serve := flag.Bool("serve", false, "Start the API and dashboard server instead of running once")
	addr := flag.String("addr", ":8090", "Listen address for the API in serve mode")
	dashboardAddr := flag.String("dashboard", ":8091", "Listen address for the dashboard in serve mode")
	verbose := flag.Bool("verbose", false, "Enable verbose output")
	timeout := flag.Int("timeout", 300, "Timeout in seconds for the whole run")

	// Parse flags
	flag.Parse()

	// Parse module selection
	validModules := map[string]struct{}{
		"speed":     {},
		"latency":   {},
		"security":  {},
		"protocols": {},
	}
	var selectedModules []string
	if *modules != "" {
		for _, m := range strings.Split(*modules, ",") {
			name := strings.ToLower(strings.TrimSpace(m))
			if _, ok := validModules[name]; !ok {
				return nil, fmt.Errorf("invalid module: %s. Allowed modules are: speed, latency, security, protocols", m)
			}
			selectedModules = append(selectedModules, name)
		}
	}

	// Validate output format
	switch *outputFormat {
	case "", "json", "csv", "yaml", "html", "md", "pdf":
	default:
		return nil, fmt.Errorf("invalid output format: %s. Allowed values are: json, csv, yaml, html, md, pdf", *outputFormat)
	}

	// Create and return the InputArgs struct
	return &InputArgs{
		Modules:       selectedModules,
		OutputFormat:  *outputFormat,
		OutputPath:    *outputPath,
		ConfigPath:    *configPath,
		Serve:         *serve,
		Addr:          *addr,
		DashboardAddr: *dashboardAddr,
		Verbose:       *verbose,
		Timeout:       *timeout,
	}, nil
}

// PrintUsage displays the application usage instructions.
func PrintUsage() {
	fmt.Println("NetGauge Network Analyzer")
	fmt.Println("\nMeasures speed, latency, security and protocol support, then grades the connection.")
	fmt.Println("\nUsage: netgauge [options]")
	fmt.Println("\nOptions:")
	flag.PrintDefaults()
	fmt.Println("\nExamples:")
	fmt.Println("  Run the full analysis:")
	fmt.Println("    netgauge")
	fmt.Println("  Run only the speed and latency modules:")
	fmt.Println("    netgauge -modules speed,latency -format pdf")
	fmt.Println("  Start the API and dashboard server:")
	fmt.Println("    netgauge -serve -addr :8090")
}

// ValidateArgs ensures that the provided arguments meet the application's requirements.
func ValidateArgs(args *InputArgs) error {
	// An explicit config path must exist; an empty one selects the defaults
	if args.ConfigPath != "" {
		if _, err := os.Stat(args.ConfigPath); os.IsNotExist(err) {
			return fmt.Errorf("configuration file does not exist at path: %s", args.ConfigPath)
		}
	}

	// Validate timeout
	if args.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second")
	}

	// Create output directory if it doesn't exist
	if args.OutputPath != "" {
		outputDir := filepath.Dir(args.OutputPath)
		if err := os.MkdirAll(outputDir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %s", err)
		}
	}

	return nil
}

// ApplyModuleSelection restricts the configuration to the selected modules.
// An empty selection leaves the configuration untouched.
func ApplyModuleSelection(cfg *Config, modules []string) {
	if len(modules) == 0 {
		return
	}

	selected := make(map[string]struct{}, len(modules))
	for _, m := range modules {
		selected[m] = struct{}{}
	}

	if _, ok := selected["speed"]; !ok {
		cfg.DownloadTests.Enabled = false
		cfg.UploadTests.Enabled = false
	}
	if _, ok := selected["latency"]; !ok {
		cfg.LatencyTests.Enabled = false
	}
	if _, ok := selected["security"]; !ok {
		cfg.SecurityTests.Enabled = false
	}
	if _, ok := selected["protocols"]; !ok {
		cfg.ProtocolTests.Enabled = false
	}
}
