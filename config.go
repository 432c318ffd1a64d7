package netgauge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"ghostshell/app/netgauge/common"
	"ghostshell/app/netgauge/latency"
	"ghostshell/app/netgauge/speed"
)

// Config holds the engine configuration. Each measurement module reads its
// own section by direct field access; UpdateConfig replaces whole sections
// rather than merging inside them.
type Config struct {
	DownloadTests common.DownloadConfig     `json:"downloadTests" yaml:"downloadTests"`
	UploadTests   common.UploadConfig       `json:"uploadTests" yaml:"uploadTests"`
	LatencyTests  common.LatencyConfig      `json:"latencyTests" yaml:"latencyTests"`
	SecurityTests common.SecurityConfig     `json:"securityTests" yaml:"securityTests"`
	ProtocolTests common.ProtocolConfig     `json:"protocolTests" yaml:"protocolTests"`
	Connectivity  common.ConnectivityConfig `json:"connectivity" yaml:"connectivity"`

	// General settings
	OutputFormat     string `json:"outputFormat" yaml:"outputFormat"`
	OutputPath       string `json:"outputPath" yaml:"outputPath"`
	LogLevel         string `json:"logLevel" yaml:"logLevel"`
	HistoryRetention int    `json:"historyRetention" yaml:"historyRetention"`
}

// DefaultConfig is the single source of default values. Modules do not
// re-default their own sections beyond guarding against non-positive counts.
func DefaultConfig() *Config {
	return &Config{
		DownloadTests: common.DownloadConfig{
			Enabled:             true,
			FileSizes:           []string{"1MB", "5MB", "10MB"},
			Iterations:          2,
			ParallelConnections: 1,
			TimeoutMs:           30000,
			Servers:             []string{"cloudflare", "cachefly"},
		},
		UploadTests: common.UploadConfig{
			Enabled:             true,
			FileSizes:           []string{"1MB", "5MB"},
			Iterations:          2,
			ParallelConnections: 1,
			TimeoutMs:           30000,
		},
		LatencyTests: common.LatencyConfig{
			Enabled:     true,
			SampleCount: 20,
			Targets:     []string{"cloudflare", "google", "github"},
			IntervalMs:  100,
			TimeoutMs:   5000,
		},
		SecurityTests: common.SecurityConfig{
			Enabled:            true,
			VPNDetection:       true,
			WARPDetection:      true,
			CaptivePortalCheck: true,
			ThreatDetection:    true,
			DNSLeakTest:        true,
			SSLAnalysis:        true,
		},
		ProtocolTests: common.ProtocolConfig{
			Enabled:             true,
			IPv6Testing:         true,
			CDNTesting:          true,
			DNSPerformance:      true,
			HTTP3Testing:        true,
			ConnectionStability: true,
			RoutingEfficiency:   true,
		},
		Connectivity: common.ConnectivityConfig{
			Enabled:         true,
			IntervalMinutes: 5,
			TimeoutMs:       1000,
		},
		OutputFormat:     "json",
		LogLevel:         "info",
		HistoryRetention: 30,
	}
}

// Clone returns an independent copy, including the slice-valued fields.
func (c *Config) Clone() *Config {
	out := *c
	out.DownloadTests.FileSizes = append([]string(nil), c.DownloadTests.FileSizes...)
	out.DownloadTests.Servers = append([]string(nil), c.DownloadTests.Servers...)
	out.UploadTests.FileSizes = append([]string(nil), c.UploadTests.FileSizes...)
	out.LatencyTests.Targets = append([]string(nil), c.LatencyTests.Targets...)
	return &out
}

// Validate ensures the configuration values are usable before a run.
func (c *Config) Validate() error {
	validFormats := map[string]struct{}{
		"json": {},
		"csv":  {},
		"yaml": {},
		"html": {},
		"md":   {},
		"pdf":  {},
	}
	if _, ok := validFormats[c.OutputFormat]; !ok {
		return fmt.Errorf("invalid output format: %s. Allowed formats: json, csv, yaml, html, md, pdf", c.OutputFormat)
	}

	validLevels := map[string]struct{}{
		"debug": {},
		"info":  {},
		"warn":  {},
		"error": {},
	}
	if _, ok := validLevels[c.LogLevel]; !ok {
		return fmt.Errorf("invalid log level: %s. Allowed levels: debug, info, warn, error", c.LogLevel)
	}

	if c.HistoryRetention < 0 {
		return fmt.Errorf("history retention cannot be negative")
	}

	if err := speed.New(c.DownloadTests, c.UploadTests).ValidateConfig(); err != nil {
		return fmt.Errorf("speed: %w", err)
	}
	if err := latency.New(c.LatencyTests).ValidateConfig(); err != nil {
		return fmt.Errorf("latency: %w", err)
	}
	if c.Connectivity.Enabled && c.Connectivity.TimeoutMs < 0 {
		return fmt.Errorf("connectivity: timeout cannot be negative")
	}

	return nil
}

// LoadConfig reads a configuration file, layering it over the defaults.
// The format is chosen by extension: .json, .yaml, or .yml.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// SaveConfig writes the configuration to a file, format chosen by extension.
func SaveConfig(config *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		data, err = json.MarshalIndent(config, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config format: %s", ext)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// MergeConfig overlays a JSON patch onto base at the top level: every key
// present in the patch replaces the corresponding section or field wholesale.
// Keys absent from the patch keep their current values.
func MergeConfig(base *Config, patch []byte) (*Config, error) {
	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal base config: %w", err)
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(baseJSON, &merged); err != nil {
		return nil, fmt.Errorf("failed to decode base config: %w", err)
	}

	var overlay map[string]json.RawMessage
	if err := json.Unmarshal(patch, &overlay); err != nil {
		return nil, fmt.Errorf("invalid config patch: %w", err)
	}
	for key, value := range overlay {
		merged[key] = value
	}

	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to encode merged config: %w", err)
	}

	// Decode into a zero Config so sections replaced by the patch do not
	// inherit leftover field values from the base.
	var out Config
	if err := json.Unmarshal(mergedJSON, &out); err != nil {
		return nil, fmt.Errorf("failed to decode merged config: %w", err)
	}
	return &out, nil
}
