package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	// Server settings
	Server ServerConfig `yaml:"server"`

	// Upstream DNS servers used when no rule names its own
	UpstreamDNSServers []string `yaml:"upstream_dns_servers"`

	// Per-upstream exchange timeout
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`

	// Reachability probe timeout
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// Policy knobs for indeterminate filter outcomes
	Policy PolicyConfig `yaml:"policy"`

	// Resolution rules, evaluated in priority order
	Rules []RuleConfig `yaml:"rules"`

	// Static host overrides
	Hosts HostsConfig `yaml:"hosts"`

	// GeoIP database
	GeoIP GeoIPConfig `yaml:"geoip"`

	// Query log storage
	Storage StorageConfig `yaml:"storage"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Telemetry (OTEL)
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds server-specific settings
type ServerConfig struct {
	ListenAddress string `yaml:"listen_address"`
	TCPEnabled    bool   `yaml:"tcp_enabled"`
	UDPEnabled    bool   `yaml:"udp_enabled"`
}

// PolicyConfig controls how ambiguous filter outcomes are resolved.
// An AAAA candidate whose country is unknown to the GeoIP database is
// kept when unknown_country is "allow"; a candidate whose probe ended
// indeterminate is dropped when indeterminate_probe is "deny".
type PolicyConfig struct {
	UnknownCountry     string `yaml:"unknown_country"`     // allow, deny
	IndeterminateProbe string `yaml:"indeterminate_probe"` // allow, deny
}

// HostsConfig holds static host overrides answered without consulting
// any upstream. File points at a hosts(5)-format add-on file.
type HostsConfig struct {
	Entries map[string][]string `yaml:"entries"`
	File    string              `yaml:"file"`
}

// GeoIPConfig holds the country database location
type GeoIPConfig struct {
	MMDBPath string `yaml:"mmdb_path"`
}

// StorageConfig holds query log storage settings
type StorageConfig struct {
	Enabled      bool   `yaml:"enabled"`
	DatabasePath string `yaml:"database_path"`
	BufferSize   int    `yaml:"buffer_size"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level     string `yaml:"level"`      // debug, info, warn, error
	Format    string `yaml:"format"`     // json, text
	Output    string `yaml:"output"`     // stdout, stderr, file
	FilePath  string `yaml:"file_path"`  // if output=file
	AddSource bool   `yaml:"add_source"` // include source file/line
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Enabled           bool   `yaml:"enabled"`
	ServiceName       string `yaml:"service_name"`
	ServiceVersion    string `yaml:"service_version"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	PrometheusPort    int    `yaml:"prometheus_port"`
}

// Load loads the configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults creates a configuration with sensible defaults
func LoadWithDefaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults sets default values for unset configuration fields
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = ":53"
	}
	if !c.Server.TCPEnabled && !c.Server.UDPEnabled {
		c.Server.TCPEnabled = true
		c.Server.UDPEnabled = true
	}

	// Upstream defaults
	if len(c.UpstreamDNSServers) == 0 {
		c.UpstreamDNSServers = []string{
			"1.1.1.1:53",
			"8.8.8.8:53",
		}
	}
	if c.UpstreamTimeout == 0 {
		c.UpstreamTimeout = 2 * time.Second
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 600 * time.Millisecond
	}

	// Unknown country keeps the record, unconfirmed liveness drops it
	if c.Policy.UnknownCountry == "" {
		c.Policy.UnknownCountry = "allow"
	}
	if c.Policy.IndeterminateProbe == "" {
		c.Policy.IndeterminateProbe = "deny"
	}

	for i := range c.Rules {
		c.Rules[i].ApplyDefaults()
	}

	// Storage defaults
	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = "./sixgate.db"
	}
	if c.Storage.BufferSize == 0 {
		c.Storage.BufferSize = 1000
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	// Telemetry defaults
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "sixgate"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 9090
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address cannot be empty")
	}
	if !c.Server.TCPEnabled && !c.Server.UDPEnabled {
		return fmt.Errorf("at least one of TCP or UDP must be enabled")
	}

	if len(c.UpstreamDNSServers) == 0 {
		return fmt.Errorf("at least one upstream DNS server must be configured")
	}

	if err := validateChoice("policy.unknown_country", c.Policy.UnknownCountry); err != nil {
		return err
	}
	if err := validateChoice("policy.indeterminate_probe", c.Policy.IndeterminateProbe); err != nil {
		return err
	}

	for i := range c.Rules {
		if err := c.Rules[i].Validate(); err != nil {
			return fmt.Errorf("rule %d (%s): %w", i, c.Rules[i].Name, err)
		}
		if len(c.Rules[i].Countries) > 0 && c.GeoIP.MMDBPath == "" {
			return fmt.Errorf("rule %d (%s): country filter requires geoip.mmdb_path", i, c.Rules[i].Name)
		}
	}

	for name, addrs := range c.Hosts.Entries {
		for _, addr := range addrs {
			if net.ParseIP(addr) == nil {
				return fmt.Errorf("hosts entry %q: invalid address %q", name, addr)
			}
		}
	}

	// Validate logging level
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid logging format: %s (must be json or text)", c.Logging.Format)
	}

	validOutputs := map[string]bool{
		"stdout": true,
		"stderr": true,
		"file":   true,
	}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid logging output: %s (must be stdout, stderr, or file)", c.Logging.Output)
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path must be set when output is 'file'")
	}

	return nil
}

func validateChoice(field, value string) error {
	if value != "allow" && value != "deny" {
		return fmt.Errorf("%s must be 'allow' or 'deny', got %q", field, value)
	}
	return nil
}
