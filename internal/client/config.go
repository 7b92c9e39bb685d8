// Package client is a reference exporter client for the mock server. It
// authenticates with the password grant, caches the token pair between
// invocations, renews it with the refresh_token grant once the token is
// within the refresh margin of expiry, and scrapes the protected endpoints.
package client

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Defaults applied to an empty config.
const (
	DefaultRefreshMargin = 5 * time.Second
	DefaultTimeout       = 10 * time.Second
	DefaultInterval      = 30 * time.Second
	DefaultTokenPath     = "/oauth2/token"
	defaultTargetName    = "default"
)

// DefaultEndpoints are scraped when the config lists none.
var DefaultEndpoints = []string{
	"/api/v1/serverTime",
	"/api/v1/backups",
	"/api/v1/jobs",
}

// Config is the YAML client configuration passed with -c.
type Config struct {
	// Targets maps target names to base URLs. "default" is used when no
	// target is selected.
	Targets       map[string]string `yaml:"targets"`
	TokenPath     string            `yaml:"token_path"`
	ClientID      string            `yaml:"client_id"`
	TokenCache    string            `yaml:"token_cache"`
	RefreshMargin time.Duration     `yaml:"refresh_margin"`
	Timeout       time.Duration     `yaml:"timeout"`
	Interval      time.Duration     `yaml:"interval"`
	Endpoints     []string          `yaml:"endpoints"`
	MetricPrefix  string            `yaml:"metric_prefix"`
}

// Credentials are read from the environment, never from the config file.
type Credentials struct {
	Username string `env:"VEEAM_USER,required"`
	Password string `env:"VEEAM_PASSWORD,required"`
}

// LoadCredentials reads VEEAM_USER and VEEAM_PASSWORD.
func LoadCredentials() (Credentials, error) {
	var c Credentials
	if err := env.Parse(&c); err != nil {
		return Credentials{}, fmt.Errorf("parsing credentials: %w", err)
	}
	return c, nil
}

// LoadConfig reads and validates the YAML config at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading client config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML config data and applies defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decoding client config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating client config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.TokenPath == "" {
		c.TokenPath = DefaultTokenPath
	}
	if c.RefreshMargin == 0 {
		c.RefreshMargin = DefaultRefreshMargin
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Interval == 0 {
		c.Interval = DefaultInterval
	}
	if len(c.Endpoints) == 0 {
		c.Endpoints = DefaultEndpoints
	}
	if c.MetricPrefix == "" {
		c.MetricPrefix = "veeam"
	}
}

func (c *Config) validate() error {
	if c.TokenCache == "" {
		return fmt.Errorf("token_cache is required")
	}
	if c.RefreshMargin < 0 {
		return fmt.Errorf("refresh_margin must not be negative")
	}
	for name, raw := range c.Targets {
		if _, err := parseBaseURL(raw); err != nil {
			return fmt.Errorf("target %q: %w", name, err)
		}
	}
	return nil
}

// ResolveTarget returns the base URL for sel. sel may be a configured
// target name, a full URL, or a bare host[:port]. Empty selects the
// "default" target, or the only target when just one is configured.
func (c *Config) ResolveTarget(sel string) (string, error) {
	if sel == "" {
		if u, ok := c.Targets[defaultTargetName]; ok {
			return parseBaseURL(u)
		}
		if len(c.Targets) == 1 {
			for _, u := range c.Targets {
				return parseBaseURL(u)
			}
		}
		names := make([]string, 0, len(c.Targets))
		for n := range c.Targets {
			names = append(names, n)
		}
		sort.Strings(names)
		return "", fmt.Errorf("no target selected and no %q target among %v", defaultTargetName, names)
	}

	if u, ok := c.Targets[sel]; ok {
		return parseBaseURL(u)
	}
	if !strings.Contains(sel, "://") {
		sel = "http://" + sel
	}
	return parseBaseURL(sel)
}

func parseBaseURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("URL %q must be http or https", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("URL %q has no host", raw)
	}
	return strings.TrimRight(u.String(), "/"), nil
}
