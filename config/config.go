// Package config holds the daemon configuration. Values come from a
// YAML file, individual fields can be overridden by CLI flags before
// Validate is called.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration.
type Config struct {
	// PrivateKey is the node's secp256k1 private key in hex. Empty
	// generates an ephemeral key at startup.
	PrivateKey string `yaml:"privateKey"`

	// Network binding

	// BindAddr is the IP address the UDP socket binds to.
	BindAddr string `yaml:"bindAddr"`

	// BindPort is the UDP port the socket binds to.
	BindPort int `yaml:"bindPort"`

	// Advertised endpoint

	// ENRIP is the IPv4 address advertised in the local record.
	ENRIP string `yaml:"enrIP"`

	// ENRIP6 is the IPv6 address advertised in the local record.
	ENRIP6 string `yaml:"enrIP6"`

	// ENRPort is the UDP port advertised in the local record, 0 uses
	// BindPort.
	ENRPort int `yaml:"enrPort"`

	// Bootstrap

	// Bootnodes are base64 ENRs used to seed the first lookups.
	Bootnodes []string `yaml:"bootnodes"`

	// Persistence

	// NodeDBPath is the sqlite database path, empty keeps everything
	// in memory.
	NodeDBPath string `yaml:"nodeDB"`

	// Chain configuration

	// NetworkConfigPath points at a consensus network config file.
	// Empty disables fork-digest filtering.
	NetworkConfigPath string `yaml:"networkConfig"`

	// GenesisValidatorsRoot is the hex genesis validators root,
	// required with NetworkConfigPath.
	GenesisValidatorsRoot string `yaml:"genesisValidatorsRoot"`

	// GenesisTime overrides the genesis time derived from the network
	// config.
	GenesisTime uint64 `yaml:"genesisTime"`

	// GracePeriod keeps previous-fork records eligible for responses
	// after a fork activates.
	GracePeriod time.Duration `yaml:"gracePeriod"`

	// Session parameters

	// SessionTimeout is the idle lifetime of established sessions.
	SessionTimeout time.Duration `yaml:"sessionTimeout"`

	// RequestTimeout bounds a single pending request.
	RequestTimeout time.Duration `yaml:"requestTimeout"`

	// RequestRetries is the number of retransmissions per request.
	RequestRetries int `yaml:"requestRetries"`

	// Lookup parameters

	// LookupParallelism is the request concurrency per lookup.
	LookupParallelism int `yaml:"lookupParallelism"`

	// LookupNumResults is the target result count per lookup.
	LookupNumResults int `yaml:"lookupNumResults"`

	// LookupIterations bounds FINDNODE rounds per peer per lookup.
	LookupIterations int `yaml:"lookupIterations"`

	// RefreshInterval is the spacing of random-walk refresh lookups.
	RefreshInterval time.Duration `yaml:"refreshInterval"`

	// Routing table parameters

	// MaxNodesPerIP bounds table entries sharing one IP.
	MaxNodesPerIP int `yaml:"maxNodesPerIP"`

	// PingInterval is the per-node liveness check spacing.
	PingInterval time.Duration `yaml:"pingInterval"`

	// MaxNodeAge is the silence threshold for stale removal.
	MaxNodeAge time.Duration `yaml:"maxNodeAge"`

	// MaxFailures is the failure threshold for stale removal.
	MaxFailures int `yaml:"maxFailures"`

	// Transport parameters

	// RateLimitPerIP bounds inbound packets per second per source IP,
	// negative disables.
	RateLimitPerIP int `yaml:"rateLimitPerIP"`

	// Web UI

	WebUI WebUIConfig `yaml:"webUI"`

	// Logging

	// LogLevel is the logrus level name.
	LogLevel string `yaml:"logLevel"`
}

// WebUIConfig configures the HTTP status server.
type WebUIConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	SiteName string `yaml:"siteName"`
	Minify   bool   `yaml:"minify"`
	Pprof    bool   `yaml:"pprof"`
}

// Default returns a configuration with the standard defaults.
func Default() *Config {
	return &Config{
		BindAddr:          "0.0.0.0",
		BindPort:          9000,
		GracePeriod:       60 * time.Minute,
		SessionTimeout:    24 * time.Hour,
		RequestTimeout:    time.Second,
		RequestRetries:    1,
		LookupParallelism: 3,
		LookupNumResults:  16,
		LookupIterations:  3,
		RefreshInterval:   5 * time.Minute,
		MaxNodesPerIP:     10,
		PingInterval:      5 * time.Minute,
		MaxNodeAge:        24 * time.Hour,
		MaxFailures:       3,
		RateLimitPerIP:    100,
		WebUI: WebUIConfig{
			Host:     "0.0.0.0",
			Port:     8080,
			SiteName: "Discnodoor",
			Minify:   true,
		},
		LogLevel: "info",
	}
}

// Load reads a YAML config file on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if net.ParseIP(c.BindAddr) == nil {
		return fmt.Errorf("config: invalid bind address %q", c.BindAddr)
	}
	if c.BindPort <= 0 || c.BindPort > 65535 {
		return fmt.Errorf("config: invalid bind port %d", c.BindPort)
	}
	if c.ENRIP != "" {
		ip := net.ParseIP(c.ENRIP)
		if ip == nil || ip.To4() == nil {
			return fmt.Errorf("config: enrIP must be an IPv4 address, got %q", c.ENRIP)
		}
	}
	if c.ENRIP6 != "" {
		ip := net.ParseIP(c.ENRIP6)
		if ip == nil || ip.To4() != nil {
			return fmt.Errorf("config: enrIP6 must be an IPv6 address, got %q", c.ENRIP6)
		}
	}
	if c.ENRPort < 0 || c.ENRPort > 65535 {
		return fmt.Errorf("config: invalid enr port %d", c.ENRPort)
	}
	if c.NetworkConfigPath != "" && c.GenesisValidatorsRoot == "" {
		return fmt.Errorf("config: genesisValidatorsRoot is required with networkConfig")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("config: requestTimeout must be positive")
	}
	if c.RequestRetries < 0 {
		return fmt.Errorf("config: requestRetries must not be negative")
	}
	if c.LookupParallelism <= 0 || c.LookupNumResults <= 0 || c.LookupIterations <= 0 {
		return fmt.Errorf("config: lookup parameters must be positive")
	}
	if c.MaxNodesPerIP <= 0 {
		return fmt.Errorf("config: maxNodesPerIP must be positive")
	}
	return nil
}

// EffectiveENRPort returns the advertised UDP port.
func (c *Config) EffectiveENRPort() int {
	if c.ENRPort != 0 {
		return c.ENRPort
	}
	return c.BindPort
}
