// Package config loads and validates the node's YAML configuration file,
// describing its own identity, storage root, cluster peers, and the
// external collaborators (token server, mirroring credentials, webhooks)
// it reports to but does not implement itself.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full node configuration, loaded from a single YAML file
// whose path cmd/registryd takes from its --config flag; no CLI flag
// overrides any field.
type Config struct {
	Identifier string         `yaml:"identifier"`
	Storage    string         `yaml:"storage"`
	Raft       EndpointConfig `yaml:"raft"`
	Registry   EndpointConfig `yaml:"registry"`
	Prometheus EndpointConfig `yaml:"prometheus"`
	Peers      []Peer         `yaml:"peers"`
	TokenServer TokenServerConfig `yaml:"token_server"`
	Mirroring  MirroringConfig   `yaml:"mirroring"`
	Webhooks   []WebhookConfig   `yaml:"webhooks"`
	Scrubber   ScrubberConfig    `yaml:"scrubber"`
	Sentry     SentryConfig      `yaml:"sentry"`
}

// EndpointConfig is a bind address/port pair, optionally with TLS.
type EndpointConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
	TLS     bool   `yaml:"tls"`
}

// Peer is one other cluster member's name and endpoints.
type Peer struct {
	Name     string         `yaml:"name"`
	Raft     EndpointConfig `yaml:"raft"`
	Registry EndpointConfig `yaml:"registry"`
}

// TokenServerConfig describes the external auth issuer validating bearer
// tokens presented on the object-fetch surface; the core itself only
// checks that a bearer token is present (see DESIGN.md).
type TokenServerConfig struct {
	Issuer    string `yaml:"issuer"`
	Realm     string `yaml:"realm"`
	Service   string `yaml:"service"`
	PublicKey string `yaml:"public_key"`
}

// MirroringConfig is the credential flow Mirror's Minter uses to fetch
// bearer tokens for pulling objects from peers.
type MirroringConfig struct {
	Realm    string `yaml:"realm"`
	Service  string `yaml:"service"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// WebhookConfig is a purely external collaborator notified of graph
// changes; the core only carries its configuration, it does not deliver
// webhooks itself.
type WebhookConfig struct {
	URL    string   `yaml:"url"`
	Events []string `yaml:"events"`
}

// ScrubberConfig toggles an external consistency-scrubbing collaborator.
type ScrubberConfig struct {
	Enabled bool `yaml:"enabled"`
}

// SentryConfig is error-reporting configuration for an external collaborator.
type SentryConfig struct {
	Endpoint string `yaml:"endpoint"`
}

var identifierPattern = regexp.MustCompile(`^.+-(\d+)$`)

// Load reads and parses the YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// NodeNumber extracts the integer suffix from Identifier, per §6's
// "identifier must end in -<integer>; the integer plus one is the
// consensus node id" rule.
func (c *Config) NodeNumber() (int, error) {
	m := identifierPattern.FindStringSubmatch(c.Identifier)
	if m == nil {
		return 0, fmt.Errorf("config: identifier %q must end in -<integer>", c.Identifier)
	}
	return strconv.Atoi(m[1])
}

// Validate checks the structural invariants §6 requires: a well-formed
// identifier, a non-blank storage root, and self-membership in peers.
func (c *Config) Validate() error {
	if _, err := c.NodeNumber(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Storage) == "" {
		return fmt.Errorf("config: storage root must be set")
	}

	foundSelf := false
	for _, p := range c.Peers {
		if p.Name == c.Identifier {
			foundSelf = true
		}
	}
	if !foundSelf {
		return fmt.Errorf("config: peers must include this node's own identifier %q", c.Identifier)
	}
	return nil
}
