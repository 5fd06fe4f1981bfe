// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/auditlog/lib/version"
)

// Config is the complete auditlogd configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Relay  RelayConfig  `yaml:"relay"`
}

// Address is a host:port with a TLS flag. Used for both listen
// addresses and upstream relay hosts.
type Address struct {
	Address string `yaml:"address"`
	TLS     bool   `yaml:"tls"`
}

func (a Address) String() string {
	if a.TLS {
		return a.Address + "(tls)"
	}
	return a.Address
}

// TLSConfig names certificate material.
type TLSConfig struct {
	// Certificate and Key are PEM files presented to peers.
	Certificate string `yaml:"certificate"`
	Key         string `yaml:"key"`

	// CABundle is a PEM file of trusted roots. Empty means the system
	// pool.
	CABundle string `yaml:"ca_bundle"`

	// CheckPeer requires a peer certificate whose subject matches the
	// peer's socket address.
	CheckPeer bool `yaml:"check_peer"`
}

// ServerConfig configures the client-facing side.
type ServerConfig struct {
	// ServerID is sent in the server hello.
	ServerID string `yaml:"server_id"`

	Listen []Address `yaml:"listen"`

	// Timeout bounds TLS handshakes, socket writes, upstream dials,
	// and the shutdown drain.
	Timeout time.Duration `yaml:"timeout"`

	// CommitInterval is the cadence of commit point reports while a
	// session has unacknowledged I/O.
	CommitInterval time.Duration `yaml:"commit_interval"`

	// MaxMessageSize is the largest accepted frame payload in bytes.
	MaxMessageSize uint32 `yaml:"max_message_size"`

	TLS TLSConfig `yaml:"tls"`

	IOLog    IOLogConfig    `yaml:"iolog"`
	EventLog EventLogConfig `yaml:"eventlog"`
}

// IOLogConfig configures local I/O log storage.
type IOLogConfig struct {
	Directory string `yaml:"directory"`

	// Compression is one of "none", "zstd", "lz4".
	Compression string `yaml:"compression"`
}

// EventLogConfig configures the accept/reject/alert/exit record file.
type EventLogConfig struct {
	// Path of the JSON-lines file. Empty disables the event log.
	Path string `yaml:"path"`
}

// RelayConfig configures forwarding to upstream collectors.
type RelayConfig struct {
	// Hosts are tried in order. Empty means sessions are stored
	// locally and never relayed.
	Hosts []Address `yaml:"hosts"`

	// StoreFirst journals each session locally and relays it after the
	// client finishes, instead of relaying live.
	StoreFirst bool `yaml:"store_first"`

	// Directory holds the incoming, outgoing and corrupt journal
	// subdirectories.
	Directory string `yaml:"directory"`

	// RetryInterval is the initial delay before a failed journal relay
	// is retried. The delay doubles per attempt up to RetryMax.
	RetryInterval time.Duration `yaml:"retry_interval"`
	RetryMax      time.Duration `yaml:"retry_max"`

	// TLS is the client certificate material for upstream TLS hosts.
	TLS TLSConfig `yaml:"tls"`
}

// Enabled reports whether sessions are forwarded upstream.
func (r RelayConfig) Enabled() bool { return len(r.Hosts) > 0 }

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ServerID:       version.ServerID(),
			Listen:         []Address{{Address: ":30343"}},
			Timeout:        30 * time.Second,
			CommitInterval: 10 * time.Second,
			MaxMessageSize: 2 * 1024 * 1024,
			IOLog: IOLogConfig{
				Directory:   "/var/log/auditlog/io",
				Compression: "none",
			},
		},
		Relay: RelayConfig{
			Directory:     "/var/spool/auditlog",
			RetryInterval: 30 * time.Second,
			RetryMax:      30 * time.Minute,
		},
	}
}

// Load loads the file named by AUDITLOGD_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv("AUDITLOGD_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("AUDITLOGD_CONFIG environment variable not set; " +
			"set it to the path of your auditlogd config file, or use --config")
	}
	return LoadFile(path)
}

// LoadFile loads path over the defaults and expands path variables.
// It does not validate; call Validate.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		// JSON is a subset of YAML, so once comments and trailing
		// commas are stripped the YAML decoder handles it with the
		// same struct tags and duration parsing.
		data = jsonc.ToJSON(data)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) expandVariables() {
	c.Server.IOLog.Directory = expandVars(c.Server.IOLog.Directory)
	c.Server.EventLog.Path = expandVars(c.Server.EventLog.Path)
	c.Server.TLS.Certificate = expandVars(c.Server.TLS.Certificate)
	c.Server.TLS.Key = expandVars(c.Server.TLS.Key)
	c.Server.TLS.CABundle = expandVars(c.Server.TLS.CABundle)
	c.Relay.Directory = expandVars(c.Relay.Directory)
	c.Relay.TLS.Certificate = expandVars(c.Relay.TLS.Certificate)
	c.Relay.TLS.Key = expandVars(c.Relay.TLS.Key)
	c.Relay.TLS.CABundle = expandVars(c.Relay.TLS.CABundle)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} from the environment.
func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Server.Listen) == 0 {
		errs = append(errs, errors.New("server.listen must name at least one address"))
	}
	anyTLS := false
	for i, address := range c.Server.Listen {
		if _, _, err := net.SplitHostPort(address.Address); err != nil {
			errs = append(errs, fmt.Errorf("server.listen[%d]: %w", i, err))
		}
		anyTLS = anyTLS || address.TLS
	}
	if anyTLS && (c.Server.TLS.Certificate == "" || c.Server.TLS.Key == "") {
		errs = append(errs, errors.New("server.tls.certificate and server.tls.key are required for TLS listeners"))
	}
	if c.Server.Timeout <= 0 {
		errs = append(errs, errors.New("server.timeout must be positive"))
	}
	if c.Server.CommitInterval <= 0 {
		errs = append(errs, errors.New("server.commit_interval must be positive"))
	}
	if c.Server.MaxMessageSize == 0 {
		errs = append(errs, errors.New("server.max_message_size must be positive"))
	}
	switch c.Server.IOLog.Compression {
	case "none", "zstd", "lz4":
	default:
		errs = append(errs, fmt.Errorf("server.iolog.compression must be one of none, zstd, lz4: got %q", c.Server.IOLog.Compression))
	}
	if !c.Relay.Enabled() && c.Server.IOLog.Directory == "" {
		errs = append(errs, errors.New("server.iolog.directory is required when no relay hosts are configured"))
	}

	for i, host := range c.Relay.Hosts {
		if _, _, err := net.SplitHostPort(host.Address); err != nil {
			errs = append(errs, fmt.Errorf("relay.hosts[%d]: %w", i, err))
		}
	}
	if c.Relay.StoreFirst {
		if !c.Relay.Enabled() {
			errs = append(errs, errors.New("relay.store_first requires relay.hosts"))
		}
		if c.Relay.Directory == "" {
			errs = append(errs, errors.New("relay.directory is required with relay.store_first"))
		}
		if c.Relay.RetryInterval <= 0 {
			errs = append(errs, errors.New("relay.retry_interval must be positive"))
		}
		if c.Relay.RetryMax < c.Relay.RetryInterval {
			errs = append(errs, errors.New("relay.retry_max must not be less than relay.retry_interval"))
		}
	}

	return errors.Join(errs...)
}

// EnsurePaths creates the configured storage directories.
func (c *Config) EnsurePaths() error {
	var paths []string
	if c.Server.IOLog.Directory != "" {
		paths = append(paths, c.Server.IOLog.Directory)
	}
	if c.Server.EventLog.Path != "" {
		paths = append(paths, filepath.Dir(c.Server.EventLog.Path))
	}
	if c.Relay.StoreFirst && c.Relay.Directory != "" {
		paths = append(paths, c.Relay.Directory)
	}
	for _, path := range paths {
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", path, err)
		}
	}
	return nil
}
