// Package config loads the daemon's static configuration from the
// collaborator-supplied topology/configuration directory (spec §6):
// local identity, path-server discovery record, and the tunable knobs.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Local identifies the daemon's own AS and host address.
type Local struct {
	ISD  uint16 `toml:"isd"`
	AD   uint32 `toml:"ad"`
	Host string `toml:"host"`
	Port uint16 `toml:"port"`
}

// PathServer is the discovery record for the local path server;
// cmd/sciond backs the discovery shim's Static resolver with it (spec
// §4.7).
type PathServer struct {
	Host string `toml:"host"`
	Port uint16 `toml:"port"`
}

// Config is the daemon's complete static configuration (spec §6).
// Zero values for the tunables mean "use the documented default" — the
// same pattern the teacher pack uses throughout its own *Config
// structs (microbatch.BatcherConfig, longpoll.ChannelConfig).
type Config struct {
	Local      Local      `toml:"local"`
	PathServer PathServer `toml:"path_server"`

	// SegmentTTLSeconds is "segment_ttl" (spec §6), default 300.
	SegmentTTLSeconds int `toml:"segment_ttl"`
	// TimeoutSeconds is "timeout" (spec §6), default 5.
	TimeoutSeconds int `toml:"timeout"`
	// NTokensCheck is "n_tokens_check" (spec §6), default 20.
	NTokensCheck int `toml:"n_tokens_check"`
	// RunLocalAPI is "run_local_api" (spec §6), default false.
	RunLocalAPI bool `toml:"run_local_api"`
	// LocalAPIAddress is "local_api_address" (spec §6), default
	// "127.255.255.254".
	LocalAPIAddress string `toml:"local_api_address"`
}

const (
	DefaultSegmentTTL      = 300 * time.Second
	DefaultTimeout         = 5 * time.Second
	DefaultNTokensCheck    = 20
	DefaultLocalAPIAddress = "127.255.255.254"
	// DefaultLocalAPIPort is sciond's fixed local API port (spec §4.6, §6).
	DefaultLocalAPIPort = 3333
)

// Load reads and parses the TOML config file at path, then applies
// defaults for any unset tunables.
func Load(path string) (*Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadDir loads "sciond.toml" from the given configuration directory
// (spec §6: "a configuration directory containing topology
// definitions").
func LoadDir(dir string) (*Config, error) {
	path := filepath.Join(dir, "sciond.toml")
	if !fileExists(path) {
		return nil, fmt.Errorf("config: no sciond.toml in configuration directory %s", dir)
	}
	return Load(path)
}

func (c *Config) applyDefaults() {
	if c.SegmentTTLSeconds <= 0 {
		c.SegmentTTLSeconds = int(DefaultSegmentTTL / time.Second)
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = int(DefaultTimeout / time.Second)
	}
	if c.NTokensCheck <= 0 {
		c.NTokensCheck = DefaultNTokensCheck
	}
	if c.LocalAPIAddress == "" {
		c.LocalAPIAddress = DefaultLocalAPIAddress
	}
}

func (c *Config) validate() error {
	if c.Local.Host == "" {
		return fmt.Errorf("config: local.host is required")
	}
	if net.ParseIP(c.Local.Host) == nil {
		return fmt.Errorf("config: local.host %q is not a valid IP", c.Local.Host)
	}
	return nil
}

// SegmentTTL is the configured segment TTL as a time.Duration.
func (c *Config) SegmentTTL() time.Duration {
	return time.Duration(c.SegmentTTLSeconds) * time.Second
}

// Timeout is the configured per-call timeout as a time.Duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// fileExists is a small helper used by LoadDir to give a clearer
// error than toml's own "no such file" message when pointed at a
// missing configuration directory.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
