// Package config loads node configuration from TOML files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/vinayprograms/persistkit/cluster"
	"github.com/vinayprograms/persistkit/logging"
)

// BusURLEnv overrides bus.url when set.
const BusURLEnv = "PERSISTKIT_BUS_URL"

// Config is the configuration of one node.
type Config struct {
	Node  NodeConfig  `toml:"node"`
	Bus   BusConfig   `toml:"bus"`
	Store StoreConfig `toml:"store"`
	Log   LogConfig   `toml:"log"`
}

// NodeConfig identifies the local node.
type NodeConfig struct {
	ID   string `toml:"id"`
	Name string `toml:"name"`
}

// BusConfig selects and tunes the message bus.
// An empty URL selects the in-process bus and store.
type BusConfig struct {
	URL            string   `toml:"url"`
	Name           string   `toml:"name"`
	SubjectPrefix  string   `toml:"subject_prefix"`
	Queue          string   `toml:"queue"`
	RequestTimeout Duration `toml:"request_timeout"`
}

// StoreConfig tunes the JetStream KV bucket holding task records.
type StoreConfig struct {
	Bucket  string `toml:"bucket"`
	History int    `toml:"history"`
}

// LogConfig sets the log level.
type LogConfig struct {
	Level string `toml:"level"`
}

// Duration is a time.Duration written as a string ("30s") in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a configuration for a single in-process node.
func Default() *Config {
	return &Config{
		Node: NodeConfig{ID: "node-1"},
		Bus: BusConfig{
			Name:           "persistkit",
			SubjectPrefix:  "persistkit",
			Queue:          "coordinators",
			RequestTimeout: Duration{10 * time.Second},
		},
		Store: StoreConfig{
			Bucket:  "persistent-tasks",
			History: 1,
		},
		Log: LogConfig{Level: "info"},
	}
}

// StandardPaths returns the config file locations in order of priority.
func StandardPaths() []string {
	paths := []string{"persistkit.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "persistkit", "config.toml"))
	}
	return paths
}

// Load loads the first config file found in StandardPaths, or the defaults
// if there is none. The returned path is empty when no file was read.
func Load() (*Config, string, error) {
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err == nil {
			cfg, err := LoadFile(path)
			if err != nil {
				return nil, path, err
			}
			return cfg, path, nil
		}
	}
	cfg := Default()
	cfg.applyEnv()
	return cfg, "", cfg.Validate()
}

// LoadFile loads a config file. Missing keys keep their defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("parse %s: unknown key %q", path, undecoded[0].String())
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a config from TOML text. BusURLEnv applies as for files.
func Parse(data string) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(data, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown key %q", undecoded[0].String())
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if url := os.Getenv(BusURLEnv); url != "" {
		c.Bus.URL = url
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := cluster.ValidateNodeInfo(cluster.NodeInfo{ID: c.Node.ID}); err != nil {
		return fmt.Errorf("node.id: %w", err)
	}
	if c.Bus.SubjectPrefix == "" {
		return fmt.Errorf("bus.subject_prefix is required")
	}
	if c.Bus.RequestTimeout.Duration <= 0 {
		return fmt.Errorf("bus.request_timeout must be positive")
	}
	if c.Store.History < 1 || c.Store.History > 64 {
		return fmt.Errorf("store.history must be between 1 and 64")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// InMemory reports whether the in-process bus and store are selected.
func (c *Config) InMemory() bool {
	return c.Bus.URL == ""
}

// NodeInfo returns the local node identity.
func (c *Config) NodeInfo() cluster.NodeInfo {
	return cluster.NodeInfo{ID: c.Node.ID, Name: c.Node.Name}
}
