// Package config loads the gateway's YAML configuration file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the gateway's full configuration.
type Config struct {
	Node    NodeConfig     `yaml:"node"`
	Cluster ClusterConfig  `yaml:"cluster"`
	Log     LogConfig      `yaml:"log"`
	Metrics MetricsConfig  `yaml:"metrics"`
	Modules []ModuleConfig `yaml:"modules,omitempty"`
}

// NodeConfig identifies this gateway instance.
type NodeConfig struct {
	ID      string `yaml:"id"`
	DataDir string `yaml:"dataDir"`
}

// ClusterConfig configures raft clustering. Disabled means a single
// instance with in-process state.
type ClusterConfig struct {
	Enabled   bool              `yaml:"enabled"`
	Bind      string            `yaml:"bind"`
	API       string            `yaml:"api"`
	Bootstrap bool              `yaml:"bootstrap"`
	Join      string            `yaml:"join,omitempty"`
	Peers     map[string]string `yaml:"peers,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// MetricsConfig configures the metrics endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// ModuleConfig seeds the registry and endpoint table with one module:
// its descriptor file and the base URL its instance listens on.
type ModuleConfig struct {
	ID         string `yaml:"id"`
	URL        string `yaml:"url"`
	Descriptor string `yaml:"descriptor,omitempty"`
}

// Load reads and validates a configuration file, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %v", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %v", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the single-node configuration used when no file is
// given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Node.ID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "okapi-1"
		}
		c.Node.ID = host
	}
	if c.Node.DataDir == "" {
		c.Node.DataDir = "/var/lib/okapi"
	}
	if c.Cluster.Bind == "" {
		c.Cluster.Bind = "127.0.0.1:9300"
	}
	if c.Cluster.API == "" {
		c.Cluster.API = "127.0.0.1:9301"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = ":9090"
	}
}

func (c *Config) validate() error {
	for i, m := range c.Modules {
		if m.ID == "" {
			return fmt.Errorf("modules[%d]: missing id", i)
		}
		if m.URL == "" {
			return fmt.Errorf("module %s: missing url", m.ID)
		}
	}
	if c.Cluster.Enabled && !c.Cluster.Bootstrap && c.Cluster.Join == "" && len(c.Cluster.Peers) == 0 {
		return fmt.Errorf("cluster enabled but neither bootstrap, join nor peers given")
	}
	return nil
}
