package server

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultTimeoutMs = 1000
	defaultDataDir   = "./data"
)

type Config struct {
	Cluster ClusterConfig `yaml:"cluster"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
}

type ClusterConfig struct {
	// TimeoutMs drives the ping interval; the fault monitor runs at 4x
	TimeoutMs int          `yaml:"timeout_ms"`
	Nodes     []PeerConfig `yaml:"nodes"`
}

type PeerConfig struct {
	ID      int    `yaml:"id"`
	Address string `yaml:"address"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

type LogConfig struct {
	// Categories enabled for output, all when empty
	Categories []string `yaml:"categories"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if config.Cluster.TimeoutMs == 0 {
		config.Cluster.TimeoutMs = defaultTimeoutMs
	}

	if config.Storage.DataDir == "" {
		config.Storage.DataDir = defaultDataDir
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	var n = len(c.Cluster.Nodes)
	if n == 0 {
		return fmt.Errorf("cluster.nodes must contain at least one node")
	}

	if c.Cluster.TimeoutMs <= 0 {
		return fmt.Errorf("cluster.timeout_ms must be greater than 0")
	}

	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}

	// operation ids are counter*N + id, so ids have to fill [0, N)
	uniqueIDs := make(map[int]bool)
	for _, node := range c.Cluster.Nodes {
		if node.ID < 0 || node.ID >= n {
			return fmt.Errorf("node id %d out of range [0, %d)", node.ID, n)
		}

		if uniqueIDs[node.ID] {
			return fmt.Errorf("duplicate node ID: %d", node.ID)
		}
		uniqueIDs[node.ID] = true

		if node.Address == "" {
			return fmt.Errorf("node %d: address is required", node.ID)
		}
	}

	for _, name := range c.Log.Categories {
		if _, err := parseCategory(name); err != nil {
			return err
		}
	}

	return nil
}

func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Cluster.TimeoutMs) * time.Millisecond
}

func (c *Config) GetPeers() map[int]string {
	var res = make(map[int]string, len(c.Cluster.Nodes))
	for _, node := range c.Cluster.Nodes {
		res[node.ID] = node.Address
	}
	return res
}

// GetPeerIDs returns every node id, self included, in ascending order
func (c *Config) GetPeerIDs() []int {
	ids := make([]int, len(c.Cluster.Nodes))
	for i, node := range c.Cluster.Nodes {
		ids[i] = node.ID
	}
	sort.Ints(ids)
	return ids
}

func (c *Config) Address(id int) (string, bool) {
	for _, node := range c.Cluster.Nodes {
		if node.ID == id {
			return node.Address, true
		}
	}
	return "", false
}
