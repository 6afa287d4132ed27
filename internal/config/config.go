// Package config loads and validates node and cluster configuration
// (spec.md §6 "Configuration (enumerated)") from YAML, the way the
// teacher loads its own settings (config_test.go in jpl-au-folio),
// generalised from a handful of flat fields to the full cluster/node
// split a replicated store needs.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML (un)marshaling for the human
// duration strings spec.md §6 calls for ("5s", "10m", ...).
type Duration struct {
	time.Duration
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// ClusterPolicy and DistributionFunc are the only values spec.md §6
// currently enumerates; kept as distinct string types so a config
// typo surfaces as a validation error instead of a silent default.
type ClusterPolicy string

const PolicyQuorum ClusterPolicy = "quorum"

type DistributionFunc string

const DistributionMod DistributionFunc = "mod"

// BackendType selects the storage capability variant (spec.md §6;
// internal/backend).
type BackendType string

const (
	BackendInMemory BackendType = "in_memory"
	BackendStub     BackendType = "stub"
	BackendPearl    BackendType = "pearl"
)

// NodeConfig is one cluster member, as listed in cluster.yaml.
type NodeConfig struct {
	Name    string       `yaml:"name"`
	Address string       `yaml:"address"`
	Disks   []DiskConfig `yaml:"disks"`
}

// DiskConfig names one physical disk a node exposes to the cluster.
type DiskConfig struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// ReplicaConfig pins one vdisk replica to a (node, disk) pair.
type ReplicaConfig struct {
	Node string `yaml:"node"`
	Disk string `yaml:"disk"`
}

// VDiskConfig is one logical shard's replica placement.
type VDiskConfig struct {
	ID       uint32          `yaml:"id"`
	Replicas []ReplicaConfig `yaml:"replicas"`
}

// ClusterConfig is the cluster-wide topology file (cluster.yaml):
// every node, every vdisk, and how keys map to vdisks.
type ClusterConfig struct {
	Nodes            []NodeConfig     `yaml:"nodes"`
	VDisks           []VDiskConfig    `yaml:"vdisks"`
	DistributionFunc DistributionFunc `yaml:"distribution_func"`
}

// PearlConfig configures the on-disk backend variant (spec.md §6
// pearl.*).
type PearlConfig struct {
	MaxBlobSize               int64    `yaml:"max_blob_size"`
	MaxDataInBlob             int64    `yaml:"max_data_in_blob"`
	BlobFileNamePrefix        string   `yaml:"blob_file_name_prefix"`
	FailRetryTimeout          Duration `yaml:"fail_retry_timeout"`
	FailRetryCount            int      `yaml:"fail_retry_count"`
	AlienDisk                 string   `yaml:"alien_disk,omitempty"`
	AllowDuplicates           bool     `yaml:"allow_duplicates"`
	HashCharsCount            int      `yaml:"hash_chars_count"`
	EnableAIO                 bool     `yaml:"enable_aio"`
	BloomFilterMaxBufBitsCount int64   `yaml:"bloom_filter_max_buf_bits_count,omitempty"`
	Settings                  PearlSettings `yaml:"settings"`
}

// PearlSettings is the pearl.settings.* sub-block.
type PearlSettings struct {
	RootDirName      string   `yaml:"root_dir_name"`
	AlienRootDirName string   `yaml:"alien_root_dir_name"`
	TimestampPeriod  Duration `yaml:"timestamp_period"`
	CreatePearlWaitDelay Duration `yaml:"create_pearl_wait_delay"`
}

// NodeRuntimeConfig is the per-process settings file (node.yaml): this
// node's own identity plus every timing/concurrency knob spec.md §6
// lists outside of pearl.*.
type NodeRuntimeConfig struct {
	LocalNodeName   string        `yaml:"local_node_name"`
	ClusterPolicy   ClusterPolicy `yaml:"cluster_policy"`
	Quorum          int           `yaml:"quorum"`
	OperationTimeout Duration     `yaml:"operation_timeout"`
	CheckInterval    Duration     `yaml:"check_interval"`
	CleanupInterval  Duration     `yaml:"cleanup_interval"`
	CountInterval    Duration     `yaml:"count_interval"`
	BackendType      BackendType  `yaml:"backend_type"`
	Pearl            PearlConfig  `yaml:"pearl"`
	OpenBlobsSoftLimit  int       `yaml:"open_blobs_soft_limit"`
	OpenBlobsHardLimit  int       `yaml:"open_blobs_hard_limit"`
	InitParDegree       int       `yaml:"init_par_degree"`
	DiskAccessParDegree int       `yaml:"disk_access_par_degree"`
	MetricsAddress      string    `yaml:"metrics_address"`
	GRPCAddress         string    `yaml:"grpc_address"`
	KeySize             int       `yaml:"key_size"`
	BasicAuthUsername   string    `yaml:"basic_auth_username,omitempty"`
	BasicAuthPassword   string    `yaml:"basic_auth_password,omitempty"`
}

// LoadCluster reads and parses cluster.yaml.
func LoadCluster(path string) (*ClusterConfig, error) {
	var c ClusterConfig
	if err := loadYAML(path, &c); err != nil {
		return nil, err
	}
	if c.DistributionFunc == "" {
		c.DistributionFunc = DistributionMod
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadNode reads and parses node.yaml.
func LoadNode(path string) (*NodeRuntimeConfig, error) {
	var n NodeRuntimeConfig
	if err := loadYAML(path, &n); err != nil {
		return nil, err
	}
	if n.ClusterPolicy == "" {
		n.ClusterPolicy = PolicyQuorum
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return &n, nil
}

func loadYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}

// Validate checks cross-field invariants LoadCluster callers rely on:
// every replica must name a node that actually exists in Nodes, and
// the distribution function must be one this binary implements.
func (c *ClusterConfig) Validate() error {
	if c.DistributionFunc != DistributionMod {
		return fmt.Errorf("config: unsupported distribution_func %q", c.DistributionFunc)
	}
	known := make(map[string]bool, len(c.Nodes))
	for _, n := range c.Nodes {
		known[n.Name] = true
	}
	for _, v := range c.VDisks {
		for _, r := range v.Replicas {
			if !known[r.Node] {
				return fmt.Errorf("config: vdisk %d references unknown node %q", v.ID, r.Node)
			}
		}
	}
	return nil
}

// Validate checks the node runtime config's enumerated fields and a
// handful of invariants that would otherwise surface as a confusing
// panic deep in cluster/backend wiring.
func (n *NodeRuntimeConfig) Validate() error {
	if n.ClusterPolicy != PolicyQuorum {
		return fmt.Errorf("config: unsupported cluster_policy %q", n.ClusterPolicy)
	}
	if n.Quorum < 1 {
		return fmt.Errorf("config: quorum must be >= 1, got %d", n.Quorum)
	}
	switch n.BackendType {
	case BackendInMemory, BackendStub, BackendPearl:
	default:
		return fmt.Errorf("config: unsupported backend_type %q", n.BackendType)
	}
	if n.Pearl.Settings.TimestampPeriod.Duration > 7*24*time.Hour {
		return fmt.Errorf("config: pearl.settings.timestamp_period must be <= 1 week, got %s", n.Pearl.Settings.TimestampPeriod.Duration)
	}
	if n.KeySize != 4 && n.KeySize != 8 && n.KeySize != 16 && n.KeySize != 32 {
		return fmt.Errorf("config: key_size must be one of 4, 8, 16, 32, got %d", n.KeySize)
	}
	return nil
}
