package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadClusterValid(t *testing.T) {
	path := writeTemp(t, "cluster.yaml", `
nodes:
  - name: n0
    address: 127.0.0.1:20000
    disks:
      - name: disk0
        path: /data/disk0
  - name: n1
    address: 127.0.0.1:20001
    disks:
      - name: disk0
        path: /data/disk0
distribution_func: mod
vdisks:
  - id: 0
    replicas:
      - node: n0
        disk: disk0
      - node: n1
        disk: disk0
`)
	c, err := LoadCluster(path)
	if err != nil {
		t.Fatalf("LoadCluster: %v", err)
	}
	if len(c.Nodes) != 2 || len(c.VDisks) != 1 {
		t.Fatalf("LoadCluster() = %+v, unexpected shape", c)
	}
}

func TestLoadClusterRejectsUnknownNode(t *testing.T) {
	path := writeTemp(t, "cluster.yaml", `
nodes:
  - name: n0
    address: 127.0.0.1:20000
distribution_func: mod
vdisks:
  - id: 0
    replicas:
      - node: ghost
        disk: disk0
`)
	if _, err := LoadCluster(path); err == nil {
		t.Fatal("LoadCluster should reject a vdisk referencing an unknown node")
	}
}

func TestLoadNodeValidAndDurations(t *testing.T) {
	path := writeTemp(t, "node.yaml", `
local_node_name: n0
cluster_policy: quorum
quorum: 2
operation_timeout: 3s
check_interval: 5s
cleanup_interval: 1m
count_interval: 30s
backend_type: pearl
key_size: 8
pearl:
  max_blob_size: 1073741824
  max_data_in_blob: 100000
  blob_file_name_prefix: bob
  fail_retry_timeout: 100ms
  fail_retry_count: 3
  allow_duplicates: false
  hash_chars_count: 8
  enable_aio: false
  settings:
    root_dir_name: bob
    alien_root_dir_name: alien
    timestamp_period: 24h
    create_pearl_wait_delay: 100ms
open_blobs_soft_limit: 10
open_blobs_hard_limit: 20
init_par_degree: 4
disk_access_par_degree: 4
`)
	n, err := LoadNode(path)
	if err != nil {
		t.Fatalf("LoadNode: %v", err)
	}
	if n.Quorum != 2 {
		t.Errorf("Quorum = %d, want 2", n.Quorum)
	}
	if n.OperationTimeout.Duration.Seconds() != 3 {
		t.Errorf("OperationTimeout = %v, want 3s", n.OperationTimeout.Duration)
	}
	if n.Pearl.Settings.TimestampPeriod.Duration.Hours() != 24 {
		t.Errorf("TimestampPeriod = %v, want 24h", n.Pearl.Settings.TimestampPeriod.Duration)
	}
}

func TestLoadNodeRejectsTimestampPeriodOverAWeek(t *testing.T) {
	path := writeTemp(t, "node.yaml", `
local_node_name: n0
cluster_policy: quorum
quorum: 1
backend_type: in_memory
key_size: 8
pearl:
  settings:
    timestamp_period: 200h
`)
	if _, err := LoadNode(path); err == nil {
		t.Fatal("LoadNode should reject a timestamp_period over one week")
	}
}

func TestLoadNodeRejectsBadKeySize(t *testing.T) {
	path := writeTemp(t, "node.yaml", `
local_node_name: n0
cluster_policy: quorum
quorum: 1
backend_type: in_memory
key_size: 7
`)
	if _, err := LoadNode(path); err == nil {
		t.Fatal("LoadNode should reject an unsupported key_size")
	}
}
