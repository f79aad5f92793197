package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jrife/grouse/config"
	"github.com/jrife/grouse/exporter"
)

func TestParseOverridesDefaults(t *testing.T) {
	parsed, err := config.Parse([]byte(`
nodeId: 2
directory: /var/lib/grouse
cluster:
  partitionCount: 3
  replicationFactor: 3
  members:
    - nodeId: 1
      address: node-1:26501
    - nodeId: 2
      address: node-2:26501
    - nodeId: 3
      address: node-3:26501
raft:
  tickInterval: 50ms
partition:
  snapshotPeriod: 1m
exporters:
  - id: log
    kind: log
    args:
      level: debug
`))

	if err != nil {
		t.Fatalf("expected no error, got %#v", err)
	}

	expected := config.Default()
	expected.NodeID = 2
	expected.Directory = "/var/lib/grouse"
	expected.Cluster = config.ClusterConfig{
		PartitionCount:    3,
		ReplicationFactor: 3,
		Members: []config.Member{
			{NodeID: 1, Address: "node-1:26501"},
			{NodeID: 2, Address: "node-2:26501"},
			{NodeID: 3, Address: "node-3:26501"},
		},
	}
	expected.Raft.TickInterval = 50 * time.Millisecond
	expected.Partition.SnapshotPeriod = time.Minute
	expected.Exporters = []exporter.Descriptor{{ID: "log", Kind: "log", Args: map[string]string{"level": "debug"}}}

	if diff := cmp.Diff(expected, parsed); diff != "" {
		t.Fatalf("unexpected configuration (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]uint64{1, 2, 3}, parsed.NodeIDs()); diff != "" {
		t.Fatalf("unexpected node ids (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff(map[uint64]string{1: "node-1:26501", 3: "node-3:26501"}, parsed.Peers()); diff != "" {
		t.Fatalf("unexpected peers (-want +got):\n%s", diff)
	}
}

func TestValidate(t *testing.T) {
	testCases := map[string]struct {
		modify func(c *config.Config)
		valid  bool
	}{
		"default": {
			modify: func(c *config.Config) {},
			valid:  true,
		},
		"zero-node-id": {
			modify: func(c *config.Config) { c.NodeID = 0 },
		},
		"replication-exceeds-nodes": {
			modify: func(c *config.Config) { c.Cluster.ReplicationFactor = 2 },
		},
		"in-process-cluster": {
			modify: func(c *config.Config) {
				c.Cluster.InProcessNodes = 3
				c.Cluster.ReplicationFactor = 3
			},
			valid: true,
		},
		"not-a-member": {
			modify: func(c *config.Config) {
				c.Cluster.Members = []config.Member{{NodeID: 7, Address: "a:1"}}
			},
		},
		"duplicate-member": {
			modify: func(c *config.Config) {
				c.Cluster.Members = []config.Member{{NodeID: 1, Address: "a:1"}, {NodeID: 1, Address: "b:1"}}
			},
		},
		"election-tick-too-small": {
			modify: func(c *config.Config) { c.Raft.ElectionTick = 1 },
		},
		"unknown-exporter-kind": {
			modify: func(c *config.Config) {
				c.Exporters = []exporter.Descriptor{{ID: "x", Kind: "kafka"}}
			},
		},
		"duplicate-exporter": {
			modify: func(c *config.Config) {
				c.Exporters = []exporter.Descriptor{{ID: "x", Kind: "log"}, {ID: "x", Kind: "log"}}
			},
		},
		"bad-log-level": {
			modify: func(c *config.Config) { c.Logging.Level = "loud" },
		},
	}

	for name, testCase := range testCases {
		testCase := testCase

		t.Run(name, func(t *testing.T) {
			c := config.Default()
			testCase.modify(&c)
			err := c.Validate()

			if testCase.valid && err != nil {
				t.Fatalf("expected no error, got %#v", err)
			}

			if !testCase.valid && !errors.Is(err, config.ErrInvalid) {
				t.Fatalf("expected %#v, got %#v", config.ErrInvalid, err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grouse.yaml")
	original := config.Default()
	original.Gateway.RESTAddress = ":8080"
	data, err := original.Marshal()

	if err != nil {
		t.Fatalf("expected no error, got %#v", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("expected no error, got %#v", err)
	}

	loaded, err := config.Load(path)

	if err != nil {
		t.Fatalf("expected no error, got %#v", err)
	}

	if diff := cmp.Diff(original, loaded); diff != "" {
		t.Fatalf("unexpected configuration (-want +got):\n%s", diff)
	}

	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected an error for a missing file")
	}
}
