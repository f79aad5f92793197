package broker_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jrife/grouse/broker"
)

func TestNewLayout(t *testing.T) {
	testCases := map[string]struct {
		partitionCount    int
		replicationFactor int
		nodes             []uint64
		layout            broker.Layout
		fail              bool
	}{
		"single-node": {
			partitionCount:    2,
			replicationFactor: 1,
			nodes:             []uint64{1},
			layout:            broker.Layout{1: {1}, 2: {1}},
		},
		"round-robin": {
			partitionCount:    3,
			replicationFactor: 2,
			nodes:             []uint64{1, 2, 3},
			layout:            broker.Layout{1: {1, 2}, 2: {2, 3}, 3: {3, 1}},
		},
		"no-partitions": {
			partitionCount:    0,
			replicationFactor: 1,
			nodes:             []uint64{1},
			fail:              true,
		},
		"replication-exceeds-nodes": {
			partitionCount:    1,
			replicationFactor: 3,
			nodes:             []uint64{1, 2},
			fail:              true,
		},
	}

	for name, testCase := range testCases {
		testCase := testCase

		t.Run(name, func(t *testing.T) {
			layout, err := broker.NewLayout(testCase.partitionCount, testCase.replicationFactor, testCase.nodes)

			if testCase.fail {
				if err == nil {
					t.Fatalf("expected an error")
				}

				return
			}

			if err != nil {
				t.Fatalf("expected no error, got %#v", err)
			}

			if diff := cmp.Diff(testCase.layout, layout); diff != "" {
				t.Fatalf("unexpected layout (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLayoutHosted(t *testing.T) {
	layout, err := broker.NewLayout(3, 2, []uint64{1, 2, 3})

	if err != nil {
		t.Fatalf("expected no error, got %#v", err)
	}

	if diff := cmp.Diff([]int{1, 3}, layout.Hosted(1)); diff != "" {
		t.Fatalf("unexpected partitions (-want +got):\n%s", diff)
	}

	if hosted := layout.Hosted(4); len(hosted) != 0 {
		t.Fatalf("expected node 4 to host nothing, got %v", hosted)
	}
}
