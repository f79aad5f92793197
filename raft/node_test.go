package raft_test

import (
	"path/filepath"
	"testing"

	"github.com/coreos/etcd/raft/raftpb"
	"github.com/jrife/grouse/raft"
	"go.uber.org/zap/zaptest"
)

// drive handles every Ready of a single replica and returns the
// data of the normal entries it committed
func drive(t *testing.T, node *raft.Node) [][]byte {
	t.Helper()

	var committed [][]byte

	for node.HasReady() {
		rd := node.Ready()

		if err := node.Persist(rd); err != nil {
			t.Fatalf("expected err to be nil, got %#v", err)
		}

		for _, entry := range rd.CommittedEntries {
			switch entry.Type {
			case raftpb.EntryConfChange:
				var cc raftpb.ConfChange

				if err := cc.Unmarshal(entry.Data); err != nil {
					t.Fatalf("expected err to be nil, got %#v", err)
				}

				if _, err := node.ApplyConfChange(cc); err != nil {
					t.Fatalf("expected err to be nil, got %#v", err)
				}
			case raftpb.EntryNormal:
				if len(entry.Data) > 0 {
					committed = append(committed, entry.Data)
				}
			}
		}

		node.Advance(rd)
	}

	return committed
}

func TestSingleReplicaCommitsProposals(t *testing.T) {
	storage, store := openStorage(t, filepath.Join(t.TempDir(), "raft.db"))
	defer store.Close()

	node, err := raft.NewNode(raft.Config{ID: 1, Peers: []uint64{1}, Storage: storage, Logger: zaptest.NewLogger(t)})

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	drive(t, node)

	if err := node.Propose([]byte("early")); err != raft.ErrNotLeader {
		t.Fatalf("expected ErrNotLeader before the election, got %#v", err)
	}

	if err := node.Campaign(); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	drive(t, node)

	if !node.IsLeader() || node.Leader() != 1 {
		t.Fatalf("expected the only replica to lead")
	}

	if err := node.Propose([]byte("hello")); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	committed := drive(t, node)

	if len(committed) != 1 || string(committed[0]) != "hello" {
		t.Fatalf("expected the proposal to commit, got %q", committed)
	}

	if node.Commit() < 3 {
		t.Fatalf("expected the commit index to cover the proposal, got %d", node.Commit())
	}

	_, confState, _ := storage.InitialState()

	if len(confState.Nodes) != 1 {
		t.Fatalf("expected the bootstrap membership to be persisted, got %v", confState)
	}
}
