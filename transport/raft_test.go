package transport_test

import (
	"testing"

	"github.com/coreos/etcd/raft/raftpb"
	"github.com/google/go-cmp/cmp"
	"github.com/jrife/grouse/transport"
)

func TestRaftMessagesEncoding(t *testing.T) {
	messages := []raftpb.Message{
		{Type: raftpb.MsgHeartbeat, To: 2, From: 1, Term: 3, Commit: 7},
		{
			Type:    raftpb.MsgApp,
			To:      3,
			From:    1,
			Term:    3,
			LogTerm: 3,
			Index:   7,
			Entries: []raftpb.Entry{{Term: 3, Index: 8, Type: raftpb.EntryNormal, Data: []byte("batch")}},
			Commit:  7,
		},
	}

	encoded, err := transport.EncodeMessages(4, messages)

	if err != nil {
		t.Fatalf("expected no error, got %#v", err)
	}

	if encoded.PartitionID != 4 || len(encoded.Messages) != 2 {
		t.Fatalf("unexpected encoding %#v", encoded)
	}

	decoded, err := encoded.Decode()

	if err != nil {
		t.Fatalf("expected no error, got %#v", err)
	}

	if diff := cmp.Diff(messages, decoded); diff != "" {
		t.Fatalf("unexpected messages (-want +got):\n%s", diff)
	}

	corrupt := &transport.RaftMessages{PartitionID: 4, Messages: [][]byte{{0xff, 0xff, 0xff}}}

	if _, err := corrupt.Decode(); err == nil {
		t.Fatalf("expected an error for a corrupt message")
	}
}
