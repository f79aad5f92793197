package transport

import (
	"fmt"

	"github.com/coreos/etcd/raft/raftpb"
)

// RaftMessages carries raft messages for one partition between
// nodes. Messages are in raft's protobuf encoding.
type RaftMessages struct {
	PartitionID int      `json:"partitionId"`
	Messages    [][]byte `json:"messages"`
}

type RaftMessagesResponse struct{}

// SnapshotChunkRequest asks for a chunk of a persisted snapshot
type SnapshotChunkRequest struct {
	PartitionID int    `json:"partitionId"`
	SnapshotID  string `json:"snapshotId"`
	Offset      int64  `json:"offset"`
}

// EncodeMessages encodes raft messages for the wire
func EncodeMessages(partitionID int, messages []raftpb.Message) (*RaftMessages, error) {
	encoded := &RaftMessages{PartitionID: partitionID, Messages: make([][]byte, 0, len(messages))}

	for _, message := range messages {
		data, err := message.Marshal()

		if err != nil {
			return nil, fmt.Errorf("could not encode %s message: %w", message.Type, err)
		}

		encoded.Messages = append(encoded.Messages, data)
	}

	return encoded, nil
}

// Decode returns the raft messages
func (messages *RaftMessages) Decode() ([]raftpb.Message, error) {
	decoded := make([]raftpb.Message, 0, len(messages.Messages))

	for _, data := range messages.Messages {
		var message raftpb.Message

		if err := message.Unmarshal(data); err != nil {
			return nil, fmt.Errorf("could not decode raft message: %w", err)
		}

		decoded = append(decoded, message)
	}

	return decoded, nil
}
