package snapshot

import (
	"fmt"
)

// ID identifies a snapshot. Index and term are the raft index
// and term of the last log entry reflected in the snapshot.
// ProcessedPosition is the position of the last processed
// command and ExportedPosition the lowest position acknowledged
// by every exporter at the time the snapshot was taken.
type ID struct {
	Index             uint64
	Term              uint64
	ProcessedPosition uint64
	ExportedPosition  uint64
}

// String returns the canonical form of the id which is also
// the name of the snapshot's directory
func (id ID) String() string {
	return fmt.Sprintf("%d-%d-%d-%d", id.Index, id.Term, id.ProcessedPosition, id.ExportedPosition)
}

// ParseID parses the canonical form of an id
func ParseID(s string) (ID, error) {
	var id ID

	n, err := fmt.Sscanf(s, "%d-%d-%d-%d", &id.Index, &id.Term, &id.ProcessedPosition, &id.ExportedPosition)

	if err != nil || n != 4 {
		return ID{}, fmt.Errorf("invalid snapshot id %q", s)
	}

	if id.String() != s {
		return ID{}, fmt.Errorf("invalid snapshot id %q", s)
	}

	return id, nil
}

// Compare orders ids by index, then term, then positions
func (id ID) Compare(other ID) int {
	for _, pair := range [][2]uint64{
		{id.Index, other.Index},
		{id.Term, other.Term},
		{id.ProcessedPosition, other.ProcessedPosition},
		{id.ExportedPosition, other.ExportedPosition},
	} {
		if pair[0] < pair[1] {
			return -1
		} else if pair[0] > pair[1] {
			return 1
		}
	}

	return 0
}
