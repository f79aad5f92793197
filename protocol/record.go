package protocol

import (
	"fmt"
)

// Position identifies a record in a partition's log. The upper
// bits hold the raft index of the entry containing the record and
// the lower 16 bits the record's offset inside that entry.
type Position uint64

const positionOffsetBits = 16

// MaxRecordsPerEntry bounds the number of records in one batch
const MaxRecordsPerEntry = 1 << positionOffsetBits

// NewPosition returns the position of the record at offset
// inside the entry with this raft index
func NewPosition(index uint64, offset int) Position {
	return Position(index<<positionOffsetBits | uint64(offset))
}

// Index returns the raft index of the entry holding the record
func (position Position) Index() uint64 {
	return uint64(position) >> positionOffsetBits
}

// Offset returns the offset of the record inside its entry
func (position Position) Offset() int {
	return int(uint64(position) & (MaxRecordsPerEntry - 1))
}

func (position Position) String() string {
	return fmt.Sprintf("%d:%d", position.Index(), position.Offset())
}

// RecordType distinguishes commands, events and rejections
type RecordType string

const (
	// Command asks for a state change
	Command RecordType = "COMMAND"
	// Event records a state change that happened
	Event RecordType = "EVENT"
	// CommandRejection records that a command was refused
	CommandRejection RecordType = "COMMAND_REJECTION"
)

// RejectionType classifies rejected commands
type RejectionType string

const (
	RejectionNone            RejectionType = ""
	RejectionNotFound        RejectionType = "NOT_FOUND"
	RejectionInvalidState    RejectionType = "INVALID_STATE"
	RejectionInvalidArgument RejectionType = "INVALID_ARGUMENT"
	RejectionAlreadyExists   RejectionType = "ALREADY_EXISTS"
	RejectionProcessingError RejectionType = "PROCESSING_ERROR"
)

// Record is the unit written to and read from a partition's log.
// Position is assigned from the record's place in the log and is
// not part of the encoded entry. Timestamp is informational only
// and never flows into state.
type Record struct {
	Position        Position      `json:"position"`
	SourcePosition  Position      `json:"sourceRecordPosition"`
	Key             int64         `json:"key"`
	Timestamp       int64         `json:"timestamp"`
	PartitionID     int           `json:"partitionId"`
	RecordType      RecordType    `json:"recordType"`
	ValueType       ValueType     `json:"valueType"`
	Intent          Intent        `json:"intent"`
	RejectionType   RejectionType `json:"rejectionType,omitempty"`
	RejectionReason string        `json:"rejectionReason,omitempty"`
	RequestID       uint64        `json:"requestId,omitempty"`
	RequestNode     uint64        `json:"requestNode,omitempty"`
	Value           Value         `json:"value"`
}

// IsCommand reports whether the record is a command
func (record Record) IsCommand() bool {
	return record.RecordType == Command
}

// IsEvent reports whether the record is an event
func (record Record) IsEvent() bool {
	return record.RecordType == Event
}

func (record Record) String() string {
	return fmt.Sprintf("%s %s %s %s key=%d", record.Position, record.RecordType, record.ValueType, record.Intent, record.Key)
}

// ProcessInstance returns the record's value as a process instance
// record. ok is false for other value types.
func (record Record) ProcessInstance() (value *ProcessInstanceRecord, ok bool) {
	value, ok = record.Value.(*ProcessInstanceRecord)

	return
}

// Job returns the record's value as a job record
func (record Record) Job() (value *JobRecord, ok bool) {
	value, ok = record.Value.(*JobRecord)

	return
}

// Incident returns the record's value as an incident record
func (record Record) Incident() (value *IncidentRecord, ok bool) {
	value, ok = record.Value.(*IncidentRecord)

	return
}
