package protocol

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

var (
	// ErrUnknownValueType is returned when decoding a record whose
	// value type this build does not know
	ErrUnknownValueType = errors.New("unknown value type")
	// ErrBatchTooLarge is returned when a batch holds more records
	// than positions can address inside one entry
	ErrBatchTooLarge = errors.New("batch too large")
)

type recordJSON struct {
	Position        Position        `json:"position"`
	SourcePosition  Position        `json:"sourceRecordPosition"`
	Key             int64           `json:"key"`
	Timestamp       int64           `json:"timestamp"`
	PartitionID     int             `json:"partitionId"`
	RecordType      RecordType      `json:"recordType"`
	ValueType       ValueType       `json:"valueType"`
	Intent          Intent          `json:"intent"`
	RejectionType   RejectionType   `json:"rejectionType,omitempty"`
	RejectionReason string          `json:"rejectionReason,omitempty"`
	RequestID       uint64          `json:"requestId,omitempty"`
	RequestNode     uint64          `json:"requestNode,omitempty"`
	Value           json.RawMessage `json:"value"`
}

// UnmarshalJSON decodes a record, choosing the concrete value
// type from the record's value type
func (record *Record) UnmarshalJSON(data []byte) error {
	var raw recordJSON

	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	value, ok := NewValue(raw.ValueType)

	if !ok {
		return fmt.Errorf("%q: %w", raw.ValueType, ErrUnknownValueType)
	}

	if len(raw.Value) != 0 && string(raw.Value) != "null" {
		if err := json.Unmarshal(raw.Value, value); err != nil {
			return fmt.Errorf("could not decode %s value: %w", raw.ValueType, err)
		}
	}

	*record = Record{
		Position:        raw.Position,
		SourcePosition:  raw.SourcePosition,
		Key:             raw.Key,
		Timestamp:       raw.Timestamp,
		PartitionID:     raw.PartitionID,
		RecordType:      raw.RecordType,
		ValueType:       raw.ValueType,
		Intent:          raw.Intent,
		RejectionType:   raw.RejectionType,
		RejectionReason: raw.RejectionReason,
		RequestID:       raw.RequestID,
		RequestNode:     raw.RequestNode,
		Value:           value,
	}

	return nil
}

// Batch is the payload of one log entry. Every record in the
// batch shares the source position of the command that produced
// it. Commands written by clients have no source position.
type Batch struct {
	SourcePosition Position `json:"sourceRecordPosition"`
	Records        []Record `json:"records"`
}

// EncodeBatch encodes a batch as the data of one raft entry
func EncodeBatch(batch Batch) ([]byte, error) {
	if len(batch.Records) == 0 {
		return nil, errors.New("batch is empty")
	}

	if len(batch.Records) > MaxRecordsPerEntry {
		return nil, fmt.Errorf("%d records: %w", len(batch.Records), ErrBatchTooLarge)
	}

	return json.Marshal(batch)
}

// DecodeBatch decodes the data of the raft entry at index and
// assigns each record its position. Entries without data, such as
// the empty entry a new leader appends, decode to an empty batch.
func DecodeBatch(index uint64, data []byte) (Batch, error) {
	var batch Batch

	if len(data) == 0 {
		return batch, nil
	}

	if err := json.Unmarshal(data, &batch); err != nil {
		return Batch{}, fmt.Errorf("could not decode batch at index %d: %w", index, err)
	}

	if len(batch.Records) > MaxRecordsPerEntry {
		return Batch{}, fmt.Errorf("%d records at index %d: %w", len(batch.Records), index, ErrBatchTooLarge)
	}

	for i := range batch.Records {
		batch.Records[i].Position = NewPosition(index, i)
		batch.Records[i].SourcePosition = batch.SourcePosition
	}

	return batch, nil
}
