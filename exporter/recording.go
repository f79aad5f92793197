package exporter

import (
	"sync"

	"github.com/jrife/grouse/protocol"
)

// Recording is an exporter that keeps every record it sees in
// memory. Each test or cluster owns its own recording.
type Recording struct {
	mu      sync.Mutex
	records []protocol.Record
	changed chan struct{}
	context Context
}

// NewRecording creates an empty recording
func NewRecording() *Recording {
	return &Recording{changed: make(chan struct{})}
}

// Open implements Exporter.Open
func (recording *Recording) Open(context Context) error {
	recording.mu.Lock()
	defer recording.mu.Unlock()

	recording.context = context

	return nil
}

// Export implements Exporter.Export. Records are acknowledged as
// soon as they are recorded.
func (recording *Recording) Export(record protocol.Record) error {
	recording.mu.Lock()
	recording.records = append(recording.records, record)
	close(recording.changed)
	recording.changed = make(chan struct{})
	controller := recording.context.Controller
	recording.mu.Unlock()

	if controller != nil {
		controller.UpdateLastExportedPosition(record.Position)
	}

	return nil
}

// Close implements Exporter.Close
func (recording *Recording) Close() error {
	return nil
}

// Records returns a copy of the records recorded so far
func (recording *Recording) Records() []protocol.Record {
	recording.mu.Lock()
	defer recording.mu.Unlock()

	return append([]protocol.Record(nil), recording.records...)
}

// Filter returns the recorded records matching fn
func (recording *Recording) Filter(fn func(record protocol.Record) bool) []protocol.Record {
	var matching []protocol.Record

	for _, record := range recording.Records() {
		if fn(record) {
			matching = append(matching, record)
		}
	}

	return matching
}

// Changed returns a channel that is closed when the next record is
// recorded
func (recording *Recording) Changed() <-chan struct{} {
	recording.mu.Lock()
	defer recording.mu.Unlock()

	return recording.changed
}

// Reset forgets every recorded record
func (recording *Recording) Reset() {
	recording.mu.Lock()
	defer recording.mu.Unlock()

	recording.records = nil
}
