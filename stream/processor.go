// Package stream turns the committed log of a partition into state.
// Followers replay the events of every committed batch. The leader
// additionally processes commands and proposes the resulting batch.
package stream

import (
	"context"
	"errors"
	"fmt"

	etcd_raft "github.com/coreos/etcd/raft"
	"github.com/coreos/etcd/raft/raftpb"
	"github.com/jrife/grouse/engine"
	"github.com/jrife/grouse/engine/state"
	"github.com/jrife/grouse/metrics"
	"github.com/jrife/grouse/protocol"
	"github.com/jrife/grouse/storage/kv"
	"github.com/jrife/grouse/utils/log"
	"go.uber.org/zap"
)

var (
	// ErrNotProcessing is returned when a command is written to a
	// processor that only replays
	ErrNotProcessing = errors.New("processor is not processing commands")
)

// Mode is the phase a processor is in
type Mode int

const (
	// ModeReplay applies the events of committed batches
	ModeReplay Mode = iota
	// ModeProcessing also processes committed commands
	ModeProcessing
	// ModePaused neither applies nor processes anything
	ModePaused
)

func (mode Mode) String() string {
	switch mode {
	case ModeReplay:
		return "replay"
	case ModeProcessing:
		return "processing"
	case ModePaused:
		return "paused"
	}

	return "unknown"
}

// Writer proposes batches to the log
type Writer interface {
	Propose(ctx context.Context, data []byte) error
}

// LogReader reads committed entries from the log, including entries
// a raft snapshot already covers but that are still retained
type LogReader interface {
	ReadEntries(lo, hi, maxSize uint64) ([]raftpb.Entry, error)
}

// Config configures a processor
type Config struct {
	Engine  *engine.Engine
	Store   kv.Store
	Logger  *zap.Logger
	Metrics *metrics.Partition
	// ReplayBatchSize bounds the bytes read from the log at once
	// during recovery
	ReplayBatchSize uint64
}

// Processor applies committed entries to the state of a partition.
// It is not safe for concurrent use: the partition's loop owns it.
type Processor struct {
	engine          *engine.Engine
	store           kv.Store
	logger          *zap.Logger
	metrics         *metrics.Partition
	replayBatchSize uint64
	mode            Mode
	writer          Writer
	// commands committed after the last processed position
	pending []protocol.Record
	// source position of the last batch this processor proposed
	// and of the last result batch that came back committed
	lastWritten   protocol.Position
	lastCommitted protocol.Position
}

// New creates a processor in replay mode
func New(config Config) *Processor {
	processor := &Processor{
		engine:          config.Engine,
		store:           config.Store,
		logger:          log.OrDefault(config.Logger),
		metrics:         config.Metrics,
		replayBatchSize: config.ReplayBatchSize,
		mode:            ModeReplay,
	}

	if processor.replayBatchSize == 0 {
		processor.replayBatchSize = 4 * 1024 * 1024
	}

	return processor
}

// Mode returns the current mode
func (processor *Processor) Mode() Mode {
	return processor.mode
}

// AppliedIndex returns the index of the last entry reflected in the
// state
func (processor *Processor) AppliedIndex() (uint64, error) {
	var index uint64

	err := processor.store.View(func(transaction kv.Transaction) error {
		index = state.New(transaction).AppliedIndex()

		return nil
	})

	return index, err
}

// LastProcessedPosition returns the position of the last command
// reflected in the state
func (processor *Processor) LastProcessedPosition() (protocol.Position, error) {
	var position protocol.Position

	err := processor.store.View(func(transaction kv.Transaction) error {
		position = state.New(transaction).LastProcessedPosition()

		return nil
	})

	return position, err
}

// InFlight reports whether a proposed batch has not come back
// committed yet. The state then contains effects that are not
// committed and must not be snapshotted.
func (processor *Processor) InFlight() bool {
	return processor.lastWritten > processor.lastCommitted
}

// Recover replays the committed entries after the state's applied
// index up to and including index
func (processor *Processor) Recover(ctx context.Context, reader LogReader, index uint64) error {
	logger := log.Operation(ctx, processor.logger, "recover")
	applied, err := processor.AppliedIndex()

	if err != nil {
		return fmt.Errorf("could not read applied index: %w", err)
	}

	if err := processor.collectPending(ctx, reader, applied); err != nil {
		return err
	}

	logger.Info("replaying log", zap.Uint64("from", applied+1), zap.Uint64("to", index), zap.Int("pending", len(processor.pending)))

	for next := applied + 1; next <= index; {
		if err := ctx.Err(); err != nil {
			return err
		}

		entries, err := reader.ReadEntries(next, index+1, processor.replayBatchSize)

		if err != nil {
			return fmt.Errorf("could not read entries [%d, %d]: %w", next, index, err)
		}

		if len(entries) == 0 {
			return fmt.Errorf("log returned no entries at index %d", next)
		}

		if _, err := processor.Apply(ctx, entries); err != nil {
			return err
		}

		next = entries[len(entries)-1].Index + 1
	}

	return nil
}

// collectPending finds the commands committed at or before applied
// that have no result yet. They are in entries after the one holding
// the last processed command.
func (processor *Processor) collectPending(ctx context.Context, reader LogReader, applied uint64) error {
	lastProcessed, err := processor.LastProcessedPosition()

	if err != nil {
		return fmt.Errorf("could not read last processed position: %w", err)
	}

	processor.pending = nil
	next := lastProcessed.Index()

	if next == 0 {
		next = 1
	}

	for next <= applied {
		if err := ctx.Err(); err != nil {
			return err
		}

		entries, err := reader.ReadEntries(next, applied+1, processor.replayBatchSize)

		if errors.Is(err, etcd_raft.ErrCompacted) {
			processor.logger.Warn("commands after the last processed position are no longer retained", zap.Stringer("lastProcessed", lastProcessed), zap.Uint64("from", next))

			return nil
		} else if err != nil {
			return fmt.Errorf("could not read entries [%d, %d]: %w", next, applied, err)
		}

		if len(entries) == 0 {
			return fmt.Errorf("log returned no entries at index %d", next)
		}

		for _, entry := range entries {
			if entry.Type != raftpb.EntryNormal {
				continue
			}

			batch, err := protocol.DecodeBatch(entry.Index, entry.Data)

			if err != nil {
				return err
			}

			if batch.SourcePosition != 0 {
				continue
			}

			for _, record := range batch.Records {
				if record.IsCommand() && record.Position > lastProcessed {
					processor.pending = append(processor.pending, record)
				}
			}
		}

		next = entries[len(entries)-1].Index + 1
	}

	return nil
}

// Apply applies committed entries in order and returns the records
// they contain. In processing mode commands among them are processed
// and the results proposed.
func (processor *Processor) Apply(ctx context.Context, entries []raftpb.Entry) ([]protocol.Record, error) {
	var committed []protocol.Record

	for _, entry := range entries {
		records, err := processor.applyEntry(entry)

		if err != nil {
			return committed, err
		}

		committed = append(committed, records...)

		if processor.mode == ModeProcessing {
			if err := processor.processPending(ctx); err != nil {
				return committed, err
			}
		}
	}

	return committed, nil
}

func (processor *Processor) applyEntry(entry raftpb.Entry) ([]protocol.Record, error) {
	if processor.mode == ModePaused {
		return nil, nil
	}

	var batch protocol.Batch

	if entry.Type == raftpb.EntryNormal {
		var err error

		if batch, err = protocol.DecodeBatch(entry.Index, entry.Data); err != nil {
			return nil, err
		}
	}

	var pending []protocol.Record

	err := processor.store.Update(func(transaction kv.Transaction) error {
		pending = pending[:0]
		st := state.New(transaction)
		lastProcessed := st.LastProcessedPosition()
		replay := batch.SourcePosition == 0 || batch.SourcePosition > lastProcessed

		for _, record := range batch.Records {
			if record.IsCommand() && batch.SourcePosition == 0 {
				if record.Position > lastProcessed {
					pending = append(pending, record)
				}

				continue
			}

			if !replay {
				continue
			}

			if err := processor.engine.Apply(st, record); err != nil {
				return fmt.Errorf("could not apply %s: %w", record, err)
			}
		}

		if batch.SourcePosition != 0 && replay {
			if err := st.SetLastProcessedPosition(batch.SourcePosition); err != nil {
				return err
			}
		}

		return st.SetAppliedIndex(entry.Index)
	})

	if err != nil {
		return nil, err
	}

	processor.pending = append(processor.pending, pending...)

	if batch.SourcePosition != 0 {
		processor.dropPending(batch.SourcePosition)

		if batch.SourcePosition > processor.lastCommitted {
			processor.lastCommitted = batch.SourcePosition
		}
	}

	return batch.Records, nil
}

func (processor *Processor) dropPending(processed protocol.Position) {
	i := 0

	for i < len(processor.pending) && processor.pending[i].Position <= processed {
		i++
	}

	processor.pending = processor.pending[i:]
}

// StartProcessing switches to processing mode and processes every
// committed command that has no result yet
func (processor *Processor) StartProcessing(ctx context.Context, writer Writer) error {
	log.Operation(ctx, processor.logger, "start processing").Info("processing commands", zap.Int("pending", len(processor.pending)))

	processor.writer = writer
	processor.mode = ModeProcessing

	return processor.processPending(ctx)
}

// StopProcessing returns to replay mode. Batches already proposed
// may still commit and are then skipped as already processed.
func (processor *Processor) StopProcessing() {
	processor.writer = nil

	if processor.mode == ModeProcessing {
		processor.mode = ModeReplay
	}
}

// Pause stops applying entries until Resume is called
func (processor *Processor) Pause() {
	processor.StopProcessing()
	processor.mode = ModePaused
}

// Resume returns a paused processor to replay mode
func (processor *Processor) Resume() {
	if processor.mode == ModePaused {
		processor.mode = ModeReplay
	}
}

func (processor *Processor) processPending(ctx context.Context) error {
	for len(processor.pending) > 0 && processor.mode == ModeProcessing {
		command := processor.pending[0]
		processor.pending = processor.pending[1:]

		if err := processor.process(ctx, command); err != nil {
			return err
		}
	}

	return nil
}

// process processes one command in a single transaction. A failure
// rolls the transaction back and writes a processing error instead.
func (processor *Processor) process(ctx context.Context, command protocol.Record) error {
	if processor.writer == nil {
		return ErrNotProcessing
	}

	data, records, err := processor.processInTransaction(command, processor.engine.Process)

	if err != nil {
		if errors.Is(err, kv.ErrClosed) {
			return err
		}

		cause := err
		data, records, err = processor.processInTransaction(command, func(st *state.State, command protocol.Record) ([]protocol.Record, error) {
			return processor.engine.ProcessingError(st, command, cause)
		})

		if err != nil {
			return fmt.Errorf("could not write processing error for %s: %w", command, err)
		}
	}

	for _, record := range records {
		processor.metrics.RecordsProcessed(string(record.RecordType), 1)
	}

	processor.metrics.SetLastProcessedPosition(uint64(command.Position))

	if err := processor.writer.Propose(ctx, data); err != nil {
		return fmt.Errorf("could not propose result of %s: %w", command, err)
	}

	processor.lastWritten = command.Position

	return nil
}

func (processor *Processor) processInTransaction(command protocol.Record, fn func(st *state.State, command protocol.Record) ([]protocol.Record, error)) ([]byte, []protocol.Record, error) {
	var data []byte
	var records []protocol.Record

	err := processor.store.Update(func(transaction kv.Transaction) error {
		st := state.New(transaction)
		var err error

		if records, err = fn(st, command); err != nil {
			return err
		}

		if data, err = protocol.EncodeBatch(protocol.Batch{SourcePosition: command.Position, Records: records}); err != nil {
			return err
		}

		return st.SetLastProcessedPosition(command.Position)
	})

	return data, records, err
}

// Query runs fn against a read-only view of the state
func (processor *Processor) Query(fn func(st *state.State) error) error {
	return processor.store.View(func(transaction kv.Transaction) error {
		return fn(state.New(transaction))
	})
}

// Engine returns the engine the processor drives
func (processor *Processor) Engine() *engine.Engine {
	return processor.engine
}
