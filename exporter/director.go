package exporter

import (
	"context"
	"fmt"

	"github.com/coreos/etcd/raft/raftpb"
	"github.com/emirpasic/gods/maps/treemap"
	"github.com/jrife/grouse/metrics"
	"github.com/jrife/grouse/protocol"
	"github.com/jrife/grouse/utils/log"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// EntryReader reads entries from the log including entries a raft
// snapshot already covers
type EntryReader interface {
	ReadEntries(lo, hi, maxSize uint64) ([]raftpb.Entry, error)
}

// Named is an exporter along with its id
type Named struct {
	ID       string
	Exporter Exporter
}

// DirectorConfig configures a director
type DirectorConfig struct {
	PartitionID int
	Exporters   []Named
	Logger      *zap.Logger
	Metrics     *metrics.Partition
}

type container struct {
	id       string
	exporter Exporter
	// last position handed to the exporter
	handed protocol.Position
	// last position the exporter acknowledged
	acknowledged protocol.Position
	// records that failed and are retried first
	backlog []protocol.Record
	open    bool
}

func (c *container) UpdateLastExportedPosition(position protocol.Position) {
	if position > c.acknowledged {
		c.acknowledged = position
	}
}

// Director runs the exporters of a partition on its leader. It is
// not safe for concurrent use: the partition's loop owns it.
type Director struct {
	partitionID int
	logger      *zap.Logger
	metrics     *metrics.Partition
	// exporter id -> *container, iterated in id order
	containers *treemap.Map
}

// NewDirector creates a director for exporters
func NewDirector(config DirectorConfig) *Director {
	director := &Director{
		partitionID: config.PartitionID,
		logger:      log.OrDefault(config.Logger).With(zap.String("component", "exporters")),
		metrics:     config.Metrics,
		containers:  treemap.NewWithStringComparator(),
	}

	for _, named := range config.Exporters {
		director.containers.Put(named.ID, &container{id: named.ID, exporter: named.Exporter})
	}

	return director
}

func (director *Director) each(fn func(c *container) error) error {
	var err error

	director.containers.Each(func(key interface{}, value interface{}) {
		err = multierr.Append(err, fn(value.(*container)))
	})

	return err
}

// Open opens every exporter. positions holds the acknowledged
// position of each exporter known from the state. Exporters start
// after their acknowledged position.
func (director *Director) Open(ctx context.Context, positions map[string]protocol.Position) error {
	logger := log.Operation(ctx, director.logger, "open")

	return director.each(func(c *container) error {
		c.acknowledged = positions[c.id]
		c.handed = c.acknowledged
		c.backlog = nil

		err := c.exporter.Open(Context{
			ID:          c.id,
			PartitionID: director.partitionID,
			Logger:      director.logger.With(zap.String("exporter", c.id)),
			Controller:  c,
		})

		if err != nil {
			return fmt.Errorf("could not open exporter %s: %w", c.id, err)
		}

		c.open = true
		logger.Info("opened exporter", zap.String("exporter", c.id), zap.Stringer("position", c.acknowledged))

		return nil
	})
}

// Export hands committed records to every exporter that has not
// seen them yet
func (director *Director) Export(records []protocol.Record) {
	director.each(func(c *container) error {
		if !c.open {
			return nil
		}

		c.backlog = director.export(c, append(c.backlog, records...))

		return nil
	})
}

// export hands records to one exporter and returns the records that
// still need to be handed to it
func (director *Director) export(c *container, records []protocol.Record) []protocol.Record {
	exported := 0

	for i, record := range records {
		if record.Position <= c.handed {
			continue
		}

		if err := c.exporter.Export(record); err != nil {
			director.logger.Warn("could not export record", zap.String("exporter", c.id), zap.Stringer("record", record), zap.Error(err))
			director.metrics.RecordsExported(c.id, exported)

			return append([]protocol.Record(nil), records[i:]...)
		}

		c.handed = record.Position
		exported++
	}

	director.metrics.RecordsExported(c.id, exported)

	return nil
}

// CatchUp exports the records committed before the director opened,
// from the lowest acknowledged position up to and including the
// entry at index
func (director *Director) CatchUp(ctx context.Context, reader EntryReader, index uint64) error {
	lowest, ok := director.lowestHanded()

	if !ok {
		return nil
	}

	next := lowest.Index()

	if next == 0 {
		next = 1
	}

	for next <= index {
		if err := ctx.Err(); err != nil {
			return err
		}

		entries, err := reader.ReadEntries(next, index+1, 4*1024*1024)

		if err != nil {
			return fmt.Errorf("could not read entries [%d, %d] for exporters: %w", next, index, err)
		}

		if len(entries) == 0 {
			return nil
		}

		for _, entry := range entries {
			if entry.Type != raftpb.EntryNormal {
				continue
			}

			batch, err := protocol.DecodeBatch(entry.Index, entry.Data)

			if err != nil {
				return err
			}

			director.Export(batch.Records)
		}

		next = entries[len(entries)-1].Index + 1
	}

	return nil
}

func (director *Director) lowestHanded() (protocol.Position, bool) {
	var lowest protocol.Position
	found := false

	director.each(func(c *container) error {
		if c.open && (!found || c.handed < lowest) {
			lowest = c.handed
			found = true
		}

		return nil
	})

	return lowest, found
}

// Positions returns the acknowledged position of every exporter
func (director *Director) Positions() map[string]protocol.Position {
	positions := map[string]protocol.Position{}

	director.each(func(c *container) error {
		positions[c.id] = c.acknowledged

		return nil
	})

	return positions
}

// LowestPosition returns the lowest position acknowledged by every
// exporter. ok is false without exporters.
func (director *Director) LowestPosition() (position protocol.Position, ok bool) {
	return LowestPosition(director.Positions())
}

// LowestPosition returns the lowest of the acknowledged positions
func LowestPosition(positions map[string]protocol.Position) (protocol.Position, bool) {
	var lowest protocol.Position
	found := false

	for _, position := range positions {
		if !found || position < lowest {
			lowest = position
			found = true
		}
	}

	return lowest, found
}

// Close closes every open exporter
func (director *Director) Close() error {
	return director.each(func(c *container) error {
		if !c.open {
			return nil
		}

		c.open = false

		if err := c.exporter.Close(); err != nil {
			return fmt.Errorf("could not close exporter %s: %w", c.id, err)
		}

		return nil
	})
}
