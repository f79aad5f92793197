// Package exporter hands the committed records of a partition to
// exporters. Exporters see records in log order and acknowledge the
// positions they are done with. The log is never compacted past the
// lowest acknowledged position.
package exporter

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/jrife/grouse/protocol"
	"go.uber.org/zap"
)

var (
	// ErrUnknownKind is returned for an exporter kind that is not
	// registered
	ErrUnknownKind = errors.New("unknown exporter kind")
)

// Exporter consumes committed records
type Exporter interface {
	// Open prepares the exporter. It is called on the leader before
	// the first record is exported.
	Open(context Context) error
	// Export handles one record. A failed record is handed to the
	// exporter again later.
	Export(record protocol.Record) error
	// Close releases the exporter's resources
	Close() error
}

// Controller lets an exporter acknowledge records
type Controller interface {
	// UpdateLastExportedPosition acknowledges every record up to and
	// including position
	UpdateLastExportedPosition(position protocol.Position)
}

// Context is given to an exporter when it is opened
type Context struct {
	ID          string
	PartitionID int
	Logger      *zap.Logger
	Controller  Controller
}

// Descriptor configures an exporter
type Descriptor struct {
	ID   string            `yaml:"id"`
	Kind string            `yaml:"kind"`
	Args map[string]string `yaml:"args,omitempty"`
}

// Factory creates an exporter from its arguments
type Factory func(args map[string]string) (Exporter, error)

var factories = map[string]Factory{
	"log":  newLogExporterFromArgs,
	"http": newHTTPExporterFromArgs,
}

// Kinds lists the registered exporter kinds
func Kinds() []string {
	kinds := make([]string, 0, len(factories))

	for kind := range factories {
		kinds = append(kinds, kind)
	}

	sort.Strings(kinds)

	return kinds
}

// New creates the exporter a descriptor names
func New(descriptor Descriptor) (Exporter, error) {
	factory, ok := factories[descriptor.Kind]

	if !ok {
		return nil, fmt.Errorf("exporter %s has kind %q: %w", descriptor.ID, descriptor.Kind, ErrUnknownKind)
	}

	exporter, err := factory(descriptor.Args)

	if err != nil {
		return nil, fmt.Errorf("could not create exporter %s: %w", descriptor.ID, err)
	}

	return exporter, nil
}

func intArg(args map[string]string, name string, defaultValue int) (int, error) {
	raw, ok := args[name]

	if !ok || raw == "" {
		return defaultValue, nil
	}

	value, err := strconv.Atoi(raw)

	if err != nil {
		return 0, fmt.Errorf("argument %s: %w", name, err)
	}

	return value, nil
}
