package frontends

import (
	"net"

	"github.com/jrife/grouse/transport"
	"go.uber.org/zap"
)

// Options define standard options passed to frontends during
// initialization
type Options struct {
	Gateway transport.Gateway
	Raft    transport.RaftService
	// Partitions routes commands between nodes
	Partitions transport.PartitionService
	Logger     *zap.Logger
}

// Frontend exposes a node's services over one protocol
type Frontend interface {
	// Init initializes the frontend. Use this to pass configuration
	// options to the frontend
	Init(options Options) error
	// Listen accepts connections from listener. It must accept one
	// or more calls to Listen. Listen blocks as long as it is
	// accepting connections from this listener. If Listen returns as
	// a result of Stop being called it returns nil.
	Listen(listener net.Listener) error
	// Stop stops processing requests and listening to all listeners.
	// It does not close the listeners.
	Stop() error
}
