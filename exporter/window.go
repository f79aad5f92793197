package exporter

import (
	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/jrife/grouse/protocol"
)

// recordWindow keeps the newest records it was given. A limit of
// zero or less keeps every record.
type recordWindow struct {
	limit int
	tree  *redblacktree.Tree
}

func newRecordWindow(limit int) *recordWindow {
	return &recordWindow{limit: limit, tree: redblacktree.NewWith(newestFirst)}
}

func newestFirst(a, b interface{}) int {
	x := a.(protocol.Position)
	y := b.(protocol.Position)

	switch {
	case x > y:
		return -1
	case x < y:
		return 1
	}

	return 0
}

// add keeps record unless the window is full and every kept record
// is newer. A full window evicts its oldest record.
func (window *recordWindow) add(record protocol.Record) {
	if window.limit <= 0 || window.tree.Size() < window.limit {
		window.tree.Put(record.Position, record)

		return
	}

	oldest := window.tree.Right()

	if newestFirst(record.Position, oldest.Key) >= 0 {
		return
	}

	window.tree.Remove(oldest.Key)
	window.tree.Put(record.Position, record)
}

// records returns the kept records, newest first
func (window *recordWindow) records() []protocol.Record {
	records := make([]protocol.Record, 0, window.tree.Size())

	for _, value := range window.tree.Values() {
		records = append(records, value.(protocol.Record))
	}

	return records
}
