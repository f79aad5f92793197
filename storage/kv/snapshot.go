package kv

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/jrife/grouse/utils/lvstream"
	bolt "go.etcd.io/bbolt"
)

// A snapshot is an lvstream of steps. Each step is one of
//
//	[stepBegin][name]              enter nested bucket
//	[stepPair][len(key)][key][value] key-value pair in current bucket
//	[stepEnd]                      leave current bucket
//
// Root level buckets are entered without a matching parent.
const (
	stepBegin byte = 'b'
	stepPair  byte = 'k'
	stepEnd   byte = 'e'
)

type step struct {
	kind  byte
	key   []byte
	value []byte
}

type frame struct {
	name    []byte
	bucket  *bolt.Bucket
	cursor  *bolt.Cursor
	started bool
}

// walker performs a depth-first traversal of every bucket
// reachable from a transaction in key order.
type walker struct {
	transaction *bolt.Tx
	stack       []*frame
}

func newWalker(transaction *bolt.Tx) *walker {
	return &walker{
		transaction: transaction,
		stack:       []*frame{{cursor: transaction.Cursor()}},
	}
}

func (walker *walker) path() []string {
	path := make([]string, 0, len(walker.stack)-1)

	for _, frame := range walker.stack[1:] {
		path = append(path, string(frame.name))
	}

	return path
}

func (walker *walker) next() (step, bool) {
	for len(walker.stack) > 0 {
		top := walker.stack[len(walker.stack)-1]

		var k, v []byte

		if !top.started {
			k, v = top.cursor.First()
			top.started = true
		} else {
			k, v = top.cursor.Next()
		}

		if k == nil {
			walker.stack = walker.stack[:len(walker.stack)-1]

			if len(walker.stack) == 0 {
				return step{}, false
			}

			return step{kind: stepEnd}, true
		}

		if v == nil {
			var child *bolt.Bucket

			if top.bucket == nil {
				child = walker.transaction.Bucket(k)
			} else {
				child = top.bucket.Bucket(k)
			}

			walker.stack = append(walker.stack, &frame{name: k, bucket: child, cursor: child.Cursor()})

			return step{kind: stepBegin, key: k}, true
		}

		return step{kind: stepPair, key: k, value: v}, true
	}

	return step{}, false
}

func encodeStep(s step) []byte {
	switch s.kind {
	case stepBegin:
		return append([]byte{stepBegin}, s.key...)
	case stepEnd:
		return []byte{stepEnd}
	}

	encoded := make([]byte, 1+4+len(s.key)+len(s.value))
	encoded[0] = stepPair
	binary.BigEndian.PutUint32(encoded[1:5], uint32(len(s.key)))
	copy(encoded[5:], s.key)
	copy(encoded[5+len(s.key):], s.value)

	return encoded
}

func decodeStep(encoded []byte) (step, error) {
	if len(encoded) == 0 {
		return step{}, fmt.Errorf("empty snapshot step")
	}

	switch encoded[0] {
	case stepBegin:
		return step{kind: stepBegin, key: encoded[1:]}, nil
	case stepEnd:
		return step{kind: stepEnd}, nil
	case stepPair:
		if len(encoded) < 5 {
			return step{}, fmt.Errorf("snapshot pair is too short: %d bytes", len(encoded))
		}

		keyLength := int(binary.BigEndian.Uint32(encoded[1:5]))

		if 5+keyLength > len(encoded) {
			return step{}, fmt.Errorf("snapshot pair key length %d exceeds pair size %d", keyLength, len(encoded))
		}

		return step{kind: stepPair, key: encoded[5 : 5+keyLength], value: encoded[5+keyLength:]}, nil
	}

	return step{}, fmt.Errorf("unknown snapshot step %q", encoded[0])
}

func newSnapshotEncoder(ctx context.Context, walker *walker, cleanup func()) *lvstream.Encoder {
	return lvstream.NewEncoder(func() ([]byte, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		s, ok := walker.next()

		if !ok {
			return nil, io.EOF
		}

		return encodeStep(s), nil
	}, cleanup)
}

func applySnapshot(ctx context.Context, transaction *bolt.Tx, snap io.Reader) error {
	var stack []*bolt.Bucket

	decoder := lvstream.NewDecoder(func(encoded []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		s, err := decodeStep(encoded)

		if err != nil {
			return err
		}

		switch s.kind {
		case stepBegin:
			var bucket *bolt.Bucket

			if len(stack) == 0 {
				bucket, err = transaction.CreateBucket(append([]byte{}, s.key...))
			} else {
				bucket, err = stack[len(stack)-1].CreateBucket(append([]byte{}, s.key...))
			}

			if err != nil {
				return fmt.Errorf("could not create bucket %q: %w", s.key, err)
			}

			stack = append(stack, bucket)
		case stepEnd:
			if len(stack) == 0 {
				return fmt.Errorf("unbalanced bucket end in snapshot")
			}

			stack = stack[:len(stack)-1]
		case stepPair:
			if len(stack) == 0 {
				return fmt.Errorf("key %q outside of any bucket in snapshot", s.key)
			}

			// bbolt keeps references to key and value until commit
			if err := stack[len(stack)-1].Put(append([]byte{}, s.key...), append([]byte{}, s.value...)); err != nil {
				return fmt.Errorf("could not put key %q: %w", s.key, err)
			}
		}

		return nil
	})

	if _, err := io.Copy(decoder, snap); err != nil {
		return fmt.Errorf("could not read snapshot: %w", err)
	}

	if err := decoder.Close(); err != nil {
		return fmt.Errorf("could not read snapshot: %w", err)
	}

	if len(stack) != 0 {
		return fmt.Errorf("snapshot ended inside %d open buckets", len(stack))
	}

	return nil
}
