// Package lvstream frames a sequence of values as a byte stream. Each
// frame is a header holding the value length and the xxhash of the
// value followed by the value itself.
package lvstream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const headerSize = 12

// MaxValueSize is the largest value a decoder accepts (64 MB)
var MaxValueSize = 64 * 1024 * 1024

var (
	// ErrClosed is returned after a stream was closed
	ErrClosed = errors.New("closed")
	// ErrTruncated is returned when a decoder is closed in the middle
	// of a frame
	ErrTruncated = errors.New("stream ended in the middle of a frame")
	// ErrChecksum is returned for a frame whose value does not match
	// the checksum in its header
	ErrChecksum = errors.New("frame checksum mismatch")
)

func putHeader(header []byte, value []byte) {
	binary.BigEndian.PutUint32(header[:4], uint32(len(value)))
	binary.BigEndian.PutUint64(header[4:], xxhash.Sum64(value))
}

var _ io.ReadCloser = (*Encoder)(nil)

// Encoder turns a sequence of values into framed bytes. nextValue
// returns io.EOF after the last value.
type Encoder struct {
	nextValue func() ([]byte, error)
	cleanup   func()
	header    [headerSize]byte
	// pending holds the unread bytes of the current frame: the rest of
	// the header and then the value
	pending [][]byte
	err     error
}

// NewEncoder creates an encoder. cleanup is called exactly once when
// the stream ends or is closed.
func NewEncoder(nextValue func() ([]byte, error), cleanup func()) *Encoder {
	return &Encoder{nextValue: nextValue, cleanup: cleanup}
}

// Read implements io.Reader
func (encoder *Encoder) Read(p []byte) (int, error) {
	n := 0

	for n < len(p) {
		if encoder.err != nil {
			return n, encoder.err
		}

		if len(encoder.pending) == 0 {
			value, err := encoder.nextValue()

			if err != nil {
				encoder.close(err)

				continue
			}

			putHeader(encoder.header[:], value)
			encoder.pending = [][]byte{encoder.header[:], value}
		}

		c := copy(p[n:], encoder.pending[0])
		n += c

		if encoder.pending[0] = encoder.pending[0][c:]; len(encoder.pending[0]) == 0 {
			encoder.pending = encoder.pending[1:]
		}
	}

	return n, nil
}

func (encoder *Encoder) close(err error) {
	if encoder.err != nil {
		return
	}

	encoder.err = err
	encoder.pending = nil

	if encoder.cleanup != nil {
		encoder.cleanup()
	}
}

// Close implements io.Closer
func (encoder *Encoder) Close() error {
	encoder.close(ErrClosed)

	return nil
}

var _ io.WriteCloser = (*Decoder)(nil)

// Decoder splits framed bytes written to it back into values and
// calls nextValue for each one. The slice passed to nextValue is
// reused after it returns.
type Decoder struct {
	nextValue func([]byte) error
	header    []byte
	value     []byte
	length    int
	checksum  uint64
	inValue   bool
	mu        sync.Mutex
	err       error
}

// NewDecoder creates a decoder
func NewDecoder(nextValue func([]byte) error) *Decoder {
	return &Decoder{nextValue: nextValue, header: make([]byte, 0, headerSize)}
}

// Write implements io.Writer
func (decoder *Decoder) Write(p []byte) (int, error) {
	if err := decoder.error(); err != nil {
		return 0, err
	}

	written := len(p)

	for len(p) > 0 {
		var err error

		if decoder.inValue {
			p, err = decoder.fillValue(p)
		} else {
			p, err = decoder.fillHeader(p)
		}

		if err != nil {
			return 0, decoder.fail(err)
		}
	}

	return written, nil
}

func (decoder *Decoder) fillHeader(p []byte) ([]byte, error) {
	c := min(headerSize-len(decoder.header), len(p))
	decoder.header = append(decoder.header, p[:c]...)

	if len(decoder.header) < headerSize {
		return p[c:], nil
	}

	decoder.length = int(binary.BigEndian.Uint32(decoder.header[:4]))
	decoder.checksum = binary.BigEndian.Uint64(decoder.header[4:])
	decoder.header = decoder.header[:0]

	if decoder.length > MaxValueSize {
		return nil, fmt.Errorf("frame value length is too large: %d > max(%d)", decoder.length, MaxValueSize)
	}

	if cap(decoder.value) < decoder.length {
		decoder.value = make([]byte, 0, decoder.length)
	}

	decoder.value = decoder.value[:0]
	decoder.inValue = true

	if decoder.length == 0 {
		return p[c:], decoder.emit()
	}

	return p[c:], nil
}

func (decoder *Decoder) fillValue(p []byte) ([]byte, error) {
	c := min(decoder.length-len(decoder.value), len(p))
	decoder.value = append(decoder.value, p[:c]...)

	if len(decoder.value) < decoder.length {
		return p[c:], nil
	}

	return p[c:], decoder.emit()
}

func (decoder *Decoder) emit() error {
	decoder.inValue = false

	if xxhash.Sum64(decoder.value) != decoder.checksum {
		return ErrChecksum
	}

	return decoder.nextValue(decoder.value)
}

func (decoder *Decoder) error() error {
	decoder.mu.Lock()
	defer decoder.mu.Unlock()

	return decoder.err
}

func (decoder *Decoder) fail(err error) error {
	decoder.mu.Lock()
	defer decoder.mu.Unlock()

	if decoder.err == nil {
		decoder.err = err
	}

	return decoder.err
}

// Close implements io.Closer. It returns ErrTruncated if the stream
// ended in the middle of a frame.
func (decoder *Decoder) Close() error {
	if err := decoder.error(); err != nil && !errors.Is(err, ErrClosed) {
		return err
	}

	if decoder.inValue || len(decoder.header) != 0 {
		return decoder.fail(ErrTruncated)
	}

	decoder.fail(ErrClosed)

	return nil
}
