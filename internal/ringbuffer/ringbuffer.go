// Package ringbuffer implements the single-producer/single-consumer,
// memory-mapped, fixed-slot ring used for zero-copy hot-path handoff.
//
// Layout: the backing file is N contiguous fixed-size slots. Each slot holds
// a {len, flags uint32} header followed by up to SlotSize-8 bytes of
// payload. Producer position W and consumer position R are monotonically
// increasing uint64 counters; a slot's index is position mod N. The ring is
// full when W-R >= N and empty when R >= W. W is published with a release
// store after the payload write completes; R is published with a release
// store after the payload read completes. Exactly one goroutine may call
// TryWrite and exactly one (possibly different) goroutine may call
// TryReadWith/Peek.
package ringbuffer

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"

	mmap "github.com/edsrzf/mmap-go"
)

const (
	// SlotSize is the fixed size of each ring slot in bytes.
	SlotSize = 4096
	// Slots is the number of slots mapped by the ring file.
	Slots = 1024
	// headerSize is the size of the {len, flags} header prefixing each slot.
	headerSize = 8
	// MaxPayload is the largest payload TryWrite will accept.
	MaxPayload = SlotSize - headerSize
	// RingSize is the total size of the backing file.
	RingSize = SlotSize * Slots
)

// Ring is a memory-mapped SPSC ring buffer.
type Ring struct {
	file    *os.File
	mapping mmap.MMap
	writePos atomic.Uint64
	readPos  atomic.Uint64
}

// Open creates (or truncates) the file at path to RingSize bytes and maps it
// read-write. W and R both start at zero.
func Open(path string) (*Ring, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("ringbuffer: open %s: %w", path, err)
	}
	if err := f.Truncate(RingSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("ringbuffer: truncate %s: %w", path, err)
	}

	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ringbuffer: mmap %s: %w", path, err)
	}

	return &Ring{file: f, mapping: m}, nil
}

// Close unmaps and closes the backing file.
func (r *Ring) Close() error {
	if err := r.mapping.Unmap(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// WritePosition returns the producer's current position (acquire load).
func (r *Ring) WritePosition() uint64 { return r.writePos.Load() }

// ReadPosition returns the consumer's current position (acquire load).
func (r *Ring) ReadPosition() uint64 { return r.readPos.Load() }

// IsFull reports whether the ring has no free slots.
func (r *Ring) IsFull() bool {
	w := r.writePos.Load()
	r_ := r.readPos.Load()
	return w-r_ >= Slots
}

// IsEmpty reports whether the ring has no unread messages.
func (r *Ring) IsEmpty() bool {
	return r.readPos.Load() >= r.writePos.Load()
}

// TryWrite attempts to write data into the next slot. It returns false
// without blocking if data exceeds MaxPayload or the ring is full; callers
// own their own backpressure policy (spin/yield/drop).
func (r *Ring) TryWrite(data []byte) bool {
	if len(data) > MaxPayload {
		return false
	}
	w := r.writePos.Load()
	if r.IsFull() {
		return false
	}

	slot := int(w % Slots)
	off := slot * SlotSize

	binary.LittleEndian.PutUint32(r.mapping[off:off+4], uint32(len(data)))
	binary.LittleEndian.PutUint32(r.mapping[off+4:off+8], 0) // flags, reserved
	copy(r.mapping[off+headerSize:off+headerSize+len(data)], data)

	r.writePos.Store(w + 1)
	return true
}

// TryReadWith invokes fn with the payload slice of the next unread slot
// without copying it, then advances R. It returns the zero value and false
// if the ring is empty. The slice passed to fn is only valid for the
// duration of the call.
func TryReadWith[T any](r *Ring, fn func([]byte) T) (T, bool) {
	var zero T
	w := r.writePos.Load()
	read := r.readPos.Load()
	if read >= w {
		return zero, false
	}

	slot := int(read % Slots)
	off := slot * SlotSize
	length := binary.LittleEndian.Uint32(r.mapping[off : off+4])
	payload := r.mapping[off+headerSize : off+headerSize+int(length)]

	result := fn(payload)
	r.readPos.Store(read + 1)
	return result, true
}

// TryRead copies and returns the next unread payload, advancing R.
func (r *Ring) TryRead() ([]byte, bool) {
	return TryReadWith(r, func(b []byte) []byte {
		out := make([]byte, len(b))
		copy(out, b)
		return out
	})
}

// Peek copies and returns the next unread payload without advancing R.
func (r *Ring) Peek() ([]byte, bool) {
	w := r.writePos.Load()
	read := r.readPos.Load()
	if read >= w {
		return nil, false
	}
	slot := int(read % Slots)
	off := slot * SlotSize
	length := binary.LittleEndian.Uint32(r.mapping[off : off+4])
	out := make([]byte, length)
	copy(out, r.mapping[off+headerSize:off+headerSize+int(length)])
	return out, true
}
