// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package transport implements the connection transport core of a D-Bus
// style message bus endpoint: non-blocking socket I/O, the pre-message
// authentication handshake, and the framing pipeline that sits between an
// application's message queue and the raw byte stream.
package transport

import "errors"

// ErrNoMemory reports that a byte-buffer growth request could not be
// satisfied. Buffer itself never fails to grow in practice (Go's allocator
// panics rather than returning an error), but every caller in this package
// is written as if it could, so that a MaxBytes ceiling — used throughout
// the auth and framing layers to make out-of-memory conditions reproducible
// in tests — has a real, recoverable failure mode instead of a panic.
var ErrNoMemory = errors.New("transport: out of memory")

// Buffer is a growable byte container with stable append/truncate
// semantics. It is handed to producers as a mutable tail region (BorrowTail)
// and to consumers as a read-only view (Bytes). A Buffer is not safe for
// concurrent use; callers serialize access the same way the enclosing
// connection serializes all calls into a transport.
type Buffer struct {
	data     []byte
	MaxBytes int // 0 means unlimited
}

// NewBuffer returns an empty Buffer. maxBytes, if positive, bounds the
// buffer's capacity; BorrowTail fails with ErrNoMemory past that ceiling.
func NewBuffer(maxBytes int) *Buffer {
	return &Buffer{MaxBytes: maxBytes}
}

// Len returns the number of valid bytes currently held.
func (b *Buffer) Len() int { return len(b.data) }

// Bytes returns a read-only view of the buffer's current contents. The
// returned slice is only valid until the next mutating call.
func (b *Buffer) Bytes() []byte { return b.data }

// Reset truncates the buffer to zero length without releasing capacity.
func (b *Buffer) Reset() { b.data = b.data[:0] }

// SetLength truncates or extends the buffer to exactly n bytes. Extending
// zero-fills the new region and is subject to the same MaxBytes ceiling as
// BorrowTail.
func (b *Buffer) SetLength(n int) error {
	if n < 0 {
		return errors.New("transport: negative length")
	}
	if n <= len(b.data) {
		b.data = b.data[:n]
		return nil
	}
	old := len(b.data)
	if _, err := b.BorrowTail(n - old); err != nil {
		return err
	}
	b.data = b.data[:n]
	clear(b.data[old:])
	return nil
}

// AppendBytes appends p to the buffer, growing it as needed.
func (b *Buffer) AppendBytes(p []byte) error {
	tail, err := b.BorrowTail(len(p))
	if err != nil {
		return err
	}
	copy(tail, p)
	return b.ReturnTail(len(p))
}

// BorrowTail grows the buffer's capacity so that at least minBytes of
// uncommitted tail region are available past the current length, and
// returns that region as a mutable slice. The caller must follow up with
// ReturnTail(n) once n bytes (0 <= n <= len(tail)) have actually been
// written into it; until then, Len and Bytes are unaffected.
func (b *Buffer) BorrowTail(minBytes int) ([]byte, error) {
	if minBytes < 0 {
		return nil, errors.New("transport: negative size")
	}
	want := len(b.data) + minBytes
	if b.MaxBytes > 0 && want > b.MaxBytes {
		return nil, ErrNoMemory
	}
	if cap(b.data) < want {
		grown := make([]byte, len(b.data), nextCap(cap(b.data), want))
		copy(grown, b.data)
		b.data = grown
	}
	return b.data[len(b.data):want], nil
}

// ReturnTail commits n bytes of a previously borrowed tail region, advancing
// the buffer's length. n must not exceed the length of the most recent
// BorrowTail call's returned slice.
func (b *Buffer) ReturnTail(n int) error {
	if n < 0 {
		return errors.New("transport: negative size")
	}
	if len(b.data)+n > cap(b.data) {
		return errors.New("transport: ReturnTail exceeds borrowed region")
	}
	b.data = b.data[:len(b.data)+n]
	return nil
}

func nextCap(have, want int) int {
	if have == 0 {
		have = 256
	}
	for have < want {
		have *= 2
	}
	return have
}
