// Package buffer implements a chain-of-chunks byte buffer modeled on the
// classic GWBUF: a Buffer is a linked sequence of refcounted chunks that can
// be split, merged, and extended in place when uniquely owned.
package buffer

import (
	"errors"
	"sync/atomic"
)

// ErrEmptySplit is returned when Split is asked for zero or negative bytes.
var ErrEmptySplit = errors.New("buffer: split length must be positive")

// chunk is one link in the chain. refs is shared by every Buffer that
// still points at this chunk's backing array.
type chunk struct {
	data []byte // full backing array
	off  int    // start of live data within data
	end  int    // end of live data within data (exclusive)
	refs *int32
}

func newChunk(capacity int) *chunk {
	refs := int32(1)
	return &chunk{data: make([]byte, capacity), refs: &refs}
}

func (c *chunk) retain() *chunk {
	atomic.AddInt32(c.refs, 1)
	return c
}

func (c *chunk) unique() bool {
	return atomic.LoadInt32(c.refs) == 1
}

func (c *chunk) length() int { return c.end - c.off }

// Buffer is an ordered sequence of bytes backed by one or more chunks.
// The zero value is an empty, usable Buffer.
type Buffer struct {
	chunks []*chunk
}

// New returns an empty Buffer with no chunks allocated.
func New() *Buffer {
	return &Buffer{}
}

// FromBytes copies b into a single freshly-owned chunk.
func FromBytes(b []byte) *Buffer {
	if len(b) == 0 {
		return New()
	}
	c := newChunk(len(b))
	copy(c.data, b)
	c.end = len(b)
	return &Buffer{chunks: []*chunk{c}}
}

// Length returns the total number of live bytes in the buffer.
func (b *Buffer) Length() int {
	n := 0
	for _, c := range b.chunks {
		n += c.length()
	}
	return n
}

// IsUnique reports whether every chunk in the buffer is held only by this
// Buffer, meaning PrepareToWrite may extend the final chunk in place.
func (b *Buffer) IsUnique() bool {
	for _, c := range b.chunks {
		if !c.unique() {
			return false
		}
	}
	return true
}

// Data returns the buffer's bytes as one contiguous slice, compacting the
// chunk chain into a single chunk first if there is more than one.
func (b *Buffer) Data() []byte {
	if len(b.chunks) == 0 {
		return nil
	}
	if len(b.chunks) == 1 {
		c := b.chunks[0]
		return c.data[c.off:c.end]
	}
	b.compact()
	c := b.chunks[0]
	return c.data[c.off:c.end]
}

// compact merges every chunk into a single freshly-owned chunk.
func (b *Buffer) compact() {
	total := b.Length()
	merged := newChunk(total)
	pos := 0
	for _, c := range b.chunks {
		n := copy(merged.data[pos:], c.data[c.off:c.end])
		pos += n
	}
	merged.end = pos
	b.chunks = []*chunk{merged}
}

// Append copies p onto the end of the buffer as a new chunk; it never
// mutates chunks shared with another Buffer.
func (b *Buffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	c := newChunk(len(p))
	copy(c.data, p)
	c.end = len(p)
	b.chunks = append(b.chunks, c)
}

// PrepareToWrite returns an uninitialized tail slice of at least n bytes
// (more may be returned) that the caller may fill and then commit with
// WriteComplete. When the buffer is uniquely owned and its last chunk has
// spare capacity, the tail is carved out of that chunk in place; otherwise
// a new chunk is appended.
func (b *Buffer) PrepareToWrite(n int) []byte {
	if n <= 0 {
		n = 4096
	}
	if len(b.chunks) > 0 {
		last := b.chunks[len(b.chunks)-1]
		if last.unique() {
			spare := len(last.data) - last.end
			if spare >= n {
				return last.data[last.end : last.end+spare]
			}
		}
	}
	c := newChunk(n)
	b.chunks = append(b.chunks, c)
	return c.data
}

// WriteComplete commits n bytes written into the slice most recently
// returned by PrepareToWrite.
func (b *Buffer) WriteComplete(n int) {
	if len(b.chunks) == 0 || n <= 0 {
		return
	}
	last := b.chunks[len(b.chunks)-1]
	last.end += n
	if last.end > len(last.data) {
		last.end = len(last.data)
	}
}

// Consume discards the first n bytes of the buffer, dropping any chunk
// that becomes fully empty.
func (b *Buffer) Consume(n int) {
	for n > 0 && len(b.chunks) > 0 {
		c := b.chunks[0]
		avail := c.length()
		if n < avail {
			c.off += n
			n = 0
		} else {
			n -= avail
			b.chunks = b.chunks[1:]
		}
	}
}

// Split removes the first n bytes from b and returns them as a new Buffer.
// The returned Buffer shares backing storage with b (copy-on-write via
// refcounting), so no data is copied.
func (b *Buffer) Split(n int) (*Buffer, error) {
	if n <= 0 {
		return nil, ErrEmptySplit
	}
	head := &Buffer{}
	remaining := n
	for remaining > 0 && len(b.chunks) > 0 {
		c := b.chunks[0]
		avail := c.length()
		if remaining >= avail {
			// Whole chunk moves from b to head; the live handle count is
			// unchanged, so no refcount adjustment is needed.
			head.chunks = append(head.chunks, c)
			b.chunks = b.chunks[1:]
			remaining -= avail
		} else {
			// Split this chunk in two: head gets [off, off+remaining), b
			// keeps the rest. One handle becomes two, so bump the shared
			// counter once.
			headPart := &chunk{data: c.data, off: c.off, end: c.off + remaining, refs: c.refs}
			tailPart := &chunk{data: c.data, off: c.off + remaining, end: c.end, refs: c.refs}
			atomic.AddInt32(c.refs, 1)
			head.chunks = append(head.chunks, headPart)
			b.chunks[0] = tailPart
			remaining = 0
		}
	}
	return head, nil
}

// MergeFront prepends other's bytes onto the front of b. other is
// invalidated (its chunks are absorbed into b) and must not be reused.
func (b *Buffer) MergeFront(other *Buffer) {
	if other == nil || len(other.chunks) == 0 {
		return
	}
	b.chunks = append(other.chunks, b.chunks...)
}

// MergeBack appends other's bytes onto the back of b. other is invalidated.
func (b *Buffer) MergeBack(other *Buffer) {
	if other == nil || len(other.chunks) == 0 {
		return
	}
	b.chunks = append(b.chunks, other.chunks...)
}

// Empty reports whether the buffer holds zero live bytes.
func (b *Buffer) Empty() bool {
	return b.Length() == 0
}

// Clone returns a Buffer that shares backing storage with b via the
// refcounting scheme, equivalent to Split(b.Length()) without consuming b.
func (b *Buffer) Clone() *Buffer {
	clone := &Buffer{chunks: make([]*chunk, len(b.chunks))}
	for i, c := range b.chunks {
		clone.chunks[i] = c.retain()
	}
	return clone
}
