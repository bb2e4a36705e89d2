package bitmap

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bytes"
	"fmt"
)

// Kind distinguishes the two allocation bitmaps kept by a file-system.
type Kind int

// Bitmap kinds.
const (
	KindBlock Kind = iota
	KindInode
)

func (k Kind) String() string {
	if k == KindInode {
		return "inode"
	}
	return "block"
}

// RangeError is returned when a bitmap operation falls outside the
// bitmap's valid range.
type RangeError struct {
	Kind        Kind
	Description string
	Bit         uint64
	Start       uint64
	End         uint64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("illegal %s number %d outside of range [%d, %d] (%s)",
		e.Kind, e.Bit, e.Start, e.End, e.Description)
}

type backend interface {
	test(n uint64) bool
	mark(n uint64)
	unmark(n uint64)
	markRange(start, length uint64)
	unmarkRange(start, length uint64)
	testRange(start, length uint64) bool
	clear()
	resize(bits uint64)
	equal(other backend, bits uint64) bool
}

// Bitmap is a bit array covering the inclusive range [Start, End], with
// optional scratch slack up to RealEnd. Bits are packed little-endian
// so the in-memory representation matches the on-disk ext layout.
type Bitmap struct {
	kind        Kind
	description string
	start       uint64
	end         uint64
	realEnd     uint64
	backend     backend
}

// New creates a dense bitmap covering [start, end].
func New(kind Kind, start, end uint64, description string) *Bitmap {
	b := &Bitmap{
		kind:        kind,
		description: description,
		start:       start,
		end:         end,
		realEnd:     end,
	}
	b.backend = newDense(b.bits())
	return b
}

// NewSlack creates a dense bitmap covering [start, end] with scratch
// space available through realEnd.
func NewSlack(kind Kind, start, end, realEnd uint64, description string) *Bitmap {
	if realEnd < end {
		realEnd = end
	}
	b := &Bitmap{
		kind:        kind,
		description: description,
		start:       start,
		end:         end,
		realEnd:     realEnd,
	}
	b.backend = newDense(b.bits())
	return b
}

// New64 creates a bitmap backed by a red-black tree of extents. It has
// the same semantics as a dense bitmap but stays compact for the very
// sparse bitmaps of file-systems beyond 2^32 blocks.
func New64(kind Kind, start, end uint64, description string) *Bitmap {
	b := &Bitmap{
		kind:        kind,
		description: description,
		start:       start,
		end:         end,
		realEnd:     end,
	}
	b.backend = newRBTree()
	return b
}

func (b *Bitmap) bits() uint64 {
	return b.realEnd - b.start + 1
}

// Start returns the first valid bit number.
func (b *Bitmap) Start() uint64 { return b.start }

// End returns the last valid bit number.
func (b *Bitmap) End() uint64 { return b.end }

// RealEnd returns the last bit number including scratch slack.
func (b *Bitmap) RealEnd() uint64 { return b.realEnd }

// Description returns the label given to the bitmap at creation.
func (b *Bitmap) Description() string { return b.description }

func (b *Bitmap) rangeErr(n uint64) error {
	return &RangeError{
		Kind:        b.kind,
		Description: b.description,
		Bit:         n,
		Start:       b.start,
		End:         b.end,
	}
}

// Test reports whether bit n is set. Testing outside [Start, End] is an
// error.
func (b *Bitmap) Test(n uint64) (bool, error) {
	if n < b.start || n > b.end {
		return false, b.rangeErr(n)
	}
	return b.backend.test(n - b.start), nil
}

// Mark sets bit n. Marking beyond End but within the scratch slack is
// permitted.
func (b *Bitmap) Mark(n uint64) error {
	if n < b.start || n > b.realEnd {
		return b.rangeErr(n)
	}
	b.backend.mark(n - b.start)
	return nil
}

// Unmark clears bit n.
func (b *Bitmap) Unmark(n uint64) error {
	if n < b.start || n > b.realEnd {
		return b.rangeErr(n)
	}
	b.backend.unmark(n - b.start)
	return nil
}

func (b *Bitmap) checkRange(start, length uint64) error {
	if length == 0 {
		return nil
	}
	if start < b.start || start+length-1 > b.realEnd || start+length < start {
		return b.rangeErr(start + length - 1)
	}
	return nil
}

// TestRange reports whether every bit in [start, start+length) is set.
func (b *Bitmap) TestRange(start, length uint64) (bool, error) {
	if err := b.checkRange(start, length); err != nil {
		return false, err
	}
	if length == 0 {
		return true, nil
	}
	return b.backend.testRange(start-b.start, length), nil
}

// MarkRange sets every bit in [start, start+length).
func (b *Bitmap) MarkRange(start, length uint64) error {
	if err := b.checkRange(start, length); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	b.backend.markRange(start-b.start, length)
	return nil
}

// UnmarkRange clears every bit in [start, start+length).
func (b *Bitmap) UnmarkRange(start, length uint64) error {
	if err := b.checkRange(start, length); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	b.backend.unmarkRange(start-b.start, length)
	return nil
}

// Resize adjusts the logical and real end of the bitmap. Growth is
// zero-filled; shrinking discards bits beyond the new real end.
func (b *Bitmap) Resize(newEnd, newRealEnd uint64) error {
	if newRealEnd < newEnd {
		newRealEnd = newEnd
	}
	if newEnd < b.start {
		return b.rangeErr(newEnd)
	}
	b.end = newEnd
	b.realEnd = newRealEnd
	b.backend.resize(b.bits())
	return nil
}

// Clear zeroes the entire bitmap.
func (b *Bitmap) Clear() {
	b.backend.clear()
}

// Equal reports whether two bitmaps cover the same range with the same
// bits set. Scratch slack does not participate in the comparison.
func Equal(a, b *Bitmap) bool {
	if a.start != b.start || a.end != b.end {
		return false
	}
	return a.backend.equal(b.backend, a.end-a.start+1)
}

// Bytes encodes the live range of the bitmap into the packed
// little-endian on-disk byte layout. Bits beyond End are padded with
// ones, matching the convention for trailing bits in the final group.
func (b *Bitmap) Bytes(size int) []byte {
	out := make([]byte, size)
	live := b.end - b.start + 1
	for i := uint64(0); i < live && int(i/8) < size; i++ {
		if b.backend.test(i) {
			out[i/8] |= 1 << (i % 8)
		}
	}
	for i := live; int(i/8) < size; i++ {
		out[i/8] |= 1 << (i % 8)
	}
	return out
}

// SetBytes loads packed little-endian bytes into the live range of the
// bitmap.
func (b *Bitmap) SetBytes(data []byte) {
	live := b.end - b.start + 1
	for i := uint64(0); i < live && int(i/8) < len(data); i++ {
		if data[i/8]&(1<<(i%8)) != 0 {
			b.backend.mark(i)
		} else {
			b.backend.unmark(i)
		}
	}
}

// dense is the default backend: a packed little-endian bit array.
type dense struct {
	buf []byte
}

func newDense(bits uint64) *dense {
	return &dense{buf: make([]byte, (bits+7)/8)}
}

func (d *dense) test(n uint64) bool {
	i := n / 8
	if i >= uint64(len(d.buf)) {
		return false
	}
	return d.buf[i]&(1<<(n%8)) != 0
}

func (d *dense) mark(n uint64) {
	d.buf[n/8] |= 1 << (n % 8)
}

func (d *dense) unmark(n uint64) {
	d.buf[n/8] &^= 1 << (n % 8)
}

func (d *dense) markRange(start, length uint64) {
	for n := start; n < start+length; n++ {
		d.mark(n)
	}
}

func (d *dense) unmarkRange(start, length uint64) {
	for n := start; n < start+length; n++ {
		d.unmark(n)
	}
}

func (d *dense) testRange(start, length uint64) bool {
	for n := start; n < start+length; n++ {
		if !d.test(n) {
			return false
		}
	}
	return true
}

func (d *dense) clear() {
	for i := range d.buf {
		d.buf[i] = 0
	}
}

func (d *dense) resize(bits uint64) {
	size := (bits + 7) / 8
	if size <= uint64(cap(d.buf)) {
		old := uint64(len(d.buf))
		d.buf = d.buf[:size]
		for i := old; i < size; i++ {
			d.buf[i] = 0
		}
		// clear any stale partial-byte bits beyond the new length
		if rem := bits % 8; rem != 0 && size > 0 {
			d.buf[size-1] &= byte(1)<<rem - 1
		}
		return
	}
	buf := make([]byte, size)
	copy(buf, d.buf)
	d.buf = buf
}

func (d *dense) equal(other backend, bits uint64) bool {
	o, ok := other.(*dense)
	if !ok {
		for n := uint64(0); n < bits; n++ {
			if d.test(n) != other.test(n) {
				return false
			}
		}
		return true
	}
	whole := bits / 8
	if int(whole) <= len(d.buf) && int(whole) <= len(o.buf) {
		if !bytes.Equal(d.buf[:whole], o.buf[:whole]) {
			return false
		}
	}
	for n := whole * 8; n < bits; n++ {
		if d.test(n) != o.test(n) {
			return false
		}
	}
	return true
}
