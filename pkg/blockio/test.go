package blockio

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import "fmt"

// Op is a recorded backend call.
type Op struct {
	Name   string
	Block  int64
	Count  int
	Offset int64
	Length int
}

// TestManager is a memory-backed Manager that records every call made
// against it, for unit tests.
type TestManager struct {
	blocksize int
	data      map[int64][]byte
	Size      int64 // device size in blocks; 0 means unbounded
	Ops       []Op

	// FailRead and FailWrite inject errors for specific blocks.
	FailRead  map[int64]error
	FailWrite map[int64]error
}

// NewTestManager creates an empty in-memory device. size is in blocks;
// zero means unbounded.
func NewTestManager(size int64) *TestManager {
	return &TestManager{
		blocksize: DefaultBlockSize,
		data:      make(map[int64][]byte),
		Size:      size,
	}
}

func (m *TestManager) record(op Op) {
	m.Ops = append(m.Ops, op)
}

func (m *TestManager) ReadBlocks(block int64, count int, buf []byte) error {
	m.record(Op{Name: "read_blk", Block: block, Count: count})
	for i := 0; i < count; i++ {
		b := block + int64(i)
		if m.Size > 0 && b >= m.Size {
			return fmt.Errorf("block %d beyond device end %d: %w", b, m.Size, ErrShortRead)
		}
		if err := m.FailRead[b]; err != nil {
			return err
		}
		chunk := buf[i*m.blocksize : (i+1)*m.blocksize]
		if stored, ok := m.data[b]; ok {
			copy(chunk, stored)
		} else {
			for j := range chunk {
				chunk[j] = 0
			}
		}
	}
	return nil
}

func (m *TestManager) WriteBlocks(block int64, buf []byte) error {
	count := len(buf) / m.blocksize
	m.record(Op{Name: "write_blk", Block: block, Count: count})
	for i := 0; i < count; i++ {
		b := block + int64(i)
		if m.Size > 0 && b >= m.Size {
			return fmt.Errorf("block %d beyond device end %d: %w", b, m.Size, ErrShortWrite)
		}
		if err := m.FailWrite[b]; err != nil {
			return err
		}
		stored := make([]byte, m.blocksize)
		copy(stored, buf[i*m.blocksize:(i+1)*m.blocksize])
		m.data[b] = stored
	}
	return nil
}

func (m *TestManager) ReadBytes(offset int64, buf []byte) error {
	m.record(Op{Name: "read_byte", Offset: offset, Length: len(buf)})
	for i := range buf {
		o := offset + int64(i)
		b := o / int64(m.blocksize)
		if m.Size > 0 && b >= m.Size {
			return fmt.Errorf("offset %d beyond device end: %w", o, ErrShortRead)
		}
		if stored, ok := m.data[b]; ok {
			buf[i] = stored[o%int64(m.blocksize)]
		} else {
			buf[i] = 0
		}
	}
	return nil
}

func (m *TestManager) WriteBytes(offset int64, buf []byte) error {
	m.record(Op{Name: "write_byte", Offset: offset, Length: len(buf)})
	for i := range buf {
		o := offset + int64(i)
		b := o / int64(m.blocksize)
		if m.Size > 0 && b >= m.Size {
			return fmt.Errorf("offset %d beyond device end: %w", o, ErrShortWrite)
		}
		stored, ok := m.data[b]
		if !ok {
			stored = make([]byte, m.blocksize)
			m.data[b] = stored
		}
		stored[o%int64(m.blocksize)] = buf[i]
	}
	return nil
}

func (m *TestManager) SetBlockSize(blocksize int) error {
	m.record(Op{Name: "set_blksize", Count: blocksize})
	if blocksize == m.blocksize {
		return nil
	}
	// rebuild stored blocks under the new addressing
	old := m.data
	oldbs := m.blocksize
	m.blocksize = blocksize
	m.data = make(map[int64][]byte)
	for b, stored := range old {
		base := b * int64(oldbs)
		for i := 0; i < oldbs; i++ {
			o := base + int64(i)
			nb := o / int64(blocksize)
			chunk, ok := m.data[nb]
			if !ok {
				chunk = make([]byte, blocksize)
				m.data[nb] = chunk
			}
			chunk[o%int64(blocksize)] = stored[i]
		}
	}
	if m.Size > 0 {
		m.Size = m.Size * int64(oldbs) / int64(blocksize)
	}
	return nil
}

// Image renders the device's first n blocks as one contiguous byte
// slice, for tests that compare whole images.
func (m *TestManager) Image(n int64) []byte {
	out := make([]byte, n*int64(m.blocksize))
	for b, stored := range m.data {
		if b >= n {
			continue
		}
		copy(out[b*int64(m.blocksize):], stored)
	}
	return out
}

func (m *TestManager) Flush() error {
	m.record(Op{Name: "flush"})
	return nil
}

func (m *TestManager) Close() error {
	m.record(Op{Name: "close"})
	return nil
}
