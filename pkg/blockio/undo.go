package blockio

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// UndoMagic identifies an undo log file.
var UndoMagic = [4]byte{'E', '2', 'U', 'N'}

// UndoHeader is the 32-byte structure at the start of an undo log.
type UndoHeader struct {
	Magic       [4]byte
	BlockSize   uint32
	NumKeys     uint64
	SuperOffset uint64
	_           uint64
}

// undoManager wraps an inner Manager. The first write to any block
// copies the block's prior contents to an append-only log so the whole
// session can later be reverted with ApplyUndo.
type undoManager struct {
	inner     Manager
	log       *os.File
	blocksize int
	numKeys   uint64
	saved     map[int64]bool
}

// NewUndo wraps inner so that every overwritten block's original
// contents are preserved in a log file at logPath.
func NewUndo(inner Manager, logPath string) (Manager, error) {

	f, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, err
	}

	m := &undoManager{
		inner:     inner,
		log:       f,
		blocksize: DefaultBlockSize,
		saved:     make(map[int64]bool),
	}

	err = m.writeHeader()
	if err != nil {
		f.Close()
		os.Remove(logPath)
		return nil, err
	}

	return m, nil

}

func (m *undoManager) writeHeader() error {
	hdr := UndoHeader{
		Magic:       UndoMagic,
		BlockSize:   uint32(m.blocksize),
		NumKeys:     m.numKeys,
		SuperOffset: 1024,
	}
	buf := new(bytes.Buffer)
	err := binary.Write(buf, binary.LittleEndian, &hdr)
	if err != nil {
		return err
	}
	_, err = m.log.WriteAt(buf.Bytes(), 0)
	return err
}

// save appends the current contents of count blocks to the log, once
// per block for the life of the session.
func (m *undoManager) save(block int64, count int) error {

	for i := 0; i < count; i++ {

		b := block + int64(i)
		if m.saved[b] {
			continue
		}

		buf := make([]byte, m.blocksize)
		err := m.inner.ReadBlocks(b, 1, buf)
		if err != nil {
			// a block that has never been written reads back as zeros
			if !errors.Is(err, ErrShortRead) {
				return err
			}
			for j := range buf {
				buf[j] = 0
			}
		}

		rec := new(bytes.Buffer)
		_ = binary.Write(rec, binary.LittleEndian, uint64(b))
		_, _ = rec.Write(buf)

		_, err = m.log.Seek(0, io.SeekEnd)
		if err != nil {
			return err
		}
		_, err = m.log.Write(rec.Bytes())
		if err != nil {
			return err
		}

		m.saved[b] = true
		m.numKeys++

	}

	return m.writeHeader()

}

func (m *undoManager) ReadBlocks(block int64, count int, buf []byte) error {
	return m.inner.ReadBlocks(block, count, buf)
}

func (m *undoManager) ReadBytes(offset int64, buf []byte) error {
	return m.inner.ReadBytes(offset, buf)
}

func (m *undoManager) WriteBlocks(block int64, buf []byte) error {
	err := m.save(block, len(buf)/m.blocksize)
	if err != nil {
		return err
	}
	return m.inner.WriteBlocks(block, buf)
}

func (m *undoManager) WriteBytes(offset int64, buf []byte) error {
	first := offset / int64(m.blocksize)
	last := (offset + int64(len(buf)) - 1) / int64(m.blocksize)
	err := m.save(first, int(last-first)+1)
	if err != nil {
		return err
	}
	return m.inner.WriteBytes(offset, buf)
}

func (m *undoManager) SetBlockSize(blocksize int) error {
	if m.numKeys > 0 && blocksize != m.blocksize {
		return fmt.Errorf("cannot change block size once undo records exist")
	}
	m.blocksize = blocksize
	err := m.writeHeader()
	if err != nil {
		return err
	}
	return m.inner.SetBlockSize(blocksize)
}

func (m *undoManager) Flush() error {
	err := m.log.Sync()
	if err != nil {
		return err
	}
	return m.inner.Flush()
}

func (m *undoManager) Close() error {
	err := m.writeHeader()
	if cerr := m.log.Close(); err == nil {
		err = cerr
	}
	if cerr := m.inner.Close(); err == nil {
		err = cerr
	}
	return err
}

// ApplyUndo replays an undo log against a Manager, writing each saved
// block back in reverse order of capture.
func ApplyUndo(logPath string, target Manager) error {

	f, err := os.Open(logPath)
	if err != nil {
		return err
	}
	defer f.Close()

	var hdr UndoHeader
	err = binary.Read(f, binary.LittleEndian, &hdr)
	if err != nil {
		return err
	}
	if hdr.Magic != UndoMagic {
		return fmt.Errorf("%s is not an undo log", logPath)
	}

	blocksize := int64(hdr.BlockSize)
	err = target.SetBlockSize(int(blocksize))
	if err != nil {
		return err
	}

	recSize := 8 + blocksize
	buf := make([]byte, blocksize)

	for i := int64(hdr.NumKeys) - 1; i >= 0; i-- {

		offset := 32 + i*recSize

		var blockNo uint64
		head := make([]byte, 8)
		_, err = f.ReadAt(head, offset)
		if err != nil {
			return err
		}
		blockNo = binary.LittleEndian.Uint64(head)

		_, err = f.ReadAt(buf, offset+8)
		if err != nil {
			return err
		}

		err = target.WriteBlocks(int64(blockNo), buf)
		if err != nil {
			return err
		}

	}

	return target.Flush()

}
