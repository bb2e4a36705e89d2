package blockio

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// rawManager performs positioned reads and writes against an open file
// or block device.
type rawManager struct {
	f         *os.File
	blocksize int
	writable  bool
}

// OpenRaw opens a device or image file as a Manager. Writable opens
// take an exclusive advisory lock on the file; a conflicting holder
// yields ErrBusy.
func OpenRaw(path string, writable bool) (Manager, error) {

	flags := os.O_RDONLY
	if writable {
		flags = os.O_RDWR
	}

	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, err
	}

	how := unix.LOCK_SH | unix.LOCK_NB
	if writable {
		how = unix.LOCK_EX | unix.LOCK_NB
	}
	err = unix.Flock(int(f.Fd()), how)
	if err == unix.EWOULDBLOCK || err == unix.EAGAIN {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, ErrBusy)
	}
	if err != nil {
		// not all backing stores support flock; carry on without it
		err = nil
	}

	return &rawManager{
		f:         f,
		blocksize: DefaultBlockSize,
		writable:  writable,
	}, nil

}

func (m *rawManager) ReadBlocks(block int64, count int, buf []byte) error {
	return m.ReadBytes(block*int64(m.blocksize), buf[:count*m.blocksize])
}

func (m *rawManager) ReadBytes(offset int64, buf []byte) error {
	n, err := m.f.ReadAt(buf, offset)
	if n == len(buf) {
		return nil
	}
	if err == nil || err == io.EOF {
		return fmt.Errorf("block %d, %d of %d bytes: %w", offset/int64(m.blocksize), n, len(buf), ErrShortRead)
	}
	return err
}

func (m *rawManager) WriteBlocks(block int64, buf []byte) error {
	return m.WriteBytes(block*int64(m.blocksize), buf)
}

func (m *rawManager) WriteBytes(offset int64, buf []byte) error {
	n, err := m.f.WriteAt(buf, offset)
	if err != nil {
		return err
	}
	if n < len(buf) {
		return fmt.Errorf("block %d, %d of %d bytes: %w", offset/int64(m.blocksize), n, len(buf), ErrShortWrite)
	}
	return nil
}

func (m *rawManager) SetBlockSize(blocksize int) error {
	m.blocksize = blocksize
	return nil
}

func (m *rawManager) Flush() error {
	if !m.writable {
		return nil
	}
	return m.f.Sync()
}

func (m *rawManager) Close() error {
	_ = unix.Flock(int(m.f.Fd()), unix.LOCK_UN)
	return m.f.Close()
}
