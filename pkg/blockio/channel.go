package blockio

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"errors"
	"sort"
)

// Partial transfer and exclusion errors surfaced by channels.
var (
	ErrShortRead  = errors.New("attempt to read block from filesystem resulted in short read")
	ErrShortWrite = errors.New("attempt to write block to filesystem resulted in short write")
	ErrBusy       = errors.New("filesystem device is busy")
)

// Manager is the narrow capability interface a block device backend
// must provide. Backends are dumb: all caching and clustering policy
// lives in the Channel.
type Manager interface {
	ReadBlocks(block int64, count int, buf []byte) error
	WriteBlocks(block int64, buf []byte) error
	ReadBytes(offset int64, buf []byte) error
	WriteBytes(offset int64, buf []byte) error
	SetBlockSize(blocksize int) error
	Flush() error
	Close() error
}

// ReadErrorFunc may rescue a failed block read by substituting data
// into buf and returning nil.
type ReadErrorFunc func(block int64, count int, buf []byte, err error) error

// WriteErrorFunc may suppress a failed block write by returning nil.
type WriteErrorFunc func(block int64, count int, buf []byte, err error) error

const (
	// DefaultBlockSize is the block size assumed before the superblock
	// has been read.
	DefaultBlockSize = 1024

	cacheSize = 8

	// writes of more than this many blocks bypass the cache
	writeDirectThreshold = 4
)

type cacheEntry struct {
	block      int64
	buf        []byte
	inUse      bool
	dirty      bool
	accessTime uint64
}

// Channel provides block-addressed access to a Manager through a small
// LRU cache. Cached writes are held dirty and written back on eviction
// or flush, unless WriteThrough is set.
type Channel struct {
	mgr       Manager
	blocksize int
	access    uint64
	cache     [cacheSize]cacheEntry

	// WriteThrough forces every cached write to also hit the backend
	// immediately.
	WriteThrough bool

	// ReadError and WriteError are optional per-block rescue callbacks.
	ReadError  ReadErrorFunc
	WriteError WriteErrorFunc
}

// NewChannel wraps a Manager in a caching channel.
func NewChannel(mgr Manager) *Channel {
	return &Channel{
		mgr:       mgr,
		blocksize: DefaultBlockSize,
	}
}

// BlockSize returns the channel's current block size.
func (c *Channel) BlockSize() int {
	return c.blocksize
}

// SetBlockSize flushes the cache and changes the unit of block
// addressing.
func (c *Channel) SetBlockSize(blocksize int) error {
	if blocksize == c.blocksize {
		return nil
	}
	err := c.Flush()
	if err != nil {
		return err
	}
	c.invalidateAll()
	c.blocksize = blocksize
	return c.mgr.SetBlockSize(blocksize)
}

func (c *Channel) invalidateAll() {
	for i := range c.cache {
		c.cache[i].inUse = false
		c.cache[i].dirty = false
	}
}

func (c *Channel) invalidateRange(block int64, count int) {
	for i := range c.cache {
		e := &c.cache[i]
		if e.inUse && e.block >= block && e.block < block+int64(count) {
			e.inUse = false
			e.dirty = false
		}
	}
}

func (c *Channel) find(block int64) *cacheEntry {
	for i := range c.cache {
		if c.cache[i].inUse && c.cache[i].block == block {
			return &c.cache[i]
		}
	}
	return nil
}

// victim selects the cache slot to reuse for block, preferring unused
// slots and falling back on the least recently used entry, writing it
// back first if dirty.
func (c *Channel) victim() (*cacheEntry, error) {
	var lru *cacheEntry
	for i := range c.cache {
		e := &c.cache[i]
		if !e.inUse {
			return e, nil
		}
		if lru == nil || e.accessTime < lru.accessTime {
			lru = e
		}
	}
	if lru.dirty {
		err := c.writeBackEntry(lru)
		if err != nil {
			return nil, err
		}
	}
	lru.inUse = false
	return lru, nil
}

func (c *Channel) writeBackEntry(e *cacheEntry) error {
	err := c.mgr.WriteBlocks(e.block, e.buf)
	if err != nil && c.WriteError != nil {
		err = c.WriteError(e.block, 1, e.buf, err)
	}
	if err != nil {
		return err
	}
	e.dirty = false
	return nil
}

func (c *Channel) touch(e *cacheEntry) {
	c.access++
	e.accessTime = c.access
}

func (c *Channel) fill(e *cacheEntry, block int64, data []byte) {
	if cap(e.buf) < c.blocksize {
		e.buf = make([]byte, c.blocksize)
	}
	e.buf = e.buf[:c.blocksize]
	copy(e.buf, data)
	e.block = block
	e.inUse = true
	e.dirty = false
	c.touch(e)
}

func (c *Channel) readDirect(block int64, count int, buf []byte) error {
	err := c.mgr.ReadBlocks(block, count, buf)
	if err != nil && c.ReadError != nil {
		err = c.ReadError(block, count, buf, err)
	}
	return err
}

// readSingle loads one block through the cache, clustering consecutive
// uncached blocks into one backend read on a miss.
func (c *Channel) readSingle(block int64, out []byte) error {

	if e := c.find(block); e != nil {
		c.touch(e)
		copy(out, e.buf)
		return nil
	}

	// cluster up to a cache-load of consecutive uncached blocks
	run := 1
	for run < cacheSize && c.find(block+int64(run)) == nil {
		run++
	}

	buf := make([]byte, run*c.blocksize)
	err := c.readDirect(block, run, buf)
	if err != nil && run > 1 {
		// a short cluster read may simply have run off the end of the
		// device; retry just the block that was asked for
		run = 1
		buf = buf[:c.blocksize]
		err = c.readDirect(block, 1, buf)
	}
	if err != nil {
		return err
	}

	for i := 0; i < run; i++ {
		e, verr := c.victim()
		if verr != nil {
			return verr
		}
		c.fill(e, block+int64(i), buf[i*c.blocksize:(i+1)*c.blocksize])
	}

	copy(out, buf[:c.blocksize])
	return nil

}

// ReadBlk reads count blocks starting at block. A negative count is an
// odd-sized transfer of -count bytes, which flushes the cache first.
func (c *Channel) ReadBlk(block int64, count int) ([]byte, error) {

	if count < 0 {
		err := c.Flush()
		if err != nil {
			return nil, err
		}
		buf := make([]byte, -count)
		err = c.mgr.ReadBytes(block*int64(c.blocksize), buf)
		if err != nil && c.ReadError != nil {
			err = c.ReadError(block, count, buf, err)
		}
		if err != nil {
			return nil, err
		}
		return buf, nil
	}

	buf := make([]byte, count*c.blocksize)

	if count > cacheSize {
		// large reads bypass the cache, but dirty overlap must land first
		err := c.flushRange(block, count)
		if err != nil {
			return nil, err
		}
		err = c.readDirect(block, count, buf)
		if err != nil {
			return nil, err
		}
		return buf, nil
	}

	for i := 0; i < count; i++ {
		err := c.readSingle(block+int64(i), buf[i*c.blocksize:(i+1)*c.blocksize])
		if err != nil {
			return nil, err
		}
	}

	return buf, nil

}

// WriteBlk writes count blocks starting at block. A negative count is
// an odd-sized transfer of -count bytes. Writes of more than four
// blocks invalidate the cache and bypass it.
func (c *Channel) WriteBlk(block int64, count int, data []byte) error {

	if count < 0 {
		err := c.Flush()
		if err != nil {
			return err
		}
		return c.writeBytesDirect(block*int64(c.blocksize), data)
	}

	if count > writeDirectThreshold {
		err := c.Flush()
		if err != nil {
			return err
		}
		c.invalidateRange(block, count)
		err = c.mgr.WriteBlocks(block, data)
		if err != nil && c.WriteError != nil {
			err = c.WriteError(block, count, data, err)
		}
		return err
	}

	for i := 0; i < count; i++ {

		chunk := data[i*c.blocksize : (i+1)*c.blocksize]
		b := block + int64(i)

		e := c.find(b)
		if e == nil {
			var err error
			e, err = c.victim()
			if err != nil {
				return err
			}
			c.fill(e, b, chunk)
		} else {
			copy(e.buf, chunk)
			c.touch(e)
		}

		if c.WriteThrough {
			err := c.writeBackEntry(e)
			if err != nil {
				return err
			}
		} else {
			e.dirty = true
		}

	}

	return nil

}

// WriteByte writes raw bytes at an absolute byte offset, flushing the
// cache first. Cached blocks the write touches are dropped so later
// block reads observe the new bytes.
func (c *Channel) WriteByte(offset int64, data []byte) error {
	err := c.Flush()
	if err != nil {
		return err
	}
	first := offset / int64(c.blocksize)
	last := (offset + int64(len(data)) - 1) / int64(c.blocksize)
	c.invalidateRange(first, int(last-first)+1)
	return c.writeBytesDirect(offset, data)
}

func (c *Channel) writeBytesDirect(offset int64, data []byte) error {
	err := c.mgr.WriteBytes(offset, data)
	if err != nil && c.WriteError != nil {
		err = c.WriteError(offset/int64(c.blocksize), -len(data), data, err)
	}
	return err
}

func (c *Channel) flushRange(block int64, count int) error {
	for i := range c.cache {
		e := &c.cache[i]
		if e.inUse && e.dirty && e.block >= block && e.block < block+int64(count) {
			err := c.writeBackEntry(e)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// Flush writes back every dirty cache entry in ascending block order
// and then flushes the backend.
func (c *Channel) Flush() error {

	var dirty []*cacheEntry
	for i := range c.cache {
		if c.cache[i].inUse && c.cache[i].dirty {
			dirty = append(dirty, &c.cache[i])
		}
	}
	sort.Slice(dirty, func(i, j int) bool { return dirty[i].block < dirty[j].block })

	for _, e := range dirty {
		err := c.writeBackEntry(e)
		if err != nil {
			return err
		}
	}

	return c.mgr.Flush()

}

// Close flushes and releases the channel and its backend.
func (c *Channel) Close() error {
	err := c.Flush()
	if err != nil {
		_ = c.mgr.Close()
		return err
	}
	return c.mgr.Close()
}
