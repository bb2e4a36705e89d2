package extfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/vorteil/vext/pkg/crc"
)

// ExtentHeader begins every extent tree node.
type ExtentHeader struct {
	Magic      uint16
	Entries    uint16
	Max        uint16
	Depth      uint16
	Generation uint32
}

// ExtentIdx is an internal node entry pointing at a child node.
type ExtentIdx struct {
	Block  uint32
	LeafLo uint32
	LeafHi uint16
	_      uint16
}

// ExtentLeaf is a leaf entry mapping a run of logical blocks to a run
// of physical blocks. A length above extentUninitBit marks the run as
// preallocated but unwritten.
type ExtentLeaf struct {
	Block   uint32
	Len     uint16
	StartHi uint16
	StartLo uint32
}

const (
	extentHeaderSize = 12
	extentEntrySize  = 12
	extentUninitBit  = 1 << 15
)

// Child returns the child node's physical block.
func (e *ExtentIdx) Child() uint64 {
	return uint64(e.LeafHi)<<32 | uint64(e.LeafLo)
}

// SetChild stores the child node's physical block.
func (e *ExtentIdx) SetChild(blk uint64) {
	e.LeafLo = uint32(blk)
	e.LeafHi = uint16(blk >> 32)
}

// Start returns the first physical block of the mapped run.
func (e *ExtentLeaf) Start() uint64 {
	return uint64(e.StartHi)<<32 | uint64(e.StartLo)
}

// SetStart stores the first physical block of the mapped run.
func (e *ExtentLeaf) SetStart(blk uint64) {
	e.StartLo = uint32(blk)
	e.StartHi = uint16(blk >> 32)
}

// Length returns the run length in blocks.
func (e *ExtentLeaf) Length() int64 {
	if e.Len > extentUninitBit {
		return int64(e.Len - extentUninitBit)
	}
	return int64(e.Len)
}

// Uninit reports whether the run is preallocated but unwritten.
func (e *ExtentLeaf) Uninit() bool {
	return e.Len > extentUninitBit
}

func (e *ExtentLeaf) setLength(n int64, uninit bool) {
	e.Len = uint16(n)
	if uninit {
		e.Len += extentUninitBit
	}
}

func decodeExtentHeader(raw []byte) (*ExtentHeader, error) {
	hdr := new(ExtentHeader)
	err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, hdr)
	if err != nil {
		return nil, err
	}
	if hdr.Magic != ExtentMagic {
		return nil, fmt.Errorf("extent node magic %#x: %w", hdr.Magic, ErrCorruptExtent)
	}
	return hdr, nil
}

// inodeCsumContext seeds the per-inode checksum context used by
// extent, directory and inode checksums under metadata_csum.
func (fs *Filesys) inodeCsumContext(ino uint32, generation uint32) uint32 {
	var seed [8]byte
	binary.LittleEndian.PutUint32(seed[0:], ino)
	binary.LittleEndian.PutUint32(seed[4:], generation)
	return crc.CRC32c(fs.Super.CsumSeed(), seed[:])
}

// stampExtentChecksum writes the checksum tail of a non-root extent
// block.
func (fs *Filesys) stampExtentChecksum(raw []byte, ino uint32, generation uint32) {
	if fs.Super.FeatureROCompat&ROCompatMetadataCsum == 0 {
		return
	}
	hdr, err := decodeExtentHeader(raw)
	if err != nil {
		return
	}
	end := extentHeaderSize + int(hdr.Max)*extentEntrySize
	if end+4 > len(raw) {
		end = len(raw) - 4
	}
	c := crc.CRC32c(fs.inodeCsumContext(ino, generation), raw[:end])
	binary.LittleEndian.PutUint32(raw[end:], c)
}

type extentIterState struct {
	fs    *Filesys
	ino   uint32
	gen   uint32
	flags int
	fn    BlockFunc
	err   error
}

// iterateExtentNode walks one node. raw is the node's bytes (the
// 60-byte inode block array for the root, a whole block otherwise).
// Returns iterator result bits; BlockChanged means raw was modified
// and needs writing back by the caller.
func (st *extentIterState) iterateNode(raw []byte, nodeBlock uint64) int {

	hdr, err := decodeExtentHeader(raw)
	if err != nil {
		st.err = err
		return BlockError
	}

	ret := 0

	if hdr.Depth > 0 {
		ret = st.iterateInternal(raw, hdr, nodeBlock)
	} else {
		ret = st.iterateLeaf(raw, hdr, nodeBlock)
	}

	return ret

}

func (st *extentIterState) iterateInternal(raw []byte, hdr *ExtentHeader, nodeBlock uint64) int {

	ret := 0
	dataOnly := st.flags&IterDataOnly != 0
	depthFirst := st.flags&IterDepthTraverse != 0

	for i := 0; i < int(hdr.Entries); i++ {

		off := extentHeaderSize + i*extentEntrySize
		idx := new(ExtentIdx)
		_ = binary.Read(bytes.NewReader(raw[off:off+extentEntrySize]), binary.LittleEndian, idx)

		child := idx.Child()
		entryChanged := false

		if !dataOnly && !depthFirst {
			r := st.fn(&child, CountInd, nodeBlock, i)
			ret |= r &^ BlockChanged
			if r&BlockChanged != 0 {
				entryChanged = true
			}
			if r&(BlockAbort|BlockError) != 0 {
				break
			}
		}

		childRaw, err := st.fs.Chan.ReadBlk(int64(child), 1)
		if err != nil {
			st.err = err
			return ret | BlockError
		}

		r := st.iterateNode(childRaw, child)
		if r&BlockChanged != 0 && st.flags&IterReadOnly == 0 {
			st.fs.stampExtentChecksum(childRaw, st.ino, st.gen)
			err = st.fs.Chan.WriteBlk(int64(child), 1, childRaw)
			if err != nil {
				st.err = err
				return ret | BlockError
			}
		}
		ret |= r &^ BlockChanged
		if r&(BlockAbort|BlockError) != 0 {
			break
		}

		if !dataOnly && depthFirst {
			r = st.fn(&child, CountInd, nodeBlock, i)
			ret |= r &^ BlockChanged
			if r&BlockChanged != 0 {
				entryChanged = true
			}
		}

		if entryChanged {
			idx.SetChild(child)
			buf := new(bytes.Buffer)
			_ = binary.Write(buf, binary.LittleEndian, idx)
			copy(raw[off:], buf.Bytes())
			ret |= BlockChanged
		}

		if ret&(BlockAbort|BlockError) != 0 {
			break
		}

	}

	return ret

}

// iterateLeaf visits every mapped block of every run in a leaf node.
// If callbacks relocate blocks, the node's entries are rebuilt from
// the per-block results, splitting runs as required. A split that
// cannot fit in the node fails with ErrNoSpace.
func (st *extentIterState) iterateLeaf(raw []byte, hdr *ExtentHeader, nodeBlock uint64) int {

	ret := 0
	type run struct {
		lblk   uint32
		start  uint64
		length int64
		uninit bool
	}
	var rebuilt []run
	rewrite := false

	for i := 0; i < int(hdr.Entries); i++ {

		off := extentHeaderSize + i*extentEntrySize
		leaf := new(ExtentLeaf)
		_ = binary.Read(bytes.NewReader(raw[off:off+extentEntrySize]), binary.LittleEndian, leaf)

		length := leaf.Length()
		blocks := make([]uint64, length)
		entryChanged := false

		for j := int64(0); j < length; j++ {
			blocks[j] = leaf.Start() + uint64(j)
			r := st.fn(&blocks[j], int64(leaf.Block)+j, nodeBlock, i)
			if r&BlockChanged != 0 {
				entryChanged = true
			}
			ret |= r &^ BlockChanged
			if r&(BlockAbort|BlockError) != 0 {
				break
			}
		}

		// split the (possibly relocated) blocks back into maximal
		// contiguous runs
		for j := int64(0); j < length; {
			k := j + 1
			for k < length && blocks[k] == blocks[k-1]+1 {
				k++
			}
			rebuilt = append(rebuilt, run{
				lblk:   leaf.Block + uint32(j),
				start:  blocks[j],
				length: k - j,
				uninit: leaf.Uninit(),
			})
			j = k
		}
		if entryChanged {
			rewrite = true
		}

		if ret&(BlockAbort|BlockError) != 0 {
			// keep any untouched trailing entries as they were
			for n := i + 1; n < int(hdr.Entries); n++ {
				o := extentHeaderSize + n*extentEntrySize
				tail := new(ExtentLeaf)
				_ = binary.Read(bytes.NewReader(raw[o:o+extentEntrySize]), binary.LittleEndian, tail)
				rebuilt = append(rebuilt, run{tail.Block, tail.Start(), tail.Length(), tail.Uninit()})
			}
			break
		}

	}

	if !rewrite || st.flags&IterReadOnly != 0 {
		return ret
	}

	if len(rebuilt) > int(hdr.Max) {
		st.err = fmt.Errorf("relocation would split inode %d's extent node beyond its capacity of %d entries: %w",
			st.ino, hdr.Max, ErrNoSpace)
		return ret | BlockError
	}

	hdr.Entries = uint16(len(rebuilt))
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, hdr)
	for _, r := range rebuilt {
		leaf := new(ExtentLeaf)
		leaf.Block = r.lblk
		leaf.SetStart(r.start)
		leaf.setLength(r.length, r.uninit)
		_ = binary.Write(buf, binary.LittleEndian, leaf)
	}
	out := buf.Bytes()
	copy(raw, out)
	for i := len(out); i < extentHeaderSize+int(hdr.Max)*extentEntrySize && i < len(raw); i++ {
		raw[i] = 0
	}

	return ret | BlockChanged

}

// extentIterate drives the block callback across an extent-mapped
// inode.
func (fs *Filesys) extentIterate(ino uint32, inode *Inode, flags int, fn BlockFunc) error {

	rootRaw := make([]byte, 60)
	for i, b := range inode.Block {
		binary.LittleEndian.PutUint32(rootRaw[i*4:], b)
	}

	st := &extentIterState{
		fs:    fs,
		ino:   ino,
		gen:   inode.Generation,
		flags: flags,
		fn:    fn,
	}

	ret := st.iterateNode(rootRaw, 0)

	if ret&BlockChanged != 0 && flags&IterReadOnly == 0 {
		fresh, err := fs.ReadFullInode(ino)
		if err != nil {
			return err
		}
		for i := range fresh.Block {
			fresh.Block[i] = binary.LittleEndian.Uint32(rootRaw[i*4:])
		}
		err = fs.WriteFullInode(ino, fresh)
		if err != nil {
			return err
		}
	}

	if ret&BlockError != 0 {
		if st.err != nil {
			return st.err
		}
		return fmt.Errorf("inode %d: extent iteration aborted by callback: %w", ino, ErrBadArgument)
	}

	return nil

}

// RestampExtentChecksums rewrites the checksum tail of every non-root
// node of an extent-mapped inode, computing each under the given inode
// number. The resizer uses this after renumbering an inode, because
// the tails are salted with the owner's number.
func (fs *Filesys) RestampExtentChecksums(ino uint32, inode *Inode) error {

	if fs.Super.FeatureROCompat&ROCompatMetadataCsum == 0 || !inode.UsesExtents() {
		return nil
	}

	return fs.BlockIterateInode(ino, inode, IterReadOnly,
		func(blockNum *uint64, blockCount int64, refBlock uint64, refOffset int) int {
			if blockCount >= 0 {
				return 0
			}
			raw, err := fs.Chan.ReadBlk(int64(*blockNum), 1)
			if err != nil {
				return BlockError
			}
			fs.stampExtentChecksum(raw, ino, inode.Generation)
			err = fs.Chan.WriteBlk(int64(*blockNum), 1, raw)
			if err != nil {
				return BlockError
			}
			return 0
		})

}
