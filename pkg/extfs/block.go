package extfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"encoding/binary"
	"fmt"
)

// BlockFunc is the per-block callback for BlockIterate. blockNum may be
// rewritten; returning BlockChanged causes the new value to be written
// back into the structure that referenced it. blockCount is the logical
// block index, or one of CountInd/CountDInd/CountTInd for metadata
// blocks. refBlock and refOffset identify the block and slot holding
// the pointer; refBlock is zero when the pointer lives in the inode
// itself.
type BlockFunc func(blockNum *uint64, blockCount int64, refBlock uint64, refOffset int) int

type blockIterCtx struct {
	fs    *Filesys
	flags int
	fn    BlockFunc
	count int64
	err   error
}

func (ctx *blockIterCtx) appendMode() bool  { return ctx.flags&IterAppend != 0 }
func (ctx *blockIterCtx) depthFirst() bool  { return ctx.flags&IterDepthTraverse != 0 }
func (ctx *blockIterCtx) readOnly() bool    { return ctx.flags&IterReadOnly != 0 }
func (ctx *blockIterCtx) dataOnly() bool    { return ctx.flags&IterDataOnly != 0 }

func (ctx *blockIterCtx) call(blockNum *uint64, blockCount int64, refBlock uint64, refOffset int) int {
	if *blockNum == 0 && !ctx.appendMode() {
		return 0
	}
	return ctx.fn(blockNum, blockCount, refBlock, refOffset)
}

// span returns how many data blocks sit below one pointer at the given
// indirection depth.
func (ctx *blockIterCtx) span(depth int) int64 {
	ptrs := ctx.fs.BlockSize() / 4
	n := int64(1)
	for i := 0; i < depth; i++ {
		n *= ptrs
	}
	return n
}

func metaCount(depth int) int64 {
	switch depth {
	case 1:
		return CountInd
	case 2:
		return CountDInd
	default:
		return CountTInd
	}
}

// indirect walks one indirect block at the given depth, invoking the
// callback for the indirect block itself (before its children, or
// after under IterDepthTraverse) and recursing for depth > 1.
func (ctx *blockIterCtx) indirect(blockNum *uint64, depth int, refBlock uint64, refOffset int) int {

	if *blockNum == 0 && !ctx.appendMode() {
		ctx.count += ctx.span(depth)
		return 0
	}

	ret := 0

	if !ctx.dataOnly() && !ctx.depthFirst() {
		ret |= ctx.fn(blockNum, metaCount(depth), refBlock, refOffset)
		if ret&(BlockAbort|BlockError) != 0 {
			return ret
		}
	}

	if *blockNum == 0 {
		// append mode visited the empty slot; nothing to descend into
		ctx.count += ctx.span(depth)
		return ret
	}

	raw, err := ctx.fs.Chan.ReadBlk(int64(*blockNum), 1)
	if err != nil {
		ctx.err = err
		return ret | BlockError
	}

	ptrs := int(ctx.fs.BlockSize() / 4)
	changed := false

	for j := 0; j < ptrs; j++ {

		child := uint64(binary.LittleEndian.Uint32(raw[j*4:]))

		var r int
		if depth == 1 {
			if child != 0 || ctx.appendMode() {
				r = ctx.fn(&child, ctx.count, *blockNum, j)
			}
			ctx.count++
		} else {
			r = ctx.indirect(&child, depth-1, *blockNum, j)
		}

		if r&BlockChanged != 0 {
			binary.LittleEndian.PutUint32(raw[j*4:], uint32(child))
			changed = true
		}
		ret |= r &^ BlockChanged
		if r&(BlockAbort|BlockError) != 0 {
			break
		}

	}

	if changed && !ctx.readOnly() {
		err = ctx.fs.Chan.WriteBlk(int64(*blockNum), 1, raw)
		if err != nil {
			ctx.err = err
			return ret | BlockError
		}
	}

	if !ctx.dataOnly() && ctx.depthFirst() && ret&(BlockAbort|BlockError) == 0 {
		ret |= ctx.fn(blockNum, metaCount(depth), refBlock, refOffset)
	}

	return ret

}

// BlockIterate walks every block of an inode, visiting the twelve
// direct pointers, then the single, double and triple indirect trees,
// or the extent tree when the inode uses extents. If any callback
// reported BlockChanged against a pointer held in the inode itself,
// the inode is re-read, patched and re-written.
func (fs *Filesys) BlockIterate(ino uint32, flags int, fn BlockFunc) error {

	inode, err := fs.ReadInode(ino)
	if err != nil {
		return err
	}

	return fs.BlockIterateInode(ino, inode, flags, fn)

}

// BlockIterateInode is BlockIterate against an already-loaded inode.
func (fs *Filesys) BlockIterateInode(ino uint32, inode *Inode, flags int, fn BlockFunc) error {

	if inode.IsFastSymlink() || inode.Flags&FlagInlineData != 0 {
		return nil
	}

	if inode.UsesExtents() {
		return fs.extentIterate(ino, inode, flags, fn)
	}

	ctx := &blockIterCtx{fs: fs, flags: flags, fn: fn}

	blocks := make([]uint64, 15)
	for i := range inode.Block {
		blocks[i] = uint64(inode.Block[i])
	}

	ret := 0

	for i := 0; i < 12; i++ {
		r := ctx.call(&blocks[i], ctx.count, 0, i)
		ctx.count++
		ret |= r
		if r&(BlockAbort|BlockError) != 0 {
			break
		}
	}

	if ret&(BlockAbort|BlockError) == 0 {
		ret |= ctx.indirect(&blocks[12], 1, 0, 12)
	}
	if ret&(BlockAbort|BlockError) == 0 {
		ret |= ctx.indirect(&blocks[13], 2, 0, 13)
	}
	if ret&(BlockAbort|BlockError) == 0 {
		ret |= ctx.indirect(&blocks[14], 3, 0, 14)
	}

	if ret&BlockChanged != 0 && flags&IterReadOnly == 0 {
		// re-read so a callback that wrote the inode underneath us is
		// not clobbered, then patch only the block array
		fresh, err := fs.ReadFullInode(ino)
		if err != nil {
			return err
		}
		for i := range fresh.Block {
			fresh.Block[i] = uint32(blocks[i])
		}
		err = fs.WriteFullInode(ino, fresh)
		if err != nil {
			return err
		}
	}

	if ret&BlockError != 0 {
		if ctx.err != nil {
			return ctx.err
		}
		return fmt.Errorf("inode %d: block iteration aborted by callback: %w", ino, ErrBadArgument)
	}

	return nil

}
