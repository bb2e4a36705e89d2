package resize

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"

	"github.com/vorteil/vext/pkg/bitmap"
	"github.com/vorteil/vext/pkg/elog"
	"github.com/vorteil/vext/pkg/extfs"
	"github.com/vorteil/vext/pkg/extmap"
)

// MinTrailingSlack is the number of usable blocks a trailing partial
// group must retain beyond its own metadata for a resize to be worth
// performing. This is a policy parameter, not an invariant.
const MinTrailingSlack = 50

// Options adjusts resize behavior.
type Options struct {
	Log      elog.Logger
	Progress extfs.ProgressFunc
	Force    bool
}

// Context bundles the state of one resize operation. The old handle
// describes the layout on disk; the new handle describes the target
// layout being built. The context exclusively owns the two scratch
// bitmaps, both relocation tables and the inode-table buffer, all of
// which are dropped with it.
type Context struct {
	Old *extfs.Filesys
	New *extfs.Filesys

	reserve *bitmap.Bitmap // blocks that may not be allocated as destinations
	move    *bitmap.Bitmap // blocks whose contents must relocate

	bmap *extmap.Table // block relocations, old -> new
	imap *extmap.Table // inode relocations, old -> new

	itableBuf []byte

	// dirBlocks carries directory block locations from the inode scan
	// to the dirent rewrite pass.
	dirBlocks []dirBlockRef

	alloc allocState

	log      elog.Logger
	progress extfs.ProgressFunc
}

type dirBlockRef struct {
	block uint64
	dir   uint32 // owning directory inode, post-renumbering
}

type allocState struct {
	next        uint64
	desperation bool
}

func (ctx *Context) tick(pass string, cur, max uint64) error {
	if ctx.progress == nil {
		return nil
	}
	if err := ctx.progress(pass, cur, max); err != nil {
		return fmt.Errorf("%s: %w", pass, extfs.ErrCanceled)
	}
	return nil
}

func (ctx *Context) debugf(format string, x ...interface{}) {
	if ctx.log != nil {
		ctx.log.Debugf(format, x...)
	}
}

// Resize grows or shrinks an open file-system to newSize blocks. The
// operation is a fixed eight-phase pipeline; the on-disk state is
// marked as requiring a check from the end of phase one until the
// final commit, so an abort at any point leaves a file-system the
// checker can recover.
func Resize(fs *extfs.Filesys, newSize uint64, opts Options) error {

	if !fs.Writable {
		return fmt.Errorf("resize: %w", extfs.ErrReadOnly)
	}

	oldSize := fs.Super.TotalBlocks()
	if newSize == oldSize {
		return nil
	}

	if fs.BlockBitmap == nil {
		err := fs.ReadBitmaps()
		if err != nil {
			return err
		}
	}

	ctx := &Context{
		Old:      fs,
		New:      fs.Duplicate(),
		bmap:     extmap.New(),
		imap:     extmap.New(),
		log:      opts.Log,
		progress: opts.Progress,
	}

	ctx.debugf("resizing %s from %d to %d blocks", fs.Path, oldSize, newSize)

	// phase 1
	err := ctx.adjustMetadata(newSize)
	if err != nil {
		return err
	}
	err = ctx.markUnclean()
	if err != nil {
		return err
	}
	if err = ctx.tick("resize", 1, 8); err != nil {
		return err
	}

	// phase 2
	err = ctx.blocksToMove()
	if err != nil {
		return err
	}
	if err = ctx.tick("resize", 2, 8); err != nil {
		return err
	}

	// phase 3
	err = ctx.blockMover()
	if err != nil {
		return err
	}
	if err = ctx.tick("resize", 3, 8); err != nil {
		return err
	}

	// phase 4
	err = ctx.inodeScanAndFix()
	if err != nil {
		return err
	}
	if err = ctx.tick("resize", 4, 8); err != nil {
		return err
	}

	// phase 5
	err = ctx.inodeRefFix()
	if err != nil {
		return err
	}
	if err = ctx.tick("resize", 5, 8); err != nil {
		return err
	}

	// phase 6
	err = ctx.moveInodeTables()
	if err != nil {
		return err
	}
	if err = ctx.tick("resize", 6, 8); err != nil {
		return err
	}

	// phase 7
	err = ctx.postMoveFixups()
	if err != nil {
		return err
	}
	if err = ctx.tick("resize", 7, 8); err != nil {
		return err
	}

	// phase 8: the commit runs to completion once started; there is no
	// cancellation point between the final writes
	err = ctx.commit()
	if err != nil {
		return err
	}
	_ = ctx.tick("resize", 8, 8)

	// fold the new layout back into the caller's handle
	fs.Super = ctx.New.Super
	fs.Descs = ctx.New.Descs
	fs.BlockBitmap = ctx.New.BlockBitmap
	fs.InodeBitmap = ctx.New.InodeBitmap

	return nil

}

// oldMeta reports whether blk is metadata in the old layout.
func (ctx *Context) oldMeta(blk uint64) bool {
	return isMetaBlock(ctx.Old, blk)
}

// newMeta reports whether blk is metadata in the new layout.
func (ctx *Context) newMeta(blk uint64) bool {
	return isMetaBlock(ctx.New, blk)
}

// isMetaBlock reports whether blk belongs to a group's superblock
// backup, descriptor area, bitmaps or inode table under the layout
// described by fs.
func isMetaBlock(fs *extfs.Filesys, blk uint64) bool {

	sb := fs.Super
	if blk >= sb.TotalBlocks() || blk < uint64(sb.FirstDataBlock) {
		return false
	}

	g := sb.GroupOfBlock(blk)
	base := sb.GroupFirstBlock(g)

	if sb.HasSuperBackup(g) {
		overhead := uint64(1 + sb.DescriptorBlocks() + int64(sb.ReservedGDTBlocks))
		if blk < base+overhead {
			return true
		}
	}

	desc := &fs.Descs[g]
	if blk == desc.BlockBitmap || blk == desc.InodeBitmap {
		return true
	}
	if blk >= desc.InodeTable && blk < desc.InodeTable+uint64(sb.InodeBlocksPerGroup()) {
		return true
	}

	return false

}

// adjustMetadata is phase one: recompute the new group geometry in
// memory, place metadata for new groups, and relocate any surviving
// group's bitmaps or tables that a grown descriptor area would
// overrun.
func (ctx *Context) adjustMetadata(newSize uint64) error {

	old := ctx.Old.Super
	sb := ctx.New.Super
	bpg := uint64(sb.BlocksPerGroup)
	first := uint64(sb.FirstDataBlock)

	if newSize <= first {
		return fmt.Errorf("new size %d leaves no usable blocks: %w", newSize, extfs.ErrBadArgument)
	}

	newGroups := (newSize - first + bpg - 1) / bpg

	// reject an unusably small trailing group
	lastBlocks := newSize - first - (newGroups-1)*bpg
	overhead := uint64(sb.InodeBlocksPerGroup()) + 2
	if sb.HasSuperBackup(newGroups - 1) {
		overhead += uint64(1 + sb.DescriptorBlocks() + int64(sb.ReservedGDTBlocks))
	}
	if lastBlocks < bpg && lastBlocks < overhead+MinTrailingSlack {
		return fmt.Errorf("trailing group of %d blocks cannot hold its own metadata: %w",
			lastBlocks, extfs.ErrBadArgument)
	}

	// sparse_super2 keeps at most two backups: the second group and
	// the last
	if sb.FeatureCompat&extfs.CompatSparseSuper2 != 0 {
		sb.BackupBGs[0], sb.BackupBGs[1] = 0, 0
		if newGroups > 1 {
			sb.BackupBGs[0] = 1
		}
		if newGroups > 2 {
			sb.BackupBGs[1] = uint32(newGroups - 1)
		}
	}

	newInodes := newGroups * uint64(sb.InodesPerGroup)
	if newInodes > 0xFFFFFFFF {
		return fmt.Errorf("new inode count %d overflows 32 bits: %w", newInodes, extfs.ErrBadArgument)
	}

	sb.SetTotalBlocks(newSize)
	sb.TotalInodes = uint32(newInodes)

	// keep the reserved ratio rather than the absolute count
	if old.TotalBlocks() > 0 {
		sb.ReservedBlocksLo = uint32(old.ReservedBlocks() * newSize / old.TotalBlocks())
	}

	err := ctx.New.BlockBitmap.Resize(newSize-1, newSize-1)
	if err != nil {
		return err
	}
	err = ctx.New.InodeBitmap.Resize(newInodes, newInodes)
	if err != nil {
		return err
	}

	oldGroups := uint64(len(ctx.New.Descs))

	if newGroups <= oldGroups {
		ctx.New.Descs = ctx.New.Descs[:newGroups]
	}

	// rebuild the block bitmap's metadata bits for the new layout:
	// clear every old metadata bit still in range, re-mark below
	for g := uint64(0); g < oldGroups; g++ {
		base := old.GroupFirstBlock(g)
		if base >= newSize {
			break
		}
		if old.HasSuperBackup(g) {
			span := uint64(1 + old.DescriptorBlocks() + int64(old.ReservedGDTBlocks))
			ctx.unmarkRangeClamped(base, span, newSize)
		}
		desc := &ctx.Old.Descs[g]
		ctx.unmarkClamped(desc.BlockBitmap, newSize)
		ctx.unmarkClamped(desc.InodeBitmap, newSize)
		ctx.unmarkRangeClamped(desc.InodeTable, uint64(old.InodeBlocksPerGroup()), newSize)
	}

	// place metadata for every group of the new layout
	for g := uint64(0); g < newGroups; g++ {

		if g >= oldGroups {
			ctx.New.Descs = append(ctx.New.Descs, extfs.GroupDesc{})
		}
		desc := &ctx.New.Descs[g]

		base := sb.GroupFirstBlock(g)
		head := uint64(0)
		if sb.HasSuperBackup(g) {
			head = uint64(1 + sb.DescriptorBlocks() + int64(sb.ReservedGDTBlocks))
			err = ctx.New.BlockBitmap.MarkRange(base, head)
			if err != nil {
				return err
			}
		}

		if g >= oldGroups {
			// natural positions for a brand new group
			desc.BlockBitmap = base + head
			desc.InodeBitmap = base + head + 1
			desc.InodeTable = base + head + 2
			desc.Flags = 0
			desc.FreeInodes = sb.InodesPerGroup
			desc.UsedDirs = 0
		} else {
			// keep the surviving group's positions unless the grown
			// descriptor area swallowed them
			if err = ctx.relocateGroupMeta(g, base, head); err != nil {
				return err
			}
		}

		err = ctx.New.BlockBitmap.Mark(desc.BlockBitmap)
		if err != nil {
			return err
		}
		err = ctx.New.BlockBitmap.Mark(desc.InodeBitmap)
		if err != nil {
			return err
		}
		err = ctx.New.BlockBitmap.MarkRange(desc.InodeTable, uint64(sb.InodeBlocksPerGroup()))
		if err != nil {
			return err
		}

	}

	// zero the inode tables of brand new groups so stale bytes cannot
	// masquerade as inodes
	zero := make([]byte, sb.BlockSize())
	for g := oldGroups; g < newGroups; g++ {
		itbl := ctx.New.Descs[g].InodeTable
		for i := int64(0); i < sb.InodeBlocksPerGroup(); i++ {
			err = ctx.New.Chan.WriteBlk(int64(itbl)+i, 1, zero)
			if err != nil {
				return err
			}
		}
	}

	ctx.debugf("new geometry: %d groups, %d inodes", newGroups, newInodes)

	return nil

}

func (ctx *Context) unmarkClamped(blk, limit uint64) {
	if blk < limit {
		_ = ctx.New.BlockBitmap.Unmark(blk)
	}
}

func (ctx *Context) unmarkRangeClamped(start, length, limit uint64) {
	for b := start; b < start+length && b < limit; b++ {
		_ = ctx.New.BlockBitmap.Unmark(b)
	}
}

// relocateGroupMeta ensures a surviving group's bitmap and table
// positions do not collide with the new layout's descriptor area,
// scanning the group for free space when they do.
func (ctx *Context) relocateGroupMeta(g, base, head uint64) error {

	sb := ctx.New.Super
	desc := &ctx.New.Descs[g]
	limit := sb.GroupLastBlock(g)

	inDescArea := func(blk uint64) bool {
		return blk >= base && blk < base+head
	}

	// a scratch cursor for free space within the group
	cursor := base + head

	nextFree := func(run uint64) (uint64, error) {
		for cursor+run-1 <= limit {
			ok := true
			for i := uint64(0); i < run; i++ {
				set, err := ctx.New.BlockBitmap.Test(cursor + i)
				if err != nil {
					return 0, err
				}
				if set || ctx.newMeta(cursor+i) {
					ok = false
					cursor += i + 1
					break
				}
			}
			if ok {
				blk := cursor
				cursor += run
				return blk, nil
			}
		}
		return 0, fmt.Errorf("no room in group %d for relocated metadata: %w", g, extfs.ErrNoSpace)
	}

	if inDescArea(desc.BlockBitmap) {
		blk, err := nextFree(1)
		if err != nil {
			return err
		}
		ctx.debugf("group %d block bitmap %d -> %d", g, desc.BlockBitmap, blk)
		desc.BlockBitmap = blk
	}
	if inDescArea(desc.InodeBitmap) {
		blk, err := nextFree(1)
		if err != nil {
			return err
		}
		ctx.debugf("group %d inode bitmap %d -> %d", g, desc.InodeBitmap, blk)
		desc.InodeBitmap = blk
	}
	itblBlocks := uint64(sb.InodeBlocksPerGroup())
	if inDescArea(desc.InodeTable) || inDescArea(desc.InodeTable+itblBlocks-1) {
		blk, err := nextFree(itblBlocks)
		if err != nil {
			return err
		}
		ctx.debugf("group %d inode table %d -> %d", g, desc.InodeTable, blk)
		desc.InodeTable = blk
	}

	return nil

}

// markUnclean flags the on-disk superblock as requiring a check, so an
// abort anywhere in the pipeline forces recovery.
func (ctx *Context) markUnclean() error {

	sb := *ctx.Old.Super
	sb.State &^= extfs.StateValid
	sb.State |= extfs.StateError

	raw, err := extfs.EncodeSuperblockBytes(&sb)
	if err != nil {
		return err
	}
	err = ctx.Old.Chan.WriteByte(extfs.SuperblockOffset, raw)
	if err != nil {
		return err
	}
	return ctx.Old.Chan.Flush()

}

// blocksToMove is phase two: decide which blocks must relocate and
// which blocks may never be chosen as destinations.
func (ctx *Context) blocksToMove() error {

	old := ctx.Old.Super
	sb := ctx.New.Super

	span := old.TotalBlocks()
	if sb.TotalBlocks() > span {
		span = sb.TotalBlocks()
	}

	ctx.move = bitmap.New(bitmap.KindBlock, uint64(old.FirstDataBlock), span-1, "blocks to move")
	ctx.reserve = bitmap.New(bitmap.KindBlock, uint64(old.FirstDataBlock), span-1, "reserved destinations")

	newSize := sb.TotalBlocks()

	for blk := uint64(old.FirstDataBlock); blk < span; blk++ {

		oldUsed := false
		if blk < old.TotalBlocks() {
			set, err := ctx.Old.BlockBitmap.Test(blk)
			if err != nil {
				return err
			}
			oldUsed = set
		}

		oldIsMeta := ctx.oldMeta(blk)
		newIsMeta := blk < newSize && ctx.newMeta(blk)

		// metadata in either layout is never a valid destination
		if oldIsMeta || newIsMeta {
			_ = ctx.reserve.Mark(blk)
		}

		if !oldUsed || oldIsMeta {
			// old metadata relocates by descriptor update or table
			// copy, not through the mover
			continue
		}

		if blk >= newSize {
			// shrink: everything beyond the new end moves
			_ = ctx.move.Mark(blk)
		} else if newIsMeta {
			// data sitting where new metadata must go
			_ = ctx.move.Mark(blk)
		}

	}

	return nil

}
