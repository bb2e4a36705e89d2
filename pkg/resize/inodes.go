package resize

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"errors"
	"fmt"

	"github.com/vorteil/vext/pkg/extfs"
)

// inodeScanAndFix is phase four: walk every allocated inode, retarget
// block pointers through the relocation table, renumber inodes beyond
// the new inode count, and collect directory blocks for phase five.
func (ctx *Context) inodeScanAndFix() error {

	old := ctx.Old
	newLimit := ctx.New.Super.TotalInodes
	totalInodes := uint64(old.Super.TotalInodes)

	// nothing to retarget and no inodes to renumber
	if len(ctx.Old.Descs) <= len(ctx.New.Descs) && ctx.bmap.Len() == 0 {
		return nil
	}

	scan := old.OpenInodeScan()
	defer scan.Close()

	for {

		ino, full, err := scan.Next()
		if ino == 0 {
			break
		}
		if err != nil {
			// one unreadable table block must not sink the whole scan
			if errors.Is(err, extfs.ErrBadInodeTable) {
				continue
			}
			return err
		}

		if ino%4096 == 1 {
			if err = ctx.tick("inode scan", uint64(ino), totalInodes); err != nil {
				return err
			}
		}

		allocated, err := old.InodeBitmap.Test(uint64(ino))
		if err != nil {
			return err
		}
		if !allocated {
			continue
		}

		inode := &full.Inode
		dirty := false

		// (a) extended attribute block
		acl := uint64(inode.FileACLLo) | uint64(inode.FileACLHi)<<32
		if acl != 0 {
			if moved, ok := ctx.bmap.Translate(acl); ok {
				inode.FileACLLo = uint32(moved)
				inode.FileACLHi = uint16(moved >> 32)
				dirty = true
			}
		}

		// (b) renumber inodes that no longer fit
		newIno := ino
		if ino > newLimit {
			newIno, err = ctx.allocRenumbered(ino)
			if err != nil {
				return err
			}
			ctx.imap.Add(uint64(ino), uint64(newIno))
			ctx.debugf("inode %d renumbered to %d", ino, newIno)
		}

		if dirty {
			err = old.WriteFullInode(ino, full)
			if err != nil {
				return err
			}
		}

		// (c) retarget data and indirect blocks, and (d) collect
		// directory blocks
		isDir := inode.IsDir()
		// pre-order traversal: an indirect block's pointer is
		// translated before the block is read, so the walk descends
		// into the relocated copy and its child updates land there
		if !inode.IsFastSymlink() && inode.Flags&extfs.FlagInlineData == 0 &&
			(inode.Block != [15]uint32{} || inode.UsesExtents()) {

			err = old.BlockIterateInode(ino, inode, 0,
				func(blockNum *uint64, blockCount int64, refBlock uint64, refOffset int) int {
					r := 0
					if moved, ok := ctx.bmap.Translate(*blockNum); ok {
						*blockNum = moved
						r |= extfs.BlockChanged
					}
					if isDir && blockCount >= 0 && *blockNum != 0 {
						ctx.dirBlocks = append(ctx.dirBlocks, dirBlockRef{
							block: *blockNum,
							dir:   newIno,
						})
					}
					return r
				})
			if err != nil {
				return err
			}

		}

		// (e) the renumbered inode moves to its new slot; extent
		// checksums are salted with the owner, so restamp them
		if newIno != ino {
			moved, err := old.ReadFullInode(ino)
			if err != nil {
				return err
			}
			err = old.WriteFullInode(newIno, moved)
			if err != nil {
				return err
			}
			if moved.UsesExtents() {
				err = old.RestampExtentChecksums(newIno, &moved.Inode)
				if err != nil {
					return err
				}
			}
		}

	}

	return ctx.Old.Chan.Flush()

}

// allocRenumbered finds a free slot for a renumbered inode in the new
// inode bitmap.
func (ctx *Context) allocRenumbered(old uint32) (uint32, error) {

	limit := uint64(ctx.New.Super.TotalInodes)

	for i := uint64(extfs.FirstGoodInode); i <= limit; i++ {
		set, err := ctx.New.InodeBitmap.Test(i)
		if err != nil {
			return 0, err
		}
		if set {
			continue
		}
		err = ctx.New.InodeBitmap.Mark(i)
		if err != nil {
			return 0, err
		}
		return uint32(i), nil
	}

	return 0, fmt.Errorf("no slot available to renumber inode %d: %w", old, extfs.ErrNoInode)

}

// inodeRefFix is phase five: rewrite every directory entry whose inode
// was renumbered.
func (ctx *Context) inodeRefFix() error {

	if ctx.imap.Len() == 0 {
		return nil
	}

	metaCsum := ctx.New.Super.FeatureROCompat&extfs.ROCompatMetadataCsum != 0
	total := uint64(len(ctx.dirBlocks))

	for i, ref := range ctx.dirBlocks {

		if i%256 == 0 {
			if err := ctx.tick("dirent rewrite", uint64(i), total); err != nil {
				return err
			}
		}

		raw, err := ctx.Old.Chan.ReadBlk(int64(ref.block), 1)
		if err != nil {
			return err
		}

		touched := false
		changed, err := ctx.New.IterateDirBlockBytes(raw, func(offset int, d *extfs.Dirent) int {
			if d.Inode == 0 {
				return 0
			}
			if moved, ok := ctx.imap.Translate(uint64(d.Inode)); ok {
				d.Inode = uint32(moved)
				touched = true
				return extfs.BlockChanged
			}
			return 0
		})
		if err != nil {
			return fmt.Errorf("directory inode %d block %d: %w", ref.dir, ref.block, err)
		}

		// a block owned by a renumbered directory carries the owner in
		// its checksum even if no entry changed
		restamp := touched
		if metaCsum {
			if _, renumbered := ctx.imap.Translate(uint64(ref.dir)); renumbered {
				restamp = true
			}
		}

		if changed || restamp {
			if metaCsum {
				dirInode, err := ctx.Old.ReadInode(ref.dir)
				if err != nil {
					return err
				}
				ctx.New.StampDirBlockChecksum(raw, ref.dir, dirInode.Generation)
			}
			err = ctx.Old.Chan.WriteBlk(int64(ref.block), 1, raw)
			if err != nil {
				return err
			}
		}

	}

	return ctx.Old.Chan.Flush()

}

// moveInodeTables is phase six: copy each surviving group's inode
// table to its new location, zero the vacated area, and release the
// old blocks. Each group is flushed separately; the descriptor's
// location field is what commits the move.
func (ctx *Context) moveInodeTables() error {

	sb := ctx.New.Super
	bs := sb.BlockSize()
	n := sb.InodeBlocksPerGroup()

	surviving := uint64(len(ctx.New.Descs))
	if uint64(len(ctx.Old.Descs)) < surviving {
		surviving = uint64(len(ctx.Old.Descs))
	}

	if ctx.itableBuf == nil {
		ctx.itableBuf = make([]byte, n*bs)
	}

	for g := uint64(0); g < surviving; g++ {

		oldLoc := ctx.Old.Descs[g].InodeTable
		newLoc := ctx.New.Descs[g].InodeTable

		// bitmap blocks relocate by descriptor update alone; free the
		// vacated ones
		ctx.releaseOldMetaBlock(ctx.Old.Descs[g].BlockBitmap, ctx.New.Descs[g].BlockBitmap)
		ctx.releaseOldMetaBlock(ctx.Old.Descs[g].InodeBitmap, ctx.New.Descs[g].InodeBitmap)

		if oldLoc == newLoc {
			continue
		}

		err := ctx.tick("inode table move", g, surviving)
		if err != nil {
			return err
		}

		raw, err := ctx.Old.Chan.ReadBlk(int64(oldLoc), int(n))
		if err != nil {
			return err
		}
		copy(ctx.itableBuf, raw)

		// skip the trailing all-zero blocks; the destination gets
		// explicit zeros instead of a copy
		used := n
		for used > 0 {
			allZero := true
			for _, b := range ctx.itableBuf[(used-1)*bs : used*bs] {
				if b != 0 {
					allZero = false
					break
				}
			}
			if !allZero {
				break
			}
			used--
		}

		if used > 0 {
			err = ctx.Old.Chan.WriteBlk(int64(newLoc), int(used), ctx.itableBuf[:used*bs])
			if err != nil {
				return err
			}
		}
		if used < n {
			zero := make([]byte, (n-used)*bs)
			err = ctx.Old.Chan.WriteBlk(int64(newLoc)+used, int(n-used), zero)
			if err != nil {
				return err
			}
		}

		// zero only the part of the old area the new table does not
		// overlap
		zero := make([]byte, bs)
		for i := int64(0); i < n; i++ {
			blk := oldLoc + uint64(i)
			if blk >= newLoc && blk < newLoc+uint64(n) {
				continue
			}
			err = ctx.Old.Chan.WriteBlk(int64(blk), 1, zero)
			if err != nil {
				return err
			}
			ctx.releaseOldMetaBlock(blk, 0)
		}

		// the location field commits the move; flush before the next
		// group so a crash leaves a recoverable state
		err = ctx.Old.Chan.Flush()
		if err != nil {
			return err
		}

	}

	return nil

}

// releaseOldMetaBlock frees a vacated metadata block in the new
// bitmap, unless the new layout claimed it for something else.
func (ctx *Context) releaseOldMetaBlock(oldBlk, newBlk uint64) {
	if oldBlk == newBlk || oldBlk == 0 {
		return
	}
	if oldBlk >= ctx.New.Super.TotalBlocks() {
		return
	}
	if ctx.newMeta(oldBlk) {
		return
	}
	_ = ctx.New.BlockBitmap.Unmark(oldBlk)
}
