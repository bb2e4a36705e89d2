package resize

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"encoding/binary"
	"time"

	"github.com/vorteil/vext/pkg/extfs"
)

// postMoveFixups is phase seven: settle the sparse_super2 backups,
// recount every summary statistic from the ground truth, rebuild the
// resize inode's reservation map, and refresh the superblock's
// journal block backup.
func (ctx *Context) postMoveFixups() error {

	err := ctx.fixSparseSuper2()
	if err != nil {
		return err
	}

	err = ctx.recountUsedDirs()
	if err != nil {
		return err
	}
	ctx.New.RecomputeSummary()

	err = ctx.fixResizeInode()
	if err != nil {
		return err
	}

	return ctx.fixJournalBackup()

}

// fixSparseSuper2 zeroes old backup superblock areas that no longer
// host a backup. The new backup group selection happened in phase one,
// before metadata placement.
func (ctx *Context) fixSparseSuper2() error {

	old := ctx.Old.Super
	sb := ctx.New.Super
	if sb.FeatureCompat&extfs.CompatSparseSuper2 == 0 {
		return nil
	}

	zero := make([]byte, sb.BlockSize())

	for _, g := range old.BackupBGs {
		if g == 0 {
			continue
		}
		if uint64(g) < sb.GroupCount() && sb.HasSuperBackup(uint64(g)) {
			continue
		}
		base := old.GroupFirstBlock(uint64(g))
		if base >= sb.TotalBlocks() {
			continue
		}
		ctx.debugf("clearing stale backup superblock in group %d", g)
		err := ctx.Old.Chan.WriteBlk(int64(base), 1, zero)
		if err != nil {
			return err
		}
	}

	return nil

}

// recountUsedDirs rebuilds every group's directory count by scanning
// the inode tables under the final layout.
func (ctx *Context) recountUsedDirs() error {

	sb := ctx.New.Super

	for g := range ctx.New.Descs {
		ctx.New.Descs[g].UsedDirs = 0
	}

	return ctx.New.IterateInodes(func(ino uint32, inode *extfs.FullInode) error {
		if inode.IsDir() {
			ctx.New.Descs[sb.GroupOfInode(ino)].UsedDirs++
		}
		return nil
	})

}

// fixResizeInode rebuilds the double-indirect reservation map that
// lets a later grow find its descriptor blocks without moving data.
func (ctx *Context) fixResizeInode() error {

	sb := ctx.New.Super
	if sb.FeatureCompat&extfs.CompatResizeInode == 0 {
		return nil
	}

	full, err := ctx.New.ReadFullInode(extfs.ResizeInode)
	if err != nil {
		return err
	}

	// release the stale reservation block
	if full.Block[13] != 0 {
		if moved, ok := ctx.bmap.Translate(uint64(full.Block[13])); ok {
			full.Block[13] = uint32(moved)
		}
		_ = ctx.New.BlockBitmap.Unmark(uint64(full.Block[13]))
	}

	reserved := int64(sb.ReservedGDTBlocks)
	if reserved == 0 {
		full.Block[13] = 0
		full.SetSize(0)
		full.SectorsLo = 0
		return ctx.New.WriteFullInode(extfs.ResizeInode, full)
	}

	dind, err := ctx.getNewBlock()
	if err != nil {
		return err
	}
	err = ctx.New.BlockBitmap.Mark(dind)
	if err != nil {
		return err
	}

	gdtBase := uint64(sb.FirstDataBlock) + 1 + uint64(sb.DescriptorBlocks())
	raw := make([]byte, sb.BlockSize())
	for i := int64(0); i < reserved; i++ {
		binary.LittleEndian.PutUint32(raw[i*4:], uint32(gdtBase+uint64(i)))
	}
	err = ctx.New.Chan.WriteBlk(int64(dind), 1, raw)
	if err != nil {
		return err
	}

	full.Block[13] = uint32(dind)
	full.SectorsLo = uint32((1 + reserved) * (sb.BlockSize() / 512))
	full.SetSize(uint64((reserved + 1) * sb.BlockSize()))

	err = ctx.New.WriteFullInode(extfs.ResizeInode, full)
	if err != nil {
		return err
	}

	// the reservation consumed a block after the recount
	ctx.New.RecomputeSummary()
	return nil

}

// fixJournalBackup refreshes the journal inode's block list kept in
// the superblock.
func (ctx *Context) fixJournalBackup() error {

	sb := ctx.New.Super
	if sb.FeatureCompat&extfs.CompatHasJournal == 0 ||
		sb.JournalInum == 0 || sb.JnlBackupType != 1 {
		return nil
	}

	inode, err := ctx.New.ReadInode(sb.JournalInum)
	if err != nil {
		return err
	}

	for i := 0; i < 15; i++ {
		sb.JnlBlocks[i] = inode.Block[i]
	}
	sb.JnlBlocks[15] = inode.SizeHigh
	sb.JnlBlocks[16] = inode.SizeLo

	return nil

}

// commit is phase eight: clear the error state and write everything
// in the contractual order. There is no cancellation point between the
// final writes.
func (ctx *Context) commit() error {

	sb := ctx.New.Super
	sb.State |= extfs.StateValid
	sb.State &^= extfs.StateError
	sb.LastWrittenTime = uint32(time.Now().Unix())

	ctx.New.SetDescChecksums()
	ctx.New.MarkBitmapsDirty()
	ctx.New.MarkDescsDirty()
	ctx.New.MarkSuperDirty()

	// bitmaps, then descriptors, then the master superblock
	return ctx.New.Flush()

}
