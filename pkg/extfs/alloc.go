package extfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import "fmt"

// AllocBlock finds a free block with a first-fit scan starting at
// goal, marks it in use, and maintains both the group descriptor and
// superblock free counts.
func (fs *Filesys) AllocBlock(goal uint64) (uint64, error) {

	sb := fs.Super
	first := uint64(sb.FirstDataBlock)
	total := sb.TotalBlocks()

	if goal < first || goal >= total {
		goal = first
	}

	blk := goal
	wrapped := false
	for {
		set, err := fs.BlockBitmap.Test(blk)
		if err != nil {
			return 0, err
		}
		if !set {
			break
		}
		blk++
		if blk >= total {
			if wrapped {
				return 0, fmt.Errorf("block allocation: %w", ErrNoSpace)
			}
			blk = first
			wrapped = true
		}
		if wrapped && blk >= goal {
			return 0, fmt.Errorf("block allocation: %w", ErrNoSpace)
		}
	}

	err := fs.claimBlock(blk)
	if err != nil {
		return 0, err
	}
	return blk, nil

}

// claimBlock marks blk allocated and adjusts the free counts.
func (fs *Filesys) claimBlock(blk uint64) error {

	err := fs.BlockBitmap.Mark(blk)
	if err != nil {
		return err
	}

	g := fs.Super.GroupOfBlock(blk)
	fs.Descs[g].FreeBlocks--
	fs.Super.SetFreeBlocks(fs.Super.FreeBlocks() - 1)

	fs.MarkSuperDirty()
	fs.MarkDescsDirty()
	fs.flags |= dirtyBlockBitmap

	return nil

}

// FreeBlock releases blk, maintaining both the group descriptor and
// superblock free counts.
func (fs *Filesys) FreeBlock(blk uint64) error {

	err := fs.BlockBitmap.Unmark(blk)
	if err != nil {
		return err
	}

	g := fs.Super.GroupOfBlock(blk)
	fs.Descs[g].FreeBlocks++
	fs.Super.SetFreeBlocks(fs.Super.FreeBlocks() + 1)

	fs.MarkSuperDirty()
	fs.MarkDescsDirty()
	fs.flags |= dirtyBlockBitmap

	return nil

}

// AllocInode finds a free inode with a first-fit scan preferring
// goalGroup, marks it in use, and maintains the free and directory
// counts.
func (fs *Filesys) AllocInode(goalGroup uint64, isDir bool) (uint32, error) {

	sb := fs.Super
	total := uint64(sb.TotalInodes)
	start := goalGroup*uint64(sb.InodesPerGroup) + 1
	if start > total {
		start = uint64(FirstGoodInode)
	}

	scan := func(from, to uint64) (uint32, bool) {
		for i := from; i <= to; i++ {
			if i < FirstGoodInode {
				continue
			}
			set, err := fs.InodeBitmap.Test(i)
			if err != nil {
				return 0, false
			}
			if !set {
				return uint32(i), true
			}
		}
		return 0, false
	}

	ino, ok := scan(start, total)
	if !ok {
		ino, ok = scan(1, start-1)
	}
	if !ok {
		return 0, fmt.Errorf("inode allocation: %w", ErrNoInode)
	}

	err := fs.claimInode(ino, isDir)
	if err != nil {
		return 0, err
	}
	return ino, nil

}

// claimInode marks ino allocated and adjusts the counts.
func (fs *Filesys) claimInode(ino uint32, isDir bool) error {

	err := fs.InodeBitmap.Mark(uint64(ino))
	if err != nil {
		return err
	}

	g := fs.Super.GroupOfInode(ino)
	fs.Descs[g].FreeInodes--
	if isDir {
		fs.Descs[g].UsedDirs++
	}
	fs.Super.FreeInodes--

	fs.MarkSuperDirty()
	fs.MarkDescsDirty()
	fs.flags |= dirtyInodeBitmap

	return nil

}

// FreeInode releases ino, maintaining the free and directory counts.
func (fs *Filesys) FreeInode(ino uint32, isDir bool) error {

	err := fs.InodeBitmap.Unmark(uint64(ino))
	if err != nil {
		return err
	}

	g := fs.Super.GroupOfInode(ino)
	fs.Descs[g].FreeInodes++
	if isDir && fs.Descs[g].UsedDirs > 0 {
		fs.Descs[g].UsedDirs--
	}
	fs.Super.FreeInodes++

	fs.MarkSuperDirty()
	fs.MarkDescsDirty()
	fs.flags |= dirtyInodeBitmap

	return nil

}

// KillFile releases every block held by an inode and then the inode
// itself. Both the group descriptors and the superblock summary are
// kept correct throughout.
func (fs *Filesys) KillFile(ino uint32) error {

	inode, err := fs.ReadInode(ino)
	if err != nil {
		return err
	}

	if !inode.IsFastSymlink() && inode.Flags&FlagInlineData == 0 {
		err = fs.BlockIterateInode(ino, inode, IterDepthTraverse|IterReadOnly,
			func(blockNum *uint64, blockCount int64, refBlock uint64, refOffset int) int {
				if *blockNum == 0 {
					return 0
				}
				if err := fs.FreeBlock(*blockNum); err != nil {
					return BlockError
				}
				return 0
			})
		if err != nil {
			return err
		}
	}

	if inode.FileACLLo != 0 {
		err = fs.FreeBlock(uint64(inode.FileACLLo) | uint64(inode.FileACLHi)<<32)
		if err != nil {
			return err
		}
	}

	isDir := inode.IsDir()
	inode.Links = 0
	inode.DeletionTime = fs.Super.LastWrittenTime
	err = fs.WriteInode(ino, inode)
	if err != nil {
		return err
	}

	return fs.FreeInode(ino, isDir)

}
