package extfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"encoding/binary"
	"fmt"
)

// WriteNewFile creates a regular file holding data and links it into
// dir. Allocation starts at goal, which callers may use to steer the
// file into a particular group; zero means no preference. Files up to
// twelve direct blocks plus one indirect block's worth are supported,
// which is all the in-library writer needs; bigger payloads belong to
// a mounted kernel.
func (fs *Filesys) WriteNewFile(dir uint32, name string, data []byte, goal uint64) (uint32, error) {

	bs := fs.BlockSize()
	blocks := divide(int64(len(data)), bs)
	maxBlocks := 12 + bs/4
	if blocks > maxBlocks {
		return 0, fmt.Errorf("file of %d blocks exceeds the writer's limit of %d: %w",
			blocks, maxBlocks, ErrBadArgument)
	}

	if goal == 0 {
		goal = fs.Super.GroupFirstBlock(fs.Super.GroupOfInode(dir))
	}

	ino, err := fs.AllocInode(fs.Super.GroupOfBlock(goal), false)
	if err != nil {
		return 0, err
	}

	inode := &Inode{
		Mode:       ModeRegular | 0644,
		Links:      1,
		AccessTime: fs.Super.LastWrittenTime,
		ChangeTime: fs.Super.LastWrittenTime,
		ModifyTime: fs.Super.LastWrittenTime,
	}
	inode.SetSize(uint64(len(data)))

	var indirect uint64
	var indirectRaw []byte
	used := int64(0)

	for i := int64(0); i < blocks; i++ {

		blk, err := fs.AllocBlock(goal)
		if err != nil {
			return 0, err
		}
		goal = blk + 1

		chunk := make([]byte, bs)
		copy(chunk, data[i*bs:])
		err = fs.Chan.WriteBlk(int64(blk), 1, chunk)
		if err != nil {
			return 0, err
		}

		if i < 12 {
			inode.Block[i] = uint32(blk)
		} else {
			if indirect == 0 {
				indirect, err = fs.AllocBlock(goal)
				if err != nil {
					return 0, err
				}
				goal = indirect + 1
				indirectRaw = make([]byte, bs)
				inode.Block[12] = uint32(indirect)
				used++
			}
			binary.LittleEndian.PutUint32(indirectRaw[(i-12)*4:], uint32(blk))
		}
		used++

	}

	if indirect != 0 {
		err = fs.Chan.WriteBlk(int64(indirect), 1, indirectRaw)
		if err != nil {
			return 0, err
		}
	}

	inode.SectorsLo = uint32(used * (bs / 512))

	err = fs.WriteInode(ino, inode)
	if err != nil {
		return 0, err
	}

	err = fs.Link(dir, name, ino, FTypeRegular)
	if err != nil {
		return 0, err
	}

	return ino, nil

}
