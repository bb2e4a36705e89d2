package resize

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"github.com/vorteil/vext/pkg/extfs"
)

// MinimumSize estimates the smallest block count the file-system can
// shrink to. It starts from what the allocated inodes require, adds
// per-group overhead, then iterates until the trailing group can hold
// the leftover data, finally padding with a safety margin against
// worst-case extent-tree growth during the move.
func MinimumSize(fs *extfs.Filesys) (uint64, error) {

	sb := fs.Super

	if fs.BlockBitmap == nil {
		err := fs.ReadBitmaps()
		if err != nil {
			return 0, err
		}
	}

	// inodes in use dictate a floor on the group count, since the
	// inode count per group is fixed
	usedInodes := uint64(sb.TotalInodes - sb.FreeInodes)
	minGroups := (usedInodes + uint64(sb.InodesPerGroup) - 1) / uint64(sb.InodesPerGroup)
	if minGroups == 0 {
		minGroups = 1
	}

	// blocks in use, not counting metadata that will be rebuilt for
	// the smaller layout
	var dataBlocks uint64
	for blk := uint64(sb.FirstDataBlock); blk < sb.TotalBlocks(); blk++ {
		set, err := fs.BlockBitmap.Test(blk)
		if err != nil {
			return 0, err
		}
		if set && !isMetaBlock(fs, blk) {
			dataBlocks++
		}
	}

	overheadPerGroup := func(g uint64) uint64 {
		overhead := uint64(2 + sb.InodeBlocksPerGroup())
		if sb.HasSuperBackup(g) {
			overhead += uint64(1 + sb.DescriptorBlocks() + int64(sb.ReservedGDTBlocks))
		}
		return overhead
	}

	bpg := uint64(sb.BlocksPerGroup)
	groups := minGroups

	// grow the estimate until the data fits
	for {
		var capacity uint64
		for g := uint64(0); g < groups; g++ {
			capacity += bpg - overheadPerGroup(g)
		}
		if capacity >= dataBlocks {
			break
		}
		groups++
	}

	size := uint64(sb.FirstDataBlock) + groups*bpg
	lastUsed := dataBlocks
	for g := uint64(0); g < groups-1; g++ {
		lastUsed -= minU64(lastUsed, bpg-overheadPerGroup(g))
	}
	// trim the trailing group down to what it actually holds, keeping
	// the worth-it slack
	trailing := lastUsed + overheadPerGroup(groups-1) + MinTrailingSlack
	if trailing < bpg {
		size -= bpg - trailing
	}

	// safety margin: a move can grow extent trees by as much as one
	// block per data block plus one per inode, and in practice by far
	// less; pad proportionally to the distance being shrunk
	if size < sb.TotalBlocks() {
		margin := (sb.TotalBlocks() - size) / 500
		worst := dataBlocks + usedInodes
		if margin > worst {
			margin = worst
		}
		size += margin
	}

	if size > sb.TotalBlocks() {
		size = sb.TotalBlocks()
	}

	return size, nil

}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
