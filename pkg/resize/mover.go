package resize

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"

	"github.com/vorteil/vext/pkg/extfs"
)

// getNewBlock is the two-tier destination allocator shared by the
// block mover and the late fixups. In the avoid-old tier it skips any
// block the old layout is still using, so that an abort mid-move
// never finds its data overwritten. Once the scan exhausts the disk
// it drops to desperation and honors only the new bitmap and the
// reserve bitmap.
func (ctx *Context) getNewBlock() (uint64, error) {

	sb := ctx.New.Super
	first := uint64(sb.FirstDataBlock)
	total := sb.TotalBlocks()

	if ctx.alloc.next < first {
		ctx.alloc.next = first
	}

	for {

		if ctx.alloc.next >= total {
			if ctx.alloc.desperation {
				return 0, fmt.Errorf("block mover: %w", extfs.ErrNoSpace)
			}
			ctx.debugf("block allocator falling back to desperation mode")
			ctx.alloc.desperation = true
			ctx.alloc.next = first
		}

		blk := ctx.alloc.next
		ctx.alloc.next++

		set, err := ctx.New.BlockBitmap.Test(blk)
		if err != nil {
			return 0, err
		}
		if set {
			continue
		}

		reserved, err := ctx.reserve.Test(blk)
		if err != nil {
			return 0, err
		}
		if reserved {
			continue
		}

		if !ctx.alloc.desperation && blk < ctx.Old.Super.TotalBlocks() {
			oldSet, err := ctx.Old.BlockBitmap.Test(blk)
			if err != nil {
				return 0, err
			}
			if oldSet {
				continue
			}
		}

		return blk, nil

	}

}

// blockMover is phase three: allocate a destination for every cluster
// in the move set, record the translations, and copy the data. The
// channel is flushed after each contiguous run so that an abort leaves
// every recorded move fully applied.
func (ctx *Context) blockMover() error {

	old := ctx.Old.Super
	sb := ctx.New.Super
	cluster := uint64(sb.ClusterRatio())

	span := old.TotalBlocks()
	if sb.TotalBlocks() > span {
		span = sb.TotalBlocks()
	}

	// count the work for progress reporting
	var toMove uint64
	for blk := uint64(old.FirstDataBlock); blk < span; blk++ {
		set, err := ctx.move.Test(blk)
		if err != nil {
			return err
		}
		if set {
			toMove++
		}
	}
	if toMove == 0 {
		return nil
	}
	ctx.debugf("relocating %d blocks", toMove)

	var moved uint64

	blk := uint64(old.FirstDataBlock)
	for blk < span {

		set, err := ctx.move.Test(blk)
		if err != nil {
			return err
		}
		if !set {
			blk++
			continue
		}

		// gather the contiguous run, rounded out to whole clusters
		runStart := blk - (blk-uint64(old.FirstDataBlock))%cluster
		run := uint64(0)
		for runStart+run < span {
			s, err := ctx.move.Test(runStart + run)
			if err != nil {
				break
			}
			if !s && run%cluster == 0 {
				break
			}
			run++
		}
		if run == 0 {
			blk++
			continue
		}

		err = ctx.moveRun(runStart, run)
		if err != nil {
			return err
		}

		moved += run
		blk = runStart + run

		err = ctx.tick("block mover", moved, toMove)
		if err != nil {
			return err
		}

	}

	return nil

}

// moveRun relocates one contiguous run of blocks, preferring a single
// contiguous destination so that extent-mapped files survive without
// splitting, and falling back to block-by-block placement.
func (ctx *Context) moveRun(start, length uint64) error {

	dest, contiguous := ctx.findContiguous(length)

	for i := uint64(0); i < length; i++ {

		var to uint64
		var err error

		if contiguous {
			to = dest + i
			err = ctx.New.BlockBitmap.Mark(to)
			if err != nil {
				return err
			}
		} else {
			to, err = ctx.getNewBlock()
			if err != nil {
				return err
			}
			err = ctx.New.BlockBitmap.Mark(to)
			if err != nil {
				return err
			}
		}

		from := start + i
		ctx.bmap.Add(from, to)

		raw, err := ctx.Old.Chan.ReadBlk(int64(from), 1)
		if err != nil {
			return err
		}
		err = ctx.Old.Chan.WriteBlk(int64(to), 1, raw)
		if err != nil {
			return err
		}

	}

	// survive an abort: the copies land before any pointer rewrite
	return ctx.Old.Chan.Flush()

}

// findContiguous looks for a contiguous free destination run without
// consuming allocator state on failure.
func (ctx *Context) findContiguous(length uint64) (uint64, bool) {

	sb := ctx.New.Super
	first := uint64(sb.FirstDataBlock)
	total := sb.TotalBlocks()

	free := func(blk uint64) bool {
		set, err := ctx.New.BlockBitmap.Test(blk)
		if err != nil || set {
			return false
		}
		reserved, err := ctx.reserve.Test(blk)
		if err != nil || reserved {
			return false
		}
		if blk < ctx.Old.Super.TotalBlocks() {
			oldSet, err := ctx.Old.BlockBitmap.Test(blk)
			if err != nil || oldSet {
				return false
			}
		}
		return true
	}

	start := ctx.alloc.next
	if start < first {
		start = first
	}

	run := uint64(0)
	for blk := start; blk < total; blk++ {
		if free(blk) {
			run++
			if run == length {
				return blk - length + 1, true
			}
		} else {
			run = 0
		}
	}

	return 0, false

}
