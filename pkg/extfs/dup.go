package extfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import "github.com/vorteil/vext/pkg/bitmap"

// Duplicate deep-copies the in-memory state of a handle: superblock,
// descriptors and bitmaps. The channel is shared, so exactly one of
// the two handles may be flushed; the duplicate exists so that an
// operation can mutate a future layout while the original still
// describes what is on disk.
func (fs *Filesys) Duplicate() *Filesys {

	dup := &Filesys{
		Path:     fs.Path,
		Chan:     fs.Chan,
		Writable: fs.Writable,
		Root:     fs.Root,
		Cwd:      fs.Cwd,
		Progress: fs.Progress,
		flags:    fs.flags,
	}

	sb := *fs.Super
	dup.Super = &sb

	dup.Descs = make([]GroupDesc, len(fs.Descs))
	copy(dup.Descs, fs.Descs)

	if fs.BlockBitmap != nil {
		dup.BlockBitmap = bitmap.New(bitmap.KindBlock,
			fs.BlockBitmap.Start(), fs.BlockBitmap.End(), fs.BlockBitmap.Description())
		copyBitmap(dup.BlockBitmap, fs.BlockBitmap)
	}
	if fs.InodeBitmap != nil {
		dup.InodeBitmap = bitmap.New(bitmap.KindInode,
			fs.InodeBitmap.Start(), fs.InodeBitmap.End(), fs.InodeBitmap.Description())
		copyBitmap(dup.InodeBitmap, fs.InodeBitmap)
	}

	return dup

}

func copyBitmap(dst, src *bitmap.Bitmap) {
	for n := src.Start(); n <= src.End(); n++ {
		set, err := src.Test(n)
		if err == nil && set {
			_ = dst.Mark(n)
		}
	}
}
