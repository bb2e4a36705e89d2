package check

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"sort"

	"github.com/vorteil/vext/pkg/bitmap"
	"github.com/vorteil/vext/pkg/elog"
	"github.com/vorteil/vext/pkg/extfs"
)

// Options adjusts checker behavior.
type Options struct {
	Log      elog.Logger
	Progress extfs.ProgressFunc
	Fixer    Fixer
	Force    bool // check even if the file-system is marked clean
}

// Result summarizes a completed check.
type Result struct {
	Problems    []Problem
	Fixed       int
	Uncorrected int
	Clean       bool // nothing was wrong to begin with
}

// ExitCode maps the result onto the conventional checker exit codes.
func (r *Result) ExitCode() int {
	code := 0
	if r.Fixed > 0 {
		code |= 1
	}
	if r.Uncorrected > 0 {
		code |= 4
	}
	return code
}

// state carries the cross-pass working set.
type state struct {
	fs   *extfs.Filesys
	opts Options
	res  *Result

	computedBlocks *bitmap.Bitmap
	computedInodes *bitmap.Bitmap

	linkCounts map[uint32]uint16 // dirent references per inode
	parents    map[uint32]uint32 // directory -> parent
	isDir      map[uint32]bool
	connected  map[uint32]bool
}

func (s *state) report(p Problem) bool {

	s.res.Problems = append(s.res.Problems, p)

	if s.opts.Log != nil {
		s.opts.Log.Warnf("%s", p)
	}

	fix := false
	if s.opts.Fixer != nil && s.fs.Writable {
		fix = s.opts.Fixer.Fix(p)
	}
	if fix {
		s.res.Fixed++
	} else {
		s.res.Uncorrected++
	}
	return fix

}

// Check runs the full pass sequence over an open file-system.
func Check(fs *extfs.Filesys, opts Options) (*Result, error) {

	if opts.Fixer == nil {
		opts.Fixer = AutoNo{}
	}

	s := &state{
		fs:         fs,
		opts:       opts,
		res:        &Result{},
		linkCounts: make(map[uint32]uint16),
		parents:    make(map[uint32]uint32),
		isDir:      make(map[uint32]bool),
		connected:  make(map[uint32]bool),
	}

	clean := fs.Super.State&extfs.StateValid != 0 &&
		fs.Super.State&extfs.StateError == 0
	if clean && !opts.Force {
		s.res.Clean = true
		return s.res, nil
	}

	if fs.BlockBitmap == nil {
		err := fs.ReadBitmaps()
		if err != nil {
			return nil, err
		}
	}

	err := s.pass0()
	if err != nil {
		return s.res, err
	}
	err = s.pass1()
	if err != nil {
		return s.res, err
	}
	err = s.pass2()
	if err != nil {
		return s.res, err
	}
	err = s.pass3()
	if err != nil {
		return s.res, err
	}
	err = s.pass4()
	if err != nil {
		return s.res, err
	}
	err = s.pass5()
	if err != nil {
		return s.res, err
	}

	// a repaired file-system leaves clean
	if fs.Writable && s.res.Uncorrected == 0 {
		fs.Super.State |= extfs.StateValid
		fs.Super.State &^= extfs.StateError
		fs.MarkSuperDirty()
		err = fs.Flush()
		if err != nil {
			return s.res, err
		}
	}

	return s.res, nil

}

// pass0 validates the superblock and the unclean flag.
func (s *state) pass0() error {

	sb := s.fs.Super

	err := sb.Validate()
	if err != nil {
		return fmt.Errorf("superblock: %w", err)
	}

	if sb.State&extfs.StateValid == 0 || sb.State&extfs.StateError != 0 {
		s.report(Problem{Code: SuperUnclean})
	}

	return nil

}

// pass1 walks every allocated inode's block tree, building the
// computed bitmaps and reference counts.
func (s *state) pass1() error {

	fs := s.fs
	sb := fs.Super

	s.computedBlocks = bitmap.New(bitmap.KindBlock,
		uint64(sb.FirstDataBlock), sb.TotalBlocks()-1, "computed block bitmap")
	s.computedInodes = bitmap.New(bitmap.KindInode,
		1, uint64(sb.TotalInodes), "computed inode bitmap")

	// metadata blocks are always in use
	for g := uint64(0); g < sb.GroupCount(); g++ {
		base := sb.GroupFirstBlock(g)
		if sb.HasSuperBackup(g) {
			span := uint64(1 + sb.DescriptorBlocks() + int64(sb.ReservedGDTBlocks))
			_ = s.computedBlocks.MarkRange(base, span)
		}
		desc := &fs.Descs[g]
		_ = s.computedBlocks.Mark(desc.BlockBitmap)
		_ = s.computedBlocks.Mark(desc.InodeBitmap)
		_ = s.computedBlocks.MarkRange(desc.InodeTable, uint64(sb.InodeBlocksPerGroup()))
	}

	// reserved inodes are always allocated
	for ino := uint32(1); ino < extfs.FirstGoodInode; ino++ {
		_ = s.computedInodes.Mark(uint64(ino))
	}

	return fs.IterateInodes(func(ino uint32, full *extfs.FullInode) error {

		inode := &full.Inode

		if inode.Links == 0 && inode.DeletionTime == 0 && ino >= extfs.FirstGoodInode {
			if s.report(Problem{Code: InodeZeroLinkAlive, Inode: ino}) {
				return fs.KillFile(ino)
			}
			return nil
		}
		if inode.DeletionTime != 0 && ino >= extfs.FirstGoodInode {
			// deleted but still marked; pass 5 reconciles the bitmap
			if s.report(Problem{Code: InodeUnusedButMarked, Inode: ino}) {
				return nil
			}
		}

		_ = s.computedInodes.Mark(uint64(ino))
		if inode.IsDir() {
			s.isDir[ino] = true
		}

		if inode.IsFastSymlink() || inode.Flags&extfs.FlagInlineData != 0 {
			return nil
		}

		return fs.BlockIterateInode(ino, inode, extfs.IterReadOnly,
			func(blockNum *uint64, blockCount int64, refBlock uint64, refOffset int) int {

				blk := *blockNum
				if blk == 0 {
					return 0
				}

				if blk < uint64(sb.FirstDataBlock) || blk >= sb.TotalBlocks() {
					s.report(Problem{Code: InodeBlockOutOfRange, Inode: ino, Block: blk})
					return 0
				}

				// the resize inode legitimately maps the reserved
				// descriptor blocks, which are already metadata
				set, _ := s.computedBlocks.Test(blk)
				if set && ino != extfs.ResizeInode &&
					sb.FeatureROCompat&extfs.ROCompatSharedBlocks == 0 {
					s.report(Problem{Code: InodeBlockShared, Inode: ino, Block: blk})
				}
				_ = s.computedBlocks.Mark(blk)
				return 0

			})

	})

}

// pass2 validates directory structure and collects the parent map.
func (s *state) pass2() error {

	fs := s.fs
	sb := fs.Super

	dirs := make([]uint32, 0, len(s.isDir))
	for ino := range s.isDir {
		dirs = append(dirs, ino)
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i] < dirs[j] })

	for _, dir := range dirs {

		var sawDot, sawDotDot bool

		err := fs.IterateDir(dir, func(d *extfs.Dirent) int {

			if d.Inode == 0 {
				return 0
			}

			switch d.Name {
			case ".":
				sawDot = true
				if d.Inode != dir {
					if s.report(Problem{Code: DirBadDot, Dir: dir, Inode: d.Inode}) {
						d.Inode = dir
						return extfs.BlockChanged
					}
				}
				return 0
			case "..":
				sawDotDot = true
				s.parents[dir] = d.Inode
				return 0
			}

			if d.Inode > sb.TotalInodes {
				if s.report(Problem{Code: DirEntryBadInode, Dir: dir, Inode: d.Inode}) {
					d.Inode = 0
					return extfs.BlockChanged
				}
				return 0
			}

			allocated, _ := s.computedInodes.Test(uint64(d.Inode))
			if !allocated {
				if s.report(Problem{Code: DirEntryUnusedInode, Dir: dir, Inode: d.Inode}) {
					d.Inode = 0
					return extfs.BlockChanged
				}
				return 0
			}

			s.linkCounts[d.Inode]++
			if s.isDir[d.Inode] {
				s.parents[d.Inode] = dir
			}

			return 0

		})
		if err != nil {
			// a corrupt block surfaces here; report and continue
			s.report(Problem{Code: DirCorruptBlock, Dir: dir})
			continue
		}

		if !sawDot {
			s.report(Problem{Code: DirBadDot, Dir: dir})
		}
		if !sawDotDot {
			s.report(Problem{Code: DirBadDotDot, Dir: dir})
		}

	}

	return nil

}

// pass3 checks connectivity, reconnecting strays to lost+found.
func (s *state) pass3() error {

	fs := s.fs

	s.connected[extfs.RootInode] = true
	var walk func(dir uint32)
	walk = func(dir uint32) {
		for child, parent := range s.parents {
			if parent == dir && !s.connected[child] && s.isDir[child] {
				s.connected[child] = true
				walk(child)
			}
		}
	}
	walk(extfs.RootInode)

	for ino := range s.isDir {
		if ino == extfs.RootInode || s.connected[ino] {
			continue
		}
		if ino < extfs.FirstGoodInode {
			continue
		}
		if s.report(Problem{Code: DirUnconnected, Inode: ino}) {
			err := s.reconnect(ino)
			if err != nil {
				return err
			}
		}
	}

	// files that are allocated but never referenced
	for ino := uint64(extfs.FirstGoodInode); ino <= uint64(fs.Super.TotalInodes); ino++ {
		set, _ := s.computedInodes.Test(ino)
		if !set || s.isDir[uint32(ino)] {
			continue
		}
		if s.linkCounts[uint32(ino)] == 0 {
			if s.report(Problem{Code: InodeOrphaned, Inode: uint32(ino)}) {
				err := s.reconnect(uint32(ino))
				if err != nil {
					return err
				}
			}
		}
	}

	return nil

}

// reconnect links a stray inode into lost+found under a synthetic
// name.
func (s *state) reconnect(ino uint32) error {

	fs := s.fs

	lf, err := fs.Lookup(extfs.RootInode, "lost+found")
	if err != nil {
		// no lost+found; make one
		lf, err = fs.Mkdir(extfs.RootInode, "lost+found", 0700)
		if err != nil {
			return err
		}
	}

	inode, err := fs.ReadInode(ino)
	if err != nil {
		return err
	}

	ftype := uint8(extfs.FTypeRegular)
	if inode.IsDir() {
		ftype = extfs.FTypeDir
	} else if inode.IsSymlink() {
		ftype = extfs.FTypeSymlink
	}

	name := fmt.Sprintf("#%d", ino)
	err = fs.Link(lf, name, ino, ftype)
	if err != nil {
		return err
	}

	s.linkCounts[ino]++
	s.connected[ino] = true
	if s.opts.Log != nil {
		s.opts.Log.Printf("reconnected inode %d to /lost+found/%s", ino, name)
	}

	return nil

}

// pass4 reconciles link counts.
func (s *state) pass4() error {

	fs := s.fs

	for ino := range s.isDir {
		// a directory's count includes '.' and each child's '..'
		expected := uint16(2)
		for child, parent := range s.parents {
			if parent == ino && child != ino && s.isDir[child] {
				expected++
			}
		}
		s.linkCounts[ino] = expected
	}

	for ino, want := range s.linkCounts {

		if ino < extfs.FirstGoodInode && ino != extfs.RootInode {
			continue
		}

		inode, err := fs.ReadInode(ino)
		if err != nil {
			continue
		}
		if inode.Links == want {
			continue
		}

		if s.report(Problem{Code: InodeBadLinkCount, Inode: ino}) {
			inode.Links = want
			err = fs.WriteInode(ino, inode)
			if err != nil {
				return err
			}
		}

	}

	return nil

}

// pass5 reconciles bitmaps and summary counts against computed state.
func (s *state) pass5() error {

	fs := s.fs
	sb := fs.Super

	blocksDiffer := !bitmap.Equal(s.computedBlocks, fs.BlockBitmap)
	if blocksDiffer {
		if s.report(Problem{Code: BitmapBlockDiffers}) {
			fs.BlockBitmap = s.computedBlocks
			fs.MarkBitmapsDirty()
		}
	}

	inodesDiffer := !bitmap.Equal(s.computedInodes, fs.InodeBitmap)
	if inodesDiffer {
		if s.report(Problem{Code: BitmapInodeDiffers}) {
			fs.InodeBitmap = s.computedInodes
			fs.MarkBitmapsDirty()
		}
	}

	// recompute free counts from whichever bitmaps won
	var freeBlocks uint64
	var freeInodes uint32
	for g := uint64(0); g < sb.GroupCount(); g++ {

		var gb, gi uint32
		first := sb.GroupFirstBlock(g)
		last := sb.GroupLastBlock(g)
		for b := first; b <= last; b++ {
			set, err := fs.BlockBitmap.Test(b)
			if err == nil && !set {
				gb++
			}
		}
		base := uint64(g)*uint64(sb.InodesPerGroup) + 1
		for i := uint64(0); i < uint64(sb.InodesPerGroup); i++ {
			set, err := fs.InodeBitmap.Test(base + i)
			if err == nil && !set {
				gi++
			}
		}

		if fs.Descs[g].FreeBlocks != gb {
			if s.report(Problem{Code: GroupFreeBlocksWrong, Group: g}) {
				fs.Descs[g].FreeBlocks = gb
				fs.MarkDescsDirty()
			}
		}
		if fs.Descs[g].FreeInodes != gi {
			if s.report(Problem{Code: GroupFreeInodesWrong, Group: g}) {
				fs.Descs[g].FreeInodes = gi
				fs.MarkDescsDirty()
			}
		}

		var dirs uint32
		for ino, isdir := range s.isDir {
			if isdir && sb.GroupOfInode(ino) == g {
				dirs++
			}
		}
		if fs.Descs[g].UsedDirs != dirs {
			if s.report(Problem{Code: GroupUsedDirsWrong, Group: g}) {
				fs.Descs[g].UsedDirs = dirs
				fs.MarkDescsDirty()
			}
		}

		freeBlocks += uint64(fs.Descs[g].FreeBlocks)
		freeInodes += fs.Descs[g].FreeInodes

	}

	if sb.FreeBlocks() != freeBlocks {
		if s.report(Problem{Code: SuperBadSummaryBlocks}) {
			sb.SetFreeBlocks(freeBlocks)
			fs.MarkSuperDirty()
		}
	}
	if sb.FreeInodes != freeInodes {
		if s.report(Problem{Code: SuperBadSummaryInodes}) {
			sb.FreeInodes = freeInodes
			fs.MarkSuperDirty()
		}
	}

	return nil

}
