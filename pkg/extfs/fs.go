package extfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"

	"github.com/vorteil/vext/pkg/bitmap"
	"github.com/vorteil/vext/pkg/blockio"
	"github.com/vorteil/vext/pkg/crc"
)

// Open flags.
const (
	OpenWritable = 0x1
	OpenForce    = 0x2
	OpenNoMMP    = 0x4
)

// Dirty flags tracked on the handle.
const (
	dirtySuper       = 0x1
	dirtyBlockBitmap = 0x2
	dirtyInodeBitmap = 0x4
	dirtyDescs       = 0x8
	flagChanged      = 0x10
	flagValid        = 0x20
)

// ProgressFunc reports progress at defined tick points. Returning a
// non-nil error requests cooperative cancellation of the running pass.
type ProgressFunc func(pass string, cur, max uint64) error

// Filesys bundles everything needed to operate on one open
// file-system: the I/O channel, the mutable superblock, the group
// descriptors and both allocation bitmaps. It is owned by exactly one
// caller; there is no internal locking.
type Filesys struct {
	Path     string
	Chan     *blockio.Channel
	Super    *Superblock
	Descs    []GroupDesc
	Writable bool

	BlockBitmap *bitmap.Bitmap
	InodeBitmap *bitmap.Bitmap

	// Root and Cwd anchor path resolution for this session.
	Root uint32
	Cwd  uint32

	Progress ProgressFunc

	flags int
}

// BlockSize returns the open file-system's block size.
func (fs *Filesys) BlockSize() int64 {
	return fs.Super.BlockSize()
}

// GroupCount returns the number of block groups.
func (fs *Filesys) GroupCount() uint64 {
	return fs.Super.GroupCount()
}

// MarkSuperDirty schedules the superblock for write-back at flush.
func (fs *Filesys) MarkSuperDirty() {
	fs.flags |= dirtySuper | flagChanged
}

// MarkBitmapsDirty schedules both bitmaps for write-back at flush.
func (fs *Filesys) MarkBitmapsDirty() {
	fs.flags |= dirtyBlockBitmap | dirtyInodeBitmap | flagChanged
}

// MarkDescsDirty schedules the descriptor table for write-back.
func (fs *Filesys) MarkDescsDirty() {
	fs.flags |= dirtyDescs | flagChanged
}

// Valid reports whether the handle holds a consistent file-system.
func (fs *Filesys) Valid() bool {
	return fs.flags&flagValid != 0
}

// Open opens the device or image at path.
func Open(path string, flags int) (*Filesys, error) {

	writable := flags&OpenWritable != 0

	mgr, err := blockio.OpenRaw(path, writable)
	if err != nil {
		return nil, err
	}

	fs, err := OpenWith(blockio.NewChannel(mgr), path, flags)
	if err != nil {
		mgr.Close()
		return nil, err
	}

	return fs, nil

}

// OpenWith opens a file-system through an existing channel. The
// channel is owned by the returned handle.
func OpenWith(ch *blockio.Channel, path string, flags int) (*Filesys, error) {

	writable := flags&OpenWritable != 0

	err := ch.SetBlockSize(SuperblockOffset)
	if err != nil {
		return nil, err
	}

	raw, err := ch.ReadBlk(1, 1)
	if err != nil {
		return nil, err
	}

	sb, err := decodeSuperblock(raw)
	if err != nil {
		return nil, err
	}

	err = sb.Validate()
	if err != nil {
		return nil, err
	}

	if incompat := sb.FeatureIncompat &^ uint32(SupportedIncompat); incompat != 0 {
		return nil, fmt.Errorf("incompat bits %#x: %w", incompat, ErrUnsupportedFeature)
	}
	if rocompat := sb.FeatureROCompat &^ uint32(SupportedROCompat); rocompat != 0 && writable {
		return nil, fmt.Errorf("ro-compat bits %#x: %w", rocompat, ErrReadOnlyFeature)
	}

	err = ch.SetBlockSize(int(sb.BlockSize()))
	if err != nil {
		return nil, err
	}

	fs := &Filesys{
		Path:     path,
		Chan:     ch,
		Super:    sb,
		Writable: writable,
		Root:     RootInode,
		Cwd:      RootInode,
		flags:    flagValid,
	}

	err = fs.readDescriptors()
	if err != nil {
		return nil, err
	}

	if writable && flags&OpenNoMMP == 0 && sb.FeatureIncompat&IncompatMMP != 0 {
		err = fs.mmpStart()
		if err != nil {
			return nil, err
		}
	}

	if writable && flags&OpenForce == 0 {
		err = fs.compareBackupSuper()
		if err != nil {
			return nil, err
		}
	}

	return fs, nil

}

// descriptorBlock returns the block holding descriptor-table block i,
// honoring the meta_bg sharding policy.
func (fs *Filesys) descriptorBlock(i int64) uint64 {

	sb := fs.Super
	base := uint64(sb.FirstDataBlock) + 1

	if sb.FeatureIncompat&IncompatMetaBG == 0 || i < int64(sb.FirstMetaBG) {
		return base + uint64(i)
	}

	// each descriptor block beyond first_meta_bg lives in the first
	// group of the meta-group it describes
	dpb := sb.DescriptorsPerBlock()
	firstGroup := uint64(i) * uint64(dpb)
	blk := sb.GroupFirstBlock(firstGroup)
	if sb.HasSuperBackup(firstGroup) {
		blk++
	}
	return blk

}

func (fs *Filesys) readDescriptors() error {

	sb := fs.Super
	groups := sb.GroupCount()
	size := int64(sb.DescriptorSize())
	dpb := sb.DescriptorsPerBlock()
	blocks := divide(int64(groups), dpb)

	fs.Descs = make([]GroupDesc, groups)

	for i := int64(0); i < blocks; i++ {

		raw, err := fs.Chan.ReadBlk(int64(fs.descriptorBlock(i)), 1)
		if err != nil {
			return err
		}

		for j := int64(0); j < dpb; j++ {
			g := uint64(i*dpb + j)
			if g >= groups {
				break
			}
			fs.Descs[g] = *decodeGroupDesc(sb, raw[j*size:(j+1)*size])
		}

	}

	for g := uint64(0); g < groups; g++ {
		err := sb.checkDescriptor(g, &fs.Descs[g])
		if err != nil {
			return err
		}
	}

	return nil

}

// compareBackupSuper reads the first backup superblock and forces a
// consistency check if it disagrees with the primary on the fields
// that never legitimately diverge.
func (fs *Filesys) compareBackupSuper() error {

	sb := fs.Super
	groups := sb.GroupCount()

	var backupGroup uint64
	for g := uint64(1); g < groups; g++ {
		if sb.HasSuperBackup(g) {
			backupGroup = g
			break
		}
	}
	if backupGroup == 0 {
		return nil
	}

	raw, err := fs.Chan.ReadBlk(int64(sb.GroupFirstBlock(backupGroup)), -SuperblockSize)
	if err != nil {
		// an unreadable backup is the checker's problem, not open's
		return nil
	}

	backup, err := decodeSuperblock(raw)
	if err != nil {
		fs.Super.State &^= StateValid
		return nil
	}

	if backup.FeatureCompat != sb.FeatureCompat ||
		backup.FeatureIncompat != sb.FeatureIncompat ||
		backup.FeatureROCompat != sb.FeatureROCompat ||
		backup.InodesPerGroup != sb.InodesPerGroup ||
		backup.BlocksPerGroup != sb.BlocksPerGroup {
		// divergence forces a full check on the next fsck run
		fs.Super.State &^= StateValid
		fs.MarkSuperDirty()
	}

	return nil

}

// WriteBitmaps writes both allocation bitmaps back to disk.
func (fs *Filesys) WriteBitmaps() error {

	sb := fs.Super
	groups := sb.GroupCount()
	bs := int(sb.BlockSize())
	metaCsum := sb.FeatureROCompat&ROCompatMetadataCsum != 0

	for g := uint64(0); g < groups; g++ {

		desc := &fs.Descs[g]

		if fs.flags&dirtyBlockBitmap != 0 && fs.BlockBitmap != nil {
			first := sb.GroupFirstBlock(g)
			last := sb.GroupLastBlock(g)
			sub := bitmap.New(bitmap.KindBlock, first, last, "group block bitmap")
			for b := first; b <= last; b++ {
				set, err := fs.BlockBitmap.Test(b)
				if err != nil {
					return err
				}
				if set {
					_ = sub.Mark(b)
				}
			}
			raw := sub.Bytes(bs)
			if metaCsum {
				desc.BlockBitmapCsum = crc.CRC32c(sb.CsumSeed(), raw)
			}
			err := fs.Chan.WriteBlk(int64(desc.BlockBitmap), 1, raw)
			if err != nil {
				return err
			}
		}

		if fs.flags&dirtyInodeBitmap != 0 && fs.InodeBitmap != nil {
			first := uint64(g)*uint64(sb.InodesPerGroup) + 1
			last := first + uint64(sb.InodesPerGroup) - 1
			sub := bitmap.New(bitmap.KindInode, first, last, "group inode bitmap")
			for i := first; i <= last; i++ {
				set, err := fs.InodeBitmap.Test(i)
				if err != nil {
					return err
				}
				if set {
					_ = sub.Mark(i)
				}
			}
			raw := sub.Bytes(bs)
			if metaCsum {
				desc.InodeBitmapCsum = crc.CRC32c(sb.CsumSeed(), raw)
			}
			err := fs.Chan.WriteBlk(int64(desc.InodeBitmap), 1, raw)
			if err != nil {
				return err
			}
		}

	}

	if fs.flags&(dirtyBlockBitmap|dirtyInodeBitmap) != 0 && metaCsum {
		fs.MarkDescsDirty()
	}
	fs.flags &^= dirtyBlockBitmap | dirtyInodeBitmap

	return nil

}

// ReadBitmaps loads both allocation bitmaps from disk.
func (fs *Filesys) ReadBitmaps() error {

	sb := fs.Super
	groups := sb.GroupCount()

	fs.BlockBitmap = bitmap.New(bitmap.KindBlock,
		uint64(sb.FirstDataBlock), sb.TotalBlocks()-1, fs.Path+" block bitmap")
	fs.InodeBitmap = bitmap.New(bitmap.KindInode,
		1, uint64(sb.TotalInodes), fs.Path+" inode bitmap")

	for g := uint64(0); g < groups; g++ {

		desc := &fs.Descs[g]

		raw, err := fs.Chan.ReadBlk(int64(desc.BlockBitmap), 1)
		if err != nil {
			return err
		}
		first := sb.GroupFirstBlock(g)
		last := sb.GroupLastBlock(g)
		for b := first; b <= last; b++ {
			bit := b - first
			if raw[bit/8]&(1<<(bit%8)) != 0 {
				_ = fs.BlockBitmap.Mark(b)
			}
		}

		raw, err = fs.Chan.ReadBlk(int64(desc.InodeBitmap), 1)
		if err != nil {
			return err
		}
		base := uint64(g)*uint64(sb.InodesPerGroup) + 1
		for i := uint64(0); i < uint64(sb.InodesPerGroup); i++ {
			if raw[i/8]&(1<<(i%8)) != 0 {
				_ = fs.InodeBitmap.Mark(base + i)
			}
		}

	}

	return nil

}

// writeDescriptors writes the whole descriptor table, including the
// copies kept with each superblock backup.
func (fs *Filesys) writeDescriptors() error {

	sb := fs.Super
	size := int64(sb.DescriptorSize())
	dpb := sb.DescriptorsPerBlock()
	blocks := divide(int64(len(fs.Descs)), dpb)
	bs := sb.BlockSize()

	fs.SetDescChecksums()

	for i := int64(0); i < blocks; i++ {

		raw := make([]byte, bs)
		for j := int64(0); j < dpb; j++ {
			g := i*dpb + j
			if g >= int64(len(fs.Descs)) {
				break
			}
			copy(raw[j*size:], fs.Descs[g].encode(sb))
		}

		err := fs.Chan.WriteBlk(int64(fs.descriptorBlock(i)), 1, raw)
		if err != nil {
			return err
		}

		if sb.FeatureIncompat&IncompatMetaBG != 0 && i >= int64(sb.FirstMetaBG) {
			continue
		}

		// backup copies
		for g := uint64(1); g < sb.GroupCount(); g++ {
			if !sb.HasSuperBackup(g) {
				continue
			}
			err = fs.Chan.WriteBlk(int64(sb.GroupFirstBlock(g))+1+i, 1, raw)
			if err != nil {
				return err
			}
		}

	}

	fs.flags &^= dirtyDescs

	return nil

}

// writeSuper writes backup superblocks first and the master superblock
// last.
func (fs *Filesys) writeSuper() error {

	sb := fs.Super

	for g := uint64(1); g < sb.GroupCount(); g++ {
		if !sb.HasSuperBackup(g) {
			continue
		}
		backup := *sb
		backup.BlockGroupNumber = uint16(g)
		// backups do not carry the volatile orphan list
		backup.LastOrphan = 0
		raw, err := encodeSuperblock(&backup)
		if err != nil {
			return err
		}
		err = fs.Chan.WriteByte(int64(sb.GroupFirstBlock(g))*sb.BlockSize(), raw)
		if err != nil {
			return err
		}
	}

	sb.BlockGroupNumber = 0
	raw, err := encodeSuperblock(sb)
	if err != nil {
		return err
	}

	err = fs.Chan.WriteByte(SuperblockOffset, raw)
	if err != nil {
		return err
	}

	fs.flags &^= dirtySuper

	return nil

}

// Flush writes dirty state in the committed order: bitmaps, group
// descriptors, then the master superblock.
func (fs *Filesys) Flush() error {

	if !fs.Writable {
		return nil
	}

	err := fs.WriteBitmaps()
	if err != nil {
		return err
	}

	if fs.flags&dirtyDescs != 0 {
		err = fs.writeDescriptors()
		if err != nil {
			return err
		}
	}

	if fs.flags&dirtySuper != 0 {
		err = fs.writeSuper()
		if err != nil {
			return err
		}
	}

	return fs.Chan.Flush()

}

// Close flushes dirty structures and releases the channel.
func (fs *Filesys) Close() error {

	var err error
	if fs.Writable && fs.flags&flagChanged != 0 {
		err = fs.Flush()
	}

	if fs.Super.FeatureIncompat&IncompatMMP != 0 {
		if merr := fs.mmpStop(); err == nil {
			err = merr
		}
	}

	if cerr := fs.Chan.Close(); err == nil {
		err = cerr
	}

	fs.flags &^= flagValid

	return err

}

// tick reports progress and translates a cancellation request into
// ErrCanceled.
func (fs *Filesys) tick(pass string, cur, max uint64) error {
	if fs.Progress == nil {
		return nil
	}
	err := fs.Progress(pass, cur, max)
	if err != nil {
		return fmt.Errorf("%s: %w", pass, ErrCanceled)
	}
	return nil
}
