package extfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vorteil/vext/pkg/bitmap"
	"github.com/vorteil/vext/pkg/blockio"
)

// InitParams parameterizes file-system creation.
type InitParams struct {
	Blocks         uint64
	BlockSize      int64  // default 1024
	InodesPerGroup uint32 // default one inode per 16 KiB, rounded to a full table block
	InodeSize      uint16 // default 128
	Label          string
	ReservedRatio  uint64 // percent of blocks reserved for root, default 5

	FeatureCompat   uint32
	FeatureIncompat uint32
	FeatureROCompat uint32
	NoDefaults      bool // use the feature words exactly as given
}

func (p *InitParams) fillDefaults() {
	if p.BlockSize == 0 {
		p.BlockSize = 1024
	}
	if p.InodeSize == 0 {
		p.InodeSize = MinInodeSize
	}
	if p.ReservedRatio == 0 {
		p.ReservedRatio = 5
	}
	if !p.NoDefaults {
		p.FeatureCompat |= CompatResizeInode | CompatDirPrealloc
		p.FeatureIncompat |= IncompatFiletype
		p.FeatureROCompat |= ROCompatSparseSuper | ROCompatLargeFile
	}
}

// Initialize creates a fresh file-system on the device at path.
func Initialize(path string, params InitParams) (*Filesys, error) {
	mgr, err := blockio.OpenRaw(path, true)
	if err != nil {
		return nil, err
	}
	fs, err := InitializeWith(blockio.NewChannel(mgr), path, params)
	if err != nil {
		mgr.Close()
		return nil, err
	}
	return fs, nil
}

// InitializeWith creates a fresh file-system through an existing
// channel.
func InitializeWith(ch *blockio.Channel, path string, params InitParams) (*Filesys, error) {

	params.fillDefaults()
	bs := params.BlockSize
	now := uint32(time.Now().Unix())

	firstData := uint32(1)
	if bs > 1024 {
		firstData = 0
	}

	bpg := uint32(8 * bs)
	if params.Blocks <= uint64(firstData) {
		return nil, fmt.Errorf("device of %d blocks is too small: %w", params.Blocks, ErrBadArgument)
	}
	groups := (params.Blocks - uint64(firstData) + uint64(bpg) - 1) / uint64(bpg)

	ipb := uint32(bs) / uint32(params.InodeSize)
	ipg := params.InodesPerGroup
	if ipg == 0 {
		perGroupBytes := uint64(bpg) * uint64(bs)
		ipg = uint32(perGroupBytes / 16384)
	}
	ipg = (ipg + ipb - 1) / ipb * ipb
	if int64(ipg) > 8*bs {
		ipg = uint32(8 * bs)
	}

	sb := &Superblock{
		TotalInodes:         uint32(groups) * ipg,
		FreeInodes:          uint32(groups) * ipg,
		FirstDataBlock:      firstData,
		BlocksPerGroup:      bpg,
		ClustersPerGroup:    bpg,
		InodesPerGroup:      ipg,
		LastWrittenTime:     now,
		MountsCheckInterval: 0xFFFF,
		Signature:           Signature,
		State:               StateValid,
		ErrorProtocol:       ErrorsContinue,
		TimeLastCheck:       now,
		CreatorOS:           0,
		VersionMajor:        RevDynamic,
		FirstIno:            FirstGoodInode,
		InodeSize:           params.InodeSize,
		FeatureCompat:       params.FeatureCompat,
		FeatureIncompat:     params.FeatureIncompat,
		FeatureROCompat:     params.FeatureROCompat,
		MkfsTime:            now,
	}
	for bs>>uint(10+sb.LogBlockSize) > 1 {
		sb.LogBlockSize++
	}
	sb.LogClusterSize = sb.LogBlockSize
	sb.SetTotalBlocks(params.Blocks)
	sb.ReservedBlocksLo = uint32(params.Blocks * params.ReservedRatio / 100)
	id := uuid.New()
	copy(sb.UUID[:], id[:])
	copy(sb.VolumeLabel[:], params.Label)

	if sb.FeatureCompat&CompatResizeInode != 0 {
		sb.ReservedGDTBlocks = reservedGDTBlocks(sb)
	}

	err := sb.Validate()
	if err != nil {
		return nil, err
	}

	err = ch.SetBlockSize(int(bs))
	if err != nil {
		return nil, err
	}

	fs := &Filesys{
		Path:     path,
		Chan:     ch,
		Super:    sb,
		Writable: true,
		Root:     RootInode,
		Cwd:      RootInode,
		flags:    flagValid,
	}

	fs.BlockBitmap = bitmap.New(bitmap.KindBlock,
		uint64(firstData), params.Blocks-1, path+" block bitmap")
	fs.InodeBitmap = bitmap.New(bitmap.KindInode,
		1, uint64(sb.TotalInodes), path+" inode bitmap")

	err = fs.layoutGroups()
	if err != nil {
		return nil, err
	}

	err = fs.createReservedInodes()
	if err != nil {
		return nil, err
	}

	err = fs.createRootAndLostFound()
	if err != nil {
		return nil, err
	}

	fs.RecomputeSummary()
	fs.MarkSuperDirty()
	fs.MarkDescsDirty()
	fs.MarkBitmapsDirty()

	err = fs.Flush()
	if err != nil {
		return nil, err
	}

	return fs, nil

}

// reservedGDTBlocks sizes the reserved descriptor area for a
// thousandfold future grow, bounded by what one double-indirect block
// can map.
func reservedGDTBlocks(sb *Superblock) uint16 {

	maxBlocks := uint64(0xFFFFFFFF)
	if sb.TotalBlocks() < maxBlocks/1024 {
		maxBlocks = sb.TotalBlocks() * 1024
	}
	maxGroups := (maxBlocks - uint64(sb.FirstDataBlock) + uint64(sb.BlocksPerGroup) - 1) /
		uint64(sb.BlocksPerGroup)

	reserved := divide(int64(maxGroups), sb.DescriptorsPerBlock()) - sb.DescriptorBlocks()
	if limit := sb.BlockSize() / 4; reserved > limit {
		reserved = limit
	}
	if reserved < 0 {
		reserved = 0
	}
	return uint16(reserved)

}

// groupOverhead returns the number of blocks at the head of group g
// consumed by the superblock backup and descriptor area.
func (sb *Superblock) groupOverhead(g uint64) int64 {
	if !sb.HasSuperBackup(g) {
		return 0
	}
	return 1 + sb.DescriptorBlocks() + int64(sb.ReservedGDTBlocks)
}

// layoutGroups chooses natural metadata positions for every group and
// marks them in the block bitmap.
func (fs *Filesys) layoutGroups() error {

	sb := fs.Super
	groups := sb.GroupCount()
	fs.Descs = make([]GroupDesc, groups)

	zero := make([]byte, sb.BlockSize())

	for g := uint64(0); g < groups; g++ {

		base := sb.GroupFirstBlock(g)
		cursor := base + uint64(sb.groupOverhead(g))

		desc := &fs.Descs[g]
		desc.BlockBitmap = cursor
		desc.InodeBitmap = cursor + 1
		desc.InodeTable = cursor + 2
		itblBlocks := uint64(sb.InodeBlocksPerGroup())

		err := fs.BlockBitmap.MarkRange(base, cursor+2+itblBlocks-base)
		if err != nil {
			return err
		}

		// zero the inode table
		for i := uint64(0); i < itblBlocks; i++ {
			err = fs.Chan.WriteBlk(int64(desc.InodeTable+i), 1, zero)
			if err != nil {
				return err
			}
		}

		desc.FreeInodes = sb.InodesPerGroup

	}

	// blocks beyond the end of the last group are unusable; they are
	// already outside the bitmap range

	return nil

}

// createReservedInodes marks inodes 1..10 in use and builds the resize
// inode's double-indirect map over the reserved descriptor blocks.
func (fs *Filesys) createReservedInodes() error {

	sb := fs.Super

	for ino := uint32(1); ino < FirstGoodInode; ino++ {
		err := fs.InodeBitmap.Mark(uint64(ino))
		if err != nil {
			return err
		}
		fs.Descs[sb.GroupOfInode(ino)].FreeInodes--
	}

	// the bad blocks inode exists with no content
	bad := &Inode{Links: 1}
	err := fs.WriteInode(BadBlocksInode, bad)
	if err != nil {
		return err
	}

	if sb.FeatureCompat&CompatResizeInode != 0 {
		err = fs.buildResizeInode()
		if err != nil {
			return err
		}
	}

	return nil

}

// buildResizeInode reserves the descriptor-growth area: a
// double-indirect block pointing at every reserved GDT block of the
// primary table.
func (fs *Filesys) buildResizeInode() error {

	sb := fs.Super
	reserved := int64(sb.ReservedGDTBlocks)

	inode := &Inode{
		Mode:  ModeRegular | 0600,
		Links: 1,
	}

	if reserved > 0 {

		dind, err := fs.AllocBlock(uint64(sb.FirstDataBlock) + 1)
		if err != nil {
			return err
		}

		gdtBase := uint64(sb.FirstDataBlock) + 1 + uint64(sb.DescriptorBlocks())
		raw := make([]byte, sb.BlockSize())
		for i := int64(0); i < reserved; i++ {
			binary.LittleEndian.PutUint32(raw[i*4:], uint32(gdtBase+uint64(i)))
		}
		err = fs.Chan.WriteBlk(int64(dind), 1, raw)
		if err != nil {
			return err
		}

		inode.Block[13] = uint32(dind)
		inode.SectorsLo = uint32((1 + reserved) * (sb.BlockSize() / 512))
		inode.SetSize(uint64((reserved + 1) * sb.BlockSize()))

	}

	return fs.WriteInode(ResizeInode, inode)

}

func (fs *Filesys) createRootAndLostFound() error {

	sb := fs.Super
	now := sb.LastWrittenTime

	rootBlk, err := fs.AllocBlock(uint64(sb.FirstDataBlock))
	if err != nil {
		return err
	}
	lfBlk, err := fs.AllocBlock(rootBlk)
	if err != nil {
		return err
	}

	root := &Inode{
		Mode:       ModeDir | 0755,
		Links:      3, // '.', '..' and lost+found's '..'
		AccessTime: now,
		ChangeTime: now,
		ModifyTime: now,
	}
	root.SetSize(uint64(sb.BlockSize()))
	root.SectorsLo = uint32(sb.BlockSize() / 512)
	root.Block[0] = uint32(rootBlk)

	raw := fs.NewDirBlock(RootInode, RootInode)
	fs.stampDirBlockChecksum(raw, RootInode, 0)
	err = fs.Chan.WriteBlk(int64(rootBlk), 1, raw)
	if err != nil {
		return err
	}
	err = fs.WriteInode(RootInode, root)
	if err != nil {
		return err
	}
	fs.Descs[0].UsedDirs++

	// lost+found
	lfIno := uint32(FirstGoodInode)
	err = fs.InodeBitmap.Mark(uint64(lfIno))
	if err != nil {
		return err
	}
	g := sb.GroupOfInode(lfIno)
	fs.Descs[g].FreeInodes--
	fs.Descs[g].UsedDirs++

	lf := &Inode{
		Mode:       ModeDir | 0700,
		Links:      2,
		AccessTime: now,
		ChangeTime: now,
		ModifyTime: now,
	}
	lf.SetSize(uint64(sb.BlockSize()))
	lf.SectorsLo = uint32(sb.BlockSize() / 512)
	lf.Block[0] = uint32(lfBlk)

	raw = fs.NewDirBlock(lfIno, RootInode)
	fs.stampDirBlockChecksum(raw, lfIno, 0)
	err = fs.Chan.WriteBlk(int64(lfBlk), 1, raw)
	if err != nil {
		return err
	}
	err = fs.WriteInode(lfIno, lf)
	if err != nil {
		return err
	}

	return fs.Link(RootInode, "lost+found", lfIno, FTypeDir)

}

// RecomputeSummary rebuilds every group's free-block and free-inode
// counts from the bitmaps and refreshes the superblock totals. The
// used-directory counts are left alone; they are maintained
// incrementally.
func (fs *Filesys) RecomputeSummary() {

	sb := fs.Super
	groups := sb.GroupCount()
	var freeBlocks uint64
	var freeInodes uint32

	for g := uint64(0); g < groups; g++ {

		var gf uint32
		first := sb.GroupFirstBlock(g)
		last := sb.GroupLastBlock(g)
		for b := first; b <= last; b++ {
			set, err := fs.BlockBitmap.Test(b)
			if err == nil && !set {
				gf++
			}
		}
		fs.Descs[g].FreeBlocks = gf
		freeBlocks += uint64(gf)

		var fi uint32
		base := uint64(g)*uint64(sb.InodesPerGroup) + 1
		for i := uint64(0); i < uint64(sb.InodesPerGroup); i++ {
			set, err := fs.InodeBitmap.Test(base + i)
			if err == nil && !set {
				fi++
			}
		}
		fs.Descs[g].FreeInodes = fi
		freeInodes += fi

	}

	sb.SetFreeBlocks(freeBlocks)
	sb.FreeInodes = freeInodes

	fs.MarkSuperDirty()
	fs.MarkDescsDirty()

}
