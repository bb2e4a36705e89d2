package extfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/vorteil/vext/pkg/crc"
)

// Superblock is the structure of a superblock as written to the disk.
// All multi-byte fields are little-endian on disk; encoding/binary
// performs the swap at read/write time so this struct is usable
// directly on any host.
type Superblock struct {
	TotalInodes         uint32
	TotalBlocksLo       uint32
	ReservedBlocksLo    uint32
	FreeBlocksLo        uint32
	FreeInodes          uint32 // 0x10
	FirstDataBlock      uint32
	LogBlockSize        uint32
	LogClusterSize      uint32
	BlocksPerGroup      uint32 // 0x20
	ClustersPerGroup    uint32
	InodesPerGroup      uint32
	LastMountTime       uint32
	LastWrittenTime     uint32 // 0x30
	MountsSinceCheck    uint16
	MountsCheckInterval uint16
	Signature           uint16
	State               uint16
	ErrorProtocol       uint16
	VersionMinor        uint16
	TimeLastCheck       uint32 // 0x40
	TimeCheckInterval   uint32
	CreatorOS           uint32
	VersionMajor        uint32
	ResUID              uint16 // 0x50
	ResGID              uint16
	FirstIno            uint32
	InodeSize           uint16
	BlockGroupNumber    uint16
	FeatureCompat       uint32
	FeatureIncompat     uint32 // 0x60
	FeatureROCompat     uint32
	UUID                [16]byte
	VolumeLabel         [16]byte
	LastMountedPath     [64]byte
	AlgorithmBitmap     uint32
	PreallocBlocks      uint8
	PreallocDirBlocks   uint8
	ReservedGDTBlocks   uint16
	JournalUUID         [16]byte // 0xD0
	JournalInum         uint32
	JournalDev          uint32
	LastOrphan          uint32
	HashSeed            [4]uint32
	DefHashVersion      uint8
	JnlBackupType       uint8
	DescSize            uint16
	DefaultMountOpts    uint32 // 0x100
	FirstMetaBG         uint32
	MkfsTime            uint32
	JnlBlocks           [17]uint32
	TotalBlocksHi       uint32 // 0x150
	ReservedBlocksHi    uint32
	FreeBlocksHi        uint32
	MinExtraIsize       uint16
	WantExtraIsize      uint16
	Flags               uint32 // 0x160
	RaidStride          uint16
	MMPUpdateInterval   uint16
	MMPBlock            uint64
	RaidStripeWidth     uint32 // 0x170
	LogGroupsPerFlex    uint8
	ChecksumType        uint8
	_                   uint16
	KBytesWritten       uint64
	SnapshotInum        uint32 // 0x180
	SnapshotID          uint32
	SnapshotRBlocks     uint64
	SnapshotList        uint32 // 0x190
	ErrorCount          uint32
	FirstErrorTime      uint32
	FirstErrorInode     uint32
	FirstErrorBlock     uint64 // 0x1A0
	FirstErrorFunc      [32]byte
	FirstErrorLine      uint32
	LastErrorTime       uint32
	LastErrorInode      uint32 // 0x1D0
	LastErrorLine       uint32
	LastErrorBlock      uint64
	LastErrorFunc       [32]byte // 0x1E0
	MountOptions        [64]byte // 0x200
	UsrQuotaInum        uint32   // 0x240
	GrpQuotaInum        uint32
	OverheadBlocks      uint32
	BackupBGs           [2]uint32 // 0x24C
	EncryptAlgos        [4]byte
	EncryptPWSalt       [16]byte
	LostFoundInum       uint32
	PrjQuotaInum        uint32
	ChecksumSeed        uint32 // 0x270
	LastWrittenTimeHi   uint8
	LastMountTimeHi     uint8
	MkfsTimeHi          uint8
	TimeLastCheckHi     uint8
	FirstErrorTimeHi    uint8
	LastErrorTimeHi     uint8
	FirstErrorCode      uint8
	LastErrorCode       uint8
	EncodingNum         uint16
	EncodingFlags       uint16
	OrphanFileInum      uint32 // 0x280
	_                   [94]uint32
	Checksum            uint32 // 0x3FC
}

// BlockSize returns the file-system block size in bytes.
func (sb *Superblock) BlockSize() int64 {
	return int64(1024) << sb.LogBlockSize
}

// ClusterSize returns the allocation cluster size in bytes. Without
// BIGALLOC this equals the block size.
func (sb *Superblock) ClusterSize() int64 {
	return int64(1024) << sb.LogClusterSize
}

// ClusterRatio returns blocks per cluster.
func (sb *Superblock) ClusterRatio() int64 {
	return int64(1) << (sb.LogClusterSize - sb.LogBlockSize)
}

// TotalBlocks assembles the 64-bit block count.
func (sb *Superblock) TotalBlocks() uint64 {
	if sb.FeatureIncompat&Incompat64Bit != 0 {
		return uint64(sb.TotalBlocksHi)<<32 | uint64(sb.TotalBlocksLo)
	}
	return uint64(sb.TotalBlocksLo)
}

// SetTotalBlocks stores a 64-bit block count.
func (sb *Superblock) SetTotalBlocks(n uint64) {
	sb.TotalBlocksLo = uint32(n)
	sb.TotalBlocksHi = uint32(n >> 32)
}

// FreeBlocks assembles the 64-bit free block count.
func (sb *Superblock) FreeBlocks() uint64 {
	if sb.FeatureIncompat&Incompat64Bit != 0 {
		return uint64(sb.FreeBlocksHi)<<32 | uint64(sb.FreeBlocksLo)
	}
	return uint64(sb.FreeBlocksLo)
}

// SetFreeBlocks stores a 64-bit free block count.
func (sb *Superblock) SetFreeBlocks(n uint64) {
	sb.FreeBlocksLo = uint32(n)
	sb.FreeBlocksHi = uint32(n >> 32)
}

// ReservedBlocks assembles the 64-bit reserved block count.
func (sb *Superblock) ReservedBlocks() uint64 {
	if sb.FeatureIncompat&Incompat64Bit != 0 {
		return uint64(sb.ReservedBlocksHi)<<32 | uint64(sb.ReservedBlocksLo)
	}
	return uint64(sb.ReservedBlocksLo)
}

// GroupCount returns the number of block groups.
func (sb *Superblock) GroupCount() uint64 {
	blocks := sb.TotalBlocks() - uint64(sb.FirstDataBlock)
	return (blocks + uint64(sb.BlocksPerGroup) - 1) / uint64(sb.BlocksPerGroup)
}

// InodesPerBlock returns the number of inodes in one inode-table block.
func (sb *Superblock) InodesPerBlock() int64 {
	return sb.BlockSize() / int64(sb.InodeSize)
}

// InodeBlocksPerGroup returns the size of one group's inode table in
// blocks.
func (sb *Superblock) InodeBlocksPerGroup() int64 {
	return divide(int64(sb.InodesPerGroup)*int64(sb.InodeSize), sb.BlockSize())
}

// DescriptorSize returns the size of one group descriptor.
func (sb *Superblock) DescriptorSize() int {
	if sb.FeatureIncompat&Incompat64Bit != 0 && sb.DescSize >= DescriptorSize64 {
		return int(sb.DescSize)
	}
	return DescriptorSizeOld
}

// DescriptorsPerBlock returns how many descriptors fit in one block.
func (sb *Superblock) DescriptorsPerBlock() int64 {
	return sb.BlockSize() / int64(sb.DescriptorSize())
}

// DescriptorBlocks returns the number of blocks the descriptor table
// occupies.
func (sb *Superblock) DescriptorBlocks() int64 {
	return divide(int64(sb.GroupCount()), sb.DescriptorsPerBlock())
}

// GroupFirstBlock returns the first block of group g.
func (sb *Superblock) GroupFirstBlock(g uint64) uint64 {
	return uint64(sb.FirstDataBlock) + g*uint64(sb.BlocksPerGroup)
}

// GroupLastBlock returns the last block of group g.
func (sb *Superblock) GroupLastBlock(g uint64) uint64 {
	last := sb.GroupFirstBlock(g) + uint64(sb.BlocksPerGroup) - 1
	if max := sb.TotalBlocks() - 1; last > max {
		last = max
	}
	return last
}

// GroupOfBlock returns the group containing block blk.
func (sb *Superblock) GroupOfBlock(blk uint64) uint64 {
	return (blk - uint64(sb.FirstDataBlock)) / uint64(sb.BlocksPerGroup)
}

// GroupOfInode returns the group containing inode ino.
func (sb *Superblock) GroupOfInode(ino uint32) uint64 {
	return uint64(ino-1) / uint64(sb.InodesPerGroup)
}

func isMultipleOf(x uint64, base uint64) bool {
	if x == 0 {
		return false
	}
	for x%base == 0 {
		x /= base
	}
	return x == 1
}

// HasSuperBackup reports whether group g carries a superblock and
// descriptor-table backup under the active backup policy.
func (sb *Superblock) HasSuperBackup(g uint64) bool {

	if g == 0 {
		return true
	}

	if sb.FeatureCompat&CompatSparseSuper2 != 0 {
		return uint32(g) == sb.BackupBGs[0] || uint32(g) == sb.BackupBGs[1]
	}

	if sb.FeatureROCompat&ROCompatSparseSuper == 0 {
		return true
	}

	// sparse_super: groups 0, 1, and powers of 3, 5 and 7
	if g == 1 {
		return true
	}
	return isMultipleOf(g, 3) || isMultipleOf(g, 5) || isMultipleOf(g, 7)

}

// CsumSeed returns the CRC-32C seed used by the metadata_csum feature.
func (sb *Superblock) CsumSeed() uint32 {
	if sb.FeatureIncompat&IncompatCsumSeed != 0 {
		return sb.ChecksumSeed
	}
	return crc.CRC32c(^uint32(0), sb.UUID[:])
}

// decodeSuperblock parses the 1024-byte on-disk superblock.
func decodeSuperblock(raw []byte) (*Superblock, error) {
	sb := new(Superblock)
	err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, sb)
	if err != nil {
		return nil, err
	}
	if sb.Signature != Signature {
		return nil, ErrBadMagic
	}
	return sb, nil
}

// encodeSuperblock produces the 1024-byte on-disk form, refreshing the
// superblock checksum when metadata_csum is in force.
func encodeSuperblock(sb *Superblock) ([]byte, error) {

	buf := new(bytes.Buffer)
	err := binary.Write(buf, binary.LittleEndian, sb)
	if err != nil {
		return nil, err
	}
	raw := buf.Bytes()

	if sb.FeatureROCompat&ROCompatMetadataCsum != 0 {
		sum := crc.CRC32c(^uint32(0), raw[:SuperblockSize-4])
		binary.LittleEndian.PutUint32(raw[SuperblockSize-4:], sum)
		sb.Checksum = sum
	}

	return raw, nil

}

// EncodeSuperblockBytes produces a superblock's 1024-byte on-disk
// form. Callers that need to write a modified superblock out of band
// (the resizer's unclean marker, the checker's repairs) use this
// rather than going through a handle flush.
func EncodeSuperblockBytes(sb *Superblock) ([]byte, error) {
	return encodeSuperblock(sb)
}

// DecodeSuperblockBytes parses a raw 1024-byte superblock.
func DecodeSuperblockBytes(raw []byte) (*Superblock, error) {
	return decodeSuperblock(raw)
}

// Validate runs the structural sanity checks applied at open time and
// by the checker's superblock pass.
func (sb *Superblock) Validate() error {

	if sb.Signature != Signature {
		return ErrBadMagic
	}

	if sb.VersionMajor > RevCurrent {
		return fmt.Errorf("revision %d is from the future: %w", sb.VersionMajor, ErrCorruptSuper)
	}

	if sb.LogBlockSize > MaxBlockLogSize {
		return fmt.Errorf("block size log %d out of range: %w", sb.LogBlockSize, ErrCorruptSuper)
	}

	isize := int64(sb.InodeSize)
	if sb.VersionMajor == RevOriginal {
		isize = MinInodeSize
	}
	if isize < MinInodeSize || isize > sb.BlockSize() || isize&(isize-1) != 0 {
		return fmt.Errorf("inode size %d is invalid: %w", isize, ErrCorruptSuper)
	}

	if sb.BlocksPerGroup == 0 || sb.BlocksPerGroup != sb.ClustersPerGroup*uint32(sb.ClusterRatio()) {
		return fmt.Errorf("blocks per group %d does not agree with clusters per group %d: %w",
			sb.BlocksPerGroup, sb.ClustersPerGroup, ErrCorruptSuper)
	}
	if int64(sb.BlocksPerGroup) > 8*sb.BlockSize() {
		return fmt.Errorf("blocks per group %d exceeds bitmap capacity: %w", sb.BlocksPerGroup, ErrCorruptSuper)
	}

	if sb.InodesPerGroup == 0 ||
		int64(sb.InodesPerGroup)%sb.InodesPerBlock() != 0 ||
		int64(sb.InodesPerGroup) > 8*sb.BlockSize() {
		return fmt.Errorf("inodes per group %d is invalid: %w", sb.InodesPerGroup, ErrCorruptSuper)
	}

	wantFirst := uint32(1)
	if sb.LogBlockSize > 0 {
		wantFirst = 0
	}
	if sb.FirstDataBlock != wantFirst {
		return fmt.Errorf("first data block %d should be %d: %w", sb.FirstDataBlock, wantFirst, ErrCorruptSuper)
	}

	if sb.ReservedBlocks() > sb.TotalBlocks() {
		return fmt.Errorf("reserved blocks %d exceed total blocks %d: %w",
			sb.ReservedBlocks(), sb.TotalBlocks(), ErrCorruptSuper)
	}

	if uint64(sb.TotalInodes) != uint64(sb.InodesPerGroup)*sb.GroupCount() {
		return fmt.Errorf("inode count %d does not cover %d groups of %d: %w",
			sb.TotalInodes, sb.GroupCount(), sb.InodesPerGroup, ErrCorruptSuper)
	}

	return nil

}

// checkDescriptor validates that a group's metadata blocks land inside
// the group they belong to.
func (sb *Superblock) checkDescriptor(g uint64, desc *GroupDesc) error {

	first := sb.GroupFirstBlock(g)
	last := sb.GroupLastBlock(g)

	// flex_bg packs a group's metadata into other groups; the
	// containment rule then widens to the whole file-system
	if sb.FeatureIncompat&IncompatFlexBG != 0 {
		first = uint64(sb.FirstDataBlock)
		last = sb.TotalBlocks() - 1
	}

	if desc.BlockBitmap < first || desc.BlockBitmap > last {
		return fmt.Errorf("group %d block bitmap at %d outside group [%d, %d]: %w",
			g, desc.BlockBitmap, first, last, ErrCorruptDesc)
	}
	if desc.InodeBitmap < first || desc.InodeBitmap > last {
		return fmt.Errorf("group %d inode bitmap at %d outside group [%d, %d]: %w",
			g, desc.InodeBitmap, first, last, ErrCorruptDesc)
	}
	itblLast := desc.InodeTable + uint64(sb.InodeBlocksPerGroup()) - 1
	if desc.InodeTable < first || itblLast > last {
		return fmt.Errorf("group %d inode table at [%d, %d] outside group [%d, %d]: %w",
			g, desc.InodeTable, itblLast, first, last, ErrCorruptDesc)
	}

	return nil

}
