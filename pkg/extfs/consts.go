package extfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

// Core on-disk constants.
const (
	Signature        = 0xEF53
	SuperblockOffset = 1024
	SuperblockSize   = 1024
	ExtentMagic      = 0xF30A
	MMPMagic         = 0x004D4D50

	MinBlockLogSize = 0  // 1 KiB
	MaxBlockLogSize = 6  // 64 KiB
	MinInodeSize    = 128

	DescriptorSizeOld = 32
	DescriptorSize64  = 64
)

// Reserved inode numbers.
const (
	BadBlocksInode   = 1
	RootInode        = 2
	ACLIndexInode    = 3
	ACLDataInode     = 4
	BootLoaderInode  = 5
	UndeleteDirInode = 6
	ResizeInode      = 7
	JournalInode     = 8
	FirstGoodInode   = 11
)

// Superblock state bits.
const (
	StateValid  = 0x1
	StateError  = 0x2
	StateOrphan = 0x4
)

// Superblock error policies.
const (
	ErrorsContinue = 1
	ErrorsRemount  = 2
	ErrorsPanic    = 3
)

// Revision levels.
const (
	RevOriginal = 0
	RevDynamic  = 1
	RevCurrent  = RevDynamic
)

// COMPAT feature bits.
const (
	CompatDirPrealloc  = 0x0001
	CompatImagicInodes = 0x0002
	CompatHasJournal   = 0x0004
	CompatExtAttr      = 0x0008
	CompatResizeInode  = 0x0010
	CompatDirIndex     = 0x0020
	CompatLazyBG       = 0x0040
	CompatSparseSuper2 = 0x0200
	CompatOrphanFile   = 0x1000
)

// INCOMPAT feature bits.
const (
	IncompatCompression = 0x00001
	IncompatFiletype    = 0x00002
	IncompatRecover     = 0x00004
	IncompatJournalDev  = 0x00008
	IncompatMetaBG      = 0x00010
	IncompatExtents     = 0x00040
	Incompat64Bit       = 0x00080
	IncompatMMP         = 0x00100
	IncompatFlexBG      = 0x00200
	IncompatEAInode     = 0x00400
	IncompatDirData     = 0x01000
	IncompatCsumSeed    = 0x02000
	IncompatLargeDir    = 0x04000
	IncompatInlineData  = 0x08000
	IncompatEncrypt     = 0x10000
	IncompatCasefold    = 0x20000
)

// RO_COMPAT feature bits.
const (
	ROCompatSparseSuper  = 0x0001
	ROCompatLargeFile    = 0x0002
	ROCompatBtreeDir     = 0x0004
	ROCompatHugeFile     = 0x0008
	ROCompatGdtCsum      = 0x0010
	ROCompatDirNlink     = 0x0020
	ROCompatExtraIsize   = 0x0040
	ROCompatQuota        = 0x0100
	ROCompatBigalloc     = 0x0200
	ROCompatMetadataCsum = 0x0400
	ROCompatReadOnly     = 0x1000
	ROCompatProject      = 0x2000
	ROCompatSharedBlocks = 0x4000
	ROCompatVerity       = 0x8000
	ROCompatOrphanFile   = 0x10000
)

// Feature sets this library knows how to handle.
const (
	SupportedCompat = CompatDirPrealloc | CompatImagicInodes | CompatHasJournal |
		CompatExtAttr | CompatResizeInode | CompatDirIndex | CompatLazyBG |
		CompatSparseSuper2 | CompatOrphanFile

	SupportedIncompat = IncompatFiletype | IncompatRecover | IncompatMetaBG |
		IncompatExtents | Incompat64Bit | IncompatMMP | IncompatFlexBG |
		IncompatEAInode | IncompatCsumSeed | IncompatInlineData

	SupportedROCompat = ROCompatSparseSuper | ROCompatLargeFile |
		ROCompatHugeFile | ROCompatGdtCsum | ROCompatDirNlink |
		ROCompatExtraIsize | ROCompatBigalloc | ROCompatMetadataCsum |
		ROCompatQuota | ROCompatProject | ROCompatSharedBlocks
)

// Inode mode type bits.
const (
	ModeTypeMask = 0xF000
	ModeFIFO     = 0x1000
	ModeCharDev  = 0x2000
	ModeDir      = 0x4000
	ModeBlockDev = 0x6000
	ModeRegular  = 0x8000
	ModeSymlink  = 0xA000
	ModeSocket   = 0xC000
)

// Inode flags.
const (
	FlagSecureDeletion = 0x00000001
	FlagUndelete       = 0x00000002
	FlagCompressed     = 0x00000004
	FlagSynchronous    = 0x00000008
	FlagImmutable      = 0x00000010
	FlagAppendOnly     = 0x00000020
	FlagNoDump         = 0x00000040
	FlagNoAtime        = 0x00000080
	FlagIndexedDir     = 0x00001000
	FlagImagic         = 0x00002000
	FlagJournalData    = 0x00004000
	FlagDirSync        = 0x00010000
	FlagTopDir         = 0x00020000
	FlagHugeFile       = 0x00040000
	FlagExtents        = 0x00080000
	FlagEAInode        = 0x00200000
	FlagInlineData     = 0x10000000
	FlagCasefold       = 0x40000000
)

// Directory entry file types (feature FILETYPE).
const (
	FTypeUnknown  = 0
	FTypeRegular  = 1
	FTypeDir      = 2
	FTypeCharDev  = 3
	FTypeBlockDev = 4
	FTypeFIFO     = 5
	FTypeSocket   = 6
	FTypeSymlink  = 7
)

// Group descriptor flags.
const (
	BGBlockUninit = 0x1
	BGInodeUninit = 0x2
	BGInodeZeroed = 0x4
)

// Block iterator callback result bits.
const (
	BlockChanged = 0x1
	BlockAbort   = 0x2
	BlockError   = 0x4
)

// Block iterator flags.
const (
	IterAppend        = 0x1
	IterDepthTraverse = 0x2
	IterReadOnly      = 0x4
	IterDataOnly      = 0x8
)

// Logical counts passed to the block callback for metadata blocks.
const (
	CountInd  = -1
	CountDInd = -2
	CountTInd = -3
)

// MaxSymlinkDepth bounds symlink chains during path resolution.
const MaxSymlinkDepth = 31

// MaxNameLen is the longest legal directory entry name.
const MaxNameLen = 255

func divide(a, b int64) int64 {
	return (a + b - 1) / b
}

func align(a, b int64) int64 {
	return divide(a, b) * b
}
