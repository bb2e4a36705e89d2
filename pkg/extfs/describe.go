package extfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Description is the typed form of a dumpe2fs-style report. Rendering
// to text is the caller's concern.
type Description struct {
	UUID           string
	Label          string
	State          string
	BlockSize      int64
	TotalBlocks    uint64
	FreeBlocks     uint64
	TotalInodes    uint32
	FreeInodes     uint32
	ReservedBlocks uint64
	FirstDataBlock uint32
	BlocksPerGroup uint32
	InodesPerGroup uint32
	InodeSize      uint16
	GroupCount     uint64
	FeatureNames   []string
	Groups         []GroupDescription
}

// GroupDescription summarizes one block group.
type GroupDescription struct {
	Index       uint64
	FirstBlock  uint64
	LastBlock   uint64
	HasBackup   bool
	BlockBitmap uint64
	InodeBitmap uint64
	InodeTable  uint64
	FreeBlocks  uint32
	FreeInodes  uint32
	UsedDirs    uint32
}

var compatNames = map[uint32]string{
	CompatDirPrealloc:  "dir_prealloc",
	CompatImagicInodes: "imagic_inodes",
	CompatHasJournal:   "has_journal",
	CompatExtAttr:      "ext_attr",
	CompatResizeInode:  "resize_inode",
	CompatDirIndex:     "dir_index",
	CompatSparseSuper2: "sparse_super2",
	CompatOrphanFile:   "orphan_file",
}

var incompatNames = map[uint32]string{
	IncompatCompression: "compression",
	IncompatFiletype:    "filetype",
	IncompatRecover:     "needs_recovery",
	IncompatJournalDev:  "journal_dev",
	IncompatMetaBG:      "meta_bg",
	IncompatExtents:     "extent",
	Incompat64Bit:       "64bit",
	IncompatMMP:         "mmp",
	IncompatFlexBG:      "flex_bg",
	IncompatEAInode:     "ea_inode",
	IncompatCsumSeed:    "metadata_csum_seed",
	IncompatInlineData:  "inline_data",
	IncompatEncrypt:     "encrypt",
	IncompatCasefold:    "casefold",
}

var roCompatNames = map[uint32]string{
	ROCompatSparseSuper:  "sparse_super",
	ROCompatLargeFile:    "large_file",
	ROCompatHugeFile:     "huge_file",
	ROCompatGdtCsum:      "uninit_bg",
	ROCompatDirNlink:     "dir_nlink",
	ROCompatExtraIsize:   "extra_isize",
	ROCompatQuota:        "quota",
	ROCompatBigalloc:     "bigalloc",
	ROCompatMetadataCsum: "metadata_csum",
	ROCompatReadOnly:     "read-only",
	ROCompatProject:      "project",
	ROCompatSharedBlocks: "shared_blocks",
	ROCompatVerity:       "verity",
	ROCompatOrphanFile:   "orphan_file",
}

func featureNames(word uint32, names map[uint32]string) []string {
	var out []string
	for bit := uint32(1); bit != 0; bit <<= 1 {
		if word&bit == 0 {
			continue
		}
		if name, ok := names[bit]; ok {
			out = append(out, name)
		} else {
			out = append(out, fmt.Sprintf("unknown_%#x", bit))
		}
	}
	return out
}

// Describe builds the typed report for an open file-system.
func (fs *Filesys) Describe() *Description {

	sb := fs.Super

	stateText := "not clean"
	if sb.State&StateValid != 0 {
		stateText = "clean"
	}
	if sb.State&StateError != 0 {
		stateText = "clean with errors"
		if sb.State&StateValid == 0 {
			stateText = "not clean with errors"
		}
	}

	id, _ := uuid.FromBytes(sb.UUID[:])

	d := &Description{
		UUID:           id.String(),
		Label:          cstring(sb.VolumeLabel[:]),
		State:          stateText,
		BlockSize:      sb.BlockSize(),
		TotalBlocks:    sb.TotalBlocks(),
		FreeBlocks:     sb.FreeBlocks(),
		TotalInodes:    sb.TotalInodes,
		FreeInodes:     sb.FreeInodes,
		ReservedBlocks: sb.ReservedBlocks(),
		FirstDataBlock: sb.FirstDataBlock,
		BlocksPerGroup: sb.BlocksPerGroup,
		InodesPerGroup: sb.InodesPerGroup,
		InodeSize:      sb.InodeSize,
		GroupCount:     sb.GroupCount(),
	}

	d.FeatureNames = append(d.FeatureNames, featureNames(sb.FeatureCompat, compatNames)...)
	d.FeatureNames = append(d.FeatureNames, featureNames(sb.FeatureIncompat, incompatNames)...)
	d.FeatureNames = append(d.FeatureNames, featureNames(sb.FeatureROCompat, roCompatNames)...)

	for g := uint64(0); g < sb.GroupCount(); g++ {
		desc := &fs.Descs[g]
		d.Groups = append(d.Groups, GroupDescription{
			Index:       g,
			FirstBlock:  sb.GroupFirstBlock(g),
			LastBlock:   sb.GroupLastBlock(g),
			HasBackup:   sb.HasSuperBackup(g),
			BlockBitmap: desc.BlockBitmap,
			InodeBitmap: desc.InodeBitmap,
			InodeTable:  desc.InodeTable,
			FreeBlocks:  desc.FreeBlocks,
			FreeInodes:  desc.FreeInodes,
			UsedDirs:    desc.UsedDirs,
		})
	}

	return d

}

// ReadBadBlocksFile parses a list of bad block numbers, one per line,
// as produced by a badblocks scanner.
func ReadBadBlocksFile(r io.Reader) ([]uint64, error) {

	var out []uint64
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		n, err := strconv.ParseUint(line, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad blocks list: %q: %w", line, ErrBadArgument)
		}
		out = append(out, n)
	}

	return out, scanner.Err()

}

// MarkBadBlocks records a list of bad blocks as allocated so nothing
// else ever lands on them.
func (fs *Filesys) MarkBadBlocks(blocks []uint64) error {

	for _, blk := range blocks {

		if blk < uint64(fs.Super.FirstDataBlock) || blk >= fs.Super.TotalBlocks() {
			return fmt.Errorf("bad block %d out of range: %w", blk, ErrBadArgument)
		}

		set, err := fs.BlockBitmap.Test(blk)
		if err != nil {
			return err
		}
		if set {
			continue
		}

		err = fs.claimBlock(blk)
		if err != nil {
			return err
		}

	}

	return nil

}

// OrphanList returns the inode numbers on the superblock's orphan
// chain, head first. The chain links through each inode's deletion
// time field.
func (fs *Filesys) OrphanList() ([]uint32, error) {

	var out []uint32
	seen := make(map[uint32]bool)

	ino := fs.Super.LastOrphan
	for ino != 0 {

		if seen[ino] || ino > fs.Super.TotalInodes {
			return out, fmt.Errorf("orphan chain loops at inode %d: %w", ino, ErrCorruptSuper)
		}
		seen[ino] = true
		out = append(out, ino)

		inode, err := fs.ReadInode(ino)
		if err != nil {
			return out, err
		}
		ino = inode.DeletionTime

	}

	return out, nil

}
