package check

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import "fmt"

// Code identifies a class of inconsistency.
type Code int

// Problem codes, grouped by pass.
const (
	SuperUnclean Code = iota + 1
	SuperBadSummaryBlocks
	SuperBadSummaryInodes
	SuperBackupDiverged

	InodeBadMode
	InodeOrphaned
	InodeBlockOutOfRange
	InodeBlockShared
	InodeBadLinkCount
	InodeZeroLinkAlive
	InodeUnusedButMarked

	DirCorruptBlock
	DirBadDot
	DirBadDotDot
	DirEntryBadInode
	DirEntryUnusedInode
	DirEntryBadFiletype
	DirUnconnected

	BitmapBlockDiffers
	BitmapInodeDiffers
	GroupFreeBlocksWrong
	GroupFreeInodesWrong
	GroupUsedDirsWrong
)

var problemText = map[Code]string{
	SuperUnclean:          "file-system was not cleanly unmounted or a previous operation was interrupted",
	SuperBadSummaryBlocks: "superblock free blocks count is wrong",
	SuperBadSummaryInodes: "superblock free inodes count is wrong",
	SuperBackupDiverged:   "primary and backup superblocks disagree",
	InodeBadMode:          "inode has an invalid mode",
	InodeOrphaned:         "inode is allocated but no directory entry references it",
	InodeBlockOutOfRange:  "inode references a block outside the file-system",
	InodeBlockShared:      "inode shares a block with another inode",
	InodeBadLinkCount:     "inode link count is wrong",
	InodeZeroLinkAlive:    "inode has zero links but is still allocated",
	InodeUnusedButMarked:  "unused inode is marked allocated",
	DirCorruptBlock:       "directory block is corrupt",
	DirBadDot:             "'.' entry is missing or wrong",
	DirBadDotDot:          "'..' entry is missing or wrong",
	DirEntryBadInode:      "directory entry references an inode out of range",
	DirEntryUnusedInode:   "directory entry references an unallocated inode",
	DirEntryBadFiletype:   "directory entry file type does not match its inode",
	DirUnconnected:        "directory is not connected to the tree",
	BitmapBlockDiffers:    "block bitmap differs from computed state",
	BitmapInodeDiffers:    "inode bitmap differs from computed state",
	GroupFreeBlocksWrong:  "group free blocks count is wrong",
	GroupFreeInodesWrong:  "group free inodes count is wrong",
	GroupUsedDirsWrong:    "group directories count is wrong",
}

// Problem is one detected inconsistency with its context.
type Problem struct {
	Code  Code
	Inode uint32
	Block uint64
	Dir   uint32
	Group uint64
}

func (p Problem) String() string {
	text, ok := problemText[p.Code]
	if !ok {
		text = fmt.Sprintf("problem %d", p.Code)
	}
	switch {
	case p.Inode != 0 && p.Dir != 0:
		return fmt.Sprintf("%s (inode %d, directory %d)", text, p.Inode, p.Dir)
	case p.Inode != 0:
		return fmt.Sprintf("%s (inode %d)", text, p.Inode)
	case p.Block != 0:
		return fmt.Sprintf("%s (block %d)", text, p.Block)
	case p.Group != 0:
		return fmt.Sprintf("%s (group %d)", text, p.Group)
	default:
		return text
	}
}

// preenSafe lists the codes that may be repaired without asking when
// running unattended.
var preenSafe = map[Code]bool{
	SuperUnclean:          true,
	SuperBadSummaryBlocks: true,
	SuperBadSummaryInodes: true,
	InodeUnusedButMarked:  true,
	DirEntryBadInode:      true,
	DirEntryUnusedInode:   true,
	DirEntryBadFiletype:   true,
	BitmapBlockDiffers:    true,
	BitmapInodeDiffers:    true,
	GroupFreeBlocksWrong:  true,
	GroupFreeInodesWrong:  true,
	GroupUsedDirsWrong:    true,
	InodeBadLinkCount:     true,
}

// Fixer decides whether each detected problem should be repaired.
type Fixer interface {
	Fix(p Problem) bool
}

// AutoYes repairs everything.
type AutoYes struct{}

// Fix always consents.
func (AutoYes) Fix(p Problem) bool { return true }

// AutoNo repairs nothing; the check becomes a pure report.
type AutoNo struct{}

// Fix always declines.
func (AutoNo) Fix(p Problem) bool { return false }

// Preen repairs only the codes considered safe for unattended runs.
type Preen struct{}

// Fix consents to safe codes only.
func (Preen) Fix(p Problem) bool { return preenSafe[p.Code] }

// Ask delegates each decision to a callback, for interactive use.
type Ask struct {
	Func func(p Problem) bool
}

// Fix consults the callback.
func (a Ask) Fix(p Problem) bool {
	if a.Func == nil {
		return false
	}
	return a.Func(p)
}
