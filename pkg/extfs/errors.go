package extfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import "errors"

// Error taxonomy. Operations either succeed or return one of these
// (possibly wrapped with context); there is no panic-style unwind.
var (
	// corruption
	ErrBadMagic       = errors.New("superblock doesn't contain a valid ext file-system signature (magic number)")
	ErrCorruptSuper   = errors.New("the superblock is corrupt")
	ErrCorruptDesc    = errors.New("a block group descriptor is corrupt")
	ErrDirCorrupted   = errors.New("directory block is corrupt")
	ErrBadInodeTable  = errors.New("bad block in inode table")
	ErrCorruptExtent  = errors.New("extent tree node is corrupt")

	// exhaustion
	ErrNoSpace = errors.New("no free space left on the file-system")
	ErrNoInode = errors.New("no free inodes left on the file-system")

	// feature support
	ErrUnsupportedFeature = errors.New("file-system has unsupported incompatible features")
	ErrReadOnlyFeature    = errors.New("file-system has unsupported read-only-compatible features")

	// permission / exclusion
	ErrReadOnly    = errors.New("file-system was opened read-only")
	ErrMMPConflict = errors.New("multiple mount protection block is held by another node")

	// arguments and lookups
	ErrBadArgument = errors.New("bad argument")
	ErrNotFound    = errors.New("file not found")
	ErrNotDir      = errors.New("not a directory")
	ErrIsDir       = errors.New("is a directory")
	ErrExists      = errors.New("name already exists")
	ErrLoop        = errors.New("too many symbolic links encountered")
	ErrBadInode    = errors.New("inode number out of range")

	// cooperative cancellation
	ErrCanceled = errors.New("operation canceled")
)
