package extfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bytes"
	"fmt"
	"io"
	"strings"
)

// Namei resolves a path to an inode number, following symlinks. '.'
// and '..' resolve through the directory structure itself; absolute
// paths restart from the session root, which need not be the real
// root.
func (fs *Filesys) Namei(path string) (uint32, error) {
	return fs.nameiDepth(fs.Root, fs.Cwd, path, 0, true)
}

// NameiNoFollow resolves a path without following a trailing symlink.
func (fs *Filesys) NameiNoFollow(path string) (uint32, error) {
	return fs.nameiDepth(fs.Root, fs.Cwd, path, 0, false)
}

func (fs *Filesys) nameiDepth(root, cwd uint32, path string, depth int, follow bool) (uint32, error) {

	if depth > MaxSymlinkDepth {
		return 0, fmt.Errorf("%q: %w", path, ErrLoop)
	}

	cur := cwd
	if strings.HasPrefix(path, "/") {
		cur = root
	}

	parts := strings.Split(path, "/")
	for i, part := range parts {

		if part == "" || part == "." {
			continue
		}

		ino, err := fs.Lookup(cur, part)
		if err != nil {
			return 0, fmt.Errorf("%q: %w", path, err)
		}

		inode, err := fs.ReadInode(ino)
		if err != nil {
			return 0, err
		}

		last := i == len(parts)-1
		if inode.IsSymlink() && (!last || follow) {

			target, err := fs.ReadSymlink(ino, inode)
			if err != nil {
				return 0, err
			}

			ino, err = fs.nameiDepth(root, cur, target, depth+1, true)
			if err != nil {
				return 0, err
			}

		}

		cur = ino

	}

	return cur, nil

}

// ReadSymlink returns a symlink's target, inline or from its first
// data block.
func (fs *Filesys) ReadSymlink(ino uint32, inode *Inode) (string, error) {

	if !inode.IsSymlink() {
		return "", fmt.Errorf("inode %d is not a symlink: %w", ino, ErrBadArgument)
	}

	if inode.IsFastSymlink() {
		return inode.SymlinkTarget(), nil
	}

	raw, err := fs.Chan.ReadBlk(int64(inode.Block[0]), 1)
	if err != nil {
		return "", err
	}

	size := inode.Size(fs.Super)
	if size > uint64(len(raw)) {
		size = uint64(len(raw))
	}
	return string(raw[:size]), nil

}

// FileReader returns a reader over an inode's data.
func (fs *Filesys) FileReader(ino uint32) (io.Reader, error) {

	inode, err := fs.ReadInode(ino)
	if err != nil {
		return nil, err
	}

	size := inode.Size(fs.Super)
	buf := new(bytes.Buffer)

	err = fs.BlockIterateInode(ino, inode, IterDataOnly|IterReadOnly,
		func(blockNum *uint64, blockCount int64, refBlock uint64, refOffset int) int {
			raw, err := fs.Chan.ReadBlk(int64(*blockNum), 1)
			if err != nil {
				return BlockError
			}
			want := blockCount * fs.BlockSize()
			if gap := want - int64(buf.Len()); gap > 0 {
				// a hole: zero-fill up to this block's position
				buf.Write(make([]byte, gap))
			}
			buf.Write(raw)
			return 0
		})
	if err != nil {
		return nil, err
	}

	if uint64(buf.Len()) > size {
		buf.Truncate(int(size))
	} else if uint64(buf.Len()) < size {
		buf.Write(make([]byte, size-uint64(buf.Len())))
	}

	return buf, nil

}
