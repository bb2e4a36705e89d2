package extfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// InodeScan walks every inode slot in inode-table order. A read error
// in the middle of a table skips to the next inode rather than
// aborting the scan; the error is reported alongside the inode it
// affected.
type InodeScan struct {
	fs        *Filesys
	group     uint64
	index     int64 // inode index within the group, 0-based
	blockBuf  []byte
	blockNo   uint64
	blockErr  error
	done      bool
}

// OpenInodeScan positions a scan at the first inode.
func (fs *Filesys) OpenInodeScan() *InodeScan {
	return &InodeScan{fs: fs}
}

// Close releases the scan. It exists so every scoped acquisition has a
// matching release on all paths.
func (is *InodeScan) Close() {
	is.blockBuf = nil
	is.done = true
}

// Next returns the next inode slot. After the last inode it returns
// ino == 0. A non-nil error alongside a non-zero ino reports a bad
// block in the inode table; the scan remains usable.
func (is *InodeScan) Next() (ino uint32, inode *FullInode, err error) {

	fs := is.fs
	sb := fs.Super

	if is.done {
		return 0, nil, nil
	}

	ipg := int64(sb.InodesPerGroup)
	isize := int64(sb.InodeSize)
	bs := sb.BlockSize()

	if is.index >= ipg {
		is.index = 0
		is.group++
		is.blockBuf = nil
	}
	if is.group >= sb.GroupCount() {
		is.done = true
		return 0, nil, nil
	}

	ino = uint32(is.group*uint64(ipg) + uint64(is.index) + 1)

	byteOff := is.index * isize
	blk := fs.Descs[is.group].InodeTable + uint64(byteOff/bs)
	offset := byteOff % bs

	if is.blockBuf == nil || is.blockNo != blk {
		is.blockBuf, is.blockErr = fs.Chan.ReadBlk(int64(blk), 1)
		is.blockNo = blk
	}

	is.index++

	if is.blockErr != nil {
		return ino, nil, fmt.Errorf("inode %d: %v: %w", ino, is.blockErr, ErrBadInodeTable)
	}

	raw := is.blockBuf[offset : offset+isize]
	full := new(FullInode)
	err = binary.Read(bytes.NewReader(raw[:128]), binary.LittleEndian, &full.Inode)
	if err != nil {
		return ino, nil, err
	}
	if isize > 128 {
		full.Tail = make([]byte, isize-128)
		copy(full.Tail, raw[128:])
	}

	return ino, full, nil

}

// IterateInodes runs fn for every allocated inode, honoring the
// bad-block skip rule and reporting progress per group.
func (fs *Filesys) IterateInodes(fn func(ino uint32, inode *FullInode) error) error {

	scan := fs.OpenInodeScan()
	defer scan.Close()

	groups := fs.Super.GroupCount()
	var lastGroup uint64

	for {

		ino, inode, err := scan.Next()
		if ino == 0 {
			break
		}
		if err != nil {
			if errors.Is(err, ErrBadInodeTable) {
				continue
			}
			return err
		}

		g := fs.Super.GroupOfInode(ino)
		if g != lastGroup {
			lastGroup = g
			err = fs.tick("inode scan", g, groups)
			if err != nil {
				return err
			}
		}

		set, err := fs.InodeBitmap.Test(uint64(ino))
		if err != nil {
			return err
		}
		if !set {
			continue
		}

		err = fn(ino, inode)
		if err != nil {
			return err
		}

	}

	return nil

}

