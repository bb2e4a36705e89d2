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

// Inode is the 128-byte base structure of an inode as written to the
// disk. Large inodes carry extra fields and inline extended attributes
// beyond this; those bytes are preserved verbatim as a tail so that a
// read-modify-write cycle never truncates a 256-byte inode to 128.
type Inode struct {
	Mode           uint16
	UID            uint16
	SizeLo         uint32
	AccessTime     uint32
	ChangeTime     uint32
	ModifyTime     uint32
	DeletionTime   uint32
	GID            uint16
	Links          uint16
	SectorsLo      uint32
	Flags          uint32
	Version        uint32
	Block          [15]uint32
	Generation     uint32
	FileACLLo      uint32
	SizeHigh       uint32
	FragAddr       uint32
	SectorsHi      uint16
	FileACLHi      uint16
	UIDHi          uint16
	GIDHi          uint16
	ChecksumLo     uint16
	_              uint16
}

// FullInode couples the base inode with the raw tail of a large inode.
type FullInode struct {
	Inode
	Tail []byte // bytes beyond 128 for large inodes, verbatim
}

// IsDir reports whether the inode is a directory.
func (i *Inode) IsDir() bool { return i.Mode&ModeTypeMask == ModeDir }

// IsRegular reports whether the inode is a regular file.
func (i *Inode) IsRegular() bool { return i.Mode&ModeTypeMask == ModeRegular }

// IsSymlink reports whether the inode is a symbolic link.
func (i *Inode) IsSymlink() bool { return i.Mode&ModeTypeMask == ModeSymlink }

// UsesExtents reports whether the inode's blocks are mapped by an
// extent tree rather than the indirect pointer tree.
func (i *Inode) UsesExtents() bool { return i.Flags&FlagExtents != 0 }

// IsFastSymlink reports whether the link target is stored inline in
// the block array.
func (i *Inode) IsFastSymlink() bool {
	return i.IsSymlink() && i.SectorsLo == 0 && i.SizeLo < 15*4
}

// Size returns the inode's byte size. The high half always participates
// for regular files; for directories it participates only when the
// large_file feature is set.
func (i *Inode) Size(sb *Superblock) uint64 {
	if i.IsRegular() || (sb.FeatureROCompat&ROCompatLargeFile != 0 && i.IsDir()) {
		return uint64(i.SizeHigh)<<32 | uint64(i.SizeLo)
	}
	return uint64(i.SizeLo)
}

// SetSize stores a byte size.
func (i *Inode) SetSize(n uint64) {
	i.SizeLo = uint32(n)
	i.SizeHigh = uint32(n >> 32)
}

// Sectors returns the inode's 512-byte sector count. The high half is
// gated by the huge_file feature; with the per-inode huge-file flag
// the stored count is in file-system blocks instead.
func (i *Inode) Sectors(sb *Superblock) uint64 {
	n := uint64(i.SectorsLo)
	if sb.FeatureROCompat&ROCompatHugeFile != 0 {
		n |= uint64(i.SectorsHi) << 32
		if i.Flags&FlagHugeFile != 0 {
			n *= uint64(sb.BlockSize() / 512)
		}
	}
	return n
}

// SymlinkTarget returns a fast symlink's inline target text.
func (i *Inode) SymlinkTarget() string {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, i.Block)
	raw := buf.Bytes()
	if int(i.SizeLo) < len(raw) {
		raw = raw[:i.SizeLo]
	}
	return string(raw)
}

// InodeLocation computes the block and intra-block offset at which
// inode ino resides.
func (fs *Filesys) InodeLocation(ino uint32) (blk uint64, offset int64, err error) {

	sb := fs.Super
	if ino < 1 || ino > sb.TotalInodes {
		return 0, 0, fmt.Errorf("inode %d: %w", ino, ErrBadInode)
	}

	g := sb.GroupOfInode(ino)
	index := int64(ino-1) % int64(sb.InodesPerGroup)
	byteOff := index * int64(sb.InodeSize)

	blk = fs.Descs[g].InodeTable + uint64(byteOff/sb.BlockSize())
	offset = byteOff % sb.BlockSize()
	return blk, offset, nil

}

// ReadInode reads the base 128 bytes of an inode.
func (fs *Filesys) ReadInode(ino uint32) (*Inode, error) {
	full, err := fs.ReadFullInode(ino)
	if err != nil {
		return nil, err
	}
	return &full.Inode, nil
}

// ReadFullInode reads an inode at the file-system's full inode size.
func (fs *Filesys) ReadFullInode(ino uint32) (*FullInode, error) {

	blk, offset, err := fs.InodeLocation(ino)
	if err != nil {
		return nil, err
	}

	raw, err := fs.Chan.ReadBlk(int64(blk), 1)
	if err != nil {
		return nil, err
	}

	isize := int64(fs.Super.InodeSize)
	raw = raw[offset : offset+isize]

	full := new(FullInode)
	err = binary.Read(bytes.NewReader(raw[:128]), binary.LittleEndian, &full.Inode)
	if err != nil {
		return nil, err
	}
	if isize > 128 {
		full.Tail = make([]byte, isize-128)
		copy(full.Tail, raw[128:])
	}

	return full, nil

}

// WriteInode writes an inode's base structure back, preserving any
// large-inode tail already on disk.
func (fs *Filesys) WriteInode(ino uint32, inode *Inode) error {

	isize := int64(fs.Super.InodeSize)
	full := &FullInode{Inode: *inode}

	if isize > 128 {
		prev, err := fs.ReadFullInode(ino)
		if err != nil {
			return err
		}
		full.Tail = prev.Tail
	}

	return fs.WriteFullInode(ino, full)

}

// WriteFullInode writes an inode at the file-system's full inode size.
// The containing block is read, patched and written back whole through
// the channel cache.
func (fs *Filesys) WriteFullInode(ino uint32, full *FullInode) error {

	blk, offset, err := fs.InodeLocation(ino)
	if err != nil {
		return err
	}

	isize := int64(fs.Super.InodeSize)

	raw, err := fs.Chan.ReadBlk(int64(blk), 1)
	if err != nil {
		return err
	}

	buf := new(bytes.Buffer)
	err = binary.Write(buf, binary.LittleEndian, &full.Inode)
	if err != nil {
		return err
	}
	enc := buf.Bytes()

	copy(raw[offset:], enc)
	if isize > 128 {
		tail := raw[offset+128 : offset+isize]
		for i := range tail {
			tail[i] = 0
		}
		copy(tail, full.Tail)
	}

	if fs.Super.FeatureROCompat&ROCompatMetadataCsum != 0 {
		fs.stampInodeChecksum(ino, raw[offset:offset+isize])
	}

	err = fs.Chan.WriteBlk(int64(blk), 1, raw)
	if err != nil {
		return err
	}

	fs.flags |= flagChanged
	return nil

}

// stampInodeChecksum recomputes the metadata_csum inode checksum over
// the raw inode bytes and stores it in place.
func (fs *Filesys) stampInodeChecksum(ino uint32, raw []byte) {

	const csumLoOff = 0x7C
	const extraIsizeOff = 128
	const csumHiOff = 130

	hasHi := len(raw) > 128+4 &&
		binary.LittleEndian.Uint16(raw[extraIsizeOff:]) >= 4

	binary.LittleEndian.PutUint16(raw[csumLoOff:], 0)
	if hasHi {
		binary.LittleEndian.PutUint16(raw[csumHiOff:], 0)
	}

	var seed [8]byte
	binary.LittleEndian.PutUint32(seed[0:], ino)
	gen := binary.LittleEndian.Uint32(raw[0x64:])
	binary.LittleEndian.PutUint32(seed[4:], gen)

	c := crc.CRC32c(fs.Super.CsumSeed(), seed[:])
	c = crc.CRC32c(c, raw)

	binary.LittleEndian.PutUint16(raw[csumLoOff:], uint16(c))
	if hasHi {
		binary.LittleEndian.PutUint16(raw[csumHiOff:], uint16(c>>16))
	}

}
