package extfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bytes"
	"encoding/binary"

	"github.com/vorteil/vext/pkg/crc"
)

// diskGroupDesc is the on-disk layout of a block group descriptor. The
// first 32 bytes are the classic descriptor; the rest exists only under
// the 64bit feature.
type diskGroupDesc struct {
	BlockBitmapLo     uint32
	InodeBitmapLo     uint32
	InodeTableLo      uint32
	FreeBlocksLo      uint16
	FreeInodesLo      uint16
	UsedDirsLo        uint16
	Flags             uint16
	ExcludeBitmapLo   uint32
	BlockBitmapCsumLo uint16
	InodeBitmapCsumLo uint16
	ItableUnusedLo    uint16
	Checksum          uint16 // 0x1E
	BlockBitmapHi     uint32 // 0x20
	InodeBitmapHi     uint32
	InodeTableHi      uint32
	FreeBlocksHi      uint16
	FreeInodesHi      uint16
	UsedDirsHi        uint16
	ItableUnusedHi    uint16
	ExcludeBitmapHi   uint32
	BlockBitmapCsumHi uint16
	InodeBitmapCsumHi uint16
	_                 uint32
}

// GroupDesc is the native in-memory form of a group descriptor.
type GroupDesc struct {
	BlockBitmap     uint64
	InodeBitmap     uint64
	InodeTable      uint64
	FreeBlocks      uint32
	FreeInodes      uint32
	UsedDirs        uint32
	Flags           uint16
	ItableUnused    uint32
	Checksum        uint16
	BlockBitmapCsum uint32
	InodeBitmapCsum uint32
}

func (d *GroupDesc) fromDisk(raw *diskGroupDesc, wide bool) {
	d.BlockBitmap = uint64(raw.BlockBitmapLo)
	d.InodeBitmap = uint64(raw.InodeBitmapLo)
	d.InodeTable = uint64(raw.InodeTableLo)
	d.FreeBlocks = uint32(raw.FreeBlocksLo)
	d.FreeInodes = uint32(raw.FreeInodesLo)
	d.UsedDirs = uint32(raw.UsedDirsLo)
	d.Flags = raw.Flags
	d.ItableUnused = uint32(raw.ItableUnusedLo)
	d.Checksum = raw.Checksum
	d.BlockBitmapCsum = uint32(raw.BlockBitmapCsumLo)
	d.InodeBitmapCsum = uint32(raw.InodeBitmapCsumLo)
	if wide {
		d.BlockBitmap |= uint64(raw.BlockBitmapHi) << 32
		d.InodeBitmap |= uint64(raw.InodeBitmapHi) << 32
		d.InodeTable |= uint64(raw.InodeTableHi) << 32
		d.FreeBlocks |= uint32(raw.FreeBlocksHi) << 16
		d.FreeInodes |= uint32(raw.FreeInodesHi) << 16
		d.UsedDirs |= uint32(raw.UsedDirsHi) << 16
		d.ItableUnused |= uint32(raw.ItableUnusedHi) << 16
		d.BlockBitmapCsum |= uint32(raw.BlockBitmapCsumHi) << 16
		d.InodeBitmapCsum |= uint32(raw.InodeBitmapCsumHi) << 16
	}
}

func (d *GroupDesc) toDisk(wide bool) *diskGroupDesc {
	raw := &diskGroupDesc{
		BlockBitmapLo:     uint32(d.BlockBitmap),
		InodeBitmapLo:     uint32(d.InodeBitmap),
		InodeTableLo:      uint32(d.InodeTable),
		FreeBlocksLo:      uint16(d.FreeBlocks),
		FreeInodesLo:      uint16(d.FreeInodes),
		UsedDirsLo:        uint16(d.UsedDirs),
		Flags:             d.Flags,
		ItableUnusedLo:    uint16(d.ItableUnused),
		Checksum:          d.Checksum,
		BlockBitmapCsumLo: uint16(d.BlockBitmapCsum),
		InodeBitmapCsumLo: uint16(d.InodeBitmapCsum),
	}
	if wide {
		raw.BlockBitmapHi = uint32(d.BlockBitmap >> 32)
		raw.InodeBitmapHi = uint32(d.InodeBitmap >> 32)
		raw.InodeTableHi = uint32(d.InodeTable >> 32)
		raw.FreeBlocksHi = uint16(d.FreeBlocks >> 16)
		raw.FreeInodesHi = uint16(d.FreeInodes >> 16)
		raw.UsedDirsHi = uint16(d.UsedDirs >> 16)
		raw.ItableUnusedHi = uint16(d.ItableUnused >> 16)
		raw.BlockBitmapCsumHi = uint16(d.BlockBitmapCsum >> 16)
		raw.InodeBitmapCsumHi = uint16(d.InodeBitmapCsum >> 16)
	}
	return raw
}

// encode produces the descriptor's on-disk bytes at the size the
// superblock dictates.
func (d *GroupDesc) encode(sb *Superblock) []byte {
	wide := sb.DescriptorSize() >= DescriptorSize64
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, d.toDisk(wide))
	return buf.Bytes()[:sb.DescriptorSize()]
}

func decodeGroupDesc(sb *Superblock, raw []byte) *GroupDesc {
	padded := make([]byte, DescriptorSize64)
	copy(padded, raw[:sb.DescriptorSize()])
	disk := new(diskGroupDesc)
	_ = binary.Read(bytes.NewReader(padded), binary.LittleEndian, disk)
	d := new(GroupDesc)
	d.fromDisk(disk, sb.DescriptorSize() >= DescriptorSize64)
	return d
}

// DescChecksum computes a group descriptor's checksum. Under
// metadata_csum it is the low 16 bits of a CRC-32C; under the older
// gdt_csum (uninit_bg) feature it is a CRC-16. Both run over
// UUID ∥ le32(group) ∥ descriptor-with-checksum-zeroed.
func DescChecksum(sb *Superblock, group uint64, d *GroupDesc) uint16 {

	raw := d.encode(sb)
	size := sb.DescriptorSize()

	var groupLE [4]byte
	binary.LittleEndian.PutUint32(groupLE[:], uint32(group))

	const csumOffset = 0x1E

	if sb.FeatureROCompat&ROCompatMetadataCsum != 0 {
		c := crc.CRC32c(sb.CsumSeed(), groupLE[:])
		c = crc.CRC32c(c, raw[:csumOffset])
		var zero [2]byte
		c = crc.CRC32c(c, zero[:])
		if size > csumOffset+2 {
			c = crc.CRC32c(c, raw[csumOffset+2:])
		}
		return uint16(c & 0xFFFF)
	}

	if sb.FeatureROCompat&ROCompatGdtCsum != 0 {
		c := crc.CRC16(0xFFFF, sb.UUID[:])
		c = crc.CRC16(c, groupLE[:])
		c = crc.CRC16(c, raw[:csumOffset])
		if size > csumOffset+2 {
			c = crc.CRC16(c, raw[csumOffset+2:])
		}
		return c
	}

	return 0

}

// SetDescChecksums refreshes every descriptor's checksum field.
func (fs *Filesys) SetDescChecksums() {
	if fs.Super.FeatureROCompat&(ROCompatGdtCsum|ROCompatMetadataCsum) == 0 {
		return
	}
	for g := range fs.Descs {
		fs.Descs[g].Checksum = DescChecksum(fs.Super, uint64(g), &fs.Descs[g])
	}
}
