package crc

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import "hash/crc32"

// CRC-16 as used by ext block group descriptor checksums:
// width 16, poly 0x8005 (x16 + x15 + x2 + 1), init 0, reflected.
// The reflected form of the polynomial is 0xA001.
const crc16Poly = 0xA001

var crc16Table [256]uint16

func init() {
	for i := 0; i < 256; i++ {
		crc := uint16(i)
		for bit := 0; bit < 8; bit++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ crc16Poly
			} else {
				crc >>= 1
			}
		}
		crc16Table[i] = crc
	}
}

// CRC16 continues a CRC-16 computation over data.
func CRC16(crc uint16, data []byte) uint16 {
	for _, b := range data {
		crc = (crc >> 8) ^ crc16Table[byte(crc)^b]
	}
	return crc
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// CRC32c continues a CRC-32C (Castagnoli) computation over data. This
// is the checksum used under the metadata_csum feature, with the same
// bit conventions as the kernel's crc32c_le: no pre- or post-inversion
// is applied to the running value, so seeds chain across calls. The
// standard library inverts on entry and exit, so undo both here.
func CRC32c(crc uint32, data []byte) uint32 {
	return ^crc32.Update(^crc, castagnoli, data)
}
