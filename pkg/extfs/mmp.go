package extfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/rand"
	"os"
	"time"
)

// MMPBlock is the on-disk multiple mount protection block.
type MMPBlock struct {
	Magic         uint32
	Seq           uint32
	Time          uint64
	NodeName      [64]byte
	BdevName      [32]byte
	CheckInterval uint16
	_             uint16
	_             [226]uint32
	Checksum      uint32
}

// MMP sequence sentinels.
const (
	mmpSeqClean = 0xFF4D4D50
	mmpSeqFsck  = 0xE24D4D50
	mmpSeqMax   = 0xE24D4D4F
)

func (fs *Filesys) readMMP() (*MMPBlock, error) {
	raw, err := fs.Chan.ReadBlk(int64(fs.Super.MMPBlock), 1)
	if err != nil {
		return nil, err
	}
	m := new(MMPBlock)
	err = binary.Read(bytes.NewReader(raw), binary.LittleEndian, m)
	if err != nil {
		return nil, err
	}
	if m.Magic != MMPMagic {
		return nil, fmt.Errorf("mmp block magic %#x: %w", m.Magic, ErrCorruptSuper)
	}
	return m, nil
}

func (fs *Filesys) writeMMP(m *MMPBlock) error {
	buf := new(bytes.Buffer)
	err := binary.Write(buf, binary.LittleEndian, m)
	if err != nil {
		return err
	}
	raw := buf.Bytes()
	if int64(len(raw)) < fs.BlockSize() {
		raw = append(raw, make([]byte, fs.BlockSize()-int64(len(raw)))...)
	}
	err = fs.Chan.WriteBlk(int64(fs.Super.MMPBlock), 1, raw[:fs.BlockSize()])
	if err != nil {
		return err
	}
	return fs.Chan.Flush()
}

// mmpStart claims the multiple mount protection lease: stamp our
// identity, wait out the update window, and abort if any other writer
// touched the block in the meantime.
func (fs *Filesys) mmpStart() error {

	if fs.Super.MMPBlock < uint64(fs.Super.FirstDataBlock) ||
		fs.Super.MMPBlock >= fs.Super.TotalBlocks() {
		return fmt.Errorf("mmp block %d out of range: %w", fs.Super.MMPBlock, ErrCorruptSuper)
	}

	m, err := fs.readMMP()
	if err != nil {
		return err
	}

	if m.Seq == mmpSeqFsck {
		return fmt.Errorf("a consistency check is running on this file-system: %w", ErrMMPConflict)
	}

	if m.Seq != mmpSeqClean {
		// someone may be live; observe one full interval first
		interval := time.Duration(m.CheckInterval) * time.Second
		if interval == 0 {
			interval = time.Duration(fs.Super.MMPUpdateInterval) * time.Second
		}
		time.Sleep(2*interval + time.Second)

		again, err := fs.readMMP()
		if err != nil {
			return err
		}
		if again.Seq != m.Seq || again.Time != m.Time {
			return fmt.Errorf("mmp block was updated by %q: %w",
				cstring(again.NodeName[:]), ErrMMPConflict)
		}
	}

	seq := uint32(rand.Int63n(mmpSeqMax-1)) + 1
	m.Seq = seq
	m.Time = uint64(time.Now().Unix())
	hostname, _ := os.Hostname()
	copy(m.NodeName[:], hostname)
	copy(m.BdevName[:], fs.Path)
	m.CheckInterval = fs.Super.MMPUpdateInterval

	err = fs.writeMMP(m)
	if err != nil {
		return err
	}

	// wait one more window and confirm the stamp stuck
	time.Sleep(2*time.Duration(fs.Super.MMPUpdateInterval)*time.Second + time.Second)

	confirm, err := fs.readMMP()
	if err != nil {
		return err
	}
	if confirm.Seq != seq {
		return fmt.Errorf("lost the mmp race to %q: %w", cstring(confirm.NodeName[:]), ErrMMPConflict)
	}

	return nil

}

// mmpStop returns the lease to the clean state.
func (fs *Filesys) mmpStop() error {
	if fs.Super.FeatureIncompat&IncompatMMP == 0 || !fs.Writable {
		return nil
	}
	m, err := fs.readMMP()
	if err != nil {
		return err
	}
	m.Seq = mmpSeqClean
	m.Time = uint64(time.Now().Unix())
	return fs.writeMMP(m)
}

func cstring(data []byte) string {
	for i := 0; i < len(data); i++ {
		if data[i] == 0 {
			return string(data[:i])
		}
	}
	return string(data)
}
