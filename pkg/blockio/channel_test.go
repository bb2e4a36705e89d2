package blockio

import (
	"bytes"
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
)

func countOps(mgr *TestManager, name string) int {
	var n int
	for _, op := range mgr.Ops {
		if op.Name == name {
			n++
		}
	}
	return n
}

func TestCacheHit(t *testing.T) {

	mgr := NewTestManager(0)
	ch := NewChannel(mgr)

	data := bytes.Repeat([]byte{0xAB}, ch.BlockSize())
	if err := ch.WriteBlk(7, 1, data); err != nil {
		t.Fatal(err)
	}

	// a read of a freshly written block must not touch the backend
	before := countOps(mgr, "read_blk")
	got, err := ch.ReadBlk(7, 1)
	if err != nil {
		t.Fatal(err)
	}
	if countOps(mgr, "read_blk") != before {
		t.Errorf("cached read went to the backend")
	}
	if !bytes.Equal(got, data) {
		t.Errorf("cached read returned wrong data")
	}

	// nothing reaches the device until flush
	if countOps(mgr, "write_blk") != 0 {
		t.Errorf("write-back cache wrote before flush")
	}
	if err = ch.Flush(); err != nil {
		t.Fatal(err)
	}
	if countOps(mgr, "write_blk") != 1 {
		t.Errorf("flush should write exactly one block")
	}

}

func TestWriteThrough(t *testing.T) {

	mgr := NewTestManager(0)
	ch := NewChannel(mgr)
	ch.WriteThrough = true

	data := make([]byte, ch.BlockSize())
	if err := ch.WriteBlk(3, 1, data); err != nil {
		t.Fatal(err)
	}

	if countOps(mgr, "write_blk") != 1 {
		t.Errorf("write-through write did not reach the backend immediately")
	}

}

func TestLRUEviction(t *testing.T) {

	mgr := NewTestManager(0)
	ch := NewChannel(mgr)

	data := make([]byte, ch.BlockSize())

	// fill the cache, then one more: the least recently used entry (the
	// first write) must be written back to make room
	for i := int64(0); i < cacheSize; i++ {
		if err := ch.WriteBlk(100+i, 1, data); err != nil {
			t.Fatal(err)
		}
	}
	if countOps(mgr, "write_blk") != 0 {
		t.Fatalf("nothing should have been evicted yet")
	}

	if err := ch.WriteBlk(200, 1, data); err != nil {
		t.Fatal(err)
	}
	if countOps(mgr, "write_blk") != 1 {
		t.Errorf("eviction should write back exactly the victim")
	}
	if mgr.Ops[len(mgr.Ops)-1].Block != 100 {
		t.Errorf("victim should be the least recently used block (100), got %d", mgr.Ops[len(mgr.Ops)-1].Block)
	}

}

func TestLargeWriteBypassesCache(t *testing.T) {

	mgr := NewTestManager(0)
	ch := NewChannel(mgr)

	big := make([]byte, 5*ch.BlockSize())
	if err := ch.WriteBlk(10, 5, big); err != nil {
		t.Fatal(err)
	}

	if countOps(mgr, "write_blk") != 1 {
		t.Errorf("a five-block write should go straight to the backend")
	}

}

func TestReadClustering(t *testing.T) {

	mgr := NewTestManager(0)
	ch := NewChannel(mgr)

	// first miss should cluster up to a cache-load of consecutive blocks
	_, err := ch.ReadBlk(40, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(mgr.Ops) != 1 || mgr.Ops[0].Count != cacheSize {
		t.Fatalf("expected one clustered read of %d blocks, got %+v", cacheSize, mgr.Ops)
	}

	// the following blocks are now cache hits
	for b := int64(41); b < 40+cacheSize; b++ {
		_, err = ch.ReadBlk(b, 1)
		if err != nil {
			t.Fatal(err)
		}
	}
	if countOps(mgr, "read_blk") != 1 {
		t.Errorf("clustered blocks were not served from the cache")
	}

}

func TestShortReadPastDeviceEnd(t *testing.T) {

	mgr := NewTestManager(16)
	ch := NewChannel(mgr)

	_, err := ch.ReadBlk(20, 1)
	if !errors.Is(err, ErrShortRead) {
		t.Errorf("read past end of device should be a short read, got %v", err)
	}

	// a clustered read that straddles the end must still serve the valid block
	got, err := ch.ReadBlk(15, 1)
	if err != nil {
		t.Fatalf("read of final block failed: %v", err)
	}
	if len(got) != ch.BlockSize() {
		t.Errorf("final block read returned %d bytes", len(got))
	}

}

func TestReadErrorCallbackRescues(t *testing.T) {

	mgr := NewTestManager(0)
	mgr.FailRead = map[int64]error{5: errors.New("bad sector")}
	ch := NewChannel(mgr)

	ch.ReadError = func(block int64, count int, buf []byte, err error) error {
		for i := range buf {
			buf[i] = 0xEE
		}
		return nil
	}

	got, err := ch.ReadBlk(5, 1)
	if err != nil {
		t.Fatalf("error callback should have rescued the read: %v", err)
	}
	if got[0] != 0xEE {
		t.Errorf("substituted data not returned")
	}

}

func TestOddSizedTransfer(t *testing.T) {

	mgr := NewTestManager(0)
	ch := NewChannel(mgr)

	data := make([]byte, ch.BlockSize())
	if err := ch.WriteBlk(0, 1, data); err != nil {
		t.Fatal(err)
	}

	// a negative count is a byte-sized transfer and must flush first
	_, err := ch.ReadBlk(0, -100)
	if err != nil {
		t.Fatal(err)
	}

	var sawWrite bool
	for _, op := range mgr.Ops {
		if op.Name == "write_blk" {
			sawWrite = true
		}
		if op.Name == "read_byte" && !sawWrite {
			t.Errorf("odd-sized read did not flush the cache first")
		}
	}

}

func TestUndoRoundTrip(t *testing.T) {

	dir, err := ioutil.TempDir("", "undo")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	logPath := filepath.Join(dir, "undo.e2undo")

	inner := NewTestManager(0)

	// seed some original content
	original := bytes.Repeat([]byte{0x11}, DefaultBlockSize)
	if err = inner.WriteBlocks(4, original); err != nil {
		t.Fatal(err)
	}

	undo, err := NewUndo(inner, logPath)
	if err != nil {
		t.Fatal(err)
	}

	mutated := bytes.Repeat([]byte{0x22}, DefaultBlockSize)
	if err = undo.WriteBlocks(4, mutated); err != nil {
		t.Fatal(err)
	}
	if err = undo.WriteBlocks(4, bytes.Repeat([]byte{0x33}, DefaultBlockSize)); err != nil {
		t.Fatal(err)
	}
	if err = undo.Close(); err != nil {
		t.Fatal(err)
	}

	// the device now holds the second mutation
	buf := make([]byte, DefaultBlockSize)
	_ = inner.ReadBlocks(4, 1, buf)
	if buf[0] != 0x33 {
		t.Fatalf("mutations did not reach the device")
	}

	if err = ApplyUndo(logPath, inner); err != nil {
		t.Fatal(err)
	}

	_ = inner.ReadBlocks(4, 1, buf)
	if !bytes.Equal(buf, original) {
		t.Errorf("undo log did not restore the original contents")
	}

}

func TestUndoLogRecordsFirstWriteOnly(t *testing.T) {

	dir, err := ioutil.TempDir("", "undo")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	logPath := filepath.Join(dir, "undo.e2undo")

	inner := NewTestManager(0)
	undo, err := NewUndo(inner, logPath)
	if err != nil {
		t.Fatal(err)
	}

	data := make([]byte, DefaultBlockSize)
	for i := 0; i < 3; i++ {
		if err = undo.WriteBlocks(9, data); err != nil {
			t.Fatal(err)
		}
	}
	if err = undo.Close(); err != nil {
		t.Fatal(err)
	}

	fi, err := os.Stat(logPath)
	if err != nil {
		t.Fatal(err)
	}
	expect := int64(32 + 8 + DefaultBlockSize)
	if fi.Size() != expect {
		t.Errorf("undo log is %d bytes -- expect %d (one record)", fi.Size(), expect)
	}

}
