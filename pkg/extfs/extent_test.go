package extfs

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// buildExtentRoot assembles a depth-zero extent root in an inode's
// block array.
func buildExtentRoot(inode *Inode, leaves []ExtentLeaf) {

	raw := make([]byte, 60)
	hdr := &ExtentHeader{
		Magic:   ExtentMagic,
		Entries: uint16(len(leaves)),
		Max:     4,
		Depth:   0,
	}

	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, hdr)
	for i := range leaves {
		_ = binary.Write(buf, binary.LittleEndian, &leaves[i])
	}
	copy(raw, buf.Bytes())

	for i := range inode.Block {
		inode.Block[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}

}

func extentTestFS(t *testing.T) *Filesys {
	t.Helper()
	fs, _ := testFS(t, 8192, smallParams())
	fs.Super.FeatureIncompat |= IncompatExtents
	return fs
}

func TestExtentIterate(t *testing.T) {

	fs := extentTestFS(t)
	defer fs.Close()

	inode := &Inode{
		Mode:  ModeRegular | 0644,
		Links: 1,
		Flags: FlagExtents,
	}
	inode.SetSize(5 * 1024)
	leaf := ExtentLeaf{Block: 0, Len: 5}
	leaf.SetStart(4000)
	buildExtentRoot(inode, []ExtentLeaf{leaf})

	err := fs.WriteInode(500, inode)
	if err != nil {
		t.Fatal(err)
	}

	var visited []uint64
	var logical []int64
	err = fs.BlockIterate(500, IterReadOnly, func(blockNum *uint64, blockCount int64, refBlock uint64, refOffset int) int {
		visited = append(visited, *blockNum)
		logical = append(logical, blockCount)
		return 0
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(visited) != 5 {
		t.Fatalf("visited %d blocks -- expect 5", len(visited))
	}
	for i := range visited {
		if visited[i] != uint64(4000+i) {
			t.Errorf("block %d is %d -- expect %d", i, visited[i], 4000+i)
		}
		if logical[i] != int64(i) {
			t.Errorf("logical %d is %d -- expect %d", i, logical[i], i)
		}
	}

}

func TestExtentRelocationSplitsRun(t *testing.T) {

	fs := extentTestFS(t)
	defer fs.Close()

	inode := &Inode{
		Mode:  ModeRegular | 0644,
		Links: 1,
		Flags: FlagExtents,
	}
	inode.SetSize(5 * 1024)
	leaf := ExtentLeaf{Block: 0, Len: 5}
	leaf.SetStart(4000)
	buildExtentRoot(inode, []ExtentLeaf{leaf})

	err := fs.WriteInode(500, inode)
	if err != nil {
		t.Fatal(err)
	}

	// relocate the middle block of the run
	err = fs.BlockIterate(500, 0, func(blockNum *uint64, blockCount int64, refBlock uint64, refOffset int) int {
		if blockCount == 2 {
			*blockNum = 6000
			return BlockChanged
		}
		return 0
	})
	if err != nil {
		t.Fatal(err)
	}

	// the run must now be three extents: [0,1]->4000, [2]->6000, [3,4]->4003
	got, err := fs.ReadInode(500)
	if err != nil {
		t.Fatal(err)
	}

	raw := make([]byte, 60)
	for i, b := range got.Block {
		binary.LittleEndian.PutUint32(raw[i*4:], b)
	}
	hdr, err := decodeExtentHeader(raw)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Entries != 3 {
		t.Fatalf("extent root has %d entries -- expect 3", hdr.Entries)
	}

	var leaves []ExtentLeaf
	for i := 0; i < int(hdr.Entries); i++ {
		off := extentHeaderSize + i*extentEntrySize
		l := new(ExtentLeaf)
		_ = binary.Read(bytes.NewReader(raw[off:off+extentEntrySize]), binary.LittleEndian, l)
		leaves = append(leaves, *l)
	}

	expect := []struct {
		lblk  uint32
		start uint64
		count int64
	}{
		{0, 4000, 2},
		{2, 6000, 1},
		{3, 4003, 2},
	}
	for i, e := range expect {
		if leaves[i].Block != e.lblk || leaves[i].Start() != e.start || leaves[i].Length() != e.count {
			t.Errorf("entry %d is {%d %d %d} -- expect {%d %d %d}",
				i, leaves[i].Block, leaves[i].Start(), leaves[i].Length(),
				e.lblk, e.start, e.count)
		}
	}

	// the relocated mapping reads back through the iterator
	var blocks []uint64
	err = fs.BlockIterate(500, IterReadOnly|IterDataOnly, func(blockNum *uint64, blockCount int64, refBlock uint64, refOffset int) int {
		blocks = append(blocks, *blockNum)
		return 0
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []uint64{4000, 4001, 6000, 4003, 4004}
	for i := range want {
		if blocks[i] != want[i] {
			t.Errorf("logical %d maps to %d -- expect %d", i, blocks[i], want[i])
		}
	}

}

func TestExtentSplitOverflowFails(t *testing.T) {

	fs := extentTestFS(t)
	defer fs.Close()

	inode := &Inode{
		Mode:  ModeRegular | 0644,
		Links: 1,
		Flags: FlagExtents,
	}
	inode.SetSize(8 * 1024)

	// four entries fill the root; splitting any of them must fail
	var leaves []ExtentLeaf
	for i := 0; i < 4; i++ {
		l := ExtentLeaf{Block: uint32(i * 2), Len: 2}
		l.SetStart(uint64(4000 + i*100))
		leaves = append(leaves, l)
	}
	buildExtentRoot(inode, leaves)

	err := fs.WriteInode(500, inode)
	if err != nil {
		t.Fatal(err)
	}

	err = fs.BlockIterate(500, 0, func(blockNum *uint64, blockCount int64, refBlock uint64, refOffset int) int {
		if blockCount == 1 {
			*blockNum = 7000
			return BlockChanged
		}
		return 0
	})
	if err == nil {
		t.Fatalf("splitting a full extent node should fail")
	}

}
