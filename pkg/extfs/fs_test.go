package extfs

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/vorteil/vext/pkg/blockio"
)

func testFS(t *testing.T, deviceBlocks int64, params InitParams) (*Filesys, *blockio.TestManager) {

	t.Helper()

	mgr := blockio.NewTestManager(deviceBlocks)
	fs, err := InitializeWith(blockio.NewChannel(mgr), "test", params)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}

	return fs, mgr

}

func smallParams() InitParams {
	return InitParams{
		Blocks:         8192,
		BlockSize:      1024,
		InodesPerGroup: 2048,
	}
}

func TestStructSizes(t *testing.T) {

	// check that the on-disk structs are the correct sizes
	if size := binary.Size(&Superblock{}); size != SuperblockSize {
		t.Errorf("struct Superblock is the wrong size -- expect %d but got %d", SuperblockSize, size)
	}

	if size := binary.Size(&diskGroupDesc{}); size != DescriptorSize64 {
		t.Errorf("struct diskGroupDesc is the wrong size -- expect %d but got %d", DescriptorSize64, size)
	}

	if size := binary.Size(&Inode{}); size != 128 {
		t.Errorf("struct Inode is the wrong size -- expect 128 but got %d", size)
	}

	if size := binary.Size(&MMPBlock{}); size != 1024 {
		t.Errorf("struct MMPBlock is the wrong size -- expect 1024 but got %d", size)
	}

}

func TestInitializeMinimal(t *testing.T) {

	fs, _ := testFS(t, 8192, smallParams())
	defer fs.Close()

	sb := fs.Super

	if sb.Signature != Signature {
		t.Errorf("superblock magic is %#x -- expect %#x", sb.Signature, Signature)
	}
	if sb.GroupCount() != 1 {
		t.Errorf("group count is %d -- expect 1", sb.GroupCount())
	}
	if sb.TotalInodes != 2048 {
		t.Errorf("inode count is %d -- expect 2048", sb.TotalInodes)
	}

	// inodes 1..10 are reserved and lost+found takes 11
	if sb.FreeInodes != 2037 {
		t.Errorf("free inode count is %d -- expect 2037", sb.FreeInodes)
	}

	root, err := fs.ReadInode(RootInode)
	if err != nil {
		t.Fatal(err)
	}
	if root.Mode != 0o40755 {
		t.Errorf("root mode is %o -- expect 40755", root.Mode)
	}

	var dot, dotdot uint32
	err = fs.IterateDir(RootInode, func(d *Dirent) int {
		switch d.Name {
		case ".":
			dot = d.Inode
		case "..":
			dotdot = d.Inode
		}
		return 0
	})
	if err != nil {
		t.Fatal(err)
	}
	if dot != RootInode || dotdot != RootInode {
		t.Errorf("'.'=%d and '..'=%d -- expect both %d", dot, dotdot, RootInode)
	}

}

func TestOpenCloseIsNoOp(t *testing.T) {

	fs, mgr := testFS(t, 8192, smallParams())
	err := fs.Close()
	if err != nil {
		t.Fatal(err)
	}

	before := mgr.Image(8192)

	reopened, err := OpenWith(blockio.NewChannel(mgr), "test", OpenWritable|OpenForce)
	if err != nil {
		t.Fatal(err)
	}
	err = reopened.ReadBitmaps()
	if err != nil {
		t.Fatal(err)
	}
	err = reopened.Close()
	if err != nil {
		t.Fatal(err)
	}

	after := mgr.Image(8192)
	if !bytes.Equal(before, after) {
		t.Errorf("open-then-close of a clean file-system changed the image")
	}

}

func TestOpenRejectsUnknownIncompat(t *testing.T) {

	fs, mgr := testFS(t, 8192, smallParams())
	fs.Super.FeatureIncompat |= 0x800000 // not a bit we know
	fs.MarkSuperDirty()
	if err := fs.Close(); err != nil {
		t.Fatal(err)
	}

	_, err := OpenWith(blockio.NewChannel(mgr), "test", 0)
	if err == nil {
		t.Fatalf("open accepted an unknown incompat feature")
	}

	_, err = OpenWith(blockio.NewChannel(mgr), "test", OpenWritable)
	if err == nil {
		t.Fatalf("writable open accepted an unknown incompat feature")
	}

}

func TestOpenRejectsWritableUnknownROCompat(t *testing.T) {

	fs, mgr := testFS(t, 8192, smallParams())
	fs.Super.FeatureROCompat |= 0x800000
	fs.MarkSuperDirty()
	if err := fs.Close(); err != nil {
		t.Fatal(err)
	}

	// read-only open is fine
	ro, err := OpenWith(blockio.NewChannel(mgr), "test", 0)
	if err != nil {
		t.Fatalf("read-only open rejected an unknown ro-compat feature: %v", err)
	}
	_ = ro.Close()

	// writable open is not
	_, err = OpenWith(blockio.NewChannel(mgr), "test", OpenWritable)
	if err == nil {
		t.Fatalf("writable open accepted an unknown ro-compat feature")
	}

}

func TestInodeRoundTrip(t *testing.T) {

	fs, _ := testFS(t, 8192, smallParams())
	defer fs.Close()

	want := &Inode{
		Mode:       ModeRegular | 0640,
		UID:        1000,
		GID:        1000,
		Links:      1,
		SizeLo:     4096,
		AccessTime: 1000000,
		ModifyTime: 2000000,
		Generation: 0xDEADBEEF,
	}
	want.Block[0] = 1234

	err := fs.WriteInode(100, want)
	if err != nil {
		t.Fatal(err)
	}

	got, err := fs.ReadInode(100)
	if err != nil {
		t.Fatal(err)
	}

	if *got != *want {
		t.Errorf("inode round trip mismatch:\n  wrote %+v\n  read  %+v", want, got)
	}

	// writing again and re-reading must still match
	err = fs.WriteInode(100, got)
	if err != nil {
		t.Fatal(err)
	}
	again, err := fs.ReadInode(100)
	if err != nil {
		t.Fatal(err)
	}
	if *again != *want {
		t.Errorf("second inode round trip mismatch")
	}

}

func TestLinkLookupUnlink(t *testing.T) {

	fs, _ := testFS(t, 8192, smallParams())
	defer fs.Close()

	ino, err := fs.WriteNewFile(RootInode, "hello", []byte("hello world\n"), 0)
	if err != nil {
		t.Fatal(err)
	}

	got, err := fs.Lookup(RootInode, "hello")
	if err != nil {
		t.Fatal(err)
	}
	if got != ino {
		t.Errorf("lookup returned %d -- expect %d", got, ino)
	}

	got, err = fs.Namei("/hello")
	if err != nil {
		t.Fatal(err)
	}
	if got != ino {
		t.Errorf("namei returned %d -- expect %d", got, ino)
	}

	// a second link to the same inode
	err = fs.Link(RootInode, "hola", ino, FTypeRegular)
	if err != nil {
		t.Fatal(err)
	}
	got, err = fs.Lookup(RootInode, "hola")
	if err != nil || got != ino {
		t.Errorf("second link lookup failed: %d, %v", got, err)
	}

	// duplicate names are rejected
	err = fs.Link(RootInode, "hello", ino, FTypeRegular)
	if err == nil {
		t.Errorf("duplicate link was accepted")
	}

	err = fs.Unlink(RootInode, "hello")
	if err != nil {
		t.Fatal(err)
	}
	_, err = fs.Lookup(RootInode, "hello")
	if err == nil {
		t.Errorf("unlinked name still resolves")
	}
	got, err = fs.Lookup(RootInode, "hola")
	if err != nil || got != ino {
		t.Errorf("surviving link lost by unlink: %v", err)
	}

}

func TestFileContentRoundTrip(t *testing.T) {

	fs, _ := testFS(t, 8192, smallParams())
	defer fs.Close()

	// long enough to need the indirect block
	data := bytes.Repeat([]byte("0123456789abcdef"), 1500) // 24000 bytes, 24 blocks

	ino, err := fs.WriteNewFile(RootInode, "data.bin", data, 0)
	if err != nil {
		t.Fatal(err)
	}

	rdr, err := fs.FileReader(ino)
	if err != nil {
		t.Fatal(err)
	}
	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(rdr)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(buf.Bytes(), data) {
		t.Errorf("file content round trip mismatch: %d bytes in, %d bytes out", len(data), buf.Len())
	}

}

func TestBlockIteratorVisitsAllBlocks(t *testing.T) {

	fs, _ := testFS(t, 8192, smallParams())
	defer fs.Close()

	data := make([]byte, 20*1024) // needs 12 direct + 8 indirect slots
	ino, err := fs.WriteNewFile(RootInode, "big", data, 0)
	if err != nil {
		t.Fatal(err)
	}

	var dataBlocks, metaBlocks int
	err = fs.BlockIterate(ino, IterReadOnly, func(blockNum *uint64, blockCount int64, refBlock uint64, refOffset int) int {
		if blockCount < 0 {
			metaBlocks++
		} else {
			dataBlocks++
		}
		return 0
	})
	if err != nil {
		t.Fatal(err)
	}

	if dataBlocks != 20 {
		t.Errorf("iterator visited %d data blocks -- expect 20", dataBlocks)
	}
	if metaBlocks != 1 {
		t.Errorf("iterator visited %d metadata blocks -- expect 1 (the indirect)", metaBlocks)
	}

	// with DataOnly the indirect callback disappears
	metaBlocks = 0
	err = fs.BlockIterate(ino, IterReadOnly|IterDataOnly, func(blockNum *uint64, blockCount int64, refBlock uint64, refOffset int) int {
		if blockCount < 0 {
			metaBlocks++
		}
		return 0
	})
	if err != nil {
		t.Fatal(err)
	}
	if metaBlocks != 0 {
		t.Errorf("DataOnly still visited %d metadata blocks", metaBlocks)
	}

}

func TestBlockIteratorWriteBack(t *testing.T) {

	fs, _ := testFS(t, 8192, smallParams())
	defer fs.Close()

	ino, err := fs.WriteNewFile(RootInode, "movable", make([]byte, 3*1024), 0)
	if err != nil {
		t.Fatal(err)
	}

	// pick a destination and rewrite the second block's pointer
	dest, err := fs.AllocBlock(4000)
	if err != nil {
		t.Fatal(err)
	}

	var from uint64
	err = fs.BlockIterate(ino, 0, func(blockNum *uint64, blockCount int64, refBlock uint64, refOffset int) int {
		if blockCount == 1 {
			from = *blockNum
			*blockNum = dest
			return BlockChanged
		}
		return 0
	})
	if err != nil {
		t.Fatal(err)
	}
	if from == 0 {
		t.Fatalf("iterator never visited logical block 1")
	}

	inode, err := fs.ReadInode(ino)
	if err != nil {
		t.Fatal(err)
	}
	if inode.Block[1] != uint32(dest) {
		t.Errorf("changed pointer was not written back: %d -- expect %d", inode.Block[1], dest)
	}

}

func TestFastSymlink(t *testing.T) {

	fs, _ := testFS(t, 8192, smallParams())
	defer fs.Close()

	target := "some/where"

	ino, err := fs.AllocInode(0, false)
	if err != nil {
		t.Fatal(err)
	}
	inode := &Inode{
		Mode:   ModeSymlink | 0777,
		Links:  1,
		SizeLo: uint32(len(target)),
	}
	raw := make([]byte, 60)
	copy(raw, target)
	for i := range inode.Block {
		inode.Block[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}
	err = fs.WriteInode(ino, inode)
	if err != nil {
		t.Fatal(err)
	}
	err = fs.Link(RootInode, "link", ino, FTypeSymlink)
	if err != nil {
		t.Fatal(err)
	}

	got, err := fs.ReadInode(ino)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsFastSymlink() {
		t.Fatalf("inline symlink not detected as fast")
	}
	if got.SymlinkTarget() != target {
		t.Errorf("symlink target is %q -- expect %q", got.SymlinkTarget(), target)
	}

	// namei follows it
	_, err = fs.Mkdir(RootInode, "some", 0755)
	if err != nil {
		t.Fatal(err)
	}
	someIno, err := fs.Namei("/some")
	if err != nil {
		t.Fatal(err)
	}
	whereIno, err := fs.Mkdir(someIno, "where", 0755)
	if err != nil {
		t.Fatal(err)
	}

	resolved, err := fs.Namei("/link")
	if err != nil {
		t.Fatal(err)
	}
	if resolved != whereIno {
		t.Errorf("namei through symlink returned %d -- expect %d", resolved, whereIno)
	}

}

func TestSymlinkLoopDetected(t *testing.T) {

	fs, _ := testFS(t, 8192, smallParams())
	defer fs.Close()

	mkLink := func(name, target string) {
		ino, err := fs.AllocInode(0, false)
		if err != nil {
			t.Fatal(err)
		}
		inode := &Inode{Mode: ModeSymlink | 0777, Links: 1, SizeLo: uint32(len(target))}
		raw := make([]byte, 60)
		copy(raw, target)
		for i := range inode.Block {
			inode.Block[i] = binary.LittleEndian.Uint32(raw[i*4:])
		}
		if err = fs.WriteInode(ino, inode); err != nil {
			t.Fatal(err)
		}
		if err = fs.Link(RootInode, name, ino, FTypeSymlink); err != nil {
			t.Fatal(err)
		}
	}

	mkLink("a", "/b")
	mkLink("b", "/a")

	_, err := fs.Namei("/a")
	if err == nil {
		t.Fatalf("symlink loop resolved without error")
	}

}

func TestDirCorruptionDetected(t *testing.T) {

	fs, _ := testFS(t, 8192, smallParams())
	defer fs.Close()

	root, err := fs.ReadInode(RootInode)
	if err != nil {
		t.Fatal(err)
	}

	raw, err := fs.Chan.ReadBlk(int64(root.Block[0]), 1)
	if err != nil {
		t.Fatal(err)
	}

	// an unaligned rec-len poisons the walk
	binary.LittleEndian.PutUint16(raw[4:], 13)
	err = fs.Chan.WriteBlk(int64(root.Block[0]), 1, raw)
	if err != nil {
		t.Fatal(err)
	}

	err = fs.IterateDir(RootInode, func(d *Dirent) int { return 0 })
	if err == nil {
		t.Fatalf("corrupt directory block not detected")
	}

}

func TestDescriptorChecksumVector(t *testing.T) {

	// known-answer test with a fixed UUID and descriptor
	sb := &Superblock{
		Signature:       Signature,
		FeatureROCompat: ROCompatGdtCsum,
	}
	copy(sb.UUID[:], []byte{
		0x4f, 0x25, 0xe8, 0xcf, 0xe7, 0x97, 0x48, 0x23,
		0xbe, 0xfa, 0xa7, 0x88, 0x4b, 0xae, 0xec, 0xdb,
	})

	desc := &GroupDesc{
		BlockBitmap: 124,
		InodeBitmap: 125,
		InodeTable:  126,
		FreeBlocks:  31119,
		FreeInodes:  15701,
		UsedDirs:    2,
	}

	if got := DescChecksum(sb, 0, desc); got != 0xd3a4 {
		t.Errorf("descriptor checksum is %#x -- expect 0xd3a4", got)
	}

}

func TestSummaryInvariant(t *testing.T) {

	fs, _ := testFS(t, 8192, smallParams())
	defer fs.Close()

	_, err := fs.WriteNewFile(RootInode, "f1", make([]byte, 5000), 0)
	if err != nil {
		t.Fatal(err)
	}
	_, err = fs.Mkdir(RootInode, "d1", 0755)
	if err != nil {
		t.Fatal(err)
	}

	var groupFreeBlocks uint64
	var groupFreeInodes uint32
	for g := range fs.Descs {
		groupFreeBlocks += uint64(fs.Descs[g].FreeBlocks)
		groupFreeInodes += fs.Descs[g].FreeInodes
	}

	if groupFreeBlocks != fs.Super.FreeBlocks() {
		t.Errorf("sum of group free blocks %d != superblock %d", groupFreeBlocks, fs.Super.FreeBlocks())
	}
	if groupFreeInodes != fs.Super.FreeInodes {
		t.Errorf("sum of group free inodes %d != superblock %d", groupFreeInodes, fs.Super.FreeInodes)
	}

}

func TestKillFileMaintainsCounts(t *testing.T) {

	fs, _ := testFS(t, 8192, smallParams())
	defer fs.Close()

	freeBlocks := fs.Super.FreeBlocks()
	freeInodes := fs.Super.FreeInodes

	ino, err := fs.WriteNewFile(RootInode, "victim", make([]byte, 4*1024), 0)
	if err != nil {
		t.Fatal(err)
	}

	if fs.Super.FreeBlocks() != freeBlocks-4 {
		t.Fatalf("file creation consumed %d blocks -- expect 4", freeBlocks-fs.Super.FreeBlocks())
	}

	err = fs.Unlink(RootInode, "victim")
	if err != nil {
		t.Fatal(err)
	}
	err = fs.KillFile(ino)
	if err != nil {
		t.Fatal(err)
	}

	if fs.Super.FreeBlocks() != freeBlocks {
		t.Errorf("free blocks %d after kill -- expect %d", fs.Super.FreeBlocks(), freeBlocks)
	}
	if fs.Super.FreeInodes != freeInodes {
		t.Errorf("free inodes %d after kill -- expect %d", fs.Super.FreeInodes, freeInodes)
	}

	set, _ := fs.InodeBitmap.Test(uint64(ino))
	if set {
		t.Errorf("killed inode still marked allocated")
	}

}

func TestDirBlockRoundTrip(t *testing.T) {

	fs, _ := testFS(t, 8192, smallParams())
	defer fs.Close()

	raw := fs.NewDirBlock(2, 2)

	// read-modify-write with no changes is an identity
	copied := make([]byte, len(raw))
	copy(copied, raw)
	_, err := fs.IterateDirBlockBytes(copied, func(offset int, d *Dirent) int { return 0 })
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(raw, copied) {
		t.Errorf("dir block iteration altered an untouched block")
	}

	// the two entries fill the block exactly
	var total int
	var names []string
	_, err = fs.IterateDirBlockBytes(raw, func(offset int, d *Dirent) int {
		total += int(d.RecLen)
		names = append(names, d.Name)
		return 0
	})
	if err != nil {
		t.Fatal(err)
	}
	if total != int(fs.BlockSize()) {
		t.Errorf("rec-lens sum to %d -- expect %d", total, fs.BlockSize())
	}
	if len(names) != 2 || names[0] != "." || names[1] != ".." {
		t.Errorf("new dir block entries are %v -- expect [. ..]", names)
	}

}
