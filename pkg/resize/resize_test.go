package resize

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"testing"

	"github.com/vorteil/vext/pkg/blockio"
	"github.com/vorteil/vext/pkg/check"
	"github.com/vorteil/vext/pkg/extfs"
)

func newFS(t *testing.T, deviceBlocks int64, fsBlocks uint64) (*extfs.Filesys, *blockio.TestManager) {

	t.Helper()

	mgr := blockio.NewTestManager(deviceBlocks)
	fs, err := extfs.InitializeWith(blockio.NewChannel(mgr), "test", extfs.InitParams{
		Blocks:         fsBlocks,
		BlockSize:      1024,
		InodesPerGroup: 2048,
	})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}

	return fs, mgr

}

func reopen(t *testing.T, mgr *blockio.TestManager) *extfs.Filesys {

	t.Helper()

	fs, err := extfs.OpenWith(blockio.NewChannel(mgr), "test", extfs.OpenWritable|extfs.OpenForce)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	err = fs.ReadBitmaps()
	if err != nil {
		t.Fatalf("reopen bitmaps: %v", err)
	}
	return fs

}

func contentHash(t *testing.T, fs *extfs.Filesys, path string) [32]byte {

	t.Helper()

	ino, err := fs.Namei(path)
	if err != nil {
		t.Fatalf("namei %s: %v", path, err)
	}
	rdr, err := fs.FileReader(ino)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(rdr)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return sha256.Sum256(buf.Bytes())

}

func TestGrowAcrossGroupBoundary(t *testing.T) {

	fs, mgr := newFS(t, 16384, 8192)

	_, err := fs.WriteNewFile(extfs.RootInode, "keep.txt", []byte("survives the grow\n"), 0)
	if err != nil {
		t.Fatal(err)
	}
	before := contentHash(t, fs, "/keep.txt")

	err = Resize(fs, 16384, Options{})
	if err != nil {
		t.Fatalf("grow: %v", err)
	}

	if fs.Super.GroupCount() != 2 {
		t.Errorf("group count is %d -- expect 2", fs.Super.GroupCount())
	}
	if fs.Super.TotalBlocks() != 16384 {
		t.Errorf("block count is %d -- expect 16384", fs.Super.TotalBlocks())
	}
	if fs.Super.TotalInodes != 4096 {
		t.Errorf("inode count is %d -- expect 4096", fs.Super.TotalInodes)
	}

	err = fs.Close()
	if err != nil {
		t.Fatal(err)
	}

	// reopen from disk and confirm the tree survived
	fs = reopen(t, mgr)
	defer fs.Close()

	var names []string
	err = fs.IterateDir(extfs.RootInode, func(d *extfs.Dirent) int {
		if d.Inode != 0 {
			names = append(names, d.Name)
		}
		return 0
	})
	if err != nil {
		t.Fatal(err)
	}

	want := map[string]bool{".": true, "..": true, "lost+found": true, "keep.txt": true}
	if len(names) != len(want) {
		t.Errorf("root entries after grow: %v", names)
	}
	for _, n := range names {
		if !want[n] {
			t.Errorf("unexpected root entry %q", n)
		}
	}

	if contentHash(t, fs, "/keep.txt") != before {
		t.Errorf("file content changed across grow")
	}

	// the group descriptor invariant holds in the new group
	res, err := check.Check(fs, check.Options{Force: true, Fixer: check.AutoNo{}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Problems) != 0 {
		t.Errorf("checker found problems after grow: %v", res.Problems)
	}

}

func TestShrinkRelocatesData(t *testing.T) {

	fs, mgr := newFS(t, 16384, 16384)

	// steer a file into the second group
	data := bytes.Repeat([]byte("relocate me "), 4000) // 48000 bytes, 47 blocks
	_, err := fs.WriteNewFile(extfs.RootInode, "far.bin", data, fs.Super.GroupFirstBlock(1))
	if err != nil {
		t.Fatal(err)
	}
	before := contentHash(t, fs, "/far.bin")

	// prove it landed beyond the shrink point
	ino, _ := fs.Namei("/far.bin")
	var beyond int
	err = fs.BlockIterate(ino, extfs.IterReadOnly|extfs.IterDataOnly,
		func(blockNum *uint64, blockCount int64, refBlock uint64, refOffset int) int {
			if *blockNum >= 8192 {
				beyond++
			}
			return 0
		})
	if err != nil {
		t.Fatal(err)
	}
	if beyond == 0 {
		t.Fatalf("test setup failed to place data in group 1")
	}

	err = Resize(fs, 8192, Options{})
	if err != nil {
		t.Fatalf("shrink: %v", err)
	}
	err = fs.Close()
	if err != nil {
		t.Fatal(err)
	}

	fs = reopen(t, mgr)
	defer fs.Close()

	if fs.Super.TotalBlocks() != 8192 {
		t.Fatalf("block count is %d -- expect 8192", fs.Super.TotalBlocks())
	}

	// every block of the file now lies inside the new bounds
	ino, err = fs.Namei("/far.bin")
	if err != nil {
		t.Fatal(err)
	}
	err = fs.BlockIterate(ino, extfs.IterReadOnly,
		func(blockNum *uint64, blockCount int64, refBlock uint64, refOffset int) int {
			if *blockNum >= 8192 {
				t.Errorf("block %d is beyond the shrunk end", *blockNum)
			}
			return 0
		})
	if err != nil {
		t.Fatal(err)
	}

	if contentHash(t, fs, "/far.bin") != before {
		t.Errorf("file content changed across shrink")
	}

	res, err := check.Check(fs, check.Options{Force: true, Fixer: check.AutoNo{}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Problems) != 0 {
		t.Errorf("checker found problems after shrink: %v", res.Problems)
	}

}

func TestShrinkRenumbersInodes(t *testing.T) {

	fs, mgr := newFS(t, 16384, 16384)

	// steering the allocation goal into group 1 places both the data
	// and the inode beyond what a one-group file-system can keep
	content := []byte(bytes.Repeat([]byte("x"), 1024))
	ino, err := fs.WriteNewFile(extfs.RootInode, "hello", content, fs.Super.GroupFirstBlock(1))
	if err != nil {
		t.Fatal(err)
	}
	if ino <= 2048 {
		t.Fatalf("test setup failed: inode %d is not in group 1", ino)
	}
	before := contentHash(t, fs, "/hello")

	err = Resize(fs, 8192, Options{})
	if err != nil {
		t.Fatalf("shrink: %v", err)
	}
	err = fs.Close()
	if err != nil {
		t.Fatal(err)
	}

	fs = reopen(t, mgr)
	defer fs.Close()

	if fs.Super.TotalInodes != 2048 {
		t.Fatalf("inode count is %d -- expect 2048", fs.Super.TotalInodes)
	}

	newIno, err := fs.Namei("/hello")
	if err != nil {
		t.Fatalf("renumbered file lost: %v", err)
	}
	if newIno > 2048 {
		t.Errorf("dirent still references out-of-range inode %d", newIno)
	}
	if newIno == ino {
		t.Errorf("inode %d was not renumbered", ino)
	}

	inode, err := fs.ReadInode(newIno)
	if err != nil {
		t.Fatal(err)
	}
	if inode.Links != 1 {
		t.Errorf("renumbered inode link count is %d -- expect 1", inode.Links)
	}
	if inode.Size(fs.Super) != 1024 {
		t.Errorf("renumbered inode size is %d -- expect 1024", inode.Size(fs.Super))
	}

	if contentHash(t, fs, "/hello") != before {
		t.Errorf("file content changed across renumbering")
	}

}

func TestGrowThenShrinkPreservesTree(t *testing.T) {

	fs, mgr := newFS(t, 16384, 8192)

	dirIno, err := fs.Mkdir(extfs.RootInode, "docs", 0755)
	if err != nil {
		t.Fatal(err)
	}
	_, err = fs.WriteNewFile(dirIno, "readme", []byte("nested content\n"), 0)
	if err != nil {
		t.Fatal(err)
	}
	before := contentHash(t, fs, "/docs/readme")

	err = Resize(fs, 16384, Options{})
	if err != nil {
		t.Fatalf("grow: %v", err)
	}
	err = Resize(fs, 8192, Options{})
	if err != nil {
		t.Fatalf("shrink back: %v", err)
	}
	err = fs.Close()
	if err != nil {
		t.Fatal(err)
	}

	fs = reopen(t, mgr)
	defer fs.Close()

	if contentHash(t, fs, "/docs/readme") != before {
		t.Errorf("round-trip resize changed file content")
	}

	res, err := check.Check(fs, check.Options{Force: true, Fixer: check.AutoNo{}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Problems) != 0 {
		t.Errorf("checker found problems after round trip: %v", res.Problems)
	}

}

func TestMinimumSize(t *testing.T) {

	fs, _ := newFS(t, 16384, 16384)
	defer fs.Close()

	_, err := fs.WriteNewFile(extfs.RootInode, "some.bin", make([]byte, 100*1024), 0)
	if err != nil {
		t.Fatal(err)
	}

	min, err := MinimumSize(fs)
	if err != nil {
		t.Fatal(err)
	}

	if min == 0 || min > fs.Super.TotalBlocks() {
		t.Fatalf("minimum size %d is not sane", min)
	}

	// the estimate must be achievable
	err = Resize(fs, min, Options{})
	if err != nil {
		t.Errorf("resize to the estimated minimum failed: %v", err)
	}

}

func TestResizeRejectsTinyTrailingGroup(t *testing.T) {

	fs, _ := newFS(t, 16384, 8192)
	defer fs.Close()

	// a couple hundred blocks into a new group can never hold that
	// group's metadata plus the worth-it slack
	err := Resize(fs, 8192+1+200, Options{})
	if err == nil {
		t.Fatalf("resize accepted an unusable trailing group")
	}

}

func TestResizeSameSizeIsNoOp(t *testing.T) {

	fs, mgr := newFS(t, 16384, 8192)
	err := fs.Close()
	if err != nil {
		t.Fatal(err)
	}

	fs = reopen(t, mgr)
	before := mgr.Image(8192)

	err = Resize(fs, 8192, Options{})
	if err != nil {
		t.Fatal(err)
	}
	err = fs.Close()
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(before, mgr.Image(8192)) {
		t.Errorf("same-size resize changed the image")
	}

}

func TestAbortLeavesRecoverableState(t *testing.T) {

	fs, mgr := newFS(t, 16384, 16384)

	// as in the renumbering test, force the file into group 1
	_, err := fs.WriteNewFile(extfs.RootInode, "precious", bytes.Repeat([]byte("y"), 2048), fs.Super.GroupFirstBlock(1))
	if err != nil {
		t.Fatal(err)
	}
	before := contentHash(t, fs, "/precious")

	// cancel between the inode move and the dirent rewrite
	cancelAfterPhase4 := func(pass string, cur, max uint64) error {
		if pass == "resize" && cur == 4 {
			return fmt.Errorf("injected abort")
		}
		return nil
	}

	err = Resize(fs, 8192, Options{Progress: cancelAfterPhase4})
	if !errors.Is(err, extfs.ErrCanceled) {
		t.Fatalf("expected a canceled resize, got %v", err)
	}

	// drop the handle without flushing its in-memory state; the disk
	// is now mid-transition
	_ = fs.Chan.Flush()

	fs = reopen(t, mgr)

	if fs.Super.State&extfs.StateError == 0 {
		t.Errorf("aborted resize did not leave the error state set")
	}

	res, err := check.Check(fs, check.Options{Fixer: check.AutoYes{}})
	if err != nil {
		t.Fatalf("checker failed on aborted resize: %v", err)
	}
	if res.Clean {
		t.Fatalf("checker believed the aborted file-system was clean")
	}
	if res.Uncorrected != 0 {
		t.Errorf("checker left %d problems uncorrected", res.Uncorrected)
	}

	err = fs.Close()
	if err != nil {
		t.Fatal(err)
	}

	// after recovery the data is intact
	fs = reopen(t, mgr)
	defer fs.Close()

	if contentHash(t, fs, "/precious") != before {
		t.Errorf("aborted resize lost file content")
	}

}
