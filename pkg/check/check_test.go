package check

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vorteil/vext/pkg/blockio"
	"github.com/vorteil/vext/pkg/extfs"
)

func newFS(t *testing.T) (*extfs.Filesys, *blockio.TestManager) {

	t.Helper()

	mgr := blockio.NewTestManager(8192)
	fs, err := extfs.InitializeWith(blockio.NewChannel(mgr), "test", extfs.InitParams{
		Blocks:         8192,
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
	return fs

}

func TestCleanFilesystemSkipsChecking(t *testing.T) {

	fs, _ := newFS(t)
	defer fs.Close()

	res, err := Check(fs, Options{Fixer: AutoYes{}})
	assert.NoError(t, err)
	assert.True(t, res.Clean)
	assert.Equal(t, 0, res.ExitCode())

}

func TestForcedCheckOnCleanFilesystem(t *testing.T) {

	fs, _ := newFS(t)
	defer fs.Close()

	_, err := fs.WriteNewFile(extfs.RootInode, "file", make([]byte, 2048), 0)
	assert.NoError(t, err)

	res, err := Check(fs, Options{Fixer: AutoNo{}, Force: true})
	assert.NoError(t, err)
	assert.False(t, res.Clean)
	assert.Empty(t, res.Problems)

}

func TestBadFreeCountsRepaired(t *testing.T) {

	fs, mgr := newFS(t)

	// sabotage the summary counts
	fs.Super.SetFreeBlocks(fs.Super.FreeBlocks() - 17)
	fs.Descs[0].FreeInodes += 3
	fs.Super.State &^= extfs.StateValid
	fs.MarkSuperDirty()
	fs.MarkDescsDirty()
	assert.NoError(t, fs.Close())

	fs = reopen(t, mgr)
	res, err := Check(fs, Options{Fixer: AutoYes{}})
	assert.NoError(t, err)
	assert.False(t, res.Clean)
	assert.NotEmpty(t, res.Problems)
	assert.Equal(t, 0, res.Uncorrected)
	assert.NoError(t, fs.Close())

	// a second check finds nothing
	fs = reopen(t, mgr)
	defer fs.Close()
	res, err = Check(fs, Options{Fixer: AutoNo{}, Force: true})
	assert.NoError(t, err)
	assert.Empty(t, res.Problems)

}

func TestOrphanReconnectedToLostFound(t *testing.T) {

	fs, mgr := newFS(t)

	// build a file, then surgically remove its directory entry
	ino, err := fs.WriteNewFile(extfs.RootInode, "stray", []byte("stray data\n"), 0)
	assert.NoError(t, err)
	assert.NoError(t, fs.Unlink(extfs.RootInode, "stray"))
	fs.Super.State &^= extfs.StateValid
	fs.MarkSuperDirty()
	assert.NoError(t, fs.Close())

	fs = reopen(t, mgr)
	res, err := Check(fs, Options{Fixer: AutoYes{}})
	assert.NoError(t, err)
	assert.Equal(t, 0, res.Uncorrected)

	var sawOrphan bool
	for _, p := range res.Problems {
		if p.Code == InodeOrphaned && p.Inode == ino {
			sawOrphan = true
		}
	}
	assert.True(t, sawOrphan, "orphaned inode not reported")
	assert.NoError(t, fs.Close())

	fs = reopen(t, mgr)
	defer fs.Close()

	lf, err := fs.Lookup(extfs.RootInode, "lost+found")
	assert.NoError(t, err)
	got, err := fs.Lookup(lf, fmt.Sprintf("#%d", ino))
	assert.NoError(t, err)
	assert.Equal(t, ino, got)

}

func TestDanglingDirentCleared(t *testing.T) {

	fs, mgr := newFS(t)

	// an entry pointing at an inode that was never allocated
	assert.NoError(t, fs.Link(extfs.RootInode, "ghost", 1500, extfs.FTypeRegular))
	fs.Super.State &^= extfs.StateValid
	fs.MarkSuperDirty()
	assert.NoError(t, fs.Close())

	fs = reopen(t, mgr)
	res, err := Check(fs, Options{Fixer: AutoYes{}})
	assert.NoError(t, err)
	assert.Equal(t, 0, res.Uncorrected)

	var sawDangling bool
	for _, p := range res.Problems {
		if p.Code == DirEntryUnusedInode {
			sawDangling = true
		}
	}
	assert.True(t, sawDangling, "dangling dirent not reported")
	assert.NoError(t, fs.Close())

	fs = reopen(t, mgr)
	defer fs.Close()
	_, err = fs.Lookup(extfs.RootInode, "ghost")
	assert.Error(t, err, "dangling entry should be gone")

}

func TestBadLinkCountRepaired(t *testing.T) {

	fs, mgr := newFS(t)

	ino, err := fs.WriteNewFile(extfs.RootInode, "file", []byte("data"), 0)
	assert.NoError(t, err)

	inode, err := fs.ReadInode(ino)
	assert.NoError(t, err)
	inode.Links = 7
	assert.NoError(t, fs.WriteInode(ino, inode))
	fs.Super.State &^= extfs.StateValid
	fs.MarkSuperDirty()
	assert.NoError(t, fs.Close())

	fs = reopen(t, mgr)
	res, err := Check(fs, Options{Fixer: AutoYes{}})
	assert.NoError(t, err)
	assert.Equal(t, 0, res.Uncorrected)
	assert.NoError(t, fs.Close())

	fs = reopen(t, mgr)
	defer fs.Close()
	inode, err = fs.ReadInode(ino)
	assert.NoError(t, err)
	assert.Equal(t, uint16(1), inode.Links)

}

