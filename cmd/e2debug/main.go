/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/mattn/go-isatty"
	shellwords "github.com/mattn/go-shellwords"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vorteil/vext/pkg/elog"
	"github.com/vorteil/vext/pkg/extfs"
)

var log elog.View

var (
	flagWritable bool
	flagRequest  string
)

var rootCmd = &cobra.Command{
	Use:   "e2debug [flags] [DEVICE]",
	Short: "Interactive ext2/ext3/ext4 file-system inspector",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sh := &shell{}
		if len(args) == 1 {
			err := sh.open(args[0])
			if err != nil {
				log.Errorf("e2debug: %v", err)
				os.Exit(1)
			}
		}
		defer sh.close()
		if flagRequest != "" {
			sh.dispatchLine(flagRequest)
			return nil
		}
		sh.repl()
		return nil
	},
}

func init() {
	f := rootCmd.Flags()
	f.BoolVarP(&flagWritable, "write", "w", false, "open the file-system writable")
	f.StringVarP(&flagRequest, "request", "R", "", "execute one command and exit")

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		logger := &elog.CLI{DisableTTY: true}
		logrus.SetFormatter(logger)
		logrus.SetLevel(logrus.TraceLevel)
		log = logger
	}
}

type shell struct {
	fs *extfs.Filesys
}

func (sh *shell) open(device string) error {
	flags := 0
	if flagWritable {
		flags |= extfs.OpenWritable
	}
	fs, err := extfs.Open(device, flags)
	if err != nil {
		return err
	}
	err = fs.ReadBitmaps()
	if err != nil {
		fs.Close()
		return err
	}
	sh.fs = fs
	fmt.Printf("%s: opened%s\n", device, map[bool]string{true: " read-write", false: " read-only"}[flagWritable])
	return nil
}

func (sh *shell) close() {
	if sh.fs != nil {
		err := sh.fs.Close()
		if err != nil {
			log.Errorf("close: %v", err)
		}
		sh.fs = nil
	}
}

func (sh *shell) need() bool {
	if sh.fs == nil {
		fmt.Fprintln(os.Stderr, "no file-system is open")
		return false
	}
	return true
}

// pager streams long output through DEBUGFS_PAGER when stdout is a
// terminal.
func pager() (io.WriteCloser, func()) {

	prog := os.Getenv("DEBUGFS_PAGER")
	if prog == "" || !isatty.IsTerminal(os.Stdout.Fd()) {
		return nopCloser{os.Stdout}, func() {}
	}

	cmd := exec.Command(prog)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	in, err := cmd.StdinPipe()
	if err != nil {
		return nopCloser{os.Stdout}, func() {}
	}
	if err = cmd.Start(); err != nil {
		return nopCloser{os.Stdout}, func() {}
	}

	return in, func() {
		in.Close()
		_ = cmd.Wait()
	}

}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func (sh *shell) repl() {

	interactive := isatty.IsTerminal(os.Stdin.Fd())
	scanner := bufio.NewScanner(os.Stdin)

	for {
		if interactive {
			fmt.Print("e2debug:  ")
		}
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !sh.dispatchLine(line) {
			return
		}
	}

}

// dispatchLine tokenizes and runs one command; returns false on quit.
func (sh *shell) dispatchLine(line string) bool {

	args, err := shellwords.Parse(line)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse error: %v\n", err)
		return true
	}
	if len(args) == 0 {
		return true
	}

	cmd := args[0]
	args = args[1:]

	switch cmd {
	case "quit", "q":
		return false
	case "open":
		if len(args) == 1 {
			sh.close()
			if err := sh.open(args[0]); err != nil {
				fmt.Fprintf(os.Stderr, "open: %v\n", err)
			}
		}
	case "close":
		sh.close()
	case "ls":
		sh.cmdLs(args)
	case "stat":
		sh.cmdStat(args)
	case "cat":
		sh.cmdCat(args)
	case "blocks":
		sh.cmdBlocks(args)
	case "ncheck":
		sh.cmdNcheck(args)
	case "icheck":
		sh.cmdIcheck(args)
	case "rm":
		sh.cmdRm(args)
	case "ln":
		sh.cmdLn(args)
	case "mkdir":
		sh.cmdMkdir(args)
	case "freei":
		sh.cmdSetInodeState(args, false)
	case "seti":
		sh.cmdSetInodeState(args, true)
	case "features":
		sh.cmdFeatures()
	case "ssv":
		sh.cmdSsv(args)
	case "dirty":
		if sh.need() {
			sh.fs.MarkSuperDirty()
		}
	case "help", "?":
		fmt.Println("commands: open close ls stat cat blocks ncheck icheck rm ln mkdir freei seti features ssv dirty quit")
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
	}

	return true

}

// resolveArg accepts a path or an <inode> literal.
func (sh *shell) resolveArg(arg string) (uint32, error) {
	if strings.HasPrefix(arg, "<") && strings.HasSuffix(arg, ">") {
		n, err := strconv.ParseUint(arg[1:len(arg)-1], 10, 32)
		if err != nil || n == 0 {
			return 0, fmt.Errorf("bad inode literal %q: %w", arg, extfs.ErrBadArgument)
		}
		return uint32(n), nil
	}
	return sh.fs.Namei(arg)
}

func (sh *shell) cmdLs(args []string) {

	if !sh.need() {
		return
	}

	path := "."
	if len(args) > 0 {
		path = args[0]
	}

	dir, err := sh.resolveArg(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ls: %v\n", err)
		return
	}

	out, done := pager()
	defer done()

	err = sh.fs.IterateDir(dir, func(d *extfs.Dirent) int {
		if d.Inode != 0 {
			fmt.Fprintf(out, "%8d  %s\n", d.Inode, d.Name)
		}
		return 0
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ls: %v\n", err)
	}

}

func (sh *shell) cmdStat(args []string) {

	if !sh.need() || len(args) != 1 {
		return
	}

	ino, err := sh.resolveArg(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "stat: %v\n", err)
		return
	}

	inode, err := sh.fs.ReadInode(ino)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stat: %v\n", err)
		return
	}

	fmt.Printf("Inode: %d   Mode: %06o   Links: %d\n", ino, inode.Mode, inode.Links)
	fmt.Printf("Size: %d   Sectors: %d   Generation: %d\n",
		inode.Size(sh.fs.Super), inode.Sectors(sh.fs.Super), inode.Generation)
	fmt.Printf("User: %d   Group: %d   Flags: %#x\n", inode.UID, inode.GID, inode.Flags)
	if inode.IsFastSymlink() {
		fmt.Printf("Fast link target: %s\n", inode.SymlinkTarget())
	}

}

func (sh *shell) cmdCat(args []string) {

	if !sh.need() || len(args) != 1 {
		return
	}

	ino, err := sh.resolveArg(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "cat: %v\n", err)
		return
	}

	rdr, err := sh.fs.FileReader(ino)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cat: %v\n", err)
		return
	}

	out, done := pager()
	defer done()
	_, _ = io.Copy(out, rdr)

}

func (sh *shell) cmdBlocks(args []string) {

	if !sh.need() || len(args) != 1 {
		return
	}

	ino, err := sh.resolveArg(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "blocks: %v\n", err)
		return
	}

	err = sh.fs.BlockIterate(ino, extfs.IterReadOnly|extfs.IterDataOnly,
		func(blockNum *uint64, blockCount int64, refBlock uint64, refOffset int) int {
			fmt.Printf("%d ", *blockNum)
			return 0
		})
	fmt.Println()
	if err != nil {
		fmt.Fprintf(os.Stderr, "blocks: %v\n", err)
	}

}

// cmdNcheck maps inode numbers back to names by walking the tree.
func (sh *shell) cmdNcheck(args []string) {

	if !sh.need() || len(args) == 0 {
		return
	}

	want := make(map[uint32]bool)
	for _, arg := range args {
		n, err := strconv.ParseUint(arg, 10, 32)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ncheck: bad inode %q\n", arg)
			return
		}
		want[uint32(n)] = true
	}

	var walk func(dir uint32, prefix string)
	walk = func(dir uint32, prefix string) {
		_ = sh.fs.IterateDir(dir, func(d *extfs.Dirent) int {
			if d.Inode == 0 || d.Name == "." || d.Name == ".." {
				return 0
			}
			path := prefix + "/" + d.Name
			if want[d.Inode] {
				fmt.Printf("%d\t%s\n", d.Inode, path)
			}
			if d.FileType == extfs.FTypeDir {
				walk(d.Inode, path)
			}
			return 0
		})
	}

	walk(extfs.RootInode, "")

}

// cmdIcheck maps block numbers to their owning inodes.
func (sh *shell) cmdIcheck(args []string) {

	if !sh.need() || len(args) == 0 {
		return
	}

	want := make(map[uint64]uint32)
	for _, arg := range args {
		n, err := strconv.ParseUint(arg, 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "icheck: bad block %q\n", arg)
			return
		}
		want[n] = 0
	}

	err := sh.fs.IterateInodes(func(ino uint32, full *extfs.FullInode) error {
		return sh.fs.BlockIterateInode(ino, &full.Inode, extfs.IterReadOnly,
			func(blockNum *uint64, blockCount int64, refBlock uint64, refOffset int) int {
				if owner, ok := want[*blockNum]; ok && owner == 0 {
					want[*blockNum] = ino
				}
				return 0
			})
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "icheck: %v\n", err)
		return
	}

	fmt.Println("Block\tInode number")
	for blk, ino := range want {
		if ino == 0 {
			fmt.Printf("%d\t<block not found>\n", blk)
		} else {
			fmt.Printf("%d\t%d\n", blk, ino)
		}
	}

}

func (sh *shell) cmdRm(args []string) {

	if !sh.need() || len(args) != 1 {
		return
	}
	if !sh.fs.Writable {
		fmt.Fprintln(os.Stderr, "rm: file-system is read-only")
		return
	}

	path := args[0]
	ino, err := sh.fs.NameiNoFollow(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rm: %v\n", err)
		return
	}

	dirPath := "/"
	name := path
	if i := strings.LastIndex(path, "/"); i >= 0 {
		dirPath, name = path[:i], path[i+1:]
		if dirPath == "" {
			dirPath = "/"
		}
	}

	dir, err := sh.fs.Namei(dirPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rm: %v\n", err)
		return
	}

	err = sh.fs.Unlink(dir, name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rm: %v\n", err)
		return
	}

	inode, err := sh.fs.ReadInode(ino)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rm: %v\n", err)
		return
	}
	if inode.Links <= 1 {
		err = sh.fs.KillFile(ino)
	} else {
		inode.Links--
		err = sh.fs.WriteInode(ino, inode)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "rm: %v\n", err)
	}

}

func (sh *shell) cmdLn(args []string) {

	if !sh.need() || len(args) != 2 {
		return
	}
	if !sh.fs.Writable {
		fmt.Fprintln(os.Stderr, "ln: file-system is read-only")
		return
	}

	ino, err := sh.resolveArg(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "ln: %v\n", err)
		return
	}

	target := args[1]
	dirPath := "/"
	name := target
	if i := strings.LastIndex(target, "/"); i >= 0 {
		dirPath, name = target[:i], target[i+1:]
		if dirPath == "" {
			dirPath = "/"
		}
	}

	dir, err := sh.fs.Namei(dirPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ln: %v\n", err)
		return
	}

	inode, err := sh.fs.ReadInode(ino)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ln: %v\n", err)
		return
	}

	ftype := uint8(extfs.FTypeRegular)
	if inode.IsDir() {
		ftype = extfs.FTypeDir
	} else if inode.IsSymlink() {
		ftype = extfs.FTypeSymlink
	}

	err = sh.fs.Link(dir, name, ino, ftype)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ln: %v\n", err)
		return
	}

	inode.Links++
	err = sh.fs.WriteInode(ino, inode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ln: %v\n", err)
	}

}

func (sh *shell) cmdMkdir(args []string) {

	if !sh.need() || len(args) != 1 {
		return
	}
	if !sh.fs.Writable {
		fmt.Fprintln(os.Stderr, "mkdir: file-system is read-only")
		return
	}

	path := args[0]
	dirPath := "/"
	name := path
	if i := strings.LastIndex(path, "/"); i >= 0 {
		dirPath, name = path[:i], path[i+1:]
		if dirPath == "" {
			dirPath = "/"
		}
	}

	dir, err := sh.fs.Namei(dirPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mkdir: %v\n", err)
		return
	}

	ino, err := sh.fs.Mkdir(dir, name, 0755)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mkdir: %v\n", err)
		return
	}
	fmt.Printf("created inode %d\n", ino)

}

func (sh *shell) cmdSetInodeState(args []string, used bool) {

	if !sh.need() || len(args) != 1 {
		return
	}
	if !sh.fs.Writable {
		fmt.Fprintln(os.Stderr, "file-system is read-only")
		return
	}

	ino, err := sh.resolveArg(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return
	}

	if used {
		err = sh.fs.InodeBitmap.Mark(uint64(ino))
	} else {
		err = sh.fs.InodeBitmap.Unmark(uint64(ino))
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return
	}
	sh.fs.MarkBitmapsDirty()

}

func (sh *shell) cmdFeatures() {
	if !sh.need() {
		return
	}
	d := sh.fs.Describe()
	fmt.Printf("Filesystem features: %s\n", strings.Join(d.FeatureNames, " "))
}

// cmdSsv sets a superblock value by field name.
func (sh *shell) cmdSsv(args []string) {

	if !sh.need() || len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: ssv FIELD VALUE")
		return
	}
	if !sh.fs.Writable {
		fmt.Fprintln(os.Stderr, "ssv: file-system is read-only")
		return
	}

	n, err := strconv.ParseUint(args[1], 0, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ssv: bad value %q\n", args[1])
		return
	}

	sb := sh.fs.Super
	switch args[0] {
	case "reserved_blocks":
		sb.ReservedBlocksLo = uint32(n)
	case "max_mount_count":
		sb.MountsCheckInterval = uint16(n)
	case "mount_count":
		sb.MountsSinceCheck = uint16(n)
	case "state":
		sb.State = uint16(n)
	case "first_ino":
		sb.FirstIno = uint32(n)
	default:
		fmt.Fprintf(os.Stderr, "ssv: unknown field %q\n", args[0])
		return
	}

	sh.fs.MarkSuperDirty()

}

func main() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
