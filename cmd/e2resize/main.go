/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vorteil/vext/pkg/blockio"
	"github.com/vorteil/vext/pkg/elog"
	"github.com/vorteil/vext/pkg/extfs"
	"github.com/vorteil/vext/pkg/resize"
)

var log elog.View

var (
	flagDebug     bool
	flagForce     bool
	flagFlush     bool
	flagMinimum   bool
	flagPrintMin  bool
	flagProgress  bool
	flagStride    int64
	flagUndoFile  string
	flagUndoApply bool
)

var rootCmd = &cobra.Command{
	Use:   "e2resize [flags] DEVICE [NEW_SIZE]",
	Short: "Resize an unmounted ext2/ext3/ext4 file-system",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		err := run(args)
		if err != nil {
			log.Errorf("e2resize: %v", err)
			os.Exit(1)
		}
		return nil
	},
}

func init() {

	f := rootCmd.Flags()
	f.BoolVarP(&flagDebug, "debug", "d", false, "enable debug output")
	f.BoolVarP(&flagForce, "force", "f", false, "force the resize despite warnings")
	f.BoolVarP(&flagFlush, "flush", "F", false, "buffer-cache flush switch; accepted but not used")
	f.BoolVarP(&flagMinimum, "minimum", "M", false, "shrink to the estimated minimum size")
	f.BoolVarP(&flagPrintMin, "print-minimum", "P", false, "print the estimated minimum size and exit")
	f.BoolVarP(&flagProgress, "progress", "p", false, "display progress bars")
	f.Int64VarP(&flagStride, "stride", "S", 0, "RAID stride hint")
	f.StringVarP(&flagUndoFile, "undo", "z", "", "record an undo log at this path")
	f.BoolVar(&flagUndoApply, "undo-apply", false, "treat DEVICE as a target and NEW_SIZE as an undo log to replay")

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		logger := &elog.CLI{}
		logrus.SetFormatter(logger)
		logrus.SetLevel(logrus.TraceLevel)
		if flagDebug {
			logger.IsDebug = true
			logger.IsVerbose = true
		}
		if !flagProgress {
			logger.DisableTTY = true
		}
		log = logger
	}

}

func undoLogPath(device string) string {
	if flagUndoFile != "" {
		return flagUndoFile
	}
	if dir := os.Getenv("E2FSPROGS_UNDO_DIR"); dir != "" && dir != "none" {
		base := strings.ReplaceAll(strings.TrimPrefix(device, "/"), "/", "_")
		return dir + "/e2resize-" + base + ".e2undo"
	}
	return ""
}

// parseSize accepts block counts with the usual suffixes; bare numbers
// are file-system blocks.
func parseSize(arg string, blocksize int64) (uint64, error) {

	mult := int64(1)
	switch {
	case strings.HasSuffix(arg, "s"):
		arg = strings.TrimSuffix(arg, "s")
		mult = 512
	case strings.HasSuffix(arg, "K"):
		arg = strings.TrimSuffix(arg, "K")
		mult = 1024
	case strings.HasSuffix(arg, "M"):
		arg = strings.TrimSuffix(arg, "M")
		mult = 1024 * 1024
	case strings.HasSuffix(arg, "G"):
		arg = strings.TrimSuffix(arg, "G")
		mult = 1024 * 1024 * 1024
	default:
		mult = blocksize
	}

	n, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(extfs.ErrBadArgument, "invalid size %q", arg)
	}

	return n * uint64(mult) / uint64(blocksize), nil

}

func openTarget(device string) (*extfs.Filesys, error) {

	flags := extfs.OpenWritable
	if flagForce {
		flags |= extfs.OpenForce
	}

	if path := undoLogPath(device); path != "" {
		mgr, err := blockio.OpenRaw(device, true)
		if err != nil {
			return nil, err
		}
		undo, err := blockio.NewUndo(mgr, path)
		if err != nil {
			mgr.Close()
			return nil, err
		}
		log.Printf("recording undo log at %s", path)
		return extfs.OpenWith(blockio.NewChannel(undo), device, flags)
	}

	return extfs.Open(device, flags)

}

func run(args []string) error {

	device := args[0]

	if flagUndoApply {
		if len(args) != 2 {
			return errors.Wrap(extfs.ErrBadArgument, "--undo-apply needs DEVICE and UNDO_LOG")
		}
		mgr, err := blockio.OpenRaw(device, true)
		if err != nil {
			return err
		}
		defer mgr.Close()
		return blockio.ApplyUndo(args[1], mgr)
	}

	fs, err := openTarget(device)
	if err != nil {
		return err
	}
	defer fs.Close()

	if flagPrintMin {
		min, err := resize.MinimumSize(fs)
		if err != nil {
			return err
		}
		fmt.Printf("Estimated minimum size of the filesystem: %d\n", min)
		return nil
	}

	var newSize uint64
	switch {
	case flagMinimum:
		newSize, err = resize.MinimumSize(fs)
		if err != nil {
			return err
		}
	case len(args) == 2:
		newSize, err = parseSize(args[1], fs.BlockSize())
		if err != nil {
			return err
		}
	default:
		return errors.Wrap(extfs.ErrBadArgument, "no target size given")
	}

	opts := resize.Options{
		Log:   log,
		Force: flagForce,
	}

	var ticker *elog.PassTicker
	if flagProgress {
		ticker = elog.NewPassTicker(log)
		opts.Progress = ticker.Tick
	}

	old := fs.Super.TotalBlocks()
	err = resize.Resize(fs, newSize, opts)
	if ticker != nil {
		ticker.Finish(err == nil)
	}
	if err != nil {
		return err
	}

	log.Printf("The filesystem on %s is now %d (%dk) blocks long.",
		device, fs.Super.TotalBlocks(), fs.BlockSize()/1024)
	log.Debugf("resized from %d blocks", old)

	return nil

}

func main() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
