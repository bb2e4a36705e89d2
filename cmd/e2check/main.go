/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vorteil/vext/pkg/blockio"
	"github.com/vorteil/vext/pkg/check"
	"github.com/vorteil/vext/pkg/elog"
	"github.com/vorteil/vext/pkg/extfs"
)

// Checker exit codes.
const (
	exitOK          = 0
	exitFixed       = 1
	exitUncorrected = 4
	exitError       = 8
	exitUsage       = 16
	exitCanceled    = 32
)

var log elog.View

var (
	flagPreen    bool
	flagAutoNo   bool
	flagAutoYes  bool
	flagForce    bool
	flagVerbose  bool
	flagDebug    bool
	flagReadOnly bool
	flagSuperNo  int64
	flagBlockSz  int64
	flagBadFile  string
	flagUndoFile string
)

var rootCmd = &cobra.Command{
	Use:   "e2check [flags] DEVICE",
	Short: "Check and repair an unmounted ext2/ext3/ext4 file-system",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		os.Exit(run(args[0]))
		return nil
	},
}

func init() {

	f := rootCmd.Flags()
	f.BoolVarP(&flagPreen, "preen", "p", false, "repair safe problems without asking")
	f.BoolVarP(&flagAutoNo, "no", "n", false, "answer no to everything; open read-only")
	f.BoolVarP(&flagAutoYes, "yes", "y", false, "answer yes to everything")
	f.BoolVarP(&flagForce, "force", "f", false, "check even if the file-system seems clean")
	f.BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose output")
	f.BoolVarP(&flagDebug, "debug", "d", false, "enable debug output")
	f.Int64VarP(&flagSuperNo, "superblock", "b", 0, "backup superblock block number; accepted but not used")
	f.Int64VarP(&flagBlockSz, "blocksize", "B", 0, "block size for superblock probing; accepted but not used")
	f.StringVarP(&flagBadFile, "badblocks", "l", "", "mark the blocks listed in this file as bad")
	f.StringVarP(&flagUndoFile, "undo", "z", "", "record an undo log at this path")

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		logger := &elog.CLI{}
		logrus.SetFormatter(logger)
		logrus.SetLevel(logrus.TraceLevel)
		if flagDebug {
			logger.IsDebug = true
			logger.IsVerbose = true
		} else if flagVerbose {
			logger.IsVerbose = true
		}
		log = logger
		loadConfig()
	}

}

// loadConfig honors the E2FSCK_CONFIG file for default behaviors.
func loadConfig() {

	path := os.Getenv("E2FSCK_CONFIG")
	if path == "" {
		return
	}

	viper.SetConfigFile(path)
	viper.SetConfigType("toml")
	err := viper.ReadInConfig()
	if err != nil {
		log.Warnf("could not read %s: %v", path, err)
		return
	}

	if viper.IsSet("options.preen") && !flagAutoYes && !flagAutoNo {
		flagPreen = viper.GetBool("options.preen")
	}
	if viper.IsSet("options.force") {
		flagForce = flagForce || viper.GetBool("options.force")
	}

}

func pickFixer() check.Fixer {

	switch {
	case flagAutoYes:
		return check.AutoYes{}
	case flagAutoNo:
		return check.AutoNo{}
	case flagPreen:
		return check.Preen{}
	}

	interactive := isatty.IsTerminal(os.Stdin.Fd()) ||
		os.Getenv("E2FSCK_FORCE_INTERACTIVE") == "yes"
	if !interactive {
		return check.Preen{}
	}

	reader := bufio.NewReader(os.Stdin)
	return check.Ask{Func: func(p check.Problem) bool {
		fmt.Printf("%s. Fix<y>? ", p)
		line, err := reader.ReadString('\n')
		if err != nil {
			return false
		}
		line = strings.TrimSpace(strings.ToLower(line))
		return line == "" || strings.HasPrefix(line, "y")
	}}

}

func openTarget(device string) (*extfs.Filesys, error) {

	flags := extfs.OpenForce
	if !flagAutoNo {
		flags |= extfs.OpenWritable
	}

	if flagUndoFile != "" && !flagAutoNo {
		mgr, err := blockio.OpenRaw(device, true)
		if err != nil {
			return nil, err
		}
		undo, err := blockio.NewUndo(mgr, flagUndoFile)
		if err != nil {
			mgr.Close()
			return nil, err
		}
		return extfs.OpenWith(blockio.NewChannel(undo), device, flags)
	}

	return extfs.Open(device, flags)

}

func run(device string) int {

	fs, err := openTarget(device)
	if err != nil {
		log.Errorf("e2check: %s: %v", device, err)
		if errors.Is(err, extfs.ErrBadArgument) {
			return exitUsage
		}
		return exitError
	}
	defer fs.Close()

	if flagBadFile != "" {
		f, err := os.Open(flagBadFile)
		if err != nil {
			log.Errorf("e2check: %v", err)
			return exitError
		}
		blocks, err := extfs.ReadBadBlocksFile(f)
		f.Close()
		if err != nil {
			log.Errorf("e2check: %v", err)
			return exitUsage
		}
		if fs.BlockBitmap == nil {
			if err = fs.ReadBitmaps(); err != nil {
				log.Errorf("e2check: %v", err)
				return exitError
			}
		}
		if err = fs.MarkBadBlocks(blocks); err != nil {
			log.Errorf("e2check: %v", err)
			return exitError
		}
	}

	if orphans, err := fs.OrphanList(); err == nil && len(orphans) > 0 {
		log.Warnf("%d inodes on the orphan list", len(orphans))
	}

	res, err := check.Check(fs, check.Options{
		Log:   log,
		Fixer: pickFixer(),
		Force: flagForce || flagBadFile != "",
	})
	if err != nil {
		if errors.Is(err, extfs.ErrCanceled) {
			return exitCanceled
		}
		log.Errorf("e2check: %v", err)
		return exitError
	}

	if res.Clean {
		log.Printf("%s: clean", device)
		return exitOK
	}

	log.Printf("%s: %d problems found, %d fixed, %d uncorrected",
		device, len(res.Problems), res.Fixed, res.Uncorrected)

	return res.ExitCode()

}

func main() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(exitUsage)
	}
}
