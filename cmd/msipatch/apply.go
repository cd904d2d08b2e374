package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/breeze-rmm/msipatch/internal/audit"
	"github.com/breeze-rmm/msipatch/internal/msi"
	"github.com/breeze-rmm/msipatch/internal/patching"
)

var (
	applyDatabase string
	applyThrow    bool
)

var applyCmd = &cobra.Command{
	Use:   "apply --database PATH PATCH...",
	Short: "Apply the transforms of applicable patches to a product database",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runApply,
}

func init() {
	applyCmd.Flags().StringVar(&applyDatabase, "database", "", "product database to patch in place")
	applyCmd.Flags().BoolVar(&applyThrow, "throw", false, "fail when a transform cannot be applied (default from throw_on_error)")
	_ = applyCmd.MarkFlagRequired("database")
}

func runApply(cmd *cobra.Command, args []string) error {
	throwOnError := cfg.ThrowOnError
	if cmd.Flags().Changed("throw") {
		throwOnError = applyThrow
	}

	db, err := msi.OpenDatabase(applyDatabase, msi.ModeTransact)
	if err != nil {
		return err
	}
	defer db.Close()

	var journal *audit.Logger
	if cfg.JournalPath != "" {
		journal, err = audit.NewLogger(cfg.JournalPath)
		if err != nil {
			return err
		}
		defer journal.Close()
	}

	applicator, err := patching.NewApplicator(db, msi.NewInstaller(nil),
		patching.WithTempDir(cfg.TempDirOrDefault()),
		patching.WithMinFreeBytes(uint64(cfg.MinFreeDiskMB)<<20),
		patching.WithJournal(journal),
	)
	if err != nil {
		return err
	}

	stderr := cmd.ErrOrStderr()
	warn := color.New(color.FgYellow)
	applicator.OnInapplicable(func(ev patching.InapplicablePatch) {
		warn.Fprintf(stderr, "skipped %s: %v\n", ev.Patch, ev.Err)
	})

	for _, path := range args {
		added, err := applicator.Add(path)
		if err != nil {
			return err
		}
		if !added {
			warn.Fprintf(stderr, "skipped %s: not a patch package\n", path)
		}
	}

	if err := applicator.Apply(throwOnError); err != nil {
		return err
	}

	if n := journal.DroppedCount(); n > 0 {
		warn.Fprintf(stderr, "%d journal entries could not be written\n", n)
	}
	if fault := applicator.Stopped(); fault != nil {
		warn.Fprintf(stderr, "stopped at %s transform %s: %v\n", fault.Patch, fault.Transform, fault.Err)
		fmt.Fprintf(cmd.OutOrStdout(), "partially patched %s\n", applyDatabase)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "patched %s\n", applyDatabase)
	return nil
}
