package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/breeze-rmm/msipatch/internal/msi"
	"github.com/breeze-rmm/msipatch/internal/patching"
	"github.com/breeze-rmm/msipatch/internal/workerpool"
)

var (
	seqPackage string
	seqProduct string
	seqContext string
	seqUser    string
	seqOutput  string
)

var sequenceCmd = &cobra.Command{
	Use:   "sequence (--package PATH | --product CODE) PATCH...",
	Short: "List the applicable patches in the order they would be applied",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSequence,
}

func init() {
	sequenceCmd.Flags().StringVar(&seqPackage, "package", "", "product database to sequence against")
	sequenceCmd.Flags().StringVar(&seqProduct, "product", "", "product code of an installed product")
	sequenceCmd.Flags().StringVar(&seqContext, "context", "", "installation context: usermanaged, userunmanaged, machine, all")
	sequenceCmd.Flags().StringVar(&seqUser, "user", "", "user SID of the installation")
	sequenceCmd.Flags().StringVarP(&seqOutput, "output", "o", "text", "output format: text or yaml")
	sequenceCmd.MarkFlagsMutuallyExclusive("package", "product")
	sequenceCmd.MarkFlagsOneRequired("package", "product")
}

// sequenceEntry is the yaml output row.
type sequenceEntry struct {
	Sequence int    `yaml:"sequence"`
	Patch    string `yaml:"patch"`
	Product  string `yaml:"product"`
	UserSID  string `yaml:"userSid,omitempty"`
	Context  string `yaml:"context"`
}

func runSequence(cmd *cobra.Command, args []string) error {
	if seqOutput != "text" && seqOutput != "yaml" {
		return fmt.Errorf("unknown output format %q", seqOutput)
	}

	userContext, err := msi.ParseUserContexts(seqContext)
	if err != nil {
		return err
	}

	target, userSID := seqPackage, seqUser
	var registry *msi.Registry
	if seqProduct != "" {
		target = seqProduct
		registry, err = msi.LoadRegistry(cfg.RegistryPath)
		if err != nil {
			return fmt.Errorf("load product registry: %w", err)
		}
		if userContext == msi.ContextNone {
			installs := registry.Products(target, userSID, msi.ContextAll)
			if len(installs) == 0 {
				return fmt.Errorf("%w: %s", msi.ErrUnknownProduct, target)
			}
			userContext = installs[0].Context
			if userSID == "" {
				userSID = installs[0].UserSID
			}
		}
	}

	pool := workerpool.New(cfg.ResolveWorkers, cfg.ResolveQueueSize)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Shutdown(ctx)
	}()

	sequencer := patching.NewSequencer(msi.NewInstaller(registry), msi.Inspector{}, patching.WithPool(pool))
	stderr := cmd.ErrOrStderr()
	warn := color.New(color.FgYellow)

	for _, path := range args {
		if _, err := sequencer.Add(path, false); err != nil {
			return err
		}
	}
	sequencer.OnInapplicable(func(ev patching.InapplicablePatch) {
		warn.Fprintf(stderr, "skipped %s: %v\n", ev.Patch, ev.Err)
	})

	log.Debug("resolving patch sequence",
		"product", target,
		"candidates", sequencer.Catalog().Len(),
		"targets", sequencer.Catalog().TargetProductCodes())

	result, err := sequencer.BeginGetApplicablePatches(target, userSID, userContext).Wait()
	if err != nil {
		return err
	}

	return printSequence(cmd.OutOrStdout(), result)
}

func printSequence(w io.Writer, result []patching.PatchSequence) error {
	if seqOutput == "yaml" {
		entries := make([]sequenceEntry, 0, len(result))
		for _, ps := range result {
			entries = append(entries, sequenceEntry{
				Sequence: ps.Sequence,
				Patch:    ps.Patch,
				Product:  ps.Product,
				UserSID:  ps.UserSID,
				Context:  ps.Context.String(),
			})
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(entries); err != nil {
			return err
		}
		return enc.Close()
	}

	bold := color.New(color.Bold)
	for _, ps := range result {
		bold.Fprintf(w, "%3d", ps.Sequence)
		fmt.Fprintf(w, "  %s\n", ps.Patch)
	}
	return nil
}
