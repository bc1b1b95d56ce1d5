package main

import (
	"context"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dm-thin/thin-merge-go/internal/blockio/cloudio"
	"github.com/dm-thin/thin-merge-go/internal/merge"
	"github.com/dm-thin/thin-merge-go/internal/report"
)

// cliFlags carries Options' fields in the shapes pflag wants (a negative
// sentinel for "snapshot not given" rather than a pointer), plus the
// archive and uuid flags that Options does not have.
type cliFlags struct {
	input      string
	output     string
	origin     uint32
	snapshot   int64
	rebase     bool
	metaSnap   bool
	asyncInput bool

	s3Bucket      string
	s3Prefix      string
	s3Region      string
	s3Compression string

	genUUID bool
}

func newRootCmd() *cobra.Command {
	var f cliFlags

	cmd := &cobra.Command{
		Use:   "thin_merge",
		Short: "Merge a thin-provisioning snapshot device's mappings onto its origin",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMerge(cmd, f)
		},
	}

	cmd.Flags().StringVarP(&f.input, "input", "i", "", "input metadata device (required)")
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "output metadata device (required)")
	cmd.Flags().Uint32Var(&f.origin, "origin", 0, "origin device id (required)")
	cmd.Flags().Int64Var(&f.snapshot, "snapshot", -1, "snapshot device id (omit to dump origin alone)")
	cmd.Flags().BoolVar(&f.rebase, "rebase", false, "preserve the snapshot's device id instead of the origin's")
	cmd.Flags().BoolVarP(&f.metaSnap, "metadata-snap", "m", false, "read the input via its committed metadata snapshot")
	cmd.Flags().BoolVar(&f.asyncInput, "async-input", false, "use the async input engine instead of sync")

	cmd.Flags().StringVar(&f.s3Bucket, "s3-bucket", "", "mirror the output metadata image to this S3 bucket after the merge")
	cmd.Flags().StringVar(&f.s3Prefix, "s3-prefix", "", "key prefix for the archived object")
	cmd.Flags().StringVar(&f.s3Region, "s3-region", "", "AWS region for the archive upload (default us-east-1)")
	cmd.Flags().StringVar(&f.s3Compression, "s3-compression", "", "compress the archived object: snappy, s2, zstd, or empty for none")

	cmd.Flags().BoolVar(&f.genUUID, "gen-uuid", false, "print a random uuid for reference (supplemental; the output device never carries one)")

	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("output")
	_ = cmd.MarkFlagRequired("origin")

	cmd.AddCommand(newCheckCmd())
	cmd.AddCommand(newStatsCmd())

	return cmd
}

func runMerge(cmd *cobra.Command, f cliFlags) error {
	rep := report.New(cmd.ErrOrStderr())

	opts := merge.Options{
		InputPath:    f.input,
		OutputPath:   f.output,
		OriginID:     f.origin,
		Rebase:       f.rebase,
		MetadataSnap: f.metaSnap,
		AsyncInput:   f.asyncInput,
	}
	if f.snapshot >= 0 {
		snap := uint32(f.snapshot)
		opts.SnapshotID = &snap
	}

	o := merge.NewOrchestrator(rep)
	if err := o.Run(context.Background(), opts); err != nil {
		rep.Fatal(err)
		return err
	}

	if f.s3Bucket != "" {
		if err := archiveOutput(rep, f); err != nil {
			rep.Fatal(err)
			return err
		}
	}

	if f.genUUID {
		rep.Infof("thin_merge: --gen-uuid does not change the output device; generated id for reference: %s", uuid.New().String())
	}

	return nil
}

func archiveOutput(rep *report.Report, f cliFlags) error {
	codec := cloudio.Codec(f.s3Compression)
	opts := cloudio.Options{Bucket: f.s3Bucket, Prefix: f.s3Prefix, Region: f.s3Region, Compression: codec}

	name := filepath.Base(f.output)
	rep.Pathf("thin_merge: archiving output to %s", "s3://"+f.s3Bucket+"/"+opts.Key(name))

	eng, err := cloudio.Wrap(f.output, name, opts)
	if err != nil {
		return err
	}
	return eng.Close()
}
