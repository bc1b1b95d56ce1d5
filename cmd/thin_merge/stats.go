package main

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/dm-thin/thin-merge-go/internal/blockio"
	"github.com/dm-thin/thin-merge-go/internal/merge"
	"github.com/dm-thin/thin-merge-go/internal/metrics"
	"github.com/dm-thin/thin-merge-go/internal/pdata"
	"github.com/dm-thin/thin-merge-go/internal/report"
	"github.com/dm-thin/thin-merge-go/internal/thin"
)

// newStatsCmd runs the same dump/merge path the root command does, but
// through a metrics.Collector-wrapped source, and prints the collected
// counters/latencies/sparkline instead of leaving an output device
// behind. It still writes the restored trees and the patched details leaf
// into a scratch output so the restore pipeline has somewhere to land
// (spec section 10.6). It does not write the output superblock, and it
// does not take the orchestrator's same-root shortcut.
func newStatsCmd() *cobra.Command {
	var f cliFlags

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Run a merge and print progress metrics instead of committing output",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(cmd, f)
		},
	}

	cmd.Flags().StringVarP(&f.input, "input", "i", "", "input metadata device (required)")
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "scratch output metadata device (required)")
	cmd.Flags().Uint32Var(&f.origin, "origin", 0, "origin device id (required)")
	cmd.Flags().Int64Var(&f.snapshot, "snapshot", -1, "snapshot device id (omit to dump origin alone)")
	cmd.Flags().BoolVar(&f.rebase, "rebase", false, "preserve the snapshot's device id instead of the origin's")
	cmd.Flags().BoolVarP(&f.metaSnap, "metadata-snap", "m", false, "read the input via its committed metadata snapshot")
	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("output")
	_ = cmd.MarkFlagRequired("origin")

	return cmd
}

func runStats(cmd *cobra.Command, f cliFlags) error {
	rep := report.New(cmd.ErrOrStderr())
	collector := metrics.NewCollector()

	input, err := blockio.OpenSync(f.input, false, !f.metaSnap)
	if err != nil {
		return err
	}
	defer input.Close()

	sb, err := thin.ReadSuperblock(input, thin.SuperblockLocation)
	if err != nil {
		return err
	}
	if f.metaSnap {
		if sb.MetadataSnap == 0 {
			return thin.ErrNoMetadataSnap
		}
		snapSB, err := thin.ReadSuperblock(input, sb.MetadataSnap)
		if err != nil {
			return err
		}
		snapSB.DataSMRoot = sb.DataSMRoot
		sb = snapSB
	}
	if err := thin.IsSuperblockConsistent(sb, input); err != nil {
		return err
	}

	mappingRoots, err := pdata.BtreeToMap[uint64](input, sb.MappingRoot, pdata.Uint64Codec{})
	if err != nil {
		return errors.Wrap(err, "stats: resolving mapping-tree top level")
	}
	details, err := pdata.BtreeToMap[thin.DeviceDetail](input, sb.DetailsRoot, thin.DeviceDetailCodec{})
	if err != nil {
		return errors.Wrap(err, "stats: resolving details-tree top level")
	}

	originRoot, ok := mappingRoots[uint64(f.origin)]
	if !ok {
		return &thin.ErrMissingDevice{Kind: "mapping tree", Dev: uint64(f.origin)}
	}
	originDetail := details[uint64(f.origin)]

	output, err := blockio.OpenSync(f.output, true, false)
	if err != nil {
		return err
	}
	defer output.Close()

	sm := thin.NewCoreMetadataSpaceMap(output.GetNrBlocks(), 1)
	wb := thin.NewWriteBatcher(output, sm, 32)
	restorer := thin.NewRestorer(wb, rep)

	irSB := thin.IRSuperblock{Time: sb.Time, Transaction: sb.TransactionID, DataBlockSize: sb.DataBlockSize, NrDataBlocks: sb.DataSpaceMapRoot().NrBlocks}

	var source merge.RangeSource
	dev := merge.DeviceMeta{DevID: f.origin, Transaction: originDetail.TransactionID, CreationTime: originDetail.CreationTime, SnapTime: originDetail.SnapshottedTime}

	if f.snapshot < 0 {
		leaves, err := merge.CollectLeaves(input, originRoot)
		if err != nil {
			return err
		}
		source, err = merge.NewMappingIterator(input, leaves)
		if err != nil {
			return err
		}
	} else {
		snapID := uint32(f.snapshot)
		snapRoot, ok := mappingRoots[uint64(snapID)]
		if !ok {
			return &thin.ErrMissingDevice{Kind: "mapping tree", Dev: uint64(snapID)}
		}
		snapDetail := details[uint64(snapID)]

		baseRoot, overlayRoot := originRoot, snapRoot
		if f.rebase {
			baseRoot, overlayRoot = snapRoot, originRoot
			dev = merge.DeviceMeta{DevID: snapID, Transaction: snapDetail.TransactionID, CreationTime: snapDetail.CreationTime, SnapTime: snapDetail.SnapshottedTime}
		}

		baseLeaves, err := merge.CollectLeaves(input, baseRoot)
		if err != nil {
			return err
		}
		overlayLeaves, err := merge.CollectLeaves(input, overlayRoot)
		if err != nil {
			return err
		}
		baseIt, err := merge.NewMappingIterator(input, baseLeaves)
		if err != nil {
			return err
		}
		overlayIt, err := merge.NewMappingIterator(input, overlayLeaves)
		if err != nil {
			return err
		}
		baseStream, err := merge.NewMappingStream(baseIt)
		if err != nil {
			return err
		}
		overlayStream, err := merge.NewMappingStream(overlayIt)
		if err != nil {
			return err
		}
		source = merge.NewRangeMergeIterator(baseStream, overlayStream)
	}

	instrumented := collector.Wrap(source)
	mapped, err := merge.RunPipeline(context.Background(), instrumented, irSB, dev, restorer, rep)
	if err != nil {
		return err
	}
	if err := merge.PatchMappedBlocks(output, restorer.DetailsBlock(), mapped); err != nil {
		return err
	}

	return collector.DumpText(cmd.OutOrStdout())
}
