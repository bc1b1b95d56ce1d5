package main

import (
	"github.com/spf13/cobra"

	"github.com/dm-thin/thin-merge-go/internal/blockio"
	"github.com/dm-thin/thin-merge-go/internal/thin"
)

func newCheckCmd() *cobra.Command {
	var input string
	var metaSnap bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a metadata device's superblock without merging",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := blockio.OpenSync(input, false, false)
			if err != nil {
				return err
			}
			defer eng.Close()

			sb, err := thin.ReadSuperblock(eng, thin.SuperblockLocation)
			if err != nil {
				return err
			}
			if metaSnap {
				if sb.MetadataSnap == 0 {
					return thin.ErrNoMetadataSnap
				}
				sb, err = thin.ReadSuperblock(eng, sb.MetadataSnap)
				if err != nil {
					return err
				}
			}
			if err := thin.IsSuperblockConsistent(sb, eng); err != nil {
				return err
			}
			cmd.Println("superblock is consistent")
			return nil
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "metadata device to check (required)")
	cmd.Flags().BoolVarP(&metaSnap, "metadata-snap", "m", false, "check the committed metadata snapshot instead of the live superblock")
	_ = cmd.MarkFlagRequired("input")

	return cmd
}
