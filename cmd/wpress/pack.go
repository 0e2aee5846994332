package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meigma/wpress"
	"github.com/meigma/wpress/transport"
)

func newPackCmd(g *globalFlags) *cobra.Command {
	var (
		output   string
		strict   bool
		maxFiles int
		level    int
	)
	cmd := &cobra.Command{
		Use:   "pack <dir>",
		Short: "Pack a directory into an archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := g.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			opts := append(g.transportOptions(logger), transport.WithZstdLevel(level))
			w, err := transport.Create(cmd.Context(), output, opts...)
			if err != nil {
				return err
			}

			packOpts := []wpress.PackOption{
				wpress.PackWithLogger(logger),
				wpress.PackWithMaxFiles(maxFiles),
			}
			if strict {
				packOpts = append(packOpts, wpress.PackWithChangeDetection(wpress.ChangeDetectionStrict))
			}
			stats, err := wpress.Pack(cmd.Context(), args[0], w, packOpts...)
			if err != nil {
				return errors.Join(err, transport.Abort(w, err))
			}
			if err := w.Close(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if output == "-" {
				out = cmd.ErrOrStderr()
			}
			_, err = fmt.Fprintf(out, "packed %d files (%d data bytes, %d archive bytes) %s\n",
				stats.FileCount, stats.DataBytes, stats.ArchiveBytes, stats.Digest)
			return err
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output location (path, -, s3://bucket/key, oci://registry/repo:tag; .zst compresses)")
	cmd.Flags().BoolVar(&strict, "strict", false, "Fail if a file changes while it is packed")
	cmd.Flags().IntVar(&maxFiles, "max-files", 0, "Maximum number of files (0 uses the default, negative disables)")
	cmd.Flags().IntVar(&level, "zstd-level", 0, "zstd level for .zst outputs (0 uses the default)")
	_ = cmd.MarkFlagRequired("output") //nolint:errcheck // flag is defined above
	return cmd
}
