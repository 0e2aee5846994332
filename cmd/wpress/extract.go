package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/meigma/wpress"
	"github.com/meigma/wpress/transport"
)

type extractFlags struct {
	dest     string
	file     string
	parallel int
	noStage  bool
	noTimes  bool
	maxEntry int64
}

func (f *extractFlags) readerOptions(logger *slog.Logger) []wpress.ReaderOption {
	return []wpress.ReaderOption{
		wpress.WithLogger(logger),
		wpress.WithStagedWrites(!f.noStage),
		wpress.WithPreserveTimes(!f.noTimes),
		wpress.WithMaxEntrySize(f.maxEntry),
	}
}

func newExtractCmd(g *globalFlags) *cobra.Command {
	f := &extractFlags{}
	cmd := &cobra.Command{
		Use:   "extract <location>",
		Short: "Extract an archive into a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := g.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			topts := g.transportOptions(logger)

			if f.file != "" {
				return extractFile(cmd, args[0], f, logger, topts)
			}
			var stats wpress.ExtractStats
			if f.parallel > 1 {
				stats, err = extractParallel(cmd.Context(), args[0], f, logger, topts)
			} else {
				stats, err = extractStream(cmd.Context(), args[0], f, logger, topts)
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "extracted %d files (%d bytes) to %s\n", stats.FileCount, stats.TotalBytes, f.dest)
			return err
		},
	}

	cmd.Flags().StringVarP(&f.dest, "directory", "C", ".", "Destination directory")
	cmd.Flags().StringVar(&f.file, "file", "", "Extract only the first entry with this name or path")
	cmd.Flags().IntVar(&f.parallel, "parallel", 1, "Extract with N workers using a header index (local, http and s3 only)")
	cmd.Flags().BoolVar(&f.noStage, "no-stage", false, "Write files in place instead of through a temporary file")
	cmd.Flags().BoolVar(&f.noTimes, "no-times", false, "Do not restore modification times")
	cmd.Flags().Int64Var(&f.maxEntry, "max-entry-size", 0, "Reject entries larger than this many bytes (0 disables)")
	return cmd
}

func openReader(ctx context.Context, location string, opts []wpress.ReaderOption, topts []transport.Option) (*wpress.Reader, io.Closer, error) {
	rc, err := transport.Open(ctx, location, topts...)
	if err != nil {
		return nil, nil, err
	}
	return wpress.NewReader(rc, opts...), rc, nil
}

func extractStream(ctx context.Context, location string, f *extractFlags, logger *slog.Logger, topts []transport.Option) (wpress.ExtractStats, error) {
	r, closer, err := openReader(ctx, location, f.readerOptions(logger), topts)
	if err != nil {
		return wpress.ExtractStats{}, err
	}
	stats, err := r.ExtractAll(ctx, f.dest)
	return stats, errors.Join(err, closer.Close())
}

func extractParallel(ctx context.Context, location string, f *extractFlags, logger *slog.Logger, topts []transport.Option) (wpress.ExtractStats, error) {
	ra, err := transport.OpenReaderAt(ctx, location, topts...)
	if err != nil {
		return wpress.ExtractStats{}, err
	}
	defer ra.Close()

	idx, err := wpress.BuildIndex(ra, ra.Size(), wpress.IndexWithLogger(logger))
	if err != nil {
		return wpress.ExtractStats{}, err
	}
	return idx.ExtractAll(ctx, f.dest,
		wpress.IndexWithWorkers(f.parallel),
		wpress.IndexWithReaderOptions(f.readerOptions(logger)...),
	)
}

func extractFile(cmd *cobra.Command, location string, f *extractFlags, logger *slog.Logger, topts []transport.Option) error {
	r, closer, err := openReader(cmd.Context(), location, f.readerOptions(logger), topts)
	if err != nil {
		return err
	}
	found, err := r.ExtractFile(cmd.Context(), f.dest, f.file)
	if err = errors.Join(err, closer.Close()); err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%s: no entry named %q", location, f.file)
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "extracted %s to %s\n", f.file, f.dest)
	return err
}
