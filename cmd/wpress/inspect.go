package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/meigma/wpress"
	"github.com/meigma/wpress/transport"
)

type inspectEntry struct {
	Index        int    `json:"index"`
	Name         string `json:"name"`
	Path         string `json:"path"`
	Target       string `json:"target"`
	Size         int64  `json:"size"`
	MTime        int64  `json:"mtime"`
	HeaderOffset int64  `json:"header_offset"`
	DataOffset   int64  `json:"data_offset"`
}

func newInspectCmd(g *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "inspect <location>",
		Short: "Show the header offsets of every entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := g.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ra, err := transport.OpenReaderAt(cmd.Context(), args[0], g.transportOptions(logger)...)
			if err != nil {
				return err
			}
			defer ra.Close()

			idx, err := wpress.BuildIndex(ra, ra.Size(), wpress.IndexWithLogger(logger))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				entries := make([]inspectEntry, 0, idx.Len())
				for _, e := range idx.Entries() {
					entries = append(entries, inspectEntry{
						Index:        e.Index,
						Name:         e.Name,
						Path:         e.Path,
						Target:       displayTarget(&e.Header),
						Size:         e.Size,
						MTime:        e.MTime,
						HeaderOffset: e.HeaderOffset,
						DataOffset:   e.DataOffset,
					})
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "INDEX\tHEADER\tDATA\tSIZE\tPATH")
			for _, e := range idx.Entries() {
				fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%s\n", e.Index, e.HeaderOffset, e.DataOffset, e.Size, displayTarget(&e.Header))
			}
			fmt.Fprintf(tw, "-\t%d\t\t\t(end, %d bytes)\n", idx.End(), ra.Size())
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print entries as JSON")
	return cmd
}
