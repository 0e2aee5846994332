package main

import (
	"errors"
	"fmt"
	"path"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/meigma/wpress"
)

func newListCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list <location>",
		Short: "List the entries of an archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := g.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			r, closer, err := openReader(cmd.Context(), args[0], nil, g.transportOptions(logger))
			if err != nil {
				return err
			}
			headers, err := r.List()
			if err = errors.Join(err, closer.Close()); err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', tabwriter.AlignRight)
			for _, h := range headers {
				fmt.Fprintf(tw, "%d\t%s\t%s\t\n", h.Size, h.ModTime().UTC().Format(time.RFC3339), displayTarget(&h))
			}
			return tw.Flush()
		},
	}
}

// displayTarget returns the path an entry extracts to, or its raw path and
// name marked invalid when it would escape the destination.
func displayTarget(h *wpress.Header) string {
	target, err := h.Target()
	if err != nil {
		return path.Join(h.Path, h.Name) + " (invalid)"
	}
	return target
}
