// Command wpress packs, extracts and inspects wpress archives.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/meigma/wpress/transport"
)

const envS3Endpoint = "WPRESS_S3_ENDPOINT"

type globalFlags struct {
	verbose     bool
	logFormat   string
	s3Endpoint  string
	s3Region    string
	s3PathStyle bool
	ociPlain    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:          "wpress",
		Short:        "Pack, extract and inspect wpress archives",
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.BoolVarP(&g.verbose, "verbose", "v", false, "Enable debug logging")
	flags.StringVar(&g.logFormat, "log-format", "text", "Log format: text or json")
	flags.StringVar(&g.s3Endpoint, "s3-endpoint", os.Getenv(envS3Endpoint), "S3 endpoint URL for s3:// locations (env "+envS3Endpoint+")")
	flags.StringVar(&g.s3Region, "s3-region", "", "S3 region; defaults to the AWS configuration chain")
	flags.BoolVar(&g.s3PathStyle, "s3-path-style", false, "Use path-style S3 addressing")
	flags.BoolVar(&g.ociPlain, "oci-plain-http", false, "Use plain HTTP for oci:// registries")

	root.AddCommand(
		newPackCmd(g),
		newExtractCmd(g),
		newListCmd(g),
		newInspectCmd(g),
	)
	return root
}

func (g *globalFlags) logger(w io.Writer) (*slog.Logger, error) {
	level := slog.LevelInfo
	if g.verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	switch g.logFormat {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", g.logFormat)
	}
}

func (g *globalFlags) transportOptions(logger *slog.Logger) []transport.Option {
	return []transport.Option{
		transport.WithLogger(logger),
		transport.WithS3Config(transport.S3Config{
			Region:    g.s3Region,
			Endpoint:  g.s3Endpoint,
			PathStyle: g.s3PathStyle,
		}),
		transport.WithOCIPlainHTTP(g.ociPlain),
	}
}
