package cli

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// NewCacheCommand creates the cache command.
func NewCacheCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the local image cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print the number and size of cached images",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCacheStats(rootOpts, cmd)
		},
	})
	return cmd
}

type cacheStats struct {
	Images int   `json:"images"`
	Bytes  int64 `json:"bytes"`
}

func runCacheStats(opts *RootOptions, cmd *cobra.Command) error {
	l, err := openLocal(opts.Config)
	if err != nil {
		return err
	}
	defer l.Close()

	count, size, err := l.repo.ImageCacheStats(commandContext(cmd))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read image cache", err)
	}

	stats := cacheStats{Images: count, Bytes: size}
	return opts.formatter(cmd).Success(stats, func(w io.Writer) {
		fmt.Fprintf(w, "%d cached images, %s\n", stats.Images, humanize.Bytes(uint64(stats.Bytes)))
	})
}
