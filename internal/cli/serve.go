package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/postbills/backend/internal/remote"
	"github.com/kimhsiao/postbills/backend/internal/remote/server"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an in-memory remote store for development",
		Long: `Serve board documents and image objects over HTTP with live
websocket subscriptions. State is kept in memory and lost on exit.

Example:
  boardsync serve --addr 127.0.0.1:8090
  POSTBILLS_REMOTE_URL=http://127.0.0.1:8090 boardsync run --board demo`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg := opts.Config
	if opts.Addr != "" {
		cfg.Server.Addr = opts.Addr
	}

	mem := remote.NewMemory(cfg.ServerPublicURL() + "/objects")
	srv := server.New(mem)

	ctx, cancel := signalContext(cmd)
	defer cancel()

	out := opts.formatter(cmd)
	out.Success(map[string]string{"addr": cfg.Server.Addr, "url": cfg.ServerPublicURL()}, func(w io.Writer) {
		fmt.Fprintf(w, "Serving remote store on %s. Press Ctrl-C to stop.\n", cfg.ServerPublicURL())
	})

	if err := srv.ListenAndServe(ctx, cfg.Server.Addr); err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}
	return nil
}
