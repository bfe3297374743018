package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	syncpkg "github.com/kimhsiao/postbills/backend/internal/sync"
)

// DrainOptions holds flags for the drain command.
type DrainOptions struct {
	*RootOptions
	Board string
	All   bool
}

// NewDrainCommand creates the drain command.
func NewDrainCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DrainOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Replay queued changes once and exit",
		Long: `Replay the queued changes of a board against the remote store, in the
order they were made. Exits non-zero when changes remain queued.

Example:
  boardsync drain --board demo
  boardsync drain --all`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDrain(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Board, "board", "b", "", "board id (defaults to config board)")
	cmd.Flags().BoolVar(&opts.All, "all", false, "drain every board with queued changes")
	return cmd
}

func runDrain(opts *DrainOptions, cmd *cobra.Command) error {
	cfg := opts.Config
	ctx, cancel := signalContext(cmd)
	defer cancel()
	out := opts.formatter(cmd)

	l, err := openLocal(cfg)
	if err != nil {
		return err
	}
	defer l.Close()

	sc, err := newSession(ctx, cfg, l)
	if err != nil {
		return err
	}
	defer sc.Close(context.Background())

	if !sc.Monitor.Online() {
		return NewExitError(ExitFailure, "offline: nothing was replayed")
	}

	boards := []string{opts.Board}
	switch {
	case opts.All:
		if boards, err = sc.Queue.Boards(ctx); err != nil {
			return WrapExitError(ExitCommandError, "failed to list queued boards", err)
		}
	case opts.Board == "":
		boards = []string{cfg.Board}
	}

	results := make([]*syncpkg.DrainResult, 0, len(boards))
	remaining := 0
	for _, boardID := range boards {
		// confirmed items reach the snapshot through the live subscription
		if _, err := sc.Open(ctx, boardID); err != nil {
			return WrapExitError(ExitCommandError, "failed to open board", err)
		}
		out.VerboseLog("draining %s", boardID)
		res, err := sc.Scheduler.DrainNow(ctx, boardID)
		if err != nil {
			return WrapExitError(ExitFailure, "drain failed", err)
		}
		results = append(results, res)
		remaining += res.Remaining
	}

	out.Success(results, func(w io.Writer) {
		if len(results) == 0 {
			fmt.Fprintln(w, "Nothing queued.")
		}
		for _, r := range results {
			fmt.Fprintf(w, "%s: %d of %d replayed, %d failed, %d stuck, %d remaining (%s)\n",
				r.BoardID, r.Succeeded, r.Total, r.Failed, r.Stuck, r.Remaining, r.Duration)
		}
	})

	if remaining > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d changes remain queued", remaining))
	}
	return nil
}
