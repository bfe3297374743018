package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/postbills/backend/internal/models"
	syncpkg "github.com/kimhsiao/postbills/backend/internal/sync"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Board string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Keep a board in sync until interrupted",
		Long: `Open a board from its local snapshot, follow remote changes live and
replay queued changes whenever connectivity returns. Sync status and board
changes are printed as they happen.

Example:
  boardsync run --board demo
  boardsync run --board demo --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Board, "board", "b", "", "board id (defaults to config board)")
	return cmd
}

// runEvent is one line of run output.
type runEvent struct {
	Type  string             `json:"type"` // "sync" | "board"
	Sync  *syncpkg.SyncEvent `json:"sync,omitempty"`
	Items int                `json:"items,omitempty"`
	Days  int                `json:"days,omitempty"`
	Board string             `json:"board"`
}

func runSession(opts *RunOptions, cmd *cobra.Command) error {
	cfg := opts.Config
	boardID := opts.Board
	if boardID == "" {
		boardID = cfg.Board
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	l, err := openLocal(cfg)
	if err != nil {
		return err
	}
	defer l.Close()

	sc, err := newSession(ctx, cfg, l)
	if err != nil {
		return err
	}
	// the signal context is already done by the time the snapshot is saved
	defer sc.Close(context.Background())

	printer := &eventPrinter{w: cmd.OutOrStdout(), json: opts.Format == "json"}
	unsubSync := sc.Engine.Subscribe(func(ev syncpkg.SyncEvent) {
		if ev.BoardID == boardID {
			printer.print(runEvent{Type: "sync", Sync: &ev, Board: boardID})
		}
	})
	defer unsubSync()

	sc.Start(ctx)
	b, err := sc.Open(ctx, boardID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open board", err)
	}
	unsubBoard := b.Subscribe(func(board models.Board) {
		printer.print(runEvent{Type: "board", Items: board.Len(), Days: len(board.DayKeys()), Board: boardID})
	})
	defer unsubBoard()

	opts.formatter(cmd).VerboseLog("board %s open (online=%v). Press Ctrl-C to stop.", boardID, sc.Monitor.Online())
	<-ctx.Done()
	return nil
}

// eventPrinter serializes output from concurrent callbacks.
type eventPrinter struct {
	mu   sync.Mutex
	w    io.Writer
	json bool
}

func (p *eventPrinter) print(ev runEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.json {
		json.NewEncoder(p.w).Encode(ev)
		return
	}
	switch ev.Type {
	case "sync":
		line := fmt.Sprintf("[sync] board=%s status=%s queue=%d", ev.Board, ev.Sync.Status, ev.Sync.QueueCount)
		if ev.Sync.Message != "" {
			line += " " + ev.Sync.Message
		}
		fmt.Fprintln(p.w, line)
	case "board":
		fmt.Fprintf(p.w, "[board] board=%s items=%d days=%d\n", ev.Board, ev.Items, ev.Days)
	}
}
