package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/postbills/backend/internal/models"
	"github.com/kimhsiao/postbills/backend/internal/sync/queue"
)

// QueueOptions holds flags shared by the queue subcommands.
type QueueOptions struct {
	*RootOptions
	Board string
}

// NewQueueCommand creates the queue command and its subcommands.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage queued changes",
	}
	cmd.PersistentFlags().StringVarP(&opts.Board, "board", "b", "", "board id (defaults to config board)")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List queued changes in replay order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueList(opts, cmd)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Drop every queued change of the board",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueMutate(opts, cmd, "cleared", (*queue.MutationQueue).Clear)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "retry",
		Short: "Reset retry counters so stuck changes are replayed again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueMutate(opts, cmd, "reset", (*queue.MutationQueue).RetryAll)
		},
	})
	return cmd
}

func (o *QueueOptions) board() string {
	if o.Board != "" {
		return o.Board
	}
	return o.Config.Board
}

// queuedRow is the listing form of a queued operation; image payloads are
// left out.
type queuedRow struct {
	ID        string        `json:"id"`
	Kind      models.OpKind `json:"kind"`
	CreatedAt time.Time     `json:"createdAt"`
	Retries   int           `json:"retries"`
	Stuck     bool          `json:"stuck"`
	Summary   string        `json:"summary"`
}

func runQueueList(opts *QueueOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	l, err := openLocal(opts.Config)
	if err != nil {
		return err
	}
	defer l.Close()

	q := queue.NewMutationQueue(l.repo, opts.Config.Sync.MaxRetries)
	ops, err := q.Pending(ctx, opts.board())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read queue", err)
	}

	rows := make([]queuedRow, len(ops))
	for i, op := range ops {
		rows[i] = queuedRow{
			ID:        op.ID,
			Kind:      op.Kind,
			CreatedAt: op.CreatedAtTime().UTC(),
			Retries:   op.Retries,
			Stuck:     op.Retries >= q.MaxRetries(),
			Summary:   describe(op.Payload),
		}
	}

	return opts.formatter(cmd).Success(rows, func(w io.Writer) {
		if len(rows) == 0 {
			fmt.Fprintf(w, "No queued changes for %s.\n", opts.board())
			return
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tKIND\tCREATED\tRETRIES\tCHANGE")
		for _, r := range rows {
			retries := fmt.Sprint(r.Retries)
			if r.Stuck {
				retries += " (stuck)"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Kind, r.CreatedAt.Format(time.RFC3339), retries, r.Summary)
		}
		tw.Flush()
	})
}

func runQueueMutate(opts *QueueOptions, cmd *cobra.Command, verb string, fn func(*queue.MutationQueue, context.Context, string) (int64, error)) error {
	ctx := commandContext(cmd)
	l, err := openLocal(opts.Config)
	if err != nil {
		return err
	}
	defer l.Close()

	q := queue.NewMutationQueue(l.repo, opts.Config.Sync.MaxRetries)
	n, err := fn(q, ctx, opts.board())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to update queue", err)
	}
	return opts.formatter(cmd).Success(map[string]interface{}{"board": opts.board(), verb: n}, func(w io.Writer) {
		fmt.Fprintf(w, "%s: %d queued changes %s.\n", opts.board(), n, verb)
	})
}

// describe summarizes a payload in one line.
func describe(p models.Payload) string {
	switch p := p.(type) {
	case models.AddPayload:
		ids := make([]string, len(p.Entries))
		for i, e := range p.Entries {
			ids[i] = e.ID
		}
		return fmt.Sprintf("add %s to %s at %d", strings.Join(ids, ","), p.DayKey, p.StartOrder)
	case models.DeletePayload:
		return fmt.Sprintf("delete %s", p.ID)
	case models.UpdateNotePayload:
		return fmt.Sprintf("note %s %q", p.ID, p.Note)
	case models.ToggleFavoritePayload:
		if p.Fav {
			return fmt.Sprintf("favorite %s", p.ID)
		}
		return fmt.Sprintf("unfavorite %s", p.ID)
	case models.ReorderPayload:
		if p.SourceKey == p.DestKey {
			return fmt.Sprintf("reorder %s (%d items)", p.SourceKey, len(p.SourceIDs))
		}
		return fmt.Sprintf("move %s -> %s", p.SourceKey, p.DestKey)
	default:
		return string(p.Kind())
	}
}
