package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/postbills/backend/internal/models"
)

// SnapshotOptions holds flags for the snapshot command.
type SnapshotOptions struct {
	*RootOptions
	Board string
}

// NewSnapshotCommand creates the snapshot command.
func NewSnapshotCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SnapshotOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect the locally saved board",
	}
	cmd.PersistentFlags().StringVarP(&opts.Board, "board", "b", "", "board id (defaults to config board)")

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the last saved state of a board",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshotShow(opts, cmd)
		},
	})
	return cmd
}

// snapshotItem is the listing form of an image record. Inline payloads are
// reduced to their size.
type snapshotItem struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Confirmed bool   `json:"confirmed"`
	ImageURL  string `json:"imageURL,omitempty"`
	InlineLen int    `json:"inlineBytes,omitempty"`
	Fav       bool   `json:"fav"`
	Note      string `json:"note,omitempty"`
}

type snapshotView struct {
	BoardID string                    `json:"boardId"`
	SavedAt time.Time                 `json:"savedAt"`
	Days    map[string][]snapshotItem `json:"days"`
}

func runSnapshotShow(opts *SnapshotOptions, cmd *cobra.Command) error {
	boardID := opts.Board
	if boardID == "" {
		boardID = opts.Config.Board
	}

	l, err := openLocal(opts.Config)
	if err != nil {
		return err
	}
	defer l.Close()

	snap, ok := l.repo.LoadBoardSnapshot(commandContext(cmd), boardID)
	if !ok {
		return NewExitError(ExitFailure, fmt.Sprintf("no snapshot saved for board %s", boardID))
	}

	view := snapshotView{
		BoardID: snap.BoardID,
		SavedAt: snap.SavedAtTime().UTC(),
		Days:    make(map[string][]snapshotItem, len(snap.Board)),
	}
	for _, day := range snap.Board.DayKeys() {
		items := make([]snapshotItem, 0, len(snap.Board[day]))
		for _, it := range snap.Board[day] {
			items = append(items, toSnapshotItem(it))
		}
		view.Days[day] = items
	}

	return opts.formatter(cmd).Success(view, func(w io.Writer) {
		fmt.Fprintf(w, "Board %s, saved %s, %d items\n", view.BoardID, view.SavedAt.Format(time.RFC3339), snap.Board.Len())
		for _, day := range snap.Board.DayKeys() {
			fmt.Fprintf(w, "%s\n", day)
			for i, it := range view.Days[day] {
				mark := " "
				if it.Fav {
					mark = "*"
				}
				state := "local"
				if it.Confirmed {
					state = "synced"
				}
				fmt.Fprintf(w, "  %2d %s %-36s %-24s %-6s %s\n", i, mark, it.ID, it.Name, state, it.Note)
			}
		}
	})
}

func toSnapshotItem(it models.ImageRecord) snapshotItem {
	item := snapshotItem{
		ID:        it.ID,
		Name:      it.Name,
		Confirmed: !it.IsLocalOnly(),
		ImageURL:  it.ImageURL,
		Fav:       it.Fav,
		Note:      it.Note,
	}
	if models.IsDataURL(it.Src) {
		item.InlineLen = len(it.Src)
	}
	return item
}
