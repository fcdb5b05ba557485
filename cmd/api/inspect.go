package main

import (
	"context"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"kanban/api/internal/orderkey"
	"kanban/api/internal/store"
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	okColor     = color.New(color.FgGreen)
	narrowColor = color.New(color.FgYellow)
	spentColor  = color.New(color.FgRed, color.Bold)
)

// narrowGap is the spacing below which a sequence is reported as due for a
// rebalance. At key magnitudes near the default gap about a dozen midpoints
// still fit below it.
const narrowGap orderkey.Key = 1e-9

func inspectCmd(load configLoader) *cobra.Command {
	var boardID string
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print a board's order keys and flag sequences that need a rebalance",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			ctx := cmd.Context()

			dataStore, closeStore, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			return inspectBoard(ctx, cmd.OutOrStdout(), dataStore, boardID)
		},
	}
	cmd.Flags().StringVar(&boardID, "board", "", "board id")
	_ = cmd.MarkFlagRequired("board")
	return cmd
}

type sequenceHealth struct {
	narrow int
	spent  int
}

func inspectBoard(ctx context.Context, w io.Writer, dataStore store.BoardStore, boardID string) error {
	board, err := dataStore.GetBoard(ctx, boardID)
	if err != nil {
		return fmt.Errorf("board %s: %w", boardID, err)
	}
	cards, err := dataStore.ListOrdered(ctx, store.Cards(boardID))
	if err != nil {
		return err
	}

	headerColor.Fprintf(w, "%s (%s) cards v%d\n", board.Name, board.ID, cards.Version)
	total := printSequence(w, "", cards)
	for _, card := range cards.Items {
		tasks, err := dataStore.ListOrdered(ctx, store.Tasks(card.ID))
		if err != nil {
			return err
		}
		headerColor.Fprintf(w, "  %s (%s) tasks v%d\n", card.Name, card.ID, tasks.Version)
		h := printSequence(w, "  ", tasks)
		total.narrow += h.narrow
		total.spent += h.spent
	}

	switch {
	case total.spent > 0:
		spentColor.Fprintf(w, "%d gap(s) exhausted, moves into them will conflict until rebalanced\n", total.spent)
	case total.narrow > 0:
		narrowColor.Fprintf(w, "%d narrow gap(s), consider a rebalance\n", total.narrow)
	default:
		okColor.Fprintln(w, "all gaps healthy")
	}
	return nil
}

func printSequence(w io.Writer, indent string, snap store.Snapshot) sequenceHealth {
	var h sequenceHealth
	for i, item := range snap.Items {
		line := fmt.Sprintf("%s  %3d  %-24g %s  %s", indent, i, float64(item.OrderKey), item.ID, item.Name)
		if i == 0 {
			fmt.Fprintln(w, line)
			continue
		}
		prev := snap.Items[i-1].OrderKey
		switch gap := orderkey.Gap(prev, item.OrderKey); {
		case orderkey.Exhausted(prev, item.OrderKey):
			h.spent++
			spentColor.Fprintf(w, "%s  [exhausted]\n", line)
		case gap < narrowGap:
			h.narrow++
			narrowColor.Fprintf(w, "%s  [gap %g]\n", line, float64(gap))
		default:
			fmt.Fprintln(w, line)
		}
	}
	return h
}
