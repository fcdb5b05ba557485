package main

import (
	"github.com/spf13/cobra"

	"kanban/api/internal/app"
	"kanban/api/internal/broadcast"
	"kanban/api/internal/orderkey"
	"kanban/api/internal/reorder"
)

func rebalanceCmd(load configLoader) *cobra.Command {
	var boardID, cardID string
	cmd := &cobra.Command{
		Use:   "rebalance",
		Short: "Respace a board's cards, or one card's tasks, to even gaps",
		Long: "Rewrites the order keys of one sequence to multiples of the configured gap.\n" +
			"Order is preserved and the sequence version is bumped, so in-flight moves retry.",
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

			reconciler := reorder.New(dataStore, reorder.WithGap(orderkey.Key(cfg.OrderGap)), reorder.WithLogger(logger))
			service := app.New(cfg, dataStore, reconciler, broadcast.NewHub(0, logger), logger)
			snap, err := service.Rebalance(ctx, boardID, cardID)
			if err != nil {
				return err
			}
			okColor.Fprintf(cmd.OutOrStdout(), "rebalanced %d %s(s) under %s, now at version %d\n",
				len(snap.Items), snap.Sequence.Kind, snap.Sequence.ParentID, snap.Version)
			return nil
		},
	}
	cmd.Flags().StringVar(&boardID, "board", "", "board id")
	cmd.Flags().StringVar(&cardID, "card", "", "rebalance this card's tasks instead of the board's cards")
	_ = cmd.MarkFlagRequired("board")
	return cmd
}
