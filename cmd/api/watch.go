package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"kanban/api/internal/broadcast"
	"kanban/api/internal/store"
	"kanban/api/internal/util"
)

var eventColor = color.New(color.FgMagenta)

func watchCmd(load configLoader) *cobra.Command {
	var (
		boardID string
		seed    bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a board's events from redis and print the order they produce",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if strings.TrimSpace(cfg.RedisURL) == "" {
				return fmt.Errorf("watch needs redis_url, events are not visible across processes without it")
			}
			logger := newLogger(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			local := broadcast.NewLocalBoard(boardID)
			if seed {
				dataStore, closeStore, err := openStore(ctx, cfg, logger)
				if err != nil {
					return err
				}
				err = seedLocalBoard(ctx, dataStore, local)
				closeStore()
				if err != nil {
					return err
				}
			}

			hub := broadcast.NewHub(broadcast.DefaultBuffer, logger)
			redisBroadcaster, err := broadcast.NewRedisBroadcaster(cfg.RedisURL, cfg.ChannelPrefix, hub, logger)
			if err != nil {
				return err
			}
			defer redisBroadcaster.Close()

			sub := hub.Subscribe(boardID, util.NewID("watch"))
			defer sub.Close()
			go func() {
				if err := redisBroadcaster.Run(ctx); err != nil {
					logger.WithError(err).Error("event subscriber stopped")
				}
			}()

			out := cmd.OutOrStdout()
			headerColor.Fprintf(out, "watching %s\n", boardID)
			printOrder(out, local, "")
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev, ok := <-sub.Events():
					if !ok {
						return nil
					}
					if local.Apply(ev) {
						printEvent(out, local, ev)
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&boardID, "board", "", "board id")
	cmd.Flags().BoolVar(&seed, "seed", true, "load the current order from the database before following events")
	_ = cmd.MarkFlagRequired("board")
	return cmd
}

func seedLocalBoard(ctx context.Context, dataStore store.BoardStore, local *broadcast.LocalBoard) error {
	cards, err := dataStore.ListOrdered(ctx, store.Cards(local.BoardID))
	if err != nil {
		return err
	}
	local.Cards = cards.IDs()
	for _, card := range cards.Items {
		tasks, err := dataStore.ListOrdered(ctx, store.Tasks(card.ID))
		if err != nil {
			return err
		}
		local.Tasks[card.ID] = tasks.IDs()
	}
	return nil
}

func printEvent(w io.Writer, local *broadcast.LocalBoard, ev broadcast.Event) {
	line := fmt.Sprintf("%s %s", ev.Type, ev.ItemID)
	if ev.Origin != "" {
		line += " from " + ev.Origin
	}
	eventColor.Fprintln(w, line)

	switch ev.Type {
	case broadcast.CardCreated, broadcast.CardDeleted, broadcast.CardMoved:
		printOrder(w, local, "")
	case broadcast.TaskCreated, broadcast.TaskMoved:
		if ev.OldParentID != "" && ev.OldParentID != ev.ParentID {
			printOrder(w, local, ev.OldParentID)
		}
		printOrder(w, local, ev.ParentID)
	}
}

// printOrder prints the card order, or one card's task order when cardID is
// set.
func printOrder(w io.Writer, local *broadcast.LocalBoard, cardID string) {
	if cardID == "" {
		fmt.Fprintf(w, "  cards: [%s]\n", strings.Join(local.Cards, " "))
		return
	}
	fmt.Fprintf(w, "  tasks of %s: [%s]\n", cardID, strings.Join(local.Tasks[cardID], " "))
}
