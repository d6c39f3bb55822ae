package cmd

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/olamilekan000/readerq/readerq/backend"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <type> <id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openClient(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx := cmd.Context()
			m := c.Queue(args[0])

			j, err := m.Get(ctx, args[1])
			if err != nil {
				return err
			}

			view := map[string]any{
				"id":         j.ID,
				"type":       j.Type,
				"state":      j.State(),
				"data":       j.Data,
				"created_at": j.CreatedAt,
			}
			if j.Progress != nil {
				view["progress"] = j.Progress
			}
			if j.IsDone() {
				view["done_at"] = j.DoneAt
				if j.Result != nil {
					view["result"] = j.Result
				}
				if j.Error != nil {
					view["error"] = j.Error
				}
			} else {
				pos, err := m.QueuePosition(ctx, j.ID)
				if err != nil {
					return err
				}
				view["queue_position"] = pos
			}
			return printJSON(view)
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats [type...]",
		Short: "Show pending, processing, done and failed counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openClient(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx := cmd.Context()
			types := args
			if len(types) == 0 {
				types, err = c.Types(ctx)
				if err != nil {
					return err
				}
			}

			all := make([]*backend.QueueStats, 0, len(types))
			for _, t := range types {
				stats, err := c.Queue(t).Stats(ctx)
				if err != nil {
					return err
				}
				all = append(all, stats)
			}
			return printJSON(all)
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
