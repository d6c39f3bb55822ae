package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/olamilekan000/readerq/readerq"
)

func enqueueCmd() *cobra.Command {
	var (
		id      string
		waitFor time.Duration
	)

	var command = &cobra.Command{
		Use:   "enqueue <type> [data(json)]",
		Short: "Insert a job, optionally waiting for its result",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data := json.RawMessage("null")
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("invalid job JSON: %s", args[1])
				}
				data = json.RawMessage(args[1])
			}
			if id == "" {
				id = uuid.New().String()
			}

			c, err := openClient(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx := cmd.Context()
			m := c.Queue(args[0])

			inserted, err := m.Insert(ctx, id, data)
			if err != nil {
				return fmt.Errorf("failed to enqueue job: %w", err)
			}
			pos, err := m.QueuePosition(ctx, id)
			if err != nil {
				return err
			}

			if inserted {
				fmt.Printf("Job %s enqueued at position %d.\n", id, pos)
			} else {
				fmt.Printf("Job %s already exists.\n", id)
			}

			if waitFor <= 0 {
				return nil
			}

			result, failure, err := m.Wait(ctx, id, readerq.WaitOptions{Timeout: waitFor})
			if err != nil {
				return err
			}
			if failure != nil {
				return printJSON(map[string]json.RawMessage{"error": failure})
			}
			return printJSON(map[string]json.RawMessage{"result": result})
		},
	}

	command.Flags().StringVar(&id, "id", "", "Job id (random when empty)")
	command.Flags().DurationVar(&waitFor, "wait", 0, "Wait up to this long for the result")

	return command
}
