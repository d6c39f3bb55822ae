package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func purgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete jobs finished longer ago than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openClient(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			n, err := c.Purge(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Purged %d jobs.\n", n)
			return nil
		},
	}
}

func clearCmd() *cobra.Command {
	var yes bool

	var command = &cobra.Command{
		Use:   "clear",
		Short: "Delete every job of every type",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to clear the job table without --yes")
			}

			c, err := openClient(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Job table cleared.")
			return nil
		},
	}

	command.Flags().BoolVar(&yes, "yes", false, "Confirm deleting all jobs")
	return command
}
