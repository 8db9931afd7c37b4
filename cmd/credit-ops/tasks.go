package main

import (
	"github.com/mmdatafocus/credit_backend/tasks"
	"github.com/spf13/cobra"
)

func replayTaskCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "replay-task <task-id>",
		Short: "Move a DEAD task back to PENDING",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			db, err := open()
			if err != nil {
				return err
			}
			t, err := tasks.Replay(cmd.Context(), db, id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), t)
		},
	}
}

func deadTasksCmd(open opener) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dead-tasks",
		Short: "List tasks waiting for manual reconciliation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := open()
			if err != nil {
				return err
			}
			out, err := tasks.Dead(cmd.Context(), db, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "maximum tasks to list")
	return cmd
}
