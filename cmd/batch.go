package main

import (
	"github.com/spf13/cobra"
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Inspect or cancel dispatched batches",
}

var batchStatusCmd = &cobra.Command{
	Use:   "status <batch-id>",
	Short: "Show job and unit counts for a batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initService(ctx, "dispatch")
		if err != nil {
			return err
		}
		defer env.Close()

		progress, err := env.Service.BatchProgress(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), progress)
	},
}

var batchCancelCmd = &cobra.Command{
	Use:   "cancel <batch-id>",
	Short: "Cancel unclaimed jobs and refund untouched units",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initService(ctx, "dispatch")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Service.CancelBatch(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

func init() {
	batchCmd.AddCommand(batchStatusCmd, batchCancelCmd)
	rootCmd.AddCommand(batchCmd)
}
