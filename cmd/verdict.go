package main

import (
	"github.com/spf13/cobra"

	"github.com/sells-group/visibility-engine/internal/visibility"
)

var (
	verdictTrials         bool
	verdictHallucinations bool
)

var verdictCmd = &cobra.Command{
	Use:   "verdict <unit-id>",
	Short: "Show a unit's ensemble verdict",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initService(ctx, "dispatch")
		if err != nil {
			return err
		}
		defer env.Close()

		view, err := env.Service.Verdict(ctx, args[0], visibility.VerdictOptions{
			Trials:         verdictTrials,
			Hallucinations: verdictHallucinations,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), view)
	},
}

func init() {
	verdictCmd.Flags().BoolVar(&verdictTrials, "trials", false, "include individual trials")
	verdictCmd.Flags().BoolVar(&verdictHallucinations, "hallucinations", false, "include hallucination results")
	rootCmd.AddCommand(verdictCmd)
}
