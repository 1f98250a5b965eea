package cli

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var cronTimeout time.Duration

var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Run one scheduled automation pass and print its summary",
	Long: `Runs the pending-DM batch and the token lifecycle scan once, then exits.
Intended for external schedulers that cannot reach the HTTP trigger.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), cronTimeout)
		defer cancel()

		app, err := newApplication(ctx, false)
		if err != nil {
			return err
		}
		defer app.close(context.Background())

		summary, err := app.cron.Run(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	},
}

func init() {
	cronCmd.Flags().DurationVar(&cronTimeout, "timeout", 5*time.Minute, "abort the pass after this duration")
	rootCmd.AddCommand(cronCmd)
}
