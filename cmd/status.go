package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Prints queue status, platform health and rate limits as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(appInstance)

			st, err := appInstance.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}
			return printJSON(cmd, st)
		},
	}
}
