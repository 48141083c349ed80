package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the gateway version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(rootCmd.Version)
		return nil
	},
}
