package cli

import (
	"github.com/spf13/cobra"

	"autobackup/internal/helpers"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "显示版本号",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Printf("autobackup version %s (%s)\n", helpers.Version, helpers.ReleaseDate)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
