// Package app wires the talos command-line application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/myquay/talos/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "talos",
	DisableAutoGenTag: true,
	Short:             "Talos is an IndieAuth authorization server",
	Long: `Talos is an IndieAuth authorization server that lets people sign in to
applications with their own domain name. Identity is verified by delegating to
the OAuth identity providers (GitHub, GitLab) linked from the user's homepage
with rel="me".`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates the root command for the talos CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}
