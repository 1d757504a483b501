package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath = "rpl.yaml"

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "rpl",
	Short: "RPL routing daemon",
	Long: `rpl runs the IPv6 Routing Protocol for Low-Power and Lossy Networks (RFC 6550)
on the configured interfaces, maintaining upward routes towards DODAG roots and DAO downward routes.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", configPath, "daemon configuration")
}
