package cmd

import (
	"github.com/encodeous/rpl/core"
	"github.com/spf13/cobra"
)

var (
	logPath string
	verbose bool
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run rpl",
	Long:  `This will run rpl on the current host. It needs permission to open raw ICMPv6 sockets and to program the IPv6 routing table.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return core.Bootstrap(configPath, logPath, verbose)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	runCmd.Flags().StringVarP(&logPath, "log", "l", "", "Also write logs to this file")
}
