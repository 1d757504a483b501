package cmd

import (
	"fmt"

	"github.com/encodeous/rpl/state"
	"github.com/spf13/cobra"
)

// verifyCmd loads and validates a configuration without starting the daemon
var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Validates the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := state.LoadConfig(configPath)
		if err != nil {
			return err
		}
		out, err := cfg.Marshal()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Config is valid")
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}
