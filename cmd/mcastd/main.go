package main

import (
	"os"

	"github.com/moby/mcastkit/log"
	"github.com/moby/mcastkit/manager"
	"github.com/moby/mcastkit/version"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func main() {
	if err := mainCmd.Execute(); err != nil {
		log.L.Fatal(err)
	}
}

var (
	mainCmd = &cobra.Command{
		Use:          os.Args[0],
		Short:        "Run the multicast membership manager against a simulated fabric",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logrus.SetOutput(os.Stderr)
			flag, err := cmd.Flags().GetString("log-level")
			if err != nil {
				return err
			}
			level, err := logrus.ParseLevel(flag)
			if err != nil {
				return err
			}
			logrus.SetLevel(level)
			return nil
		},
	}
)

// managerConfig reads the manager flags shared by every subcommand.
func managerConfig(flags *pflag.FlagSet) (*manager.Config, error) {
	config := manager.DefaultConfig()

	var err error
	if config.StrictIslands, err = flags.GetBool("strict-islands"); err != nil {
		return nil, err
	}
	if config.QualifyByVlan, err = flags.GetBool("qualify-vlan"); err != nil {
		return nil, err
	}
	return config, nil
}

func init() {
	mainCmd.PersistentFlags().StringP("log-level", "l", "info", "Log level (options \"debug\", \"info\", \"warn\", \"error\", \"fatal\", \"panic\")")
	mainCmd.PersistentFlags().Bool("strict-islands", false, "Panic when a host is found attached twice in the same island")
	mainCmd.PersistentFlags().Bool("qualify-vlan", false, "Key groups joined on a tagged VLAN by address and VLAN")

	mainCmd.AddCommand(
		runCmd,
		replayCmd,
		version.Cmd,
	)
}
