package main

import (
	"context"
	"os"
	"time"

	"github.com/moby/mcastkit/cmd/mcastd/scenario"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run <scenario.yaml>",
	Short: "Play the event script of a scenario and print the resulting membership",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := managerConfig(cmd.Flags())
		if err != nil {
			return err
		}
		s, err := scenario.Load(args[0])
		if err != nil {
			return err
		}

		ctx := context.Background()
		start := time.Now()
		r, err := scenario.NewRunner(ctx, s, config)
		if err != nil {
			return err
		}
		defer r.Manager.Stop()

		if err := r.Run(ctx); err != nil {
			return err
		}
		printState(os.Stdout, r, time.Since(start))
		return nil
	},
}
