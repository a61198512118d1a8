package main

import (
	"context"
	"os"
	"time"

	"github.com/moby/mcastkit/api"
	"github.com/moby/mcastkit/cmd/mcastd/scenario"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Feed the IGMP reports of a pcap capture through the manager",
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		config, err := managerConfig(cmd.Flags())
		if err != nil {
			return err
		}

		scenarioPath, err := flags.GetString("scenario")
		if err != nil {
			return err
		}
		capturePath, err := flags.GetString("pcap")
		if err != nil {
			return err
		}
		if capturePath == "" {
			return errors.New("--pcap is required")
		}
		sw, err := flags.GetString("switch")
		if err != nil {
			return err
		}
		port, err := flags.GetUint32("port")
		if err != nil {
			return err
		}
		swID, err := api.ParseSwitchID(sw)
		if err != nil {
			return err
		}
		ingress := api.AttachmentPoint{Switch: swID, Port: api.PortID(port)}
		if !ingress.Valid() {
			return errors.Errorf("invalid ingress %s", ingress)
		}
		var vlan *api.VlanID
		if flags.Changed("vlan") {
			v, err := flags.GetUint16("vlan")
			if err != nil {
				return err
			}
			id := api.VlanID(v)
			if !id.Valid() {
				return errors.Errorf("invalid VLAN %d", v)
			}
			vlan = &id
		}

		s := &scenario.Scenario{Switches: []string{sw}}
		if scenarioPath != "" {
			if s, err = scenario.Load(scenarioPath); err != nil {
				return err
			}
		}

		ctx := context.Background()
		start := time.Now()
		r, err := scenario.NewRunner(ctx, s, config)
		if err != nil {
			return err
		}
		defer r.Manager.Stop()

		f, err := os.Open(capturePath)
		if err != nil {
			return errors.Wrap(err, "failed to open capture")
		}
		defer f.Close()

		if err := r.Replay(ctx, f, ingress, vlan); err != nil {
			return err
		}
		printState(os.Stdout, r, time.Since(start))
		return nil
	},
}

func init() {
	flags := replayCmd.Flags()
	flags.String("scenario", "", "Scenario describing the fabric; defaults to the ingress switch alone")
	flags.String("pcap", "", "Capture file to replay")
	flags.String("switch", "1", "Datapath id of the ingress switch")
	flags.Uint32("port", 1, "Ingress port")
	flags.Uint16("vlan", 0, "VLAN the frames were matched on, overriding their 802.1Q tag")
}
