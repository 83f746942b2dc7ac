package main

import (
	"strings"
	"time"

	"github.com/danmuck/latticectl/internal/lattice"
	"github.com/danmuck/latticectl/internal/placement"
	"github.com/spf13/cobra"
)

func (a *app) startCmd() *cobra.Command {
	start := &cobra.Command{
		Use:   "start",
		Short: "Start lattice components",
	}
	start.AddCommand(a.startProviderCmd())
	return start
}

func (a *app) startProviderCmd() *cobra.Command {
	var (
		hostID           string
		linkName         string
		constraints      []string
		annotations      []string
		auctionTimeoutMS int64
		configJSONPath   string
		skipWait         bool
	)
	cmd := &cobra.Command{
		Use:   "provider <provider-ref>",
		Short: "Start a capability provider on a lattice host",
		Long: `Start a capability provider on a lattice host.

Without --host-id the provider is auctioned and the first bidding host wins.
Unless --skip-wait is given the command waits for the host to report that
the provider started (30s by default).

Examples:
  latticectl start provider ghcr.io/acme/httpserver:0.19.1
  latticectl start provider ghcr.io/acme/httpserver:0.19.1 --host-id edge-west -l backup
  latticectl start provider /opt/providers/kv.par -c region=us-west --config-json ./kv.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			constraintMap, err := lattice.ParseLabels(constraints)
			if err != nil {
				return err
			}
			annotationMap, err := lattice.ParseLabels(annotations)
			if err != nil {
				return err
			}
			var configJSON string
			if path := strings.TrimSpace(configJSONPath); path != "" {
				if configJSON, err = placement.ReadConfigJSON(path); err != nil {
					return err
				}
			}

			client := a.client()
			out, err := a.orchestrator(client).StartProvider(cmd.Context(), placement.StartProviderRequest{
				HostHint:       hostID,
				ProviderRef:    args[0],
				LinkName:       linkName,
				Constraints:    constraintMap,
				Annotations:    annotationMap,
				ConfigJSON:     configJSON,
				SkipWait:       skipWait,
				Timeout:        a.requestTimeout,
				AuctionTimeout: time.Duration(auctionTimeoutMS) * time.Millisecond,
			})
			if err != nil {
				return err
			}
			return a.render(out)
		},
	}

	f := cmd.Flags()
	f.StringVar(&hostID, "host-id", "", "host id or friendly name fragment; auctions the provider when empty")
	f.StringVarP(&linkName, "link-name", "l", placement.DefaultLinkName, "link name of the provider")
	f.StringArrayVarP(&constraints, "constraint", "c", nil, "auction constraint label=value (repeatable); ignored with --host-id")
	f.StringArrayVarP(&annotations, "annotation", "a", nil, "annotation key=value (repeatable)")
	f.Int64Var(&auctionTimeoutMS, "auction-timeout-ms", placement.DefaultAuctionTimeout.Milliseconds(), "how long to collect auction bids")
	f.StringVar(&configJSONPath, "config-json", "", "path to a JSON file with provider configuration")
	f.BoolVar(&skipWait, "skip-wait", false, "return once the host acknowledges, without waiting for the provider to start")
	return cmd
}
