package main

import (
	"time"

	"github.com/danmuck/latticectl/internal/lattice"
	"github.com/danmuck/latticectl/internal/placement"
	"github.com/spf13/cobra"
)

func (a *app) scaleCmd() *cobra.Command {
	scale := &cobra.Command{
		Use:   "scale",
		Short: "Scale lattice components",
	}
	scale.AddCommand(a.scaleActorCmd())
	return scale
}

func (a *app) scaleActorCmd() *cobra.Command {
	var (
		maxInstances     uint32
		constraints      []string
		annotations      []string
		auctionTimeoutMS int64
		skipWait         bool
	)
	cmd := &cobra.Command{
		Use:   "actor [host-id] <actor-ref>",
		Short: "Scale an actor running on a host to a level of concurrency",
		Long: `Scale an actor running on a host to a level of concurrency.

host-id may be a host id or a friendly name fragment; an ambiguous fragment is
an error. With only <actor-ref> the actor is auctioned using --constraint.
Unless --skip-wait is given the command waits for the host to report the scale
finished (5s by default).

Examples:
  latticectl scale actor edge-west ghcr.io/acme/echo:0.3 --max-instances 4
  latticectl scale actor ghcr.io/acme/echo:0.3 -c region=us-east -a deployment=canary`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var hostHint, actorRef string
			if len(args) == 2 {
				hostHint, actorRef = args[0], args[1]
			} else {
				actorRef = args[0]
			}
			constraintMap, err := lattice.ParseLabels(constraints)
			if err != nil {
				return err
			}
			annotationMap, err := lattice.ParseLabels(annotations)
			if err != nil {
				return err
			}

			client := a.client()
			out, err := a.orchestrator(client).ScaleActor(cmd.Context(), placement.ScaleActorRequest{
				HostHint:       hostHint,
				ActorRef:       actorRef,
				MaxInstances:   maxInstances,
				Annotations:    annotationMap,
				Constraints:    constraintMap,
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
	f.Uint32Var(&maxInstances, "max-instances", placement.DefaultMaxInstances, "maximum number of instances the actor can run concurrently")
	f.StringArrayVarP(&constraints, "constraint", "c", nil, "auction constraint label=value (repeatable); ignored with a host-id")
	f.StringArrayVarP(&annotations, "annotations", "a", nil, "annotation key=value describing this scale request (repeatable)")
	f.Int64Var(&auctionTimeoutMS, "auction-timeout-ms", placement.DefaultAuctionTimeout.Milliseconds(), "how long to collect auction bids")
	f.BoolVar(&skipWait, "skip-wait", false, "return once the host acknowledges, without waiting for the scale to finish")
	return cmd
}
