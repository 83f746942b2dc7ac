package main

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/danmuck/latticectl/internal/placement"
	"github.com/spf13/cobra"
)

func (a *app) getCmd() *cobra.Command {
	get := &cobra.Command{
		Use:   "get",
		Short: "Query the lattice",
	}
	get.AddCommand(a.getHostsCmd())
	return get
}

func (a *app) getHostsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hosts",
		Short: "List hosts in the lattice",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			hosts, err := a.client().Hosts(cmd.Context())
			if err != nil {
				return err
			}
			var b strings.Builder
			tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "HOST ID\tFRIENDLY NAME\tUPTIME\tLABELS")
			for _, h := range hosts {
				uptime := (time.Duration(h.UptimeMS) * time.Millisecond).Truncate(time.Second)
				labels := make([]string, 0, len(h.Labels))
				for _, k := range slices.Sorted(maps.Keys(h.Labels)) {
					labels = append(labels, k+"="+h.Labels[k])
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", h.ID, h.FriendlyName, uptime, strings.Join(labels, ","))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			return a.render(placement.Output{
				Text:   strings.TrimRight(b.String(), "\n"),
				Fields: map[string]any{"hosts": hosts},
			})
		},
	}
}
