package main

import (
	"fmt"
	"strings"

	"github.com/danmuck/latticectl/internal/links"
	"github.com/danmuck/latticectl/internal/placement"
	"github.com/spf13/cobra"
)

func (a *app) linkCmd() *cobra.Command {
	link := &cobra.Command{
		Use:   "link",
		Short: "Manage interface links between components",
	}
	link.AddCommand(a.linkPutCmd(), a.linkDelCmd(), a.linkQueryCmd())
	return link
}

func (a *app) linkPutCmd() *cobra.Command {
	var (
		name         string
		interfaces   []string
		sourceConfig []string
		targetConfig []string
	)
	cmd := &cobra.Command{
		Use:   "put <source-id> <target> <wit-namespace> <wit-package>",
		Short: "Link a source component to a target over a wit package",
		Long: `Link a source component to a target over a wit package.

Links sharing source, name, namespace, and package must declare disjoint
interfaces; an overlapping link is rejected and nothing is stored.

Example:
  latticectl link put http-component kv-provider wasi keyvalue --interface store --interface atomics`,
		Args: cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			link := links.Link{
				SourceID:     args[0],
				Target:       args[1],
				Name:         name,
				WitNamespace: args[2],
				WitPackage:   args[3],
				Interfaces:   interfaces,
				SourceConfig: sourceConfig,
				TargetConfig: targetConfig,
			}
			if err := a.client().PutLink(cmd.Context(), link); err != nil {
				return err
			}
			text := fmt.Sprintf("Published link (%s) <-> (%s) successfully", link.SourceID, link.Target)
			return a.render(placement.Output{Text: text, Fields: map[string]any{
				"result":        text,
				"source_id":     link.SourceID,
				"target":        link.Target,
				"name":          link.Name,
				"wit_namespace": link.WitNamespace,
				"wit_package":   link.WitPackage,
				"interfaces":    link.Interfaces,
			}})
		},
	}
	f := cmd.Flags()
	f.StringVar(&name, "name", placement.DefaultLinkName, "link name")
	f.StringArrayVar(&interfaces, "interface", nil, "interface on the wit package (repeatable)")
	f.StringArrayVar(&sourceConfig, "source-config", nil, "named configuration for the source (repeatable)")
	f.StringArrayVar(&targetConfig, "target-config", nil, "named configuration for the target (repeatable)")
	return cmd
}

func (a *app) linkDelCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "del <source-id> <wit-namespace> <wit-package>",
		Short: "Delete every link stored under one source, name, and wit package",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := links.NewLinkKey(args[0], name, args[1], args[2])
			removed, err := a.client().DeleteLink(cmd.Context(), key)
			if err != nil {
				return err
			}
			text := fmt.Sprintf("Deleted link for %s on %s:%s (%s) successfully", key.SourceID, key.WitNamespace, key.WitPackage, key.Name)
			if !removed {
				text = fmt.Sprintf("No link stored for %s on %s:%s (%s)", key.SourceID, key.WitNamespace, key.WitPackage, key.Name)
			}
			return a.render(placement.Output{Text: text, Fields: map[string]any{
				"result":  text,
				"removed": removed,
			}})
		},
	}
	cmd.Flags().StringVar(&name, "name", placement.DefaultLinkName, "link name")
	return cmd
}

func (a *app) linkQueryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "query",
		Short: "List stored links",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stored, err := a.client().Links(cmd.Context())
			if err != nil {
				return err
			}
			var b strings.Builder
			if len(stored) == 0 {
				b.WriteString("No links found")
			}
			for i, l := range stored {
				if i > 0 {
					b.WriteByte('\n')
				}
				fmt.Fprintf(&b, "%s -> %s  name=%s  wit=%s:%s  interfaces=%s",
					l.SourceID, l.Target, l.Name, l.WitNamespace, l.WitPackage, strings.Join(l.Interfaces, ","))
			}
			return a.render(placement.Output{Text: b.String(), Fields: map[string]any{"links": stored}})
		},
	}
}
