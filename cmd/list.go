/*
Copyright 2023 The GoStor Authors All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/net/context"

	"github.com/gostor/ctld/pkg/api"
)

func newListCommand(opts *globalOptions) *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "list",
		Short: "List object(s)",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(cmd.UsageString())
		},
	}
	cmd.AddCommand(
		newListTargetCmd(opts),
		newListPortalGroupCmd(opts),
		newListSessionCmd(opts),
	)
	return cmd
}

func newListTargetCmd(opts *globalOptions) *cobra.Command {
	listOpts := api.TargetListOptions{}
	var cmd = &cobra.Command{
		Use:   "target",
		Short: "List configured targets and NVMe subsystems",
		Args:  NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := opts.client()
			if err != nil {
				return err
			}
			results, err := cli.TargetList(context.Background(), listOpts)
			if err != nil {
				return err
			}
			printTargets(os.Stdout, results, listOpts.Verbose)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&listOpts.Name, "name", "", "Specify target name")
	flags.BoolVar(&listOpts.Verbose, "verbose", false, "Show more details")
	return cmd
}

func newListPortalGroupCmd(opts *globalOptions) *cobra.Command {
	var cmd = &cobra.Command{
		Use:     "portal-group",
		Aliases: []string{"pg"},
		Short:   "List portal groups and NVMe transport groups",
		Args:    NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := opts.client()
			if err != nil {
				return err
			}
			results, err := cli.PortalGroupList(context.Background())
			if err != nil {
				return err
			}
			printPortalGroups(os.Stdout, results)
			return nil
		},
	}
	return cmd
}

func newListSessionCmd(opts *globalOptions) *cobra.Command {
	var (
		listOpts api.SessionListOptions
		parked   bool
	)
	var cmd = &cobra.Command{
		Use:   "session",
		Short: "List connections in login or discovery",
		Args:  NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := opts.client()
			if err != nil {
				return err
			}
			if parked {
				results, err := cli.ParkedList(context.Background())
				if err != nil {
					return err
				}
				printParked(os.Stdout, results)
				return nil
			}
			results, err := cli.SessionList(context.Background(), listOpts)
			if err != nil {
				return err
			}
			printSessions(os.Stdout, results)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&listOpts.Target, "target", "", "Only show connections to this target")
	flags.BoolVar(&parked, "parked", false, "Show connections held by the proxy kernel backend")
	return cmd
}

func printTargets(out io.Writer, targets []api.TargetInfo, verbose bool) {
	w := tabwriter.NewWriter(out, 20, 1, 3, ' ', 0)
	if verbose {
		fmt.Fprintln(w, "TARGET NAME\tAUTH GROUP\tAUTH TYPE\tCONNECTIONS\tPORTAL GROUPS")
	} else {
		fmt.Fprintln(w, "TARGET NAME\tAUTH GROUP\tAUTH TYPE\tCONNECTIONS")
	}
	for _, tgt := range targets {
		ag := tgt.AuthGroup
		if ag == "" {
			ag = "-"
		}
		if verbose {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", tgt.Name, ag, tgt.AuthType, tgt.Connections, strings.Join(tgt.PortalGroups, ","))
		} else {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", tgt.Name, ag, tgt.AuthType, tgt.Connections)
		}
	}
	w.Flush()
}

func printPortalGroups(out io.Writer, groups []api.PortalGroupInfo) {
	w := tabwriter.NewWriter(out, 12, 1, 3, ' ', 0)
	fmt.Fprintln(w, "NAME\tTAG\tPROTOCOL\tPORTALS\tDISCOVERY FILTER\tTARGETS")
	for _, pg := range groups {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%d\n", pg.Name, pg.Tag, pg.Protocol,
			strings.Join(pg.Portals, ","), pg.DiscoveryFilter, len(pg.Targets))
	}
	w.Flush()
}

func printSessions(out io.Writer, conns []api.ConnectionInfo) {
	w := tabwriter.NewWriter(out, 12, 1, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tPROTOCOL\tINITIATOR\tADDRESS\tTARGET\tSTATE\tSTARTED")
	for _, c := range conns {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", c.ID, c.Protocol, dash(c.Initiator), c.Address,
			dash(c.Target), c.State, c.Started.Format(time.RFC3339))
	}
	w.Flush()
}

func printParked(out io.Writer, parked []api.ParkedConnectionInfo) {
	w := tabwriter.NewWriter(out, 12, 1, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tPROTOCOL\tINITIATOR\tADDRESS\tTARGET\tTAG\tSINCE")
	for _, p := range parked {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n", p.ID, p.Protocol, p.Initiator, p.Address,
			p.Target, p.PortalGroupTag, p.Since.Format(time.RFC3339))
	}
	w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
