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
	"strconv"

	"github.com/spf13/cobra"
	"golang.org/x/net/context"

	"github.com/gostor/ctld/pkg/api"
)

func newDiscoverCommand(opts *globalOptions) *cobra.Command {
	var (
		discOpts api.DiscoveryOptions
		protocol string
	)
	var cmd = &cobra.Command{
		Use:   "discover TAG",
		Short: "Show what an initiator would discover through a portal group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tag, err := strconv.ParseUint(args[0], 10, 16)
			if err != nil {
				return fmt.Errorf("invalid portal group tag %q", args[0])
			}
			discOpts.Tag = uint16(tag)
			discOpts.Protocol = api.Protocol(protocol)

			cli, err := opts.client()
			if err != nil {
				return err
			}
			records, err := cli.Discover(context.Background(), discOpts)
			if err != nil {
				return err
			}
			printRecords(os.Stdout, records)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&protocol, "protocol", string(api.ProtocolISCSI), "Portal group protocol (iscsi or nvme-tcp)")
	flags.StringVar(&discOpts.Initiator, "initiator", "", "Initiator name or host NQN")
	flags.StringVar(&discOpts.Address, "address", "", "Initiator IP address")
	flags.StringVar(&discOpts.Target, "target", "", "Ask for a single iSCSI target instead of All")
	return cmd
}

// printRecords writes records in SendTargets text form.
func printRecords(out io.Writer, records []api.DiscoveryRecord) {
	for _, r := range records {
		fmt.Fprintf(out, "TargetName=%s\n", r.Name)
		for _, a := range r.Addresses {
			fmt.Fprintf(out, "TargetAddress=%s\n", a)
		}
	}
}
